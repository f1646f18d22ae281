package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Config locates the snapshot bucket.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	// Prefix is prepended to every blob name, e.g. "snapshots/".
	Prefix string
}

// S3Source reads snapshot blobs from S3 with ranged GetObject calls.
type S3Source struct {
	cfg S3Config
	s3  *s3.S3
}

// NewS3Source builds a source from the shared credential chain.
func NewS3Source(cfg S3Config) (*S3Source, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blob: s3 bucket is required")
	}

	awsConfig := aws.NewConfig()
	if cfg.Region != "" {
		awsConfig = awsConfig.WithRegion(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsConfig = awsConfig.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("blob: create aws session: %w", err)
	}

	return &S3Source{cfg: cfg, s3: s3.New(sess)}, nil
}

func (s *S3Source) ReadRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	if length <= 0 {
		return nil, errors.New("blob: length must be positive")
	}

	key := s.cfg.Prefix + name
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)

	out, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: &s.cfg.Bucket,
		Key:    &key,
		Range:  &rng,
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("blob: get %s: %w", key, err)
	}
	defer out.Body.Close()

	data := make([]byte, length)
	if _, err := io.ReadFull(out.Body, data); err != nil {
		return nil, fmt.Errorf("blob: short read of %s: %w", key, err)
	}
	return data, nil
}
