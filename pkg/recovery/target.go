package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shoal-db/shoal/log"
	"github.com/shoal-db/shoal/pkg/cache/files"
)

// SeqNoUnassigned marks an absent sequence number.
const SeqNoUnassigned int64 = -2

// Target is a disk-backed TargetService: it stages received store files
// under a shard directory and applies translog batches, tracking the local
// checkpoint. One Target serves one recovery attempt.
type Target struct {
	dir    string
	logger Logger

	mu               sync.Mutex
	prepared         bool
	expectedOps      int
	manifest         map[string]int64
	open             map[string]*files.Container
	received         []Operation
	localCheckpoint  int64
	globalCheckpoint int64
	primaryContext   *PrimaryContext
}

// NewTarget creates a recovery target staging files under dir.
func NewTarget(dir string, logger Logger) (*Target, error) {
	if dir == "" {
		return nil, errors.New("recovery target: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create target directory: %w", err)
	}
	if logger == nil {
		logger = log.GetLogger("recovery-target")
	}
	return &Target{
		dir:              dir,
		logger:           logger,
		manifest:         make(map[string]int64),
		open:             make(map[string]*files.Container),
		localCheckpoint:  SeqNoUnassigned,
		globalCheckpoint: SeqNoUnassigned,
	}, nil
}

func (t *Target) PrepareForTranslogOperations(ctx context.Context, req *PrepareTranslogRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.prepared = true
	t.expectedOps = req.TotalTranslogOps
	t.logger.Debugf("prepared for %d translog ops on %s", req.TotalTranslogOps, req.ShardID)
	return nil
}

func (t *Target) IndexTranslogOperations(ctx context.Context, req *TranslogOpsRequest) (*TranslogOpsResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.prepared {
		return nil, errors.New("recovery target: translog batch before prepare")
	}
	for _, op := range req.Operations {
		t.received = append(t.received, op)
		if op.SeqNo > t.localCheckpoint {
			t.localCheckpoint = op.SeqNo
		}
	}
	return &TranslogOpsResponse{LocalCheckpoint: t.localCheckpoint}, nil
}

func (t *Target) ReceiveFileInfo(ctx context.Context, req *FileInfoRequest) error {
	if len(req.FileNames) != len(req.FileSizes) {
		return errors.New("recovery target: file name/size count mismatch")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.manifest = make(map[string]int64, len(req.FileNames))
	for i, name := range req.FileNames {
		t.manifest[name] = req.FileSizes[i]
	}
	t.logger.Debugf("receiving %d files, reusing %d existing", len(req.FileNames), len(req.ExistingFileNames))
	return nil
}

func (t *Target) WriteFileChunk(ctx context.Context, req *FileChunkRequest) error {
	// Store file names come from the remote source node; anything that
	// would resolve outside the staging directory is rejected.
	if !filepath.IsLocal(req.File.Name) {
		return fmt.Errorf("recovery target: invalid file name %q", req.File.Name)
	}

	t.mu.Lock()
	expected, known := t.manifest[req.File.Name]
	container, ok := t.open[req.File.Name]
	if !ok {
		length := req.File.Length
		var err error
		container, err = files.Open(filepath.Join(t.dir, req.File.Name), length)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		t.open[req.File.Name] = container
	}
	t.mu.Unlock()

	if known && req.Position+int64(len(req.Content)) > expected {
		return fmt.Errorf("recovery target: chunk for %s exceeds announced size %d", req.File.Name, expected)
	}

	if _, err := container.WriteAt(req.Content, req.Position); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}

	if req.LastChunk {
		if err := container.Fsync(); err != nil {
			return fmt.Errorf("fsync received file: %w", err)
		}
		if err := container.Close(); err != nil {
			return fmt.Errorf("close received file: %w", err)
		}
		t.mu.Lock()
		delete(t.open, req.File.Name)
		t.mu.Unlock()
	}
	return nil
}

func (t *Target) CleanFiles(ctx context.Context, req *CleanFilesRequest) error {
	t.mu.Lock()
	local := t.localCheckpoint
	t.mu.Unlock()

	if local != SeqNoUnassigned && req.GlobalCheckpoint < local {
		return fmt.Errorf("recovery target: global checkpoint %d below local checkpoint %d", req.GlobalCheckpoint, local)
	}

	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return fmt.Errorf("list target directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, keep := req.SourceFiles[entry.Name()]; keep {
			continue
		}
		if err := os.Remove(filepath.Join(t.dir, entry.Name())); err != nil {
			return fmt.Errorf("remove stale file %s: %w", entry.Name(), err)
		}
		t.logger.Debugf("removed stale file %s", entry.Name())
	}
	return nil
}

func (t *Target) FinalizeRecovery(ctx context.Context, req *FinalizeRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.globalCheckpoint = req.GlobalCheckpoint

	if req.TrimAboveSeqNo != SeqNoUnassigned {
		kept := t.received[:0]
		for _, op := range t.received {
			if op.SeqNo <= req.TrimAboveSeqNo {
				kept = append(kept, op)
			}
		}
		t.received = kept
		if t.localCheckpoint > req.TrimAboveSeqNo {
			t.localCheckpoint = req.TrimAboveSeqNo
		}
	}
	return nil
}

func (t *Target) HandoffPrimaryContext(ctx context.Context, req *HandoffRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pc := req.Context
	t.primaryContext = &pc
	return nil
}

// LocalCheckpoint reports the highest applied sequence number.
func (t *Target) LocalCheckpoint() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localCheckpoint
}

// GlobalCheckpoint reports the checkpoint recorded at finalization.
func (t *Target) GlobalCheckpoint() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.globalCheckpoint
}

// Operations returns the translog operations applied so far.
func (t *Target) Operations() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Operation, len(t.received))
	copy(out, t.received)
	return out
}

// PrimaryContextReceived returns the handed-off primary context, if any.
func (t *Target) PrimaryContextReceived() *PrimaryContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.primaryContext == nil {
		return nil
	}
	pc := *t.primaryContext
	return &pc
}

// Close releases any files still open mid-transfer.
func (t *Target) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for name, container := range t.open {
		if err := container.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.open, name)
	}
	return firstErr
}
