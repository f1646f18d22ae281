package blob

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestMemSourceReadsExactRanges(t *testing.T) {
	src := NewMemSource()
	src.Put("shard/seg_1", []byte("0123456789"))

	got, err := src.ReadRange(context.Background(), "shard/seg_1", 2, 4)
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if !bytes.Equal(got, []byte("2345")) {
		t.Fatalf("unexpected range content %q", got)
	}
	if src.ReadCount("shard/seg_1") != 1 {
		t.Fatalf("expected 1 recorded read, got %d", src.ReadCount("shard/seg_1"))
	}
}

func TestMemSourceMissingBlob(t *testing.T) {
	src := NewMemSource()
	_, err := src.ReadRange(context.Background(), "nope", 0, 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemSourceRejectsOutOfBoundsRange(t *testing.T) {
	src := NewMemSource()
	src.Put("b", []byte("abc"))

	if _, err := src.ReadRange(context.Background(), "b", 2, 5); err == nil {
		t.Fatalf("expected out of bounds failure")
	}
	if _, err := src.ReadRange(context.Background(), "b", -1, 2); err == nil {
		t.Fatalf("expected negative offset failure")
	}
}

func TestMemSourceHonoursContextCancellation(t *testing.T) {
	src := NewMemSource()
	src.Put("b", []byte("abc"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.ReadRange(ctx, "b", 0, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
