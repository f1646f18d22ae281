// Package blob abstracts the remote snapshot store the cache fetches byte
// ranges from on a miss.
package blob

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when the named blob does not exist.
var ErrNotFound = errors.New("blob: not found")

// Source reads byte ranges of remote snapshot blobs.
type Source interface {
	// ReadRange returns exactly length bytes of the named blob starting at
	// offset, or an error. Short blobs are an error, not a short read.
	ReadRange(ctx context.Context, name string, offset, length int64) ([]byte, error)
}

// MemSource is an in-memory Source for tests and local experiments.
type MemSource struct {
	mu    sync.RWMutex
	blobs map[string][]byte

	// Reads counts ReadRange calls per blob name.
	reads map[string]int
}

func NewMemSource() *MemSource {
	return &MemSource{
		blobs: make(map[string][]byte),
		reads: make(map[string]int),
	}
}

// Put stores a blob under name, replacing any previous content.
func (m *MemSource) Put(name string, data []byte) {
	m.mu.Lock()
	m.blobs[name] = append([]byte(nil), data...)
	m.mu.Unlock()
}

func (m *MemSource) ReadRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	data, ok := m.blobs[name]
	m.reads[name]++
	m.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	if offset < 0 || length < 0 || offset+length > int64(len(data)) {
		return nil, errors.New("blob: range out of bounds")
	}
	out := make([]byte, length)
	copy(out, data[offset:offset+length])
	return out, nil
}

// ReadCount reports how many ranged reads hit the named blob.
func (m *MemSource) ReadCount(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reads[name]
}
