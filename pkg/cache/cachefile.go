package cache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shoal-db/shoal/pkg/cache/files"
)

// ErrEvicted is returned for operations on a cache file that has been
// evicted.
var ErrEvicted = errors.New("cache: file evicted")

// ErrRangeNotCached is returned when a read touches an unpopulated range.
var ErrRangeNotCached = errors.New("cache: range not cached")

// CacheFile is one cached contiguous byte region store: a local sparse
// file plus the tracker of which sub-ranges have been populated from the
// remote blob. Dirty state (writes since the last fsync) is tracked with
// the needsSync flag; the sync cycle clears it and persists the range
// metadata.
type CacheFile struct {
	key    CacheKey
	length int64

	// mu serializes fsync against eviction: an eviction request arriving
	// while an fsync is in flight waits for it here.
	mu        sync.Mutex
	container *files.Container
	tracker   rangeTracker
	evicted   bool

	needsSync  atomic.Bool
	lastAccess atomic.Int64
}

func newCacheFile(key CacheKey, length int64, path string) (*CacheFile, error) {
	container, err := files.Open(path, length)
	if err != nil {
		return nil, err
	}
	f := &CacheFile{
		key:       key,
		length:    length,
		container: container,
	}
	f.touch()
	return f, nil
}

// Key returns the cache key.
func (f *CacheFile) Key() CacheKey { return f.key }

// Length returns the full length of the backing remote blob region.
func (f *CacheFile) Length() int64 { return f.length }

// NeedsFsync reports whether writes since the last successful fsync exist.
func (f *CacheFile) NeedsFsync() bool { return f.needsSync.Load() }

// WriteRange fills [offset, offset+len(data)) with fetched bytes and marks
// the file dirty.
func (f *CacheFile) WriteRange(data []byte, offset int64) error {
	if offset < 0 || offset+int64(len(data)) > f.length {
		return fmt.Errorf("cache: write of [%d,%d) outside file of length %d", offset, offset+int64(len(data)), f.length)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.evicted {
		return ErrEvicted
	}
	if _, err := f.container.WriteAt(data, offset); err != nil {
		return err
	}
	f.tracker.add(ByteRange{Start: offset, End: offset + int64(len(data))})
	f.needsSync.Store(true)
	f.touch()
	return nil
}

// ReadRange reads len(p) populated bytes starting at offset.
func (f *CacheFile) ReadRange(p []byte, offset int64) (int, error) {
	want := ByteRange{Start: offset, End: offset + int64(len(p))}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.evicted {
		return 0, ErrEvicted
	}
	if !f.tracker.contains(want) {
		return 0, fmt.Errorf("%w: [%d,%d)", ErrRangeNotCached, want.Start, want.End)
	}
	n, err := f.container.ReadAt(p, offset)
	if err != nil {
		return n, err
	}
	f.touch()
	return n, nil
}

// MissingRanges returns the gaps of r still to be fetched.
func (f *CacheFile) MissingRanges(r ByteRange) []ByteRange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracker.missing(r)
}

// CompletedRanges returns the populated ranges.
func (f *CacheFile) CompletedRanges() []ByteRange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracker.completed()
}

// CachedBytes reports the number of populated bytes.
func (f *CacheFile) CachedBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracker.totalBytes()
}

// restore seeds the tracker from persisted range metadata on startup.
func (f *CacheFile) restore(ranges []ByteRange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range ranges {
		f.tracker.add(r)
	}
}

// LastAccessNanos returns the wall-clock nanos of the last read or write.
func (f *CacheFile) LastAccessNanos() int64 { return f.lastAccess.Load() }

func (f *CacheFile) touch() {
	f.lastAccess.Store(time.Now().UnixNano())
}

// evict deletes the backing file, waiting for any in-flight fsync first.
// Reports whether this call performed the eviction.
func (f *CacheFile) evict() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.evicted {
		return false, nil
	}
	f.evicted = true
	return true, f.container.Remove()
}

// isEvicted reports eviction state. Callers holding mu use f.evicted
// directly.
func (f *CacheFile) isEvicted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evicted
}
