// Package cache implements the searchable-snapshot cache: reads of remote
// snapshot blobs are served from locally cached byte ranges, fetched on
// miss and persisted across restarts through a crash-consistent metadata
// index. Eviction and fsync of dirty cache files are coordinated per
// shard so that an evicted shard never leaves stale metadata behind.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/shoal-db/shoal/log"
	"github.com/shoal-db/shoal/pkg/blob"
	"github.com/shoal-db/shoal/pkg/cache/persistent"
)

// ErrClosed is returned for operations on a closed cache service.
var ErrClosed = errors.New("cache: service is closed")

// Logger captures structured output for the cache service.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// ServiceConfig controls cache service behaviour.
type ServiceConfig struct {
	// CacheDir is the root directory holding cached file data.
	CacheDir string
	// SyncInterval is the period of the background fsync cycle.
	SyncInterval time.Duration
}

// Option customises service construction.
type Option func(*Service)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithSyncFunc replaces the per-file fsync operation (primarily for
// tests). The function runs with the file's eviction lock held.
func WithSyncFunc(fn func(*CacheFile) error) Option {
	return func(s *Service) {
		s.syncFn = fn
	}
}

type shardEviction struct {
	done chan struct{}
}

// Service owns the in-memory registry of active cache files, the periodic
// synchronization of dirty ones, and eviction.
type Service struct {
	cfg    ServiceConfig
	writer *persistent.Writer
	source blob.Source
	logger Logger
	syncFn func(*CacheFile) error

	mu         sync.Mutex
	registry   map[string]*CacheFile
	evictions  map[ShardKey]*shardEviction
	outOfSpace func()
	closed     bool
}

// NewService constructs a cache service. source may be nil, in which case
// reads of unpopulated ranges fail instead of fetching.
func NewService(cfg ServiceConfig, writer *persistent.Writer, source blob.Source, opts ...Option) (*Service, error) {
	if cfg.CacheDir == "" {
		return nil, errors.New("cache: cache directory is required")
	}
	if writer == nil {
		return nil, errors.New("cache: persistent writer is required")
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 5 * time.Second
	}

	s := &Service{
		cfg:       cfg,
		writer:    writer,
		source:    source,
		logger:    log.GetLogger("cache"),
		registry:  make(map[string]*CacheFile),
		evictions: make(map[ShardKey]*shardEviction),
	}
	s.syncFn = func(f *CacheFile) error { return f.container.Fsync() }

	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.GetLogger("cache")
	}

	return s, nil
}

// Load repopulates the in-memory registry from the persistent index.
// Documents whose backing file disappeared are dropped from the index;
// surviving documents are rewritten so the index reflects this process
// generation.
func (s *Service) Load() (int, error) {
	docs, err := s.writer.LoadDocuments()
	if err != nil {
		return 0, err
	}

	restored := 0
	for id, doc := range docs {
		key, length, err := keyFromDocument(doc)
		if err != nil {
			s.logger.Warnf("dropping malformed cache document %s: %v", id, err)
			_ = s.writer.DeleteCacheFile(id)
			continue
		}

		path := filepath.Join(s.cfg.CacheDir, key.RelativePath())
		if _, statErr := os.Stat(path); statErr != nil {
			s.logger.Debugf("dropping cache document %s: backing file missing", id)
			_ = s.writer.DeleteCacheFile(id)
			continue
		}

		ranges, err := ParseRanges(doc[persistent.FieldRanges])
		if err != nil {
			s.logger.Warnf("dropping cache document %s: %v", id, err)
			_ = s.writer.DeleteCacheFile(id)
			continue
		}

		f, err := newCacheFile(key, length, path)
		if err != nil {
			s.logger.Warnf("dropping cache document %s: %v", id, err)
			_ = s.writer.DeleteCacheFile(id)
			continue
		}
		f.restore(ranges)

		s.mu.Lock()
		s.registry[id] = f
		s.mu.Unlock()

		if err := s.writer.UpdateCacheFile(id, documentFor(f)); err != nil {
			return restored, err
		}
		restored++
	}

	if err := s.writer.Commit(); err != nil {
		return restored, err
	}
	s.logger.Infof("restored %d cache files from persistent index", restored)
	return restored, nil
}

// SetOutOfSpaceHandler installs a callback fired asynchronously when a
// cache write fails with ENOSPC, typically wired to the failsafe monitor.
func (s *Service) SetOutOfSpaceHandler(fn func()) {
	s.mu.Lock()
	s.outOfSpace = fn
	s.mu.Unlock()
}

func (s *Service) notifyOutOfSpace() {
	s.mu.Lock()
	fn := s.outOfSpace
	s.mu.Unlock()
	if fn != nil {
		go fn()
	}
}

// Get returns the cache file for key, creating it on first use.
func (s *Service) Get(key CacheKey, length int64) (*CacheFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	id := key.ID()
	if f, ok := s.registry[id]; ok {
		if f.length != length {
			return nil, fmt.Errorf("cache: length mismatch for %s: have %d, want %d", id, f.length, length)
		}
		return f, nil
	}

	f, err := newCacheFile(key, length, filepath.Join(s.cfg.CacheDir, key.RelativePath()))
	if err != nil {
		return nil, err
	}
	s.registry[id] = f
	return f, nil
}

// ReadCacheFile serves len(p) bytes at offset of the cached file for key,
// fetching missing ranges from the blob source first.
func (s *Service) ReadCacheFile(ctx context.Context, key CacheKey, length, offset int64, p []byte) (int, error) {
	f, err := s.Get(key, length)
	if err != nil {
		return 0, err
	}

	want := ByteRange{Start: offset, End: offset + int64(len(p))}
	for _, gap := range f.MissingRanges(want) {
		if s.source == nil {
			return 0, fmt.Errorf("%w: [%d,%d)", ErrRangeNotCached, gap.Start, gap.End)
		}
		data, err := s.source.ReadRange(ctx, key.BlobName(), gap.Start, gap.Length())
		if err != nil {
			return 0, fmt.Errorf("fetch %s [%d,%d): %w", key.BlobName(), gap.Start, gap.End, err)
		}
		if err := f.WriteRange(data, gap.Start); err != nil {
			if errors.Is(err, syscall.ENOSPC) {
				s.notifyOutOfSpace()
			}
			return 0, err
		}
	}

	return f.ReadRange(p, offset)
}

// MarkShardAsEvicted asynchronously removes every cache file of the shard.
// Duplicate requests while an eviction is pending are coalesced.
func (s *Service) MarkShardAsEvicted(shard ShardKey) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, pending := s.evictions[shard]; pending {
		s.mu.Unlock()
		return
	}
	ev := &shardEviction{done: make(chan struct{})}
	s.evictions[shard] = ev
	s.mu.Unlock()

	go s.processShardEviction(shard, ev)
}

// WaitForCacheFilesEviction blocks until a pending eviction for the shard
// has completed. Returns immediately when none is pending.
func (s *Service) WaitForCacheFilesEviction(shard ShardKey) {
	s.mu.Lock()
	ev, ok := s.evictions[shard]
	s.mu.Unlock()

	if ok {
		<-ev.done
	}
}

func (s *Service) processShardEviction(shard ShardKey, ev *shardEviction) {
	s.mu.Lock()
	victims := make([]*CacheFile, 0)
	for id, f := range s.registry {
		if f.key.ShardKey == shard {
			victims = append(victims, f)
			delete(s.registry, id)
		}
	}
	s.mu.Unlock()

	// evict waits per file for any in-flight fsync; once it returns the
	// sync cycle can no longer touch the file's metadata.
	for _, f := range victims {
		if _, err := f.evict(); err != nil {
			s.logger.Errorf("evicting %s: %v", f.key.ID(), err)
		}
		if err := s.writer.DeleteCacheFile(f.key.ID()); err != nil {
			s.logger.Errorf("deleting document %s: %v", f.key.ID(), err)
		}
	}
	if err := s.writer.Commit(); err != nil {
		s.logger.Errorf("committing eviction of %s: %v", shard, err)
	}

	s.mu.Lock()
	delete(s.evictions, shard)
	s.mu.Unlock()
	close(ev.done)

	s.logger.Debugf("evicted %d cache files of shard %s", len(victims), shard)
}

// RemoveFromCache evicts a single cache file synchronously.
func (s *Service) RemoveFromCache(key CacheKey) error {
	id := key.ID()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	f, ok := s.registry[id]
	delete(s.registry, id)
	s.mu.Unlock()

	if ok {
		if _, err := f.evict(); err != nil {
			return err
		}
	}
	if err := s.writer.DeleteCacheFile(id); err != nil {
		return err
	}
	return s.writer.Commit()
}

// SynchronizeCache fsyncs every dirty cache file and persists its range
// metadata. A failed fsync re-marks the file dirty for the next cycle.
func (s *Service) SynchronizeCache() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	snapshot := make([]*CacheFile, 0, len(s.registry))
	for _, f := range s.registry {
		snapshot = append(snapshot, f)
	}
	s.mu.Unlock()

	synced := 0
	for _, f := range snapshot {
		if !f.needsSync.CompareAndSwap(true, false) {
			continue
		}
		if err := s.syncFile(f); err != nil {
			if errors.Is(err, ErrEvicted) {
				// eviction already deleted the document; leave it deleted
				continue
			}
			f.needsSync.Store(true)
			s.logger.Warnf("fsync of %s failed, will retry: %v", f.key.ID(), err)
			continue
		}
		synced++
	}

	if err := s.writer.Commit(); err != nil {
		return err
	}
	if synced > 0 {
		s.logger.Debugf("synchronized %d cache files", synced)
	}
	return nil
}

// syncFile fsyncs one file and stages its document update while holding
// the file's eviction lock, so a concurrent eviction either waits for the
// update or prevents it entirely. A post-eviction fsync can never
// resurrect deleted metadata.
func (s *Service) syncFile(f *CacheFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.evicted {
		return ErrEvicted
	}
	if err := s.syncFn(f); err != nil {
		return err
	}
	return s.writer.UpdateCacheFile(f.key.ID(), documentForLocked(f))
}

// CacheSize reports the persisted cached byte count of a shard.
func (s *Service) CacheSize(shard ShardKey) (int64, error) {
	docs, err := s.writer.LoadDocuments()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, doc := range docs {
		if doc[persistent.FieldSnapshotUUID] != shard.SnapshotUUID ||
			doc[persistent.FieldSnapshotIndex] != shard.SnapshotIndex ||
			doc[persistent.FieldShardID] != strconv.Itoa(shard.ShardID) {
			continue
		}
		total += RangesTotal(doc[persistent.FieldRanges])
	}
	return total, nil
}

// TotalCachedBytes sums the populated bytes of every registered file.
func (s *Service) TotalCachedBytes() int64 {
	s.mu.Lock()
	snapshot := make([]*CacheFile, 0, len(s.registry))
	for _, f := range s.registry {
		snapshot = append(snapshot, f)
	}
	s.mu.Unlock()

	var total int64
	for _, f := range snapshot {
		total += f.CachedBytes()
	}
	return total
}

// Run drives the periodic sync cycle until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SynchronizeCache(); err != nil && !errors.Is(err, ErrClosed) {
				s.logger.Warnf("cache synchronization failed: %v", err)
			}
		}
	}
}

// Close releases every cache file handle. The persistent writer is owned
// by the caller and stays open.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for id, f := range s.registry {
		if err := f.container.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.registry, id)
	}
	return firstErr
}

func documentFor(f *CacheFile) persistent.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return documentForLocked(f)
}

// documentForLocked builds the persistent document; f.mu must be held.
func documentForLocked(f *CacheFile) persistent.Document {
	return persistent.Document{
		persistent.FieldSnapshotUUID:  f.key.SnapshotUUID,
		persistent.FieldSnapshotIndex: f.key.SnapshotIndex,
		persistent.FieldShardID:       strconv.Itoa(f.key.ShardID),
		persistent.FieldFileName:      f.key.FileName,
		persistent.FieldFileLength:    strconv.FormatInt(f.length, 10),
		persistent.FieldRanges:        EncodeRanges(f.tracker.completed()),
	}
}

func keyFromDocument(doc persistent.Document) (CacheKey, int64, error) {
	shardID, err := strconv.Atoi(doc[persistent.FieldShardID])
	if err != nil {
		return CacheKey{}, 0, fmt.Errorf("bad shard id %q", doc[persistent.FieldShardID])
	}
	length, err := strconv.ParseInt(doc[persistent.FieldFileLength], 10, 64)
	if err != nil {
		return CacheKey{}, 0, fmt.Errorf("bad file length %q", doc[persistent.FieldFileLength])
	}
	key := CacheKey{
		ShardKey: ShardKey{
			SnapshotUUID:  doc[persistent.FieldSnapshotUUID],
			SnapshotIndex: doc[persistent.FieldSnapshotIndex],
			ShardID:       shardID,
		},
		FileName: doc[persistent.FieldFileName],
	}
	if key.SnapshotUUID == "" || key.SnapshotIndex == "" || key.FileName == "" {
		return CacheKey{}, 0, errors.New("missing cache key fields")
	}
	return key, length, nil
}
