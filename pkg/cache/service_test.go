package cache

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shoal-db/shoal/pkg/blob"
	"github.com/shoal-db/shoal/pkg/cache/persistent"
)

type serviceEnv struct {
	service  *Service
	writer   *persistent.Writer
	source   *blob.MemSource
	cacheDir string
}

func newServiceEnv(t *testing.T, opts ...Option) *serviceEnv {
	t.Helper()

	root := t.TempDir()
	writer, err := persistent.Open(filepath.Join(root, "data"), persistent.Options{})
	if err != nil {
		t.Fatalf("open persistent writer: %v", err)
	}
	t.Cleanup(func() { _ = writer.Close() })

	source := blob.NewMemSource()
	cacheDir := filepath.Join(root, "cache")
	service, err := NewService(ServiceConfig{CacheDir: cacheDir, SyncInterval: time.Hour}, writer, source, opts...)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(func() { _ = service.Close() })

	return &serviceEnv{service: service, writer: writer, source: source, cacheDir: cacheDir}
}

func testKey(shard int, name string) CacheKey {
	return CacheKey{
		ShardKey: ShardKey{SnapshotUUID: "snap-uuid", SnapshotIndex: "logs", ShardID: shard},
		FileName: name,
	}
}

func TestReadFetchesMissingRangesOnce(t *testing.T) {
	env := newServiceEnv(t)
	key := testKey(0, "seg_1")
	content := bytes.Repeat([]byte{'d'}, 256)
	env.source.Put(key.BlobName(), content)

	buf := make([]byte, 64)
	if _, err := env.service.ReadCacheFile(context.Background(), key, 256, 32, buf); err != nil {
		t.Fatalf("first read failed: %v", err)
	}
	if !bytes.Equal(buf, content[32:96]) {
		t.Fatalf("read returned wrong bytes")
	}
	if env.source.ReadCount(key.BlobName()) != 1 {
		t.Fatalf("expected 1 fetch, got %d", env.source.ReadCount(key.BlobName()))
	}

	// The second read of the same range is served from cache.
	if _, err := env.service.ReadCacheFile(context.Background(), key, 256, 32, buf); err != nil {
		t.Fatalf("second read failed: %v", err)
	}
	if env.source.ReadCount(key.BlobName()) != 1 {
		t.Fatalf("cached read must not refetch, got %d fetches", env.source.ReadCount(key.BlobName()))
	}

	f, err := env.service.Get(key, 256)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !f.NeedsFsync() {
		t.Fatalf("populated file must be dirty before sync")
	}
}

func TestReadWithoutSourceFailsOnMiss(t *testing.T) {
	root := t.TempDir()
	writer, err := persistent.Open(filepath.Join(root, "data"), persistent.Options{})
	if err != nil {
		t.Fatalf("open persistent writer: %v", err)
	}
	defer writer.Close()

	service, err := NewService(ServiceConfig{CacheDir: filepath.Join(root, "cache")}, writer, nil)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	defer service.Close()

	_, err = service.ReadCacheFile(context.Background(), testKey(0, "seg_1"), 128, 0, make([]byte, 16))
	if !errors.Is(err, ErrRangeNotCached) {
		t.Fatalf("expected range-not-cached failure, got %v", err)
	}
}

func TestSyncPersistsRangesAcrossRestart(t *testing.T) {
	env := newServiceEnv(t)
	key := testKey(0, "seg_1")
	env.source.Put(key.BlobName(), bytes.Repeat([]byte{'s'}, 512))

	if _, err := env.service.ReadCacheFile(context.Background(), key, 512, 128, make([]byte, 64)); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := env.service.SynchronizeCache(); err != nil {
		t.Fatalf("SynchronizeCache failed: %v", err)
	}
	if err := env.service.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	restarted, err := NewService(ServiceConfig{CacheDir: env.cacheDir}, env.writer, env.source)
	if err != nil {
		t.Fatalf("NewService after restart failed: %v", err)
	}
	defer restarted.Close()

	restored, err := restarted.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if restored != 1 {
		t.Fatalf("expected 1 restored file, got %d", restored)
	}

	// The restored range serves reads without touching the blob store.
	fetchesBefore := env.source.ReadCount(key.BlobName())
	if _, err := restarted.ReadCacheFile(context.Background(), key, 512, 128, make([]byte, 64)); err != nil {
		t.Fatalf("read after restart failed: %v", err)
	}
	if env.source.ReadCount(key.BlobName()) != fetchesBefore {
		t.Fatalf("restored range must not refetch")
	}
}

func TestLoadDropsDocumentsWithMissingFiles(t *testing.T) {
	env := newServiceEnv(t)
	keep := testKey(0, "seg_keep")
	lose := testKey(0, "seg_lose")
	env.source.Put(keep.BlobName(), make([]byte, 64))
	env.source.Put(lose.BlobName(), make([]byte, 64))

	for _, key := range []CacheKey{keep, lose} {
		if _, err := env.service.ReadCacheFile(context.Background(), key, 64, 0, make([]byte, 16)); err != nil {
			t.Fatalf("read failed: %v", err)
		}
	}
	if err := env.service.SynchronizeCache(); err != nil {
		t.Fatalf("SynchronizeCache failed: %v", err)
	}
	if err := env.service.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := os.Remove(filepath.Join(env.cacheDir, lose.RelativePath())); err != nil {
		t.Fatalf("remove backing file: %v", err)
	}

	restarted, err := NewService(ServiceConfig{CacheDir: env.cacheDir}, env.writer, env.source)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	defer restarted.Close()

	restored, err := restarted.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if restored != 1 {
		t.Fatalf("expected 1 restored file, got %d", restored)
	}
	if _, ok, err := env.writer.GetDocument(lose.ID()); err != nil || ok {
		t.Fatalf("expected document of missing file dropped, ok=%v err=%v", ok, err)
	}
}

func TestShardEvictionRemovesFilesAndMetadata(t *testing.T) {
	env := newServiceEnv(t)
	evictKey := testKey(0, "seg_1")
	surviveKey := testKey(1, "seg_1")
	env.source.Put(evictKey.BlobName(), make([]byte, 128))
	env.source.Put(surviveKey.BlobName(), make([]byte, 128))

	for _, key := range []CacheKey{evictKey, surviveKey} {
		if _, err := env.service.ReadCacheFile(context.Background(), key, 128, 0, make([]byte, 32)); err != nil {
			t.Fatalf("read failed: %v", err)
		}
	}
	if err := env.service.SynchronizeCache(); err != nil {
		t.Fatalf("SynchronizeCache failed: %v", err)
	}

	evicted, err := env.service.Get(evictKey, 128)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	env.service.MarkShardAsEvicted(evictKey.ShardKey)
	env.service.WaitForCacheFilesEviction(evictKey.ShardKey)

	if _, err := os.Stat(filepath.Join(env.cacheDir, evictKey.RelativePath())); !os.IsNotExist(err) {
		t.Fatalf("expected evicted file removed from disk, stat err %v", err)
	}
	if _, err := evicted.ReadRange(make([]byte, 8), 0); !errors.Is(err, ErrEvicted) {
		t.Fatalf("expected reads of evicted file to fail, got %v", err)
	}

	size, err := env.service.CacheSize(evictKey.ShardKey)
	if err != nil {
		t.Fatalf("CacheSize failed: %v", err)
	}
	if size != 0 {
		t.Fatalf("expected evicted shard size 0, got %d", size)
	}

	size, err = env.service.CacheSize(surviveKey.ShardKey)
	if err != nil {
		t.Fatalf("CacheSize failed: %v", err)
	}
	if size != 32 {
		t.Fatalf("expected surviving shard to keep 32 bytes, got %d", size)
	}
}

func TestWaitForEvictionWithoutPendingReturnsImmediately(t *testing.T) {
	env := newServiceEnv(t)
	done := make(chan struct{})
	go func() {
		env.service.WaitForCacheFilesEviction(ShardKey{SnapshotUUID: "none", SnapshotIndex: "none"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("wait without pending eviction blocked")
	}
}

func TestEvictionWaitsForInFlightFsyncAndWins(t *testing.T) {
	// The outcome is the same whether the blocked fsync succeeds or fails:
	// the eviction waits for it and its delete is what persists.
	for _, tc := range []struct {
		name     string
		fsyncErr error
	}{
		{name: "fsync succeeds"},
		{name: "fsync fails", fsyncErr: errors.New("disk unhappy")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			syncEntered := make(chan struct{})
			syncRelease := make(chan struct{})
			var once sync.Once

			env := newServiceEnv(t, WithSyncFunc(func(f *CacheFile) error {
				once.Do(func() { close(syncEntered) })
				<-syncRelease
				if tc.fsyncErr != nil {
					return tc.fsyncErr
				}
				return f.container.Fsync()
			}))

			key := testKey(0, "seg_1")
			env.source.Put(key.BlobName(), make([]byte, 128))
			if _, err := env.service.ReadCacheFile(context.Background(), key, 128, 0, make([]byte, 128)); err != nil {
				t.Fatalf("read failed: %v", err)
			}

			syncDone := make(chan error, 1)
			go func() { syncDone <- env.service.SynchronizeCache() }()
			<-syncEntered

			// Eviction requested while the fsync is in flight has to wait for
			// it, and its delete must supersede the fsync's metadata update.
			env.service.MarkShardAsEvicted(key.ShardKey)
			close(syncRelease)

			env.service.WaitForCacheFilesEviction(key.ShardKey)
			if err := <-syncDone; err != nil {
				t.Fatalf("SynchronizeCache failed: %v", err)
			}

			if _, ok, err := env.writer.GetDocument(key.ID()); err != nil || ok {
				t.Fatalf("evicted file's document resurrected, ok=%v err=%v", ok, err)
			}
			size, err := env.service.CacheSize(key.ShardKey)
			if err != nil {
				t.Fatalf("CacheSize failed: %v", err)
			}
			if size != 0 {
				t.Fatalf("expected size 0 after eviction, got %d", size)
			}
		})
	}
}

func TestFailedFsyncKeepsFileDirty(t *testing.T) {
	var failures int
	env := newServiceEnv(t, WithSyncFunc(func(f *CacheFile) error {
		if failures == 0 {
			failures++
			return errors.New("disk unhappy")
		}
		return f.container.Fsync()
	}))

	key := testKey(0, "seg_1")
	env.source.Put(key.BlobName(), make([]byte, 64))
	if _, err := env.service.ReadCacheFile(context.Background(), key, 64, 0, make([]byte, 64)); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	f, err := env.service.Get(key, 64)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if err := env.service.SynchronizeCache(); err != nil {
		t.Fatalf("SynchronizeCache failed: %v", err)
	}
	if !f.NeedsFsync() {
		t.Fatalf("failed fsync must re-mark the file dirty")
	}
	if _, ok, err := env.writer.GetDocument(key.ID()); err != nil || ok {
		t.Fatalf("failed fsync must not persist metadata, ok=%v err=%v", ok, err)
	}

	if err := env.service.SynchronizeCache(); err != nil {
		t.Fatalf("second SynchronizeCache failed: %v", err)
	}
	if f.NeedsFsync() {
		t.Fatalf("successful fsync must clear the dirty flag")
	}
	if _, ok, err := env.writer.GetDocument(key.ID()); err != nil || !ok {
		t.Fatalf("expected persisted metadata after successful fsync, ok=%v err=%v", ok, err)
	}
}

func TestRemoveFromCacheDeletesFileAndDocument(t *testing.T) {
	env := newServiceEnv(t)
	key := testKey(0, "seg_1")
	env.source.Put(key.BlobName(), make([]byte, 64))

	if _, err := env.service.ReadCacheFile(context.Background(), key, 64, 0, make([]byte, 64)); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := env.service.SynchronizeCache(); err != nil {
		t.Fatalf("SynchronizeCache failed: %v", err)
	}

	if err := env.service.RemoveFromCache(key); err != nil {
		t.Fatalf("RemoveFromCache failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.cacheDir, key.RelativePath())); !os.IsNotExist(err) {
		t.Fatalf("expected removed file gone, stat err %v", err)
	}
	if _, ok, err := env.writer.GetDocument(key.ID()); err != nil || ok {
		t.Fatalf("expected document removed, ok=%v err=%v", ok, err)
	}
}

func TestGetRejectsLengthMismatch(t *testing.T) {
	env := newServiceEnv(t)
	key := testKey(0, "seg_1")

	if _, err := env.service.Get(key, 64); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := env.service.Get(key, 128); err == nil {
		t.Fatalf("expected length mismatch to fail")
	}
}
