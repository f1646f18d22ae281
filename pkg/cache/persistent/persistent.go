// Package persistent keeps the crash-consistent record of which cache
// files exist, separately from the cached bytes themselves. A restarted
// node loads it to repopulate its in-memory cache structures without
// re-fetching already-cached ranges, and deleted entries stay deleted:
// documents are removed, never tombstoned.
package persistent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/shoal-db/shoal/log"
)

const (
	// IndexFileName is the bbolt file kept in each node data path.
	IndexFileName = "snapshot_cache_index.db"

	currentSchemaVersion = 1
	bucketStats          = "stats"
	bucketDocuments      = "documents"

	keySchemaVersion = "schema_version"
)

var (
	errUnknownSchema = errors.New("persistent cache: unknown schema version")

	// ErrClosed is returned for operations on a closed writer.
	ErrClosed = errors.New("persistent cache: writer is closed")
)

var pcLog = log.GetLogger("persistent-cache")

// Document is one cache-file record: string fields keyed by name. The
// cache id itself is the document key, stored redundantly under
// FieldCacheID for integrity checks on load.
type Document map[string]string

// Well-known document fields.
const (
	FieldCacheID       = "cache_id"
	FieldSnapshotUUID  = "snapshot_uuid"
	FieldSnapshotIndex = "snapshot_index"
	FieldShardID       = "shard_id"
	FieldFileName      = "file_name"
	FieldFileLength    = "file_length"
	FieldRanges        = "ranges"
)

func (d Document) clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Options configures Open behaviour.
type Options struct {
	// Timeout controls the bbolt file open timeout. Zero means a default.
	Timeout time.Duration
}

// Writer maintains the document index for one node data path. Pending
// updates and deletes are visible to in-process reads immediately but are
// durable only after Commit, which applies them in a single transaction.
type Writer struct {
	dataPath string
	db       *bolt.DB

	mu             sync.Mutex
	pendingUpserts map[string]Document
	pendingDeletes map[string]struct{}
	closed         bool
}

// Open creates or reopens the index for a node data path.
func Open(dataPath string, opts Options) (*Writer, error) {
	if dataPath == "" {
		return nil, errors.New("persistent cache: data path is required")
	}
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data path: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}

	db, err := bolt.Open(filepath.Join(dataPath, IndexFileName), 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open persistent cache index: %w", err)
	}

	w := &Writer{
		dataPath:       dataPath,
		db:             db,
		pendingUpserts: make(map[string]Document),
		pendingDeletes: make(map[string]struct{}),
	}
	if err := w.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

// DataPath returns the node data path this writer serves.
func (w *Writer) DataPath() string { return w.dataPath }

// UpdateCacheFile upserts the document for id. Delete-then-add semantics:
// any pending delete for the same id is superseded.
func (w *Writer) UpdateCacheFile(id string, doc Document) error {
	if id == "" {
		return errors.New("persistent cache: cache id must not be empty")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	stored := doc.clone()
	stored[FieldCacheID] = id
	delete(w.pendingDeletes, id)
	w.pendingUpserts[id] = stored
	return nil
}

// DeleteCacheFile removes the document for id.
func (w *Writer) DeleteCacheFile(id string) error {
	if id == "" {
		return errors.New("persistent cache: cache id must not be empty")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	delete(w.pendingUpserts, id)
	w.pendingDeletes[id] = struct{}{}
	return nil
}

// Commit durably persists every update and delete since the last commit.
func (w *Writer) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if len(w.pendingUpserts) == 0 && len(w.pendingDeletes) == 0 {
		return nil
	}

	err := w.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketDocuments))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketDocuments)
		}
		for id := range w.pendingDeletes {
			if err := bucket.Delete([]byte(id)); err != nil {
				return err
			}
		}
		for id, doc := range w.pendingUpserts {
			data, err := encodeDocument(doc)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit persistent cache: %w", err)
	}

	pcLog.Debugf("committed %d updates and %d deletes for %s",
		len(w.pendingUpserts), len(w.pendingDeletes), w.dataPath)
	w.pendingUpserts = make(map[string]Document)
	w.pendingDeletes = make(map[string]struct{})
	return nil
}

// LoadDocuments returns every document currently visible: the committed
// set overlaid with pending updates and deletes, so in-process
// reconciliation passes observe their own uncommitted writes.
func (w *Writer) LoadDocuments() (map[string]Document, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrClosed
	}

	docs := make(map[string]Document)
	err := w.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketDocuments))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketDocuments)
		}
		return bucket.ForEach(func(k, v []byte) error {
			doc, err := decodeDocument(v)
			if err != nil {
				return err
			}
			id := string(k)
			if doc[FieldCacheID] != id {
				return fmt.Errorf("persistent cache: document %q carries cache id %q", id, doc[FieldCacheID])
			}
			docs[id] = doc
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	for id := range w.pendingDeletes {
		delete(docs, id)
	}
	for id, doc := range w.pendingUpserts {
		docs[id] = doc.clone()
	}
	return docs, nil
}

// GetDocument returns the visible document for id, pending state included.
func (w *Writer) GetDocument(id string) (Document, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, false, ErrClosed
	}
	if _, deleted := w.pendingDeletes[id]; deleted {
		return nil, false, nil
	}
	if doc, ok := w.pendingUpserts[id]; ok {
		return doc.clone(), true, nil
	}

	var doc Document
	err := w.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketDocuments))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketDocuments)
		}
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return nil
		}
		var err error
		doc, err = decodeDocument(raw)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return doc, doc != nil, nil
}

// Close releases the underlying database. Pending uncommitted mutations
// are dropped, which is exactly the crash-consistency contract.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.db.Close()
}

func (w *Writer) ensureSchema() error {
	return w.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketDocuments)); err != nil {
			return fmt.Errorf("ensure documents bucket: %w", err)
		}
		stats, err := tx.CreateBucketIfNotExists([]byte(bucketStats))
		if err != nil {
			return fmt.Errorf("ensure stats bucket: %w", err)
		}
		versionBytes := stats.Get([]byte(keySchemaVersion))
		if len(versionBytes) == 0 {
			return stats.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
		}
		version, err := strconv.Atoi(string(versionBytes))
		if err != nil {
			return fmt.Errorf("parse schema version: %w", err)
		}
		if version != currentSchemaVersion {
			return fmt.Errorf("%w: %d", errUnknownSchema, version)
		}
		return nil
	})
}

// CleanUp deletes the entire cache content of every data path, index
// included. It is the role-transition purge for nodes that no longer hold
// the data role, not an eviction.
func CleanUp(dataPaths []string) error {
	for _, dataPath := range dataPaths {
		entries, err := os.ReadDir(dataPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("list data path %s: %w", dataPath, err)
		}
		for _, entry := range entries {
			target := filepath.Join(dataPath, entry.Name())
			if err := os.RemoveAll(target); err != nil {
				return fmt.Errorf("purge %s: %w", target, err)
			}
		}
		pcLog.Infof("purged cache content of %s", dataPath)
	}
	return nil
}
