package persistent

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func doc(id string) Document {
	return Document{
		FieldSnapshotUUID:  "snap-uuid",
		FieldSnapshotIndex: "logs",
		FieldShardID:       "0",
		FieldFileName:      id,
		FieldFileLength:    "1024",
		FieldRanges:        "0-512",
	}
}

func TestWriterRoundTripAcrossReopen(t *testing.T) {
	dataPath := t.TempDir()

	writer, err := Open(dataPath, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for _, id := range []string{"a", "b", "c"} {
		if err := writer.UpdateCacheFile(id, doc(id)); err != nil {
			t.Fatalf("UpdateCacheFile(%s) failed: %v", id, err)
		}
	}
	if err := writer.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(dataPath, Options{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	docs, err := reopened.LoadDocuments()
	if err != nil {
		t.Fatalf("LoadDocuments failed: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(docs))
	}
	for _, id := range []string{"a", "b", "c"} {
		got, ok := docs[id]
		if !ok {
			t.Fatalf("missing document %s", id)
		}
		if got[FieldCacheID] != id {
			t.Fatalf("document %s carries cache id %q", id, got[FieldCacheID])
		}
		if got[FieldFileName] != id || got[FieldRanges] != "0-512" {
			t.Fatalf("document %s fields lost: %v", id, got)
		}
	}
}

func TestPendingMutationsVisibleBeforeCommit(t *testing.T) {
	writer, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer writer.Close()

	if err := writer.UpdateCacheFile("a", doc("a")); err != nil {
		t.Fatalf("UpdateCacheFile failed: %v", err)
	}

	got, ok, err := writer.GetDocument("a")
	if err != nil || !ok {
		t.Fatalf("expected pending document visible, ok=%v err=%v", ok, err)
	}
	if got[FieldFileName] != "a" {
		t.Fatalf("unexpected pending document %v", got)
	}

	docs, err := writer.LoadDocuments()
	if err != nil {
		t.Fatalf("LoadDocuments failed: %v", err)
	}
	if _, ok := docs["a"]; !ok {
		t.Fatalf("pending update missing from load")
	}
}

func TestUncommittedMutationsDroppedOnClose(t *testing.T) {
	dataPath := t.TempDir()

	writer, err := Open(dataPath, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := writer.UpdateCacheFile("committed", doc("committed")); err != nil {
		t.Fatalf("UpdateCacheFile failed: %v", err)
	}
	if err := writer.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := writer.UpdateCacheFile("pending", doc("pending")); err != nil {
		t.Fatalf("UpdateCacheFile failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(dataPath, Options{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	docs, err := reopened.LoadDocuments()
	if err != nil {
		t.Fatalf("LoadDocuments failed: %v", err)
	}
	if _, ok := docs["committed"]; !ok {
		t.Fatalf("committed document lost")
	}
	if _, ok := docs["pending"]; ok {
		t.Fatalf("uncommitted document survived reopen")
	}
}

func TestDeleteRemovesDocumentForGood(t *testing.T) {
	dataPath := t.TempDir()

	writer, err := Open(dataPath, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := writer.UpdateCacheFile("a", doc("a")); err != nil {
		t.Fatalf("UpdateCacheFile failed: %v", err)
	}
	if err := writer.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if err := writer.DeleteCacheFile("a"); err != nil {
		t.Fatalf("DeleteCacheFile failed: %v", err)
	}

	// The delete is visible before commit.
	if _, ok, err := writer.GetDocument("a"); err != nil || ok {
		t.Fatalf("expected pending delete to hide document, ok=%v err=%v", ok, err)
	}

	if err := writer.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(dataPath, Options{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	docs, err := reopened.LoadDocuments()
	if err != nil {
		t.Fatalf("LoadDocuments failed: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("expected no documents after committed delete, got %v", docs)
	}
}

func TestUpdateSupersedesPendingDelete(t *testing.T) {
	writer, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer writer.Close()

	if err := writer.DeleteCacheFile("a"); err != nil {
		t.Fatalf("DeleteCacheFile failed: %v", err)
	}
	if err := writer.UpdateCacheFile("a", doc("a")); err != nil {
		t.Fatalf("UpdateCacheFile failed: %v", err)
	}
	if err := writer.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if _, ok, err := writer.GetDocument("a"); err != nil || !ok {
		t.Fatalf("expected re-added document, ok=%v err=%v", ok, err)
	}
}

func TestClosedWriterRejectsOperations(t *testing.T) {
	writer, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := writer.UpdateCacheFile("a", doc("a")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed failure, got %v", err)
	}
	if err := writer.Commit(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed failure, got %v", err)
	}
	if _, err := writer.LoadDocuments(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed failure, got %v", err)
	}
}

func TestCleanUpPurgesDataPaths(t *testing.T) {
	dataPath := t.TempDir()

	writer, err := Open(dataPath, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := writer.UpdateCacheFile("a", doc("a")); err != nil {
		t.Fatalf("UpdateCacheFile failed: %v", err)
	}
	if err := writer.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dataPath, "stray.bin"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	if err := CleanUp([]string{dataPath, filepath.Join(dataPath, "never-existed")}); err != nil {
		t.Fatalf("CleanUp failed: %v", err)
	}

	entries, err := os.ReadDir(dataPath)
	if err != nil {
		t.Fatalf("read data path: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty data path, found %d entries", len(entries))
	}
}
