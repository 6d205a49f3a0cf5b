package chunkfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dlforge/engine/internal/model"
)

func TestInitializeCreatesWritableBaseDir(t *testing.T) {
	base := filepath.Join(t.TempDir(), "chunks")
	c := New(base)
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if info, err := os.Stat(base); err != nil || !info.IsDir() {
		t.Fatalf("base dir not created: %v", err)
	}
}

func TestChunkPathAndStagingPathShareDirectory(t *testing.T) {
	c := New(t.TempDir())
	chunkPath := c.ChunkPath(7, 2)
	stagingPath := c.StagingPath(7, "/final/out/movie.mkv")

	if filepath.Dir(chunkPath) != filepath.Dir(stagingPath) {
		t.Errorf("chunk path %q and staging path %q are not in the same directory", chunkPath, stagingPath)
	}
	if filepath.Base(stagingPath) != "movie.mkv.staging" {
		t.Errorf("staging path = %q, want basename movie.mkv.staging", stagingPath)
	}
}

func TestListChunksAndChunkExists(t *testing.T) {
	c := New(t.TempDir())
	c.CreateChunkDir(1)
	os.WriteFile(c.ChunkPath(1, 0), []byte("aaaa"), 0644)
	os.WriteFile(c.ChunkPath(1, 2), []byte("bb"), 0644)

	got := c.ListChunks(1)
	if len(got) != 2 {
		t.Fatalf("ListChunks() = %v, want 2 entries", got)
	}
	if !c.ChunkExists(1, 0) || !c.ChunkExists(1, 2) {
		t.Error("ChunkExists false for a chunk written to disk")
	}
	if c.ChunkExists(1, 1) {
		t.Error("ChunkExists true for a chunk never written")
	}

	size, err := c.GetChunkSize(1, 0)
	if err != nil || size != 4 {
		t.Errorf("GetChunkSize(0) = %d, %v; want 4, nil", size, err)
	}
}

func TestDeleteChunkAndDeleteAllChunks(t *testing.T) {
	c := New(t.TempDir())
	c.CreateChunkDir(5)
	os.WriteFile(c.ChunkPath(5, 0), []byte("x"), 0644)

	if err := c.DeleteChunk(5, 0); err != nil {
		t.Fatalf("DeleteChunk() error = %v", err)
	}
	if c.ChunkExists(5, 0) {
		t.Error("chunk still present after DeleteChunk")
	}
	if err := c.DeleteChunk(5, 0); err != nil {
		t.Errorf("DeleteChunk on missing file should be a no-op, got %v", err)
	}

	os.WriteFile(c.ChunkPath(5, 1), []byte("y"), 0644)
	if err := c.DeleteAllChunks(5); err != nil {
		t.Fatalf("DeleteAllChunks() error = %v", err)
	}
	if _, err := os.Stat(c.downloadDir(5)); !os.IsNotExist(err) {
		t.Error("chunk subdirectory still present after DeleteAllChunks")
	}
}

func TestReconcileChunks(t *testing.T) {
	c := New(t.TempDir())
	c.CreateChunkDir(9)
	os.WriteFile(c.ChunkPath(9, 0), []byte("12345"), 0644) // completed, matches
	os.WriteFile(c.ChunkPath(9, 1), []byte("xx"), 0644)    // orphaned: not in db
	os.WriteFile(c.ChunkPath(9, 3), []byte("bad"), 0644)   // completed in db, size mismatch

	dbChunks := []model.Chunk{
		{Index: 0, Start: 0, End: 4, State: model.ChunkCompleted, DownloadedBytes: 5},  // Size()=5, matches
		{Index: 2, Start: 10, End: 19, State: model.ChunkCompleted, DownloadedBytes: 10}, // missing from disk
		{Index: 3, Start: 20, End: 29, State: model.ChunkCompleted, DownloadedBytes: 10}, // on disk but size 3 != 10
	}

	result := c.ReconcileChunks(9, dbChunks)

	if len(result.Orphaned) != 1 || result.Orphaned[0] != 1 {
		t.Errorf("Orphaned = %v, want [1]", result.Orphaned)
	}
	if len(result.Missing) != 1 || result.Missing[0] != 2 {
		t.Errorf("Missing = %v, want [2]", result.Missing)
	}
	if len(result.Mismatched) != 1 || result.Mismatched[0] != 3 {
		t.Errorf("Mismatched = %v, want [3]", result.Mismatched)
	}
	if result.InDB != 3 {
		t.Errorf("InDB = %d, want 3", result.InDB)
	}
}

func TestCleanupOrphanedDirs(t *testing.T) {
	base := t.TempDir()
	c := New(base)
	c.CreateChunkDir(1)
	c.CreateChunkDir(2)
	c.CreateChunkDir(3)

	if err := c.CleanupOrphanedDirs(map[int64]bool{2: true}); err != nil {
		t.Fatalf("CleanupOrphanedDirs() error = %v", err)
	}

	for id, shouldExist := range map[int64]bool{1: false, 2: true, 3: false} {
		_, err := os.Stat(c.downloadDir(id))
		exists := err == nil
		if exists != shouldExist {
			t.Errorf("download %d dir exists = %v, want %v", id, exists, shouldExist)
		}
	}
}
