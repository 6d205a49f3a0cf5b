// Package chunkfs provides the on-disk layout for temporary chunk files
// and staging files used by the chunked download path (spec.md §4.2). It
// is advisory: the store.StateStore remains the authoritative record of
// which chunks exist, and reconcile only reports divergences for the
// orchestrator to repair.
package chunkfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dlforge/engine/internal/model"
)

// ChunkStore maps a download id to a dedicated subdirectory under a base
// temp directory, mirroring storage.FileWriter's directory handling.
type ChunkStore struct {
	baseDir string
}

// New constructs a ChunkStore rooted at baseDir (typically
// {user_data}/temp/chunks).
func New(baseDir string) *ChunkStore {
	return &ChunkStore{baseDir: baseDir}
}

// Initialize creates the base directory and verifies it is writable.
func (c *ChunkStore) Initialize() error {
	if err := os.MkdirAll(c.baseDir, 0755); err != nil {
		return fmt.Errorf("creating chunk base dir %s: %w", c.baseDir, err)
	}
	probe := filepath.Join(c.baseDir, ".write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("chunk base dir %s is not writable: %w", c.baseDir, err)
	}
	f.Close()
	os.Remove(probe)
	return nil
}

// downloadDir returns the chunk subdirectory for a download, without
// creating it.
func (c *ChunkStore) downloadDir(id int64) string {
	return filepath.Join(c.baseDir, strconv.FormatInt(id, 10))
}

// CreateChunkDir ensures the per-download chunk subdirectory exists.
func (c *ChunkStore) CreateChunkDir(id int64) (string, error) {
	dir := c.downloadDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating chunk dir for download %d: %w", id, err)
	}
	return dir, nil
}

// ChunkPath returns the temp file path for one chunk of a download.
func (c *ChunkStore) ChunkPath(id int64, index int) string {
	return filepath.Join(c.downloadDir(id), fmt.Sprintf(".chunk.%d", index))
}

// StagingPath returns the staging file path for the final assembled file,
// kept inside the same subdirectory as the chunk files so the final
// rename is atomic on the same filesystem.
func (c *ChunkStore) StagingPath(id int64, finalPath string) string {
	return filepath.Join(c.downloadDir(id), filepath.Base(finalPath)+".staging")
}

// ListChunks returns the chunk indices present on disk for a download.
func (c *ChunkStore) ListChunks(id int64) []int {
	entries, err := os.ReadDir(c.downloadDir(id))
	if err != nil {
		return nil
	}
	var indices []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, ".chunk.") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(name, ".chunk."))
		if err == nil {
			indices = append(indices, idx)
		}
	}
	return indices
}

// ChunkExists reports whether a chunk's temp file is present.
func (c *ChunkStore) ChunkExists(id int64, index int) bool {
	_, err := os.Stat(c.ChunkPath(id, index))
	return err == nil
}

// GetChunkSize returns the on-disk size of a chunk's temp file.
func (c *ChunkStore) GetChunkSize(id int64, index int) (int64, error) {
	info, err := os.Stat(c.ChunkPath(id, index))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// DeleteChunk removes a single chunk temp file. Missing files are not an
// error.
func (c *ChunkStore) DeleteChunk(id int64, index int) error {
	err := os.Remove(c.ChunkPath(id, index))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DeleteAllChunks removes the entire per-download chunk subdirectory.
func (c *ChunkStore) DeleteAllChunks(id int64) error {
	err := os.RemoveAll(c.downloadDir(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReconcileResult partitions a comparison between the StateStore's view of
// a download's chunks and what's actually on disk.
type ReconcileResult struct {
	Orphaned   []int // on disk, not in db_chunks
	Missing    []int // completed in db_chunks, no file on disk
	Mismatched []int // completed in db_chunks, file size disagrees
	Total      int
	InDB       int
}

// ReconcileChunks compares the filesystem against the StateStore's chunk
// rows for a download. It is advisory only: the StateStore remains
// authoritative and the orchestrator decides what to do with the result.
func (c *ChunkStore) ReconcileChunks(id int64, dbChunks []model.Chunk) ReconcileResult {
	onDisk := map[int]bool{}
	for _, idx := range c.ListChunks(id) {
		onDisk[idx] = true
	}

	byIndex := map[int]model.Chunk{}
	for _, ch := range dbChunks {
		byIndex[ch.Index] = ch
	}

	result := ReconcileResult{Total: len(onDisk), InDB: len(dbChunks)}

	for idx := range onDisk {
		if _, ok := byIndex[idx]; !ok {
			result.Orphaned = append(result.Orphaned, idx)
		}
	}

	for idx, ch := range byIndex {
		if ch.State != model.ChunkCompleted {
			continue
		}
		if !onDisk[idx] {
			result.Missing = append(result.Missing, idx)
			continue
		}
		size, err := c.GetChunkSize(id, idx)
		if err != nil || size != ch.Size() {
			result.Mismatched = append(result.Mismatched, idx)
		}
	}

	return result
}

// CleanupOrphanedDirs removes per-download chunk subdirectories whose
// download id is not in activeIDs. Used at boot to reclaim space left
// behind by a crash mid-download.
func (c *ChunkStore) CleanupOrphanedDirs(activeIDs map[int64]bool) error {
	entries, err := os.ReadDir(c.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		if !activeIDs[id] {
			os.RemoveAll(filepath.Join(c.baseDir, e.Name()))
		}
	}
	return nil
}
