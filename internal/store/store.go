// Package store provides the durable, transactional table of downloads,
// chunks, attempts, and history that backs the engine's state machine
// (spec.md §4.1). It is backed by a bbolt database: one bucket per table,
// JSON-encoded values, and a single monotonic state-version counter.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/dlforge/engine/internal/model"
)

var (
	bucketDownloads = []byte("downloads")
	bucketChunks    = []byte("chunks")
	bucketAttempts  = []byte("attempts")
	bucketHistory   = []byte("history")
	bucketMeta      = []byte("meta")

	keyVersion = []byte("state_version")
	keyNextID  = []byte("next_download_id")
)

// TransitionHook is invoked around a state transition.
type TransitionHook func(id int64, state model.State)

// ExitHook is invoked during a transition, before the new state is
// committed, with both the old and new state.
type ExitHook func(id int64, from, to model.State)

// StateStore is the authoritative, durable state machine described in
// spec.md §4.1. Callers must not hold a Download value across a
// transition of the same id; re-read via Get after mutating.
type StateStore struct {
	db *bbolt.DB

	mu      sync.Mutex // serializes the transition-hook dispatch order
	onEnter TransitionHook
	onExit  ExitHook
}

// Open creates or opens the bbolt-backed store at path.
func Open(path string) (*StateStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	ss := &StateStore{db: db}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketDownloads, bucketChunks, bucketAttempts, bucketHistory, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing buckets: %w", err)
	}
	return ss, nil
}

// Close closes the underlying database.
func (s *StateStore) Close() error { return s.db.Close() }

// SetTransitionHooks registers the engine's on-enter/on-exit callbacks.
// onEnter fires after a transition commits; onExit fires during the same
// transaction, before commit, so it must not call back into the store.
func (s *StateStore) SetTransitionHooks(onEnter TransitionHook, onExit ExitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnter = onEnter
	s.onExit = onExit
}

func chunkKey(downloadID int64, index int) []byte {
	return []byte(fmt.Sprintf("%d:%04d", downloadID, index))
}

func downloadKey(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func idFromKey(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}

// bumpVersion increments and returns the global state-version. Must be
// called within an open read-write transaction.
func bumpVersion(tx *bbolt.Tx) (uint64, error) {
	meta := tx.Bucket(bucketMeta)
	var v uint64
	if raw := meta.Get(keyVersion); raw != nil {
		v = binary.BigEndian.Uint64(raw)
	}
	v++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	if err := meta.Put(keyVersion, buf); err != nil {
		return 0, err
	}
	return v, nil
}

// GetStateVersion returns the current global state-version.
func (s *StateStore) GetStateVersion() uint64 {
	var v uint64
	_ = s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyVersion)
		if raw != nil {
			v = binary.BigEndian.Uint64(raw)
		}
		return nil
	})
	return v
}

// AddDownloadInput carries the fields a caller supplies to add_download.
type AddDownloadInput struct {
	Title             string
	URL               string
	Mirrors           []string
	SavePath          string
	Host              string
	Priority          model.Priority
	PreserveStructure bool
	ForceOverwrite    bool
	ExpectedHash      string
	StartPaused       bool
}

// AddDownload inserts a new download row (queued, or paused if
// StartPaused) and returns the resulting snapshot row.
func (s *StateStore) AddDownload(in AddDownloadInput) (model.Download, error) {
	var out model.Download
	err := s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		var nextID int64 = 1
		if raw := meta.Get(keyNextID); raw != nil {
			nextID = int64(binary.BigEndian.Uint64(raw)) + 1
		}
		idBuf := make([]byte, 8)
		binary.BigEndian.PutUint64(idBuf, uint64(nextID))
		if err := meta.Put(keyNextID, idBuf); err != nil {
			return err
		}

		initial := model.StateQueued
		if in.StartPaused {
			initial = model.StatePaused
		}

		v, err := bumpVersion(tx)
		if err != nil {
			return err
		}

		d := model.Download{
			ID:                nextID,
			Title:             in.Title,
			URL:               in.URL,
			Mirrors:           in.Mirrors,
			SavePath:          in.SavePath,
			Host:              in.Host,
			State:             initial,
			Priority:          in.Priority,
			PreserveStructure: in.PreserveStructure,
			ForceOverwrite:    in.ForceOverwrite,
			ExpectedHash:      in.ExpectedHash,
			Version:           v,
		}
		d.CreatedAt = nowFunc()

		raw, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketDownloads).Put(downloadKey(nextID), raw); err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, err
}

// nowFunc is overridable in tests.
var nowFunc = defaultNow

// GetDownload fetches a single download by id.
func (s *StateStore) GetDownload(id int64) (model.Download, bool) {
	var d model.Download
	found := false
	_ = s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketDownloads).Get(downloadKey(id))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}
		found = true
		return nil
	})
	return d, found
}

// GetDownloadsByState returns all downloads currently in the given state.
func (s *StateStore) GetDownloadsByState(state model.State) []model.Download {
	var out []model.Download
	_ = s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDownloads).ForEach(func(_, raw []byte) error {
			var d model.Download
			if err := json.Unmarshal(raw, &d); err != nil {
				return nil
			}
			if d.State == state {
				out = append(out, d)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PartialUpdate is a sparse set of fields to merge into a download row.
// Nil fields are left unchanged.
type PartialUpdate struct {
	DownloadedBytes *int64
	TotalBytes      *int64
	Progress        *float64
	RetryCount      *int
	LastError       *string
	ClearLastError  bool
	ActualHash      *string
	SizeVerified    *bool
	HashVerified    *bool
	PartialTailHash *string
	PartialTailSize *int64
	ForceOverwrite  *bool
	SavePath        *string
	URL             *string
	TotalBytesKnown *bool // unused placeholder kept for symmetry; not persisted
	StartedAt       *bool // sets StartedAt = now if true
	CompletedAt     *bool // sets CompletedAt = now if true
	Host            *string
	Protocol        *model.Protocol
	Priority        *model.Priority
	ExpectedHash    *string
	MirrorIndex     *int
}

// UpdateDownload applies a partial update transactionally. Returns false
// if the download does not exist.
func (s *StateStore) UpdateDownload(id int64, u PartialUpdate) bool {
	ok := false
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDownloads)
		raw := b.Get(downloadKey(id))
		if raw == nil {
			return nil
		}
		var d model.Download
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}

		if u.DownloadedBytes != nil {
			d.DownloadedBytes = *u.DownloadedBytes
		}
		if u.TotalBytes != nil {
			d.TotalBytes = *u.TotalBytes
		}
		if u.Progress != nil {
			d.Progress = *u.Progress
		} else if d.TotalBytes > 0 {
			d.Progress = float64(d.DownloadedBytes) / float64(d.TotalBytes)
		}
		if u.RetryCount != nil {
			d.RetryCount = *u.RetryCount
		}
		if u.ClearLastError {
			d.LastError = ""
		} else if u.LastError != nil {
			d.LastError = *u.LastError
		}
		if u.ActualHash != nil {
			d.ActualHash = *u.ActualHash
		}
		if u.SizeVerified != nil {
			d.SizeVerified = *u.SizeVerified
		}
		if u.HashVerified != nil {
			d.HashVerified = *u.HashVerified
		}
		if u.PartialTailHash != nil {
			d.PartialTailHash = *u.PartialTailHash
		}
		if u.PartialTailSize != nil {
			d.PartialTailSize = *u.PartialTailSize
		}
		if u.ForceOverwrite != nil {
			d.ForceOverwrite = *u.ForceOverwrite
		}
		if u.SavePath != nil {
			d.SavePath = *u.SavePath
		}
		if u.URL != nil {
			d.URL = *u.URL
		}
		if u.Host != nil {
			d.Host = *u.Host
		}
		if u.Protocol != nil {
			d.Protocol = *u.Protocol
		}
		if u.Priority != nil {
			d.Priority = *u.Priority
		}
		if u.ExpectedHash != nil {
			d.ExpectedHash = *u.ExpectedHash
		}
		if u.MirrorIndex != nil {
			d.MirrorIndex = *u.MirrorIndex
		}
		if u.StartedAt != nil && *u.StartedAt {
			t := nowFunc()
			d.StartedAt = &t
		}
		if u.CompletedAt != nil && *u.CompletedAt {
			t := nowFunc()
			d.CompletedAt = &t
		}

		v, err := bumpVersion(tx)
		if err != nil {
			return err
		}
		d.Version = v

		raw2, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if err := b.Put(downloadKey(id), raw2); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok
}

// ClearLastError clears a download's last-error sentinel (used after
// confirm_overwrite and successful resume).
func (s *StateStore) ClearLastError(id int64) {
	s.UpdateDownload(id, PartialUpdate{ClearLastError: true})
}

// TransitionState attempts to move a download from its current state to
// newState. If expectedPrev is non-empty, the transition only proceeds if
// the current state matches it (optimistic guard). Returns false without
// mutation on any invalid transition or precondition mismatch.
func (s *StateStore) TransitionState(id int64, newState model.State, expectedPrev model.State) bool {
	s.mu.Lock()
	onEnter, onExit := s.onEnter, s.onExit
	s.mu.Unlock()

	var from model.State
	ok := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDownloads)
		raw := b.Get(downloadKey(id))
		if raw == nil {
			return nil
		}
		var d model.Download
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}
		from = d.State

		if expectedPrev != "" && from != expectedPrev {
			return nil
		}
		if !model.CanTransition(from, newState) {
			return nil
		}

		if onExit != nil {
			onExit(id, from, newState)
		}

		d.State = newState
		now := nowFunc()
		switch newState {
		case model.StateCompleted, model.StateFailed, model.StateCancelled:
			d.CompletedAt = &now
		}

		v, err := bumpVersion(tx)
		if err != nil {
			return err
		}
		d.Version = v

		raw2, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if err := b.Put(downloadKey(id), raw2); err != nil {
			return err
		}

		hist := model.HistoryEvent{DownloadID: id, From: from, To: newState, Timestamp: now}
		hraw, err := json.Marshal(hist)
		if err != nil {
			return err
		}
		seq, _ := tx.Bucket(bucketHistory).NextSequence()
		if err := tx.Bucket(bucketHistory).Put(historyKey(id, seq), hraw); err != nil {
			return err
		}

		ok = true
		return nil
	})
	if err != nil || !ok {
		return false
	}
	if onEnter != nil {
		onEnter(id, newState)
	}
	return true
}

func historyKey(id int64, seq uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], uint64(id))
	binary.BigEndian.PutUint64(buf[8:], seq)
	return buf
}

// GetHistory returns the ordered transition history for a download.
func (s *StateStore) GetHistory(id int64) []model.HistoryEvent {
	var out []model.HistoryEvent
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, uint64(id))
	_ = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketHistory).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) >= 8 && string(k[:8]) == string(prefix); k, v = c.Next() {
			var e model.HistoryEvent
			if err := json.Unmarshal(v, &e); err == nil {
				out = append(out, e)
			}
		}
		return nil
	})
	return out
}

// CreateChunks writes the initial chunk plan for a chunked download.
func (s *StateStore) CreateChunks(id int64, ranges []struct{ Start, End int64 }) ([]model.Chunk, error) {
	chunks := make([]model.Chunk, len(ranges))
	for i, r := range ranges {
		chunks[i] = model.Chunk{DownloadID: id, Index: i, Start: r.Start, End: r.End, State: model.ChunkPending}
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChunks)
		for _, c := range chunks {
			raw, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := b.Put(chunkKey(id, c.Index), raw); err != nil {
				return err
			}
		}
		return nil
	})
	return chunks, err
}

// GetChunks returns all chunks for a download, ordered by index.
func (s *StateStore) GetChunks(id int64) []model.Chunk {
	var out []model.Chunk
	prefix := []byte(fmt.Sprintf("%d:", id))
	_ = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketChunks).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var ch model.Chunk
			if err := json.Unmarshal(v, &ch); err == nil {
				out = append(out, ch)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// ChunkPartialUpdate mirrors PartialUpdate, scoped to a chunk row.
type ChunkPartialUpdate struct {
	DownloadedBytes    *int64
	State              *model.ChunkState
	TempFile           *string
	Hash               *string
	HashVerified       *bool
	TailCheckpointHash *string
	TailCheckpointSize *int64
	RetryCount         *int
}

// UpdateChunkProgress applies a partial update to one chunk row.
func (s *StateStore) UpdateChunkProgress(id int64, index int, u ChunkPartialUpdate) bool {
	ok := false
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChunks)
		key := chunkKey(id, index)
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		var c model.Chunk
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		if u.DownloadedBytes != nil {
			c.DownloadedBytes = *u.DownloadedBytes
		}
		if u.State != nil {
			c.State = *u.State
		}
		if u.TempFile != nil {
			c.TempFile = *u.TempFile
		}
		if u.Hash != nil {
			c.Hash = *u.Hash
		}
		if u.HashVerified != nil {
			c.HashVerified = *u.HashVerified
		}
		if u.TailCheckpointHash != nil {
			c.TailCheckpointHash = *u.TailCheckpointHash
		}
		if u.TailCheckpointSize != nil {
			c.TailCheckpointSize = *u.TailCheckpointSize
		}
		if u.RetryCount != nil {
			c.RetryCount = *u.RetryCount
		}
		raw2, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := b.Put(key, raw2); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok
}

// DeleteChunks removes all chunk rows for a download.
func (s *StateStore) DeleteChunks(id int64) {
	prefix := []byte(fmt.Sprintf("%d:", id))
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChunks)
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordAttempt appends an Attempt row.
func (s *StateStore) RecordAttempt(a model.Attempt) {
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAttempts)
		seq, _ := b.NextSequence()
		raw, err := json.Marshal(a)
		if err != nil {
			return err
		}
		key := make([]byte, 16)
		binary.BigEndian.PutUint64(key[:8], uint64(a.DownloadID))
		binary.BigEndian.PutUint64(key[8:], seq)
		return b.Put(key, raw)
	})
}

// GetAttempts returns attempts recorded for a download, in insertion order.
func (s *StateStore) GetAttempts(id int64) []model.Attempt {
	var out []model.Attempt
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, uint64(id))
	_ = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketAttempts).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) >= 8 && string(k[:8]) == string(prefix); k, v = c.Next() {
			var a model.Attempt
			if err := json.Unmarshal(v, &a); err == nil {
				out = append(out, a)
			}
		}
		return nil
	})
	return out
}

// maxSnapshotDownloads caps the number of full rows returned by a
// snapshot (spec.md §4.1: implementations MAY cap and indicate
// truncation).
const maxSnapshotDownloads = 500

// GetSnapshot returns the current state-version, an aggregate summary,
// and either all downloads (minVersion == 0) or only those whose version
// exceeds minVersion (incremental), along with the complete id set in the
// incremental case so observers can detect deletions.
func (s *StateStore) GetSnapshot(minVersion uint64) model.Snapshot {
	snap := model.Snapshot{Summary: model.StateSummary{}}
	var list []model.Download
	_ = s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyVersion)
		if raw != nil {
			snap.Version = binary.BigEndian.Uint64(raw)
		}

		return tx.Bucket(bucketDownloads).ForEach(func(k, v []byte) error {
			var d model.Download
			if err := json.Unmarshal(v, &d); err != nil {
				return nil
			}
			snap.Summary[d.State]++
			if minVersion > 0 {
				snap.AllIDs = append(snap.AllIDs, d.ID)
			}
			if minVersion == 0 || d.Version > minVersion {
				list = append(list, d)
			}
			return nil
		})
	})
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	if len(list) > maxSnapshotDownloads {
		list = list[:maxSnapshotDownloads]
		snap.Truncated = true
	}
	snap.Downloads = list
	return snap
}
