// Package eventbus fans download lifecycle events out to observers,
// debouncing state-version notifications so a burst of mutations
// collapses into a single "reconcile via snapshot" signal (spec.md
// §4.14).
package eventbus

import (
	"sync"
	"time"
)

// Kind identifies an event variant.
type Kind string

const (
	KindStateChanged         Kind = "state_changed"
	KindDownloadProgress     Kind = "download_progress"
	KindDownloadCompleted    Kind = "download_completed"
	KindDownloadFailed       Kind = "download_failed"
	KindChunkCompleted       Kind = "chunk_completed"
	KindChunkFailed          Kind = "chunk_failed"
	KindMergeStarted         Kind = "merge_started"
	KindVerificationStarted  Kind = "verification_started"
	KindNeedsConfirmation    Kind = "needs_confirmation"
)

// Event is the payload delivered to subscribers.
type Event struct {
	Kind Kind

	Version uint64 // state_changed

	DownloadID int64 // all per-download events

	Downloaded int64   // download_progress
	Total      int64   // download_progress
	Speed      float64 // download_progress

	FailedDuringMerge bool // download_failed

	ChunkIndex int // chunk_completed / chunk_failed

	FileInfo interface{} // needs_confirmation
}

// Handler receives bus events. Handlers run synchronously on the
// goroutine that calls Bus.Emit* (or the debounce timer's
// goroutine for state_changed); slow handlers should hand off work
// themselves.
type Handler func(Event)

// Bus coalesces state_changed notifications over a debounce window
// and fans every other event kind out immediately.
type Bus struct {
	mu             sync.Mutex
	handlers       []Handler
	debounce       time.Duration
	pendingVersion uint64
	pending        bool
	timer          *time.Timer
	now            func() time.Time
}

// New constructs a Bus with the given state_changed debounce window.
// A non-positive debounce falls back to the spec default of 50ms.
func New(debounce time.Duration) *Bus {
	if debounce <= 0 {
		debounce = 50 * time.Millisecond
	}
	return &Bus{debounce: debounce, now: time.Now}
}

// Subscribe registers a handler for every event kind.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *Bus) dispatch(ev Event) {
	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// EmitStateChanged coalesces calls arriving within the debounce
// window into a single state_changed event carrying the latest
// version.
func (b *Bus) EmitStateChanged(version uint64) {
	b.mu.Lock()
	b.pendingVersion = version
	if b.pending {
		b.mu.Unlock()
		return
	}
	b.pending = true
	b.timer = time.AfterFunc(b.debounce, b.flush)
	b.mu.Unlock()
}

func (b *Bus) flush() {
	b.mu.Lock()
	version := b.pendingVersion
	b.pending = false
	b.timer = nil
	b.mu.Unlock()

	b.dispatch(Event{Kind: KindStateChanged, Version: version})
}

// EmitDownloadProgress publishes a download_progress event immediately.
func (b *Bus) EmitDownloadProgress(id int64, downloaded, total int64, speed float64) {
	b.dispatch(Event{Kind: KindDownloadProgress, DownloadID: id, Downloaded: downloaded, Total: total, Speed: speed})
}

// EmitDownloadCompleted publishes a download_completed event.
func (b *Bus) EmitDownloadCompleted(id int64) {
	b.dispatch(Event{Kind: KindDownloadCompleted, DownloadID: id})
}

// EmitDownloadFailed publishes a download_failed event.
func (b *Bus) EmitDownloadFailed(id int64, failedDuringMerge bool) {
	b.dispatch(Event{Kind: KindDownloadFailed, DownloadID: id, FailedDuringMerge: failedDuringMerge})
}

// EmitChunkCompleted publishes a chunk_completed event.
func (b *Bus) EmitChunkCompleted(id int64, chunkIndex int) {
	b.dispatch(Event{Kind: KindChunkCompleted, DownloadID: id, ChunkIndex: chunkIndex})
}

// EmitChunkFailed publishes a chunk_failed event.
func (b *Bus) EmitChunkFailed(id int64, chunkIndex int) {
	b.dispatch(Event{Kind: KindChunkFailed, DownloadID: id, ChunkIndex: chunkIndex})
}

// EmitMergeStarted publishes a merge_started event.
func (b *Bus) EmitMergeStarted(id int64) {
	b.dispatch(Event{Kind: KindMergeStarted, DownloadID: id})
}

// EmitVerificationStarted publishes a verification_started event.
func (b *Bus) EmitVerificationStarted(id int64) {
	b.dispatch(Event{Kind: KindVerificationStarted, DownloadID: id})
}

// EmitNeedsConfirmation publishes a needs_confirmation event carrying
// fileInfo describing the conflicting on-disk file.
func (b *Bus) EmitNeedsConfirmation(id int64, fileInfo interface{}) {
	b.dispatch(Event{Kind: KindNeedsConfirmation, DownloadID: id, FileInfo: fileInfo})
}

// Stop cancels any pending debounce timer without flushing it.
// Intended for shutdown; in-flight state_changed notifications are
// dropped.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = false
}
