package tui

import (
	"context"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/dlforge/engine/internal/eventbus"
	"github.com/dlforge/engine/internal/model"
	"github.com/dlforge/engine/internal/store"
)

// Runner manages the TUI and download coordination
type Runner struct {
	model    *Model
	program  *tea.Program
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	paused   bool
	pauseCh  chan struct{}
	resumeCh chan struct{}

	downloadID int64
	startedAt  time.Time
}

// NewRunner creates a new TUI runner
func NewRunner(url, filename string, totalSize int64, connections int) *Runner {
	ctx, cancel := context.WithCancel(context.Background())

	model := NewModel(url, filename, totalSize, connections)

	r := &Runner{
		model:    &model,
		ctx:      ctx,
		cancel:   cancel,
		pauseCh:  make(chan struct{}),
		resumeCh: make(chan struct{}),
	}

	// Set callbacks
	model.SetCallbacks(r.onPause, r.onResume, r.onCancel)
	r.model = &model

	return r
}

// Start starts the TUI
func (r *Runner) Start() error {
	r.program = tea.NewProgram(r.model, tea.WithAltScreen())

	_, err := r.program.Run()
	return err
}

// StartAsync starts the TUI in a goroutine
func (r *Runner) StartAsync() {
	r.program = tea.NewProgram(r.model, tea.WithAltScreen())
	go r.program.Run()
}

// Bind subscribes the runner to a Bus for a single download, translating
// progress/completion/failure events into tea messages. The StateStore
// supplies the chunk breakdown a download_progress event doesn't carry.
func (r *Runner) Bind(bus *eventbus.Bus, st *store.StateStore, downloadID int64) {
	r.downloadID = downloadID
	r.startedAt = time.Now()

	bus.Subscribe(func(ev eventbus.Event) {
		if ev.DownloadID != downloadID {
			return
		}

		switch ev.Kind {
		case eventbus.KindDownloadProgress:
			elapsed := time.Since(r.startedAt)
			eta := time.Duration(0)
			if ev.Speed > 0 && ev.Total > ev.Downloaded {
				eta = time.Duration(float64(ev.Total-ev.Downloaded) / ev.Speed * float64(time.Second))
			}
			r.UpdateProgress(Progress{
				Downloaded:  ev.Downloaded,
				Speed:       int64(ev.Speed),
				ETA:         eta,
				ElapsedTime: elapsed,
			}, chunkInfosFromStore(st, downloadID))

		case eventbus.KindVerificationStarted:
			r.SetVerifying()

		case eventbus.KindDownloadCompleted:
			dl, ok := st.GetDownload(downloadID)
			if !ok {
				return
			}
			r.SetVerified(dl.HashVerified || dl.ExpectedHash == "")
			r.SetComplete(dl.SavePath, dl.TotalBytes, time.Since(r.startedAt), 0)

		case eventbus.KindDownloadFailed:
			dl, ok := st.GetDownload(downloadID)
			if !ok || dl.LastError == "" {
				r.SetError(nil)
				return
			}
			r.SetError(errString(dl.LastError))
		}
	})
}

// chunkInfosFromStore renders the current chunk breakdown for a
// chunked download; it returns nil for simple (unchunked) transfers.
func chunkInfosFromStore(st *store.StateStore, downloadID int64) []ChunkInfo {
	chunks := st.GetChunks(downloadID)
	if len(chunks) == 0 {
		return nil
	}

	infos := make([]ChunkInfo, len(chunks))
	for i, c := range chunks {
		status := "pending"
		switch c.State {
		case model.ChunkCompleted:
			status = "completed"
		case model.ChunkDownloading:
			status = "downloading"
		case model.ChunkFailed:
			status = "error"
		}
		infos[i] = ChunkInfo{
			ID:         c.Index,
			Start:      c.Start,
			End:        c.End,
			Downloaded: c.DownloadedBytes,
			Status:     status,
		}
	}
	return infos
}

// errString wraps a stored error message so SetError's error parameter
// can carry text read back from the StateStore.
type errString string

func (e errString) Error() string { return string(e) }

// UpdateProgress sends a progress update to the TUI
func (r *Runner) UpdateProgress(p Progress, chunks []ChunkInfo) {
	if r.program == nil {
		return
	}

	r.program.Send(ProgressMsg{
		Progress: p,
		Chunks:   chunks,
	})
}

// SetComplete marks the download as complete
func (r *Runner) SetComplete(filename string, size int64, duration time.Duration, speed int64) {
	if r.program == nil {
		return
	}

	r.program.Send(CompleteMsg{
		Filename: filename,
		Size:     size,
		Duration: duration,
		Speed:    speed,
	})
}

// SetError marks the download as failed
func (r *Runner) SetError(err error) {
	if r.program == nil {
		return
	}

	r.program.Send(ErrorMsg{Err: err})
}

// SetVerifying marks that checksum verification is in progress
func (r *Runner) SetVerifying() {
	if r.program == nil {
		return
	}

	r.program.Send(VerifyingMsg{})
}

// SetVerified marks checksum verification result
func (r *Runner) SetVerified(valid bool) {
	if r.program == nil {
		return
	}

	r.program.Send(VerifiedMsg{Valid: valid})
}

// Stop stops the TUI
func (r *Runner) Stop() {
	if r.program != nil {
		r.program.Quit()
	}
	r.cancel()
}

// Context returns the runner's context
func (r *Runner) Context() context.Context {
	return r.ctx
}

// IsPaused returns whether download is paused
func (r *Runner) IsPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// WaitIfPaused blocks if the download is paused
func (r *Runner) WaitIfPaused() {
	r.mu.Lock()
	if !r.paused {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	// Wait for resume signal
	select {
	case <-r.resumeCh:
	case <-r.ctx.Done():
	}
}

// Callbacks

func (r *Runner) onPause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

func (r *Runner) onResume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()

	select {
	case r.resumeCh <- struct{}{}:
	default:
	}
}

func (r *Runner) onCancel() {
	r.cancel()
}
