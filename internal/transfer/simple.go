// Package transfer drives a single download's transfer, either as one
// streamed request (SimpleDownloader) or as concurrent byte-range
// chunks merged incrementally (ChunkedDownloader) — spec.md §4.12,
// §4.13.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dlforge/engine/internal/breaker"
	"github.com/dlforge/engine/internal/eventbus"
	"github.com/dlforge/engine/internal/metrics"
	"github.com/dlforge/engine/internal/model"
	"github.com/dlforge/engine/internal/protocol"
	"github.com/dlforge/engine/internal/ratelimit"
	"github.com/dlforge/engine/internal/speed"
	"github.com/dlforge/engine/internal/storage"
	"github.com/dlforge/engine/internal/store"
	"github.com/dlforge/engine/internal/verify"
)

// SimpleConfig tunes SimpleDownloader behavior.
type SimpleConfig struct {
	BufferSize            int
	ProgressUpdateInterval time.Duration
	StateSaveInterval     time.Duration
	IdleTimeout           time.Duration
	IdleCheckInterval     time.Duration
	MaxRetries            int
}

// DefaultSimpleConfig returns the spec defaults.
func DefaultSimpleConfig() SimpleConfig {
	return SimpleConfig{
		BufferSize:             256 * 1024,
		ProgressUpdateInterval: 500 * time.Millisecond,
		StateSaveInterval:      time.Second,
		IdleTimeout:            60 * time.Second,
		IdleCheckInterval:      5 * time.Second,
		MaxRetries:             5,
	}
}

// SimpleDownloader handles files below the chunked threshold, or
// whose server doesn't support Range.
type SimpleDownloader struct {
	cfg      SimpleConfig
	store    *store.StateStore
	breaker  *breaker.Breaker
	speed    *speed.Tracker
	metrics  *metrics.Metrics
	bus      *eventbus.Bus
	limiters *ratelimit.PerHostLimiter
}

// NewSimpleDownloader wires a SimpleDownloader against the shared
// engine components. limiters may be nil, meaning unlimited bandwidth.
func NewSimpleDownloader(cfg SimpleConfig, st *store.StateStore, br *breaker.Breaker, sp *speed.Tracker, m *metrics.Metrics, bus *eventbus.Bus, limiters *ratelimit.PerHostLimiter) *SimpleDownloader {
	return &SimpleDownloader{cfg: cfg, store: st, breaker: br, speed: sp, metrics: m, bus: bus, limiters: limiters}
}

// idleSignal is touched by the write loop and consulted by the
// watchdog goroutine to detect stalled transfers.
type idleSignal struct {
	lastByte time.Time
}

// Run executes the full single-stream transfer for dl against adapter,
// from `.part` resume detection through Verifier handoff. The caller
// has already transitioned dl to `starting`/`downloading` and resolved
// save path and disk space.
func (d *SimpleDownloader) Run(ctx context.Context, adapter protocol.SourceAdapter, dl model.Download) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	partPath := dl.SavePath + ".part"
	var resumeFrom int64
	if info, err := os.Stat(partPath); err == nil {
		resumeFrom = info.Size()
	}

	d.metrics.RecordStart(dl.ID, dl.Host)
	d.speed.EnsureTracking(dl.ID, time.Now(), resumeFrom)

	if err := d.breaker.Allow(dl.Host); err != nil {
		d.metrics.RecordCancelledOrPaused(dl.ID)
		return err
	}

	var body io.ReadCloser
	var meta *protocol.Metadata
	var err error
	if resumeFrom > 0 {
		body, err = adapter.OpenRange(ctx, dl.URL, resumeFrom, dl.TotalBytes-1)
	} else {
		body, meta, err = adapter.Open(ctx, dl.URL)
	}
	if err != nil {
		d.breaker.Failure(dl.Host)
		return d.handleError(ctx, adapter, dl, partPath, resumeFrom, err)
	}
	defer body.Close()
	d.breaker.Success(dl.Host)

	total := dl.TotalBytes
	if meta != nil && meta.ContentLength > 0 {
		total = meta.ContentLength
	}

	var writer *storage.FileWriter
	if resumeFrom > 0 {
		writer, err = storage.OpenFileWriter(partPath, total)
	} else {
		writer, err = storage.NewFileWriter(partPath, total)
	}
	if err != nil {
		return fmt.Errorf("opening .part writer: %w", err)
	}
	defer writer.Close()

	idle := &idleSignal{lastByte: time.Now()}
	watchdogDone := make(chan struct{})
	stalled := make(chan struct{}, 1)
	go d.idleWatchdog(ctx, idle, watchdogDone, stalled)
	defer close(watchdogDone)

	downloaded := resumeFrom
	buf := make([]byte, d.cfg.BufferSize)
	offset := resumeFrom

	progressTicker := time.NewTicker(d.cfg.ProgressUpdateInterval)
	defer progressTicker.Stop()
	saveTicker := time.NewTicker(d.cfg.StateSaveInterval)
	defer saveTicker.Stop()

readLoop:
	for {
		select {
		case <-stalled:
			return d.handleError(ctx, adapter, dl, partPath, downloaded, errors.New("transfer: idle watchdog timeout"))
		case <-progressTicker.C:
			d.reportProgress(dl.ID, downloaded, total)
		case <-saveTicker.C:
			d.saveProgress(dl.ID, downloaded)
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if err := d.limiters.For(dl.Host).Acquire(ctx, int64(n)); err != nil {
				return err
			}
			if _, werr := writer.WriteAt(buf[:n], offset); werr != nil {
				return fmt.Errorf("writing .part: %w", werr)
			}
			offset += int64(n)
			downloaded += int64(n)
			idle.lastByte = time.Now()
			d.metrics.RecordBytes(dl.ID, int64(n))
		}
		if readErr == io.EOF {
			break readLoop
		}
		if readErr != nil {
			return d.handleError(ctx, adapter, dl, partPath, downloaded, readErr)
		}
	}

	writer.Close()
	if total > 0 {
		if info, statErr := os.Stat(partPath); statErr == nil && info.Size() != total {
			return fmt.Errorf("transfer: size mismatch after download: got %d want %d", info.Size(), total)
		}
	}

	if err := os.Rename(partPath, dl.SavePath); err != nil {
		return fmt.Errorf("renaming .part to final: %w", err)
	}

	d.store.UpdateDownload(dl.ID, store.PartialUpdate{DownloadedBytes: &downloaded, PartialTailHash: strPtr("")})
	d.store.TransitionState(dl.ID, model.StateVerifying, model.StateDownloading)
	d.bus.EmitVerificationStarted(dl.ID)

	result, err := verify.VerifyFile(dl.SavePath, total, dl.ExpectedHash, nil)
	if err != nil || !result.SizeOK || (dl.ExpectedHash != "" && !result.HashOK) {
		d.metrics.RecordFailed(dl.ID)
		return fmt.Errorf("verification failed: %w", err)
	}

	d.store.TransitionState(dl.ID, model.StateCompleted, model.StateVerifying)
	d.metrics.RecordCompleted(dl.ID, downloaded)
	d.bus.EmitDownloadCompleted(dl.ID)
	return nil
}

func (d *SimpleDownloader) idleWatchdog(ctx context.Context, idle *idleSignal, done <-chan struct{}, stalled chan<- struct{}) {
	ticker := time.NewTicker(d.cfg.IdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if time.Since(idle.lastByte) >= d.cfg.IdleTimeout {
				select {
				case stalled <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

func (d *SimpleDownloader) reportProgress(id, downloaded, total int64) {
	res := d.speed.Update(id, downloaded, total)
	d.bus.EmitDownloadProgress(id, downloaded, total, res.SpeedBPS)
}

func (d *SimpleDownloader) saveProgress(id, downloaded int64) {
	d.store.UpdateDownload(id, store.PartialUpdate{DownloadedBytes: &downloaded})
}

// handleError classifies a transfer error and either schedules a
// reprocessing (transient / restart) or fails the download outright.
func (d *SimpleDownloader) handleError(ctx context.Context, adapter protocol.SourceAdapter, dl model.Download, partPath string, downloaded int64, err error) error {
	class := Classify(err)

	switch class {
	case ClassifyRestart:
		os.Remove(partPath)
		d.store.UpdateDownload(dl.ID, store.PartialUpdate{DownloadedBytes: int64Ptr(0)})
		d.store.TransitionState(dl.ID, model.StateQueued, model.StateDownloading)
		return nil
	case ClassifyTransient:
		d.metrics.RecordTransientRetry(dl.Host)
		retryCount := dl.RetryCount + 1
		update := store.PartialUpdate{RetryCount: &retryCount}
		if hash, size, herr := verify.TailChecksum(partPath); herr == nil && size > 0 {
			update.PartialTailHash = &hash
			update.PartialTailSize = &size
		}
		d.store.UpdateDownload(dl.ID, update)
		if retryCount >= d.cfg.MaxRetries {
			d.metrics.RecordFailed(dl.ID)
			d.store.TransitionState(dl.ID, model.StateFailed, model.StateDownloading)
			d.bus.EmitDownloadFailed(dl.ID, false)
			return err
		}
		waitRetryAfter(ctx, err)
		d.store.TransitionState(dl.ID, model.StateQueued, model.StateDownloading)
		return nil
	default:
		d.metrics.RecordFailed(dl.ID)
		d.store.TransitionState(dl.ID, model.StateFailed, model.StateDownloading)
		d.bus.EmitDownloadFailed(dl.ID, false)
		return err
	}
}

// waitRetryAfter honors a 429/503's Retry-After header (or the spec's
// per-status default when the header is absent or malformed) before a
// transient error is requeued, so a rate-limiting server isn't hit
// again immediately. It returns early if ctx is cancelled.
func waitRetryAfter(ctx context.Context, err error) {
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		return
	}
	delay := RetryAfterDelay(statusErr.RetryAfter, defaultRetryAfterForStatus(statusErr.StatusCode))
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func strPtr(s string) *string { return &s }
func int64Ptr(n int64) *int64 { return &n }
