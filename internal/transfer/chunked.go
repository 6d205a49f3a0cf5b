package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dlforge/engine/internal/assemble"
	"github.com/dlforge/engine/internal/breaker"
	"github.com/dlforge/engine/internal/chunkfs"
	"github.com/dlforge/engine/internal/concurrency"
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

// ChunkedConfig tunes ChunkedDownloader behavior.
type ChunkedConfig struct {
	ChunkPlan              ChunkPlanConfig
	BufferSize             int
	ProgressUpdateInterval time.Duration
	StateSaveInterval      time.Duration
	MaxChunkRetries        int
}

// DefaultChunkedConfig returns the spec defaults.
func DefaultChunkedConfig() ChunkedConfig {
	return ChunkedConfig{
		ChunkPlan:              DefaultChunkPlanConfig(),
		BufferSize:             256 * 1024,
		ProgressUpdateInterval: 500 * time.Millisecond,
		StateSaveInterval:      time.Second,
		MaxChunkRetries:        5,
	}
}

// ChunkedDownloader splits a download across concurrent byte-range
// requests, merging completed chunks incrementally (spec.md §4.13).
type ChunkedDownloader struct {
	cfg       ChunkedConfig
	store     *store.StateStore
	chunks    *chunkfs.ChunkStore
	assembler *assemble.FileAssembler
	conc      *concurrency.Controller
	breaker   *breaker.Breaker
	speed     *speed.Tracker
	metrics   *metrics.Metrics
	bus       *eventbus.Bus
	limiters  *ratelimit.PerHostLimiter
}

// NewChunkedDownloader wires a ChunkedDownloader against the shared
// engine components. limiters may be nil, meaning unlimited bandwidth.
func NewChunkedDownloader(
	cfg ChunkedConfig,
	st *store.StateStore,
	cs *chunkfs.ChunkStore,
	asm *assemble.FileAssembler,
	conc *concurrency.Controller,
	br *breaker.Breaker,
	sp *speed.Tracker,
	m *metrics.Metrics,
	bus *eventbus.Bus,
	limiters *ratelimit.PerHostLimiter,
) *ChunkedDownloader {
	return &ChunkedDownloader{cfg: cfg, store: st, chunks: cs, assembler: asm, conc: conc, breaker: br, speed: sp, metrics: m, bus: bus, limiters: limiters}
}

// Run executes a full multi-chunk transfer for dl against adapter. The
// caller has already transitioned dl to `starting`/`downloading`,
// resolved its save path, and confirmed adapter supports ranged
// fetches.
func (d *ChunkedDownloader) Run(parentCtx context.Context, adapter protocol.SourceAdapter, dl model.Download) error {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	chunkDir, err := d.chunks.CreateChunkDir(dl.ID)
	if err != nil {
		return fmt.Errorf("creating chunk dir: %w", err)
	}

	chunkModels := d.store.GetChunks(dl.ID)
	if len(chunkModels) == 0 {
		ranges := Plan(dl.TotalBytes, d.cfg.ChunkPlan)
		storeRanges := make([]struct{ Start, End int64 }, len(ranges))
		for i, r := range ranges {
			storeRanges[i] = struct{ Start, End int64 }{r.Start, r.End}
		}
		chunkModels, err = d.store.CreateChunks(dl.ID, storeRanges)
		if err != nil {
			return fmt.Errorf("creating chunk records: %w", err)
		}
	} else {
		recon := d.chunks.ReconcileChunks(dl.ID, chunkModels)
		if len(recon.Missing) > 0 || len(recon.Mismatched) > 0 {
			stale := append(append([]int{}, recon.Missing...), recon.Mismatched...)
			for _, idx := range stale {
				zero := int64(0)
				d.store.UpdateChunkProgress(dl.ID, idx, store.ChunkPartialUpdate{
					State:           chunkStatePtr(model.ChunkPending),
					DownloadedBytes: &zero,
				})
			}
			chunkModels = d.store.GetChunks(dl.ID)
		}
	}

	d.metrics.RecordStart(dl.ID, dl.Host)

	var startDownloaded int64
	for _, c := range chunkModels {
		startDownloaded += c.DownloadedBytes
	}
	d.speed.EnsureTracking(dl.ID, time.Now(), startDownloaded)

	merge, err := d.assembler.StartIncrementalMerge(dl.SavePath, d.chunks.StagingPath(dl.ID, dl.SavePath), chunkDir, dl.TotalBytes, len(chunkModels))
	if err != nil {
		return fmt.Errorf("starting incremental merge: %w", err)
	}

	var (
		mu         sync.Mutex
		downloaded = startDownloaded
		firstErr   error
		restart    bool
	)

	progressTicker := time.NewTicker(d.cfg.ProgressUpdateInterval)
	defer progressTicker.Stop()
	saveTicker := time.NewTicker(d.cfg.StateSaveInterval)
	defer saveTicker.Stop()
	tickerDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-tickerDone:
				return
			case <-progressTicker.C:
				mu.Lock()
				dn := downloaded
				mu.Unlock()
				res := d.speed.Update(dl.ID, dn, dl.TotalBytes)
				d.bus.EmitDownloadProgress(dl.ID, dn, dl.TotalBytes, res.SpeedBPS)
			case <-saveTicker.C:
				mu.Lock()
				dn := downloaded
				mu.Unlock()
				d.store.UpdateDownload(dl.ID, store.PartialUpdate{DownloadedBytes: &dn})
			}
		}
	}()
	defer close(tickerDone)

	var wg sync.WaitGroup
	for _, c := range chunkModels {
		if c.State == model.ChunkCompleted {
			// Already downloaded in a prior run; still needs feeding
			// into this run's fresh merge session.
			if err := d.completeChunk(dl, c, merge); err != nil {
				return fmt.Errorf("re-merging completed chunk %d: %w", c.Index, err)
			}
			continue
		}
		for !d.conc.AcquireChunkSlot(dl.ID) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(20 * time.Millisecond):
			}
		}

		wg.Add(1)
		go func(c model.Chunk) {
			defer wg.Done()
			defer d.conc.ReleaseChunkSlot(dl.ID)

			_, chunkErr := d.runChunk(ctx, adapter, dl, c, merge, &mu, &downloaded)

			mu.Lock()
			defer mu.Unlock()
			if chunkErr != nil {
				d.bus.EmitChunkFailed(dl.ID, c.Index)
				class := Classify(chunkErr)
				if class == ClassifyRestart {
					restart = true
				}
				if class == ClassifyTransient {
					if hash, size, herr := verify.TailChecksum(d.chunks.ChunkPath(dl.ID, c.Index)); herr == nil && size > 0 {
						d.store.UpdateChunkProgress(dl.ID, c.Index, store.ChunkPartialUpdate{
							TailCheckpointHash: &hash,
							TailCheckpointSize: &size,
						})
					}
				}
				if firstErr == nil {
					firstErr = chunkErr
				}
				cancel()
				return
			}
			d.bus.EmitChunkCompleted(dl.ID, c.Index)
		}(c)
	}
	wg.Wait()

	if restart {
		d.chunks.DeleteAllChunks(dl.ID)
		d.store.DeleteChunks(dl.ID)
		d.store.UpdateDownload(dl.ID, store.PartialUpdate{DownloadedBytes: int64Ptr(0)})
		d.store.TransitionState(dl.ID, model.StateQueued, model.StateDownloading)
		return nil
	}
	if firstErr != nil {
		class := Classify(firstErr)
		if class == ClassifyTransient {
			d.metrics.RecordTransientRetry(dl.Host)
			retryCount := dl.RetryCount + 1
			d.store.UpdateDownload(dl.ID, store.PartialUpdate{RetryCount: &retryCount})
			if retryCount < d.cfg.MaxChunkRetries {
				waitRetryAfter(parentCtx, firstErr)
				d.store.TransitionState(dl.ID, model.StateQueued, model.StateDownloading)
				return nil
			}
		}
		d.metrics.RecordFailed(dl.ID)
		d.store.TransitionState(dl.ID, model.StateFailed, model.StateDownloading)
		d.bus.EmitDownloadFailed(dl.ID, false)
		return firstErr
	}

	d.store.TransitionState(dl.ID, model.StateMerging, model.StateDownloading)
	d.bus.EmitMergeStarted(dl.ID)

	chunkPaths := make([]string, len(chunkModels))
	for i, c := range chunkModels {
		chunkPaths[i] = d.chunks.ChunkPath(dl.ID, c.Index)
	}
	if err := merge.Finalize(chunkPaths, dl.ForceOverwrite); err != nil {
		d.metrics.RecordFailed(dl.ID)
		d.store.TransitionState(dl.ID, model.StateFailed, model.StateMerging)
		d.bus.EmitDownloadFailed(dl.ID, true)
		return fmt.Errorf("finalizing merge: %w", err)
	}

	d.store.TransitionState(dl.ID, model.StateVerifying, model.StateMerging)
	d.bus.EmitVerificationStarted(dl.ID)

	result, err := verify.VerifyFile(dl.SavePath, dl.TotalBytes, dl.ExpectedHash, nil)
	if err != nil || !result.SizeOK || (dl.ExpectedHash != "" && !result.HashOK) {
		d.metrics.RecordFailed(dl.ID)
		d.store.TransitionState(dl.ID, model.StateFailed, model.StateVerifying)
		d.bus.EmitDownloadFailed(dl.ID, false)
		return fmt.Errorf("verification failed: %w", err)
	}

	d.store.TransitionState(dl.ID, model.StateCompleted, model.StateVerifying)
	d.metrics.RecordCompleted(dl.ID, downloaded)
	d.bus.EmitDownloadCompleted(dl.ID)
	return nil
}

// runChunk fetches one chunk's remaining byte range, persisting its
// progress and appending it to merge as soon as it completes.
func (d *ChunkedDownloader) runChunk(ctx context.Context, adapter protocol.SourceAdapter, dl model.Download, c model.Chunk, merge *assemble.MergeSession, mu *sync.Mutex, totalDownloaded *int64) (int64, error) {
	start := c.CurrentPosition()
	if start > c.End {
		return 0, d.completeChunk(dl, c, merge)
	}

	if err := d.breaker.Allow(dl.Host); err != nil {
		return 0, err
	}

	body, err := adapter.OpenRange(ctx, dl.URL, start, c.End)
	if err != nil {
		d.breaker.Failure(dl.Host)
		return 0, err
	}
	defer body.Close()
	d.breaker.Success(dl.Host)

	tempPath := d.chunks.ChunkPath(dl.ID, c.Index)
	writer, err := storage.OpenFileWriter(tempPath, c.Size())
	if err != nil {
		return 0, fmt.Errorf("opening chunk writer: %w", err)
	}
	defer writer.Close()

	d.store.UpdateChunkProgress(dl.ID, c.Index, store.ChunkPartialUpdate{State: chunkStatePtr(model.ChunkDownloading), TempFile: &tempPath})

	buf := make([]byte, d.cfg.BufferSize)
	offset := start - c.Start
	downloadedThisChunk := c.DownloadedBytes

	for {
		select {
		case <-ctx.Done():
			return downloadedThisChunk, ctx.Err()
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if err := d.limiters.For(dl.Host).Acquire(ctx, int64(n)); err != nil {
				return downloadedThisChunk, err
			}
			if _, werr := writer.WriteAt(buf[:n], offset); werr != nil {
				return downloadedThisChunk, fmt.Errorf("writing chunk: %w", werr)
			}
			offset += int64(n)
			downloadedThisChunk += int64(n)

			mu.Lock()
			*totalDownloaded += int64(n)
			mu.Unlock()

			d.metrics.RecordBytes(dl.ID, int64(n))
			d.store.UpdateChunkProgress(dl.ID, c.Index, store.ChunkPartialUpdate{DownloadedBytes: &downloadedThisChunk})
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return downloadedThisChunk, readErr
		}
	}
	writer.Close()

	if downloadedThisChunk != c.Size() {
		return downloadedThisChunk, fmt.Errorf("transfer: chunk %d size mismatch: got %d want %d", c.Index, downloadedThisChunk, c.Size())
	}

	return downloadedThisChunk, d.completeChunk(dl, c, merge)
}

func (d *ChunkedDownloader) completeChunk(dl model.Download, c model.Chunk, merge *assemble.MergeSession) error {
	d.store.UpdateChunkProgress(dl.ID, c.Index, store.ChunkPartialUpdate{State: chunkStatePtr(model.ChunkCompleted)})
	chunkPath := d.chunks.ChunkPath(dl.ID, c.Index)
	if _, err := os.Stat(chunkPath); err != nil {
		return fmt.Errorf("locating completed chunk %d: %w", c.Index, err)
	}
	if _, err := merge.AppendChunk(c.Index, chunkPath, c.Size()); err != nil {
		return fmt.Errorf("appending chunk %d to merge: %w", c.Index, err)
	}
	return nil
}

func chunkStatePtr(s model.ChunkState) *model.ChunkState { return &s }
