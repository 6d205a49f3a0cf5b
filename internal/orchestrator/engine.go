// Package orchestrator ties the engine's collaborators — the
// StateStore, Scheduler, ConcurrencyController, AdaptiveController,
// ChunkStore, protocol Registry, and transfer downloaders — into the
// single DownloadEngine a caller drives through add/pause/resume/cancel
// operations (spec.md §4.15).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dlforge/engine/internal/adaptive"
	"github.com/dlforge/engine/internal/assemble"
	"github.com/dlforge/engine/internal/breaker"
	"github.com/dlforge/engine/internal/chunkfs"
	"github.com/dlforge/engine/internal/collab"
	"github.com/dlforge/engine/internal/concurrency"
	"github.com/dlforge/engine/internal/config"
	"github.com/dlforge/engine/internal/eventbus"
	"github.com/dlforge/engine/internal/metrics"
	"github.com/dlforge/engine/internal/model"
	"github.com/dlforge/engine/internal/protocol"
	"github.com/dlforge/engine/internal/ratelimit"
	"github.com/dlforge/engine/internal/scheduler"
	"github.com/dlforge/engine/internal/session"
	"github.com/dlforge/engine/internal/speed"
	"github.com/dlforge/engine/internal/store"
	"github.com/dlforge/engine/internal/transfer"
)

// requiredFreeFraction is the minimum free-space-to-expected-size ratio
// start_download demands before committing to a transfer (spec.md §4.4).
const requiredFreeFraction = 1.10

// activeStates are the positions in the state machine a download
// occupies while a transfer goroutine may be running against it.
var activeStates = map[model.State]bool{
	model.StateStarting:    true,
	model.StateDownloading: true,
	model.StateMerging:     true,
	model.StateVerifying:   true,
}

// runTerminalStates are the states that end a given transfer attempt,
// whether by success, failure, or user action.
var runTerminalStates = map[model.State]bool{
	model.StatePaused:    true,
	model.StateFailed:    true,
	model.StateCancelled: true,
	model.StateCompleted: true,
}

// Engine is the DownloadEngine described by spec.md §4.15: it owns the
// boot sequence, the periodic queue pump, and every download lifecycle
// operation exposed to a caller (CLI, TUI, or an external API layer).
type Engine struct {
	cfg *config.Config

	store    *store.StateStore
	chunks   *chunkfs.ChunkStore
	sched    *scheduler.Scheduler
	conc     *concurrency.Controller
	adaptive *adaptive.Controller
	bus      *eventbus.Bus
	metrics  *metrics.Metrics
	breaker  *breaker.Breaker
	speed    *speed.Tracker
	sessions *session.Manager
	registry *protocol.Registry

	catalog  collab.CatalogProvider
	resolver collab.SavePathResolver
	baseDir  string

	simple  *transfer.SimpleDownloader
	chunked *transfer.ChunkedDownloader

	ctx    context.Context
	cancel context.CancelFunc

	processing int32 // process_queue reentrancy guard

	mu      sync.Mutex
	running map[int64]context.CancelFunc
}

// Deps carries the shared infrastructure New assembles an Engine from.
// ChunkStore, Registry, and StateStore must already be initialized by
// the caller (Open/Initialize called, adapters registered).
type Deps struct {
	Config   *config.Config
	Store    *store.StateStore
	Chunks   *chunkfs.ChunkStore
	Registry *protocol.Registry
	Bus      *eventbus.Bus
	Catalog  collab.CatalogProvider
	Resolver collab.SavePathResolver
	BaseDir  string
}

// New wires an Engine's sub-components from cfg, matching the
// concurrency, adaptive, and chunk-plan tunables a loaded Config
// carries (spec.md §6).
func New(d Deps) *Engine {
	cfg := d.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	resolver := d.Resolver
	if resolver == nil {
		resolver = collab.DefaultSavePathResolver{}
	}
	bus := d.Bus
	if bus == nil {
		bus = eventbus.New(0)
	}

	sched := scheduler.New(scheduler.Config{
		AgingInterval:            time.Duration(cfg.Scheduler.AgingIntervalSeconds) * time.Second,
		MaxAgingBonus:            cfg.Scheduler.MaxAgingBonus,
		LowPriorityMultiplier:    cfg.Scheduler.LowPriorityMultiplier,
		FreeRetries:              cfg.Scheduler.FreeRetries,
		PenaltyPerRetry:          cfg.Scheduler.PenaltyPerRetry,
		MaxRetryPenalty:          cfg.Scheduler.MaxRetryPenalty,
		SJFWeight:                sjfWeight(cfg.Scheduler),
		SJFTolerancePercent:      cfg.Scheduler.SJFTolerancePercent,
		MaxConcurrent:            cfg.Downloads.MaxConcurrent,
		MaxConcurrentPerHost:     cfg.Downloads.MaxConcurrentPerHost,
		PerHostRequestsPerWindow: 1,
		PerHostWindow:            time.Second,
	})

	conc := concurrency.New(cfg.Downloads.MaxConcurrent, cfg.Chunked.MaxConcurrentChunks)
	m := metrics.New()
	br := breaker.New(5, 30*time.Second)
	sp := speed.New(0.3, 200*time.Millisecond)
	sessions := session.New()
	limiters := buildLimiters(cfg)

	e := &Engine{
		cfg:      cfg,
		store:    d.Store,
		chunks:   d.Chunks,
		sched:    sched,
		conc:     conc,
		bus:      bus,
		metrics:  m,
		breaker:  br,
		speed:    sp,
		sessions: sessions,
		registry: d.Registry,
		catalog:  d.Catalog,
		resolver: resolver,
		baseDir:  d.BaseDir,
		running:  make(map[int64]context.CancelFunc),
	}

	e.adaptive = adaptive.New(adaptive.Config{
		Window:                           durationFromSeconds(cfg.Chunked.AdaptiveConcurrencyConfig.WindowSeconds),
		EvalInterval:                     durationFromSeconds(cfg.Chunked.AdaptiveConcurrencyConfig.EvalIntervalSeconds),
		AdjustmentCooldown:               durationFromSeconds(cfg.Chunked.AdaptiveConcurrencyConfig.CooldownSeconds),
		ScaleDownErrorRateMin:            cfg.Chunked.AdaptiveConcurrencyConfig.ScaleDownErrorRateMin,
		ScaleDownTransientRetryThreshold: cfg.Chunked.AdaptiveConcurrencyConfig.ScaleDownTransientMax,
		ThroughputDropThreshold:          cfg.Chunked.AdaptiveConcurrencyConfig.ThroughputDropThreshold,
		ScaleUpMinSamples:                cfg.Chunked.AdaptiveConcurrencyConfig.ScaleUpMinSamples,
		ScaleUpErrorRateMax:              cfg.Chunked.AdaptiveConcurrencyConfig.ScaleUpErrorRateMax,
		ScaleUpMinThroughputBPS:          cfg.Chunked.AdaptiveConcurrencyConfig.ScaleUpMinThroughputBPS,
		CeilingGlobal:                    cfg.Downloads.MaxConcurrent,
		CeilingPerHost:                   cfg.Downloads.MaxConcurrentPerHost,
	}, func(global, perHost int) {
		sched.SetMaxConcurrent(global)
		sched.SetMaxConcurrentPerHost(perHost)
	})

	e.simple = transfer.NewSimpleDownloader(transfer.SimpleConfig{
		BufferSize:             cfg.Buffer.BufferSize,
		ProgressUpdateInterval: time.Duration(cfg.Downloads.ProgressUpdateIntervalMS) * time.Millisecond,
		StateSaveInterval:      time.Second,
		IdleTimeout:            cfg.Network.IdleTimeout,
		IdleCheckInterval:      5 * time.Second,
		MaxRetries:             cfg.Downloads.MaxRetries,
	}, d.Store, br, sp, m, bus, limiters)

	e.chunked = transfer.NewChunkedDownloader(transfer.ChunkedConfig{
		ChunkPlan: transfer.ChunkPlanConfig{
			MaxChunks:        cfg.Chunked.MaxChunks,
			MediumRangeMax:   cfg.Chunked.MediumRangeMaxBytes,
			CountMediumMin:   cfg.Chunked.CountMediumMin,
			CountMediumMax:   cfg.Chunked.CountMediumMax,
			SizeMediumTarget: cfg.Chunked.SizeMediumTarget,
			CountLargeMin:    cfg.Chunked.CountLargeMin,
			CountLargeMax:    cfg.Chunked.CountLargeMax,
			SizeLargeBase:    cfg.Chunked.SizeLargeBase,
		},
		BufferSize:             cfg.Buffer.BufferSize,
		ProgressUpdateInterval: time.Duration(cfg.Downloads.ProgressUpdateIntervalMS) * time.Millisecond,
		StateSaveInterval:      time.Second,
		MaxChunkRetries:        cfg.Chunked.MaxChunkRetries,
	}, d.Store, d.Chunks, assemble.New(assemble.NewBufferPool(cfg.Buffer.BufferSize)), conc, br, sp, m, bus, limiters)

	return e
}

// buildLimiters translates the Bandwidth config section into a
// per-host token-bucket limiter shared by both transfer downloaders.
// GlobalLimit acts as the default bucket applied to any host without
// its own entry in HostLimits, unless a positive PerHostLimit is set,
// which replaces it as that default whether lower or higher; this repo
// has no single shared bucket spanning hosts, only independent
// per-host buckets seeded from the same rate.
func buildLimiters(cfg *config.Config) *ratelimit.PerHostLimiter {
	global, _ := config.ParseBandwidth(cfg.Bandwidth.GlobalLimit)
	perHost, _ := config.ParseBandwidth(cfg.Bandwidth.PerHostLimit)
	defaultBPS := global
	if perHost > 0 {
		defaultBPS = perHost
	}
	hostLimits := make(map[string]int64, len(cfg.Bandwidth.HostLimits))
	for _, hl := range cfg.Bandwidth.HostLimits {
		if bps, err := config.ParseBandwidth(hl.Limit); err == nil && bps > 0 {
			hostLimits[hl.Host] = bps
		}
	}
	if defaultBPS <= 0 && len(hostLimits) == 0 {
		return nil
	}
	return ratelimit.NewPerHost(defaultBPS, hostLimits)
}

func sjfWeight(c config.SchedulerConfig) float64 {
	if !c.SJFEnabled {
		return 0
	}
	return c.SJFWeight
}

func durationFromSeconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Start runs the boot sequence: registers transition hooks, reclaims
// orphaned chunk directories, and launches the queue pump, the
// adaptive controller, and a periodic metrics summary.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.store.SetTransitionHooks(e.onEnter, e.onExit)

	active := map[int64]bool{}
	for state := range activeStates {
		for _, dl := range e.store.GetDownloadsByState(state) {
			active[dl.ID] = true
		}
	}
	if e.chunks != nil {
		if err := e.chunks.Initialize(); err != nil {
			return fmt.Errorf("initializing chunk store: %w", err)
		}
		if err := e.chunks.CleanupOrphanedDirs(active); err != nil {
			return fmt.Errorf("cleaning orphaned chunk dirs: %w", err)
		}
	}

	e.adaptive.SetCeiling(e.cfg.Downloads.MaxConcurrent, e.cfg.Downloads.MaxConcurrentPerHost)

	go e.runQueuePump(e.ctx)
	go e.runMetricsLog(e.ctx)
	if e.cfg.Chunked.AdaptiveConcurrency {
		go e.adaptive.Run(e.ctx)
	}

	return nil
}

// Stop cancels the boot-sequence goroutines and every in-flight
// transfer. It does not close the StateStore; the caller owns that.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) runQueuePump(ctx context.Context) {
	interval := time.Duration(e.cfg.Downloads.QueueProcessDelayMS) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ProcessQueue()
		}
	}
}

func (e *Engine) runMetricsLog(ctx context.Context) {
	switch e.cfg.Logging.Level {
	case "warn", "error":
		return
	}
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g := e.metrics.GetGlobalMetrics()
			log.Printf("dlforge: active=%d completed=%d failed=%d bytes=%d uptime=%.0fs",
				g.Active, g.Completed, g.Failed, g.TotalBytes, g.UptimeSeconds)
		}
	}
}

// onEnter registers a download's host with the Scheduler the moment it
// starts occupying an active slot.
func (e *Engine) onEnter(id int64, state model.State) {
	if state != model.StateStarting {
		return
	}
	dl, ok := e.store.GetDownload(id)
	if !ok {
		return
	}
	e.sched.RegisterDownload(dl.Host)
}

// onExit releases a download's host and global concurrency slot the
// moment it leaves every active state, regardless of which terminal
// state it lands in.
func (e *Engine) onExit(id int64, from, to model.State) {
	if !activeStates[from] || !runTerminalStates[to] {
		return
	}
	dl, ok := e.store.GetDownload(id)
	if !ok {
		return
	}
	e.sched.UnregisterDownload(dl.Host)
	e.conc.ReleaseGlobal()
	e.speed.Forget(id)
}

func (e *Engine) setCancel(id int64, cancel context.CancelFunc) {
	e.mu.Lock()
	e.running[id] = cancel
	e.mu.Unlock()
}

func (e *Engine) clearCancel(id int64) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

func (e *Engine) cancelRunning(id int64) bool {
	e.mu.Lock()
	cancel, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ProcessQueue admits as many queued downloads as the Scheduler and
// ConcurrencyController allow. It is re-entrancy guarded so the
// periodic pump and an explicit AddDownload trigger can't overlap.
func (e *Engine) ProcessQueue() {
	if !atomic.CompareAndSwapInt32(&e.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&e.processing, 0)

	queued := e.store.GetDownloadsByState(model.StateQueued)
	if len(queued) == 0 {
		return
	}
	batch := e.cfg.Downloads.MaxQueueBatchSize
	if batch > 0 && len(queued) > batch {
		queued = queued[:batch]
	}

	candidates := make([]scheduler.Candidate, len(queued))
	for i, dl := range queued {
		candidates[i] = scheduler.Candidate{
			ID:           dl.ID,
			Host:         dl.Host,
			BasePriority: dl.Priority,
			CreatedAt:    dl.CreatedAt,
			RetryCount:   dl.RetryCount,
			TotalBytes:   dl.TotalBytes,
		}
	}

	active := e.conc.GlobalInUse()
	slots := e.cfg.Downloads.MaxConcurrent - active
	selected := e.sched.SelectToStart(candidates, slots, active)

	for _, c := range selected {
		if !e.conc.AcquireGlobal() {
			break
		}
		go func(id int64) {
			if err := e.startDownload(id); err != nil {
				e.conc.ReleaseGlobal()
				log.Printf("dlforge: start_download %d: %v", id, err)
			}
		}(c.ID)
	}
}

// triggerQueue wakes the queue pump without waiting for its next tick.
func (e *Engine) triggerQueue() {
	go e.ProcessQueue()
}

// AddDownload validates and inserts a new download row. If the target
// file already exists and the caller hasn't requested an overwrite, the
// download is parked in Paused and a needs_confirmation event fires
// instead of being queued for transfer.
func (e *Engine) AddDownload(in store.AddDownloadInput) (model.Download, error) {
	if in.URL == "" {
		return model.Download{}, errors.New("orchestrator: URL is required")
	}
	if in.Host == "" {
		if parsed, err := url.Parse(in.URL); err == nil {
			in.Host = parsed.Hostname()
		}
	}
	if max := e.cfg.Downloads.MaxQueueSize; max > 0 {
		total := 0
		for _, n := range e.store.GetSnapshot(0).Summary {
			total += n
		}
		if total >= max {
			return model.Download{}, fmt.Errorf("orchestrator: queue is full (max_queue_size=%d)", max)
		}
	}
	if in.SavePath == "" {
		resolved, err := e.resolver.Resolve(e.baseDir, in.Title, "", in.PreserveStructure)
		if err != nil {
			return model.Download{}, fmt.Errorf("resolving save path: %w", err)
		}
		in.SavePath = resolved
	}

	dl, err := e.store.AddDownload(in)
	if err != nil {
		return model.Download{}, fmt.Errorf("adding download: %w", err)
	}

	if !in.ForceOverwrite && dl.State == model.StateQueued {
		if _, statErr := os.Stat(dl.SavePath); statErr == nil {
			e.store.TransitionState(dl.ID, model.StatePaused, model.StateQueued)
			e.bus.EmitNeedsConfirmation(dl.ID, dl.SavePath)
			dl, _ = e.store.GetDownload(dl.ID)
			return dl, nil
		}
	}

	e.triggerQueue()
	return dl, nil
}

// AddDownloadFromCatalog resolves itemID through the configured
// CatalogProvider and inserts it as a new download, using the
// catalog's title and ancestor path to derive the save location.
func (e *Engine) AddDownloadFromCatalog(itemID string, in store.AddDownloadInput) (model.Download, error) {
	if e.catalog == nil {
		return model.Download{}, errors.New("orchestrator: no catalog provider configured")
	}
	item, err := e.catalog.Lookup(itemID)
	if err != nil {
		return model.Download{}, fmt.Errorf("looking up catalog item %s: %w", itemID, err)
	}

	in.URL = item.URL
	if in.Title == "" {
		in.Title = item.Title
	}
	if in.SavePath == "" {
		resolved, err := e.resolver.Resolve(e.baseDir, in.Title, item.AncestorPath, in.PreserveStructure)
		if err != nil {
			return model.Download{}, fmt.Errorf("resolving save path: %w", err)
		}
		in.SavePath = resolved
	}

	return e.AddDownload(in)
}

// startDownload resolves the transfer adapter and save location for a
// queued download, validates disk space, and hands it off to the
// simple or chunked transfer path (spec.md §4.15 start_download).
func (e *Engine) startDownload(id int64) error {
	dl, ok := e.store.GetDownload(id)
	if !ok {
		return fmt.Errorf("download %d not found", id)
	}

	if len(dl.Mirrors) > 0 && e.breaker.StateFor(dl.Host) == breaker.StateOpen {
		if ok := e.failoverToNextMirror(&dl); ok {
			e.store.UpdateDownload(id, store.PartialUpdate{
				URL: &dl.URL, Host: &dl.Host, MirrorIndex: &dl.MirrorIndex,
			})
		}
	}

	adapter, err := e.registry.Resolve(dl.URL)
	if err != nil {
		e.failDownload(id, dl.State, err)
		return err
	}

	supportsRange := true
	if dl.TotalBytes == 0 {
		statTimeout := time.Duration(e.cfg.Chunked.RangeSupportTimeoutMS) * time.Millisecond
		if statTimeout <= 0 {
			statTimeout = 15 * time.Second
		}
		statCtx, cancel := context.WithTimeout(e.ctx, statTimeout)
		meta, statErr := adapter.Stat(statCtx, dl.URL)
		cancel()
		if statErr == nil && meta != nil {
			total := meta.ContentLength
			if e.cfg.Chunked.CheckRangeSupport {
				supportsRange = meta.AcceptRanges
			}
			e.store.UpdateDownload(id, store.PartialUpdate{TotalBytes: &total})
			dl.TotalBytes = total
		}
	}

	dir := filepath.Dir(dl.SavePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		e.failDownload(id, dl.State, err)
		return err
	}
	if dl.TotalBytes > 0 {
		fits, spaceErr := assemble.HasSpaceFor(dir, dl.TotalBytes, requiredFreeFraction)
		if spaceErr == nil && !fits {
			e.failDownload(id, dl.State, errors.New("orchestrator: insufficient disk space"))
			return errors.New("insufficient disk space")
		}
	}

	if !e.store.TransitionState(id, model.StateStarting, dl.State) {
		return fmt.Errorf("download %d could not enter starting from %s", id, dl.State)
	}
	if !e.store.TransitionState(id, model.StateDownloading, model.StateStarting) {
		return fmt.Errorf("download %d could not enter downloading", id)
	}

	dl, _ = e.store.GetDownload(id)
	useChunked := e.cfg.Chunked.Enabled && !e.cfg.Chunked.ForceSimpleDownload &&
		dl.TotalBytes >= e.cfg.Chunked.SizeThresholdBytes && supportsRange

	token := e.sessions.CreateSession(id)
	runCtx, cancel := context.WithCancel(e.ctx)
	e.setCancel(id, cancel)

	go func() {
		defer cancel()
		defer e.clearCancel(id)

		var runErr error
		if useChunked {
			runErr = e.chunked.Run(runCtx, adapter, dl)
		} else {
			runErr = e.simple.Run(runCtx, adapter, dl)
		}
		if runErr != nil && e.sessions.IsCurrent(id, token) {
			e.store.UpdateDownload(id, store.PartialUpdate{LastError: strPtr(runErr.Error())})
		}
	}()

	return nil
}

// failoverToNextMirror rotates dl to the next candidate source whose
// host's breaker isn't open, scanning forward from MirrorIndex through
// the list [dl.URL, Mirrors...], and refreshes Host to match. The list
// is rebuilt from the current URL on every call, so once a failover
// has happened the original primary URL is no longer a candidate.
// Returns false when every candidate's breaker is open.
func (e *Engine) failoverToNextMirror(dl *model.Download) bool {
	candidates := append([]string{dl.URL}, dl.Mirrors...)
	for i := 1; i <= len(candidates); i++ {
		idx := (dl.MirrorIndex + i) % len(candidates)
		candidate := candidates[idx]
		host := candidate
		if parsed, err := url.Parse(candidate); err == nil {
			host = parsed.Hostname()
		}
		if e.breaker.StateFor(host) != breaker.StateOpen {
			dl.URL = candidate
			dl.Host = host
			dl.MirrorIndex = idx
			return true
		}
	}
	return false
}

func (e *Engine) failDownload(id int64, from model.State, cause error) {
	e.metrics.RecordFailed(id)
	e.store.UpdateDownload(id, store.PartialUpdate{LastError: strPtr(cause.Error())})
	e.store.TransitionState(id, model.StateFailed, from)
	e.bus.EmitDownloadFailed(id, false)
}

func strPtr(s string) *string { return &s }
