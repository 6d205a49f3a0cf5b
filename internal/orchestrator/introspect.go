package orchestrator

import (
	"fmt"

	"github.com/dlforge/engine/internal/metrics"
	"github.com/dlforge/engine/internal/model"
	"github.com/dlforge/engine/internal/store"
)

// GetSnapshot returns the current state-version, an aggregate summary,
// and the full or incremental download list (spec.md §6 get_snapshot).
func (e *Engine) GetSnapshot(minVersion uint64) model.Snapshot {
	return e.store.GetSnapshot(minVersion)
}

// DownloadDebug bundles everything a developer needs to diagnose one
// download: its row, chunk breakdown, attempt log, and transition
// history.
type DownloadDebug struct {
	Download model.Download
	Chunks   []model.Chunk
	Attempts []model.Attempt
	History  []model.HistoryEvent
}

// GetDownloadDebug returns the full diagnostic bundle for one download.
func (e *Engine) GetDownloadDebug(id int64) (DownloadDebug, error) {
	dl, ok := e.store.GetDownload(id)
	if !ok {
		return DownloadDebug{}, fmt.Errorf("download %d not found", id)
	}
	return DownloadDebug{
		Download: dl,
		Chunks:   e.store.GetChunks(id),
		Attempts: e.store.GetAttempts(id),
		History:  e.store.GetHistory(id),
	}, nil
}

// SessionMetrics aggregates the session-wide counters and current
// concurrency ceilings (spec.md §6 get_session_metrics).
type SessionMetrics struct {
	Global            metrics.GlobalStats
	ErrorRate         float64
	Latency           metrics.LatencyPercentiles
	ConcurrencyGlobal int
	ConcurrencyHost   int
}

// GetSessionMetrics returns the current engine-wide metrics snapshot.
func (e *Engine) GetSessionMetrics() SessionMetrics {
	global, perHost := e.adaptive.Current()
	return SessionMetrics{
		Global:            e.metrics.GetGlobalMetrics(),
		ErrorRate:         e.metrics.GetErrorRate(),
		Latency:           e.metrics.GetLatencyPercentiles(),
		ConcurrencyGlobal: global,
		ConcurrencyHost:   perHost,
	}
}

// DownloadConfigOverrides carries the per-download fields a caller may
// override after a download is already queued (spec.md §6
// set_download_config_overrides).
type DownloadConfigOverrides struct {
	Priority       *model.Priority
	ForceOverwrite *bool
	ExpectedHash   *string
}

// SetDownloadConfigOverrides applies a sparse set of per-download
// overrides. Unset fields are left unchanged.
func (e *Engine) SetDownloadConfigOverrides(id int64, overrides DownloadConfigOverrides) error {
	if _, ok := e.store.GetDownload(id); !ok {
		return fmt.Errorf("download %d not found", id)
	}
	ok := e.store.UpdateDownload(id, store.PartialUpdate{
		Priority:       overrides.Priority,
		ForceOverwrite: overrides.ForceOverwrite,
		ExpectedHash:   overrides.ExpectedHash,
	})
	if !ok {
		return fmt.Errorf("download %d could not be updated", id)
	}
	return nil
}

// UpdateAdaptiveConcurrencyMax adjusts the adaptive controller's
// user-configured ceilings, clamping the live caps down immediately if
// they now exceed the new ceiling (spec.md §6
// update_adaptive_concurrency_max).
func (e *Engine) UpdateAdaptiveConcurrencyMax(global, perHost int) {
	e.adaptive.SetCeiling(global, perHost)
}
