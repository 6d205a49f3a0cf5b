// Package speed maintains a per-download exponential moving average of
// throughput and a derived ETA (spec.md §4.9).
package speed

import (
	"sync"
	"time"
)

const (
	defaultAlpha       = 0.3
	defaultMinInterval = 100 * time.Millisecond
)

type trackerState struct {
	sessionStart     time.Time
	sessionStartByte int64
	lastUpdate       time.Time
	lastDownloaded   int64
	emaSpeed         float64
	started          bool
}

// Tracker computes an EMA-smoothed speed and ETA per download.
type Tracker struct {
	mu           sync.Mutex
	alpha        float64
	minInterval  time.Duration
	states       map[int64]*trackerState
	now          func() time.Time
}

// New constructs a Tracker with the given smoothing factor and minimum
// update interval. Zero values fall back to the spec defaults (α=0.3,
// 0.1s).
func New(alpha float64, minInterval time.Duration) *Tracker {
	if alpha <= 0 {
		alpha = defaultAlpha
	}
	if minInterval <= 0 {
		minInterval = defaultMinInterval
	}
	return &Tracker{
		alpha:       alpha,
		minInterval: minInterval,
		states:      make(map[int64]*trackerState),
		now:         time.Now,
	}
}

// Result is returned by Update.
type Result struct {
	SpeedBPS   float64
	HasETA     bool
	ETASeconds float64
}

// EnsureTracking seeds a download's tracker, so that a subsequent Update
// computes a delta against only the bytes transferred in this session,
// not against the download's cumulative lifetime total. Safe to call
// whether or not a tracker already exists for id; it always reseeds.
func (t *Tracker) EnsureTracking(id int64, startTime time.Time, initialDownloaded int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[id] = &trackerState{
		sessionStart:     startTime,
		sessionStartByte: initialDownloaded,
		lastUpdate:       startTime,
		lastDownloaded:   initialDownloaded,
		started:          true,
	}
}

// Update records a new (downloaded, total) observation and returns the
// current smoothed speed and ETA. Observations arriving less than
// minInterval apart are folded in without advancing the EMA, to avoid
// over-weighting bursty callback timing.
func (t *Tracker) Update(id, downloadedBytes, totalBytes int64) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	st, ok := t.states[id]
	if !ok {
		st = &trackerState{sessionStart: now, sessionStartByte: downloadedBytes, lastUpdate: now, lastDownloaded: downloadedBytes, started: true}
		t.states[id] = st
		return Result{}
	}

	elapsed := now.Sub(st.lastUpdate)
	if elapsed < t.minInterval {
		return Result{SpeedBPS: st.emaSpeed, HasETA: hasETA(st.emaSpeed, downloadedBytes, totalBytes), ETASeconds: eta(st.emaSpeed, downloadedBytes, totalBytes)}
	}

	deltaBytes := downloadedBytes - st.lastDownloaded
	instSpeed := float64(deltaBytes) / elapsed.Seconds()
	if !st.started || st.emaSpeed == 0 {
		st.emaSpeed = instSpeed
	} else {
		st.emaSpeed = t.alpha*instSpeed + (1-t.alpha)*st.emaSpeed
	}
	st.started = true
	st.lastUpdate = now
	st.lastDownloaded = downloadedBytes

	return Result{
		SpeedBPS:   st.emaSpeed,
		HasETA:     hasETA(st.emaSpeed, downloadedBytes, totalBytes),
		ETASeconds: eta(st.emaSpeed, downloadedBytes, totalBytes),
	}
}

func hasETA(speed float64, downloaded, total int64) bool {
	return total > 0 && speed > 0 && downloaded < total
}

func eta(speed float64, downloaded, total int64) float64 {
	if !hasETA(speed, downloaded, total) {
		return 0
	}
	return float64(total-downloaded) / speed
}

// Forget removes a download's tracker, e.g. on completion or
// cancellation.
func (t *Tracker) Forget(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, id)
}
