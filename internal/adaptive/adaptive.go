// Package adaptive raises and lowers global and per-host concurrency
// caps from a sliding window of observed successes, errors, and
// throughput (spec.md §4.11).
package adaptive

import (
	"context"
	"sync"
	"time"
)

// Config tunes the adaptive controller. Zero values are replaced with
// the spec defaults by Normalize.
type Config struct {
	Window             time.Duration
	EvalInterval        time.Duration
	AdjustmentCooldown  time.Duration

	ScaleDownErrorRateMin            float64
	ScaleDownTransientRetryThreshold int
	ThroughputDropThreshold          float64

	ScaleUpMinSamples       int
	ScaleUpErrorRateMax     float64
	ScaleUpMinThroughputBPS float64

	CeilingGlobal  int
	CeilingPerHost int
}

// Normalize fills unset fields with the spec defaults.
func (c *Config) Normalize() {
	if c.Window <= 0 {
		c.Window = 90 * time.Second
	}
	if c.EvalInterval <= 0 {
		c.EvalInterval = 15 * time.Second
	}
	if c.AdjustmentCooldown <= 0 {
		c.AdjustmentCooldown = 30 * time.Second
	}
	if c.ScaleDownErrorRateMin <= 0 {
		c.ScaleDownErrorRateMin = 0.2
	}
	if c.ScaleDownTransientRetryThreshold <= 0 {
		c.ScaleDownTransientRetryThreshold = 4
	}
	if c.ThroughputDropThreshold <= 0 {
		c.ThroughputDropThreshold = 0.4
	}
	if c.ScaleUpMinSamples <= 0 {
		c.ScaleUpMinSamples = 2
	}
	if c.ScaleUpErrorRateMax <= 0 {
		c.ScaleUpErrorRateMax = 0.05
	}
	if c.ScaleUpMinThroughputBPS <= 0 {
		c.ScaleUpMinThroughputBPS = 256 * 1024
	}
	if c.CeilingGlobal <= 0 {
		c.CeilingGlobal = 16
	}
	if c.CeilingPerHost <= 0 {
		c.CeilingPerHost = 16
	}
}

type sampleKind int

const (
	sampleSuccess sampleKind = iota
	samplePermanentError
	sampleTransientRetry
)

type sample struct {
	kind     sampleKind
	at       time.Time
	bytes    int64
	duration time.Duration
}

// Callback is invoked with the new caps on every adjustment.
type Callback func(global, perHost int)

// Controller evaluates a sliding window of transfer outcomes and
// adjusts concurrency caps. It starts conservative: global=1, per-host=1.
type Controller struct {
	mu sync.Mutex

	cfg      Config
	samples  []sample
	global   int
	perHost  int
	peakBPS  float64
	lastEval time.Time

	onAdjust Callback
	now      func() time.Time
}

// New constructs a Controller starting at global=1, per-host=1.
func New(cfg Config, onAdjust Callback) *Controller {
	cfg.Normalize()
	return &Controller{
		cfg:      cfg,
		global:   1,
		perHost:  1,
		onAdjust: onAdjust,
		now:      time.Now,
	}
}

// RecordSuccess logs a completed transfer's byte count and elapsed
// time, which feeds the throughput average.
func (c *Controller) RecordSuccess(bytes int64, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, sample{kind: sampleSuccess, at: c.now(), bytes: bytes, duration: duration})
}

// RecordPermanentError logs a non-retryable failure.
func (c *Controller) RecordPermanentError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, sample{kind: samplePermanentError, at: c.now()})
}

// RecordTransientRetry logs a retried transient error.
func (c *Controller) RecordTransientRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, sample{kind: sampleTransientRetry, at: c.now()})
}

// SetCeiling updates the user-configured ceilings, clamping the
// current caps down immediately if they now exceed the new ceiling.
func (c *Controller) SetCeiling(global, perHost int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.CeilingGlobal = global
	c.cfg.CeilingPerHost = perHost
	changed := false
	if c.global > global {
		c.global = global
		changed = true
	}
	if c.perHost > perHost {
		c.perHost = perHost
		changed = true
	}
	if changed && c.onAdjust != nil {
		c.onAdjust(c.global, c.perHost)
	}
}

// Current returns the current caps.
func (c *Controller) Current() (global, perHost int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.global, c.perHost
}

func (c *Controller) pruneLocked(asOf time.Time) {
	cutoff := asOf.Add(-c.cfg.Window)
	i := 0
	for ; i < len(c.samples); i++ {
		if c.samples[i].at.After(cutoff) {
			break
		}
	}
	c.samples = c.samples[i:]
}

func (c *Controller) windowStatsLocked() (successes, permErrors, transientRetries int, avgBPS float64) {
	var totalBytes int64
	var totalDuration time.Duration
	for _, s := range c.samples {
		switch s.kind {
		case sampleSuccess:
			successes++
			totalBytes += s.bytes
			totalDuration += s.duration
		case samplePermanentError:
			permErrors++
		case sampleTransientRetry:
			transientRetries++
		}
	}
	if totalDuration > 0 {
		avgBPS = float64(totalBytes) / totalDuration.Seconds()
	}
	return
}

// Evaluate applies the scale-up/scale-down rules against the current
// window, subject to the adjustment cooldown. It is idempotent to call
// more often than EvalInterval; callers typically drive it from a
// ticker via Run.
func (c *Controller) Evaluate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.lastEval.IsZero() && now.Sub(c.lastEval) < c.cfg.AdjustmentCooldown {
		return
	}
	c.pruneLocked(now)

	successes, permErrors, transientRetries, avgBPS := c.windowStatsLocked()
	total := successes + permErrors
	var errorRate float64
	if total > 0 {
		errorRate = float64(permErrors) / float64(total)
	}

	scaleDown := errorRate >= c.cfg.ScaleDownErrorRateMin ||
		transientRetries >= c.cfg.ScaleDownTransientRetryThreshold ||
		(c.peakBPS > 0 && avgBPS < c.cfg.ThroughputDropThreshold*c.peakBPS)

	scaleUp := !scaleDown &&
		c.global < c.cfg.CeilingGlobal &&
		successes >= c.cfg.ScaleUpMinSamples &&
		errorRate < c.cfg.ScaleUpErrorRateMax &&
		avgBPS >= c.cfg.ScaleUpMinThroughputBPS

	adjusted := false
	switch {
	case scaleDown:
		if c.global > 1 {
			c.global--
			adjusted = true
		}
		if c.perHost > 1 {
			c.perHost--
			adjusted = true
		}
		c.peakBPS = avgBPS
	case scaleUp:
		c.global++
		if c.perHost < c.cfg.CeilingPerHost {
			c.perHost++
		}
		adjusted = true
		if avgBPS > c.peakBPS {
			c.peakBPS = avgBPS
		}
	default:
		if avgBPS > c.peakBPS {
			c.peakBPS = avgBPS
		}
	}

	c.lastEval = now
	if adjusted && c.onAdjust != nil {
		c.onAdjust(c.global, c.perHost)
	}
}

// Run starts a ticker that calls Evaluate every EvalInterval until ctx
// is cancelled. It blocks; callers invoke it in its own goroutine.
func (c *Controller) Run(ctx context.Context) {
	c.mu.Lock()
	interval := c.cfg.EvalInterval
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Evaluate()
		}
	}
}
