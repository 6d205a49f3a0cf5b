// Package scheduler orders the ready queue by effective priority and
// enforces global and per-host concurrency ceilings (spec.md §4.5).
package scheduler

import (
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dlforge/engine/internal/model"
)

// Config holds the scheduler's tunable parameters. Config.Normalize
// clamps the concurrency limits and fills in defaults for AgingInterval
// and the per-host request window; the other fields are used as given.
type Config struct {
	AgingInterval         time.Duration
	LowPriorityMultiplier float64
	MaxAgingBonus         float64
	FreeRetries           int
	PenaltyPerRetry       float64
	MaxRetryPenalty       float64

	SJFWeight           float64 // 0 disables SJF entirely
	SJFTolerancePercent float64

	MaxConcurrent            int
	MaxConcurrentPerHost     int
	PerHostRequestsPerWindow int
	PerHostWindow            time.Duration
	Turbo                    bool
}

// Normalize clamps fields to valid ranges, matching the engine's
// load-then-clamp configuration philosophy (spec.md §6).
func (c *Config) Normalize() {
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 1
	}
	if c.MaxConcurrent > 3 {
		c.MaxConcurrent = 3
	}
	if c.MaxConcurrentPerHost < 1 {
		c.MaxConcurrentPerHost = 1
	}
	if c.MaxConcurrentPerHost > c.MaxConcurrent {
		c.MaxConcurrentPerHost = c.MaxConcurrent
	}
	if c.AgingInterval <= 0 {
		c.AgingInterval = 30 * time.Second
	}
	if c.PerHostWindow <= 0 {
		c.PerHostWindow = time.Minute
	}
	if c.PerHostRequestsPerWindow <= 0 {
		c.PerHostRequestsPerWindow = 1
	}
}

// Candidate is the scheduler's view of a queued download.
type Candidate struct {
	ID           int64
	Host         string
	BasePriority model.Priority
	CreatedAt    time.Time
	RetryCount   int
	TotalBytes   int64 // 0 = unknown; excluded from SJF comparisons
}

// AdmissionResult is returned by CanStart.
type AdmissionResult struct {
	CanStart       bool
	SlotsAvailable int
	Reason         string
	HostLimit      bool
	RateLimited    bool
}

// Scheduler implements effective-priority ordering, optional SJF
// tie-breaking, and admission control.
type Scheduler struct {
	mu sync.Mutex

	cfg          Config
	activeByHost map[string]int
	hostLimiters map[string]*rate.Limiter
	rrIndex      int

	now func() time.Time
}

// New constructs a Scheduler with the given (already-clamped) config.
func New(cfg Config) *Scheduler {
	cfg.Normalize()
	return &Scheduler{
		cfg:          cfg,
		activeByHost: make(map[string]int),
		hostLimiters: make(map[string]*rate.Limiter),
		now:          time.Now,
	}
}

// EffectivePriority computes base + aging bonus − retry penalty.
func (s *Scheduler) EffectivePriority(c Candidate) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectivePriorityLocked(c, s.now())
}

func (s *Scheduler) effectivePriorityLocked(c Candidate, now time.Time) float64 {
	cfg := s.cfg
	var intervals float64
	if cfg.AgingInterval > 0 {
		intervals = now.Sub(c.CreatedAt).Seconds() / cfg.AgingInterval.Seconds()
	}
	mult := 1.0
	if c.BasePriority == model.PriorityLow {
		mult = cfg.LowPriorityMultiplier
	}
	bonus := math.Min(cfg.MaxAgingBonus, intervals*mult)
	if bonus < 0 {
		bonus = 0
	}

	overRetries := math.Max(0, float64(c.RetryCount-cfg.FreeRetries))
	penalty := math.Min(cfg.MaxRetryPenalty, overRetries*cfg.PenaltyPerRetry)

	return float64(c.BasePriority) + bonus - penalty
}

// sizeSign returns -1 if a is meaningfully smaller than b, 1 if
// meaningfully larger, 0 if within tolerancePercent of each other.
func sizeSign(a, b int64, tolerancePercent float64) int {
	if a == b {
		return 0
	}
	larger := math.Max(float64(a), float64(b))
	if larger == 0 {
		return 0
	}
	diffPct := math.Abs(float64(a-b)) / larger * 100
	if diffPct <= tolerancePercent {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func ageSign(a, b time.Time) int {
	if a.Equal(b) {
		return 0
	}
	if a.Before(b) {
		return -1
	}
	return 1
}

// less reports whether a should be scheduled before b.
func (s *Scheduler) less(a, b Candidate, now time.Time) bool {
	ea := s.effectivePriorityLocked(a, now)
	eb := s.effectivePriorityLocked(b, now)
	if math.Abs(ea-eb) >= 0.01 {
		return ea > eb
	}

	if s.cfg.SJFWeight > 0 && a.TotalBytes > 0 && b.TotalBytes > 0 {
		size := sizeSign(a.TotalBytes, b.TotalBytes, s.cfg.SJFTolerancePercent)
		if s.cfg.SJFWeight >= 0.5 {
			if size != 0 {
				return size < 0
			}
		} else {
			age := ageSign(a.CreatedAt, b.CreatedAt)
			combined := s.cfg.SJFWeight*float64(size) + (1-s.cfg.SJFWeight)*float64(age)
			if combined != 0 {
				return combined < 0
			}
		}
	}

	return a.CreatedAt.Before(b.CreatedAt)
}

func (s *Scheduler) limiterForHostLocked(host string) *rate.Limiter {
	lim, ok := s.hostLimiters[host]
	if !ok {
		perSecond := float64(s.cfg.PerHostRequestsPerWindow) / s.cfg.PerHostWindow.Seconds()
		lim = rate.NewLimiter(rate.Limit(perSecond), s.cfg.PerHostRequestsPerWindow)
		s.hostLimiters[host] = lim
	}
	return lim
}

// CanStart reports whether a new download may start now, given the
// current global active count and (if known) its host. A host check
// that passes consumes one token from that host's admission bucket.
func (s *Scheduler) CanStart(currentActive int, host string) AdmissionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots := s.cfg.MaxConcurrent - currentActive
	if slots <= 0 {
		return AdmissionResult{SlotsAvailable: 0, Reason: "global_concurrency_limit"}
	}

	if host != "" {
		if s.activeByHost[host] >= s.cfg.MaxConcurrentPerHost {
			return AdmissionResult{SlotsAvailable: slots, Reason: "host_concurrency_limit", HostLimit: true}
		}
		if !s.cfg.Turbo {
			if !s.limiterForHostLocked(host).Allow() {
				return AdmissionResult{SlotsAvailable: slots, Reason: "host_rate_limited", RateLimited: true}
			}
		}
	}

	return AdmissionResult{CanStart: true, SlotsAvailable: slots}
}

// SelectToStart sorts queue by effective priority (with optional SJF
// tie-breaking), then scans circularly from an advancing round-robin
// index, picking up to slotsAvailable candidates that pass admission.
// The round-robin index advances by the number of candidates scanned,
// not the number selected, so a congested host doesn't starve the tail
// of the queue across repeated calls.
func (s *Scheduler) SelectToStart(queue []Candidate, slotsAvailable, currentActive int) []Candidate {
	n := len(queue)
	if n == 0 || slotsAvailable <= 0 {
		return nil
	}

	sorted := make([]Candidate, n)
	copy(sorted, queue)

	s.mu.Lock()
	now := s.now()
	cfg := s.cfg
	startIdx := s.rrIndex % n
	s.mu.Unlock()

	sort.SliceStable(sorted, func(i, j int) bool { return s.less(sorted[i], sorted[j], now) })

	reserved := map[string]int{}
	var selected []Candidate
	active := currentActive
	scanned := 0

	for scanned < n && len(selected) < slotsAvailable {
		idx := (startIdx + scanned) % n
		c := sorted[idx]
		scanned++

		if active >= cfg.MaxConcurrent {
			break
		}

		if c.Host != "" {
			s.mu.Lock()
			hostActive := s.activeByHost[c.Host] + reserved[c.Host]
			s.mu.Unlock()
			if hostActive >= cfg.MaxConcurrentPerHost {
				continue
			}
			if !cfg.Turbo {
				s.mu.Lock()
				allowed := s.limiterForHostLocked(c.Host).Allow()
				s.mu.Unlock()
				if !allowed {
					continue
				}
			}
			reserved[c.Host]++
		}

		selected = append(selected, c)
		active++
	}

	s.mu.Lock()
	s.rrIndex += scanned
	s.mu.Unlock()

	return selected
}

// SetMaxConcurrent clamps n to [1,3] and applies it.
func (s *Scheduler) SetMaxConcurrent(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.MaxConcurrent = n
	s.cfg.Normalize()
}

// SetMaxConcurrentPerHost clamps n to [1, max-concurrent] and applies it.
func (s *Scheduler) SetMaxConcurrentPerHost(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.MaxConcurrentPerHost = n
	s.cfg.Normalize()
}

// RegisterDownload records an active download against its host.
// Idempotent per call is not guaranteed for duplicate registration of
// the same id; callers must pair exactly one RegisterDownload with one
// UnregisterDownload per active transport.
func (s *Scheduler) RegisterDownload(host string) {
	if host == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeByHost[host]++
}

// UnregisterDownload releases a previously registered host slot.
// Unregistering a host with no tracked active count is a safe no-op.
func (s *Scheduler) UnregisterDownload(host string) {
	if host == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeByHost[host] > 0 {
		s.activeByHost[host]--
	}
	if s.activeByHost[host] == 0 {
		delete(s.activeByHost, host)
	}
}

// ActiveForHost reports the currently registered active count for host.
func (s *Scheduler) ActiveForHost(host string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeByHost[host]
}
