// Package ratelimit provides token-bucket bandwidth shaping for
// transfer reads, optionally scoped per host (spec.md §6 bandwidth
// config: global_limit, per_host_limit, host_limits).
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter controls bandwidth usage with a token bucket refilled
// continuously at bytesPerSecond, bursting up to one second's worth.
// A nil *Limiter (or one built with a non-positive rate) never blocks.
type Limiter struct {
	mu             sync.Mutex
	bytesPerSecond int64
	tokens         int64
	maxTokens      int64
	lastUpdate     time.Time
}

// New builds a Limiter capped at bytesPerSecond. bytesPerSecond <= 0
// means unlimited; callers may pass the result straight to Acquire.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	return &Limiter{
		bytesPerSecond: bytesPerSecond,
		tokens:         bytesPerSecond,
		maxTokens:      bytesPerSecond,
		lastUpdate:     time.Now(),
	}
}

// Acquire blocks until n bytes may be spent, or ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context, n int64) error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(l.lastUpdate)
	l.lastUpdate = now

	l.tokens += int64(elapsed.Seconds() * float64(l.bytesPerSecond))
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}

	if l.tokens >= n {
		l.tokens -= n
		l.mu.Unlock()
		return nil
	}

	needed := n - l.tokens
	wait := time.Duration(float64(needed) / float64(l.bytesPerSecond) * float64(time.Second))
	l.tokens = 0
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// SetLimit changes the bucket's rate and cap in place.
func (l *Limiter) SetLimit(bytesPerSecond int64) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bytesPerSecond = bytesPerSecond
	l.maxTokens = bytesPerSecond
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}
}

// PerHostLimiter holds an optional default Limiter plus host-specific
// overrides, handing each distinct host its own independent bucket.
type PerHostLimiter struct {
	mu         sync.Mutex
	defaultBPS int64
	hostBPS    map[string]int64
	limiters   map[string]*Limiter
}

// NewPerHost builds a PerHostLimiter. defaultBPS applies to any host
// without a specific entry in hostBPS; either may be zero/nil.
func NewPerHost(defaultBPS int64, hostBPS map[string]int64) *PerHostLimiter {
	if hostBPS == nil {
		hostBPS = map[string]int64{}
	}
	return &PerHostLimiter{
		defaultBPS: defaultBPS,
		hostBPS:    hostBPS,
		limiters:   make(map[string]*Limiter),
	}
}

// For returns the Limiter for host, creating it on first use. A
// *PerHostLimiter that is nil is valid and always returns nil.
func (p *PerHostLimiter) For(host string) *Limiter {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if lim, ok := p.limiters[host]; ok {
		return lim
	}
	bps := p.defaultBPS
	if hostSpecific, ok := p.hostBPS[host]; ok {
		bps = hostSpecific
	}
	lim := New(bps)
	p.limiters[host] = lim
	return lim
}
