// Package breaker implements a per-host circuit breaker wrapping network
// operations: closed, open, and half-open states gated by a consecutive
// failure threshold and a cooldown timeout (spec.md §4.8).
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is one of the three breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrOpen is returned by Allow when the breaker is open and fast-failing.
var ErrOpen = errors.New("breaker: circuit open")

type hostBreaker struct {
	state       State
	failCount   int
	openedAt    time.Time
	halfOpenUsed bool
}

// Breaker tracks one circuit per host.
type Breaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration
	hosts     map[string]*hostBreaker

	now func() time.Time
}

// New constructs a Breaker that opens after threshold consecutive
// failures and probes again after cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		hosts:     make(map[string]*hostBreaker),
		now:       time.Now,
	}
}

func (b *Breaker) hostLocked(host string) *hostBreaker {
	hb, ok := b.hosts[host]
	if !ok {
		hb = &hostBreaker{state: StateClosed}
		b.hosts[host] = hb
	}
	return hb
}

// Allow reports whether an operation against host may proceed. It
// returns ErrOpen if the breaker is open and the cooldown hasn't
// elapsed. A call that returns nil while the breaker is half-open is a
// probe: its outcome must be reported via Success or Failure.
func (b *Breaker) Allow(host string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	hb := b.hostLocked(host)
	switch hb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(hb.openedAt) >= b.cooldown {
			hb.state = StateHalfOpen
			hb.halfOpenUsed = false
		} else {
			return ErrOpen
		}
		fallthrough
	case StateHalfOpen:
		if hb.halfOpenUsed {
			return ErrOpen
		}
		hb.halfOpenUsed = true
		return nil
	}
	return nil
}

// Success records a successful operation, closing the breaker and
// resetting its failure count.
func (b *Breaker) Success(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hb := b.hostLocked(host)
	hb.state = StateClosed
	hb.failCount = 0
	hb.halfOpenUsed = false
}

// Failure records a failed operation. In the closed state it increments
// the consecutive-failure count and opens the breaker once the
// threshold is reached. In the half-open state, a failed probe reopens
// the breaker immediately.
func (b *Breaker) Failure(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hb := b.hostLocked(host)

	switch hb.state {
	case StateHalfOpen:
		hb.state = StateOpen
		hb.openedAt = b.now()
		hb.halfOpenUsed = false
	default:
		hb.failCount++
		if hb.failCount >= b.threshold {
			hb.state = StateOpen
			hb.openedAt = b.now()
		}
	}
}

// StateFor returns the current state for a host (StateClosed if never
// seen).
func (b *Breaker) StateFor(host string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if hb, ok := b.hosts[host]; ok {
		return hb.state
	}
	return StateClosed
}
