package breaker

import (
	"errors"
	"testing"
	"time"
)

func TestAllow_ClosedByDefault(t *testing.T) {
	b := New(3, time.Second)
	if err := b.Allow("h.example"); err != nil {
		t.Fatalf("Allow() on a fresh host = %v, want nil", err)
	}
}

func TestFailure_OpensAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)
	b.Failure("h.example")
	b.Failure("h.example")
	if b.StateFor("h.example") != StateClosed {
		t.Fatal("expected breaker to remain closed below threshold")
	}
	b.Failure("h.example")
	if b.StateFor("h.example") != StateOpen {
		t.Fatal("expected breaker to open at threshold")
	}
	if err := b.Allow("h.example"); !errors.Is(err, ErrOpen) {
		t.Fatalf("Allow() on open breaker = %v, want ErrOpen", err)
	}
}

func TestSuccess_ResetsFailCount(t *testing.T) {
	b := New(3, time.Minute)
	b.Failure("h.example")
	b.Failure("h.example")
	b.Success("h.example")
	b.Failure("h.example")
	b.Failure("h.example")
	if b.StateFor("h.example") != StateClosed {
		t.Fatal("expected breaker to stay closed: a success should reset the consecutive count")
	}
}

func TestAllow_TransitionsToHalfOpenAfterCooldown(t *testing.T) {
	now := time.Unix(1000, 0)
	b := New(1, 10*time.Second)
	b.now = func() time.Time { return now }

	b.Failure("h.example")
	if b.StateFor("h.example") != StateOpen {
		t.Fatal("expected breaker to open on first failure at threshold 1")
	}

	now = now.Add(5 * time.Second)
	if err := b.Allow("h.example"); !errors.Is(err, ErrOpen) {
		t.Fatalf("Allow() before cooldown elapsed = %v, want ErrOpen", err)
	}

	now = now.Add(10 * time.Second)
	if err := b.Allow("h.example"); err != nil {
		t.Fatalf("Allow() after cooldown (probe) = %v, want nil", err)
	}
	if b.StateFor("h.example") != StateHalfOpen {
		t.Fatal("expected breaker to be half-open after the cooldown probe is admitted")
	}

	if err := b.Allow("h.example"); !errors.Is(err, ErrOpen) {
		t.Fatalf("Allow() for a second concurrent probe = %v, want ErrOpen (only one probe at a time)", err)
	}
}

func TestFailure_DuringHalfOpenReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	b := New(1, 10*time.Second)
	b.now = func() time.Time { return now }

	b.Failure("h.example")
	now = now.Add(11 * time.Second)
	b.Allow("h.example") // admits the probe, transitions to half-open

	b.Failure("h.example")
	if b.StateFor("h.example") != StateOpen {
		t.Fatal("expected a failed probe to reopen the breaker")
	}
}

func TestSuccess_DuringHalfOpenCloses(t *testing.T) {
	now := time.Unix(1000, 0)
	b := New(1, 10*time.Second)
	b.now = func() time.Time { return now }

	b.Failure("h.example")
	now = now.Add(11 * time.Second)
	b.Allow("h.example")

	b.Success("h.example")
	if b.StateFor("h.example") != StateClosed {
		t.Fatal("expected a successful probe to close the breaker")
	}
}
