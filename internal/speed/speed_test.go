package speed

import (
	"testing"
	"time"
)

func TestUpdate_FirstCallSeedsWithoutSpeed(t *testing.T) {
	tr := New(0.3, 0)
	now := time.Unix(1000, 0)
	tr.now = func() time.Time { return now }

	r := tr.Update(1, 0, 1000)
	if r.SpeedBPS != 0 {
		t.Errorf("SpeedBPS on first observation = %v, want 0", r.SpeedBPS)
	}
}

func TestUpdate_ComputesSpeedAfterMinInterval(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := New(0.3, 100*time.Millisecond)
	tr.now = func() time.Time { return now }

	tr.Update(1, 0, 1000)
	now = now.Add(1 * time.Second)
	r := tr.Update(1, 100, 1000)
	if r.SpeedBPS != 100 {
		t.Errorf("SpeedBPS = %v, want 100", r.SpeedBPS)
	}
	if !r.HasETA {
		t.Fatal("expected an ETA once speed and remaining bytes are known")
	}
}

func TestUpdate_SubMinIntervalDoesNotAdvanceEMA(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := New(0.3, time.Second)
	tr.now = func() time.Time { return now }

	tr.Update(1, 0, 1000)
	now = now.Add(1 * time.Second)
	tr.Update(1, 100, 1000) // seeds emaSpeed = 100

	now = now.Add(10 * time.Millisecond) // below minInterval
	r := tr.Update(1, 999, 1000)
	if r.SpeedBPS != 100 {
		t.Errorf("SpeedBPS during sub-interval update = %v, want unchanged 100", r.SpeedBPS)
	}
}

func TestEnsureTracking_ReseedsSessionBaseline(t *testing.T) {
	now := time.Unix(2000, 0)
	tr := New(0.3, 100*time.Millisecond)
	tr.now = func() time.Time { return now }

	tr.EnsureTracking(1, now, 500_000) // resuming with 500KB already on disk

	now = now.Add(1 * time.Second)
	r := tr.Update(1, 500_100, 1_000_000) // only 100 bytes transferred this session
	if r.SpeedBPS != 100 {
		t.Errorf("SpeedBPS after resume = %v, want 100 (delta from resume baseline, not lifetime total)", r.SpeedBPS)
	}
}

func TestUpdate_NoETAWhenTotalUnknown(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := New(0.3, 100*time.Millisecond)
	tr.now = func() time.Time { return now }

	tr.Update(1, 0, 0)
	now = now.Add(1 * time.Second)
	r := tr.Update(1, 100, 0)
	if r.HasETA {
		t.Error("expected no ETA when total bytes is unknown (0)")
	}
}

func TestForget_RemovesState(t *testing.T) {
	tr := New(0.3, 0)
	tr.Update(1, 0, 100)
	tr.Forget(1)
	if _, ok := tr.states[1]; ok {
		t.Error("expected Forget to remove the tracker state")
	}
}
