package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestEmitStateChanged_CoalescesBurstIntoOneEvent(t *testing.T) {
	b := New(20 * time.Millisecond)

	var mu sync.Mutex
	var versions []uint64
	done := make(chan struct{})
	b.Subscribe(func(ev Event) {
		if ev.Kind != KindStateChanged {
			return
		}
		mu.Lock()
		versions = append(versions, ev.Version)
		mu.Unlock()
		close(done)
	})

	b.EmitStateChanged(1)
	b.EmitStateChanged(2)
	b.EmitStateChanged(3)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for debounced state_changed event")
	}

	time.Sleep(30 * time.Millisecond) // ensure no second flush sneaks in
	mu.Lock()
	defer mu.Unlock()
	if len(versions) != 1 {
		t.Fatalf("got %d state_changed events, want 1 (coalesced)", len(versions))
	}
	if versions[0] != 3 {
		t.Errorf("coalesced version = %d, want 3 (the latest)", versions[0])
	}
}

func TestEmitDownloadProgress_DispatchesImmediately(t *testing.T) {
	b := New(time.Hour) // debounce shouldn't affect non-state_changed events
	received := make(chan Event, 1)
	b.Subscribe(func(ev Event) { received <- ev })

	b.EmitDownloadProgress(42, 100, 200, 1.5)

	select {
	case ev := <-received:
		if ev.Kind != KindDownloadProgress || ev.DownloadID != 42 || ev.Downloaded != 100 || ev.Total != 200 {
			t.Errorf("event = %+v, unexpected fields", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected immediate dispatch")
	}
}

func TestEmitDownloadFailed_CarriesFailedDuringMergeFlag(t *testing.T) {
	b := New(time.Millisecond)
	received := make(chan Event, 1)
	b.Subscribe(func(ev Event) { received <- ev })

	b.EmitDownloadFailed(7, true)
	ev := <-received
	if !ev.FailedDuringMerge {
		t.Error("expected FailedDuringMerge to be true")
	}
}

func TestMultipleSubscribers_AllReceiveEvent(t *testing.T) {
	b := New(time.Millisecond)
	var count int32
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		b.Subscribe(func(ev Event) {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}

	b.EmitMergeStarted(1)
	mu.Lock()
	defer mu.Unlock()
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestStop_CancelsPendingDebounceTimer(t *testing.T) {
	b := New(20 * time.Millisecond)
	fired := false
	b.Subscribe(func(ev Event) {
		if ev.Kind == KindStateChanged {
			fired = true
		}
	})

	b.EmitStateChanged(1)
	b.Stop()
	time.Sleep(40 * time.Millisecond)

	if fired {
		t.Error("expected Stop to cancel the pending debounce flush")
	}
}
