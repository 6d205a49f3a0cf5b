package hooks

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dlforge/engine/internal/eventbus"
	"github.com/dlforge/engine/internal/store"
)

func newBindTestStore(t *testing.T) *store.StateStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestManager_Bind_DispatchesOnCompletion(t *testing.T) {
	st := newBindTestStore(t)
	dl, err := st.AddDownload(store.AddDownloadInput{URL: "https://example.com/file.zip", SavePath: "/tmp/file.zip", Host: "example.com"})
	if err != nil {
		t.Fatalf("AddDownload: %v", err)
	}

	var received *Payload
	done := make(chan struct{})

	manager := NewManager()
	manager.Add(hookFunc{fn: func(p *Payload) { received = p; close(done) }})

	bus := eventbus.New(time.Millisecond)
	manager.Bind(bus, st)

	bus.EmitDownloadCompleted(dl.ID)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hook was not invoked")
	}

	if received == nil {
		t.Fatal("payload not captured")
	}
	if received.Event != EventComplete {
		t.Errorf("Event = %s, want complete", received.Event)
	}
	if received.URL != dl.URL {
		t.Errorf("URL = %s, want %s", received.URL, dl.URL)
	}
}

func TestManager_Bind_IgnoresUnrelatedEvents(t *testing.T) {
	st := newBindTestStore(t)
	called := false

	manager := NewManager()
	manager.Add(hookFunc{fn: func(p *Payload) { called = true }})

	bus := eventbus.New(time.Millisecond)
	manager.Bind(bus, st)

	bus.EmitChunkCompleted(1, 0)

	time.Sleep(20 * time.Millisecond)
	if called {
		t.Error("hook should not fire for chunk_completed events")
	}
}

// hookFunc adapts a plain func into the Hook interface for tests.
type hookFunc struct {
	fn func(*Payload)
}

func (h hookFunc) Name() string { return "test" }

func (h hookFunc) Execute(ctx context.Context, payload *Payload) error {
	h.fn(payload)
	return nil
}
