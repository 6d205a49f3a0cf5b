package orchestrator

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dlforge/engine/internal/chunkfs"
	"github.com/dlforge/engine/internal/collab"
	"github.com/dlforge/engine/internal/config"
	"github.com/dlforge/engine/internal/eventbus"
	"github.com/dlforge/engine/internal/model"
	"github.com/dlforge/engine/internal/protocol"
	"github.com/dlforge/engine/internal/store"
)

// fakeAdapter serves a fixed payload for any URL, standing in for a
// real protocol.SourceAdapter.
type fakeAdapter struct {
	data []byte
}

func (a *fakeAdapter) Supports(u *url.URL) bool { return true }

func (a *fakeAdapter) Stat(ctx context.Context, rawURL string) (*protocol.Metadata, error) {
	return &protocol.Metadata{ContentLength: int64(len(a.data)), AcceptRanges: true}, nil
}

func (a *fakeAdapter) Open(ctx context.Context, rawURL string) (io.ReadCloser, *protocol.Metadata, error) {
	return io.NopCloser(bytes.NewReader(a.data)), &protocol.Metadata{ContentLength: int64(len(a.data)), AcceptRanges: true}, nil
}

func (a *fakeAdapter) OpenRange(ctx context.Context, rawURL string, start, end int64) (io.ReadCloser, error) {
	if start < 0 || end >= int64(len(a.data)) || start > end {
		return nil, io.EOF
	}
	return io.NopCloser(bytes.NewReader(a.data[start : end+1])), nil
}

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	baseDir := t.TempDir()

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cs := chunkfs.New(filepath.Join(baseDir, ".chunks"))
	reg := protocol.NewRegistry(&fakeAdapter{data: bytes.Repeat([]byte("x"), 1024)})

	cfg := config.DefaultConfig()
	cfg.Chunked.SizeThresholdBytes = 1 << 30 // force simple path for small fixtures

	e := New(Deps{
		Config:   cfg,
		Store:    st,
		Chunks:   cs,
		Registry: reg,
		Bus:      eventbus.New(0),
		Catalog:  collab.NewStaticCatalogProvider(nil),
		Resolver: collab.DefaultSavePathResolver{},
		BaseDir:  baseDir,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(e.Stop)

	return e, baseDir
}

func TestAddDownload_QueuesByDefault(t *testing.T) {
	e, _ := newTestEngine(t)

	dl, err := e.AddDownload(store.AddDownloadInput{Title: "a.bin", URL: "https://host.example/a.bin"})
	if err != nil {
		t.Fatalf("AddDownload() error = %v", err)
	}
	if dl.State != model.StateQueued {
		t.Errorf("State = %q, want %q", dl.State, model.StateQueued)
	}
}

func TestAddDownload_RequiresURL(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.AddDownload(store.AddDownloadInput{Title: "a.bin"}); err == nil {
		t.Fatal("AddDownload() with empty URL, want error")
	}
}

func TestAddDownload_ExistingFileParksForConfirmation(t *testing.T) {
	e, baseDir := newTestEngine(t)

	existing := filepath.Join(baseDir, "taken.bin")
	if err := os.WriteFile(existing, []byte("already here"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	dl, err := e.AddDownload(store.AddDownloadInput{
		Title:    "taken.bin",
		URL:      "https://host.example/taken.bin",
		SavePath: existing,
	})
	if err != nil {
		t.Fatalf("AddDownload() error = %v", err)
	}
	if dl.State != model.StatePaused {
		t.Errorf("State = %q, want %q (awaiting confirmation)", dl.State, model.StatePaused)
	}
}

func TestAddDownloadFromCatalog_ResolvesViaProvider(t *testing.T) {
	e, _ := newTestEngine(t)

	catalog := collab.NewStaticCatalogProvider(map[string]collab.CatalogItem{
		"item-1": {URL: "https://host.example/catalog/file.bin", Title: "file.bin"},
	})
	e.catalog = catalog

	dl, err := e.AddDownloadFromCatalog("item-1", store.AddDownloadInput{})
	if err != nil {
		t.Fatalf("AddDownloadFromCatalog() error = %v", err)
	}
	if dl.URL != "https://host.example/catalog/file.bin" {
		t.Errorf("URL = %q, want the catalog item's URL", dl.URL)
	}
}

func TestAddDownloadFromCatalog_UnknownItem(t *testing.T) {
	e, _ := newTestEngine(t)
	e.catalog = collab.NewStaticCatalogProvider(nil)

	if _, err := e.AddDownloadFromCatalog("missing", store.AddDownloadInput{}); err == nil {
		t.Fatal("AddDownloadFromCatalog() with unknown id, want error")
	}
}

func TestAddDownloadFromCatalog_NoProviderConfigured(t *testing.T) {
	e, _ := newTestEngine(t)
	e.catalog = nil

	if _, err := e.AddDownloadFromCatalog("item-1", store.AddDownloadInput{}); err == nil {
		t.Fatal("AddDownloadFromCatalog() with no provider, want error")
	}
}

func TestProcessQueue_StartsQueuedDownload(t *testing.T) {
	e, _ := newTestEngine(t)

	dl, err := e.AddDownload(store.AddDownloadInput{Title: "b.bin", URL: "https://host.example/b.bin"})
	if err != nil {
		t.Fatalf("AddDownload() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, ok := e.store.GetDownload(dl.ID)
		if ok && got.State != model.StateQueued {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("download never left the queued state")
}

func TestPauseDownload_RejectsTerminalState(t *testing.T) {
	e, _ := newTestEngine(t)
	dl, _ := e.AddDownload(store.AddDownloadInput{Title: "c.bin", URL: "https://host.example/c.bin"})

	e.store.TransitionState(dl.ID, model.StateStarting, model.StateQueued)
	e.store.TransitionState(dl.ID, model.StateDownloading, model.StateStarting)
	e.store.TransitionState(dl.ID, model.StateMerging, model.StateDownloading)
	e.store.TransitionState(dl.ID, model.StateVerifying, model.StateMerging)
	e.store.TransitionState(dl.ID, model.StateCompleted, model.StateVerifying)

	if err := e.PauseDownload(dl.ID); err == nil {
		t.Fatal("PauseDownload() on completed download, want error")
	}
}

func TestPauseResumeDownload_RoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	dl, _ := e.AddDownload(store.AddDownloadInput{Title: "d.bin", URL: "https://host.example/d.bin"})

	if err := e.PauseDownload(dl.ID); err != nil {
		t.Fatalf("PauseDownload() error = %v", err)
	}
	got, _ := e.store.GetDownload(dl.ID)
	if got.State != model.StatePaused {
		t.Fatalf("State after pause = %q, want %q", got.State, model.StatePaused)
	}

	if err := e.ResumeDownload(dl.ID); err != nil {
		t.Fatalf("ResumeDownload() error = %v", err)
	}
	got, _ = e.store.GetDownload(dl.ID)
	if got.State != model.StateQueued {
		t.Fatalf("State after resume = %q, want %q", got.State, model.StateQueued)
	}
}

func TestCancelDownload_AlreadyCancelledIsNoop(t *testing.T) {
	e, _ := newTestEngine(t)
	dl, _ := e.AddDownload(store.AddDownloadInput{Title: "e.bin", URL: "https://host.example/e.bin"})

	if err := e.CancelDownload(dl.ID); err != nil {
		t.Fatalf("CancelDownload() error = %v", err)
	}
	if err := e.CancelDownload(dl.ID); err != nil {
		t.Fatalf("second CancelDownload() error = %v, want nil (no-op)", err)
	}
}

func TestConfirmOverwrite_RequeuesWithForceOverwrite(t *testing.T) {
	e, baseDir := newTestEngine(t)

	existing := filepath.Join(baseDir, "dup.bin")
	if err := os.WriteFile(existing, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	dl, err := e.AddDownload(store.AddDownloadInput{Title: "dup.bin", URL: "https://host.example/dup.bin", SavePath: existing})
	if err != nil {
		t.Fatalf("AddDownload() error = %v", err)
	}
	if dl.State != model.StatePaused {
		t.Fatalf("State = %q, want %q", dl.State, model.StatePaused)
	}

	if err := e.ConfirmOverwrite(dl.ID); err != nil {
		t.Fatalf("ConfirmOverwrite() error = %v", err)
	}
	got, _ := e.store.GetDownload(dl.ID)
	if got.State != model.StateQueued {
		t.Errorf("State after confirm = %q, want %q", got.State, model.StateQueued)
	}
	if !got.ForceOverwrite {
		t.Error("ForceOverwrite = false, want true after confirmation")
	}
}

func TestGetSnapshot_ReflectsAddedDownloads(t *testing.T) {
	e, _ := newTestEngine(t)
	e.AddDownload(store.AddDownloadInput{Title: "f.bin", URL: "https://host.example/f.bin"})

	snap := e.GetSnapshot(0)
	if len(snap.Downloads) != 1 {
		t.Fatalf("len(Downloads) = %d, want 1", len(snap.Downloads))
	}
}

func TestGetDownloadDebug_UnknownID(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.GetDownloadDebug(999); err == nil {
		t.Fatal("GetDownloadDebug() with unknown id, want error")
	}
}

func TestSetDownloadConfigOverrides_AppliesPriority(t *testing.T) {
	e, _ := newTestEngine(t)
	dl, _ := e.AddDownload(store.AddDownloadInput{Title: "g.bin", URL: "https://host.example/g.bin"})

	high := model.PriorityHigh
	if err := e.SetDownloadConfigOverrides(dl.ID, DownloadConfigOverrides{Priority: &high}); err != nil {
		t.Fatalf("SetDownloadConfigOverrides() error = %v", err)
	}
	got, _ := e.store.GetDownload(dl.ID)
	if got.Priority != model.PriorityHigh {
		t.Errorf("Priority = %v, want %v", got.Priority, model.PriorityHigh)
	}
}

func TestUpdateAdaptiveConcurrencyMax_ClampsCurrent(t *testing.T) {
	e, _ := newTestEngine(t)
	e.UpdateAdaptiveConcurrencyMax(1, 1)

	global, perHost := e.adaptive.Current()
	if global > 1 || perHost > 1 {
		t.Errorf("Current() = (%d, %d), want both <= 1 after lowering the ceiling", global, perHost)
	}
}
