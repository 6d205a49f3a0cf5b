package transfer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dlforge/engine/internal/breaker"
	"github.com/dlforge/engine/internal/eventbus"
	"github.com/dlforge/engine/internal/metrics"
	"github.com/dlforge/engine/internal/model"
	"github.com/dlforge/engine/internal/speed"
	"github.com/dlforge/engine/internal/store"
)

func newTestStore(t *testing.T) *store.StateStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func fastSimpleConfig() SimpleConfig {
	cfg := DefaultSimpleConfig()
	cfg.ProgressUpdateInterval = 10 * time.Millisecond
	cfg.StateSaveInterval = 10 * time.Millisecond
	cfg.IdleCheckInterval = 10 * time.Millisecond
	cfg.IdleTimeout = time.Second
	return cfg
}

func newTestSimpleDownloader(t *testing.T, st *store.StateStore) *SimpleDownloader {
	t.Helper()
	return NewSimpleDownloader(fastSimpleConfig(), st, breaker.New(5, time.Minute), speed.New(0.3, 50*time.Millisecond), metrics.New(), eventbus.New(time.Millisecond), nil)
}

func TestSimpleDownloader_CompletesFreshDownload(t *testing.T) {
	st := newTestStore(t)
	data := bytes.Repeat([]byte("a"), 5000)
	adapter := newFakeAdapter(data)

	dir := t.TempDir()
	savePath := filepath.Join(dir, "out.bin")

	dl, err := st.AddDownload(store.AddDownloadInput{URL: "http://x/test", SavePath: savePath, Host: "x"})
	if err != nil {
		t.Fatalf("AddDownload: %v", err)
	}
	dl.TotalBytes = int64(len(data))
	st.TransitionState(dl.ID, model.StateDownloading, model.StateQueued)

	d := newTestSimpleDownloader(t, st)
	if err := d.Run(context.Background(), adapter, dl); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := os.ReadFile(savePath)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("output mismatch: got %d bytes, want %d", len(got), len(data))
	}

	final, _ := st.GetDownload(dl.ID)
	if final.State != model.StateCompleted {
		t.Errorf("final state = %s, want completed", final.State)
	}
}

func TestSimpleDownloader_ResumesFromExistingPartFile(t *testing.T) {
	st := newTestStore(t)
	data := bytes.Repeat([]byte("b"), 8000)
	adapter := newFakeAdapter(data)

	dir := t.TempDir()
	savePath := filepath.Join(dir, "out.bin")
	partPath := savePath + ".part"

	// Pre-seed 3000 bytes already on disk, matching the source's prefix.
	if err := os.WriteFile(partPath, data[:3000], 0644); err != nil {
		t.Fatalf("seeding part file: %v", err)
	}

	dl, err := st.AddDownload(store.AddDownloadInput{URL: "http://x/test", SavePath: savePath, Host: "x"})
	if err != nil {
		t.Fatalf("AddDownload: %v", err)
	}
	dl.TotalBytes = int64(len(data))
	st.TransitionState(dl.ID, model.StateDownloading, model.StateQueued)

	d := newTestSimpleDownloader(t, st)
	if err := d.Run(context.Background(), adapter, dl); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := os.ReadFile(savePath)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("resumed output mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestSimpleDownloader_PermanentErrorFailsDownload(t *testing.T) {
	st := newTestStore(t)
	adapter := newFakeAdapter(bytes.Repeat([]byte("c"), 100))
	adapter.failNext = &HTTPStatusError{StatusCode: 404}

	dir := t.TempDir()
	savePath := filepath.Join(dir, "out.bin")

	dl, err := st.AddDownload(store.AddDownloadInput{URL: "http://x/test", SavePath: savePath, Host: "x"})
	if err != nil {
		t.Fatalf("AddDownload: %v", err)
	}
	dl.TotalBytes = 100
	st.TransitionState(dl.ID, model.StateDownloading, model.StateQueued)

	d := newTestSimpleDownloader(t, st)
	if err := d.Run(context.Background(), adapter, dl); err == nil {
		t.Fatal("expected error for 404 response")
	}

	final, _ := st.GetDownload(dl.ID)
	if final.State != model.StateFailed {
		t.Errorf("final state = %s, want failed", final.State)
	}
}

func TestSimpleDownloader_TransientErrorRequeuesAndSavesTailCheckpoint(t *testing.T) {
	st := newTestStore(t)
	data := bytes.Repeat([]byte("e"), 200)
	adapter := newFakeAdapter(data)

	dir := t.TempDir()
	savePath := filepath.Join(dir, "out.bin")
	partPath := savePath + ".part"
	if err := os.WriteFile(partPath, data[:50], 0644); err != nil {
		t.Fatalf("seeding part file: %v", err)
	}

	dl, err := st.AddDownload(store.AddDownloadInput{URL: "http://x/test", SavePath: savePath, Host: "x"})
	if err != nil {
		t.Fatalf("AddDownload: %v", err)
	}
	dl.TotalBytes = int64(len(data))
	st.TransitionState(dl.ID, model.StateDownloading, model.StateQueued)

	adapter.failNext = &HTTPStatusError{StatusCode: 503, RetryAfter: "0"}

	d := newTestSimpleDownloader(t, st)
	if err := d.Run(context.Background(), adapter, dl); err != nil {
		t.Fatalf("Run returned error, want nil (requeue): %v", err)
	}

	final, _ := st.GetDownload(dl.ID)
	if final.State != model.StateQueued {
		t.Errorf("final state = %s, want queued", final.State)
	}
	if final.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", final.RetryCount)
	}
	if final.PartialTailHash == "" {
		t.Errorf("expected a tail checkpoint hash to be persisted")
	}
	if final.PartialTailSize != 50 {
		t.Errorf("tail checkpoint size = %d, want 50", final.PartialTailSize)
	}

	if _, err := os.Stat(partPath); err != nil {
		t.Errorf(".part file should survive a transient retry: %v", err)
	}
}

func TestSimpleDownloader_RangeRestartErrorRequeues(t *testing.T) {
	st := newTestStore(t)
	data := bytes.Repeat([]byte("d"), 200)
	adapter := newFakeAdapter(data)

	dir := t.TempDir()
	savePath := filepath.Join(dir, "out.bin")
	partPath := savePath + ".part"
	if err := os.WriteFile(partPath, data[:50], 0644); err != nil {
		t.Fatalf("seeding part file: %v", err)
	}

	dl, err := st.AddDownload(store.AddDownloadInput{URL: "http://x/test", SavePath: savePath, Host: "x"})
	if err != nil {
		t.Fatalf("AddDownload: %v", err)
	}
	dl.TotalBytes = int64(len(data))
	st.TransitionState(dl.ID, model.StateDownloading, model.StateQueued)

	adapter.failNext = &HTTPStatusError{StatusCode: 416}

	d := newTestSimpleDownloader(t, st)
	if err := d.Run(context.Background(), adapter, dl); err != nil {
		t.Fatalf("Run returned error, want nil (requeue): %v", err)
	}

	if _, err := os.Stat(partPath); !os.IsNotExist(err) {
		t.Errorf(".part file should have been removed on restart, stat err = %v", err)
	}

	final, _ := st.GetDownload(dl.ID)
	if final.State != model.StateQueued {
		t.Errorf("final state = %s, want queued", final.State)
	}
}
