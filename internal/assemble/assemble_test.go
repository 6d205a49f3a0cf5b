package assemble

import (
	"os"
	"path/filepath"
	"testing"
)

func writeChunk(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", name, err)
	}
	return path
}

func TestBufferPool_AcquireReleaseRoundTrip(t *testing.T) {
	p := NewBufferPool(64)
	buf := p.Acquire()
	if len(buf) != 64 {
		t.Fatalf("len(buf) = %d, want 64", len(buf))
	}
	p.Release(buf)
	buf2 := p.Acquire()
	if len(buf2) != 64 {
		t.Fatalf("len(buf2) = %d, want 64", len(buf2))
	}
}

func TestBatchAssemble_ConcatenatesInOrder(t *testing.T) {
	dir := t.TempDir()
	c0 := writeChunk(t, dir, ".chunk.0", []byte("hello "))
	c1 := writeChunk(t, dir, ".chunk.1", []byte("world"))

	finalPath := filepath.Join(t.TempDir(), "out.bin")
	staging := filepath.Join(dir, "out.bin.staging")

	a := New(NewBufferPool(4))
	if err := a.BatchAssemble([]string{c0, c1}, staging, finalPath, dir, 11, false); err != nil {
		t.Fatalf("BatchAssemble() error = %v", err)
	}

	got, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("ReadFile(final) error = %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("assembled = %q, want %q", got, "hello world")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("chunk directory still present after successful assemble")
	}
}

func TestBatchAssemble_SizeMismatchLeavesNoStagingFile(t *testing.T) {
	dir := t.TempDir()
	c0 := writeChunk(t, dir, ".chunk.0", []byte("short"))

	finalPath := filepath.Join(t.TempDir(), "out.bin")
	staging := filepath.Join(dir, "out.bin.staging")

	a := New(NewBufferPool(4))
	err := a.BatchAssemble([]string{c0}, staging, finalPath, dir, 999, false)
	if err == nil {
		t.Fatal("expected an error for a size mismatch")
	}
	if _, statErr := os.Stat(staging); !os.IsNotExist(statErr) {
		t.Error("staging file was not cleaned up after failure")
	}
}

func TestIncrementalMerge_OutOfOrderCompletion(t *testing.T) {
	dir := t.TempDir()
	c0 := writeChunk(t, dir, ".chunk.0", []byte("AAAAA"))
	c1 := writeChunk(t, dir, ".chunk.1", []byte("BBBBB"))

	finalPath := filepath.Join(t.TempDir(), "merged.bin")
	staging := filepath.Join(dir, "merged.bin.staging")

	a := New(NewBufferPool(4))
	session, err := a.StartIncrementalMerge(finalPath, staging, dir, 10, 2)
	if err != nil {
		t.Fatalf("StartIncrementalMerge() error = %v", err)
	}

	complete, err := session.AppendChunk(1, c1, 5)
	if err != nil {
		t.Fatalf("AppendChunk(1) error = %v", err)
	}
	if complete {
		t.Fatal("session reports complete before chunk 0 arrived")
	}

	complete, err = session.AppendChunk(0, c0, 5)
	if err != nil {
		t.Fatalf("AppendChunk(0) error = %v", err)
	}
	if !complete {
		t.Fatal("session should be complete once both chunks have arrived")
	}

	if err := session.Finalize([]string{c0, c1}, false); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	got, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("ReadFile(final) error = %v", err)
	}
	if string(got) != "AAAAABBBBB" {
		t.Errorf("merged = %q, want %q (strict index order regardless of arrival order)", got, "AAAAABBBBB")
	}
}

func TestIncrementalMerge_FinalizeIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	c0 := writeChunk(t, dir, ".chunk.0", []byte("X"))

	finalPath := filepath.Join(t.TempDir(), "one.bin")
	staging := filepath.Join(dir, "one.bin.staging")

	a := New(NewBufferPool(4))
	session, _ := a.StartIncrementalMerge(finalPath, staging, dir, 1, 1)
	session.AppendChunk(0, c0, 1)

	if err := session.Finalize([]string{c0}, false); err != nil {
		t.Fatalf("first Finalize() error = %v", err)
	}
	if err := session.Finalize([]string{c0}, false); err != nil {
		t.Fatalf("second Finalize() should be a no-op, got error = %v", err)
	}
}

func TestIncrementalMerge_AppendAfterFinalizeIsNoOp(t *testing.T) {
	dir := t.TempDir()
	c0 := writeChunk(t, dir, ".chunk.0", []byte("X"))

	finalPath := filepath.Join(t.TempDir(), "two.bin")
	staging := filepath.Join(dir, "two.bin.staging")

	a := New(NewBufferPool(4))
	session, _ := a.StartIncrementalMerge(finalPath, staging, dir, 1, 1)
	session.AppendChunk(0, c0, 1)
	session.Finalize([]string{c0}, false)

	complete, err := session.AppendChunk(0, c0, 1)
	if err != nil {
		t.Fatalf("AppendChunk after Finalize error = %v", err)
	}
	if complete {
		t.Error("AppendChunk after Finalize reported complete=true, want false")
	}
}
