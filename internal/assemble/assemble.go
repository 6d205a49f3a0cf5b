// Package assemble concatenates chunk files into a single final file,
// atomically, in either a one-shot batch pass or an incremental session
// fed as chunks complete (spec.md §4.4).
package assemble

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrInsufficientSpace is returned when the target filesystem does not
// have headroom for the assembled file.
var ErrInsufficientSpace = errors.New("assemble: insufficient disk space")

// spaceFactor is the disk-space headroom required before assembling,
// expressed as a multiple of the expected final size.
const spaceFactor = 1.10

// FileAssembler concatenates chunk files into a final file. A single
// instance's BufferPool is shared by every assemble call it makes.
type FileAssembler struct {
	pool *BufferPool
}

// New constructs a FileAssembler backed by the given buffer pool.
func New(pool *BufferPool) *FileAssembler {
	return &FileAssembler{pool: pool}
}

type readResult struct {
	buf []byte
	n   int
	err error
}

// BatchAssemble concatenates chunkPaths in order into stagingPath using
// double buffering (the next chunk's bytes are read into a second buffer
// while the prior buffer is still being written), validates the result,
// and renames staging to finalPath. On any failure the staging file is
// removed. On success the chunk files and chunkDir are deleted.
func (a *FileAssembler) BatchAssemble(chunkPaths []string, stagingPath, finalPath, chunkDir string, expectedSize int64, overwrite bool) error {
	ok, err := HasSpaceFor(filepath.Dir(stagingPath), expectedSize, spaceFactor)
	if err != nil {
		return fmt.Errorf("checking disk space: %w", err)
	}
	if !ok {
		return ErrInsufficientSpace
	}

	staging, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening staging file: %w", err)
	}

	abort := func(cause error) error {
		staging.Close()
		os.Remove(stagingPath)
		return cause
	}

	next := make(chan readResult, 1)
	go a.readAhead(chunkPaths, next)

	var written int64
	for r := range next {
		if r.err != nil {
			return abort(r.err)
		}
		if _, werr := staging.Write(r.buf[:r.n]); werr != nil {
			a.pool.Release(r.buf)
			return abort(fmt.Errorf("writing staging file: %w", werr))
		}
		written += int64(r.n)
		a.pool.Release(r.buf)
	}

	if expectedSize > 0 && written != expectedSize {
		return abort(fmt.Errorf("assembled %d bytes, expected %d", written, expectedSize))
	}
	if err := staging.Close(); err != nil {
		return abort(fmt.Errorf("closing staging file: %w", err))
	}

	if overwrite {
		os.Remove(finalPath)
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		os.Remove(stagingPath)
		return fmt.Errorf("creating final directory: %w", err)
	}
	if err := os.Rename(stagingPath, finalPath); err != nil {
		os.Remove(stagingPath)
		return fmt.Errorf("renaming staging to final: %w", err)
	}

	for _, p := range chunkPaths {
		os.Remove(p)
	}
	os.RemoveAll(chunkDir)
	return nil
}

// readAhead streams chunkPaths in order, handing each filled buffer to
// out. It acquires a fresh buffer from the pool for every read, so the
// consumer can be writing one while this goroutine fills the next.
func (a *FileAssembler) readAhead(chunkPaths []string, out chan<- readResult) {
	defer close(out)
	for _, path := range chunkPaths {
		f, err := os.Open(path)
		if err != nil {
			out <- readResult{err: fmt.Errorf("opening chunk %s: %w", path, err)}
			return
		}
		for {
			buf := a.pool.Acquire()
			n, rerr := f.Read(buf)
			if n > 0 {
				out <- readResult{buf: buf, n: n}
			} else {
				a.pool.Release(buf)
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				f.Close()
				out <- readResult{err: fmt.Errorf("reading chunk %s: %w", path, rerr)}
				return
			}
		}
		f.Close()
	}
}

type pendingChunk struct {
	path string
	size int64
}

// MergeSession is the incremental counterpart to BatchAssemble: chunks
// are appended to the staging file as they complete, in whatever order
// they arrive, and written out in strict index order.
type MergeSession struct {
	assembler *FileAssembler

	mu           sync.Mutex
	stagingPath  string
	finalPath    string
	chunkDir     string
	expectedSize int64
	chunkCount   int
	nextExpected int
	pending      map[int]pendingChunk
	staging      *os.File
	written      int64
	finalized    bool
}

// StartIncrementalMerge opens a fresh staging file for an incremental
// merge of chunkCount chunks into finalPath.
func (a *FileAssembler) StartIncrementalMerge(finalPath, stagingPath, chunkDir string, expectedSize int64, chunkCount int) (*MergeSession, error) {
	staging, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening staging file: %w", err)
	}
	return &MergeSession{
		assembler:    a,
		stagingPath:  stagingPath,
		finalPath:    finalPath,
		chunkDir:     chunkDir,
		expectedSize: expectedSize,
		chunkCount:   chunkCount,
		pending:      make(map[int]pendingChunk),
		staging:      staging,
	}, nil
}

// AppendChunk appends chunkPath's contents to the staging file if index
// is the next expected one, then drains any buffered out-of-order
// arrivals that are now contiguous. Otherwise it buffers the arrival.
// complete reports whether every chunk has now been appended.
// After Finalize has run, AppendChunk is a no-op and returns complete=false.
func (s *MergeSession) AppendChunk(index int, chunkPath string, chunkSize int64) (complete bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return false, nil
	}

	if index != s.nextExpected {
		s.pending[index] = pendingChunk{path: chunkPath, size: chunkSize}
		return false, nil
	}

	if err := s.appendFileLocked(chunkPath); err != nil {
		return false, err
	}
	s.nextExpected++

	for {
		p, ok := s.pending[s.nextExpected]
		if !ok {
			break
		}
		delete(s.pending, s.nextExpected)
		if err := s.appendFileLocked(p.path); err != nil {
			return false, err
		}
		s.nextExpected++
	}

	return s.nextExpected >= s.chunkCount, nil
}

func (s *MergeSession) appendFileLocked(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening chunk %s: %w", path, err)
	}
	defer f.Close()

	buf := s.assembler.pool.Acquire()
	defer s.assembler.pool.Release(buf)

	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := s.staging.Write(buf[:n]); werr != nil {
				return fmt.Errorf("appending to staging file: %w", werr)
			}
			s.written += int64(n)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("reading chunk %s: %w", path, rerr)
		}
	}
}

// Finalize closes the staging file, validates its size, optionally
// unlinks finalPath, renames staging to final, then deletes chunk files
// and the chunk directory. It is idempotent: a second call returns nil
// without doing anything.
func (s *MergeSession) Finalize(chunkPaths []string, forceOverwrite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return nil
	}
	s.finalized = true

	if err := s.staging.Close(); err != nil {
		return fmt.Errorf("closing staging file: %w", err)
	}
	if s.expectedSize > 0 && s.written != s.expectedSize {
		os.Remove(s.stagingPath)
		return fmt.Errorf("assembled %d bytes, expected %d", s.written, s.expectedSize)
	}

	if forceOverwrite {
		os.Remove(s.finalPath)
	}
	if err := os.MkdirAll(filepath.Dir(s.finalPath), 0755); err != nil {
		os.Remove(s.stagingPath)
		return fmt.Errorf("creating final directory: %w", err)
	}
	if err := os.Rename(s.stagingPath, s.finalPath); err != nil {
		os.Remove(s.stagingPath)
		return fmt.Errorf("renaming staging to final: %w", err)
	}

	for _, p := range chunkPaths {
		os.Remove(p)
	}
	os.RemoveAll(s.chunkDir)
	return nil
}
