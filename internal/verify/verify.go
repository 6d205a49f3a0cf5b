// Package verify validates assembled files and chunk files against an
// expected size and, optionally, an expected content hash (spec.md §4.3).
package verify

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// bufferSize is the fixed streaming buffer used while hashing, per §4.3.
const bufferSize = 8 * 1024 * 1024

// TailWindowBytes is the number of trailing bytes hashed into a resume
// checkpoint (spec.md §4.12 step 4, §4.13): small enough to be cheap to
// recompute, large enough that a truncated or corrupted tail is caught
// before a resume trusts it.
const TailWindowBytes = 64 * 1024

// hashThreshold is the size above which a hash is always computed even
// without an expected value, so later mismatches can still be diagnosed.
const hashThreshold = 1 * 1024 * 1024

// ErrSizeMismatch is returned when the on-disk size disagrees with the
// expected size.
var ErrSizeMismatch = errors.New("verify: size mismatch")

// ErrHashMismatch is returned when the computed hash disagrees with the
// expected hash.
var ErrHashMismatch = errors.New("verify: hash mismatch")

// ProgressFunc is invoked periodically during hashing with the number of
// bytes processed so far.
type ProgressFunc func(bytesHashed int64)

// Result carries the outcome of a verification pass.
type Result struct {
	SizeOK    bool
	HashOK    bool // true if no hash was expected and none required
	Computed  string
	Algorithm string
}

func newHasher(expectedHash string) (hash.Hash, string) {
	if strings.HasPrefix(expectedHash, "blake3:") {
		return blake3.New(), "blake3"
	}
	return sha256.New(), "sha256"
}

// VerifyFile checks path against expectedSize and, if non-empty,
// expectedHash (optionally prefixed "blake3:"; bare values are compared
// as sha256). A hash is also computed (but not compared) whenever the
// file is at least 1 MiB, so the caller can persist it for later reuse.
func VerifyFile(path string, expectedSize int64, expectedHash string, progress ProgressFunc) (Result, error) {
	return verify(path, expectedSize, expectedHash, progress)
}

// VerifyChunk mirrors VerifyFile at chunk granularity.
func VerifyChunk(path string, expectedSize int64, expectedHash string, progress ProgressFunc) (Result, error) {
	return verify(path, expectedSize, expectedHash, progress)
}

// TailChecksum hashes up to the last TailWindowBytes of path and returns
// the hex digest plus the window size actually read (less than
// TailWindowBytes for a short file). It is used to checkpoint a
// partially-downloaded file or chunk before a retry, so a later resume
// can detect that the on-disk tail no longer matches what was written.
func TailChecksum(path string) (string, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, fmt.Errorf("stat %s: %w", path, err)
	}

	window := info.Size()
	if window > TailWindowBytes {
		window = TailWindowBytes
	}
	if window == 0 {
		return "", 0, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("opening %s for tail checksum: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(info.Size()-window, io.SeekStart); err != nil {
		return "", 0, fmt.Errorf("seeking %s for tail checksum: %w", path, err)
	}

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", 0, fmt.Errorf("reading %s for tail checksum: %w", path, err)
	}

	return fmt.Sprintf("%x", hasher.Sum(nil)), window, nil
}

func verify(path string, expectedSize int64, expectedHash string, progress ProgressFunc) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if expectedSize > 0 && info.Size() != expectedSize {
		return Result{}, fmt.Errorf("%w: %s is %d bytes, want %d", ErrSizeMismatch, path, info.Size(), expectedSize)
	}

	result := Result{SizeOK: true, HashOK: true}

	needsHash := expectedHash != "" || info.Size() >= hashThreshold
	if !needsHash {
		return result, nil
	}

	hasher, algoName := newHasher(expectedHash)
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, bufferSize)
	var total int64
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			total += int64(n)
			if progress != nil {
				progress(total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return Result{}, fmt.Errorf("reading %s: %w", path, rerr)
		}
	}

	result.Algorithm = algoName
	result.Computed = fmt.Sprintf("%x", hasher.Sum(nil))

	if expectedHash == "" {
		return result, nil
	}

	want := strings.TrimPrefix(expectedHash, "blake3:")
	want = strings.TrimPrefix(want, "sha256:")
	if !strings.EqualFold(want, result.Computed) {
		result.HashOK = false
		return result, fmt.Errorf("%w: %s computed %s, want %s", ErrHashMismatch, path, result.Computed, want)
	}
	result.HashOK = true
	return result, nil
}
