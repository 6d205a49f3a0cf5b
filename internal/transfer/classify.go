package transfer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dlforge/engine/internal/protocol"
)

// Classification is the outcome of inspecting a transfer error.
type Classification int

const (
	// ClassifyPermanent means the error should fail the download/chunk
	// outright, with no further retry.
	ClassifyPermanent Classification = iota
	// ClassifyTransient means the caller should back off and retry.
	ClassifyTransient
	// ClassifyRestart means the server rejected the resume point
	// (416); the caller should restart from byte zero.
	ClassifyRestart
)

// HTTPStatusError is an alias for protocol.HTTPStatusError so callers in
// this package (and its tests) can keep constructing and matching it
// without importing protocol directly.
type HTTPStatusError = protocol.HTTPStatusError

// Classify inspects err (and, for an HTTPStatusError, the status
// code) and decides how the caller should proceed.
func Classify(err error) Classification {
	if err == nil {
		return ClassifyPermanent
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusRequestedRangeNotSatisfiable:
			return ClassifyRestart
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return ClassifyTransient
		default:
			return ClassifyPermanent
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassifyPermanent
	}

	if isNetworkError(err) {
		return ClassifyTransient
	}
	return ClassifyPermanent
}

func isNetworkError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// RetryAfterDelay parses a Retry-After header value (seconds or an
// HTTP-date) and returns how long to wait. def is used when the
// header is empty or unparseable.
func RetryAfterDelay(header string, def time.Duration) time.Duration {
	if header == "" {
		return def
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return def
		}
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return def
}

// DefaultRetryAfter429 and DefaultRetryAfter503 are the spec's
// fallback delays when a Retry-After header is absent or malformed.
const (
	DefaultRetryAfter429 = 60 * time.Second
	DefaultRetryAfter503 = 30 * time.Second
)

// defaultRetryAfterForStatus picks the spec's fallback delay for a
// given status code, used when the server's Retry-After header is
// absent or unparseable.
func defaultRetryAfterForStatus(statusCode int) time.Duration {
	switch statusCode {
	case http.StatusServiceUnavailable:
		return DefaultRetryAfter503
	default:
		return DefaultRetryAfter429
	}
}
