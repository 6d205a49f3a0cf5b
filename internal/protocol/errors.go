package protocol

import (
	"net/http"
	"strconv"
)

// HTTPStatusError carries a response status code (and any Retry-After
// header) through the error chain, so transfer.Classify can tell a
// rate-limited or rejected-range response apart from a plain transport
// failure without re-parsing the response itself.
type HTTPStatusError struct {
	StatusCode int
	RetryAfter string
}

func (e *HTTPStatusError) Error() string {
	return "protocol: unexpected HTTP status " + strconv.Itoa(e.StatusCode)
}

// statusError builds an *HTTPStatusError from a response whose status
// code the caller has already decided is not acceptable, capturing
// Retry-After for the 429/503 cases the caller cares about.
func statusError(resp *http.Response) error {
	return &HTTPStatusError{
		StatusCode: resp.StatusCode,
		RetryAfter: resp.Header.Get("Retry-After"),
	}
}
