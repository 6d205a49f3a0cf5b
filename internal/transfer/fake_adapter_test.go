package transfer

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"sync"

	"github.com/dlforge/engine/internal/protocol"
)

// fakeAdapter serves byte ranges out of an in-memory buffer, standing
// in for a real protocol.SourceAdapter in tests.
type fakeAdapter struct {
	mu       sync.Mutex
	data     []byte
	failNext error // if set, the next Open/OpenRange call returns this error once
}

func newFakeAdapter(data []byte) *fakeAdapter {
	return &fakeAdapter{data: data}
}

func (a *fakeAdapter) Supports(u *url.URL) bool { return true }

func (a *fakeAdapter) Stat(ctx context.Context, rawURL string) (*protocol.Metadata, error) {
	return &protocol.Metadata{ContentLength: int64(len(a.data)), AcceptRanges: true}, nil
}

func (a *fakeAdapter) Open(ctx context.Context, rawURL string) (io.ReadCloser, *protocol.Metadata, error) {
	a.mu.Lock()
	if a.failNext != nil {
		err := a.failNext
		a.failNext = nil
		a.mu.Unlock()
		return nil, nil, err
	}
	a.mu.Unlock()
	return io.NopCloser(bytes.NewReader(a.data)), &protocol.Metadata{ContentLength: int64(len(a.data)), AcceptRanges: true}, nil
}

func (a *fakeAdapter) OpenRange(ctx context.Context, rawURL string, start, end int64) (io.ReadCloser, error) {
	a.mu.Lock()
	if a.failNext != nil {
		err := a.failNext
		a.failNext = nil
		a.mu.Unlock()
		return nil, err
	}
	a.mu.Unlock()

	if start < 0 || end >= int64(len(a.data)) || start > end {
		return nil, &HTTPStatusError{StatusCode: 416}
	}
	return io.NopCloser(bytes.NewReader(a.data[start : end+1])), nil
}
