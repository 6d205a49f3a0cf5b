package protocol

import (
	"context"
	"errors"
	"io"
	"net/url"
)

// ErrRangeUnsupported is returned by SourceAdapter.OpenRange when the
// protocol or the specific server/file cannot serve a byte range.
var ErrRangeUnsupported = errors.New("protocol: ranged fetch not supported")

// SourceAdapter is the uniform transport surface ChunkedDownloader and
// SimpleDownloader drive against, independent of the underlying
// protocol (spec.md §4.16).
type SourceAdapter interface {
	Supports(u *url.URL) bool
	Stat(ctx context.Context, rawURL string) (*Metadata, error)
	Open(ctx context.Context, rawURL string) (io.ReadCloser, *Metadata, error)
	OpenRange(ctx context.Context, rawURL string, start, end int64) (io.ReadCloser, error)
}

// Registry picks a SourceAdapter by URL scheme.
type Registry struct {
	adapters []SourceAdapter
}

// NewRegistry builds a Registry trying adapters in the order given.
func NewRegistry(adapters ...SourceAdapter) *Registry {
	return &Registry{adapters: adapters}
}

// Resolve returns the first adapter that supports rawURL's scheme.
func (r *Registry) Resolve(rawURL string) (SourceAdapter, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	for _, a := range r.adapters {
		if a.Supports(u) {
			return a, nil
		}
	}
	return nil, errors.New("protocol: no adapter registered for " + u.Scheme)
}

// HTTPAdapter wraps an HTTPClient as a SourceAdapter.
type HTTPAdapter struct {
	Client *HTTPClient
}

func (a *HTTPAdapter) Supports(u *url.URL) bool { return a.Client.Supports(u) }

func (a *HTTPAdapter) Stat(ctx context.Context, rawURL string) (*Metadata, error) {
	return a.Client.Head(ctx, rawURL)
}

func (a *HTTPAdapter) Open(ctx context.Context, rawURL string) (io.ReadCloser, *Metadata, error) {
	return a.Client.Get(ctx, rawURL)
}

func (a *HTTPAdapter) OpenRange(ctx context.Context, rawURL string, start, end int64) (io.ReadCloser, error) {
	return a.Client.GetRange(ctx, rawURL, start, end)
}

// HTTP3Adapter wraps an HTTP3Client as a SourceAdapter. It only claims
// https:// URLs, so it must be registered ahead of HTTPAdapter to be
// tried first; callers that don't want HTTP/3 simply omit it.
type HTTP3Adapter struct {
	Client *HTTP3Client
}

func (a *HTTP3Adapter) Supports(u *url.URL) bool { return a.Client.Supports(u) }

func (a *HTTP3Adapter) Stat(ctx context.Context, rawURL string) (*Metadata, error) {
	return a.Client.Head(ctx, rawURL)
}

func (a *HTTP3Adapter) Open(ctx context.Context, rawURL string) (io.ReadCloser, *Metadata, error) {
	return a.Client.Get(ctx, rawURL)
}

func (a *HTTP3Adapter) OpenRange(ctx context.Context, rawURL string, start, end int64) (io.ReadCloser, error) {
	return a.Client.GetRange(ctx, rawURL, start, end)
}

// FTPAdapter wraps an FTPClient as a SourceAdapter. Ranged reads use
// FTP's REST command; Stat always reports AcceptRanges=true, without
// probing whether the server supports REST.
type FTPAdapter struct {
	Client *FTPClient
}

func (a *FTPAdapter) Supports(u *url.URL) bool { return a.Client.Supports(u) }

func (a *FTPAdapter) Stat(ctx context.Context, rawURL string) (*Metadata, error) {
	return a.Client.Head(ctx, rawURL)
}

func (a *FTPAdapter) Open(ctx context.Context, rawURL string) (io.ReadCloser, *Metadata, error) {
	return a.Client.Get(ctx, rawURL)
}

func (a *FTPAdapter) OpenRange(ctx context.Context, rawURL string, start, end int64) (io.ReadCloser, error) {
	return a.Client.GetRange(ctx, rawURL, start, end)
}

// SFTPAdapter wraps an SFTPClient as a SourceAdapter. Ranged reads use
// a seeked read on the remote file handle.
type SFTPAdapter struct {
	Client *SFTPClient
}

func (a *SFTPAdapter) Supports(u *url.URL) bool { return a.Client.Supports(u) }

func (a *SFTPAdapter) Stat(ctx context.Context, rawURL string) (*Metadata, error) {
	return a.Client.Head(ctx, rawURL)
}

func (a *SFTPAdapter) Open(ctx context.Context, rawURL string) (io.ReadCloser, *Metadata, error) {
	return a.Client.Get(ctx, rawURL)
}

func (a *SFTPAdapter) OpenRange(ctx context.Context, rawURL string, start, end int64) (io.ReadCloser, error) {
	return a.Client.GetRange(ctx, rawURL, start, end)
}
