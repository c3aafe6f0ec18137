// Package transport performs single protocol requests against the storage service.
package transport

import (
	"context"
	"net/http"
	"net/url"
)

// UploadIDParam is the query parameter that carries a resumable upload continuation token.
const UploadIDParam = "upload_id"

// Request is one protocol request.
type Request struct {
	Method string
	// Path is the container path (`/bucket`) or object path (`/bucket/object`).
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is the outcome of a request that reached the service.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport sends one request and returns the service's response. Failures to reach the
// service are returned as errors wrapping storageerr.ErrTransport; a non-nil response is
// returned for every status code.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Func adapts an ordinary function to the Transport interface.
type Func func(ctx context.Context, req Request) (*Response, error)

// Do ...
func (f Func) Do(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// NewRequest returns a request with initialised header and query maps.
func NewRequest(method, path string) Request {
	return Request{
		Method: method,
		Path:   path,
		Query:  url.Values{},
		Header: http.Header{},
	}
}
