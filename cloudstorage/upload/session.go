// Package upload drives the resumable upload protocol: a session is opened with a POST,
// fed chunk by chunk with PUTs and finalized with a last PUT that declares the total size.
package upload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/header"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/object"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/storageerr"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/transport"
	"github.com/bitrise-io/go-utils/v2/log"
)

// State of a Session. A session only moves forward: Unstarted, Started, Committing (at
// least one chunk acknowledged), Finished.
type State int

// Session states.
const (
	Unstarted State = iota
	Started
	Committing
	Finished
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Started:
		return "started"
	case Committing:
		return "committing"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidState is returned when an operation is not allowed in the current state.
var ErrInvalidState = errors.New("invalid upload session state")

// Options of the object being created.
type Options struct {
	// ContentType defaults to binary/octet-stream.
	ContentType string
	// Options holds x-goog-acl and x-goog-meta-* values.
	Options map[string]string
	Logger  log.Logger
}

// Result describes a finalized upload.
type Result struct {
	Path   string
	Size   int64
	ETag   string
	Chunks int
}

// Session is one resumable upload to a single destination. Requests are sent one at a
// time and a failed request leaves the session state unchanged. A Session is not safe
// for concurrent use.
type Session struct {
	transport   transport.Transport
	logger      log.Logger
	path        string
	contentType string
	options     map[string]string

	state     State
	token     string
	committed int64
	chunks    int
}

// NewSession validates the destination and options. No request is sent until Start.
func NewSession(t transport.Transport, path string, opts Options) (*Session, error) {
	if err := object.ValidateFilePath(path); err != nil {
		return nil, err
	}
	if err := object.ValidateOptions(opts.Options); err != nil {
		return nil, err
	}
	contentType, err := header.ParseContentType(opts.ContentType)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}

	return &Session{
		transport:   t,
		logger:      opts.Logger,
		path:        path,
		contentType: contentType,
		options:     opts.Options,
	}, nil
}

// Start opens the session on the service. The request is never resubmitted automatically
// as that could open a second session.
func (s *Session) Start(ctx context.Context) error {
	if s.state != Unstarted {
		return fmt.Errorf("start %s: %w: %s", s.path, ErrInvalidState, s.state)
	}

	req := transport.NewRequest(http.MethodPost, s.path)
	req.Header.Set(header.ContentType, s.contentType)
	for k, v := range s.options {
		req.Header.Set(k, v)
	}

	resp, err := s.transport.Do(transport.WithoutRetry(ctx), req)
	if err != nil {
		return fmt.Errorf("start %s: %w", s.path, err)
	}
	if err := storageerr.CheckStatus(resp.StatusCode, resp.Header, resp.Body, http.StatusCreated); err != nil {
		return fmt.Errorf("start %s: %w", s.path, err)
	}

	token, err := continuationToken(resp.Header.Get(header.Location))
	if err != nil {
		return fmt.Errorf("start %s: %w", s.path, err)
	}

	s.token = token
	s.state = Started
	s.logger.Debugf("Started upload session for %s", s.path)
	return nil
}

// Write submits data as the next chunk. Writing an empty chunk is a no-op.
func (s *Session) Write(ctx context.Context, data []byte) error {
	if s.state != Started && s.state != Committing {
		return fmt.Errorf("write %s: %w: %s", s.path, ErrInvalidState, s.state)
	}
	if len(data) == 0 {
		return nil
	}

	chunk := header.ContentRangeChunk{
		Start: s.committed,
		End:   s.committed + int64(len(data)) - 1,
		Total: header.UnknownTotal,
	}
	if _, err := s.put(ctx, &chunk, data, http.StatusPermanentRedirect); err != nil {
		return fmt.Errorf("write %s chunk %d: %w", s.path, s.chunks+1, err)
	}

	s.committed += int64(len(data))
	s.chunks++
	s.state = Committing
	return nil
}

// Finalize submits data as the last chunk and completes the object. With empty data
// after at least one acknowledged chunk, the request carries neither content-range nor
// body. With empty data and nothing committed, a zero-length object is created.
func (s *Session) Finalize(ctx context.Context, data []byte) (Result, error) {
	if s.state != Started && s.state != Committing {
		return Result{}, fmt.Errorf("finalize %s: %w: %s", s.path, ErrInvalidState, s.state)
	}

	size := s.committed + int64(len(data))
	var chunk *header.ContentRangeChunk
	switch {
	case len(data) > 0:
		chunk = &header.ContentRangeChunk{Start: s.committed, End: size - 1, Total: size}
	case s.chunks == 0:
		chunk = &header.ContentRangeChunk{Start: size, End: size - 1, Total: size, Empty: true}
	}

	resp, err := s.put(ctx, chunk, data, http.StatusOK)
	if err != nil {
		return Result{}, fmt.Errorf("finalize %s: %w", s.path, err)
	}

	s.committed = size
	if len(data) > 0 {
		s.chunks++
	}
	s.state = Finished
	s.logger.Debugf("Finalized %s: %d bytes in %d chunks", s.path, s.committed, s.chunks)

	return Result{
		Path:   s.path,
		Size:   s.committed,
		ETag:   object.NormalizeETag(resp.Header.Get(header.ETag)),
		Chunks: s.chunks,
	}, nil
}

// State ...
func (s *Session) State() State {
	return s.state
}

// Committed returns the number of bytes acknowledged by the service.
func (s *Session) Committed() int64 {
	return s.committed
}

// Token returns the continuation token, empty before Start.
func (s *Session) Token() string {
	return s.token
}

// Path ...
func (s *Session) Path() string {
	return s.path
}

func (s *Session) put(ctx context.Context, chunk *header.ContentRangeChunk, data []byte, expected int) (*transport.Response, error) {
	req := transport.NewRequest(http.MethodPut, s.path)
	req.Query.Set(transport.UploadIDParam, s.token)
	if chunk != nil {
		req.Header.Set(header.ContentRange, header.FormatContentRange(*chunk))
	}
	if len(data) > 0 {
		req.Body = data
	}

	s.logger.Debugf("Uploading %s (%s, %d bytes)", s.path, req.Header.Get(header.ContentRange), len(data))
	resp, err := s.transport.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := storageerr.CheckStatus(resp.StatusCode, resp.Header, resp.Body, expected); err != nil {
		return nil, err
	}
	return resp, nil
}

func continuationToken(location string) (string, error) {
	if location == "" {
		return "", storageerr.ProtocolFormatf("missing %s header", header.Location)
	}
	u, err := url.Parse(location)
	if err != nil {
		return "", storageerr.ProtocolFormatf("invalid %s header %q: %s", header.Location, location, err)
	}
	token := u.Query().Get(transport.UploadIDParam)
	if token == "" {
		return "", storageerr.ProtocolFormatf("%s header %q has no %s", header.Location, location, transport.UploadIDParam)
	}
	return token, nil
}
