// Package stub is an in-memory storage service speaking the same protocol as the real one.
// Service implements transport.Transport directly, and Handler serves it over HTTP.
package stub

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/header"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/listing"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/object"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/storageerr"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/transport"
	"github.com/bitrise-io/go-utils/v2/log"
)

type storedObject struct {
	data        []byte
	contentType string
	options     map[string]string
	created     time.Time
	etag        string
}

type uploadSession struct {
	path        string
	contentType string
	options     map[string]string
	// chunks by start offset; resubmitting a chunk replaces it
	chunks map[int64][]byte
}

// Option configures a Service.
type Option func(*Service)

// WithRequiredToken makes the service reject requests without this bearer token.
func WithRequiredToken(token string) Option {
	return func(s *Service) {
		s.requiredToken = token
	}
}

// WithClock overrides the clock used for object creation times.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithPageLimit overrides the maximum number of entries on a listing page.
func WithPageLimit(limit int) Option {
	return func(s *Service) {
		s.pageLimit = limit
	}
}

// WithLogger ...
func WithLogger(logger log.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// Service is safe for concurrent use.
type Service struct {
	requiredToken string
	now           func() time.Time
	pageLimit     int
	logger        log.Logger

	mu        sync.Mutex
	objects   map[string]*storedObject
	sessions  map[string]*uploadSession
	forbidden map[string]bool
	requests  []string
}

// NewService ...
func NewService(opts ...Option) *Service {
	s := &Service{
		now:       time.Now,
		pageLimit: listing.DefaultPageSize,
		logger:    log.NewLogger(),
		objects:   map[string]*storedObject{},
		sessions:  map[string]*uploadSession{},
		forbidden: map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Do serves one request in memory.
func (s *Service) Do(ctx context.Context, req transport.Request) (*transport.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", storageerr.ErrTransport, err)
	}
	s.record(req)

	if resp := s.authorize(req); resp != nil {
		return resp, nil
	}

	decode, ok := decoders[route{method: req.Method, bucket: isBucketPath(req.Path)}]
	if !ok {
		return errorResponse(http.StatusMethodNotAllowed, fmt.Sprintf("%s is not supported on %s", req.Method, req.Path)), nil
	}
	cmd, err := decode(s, req)
	if err != nil {
		s.logger.Debugf("Rejecting %s %s: %s", req.Method, req.Path, err)
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return cmd.execute(s), nil
}

// Put stores an object directly, bypassing the upload protocol.
func (s *Service) Put(path string, data []byte, contentType string, metadata map[string]string) error {
	if err := object.ValidateFilePath(path); err != nil {
		return err
	}
	if contentType == "" {
		contentType = header.DefaultContentType
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(path, data, contentType, metadata)
	return nil
}

// Get returns a copy of the stored object content.
func (s *Service) Get(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Forbid makes every request against bucket fail with 403.
func (s *Service) Forbid(bucket string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forbidden[bucket] = true
}

// OpenSessions returns the number of resumable uploads not finalized yet.
func (s *Service) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Requests returns the "METHOD path" of every request served so far.
func (s *Service) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Service) record(req transport.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req.Method+" "+req.Path)
}

func (s *Service) authorize(req transport.Request) *transport.Response {
	if s.requiredToken != "" && req.Header.Get("Authorization") != "Bearer "+s.requiredToken {
		return errorResponse(http.StatusUnauthorized, "authentication required")
	}

	bucket := req.Path
	if i := strings.Index(strings.TrimPrefix(req.Path, "/"), "/"); i >= 0 {
		bucket = req.Path[:i+1]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forbidden[bucket] {
		return errorResponse(http.StatusForbidden, "access denied")
	}
	return nil
}

func (s *Service) store(path string, data []byte, contentType string, options map[string]string) *storedObject {
	sum := md5.Sum(data)
	obj := &storedObject{
		data:        data,
		contentType: contentType,
		options:     options,
		created:     s.now().UTC().Truncate(time.Second),
		etag:        hex.EncodeToString(sum[:]),
	}
	s.objects[path] = obj
	return obj
}

func (s *Service) newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// assemble concatenates the chunks of an upload, failing on gaps and overlaps.
func (u *uploadSession) assemble() ([]byte, error) {
	starts := make([]int64, 0, len(u.chunks))
	for start := range u.chunks {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	var content []byte
	var previousEnd int64
	for _, start := range starts {
		switch {
		case start < previousEnd:
			return nil, errors.New("file is corrupted due to overlapping chunks")
		case start > previousEnd:
			return nil, errors.New("file is corrupted due to missing chunks")
		}
		chunk := u.chunks[start]
		content = append(content, chunk...)
		previousEnd = start + int64(len(chunk))
	}
	return content, nil
}

// committed returns the number of contiguous bytes received from offset 0.
func (u *uploadSession) committed() int64 {
	var end int64
	for {
		chunk, ok := u.chunks[end]
		if !ok || len(chunk) == 0 {
			return end
		}
		end += int64(len(chunk))
	}
}

func isBucketPath(path string) bool {
	return strings.LastIndex(path, "/") == 0
}

func errorResponse(code int, msg string) *transport.Response {
	return &transport.Response{
		StatusCode: code,
		Header:     http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:       []byte(msg),
	}
}
