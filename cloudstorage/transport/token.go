package transport

import (
	"context"
	"fmt"
	"sync"
)

// TokenSource provides the bearer token attached to every request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token. An empty token means
// requests are sent unauthenticated.
type StaticToken string

// Token ...
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// CachedTokenSource authenticates once and reuses the result. A failed attempt is not
// cached, so the next call authenticates again.
type CachedTokenSource struct {
	fetch func(ctx context.Context) (string, error)

	mu    sync.Mutex
	token string
	valid bool
}

// NewCachedTokenSource ...
func NewCachedTokenSource(fetch func(ctx context.Context) (string, error)) *CachedTokenSource {
	return &CachedTokenSource{fetch: fetch}
}

// Token ...
func (s *CachedTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.valid {
		return s.token, nil
	}
	token, err := s.fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("authenticate: %w", err)
	}
	s.token = token
	s.valid = true
	return token, nil
}

// Invalidate drops the cached token, e.g. after the service rejected it.
func (s *CachedTokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.valid = false
}
