// Package storageerr defines the error taxonomy shared by every cloudstorage component.
//
// Callers match the taxonomy with errors.Is; status mismatches additionally carry the raw
// response through *StatusError (use errors.As).
package storageerr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	// ErrProtocolFormat means a malformed or contradictory header or request. Never retried.
	ErrProtocolFormat = errors.New("protocol format error")
	// ErrNotFound means the target object or container is absent.
	ErrNotFound = errors.New("not found")
	// ErrAuthorization means the credentials were rejected.
	ErrAuthorization = errors.New("authorization failed")
	// ErrOutOfRange means the requested byte range starts beyond the object size.
	ErrOutOfRange = errors.New("requested range not satisfiable")
	// ErrTransport is a network or timeout failure. Safe to retry for idempotent requests.
	ErrTransport = errors.New("transport error")
)

// StatusError is returned when the service responds with a status code outside the
// expected set of the issued request.
type StatusError struct {
	Expected []int
	Code     int
	Header   http.Header
	Body     []byte
}

func (e *StatusError) Error() string {
	expected := make([]string, 0, len(e.Expected))
	for _, code := range e.Expected {
		expected = append(expected, fmt.Sprintf("%d", code))
	}
	msg := fmt.Sprintf("expected status %s, got HTTP %d", strings.Join(expected, "|"), e.Code)
	if len(e.Body) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, truncate(e.Body, 512))
	}
	return msg
}

// Unwrap maps the status code to the nearest taxonomy member, if any.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusUnauthorized, e.Code == http.StatusForbidden:
		return ErrAuthorization
	case e.Code == http.StatusNotFound:
		return ErrNotFound
	case e.Code == http.StatusRequestedRangeNotSatisfiable:
		return ErrOutOfRange
	case e.Code == http.StatusBadRequest:
		return ErrProtocolFormat
	case e.Code == http.StatusRequestTimeout:
		return ErrTransport
	default:
		return nil
	}
}

// Retryable reports whether resubmitting the same idempotent request may succeed.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusTooManyRequests ||
		e.Code >= http.StatusInternalServerError
}

// CheckStatus returns nil if code is one of expected, a *StatusError otherwise.
func CheckStatus(code int, header http.Header, body []byte, expected ...int) error {
	for _, e := range expected {
		if code == e {
			return nil
		}
	}
	sorted := append([]int(nil), expected...)
	sort.Ints(sorted)
	return &StatusError{
		Expected: sorted,
		Code:     code,
		Header:   header,
		Body:     body,
	}
}

// ProtocolFormatf returns an ErrProtocolFormat wrapping error with a formatted message.
func ProtocolFormatf(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocolFormat, fmt.Sprintf(format, v...))
}

// IsRetryable reports whether err may be resolved by resubmitting an idempotent request.
// Session-open requests must not be retried even if this returns true.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return errors.Is(err, ErrTransport)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
