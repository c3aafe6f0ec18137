package storageerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckStatus(t *testing.T) {
	tests := []struct {
		name      string
		ok        bool
		code      int
		expected  []int
		wantErr   error
		retryable bool
	}{
		{name: "expected status", ok: true, code: 200, expected: []int{200}},
		{name: "one of many expected", ok: true, code: 308, expected: []int{200, 308}},
		{name: "unauthorized", code: 401, expected: []int{200}, wantErr: ErrAuthorization},
		{name: "forbidden", code: 403, expected: []int{200}, wantErr: ErrAuthorization},
		{name: "not found", code: 404, expected: []int{204}, wantErr: ErrNotFound},
		{name: "invalid range", code: 416, expected: []int{200}, wantErr: ErrOutOfRange},
		{name: "bad request", code: 400, expected: []int{308}, wantErr: ErrProtocolFormat},
		{name: "request timeout", code: 408, expected: []int{200}, wantErr: ErrTransport, retryable: true},
		{name: "server error", code: 503, expected: []int{200}, retryable: true},
		{name: "too many requests", code: 429, expected: []int{200}, retryable: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckStatus(tt.code, http.Header{}, []byte("details"), tt.expected...)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)

			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, tt.code, statusErr.Code)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestStatusError_Error(t *testing.T) {
	err := CheckStatus(500, nil, []byte("boom"), 308, 200)

	assert.Equal(t, "expected status 200|308, got HTTP 500: boom", err.Error())
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(fmt.Errorf("%w: connection reset", ErrTransport)))
	assert.False(t, IsRetryable(ProtocolFormatf("bad header %q", "x")))
	assert.False(t, IsRetryable(errors.New("other")))
}
