package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/storageerr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumented(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	fail := false
	next := Func(func(ctx context.Context, req Request) (*Response, error) {
		if fail {
			return nil, storageerr.ErrTransport
		}
		return &Response{StatusCode: 308, Body: []byte("ok")}, nil
	})
	instrumented := NewInstrumented(next, metrics)

	req := NewRequest("PUT", "/bucket/object")
	req.Body = []byte("12345")
	_, err = instrumented.Do(context.Background(), req)
	require.NoError(t, err)

	fail = true
	_, err = instrumented.Do(context.Background(), req)
	require.True(t, errors.Is(err, storageerr.ErrTransport))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Requests.WithLabelValues("PUT", "308")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Failures.WithLabelValues("PUT")))
	assert.Equal(t, 10.0, testutil.ToFloat64(metrics.BytesSent))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.BytesReceived))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "registering twice should fail")
}
