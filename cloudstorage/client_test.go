package cloudstorage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/listing"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/storageerr"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/stub"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/transport"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/upload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, bucket string) (*Client, *stub.Service) {
	t.Helper()
	svc := stub.NewService()
	cfg := DefaultConfig()
	cfg.Backend = BackendMemory
	cfg.DefaultBucket = bucket
	cfg.ReadBufferSize = 4
	cfg.UploadChunkSize = 5
	return NewClient(svc, cfg, log.NewLogger()), svc
}

func TestClient_Resolve(t *testing.T) {
	tests := []struct {
		name    string
		bucket  string
		path    string
		want    string
		wantErr bool
	}{
		{name: "absolute", bucket: "bucket", path: "/other/object", want: "/other/object"},
		{name: "relative", bucket: "bucket", path: "dir/object", want: "/bucket/dir/object"},
		{name: "bucket itself", bucket: "bucket", path: "", want: "/bucket"},
		{name: "no default bucket", path: "object", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, tt.bucket)

			got, err := client.Resolve(tt.path)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClient_RoundTrip(t *testing.T) {
	ctx := context.Background()
	client, svc := newTestClient(t, "bucket")
	content := []byte("the quick brown fox jumps over the lazy dog")

	w, err := client.Create(ctx, "animals/fox", upload.Options{ContentType: "text/plain"})
	require.NoError(t, err)
	_, err = io.Copy(w, bytes.NewReader(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, int64(len(content)), w.Result().Size)

	stored, ok := svc.Get("/bucket/animals/fox")
	require.True(t, ok)
	assert.Equal(t, content, stored)

	stat, err := client.Stat(ctx, "animals/fox")
	require.NoError(t, err)
	assert.Equal(t, "text/plain", stat.ContentType)
	assert.Equal(t, int64(len(content)), stat.Size)

	r, err := client.Open(ctx, "/bucket/animals/fox")
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, content, got)

	lister, err := client.ListBucket("", listing.Options{Prefix: "animals/"})
	require.NoError(t, err)
	entries, err := lister.All(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/bucket/animals/fox", entries[0].Path)

	require.NoError(t, client.Delete(ctx, "animals/fox"))
	_, err = client.Stat(ctx, "animals/fox")
	assert.True(t, errors.Is(err, storageerr.ErrNotFound))
}

func TestClient_Upload(t *testing.T) {
	ctx := context.Background()
	client, svc := newTestClient(t, "bucket")

	result, err := client.Upload(ctx, "chunks", upload.NewByteSliceChunkProvider([][]byte{[]byte("ab"), []byte("cd")}), upload.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.Size)

	stored, ok := svc.Get("/bucket/chunks")
	require.True(t, ok)
	assert.Equal(t, "abcd", string(stored))
}

func TestClient_InvalidPathSendsNoRequest(t *testing.T) {
	ctx := context.Background()
	client, svc := newTestClient(t, "")

	_, err := client.Stat(ctx, "/bucket")
	require.Error(t, err)
	_, err = client.Open(ctx, "relative")
	require.Error(t, err)
	_, err = client.Create(ctx, "/", upload.Options{})
	require.Error(t, err)
	_, err = client.ListBucket("/bucket/object", listing.Options{})
	require.Error(t, err)

	assert.Empty(t, svc.Requests())
}

func TestNewClientFromConfig(t *testing.T) {
	ctx := context.Background()
	svc := stub.NewService(stub.WithRequiredToken("token"))
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	cfg := DefaultConfig()
	cfg.APIBaseURL = server.URL
	cfg.AccessToken = "token"
	reg := prometheus.NewRegistry()

	client, err := NewClientFromConfig(ctx, cfg, log.NewLogger(), WithMetrics(reg))
	require.NoError(t, err)
	require.NoError(t, svc.Put("/bucket/object", []byte("data"), "", nil))

	stat, err := client.Stat(ctx, "/bucket/object")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stat.Size)

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.NotZero(t, count)
}

func TestNewClientFromConfig_Memory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = BackendMemory

	client, err := NewClientFromConfig(context.Background(), cfg, log.NewLogger())
	require.NoError(t, err)
	assert.IsType(t, &stub.Service{}, client.Transport())
}

func TestNewClientFromConfig_Invalid(t *testing.T) {
	_, err := NewClientFromConfig(context.Background(), DefaultConfig(), log.NewLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestClient_RetriesAreNotNested(t *testing.T) {
	httpTransport, err := transport.NewHTTP("http://localhost", transport.StaticToken(""), log.NewLogger())
	require.NoError(t, err)
	httpConfig := DefaultConfig()
	httpConfig.APIBaseURL = "http://localhost"
	instrumented, err := NewClientFromConfig(context.Background(), httpConfig, log.NewLogger(), WithMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	memory, _ := newTestClient(t, "bucket")

	tests := []struct {
		name   string
		client *Client
		want   uint
	}{
		{name: "in memory", client: memory, want: 3},
		{name: "http transport", client: NewClient(httpTransport, httpConfig, log.NewLogger()), want: 0},
		{name: "instrumented http transport", client: instrumented, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.client.maxRetries())
			assert.Equal(t, tt.want, tt.client.uploadConfig().MaxRetryPerChunk)
		})
	}
}
