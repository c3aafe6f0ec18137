package rangereader_test

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/object"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/rangereader"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/storageerr"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/stub"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const path = "/bucket/object"

func newService(t *testing.T, content string) *stub.Service {
	t.Helper()
	svc := stub.NewService()
	require.NoError(t, svc.Put(path, []byte(content), "", nil))
	return svc
}

func countGets(svc *stub.Service) int {
	n := 0
	for _, r := range svc.Requests() {
		if strings.HasPrefix(r, "GET ") {
			n++
		}
	}
	return n
}

func TestReader_SequentialReadsEqualSingleRead(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 50; i++ {
		sb.WriteByte(byte('a' + i%26))
	}
	content := sb.String()
	svc := newService(t, content)
	size := int64(len(content))

	for _, bufferSize := range []int{1, 7, 64} {
		for start := int64(0); start < size; start += 9 {
			for end := start; end < size; end += 11 {
				t.Run(fmt.Sprintf("buffer %d [%d-%d]", bufferSize, start, end), func(t *testing.T) {
					want := make([]byte, end-start+1)
					single, err := rangereader.Open(context.Background(), svc, path, rangereader.Options{BufferSize: bufferSize})
					require.NoError(t, err)
					_, err = single.Seek(start, io.SeekStart)
					require.NoError(t, err)
					_, err = io.ReadFull(single, want)
					require.NoError(t, err)
					assert.Equal(t, content[start:end+1], string(want))

					r, err := rangereader.Open(context.Background(), svc, path, rangereader.Options{BufferSize: bufferSize})
					require.NoError(t, err)
					_, err = r.Seek(start, io.SeekStart)
					require.NoError(t, err)
					var got []byte
					for step := 1; int64(len(got)) < end-start+1; step = step%5 + 1 {
						n := int64(step)
						if left := end - start + 1 - int64(len(got)); n > left {
							n = left
						}
						p := make([]byte, n)
						read, err := r.Read(p)
						require.NoError(t, err)
						got = append(got, p[:read]...)
					}
					assert.Equal(t, want, got)
					assert.Equal(t, end+1, r.Tell())
				})
			}
		}
	}
}

func TestReader_ReadsFromBuffer(t *testing.T) {
	svc := newService(t, "0123456789abcdefghij")

	r, err := rangereader.Open(context.Background(), svc, path, rangereader.Options{BufferSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, countGets(svc), "open only sends a HEAD")

	p := make([]byte, 5)
	_, err = r.Read(p)
	require.NoError(t, err)
	_, err = r.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "56789", string(p))
	assert.Equal(t, 1, countGets(svc))

	_, err = r.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(p))
	assert.Equal(t, 2, countGets(svc))

	// seeking inside the buffer keeps it
	_, err = r.Seek(-5, io.SeekCurrent)
	require.NoError(t, err)
	_, err = r.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(p))
	assert.Equal(t, 2, countGets(svc))

	// seeking outside invalidates it
	_, err = r.Seek(0, io.SeekStart)
	require.NoError(t, err)
	_, err = r.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "01234", string(p))
	assert.Equal(t, 3, countGets(svc))
}

func TestReader_EndOfObject(t *testing.T) {
	svc := newService(t, "0123456789")

	r, err := rangereader.Open(context.Background(), svc, path, rangereader.Options{BufferSize: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(10), r.Size())

	p := make([]byte, 20)
	n, err := r.Read(p)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "0123456789", string(p[:n]))

	n, err = r.Read(p)
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)

	pos, err := r.Seek(-3, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(7), pos)
	all, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "789", string(all))

	_, err = r.Seek(100, io.SeekStart)
	require.NoError(t, err)
	n, err = r.Read(p)
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)

	_, err = r.Seek(-1, io.SeekStart)
	assert.Error(t, err)
	_, err = r.Seek(0, 42)
	assert.Error(t, err)
}

func TestReader_EmptyObject(t *testing.T) {
	svc := newService(t, "")

	r, err := rangereader.Open(context.Background(), svc, path, rangereader.Options{})
	require.NoError(t, err)
	n, err := r.Read(make([]byte, 1))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 0, countGets(svc))
}

func TestReader_Errors(t *testing.T) {
	t.Run("missing object", func(t *testing.T) {
		_, err := rangereader.Open(context.Background(), stub.NewService(), path, rangereader.Options{})
		assert.ErrorIs(t, err, storageerr.ErrNotFound)
	})

	t.Run("invalid path", func(t *testing.T) {
		_, err := rangereader.Open(context.Background(), stub.NewService(), "/bucket", rangereader.Options{})
		assert.Error(t, err)
	})

	t.Run("object deleted mid-read", func(t *testing.T) {
		svc := newService(t, "0123456789")
		r, err := rangereader.Open(context.Background(), svc, path, rangereader.Options{BufferSize: 4})
		require.NoError(t, err)
		_, err = r.Read(make([]byte, 4))
		require.NoError(t, err)

		require.NoError(t, object.DeleteObject(context.Background(), svc, path))
		_, err = r.Read(make([]byte, 4))
		assert.ErrorIs(t, err, storageerr.ErrNotFound)
	})

	t.Run("permission rejected", func(t *testing.T) {
		svc := newService(t, "0123456789")
		r, err := rangereader.Open(context.Background(), svc, path, rangereader.Options{BufferSize: 4})
		require.NoError(t, err)

		svc.Forbid("/bucket")
		_, err = r.Read(make([]byte, 4))
		assert.ErrorIs(t, err, storageerr.ErrAuthorization)
	})

	t.Run("object replaced mid-read", func(t *testing.T) {
		svc := newService(t, "0123456789")
		r, err := rangereader.Open(context.Background(), svc, path, rangereader.Options{BufferSize: 4})
		require.NoError(t, err)
		_, err = r.Read(make([]byte, 4))
		require.NoError(t, err)

		require.NoError(t, svc.Put(path, []byte("abcdefghij"), "", nil))
		_, err = r.Read(make([]byte, 4))
		assert.ErrorIs(t, err, rangereader.ErrContentChanged)
	})

	t.Run("closed", func(t *testing.T) {
		r, err := rangereader.Open(context.Background(), newService(t, "0123456789"), path, rangereader.Options{})
		require.NoError(t, err)
		require.NoError(t, r.Close())
		require.NoError(t, r.Close())

		_, err = r.Read(make([]byte, 1))
		assert.ErrorIs(t, err, rangereader.ErrClosed)
		_, err = r.Seek(0, io.SeekStart)
		assert.ErrorIs(t, err, rangereader.ErrClosed)
	})
}

func TestReader_RetriesTransportFailures(t *testing.T) {
	svc := newService(t, "0123456789")
	failures := 0
	flaky := transport.Func(func(ctx context.Context, req transport.Request) (*transport.Response, error) {
		if req.Method == "GET" && failures < 2 {
			failures++
			return nil, fmt.Errorf("%w: connection reset", storageerr.ErrTransport)
		}
		return svc.Do(ctx, req)
	})

	r, err := rangereader.Open(context.Background(), flaky, path, rangereader.Options{MaxRetries: 2})
	require.NoError(t, err)
	all, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(all))
	assert.Equal(t, 2, failures)

	failures = 0
	r, err = rangereader.Open(context.Background(), flaky, path, rangereader.Options{MaxRetries: 1})
	require.NoError(t, err)
	_, err = r.Read(make([]byte, 1))
	assert.ErrorIs(t, err, storageerr.ErrTransport)
}
