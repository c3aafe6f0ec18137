package object_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/object"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/storageerr"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/stub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePaths(t *testing.T) {
	tests := []struct {
		path       string
		bucketOK   bool
		filePathOK bool
	}{
		{path: "", bucketOK: false, filePathOK: false},
		{path: "/bucket", bucketOK: true, filePathOK: false},
		{path: "/ab", bucketOK: false, filePathOK: false},
		{path: "/Bucket", bucketOK: false, filePathOK: false},
		{path: "/bucket/", bucketOK: false, filePathOK: false},
		{path: "/bucket/object", bucketOK: false, filePathOK: true},
		{path: "/my-bucket_1.x/dir/object.tar", bucketOK: false, filePathOK: true},
		{path: "bucket/object", bucketOK: false, filePathOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.bucketOK, object.ValidateBucketPath(tt.path) == nil)
			assert.Equal(t, tt.filePathOK, object.ValidateFilePath(tt.path) == nil)
		})
	}
}

func TestSplitPath(t *testing.T) {
	bucket, name, err := object.SplitPath("/bucket/dir/object")
	require.NoError(t, err)
	assert.Equal(t, "/bucket", bucket)
	assert.Equal(t, "dir/object", name)

	_, _, err = object.SplitPath("/bucket")
	assert.Error(t, err)
}

func TestValidateOptions(t *testing.T) {
	assert.NoError(t, object.ValidateOptions(nil))
	assert.NoError(t, object.ValidateOptions(map[string]string{"x-goog-acl": "public-read", "X-Goog-Meta-Owner": "me"}))
	assert.Error(t, object.ValidateOptions(map[string]string{"x-goog-meta-": "empty"}))
	assert.Error(t, object.ValidateOptions(map[string]string{"cache-control": "no-cache"}))
}

func TestNormalizeETag(t *testing.T) {
	assert.Equal(t, "abc", object.NormalizeETag(`"abc"`))
	assert.Equal(t, "abc", object.NormalizeETag("abc"))
	assert.Equal(t, `"`, object.NormalizeETag(`"`))
}

func TestStatFromHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Length", "42")
	h.Set("Content-Type", "text/plain")
	h.Set("ETag", `"d41d8"`)
	h.Set("Last-Modified", "Fri, 01 Mar 2024 10:00:00 GMT")
	h.Set("X-Goog-Meta-Owner", "me")

	stat, err := object.StatFromHeader("/bucket/object", h)
	require.NoError(t, err)
	assert.Equal(t, object.Stat{
		Path:        "/bucket/object",
		Size:        42,
		Created:     time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		ETag:        "d41d8",
		ContentType: "text/plain",
		Metadata:    map[string]string{"x-goog-meta-owner": "me"},
	}, stat)

	h.Set("Content-Length", "lots")
	_, err = object.StatFromHeader("/bucket/object", h)
	assert.ErrorIs(t, err, storageerr.ErrProtocolFormat)
}

func TestStatObject(t *testing.T) {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	svc := stub.NewService(stub.WithClock(func() time.Time { return created }))
	require.NoError(t, svc.Put("/bucket/object", []byte("hello"), "text/plain", map[string]string{"x-goog-meta-owner": "me"}))

	stat, err := object.StatObject(context.Background(), svc, "/bucket/object")
	require.NoError(t, err)
	assert.Equal(t, "/bucket/object", stat.Path)
	assert.Equal(t, int64(5), stat.Size)
	assert.Equal(t, "text/plain", stat.ContentType)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", stat.ETag)
	assert.True(t, created.Equal(stat.Created))
	assert.Equal(t, map[string]string{"x-goog-meta-owner": "me"}, stat.Metadata)

	_, err = object.StatObject(context.Background(), svc, "/bucket/missing")
	assert.ErrorIs(t, err, storageerr.ErrNotFound)

	_, err = object.StatObject(context.Background(), svc, "/bucket")
	assert.Error(t, err)
	assert.Len(t, svc.Requests(), 2, "invalid paths are rejected before any request")
}

func TestDeleteObject(t *testing.T) {
	svc := stub.NewService()
	require.NoError(t, svc.Put("/bucket/object", []byte("hello"), "", nil))

	require.NoError(t, object.DeleteObject(context.Background(), svc, "/bucket/object"))
	_, ok := svc.Get("/bucket/object")
	assert.False(t, ok)

	err := object.DeleteObject(context.Background(), svc, "/bucket/object")
	assert.ErrorIs(t, err, storageerr.ErrNotFound)

	svc.Forbid("/locked")
	err = object.DeleteObject(context.Background(), svc, "/locked/object")
	assert.ErrorIs(t, err, storageerr.ErrAuthorization)
}
