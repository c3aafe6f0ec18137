// Package object holds the object metadata model, path validation and the single-shot
// HEAD and DELETE requests.
package object

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/header"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/storageerr"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/transport"
)

// Option header prefixes accepted when creating an object.
const (
	ACLOption      = "x-goog-acl"
	MetadataPrefix = "x-goog-meta-"
)

var (
	bucketPathPattern = regexp.MustCompile(`^/[a-z0-9\.\-_]{3,}$`)
	filePathPattern   = regexp.MustCompile(`^/[a-z0-9\.\-_]{3,}/.+`)
)

// Stat describes a stored object. Listings only fill Path, Size, ETag and a best-effort
// Created.
type Stat struct {
	// Path has the form /bucket/object.
	Path        string
	Size        int64
	Created     time.Time
	ETag        string
	ContentType string
	Metadata    map[string]string
}

func (s Stat) String() string {
	return fmt.Sprintf("(path: %s, size: %d, created: %s, etag: %s, content_type: %s, metadata: %v)",
		s.Path, s.Size, s.Created.Format(time.RFC3339), s.ETag, s.ContentType, s.Metadata)
}

// NormalizeETag strips the quotes the service may put around an entity-tag.
func NormalizeETag(etag string) string {
	if len(etag) >= 2 && strings.HasPrefix(etag, `"`) && strings.HasSuffix(etag, `"`) {
		return etag[1 : len(etag)-1]
	}
	return etag
}

// ValidateBucketPath checks a path of the form /bucket.
func ValidateBucketPath(path string) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	if !bucketPathPattern.MatchString(path) {
		return fmt.Errorf("bucket should have format /bucket but got %s", path)
	}
	return nil
}

// ValidateFilePath checks a path of the form /bucket/object.
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	if !filePathPattern.MatchString(path) {
		return fmt.Errorf("path should have format /bucket/filename but got %s", path)
	}
	return nil
}

// SplitPath returns the bucket path and the object name of /bucket/object.
func SplitPath(path string) (bucket, name string, err error) {
	if err := ValidateFilePath(path); err != nil {
		return "", "", err
	}
	i := strings.Index(path[1:], "/") + 1
	return path[:i], path[i+1:], nil
}

// ValidateOptions checks that every option is an ACL or a user metadata header.
func ValidateOptions(options map[string]string) error {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		lower := strings.ToLower(k)
		if lower != ACLOption && !strings.HasPrefix(lower, MetadataPrefix) {
			return fmt.Errorf("option %s is not supported", k)
		}
		if strings.HasPrefix(lower, MetadataPrefix) && len(lower) == len(MetadataPrefix) {
			return fmt.Errorf("option %s has an empty metadata name", k)
		}
	}
	return nil
}

// Metadata extracts the user defined metadata headers, keyed by lowercase header name.
func Metadata(h http.Header) map[string]string {
	var metadata map[string]string
	for k, values := range h {
		lower := strings.ToLower(k)
		if !strings.HasPrefix(lower, MetadataPrefix) || len(values) == 0 {
			continue
		}
		if metadata == nil {
			metadata = map[string]string{}
		}
		metadata[lower] = values[0]
	}
	return metadata
}

// StatFromHeader builds a Stat from the headers of a HEAD or GET response.
func StatFromHeader(path string, h http.Header) (Stat, error) {
	size, err := strconv.ParseInt(h.Get("Content-Length"), 10, 64)
	if err != nil {
		return Stat{}, storageerr.ProtocolFormatf("invalid content-length %q", h.Get("Content-Length"))
	}

	var created time.Time
	if lm := h.Get(header.LastModified); lm != "" {
		created, err = http.ParseTime(lm)
		if err != nil {
			return Stat{}, storageerr.ProtocolFormatf("invalid last-modified %q", lm)
		}
	}

	return Stat{
		Path:        path,
		Size:        size,
		Created:     created,
		ETag:        NormalizeETag(h.Get(header.ETag)),
		ContentType: h.Get(header.ContentType),
		Metadata:    Metadata(h),
	}, nil
}

// StatObject looks up the metadata of the object at path.
func StatObject(ctx context.Context, t transport.Transport, path string) (Stat, error) {
	if err := ValidateFilePath(path); err != nil {
		return Stat{}, err
	}

	resp, err := t.Do(ctx, transport.NewRequest(http.MethodHead, path))
	if err != nil {
		return Stat{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := storageerr.CheckStatus(resp.StatusCode, resp.Header, resp.Body, http.StatusOK); err != nil {
		return Stat{}, fmt.Errorf("stat %s: %w", path, err)
	}

	return StatFromHeader(path, resp.Header)
}

// DeleteObject deletes the object at path. Deleting a missing object fails with
// storageerr.ErrNotFound.
func DeleteObject(ctx context.Context, t transport.Transport, path string) error {
	if err := ValidateFilePath(path); err != nil {
		return err
	}

	resp, err := t.Do(ctx, transport.NewRequest(http.MethodDelete, path))
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	if err := storageerr.CheckStatus(resp.StatusCode, resp.Header, resp.Body, http.StatusNoContent); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}
