// Package s3transport serves the storage protocol from S3: containers are S3 buckets
// and objects are keys. Resumable uploads are buffered client-side and written with a
// single managed upload on finalize.
package s3transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/header"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/listing"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/object"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/storageerr"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/transport"
	"github.com/bitrise-io/go-utils/v2/log"
)

const partSizeMB int64 = 10

// API is the subset of the S3 client used by Transport.
type API interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjects(ctx context.Context, params *s3.ListObjectsInput, optFns ...func(*s3.Options)) (*s3.ListObjectsOutput, error)
}

// Params ...
type Params struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint, e.g. for S3 compatible services.
	Endpoint string
}

type session struct {
	path        string
	contentType string
	options     map[string]string
	data        []byte
	lastStart   int64
}

// Transport implements transport.Transport on top of S3.
type Transport struct {
	client   API
	uploader *manager.Uploader
	logger   log.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Transport with credentials resolved from params and the environment.
func New(ctx context.Context, params Params, logger log.Logger) (*Transport, error) {
	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, logger), nil
}

// NewWithClient creates a Transport using client.
func NewWithClient(client API, logger log.Logger) *Transport {
	return &Transport{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = partSizeMB * 1024 * 1024
		}),
		logger:   logger,
		sessions: map[string]*session{},
	}
}

// Do ...
func (t *Transport) Do(ctx context.Context, req transport.Request) (*transport.Response, error) {
	bucket, key := splitPath(req.Path)
	if bucket == "" {
		return errorResponse(http.StatusBadRequest, fmt.Sprintf("invalid path %s", req.Path)), nil
	}

	switch {
	case req.Method == http.MethodGet && key == "":
		return t.listObjects(ctx, req, bucket)
	case key == "":
		return errorResponse(http.StatusMethodNotAllowed, fmt.Sprintf("%s is not supported on %s", req.Method, req.Path)), nil
	case req.Method == http.MethodHead:
		return t.headObject(ctx, bucket, key)
	case req.Method == http.MethodGet:
		return t.getObject(ctx, req, bucket, key)
	case req.Method == http.MethodDelete:
		return t.deleteObject(ctx, bucket, key)
	case req.Method == http.MethodPost:
		return t.startUpload(req)
	case req.Method == http.MethodPut:
		return t.putChunk(ctx, req, bucket, key)
	default:
		return errorResponse(http.StatusMethodNotAllowed, fmt.Sprintf("%s is not supported on %s", req.Method, req.Path)), nil
	}
}

func (t *Transport) headObject(ctx context.Context, bucket, key string) (*transport.Response, error) {
	out, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errorToResponse(err)
	}

	h := objectHeader(out.ContentType, out.ETag, out.LastModified, out.Metadata)
	h.Set("Content-Length", strconv.FormatInt(aws.ToInt64(out.ContentLength), 10))
	return &transport.Response{StatusCode: http.StatusOK, Header: h}, nil
}

func (t *Transport) getObject(ctx context.Context, req transport.Request, bucket, key string) (*transport.Response, error) {
	rng, err := header.ParseRange(req.Header.Get(header.Range))
	if err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if req.Header.Get(header.Range) != "" {
		input.Range = aws.String(header.FormatRange(rng))
	}
	out, err := t.client.GetObject(ctx, input)
	if err != nil {
		return errorToResponse(err)
	}
	defer out.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %s", storageerr.ErrTransport, req.Path, err)
	}

	h := objectHeader(out.ContentType, out.ETag, out.LastModified, out.Metadata)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	switch contentRange := aws.ToString(out.ContentRange); {
	case contentRange != "":
		h.Set(header.ContentRange, contentRange)
	case len(body) > 0:
		h.Set(header.ContentRange, header.FormatRangeResult(0, int64(len(body))-1, int64(len(body))))
	}
	return &transport.Response{StatusCode: http.StatusOK, Header: h, Body: body}, nil
}

func (t *Transport) deleteObject(ctx context.Context, bucket, key string) (*transport.Response, error) {
	// S3 deletes are idempotent, the protocol reports missing objects.
	if resp, err := t.headObject(ctx, bucket, key); err != nil || resp.StatusCode != http.StatusOK {
		return resp, err
	}

	if _, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return errorToResponse(err)
	}
	return &transport.Response{StatusCode: http.StatusNoContent, Header: http.Header{}}, nil
}

func (t *Transport) listObjects(ctx context.Context, req transport.Request, bucket string) (*transport.Response, error) {
	maxKeys := listing.DefaultPageSize
	if v := req.Query.Get("max-keys"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return errorResponse(http.StatusBadRequest, fmt.Sprintf("invalid max-keys %q", v)), nil
		}
		if n < maxKeys {
			maxKeys = n
		}
	}

	input := &s3.ListObjectsInput{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int32(int32(maxKeys)),
	}
	if marker := req.Query.Get("marker"); marker != "" {
		input.Marker = aws.String(marker)
	}
	if prefix := req.Query.Get("prefix"); prefix != "" {
		input.Prefix = aws.String(prefix)
	}
	out, err := t.client.ListObjects(ctx, input)
	if err != nil {
		return errorToResponse(err)
	}

	page := listing.Page{
		Bucket:  "/" + bucket,
		Prefix:  req.Query.Get("prefix"),
		Marker:  req.Query.Get("marker"),
		MaxKeys: maxKeys,
	}
	for _, o := range out.Contents {
		page.Entries = append(page.Entries, object.Stat{
			Path:    "/" + bucket + "/" + aws.ToString(o.Key),
			Size:    aws.ToInt64(o.Size),
			Created: aws.ToTime(o.LastModified),
			ETag:    object.NormalizeETag(aws.ToString(o.ETag)),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		page.HasNext = true
		// NextMarker is only returned with a delimiter.
		page.NextMarker = aws.ToString(out.NextMarker)
		if page.NextMarker == "" && len(out.Contents) > 0 {
			page.NextMarker = aws.ToString(out.Contents[len(out.Contents)-1].Key)
		}
	}

	body, err := listing.EncodePage(page)
	if err != nil {
		return errorResponse(http.StatusInternalServerError, err.Error()), nil
	}
	return &transport.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{header.ContentType: {"application/xml"}},
		Body:       body,
	}, nil
}

func (t *Transport) startUpload(req transport.Request) (*transport.Response, error) {
	contentType, err := header.ParseContentType(req.Header.Get(header.ContentType))
	if err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}
	options := map[string]string{}
	for k, values := range req.Header {
		lower := strings.ToLower(k)
		if (lower == object.ACLOption || strings.HasPrefix(lower, object.MetadataPrefix)) && len(values) > 0 {
			options[lower] = values[0]
		}
	}

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate upload token: %w", err)
	}
	token := hex.EncodeToString(b)

	t.mu.Lock()
	t.sessions[token] = &session{path: req.Path, contentType: contentType, options: options, lastStart: -1}
	t.mu.Unlock()

	location := (&url.URL{
		Path:     req.Path,
		RawQuery: url.Values{transport.UploadIDParam: {token}}.Encode(),
	}).String()
	return &transport.Response{
		StatusCode: http.StatusCreated,
		Header:     http.Header{header.Location: {location}},
	}, nil
}

func (t *Transport) putChunk(ctx context.Context, req transport.Request, bucket, key string) (*transport.Response, error) {
	token := req.Query.Get(transport.UploadIDParam)
	chunk, hasRange, err := header.ParseContentRange(req.Header.Get(header.ContentRange))
	if err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}
	if !hasRange && len(req.Body) > 0 {
		return errorResponse(http.StatusBadRequest, "missing header content-range but has payload"), nil
	}
	if hasRange && chunk.Len() != int64(len(req.Body)) {
		return errorResponse(http.StatusBadRequest, "content-range does not match the payload"), nil
	}

	t.mu.Lock()
	s, ok := t.sessions[token]
	if ok && s.path != req.Path {
		ok = false
	}
	if !ok {
		t.mu.Unlock()
		return errorResponse(http.StatusNotFound, "invalid upload token"), nil
	}
	if hasRange && !chunk.Empty {
		switch {
		case chunk.Start == s.lastStart:
			// resubmission of the last chunk
			s.data = append(s.data[:chunk.Start], req.Body...)
		case chunk.Start == int64(len(s.data)):
			s.lastStart = chunk.Start
			s.data = append(s.data, req.Body...)
		default:
			t.mu.Unlock()
			return errorResponse(http.StatusBadRequest, fmt.Sprintf("chunk starts at %d, expected %d", chunk.Start, len(s.data))), nil
		}
	}
	if hasRange && !chunk.Final() {
		committed := len(s.data)
		t.mu.Unlock()
		resp := &transport.Response{StatusCode: http.StatusPermanentRedirect, Header: http.Header{}}
		if committed > 0 {
			resp.Header.Set(header.Range, fmt.Sprintf("bytes=0-%d", committed-1))
		}
		return resp, nil
	}
	if !hasRange && s.lastStart < 0 {
		t.mu.Unlock()
		return errorResponse(http.StatusBadRequest, "no chunk was uploaded before finalizing without content-range"), nil
	}
	if hasRange && chunk.Total != int64(len(s.data)) {
		delete(t.sessions, token)
		t.mu.Unlock()
		return errorResponse(http.StatusBadRequest, fmt.Sprintf("declared size %d does not match the %d bytes uploaded", chunk.Total, len(s.data))), nil
	}
	data := append([]byte(nil), s.data...)
	t.mu.Unlock()

	resp, err := t.finish(ctx, s, data, bucket, key)
	if err == nil && resp.StatusCode == http.StatusOK {
		// the session stays open until the object is stored, so a failed finalize can be retried
		t.mu.Lock()
		if t.sessions[token] == s {
			delete(t.sessions, token)
		}
		t.mu.Unlock()
	}
	return resp, err
}

func (t *Transport) finish(ctx context.Context, s *session, data []byte, bucket, key string) (*transport.Response, error) {
	input := &s3.PutObjectInput{
		Body:          bytes.NewReader(data),
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		ContentType:   aws.String(s.contentType),
		ContentLength: aws.Int64(int64(len(data))),
	}
	for k, v := range s.options {
		if k == object.ACLOption {
			input.ACL = types.ObjectCannedACL(v)
			continue
		}
		if input.Metadata == nil {
			input.Metadata = map[string]string{}
		}
		input.Metadata[strings.TrimPrefix(k, object.MetadataPrefix)] = v
	}

	t.logger.Debugf("Uploading %s (%d bytes) to S3", s.path, len(data))
	out, err := t.uploader.Upload(ctx, input)
	if err != nil {
		return errorToResponse(err)
	}
	return &transport.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{header.ETag: {aws.ToString(out.ETag)}},
	}, nil
}

func objectHeader(contentType, etag *string, lastModified *time.Time, metadata map[string]string) http.Header {
	h := http.Header{}
	h.Set(header.ContentType, aws.ToString(contentType))
	if etag != nil {
		h.Set(header.ETag, *etag)
	}
	if lastModified != nil {
		h.Set(header.LastModified, lastModified.UTC().Format(http.TimeFormat))
	}
	for k, v := range metadata {
		h.Set(object.MetadataPrefix+strings.ToLower(k), v)
	}
	return h
}

// errorToResponse maps S3 API errors to the status codes of the protocol. Errors that did
// not come from the service are transport failures.
func errorToResponse(err error) (*transport.Response, error) {
	var apiError smithy.APIError
	if !errors.As(err, &apiError) {
		return nil, fmt.Errorf("%w: %s", storageerr.ErrTransport, err)
	}

	code := http.StatusInternalServerError
	switch apiError.(type) {
	case *types.NotFound, *types.NoSuchKey, *types.NoSuchBucket:
		code = http.StatusNotFound
	default:
		switch apiError.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			code = http.StatusNotFound
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			code = http.StatusForbidden
		case "InvalidRange":
			code = http.StatusRequestedRangeNotSatisfiable
		case "InvalidArgument", "InvalidRequest":
			code = http.StatusBadRequest
		}
	}
	return errorResponse(code, apiError.Error()), nil
}

func splitPath(path string) (bucket, key string) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == path || trimmed == "" {
		return "", ""
	}
	if i := strings.Index(trimmed, "/"); i >= 0 {
		return trimmed[:i], trimmed[i+1:]
	}
	return trimmed, ""
}

func errorResponse(code int, msg string) *transport.Response {
	return &transport.Response{
		StatusCode: code,
		Header:     http.Header{header.ContentType: {"text/plain; charset=utf-8"}},
		Body:       []byte(msg),
	}
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
