package stub

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/header"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/listing"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/object"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/transport"
)

// command is one decoded protocol request. Every variant executes with the service lock held.
type command interface {
	execute(s *Service) *transport.Response
}

type route struct {
	method string
	bucket bool
}

type decoder func(s *Service, req transport.Request) (command, error)

var decoders = map[route]decoder{
	{method: http.MethodPost}:              decodeStartUpload,
	{method: http.MethodPut}:               decodePutChunk,
	{method: http.MethodGet}:               decodeGetObject,
	{method: http.MethodGet, bucket: true}: decodeGetBucket,
	{method: http.MethodHead}:              decodeHeadObject,
	{method: http.MethodDelete}:            decodeDeleteObject,
}

type startUpload struct {
	path        string
	contentType string
	options     map[string]string
}

func decodeStartUpload(_ *Service, req transport.Request) (command, error) {
	if err := object.ValidateFilePath(req.Path); err != nil {
		return nil, err
	}
	contentType, err := header.ParseContentType(req.Header.Get(header.ContentType))
	if err != nil {
		return nil, err
	}

	options := map[string]string{}
	for k, values := range req.Header {
		lower := strings.ToLower(k)
		if (lower == object.ACLOption || strings.HasPrefix(lower, object.MetadataPrefix)) && len(values) > 0 {
			options[lower] = values[0]
		}
	}
	if err := object.ValidateOptions(options); err != nil {
		return nil, err
	}

	return startUpload{path: req.Path, contentType: contentType, options: options}, nil
}

func (c startUpload) execute(s *Service) *transport.Response {
	token, err := s.newToken()
	if err != nil {
		return errorResponse(http.StatusInternalServerError, err.Error())
	}
	s.sessions[token] = &uploadSession{
		path:        c.path,
		contentType: c.contentType,
		options:     c.options,
		chunks:      map[int64][]byte{},
	}
	s.logger.Debugf("Started upload %s for %s", token, c.path)

	location := (&url.URL{
		Path:     c.path,
		RawQuery: url.Values{transport.UploadIDParam: {token}}.Encode(),
	}).String()
	return &transport.Response{
		StatusCode: http.StatusCreated,
		Header: http.Header{
			header.Location:    {location},
			header.ContentType: {c.contentType},
		},
	}
}

type putChunk struct {
	path     string
	token    string
	chunk    header.ContentRangeChunk
	hasRange bool
	payload  []byte
}

func decodePutChunk(_ *Service, req transport.Request) (command, error) {
	token := req.Query.Get(transport.UploadIDParam)
	if token == "" {
		return nil, fmt.Errorf("missing %s parameter", transport.UploadIDParam)
	}
	chunk, ok, err := header.ParseContentRange(req.Header.Get(header.ContentRange))
	if err != nil {
		return nil, err
	}
	switch {
	case ok && chunk.Len() != int64(len(req.Body)):
		return nil, fmt.Errorf("invalid content range %s for %d bytes of payload", header.FormatContentRange(chunk), len(req.Body))
	case !ok && len(req.Body) > 0:
		return nil, fmt.Errorf("missing header content-range but has payload")
	}

	return putChunk{
		path:     req.Path,
		token:    token,
		chunk:    chunk,
		hasRange: ok,
		payload:  req.Body,
	}, nil
}

func (c putChunk) execute(s *Service) *transport.Response {
	session, ok := s.sessions[c.token]
	if !ok {
		return errorResponse(http.StatusNotFound, "invalid upload token")
	}
	if session.path != c.path {
		return errorResponse(http.StatusBadRequest, fmt.Sprintf("upload token belongs to %s", session.path))
	}

	if c.hasRange && !c.chunk.Empty {
		session.chunks[c.chunk.Start] = append([]byte(nil), c.payload...)
	}

	if c.hasRange && !c.chunk.Final() {
		resp := &transport.Response{StatusCode: http.StatusPermanentRedirect, Header: http.Header{}}
		if committed := session.committed(); committed > 0 {
			resp.Header.Set(header.Range, fmt.Sprintf("bytes=0-%d", committed-1))
		}
		return resp
	}

	if !c.hasRange && len(session.chunks) == 0 {
		return errorResponse(http.StatusBadRequest, "no chunk was uploaded before finalizing without content-range")
	}
	return s.finish(c.token, session, c.chunk, c.hasRange)
}

func (s *Service) finish(token string, session *uploadSession, chunk header.ContentRangeChunk, declared bool) *transport.Response {
	delete(s.sessions, token)

	content, err := session.assemble()
	if err != nil {
		return errorResponse(http.StatusBadRequest, err.Error())
	}
	if declared && chunk.Total != int64(len(content)) {
		return errorResponse(http.StatusBadRequest, fmt.Sprintf("declared size %d does not match the %d bytes uploaded", chunk.Total, len(content)))
	}

	obj := s.store(session.path, content, session.contentType, session.options)
	s.logger.Debugf("Finalized upload %s: %s (%d bytes)", token, session.path, len(content))

	return &transport.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{header.ETag: {quote(obj.etag)}},
	}
}

type getObject struct {
	path string
	rng  header.RangeSpec
}

func decodeGetObject(_ *Service, req transport.Request) (command, error) {
	if err := object.ValidateFilePath(req.Path); err != nil {
		return nil, err
	}
	rng, err := header.ParseRange(req.Header.Get(header.Range))
	if err != nil {
		return nil, err
	}
	return getObject{path: req.Path, rng: rng}, nil
}

func (c getObject) execute(s *Service) *transport.Response {
	obj, ok := s.objects[c.path]
	if !ok {
		return errorResponse(http.StatusNotFound, "file does not exist")
	}

	resp := &transport.Response{StatusCode: http.StatusOK, Header: obj.header()}
	size := int64(len(obj.data))
	if size == 0 && c.rng.Start == 0 {
		resp.Header.Set("Content-Length", "0")
		return resp
	}

	resolved, err := header.ResolveUnbounded(c.rng, size)
	if err != nil {
		r := errorResponse(http.StatusRequestedRangeNotSatisfiable, err.Error())
		r.Header.Set(header.ContentRange, fmt.Sprintf("bytes */%d", size))
		return r
	}
	resp.Body = append([]byte(nil), obj.data[resolved.Start:resolved.End+1]...)
	resp.Header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	resp.Header.Set(header.ContentRange, header.FormatRangeResult(resolved.Start, resolved.End, size))
	return resp
}

type getBucket struct {
	bucket  string
	prefix  string
	marker  string
	maxKeys int
}

func decodeGetBucket(s *Service, req transport.Request) (command, error) {
	if err := object.ValidateBucketPath(req.Path); err != nil {
		return nil, err
	}
	maxKeys := s.pageLimit
	if v := req.Query.Get("max-keys"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid max-keys %q", v)
		}
		if n < maxKeys {
			maxKeys = n
		}
	}
	return getBucket{
		bucket:  req.Path,
		prefix:  req.Query.Get("prefix"),
		marker:  req.Query.Get("marker"),
		maxKeys: maxKeys,
	}, nil
}

func (c getBucket) execute(s *Service) *transport.Response {
	var keys []string
	for path := range s.objects {
		key := strings.TrimPrefix(path, c.bucket+"/")
		if key == path || !strings.HasPrefix(key, c.prefix) {
			continue
		}
		if c.marker != "" && key <= c.marker {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	page := listing.Page{
		Bucket:  c.bucket,
		Prefix:  c.prefix,
		Marker:  c.marker,
		MaxKeys: c.maxKeys,
	}
	if len(keys) > c.maxKeys {
		keys = keys[:c.maxKeys]
		page.HasNext = true
		if len(keys) > 0 {
			page.NextMarker = keys[len(keys)-1]
		} else {
			page.NextMarker = c.marker
		}
	}
	for _, key := range keys {
		obj := s.objects[c.bucket+"/"+key]
		page.Entries = append(page.Entries, object.Stat{
			Path:    c.bucket + "/" + key,
			Size:    int64(len(obj.data)),
			Created: obj.created,
			ETag:    obj.etag,
		})
	}

	body, err := listing.EncodePage(page)
	if err != nil {
		return errorResponse(http.StatusInternalServerError, err.Error())
	}
	return &transport.Response{
		StatusCode: http.StatusOK,
		Header: http.Header{
			header.ContentType: {"application/xml"},
			"Content-Length":   {strconv.Itoa(len(body))},
		},
		Body: body,
	}
}

type headObject struct {
	path string
}

func decodeHeadObject(_ *Service, req transport.Request) (command, error) {
	if err := object.ValidateFilePath(req.Path); err != nil {
		return nil, err
	}
	return headObject{path: req.Path}, nil
}

func (c headObject) execute(s *Service) *transport.Response {
	obj, ok := s.objects[c.path]
	if !ok {
		return &transport.Response{StatusCode: http.StatusNotFound, Header: http.Header{}}
	}
	h := obj.header()
	h.Set("Content-Length", strconv.Itoa(len(obj.data)))
	return &transport.Response{StatusCode: http.StatusOK, Header: h}
}

type deleteObject struct {
	path string
}

func decodeDeleteObject(_ *Service, req transport.Request) (command, error) {
	if err := object.ValidateFilePath(req.Path); err != nil {
		return nil, err
	}
	return deleteObject{path: req.Path}, nil
}

func (c deleteObject) execute(s *Service) *transport.Response {
	if _, ok := s.objects[c.path]; !ok {
		return &transport.Response{StatusCode: http.StatusNotFound, Header: http.Header{}}
	}
	delete(s.objects, c.path)
	return &transport.Response{StatusCode: http.StatusNoContent, Header: http.Header{}}
}

func (o *storedObject) header() http.Header {
	h := http.Header{}
	h.Set(header.ContentType, o.contentType)
	h.Set(header.ETag, quote(o.etag))
	h.Set(header.LastModified, o.created.Format(http.TimeFormat))
	for k, v := range o.options {
		if strings.HasPrefix(k, object.MetadataPrefix) {
			h.Set(k, v)
		}
	}
	return h
}

func quote(etag string) string {
	return `"` + etag + `"`
}
