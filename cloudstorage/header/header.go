// Package header parses and formats the range, content-range and content-type headers of
// the storage protocol.
package header

import (
	"fmt"
	"mime"
	"regexp"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/storageerr"
)

// Header names used on the wire.
const (
	Range        = "Range"
	ContentRange = "Content-Range"
	ContentType  = "Content-Type"
	Location     = "Location"
	ETag         = "ETag"
	LastModified = "Last-Modified"
)

// DefaultContentType is assumed when a request carries no content-type.
const DefaultContentType = "binary/octet-stream"

const (
	// Unbounded marks a RangeSpec without an end offset.
	Unbounded int64 = -1
	// UnknownTotal marks a non-final ContentRangeChunk.
	UnknownTotal int64 = -1
)

var (
	rangePattern        = regexp.MustCompile(`^bytes=([0-9]+)-([0-9]*)$`)
	contentRangePattern = regexp.MustCompile(`^bytes ([0-9]+)-([0-9]+)/([0-9]+|\*)$`)
	emptyFinalPattern   = regexp.MustCompile(`^bytes \*/([0-9]+)$`)
)

// RangeSpec is an inclusive byte range request.
type RangeSpec struct {
	Start int64
	End   int64
}

// IsUnbounded ...
func (r RangeSpec) IsUnbounded() bool {
	return r.End == Unbounded
}

// Len returns the number of bytes spanned by a bounded range.
func (r RangeSpec) Len() int64 {
	if r.IsUnbounded() {
		return -1
	}
	return r.End - r.Start + 1
}

// ContentRangeChunk describes the position of one upload chunk within the final object.
type ContentRangeChunk struct {
	Start int64
	End   int64
	Total int64
	// Empty chunks carry no bytes and only declare the final size (`bytes */<total>`).
	Empty bool
}

// Final reports whether the chunk declares the final object size.
func (c ContentRangeChunk) Final() bool {
	return c.Total != UnknownTotal
}

// Len returns the number of bytes carried by the chunk.
func (c ContentRangeChunk) Len() int64 {
	if c.Empty {
		return 0
	}
	return c.End - c.Start + 1
}

// ParseRange parses a `bytes=<start>-<end>` request header. An empty value requests the
// whole object.
func ParseRange(value string) (RangeSpec, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return RangeSpec{Start: 0, End: Unbounded}, nil
	}

	m := rangePattern.FindStringSubmatch(value)
	if m == nil {
		return RangeSpec{}, storageerr.ProtocolFormatf("invalid range header %q", value)
	}
	start, err := parseOffset(m[1])
	if err != nil {
		return RangeSpec{}, storageerr.ProtocolFormatf("invalid range header %q: %s", value, err)
	}
	if m[2] == "" {
		return RangeSpec{Start: start, End: Unbounded}, nil
	}
	end, err := parseOffset(m[2])
	if err != nil {
		return RangeSpec{}, storageerr.ProtocolFormatf("invalid range header %q: %s", value, err)
	}
	if end < start {
		return RangeSpec{}, storageerr.ProtocolFormatf("invalid range header %q: end before start", value)
	}

	return RangeSpec{Start: start, End: end}, nil
}

// FormatRange is the inverse of ParseRange.
func FormatRange(r RangeSpec) string {
	if r.IsUnbounded() {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// ParseContentRange parses a `bytes <start>-<end>/<total|*>` or `bytes */<total>` header.
// ok is false if the header is absent, which is distinct from a parsed chunk.
func ParseContentRange(value string) (chunk ContentRangeChunk, ok bool, err error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return ContentRangeChunk{}, false, nil
	}

	if m := emptyFinalPattern.FindStringSubmatch(value); m != nil {
		total, err := parseOffset(m[1])
		if err != nil {
			return ContentRangeChunk{}, false, storageerr.ProtocolFormatf("invalid content-range header %q: %s", value, err)
		}
		return ContentRangeChunk{Start: total, End: total - 1, Total: total, Empty: true}, true, nil
	}

	m := contentRangePattern.FindStringSubmatch(value)
	if m == nil {
		return ContentRangeChunk{}, false, storageerr.ProtocolFormatf("invalid content-range header %q", value)
	}
	start, err := parseOffset(m[1])
	if err != nil {
		return ContentRangeChunk{}, false, storageerr.ProtocolFormatf("invalid content-range header %q: %s", value, err)
	}
	end, err := parseOffset(m[2])
	if err != nil {
		return ContentRangeChunk{}, false, storageerr.ProtocolFormatf("invalid content-range header %q: %s", value, err)
	}
	if end < start {
		return ContentRangeChunk{}, false, storageerr.ProtocolFormatf("invalid content-range header %q: end before start", value)
	}

	total := UnknownTotal
	if m[3] != "*" {
		total, err = parseOffset(m[3])
		if err != nil {
			return ContentRangeChunk{}, false, storageerr.ProtocolFormatf("invalid content-range header %q: %s", value, err)
		}
		if end >= total {
			return ContentRangeChunk{}, false, storageerr.ProtocolFormatf("invalid content-range header %q: end beyond total", value)
		}
	}

	return ContentRangeChunk{Start: start, End: end, Total: total}, true, nil
}

// FormatContentRange is the inverse of ParseContentRange.
func FormatContentRange(c ContentRangeChunk) string {
	if c.Empty {
		return fmt.Sprintf("bytes */%d", c.Total)
	}
	if !c.Final() {
		return fmt.Sprintf("bytes %d-%d/*", c.Start, c.End)
	}
	return fmt.Sprintf("bytes %d-%d/%d", c.Start, c.End, c.Total)
}

// FormatRangeResult states which span of an object of the given size a response carries.
func FormatRangeResult(start, end, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", start, end, size)
}

// ResolveUnbounded resolves rng for an object of knownSize bytes: an unbounded or
// overlong end is clamped to the last byte.
func ResolveUnbounded(rng RangeSpec, knownSize int64) (RangeSpec, error) {
	if rng.Start >= knownSize {
		return RangeSpec{}, fmt.Errorf("%w: start %d, size %d", storageerr.ErrOutOfRange, rng.Start, knownSize)
	}
	end := rng.End
	if rng.IsUnbounded() || end > knownSize-1 {
		end = knownSize - 1
	}
	return RangeSpec{Start: rng.Start, End: end}, nil
}

// ParseContentType validates a content-type header, falling back to DefaultContentType.
func ParseContentType(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultContentType, nil
	}
	if _, _, err := mime.ParseMediaType(value); err != nil {
		return "", storageerr.ProtocolFormatf("invalid content-type header %q: %s", value, err)
	}
	return value, nil
}

func parseOffset(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
