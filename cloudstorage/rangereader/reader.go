// Package rangereader reads an object through buffered range requests.
package rangereader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/header"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/object"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/storageerr"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/transport"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// DefaultBufferSize is the size of a refill request if Options.BufferSize is not set.
const DefaultBufferSize = 1024 * 1024

var (
	// ErrClosed is returned by every operation on a closed Reader.
	ErrClosed = errors.New("reader is closed")
	// ErrContentChanged means the object was replaced after the Reader was opened.
	ErrContentChanged = errors.New("object content changed while reading")
)

// Options ...
type Options struct {
	// BufferSize is the number of bytes fetched per range request.
	BufferSize int
	// MaxRetries is the number of times a failed idempotent request is resubmitted.
	// Each attempt goes through the Transport, so with a retrying Transport such as
	// transport.HTTP the attempts multiply; leave it at 0 there unless that is intended.
	MaxRetries uint
	RetryWait  time.Duration
	Logger     log.Logger
}

// Reader implements io.ReadSeekCloser over one object. Only one range request is
// issued at a time, and only when a Read needs bytes outside the current buffer.
// A Reader is not safe for concurrent use.
type Reader struct {
	ctx        context.Context
	transport  transport.Transport
	logger     log.Logger
	bufferSize int64
	maxRetries uint
	retryWait  time.Duration

	stat   object.Stat
	offset int64
	base   int64
	buf    []byte
	closed bool
}

// Open looks up the object at path and returns a Reader positioned at its first byte.
// ctx is used for every request the Reader sends.
func Open(ctx context.Context, t transport.Transport, path string, opts Options) (*Reader, error) {
	if err := object.ValidateFilePath(path); err != nil {
		return nil, err
	}
	if opts.BufferSize < 0 {
		return nil, fmt.Errorf("buffer size should not be negative, got %d", opts.BufferSize)
	}
	if opts.BufferSize == 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}

	r := &Reader{
		ctx:        ctx,
		transport:  t,
		logger:     opts.Logger,
		bufferSize: int64(opts.BufferSize),
		maxRetries: opts.MaxRetries,
		retryWait:  opts.RetryWait,
	}

	err := r.withRetry("stat "+path, func() error {
		stat, err := object.StatObject(ctx, t, path)
		if err != nil {
			return err
		}
		r.stat = stat
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debugf("Opened %s (%d bytes, etag %s)", path, r.stat.Size, r.stat.ETag)
	return r, nil
}

// Read fills p from the buffer, refilling it as often as needed. At the end of the object
// it returns a short count, and 0, io.EOF afterwards.
func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	n := 0
	for n < len(p) && r.offset < r.stat.Size {
		if !r.buffered(r.offset) {
			if err := r.refill(); err != nil {
				return n, err
			}
		}
		copied := copy(p[n:], r.buf[r.offset-r.base:])
		n += copied
		r.offset += int64(copied)
	}

	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Seek implements io.Seeker. Seeking beyond the end is allowed, subsequent reads return
// io.EOF. The buffer is kept if the new offset is inside it.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	if r.closed {
		return 0, ErrClosed
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.offset + offset
	case io.SeekEnd:
		abs = r.stat.Size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("negative position %d", abs)
	}

	r.offset = abs
	if !r.buffered(abs) {
		r.buf = nil
	}
	return abs, nil
}

// Tell returns the offset of the next byte to read.
func (r *Reader) Tell() int64 {
	return r.offset
}

// Size ...
func (r *Reader) Size() int64 {
	return r.stat.Size
}

// Stat returns the object metadata seen when the Reader was opened.
func (r *Reader) Stat() object.Stat {
	return r.stat
}

// Close releases the buffer. Closing twice is not an error.
func (r *Reader) Close() error {
	r.closed = true
	r.buf = nil
	return nil
}

func (r *Reader) buffered(offset int64) bool {
	return offset >= r.base && offset < r.base+int64(len(r.buf))
}

func (r *Reader) refill() error {
	rng := header.RangeSpec{Start: r.offset, End: r.offset + r.bufferSize - 1}
	if rng.End > r.stat.Size-1 {
		rng.End = r.stat.Size - 1
	}

	var data []byte
	err := r.withRetry(fmt.Sprintf("read %s [%d-%d]", r.stat.Path, rng.Start, rng.End), func() error {
		var err error
		data, err = r.fetch(rng)
		return err
	})
	if err != nil {
		return err
	}

	r.base = rng.Start
	r.buf = data
	return nil
}

func (r *Reader) fetch(rng header.RangeSpec) ([]byte, error) {
	req := transport.NewRequest(http.MethodGet, r.stat.Path)
	req.Header.Set(header.Range, header.FormatRange(rng))

	r.logger.Debugf("Fetching %s %s", r.stat.Path, req.Header.Get(header.Range))
	resp, err := r.transport.Do(r.ctx, req)
	if err != nil {
		return nil, err
	}
	if err := storageerr.CheckStatus(resp.StatusCode, resp.Header, resp.Body, http.StatusOK, http.StatusPartialContent); err != nil {
		return nil, err
	}

	if etag := object.NormalizeETag(resp.Header.Get(header.ETag)); etag != "" && r.stat.ETag != "" && etag != r.stat.ETag {
		return nil, fmt.Errorf("%w: etag %s, expected %s", ErrContentChanged, etag, r.stat.ETag)
	}
	if chunk, ok, err := header.ParseContentRange(resp.Header.Get(header.ContentRange)); err != nil {
		return nil, err
	} else if ok {
		if chunk.Final() && chunk.Total != r.stat.Size {
			return nil, fmt.Errorf("%w: size %d, expected %d", ErrContentChanged, chunk.Total, r.stat.Size)
		}
		if chunk.Start != rng.Start {
			return nil, storageerr.ProtocolFormatf("response starts at %d, requested %d", chunk.Start, rng.Start)
		}
	}
	if int64(len(resp.Body)) != rng.Len() {
		return nil, storageerr.ProtocolFormatf("got %d bytes for range %s", len(resp.Body), header.FormatRange(rng))
	}

	return resp.Body, nil
}

func (r *Reader) withRetry(op string, action func() error) error {
	err := retry.Times(r.maxRetries).Wait(r.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if attempt > 0 {
			r.logger.Warnf("%s: retrying (attempt %d/%d)", op, attempt+1, r.maxRetries+1)
		}
		err := action()
		if err != nil && storageerr.IsRetryable(err) {
			return err, false
		}
		return err, true
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
