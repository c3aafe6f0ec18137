package upload

import (
	"context"
	"fmt"
	"time"
)

// Writer streams data into a Session. Data is buffered and submitted in chunks of
// Config.ChunkSize bytes, Close finalizes the object with whatever is still buffered.
// The session is started by the first Write or Close.
type Writer struct {
	ctx     context.Context
	session *Session
	config  Config
	stats   *Stats

	buf    []byte
	result Result
	err    error
	closed bool
}

// NewWriter returns a Writer feeding session. ctx is used for every request.
func NewWriter(ctx context.Context, session *Session, config Config) (*Writer, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Writer{
		ctx:     ctx,
		session: session,
		config:  config,
		stats:   NewStats(),
	}, nil
}

// Write implements io.Writer. After a failed chunk submission every call returns the
// same error.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("write %s: %w: writer is closed", w.session.Path(), ErrInvalidState)
	}
	if w.err != nil {
		return 0, w.err
	}
	if err := w.startIfNeeded(); err != nil {
		return 0, err
	}

	w.buf = append(w.buf, p...)
	// The last chunk is kept back for Close so the object is finalized with content.
	for len(w.buf) > w.config.ChunkSize {
		chunk := w.buf[:w.config.ChunkSize]
		if err := w.submit(chunk); err != nil {
			w.err = err
			return len(p), err
		}
		w.buf = append([]byte(nil), w.buf[w.config.ChunkSize:]...)
	}
	return len(p), nil
}

// Close submits the buffered data as the final chunk. Closing twice is a no-op.
func (w *Writer) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}
	if err := w.startIfNeeded(); err != nil {
		return err
	}

	start := time.Now()
	name := fmt.Sprintf("final chunk of %s", w.session.Path())
	err := submitWithRetry(w.ctx, w.config, w.session.logger, name, func() error {
		result, err := w.session.Finalize(w.ctx, w.buf)
		if err != nil {
			return err
		}
		w.result = result
		return nil
	})
	if err != nil {
		w.err = err
		return err
	}
	if len(w.buf) > 0 {
		w.stats.Update(time.Since(start), len(w.buf))
	}
	w.buf = nil
	return nil
}

// Result is set after a successful Close.
func (w *Writer) Result() Result {
	return w.result
}

// Stats returns the upload statistics.
func (w *Writer) Stats() *Stats {
	return w.stats
}

func (w *Writer) startIfNeeded() error {
	if w.session.State() != Unstarted {
		return nil
	}
	if err := w.session.Start(w.ctx); err != nil {
		w.err = err
		return err
	}
	return nil
}

func (w *Writer) submit(chunk []byte) error {
	index := w.stats.FinishedCount() + 1
	w.session.logger.Debugf("Uploading chunk %d of %s [avg=%v]", index, w.session.Path(), w.stats.Average().Round(time.Millisecond))

	start := time.Now()
	name := fmt.Sprintf("chunk %d of %s", index, w.session.Path())
	if err := submitWithRetry(w.ctx, w.config, w.session.logger, name, func() error {
		return w.session.Write(w.ctx, chunk)
	}); err != nil {
		return err
	}
	w.stats.Update(time.Since(start), len(chunk))
	return nil
}

// UploadFrom starts the session if needed and uploads every chunk of provider, the last
// one finalizing the object. Empty chunks are skipped.
func (s *Session) UploadFrom(ctx context.Context, provider ChunkProvider, config Config) (Result, error) {
	if s.state == Unstarted {
		if err := s.Start(ctx); err != nil {
			return Result{}, err
		}
	}

	numChunks := provider.NumChunks()
	for i := 0; i < numChunks-1; i++ {
		chunk, err := provider.GetChunk(i)
		if err != nil {
			return Result{}, fmt.Errorf("get chunk %d: %w", i+1, err)
		}
		name := fmt.Sprintf("chunk %d/%d of %s", i+1, numChunks, s.path)
		if err := submitWithRetry(ctx, config, s.logger, name, func() error {
			return s.Write(ctx, chunk)
		}); err != nil {
			return Result{}, err
		}
	}

	var last []byte
	if numChunks > 0 {
		chunk, err := provider.GetChunk(numChunks - 1)
		if err != nil {
			return Result{}, fmt.Errorf("get chunk %d: %w", numChunks, err)
		}
		last = chunk
	}

	var result Result
	name := fmt.Sprintf("final chunk of %s", s.path)
	err := submitWithRetry(ctx, config, s.logger, name, func() error {
		r, err := s.Finalize(ctx, last)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}
