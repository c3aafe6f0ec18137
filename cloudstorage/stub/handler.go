package stub

import (
	"io"
	"net/http"
	"strconv"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/go-chi/chi/v5"
)

// Handler serves the service over HTTP, e.g. from an httptest.Server.
func (s *Service) Handler() http.Handler {
	return NewHandler(s, s.logger)
}

// NewHandler serves the wire protocol over HTTP, passing every request to t.
func NewHandler(t transport.Transport, logger log.Logger) http.Handler {
	h := handler{transport: t, logger: logger}
	r := chi.NewRouter()

	r.Get("/{bucket}", h.serve)
	r.Post("/{bucket}/*", h.serve)
	r.Put("/{bucket}/*", h.serve)
	r.Get("/{bucket}/*", h.serve)
	r.Head("/{bucket}/*", h.serve)
	r.Delete("/{bucket}/*", h.serve)

	return r
}

type handler struct {
	transport transport.Transport
	logger    log.Logger
}

func (h handler) serve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := transport.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header,
	}
	if len(body) > 0 {
		req.Body = body
	}

	resp, err := h.transport.Do(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	if w.Header().Get("Content-Length") == "" && resp.StatusCode != http.StatusNoContent {
		w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		if _, err := w.Write(resp.Body); err != nil {
			h.logger.Warnf("write response: %s", err)
		}
	}
}
