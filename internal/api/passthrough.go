package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/devgate/internal/proxy"
)

// handleLogin forwards to the worker's login endpoint. The proxy inlines
// the QR image so the client gets base64 instead of a worker-local link.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, s.proxy.LoginPath())
}

// handleWorkerPassthrough forwards /api/v1/worker/{rest} to /{rest} on
// the worker.
func (s *Server) handleWorkerPassthrough(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, "/"+chi.URLParam(r, "*"))
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, path string) {
	hash := r.Header.Get(HeaderDeviceHash)
	if hash == "" {
		writeError(w, http.StatusBadRequest, ErrCodeMissingHash, HeaderDeviceHash+" header is required")
		return
	}

	resp, err := s.proxy.Route(r.Context(), hash, proxy.Request{
		Method:   r.Method,
		Path:     path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     r.Body,
	})
	if err != nil {
		if perr, ok := proxy.AsError(err); ok && perr.Status >= http.StatusInternalServerError {
			s.logger.Warn("proxy request failed",
				"device_hash", hash,
				"path", path,
				"code", perr.Code,
				"error", err,
			)
		}
		writeDomainError(w, err)
		return
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	//nolint:errcheck // best-effort write; the client may be gone
	w.Write(resp.Body)
}
