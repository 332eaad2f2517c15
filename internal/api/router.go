package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/devgate/internal/auth"
)

// HeaderDeviceHash selects the target device on /login and /worker/*.
const HeaderDeviceHash = "X-Device-Hash"

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeBadRequest, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/devices", func(r chi.Router) {
				r.With(s.require(auth.PermDeviceRead)).Get("/", s.handleListDevices)
				r.With(s.require(auth.PermDeviceConfigure)).Post("/", s.handleRegisterDevice)

				r.Route("/{hash}", func(r chi.Router) {
					r.With(s.require(auth.PermDeviceRead)).Get("/", s.handleGetDevice)
					r.With(s.require(auth.PermDeviceConfigure)).Delete("/", s.handleDeleteDevice)

					r.Group(func(r chi.Router) {
						r.Use(s.require(auth.PermDeviceOperate))
						r.Post("/start", s.handleStartDevice)
						r.Post("/stop", s.handleStopDevice)
						r.Post("/restart", s.handleRestartDevice)
					})
				})
			})

			r.Group(func(r chi.Router) {
				r.Use(s.require(auth.PermDeviceOperate))
				r.Get("/login", s.handleLogin)
				r.HandleFunc("/worker/*", s.handleWorkerPassthrough)
			})

			r.With(s.require(auth.PermWebhookVerify)).Post("/webhooks/verify", s.handleVerifyWebhook)

			r.With(s.require(auth.PermDeviceRead)).Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
