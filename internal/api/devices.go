package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/devgate/internal/device"
	"github.com/nerrad567/devgate/internal/worker"
)

// registerRequest is the body of POST /devices. DeviceHash is generated
// when omitted.
type registerRequest struct {
	DeviceHash          string `json:"deviceHash"`
	Name                string `json:"name"`
	WebhookURL          string `json:"webhookUrl"`
	WebhookSecret       string `json:"webhookSecret"`
	StatusWebhookURL    string `json:"statusWebhookUrl"`
	StatusWebhookSecret string `json:"statusWebhookSecret"`
}

// deviceInfo is the body of GET /devices/{hash}. Worker is nil unless a
// worker is live.
type deviceInfo struct {
	Device        device.Device    `json:"device"`
	Worker        *worker.Snapshot `json:"worker"`
	NextRestartAt *time.Time       `json:"nextRestartAt,omitempty"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	d := &device.Device{
		Hash:                req.DeviceHash,
		Name:                req.Name,
		WebhookURL:          req.WebhookURL,
		WebhookSecret:       req.WebhookSecret,
		StatusWebhookURL:    req.StatusWebhookURL,
		StatusWebhookSecret: req.StatusWebhookSecret,
	}
	if err := s.registry.Create(r.Context(), d); err != nil {
		s.logDomainError(r, "register device", d.Hash, err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// handleListDevices accepts ?status=active,connected.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var filter device.Filter
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := device.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				writeDomainError(w, err)
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}

	devices, err := s.registry.List(r.Context(), filter)
	if err != nil {
		s.logDomainError(r, "list devices", "", err)
		writeInternalError(w, "failed to list devices")
		return
	}
	if devices == nil {
		devices = []device.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	d, err := s.registry.FindByHash(r.Context(), hash)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	info := deviceInfo{Device: *d}
	if snap, ok := s.workers.Get(hash); ok {
		info.Worker = &snap
	}
	if at, ok := s.workers.NextRestart(hash); ok {
		info.NextRestartAt = &at
	}
	writeJSON(w, http.StatusOK, info)
}

// handleDeleteDevice stops a live worker before removing the record.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	ctx := r.Context()

	if _, err := s.registry.FindByHash(ctx, hash); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.workers.Stop(ctx, hash, true); err != nil && !errors.Is(err, worker.ErrNotRunning) {
		s.logDomainError(r, "stop before delete", hash, err)
		writeDomainError(w, err)
		return
	}
	s.proxy.Forget(hash)

	if err := s.registry.Delete(ctx, hash); err != nil {
		s.logDomainError(r, "delete device", hash, err)
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartDevice(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "start device", s.workers.Start)
}

func (s *Server) handleRestartDevice(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "restart device", s.workers.Restart)
}

// lifecycle runs a start-like operation and answers with the device and
// the new worker snapshot.
func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, hash string) (worker.Snapshot, error)) {
	hash := chi.URLParam(r, "hash")
	snap, err := fn(r.Context(), hash)
	if err != nil {
		s.logDomainError(r, op, hash, err)
		writeDomainError(w, err)
		return
	}

	d, err := s.registry.FindByHash(r.Context(), hash)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceInfo{Device: *d, Worker: &snap})
}

// handleStopDevice stops gracefully unless ?graceful=false.
func (s *Server) handleStopDevice(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	graceful := r.URL.Query().Get("graceful") != "false"

	if err := s.workers.Stop(r.Context(), hash, graceful); err != nil {
		s.logDomainError(r, "stop device", hash, err)
		writeDomainError(w, err)
		return
	}

	d, err := s.registry.FindByHash(r.Context(), hash)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceInfo{Device: *d})
}

// logDomainError logs failures that are not plain client mistakes.
func (s *Server) logDomainError(r *http.Request, op, hash string, err error) {
	if errors.Is(err, device.ErrDeviceNotFound) || isValidationError(err) ||
		errors.Is(err, device.ErrDeviceExists) || errors.Is(err, worker.ErrNotRunning) {
		return
	}
	s.logger.Warn(op+" failed",
		"device_hash", hash,
		"error", err,
		"request_id", r.Context().Value(ctxKeyRequestID),
	)
}
