package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/devgate/internal/device"
	"github.com/nerrad567/devgate/internal/ports"
	"github.com/nerrad567/devgate/internal/proxy"
	"github.com/nerrad567/devgate/internal/webhook"
	"github.com/nerrad567/devgate/internal/worker"
)

// Error is the body of every error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes owned by the API. Proxy codes come from package proxy.
const (
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeDeviceNotFound   = proxy.CodeDeviceNotFound
	ErrCodeDeviceExists     = "DEVICE_EXISTS"
	ErrCodeMissingHash      = "DEVICE_HASH_REQUIRED"
	ErrCodeInvalidState     = "INVALID_STATE"
	ErrCodePortsExhausted   = "PORTS_EXHAUSTED"
	ErrCodeStartTimeout     = "START_TIMEOUT"
	ErrCodeStartFailed      = "START_FAILED"
	ErrCodeShuttingDown     = "SHUTTING_DOWN"
	ErrCodeSignatureInvalid = "SIGNATURE_INVALID"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // best-effort write; the client may be gone
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps package sentinel errors onto a status and code.
// Messages are fixed strings so no internal detail reaches the client.
func writeDomainError(w http.ResponseWriter, err error) {
	if perr, ok := proxy.AsError(err); ok {
		writeError(w, perr.Status, perr.Code, perr.Message)
		return
	}

	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, ErrCodeDeviceNotFound, "device not found")
	case errors.Is(err, device.ErrDeviceExists):
		writeError(w, http.StatusConflict, ErrCodeDeviceExists, "device already exists")
	case isValidationError(err):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, device.ErrInvalidTransition):
		writeError(w, http.StatusConflict, ErrCodeInvalidState, "operation not allowed in the current device status")
	case errors.Is(err, worker.ErrRestarting):
		writeError(w, http.StatusConflict, ErrCodeInvalidState, "device is restarting")
	case errors.Is(err, worker.ErrNotRunning):
		writeError(w, http.StatusConflict, ErrCodeInvalidState, "device is not running")
	case errors.Is(err, ports.ErrExhausted):
		writeError(w, http.StatusServiceUnavailable, ErrCodePortsExhausted, "no free worker port")
	case errors.Is(err, worker.ErrStartTimeout):
		writeError(w, http.StatusGatewayTimeout, ErrCodeStartTimeout, "worker did not become ready in time")
	case errors.Is(err, worker.ErrStartFailed):
		writeError(w, http.StatusBadGateway, ErrCodeStartFailed, "worker failed to start")
	case errors.Is(err, worker.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, ErrCodeShuttingDown, "gateway is shutting down")
	case errors.Is(err, webhook.ErrSignatureInvalid):
		writeError(w, http.StatusUnauthorized, ErrCodeSignatureInvalid, "signature does not match payload")
	default:
		writeInternalError(w, "internal error")
	}
}

// isValidationError reports whether err came from device validation.
func isValidationError(err error) bool {
	return errors.Is(err, device.ErrInvalidDevice) ||
		errors.Is(err, device.ErrInvalidHash) ||
		errors.Is(err, device.ErrInvalidName) ||
		errors.Is(err, device.ErrInvalidWebhookURL) ||
		errors.Is(err, device.ErrInvalidStatus)
}
