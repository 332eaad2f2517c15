package proxy

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned to API clients.
const (
	CodeDeviceNotFound       = "DEVICE_NOT_FOUND"
	CodeDeviceNotActive      = "DEVICE_NOT_ACTIVE"
	CodeContainerNotFound    = "CONTAINER_NOT_FOUND"
	CodeContainerUnreachable = "CONTAINER_UNREACHABLE"
	CodeDeviceBusy           = "DEVICE_BUSY"
	CodeProxyError           = "PROXY_ERROR"
)

// Error is a routing failure with the HTTP status and code the API reports.
type Error struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("proxy: %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("proxy: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a routing error from err.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

func errDeviceNotFound(err error) *Error {
	return &Error{Status: http.StatusNotFound, Code: CodeDeviceNotFound, Message: "device not found", Err: err}
}

func errDeviceNotActive(status string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: CodeDeviceNotActive, Message: "device is not active (status " + status + ")"}
}

func errContainerNotFound() *Error {
	return &Error{Status: http.StatusNotFound, Code: CodeContainerNotFound, Message: "no worker is running for this device"}
}

func errUnreachable(err error) *Error {
	return &Error{Status: http.StatusServiceUnavailable, Code: CodeContainerUnreachable, Message: "worker is unreachable", Err: err}
}

func errBusy() *Error {
	return &Error{Status: http.StatusTooManyRequests, Code: CodeDeviceBusy, Message: "too many requests in flight for this device"}
}

func errProxy(err error) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: CodeProxyError, Message: "proxy request failed", Err: err}
}
