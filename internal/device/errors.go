package device

import "errors"

// Domain errors for the device package.
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a hash does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when creating a device whose hash is taken.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidHash is returned when a supplied hash has the wrong format.
	ErrInvalidHash = errors.New("device: invalid hash")

	// ErrInvalidName is returned when a device name is too long.
	ErrInvalidName = errors.New("device: invalid name")

	// ErrInvalidWebhookURL is returned when a webhook URL is not absolute http(s).
	ErrInvalidWebhookURL = errors.New("device: invalid webhook url")

	// ErrInvalidStatus is returned for a status outside the closed set.
	ErrInvalidStatus = errors.New("device: invalid status")

	// ErrInvalidTransition is returned when a status change is not in the
	// transition table.
	ErrInvalidTransition = errors.New("device: invalid status transition")
)
