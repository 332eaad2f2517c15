package device

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	maxNameLength = 100
	maxHashLength = 64
	maxURLLength  = 2048
)

var hashRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateDevice checks a device before it is persisted.
func ValidateDevice(d *Device) error {
	if d == nil {
		return ErrInvalidDevice
	}
	if err := ValidateHash(d.Hash); err != nil {
		return err
	}
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	if !d.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, d.Status)
	}
	if err := validateWebhookURL(d.WebhookURL); err != nil {
		return err
	}
	return validateWebhookURL(d.StatusWebhookURL)
}

// ValidateHash checks the hash charset and length. Hashes end up in URLs,
// file paths and MQTT topics.
func ValidateHash(hash string) error {
	if hash == "" || len(hash) > maxHashLength || !hashRegex.MatchString(hash) {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return nil
}

// ValidateName checks the display name. Empty names are allowed.
func ValidateName(name string) error {
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidName, maxNameLength)
	}
	if strings.ContainsAny(name, "\r\n") {
		return fmt.Errorf("%w: contains line breaks", ErrInvalidName)
	}
	return nil
}

func validateWebhookURL(raw string) error {
	if raw == "" {
		return nil
	}
	if len(raw) > maxURLLength {
		return fmt.Errorf("%w: too long", ErrInvalidWebhookURL)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidWebhookURL, raw)
	}
	return nil
}

// GenerateHash returns a new random device hash.
func GenerateHash() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
