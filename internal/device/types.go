package device

import (
	"fmt"
	"maps"
	"time"
)

// Device is a registered messaging account backed by one worker process.
// This matches the devices table in migrations/20260301_090000_devices.up.sql.
type Device struct {
	// Hash is the opaque, immutable identifier used on every API call.
	Hash string `json:"deviceHash"`
	Name string `json:"name"`

	Status Status `json:"status"`

	// Port is the local port of the live worker, 0 when none.
	Port int `json:"port"`

	// WebhookURL and WebhookSecret are handed to the worker for its own
	// message webhooks.
	WebhookURL    string `json:"webhookUrl,omitempty"`
	WebhookSecret string `json:"-"`

	// StatusWebhookURL receives gateway status-change notifications, signed
	// with StatusWebhookSecret when set.
	StatusWebhookURL    string `json:"statusWebhookUrl,omitempty"`
	StatusWebhookSecret string `json:"-"`

	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	StatusChangedAt time.Time `json:"statusChangedAt"`
}

// DeepCopy returns an independent copy of the device.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	return &cpy
}

// Status is the lifecycle state of a device. The set is closed.
type Status string

const (
	StatusRegistered   Status = "registered"
	StatusStarting     Status = "starting"
	StatusActive       Status = "active"
	StatusWaitingQR    Status = "waiting_qr"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusRegistered,
		StatusStarting,
		StatusActive,
		StatusWaitingQR,
		StatusConnected,
		StatusDisconnected,
		StatusStopped,
		StatusError,
	}
}

// transitions lists the allowed targets per source status. Stopped and
// error are reachable from anywhere and are handled in CanTransition.
var transitions = map[Status][]Status{
	StatusRegistered:   {StatusStarting},
	StatusStarting:     {StatusActive, StatusWaitingQR, StatusConnected},
	StatusActive:       {StatusWaitingQR, StatusConnected, StatusDisconnected},
	StatusWaitingQR:    {StatusConnected, StatusDisconnected},
	StatusConnected:    {StatusDisconnected, StatusWaitingQR},
	StatusDisconnected: {StatusActive, StatusConnected, StatusStarting},
	StatusStopped:      {StatusStarting},
	StatusError:        {StatusStarting},
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Live reports whether s implies a running worker.
func (s Status) Live() bool {
	switch s {
	case StatusStarting, StatusActive, StatusWaitingQR, StatusConnected, StatusDisconnected:
		return true
	default:
		return false
	}
}

// Routable reports whether requests may be forwarded to a device in status s.
func (s Status) Routable() bool {
	return s == StatusActive || s == StatusConnected
}

// ParseStatus converts a string to a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, v)
	}
	return s, nil
}

// CanTransition reports whether from -> to is allowed. A same-state write is
// allowed and is treated by callers as a no-op.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to || to == StatusStopped || to == StatusError {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when from -> to is not allowed.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Reason explains a status change. It becomes the "event" object of a
// status webhook.
type Reason struct {
	Type    string         `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Reason types.
const (
	ReasonLifecycle = "lifecycle"
	ReasonHealth    = "health"
	ReasonWorker    = "worker"
	ReasonProxy     = "proxy"
)

// StatusChange is delivered to every status listener after a transition
// has been persisted.
type StatusChange struct {
	Device Device    `json:"device"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason Reason    `json:"reason"`
	At     time.Time `json:"at"`
}

// Clone returns a copy safe to hand to another goroutine.
func (c StatusChange) Clone() StatusChange {
	c.Reason.Data = maps.Clone(c.Reason.Data)
	return c
}

// Filter narrows List results. An empty filter matches every device.
type Filter struct {
	Statuses []Status
}

// Matches reports whether d passes the filter.
func (f Filter) Matches(d *Device) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if d.Status == s {
			return true
		}
	}
	return false
}
