package mqtt

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/devgate/internal/device"
)

// StatusMessage is the retained payload on devgate/status/{hash}.
type StatusMessage struct {
	DeviceHash string `json:"deviceHash"`
	Status     string `json:"status"`
	From       string `json:"from,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// NewStatusMessage builds the status payload for a transition.
func NewStatusMessage(change device.StatusChange) StatusMessage {
	at := change.At
	if at.IsZero() {
		at = time.Now()
	}
	return StatusMessage{
		DeviceHash: change.Device.Hash,
		Status:     string(change.To),
		From:       string(change.From),
		Code:       change.Reason.Code,
		Message:    change.Reason.Message,
		Timestamp:  at.UTC().Format(time.RFC3339Nano),
	}
}

// PublishWorkerEvent forwards a raw worker frame to devgate/events/{hash}.
func (c *Client) PublishWorkerEvent(hash string, frame []byte) error {
	return c.Publish(Topics{}.DeviceEvents(hash), frame, byte(c.cfg.QoS), false)
}

// OnStatus is a controller status listener. It queues the retained status
// publish without waiting so transitions are never held up by the broker;
// paho sends queued messages in call order, so the retained value ends on
// the latest status.
func (c *Client) OnStatus(change device.StatusChange) {
	if !c.IsConnected() {
		return
	}
	payload, err := json.Marshal(NewStatusMessage(change))
	if err != nil {
		return
	}
	token := c.client.Publish(Topics{}.DeviceStatus(change.Device.Hash), byte(c.cfg.QoS), true, payload)
	go func() {
		if !token.WaitTimeout(defaultPublishTimeout) {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("mqtt status publish timed out", "device_hash", change.Device.Hash)
			}
			return
		}
		if err := token.Error(); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("mqtt status publish failed", "device_hash", change.Device.Hash, "error", err)
			}
		}
	}()
}
