package mirror

import (
	"encoding/json"
	"strings"

	"github.com/nerrad567/devgate/internal/device"
)

// frameStatus maps worker event codes to the status they imply.
var frameStatus = map[string]device.Status{
	"LOGIN_SUCCESS":   device.StatusConnected,
	"PAIR_SUCCESS":    device.StatusConnected,
	"CONNECTED":       device.StatusConnected,
	"QR":              device.StatusWaitingQR,
	"QR_CODE":         device.StatusWaitingQR,
	"QR_GENERATED":    device.StatusWaitingQR,
	"LOGOUT":          device.StatusDisconnected,
	"LOGOUT_COMPLETE": device.StatusDisconnected,
	"LOGGED_OUT":      device.StatusDisconnected,
	"DISCONNECTED":    device.StatusDisconnected,
	"CONNECTION_LOST": device.StatusDisconnected,
}

// frameHeader is the part of a worker frame used for classification.
type frameHeader struct {
	Code    string `json:"code"`
	Event   string `json:"event"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Classify reports the status a worker frame implies. Frames that are not
// JSON objects or carry an unknown code imply nothing.
func Classify(frame []byte) (device.Status, string, bool) {
	var h frameHeader
	if err := json.Unmarshal(frame, &h); err != nil {
		return "", "", false
	}
	for _, c := range []string{h.Code, h.Event, h.Type} {
		code := strings.ToUpper(strings.TrimSpace(c))
		if s, ok := frameStatus[code]; ok {
			return s, code, true
		}
	}
	return "", "", false
}

// messagePayload is how a frame is carried in realtime events: JSON frames
// stay structured, anything else is sent as a string.
func messagePayload(frame []byte) any {
	if json.Valid(frame) {
		return json.RawMessage(frame)
	}
	return string(frame)
}
