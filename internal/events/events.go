// Package events names the realtime channels and event types shared by the
// worker controller, the event mirror and the WebSocket hub.
package events

// GlobalChannel receives gateway-wide events.
const GlobalChannel = "global"

// Event types.
const (
	// WorkerMessage carries a worker frame verbatim: {deviceHash, message}.
	WorkerMessage = "worker-message"

	// ContainerConnected is sent when the mirror connects to a worker.
	ContainerConnected = "container-connected"

	// WorkerStopped is sent when the mirror gives up reconnecting.
	WorkerStopped = "worker-stopped"

	// ProcessStopped is sent when a worker process ends.
	ProcessStopped = "process-stopped"

	// StatusChanged is sent for every device status transition.
	StatusChanged = "status-changed"

	// Message is the per-device room event carrying a worker frame.
	Message = "message"
)

// DeviceChannel returns the room channel for one device.
func DeviceChannel(hash string) string {
	return "device:" + hash
}

// Publisher delivers realtime events to subscribers. Implementations must
// not block.
type Publisher interface {
	Publish(channel, event string, payload any)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(string, string, any) {}
