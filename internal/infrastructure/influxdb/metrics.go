package influxdb

import "time"

// Measurement names.
const (
	MeasurementProbe   = "worker_probe"
	MeasurementRestart = "worker_restart"
	MeasurementWebhook = "status_webhook"
	MeasurementGateway = "gateway"
)

// RecordProbe writes the outcome of one worker health probe.
func (c *Client) RecordProbe(hash string, latency time.Duration, ok bool) {
	c.WritePoint(MeasurementProbe,
		map[string]string{"device_hash": hash},
		map[string]any{
			"latency_ms": float64(latency.Microseconds()) / 1000,
			"ok":         ok,
		},
	)
}

// RecordRestart writes a restart decision made by the supervisor.
func (c *Client) RecordRestart(hash string, attempt int, delay time.Duration, code string) {
	c.WritePoint(MeasurementRestart,
		map[string]string{"device_hash": hash, "code": code},
		map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		},
	)
}

// RecordWebhook writes one status webhook delivery attempt.
func (c *Client) RecordWebhook(hash string, attempt int, outcome string, statusCode int, latency time.Duration) {
	c.WritePoint(MeasurementWebhook,
		map[string]string{"device_hash": hash, "outcome": outcome},
		map[string]any{
			"attempt":     attempt,
			"status_code": statusCode,
			"latency_ms":  float64(latency.Microseconds()) / 1000,
		},
	)
}

// GatewayStats is a periodic snapshot of gateway load.
type GatewayStats struct {
	LiveWorkers      int
	PortsInUse       int
	MirrorsConnected int
	WSClients        int
	DevicesByStatus  map[string]int
}

// RecordGateway writes a gateway snapshot. Device counts become one field
// per status.
func (c *Client) RecordGateway(gatewayID string, s GatewayStats) {
	fields := map[string]any{
		"live_workers":      s.LiveWorkers,
		"ports_in_use":      s.PortsInUse,
		"mirrors_connected": s.MirrorsConnected,
		"ws_clients":        s.WSClients,
	}
	for status, n := range s.DevicesByStatus {
		fields["devices_"+status] = n
	}
	c.WritePoint(MeasurementGateway, map[string]string{"gateway": gatewayID}, fields)
}
