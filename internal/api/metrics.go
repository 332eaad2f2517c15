package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/devgate/internal/infrastructure/database"
)

// SystemMetrics is the body of GET /metrics.
type SystemMetrics struct {
	Timestamp     string              `json:"timestamp"`
	Version       string              `json:"version"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Runtime       RuntimeMetrics      `json:"runtime"`
	WebSocket     WSMetrics           `json:"websocket"`
	Workers       WorkerMetrics       `json:"workers"`
	Devices       DeviceMetrics       `json:"devices"`
	MQTT          *BackendMetrics     `json:"mqtt,omitempty"`
	InfluxDB      *BackendMetrics     `json:"influxdb,omitempty"`
	Database      *database.PoolStats `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains realtime hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// WorkerMetrics describes live workers and the resources they hold.
type WorkerMetrics struct {
	Live             int `json:"live"`
	MirrorsConnected int `json:"mirrors_connected"`
	PortsInUse       int `json:"ports_in_use"`
	PortsCapacity    int `json:"ports_capacity"`
}

// DeviceMetrics contains registry counts.
type DeviceMetrics struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// BackendMetrics reports an optional backend's connection.
type BackendMetrics struct {
	Connected bool `json:"connected"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{ConnectedClients: s.hub.ClientCount()},
		Workers:   WorkerMetrics{Live: s.workers.LiveCount()},
	}
	if s.mirror != nil {
		metrics.Workers.MirrorsConnected = s.mirror.Connected()
	}
	if s.ports != nil {
		metrics.Workers.PortsInUse = s.ports.InUse()
		metrics.Workers.PortsCapacity = s.ports.Capacity()
	}

	regStats := s.registry.GetStats()
	metrics.Devices = DeviceMetrics{
		Total:    regStats.TotalDevices,
		ByStatus: make(map[string]int, len(regStats.ByStatus)),
	}
	for status, count := range regStats.ByStatus {
		metrics.Devices.ByStatus[string(status)] = count
	}

	if s.mqtt != nil {
		metrics.MQTT = &BackendMetrics{Connected: s.mqtt.IsConnected()}
	}
	if s.influx != nil {
		metrics.InfluxDB = &BackendMetrics{Connected: s.influx.IsConnected()}
	}
	if s.db != nil {
		stats := s.db.PoolStats()
		metrics.Database = &stats
	}

	writeJSON(w, http.StatusOK, metrics)
}
