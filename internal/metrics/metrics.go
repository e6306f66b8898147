// Package metrics keeps the process-wide counters exposed on /metrics.
package metrics

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// METRICS & MONITORING
// =============================================================================

type Metrics struct {
	// Connection metrics
	ActiveConnections   int64
	TotalConnections    int64
	FailedConnections   int64
	RejectedConnections int64

	// Telemetry metrics
	VehicleConnected int64
	TelemetryFrames  int64
	TelemetryErrors  int64
	CommandsSent     int64

	// Video metrics
	VideoProducers int64
	VideoFrames    int64
	VideoBytesIn   int64
	VideoErrors    int64
	StreamViewers  int64

	// Gateway metrics
	WSClients       int64
	CommandsApplied int64
	CommandsIgnored int64
	PilotClaims     int64

	// RTSP metrics
	RTSPReaders int64
	RTSPPackets int64

	// System metrics
	StartTime    time.Time
	HealthStatus string

	mu sync.RWMutex
}

func New() *Metrics {
	return &Metrics{
		StartTime:    time.Now(),
		HealthStatus: "starting",
	}
}

func (m *Metrics) IncrementConnections() {
	atomic.AddInt64(&m.ActiveConnections, 1)
	atomic.AddInt64(&m.TotalConnections, 1)
}

func (m *Metrics) DecrementConnections() {
	atomic.AddInt64(&m.ActiveConnections, -1)
}

func (m *Metrics) SetHealth(status string) {
	m.mu.Lock()
	m.HealthStatus = status
	m.mu.Unlock()
}

func (m *Metrics) Health() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.HealthStatus
}

func (m *Metrics) GetSnapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"connections": map[string]int64{
			"active":   atomic.LoadInt64(&m.ActiveConnections),
			"total":    atomic.LoadInt64(&m.TotalConnections),
			"failed":   atomic.LoadInt64(&m.FailedConnections),
			"rejected": atomic.LoadInt64(&m.RejectedConnections),
		},
		"telemetry": map[string]int64{
			"vehicle_connected": atomic.LoadInt64(&m.VehicleConnected),
			"frames":            atomic.LoadInt64(&m.TelemetryFrames),
			"errors":            atomic.LoadInt64(&m.TelemetryErrors),
			"commands_sent":     atomic.LoadInt64(&m.CommandsSent),
		},
		"video": map[string]int64{
			"producers": atomic.LoadInt64(&m.VideoProducers),
			"frames":    atomic.LoadInt64(&m.VideoFrames),
			"bytes_in":  atomic.LoadInt64(&m.VideoBytesIn),
			"errors":    atomic.LoadInt64(&m.VideoErrors),
			"viewers":   atomic.LoadInt64(&m.StreamViewers),
		},
		"gateway": map[string]int64{
			"clients":          atomic.LoadInt64(&m.WSClients),
			"commands_applied": atomic.LoadInt64(&m.CommandsApplied),
			"commands_ignored": atomic.LoadInt64(&m.CommandsIgnored),
			"pilot_claims":     atomic.LoadInt64(&m.PilotClaims),
		},
		"rtsp": map[string]int64{
			"readers": atomic.LoadInt64(&m.RTSPReaders),
			"packets": atomic.LoadInt64(&m.RTSPPackets),
		},
		"system": map[string]interface{}{
			"uptime_seconds": time.Since(m.StartTime).Seconds(),
			"health_status":  m.HealthStatus,
			"goroutines":     runtime.NumGoroutine(),
			"memory_mb":      getMemoryUsageMB(),
		},
	}
}

func getMemoryUsageMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.Alloc) / 1024 / 1024
}
