package api

import (
	"database/sql"
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/dragon-core/internal/dragon"
)

const bytesPerMB = 1 << 20

// SystemMetrics is the body of GET /api/v1/metrics. Optional sections are
// omitted when the daemon runs without that dependency.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSMetrics        `json:"websocket"`
	MQTT          *MQTTMetrics     `json:"mqtt,omitempty"`
	Device        DeviceMetrics    `json:"device"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
}

type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// DeviceMetrics carries the driver counters for the configured device.
type DeviceMetrics struct {
	ID        string       `json:"id"`
	Connected bool         `json:"connected"`
	Stats     dragon.Stats `json:"stats"`
}

type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

func readRuntime() RuntimeMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return RuntimeMetrics{
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(ms.Alloc) / bytesPerMB,
		MemoryTotalMB: float64(ms.TotalAlloc) / bytesPerMB,
		NumGC:         ms.NumGC,
	}
}

func readPool(db *sql.DB) *DatabaseMetrics {
	st := db.Stats()
	return &DatabaseMetrics{
		OpenConnections: st.OpenConnections,
		InUse:           st.InUse,
		Idle:            st.Idle,
		WaitCount:       st.WaitCount,
	}
}

// handleMetrics serves the JSON view. Prometheus scrapes /metrics instead.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime:       readRuntime(),
		WebSocket:     WSMetrics{ConnectedClients: s.hub.ClientCount()},
		Device: DeviceMetrics{
			ID:        s.deviceID,
			Connected: s.device.IsConnected(),
			Stats:     s.device.Stats(),
		},
	}
	if s.mqtt != nil {
		m.MQTT = &MQTTMetrics{Connected: s.mqtt.IsConnected()}
	}
	if s.db != nil {
		m.Database = readPool(s.db)
	}
	writeJSON(w, http.StatusOK, m)
}
