// pkg/api/status.go
package api

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"

	"border/pkg/health"
)

// CallCounter reports the number of active calls across all services
type CallCounter interface {
	ActiveCount() int
}

// ConnectionCounter reports the number of open watcher connections
type ConnectionCounter interface {
	ConnectionCount() int
}

// StatusHandler handles requests to the /status endpoint
type StatusHandler struct {
	healthMonitor *health.HealthMonitor
	calls         CallCounter
	watchers      ConnectionCounter
	logger        *zap.Logger
	nodeID        string
	version       string
	startTime     time.Time
}

// NewStatusHandler creates a new status handler. Every collaborator may be nil.
func NewStatusHandler(
	healthMonitor *health.HealthMonitor,
	calls CallCounter,
	watchers ConnectionCounter,
	logger *zap.Logger,
	nodeID string,
	version string,
) *StatusHandler {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &StatusHandler{
		healthMonitor: healthMonitor,
		calls:         calls,
		watchers:      watchers,
		logger:        logger,
		nodeID:        nodeID,
		version:       version,
		startTime:     time.Now(),
	}
}

// SystemStatus represents the full status of the system
type SystemStatus struct {
	Status            string                             `json:"status"`
	NodeID            string                             `json:"node_id"`
	Hostname          string                             `json:"hostname"`
	Version           string                             `json:"version"`
	UpTime            string                             `json:"uptime"`
	UpTimeSeconds     int64                              `json:"uptime_seconds"`
	Timestamp         string                             `json:"timestamp"`
	Components        map[string]*health.ComponentHealth `json:"components,omitempty"`
	ActiveCalls       int                                `json:"active_calls"`
	ActiveConnections int                                `json:"active_connections"`
	SystemInfo        map[string]interface{}             `json:"system_info"`
}

// ServeHTTP handles HTTP requests for the status endpoint
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.getStatus(r.URL.Query().Get("component"))

	w.Header().Set("Content-Type", "application/json")
	if status.Status == string(health.StatusUnhealthy) {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	encoder := json.NewEncoder(w)
	if r.URL.Query().Get("format") == "pretty" {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(status); err != nil {
		h.logger.Debug("Failed to write status", zap.Error(err))
	}
}

// Health returns 200 unless a required component is unhealthy.
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.overall() == health.StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Service Unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *StatusHandler) overall() health.Status {
	if h.healthMonitor == nil {
		return health.StatusHealthy
	}
	return h.healthMonitor.Overall()
}

// getStatus returns the current system status, optionally narrowed to one component
func (h *StatusHandler) getStatus(requestedComponent string) SystemStatus {
	hostname, _ := os.Hostname()

	var components map[string]*health.ComponentHealth
	if h.healthMonitor != nil {
		components = h.healthMonitor.GetAllComponentHealth()
		if requestedComponent != "" {
			narrowed := make(map[string]*health.ComponentHealth)
			if c, ok := components[requestedComponent]; ok {
				narrowed[requestedComponent] = c
			}
			components = narrowed
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	systemInfo := map[string]interface{}{
		"num_goroutines": runtime.NumGoroutine(),
		"num_cpu":        runtime.NumCPU(),
		"memory_alloc":   mem.Alloc,
		"memory_sys":     mem.Sys,
		"gc_cycles":      mem.NumGC,
	}

	status := SystemStatus{
		Status:        string(h.overall()),
		NodeID:        h.nodeID,
		Hostname:      hostname,
		Version:       h.version,
		UpTime:        time.Since(h.startTime).Round(time.Second).String(),
		UpTimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Timestamp:     time.Now().Format(time.RFC3339),
		Components:    components,
		SystemInfo:    systemInfo,
	}
	if h.calls != nil {
		status.ActiveCalls = h.calls.ActiveCount()
	}
	if h.watchers != nil {
		status.ActiveConnections = h.watchers.ConnectionCount()
	}
	return status
}
