package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"border/pkg/common"
	blog "border/pkg/log"
)

// Simple health status types
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusUnhealthy Status = "UNHEALTHY"
	StatusDegraded  Status = "DEGRADED" // an optional component failed
)

// Checker is anything that can be pinged, e.g. the call store or the event mirror
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckFunc adapts a function to Checker
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Ping(ctx context.Context) error { return f(ctx) }

// Simple component health report
type ComponentHealth struct {
	Component   string         `json:"component"`
	Status      Status         `json:"status"`
	Required    bool           `json:"required"`
	LastChecked time.Time      `json:"lastChecked"`
	Message     string         `json:"message"`
	Stats       map[string]int `json:"stats,omitempty"` // success/failure counts
}

type component struct {
	name     string
	checker  Checker
	required bool
	failures int
}

// HealthMonitor manages component health checks
type HealthMonitor struct {
	logger *zap.Logger
	events *blog.Logger

	checkInterval    time.Duration
	checkTimeout     time.Duration
	failureThreshold int

	components      []*component
	componentStatus map[string]*ComponentHealth
	mutex           sync.RWMutex
	stopChan        chan struct{}
	stopOnce        sync.Once
}

// HealthConfig contains configuration options
type HealthConfig struct {
	CheckInterval time.Duration
	CheckTimeout  time.Duration
	// consecutive failures before a component is reported unhealthy
	FailureThreshold int
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(config HealthConfig, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	failureThreshold := 1
	if config.FailureThreshold > 0 {
		failureThreshold = config.FailureThreshold
	}
	checkInterval := 15 * time.Second
	if config.CheckInterval > 0 {
		checkInterval = config.CheckInterval
	}
	checkTimeout := 2 * time.Second
	if config.CheckTimeout > 0 {
		checkTimeout = config.CheckTimeout
	}
	logger = logger.With(zap.String("component", blog.ComponentHealth))

	return &HealthMonitor{
		logger:           logger,
		events:           blog.Wrap(logger),
		checkInterval:    checkInterval,
		checkTimeout:     checkTimeout,
		failureThreshold: failureThreshold,
		componentStatus:  make(map[string]*ComponentHealth),
		stopChan:         make(chan struct{}),
	}
}

// Register adds a component. A failing required component makes the system
// unhealthy, a failing optional one degraded.
func (h *HealthMonitor) Register(name string, checker Checker, required bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.components = append(h.components, &component{name: name, checker: checker, required: required})
	h.componentStatus[name] = &ComponentHealth{
		Component: name,
		Status:    StatusUnhealthy,
		Required:  required,
		Message:   "not checked yet",
		Stats:     map[string]int{"success": 0, "failure": 0},
	}
}

// Start runs the first check round and keeps checking in the background.
func (h *HealthMonitor) Start(ctx context.Context) error {
	h.logger.Info("Starting health monitoring",
		zap.Int("components", len(h.components)),
		zap.Int("failure_threshold", h.failureThreshold),
		zap.Duration("check_interval", h.checkInterval))

	h.CheckAll(ctx)
	go h.monitorLoop(ctx)
	return nil
}

// Stop halts health monitoring
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
}

// GetComponentHealth returns current health status for a component
func (h *HealthMonitor) GetComponentHealth(component string) *ComponentHealth {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if status, exists := h.componentStatus[component]; exists {
		return copyHealth(status)
	}
	return nil
}

// GetAllComponentHealth returns health status for all components
func (h *HealthMonitor) GetAllComponentHealth() map[string]*ComponentHealth {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	result := make(map[string]*ComponentHealth, len(h.componentStatus))
	for k, v := range h.componentStatus {
		result[k] = copyHealth(v)
	}
	return result
}

// Overall folds the component states into one.
func (h *HealthMonitor) Overall() Status {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	overall := StatusHealthy
	for _, c := range h.componentStatus {
		if c.Status == StatusHealthy {
			continue
		}
		if c.Required {
			return StatusUnhealthy
		}
		overall = StatusDegraded
	}
	return overall
}

func copyHealth(c *ComponentHealth) *ComponentHealth {
	cp := *c
	cp.Stats = make(map[string]int, len(c.Stats))
	for k, v := range c.Stats {
		cp.Stats[k] = v
	}
	return &cp
}

// monitorLoop runs periodic health checks
func (h *HealthMonitor) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-h.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll pings every registered component once.
func (h *HealthMonitor) CheckAll(ctx context.Context) {
	h.mutex.RLock()
	components := append([]*component(nil), h.components...)
	h.mutex.RUnlock()

	for _, c := range components {
		checkCtx, cancel := common.EnsureTimeout(ctx, h.checkTimeout)
		err := c.checker.Ping(checkCtx)
		cancel()
		h.record(ctx, c, err)
	}
	h.logHealthSummary()
}

func (h *HealthMonitor) record(ctx context.Context, c *component, err error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	status := h.componentStatus[c.name]
	status.LastChecked = time.Now()
	prev := status.Status

	if err == nil {
		c.failures = 0
		status.Stats["success"]++
		status.Status = StatusHealthy
		status.Message = "ok"
	} else {
		c.failures++
		status.Stats["failure"]++
		status.Message = err.Error()
		if c.failures >= h.failureThreshold {
			status.Status = StatusUnhealthy
			if !c.required {
				status.Status = StatusDegraded
			}
		}
	}

	if prev != status.Status {
		h.events.LogTransportConnection(ctx, blog.ComponentHealth, c.name, status.Status == StatusHealthy, status.Message)
	}
}

// logHealthSummary logs a summary of all component health
func (h *HealthMonitor) logHealthSummary() {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	names := make([]string, 0, len(h.componentStatus))
	for name := range h.componentStatus {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		component := h.componentStatus[name]
		h.logger.Debug("Component health status",
			zap.String("name", name),
			zap.String("status", string(component.Status)),
			zap.Bool("required", component.Required),
			zap.String("message", component.Message),
			zap.Time("last_checked", component.LastChecked))
	}
}
