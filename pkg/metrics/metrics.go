// pkg/metrics/metrics.go
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// Singleton metrics registry
	registry    *prometheus.Registry
	metricsOnce sync.Once

	// Call metrics
	callsActive  prometheus.Gauge
	callsTotal   *prometheus.CounterVec
	callsClosed  *prometheus.CounterVec
	callDuration prometheus.Histogram
	messages     *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	stateChanges *prometheus.CounterVec

	// Fan-out metrics
	notifications    *prometheus.CounterVec
	deliveryFailures prometheus.Counter
	watchers         *prometheus.GaugeVec

	// Collaborator metrics
	collaboratorFailures *prometheus.CounterVec
	collaboratorTime     *prometheus.HistogramVec
	circuitState         *prometheus.GaugeVec

	// Storage metrics
	storageOperations *prometheus.CounterVec
	storageErrors     *prometheus.CounterVec

	// Global nodeID and version
	globalNodeID  string
	globalVersion string
)

// InitMetrics initializes the Prometheus metrics
func InitMetrics(version, nodeID string) {
	globalVersion = version
	globalNodeID = nodeID
	ensure()
}

func ensure() {
	metricsOnce.Do(func() {
		registry = prometheus.NewRegistry()

		callsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "border_calls_active",
			Help: "The number of currently active calls",
		})
		callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "border_calls_total",
			Help: "Number of opened calls",
		}, []string{"service"})
		callsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "border_calls_closed_total",
			Help: "Number of closed calls by terminal state",
		}, []string{"service", "reason"})
		callDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "border_call_duration_seconds",
			Help:    "The duration of calls in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10s, 20s, 40s, ...
		})
		messages = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "border_messages_total",
			Help: "Number of stored messages",
		}, []string{"service", "origin"})
		rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "border_rejections_total",
			Help: "Number of rejected inbound messages",
		}, []string{"class"})
		stateChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "border_state_changes_total",
			Help: "Number of call state transitions",
		}, []string{"state"})
		notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "border_notifications_total",
			Help: "Number of emitted watcher notifications",
		}, []string{"event"})
		deliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "border_notification_delivery_failures_total",
			Help: "Number of notifications a watcher failed to receive",
		})
		watchers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "border_watchers",
			Help: "Number of connected watchers",
		}, []string{"transport"})
		collaboratorFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "border_collaborator_failures_total",
			Help: "Number of failed calls to external collaborators",
		}, []string{"collaborator"})
		collaboratorTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "border_collaborator_request_seconds",
			Help:    "Duration of collaborator requests",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		}, []string{"collaborator"})
		circuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "border_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"circuit"})
		storageOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "border_storage_operations_total",
			Help: "Number of storage operations",
		}, []string{"operation", "type"})
		storageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "border_storage_errors_total",
			Help: "Number of storage errors",
		}, []string{"operation", "type"})

		registry.MustRegister(
			callsActive, callsTotal, callsClosed, callDuration, messages, rejections,
			stateChanges, notifications, deliveryFailures, watchers,
			collaboratorFailures, collaboratorTime, circuitState, storageOperations, storageErrors,
		)

		// Go runtime metrics
		registry.MustRegister(prometheus.NewGoCollector())
		registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	})
}

// Handler serves the metrics registry
func Handler() http.Handler {
	ensure()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, e.g. for tests
func Registry() *prometheus.Registry {
	ensure()
	return registry
}

// StartMetricsServer starts an HTTP server to expose Prometheus metrics
func StartMetricsServer(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	// Health endpoint that just returns 200 OK
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics server",
			zap.String("addr", addr),
			zap.String("node_id", globalNodeID),
			zap.String("version", globalVersion))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	return server
}

// Shutdown stops the metrics server
func Shutdown(ctx context.Context, server *http.Server, logger *zap.Logger) {
	logger.Info("Shutting down metrics server")
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Error shutting down metrics server", zap.Error(err))
	}
}

// SetCallsActive updates the active call gauge
func SetCallsActive(count int) {
	ensure()
	callsActive.Set(float64(count))
}

// RecordCallOpened increments the opened call counter
func RecordCallOpened(service string) {
	ensure()
	callsTotal.WithLabelValues(service).Inc()
}

// RecordCallClosed counts a closed call and its lifetime
func RecordCallClosed(service, reason string, lifetime time.Duration) {
	ensure()
	callsClosed.WithLabelValues(service, reason).Inc()
	callDuration.Observe(lifetime.Seconds())
}

// RecordMessage increments the stored message counter
func RecordMessage(service, origin string) {
	ensure()
	messages.WithLabelValues(service, origin).Inc()
}

// RecordRejection increments the rejection counter
func RecordRejection(class string) {
	ensure()
	rejections.WithLabelValues(class).Inc()
}

// RecordStateChange increments the state transition counter
func RecordStateChange(state string) {
	ensure()
	stateChanges.WithLabelValues(state).Inc()
}

// RecordNotification increments the notification counter
func RecordNotification(event string) {
	ensure()
	notifications.WithLabelValues(event).Inc()
}

// RecordDeliveryFailure counts a notification a watcher did not receive
func RecordDeliveryFailure() {
	ensure()
	deliveryFailures.Inc()
}

// SetWatcherCount updates the connected watcher gauge
func SetWatcherCount(transport string, count int) {
	ensure()
	watchers.WithLabelValues(transport).Set(float64(count))
}

// RecordCollaboratorFailure increments the collaborator failure counter
func RecordCollaboratorFailure(collaborator string) {
	ensure()
	collaboratorFailures.WithLabelValues(collaborator).Inc()
}

// ObserveCollaboratorDuration records the duration of a collaborator request
func ObserveCollaboratorDuration(collaborator string, duration time.Duration) {
	ensure()
	collaboratorTime.WithLabelValues(collaborator).Observe(duration.Seconds())
}

// SetCircuitState records the state of a named circuit breaker
func SetCircuitState(circuit string, state int) {
	ensure()
	circuitState.WithLabelValues(circuit).Set(float64(state))
}

// RecordStorageOperation increments the storage operation counter
func RecordStorageOperation(operation, storageType string) {
	ensure()
	storageOperations.WithLabelValues(operation, storageType).Inc()
}

// RecordStorageError increments the storage error counter
func RecordStorageError(operation, storageType string) {
	ensure()
	storageErrors.WithLabelValues(operation, storageType).Inc()
}
