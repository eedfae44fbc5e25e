// pkg/common/circuit_breaker.go
package common

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	blog "border/pkg/log"
	"border/pkg/metrics"
)

// ErrCircuitOpen is returned by Execute while the circuit rejects requests
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Component is the log component of the guarded collaborator.
	Component        string
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenProbes   int
}

// CircuitStats are the counters of a breaker since it was created
type CircuitStats struct {
	Requests  int64
	Rejected  int64
	Failures  int64
	Opens     int64
	LastError time.Time
}

// CircuitBreaker guards calls to an external collaborator such as the
// registration API, a trigger endpoint or the Redis mirror. After
// FailureThreshold consecutive failures it rejects calls for ResetTimeout,
// then lets HalfOpenProbes calls through to test recovery.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	now    func() time.Time

	mu       sync.Mutex
	state    CircuitBreakerState
	since    time.Time
	failures int
	probes   int
	stats    CircuitStats

	events *blog.Logger
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	if config.Component == "" {
		config.Component = blog.ComponentService
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = 1
	}

	metrics.SetCircuitState(name, int(StateClosed))
	return &CircuitBreaker{
		name:   name,
		config: config,
		now:    time.Now,
		since:  time.Now(),
		events: blog.Wrap(logger),
	}
}

// Name returns the circuit name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker counters
func (cb *CircuitBreaker) Stats() CircuitStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats
}

// Execute runs fn when the circuit allows it and records the outcome.
// A context cancelled by the caller says nothing about the collaborator and
// is not counted.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	if errors.Is(err, context.Canceled) {
		cb.mu.Lock()
		if cb.state == StateHalfOpen {
			cb.probes--
		}
		cb.mu.Unlock()
		return err
	}
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.Requests++
	if cb.state == StateOpen && cb.now().Sub(cb.since) >= cb.config.ResetTimeout {
		cb.setState(StateHalfOpen, "reset timeout elapsed")
	}

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.probes < cb.config.HalfOpenProbes {
			cb.probes++
			return true
		}
	}
	cb.stats.Rejected++
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.setState(StateClosed, "probe succeeded")
		}
		return
	}

	cb.failures++
	cb.stats.Failures++
	cb.stats.LastError = cb.now()
	switch {
	case cb.state == StateHalfOpen:
		cb.setState(StateOpen, err.Error())
	case cb.state == StateClosed && cb.failures >= cb.config.FailureThreshold:
		cb.setState(StateOpen, err.Error())
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(to CircuitBreakerState, reason string) {
	cb.state = to
	cb.since = cb.now()
	cb.probes = 0
	if to == StateOpen {
		cb.stats.Opens++
	}
	metrics.SetCircuitState(cb.name, int(to))
	cb.events.LogCircuitBreakerStateChange(context.Background(), cb.config.Component, cb.name, to.String(), reason)
}
