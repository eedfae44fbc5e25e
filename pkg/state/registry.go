// pkg/state/registry.go
package state

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	blog "border/pkg/log"
	"border/pkg/metrics"
)

// Default timings
const (
	DefaultStaleTimeout  = 100 * time.Second
	DefaultCloseTimeout  = 200 * time.Second
	DefaultSweepInterval = time.Second
)

// Config holds the registry timings
type Config struct {
	StaleTimeout  time.Duration
	CloseTimeout  time.Duration
	SweepInterval time.Duration
}

// ExpireFunc is invoked by the sweep for a stale call past its close timeout.
// It must eventually remove the call.
type ExpireFunc func(call Call)

type entry struct {
	Call
	watchers map[string][]Watcher
	closing  bool
}

// Registry holds the active calls, their state machine and their watchers.
// All mutation of calls goes through it.
type Registry struct {
	mu              sync.Mutex
	calls           map[string]*entry
	newCallWatchers map[string][]Watcher

	config   Config
	now      func() time.Time
	sinks    []Sink
	onExpire ExpireFunc
	logger   *zap.Logger
	events   *blog.Logger
}

// Option configures a Registry
type Option func(*Registry)

// WithClock replaces the wall clock, e.g. in tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithSink adds a sink receiving every notification.
func WithSink(s Sink) Option {
	return func(r *Registry) { r.sinks = append(r.sinks, s) }
}

// NewRegistry creates an empty registry
func NewRegistry(config Config, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	if config.StaleTimeout <= 0 {
		config.StaleTimeout = DefaultStaleTimeout
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = DefaultCloseTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}

	r := &Registry{
		calls:           make(map[string]*entry),
		newCallWatchers: make(map[string][]Watcher),
		config:          config,
		now:             time.Now,
		logger:          logger,
		events:          blog.Wrap(logger),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetExpireHandler routes sweep-forced closes through fn instead of removing
// the call directly.
func (r *Registry) SetExpireHandler(fn ExpireFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = fn
}

// Run sweeps at the configured interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	r.logger.Info("Call sweep started",
		zap.Duration("stale_timeout", r.config.StaleTimeout),
		zap.Duration("close_timeout", r.config.CloseTimeout))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Call sweep stopped")
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep ages calls: NEW_CALL and IN_CALL go stale after the stale timeout,
// STALE calls are closed by the system after the close timeout.
func (r *Registry) Sweep() {
	var expired []Call

	r.mu.Lock()
	now := r.now()
	for _, e := range r.calls {
		elapsed := now.Sub(e.StateAt)
		switch e.State {
		case NewCall, InCall:
			if elapsed > r.config.StaleTimeout {
				r.advanceLocked(e, Stale)
			}
		case Stale:
			if elapsed <= r.config.CloseTimeout {
				continue
			}
			if r.onExpire == nil {
				r.removeLocked(e, ClosedBySystem)
			} else if !e.closing {
				e.closing = true
				expired = append(expired, e.Call)
			}
		}
	}
	handler := r.onExpire
	r.mu.Unlock()

	for _, c := range expired {
		r.logger.Info("Closing expired call",
			zap.String("call_id", c.CallID),
			zap.String("service", c.Service))
		handler(c)
	}
}

// Register inserts call at NEW_CALL. It returns false, changing nothing,
// when the call id is already active.
func (r *Registry) Register(call Call) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[call.CallID]; exists {
		return false
	}
	now := r.now()
	if call.CreatedAt.IsZero() {
		call.CreatedAt = now
	}
	call.State = NewCall
	call.StateAt = now
	r.calls[call.CallID] = &entry{Call: call, watchers: make(map[string][]Watcher)}

	metrics.RecordCallOpened(call.Service)
	metrics.SetCallsActive(len(r.calls))
	r.logger.Info("Call registered",
		zap.String("call_id", call.CallID),
		zap.String("call_id_alt", call.CallIDAlt),
		zap.String("service", call.Service),
		zap.Bool("is_test", call.IsTest))
	return true
}

// Lookup finds an active call by id regardless of its service. It is meant
// for inbound routing only.
func (r *Registry) Lookup(callID string) (Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[callID]
	if !ok {
		return Call{}, false
	}
	return e.Call, true
}

// Expired reports whether the call is still STALE past the close timeout.
// An expire handler checks it before closing, since a caller message may
// have revived the call after the sweep picked it.
func (r *Registry) Expired(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[callID]
	if !ok || e.State != Stale {
		return false
	}
	return r.now().Sub(e.StateAt) > r.config.CloseTimeout
}

// Get finds an active call owned by service.
func (r *Registry) Get(callID, service string) (Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.getLocked(callID, service)
	if e == nil {
		return Call{}, false
	}
	return e.Call, true
}

// GetByAltID finds an active call of service by its alternate id.
func (r *Registry) GetByAltID(altID, service string) (Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if altID == "" {
		return Call{}, false
	}
	for _, e := range r.calls {
		if e.CallIDAlt == altID && e.Service == service {
			return e.Call, true
		}
	}
	return Call{}, false
}

// List returns the active calls of service, oldest first.
func (r *Registry) List(service string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var calls []Call
	for _, e := range r.calls {
		if e.Service == service {
			calls = append(calls, e.Call)
		}
	}
	sortCalls(calls)
	return calls
}

// ListAll returns every active call, oldest first.
func (r *Registry) ListAll() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := make([]Call, 0, len(r.calls))
	for _, e := range r.calls {
		calls = append(calls, e.Call)
	}
	sortCalls(calls)
	return calls
}

// Count returns the number of active calls of service.
func (r *Registry) Count(service string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.calls {
		if e.Service == service {
			n++
		}
	}
	return n
}

// Advance moves a call of service to state. Moving to the current state is
// a no-op.
func (r *Registry) Advance(callID, service string, state CallState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.getLocked(callID, service)
	if e == nil {
		return false
	}
	r.advanceLocked(e, state)
	return true
}

// AnnounceState emits a state_change carrying the current state, used once
// when a call enters its initial state.
func (r *Registry) AnnounceState(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[callID]
	if !ok {
		return false
	}
	r.emitStateLocked(e)
	return true
}

// Remove ends a call. Any terminal state other than closed by caller or
// center is recorded as closed by system. Removing an unknown call is a no-op.
func (r *Registry) Remove(callID string, terminal CallState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[callID]
	if !ok {
		return false
	}
	r.removeLocked(e, terminal)
	return true
}

// NextOutboundID increments and returns the outbound message counter.
func (r *Registry) NextOutboundID(callID, service string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.getLocked(callID, service)
	if e == nil {
		return 0, false
	}
	e.TxCount++
	return e.TxCount, true
}

// NotifyNewCall tells the service's new-call watchers about callID.
func (r *Registry) NotifyNewCall(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[callID]
	if !ok {
		return false
	}
	r.publishLocked(e.Service, r.newCallWatchers[e.Service], newEvent(EventNewCall, &e.Call))
	return true
}

// NotifyNewMessage tells the call's watchers about a stored message.
func (r *Registry) NotifyNewMessage(callID string, message any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[callID]
	if !ok {
		return false
	}
	ev := newEvent(EventNewMessage, &e.Call)
	ev.Message = message
	r.publishLocked(e.Service, e.watchers[e.Service], ev)
	return true
}

// AddCallWatcher subscribes w to a call of service.
func (r *Registry) AddCallWatcher(w Watcher, callID, service string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.getLocked(callID, service)
	if e == nil {
		return false
	}
	e.watchers[service] = addWatcher(e.watchers[service], w)
	return true
}

// RemoveCallWatcher unsubscribes w from a call of service.
func (r *Registry) RemoveCallWatcher(w Watcher, callID, service string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.getLocked(callID, service)
	if e == nil {
		return false
	}
	e.watchers[service] = removeWatcher(e.watchers[service], w)
	return true
}

// AddNewCallWatcher subscribes w to new calls of service.
func (r *Registry) AddNewCallWatcher(w Watcher, service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.newCallWatchers[service] = addWatcher(r.newCallWatchers[service], w)
}

// RemoveNewCallWatcher unsubscribes w from new calls of service.
func (r *Registry) RemoveNewCallWatcher(w Watcher, service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.newCallWatchers[service] = removeWatcher(r.newCallWatchers[service], w)
	if len(r.newCallWatchers[service]) == 0 {
		delete(r.newCallWatchers, service)
	}
}

// RemoveWatcher drops w from every list, e.g. when its connection closes.
func (r *Registry) RemoveWatcher(w Watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for service, list := range r.newCallWatchers {
		r.newCallWatchers[service] = removeWatcher(list, w)
		if len(r.newCallWatchers[service]) == 0 {
			delete(r.newCallWatchers, service)
		}
	}
	for _, e := range r.calls {
		for service, list := range e.watchers {
			e.watchers[service] = removeWatcher(list, w)
		}
	}
}

// WatcherCount returns the number of watchers subscribed to callID.
func (r *Registry) WatcherCount(callID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[callID]
	if !ok {
		return 0
	}
	n := 0
	for _, list := range e.watchers {
		n += len(list)
	}
	return n
}

func (r *Registry) getLocked(callID, service string) *entry {
	e, ok := r.calls[callID]
	if !ok || e.Service != service {
		return nil
	}
	return e
}

func (r *Registry) advanceLocked(e *entry, state CallState) {
	if e.State == state {
		return
	}
	from := e.State
	e.State = state
	e.StateAt = r.now()
	if from == Stale {
		e.closing = false
	}

	metrics.RecordStateChange(state.String())
	r.events.LogCallStateChange(context.Background(), e.CallID, e.Service, from.String(), state.String())
	r.emitStateLocked(e)
}

func (r *Registry) emitStateLocked(e *entry) {
	r.publishLocked(e.Service, e.watchers[e.Service], StateEvent(e.Call))
}

func (r *Registry) removeLocked(e *entry, terminal CallState) {
	if terminal != ClosedByCaller && terminal != ClosedByCenter {
		terminal = ClosedBySystem
	}
	r.advanceLocked(e, terminal)
	for service := range e.watchers {
		delete(e.watchers, service)
	}
	delete(r.calls, e.CallID)

	metrics.RecordCallClosed(e.Service, terminal.String(), r.now().Sub(e.CreatedAt))
	metrics.SetCallsActive(len(r.calls))
}

// publishLocked serializes ev once and hands it to watchers and sinks.
// Delivery failures are logged and otherwise ignored.
func (r *Registry) publishLocked(service string, watchers []Watcher, ev Event) {
	metrics.RecordNotification(ev.Event)
	for _, s := range r.sinks {
		s.Publish(service, ev)
	}
	if len(watchers) == 0 {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("Failed to encode notification",
			zap.String("event", ev.Event),
			zap.String("call_id", ev.CallID),
			zap.Error(err))
		return
	}
	for _, w := range watchers {
		if err := w.Send(payload); err != nil {
			metrics.RecordDeliveryFailure()
			r.events.LogWatcherDelivery(context.Background(), blog.ComponentRegistry, ev.Event, err)
		}
	}
}

func addWatcher(list []Watcher, w Watcher) []Watcher {
	for _, existing := range list {
		if existing == w {
			return list
		}
	}
	return append(list, w)
}

func removeWatcher(list []Watcher, w Watcher) []Watcher {
	for i, existing := range list {
		if existing == w {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

func sortCalls(calls []Call) {
	sort.Slice(calls, func(i, j int) bool {
		if calls[i].CreatedAt.Equal(calls[j].CreatedAt) {
			return calls[i].CallID < calls[j].CallID
		}
		return calls[i].CreatedAt.Before(calls[j].CreatedAt)
	})
}
