package state

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingWatcher struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (w *recordingWatcher) Send(payload []byte) error {
	if w.fail {
		return errors.New("connection closed")
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, ev)
	return nil
}

func (w *recordingWatcher) Events() []Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Event(nil), w.events...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(service string, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *fakeClock) {
	clock := &fakeClock{now: t0}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	r := NewRegistry(Config{
		StaleTimeout: 100000 * time.Millisecond,
		CloseTimeout: 200000 * time.Millisecond,
	}, zaptest.NewLogger(t), opts...)
	return r, clock
}

func testCall(id string) Call {
	return Call{CallID: id, CallerURI: "sip:caller@example.com", DeviceID: "abc", Service: "chat"}
}

func TestRegisterIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.True(t, r.Register(testCall("4711")))
	second := testCall("4711")
	second.Service = "other"
	second.DeviceID = "changed"
	assert.False(t, r.Register(second))

	c, ok := r.Lookup("4711")
	require.True(t, ok)
	assert.Equal(t, "chat", c.Service)
	assert.Equal(t, "abc", c.DeviceID)
	assert.Equal(t, NewCall, c.State)
	assert.Equal(t, t0, c.StateAt)
	assert.Equal(t, t0, c.CreatedAt)
}

func TestSweepStaleBoundary(t *testing.T) {
	r, clock := newTestRegistry(t)
	w := &recordingWatcher{}

	require.True(t, r.Register(testCall("4711")))
	require.True(t, r.AddCallWatcher(w, "4711", "chat"))

	clock.Set(t0.Add(99999 * time.Millisecond))
	r.Sweep()
	c, _ := r.Lookup("4711")
	assert.Equal(t, NewCall, c.State)
	assert.Empty(t, w.Events())

	clock.Set(t0.Add(100001 * time.Millisecond))
	r.Sweep()
	r.Sweep()
	c, _ = r.Lookup("4711")
	assert.Equal(t, Stale, c.State)

	events := w.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventStateChange, events[0].Event)
	require.NotNil(t, events[0].State)
	assert.Equal(t, Stale, *events[0].State)
	assert.Equal(t, 200, events[0].Code)
}

func TestSweepClosesStaleCalls(t *testing.T) {
	r, clock := newTestRegistry(t)
	w := &recordingWatcher{}
	require.True(t, r.Register(testCall("4711")))
	require.True(t, r.AddCallWatcher(w, "4711", "chat"))

	stale := t0.Add(100001 * time.Millisecond)
	clock.Set(stale)
	r.Sweep()

	clock.Set(stale.Add(200000 * time.Millisecond))
	r.Sweep()
	_, ok := r.Lookup("4711")
	assert.True(t, ok, "close timeout is exclusive")

	clock.Set(stale.Add(200001 * time.Millisecond))
	r.Sweep()
	_, ok = r.Lookup("4711")
	assert.False(t, ok)

	events := w.Events()
	require.Len(t, events, 2)
	assert.Equal(t, ClosedBySystem, *events[1].State)
}

func TestSweepUsesExpireHandlerOnce(t *testing.T) {
	r, clock := newTestRegistry(t)
	var expired []Call
	r.SetExpireHandler(func(c Call) { expired = append(expired, c) })

	require.True(t, r.Register(testCall("4711")))
	clock.Set(t0.Add(101 * time.Second))
	r.Sweep()
	clock.Set(t0.Add(302 * time.Second))
	r.Sweep()
	r.Sweep()

	require.Len(t, expired, 1)
	assert.Equal(t, "4711", expired[0].CallID)

	// the handler owns the removal
	assert.True(t, r.Remove("4711", ClosedBySystem))
	assert.Equal(t, 0, r.Count("chat"))
}

func TestRevivedCallCanExpireAgain(t *testing.T) {
	r, clock := newTestRegistry(t)
	var expired []Call
	r.SetExpireHandler(func(c Call) { expired = append(expired, c) })

	require.True(t, r.Register(testCall("4711")))
	clock.Set(t0.Add(101 * time.Second))
	r.Sweep()
	clock.Set(t0.Add(302 * time.Second))
	assert.True(t, r.Expired("4711"))
	r.Sweep()
	require.Len(t, expired, 1)

	// a caller message arrives before the handler closed the call
	require.True(t, r.Advance("4711", "chat", InCall))
	assert.False(t, r.Expired("4711"))

	clock.Set(t0.Add(403 * time.Second))
	r.Sweep()
	assert.False(t, r.Expired("4711"))
	clock.Set(t0.Add(604 * time.Second))
	assert.True(t, r.Expired("4711"))
	r.Sweep()
	assert.Len(t, expired, 2)
	assert.False(t, r.Expired("0815"))
}

func TestContinuationResetsStaleTimer(t *testing.T) {
	r, clock := newTestRegistry(t)
	require.True(t, r.Register(testCall("4711")))

	clock.Set(t0.Add(50 * time.Second))
	require.True(t, r.Advance("4711", "chat", InCall))

	clock.Set(t0.Add(120 * time.Second))
	r.Sweep()
	c, _ := r.Lookup("4711")
	assert.Equal(t, InCall, c.State)
	assert.Equal(t, t0.Add(50*time.Second), c.StateAt)

	// same state is a no-op and does not reset the timestamp
	clock.Set(t0.Add(130 * time.Second))
	require.True(t, r.Advance("4711", "chat", InCall))
	c, _ = r.Lookup("4711")
	assert.Equal(t, t0.Add(50*time.Second), c.StateAt)
}

func TestServiceIsolation(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.True(t, r.Register(testCall("4711")))
	w := &recordingWatcher{}

	_, ok := r.Get("4711", "other")
	assert.False(t, ok)
	assert.False(t, r.Advance("4711", "other", InCall))
	assert.False(t, r.AddCallWatcher(w, "4711", "other"))
	_, ok = r.NextOutboundID("4711", "other")
	assert.False(t, ok)

	_, ok = r.Get("4711", "chat")
	assert.True(t, ok)
	assert.Len(t, r.List("chat"), 1)
	assert.Empty(t, r.List("other"))
	assert.Len(t, r.ListAll(), 1)
}

func TestRemoveCoercesTerminalState(t *testing.T) {
	tests := []struct {
		terminal CallState
		want     CallState
	}{
		{ClosedByCaller, ClosedByCaller},
		{ClosedByCenter, ClosedByCenter},
		{Closed, ClosedBySystem},
		{Error, ClosedBySystem},
		{InCall, ClosedBySystem},
	}
	for _, tt := range tests {
		t.Run(tt.terminal.String(), func(t *testing.T) {
			r, _ := newTestRegistry(t)
			w := &recordingWatcher{}
			require.True(t, r.Register(testCall("4711")))
			require.True(t, r.AddCallWatcher(w, "4711", "chat"))

			assert.True(t, r.Remove("4711", tt.terminal))
			assert.False(t, r.Remove("4711", tt.terminal))
			assert.Equal(t, 0, r.WatcherCount("4711"))

			events := w.Events()
			require.Len(t, events, 1)
			assert.Equal(t, tt.want, *events[0].State)
		})
	}
}

func TestWatcherSetOperations(t *testing.T) {
	r, _ := newTestRegistry(t)
	w := &recordingWatcher{}
	require.True(t, r.Register(testCall("4711")))

	assert.True(t, r.AddCallWatcher(w, "4711", "chat"))
	assert.True(t, r.AddCallWatcher(w, "4711", "chat"))
	assert.Equal(t, 1, r.WatcherCount("4711"))

	assert.True(t, r.RemoveCallWatcher(w, "4711", "chat"))
	assert.True(t, r.RemoveCallWatcher(w, "4711", "chat"))
	assert.Equal(t, 0, r.WatcherCount("4711"))

	r.RemoveNewCallWatcher(w, "chat")
	r.RemoveWatcher(w)
	assert.False(t, r.AddCallWatcher(w, "unknown", "chat"))
}

func TestNotifications(t *testing.T) {
	sink := &recordingSink{}
	r, _ := newTestRegistry(t, WithSink(sink))

	newCalls := &recordingWatcher{}
	otherService := &recordingWatcher{}
	broken := &recordingWatcher{fail: true}
	r.AddNewCallWatcher(newCalls, "chat")
	r.AddNewCallWatcher(broken, "chat")
	r.AddNewCallWatcher(otherService, "other")

	c := testCall("4711")
	c.CallIDAlt = "alt-1"
	require.True(t, r.Register(c))
	require.True(t, r.NotifyNewCall("4711"))
	require.True(t, r.AnnounceState("4711"))

	got := newCalls.Events()
	require.Len(t, got, 1)
	assert.Equal(t, EventNewCall, got[0].Event)
	assert.Equal(t, "alt-1", got[0].CallIDAlt)
	assert.Equal(t, "sip:caller@example.com", got[0].CallerURI)
	assert.Empty(t, otherService.Events())

	callWatcher := &recordingWatcher{}
	require.True(t, r.AddCallWatcher(callWatcher, "4711", "chat"))
	require.True(t, r.NotifyNewMessage("4711", map[string]any{"texts": []string{"hi"}}))
	require.True(t, r.Advance("4711", "chat", InCall))

	events := callWatcher.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventNewMessage, events[0].Event)
	assert.NotNil(t, events[0].Message)
	assert.Equal(t, EventStateChange, events[1].Event)
	assert.Equal(t, InCall, *events[1].State)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 4)
	assert.Equal(t, EventNewCall, sink.events[0].Event)
	assert.Equal(t, EventStateChange, sink.events[1].Event)
	assert.Equal(t, NewCall, *sink.events[1].State)

	assert.False(t, r.NotifyNewCall("unknown"))
	assert.False(t, r.NotifyNewMessage("unknown", nil))
}

func TestNextOutboundID(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.True(t, r.Register(testCall("4711")))

	id, ok := r.NextOutboundID("4711", "chat")
	require.True(t, ok)
	assert.Equal(t, 1, id)
	id, _ = r.NextOutboundID("4711", "chat")
	assert.Equal(t, 2, id)
}

func TestCallStateNames(t *testing.T) {
	assert.Equal(t, "new call", NewCall.String())
	assert.Equal(t, "closed by system", ClosedBySystem.String())
	assert.Equal(t, "undefined", CallState(42).String())
	assert.True(t, ClosedByCenter.IsClosed())
	assert.False(t, Stale.IsClosed())
	assert.Equal(t, InCall, ParseCallState(2))
}
