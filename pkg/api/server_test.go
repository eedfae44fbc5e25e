package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"border/pkg/calls"
	"border/pkg/health"
	"border/pkg/state"
	"border/pkg/storage"
)

type fakeCalls struct {
	registry *state.Registry

	mu      sync.Mutex
	sent    []string
	closed  map[string]string
	sendErr error
}

func newFakeCalls(t *testing.T) *fakeCalls {
	return &fakeCalls{
		registry: state.NewRegistry(state.Config{}, zaptest.NewLogger(t)),
		closed:   make(map[string]string),
	}
}

func (f *fakeCalls) ResolveService(name string) (string, bool) {
	switch name {
	case "", "default", "chat":
		return "chat", true
	}
	return "", false
}

func (f *fakeCalls) GetByCallID(ctx context.Context, callID, svc string) (*storage.CallRecord, error) {
	call, ok := f.registry.Get(callID, svc)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.CallRecord{CallID: call.CallID, CallIDAlt: call.CallIDAlt, State: call.State}, nil
}

func (f *fakeCalls) GetByAltID(ctx context.Context, altID, svc string) (*storage.CallRecord, error) {
	call, ok := f.registry.GetByAltID(altID, svc)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.CallRecord{CallID: call.CallID, CallIDAlt: call.CallIDAlt, State: call.State}, nil
}

func (f *fakeCalls) Send(ctx context.Context, callID, svc, text string, closing bool) error {
	if _, ok := f.registry.Get(callID, svc); !ok {
		return calls.ErrCallNotActive
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeCalls) Close(ctx context.Context, callID, svc, text string, reason state.CallState) error {
	if !f.registry.Remove(callID, reason) {
		return calls.ErrCallNotActive
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[callID] = text
	return nil
}

func (f *fakeCalls) Active(svc string) []state.View {
	views := []state.View{}
	for _, c := range f.registry.List(svc) {
		views = append(views, c.View())
	}
	return views
}

func (f *fakeCalls) Count(svc string) int { return f.registry.Count(svc) }

func (f *fakeCalls) ActiveCount() int { return len(f.registry.ListAll()) }

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestListAndCountCalls(t *testing.T) {
	fc := newFakeCalls(t)
	fc.registry.Register(state.Call{CallID: "4711", Service: "chat"})
	fc.registry.Register(state.Call{CallID: "4712", Service: "chat"})
	server := NewServer(Config{}, fc, nil, nil, zaptest.NewLogger(t))

	rec, body := do(t, server, http.MethodGet, "/api/v1/calls/count?service=chat", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["count"])

	rec, body = do(t, server, http.MethodGet, "/api/v1/calls", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["calls"], 2)

	rec, body = do(t, server, http.MethodGet, "/api/v1/calls?service=video", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.EqualValues(t, http.StatusNotFound, body["code"])
	assert.Equal(t, "unknown service video", body["message"])
}

func TestGetCall(t *testing.T) {
	fc := newFakeCalls(t)
	fc.registry.Register(state.Call{CallID: "4711", CallIDAlt: "CC-1", Service: "chat"})
	server := NewServer(Config{}, fc, nil, nil, zaptest.NewLogger(t))

	rec, body := do(t, server, http.MethodGet, "/api/v1/call/4711", "")
	require.Equal(t, http.StatusOK, rec.Code)
	call := body["call"].(map[string]any)
	assert.Equal(t, "CC-1", call["call_id_alt"])

	rec, body = do(t, server, http.MethodGet, "/api/v1/call_alt/CC-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	call = body["call"].(map[string]any)
	assert.Equal(t, "4711", call["call_id"])

	rec, body = do(t, server, http.MethodGet, "/api/v1/call/0815", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "get_call call not found", body["message"])
}

func TestSendText(t *testing.T) {
	fc := newFakeCalls(t)
	fc.registry.Register(state.Call{CallID: "4711", Service: "chat"})
	server := NewServer(Config{}, fc, nil, nil, zaptest.NewLogger(t))

	rec, _ := do(t, server, http.MethodPost, "/api/v1/call/4711/send", `{"message":"Hilfe kommt"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"Hilfe kommt"}, fc.sent)

	rec, _ = do(t, server, http.MethodPost, "/api/v1/call/4711/send", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, server, http.MethodPost, "/api/v1/call/0815/send", `{"message":"hallo"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	fc.sendErr = errors.New("transaction timed out")
	rec, body := do(t, server, http.MethodPost, "/api/v1/call/4711/send", `{"message":"hallo"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "send error", body["message"])
}

func TestCloseCall(t *testing.T) {
	fc := newFakeCalls(t)
	fc.registry.Register(state.Call{CallID: "4711", Service: "chat"})
	fc.registry.Register(state.Call{CallID: "4712", Service: "chat"})
	server := NewServer(Config{}, fc, nil, nil, zaptest.NewLogger(t))

	// a missing body closes with the default text
	rec, _ := do(t, server, http.MethodPost, "/api/v1/call/4711/close", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, server, http.MethodPost, "/api/v1/call/4712/close", `{"message":"//SILENT"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, map[string]string{"4711": "", "4712": "//SILENT"}, fc.closed)
	assert.Equal(t, 0, fc.registry.Count("chat"))

	rec, _ = do(t, server, http.MethodPost, "/api/v1/call/4711/close", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusAndHealth(t *testing.T) {
	fc := newFakeCalls(t)
	fc.registry.Register(state.Call{CallID: "4711", Service: "chat"})

	monitor := health.NewHealthMonitor(health.HealthConfig{}, zaptest.NewLogger(t))
	var storeErr error
	monitor.Register("storage", health.CheckFunc(func(ctx context.Context) error { return storeErr }), true)
	monitor.CheckAll(context.Background())

	status := NewStatusHandler(monitor, fc, nil, zaptest.NewLogger(t), "node-1", "test")
	server := NewServer(Config{}, fc, nil, status, zaptest.NewLogger(t))

	rec, body := do(t, server, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(health.StatusHealthy), body["status"])
	assert.Equal(t, "node-1", body["node_id"])
	assert.EqualValues(t, 1, body["active_calls"])

	rec, _ = do(t, server, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	storeErr = errors.New("disk full")
	monitor.CheckAll(context.Background())

	rec, body = do(t, server, http.MethodGet, "/api/v1/status?component=storage", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	components := body["components"].(map[string]any)
	assert.Contains(t, components, "storage")

	rec, _ = do(t, server, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebSocketMount(t *testing.T) {
	fc := newFakeCalls(t)
	var hits int
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	server := NewServer(Config{}, fc, ws, nil, zaptest.NewLogger(t))

	rec, _ := do(t, server, http.MethodGet, "/api/v1?service=chat", "")
	assert.Equal(t, http.StatusSwitchingProtocols, rec.Code)
	rec, _ = do(t, server, http.MethodGet, "/api/v1/", "")
	assert.Equal(t, http.StatusSwitchingProtocols, rec.Code)
	assert.Equal(t, 2, hits)

	rec, _ = do(t, server, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
