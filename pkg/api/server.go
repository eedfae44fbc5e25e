// Package api serves the REST interface for control centers and the
// watcher WebSocket endpoint under /api/v1.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"border/pkg/calls"
	"border/pkg/common"
	blog "border/pkg/log"
	"border/pkg/metrics"
	"border/pkg/state"
	"border/pkg/storage"
)

// Base is the path prefix of every API route
const Base = "/api/v1"

// Calls is what the REST API may do with calls
type Calls interface {
	ResolveService(name string) (string, bool)
	GetByCallID(ctx context.Context, callID, svc string) (*storage.CallRecord, error)
	GetByAltID(ctx context.Context, altID, svc string) (*storage.CallRecord, error)
	Send(ctx context.Context, callID, svc, text string, closing bool) error
	Close(ctx context.Context, callID, svc, text string, reason state.CallState) error
	Active(svc string) []state.View
	Count(svc string) int
}

// Config configures the HTTP listener
type Config struct {
	ListenAddr      string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	// Debug adds error details to responses
	Debug bool
}

// Server is the HTTP front of the gateway
type Server struct {
	config  Config
	calls   Calls
	status  *StatusHandler
	handler http.Handler
	http    *http.Server
	logger  *zap.Logger
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type textRequest struct {
	Message string `json:"message"`
}

// NewServer builds the router. ws is mounted at Base and may be nil.
func NewServer(config Config, calls Calls, ws http.Handler, status *StatusHandler, logger *zap.Logger) *Server {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	logger = logger.With(zap.String("component", blog.ComponentAPI))

	s := &Server{
		config: config,
		calls:  calls,
		status: status,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route(Base, func(r chi.Router) {
		r.Get("/calls", s.listCalls)
		r.Get("/calls/count", s.countCalls)
		r.Get("/call/{call_id}", s.getCall)
		r.Get("/call_alt/{call_id_alt}", s.getCallAlt)
		r.Post("/call/{call_id}/send", s.sendText)
		r.Post("/call/{call_id}/close", s.closeCall)
		if status != nil {
			r.Get("/status", status.ServeHTTP)
		}
		if ws != nil {
			r.Get("/", ws.ServeHTTP)
		}
	})
	r.Handle("/metrics", metrics.Handler())
	if status != nil {
		r.Get("/health", status.Health)
	}
	s.handler = r
	s.http = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ServeHTTP makes the server usable with httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Start listens until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API", zap.String("addr", s.config.ListenAddr))
	err := s.http.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	s.logger.Info("Stopping HTTP API")
	return s.http.Shutdown(ctx)
}

// service resolves ?service=, writing 404 when it is unknown.
func (s *Server) service(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.URL.Query().Get("service")
	svc, ok := s.calls.ResolveService(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown service "+name)
	}
	return svc, ok
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return common.EnsureTimeout(r.Context(), s.config.RequestTimeout)
}

func (s *Server) listCalls(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"code": http.StatusOK, "calls": s.calls.Active(svc)})
}

func (s *Server) countCalls(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"code": http.StatusOK, "count": s.calls.Count(svc)})
}

func (s *Server) getCall(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	call, err := s.calls.GetByCallID(ctx, chi.URLParam(r, "call_id"), svc)
	if err != nil {
		s.fail(w, "get_call", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"code": http.StatusOK, "call": call})
}

func (s *Server) getCallAlt(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	call, err := s.calls.GetByAltID(ctx, chi.URLParam(r, "call_id_alt"), svc)
	if err != nil {
		s.fail(w, "get_call_alt", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"code": http.StatusOK, "call": call})
}

func (s *Server) sendText(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	body, err := readText(r)
	if err != nil || body.Message == "" {
		s.writeError(w, http.StatusBadRequest, "invalid text")
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	callID := chi.URLParam(r, "call_id")
	if err := s.calls.Send(ctx, callID, svc, body.Message, false); err != nil {
		s.fail(w, "send", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"code": http.StatusOK, "call_id": callID})
}

func (s *Server) closeCall(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(w, r)
	if !ok {
		return
	}
	body, err := readText(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	callID := chi.URLParam(r, "call_id")
	if err := s.calls.Close(ctx, callID, svc, body.Message, state.ClosedByCenter); err != nil {
		s.fail(w, "close_call", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"code": http.StatusOK, "call_id": callID})
}

// readText decodes an optional {"message": ...} body.
func readText(r *http.Request) (textRequest, error) {
	var body textRequest
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body)
	if errors.Is(err, io.EOF) {
		return body, nil
	}
	return body, err
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, calls.ErrCallNotActive):
		s.writeError(w, http.StatusNotFound, op+" "+err.Error())
	case s.config.Debug:
		s.writeError(w, http.StatusInternalServerError, op+" "+err.Error())
	default:
		s.logger.Warn("Request failed", zap.String("op", op), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, op+" error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, ErrorResponse{Message: message, Code: code})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", zap.Error(err))
	}
}
