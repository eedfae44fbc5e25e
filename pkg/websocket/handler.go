package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"border/pkg/calls"
	"border/pkg/state"
	"border/pkg/storage"
)

// Watcher request methods
const (
	MethodGetCall             = "get_call"
	MethodGetCallAlt          = "get_call_alt"
	MethodSend                = "send"
	MethodCloseCall           = "close_call"
	MethodGetActiveCalls      = "get_active_calls"
	MethodGetActiveCallsCount = "get_active_calls_count"
	MethodSubscribeCall       = "subscribe_call"
	MethodUnsubscribeCall     = "unsubscribe_call"
	MethodSubscribeNewCalls   = "subscribe_new_calls"
	MethodUnsubscribeNewCalls = "unsubscribe_new_calls"
)

// Request is a watcher request. Ids may be sent as strings or numbers.
type Request struct {
	Method    string          `json:"method"`
	Tag       json.RawMessage `json:"tag,omitempty"`
	CallID    json.RawMessage `json:"call_id,omitempty"`
	CallIDAlt json.RawMessage `json:"call_id_alt,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Response answers one request
type Response struct {
	Method    string              `json:"method,omitempty"`
	Tag       json.RawMessage     `json:"tag,omitempty"`
	Code      int                 `json:"code"`
	Message   string              `json:"message,omitempty"`
	CallID    string              `json:"call_id,omitempty"`
	Call      *storage.CallRecord `json:"call,omitempty"`
	Calls     *[]state.View       `json:"calls,omitempty"`
	Count     *int                `json:"count,omitempty"`
	RuntimeMS *float64            `json:"runtime_ms,omitempty"`
}

// idString accepts "4711" as well as 4711.
func idString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func (s *Server) handleRequest(client *ClientConnection, data []byte) {
	start := time.Now()
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.reply(client, &Response{Code: http.StatusBadRequest, Message: "invalid request"})
		return
	}
	res := &Response{Method: req.Method, Tag: req.Tag, Code: http.StatusOK}

	s.logger.Debug("Watcher request",
		zap.String("client", client.ID),
		zap.String("method", req.Method),
		zap.String("service", client.Service))

	err := s.dispatch(client, &req, res)
	if err != nil {
		res.Code = http.StatusInternalServerError
		var reqErr requestError
		switch {
		case errors.As(err, &reqErr):
			res.Code = reqErr.code
			res.Message = reqErr.msg
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, calls.ErrCallNotActive):
			res.Code = http.StatusNotFound
			res.Message = req.Method + " " + err.Error()
		case s.config.Debug:
			res.Message = req.Method + " " + err.Error()
		default:
			res.Message = req.Method + " error"
		}
		s.logger.Debug("Watcher request failed",
			zap.String("client", client.ID),
			zap.String("method", req.Method),
			zap.Error(err))
	}
	if s.config.Debug {
		ms := float64(time.Since(start).Microseconds()) / 1000
		res.RuntimeMS = &ms
	}
	s.reply(client, res)

	// a new subscriber learns the current state right after the response
	if err == nil && req.Method == MethodSubscribeCall {
		if call, ok := s.calls.Registry().Get(res.CallID, client.Service); ok {
			if payload, err := json.Marshal(state.StateEvent(call)); err == nil {
				_ = client.Send(payload)
			}
		}
	}
}

type requestError struct {
	code int
	msg  string
}

func (e requestError) Error() string { return e.msg }

func invalid(field, value string) error {
	return requestError{code: http.StatusBadRequest, msg: fmt.Sprintf("invalid %s (%s) ignored", field, value)}
}

func (s *Server) dispatch(client *ClientConnection, req *Request, res *Response) error {
	svc := client.Service
	registry := s.calls.Registry()
	callID := idString(req.CallID)

	needCallID := func() error {
		if callID == "" {
			return invalid("call_id", string(req.CallID))
		}
		return nil
	}

	switch req.Method {
	case MethodGetCall:
		if err := needCallID(); err != nil {
			return err
		}
		ctx, cancel := s.requestContext()
		defer cancel()
		call, err := s.calls.GetByCallID(ctx, callID, svc)
		if err != nil {
			return err
		}
		res.Call = call

	case MethodGetCallAlt:
		altID := idString(req.CallIDAlt)
		if altID == "" {
			return invalid("call_id_alt", string(req.CallIDAlt))
		}
		ctx, cancel := s.requestContext()
		defer cancel()
		call, err := s.calls.GetByAltID(ctx, altID, svc)
		if err != nil {
			return err
		}
		res.Call = call

	case MethodSend:
		if err := needCallID(); err != nil {
			return err
		}
		if req.Message == "" {
			return invalid("text", req.Message)
		}
		ctx, cancel := s.requestContext()
		defer cancel()
		return s.calls.Send(ctx, callID, svc, req.Message, false)

	case MethodCloseCall:
		if err := needCallID(); err != nil {
			return err
		}
		ctx, cancel := s.requestContext()
		defer cancel()
		return s.calls.Close(ctx, callID, svc, req.Message, state.ClosedByCenter)

	case MethodGetActiveCalls:
		active := s.calls.Active(svc)
		res.Calls = &active

	case MethodGetActiveCallsCount:
		n := s.calls.Count(svc)
		res.Count = &n

	case MethodSubscribeCall:
		if err := needCallID(); err != nil {
			return err
		}
		res.CallID = callID
		if !registry.AddCallWatcher(client, callID, svc) {
			return calls.ErrCallNotActive
		}

	case MethodUnsubscribeCall:
		if err := needCallID(); err != nil {
			return err
		}
		res.CallID = callID
		registry.RemoveCallWatcher(client, callID, svc)

	case MethodSubscribeNewCalls:
		registry.AddNewCallWatcher(client, svc)

	case MethodUnsubscribeNewCalls:
		registry.RemoveNewCallWatcher(client, svc)

	default:
		return requestError{code: http.StatusNotFound, msg: fmt.Sprintf("invalid method (%s) ignored", req.Method)}
	}
	return nil
}
