package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"border/pkg/common"
	"border/pkg/dec112"
	blog "border/pkg/log"
	"border/pkg/metrics"
	"border/pkg/state"
)

// Trigger types sent in the payload
const (
	TypeOpen  = "OPEN"
	TypeClose = "CLOSE"
)

// DEC112 posts the call as JSON to the control center's open and close URLs
type DEC112 struct {
	config   Config
	codes    codeSet
	openURL  *template.Template
	closeURL *template.Template
	viewURL  *template.Template
	apiURL   *template.Template
	client   *http.Client
	breaker  *common.CircuitBreaker
	logger   *zap.Logger
}

// NewDEC112 parses the URL templates of config.
func NewDEC112(config Config, logger *zap.Logger) (*DEC112, error) {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = DefaultResponseTimeout
	}

	codes, err := newCodeSet(config.ValidOpenCodes, config.ValidOpenCodesRegex)
	if err != nil {
		return nil, err
	}

	t := &DEC112{
		config: config,
		codes:  codes,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: config.ResponseTimeout,
				DisableKeepAlives:     true,
			},
		},
		logger: logger.With(zap.String("trigger", config.ID)),
	}
	t.breaker = common.NewCircuitBreaker("trigger_"+config.ID, common.CircuitBreakerConfig{Component: blog.ComponentTrigger}, t.logger)

	for _, u := range []struct {
		name string
		src  string
		dst  **template.Template
	}{
		{"open_url", config.OpenURL, &t.openURL},
		{"close_url", config.CloseURL, &t.closeURL},
		{"web_view_url", config.WebViewURL, &t.viewURL},
		{"api_url", config.APIURL, &t.apiURL},
	} {
		if u.src == "" {
			continue
		}
		tmpl, err := template.New(u.name).Option("missingkey=zero").Parse(u.src)
		if err != nil {
			return nil, fmt.Errorf("trigger %s: invalid %s: %w", config.ID, u.name, err)
		}
		*u.dst = tmpl
	}
	return t, nil
}

func (t *DEC112) ID() string                      { return t.config.ID }
func (t *DEC112) Enabled() bool                   { return t.config.Enabled }
func (t *DEC112) IgnoreTestCalls() bool           { return t.config.IgnoreTestCalls }
func (t *DEC112) RequireOpenResponse() bool       { return t.config.RequireOpenResponse }
func (t *DEC112) ResponseCodeValid(code int) bool { return t.codes.valid(code) }

// Open posts the OPEN payload. Only with parse_open_response does the
// response matter; it must then carry call_id_alt.
func (t *DEC112) Open(ctx context.Context, call state.Call, msg *dec112.Message) (*OpenResult, error) {
	if !t.config.Enabled || t.openURL == nil {
		return nil, nil
	}

	vars := templateVars(call)
	payload := t.basePayload(vars, TypeOpen)
	payload["device_id"] = call.DeviceID
	payload["caller_id"] = call.CallerID
	payload["called_uri"] = call.CalledURI
	payload["service"] = call.Service
	if msg != nil {
		payload["message_id"] = msg.MessageID
		payload["origin"] = msg.Origin
		payload["received_ts"] = msg.ReceivedAt
		payload["texts"] = msg.Texts
		payload["locations"] = msg.Locations
		payload["data"] = msg.Data
	}

	target, err := render(t.openURL, vars)
	if err != nil {
		return nil, t.reject(call, fmt.Errorf("render open_url: %w", err))
	}

	var (
		status int
		body   []byte
	)
	start := time.Now()
	err = t.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		status, body, err = t.post(ctx, target, payload)
		return err
	})
	metrics.ObserveCollaboratorDuration("trigger_"+t.config.ID, time.Since(start))

	if !t.config.ParseOpenResponse {
		t.logger.Debug("Open trigger sent, response ignored",
			zap.String("call_id", call.CallID),
			zap.Int("status", status),
			zap.Error(err))
		return nil, nil
	}
	if err != nil {
		return nil, t.reject(call, err)
	}
	if !t.ResponseCodeValid(status) {
		return nil, t.reject(call, fmt.Errorf("open trigger failed with status %d", status))
	}

	var response struct {
		CallIDAlt any `json:"call_id_alt"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, t.reject(call, fmt.Errorf("invalid open trigger response: %w", err))
	}
	alt := ""
	switch v := response.CallIDAlt.(type) {
	case string:
		alt = v
	case float64:
		alt = fmt.Sprint(v)
	}
	if alt == "" {
		return nil, t.reject(call, errors.New("call_id_alt not found in open trigger response"))
	}

	t.logger.Debug("Alternate call id from trigger",
		zap.String("call_id", call.CallID),
		zap.String("call_id_alt", alt))
	return &OpenResult{CallIDAlt: alt}, nil
}

// reject turns an open failure into an error only when the response is required.
func (t *DEC112) reject(call state.Call, err error) error {
	metrics.RecordCollaboratorFailure("trigger_" + t.config.ID)
	if t.config.RequireOpenResponse {
		return fmt.Errorf("trigger %s: %w", t.config.ID, err)
	}
	t.logger.Warn("Open trigger failed, ignored",
		zap.String("call_id", call.CallID),
		zap.Error(err))
	return nil
}

// Close posts the CLOSE payload; the response is not evaluated.
func (t *DEC112) Close(ctx context.Context, call state.Call, msg *dec112.Message) error {
	if !t.config.Enabled || t.closeURL == nil {
		return nil
	}

	vars := templateVars(call)
	target, err := render(t.closeURL, vars)
	if err != nil {
		return fmt.Errorf("trigger %s: render close_url: %w", t.config.ID, err)
	}

	err = t.breaker.Execute(ctx, func(ctx context.Context) error {
		_, _, err := t.post(ctx, target, t.basePayload(vars, TypeClose))
		return err
	})
	if err != nil {
		metrics.RecordCollaboratorFailure("trigger_" + t.config.ID)
		return fmt.Errorf("trigger %s: %w", t.config.ID, err)
	}
	return nil
}

func (t *DEC112) basePayload(vars map[string]any, kind string) map[string]any {
	payload := make(map[string]any, len(vars)+3)
	for k, v := range vars {
		payload[k] = v
	}
	payload["trigger_type"] = kind
	if t.viewURL != nil {
		if u, err := render(t.viewURL, vars); err == nil {
			payload["web_view_url"] = u
		}
	}
	if t.apiURL != nil {
		if u, err := render(t.apiURL, vars); err == nil {
			payload["api_url"] = u
		}
	}
	return payload
}

func (t *DEC112) post(ctx context.Context, target string, payload map[string]any) (int, []byte, error) {
	ctx, cancel := common.CollaboratorTimeout(ctx, t.config.RequestTimeout, t.config.ResponseTimeout)
	defer cancel()

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	t.logger.Debug("Sending trigger",
		zap.String("url", target),
		zap.Any("trigger_type", payload["trigger_type"]))

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// templateVars exposes the call under its JSON names, e.g. {{.call_id}}.
func templateVars(call state.Call) map[string]any {
	return map[string]any{
		"created_ts":  call.CreatedAt,
		"call_id":     call.CallID,
		"call_id_alt": call.CallIDAlt,
		"caller_uri":  call.CallerURI,
		"caller_name": call.CallerName,
		"lang":        call.Language,
		"is_test":     call.IsTest,
	}
}

func render(tmpl *template.Template, vars map[string]any) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, vars); err != nil {
		return "", err
	}
	return b.String(), nil
}
