package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"border/pkg/common"
	"border/pkg/i18n"
	"border/pkg/metrics"
	"border/pkg/state"
	"border/pkg/trigger"
)

// Registration API response values of a verified device
const (
	registrationStateVerified = 10
	registrationCodeOK        = 200
	registrationCheckPath     = "/devices/check/"
)

// Base implements the configuration and registration check shared by all
// service types.
type Base struct {
	config   Config
	messages *i18n.Catalog
	triggers []trigger.Trigger
	client   *http.Client
	breaker  *common.CircuitBreaker
	logger   *zap.Logger
}

// NewBase applies defaults, loads service specific texts and builds the triggers.
func NewBase(config Config, messages *i18n.Catalog, logger *zap.Logger) (*Base, error) {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	if messages == nil {
		var err error
		if messages, err = i18n.New(config.DefaultLang, logger); err != nil {
			return nil, err
		}
	}
	if config.Description == "" {
		config.Description = "DEC112 border service"
	}
	reg := &config.Registration
	if reg.URL == "" {
		reg.URL = DefaultRegistrationURL
	}
	if reg.BasePath == "" {
		reg.BasePath = DefaultRegistrationBasePath
	}
	if reg.RequestTimeout <= 0 {
		reg.RequestTimeout = DefaultRequestTimeout
	}
	if reg.ResponseTimeout <= 0 {
		reg.ResponseTimeout = DefaultResponseTimeout
	}

	logger = logger.With(zap.String("service", config.ID))
	if config.DefaultLang != "" {
		messages = messages.WithDefault(config.DefaultLang)
	}
	if config.LangPath != "" {
		var err error
		if messages, err = messages.WithOverrides(config.LangPath); err != nil {
			return nil, fmt.Errorf("service %s: %w", config.ID, err)
		}
	}
	if len(config.ErrorLanguages) == 0 {
		config.ErrorLanguages = []string{messages.Default()}
	}

	b := &Base{
		config:   config,
		messages: messages,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: reg.ResponseTimeout,
				DisableKeepAlives:     true,
			},
		},
		breaker: common.NewCircuitBreaker("registration_"+config.ID, common.CircuitBreakerConfig{}, logger),
		logger:  logger,
	}
	for _, tc := range config.Triggers {
		t, err := trigger.New(tc, logger)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", config.ID, err)
		}
		b.triggers = append(b.triggers, t)
	}
	return b, nil
}

func (b *Base) ID() string                  { return b.config.ID }
func (b *Base) Description() string         { return b.config.Description }
func (b *Base) AutomaticMessages() bool     { return b.config.AutomaticMessages }
func (b *Base) Lang() string                { return b.messages.Default() }
func (b *Base) Messages() *i18n.Catalog     { return b.messages }
func (b *Base) Triggers() []trigger.Trigger { return b.triggers }
func (b *Base) ErrorLanguages() []string    { return append([]string(nil), b.config.ErrorLanguages...) }

type registrationResponse struct {
	State     int `json:"state"`
	Code      int `json:"code"`
	DeviceDID any `json:"device_did"`
}

// CheckRegistration asks the registration API whether the caller's device is
// verified and stores the returned device_did as caller id.
func (b *Base) CheckRegistration(ctx context.Context, call *state.Call) error {
	reg := b.config.Registration
	if !reg.Enabled {
		return nil
	}

	target := reg.URL + reg.BasePath + registrationCheckPath + url.PathEscape(call.DeviceID)
	if reg.APIKey != "" {
		target += "?api_key=" + url.QueryEscape(reg.APIKey)
	}

	var resp registrationResponse
	start := time.Now()
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := common.CollaboratorTimeout(ctx, reg.RequestTimeout, reg.ResponseTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := b.client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("registration API call failed with status %d", res.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("invalid registration API response: %w", err)
		}
		return nil
	})
	metrics.ObserveCollaboratorDuration("registration_"+b.config.ID, time.Since(start))
	if err != nil {
		metrics.RecordCollaboratorFailure("registration_" + b.config.ID)
		return fmt.Errorf("unable to verify caller %s: %w", call.CallerName, err)
	}

	b.logger.Debug("Registration API response",
		zap.String("call_id", call.CallID),
		zap.Int("state", resp.State),
		zap.Int("code", resp.Code),
		zap.Duration("took", time.Since(start)))

	if resp.State != registrationStateVerified || resp.Code != registrationCodeOK {
		return fmt.Errorf("unable to verify caller %s: state=%d code=%d", call.CallerName, resp.State, resp.Code)
	}

	call.CallerID = ""
	switch v := resp.DeviceDID.(type) {
	case string:
		call.CallerID = v
	case float64:
		call.CallerID = fmt.Sprint(v)
	}
	return nil
}
