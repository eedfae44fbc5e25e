// Package service holds the pluggable business logic applied to the calls
// of a requested service.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"border/pkg/dec112"
	"border/pkg/i18n"
	"border/pkg/state"
	"border/pkg/trigger"
)

// Service types
const (
	TypeChat = "chat"
)

// Default registration API settings
const (
	DefaultRegistrationURL      = "http://service.dec112.at"
	DefaultRegistrationBasePath = "/api/v1"
	DefaultRequestTimeout       = 500 * time.Millisecond
	DefaultResponseTimeout      = 1000 * time.Millisecond
)

var (
	// ErrUnknownType is returned by New for unsupported service types
	ErrUnknownType = errors.New("unknown service type")
	// ErrNoMessenger is returned when a service sends before SetMessenger
	ErrNoMessenger = errors.New("no messenger configured")
)

// Messenger sends text messages to the caller of an active call
type Messenger interface {
	Send(ctx context.Context, callID, service, text string, closing bool) error
}

// Service is the business logic of one requested service
type Service interface {
	ID() string
	Type() string
	Description() string
	AutomaticMessages() bool
	Lang() string
	ErrorLanguages() []string
	Messages() *i18n.Catalog
	Triggers() []trigger.Trigger

	// CheckRegistration verifies the caller device and may set its caller id.
	CheckRegistration(ctx context.Context, call *state.Call) error
	Open(ctx context.Context, call state.Call, msg *dec112.Message) error
	Process(ctx context.Context, call state.Call, msg *dec112.Message) error
	Close(ctx context.Context, call state.Call, msg *dec112.Message) error
}

// RegistrationConfig configures the device registration check
type RegistrationConfig struct {
	Enabled         bool
	URL             string
	BasePath        string
	APIKey          string
	RequestTimeout  time.Duration
	ResponseTimeout time.Duration
}

// Config configures one service
type Config struct {
	ID                string
	Type              string
	Description       string
	AutomaticMessages bool
	DefaultLang       string
	ErrorLanguages    []string
	LangPath          string
	Registration      RegistrationConfig
	Triggers          []trigger.Config
}

// New builds the service selected by config.Type together with its triggers.
func New(config Config, messages *i18n.Catalog, logger *zap.Logger) (Service, error) {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	switch config.Type {
	case TypeChat, "":
		base, err := NewBase(config, messages, logger)
		if err != nil {
			return nil, err
		}
		return NewChat(base), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, config.Type)
}

// Services resolves requested service names. The name "default" is an
// alias for the configured default service.
type Services struct {
	mu             sync.RWMutex
	byID           map[string]Service
	defaultService string
}

// NewServices creates an empty service set.
func NewServices(defaultService string) *Services {
	return &Services{byID: make(map[string]Service), defaultService: defaultService}
}

// Add registers svc under its id
func (s *Services) Add(svc Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[svc.ID()] = svc
}

// ResolveService maps a requested name to a configured service id.
func (s *Services) ResolveService(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name == "" || name == dec112.DefaultService {
		name = s.defaultService
	}
	if _, ok := s.byID[name]; ok {
		return name, true
	}
	return "", false
}

// Get returns the service with the given id
func (s *Services) Get(id string) (Service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.byID[id]
	return svc, ok
}

// All returns the services sorted by id.
func (s *Services) All() []Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Service, 0, len(s.byID))
	for _, svc := range s.byID {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// SetMessenger hands m to every service that sends messages.
func (s *Services) SetMessenger(m Messenger) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, svc := range s.byID {
		if ms, ok := svc.(interface{ SetMessenger(Messenger) }); ok {
			ms.SetMessenger(m)
		}
	}
}
