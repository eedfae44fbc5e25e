// Package calls sequences decoding, collaborators, persistence and the call
// registry for inbound messages and operator actions.
package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"border/pkg/common"
	"border/pkg/dec112"
	"border/pkg/i18n"
	blog "border/pkg/log"
	"border/pkg/metrics"
	"border/pkg/service"
	"border/pkg/state"
	"border/pkg/storage"
	"border/pkg/trigger"
)

var (
	// ErrCallNotActive is returned for operations on unknown or closed calls
	ErrCallNotActive = errors.New("call not active")
	// ErrUnknownService is returned when a call's service is not configured
	ErrUnknownService = errors.New("unknown service")
)

// Outbound message types
const (
	ContentTypeText = "text/plain"
	HeaderReplyTo   = dec112.HeaderReplyTo
	HeaderCallInfo  = dec112.HeaderCallInfo
)

// Header is one extra header line of an outbound message
type Header struct {
	Name  string
	Value string
}

// OutboundMessage is handed to the transport for delivery
type OutboundMessage struct {
	To          string
	Body        string
	ContentType string
	Headers     []Header
	CallID      string
	DisplayName string
}

// Sender delivers messages to callers. It returns once the far end accepted
// or refused the message.
type Sender interface {
	SendMessage(ctx context.Context, msg OutboundMessage) error
}

// Config holds the orchestrator settings
type Config struct {
	LocalURI              string // sent as Reply-To
	DisplayName           string
	DefaultLanguage       string
	DefaultErrorLanguages []string
	CollaboratorTimeout   time.Duration // budget of a sweep-forced close
}

// Manager runs the open, continue and close flows of calls.
type Manager struct {
	config   Config
	registry *state.Registry
	services *service.Services
	decoder  *dec112.Decoder
	store    storage.Store
	sender   Sender
	messages *i18n.Catalog

	// inbound messages and operator actions are handled one at a time
	flow sync.Mutex

	logger *zap.Logger
	events *blog.Logger
}

// NewManager wires the orchestrator. It becomes the messenger of all services
// and handles the sweep-forced closes of registry.
func NewManager(config Config, registry *state.Registry, services *service.Services, store storage.Store,
	sender Sender, messages *i18n.Catalog, logger *zap.Logger) *Manager {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	if config.CollaboratorTimeout <= 0 {
		config.CollaboratorTimeout = 10 * time.Second
	}
	if messages == nil {
		messages, _ = i18n.New(config.DefaultLanguage, logger)
	}
	if len(config.DefaultErrorLanguages) == 0 {
		config.DefaultErrorLanguages = []string{messages.Default()}
	}

	m := &Manager{
		config:   config,
		registry: registry,
		services: services,
		decoder:  dec112.NewDecoder(config.DefaultLanguage, services, logger),
		store:    store,
		sender:   sender,
		messages: messages,
		logger:   logger,
		events:   blog.Wrap(logger),
	}
	services.SetMessenger(m)
	registry.SetExpireHandler(m.expire)
	return m
}

// HandleMessage processes one inbound message. Rejections are answered to
// the caller and returned.
func (m *Manager) HandleMessage(ctx context.Context, raw *dec112.RawMessage) error {
	m.flow.Lock()
	defer m.flow.Unlock()

	decoded, err := m.decoder.Decode(raw)
	if err != nil {
		rej, ok := dec112.AsRejection(err)
		if !ok {
			return err
		}
		h := rej.Headers
		m.reject(ctx, h.CallID, raw.FromURI, rej.Class, h.Service, callerLanguage(h), rej.Error())
		return err
	}

	if call, ok := m.registry.Lookup(decoded.Headers.CallID); ok {
		return m.continueCall(ctx, call, decoded)
	}
	return m.openCall(ctx, decoded)
}

func callerLanguage(h dec112.Headers) string {
	if h.HasLanguage() {
		return h.Language
	}
	return ""
}

func (m *Manager) openCall(ctx context.Context, d *dec112.Decoded) error {
	h := d.Headers
	svc, ok := m.services.Get(h.Service)
	if !ok {
		m.reject(ctx, h.CallID, d.CallerURI, dec112.ErrInvalidMessage, "", callerLanguage(h), "unsupported service "+h.Service)
		return fmt.Errorf("%w: %s", ErrUnknownService, h.Service)
	}

	call := state.Call{
		CallID:     h.CallID,
		CallerURI:  d.CallerURI,
		CallerName: d.CallerName,
		CalledURI:  d.CalledURI,
		DeviceID:   h.DeviceID,
		Language:   h.Language,
		IsTest:     h.IsTest,
		Service:    svc.ID(),
	}

	fail := func(collaborator string, err error) error {
		m.events.LogCollaboratorFailure(ctx, blog.ComponentCalls, collaborator, call.CallID, true, err)
		m.reject(ctx, call.CallID, call.CallerURI, dec112.ErrInvalidCaller, svc.ID(), callerLanguage(h), err.Error())
		return err
	}

	if err := svc.CheckRegistration(ctx, &call); err != nil {
		return fail("registration", err)
	}

	alt, err := m.openTriggers(ctx, svc, call, d.Message)
	if err != nil {
		return fail("trigger", err)
	}
	call.CallIDAlt = alt

	opened, err := m.store.OpenCall(ctx, dec112.OriginRemote, storage.NewCall{
		CallID:    call.CallID,
		CallIDAlt: call.CallIDAlt,
		DeviceID:  call.DeviceID,
		CallerURI: call.CallerURI,
		CallerID:  call.CallerID,
		CalledURI: call.CalledURI,
		Service:   call.Service,
		IsTest:    call.IsTest,
	}, d.Raw, d.Message)
	if err != nil {
		return fail("storage", fmt.Errorf("storing new call failed: %w", err))
	}
	call.CreatedAt = opened.CreatedAt
	call.StorageID = opened.StorageID

	m.registry.Register(call)
	m.registry.NotifyNewCall(call.CallID)
	m.registry.AnnounceState(call.CallID)
	metrics.RecordMessage(call.Service, dec112.OriginRemote)

	if current, ok := m.registry.Get(call.CallID, call.Service); ok {
		call = current
	}
	if err := svc.Open(ctx, call, d.Message); err != nil {
		m.events.LogCollaboratorFailure(ctx, blog.ComponentService, svc.ID(), call.CallID, false, err)
	}

	m.logger.Info("New call opened",
		zap.String("call_id", call.CallID),
		zap.String("call_id_alt", call.CallIDAlt),
		zap.String("caller", call.CallerName),
		zap.String("service", call.Service))
	return nil
}

// openTriggers runs the eligible open hooks concurrently. The alternate id
// comes from the first trigger in configuration order that returned one.
func (m *Manager) openTriggers(ctx context.Context, svc service.Service, call state.Call, msg *dec112.Message) (string, error) {
	triggers := eligible(svc.Triggers(), call)
	results := make([]*trigger.OpenResult, len(triggers))
	errs := make([]error, len(triggers))

	common.Parallel(ctx, m.logger, "open_triggers", len(triggers), func(ctx context.Context, i int) {
		results[i], errs[i] = triggers[i].Open(ctx, call, msg)
	})

	for _, err := range errs {
		if err != nil {
			return "", err
		}
	}
	for _, res := range results {
		if res != nil && res.CallIDAlt != "" {
			return res.CallIDAlt, nil
		}
	}
	return "", nil
}

func eligible(triggers []trigger.Trigger, call state.Call) []trigger.Trigger {
	var out []trigger.Trigger
	for _, t := range triggers {
		if !t.Enabled() || (call.IsTest && t.IgnoreTestCalls()) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (m *Manager) continueCall(ctx context.Context, call state.Call, d *dec112.Decoded) error {
	svc, ok := m.services.Get(call.Service)
	if !ok {
		m.reject(ctx, call.CallID, call.CallerURI, dec112.ErrInvalidMessage, "", call.Language, "unsupported service "+call.Service)
		return fmt.Errorf("%w: %s", ErrUnknownService, call.Service)
	}

	if err := m.store.StoreEntry(ctx, dec112.OriginRemote, call.StorageID, d.Raw, d.Message); err != nil {
		m.events.LogCollaboratorFailure(ctx, blog.ComponentStorage, "store_entry", call.CallID, true, err)
		return fmt.Errorf("storing message failed: %w", err)
	}
	metrics.RecordMessage(call.Service, dec112.OriginRemote)
	m.registry.NotifyNewMessage(call.CallID, d.Message)

	if d.Headers.Type.IsClose() {
		m.logger.Debug("Close message received", zap.String("call_id", call.CallID))
		m.closeCall(ctx, svc, call, nil, state.ClosedByCaller)
		return nil
	}

	m.registry.Advance(call.CallID, call.Service, state.InCall)
	if err := svc.Process(ctx, call, d.Message); err != nil {
		m.events.LogCollaboratorFailure(ctx, blog.ComponentService, svc.ID(), call.CallID, false, err)
	}
	return nil
}

// Send delivers text to the caller of an active call and stores it as a
// local entry once the transport accepted it.
func (m *Manager) Send(ctx context.Context, callID, svcID, text string, closing bool) error {
	call, ok := m.registry.Get(callID, svcID)
	if !ok {
		return ErrCallNotActive
	}
	msgID, _ := m.registry.NextOutboundID(callID, svcID)
	msgType := dec112.MsgTypeText
	if closing {
		msgType = dec112.MsgTypeTextClose
	}

	out := OutboundMessage{
		To:          call.CallerURI,
		Body:        text,
		ContentType: ContentTypeText,
		Headers:     m.replyHeaders(callID, msgID, msgType),
		CallID:      callID,
		DisplayName: m.displayName(svcID),
	}
	if err := m.sender.SendMessage(ctx, out); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}

	msg := dec112.NewTextMessage(dec112.OriginLocal, msgID, text, time.Now().UTC())
	if err := m.store.StoreEntry(ctx, dec112.OriginLocal, call.StorageID, "", msg); err != nil {
		return fmt.Errorf("storing sent message failed: %w", err)
	}
	metrics.RecordMessage(svcID, dec112.OriginLocal)
	m.registry.NotifyNewMessage(callID, msg)
	return nil
}

// Close ends an active call on behalf of the center. Text is sent to the
// caller as closing message unless it is the silent marker; empty text sends
// the localized call_closed_by_center message.
func (m *Manager) Close(ctx context.Context, callID, svcID, text string, reason state.CallState) error {
	m.flow.Lock()
	defer m.flow.Unlock()

	call, ok := m.registry.Get(callID, svcID)
	if !ok {
		return ErrCallNotActive
	}
	svc, _ := m.services.Get(svcID)
	if text == "" {
		text = m.catalog(svc).Translate(i18n.CallClosedByCenter, call.Language)
	}
	m.closeCall(ctx, svc, call, dec112.NewTextMessage(dec112.OriginLocal, 0, text, time.Now().UTC()), reason)
	return nil
}

// CloseAll closes every active call of svcID, or of all services when svcID
// is empty, telling each caller in their language.
func (m *Manager) CloseAll(ctx context.Context, svcID string, reason state.CallState) int {
	m.flow.Lock()
	defer m.flow.Unlock()

	var active []state.Call
	if svcID == "" {
		active = m.registry.ListAll()
	} else {
		active = m.registry.List(svcID)
	}
	for _, call := range active {
		svc, _ := m.services.Get(call.Service)
		text := m.catalog(svc).Translate(i18n.CallClosedBySystem, call.Language)
		m.closeCall(ctx, svc, call, dec112.NewTextMessage(dec112.OriginLocal, 0, text, time.Now().UTC()), reason)
	}
	return len(active)
}

// expire is the registry's handler for stale calls past the close timeout.
func (m *Manager) expire(call state.Call) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.CollaboratorTimeout)
	defer cancel()

	m.flow.Lock()
	defer m.flow.Unlock()

	current, ok := m.registry.Lookup(call.CallID)
	if !ok {
		return
	}
	if !m.registry.Expired(current.CallID) {
		m.logger.Debug("Expired call was revived, keeping it",
			zap.String("call_id", current.CallID),
			zap.String("state", current.State.String()))
		return
	}
	svc, _ := m.services.Get(current.Service)
	text := m.catalog(svc).Translate(i18n.CallClosedBySystem, current.Language)
	m.closeCall(ctx, svc, current, dec112.NewTextMessage(dec112.OriginLocal, 0, text, time.Now().UTC()), state.ClosedBySystem)
}

// closeCall runs the service close hook, the trigger close hooks and finally
// removes the call. Hook failures never prevent the removal.
func (m *Manager) closeCall(ctx context.Context, svc service.Service, call state.Call, msg *dec112.Message, reason state.CallState) {
	if svc != nil {
		if err := svc.Close(ctx, call, msg); err != nil {
			m.events.LogCollaboratorFailure(ctx, blog.ComponentService, svc.ID(), call.CallID, false, err)
		}
		triggers := eligible(svc.Triggers(), call)
		common.Parallel(ctx, m.logger, "close_triggers", len(triggers), func(ctx context.Context, i int) {
			if err := triggers[i].Close(ctx, call, msg); err != nil {
				m.events.LogCollaboratorFailure(ctx, blog.ComponentTrigger, triggers[i].ID(), call.CallID, false, err)
			}
		})
	}
	m.registry.Remove(call.CallID, reason)
	m.logger.Info("Call closed",
		zap.String("call_id", call.CallID),
		zap.String("service", call.Service),
		zap.String("reason", reason.String()))
}

// reject answers the caller with the localized error text of class. The
// languages are lang if the caller sent one, else the service's error
// languages, else the configured defaults.
func (m *Manager) reject(ctx context.Context, callID, to string, class dec112.ErrorClass, svcID, lang, reason string) {
	metrics.RecordRejection(string(class))
	m.events.LogRejection(ctx, callID, string(class), reason)
	if to == "" {
		return
	}

	svc, hasService := m.services.Get(svcID)
	langs := m.config.DefaultErrorLanguages
	switch {
	case lang != "":
		langs = []string{lang}
	case hasService:
		langs = svc.ErrorLanguages()
	}
	text := m.catalog(svc).TranslateAll(string(class), langs)

	headers := []Header{{Name: HeaderReplyTo, Value: m.config.LocalURI}}
	if callID != "" {
		headers = append(headers, Header{Name: HeaderCallInfo, Value: dec112.CallInfo("callid", callID, "CallId")})
	}
	headers = append(headers, Header{Name: HeaderCallInfo, Value: dec112.CallInfo("msgtype", fmt.Sprint(dec112.MsgTypeTextClose), "MsgType")})

	err := m.sender.SendMessage(ctx, OutboundMessage{
		To:          to,
		Body:        text,
		ContentType: ContentTypeText,
		Headers:     headers,
		CallID:      callID,
		DisplayName: m.displayName(svcID),
	})
	if err != nil {
		m.events.LogCollaboratorFailure(ctx, blog.ComponentSIP, "send_error", callID, false, err)
	}
}

func (m *Manager) replyHeaders(callID string, msgID, msgType int) []Header {
	headers := []Header{{Name: HeaderReplyTo, Value: m.config.LocalURI}}
	for _, v := range dec112.ReplyHeaders(callID, msgID, msgType) {
		headers = append(headers, Header{Name: HeaderCallInfo, Value: v})
	}
	return headers
}

func (m *Manager) catalog(svc service.Service) *i18n.Catalog {
	if svc != nil {
		return svc.Messages()
	}
	return m.messages
}

func (m *Manager) displayName(svcID string) string {
	if svc, ok := m.services.Get(svcID); ok && svc.Description() != "" {
		return svc.Description()
	}
	return m.config.DisplayName
}

// Active lists the active calls of svcID.
func (m *Manager) Active(svcID string) []state.View {
	calls := m.registry.List(svcID)
	views := make([]state.View, 0, len(calls))
	for _, c := range calls {
		views = append(views, c.View())
	}
	return views
}

// Count returns the number of active calls of svcID.
func (m *Manager) Count(svcID string) int {
	return m.registry.Count(svcID)
}

// ActiveCount returns the number of active calls of all services.
func (m *Manager) ActiveCount() int {
	return len(m.registry.ListAll())
}

// GetByCallID loads a stored call with its chat, carrying the live state
// while it is active and CLOSED afterwards.
func (m *Manager) GetByCallID(ctx context.Context, callID, svcID string) (*storage.CallRecord, error) {
	rec, err := m.store.GetCallByCallID(ctx, callID, svcID)
	if err != nil {
		return nil, err
	}
	m.mergeState(rec, svcID)
	return rec, nil
}

// GetByAltID is GetByCallID for the alternate call id.
func (m *Manager) GetByAltID(ctx context.Context, altID, svcID string) (*storage.CallRecord, error) {
	rec, err := m.store.GetCallByAltID(ctx, altID, svcID)
	if err != nil {
		return nil, err
	}
	m.mergeState(rec, svcID)
	return rec, nil
}

func (m *Manager) mergeState(rec *storage.CallRecord, svcID string) {
	rec.State = state.Closed
	if live, ok := m.registry.Get(rec.CallID, svcID); ok && live.StorageID == rec.StorageID {
		rec.State = live.State
	}
}

// ResolveService maps a requested service name to a configured service.
func (m *Manager) ResolveService(name string) (string, bool) {
	return m.services.ResolveService(name)
}

// Registry exposes the call registry for watcher subscriptions.
func (m *Manager) Registry() *state.Registry {
	return m.registry
}
