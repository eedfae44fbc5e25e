package sip

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"go.uber.org/zap"

	"border/pkg/calls"
	"border/pkg/common"
	"border/pkg/dec112"
	blog "border/pkg/log"
)

// ErrNoHandler is returned for inbound messages before SetHandler
var ErrNoHandler = errors.New("no message handler configured")

// Handler processes inbound messages
type Handler interface {
	HandleMessage(ctx context.Context, raw *dec112.RawMessage) error
}

// Transport receives and sends SIP MESSAGE requests.
type Transport struct {
	config SIPConfig
	aor    sip.Uri

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	mu      sync.RWMutex
	handler Handler
	ctx     context.Context

	logger *zap.Logger
	events *blog.Logger
}

// NewTransport creates the user agent. Nothing is bound before Serve.
func NewTransport(cfg SIPConfig, logger *zap.Logger) (*Transport, error) {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	cfg.applyDefaults()
	logger = logger.With(zap.String("component", blog.ComponentSIP))

	var aor sip.Uri
	if err := sip.ParseUri(cfg.URI, &aor); err != nil {
		return nil, fmt.Errorf("invalid sip uri %q: %w", cfg.URI, err)
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("failed to create SIP user agent: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		return nil, fmt.Errorf("failed to create SIP server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		_ = ua.Close()
		return nil, fmt.Errorf("failed to create SIP client: %w", err)
	}

	t := &Transport{
		config: cfg,
		aor:    aor,
		ua:     ua,
		server: server,
		client: client,
		ctx:    context.Background(),
		logger: logger,
		events: blog.Wrap(logger),
	}
	server.OnMessage(t.onMessage)
	server.OnOptions(t.onOptions)
	return t, nil
}

// SetHandler sets the receiver of inbound messages.
func (t *Transport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Serve listens on the configured address until ctx is done.
func (t *Transport) Serve(ctx context.Context) error {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()

	t.logger.Info("SIP transport listening",
		zap.String("network", t.config.Network),
		zap.String("addr", t.config.BindAddr),
		zap.String("uri", t.config.URI))
	t.events.LogTransportConnection(ctx, blog.ComponentSIP, t.config.BindAddr, true, t.config.Network)

	err := t.server.ListenAndServe(ctx, t.config.Network, t.config.BindAddr)
	if err != nil && !errors.Is(err, context.Canceled) {
		t.events.LogTransportConnection(ctx, blog.ComponentSIP, t.config.BindAddr, false, err.Error())
		return fmt.Errorf("SIP server failed: %w", err)
	}
	t.events.LogTransportConnection(ctx, blog.ComponentSIP, t.config.BindAddr, false, "shutdown")
	return nil
}

func (t *Transport) reply(tx sip.ServerTransaction, req *sip.Request, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		t.logger.Error("Failed to send response", zap.Int("code", code), zap.Error(err))
	}
}

func (t *Transport) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	t.reply(tx, req, 200, "OK")
}

// onMessage acknowledges every MESSAGE before processing it; rejections are
// sent back as separate messages.
func (t *Transport) onMessage(req *sip.Request, tx sip.ServerTransaction) {
	t.reply(tx, req, 200, "OK")

	t.mu.RLock()
	h, ctx := t.handler, t.ctx
	t.mu.RUnlock()

	raw := ToRawMessage(req)
	t.logger.Debug("SIP message received",
		zap.String("from", raw.FromURI),
		zap.String("sip_call_id", raw.SIPCallID),
		zap.String("content_type", raw.ContentType),
		zap.Int("content_length", raw.ContentLength))

	if h == nil {
		t.logger.Error("Dropping message", zap.Error(ErrNoHandler))
		return
	}
	if err := h.HandleMessage(ctx, raw); err != nil {
		t.logger.Debug("Message not processed", zap.String("from", raw.FromURI), zap.Error(err))
	}
}

// SendMessage implements calls.Sender. Any final non-2xx response is an
// error; 401 and 407 are retried once with digest credentials.
func (t *Transport) SendMessage(ctx context.Context, out calls.OutboundMessage) error {
	req, err := NewMessageRequest(t.aor, out)
	if err != nil {
		return err
	}
	ctx, cancel := common.EnsureTimeout(ctx, t.config.SendTimeout)
	defer cancel()

	res, err := t.do(ctx, req)
	if err != nil {
		t.logger.Warn("SIP message failed",
			zap.String("call_id", out.CallID),
			zap.String("to", out.To),
			zap.Error(err))
		return err
	}
	t.logger.Debug("SIP message delivered",
		zap.String("call_id", out.CallID),
		zap.String("to", out.To),
		zap.Int("status", res.StatusCode))
	return nil
}

func (t *Transport) do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	res, err := t.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if (res.StatusCode == 401 || res.StatusCode == 407) && t.config.Password != "" {
		res, err = t.client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
			Username: t.aor.User,
			Password: t.config.Password,
		})
		if err != nil {
			return nil, err
		}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return res, fmt.Errorf("%s failed with %d %s", req.Method, res.StatusCode, res.Reason)
	}
	return res, nil
}

func (t *Transport) registrar() (sip.Uri, error) {
	target := "sip:" + t.aor.Host
	if t.aor.Port > 0 {
		target += ":" + strconv.Itoa(t.aor.Port)
	}
	if t.config.Registrar != "" {
		target = t.config.Registrar
	}
	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return uri, fmt.Errorf("invalid registrar %q: %w", target, err)
	}
	return uri, nil
}

// Register sends one REGISTER for the address of record. An expiry of zero
// removes the registration.
func (t *Transport) Register(ctx context.Context, expiry time.Duration) error {
	registrar, err := t.registrar()
	if err != nil {
		return err
	}
	req := sip.NewRequest(sip.REGISTER, registrar)
	req.AppendHeader(&sip.FromHeader{Address: t.aor, Params: sip.NewParams()})
	req.AppendHeader(&sip.ToHeader{Address: t.aor, Params: sip.NewParams()})
	req.AppendHeader(&sip.ContactHeader{Address: t.aor})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expiry.Seconds()))))

	ctx, cancel := common.EnsureTimeout(ctx, t.config.SendTimeout)
	defer cancel()
	if _, err := t.do(ctx, req); err != nil {
		return fmt.Errorf("register %s: %w", t.config.URI, err)
	}
	return nil
}

// RunRegistration keeps the registration alive until ctx is done and
// unregisters afterwards. It does nothing unless registration is enabled.
func (t *Transport) RunRegistration(ctx context.Context) {
	if !t.config.Register {
		return
	}
	expiry := t.config.RegisterExpiry
	register := func() {
		if err := t.Register(ctx, expiry); err != nil {
			t.events.LogCollaboratorFailure(ctx, blog.ComponentSIP, "registrar", "", false, err)
			return
		}
		t.logger.Debug("Registered", zap.String("uri", t.config.URI), zap.Duration("expiry", expiry))
	}

	register()
	ticker := time.NewTicker(expiry / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			unregCtx, cancel := common.QuickTimeout(context.Background())
			if err := t.Register(unregCtx, 0); err != nil {
				t.logger.Warn("Unregister failed", zap.Error(err))
			} else {
				t.logger.Debug("Unregistered", zap.String("uri", t.config.URI))
			}
			cancel()
			return
		case <-ticker.C:
			register()
		}
	}
}

// Close releases the user agent and its transports.
func (t *Transport) Close() error {
	return t.ua.Close()
}
