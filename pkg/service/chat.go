package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"border/pkg/dec112"
	"border/pkg/i18n"
	"border/pkg/state"
)

// SilentClose as closing text closes a call without telling the caller
const SilentClose = "//SILENT"

// Chat relays text chats between callers and the control center
type Chat struct {
	*Base

	mu        sync.RWMutex
	messenger Messenger
}

// NewChat creates a chat service on top of base.
func NewChat(base *Base) *Chat {
	return &Chat{Base: base}
}

func (c *Chat) Type() string { return TypeChat }

// SetMessenger sets the sender used for automatic and closing messages.
func (c *Chat) SetMessenger(m Messenger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messenger = m
}

func (c *Chat) send(ctx context.Context, call state.Call, text string, closing bool) error {
	c.mu.RLock()
	m := c.messenger
	c.mu.RUnlock()
	if m == nil {
		return ErrNoMessenger
	}
	return m.Send(ctx, call.CallID, call.Service, text, closing)
}

// Open greets the caller in their language if automatic messages are on.
func (c *Chat) Open(ctx context.Context, call state.Call, msg *dec112.Message) error {
	c.logger.Debug("Open chat", zap.String("call_id", call.CallID))
	if !c.AutomaticMessages() {
		return nil
	}
	return c.send(ctx, call, c.messages.Translate(i18n.AutoAnswerNewCall, call.Language), false)
}

// Process does nothing for chats; messages are only relayed to watchers.
func (c *Chat) Process(ctx context.Context, call state.Call, msg *dec112.Message) error {
	c.logger.Debug("Process chat", zap.String("call_id", call.CallID))
	return nil
}

// Close sends the first text of msg as closing message.
func (c *Chat) Close(ctx context.Context, call state.Call, msg *dec112.Message) error {
	c.logger.Debug("Close chat", zap.String("call_id", call.CallID))
	if msg == nil || len(msg.Texts) == 0 {
		return nil
	}
	text := msg.Texts[0]
	if text == "" || text == SilentClose {
		return nil
	}
	return c.send(ctx, call, text, true)
}
