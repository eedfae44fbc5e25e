// Package sip carries DEC112 messages over SIP MESSAGE requests.
package sip

import (
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"border/pkg/calls"
	"border/pkg/dec112"
)

// Request and Response are re-exported from sipgo
type Request = sip.Request
type Response = sip.Response

// ParseMessage parses raw SIP data
func ParseMessage(data []byte) (sip.Message, error) {
	return sip.ParseMessage(data)
}

// Defaults of the SIP transport
const (
	DefaultBindAddr       = "0.0.0.0:5060"
	DefaultNetwork        = "udp"
	DefaultUserAgent      = "dec112-border"
	DefaultRegisterExpiry = 30 * time.Second
	DefaultSendTimeout    = 10 * time.Second
)

// forwarded verbatim into the raw message
var protocolHeaders = []string{dec112.HeaderCallInfo, dec112.HeaderTest, dec112.HeaderHistoryInfo}

// SIPConfig configures the SIP user agent of the gateway
type SIPConfig struct {
	BindAddr    string
	Network     string
	URI         string // own address of record, sent as From
	DisplayName string
	UserAgent   string
	Password    string

	// Register at the registrar of URI's domain, or at Registrar when set.
	Register       bool
	Registrar      string
	RegisterExpiry time.Duration
	SendTimeout    time.Duration
}

func (c *SIPConfig) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = DefaultBindAddr
	}
	if c.Network == "" {
		c.Network = DefaultNetwork
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.RegisterExpiry <= 0 {
		c.RegisterExpiry = DefaultRegisterExpiry
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
}

// ToRawMessage extracts what the decoder needs from an inbound MESSAGE.
func ToRawMessage(req *sip.Request) *dec112.RawMessage {
	raw := &dec112.RawMessage{Body: req.Body()}
	raw.ContentLength = len(raw.Body)

	if from := req.From(); from != nil {
		raw.FromURI = from.Address.String()
		raw.FromName = from.DisplayName
	}
	if to := req.To(); to != nil {
		raw.ToURI = to.Address.String()
	}
	if ct := req.ContentType(); ct != nil {
		raw.ContentType = ct.Value()
	}
	if id := req.CallID(); id != nil {
		raw.SIPCallID = id.Value()
	}
	for _, name := range protocolHeaders {
		for _, h := range req.GetHeaders(name) {
			raw.AddHeader(name, h.Value())
		}
	}
	return raw
}

// NewMessageRequest builds the MESSAGE request delivering out, sent from the
// address of record from.
func NewMessageRequest(from sip.Uri, out calls.OutboundMessage) (*sip.Request, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(out.To, &recipient); err != nil {
		return nil, fmt.Errorf("invalid receiver uri %q: %w", out.To, err)
	}

	req := sip.NewRequest(sip.MESSAGE, recipient)
	fromHeader := &sip.FromHeader{
		DisplayName: out.DisplayName,
		Address:     from,
		Params:      sip.NewParams(),
	}
	fromHeader.Params.Add("tag", newTag())
	req.AppendHeader(fromHeader)
	req.AppendHeader(&sip.ToHeader{Address: recipient, Params: sip.NewParams()})

	for _, h := range out.Headers {
		req.AppendHeader(sip.NewHeader(h.Name, h.Value))
	}
	contentType := out.ContentType
	if contentType == "" {
		contentType = calls.ContentTypeText
	}
	ct := sip.ContentTypeHeader(contentType)
	req.AppendHeader(&ct)
	req.SetBody([]byte(out.Body))
	return req, nil
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
