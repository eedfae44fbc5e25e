// pkg/dec112/decoder.go
package dec112

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"border/pkg/mime"
)

// Content types understood by the decoder
const (
	ContentTypeText       = "text/plain"
	ContentTypeMultipart  = "multipart/mixed"
	ContentTypePIDF       = "application/pidf+xml"
	ContentTypeAddCallSub = "application/addcallsub+xml"
)

// DefaultService is the service requested when no endpoint header is sent
const DefaultService = "default"

// ServiceResolver maps a requested service name to a configured service id.
type ServiceResolver interface {
	ResolveService(name string) (string, bool)
}

// Decoded is a validated inbound message
type Decoded struct {
	Headers    Headers
	Body       Body
	Message    *Message
	CallerURI  string
	CallerName string
	CalledURI  string
	Raw        string
}

// Decoder turns raw transport messages into validated messages
type Decoder struct {
	defaultLanguage string
	services        ServiceResolver
	now             func() time.Time
	logger          *zap.Logger
}

// NewDecoder creates a decoder resolving services through services.
func NewDecoder(defaultLanguage string, services ServiceResolver, logger *zap.Logger) *Decoder {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	if defaultLanguage == "" {
		defaultLanguage = "en"
	}
	return &Decoder{
		defaultLanguage: defaultLanguage,
		services:        services,
		now:             time.Now,
		logger:          logger,
	}
}

// Decode validates raw. Any failure is returned as a *Rejection.
func (d *Decoder) Decode(raw *RawMessage) (*Decoded, error) {
	h, ignored := ExtractHeaders(raw)
	if len(ignored) > 0 {
		d.logger.Debug("Ignoring duplicate protocol headers",
			zap.String("call_id", h.CallID),
			zap.Strings("ignored", ignored))
	}

	if h.Language == "" {
		h.Language = d.defaultLanguage
	}
	if h.Service == "" {
		h.Service = DefaultService
	}

	if h.Type.IsRoaming {
		return nil, Reject(ErrInvalidRoamingCall, "roaming calls are not supported", h)
	}

	switch {
	case h.CallID == "":
		return nil, &Rejection{Class: ErrInvalidMessage, Reason: "missing header", Field: "callid", Headers: h}
	case h.DeviceID == "":
		return nil, &Rejection{Class: ErrInvalidMessage, Reason: "missing header", Field: "deviceid", Headers: h}
	case !h.hasType:
		return nil, &Rejection{Class: ErrInvalidMessage, Reason: "missing header", Field: "msgtype", Headers: h}
	}

	service, ok := d.services.ResolveService(h.Service)
	if !ok {
		return nil, &Rejection{Class: ErrInvalidMessage, Reason: "unsupported service", Field: h.Service, Headers: h}
	}
	h.Service = service

	var body Body
	if raw.ContentLength > 0 || len(raw.Body) > 0 {
		var err error
		body, err = d.decodeBody(raw, h)
		if err != nil {
			return nil, err
		}
	}

	for _, check := range []struct {
		declared bool
		kind     ItemKind
	}{
		{h.Type.HasLocation, ItemLocation},
		{h.Type.HasData, ItemData},
		{h.Type.HasText, ItemText},
	} {
		if check.declared && body.Count(check.kind) == 0 {
			return nil, &Rejection{Class: ErrInvalidMessage, Reason: "declared content missing", Field: check.kind.String(), Headers: h}
		}
	}

	return &Decoded{
		Headers:    h,
		Body:       body,
		Message:    NewMessage(OriginRemote, h.MessageID, body, d.now()),
		CallerURI:  raw.FromURI,
		CallerName: raw.FromName,
		CalledURI:  raw.ToURI,
		Raw:        string(raw.Body),
	}, nil
}

func (d *Decoder) decodeBody(raw *RawMessage, h Headers) (Body, error) {
	var body Body
	declared := raw.ContentType
	if strings.TrimSpace(declared) == "" {
		// SIP allows omitting Content-Type; treat the body as plain text
		declared = ContentTypeText
	}
	contentType := mime.NewHeader("Content-Type", declared)

	switch strings.ToLower(contentType.Value) {
	case ContentTypeText:
		body.addText(string(raw.Body))
	case ContentTypeMultipart:
		boundary, _ := contentType.Addon("boundary")
		mp, err := mime.Parse(string(raw.Body), strings.Trim(boundary, `"`))
		if err != nil {
			return body, Rejectf(ErrInvalidMessage, h, err, "malformed multipart body")
		}
		for i, part := range mp.Parts {
			d.decodePart(&body, part, i, h)
		}
	default:
		return body, &Rejection{Class: ErrInvalidMessage, Reason: "unsupported content type", Field: raw.ContentType, Headers: h}
	}
	return body, nil
}

func (d *Decoder) decodePart(body *Body, part *mime.Part, index int, h Headers) {
	switch ct := part.ContentType(); ct {
	case ContentTypeText:
		body.addText(part.Body())
	case ContentTypePIDF:
		loc, err := ParsePIDF(part.Body())
		if err != nil {
			d.logger.Warn("Skipping unreadable location part",
				zap.String("call_id", h.CallID),
				zap.Int("part", index),
				zap.Error(err))
			return
		}
		if !loc.Valid() {
			d.logger.Warn("Skipping invalid location",
				zap.String("call_id", h.CallID),
				zap.Float64("lat", loc.Latitude),
				zap.Float64("lon", loc.Longitude))
			return
		}
		body.addLocation(loc)
	case ContentTypeAddCallSub:
		rec, err := ParseAddCallSub(part.Body())
		if err != nil {
			d.logger.Warn("Skipping unreadable subscriber data part",
				zap.String("call_id", h.CallID),
				zap.Int("part", index),
				zap.Error(err))
			return
		}
		body.addData(rec)
	default:
		d.logger.Info("Skipping unsupported body part",
			zap.String("call_id", h.CallID),
			zap.Int("part", index),
			zap.String("content_type", ct))
	}
}
