// pkg/dec112/headers.go
package dec112

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Header names carrying protocol metadata
const (
	HeaderCallInfo    = "Call-Info"
	HeaderTest        = "X-Dec112-Test"
	HeaderHistoryInfo = "History-Info"
	HeaderReplyTo     = "Reply-To"
)

const urnSuffix = `:service\.dec112\.at>`

var (
	callIDRe        = regexp.MustCompile(`<urn:dec112:uid:callid:(.*?)` + urnSuffix)
	deviceIDRe      = regexp.MustCompile(`<urn:dec112:uid:deviceid:(.*?)` + urnSuffix)
	msgIDRe         = regexp.MustCompile(`<urn:dec112:uid:msgid:(\d+)` + urnSuffix)
	msgTypeRe       = regexp.MustCompile(`<urn:dec112:uid:msgtype:(\d+)` + urnSuffix)
	languageRe      = regexp.MustCompile(`<urn:dec112:uid:language:(.*?)` + urnSuffix)
	serviceRe       = regexp.MustCompile(`<urn:dec112:endpoint:(.*?)` + urnSuffix)
	clientVersionRe = regexp.MustCompile(`<urn:dec112:clientversion:(\d+\.\d+\.\d+)` + urnSuffix)
)

// RawMessage is an inbound message as delivered by the transport
type RawMessage struct {
	FromURI       string
	FromName      string
	ToURI         string
	ContentType   string
	ContentLength int
	Body          []byte
	SIPCallID     string
	Headers       map[string][]string
}

// HeaderValues returns all values of a header, matching the name case-insensitively.
func (r *RawMessage) HeaderValues(name string) []string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

// AddHeader appends a header value.
func (r *RawMessage) AddHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string][]string)
	}
	r.Headers[name] = append(r.Headers[name], value)
}

// Headers is the protocol metadata of a message
type Headers struct {
	CallID        string
	CallIDAlt     string
	DeviceID      string
	MessageID     int
	Type          MessageType
	TypeValue     int
	Language      string
	Service       string
	IsTest        bool
	ClientVersion string
	History       []string

	// presence of the optional and required fields
	hasMessageID bool
	hasType      bool
	hasLanguage  bool
	hasService   bool
}

// HasType reports whether a msgtype header was present.
func (h Headers) HasType() bool { return h.hasType }

// HasLanguage reports whether the caller sent a language header.
func (h Headers) HasLanguage() bool { return h.hasLanguage }

// ExtractHeaders reads the protocol headers of raw. Each field takes the first
// matching occurrence; later duplicates are returned as ignored.
func ExtractHeaders(raw *RawMessage) (Headers, []string) {
	var (
		h       Headers
		ignored []string
	)

	first := func(field string, set *bool, re *regexp.Regexp, value string, assign func(string)) {
		m := re.FindStringSubmatch(value)
		if m == nil {
			return
		}
		if *set {
			ignored = append(ignored, fmt.Sprintf("%s=%s", field, m[1]))
			return
		}
		*set = true
		assign(m[1])
	}

	var hasCallID, hasDeviceID, hasVersion bool
	for _, v := range raw.HeaderValues(HeaderCallInfo) {
		first("callid", &hasCallID, callIDRe, v, func(s string) { h.CallID = s })
		first("deviceid", &hasDeviceID, deviceIDRe, v, func(s string) { h.DeviceID = s })
		first("msgid", &h.hasMessageID, msgIDRe, v, func(s string) { h.MessageID, _ = strconv.Atoi(s) })
		first("msgtype", &h.hasType, msgTypeRe, v, func(s string) {
			h.TypeValue, _ = strconv.Atoi(s)
			h.Type = DecodeMessageType(h.TypeValue)
		})
		first("language", &h.hasLanguage, languageRe, v, func(s string) { h.Language = strings.ToLower(s) })
		first("service", &h.hasService, serviceRe, v, func(s string) { h.Service = s })
		first("clientversion", &hasVersion, clientVersionRe, v, func(s string) { h.ClientVersion = s })
	}
	for _, v := range raw.HeaderValues(HeaderTest) {
		if strings.EqualFold(strings.TrimSpace(v), "true") {
			h.IsTest = true
		}
	}
	for _, v := range raw.HeaderValues(HeaderHistoryInfo) {
		h.History = append(h.History, v)
	}
	return h, ignored
}

// CallInfo builds a Call-Info header value for a uid field.
func CallInfo(field, value, purpose string) string {
	return fmt.Sprintf("<urn:dec112:uid:%s:%s:service.dec112.at>; purpose=dec112-%s", field, value, purpose)
}

// ReplyHeaders are the Call-Info headers of an outbound message.
func ReplyHeaders(callID string, msgID, msgType int) []string {
	h := []string{CallInfo("callid", callID, "CallId")}
	if msgID > 0 {
		h = append(h, CallInfo("msgid", strconv.Itoa(msgID), "MsgId"))
	}
	return append(h, CallInfo("msgtype", strconv.Itoa(msgType), "MsgType"))
}
