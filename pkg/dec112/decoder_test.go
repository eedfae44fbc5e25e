package dec112

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"border/pkg/mime"
)

type staticServices map[string]string

func (s staticServices) ResolveService(name string) (string, bool) {
	id, ok := s[name]
	return id, ok
}

func newTestDecoder(t *testing.T) *Decoder {
	return NewDecoder("de", staticServices{"default": "chat", "chat": "chat"}, zaptest.NewLogger(t))
}

func textMessage(msgType int, body string) *RawMessage {
	raw := &RawMessage{
		FromURI:       "sip:caller@example.com",
		FromName:      "Caller",
		ToURI:         "sip:112@border.example.com",
		ContentType:   "text/plain",
		Body:          []byte(body),
		ContentLength: len(body),
	}
	raw.AddHeader(HeaderCallInfo, CallInfo("callid", "4711", "CallId"))
	raw.AddHeader(HeaderCallInfo, CallInfo("deviceid", "abc", "DeviceId"))
	raw.AddHeader(HeaderCallInfo, CallInfo("msgtype", strconv.Itoa(msgType), "MsgType"))
	return raw
}

func TestDecodeMessageType(t *testing.T) {
	tests := []struct {
		value int
		want  MessageType
	}{
		{0, MessageType{}},
		{18, MessageType{Kind: KindUnused2, HasText: true}},
		{19, MessageType{Kind: KindClose, HasText: true}},
		{3, MessageType{Kind: KindClose}},
		{29, MessageType{Kind: KindUnused1, HasLocation: true, HasData: true, HasText: true}},
		{21, MessageType{Kind: KindUnused1, HasLocation: true, HasText: true}},
		{32, MessageType{IsRoaming: true}},
	}
	for _, tt := range tests {
		got := DecodeMessageType(tt.value)
		assert.Equal(t, tt.want, got, "value %d", tt.value)
		assert.Equal(t, tt.value, got.Value())
	}
	assert.True(t, DecodeMessageType(MsgTypeTextClose).IsClose())
	assert.False(t, DecodeMessageType(MsgTypeText).IsClose())
}

func TestExtractHeadersFirstMatchWins(t *testing.T) {
	raw := &RawMessage{}
	raw.AddHeader("call-info", CallInfo("callid", "first", "CallId"))
	raw.AddHeader("call-info", CallInfo("callid", "second", "CallId"))
	raw.AddHeader("call-info", CallInfo("msgtype", "18", "MsgType"))
	raw.AddHeader("call-info", CallInfo("msgtype", "19", "MsgType"))
	raw.AddHeader("call-info", CallInfo("msgid", "7", "MsgId"))
	raw.AddHeader("call-info", "<urn:dec112:uid:language:DE:service.dec112.at>; purpose=dec112-Language")
	raw.AddHeader("call-info", "<urn:dec112:endpoint:chat:service.dec112.at>; purpose=dec112-ServiceId")
	raw.AddHeader("call-info", "<urn:dec112:clientversion:1.2.3:service.dec112.at>; purpose=dec112-ClientVer")
	raw.AddHeader("X-Dec112-Test", "TRUE")
	raw.AddHeader("History-Info", "<sip:a@example.com>;index=1")
	raw.AddHeader("History-Info", "<sip:b@example.com>;index=1.1")

	h, ignored := ExtractHeaders(raw)
	assert.Equal(t, "first", h.CallID)
	assert.Equal(t, 18, h.TypeValue)
	assert.Equal(t, 7, h.MessageID)
	assert.Equal(t, "de", h.Language)
	assert.True(t, h.HasLanguage())
	assert.Equal(t, "chat", h.Service)
	assert.Equal(t, "1.2.3", h.ClientVersion)
	assert.True(t, h.IsTest)
	assert.Equal(t, []string{"<sip:a@example.com>;index=1", "<sip:b@example.com>;index=1.1"}, h.History)
	assert.Equal(t, []string{"callid=second", "msgtype=19"}, ignored)
}

func TestExtractHeadersSingleLineList(t *testing.T) {
	raw := &RawMessage{}
	raw.AddHeader(HeaderCallInfo, CallInfo("callid", "4711", "CallId")+", "+CallInfo("deviceid", "abc", "DeviceId"))

	h, _ := ExtractHeaders(raw)
	assert.Equal(t, "4711", h.CallID)
	assert.Equal(t, "abc", h.DeviceID)
	assert.False(t, h.HasType())
}

func TestDecodeTextMessage(t *testing.T) {
	d := newTestDecoder(t)

	dec, err := d.Decode(textMessage(18, "Hilfe"))
	require.NoError(t, err)
	assert.Equal(t, "4711", dec.Headers.CallID)
	assert.Equal(t, "abc", dec.Headers.DeviceID)
	assert.Equal(t, "de", dec.Headers.Language)
	assert.False(t, dec.Headers.HasLanguage())
	assert.Equal(t, "chat", dec.Headers.Service)
	assert.Equal(t, 0, dec.Headers.MessageID)
	assert.Equal(t, []string{"Hilfe"}, dec.Message.Texts)
	assert.Equal(t, OriginRemote, dec.Message.Origin)
	assert.Equal(t, "sip:caller@example.com", dec.CallerURI)

	untyped := textMessage(18, "Hilfe")
	untyped.ContentType = ""
	dec, err = d.Decode(untyped)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hilfe"}, dec.Message.Texts)
}

func TestDecodeRejections(t *testing.T) {
	d := newTestDecoder(t)

	tests := []struct {
		name  string
		raw   func() *RawMessage
		class ErrorClass
		field string
	}{
		{
			name: "roaming wins over missing headers",
			raw: func() *RawMessage {
				raw := &RawMessage{}
				raw.AddHeader(HeaderCallInfo, CallInfo("msgtype", "50", "MsgType"))
				return raw
			},
			class: ErrInvalidRoamingCall,
		},
		{
			name: "missing call id",
			raw: func() *RawMessage {
				raw := &RawMessage{}
				raw.AddHeader(HeaderCallInfo, CallInfo("deviceid", "abc", "DeviceId"))
				return raw
			},
			class: ErrInvalidMessage,
			field: "callid",
		},
		{
			name: "missing device id",
			raw: func() *RawMessage {
				raw := &RawMessage{}
				raw.AddHeader(HeaderCallInfo, CallInfo("callid", "1", "CallId"))
				return raw
			},
			class: ErrInvalidMessage,
			field: "deviceid",
		},
		{
			name: "missing msgtype",
			raw: func() *RawMessage {
				raw := &RawMessage{}
				raw.AddHeader(HeaderCallInfo, CallInfo("callid", "1", "CallId"))
				raw.AddHeader(HeaderCallInfo, CallInfo("deviceid", "abc", "DeviceId"))
				return raw
			},
			class: ErrInvalidMessage,
			field: "msgtype",
		},
		{
			name: "unknown service",
			raw: func() *RawMessage {
				raw := textMessage(18, "x")
				raw.AddHeader(HeaderCallInfo, "<urn:dec112:endpoint:police:service.dec112.at>")
				return raw
			},
			class: ErrInvalidMessage,
			field: "police",
		},
		{
			name: "unsupported content type",
			raw: func() *RawMessage {
				raw := textMessage(18, "x")
				raw.ContentType = "application/json"
				return raw
			},
			class: ErrInvalidMessage,
			field: "application/json",
		},
		{
			name:  "declared text missing",
			raw:   func() *RawMessage { return textMessage(16, "") },
			class: ErrInvalidMessage,
			field: "text",
		},
		{
			name:  "declared location missing",
			raw:   func() *RawMessage { return textMessage(20, "text only") },
			class: ErrInvalidMessage,
			field: "location",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec, err := d.Decode(tt.raw())
			require.Error(t, err)
			assert.Nil(t, dec)
			rej, ok := AsRejection(err)
			require.True(t, ok)
			assert.Equal(t, tt.class, rej.Class)
			assert.Equal(t, tt.field, rej.Field)
		})
	}
}

const pidfPoint = `<?xml version="1.0" encoding="UTF-8"?>
<presence xmlns="urn:ietf:params:xml:ns:pidf" xmlns:gp="urn:ietf:params:xml:ns:pidf:geopriv10"
  xmlns:gml="http://www.opengis.net/gml" xmlns:dm="urn:ietf:params:xml:ns:pidf:data-model" entity="pres:caller@example.com">
  <dm:device id="device">
    <gp:geopriv>
      <gp:location-info>
        <gml:Point srsName="urn:ogc:def:crs:EPSG::4326">
          <gml:pos>48.2082 16.3738</gml:pos>
        </gml:Point>
      </gp:location-info>
      <gp:method>GPS</gp:method>
    </gp:geopriv>
  </dm:device>
</presence>`

const pidfCircle = `<presence xmlns="urn:ietf:params:xml:ns:pidf">
  <tuple id="t1"><status><geopriv>
    <location-info><location>
      <Circle><pos>47.07 15.43 350.5</pos><radius uom="urn:ogc:def:uom:EPSG::9001">25</radius></Circle>
    </location></location-info>
    <method>Cell</method>
  </geopriv></status></tuple>
</presence>`

const addCallSub = `<?xml version="1.0" encoding="UTF-8"?>
<sub:EmergencyCallData.SubscriberInfo xmlns:sub="urn:ietf:params:xml:ns:EmergencyCallData:SubscriberInfo" privacyRequested="false">
  <sub:SubscriberData>
    <xc:vcards xmlns:xc="urn:ietf:params:xml:ns:vcard-4.0">
      <xc:vcard>
        <xc:fn><xc:text>Max Mustermann</xc:text></xc:fn>
        <xc:tel><xc:text>+43664123456</xc:text></xc:tel>
        <xc:email><xc:text>max@example.com</xc:text></xc:email>
        <xc:adr>
          <xc:street>Hauptplatz 1</xc:street>
          <xc:locality>Graz</xc:locality>
          <xc:code>8010</xc:code>
          <xc:country>AT</xc:country>
        </xc:adr>
        <xc:note><xc:text>{"diseases":["asthma"],"deaf":true,"age":42}</xc:text></xc:note>
      </xc:vcard>
    </xc:vcards>
  </sub:SubscriberData>
</sub:EmergencyCallData.SubscriberInfo>`

func TestParsePIDF(t *testing.T) {
	loc, err := ParsePIDF(pidfPoint)
	require.NoError(t, err)
	assert.InDelta(t, 48.2082, loc.Latitude, 1e-9)
	assert.InDelta(t, 16.3738, loc.Longitude, 1e-9)
	assert.Nil(t, loc.Altitude)
	assert.Nil(t, loc.Radius)
	assert.Equal(t, "GPS", loc.Method)

	loc, err = ParsePIDF(pidfCircle)
	require.NoError(t, err)
	require.NotNil(t, loc.Altitude)
	require.NotNil(t, loc.Radius)
	assert.InDelta(t, 350.5, *loc.Altitude, 1e-9)
	assert.InDelta(t, 25, *loc.Radius, 1e-9)
	assert.Equal(t, "Cell", loc.Method)

	_, err = ParsePIDF(`<presence><person/></presence>`)
	assert.ErrorIs(t, err, ErrNoGeopriv)

	assert.False(t, Location{Latitude: 91}.Valid())
	assert.False(t, Location{Longitude: -181}.Valid())
}

func TestParseAddCallSub(t *testing.T) {
	rec, err := ParseAddCallSub(addCallSub)
	require.NoError(t, err)
	assert.Equal(t, DataRecord{
		"name":             "Max Mustermann",
		"tel":              "+43664123456",
		"email":            "max@example.com",
		"adr.street":       "Hauptplatz 1",
		"adr.locality":     "Graz",
		"adr.code":         "8010",
		"adr.country":      "AT",
		"notes.age":        "42",
		"notes.deaf":       "true",
		"notes.diseases.0": "asthma",
	}, rec)

	_, err = ParseAddCallSub(`<root/>`)
	assert.ErrorIs(t, err, ErrNoVCard)
}

func TestDecodeMultipart(t *testing.T) {
	m, err := mime.New("")
	require.NoError(t, err)
	m.AddPart(mime.NewPart("", []mime.Header{mime.NewHeader("Content-Type", "text/plain")}, "Es brennt"))
	m.AddPart(mime.NewPart("", []mime.Header{mime.NewHeader("Content-Type", "application/pidf+xml")}, pidfPoint))
	m.AddPart(mime.NewPart("", []mime.Header{mime.NewHeader("Content-Type", "application/addCallSub+xml")}, addCallSub))
	m.AddPart(mime.NewPart("", []mime.Header{mime.NewHeader("Content-Type", "image/png")}, "ignored"))

	raw := textMessage(29, "")
	raw.ContentType = m.ContentType()
	raw.Body = []byte(m.String())
	raw.ContentLength = len(raw.Body)

	dec, err := newTestDecoder(t).Decode(raw)
	require.NoError(t, err)
	require.Len(t, dec.Body.Items, 3)
	assert.Equal(t, ItemText, dec.Body.Items[0].Kind)
	assert.Equal(t, ItemLocation, dec.Body.Items[1].Kind)
	assert.Equal(t, ItemData, dec.Body.Items[2].Kind)
	assert.Equal(t, []string{"Es brennt"}, dec.Message.Texts)
	assert.Len(t, dec.Message.Locations, 1)
	assert.Len(t, dec.Message.Data, 1)

	raw.Body = []byte("--a\r\n\r\nno end")
	raw.ContentLength = len(raw.Body)
	raw.ContentType = "multipart/mixed"
	_, err = newTestDecoder(t).Decode(raw)
	rej, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, ErrInvalidMessage, rej.Class)
	assert.ErrorIs(t, err, mime.ErrNoEndBoundary)
}

func TestReplyHeaders(t *testing.T) {
	assert.Equal(t, []string{
		"<urn:dec112:uid:callid:4711:service.dec112.at>; purpose=dec112-CallId",
		"<urn:dec112:uid:msgid:2:service.dec112.at>; purpose=dec112-MsgId",
		"<urn:dec112:uid:msgtype:18:service.dec112.at>; purpose=dec112-MsgType",
	}, ReplyHeaders("4711", 2, MsgTypeText))
	assert.Len(t, ReplyHeaders("4711", 0, MsgTypeTextClose), 2)
}
