// pkg/dec112/types.go
package dec112

import (
	"strings"
	"time"
)

// MessageKind is the two low bits of the msgtype bitmask
type MessageKind uint8

const (
	KindNormal MessageKind = iota
	KindUnused1
	KindUnused2
	KindClose
)

// Bit positions of the msgtype bitmask
const (
	kindMask     = 0x03
	locationFlag = 1 << 2
	dataFlag     = 1 << 3
	textFlag     = 1 << 4
	roamingFlag  = 1 << 5
)

// Outbound msgtype values: a text message, and a text message closing the call
const (
	MsgTypeText      = 18
	MsgTypeTextClose = 19
)

// MessageType is the decoded msgtype bitmask
type MessageType struct {
	Kind        MessageKind
	HasLocation bool
	HasData     bool
	HasText     bool
	IsRoaming   bool
}

// DecodeMessageType splits a msgtype value into its fields.
func DecodeMessageType(v int) MessageType {
	return MessageType{
		Kind:        MessageKind(v & kindMask),
		HasLocation: v&locationFlag != 0,
		HasData:     v&dataFlag != 0,
		HasText:     v&textFlag != 0,
		IsRoaming:   v&roamingFlag != 0,
	}
}

// Value encodes the bitmask back into its integer form.
func (t MessageType) Value() int {
	v := int(t.Kind) & kindMask
	if t.HasLocation {
		v |= locationFlag
	}
	if t.HasData {
		v |= dataFlag
	}
	if t.HasText {
		v |= textFlag
	}
	if t.IsRoaming {
		v |= roamingFlag
	}
	return v
}

// IsClose reports whether the message ends the call.
func (t MessageType) IsClose() bool {
	return t.Kind == KindClose
}

// Origin of a stored message
const (
	OriginRemote = "remote"
	OriginLocal  = "local"
)

// Location is a single position reported by the caller device
type Location struct {
	Latitude  float64  `json:"lat"`
	Longitude float64  `json:"lon"`
	Altitude  *float64 `json:"alt,omitempty"`
	Radius    *float64 `json:"rad,omitempty"`
	Method    string   `json:"method,omitempty"`
}

// Valid reports whether the coordinates lie on the globe.
func (l Location) Valid() bool {
	return l.Latitude >= -90 && l.Latitude <= 90 && l.Longitude >= -180 && l.Longitude <= 180
}

// DataRecord is a flattened key/value record, e.g. condensed subscriber data
type DataRecord map[string]string

// ItemKind tells which field of an Item is set
type ItemKind int

const (
	ItemText ItemKind = iota
	ItemLocation
	ItemData
)

func (k ItemKind) String() string {
	switch k {
	case ItemText:
		return "text"
	case ItemLocation:
		return "location"
	case ItemData:
		return "data"
	}
	return "unknown"
}

// Item is one piece of decoded body content
type Item struct {
	Kind     ItemKind
	Text     string
	Location Location
	Data     DataRecord
}

// Body is the ordered content of a decoded message body
type Body struct {
	Items []Item
}

func (b *Body) addText(s string) {
	b.Items = append(b.Items, Item{Kind: ItemText, Text: s})
}

func (b *Body) addLocation(l Location) {
	b.Items = append(b.Items, Item{Kind: ItemLocation, Location: l})
}

func (b *Body) addData(d DataRecord) {
	b.Items = append(b.Items, Item{Kind: ItemData, Data: d})
}

// Count returns the number of items of the given kind.
func (b Body) Count(kind ItemKind) int {
	n := 0
	for _, it := range b.Items {
		if it.Kind == kind {
			n++
		}
	}
	return n
}

// Message is the parsed, storable form of a message
type Message struct {
	ReceivedAt time.Time    `json:"received_ts"`
	Origin     string       `json:"origin"`
	MessageID  int          `json:"message_id"`
	Texts      []string     `json:"texts"`
	Locations  []Location   `json:"locations"`
	Data       []DataRecord `json:"data"`
}

// NewMessage groups the items of body by kind.
func NewMessage(origin string, id int, body Body, at time.Time) *Message {
	m := &Message{
		ReceivedAt: at,
		Origin:     origin,
		MessageID:  id,
		Texts:      []string{},
		Locations:  []Location{},
		Data:       []DataRecord{},
	}
	for _, it := range body.Items {
		switch it.Kind {
		case ItemText:
			m.Texts = append(m.Texts, it.Text)
		case ItemLocation:
			m.Locations = append(m.Locations, it.Location)
		case ItemData:
			m.Data = append(m.Data, it.Data)
		}
	}
	return m
}

// NewTextMessage builds a message holding a single text.
func NewTextMessage(origin string, id int, text string, at time.Time) *Message {
	var b Body
	b.addText(text)
	return NewMessage(origin, id, b, at)
}

// Text joins all texts of the message.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	return strings.Join(m.Texts, "\n")
}
