// pkg/storage/storage.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"border/pkg/dec112"
	"border/pkg/state"
)

// Common errors
var (
	ErrNotFound     = errors.New("call not found")
	ErrInvalidKey   = errors.New("invalid key")
	ErrInvalidValue = errors.New("invalid value")
	ErrClosed       = errors.New("storage is closed")
)

// NewCall is the data persisted when a call is opened
type NewCall struct {
	CallID    string
	CallIDAlt string
	DeviceID  string
	CallerURI string
	CallerID  string
	CalledURI string
	Service   string
	IsTest    bool
}

// OpenedCall is returned by OpenCall
type OpenedCall struct {
	CreatedAt time.Time
	CallID    string
	CallIDAlt string
	StorageID int64
}

// Entry is one stored message of a call
type Entry struct {
	CreatedAt time.Time           `json:"created_ts"`
	Origin    string              `json:"origin"`
	MessageID int                 `json:"message_id"`
	Texts     []string            `json:"texts"`
	Locations []dec112.Location   `json:"locations"`
	Data      []dec112.DataRecord `json:"data"`
}

// CallRecord is a persisted call with its chat history
type CallRecord struct {
	StorageID int64           `json:"-"`
	CreatedAt time.Time       `json:"created_ts"`
	CallID    string          `json:"call_id"`
	CallIDAlt string          `json:"call_id_alt"`
	DeviceID  string          `json:"device_id"`
	CallerID  string          `json:"caller_id"`
	CallerURI string          `json:"caller"`
	CalledURI string          `json:"called"`
	Service   string          `json:"-"`
	IsTest    bool            `json:"is_test"`
	State     state.CallState `json:"state"`
	Length    int             `json:"length"`
	Chat      []Entry         `json:"chat"`
}

// Store persists calls and their messages
type Store interface {
	// OpenCall stores a new call together with its first message.
	OpenCall(ctx context.Context, origin string, call NewCall, raw string, msg *dec112.Message) (*OpenedCall, error)
	StoreEntry(ctx context.Context, origin string, storageID int64, raw string, msg *dec112.Message) error

	// Lookups return ErrNotFound for unknown ids or calls of another service.
	GetCallByCallID(ctx context.Context, callID, service string) (*CallRecord, error)
	GetCallByAltID(ctx context.Context, altID, service string) (*CallRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

func entryFromMessage(origin string, msg *dec112.Message, now time.Time) Entry {
	e := Entry{
		CreatedAt: now,
		Origin:    origin,
		Texts:     []string{},
		Locations: []dec112.Location{},
		Data:      []dec112.DataRecord{},
	}
	if msg == nil {
		return e
	}
	if !msg.ReceivedAt.IsZero() {
		e.CreatedAt = msg.ReceivedAt
	}
	e.MessageID = msg.MessageID
	e.Texts = append(e.Texts, msg.Texts...)
	e.Locations = append(e.Locations, msg.Locations...)
	for _, d := range msg.Data {
		cp := make(dec112.DataRecord, len(d))
		for k, v := range d {
			cp[k] = v
		}
		e.Data = append(e.Data, cp)
	}
	return e
}

// Helper functions for JSON encoding
func marshalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
