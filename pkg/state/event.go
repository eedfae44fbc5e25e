// pkg/state/event.go
package state

import "time"

// Notification kinds
const (
	EventNewCall     = "new_call"
	EventNewMessage  = "new_message"
	EventStateChange = "state_change"
)

// Event is the JSON notification pushed to watchers
type Event struct {
	Event     string     `json:"event"`
	CreatedAt time.Time  `json:"created_ts"`
	CallID    string     `json:"call_id"`
	CallIDAlt string     `json:"call_id_alt"`
	CallerURI string     `json:"caller_uri"`
	Message   any        `json:"message,omitempty"`
	State     *CallState `json:"state,omitempty"`
	Code      int        `json:"code"`
}

func newEvent(kind string, c *Call) Event {
	return Event{
		Event:     kind,
		CreatedAt: c.CreatedAt,
		CallID:    c.CallID,
		CallIDAlt: c.CallIDAlt,
		CallerURI: c.CallerURI,
		Code:      200,
	}
}

// StateEvent is the state_change notification describing c's current state.
func StateEvent(c Call) Event {
	ev := newEvent(EventStateChange, &c)
	st := c.State
	ev.State = &st
	return ev
}

// Watcher is a live subscriber connection. Implementations are compared by
// equality and must not block in Send.
type Watcher interface {
	Send(payload []byte) error
}

// Sink receives every emitted notification, e.g. to mirror it elsewhere.
type Sink interface {
	Publish(service string, ev Event)
}
