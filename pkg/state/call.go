// pkg/state/call.go
package state

import "time"

// CallState is the lifecycle state of a call
type CallState int

const (
	Undefined CallState = iota
	NewCall
	InCall
	Stale
	ClosedByCaller
	ClosedByCenter
	ClosedBySystem
	Closed
	Error
)

var stateNames = [...]string{
	"undefined",
	"new call",
	"in call",
	"stale",
	"closed by caller",
	"closed by center",
	"closed by system",
	"closed",
	"error",
}

func (s CallState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return stateNames[Undefined]
	}
	return stateNames[s]
}

// IsClosed reports whether s is one of the terminal states.
func (s CallState) IsClosed() bool {
	return s >= ClosedByCaller && s <= Closed
}

// ParseCallState maps a numeric state back, e.g. from the wire.
func ParseCallState(v int) CallState {
	if v < 0 || v >= len(stateNames) {
		return Undefined
	}
	return CallState(v)
}

// Call is a snapshot of an active call. The registry owns the live copy.
type Call struct {
	CreatedAt  time.Time
	CallID     string
	CallIDAlt  string
	CallerURI  string
	CallerName string
	CallerID   string
	CalledURI  string
	DeviceID   string
	Language   string
	IsTest     bool
	Service    string
	StorageID  int64
	State      CallState
	StateAt    time.Time
	TxCount    int
}

// View is the representation of a call handed to API consumers
type View struct {
	CreatedAt  time.Time `json:"created_ts"`
	CallID     string    `json:"call_id"`
	CallIDAlt  string    `json:"call_id_alt"`
	CallerURI  string    `json:"caller_uri"`
	CallerName string    `json:"caller_name"`
	CallerID   string    `json:"caller_id"`
	CalledURI  string    `json:"called_uri"`
	DeviceID   string    `json:"device_id"`
	Language   string    `json:"lang"`
	State      CallState `json:"state"`
}

// View strips registry internals from the call.
func (c Call) View() View {
	return View{
		CreatedAt:  c.CreatedAt,
		CallID:     c.CallID,
		CallIDAlt:  c.CallIDAlt,
		CallerURI:  c.CallerURI,
		CallerName: c.CallerName,
		CallerID:   c.CallerID,
		CalledURI:  c.CalledURI,
		DeviceID:   c.DeviceID,
		Language:   c.Language,
		State:      c.State,
	}
}
