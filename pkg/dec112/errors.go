// pkg/dec112/errors.go
package dec112

import (
	"errors"
	"fmt"
)

// ErrorClass is the machine readable class of a rejection
type ErrorClass string

const (
	ErrInvalidMessage     ErrorClass = "invalid_message"
	ErrInvalidRoamingCall ErrorClass = "invalid_roaming_call"
	ErrInvalidCaller      ErrorClass = "invalid_caller"
)

// Rejection is returned when an inbound message must be refused.
// It carries whatever headers were decoded so a reply can still be routed.
type Rejection struct {
	Class   ErrorClass
	Reason  string
	Field   string
	Headers Headers
	Err     error
}

func (r *Rejection) Error() string {
	msg := string(r.Class) + ": " + r.Reason
	if r.Field != "" {
		msg += " (" + r.Field + ")"
	}
	if r.Err != nil {
		msg += ": " + r.Err.Error()
	}
	return msg
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// Reject builds a rejection of the given class.
func Reject(class ErrorClass, reason string, headers Headers) *Rejection {
	return &Rejection{Class: class, Reason: reason, Headers: headers}
}

// Rejectf builds a rejection wrapping err.
func Rejectf(class ErrorClass, headers Headers, err error, format string, args ...any) *Rejection {
	return &Rejection{Class: class, Reason: fmt.Sprintf(format, args...), Headers: headers, Err: err}
}

// AsRejection unwraps err into a rejection, if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
