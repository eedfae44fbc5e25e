// Package trigger notifies a control center's own systems when calls open
// and close.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"border/pkg/dec112"
	"border/pkg/state"
)

// Trigger types
const (
	TypeDEC112 = "dec112"
)

// Default budgets
const (
	DefaultRequestTimeout  = 500 * time.Millisecond
	DefaultResponseTimeout = 1000 * time.Millisecond
)

// ErrUnknownType is returned by New for unsupported trigger types
var ErrUnknownType = errors.New("unknown trigger type")

// OpenResult is what an open hook learned from the control center
type OpenResult struct {
	CallIDAlt string
}

// Trigger is an open/close hook of a service
type Trigger interface {
	ID() string
	Enabled() bool
	IgnoreTestCalls() bool
	RequireOpenResponse() bool
	ResponseCodeValid(code int) bool

	// Open returns nil without error when nothing was learned.
	Open(ctx context.Context, call state.Call, msg *dec112.Message) (*OpenResult, error)
	Close(ctx context.Context, call state.Call, msg *dec112.Message) error
}

// Config configures one trigger
type Config struct {
	ID                  string
	Type                string
	Enabled             bool
	IgnoreTestCalls     bool
	RequestTimeout      time.Duration
	ResponseTimeout     time.Duration
	OpenURL             string
	CloseURL            string
	ParseOpenResponse   bool
	ValidOpenCodes      []int
	ValidOpenCodesRegex string
	RequireOpenResponse bool
	WebViewURL          string
	APIURL              string
}

// New builds the trigger selected by config.Type.
func New(config Config, logger *zap.Logger) (Trigger, error) {
	switch config.Type {
	case TypeDEC112, "":
		return NewDEC112(config, logger)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, config.Type)
}

// codeSet decides which open response status codes count as success
type codeSet struct {
	codes []int
	re    *regexp.Regexp
}

func newCodeSet(codes []int, pattern string) (codeSet, error) {
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return codeSet{}, fmt.Errorf("invalid valid_open_response_codes: %w", err)
		}
		return codeSet{re: re}, nil
	}
	if len(codes) == 0 {
		codes = []int{200}
	}
	return codeSet{codes: codes}, nil
}

func (s codeSet) valid(code int) bool {
	if s.re != nil {
		return s.re.MatchString(fmt.Sprint(code))
	}
	for _, c := range s.codes {
		if c == code {
			return true
		}
	}
	return false
}
