package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error a coordinator operation returns matches exactly one of them with errors.Is.
var (
	ErrDevice    = errors.New("device error")
	ErrUsage     = errors.New("usage error")
	ErrNotFound  = errors.New("not found")
	ErrDirectory = errors.New("directory error")
	ErrTransport = errors.New("transport error")
)

// Usage failures.
var (
	ErrNoLocalMedia  = errors.New("local media not started")
	ErrCallActive    = errors.New("call already in progress")
	ErrNoSessionID   = errors.New("session id required")
	ErrMissingOffer  = errors.New("session has no offer")
	ErrAnswered      = errors.New("session already answered")
	ErrCallEnded     = errors.New("call ended")
	ErrRemoteHangup  = errors.New("remote peer ended the call")
	ErrNegotiateFail = errors.New("peer connection failed")
)

// CallError is what a coordinator operation reports: the kind, the operation, a message fit for the user
// and the underlying cause.
type CallError struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *CallError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *CallError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NewCallError(kind error, op, msg string, err error) *CallError {
	return &CallError{Kind: kind, Op: op, Msg: msg, Err: err}
}

// UserMessage returns the single line shown to the user for err.
func UserMessage(err error) string {
	var ce *CallError
	if errors.As(err, &ce) && ce.Msg != "" {
		return ce.Msg
	}
	switch {
	case errors.Is(err, ErrDevice):
		return "Could not start webcam."
	case errors.Is(err, ErrNotFound):
		return "Call ID not found."
	case errors.Is(err, ErrDirectory):
		return "Could not reach the session directory."
	case errors.Is(err, ErrTransport):
		return "Connection negotiation failed."
	case errors.Is(err, ErrUsage):
		return "That action is not available right now."
	}
	return "Something went wrong."
}
