package shared

import (
	"errors"
	"fmt"
)

// Kind classifies a failure at the engine boundary.
type Kind string

const (
	KindCredential    Kind = "credential"
	KindNegotiation   Kind = "negotiation"
	KindChannel       Kind = "channel"
	KindConfiguration Kind = "configuration"
	KindAudio         Kind = "audio"
	KindTimeout       Kind = "timeout"
)

var (
	ErrChannelNotReady      = errors.New("channel not ready")
	ErrChannelClosed        = errors.New("channel closed unexpectedly")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrRateLimited          = errors.New("rate limited")
	ErrCredentialExpired    = errors.New("credential expired")
	ErrReconnectExhausted   = errors.New("reconnect attempts exhausted")
	ErrAlreadyConnected     = errors.New("already connected")
	ErrConnectionSuperseded = errors.New("connection superseded")
)

// Error carries the failure class alongside the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the Kind of err, or "" if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
