package token

import (
	"context"
	"errors"
	"net"
)

// Kind classifies a failed token request. The numeric values match the
// App Check error codes.
type Kind int

// Error kinds.
const (
	KindNone                 Kind = 0
	KindServerUnreachable    Kind = 1
	KindInvalidConfiguration Kind = 2
	KindSystemKeychain       Kind = 3
	KindUnsupportedProvider  Kind = 4
	KindUnknown              Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindServerUnreachable:
		return "server_unreachable"
	case KindInvalidConfiguration:
		return "invalid_configuration"
	case KindSystemKeychain:
		return "system_keychain"
	case KindUnsupportedProvider:
		return "unsupported_provider"
	default:
		return "unknown"
	}
}

// Error is returned by every failed token request.
type Error struct {
	// Kind is the error classification.
	Kind Kind

	// Op names the operation that failed, e.g. "exchange" or "set factory".
	Op string

	// Err is the underlying cause, if any.
	Err error
}

// Sentinels for use with errors.Is. Any *Error matches the sentinel of its kind.
var (
	ErrServerUnreachable    = &Error{Kind: KindServerUnreachable}
	ErrInvalidConfiguration = &Error{Kind: KindInvalidConfiguration}
	ErrSystemKeychain       = &Error{Kind: KindSystemKeychain}
	ErrUnsupportedProvider  = &Error{Kind: KindUnsupportedProvider}
	ErrUnknown              = &Error{Kind: KindUnknown}
)

// NewError creates an *Error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := "app check: " + e.Kind.String()
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf classifies err. Errors that already carry a kind keep it; context
// deadlines and network errors are ServerUnreachable; anything else is
// Unknown. A nil error is KindNone.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}

	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindServerUnreachable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindServerUnreachable
	}

	return KindUnknown
}

// Wrap returns err as an *Error, classifying it with KindOf when it does not
// carry a kind yet. A nil error stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	var te *Error
	if errors.As(err, &te) {
		return err
	}

	return &Error{Kind: KindOf(err), Op: op, Err: err}
}
