package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("invalid request")
	ErrTransport          = errors.New("provider transport error")
	ErrNoAdapterAvailable = errors.New("no adapter available")
	ErrCacheUnavailable   = errors.New("cache unavailable")
	ErrMissingCredential  = errors.New("missing provider credential")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrRateLimited        = errors.New("provider rate limit reached")
	ErrDuplicateProvider  = errors.New("provider already registered")
)

// ErrorKind tags an Error with the category callers branch on.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindTransport
	KindNoAdapter
	KindCacheUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransport:
		return "transport"
	case KindNoAdapter:
		return "no_adapter"
	case KindCacheUnavailable:
		return "cache_unavailable"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindTransport:
		return ErrTransport
	case KindNoAdapter:
		return ErrNoAdapterAvailable
	case KindCacheUnavailable:
		return ErrCacheUnavailable
	default:
		return nil
	}
}

// Error is the tagged error returned across the orchestration boundary.
// errors.Is matches it against the sentinel of its Kind as well as its cause.
type Error struct {
	Kind     ErrorKind
	Provider ProviderID
	Field    string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg += ": " + e.Err.Error()
		}
	}
	prefix := e.Kind.String()
	if e.Provider != "" {
		prefix = fmt.Sprintf("%s (%s)", prefix, e.Provider)
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", prefix, e.Field, msg)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && s == target
}

func NewValidationError(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

func NewTransportError(provider ProviderID, err error) *Error {
	return &Error{Kind: KindTransport, Provider: provider, Err: err}
}

func NewNoAdapterError(message string) *Error {
	return &Error{Kind: KindNoAdapter, Message: message}
}

func NewCacheError(op string, err error) *Error {
	return &Error{Kind: KindCacheUnavailable, Message: op, Err: err}
}

// KindOf reports the category of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrNoAdapterAvailable):
		return KindNoAdapter
	case errors.Is(err, ErrCacheUnavailable):
		return KindCacheUnavailable
	}
	return KindUnknown
}

// IsRetryable reports whether another attempt against the same provider may
// succeed. Only transport failures qualify.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransport
}
