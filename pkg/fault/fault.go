// Package fault is the error vocabulary shared by every layer above the
// transport.
//
// Raw failures (network errors, reply status codes, context errors) are
// translated into an *Error carrying a Kind. The Kind alone decides whether a
// failure is transient: the retry layer never looks at transport-specific
// error types.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind is a failure category.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTimeout
	KindNetwork
	KindUnauthorized
	KindDeviceNotFound
	KindMessageTooLarge
	KindQuotaExceeded
	KindThrottled
	KindServiceUnavailable
	KindPreconditionFailed
	KindProtocol
	KindOperationCanceled
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindNetwork:
		return "Network"
	case KindUnauthorized:
		return "Unauthorized"
	case KindDeviceNotFound:
		return "DeviceNotFound"
	case KindMessageTooLarge:
		return "MessageTooLarge"
	case KindQuotaExceeded:
		return "QuotaExceeded"
	case KindThrottled:
		return "Throttled"
	case KindServiceUnavailable:
		return "ServiceUnavailable"
	case KindPreconditionFailed:
		return "PreconditionFailed"
	case KindProtocol:
		return "Protocol"
	case KindOperationCanceled:
		return "OperationCanceled"
	default:
		return "Unknown"
	}
}

// Transient reports whether failures of this kind may succeed on retry.
// Cancellation is neither transient nor fatal; callers check IsCanceled.
func (k Kind) Transient() bool {
	switch k {
	case KindTimeout, KindNetwork, KindQuotaExceeded, KindThrottled, KindServiceUnavailable:
		return true
	default:
		return false
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind

	// Code is the service or status code, 0 when unknown.
	Code int

	Message    string
	TrackingID string

	// Err is the underlying cause, if any.
	Err error
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err as kind, keeping it as the cause.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	s := e.Kind.String()
	if e.Code != 0 {
		s = fmt.Sprintf("%s (%d)", s, e.Code)
	}
	if msg != "" {
		s += ": " + msg
	}
	if e.TrackingID != "" {
		s += " [tracking id " + e.TrackingID + "]"
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the failure is transient.
func (e *Error) IsRetryable() bool {
	return e.Kind.Transient()
}

// Is matches another *Error by kind, so errors.Is(err, fault.New(KindThrottled, ""))
// works as a kind test.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == 0 || t.Code == e.Code)
}

// KindOf returns the kind of err: the Kind of the first *Error in the chain,
// OperationCanceled for context errors, Unknown otherwise.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindOperationCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}

// IsCanceled reports whether err is a cancellation: the operation may still
// have reached the peer.
func IsCanceled(err error) bool {
	return KindOf(err) == KindOperationCanceled
}

// FromStatus classifies an HTTP-like reply status. Success statuses return nil.
func FromStatus(status int, message string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	kind := KindUnknown
	switch {
	case status == 401 || status == 403:
		kind = KindUnauthorized
	case status == 404:
		kind = KindDeviceNotFound
	case status == 408 || status == 504:
		kind = KindTimeout
	case status == 412:
		kind = KindPreconditionFailed
	case status == 413:
		kind = KindMessageTooLarge
	case status == 429:
		kind = KindThrottled
	case status == 403002:
		kind = KindQuotaExceeded
	case status == 503:
		kind = KindServiceUnavailable
	case status >= 400 && status < 500:
		kind = KindProtocol
	case status >= 500:
		kind = KindServiceUnavailable
	}
	return &Error{Kind: kind, Code: status, Message: message}
}
