package provisioning

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hublink-io/hublink-go/pkg/fault"
)

// Status is the state of a registration operation.
type Status string

const (
	StatusUnassigned Status = "unassigned"
	StatusAssigning  Status = "assigning"
	StatusAssigned   Status = "assigned"
	StatusFailed     Status = "failed"
	StatusDisabled   Status = "disabled"
)

// Pending reports whether the operation is still being worked on.
func (s Status) Pending() bool {
	return s == StatusUnassigned || s == StatusAssigning
}

// Terminal reports whether no further lookups are needed.
func (s Status) Terminal() bool {
	return s == StatusAssigned || s == StatusFailed || s == StatusDisabled
}

// Request is the registration submission.
type Request struct {
	RegistrationID string          `json:"registrationId"`
	IDScope        string          `json:"idScope,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// RegistrationState is the service's view of a registration.
type RegistrationState struct {
	RegistrationID string          `json:"registrationId"`
	AssignedHub    string          `json:"assignedHub,omitempty"`
	DeviceID       string          `json:"deviceId,omitempty"`
	Status         Status          `json:"status"`
	SubStatus      string          `json:"substatus,omitempty"`
	ErrorCode      int             `json:"errorCode,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	ETag           string          `json:"etag,omitempty"`
	LastUpdated    string          `json:"lastUpdatedDateTimeUtc,omitempty"`
	Credential     string          `json:"credential,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Operation is one response of the registration service.
type Operation struct {
	OperationID       string             `json:"operationId"`
	Status            Status             `json:"status"`
	RegistrationState *RegistrationState `json:"registrationState,omitempty"`

	// RetryAfter is the server-directed wait before the next lookup, 0 when
	// the server gave none.
	RetryAfter time.Duration `json:"-"`

	TrackingID string `json:"-"`
}

// Provisioning errors.
var (
	ErrMalformedRejection = errors.New("malformed rejection payload")
	ErrUnknownStatus      = errors.New("unknown registration status")
)

// RegistrationError is a structured rejection by the registration service.
type RegistrationError struct {
	// Status is the operation status that carried the rejection, empty when
	// the request itself was rejected.
	Status Status

	// ErrorCode is the service error code.
	ErrorCode int

	// StatusClass is the HTTP-equivalent status: the leading three digits of
	// a six-digit ErrorCode, otherwise ErrorCode itself.
	StatusClass int

	TrackingID string
	Message    string
	Retryable  bool

	// RetryAfter is the wait the service asked for, 0 when absent.
	RetryAfter time.Duration
}

func (e *RegistrationError) Error() string {
	s := fmt.Sprintf("registration rejected: code %d", e.ErrorCode)
	if e.Status != "" {
		s = fmt.Sprintf("registration %s: code %d", e.Status, e.ErrorCode)
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.TrackingID != "" {
		s += " [tracking id " + e.TrackingID + "]"
	}
	return s
}

// Unwrap exposes the fault classification of the status class.
func (e *RegistrationError) Unwrap() error {
	return fault.FromStatus(e.StatusClass, e.Message)
}

// StatusClass derives the HTTP-equivalent class of a service error code.
func StatusClass(code int) int {
	if code >= 100000 && code <= 999999 {
		return code / 1000
	}
	return code
}

func newRegistrationError(code int, trackingID, message string) *RegistrationError {
	class := StatusClass(code)
	return &RegistrationError{
		ErrorCode:   code,
		StatusClass: class,
		TrackingID:  trackingID,
		Message:     message,
		Retryable:   fault.IsTransient(fault.FromStatus(class, "")),
	}
}

type rejection struct {
	ErrorCode  *int   `json:"errorCode"`
	TrackingID string `json:"trackingId"`
	Message    string `json:"message"`
	RetryAfter *int   `json:"retryAfter,omitempty"`
}

// ParseRejection decodes a rejection payload. A payload that is not JSON or
// has no error code yields ErrMalformedRejection.
func ParseRejection(data []byte) (*RegistrationError, error) {
	var r rejection
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRejection, err)
	}
	if r.ErrorCode == nil {
		return nil, fmt.Errorf("%w: no error code", ErrMalformedRejection)
	}
	re := newRegistrationError(*r.ErrorCode, r.TrackingID, r.Message)
	if r.RetryAfter != nil && *r.RetryAfter > 0 {
		re.RetryAfter = time.Duration(*r.RetryAfter) * time.Second
	}
	return re, nil
}

// parseRetryAfter reads a retry-after value in whole seconds.
func parseRetryAfter(s string) time.Duration {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
