package wire

import (
	"errors"
	"fmt"
)

// Kind identifies the purpose of a frame.
type Kind uint8

const (
	KindOpen Kind = iota + 1
	KindClose
	KindAttach
	KindDetach
	KindAck
	KindTelemetry
	KindC2D
	KindDisposition
	KindMethodRequest
	KindMethodResponse
	KindTwinRequest
	KindTwinResponse
	KindRegister
	KindRegistrationStatus
	KindRegistrationResponse
	KindPing
	KindPong
	KindGoodbye
)

// String returns the frame kind name.
func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "OPEN"
	case KindClose:
		return "CLOSE"
	case KindAttach:
		return "ATTACH"
	case KindDetach:
		return "DETACH"
	case KindAck:
		return "ACK"
	case KindTelemetry:
		return "TELEMETRY"
	case KindC2D:
		return "C2D"
	case KindDisposition:
		return "DISPOSITION"
	case KindMethodRequest:
		return "METHOD_REQUEST"
	case KindMethodResponse:
		return "METHOD_RESPONSE"
	case KindTwinRequest:
		return "TWIN_REQUEST"
	case KindTwinResponse:
		return "TWIN_RESPONSE"
	case KindRegister:
		return "REGISTER"
	case KindRegistrationStatus:
		return "REGISTRATION_STATUS"
	case KindRegistrationResponse:
		return "REGISTRATION_RESPONSE"
	case KindPing:
		return "PING"
	case KindPong:
		return "PONG"
	case KindGoodbye:
		return "GOODBYE"
	default:
		return "UNKNOWN"
	}
}

// IsValid returns true if k is a known frame kind.
func (k Kind) IsValid() bool {
	return k >= KindOpen && k <= KindGoodbye
}

// IsControl returns true for connection-level frames that carry no identity.
func (k Kind) IsControl() bool {
	return k == KindPing || k == KindPong || k == KindGoodbye
}

// LinkKind identifies one of the links a session can attach.
type LinkKind uint8

const (
	LinkTelemetry LinkKind = iota + 1
	LinkC2D
	LinkMethods
	LinkTwin
	LinkProvisioning
)

// String returns the link kind name.
func (l LinkKind) String() string {
	switch l {
	case LinkTelemetry:
		return "telemetry"
	case LinkC2D:
		return "c2d"
	case LinkMethods:
		return "methods"
	case LinkTwin:
		return "twin"
	case LinkProvisioning:
		return "provisioning"
	default:
		return "unknown"
	}
}

// Outcome is the settlement outcome of a cloud to device message.
type Outcome uint8

const (
	// OutcomeAccepted completes the message; it is removed from the queue.
	OutcomeAccepted Outcome = iota + 1

	// OutcomeReleased abandons the message; it is redelivered.
	OutcomeReleased

	// OutcomeRejected dead-letters the message.
	OutcomeRejected
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "Accepted"
	case OutcomeReleased:
		return "Released"
	case OutcomeRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// IsValid returns true if o is a known outcome.
func (o Outcome) IsValid() bool {
	return o >= OutcomeAccepted && o <= OutcomeRejected
}

// Well-known property keys.
const (
	PropCredential   = "credential"
	PropProductInfo  = "product-info"
	PropMessageID    = "message-id"
	PropContentType  = "content-type"
	PropTrackingID   = "tracking-id"
	PropRetryAfter   = "retry-after"
	PropOperationID  = "operation-id"
	PropErrorMessage = "error"
)

// Frame is the unit of exchange on a physical connection.
//
// CBOR encoding:
//
//	{
//	  1: kind,            // uint8
//	  2: identity,        // string: session key, absent for control frames
//	  3: correlationId,   // string
//	  4: link,            // uint8
//	  5: status,          // int: reply status (HTTP-like)
//	  6: properties,      // map[string]string
//	  7: body,            // bytes
//	  8: lockToken,       // string
//	  9: outcome,         // uint8
//	  10: version,        // int64, optional
//	  11: sequence,       // uint32, ping/pong
//	  12: method          // string: method name
//	}
type Frame struct {
	Kind          Kind              `cbor:"1,keyasint"`
	Identity      string            `cbor:"2,keyasint,omitempty"`
	CorrelationID string            `cbor:"3,keyasint,omitempty"`
	Link          LinkKind          `cbor:"4,keyasint,omitempty"`
	Status        int               `cbor:"5,keyasint,omitempty"`
	Properties    map[string]string `cbor:"6,keyasint,omitempty"`
	Body          []byte            `cbor:"7,keyasint,omitempty"`
	LockToken     string            `cbor:"8,keyasint,omitempty"`
	Outcome       Outcome           `cbor:"9,keyasint,omitempty"`
	Version       *int64            `cbor:"10,keyasint,omitempty"`
	Sequence      uint32            `cbor:"11,keyasint,omitempty"`
	Method        string            `cbor:"12,keyasint,omitempty"`
}

// Validation errors.
var (
	ErrInvalidKind      = errors.New("invalid frame kind")
	ErrMissingIdentity  = errors.New("frame has no identity")
	ErrMissingLockToken = errors.New("disposition has no lock token")
	ErrInvalidOutcome   = errors.New("invalid outcome")
)

// Validate checks structural invariants of the frame.
func (f *Frame) Validate() error {
	if !f.Kind.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidKind, f.Kind)
	}
	if !f.Kind.IsControl() && f.Identity == "" {
		return fmt.Errorf("%w: kind=%s", ErrMissingIdentity, f.Kind)
	}
	if f.Kind == KindDisposition {
		if f.LockToken == "" {
			return ErrMissingLockToken
		}
		if !f.Outcome.IsValid() {
			return fmt.Errorf("%w: %d", ErrInvalidOutcome, f.Outcome)
		}
	}
	return nil
}

// Property returns a property value, or "" when absent.
func (f *Frame) Property(key string) string {
	if f.Properties == nil {
		return ""
	}
	return f.Properties[key]
}

// SetProperty sets a property, allocating the map on first use.
func (f *Frame) SetProperty(key, value string) {
	if f.Properties == nil {
		f.Properties = make(map[string]string)
	}
	f.Properties[key] = value
}

// IsSuccess returns true if the frame status is in the 2xx range.
func (f *Frame) IsSuccess() bool {
	return f.Status >= 200 && f.Status < 300
}

// Int64 returns a pointer to v, for optional annotations.
func Int64(v int64) *int64 {
	return &v
}
