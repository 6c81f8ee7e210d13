// Package pipeline is the layered operation chain of a device client.
//
// Every layer implements Handler and delegates to the next one:
//
//	RetryHandler -> ErrorHandler -> TransportHandler
//
// The transport layer talks to a pooled session. The error layer translates
// raw failures into fault kinds. The retry layer re-invokes transient
// failures under a retry.Policy and drives reconnection after a drop.
package pipeline

import (
	"context"

	"github.com/hublink-io/hublink-go/pkg/message"
	"github.com/hublink-io/hublink-go/pkg/method"
)

// Handler is the operation surface shared by every layer.
type Handler interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error

	SendEvent(ctx context.Context, msg *message.Message) error
	SendEvents(ctx context.Context, msgs []*message.Message) error

	EnableReceiveMessage(ctx context.Context) error
	DisableReceiveMessage(ctx context.Context) error
	EnableMethods(ctx context.Context) error
	DisableMethods(ctx context.Context) error
	EnableTwinPatch(ctx context.Context) error
	DisableTwinPatch(ctx context.Context) error

	GetTwin(ctx context.Context) ([]byte, error)
	UpdateReportedProperties(ctx context.Context, reported []byte) (int64, error)

	SendMethodResponse(ctx context.Context, resp *method.Response) error

	CompleteMessage(ctx context.Context, lockToken string) error
	AbandonMessage(ctx context.Context, lockToken string) error
	RejectMessage(ctx context.Context, lockToken string) error
}

// ConnectionLostNotifier is implemented by layers that can report a dropped
// connection to the layer above them.
type ConnectionLostNotifier interface {
	SetConnectionLostHandler(fn func(cause error))
}

// Status is the connection status reported to the application.
type Status uint8

const (
	StatusDisconnected Status = iota
	StatusDisconnectedRetrying
	StatusConnected
	StatusClosed
	StatusDestroyed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusDisconnectedRetrying:
		return "DisconnectedRetrying"
	case StatusConnected:
		return "Connected"
	case StatusClosed:
		return "Closed"
	case StatusDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// Reason explains a status change.
type Reason uint8

const (
	ReasonConnectionOK Reason = iota
	ReasonClientClose
	ReasonCommunicationError
	ReasonRetryExpired
	ReasonBadCredential
	ReasonDeviceDisabled
	ReasonNoNetwork
)

func (r Reason) String() string {
	switch r {
	case ReasonConnectionOK:
		return "ConnectionOK"
	case ReasonClientClose:
		return "ClientClose"
	case ReasonCommunicationError:
		return "CommunicationError"
	case ReasonRetryExpired:
		return "RetryExpired"
	case ReasonBadCredential:
		return "BadCredential"
	case ReasonDeviceDisabled:
		return "DeviceDisabled"
	case ReasonNoNetwork:
		return "NoNetwork"
	default:
		return "Unknown"
	}
}

// StatusCallback observes status changes.
type StatusCallback func(status Status, reason Reason)
