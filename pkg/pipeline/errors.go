package pipeline

import (
	"context"
	"errors"
	"io"

	"github.com/bassosimone/errclass"

	"github.com/hublink-io/hublink-go/pkg/correlation"
	"github.com/hublink-io/hublink-go/pkg/fault"
	"github.com/hublink-io/hublink-go/pkg/message"
	"github.com/hublink-io/hublink-go/pkg/method"
	"github.com/hublink-io/hublink-go/pkg/pool"
	"github.com/hublink-io/hublink-go/pkg/settlement"
	"github.com/hublink-io/hublink-go/pkg/transport"
	"github.com/hublink-io/hublink-go/pkg/wire"
)

// networkClasses are the errclass labels of socket-level failures that a
// fresh connection may get past.
var networkClasses = map[string]bool{
	"EADDRNOTAVAIL": true,
	"ECONNABORTED":  true,
	"ECONNREFUSED":  true,
	"ECONNRESET":    true,
	"EHOSTUNREACH":  true,
	"ENETDOWN":      true,
	"ENETUNREACH":   true,
	"ENOBUFS":       true,
	"ENOTCONN":      true,
	"EEOF":          true,
}

// Translate classifies err into the fault taxonomy. Errors already carrying
// a fault kind pass through unchanged.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return fault.Wrap(fault.KindOperationCanceled, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, correlation.ErrTimeout):
		return fault.Wrap(fault.KindTimeout, err)
	case errors.Is(err, transport.ErrMessageTooLarge):
		return fault.Wrap(fault.KindMessageTooLarge, err)
	case errors.Is(err, pool.ErrNotConnected),
		errors.Is(err, transport.ErrConnectionClosed),
		errors.Is(err, transport.ErrKeepAliveTimeout),
		errors.Is(err, transport.ErrPeerGoodbye),
		errors.Is(err, transport.ErrFrameTruncated),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return fault.Wrap(fault.KindNetwork, err)
	case errors.Is(err, wire.ErrInvalidKind),
		errors.Is(err, wire.ErrMissingIdentity),
		errors.Is(err, wire.ErrMissingLockToken):
		return fault.Wrap(fault.KindProtocol, err)
	case errors.Is(err, settlement.ErrUnknownLockToken),
		errors.Is(err, wire.ErrInvalidOutcome):
		return fault.Wrap(fault.KindPreconditionFailed, err)
	case errors.Is(err, correlation.ErrRegistryClosed),
		errors.Is(err, pool.ErrSessionClosed),
		errors.Is(err, pool.ErrPoolClosed):
		return fault.Wrap(fault.KindOperationCanceled, err)
	}

	class := errclass.New(err)
	switch {
	case class == errclass.ETIMEDOUT:
		return fault.Wrap(fault.KindTimeout, err)
	case networkClasses[class]:
		return fault.Wrap(fault.KindNetwork, err)
	}
	return fault.Wrap(fault.KindUnknown, err)
}

// ErrorHandler translates the failures of the next layer into fault kinds.
type ErrorHandler struct {
	next Handler
}

var (
	_ Handler                = (*ErrorHandler)(nil)
	_ ConnectionLostNotifier = (*ErrorHandler)(nil)
)

// NewErrorHandler wraps next.
func NewErrorHandler(next Handler) *ErrorHandler {
	return &ErrorHandler{next: next}
}

// SetConnectionLostHandler forwards drops of the next layer, translated.
func (h *ErrorHandler) SetConnectionLostHandler(fn func(cause error)) {
	n, ok := h.next.(ConnectionLostNotifier)
	if !ok {
		return
	}
	if fn == nil {
		n.SetConnectionLostHandler(nil)
		return
	}
	n.SetConnectionLostHandler(func(cause error) {
		if cause == nil {
			cause = transport.ErrConnectionClosed
		}
		fn(Translate(cause))
	})
}

// Open implements Handler with the error translated.
func (h *ErrorHandler) Open(ctx context.Context) error {
	return Translate(h.next.Open(ctx))
}

// Close implements Handler with the error translated.
func (h *ErrorHandler) Close(ctx context.Context) error {
	return Translate(h.next.Close(ctx))
}

// SendEvent implements Handler with the error translated.
func (h *ErrorHandler) SendEvent(ctx context.Context, msg *message.Message) error {
	return Translate(h.next.SendEvent(ctx, msg))
}

// SendEvents implements Handler with the error translated.
func (h *ErrorHandler) SendEvents(ctx context.Context, msgs []*message.Message) error {
	return Translate(h.next.SendEvents(ctx, msgs))
}

// EnableReceiveMessage implements Handler with the error translated.
func (h *ErrorHandler) EnableReceiveMessage(ctx context.Context) error {
	return Translate(h.next.EnableReceiveMessage(ctx))
}

// DisableReceiveMessage implements Handler with the error translated.
func (h *ErrorHandler) DisableReceiveMessage(ctx context.Context) error {
	return Translate(h.next.DisableReceiveMessage(ctx))
}

// EnableMethods implements Handler with the error translated.
func (h *ErrorHandler) EnableMethods(ctx context.Context) error {
	return Translate(h.next.EnableMethods(ctx))
}

// DisableMethods implements Handler with the error translated.
func (h *ErrorHandler) DisableMethods(ctx context.Context) error {
	return Translate(h.next.DisableMethods(ctx))
}

// EnableTwinPatch implements Handler with the error translated.
func (h *ErrorHandler) EnableTwinPatch(ctx context.Context) error {
	return Translate(h.next.EnableTwinPatch(ctx))
}

// DisableTwinPatch implements Handler with the error translated.
func (h *ErrorHandler) DisableTwinPatch(ctx context.Context) error {
	return Translate(h.next.DisableTwinPatch(ctx))
}

// GetTwin implements Handler with the error translated.
func (h *ErrorHandler) GetTwin(ctx context.Context) ([]byte, error) {
	doc, err := h.next.GetTwin(ctx)
	return doc, Translate(err)
}

// UpdateReportedProperties implements Handler with the error translated.
func (h *ErrorHandler) UpdateReportedProperties(ctx context.Context, reported []byte) (int64, error) {
	v, err := h.next.UpdateReportedProperties(ctx, reported)
	return v, Translate(err)
}

// SendMethodResponse implements Handler with the error translated.
func (h *ErrorHandler) SendMethodResponse(ctx context.Context, resp *method.Response) error {
	return Translate(h.next.SendMethodResponse(ctx, resp))
}

// CompleteMessage implements Handler with the error translated.
func (h *ErrorHandler) CompleteMessage(ctx context.Context, lockToken string) error {
	return Translate(h.next.CompleteMessage(ctx, lockToken))
}

// AbandonMessage implements Handler with the error translated.
func (h *ErrorHandler) AbandonMessage(ctx context.Context, lockToken string) error {
	return Translate(h.next.AbandonMessage(ctx, lockToken))
}

// RejectMessage implements Handler with the error translated.
func (h *ErrorHandler) RejectMessage(ctx context.Context, lockToken string) error {
	return Translate(h.next.RejectMessage(ctx, lockToken))
}
