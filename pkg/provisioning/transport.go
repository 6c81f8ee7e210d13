package provisioning

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hublink-io/hublink-go/pkg/correlation"
	"github.com/hublink-io/hublink-go/pkg/fault"
	"github.com/hublink-io/hublink-go/pkg/pipeline"
	"github.com/hublink-io/hublink-go/pkg/pool"
	"github.com/hublink-io/hublink-go/pkg/wire"
)

// DefaultRequestTimeout bounds one provisioning round trip.
const DefaultRequestTimeout = 60 * time.Second

// SessionTransport sends provisioning requests over a pooled session. The
// session's identity is the registration id.
type SessionTransport struct {
	session *pool.Session
	pending *correlation.Registry[*wire.Frame]
	timeout time.Duration
}

var _ Transport = (*SessionTransport)(nil)

// NewSessionTransport takes over the inbound frames of sess. A timeout of 0
// means DefaultRequestTimeout.
func NewSessionTransport(sess *pool.Session, timeout time.Duration) *SessionTransport {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	t := &SessionTransport{
		session: sess,
		pending: correlation.NewRegistry[*wire.Frame](),
		timeout: timeout,
	}
	sess.SetFrameHandler(t.deliver)
	sess.SetDisconnectHandler(func(cause error) {
		t.pending.FailAll(fault.Wrap(fault.KindNetwork, cause))
	})
	return t
}

// Register implements Transport.
func (t *SessionTransport) Register(ctx context.Context, correlationID string, req *Request) (*Operation, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return t.roundTrip(ctx, &wire.Frame{
		Kind:          wire.KindRegister,
		CorrelationID: correlationID,
		Link:          wire.LinkProvisioning,
		Body:          body,
	})
}

// OperationStatus implements Transport.
func (t *SessionTransport) OperationStatus(ctx context.Context, operationID, correlationID string) (*Operation, error) {
	f := &wire.Frame{
		Kind:          wire.KindRegistrationStatus,
		CorrelationID: correlationID,
		Link:          wire.LinkProvisioning,
	}
	f.SetProperty(wire.PropOperationID, operationID)
	return t.roundTrip(ctx, f)
}

func (t *SessionTransport) roundTrip(ctx context.Context, f *wire.Frame) (*Operation, error) {
	if err := t.session.Attach(ctx, wire.LinkProvisioning); err != nil {
		return nil, pipeline.Translate(err)
	}

	pending, err := t.pending.Register(f.CorrelationID, t.timeout)
	if err != nil {
		return nil, err
	}
	if err := t.session.Send(f); err != nil {
		t.pending.Fail(f.CorrelationID, err)
		return nil, pipeline.Translate(err)
	}
	reply, err := t.pending.Wait(ctx, pending)
	if err != nil {
		return nil, pipeline.Translate(err)
	}
	return decodeReply(reply)
}

func decodeReply(reply *wire.Frame) (*Operation, error) {
	trackingID := reply.Property(wire.PropTrackingID)
	retryAfter := parseRetryAfter(reply.Property(wire.PropRetryAfter))

	if !reply.IsSuccess() {
		re, err := ParseRejection(reply.Body)
		if err != nil {
			return nil, err
		}
		if re.TrackingID == "" {
			re.TrackingID = trackingID
		}
		if re.RetryAfter == 0 {
			re.RetryAfter = retryAfter
		}
		return nil, re
	}

	op := &Operation{}
	if err := json.Unmarshal(reply.Body, op); err != nil {
		return nil, fault.Wrap(fault.KindProtocol, fmt.Errorf("decode operation: %w", err))
	}
	if op.Status == "" && op.RegistrationState != nil {
		op.Status = op.RegistrationState.Status
	}
	op.RetryAfter = retryAfter
	op.TrackingID = trackingID
	return op, nil
}

func (t *SessionTransport) deliver(f *wire.Frame) {
	if f.Kind != wire.KindRegistrationResponse {
		return
	}
	t.pending.Resolve(f.CorrelationID, f)
}
