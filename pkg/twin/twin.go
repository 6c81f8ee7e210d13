// Package twin performs twin get/patch round trips over a session and
// separates replies from unsolicited desired-property pushes.
package twin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hublink-io/hublink-go/pkg/correlation"
	"github.com/hublink-io/hublink-go/pkg/fault"
	"github.com/hublink-io/hublink-go/pkg/wire"
)

// DefaultTimeout is the reply ceiling of a round trip. It applies
// independently of the caller's context; whichever ends first fails the wait.
const DefaultTimeout = 300 * time.Second

// NoVersion is reported when a reply carries no version annotation.
const NoVersion int64 = -1

// Operation is a twin request kind.
type Operation uint8

const (
	OpGet Operation = iota + 1
	OpPatch
	OpSubscribe
	OpUnsubscribe
)

// Prefix returns the correlation id prefix. Subscription requests share the
// PUT prefix so their acknowledgements are told apart from get/patch replies.
func (o Operation) Prefix() string {
	switch o {
	case OpGet:
		return "GET"
	case OpPatch:
		return "PATCH"
	default:
		return "PUT"
	}
}

// Verb returns the request verb carried in the frame.
func (o Operation) Verb() string {
	switch o {
	case OpGet:
		return "GET"
	case OpPatch:
		return "PATCH"
	case OpSubscribe:
		return "PUT"
	case OpUnsubscribe:
		return "DELETE"
	default:
		return ""
	}
}

func (o Operation) String() string {
	switch o {
	case OpGet:
		return "Get"
	case OpPatch:
		return "Patch"
	case OpSubscribe:
		return "Subscribe"
	case OpUnsubscribe:
		return "Unsubscribe"
	default:
		return "Unknown"
	}
}

// Inbound is an inbound twin frame: either a *Reply or a *Push.
type Inbound interface {
	inbound()
}

// Reply answers a request issued by this side.
type Reply struct {
	CorrelationID string
	Status        int
	Body          []byte

	// Version is NoVersion when the service sent none.
	Version int64

	TrackingID string
}

// Push is an unsolicited desired-property update.
type Push struct {
	Body    []byte
	Version int64
}

func (*Reply) inbound() {}
func (*Push) inbound()  {}

// Decode classifies an inbound twin frame. Frames carrying a correlation id
// are replies; frames without one are desired-property pushes.
func Decode(f *wire.Frame) Inbound {
	version := NoVersion
	if f.Version != nil {
		version = *f.Version
	}
	if f.CorrelationID == "" {
		return &Push{Body: f.Body, Version: version}
	}
	return &Reply{
		CorrelationID: f.CorrelationID,
		Status:        f.Status,
		Body:          f.Body,
		Version:       version,
		TrackingID:    f.Property(wire.PropTrackingID),
	}
}

// Sender writes frames for the owning session.
type Sender interface {
	Send(f *wire.Frame) error
}

// Options configures a Responder.
type Options struct {
	// Timeout is the reply ceiling (default DefaultTimeout).
	Timeout time.Duration
	Logger  *slog.Logger
}

// Responder correlates twin requests with their replies.
type Responder struct {
	sender   Sender
	registry *correlation.Registry[*Reply]
	timeout  time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	onDesired func(*Push)
}

// NewResponder creates a responder sending through sender.
func NewResponder(sender Sender, opts Options) *Responder {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Responder{
		sender:   sender,
		registry: correlation.NewRegistry[*Reply](),
		timeout:  opts.Timeout,
		logger:   logger,
	}
}

// SetDesiredPropertyCallback sets the push callback. A later call replaces
// the earlier one; nil clears it.
func (r *Responder) SetDesiredPropertyCallback(fn func(*Push)) {
	r.mu.Lock()
	r.onDesired = fn
	r.mu.Unlock()
}

// HasDesiredPropertyCallback reports whether a push callback is set.
func (r *Responder) HasDesiredPropertyCallback() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onDesired != nil
}

// RoundTrip sends one request and waits for its reply. A reply status of
// 300 or above is returned as a *fault.Error together with the reply.
func (r *Responder) RoundTrip(ctx context.Context, op Operation, body []byte) (*Reply, error) {
	id := correlation.NewID(op.Prefix())
	pending, err := r.registry.Register(id, r.timeout)
	if err != nil {
		return nil, err
	}

	err = r.sender.Send(&wire.Frame{
		Kind:          wire.KindTwinRequest,
		CorrelationID: id,
		Link:          wire.LinkTwin,
		Method:        op.Verb(),
		Body:          body,
	})
	if err != nil {
		r.registry.Fail(id, err)
		return nil, err
	}

	reply, err := r.registry.Wait(ctx, pending)
	if err != nil {
		return nil, fmt.Errorf("twin %s: %w", op, err)
	}
	if reply.Status >= 300 {
		fe := &fault.Error{Kind: fault.KindOf(fault.FromStatus(reply.Status, "")), Code: reply.Status,
			Message: fmt.Sprintf("twin %s rejected", op), TrackingID: reply.TrackingID}
		return reply, fe
	}
	return reply, nil
}

// Get returns the full twin document.
func (r *Responder) Get(ctx context.Context) ([]byte, error) {
	reply, err := r.RoundTrip(ctx, OpGet, nil)
	if err != nil {
		return nil, err
	}
	return reply.Body, nil
}

// Patch sends a reported-properties patch and returns the new version, or
// NoVersion when the service did not report one.
func (r *Responder) Patch(ctx context.Context, reported []byte) (int64, error) {
	reply, err := r.RoundTrip(ctx, OpPatch, reported)
	if err != nil {
		return NoVersion, err
	}
	return reply.Version, nil
}

// Subscribe asks the service to start pushing desired-property updates.
func (r *Responder) Subscribe(ctx context.Context) error {
	_, err := r.RoundTrip(ctx, OpSubscribe, nil)
	return err
}

// Unsubscribe stops desired-property pushes.
func (r *Responder) Unsubscribe(ctx context.Context) error {
	_, err := r.RoundTrip(ctx, OpUnsubscribe, nil)
	return err
}

// Deliver handles an inbound twin frame. Replies resolve their pending
// request; pushes go straight to the desired-property callback.
func (r *Responder) Deliver(f *wire.Frame) {
	switch in := Decode(f).(type) {
	case *Reply:
		if !r.registry.Resolve(in.CorrelationID, in) {
			r.logger.Debug("dropping unmatched twin reply", "correlation", in.CorrelationID, "status", in.Status)
		}
	case *Push:
		r.mu.Lock()
		cb := r.onDesired
		r.mu.Unlock()
		if cb == nil {
			r.logger.Debug("dropping desired-property push, no callback", "version", in.Version)
			return
		}
		cb(in)
	}
}

// Pending returns the number of requests awaiting a reply.
func (r *Responder) Pending() int { return r.registry.Len() }

// IsPending reports whether a request with the correlation id is in flight.
func (r *Responder) IsPending(id string) bool { return r.registry.Contains(id) }

// FailAll fails every in-flight request, e.g. after the twin link dropped.
func (r *Responder) FailAll(err error) {
	r.registry.FailAll(err)
}
