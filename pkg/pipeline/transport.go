package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hublink-io/hublink-go/pkg/correlation"
	"github.com/hublink-io/hublink-go/pkg/fault"
	"github.com/hublink-io/hublink-go/pkg/message"
	"github.com/hublink-io/hublink-go/pkg/method"
	"github.com/hublink-io/hublink-go/pkg/pool"
	"github.com/hublink-io/hublink-go/pkg/settlement"
	"github.com/hublink-io/hublink-go/pkg/twin"
	"github.com/hublink-io/hublink-go/pkg/wire"
)

// DefaultOperationTimeout bounds telemetry acknowledgements and method
// callbacks.
const DefaultOperationTimeout = 60 * time.Second

// TransportOptions configures a TransportHandler.
type TransportOptions struct {
	// OperationTimeout bounds waiting for a telemetry acknowledgement and
	// running one method callback (default DefaultOperationTimeout).
	OperationTimeout time.Duration

	// TwinTimeout is the twin reply ceiling (default twin.DefaultTimeout).
	TwinTimeout time.Duration

	// Dispatcher receives method requests. When nil the handler creates one
	// that answers through itself.
	Dispatcher *method.Dispatcher

	Logger *slog.Logger
}

// TransportHandler is the innermost layer. It runs every operation on the
// identity's pooled session and demultiplexes inbound frames by kind.
type TransportHandler struct {
	pool      *pool.Pool
	identity  pool.Identity
	opTimeout time.Duration
	logger    *slog.Logger

	twin    *twin.Responder
	methods *method.Dispatcher
	acks    *settlement.Tracker
	sends   *correlation.Registry[*wire.Frame]

	// One ordered queue per downlink concern.
	messages inbox
	desired  inbox

	mu        sync.Mutex
	session   *pool.Session
	onLost    func(error)
	onMessage func(*message.Message)
}

var (
	_ Handler                = (*TransportHandler)(nil)
	_ ConnectionLostNotifier = (*TransportHandler)(nil)
)

// NewTransportHandler creates the transport layer for identity on p. No
// session is opened until Open.
func NewTransportHandler(p *pool.Pool, identity pool.Identity, opts TransportOptions) *TransportHandler {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = DefaultOperationTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("identity", identity.Key())

	h := &TransportHandler{
		pool:      p,
		identity:  identity,
		opTimeout: opts.OperationTimeout,
		logger:    logger,
		sends:     correlation.NewRegistry[*wire.Frame](),
	}
	h.twin = twin.NewResponder(h, twin.Options{Timeout: opts.TwinTimeout, Logger: logger})
	h.acks = settlement.NewTracker(h)
	h.methods = opts.Dispatcher
	if h.methods == nil {
		h.methods = method.NewDispatcher(h, nil, logger)
	}
	return h
}

// Twin returns the twin responder.
func (h *TransportHandler) Twin() *twin.Responder { return h.twin }

// Methods returns the method dispatcher.
func (h *TransportHandler) Methods() *method.Dispatcher { return h.methods }

// Settlements returns the lock-token tracker.
func (h *TransportHandler) Settlements() *settlement.Tracker { return h.acks }

// SetConnectionLostHandler implements ConnectionLostNotifier.
func (h *TransportHandler) SetConnectionLostHandler(fn func(cause error)) {
	h.mu.Lock()
	h.onLost = fn
	h.mu.Unlock()
}

// SetMessageHandler sets the callback for received cloud-to-device
// messages. Messages reach fn one at a time in the order they arrived. A
// later call replaces the earlier one.
func (h *TransportHandler) SetMessageHandler(fn func(*message.Message)) {
	h.mu.Lock()
	h.onMessage = fn
	h.mu.Unlock()
}

// SetDesiredPropertyHandler sets the callback for desired-property pushes.
// Pushes reach fn one at a time in the order they arrived. A later call
// replaces the earlier one.
func (h *TransportHandler) SetDesiredPropertyHandler(fn func(*twin.Push)) {
	if fn == nil {
		h.twin.SetDesiredPropertyCallback(nil)
		return
	}
	h.twin.SetDesiredPropertyCallback(func(p *twin.Push) {
		h.desired.push(func() { fn(p) })
	})
}

func (h *TransportHandler) current() *pool.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// Send writes f on the current session. It satisfies the sender interfaces
// of the twin responder and the settlement tracker.
func (h *TransportHandler) Send(f *wire.Frame) error {
	sess := h.current()
	if sess == nil {
		return pool.ErrNotConnected
	}
	return sess.Send(f)
}

func (h *TransportHandler) attach(ctx context.Context, link wire.LinkKind) (*pool.Session, error) {
	sess := h.current()
	if sess == nil {
		return nil, pool.ErrNotConnected
	}
	if err := sess.Attach(ctx, link); err != nil {
		return nil, fmt.Errorf("attach %s: %w", link, err)
	}
	return sess, nil
}

func (h *TransportHandler) detach(ctx context.Context, link wire.LinkKind) error {
	sess := h.current()
	if sess == nil {
		return nil
	}
	if err := sess.Detach(ctx, link); err != nil {
		return fmt.Errorf("detach %s: %w", link, err)
	}
	return nil
}

// Open acquires the identity's session, or reopens it after a drop.
func (h *TransportHandler) Open(ctx context.Context) error {
	if sess := h.current(); sess != nil {
		if sess.Connected() {
			return nil
		}
		return sess.Reopen(ctx)
	}

	sess, err := h.pool.Acquire(ctx, h.identity)
	if err != nil {
		return err
	}
	sess.SetFrameHandler(h.route)
	sess.SetDisconnectHandler(h.connectionLost)

	h.mu.Lock()
	h.session = sess
	h.mu.Unlock()
	h.logger.Info("transport open", "slot", sess.Slot())
	return nil
}

// Close releases the session. Pending operations fail.
func (h *TransportHandler) Close(ctx context.Context) error {
	h.mu.Lock()
	sess := h.session
	h.session = nil
	h.mu.Unlock()
	if sess == nil {
		return nil
	}

	h.failPending(fault.Wrap(fault.KindOperationCanceled, pool.ErrSessionClosed))
	if err := h.pool.Release(h.identity); err != nil {
		return err
	}
	h.logger.Info("transport closed")
	return nil
}

func (h *TransportHandler) failPending(err error) {
	h.twin.FailAll(err)
	h.sends.FailAll(err)
	if n := h.acks.Reset(); n > 0 {
		h.logger.Debug("dropped unsettled lock tokens", "count", n)
	}
}

// SendEvent sends one telemetry message and waits for its acknowledgement.
func (h *TransportHandler) SendEvent(ctx context.Context, msg *message.Message) error {
	sess, err := h.attach(ctx, wire.LinkTelemetry)
	if err != nil {
		return err
	}

	f := msg.Frame()
	f.CorrelationID = correlation.NewID("EVT-")
	pending, err := h.sends.Register(f.CorrelationID, h.opTimeout)
	if err != nil {
		return err
	}
	if err := sess.Send(f); err != nil {
		h.sends.Fail(f.CorrelationID, err)
		return err
	}
	ack, err := h.sends.Wait(ctx, pending)
	if err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	if err := fault.FromStatus(ack.Status, ack.Property(wire.PropErrorMessage)); err != nil {
		if fe, ok := err.(*fault.Error); ok {
			fe.TrackingID = ack.Property(wire.PropTrackingID)
		}
		return err
	}
	return nil
}

// SendEvents sends a batch concurrently. The first failure is returned.
func (h *TransportHandler) SendEvents(ctx context.Context, msgs []*message.Message) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, msg := range msgs {
		g.Go(func() error { return h.SendEvent(gctx, msg) })
	}
	return g.Wait()
}

// EnableReceiveMessage attaches the message link.
func (h *TransportHandler) EnableReceiveMessage(ctx context.Context) error {
	_, err := h.attach(ctx, wire.LinkC2D)
	return err
}

// DisableReceiveMessage detaches the message link. Unsettled tokens are
// dropped with it.
func (h *TransportHandler) DisableReceiveMessage(ctx context.Context) error {
	if err := h.detach(ctx, wire.LinkC2D); err != nil {
		return err
	}
	h.acks.Reset()
	return nil
}

// EnableMethods attaches the method link.
func (h *TransportHandler) EnableMethods(ctx context.Context) error {
	_, err := h.attach(ctx, wire.LinkMethods)
	return err
}

// DisableMethods detaches the method link.
func (h *TransportHandler) DisableMethods(ctx context.Context) error {
	return h.detach(ctx, wire.LinkMethods)
}

// EnableTwinPatch attaches the twin link and subscribes to desired-property
// pushes.
func (h *TransportHandler) EnableTwinPatch(ctx context.Context) error {
	if _, err := h.attach(ctx, wire.LinkTwin); err != nil {
		return err
	}
	return h.twin.Subscribe(ctx)
}

// DisableTwinPatch unsubscribes from pushes. The twin link stays attached
// for get and patch.
func (h *TransportHandler) DisableTwinPatch(ctx context.Context) error {
	sess := h.current()
	if sess == nil || !sess.IsAttached(wire.LinkTwin) {
		return nil
	}
	return h.twin.Unsubscribe(ctx)
}

// GetTwin attaches the twin link if needed and fetches the document.
func (h *TransportHandler) GetTwin(ctx context.Context) ([]byte, error) {
	if _, err := h.attach(ctx, wire.LinkTwin); err != nil {
		return nil, err
	}
	return h.twin.Get(ctx)
}

// UpdateReportedProperties attaches the twin link if needed and sends the
// patch.
func (h *TransportHandler) UpdateReportedProperties(ctx context.Context, reported []byte) (int64, error) {
	if _, err := h.attach(ctx, wire.LinkTwin); err != nil {
		return twin.NoVersion, err
	}
	return h.twin.Patch(ctx, reported)
}

// SendMethodResponse writes resp on the current session.
func (h *TransportHandler) SendMethodResponse(ctx context.Context, resp *method.Response) error {
	sess := h.current()
	if sess == nil {
		return pool.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return sess.Send(resp.Frame())
}

// CompleteMessage accepts the message holding lockToken.
func (h *TransportHandler) CompleteMessage(ctx context.Context, lockToken string) error {
	return h.acks.Complete(ctx, lockToken)
}

// AbandonMessage releases the message holding lockToken for redelivery.
func (h *TransportHandler) AbandonMessage(ctx context.Context, lockToken string) error {
	return h.acks.Abandon(ctx, lockToken)
}

// RejectMessage dead-letters the message holding lockToken.
func (h *TransportHandler) RejectMessage(ctx context.Context, lockToken string) error {
	return h.acks.Reject(ctx, lockToken)
}

// route runs on the connection's read loop. Message and desired-property
// callbacks run in arrival order on their own queue; each method invocation
// runs on its own goroutine under the operation timeout.
func (h *TransportHandler) route(f *wire.Frame) {
	switch f.Kind {
	case wire.KindAck:
		if !h.sends.Resolve(f.CorrelationID, f) {
			h.logger.Debug("unmatched acknowledgement", "correlation", f.CorrelationID)
		}
	case wire.KindC2D:
		msg := message.FromFrame(f)
		h.mu.Lock()
		cb := h.onMessage
		h.mu.Unlock()
		if cb == nil {
			h.logger.Warn("message received without callback", "message", msg.MessageID)
			return
		}
		if msg.LockToken != "" {
			h.acks.Track(msg.LockToken)
		}
		h.messages.push(func() { cb(msg) })
	case wire.KindMethodRequest:
		req := method.RequestFromFrame(f)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), h.opTimeout)
			defer cancel()
			_ = h.methods.Dispatch(ctx, req)
		}()
	case wire.KindTwinResponse:
		h.twin.Deliver(f)
	default:
		h.logger.Debug("ignoring frame", "kind", f.Kind)
	}
}

func (h *TransportHandler) connectionLost(cause error) {
	h.failPending(fault.Wrap(fault.KindNetwork, cause))

	h.mu.Lock()
	cb := h.onLost
	h.mu.Unlock()
	h.logger.Warn("transport lost", "error", cause)
	if cb != nil {
		cb(cause)
	}
}
