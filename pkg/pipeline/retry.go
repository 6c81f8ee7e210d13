package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hublink-io/hublink-go/pkg/fault"
	"github.com/hublink-io/hublink-go/pkg/message"
	"github.com/hublink-io/hublink-go/pkg/method"
	"github.com/hublink-io/hublink-go/pkg/retry"
)

// Handler state errors.
var (
	ErrDestroyed = errors.New("client destroyed")
	ErrNotOpen   = errors.New("client not open")
)

const opOpen = "open"

// DefaultRetryTimeout bounds one operation including all of its retries.
const DefaultRetryTimeout = 4 * time.Minute

// policyBox lets an interface value live behind an atomic pointer.
type policyBox struct {
	policy retry.Policy
}

// downlinks records which receive paths the application enabled, so they
// can be restored after a reconnect.
type downlinks struct {
	messages  bool
	methods   bool
	twinPatch bool
}

// RetryHandler re-invokes transient failures of the next layer under the
// active retry policy and reconnects after a dropped connection.
type RetryHandler struct {
	next   Handler
	logger *slog.Logger
	policy atomic.Pointer[policyBox]

	// retryTimeout is the per-operation ceiling in nanoseconds; 0 disables it.
	retryTimeout atomic.Int64

	statusMu sync.Mutex
	status   Status
	reason   Reason
	onStatus StatusCallback

	mu           sync.Mutex
	opened       bool
	destroyed    bool
	reconnecting bool
	enabled      downlinks
	life         context.Context
	stop         context.CancelFunc
	wg           sync.WaitGroup
}

var _ Handler = (*RetryHandler)(nil)

// NewRetryHandler wraps next. A nil policy means retry.DefaultPolicy. When
// next reports dropped connections, the handler reconnects on its own.
func NewRetryHandler(next Handler, policy retry.Policy, logger *slog.Logger) *RetryHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if policy == nil {
		policy = retry.DefaultPolicy()
	}
	r := &RetryHandler{next: next, logger: logger}
	r.policy.Store(&policyBox{policy: policy})
	r.retryTimeout.Store(int64(DefaultRetryTimeout))
	if n, ok := next.(ConnectionLostNotifier); ok {
		n.SetConnectionLostHandler(r.connectionLost)
	}
	return r
}

// SetRetryPolicy replaces the policy. Operations already running keep the
// policy they started with. A nil policy disables retries.
func (r *RetryHandler) SetRetryPolicy(p retry.Policy) {
	if p == nil {
		p = retry.NoRetry{}
	}
	r.policy.Store(&policyBox{policy: p})
}

// Policy returns the active policy.
func (r *RetryHandler) Policy() retry.Policy {
	return r.policy.Load().policy
}

// SetRetryTimeout replaces the ceiling on one operation including its
// retries (default DefaultRetryTimeout). Zero or less removes the ceiling, so
// only the caller's context ends a retry loop.
func (r *RetryHandler) SetRetryTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	r.retryTimeout.Store(int64(d))
}

// RetryTimeout returns the per-operation ceiling.
func (r *RetryHandler) RetryTimeout() time.Duration {
	return time.Duration(r.retryTimeout.Load())
}

// SetStatusCallback sets the status observer. A later call replaces the
// earlier one; nil clears it. The callback runs synchronously, one change at
// a time, and may call Close or Destroy.
func (r *RetryHandler) SetStatusCallback(cb StatusCallback) {
	r.statusMu.Lock()
	r.onStatus = cb
	r.statusMu.Unlock()
}

// Status returns the last reported status and its reason.
func (r *RetryHandler) Status() (Status, Reason) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	return r.status, r.reason
}

func (r *RetryHandler) setStatus(s Status, reason Reason) {
	r.statusMu.Lock()
	r.status, r.reason = s, reason
	cb := r.onStatus
	r.statusMu.Unlock()

	r.logger.Info("connection status", "status", s, "reason", reason)
	if cb != nil {
		cb(s, reason)
	}
}

// reasonFor names the reason a connection attempt gave up with err.
func reasonFor(err error) Reason {
	switch fault.KindOf(err) {
	case fault.KindUnauthorized:
		return ReasonBadCredential
	case fault.KindDeviceNotFound:
		return ReasonDeviceDisabled
	}
	if fault.IsTransient(err) {
		return ReasonRetryExpired
	}
	return ReasonCommunicationError
}

// run calls fn until it succeeds, fails with a non-transient error, the
// policy snapshot taken on entry gives up, or the retry timeout elapses.
// Everything but open requires an open handler; during a reconnect the
// handler stays open and operations retry until the connection is back.
func (r *RetryHandler) run(ctx context.Context, op string, fn func(context.Context) error) error {
	if op != opOpen {
		r.mu.Lock()
		opened := r.opened
		r.mu.Unlock()
		if !opened {
			return ErrNotOpen
		}
	}
	if d := r.RetryTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	policy := r.Policy()
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !fault.IsTransient(err) {
			return err
		}
		again, delay := policy.ShouldRetry(attempt, err)
		if !again {
			r.logger.Debug("giving up", "op", op, "attempts", attempt, "error", err)
			return err
		}
		r.logger.Debug("retrying", "op", op, "attempt", attempt, "delay", delay, "error", err)
		if serr := retry.Sleep(ctx, delay); serr != nil {
			return fault.Wrap(fault.KindOf(serr), serr)
		}
	}
}

// Open opens the connection under the retry policy and restores the
// downlinks enabled before a previous close.
func (r *RetryHandler) Open(ctx context.Context) error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrDestroyed
	}
	r.mu.Unlock()

	err := r.run(ctx, opOpen, func(ctx context.Context) error {
		if err := r.next.Open(ctx); err != nil {
			return err
		}
		return r.restoreDownlinks(ctx)
	})
	if err != nil {
		if !fault.IsCanceled(err) {
			r.setStatus(StatusDisconnected, reasonFor(err))
		}
		return err
	}

	r.mu.Lock()
	r.opened = true
	if r.life == nil {
		r.life, r.stop = context.WithCancel(context.Background())
	}
	r.mu.Unlock()

	r.setStatus(StatusConnected, ReasonConnectionOK)
	return nil
}

// Close stops any reconnect loop and closes the next layer. The handler can
// be opened again.
func (r *RetryHandler) Close(ctx context.Context) error {
	r.shutdown()
	err := r.next.Close(ctx)
	r.setStatus(StatusClosed, ReasonClientClose)
	return err
}

// Destroy closes the handler for good; Open fails afterwards.
func (r *RetryHandler) Destroy(ctx context.Context) error {
	r.mu.Lock()
	r.destroyed = true
	r.mu.Unlock()

	r.shutdown()
	err := r.next.Close(ctx)
	r.setStatus(StatusDestroyed, ReasonClientClose)
	return err
}

func (r *RetryHandler) shutdown() {
	r.mu.Lock()
	r.opened = false
	if r.stop != nil {
		r.stop()
	}
	r.life, r.stop = nil, nil
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *RetryHandler) restoreDownlinks(ctx context.Context) error {
	r.mu.Lock()
	want := r.enabled
	r.mu.Unlock()

	if want.messages {
		if err := r.next.EnableReceiveMessage(ctx); err != nil {
			return err
		}
	}
	if want.methods {
		if err := r.next.EnableMethods(ctx); err != nil {
			return err
		}
	}
	if want.twinPatch {
		if err := r.next.EnableTwinPatch(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *RetryHandler) connectionLost(cause error) {
	r.mu.Lock()
	if !r.opened || r.reconnecting || r.life == nil {
		r.mu.Unlock()
		return
	}
	ctx := r.life
	r.reconnecting = true
	r.mu.Unlock()

	r.logger.Warn("connection lost", "error", cause)
	go r.reconnect(ctx, cause)
}

// reconnect runs the reconnect loop between two status reports. Only the
// loop counts towards shutdown's wait, so a status callback that closes the
// handler does not wait on itself.
func (r *RetryHandler) reconnect(ctx context.Context, cause error) {
	defer func() {
		r.mu.Lock()
		r.reconnecting = false
		r.mu.Unlock()
	}()

	if !fault.IsTransient(cause) {
		r.giveUp(ctx, reasonFor(cause))
		return
	}
	if ctx.Err() != nil {
		return
	}
	r.setStatus(StatusDisconnectedRetrying, ReasonCommunicationError)

	r.mu.Lock()
	if ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	connected, reason := r.reconnectLoop(ctx, cause)
	if !connected {
		r.giveUp(ctx, reason)
		return
	}
	if ctx.Err() == nil {
		r.setStatus(StatusConnected, ReasonConnectionOK)
	}
}

// reconnectLoop reopens the next layer under the policy snapshot. It returns
// the reason to give up with when it does not reconnect.
func (r *RetryHandler) reconnectLoop(ctx context.Context, cause error) (bool, Reason) {
	defer r.wg.Done()

	policy := r.Policy()
	for attempt := 1; ; attempt++ {
		again, delay := policy.ShouldRetry(attempt, cause)
		if !again {
			return false, ReasonRetryExpired
		}
		if err := retry.Sleep(ctx, delay); err != nil {
			return false, ReasonClientClose
		}

		err := r.next.Open(ctx)
		if err == nil {
			err = r.restoreDownlinks(ctx)
		}
		if ctx.Err() != nil {
			return false, ReasonClientClose
		}
		if err == nil {
			r.logger.Info("reconnected", "attempts", attempt)
			return true, ReasonConnectionOK
		}
		if !fault.IsTransient(err) {
			return false, reasonFor(err)
		}
		cause = err
	}
}

// giveUp reports a final disconnect unless the handler was closed meanwhile.
func (r *RetryHandler) giveUp(ctx context.Context, reason Reason) {
	if ctx.Err() != nil {
		return
	}
	r.mu.Lock()
	r.opened = false
	r.mu.Unlock()
	r.setStatus(StatusDisconnected, reason)
}

func (r *RetryHandler) setEnabled(fn func(*downlinks)) {
	r.mu.Lock()
	fn(&r.enabled)
	r.mu.Unlock()
}

// SendEvent sends one telemetry message, retrying transient failures.
func (r *RetryHandler) SendEvent(ctx context.Context, msg *message.Message) error {
	return r.run(ctx, "send event", func(ctx context.Context) error {
		return r.next.SendEvent(ctx, msg)
	})
}

// SendEvents sends a batch; a transient failure retries the whole batch.
func (r *RetryHandler) SendEvents(ctx context.Context, msgs []*message.Message) error {
	return r.run(ctx, "send events", func(ctx context.Context) error {
		return r.next.SendEvents(ctx, msgs)
	})
}

// EnableReceiveMessage enables the message downlink and restores it after
// every reconnect.
func (r *RetryHandler) EnableReceiveMessage(ctx context.Context) error {
	if err := r.run(ctx, "enable messages", r.next.EnableReceiveMessage); err != nil {
		return err
	}
	r.setEnabled(func(d *downlinks) { d.messages = true })
	return nil
}

// DisableReceiveMessage disables the message downlink.
func (r *RetryHandler) DisableReceiveMessage(ctx context.Context) error {
	if err := r.run(ctx, "disable messages", r.next.DisableReceiveMessage); err != nil {
		return err
	}
	r.setEnabled(func(d *downlinks) { d.messages = false })
	return nil
}

// EnableMethods enables the method downlink and restores it after every
// reconnect.
func (r *RetryHandler) EnableMethods(ctx context.Context) error {
	if err := r.run(ctx, "enable methods", r.next.EnableMethods); err != nil {
		return err
	}
	r.setEnabled(func(d *downlinks) { d.methods = true })
	return nil
}

// DisableMethods disables the method downlink.
func (r *RetryHandler) DisableMethods(ctx context.Context) error {
	if err := r.run(ctx, "disable methods", r.next.DisableMethods); err != nil {
		return err
	}
	r.setEnabled(func(d *downlinks) { d.methods = false })
	return nil
}

// EnableTwinPatch subscribes to desired-property pushes and restores the
// subscription after every reconnect.
func (r *RetryHandler) EnableTwinPatch(ctx context.Context) error {
	if err := r.run(ctx, "enable twin patch", r.next.EnableTwinPatch); err != nil {
		return err
	}
	r.setEnabled(func(d *downlinks) { d.twinPatch = true })
	return nil
}

// DisableTwinPatch unsubscribes from desired-property pushes.
func (r *RetryHandler) DisableTwinPatch(ctx context.Context) error {
	if err := r.run(ctx, "disable twin patch", r.next.DisableTwinPatch); err != nil {
		return err
	}
	r.setEnabled(func(d *downlinks) { d.twinPatch = false })
	return nil
}

// GetTwin fetches the twin document.
func (r *RetryHandler) GetTwin(ctx context.Context) ([]byte, error) {
	var doc []byte
	err := r.run(ctx, "get twin", func(ctx context.Context) error {
		var err error
		doc, err = r.next.GetTwin(ctx)
		return err
	})
	return doc, err
}

// UpdateReportedProperties patches reported properties and returns the new
// version.
func (r *RetryHandler) UpdateReportedProperties(ctx context.Context, reported []byte) (int64, error) {
	var version int64
	err := r.run(ctx, "update reported", func(ctx context.Context) error {
		var err error
		version, err = r.next.UpdateReportedProperties(ctx, reported)
		return err
	})
	return version, err
}

// SendMethodResponse sends a method response.
func (r *RetryHandler) SendMethodResponse(ctx context.Context, resp *method.Response) error {
	return r.run(ctx, "method response", func(ctx context.Context) error {
		return r.next.SendMethodResponse(ctx, resp)
	})
}

// CompleteMessage settles a received message as accepted.
func (r *RetryHandler) CompleteMessage(ctx context.Context, lockToken string) error {
	return r.run(ctx, "complete", func(ctx context.Context) error {
		return r.next.CompleteMessage(ctx, lockToken)
	})
}

// AbandonMessage releases a received message for redelivery.
func (r *RetryHandler) AbandonMessage(ctx context.Context, lockToken string) error {
	return r.run(ctx, "abandon", func(ctx context.Context) error {
		return r.next.AbandonMessage(ctx, lockToken)
	})
}

// RejectMessage dead-letters a received message.
func (r *RetryHandler) RejectMessage(ctx context.Context, lockToken string) error {
	return r.run(ctx, "reject", func(ctx context.Context) error {
		return r.next.RejectMessage(ctx, lockToken)
	})
}
