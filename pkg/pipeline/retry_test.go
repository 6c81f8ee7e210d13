package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hublink-io/hublink-go/pkg/correlation"
	"github.com/hublink-io/hublink-go/pkg/fault"
	"github.com/hublink-io/hublink-go/pkg/message"
	"github.com/hublink-io/hublink-go/pkg/method"
	"github.com/hublink-io/hublink-go/pkg/pool"
	"github.com/hublink-io/hublink-go/pkg/retry"
	"github.com/hublink-io/hublink-go/pkg/settlement"
	"github.com/hublink-io/hublink-go/pkg/transport"
)

// fakeHandler counts calls per operation and fails them from per-operation
// error queues.
type fakeHandler struct {
	mu    sync.Mutex
	calls map[string]int
	errs  map[string][]error
	hooks map[string]func(call int)
	lost  func(error)
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		calls: make(map[string]int),
		errs:  make(map[string][]error),
		hooks: make(map[string]func(int)),
	}
}

func (f *fakeHandler) fail(op string, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < times; i++ {
		f.errs[op] = append(f.errs[op], err)
	}
}

func (f *fakeHandler) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeHandler) drop(cause error) {
	f.mu.Lock()
	fn := f.lost
	f.mu.Unlock()
	fn(cause)
}

func (f *fakeHandler) do(op string) error {
	f.mu.Lock()
	f.calls[op]++
	n := f.calls[op]
	hook := f.hooks[op]
	var err error
	if q := f.errs[op]; len(q) > 0 {
		err = q[0]
		f.errs[op] = q[1:]
	}
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return err
}

func (f *fakeHandler) SetConnectionLostHandler(fn func(error)) {
	f.mu.Lock()
	f.lost = fn
	f.mu.Unlock()
}

func (f *fakeHandler) Open(context.Context) error  { return f.do("Open") }
func (f *fakeHandler) Close(context.Context) error { return f.do("Close") }
func (f *fakeHandler) SendEvent(context.Context, *message.Message) error {
	return f.do("SendEvent")
}
func (f *fakeHandler) SendEvents(context.Context, []*message.Message) error {
	return f.do("SendEvents")
}
func (f *fakeHandler) EnableReceiveMessage(context.Context) error {
	return f.do("EnableReceiveMessage")
}
func (f *fakeHandler) DisableReceiveMessage(context.Context) error {
	return f.do("DisableReceiveMessage")
}
func (f *fakeHandler) EnableMethods(context.Context) error  { return f.do("EnableMethods") }
func (f *fakeHandler) DisableMethods(context.Context) error { return f.do("DisableMethods") }
func (f *fakeHandler) EnableTwinPatch(context.Context) error {
	return f.do("EnableTwinPatch")
}
func (f *fakeHandler) DisableTwinPatch(context.Context) error {
	return f.do("DisableTwinPatch")
}
func (f *fakeHandler) GetTwin(context.Context) ([]byte, error) {
	return []byte(`{}`), f.do("GetTwin")
}
func (f *fakeHandler) UpdateReportedProperties(context.Context, []byte) (int64, error) {
	return 1, f.do("UpdateReportedProperties")
}
func (f *fakeHandler) SendMethodResponse(context.Context, *method.Response) error {
	return f.do("SendMethodResponse")
}
func (f *fakeHandler) CompleteMessage(context.Context, string) error {
	return f.do("CompleteMessage")
}
func (f *fakeHandler) AbandonMessage(context.Context, string) error {
	return f.do("AbandonMessage")
}
func (f *fakeHandler) RejectMessage(context.Context, string) error {
	return f.do("RejectMessage")
}

type statusEvent struct {
	status Status
	reason Reason
}

func recordStatus(r *RetryHandler) chan statusEvent {
	ch := make(chan statusEvent, 16)
	r.SetStatusCallback(func(s Status, reason Reason) { ch <- statusEvent{s, reason} })
	return ch
}

func nextStatus(t *testing.T, ch chan statusEvent) statusEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no status change")
		return statusEvent{}
	}
}

func openHandler(t *testing.T, policy retry.Policy) (*RetryHandler, *fakeHandler) {
	t.Helper()
	f := newFakeHandler()
	r := NewRetryHandler(f, policy, nil)
	require.NoError(t, r.Open(context.Background()))
	return r, f
}

var errNetwork = fault.New(fault.KindNetwork, "link down")

func TestRetryAttemptsFollowPolicy(t *testing.T) {
	r, f := openHandler(t, retry.Fixed{MaxRetries: 2})
	f.fail("SendEvent", errNetwork, 10)

	err := r.SendEvent(context.Background(), message.New(nil))
	require.Error(t, err)
	assert.Equal(t, fault.KindNetwork, fault.KindOf(err))
	assert.Equal(t, 3, f.count("SendEvent"))
}

func TestFatalErrorIsNotRetried(t *testing.T) {
	r, f := openHandler(t, retry.Fixed{MaxRetries: 5})
	f.fail("GetTwin", fault.New(fault.KindUnauthorized, "bad sas"), 1)

	_, err := r.GetTwin(context.Background())
	assert.Equal(t, fault.KindUnauthorized, fault.KindOf(err))
	assert.Equal(t, 1, f.count("GetTwin"))
}

func TestTransientThenSuccess(t *testing.T) {
	r, f := openHandler(t, retry.Fixed{MaxRetries: 5})
	f.fail("UpdateReportedProperties", fault.New(fault.KindThrottled, ""), 2)

	v, err := r.UpdateReportedProperties(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Equal(t, 3, f.count("UpdateReportedProperties"))
}

func TestOperationsRequireOpen(t *testing.T) {
	f := newFakeHandler()
	r := NewRetryHandler(f, nil, nil)

	assert.ErrorIs(t, r.SendEvent(context.Background(), message.New(nil)), ErrNotOpen)
	assert.Equal(t, 0, f.count("SendEvent"))
}

func TestPolicySwapKeepsInFlightSnapshot(t *testing.T) {
	r, f := openHandler(t, retry.Fixed{MaxRetries: 5})
	f.fail("SendEvent", errNetwork, 2)
	f.hooks["SendEvent"] = func(call int) {
		if call == 1 {
			r.SetRetryPolicy(retry.NoRetry{})
		}
	}

	require.NoError(t, r.SendEvent(context.Background(), message.New(nil)))
	assert.Equal(t, 3, f.count("SendEvent"), "in-flight call keeps its policy")

	f.fail("SendEvent", errNetwork, 1)
	assert.Error(t, r.SendEvent(context.Background(), message.New(nil)))
	assert.Equal(t, 4, f.count("SendEvent"), "new call uses the swapped policy")
}

func TestCancelDuringBackoff(t *testing.T) {
	r, f := openHandler(t, retry.Fixed{MaxRetries: 5, Delay: time.Hour})
	f.fail("SendEvent", errNetwork, 10)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	err := r.SendEvent(ctx, message.New(nil))
	assert.True(t, fault.IsCanceled(err))
	assert.Equal(t, 1, f.count("SendEvent"))
}

// Only the most recently registered status callback is called.
func TestStatusCallbackLastWriteWins(t *testing.T) {
	f := newFakeHandler()
	r := NewRetryHandler(f, nil, nil)

	var first, second []statusEvent
	r.SetStatusCallback(func(s Status, reason Reason) { first = append(first, statusEvent{s, reason}) })
	r.SetStatusCallback(func(s Status, reason Reason) { second = append(second, statusEvent{s, reason}) })

	require.NoError(t, r.Open(context.Background()))
	assert.Empty(t, first)
	assert.Equal(t, []statusEvent{{StatusConnected, ReasonConnectionOK}}, second)

	st, reason := r.Status()
	assert.Equal(t, StatusConnected, st)
	assert.Equal(t, ReasonConnectionOK, reason)
}

func TestOpenFailureReason(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason Reason
	}{
		{name: "unauthorized", err: fault.New(fault.KindUnauthorized, ""), reason: ReasonBadCredential},
		{name: "not found", err: fault.New(fault.KindDeviceNotFound, ""), reason: ReasonDeviceDisabled},
		{name: "protocol", err: fault.New(fault.KindProtocol, ""), reason: ReasonCommunicationError},
		{name: "exhausted", err: errNetwork, reason: ReasonRetryExpired},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFakeHandler()
			f.fail("Open", tc.err, 10)
			r := NewRetryHandler(f, retry.NoRetry{}, nil)
			events := recordStatus(r)

			assert.Error(t, r.Open(context.Background()))
			assert.Equal(t, statusEvent{StatusDisconnected, tc.reason}, nextStatus(t, events))
		})
	}
}

func TestReconnectRestoresDownlinks(t *testing.T) {
	r, f := openHandler(t, retry.Fixed{MaxRetries: 5})
	ctx := context.Background()
	require.NoError(t, r.EnableMethods(ctx))
	require.NoError(t, r.EnableReceiveMessage(ctx))
	events := recordStatus(r)

	f.fail("Open", fault.New(fault.KindServiceUnavailable, ""), 1)
	f.drop(fault.Wrap(fault.KindNetwork, io.EOF))

	assert.Equal(t, statusEvent{StatusDisconnectedRetrying, ReasonCommunicationError}, nextStatus(t, events))
	assert.Equal(t, statusEvent{StatusConnected, ReasonConnectionOK}, nextStatus(t, events))

	assert.Equal(t, 3, f.count("Open"))
	assert.Equal(t, 2, f.count("EnableMethods"))
	assert.Equal(t, 2, f.count("EnableReceiveMessage"))
	assert.Equal(t, 0, f.count("EnableTwinPatch"))
}

func TestDisabledDownlinkIsNotRestored(t *testing.T) {
	r, f := openHandler(t, retry.Fixed{MaxRetries: 5})
	ctx := context.Background()
	require.NoError(t, r.EnableTwinPatch(ctx))
	require.NoError(t, r.DisableTwinPatch(ctx))
	events := recordStatus(r)

	f.drop(errNetwork)
	nextStatus(t, events)
	assert.Equal(t, StatusConnected, nextStatus(t, events).status)
	assert.Equal(t, 1, f.count("EnableTwinPatch"))
}

func TestReconnectRetryExpired(t *testing.T) {
	r, f := openHandler(t, retry.Fixed{MaxRetries: 2})
	events := recordStatus(r)

	f.fail("Open", errNetwork, 10)
	f.drop(errNetwork)

	assert.Equal(t, StatusDisconnectedRetrying, nextStatus(t, events).status)
	assert.Equal(t, statusEvent{StatusDisconnected, ReasonRetryExpired}, nextStatus(t, events))
	assert.Equal(t, 3, f.count("Open"))

	assert.ErrorIs(t, r.SendEvent(context.Background(), message.New(nil)), ErrNotOpen)
}

func TestFatalDropIsNotRetried(t *testing.T) {
	r, f := openHandler(t, retry.Fixed{MaxRetries: 5})
	events := recordStatus(r)

	f.drop(fault.New(fault.KindUnauthorized, "credential revoked"))
	assert.Equal(t, statusEvent{StatusDisconnected, ReasonBadCredential}, nextStatus(t, events))
	assert.Equal(t, 1, f.count("Open"))
}

func TestCloseStopsReconnect(t *testing.T) {
	r, f := openHandler(t, retry.Fixed{MaxRetries: 100, Delay: time.Hour})
	events := recordStatus(r)

	f.drop(errNetwork)
	assert.Equal(t, StatusDisconnectedRetrying, nextStatus(t, events).status)

	done := make(chan error, 1)
	go func() { done <- r.Close(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on the reconnect loop")
	}
	assert.Equal(t, statusEvent{StatusClosed, ReasonClientClose}, nextStatus(t, events))
	assert.Equal(t, 1, f.count("Open"))
}

func TestDropAfterCloseIsIgnored(t *testing.T) {
	r, f := openHandler(t, retry.Fixed{MaxRetries: 5})
	require.NoError(t, r.Close(context.Background()))
	events := recordStatus(r)

	f.drop(errNetwork)
	select {
	case ev := <-events:
		t.Fatalf("unexpected status %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDestroy(t *testing.T) {
	r, _ := openHandler(t, nil)
	events := recordStatus(r)

	require.NoError(t, r.Destroy(context.Background()))
	assert.Equal(t, statusEvent{StatusDestroyed, ReasonClientClose}, nextStatus(t, events))
	assert.ErrorIs(t, r.Open(context.Background()), ErrDestroyed)
}

func TestRetryTimeoutEndsUnboundedPolicy(t *testing.T) {
	r, f := openHandler(t, nil)
	assert.Equal(t, DefaultRetryTimeout, r.RetryTimeout())
	r.SetRetryTimeout(100 * time.Millisecond)
	f.fail("GetTwin", fault.New(fault.KindTimeout, "no twin reply"), 1000)

	done := make(chan error, 1)
	go func() {
		_, err := r.GetTwin(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		assert.Equal(t, fault.KindTimeout, fault.KindOf(err))
	case <-time.After(3 * time.Second):
		t.Fatal("GetTwin kept retrying past its retry timeout")
	}
	assert.Equal(t, 1, f.count("GetTwin"), "the first backoff outlasts the ceiling")
}

func TestStatusCallbackMayCloseHandler(t *testing.T) {
	tests := []struct {
		name  string
		on    Status
		close func(*RetryHandler) error
		want  Status
	}{
		{
			name:  "close when reconnected",
			on:    StatusConnected,
			close: func(r *RetryHandler) error { return r.Close(context.Background()) },
			want:  StatusClosed,
		},
		{
			name:  "destroy while retrying",
			on:    StatusDisconnectedRetrying,
			close: func(r *RetryHandler) error { return r.Destroy(context.Background()) },
			want:  StatusDestroyed,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, f := openHandler(t, retry.Fixed{MaxRetries: 5, Delay: time.Millisecond})
			done := make(chan error, 1)
			r.SetStatusCallback(func(s Status, _ Reason) {
				if s == tc.on {
					done <- tc.close(r)
				}
			})

			f.drop(errNetwork)
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("closing from the status callback blocked")
			}
			st, _ := r.Status()
			assert.Equal(t, tc.want, st)
		})
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind fault.Kind
	}{
		{name: "eof", err: io.EOF, kind: fault.KindNetwork},
		{name: "goodbye", err: transport.ErrPeerGoodbye, kind: fault.KindNetwork},
		{name: "keep-alive", err: transport.ErrKeepAliveTimeout, kind: fault.KindNetwork},
		{name: "not connected", err: pool.ErrNotConnected, kind: fault.KindNetwork},
		{name: "too large", err: transport.ErrMessageTooLarge, kind: fault.KindMessageTooLarge},
		{name: "reply timeout", err: correlation.ErrTimeout, kind: fault.KindTimeout},
		{name: "deadline", err: context.DeadlineExceeded, kind: fault.KindTimeout},
		{name: "canceled", err: context.Canceled, kind: fault.KindOperationCanceled},
		{name: "session closed", err: pool.ErrSessionClosed, kind: fault.KindOperationCanceled},
		{name: "lock token", err: settlement.ErrUnknownLockToken, kind: fault.KindPreconditionFailed},
		{name: "classified", err: fault.New(fault.KindThrottled, ""), kind: fault.KindThrottled},
		{name: "unknown", err: errors.New("something else"), kind: fault.KindUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Translate(tc.err)
			assert.Equal(t, tc.kind, fault.KindOf(err))
			assert.ErrorIs(t, err, tc.err)
		})
	}
	assert.NoError(t, Translate(nil))
}

func TestErrorHandlerTranslatesDrops(t *testing.T) {
	f := newFakeHandler()
	r := NewRetryHandler(NewErrorHandler(f), retry.Fixed{MaxRetries: 1}, nil)
	require.NoError(t, r.Open(context.Background()))
	events := recordStatus(r)

	// A raw EOF is classified as a network failure and retried.
	f.drop(io.EOF)
	assert.Equal(t, StatusDisconnectedRetrying, nextStatus(t, events).status)
	assert.Equal(t, StatusConnected, nextStatus(t, events).status)
}
