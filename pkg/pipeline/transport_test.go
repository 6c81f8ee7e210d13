package pipeline

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hublink-io/hublink-go/internal/testbroker"
	"github.com/hublink-io/hublink-go/pkg/fault"
	"github.com/hublink-io/hublink-go/pkg/message"
	"github.com/hublink-io/hublink-go/pkg/method"
	"github.com/hublink-io/hublink-go/pkg/pool"
	"github.com/hublink-io/hublink-go/pkg/retry"
	"github.com/hublink-io/hublink-go/pkg/settlement"
	"github.com/hublink-io/hublink-go/pkg/twin"
	"github.com/hublink-io/hublink-go/pkg/wire"
)

const testDevice = "dev-1"

// newChain builds the full operation chain against an in-memory broker.
func newChain(t *testing.T) (*RetryHandler, *TransportHandler, *testbroker.Broker) {
	t.Helper()
	b := testbroker.New()
	p := pool.New(b, pool.Options{Endpoint: "broker", Size: 2, OpenTimeout: time.Second})
	th := NewTransportHandler(p, pool.Identity{DeviceID: testDevice, Credential: "secret"}, TransportOptions{
		OperationTimeout: time.Second,
		TwinTimeout:      time.Second,
	})
	r := NewRetryHandler(NewErrorHandler(th), retry.Fixed{MaxRetries: 3, Delay: 10 * time.Millisecond}, nil)
	t.Cleanup(func() {
		_ = r.Destroy(context.Background())
		_ = p.Close()
		b.Close()
	})
	return r, th, b
}

func TestChainSendEvent(t *testing.T) {
	r, _, b := newChain(t)
	ctx := context.Background()
	require.NoError(t, r.Open(ctx))

	msg := message.New([]byte("21.5"))
	msg.SetProperty("unit", "C")
	require.NoError(t, r.SendEvent(ctx, msg))

	sent := b.Telemetry()
	require.Len(t, sent, 1)
	assert.Equal(t, "21.5", string(sent[0].Body))
	assert.True(t, b.Attached(testDevice, wire.LinkTelemetry))
}

func TestChainSendEventRejected(t *testing.T) {
	r, _, b := newChain(t)
	ctx := context.Background()
	require.NoError(t, r.Open(ctx))
	b.SetTelemetryStatus(413)

	err := r.SendEvent(ctx, message.New(make([]byte, 16)))
	assert.Equal(t, fault.KindMessageTooLarge, fault.KindOf(err))
	assert.Len(t, b.Telemetry(), 1, "fatal rejection is not retried")
}

func TestChainSendEvents(t *testing.T) {
	r, _, b := newChain(t)
	ctx := context.Background()
	require.NoError(t, r.Open(ctx))

	batch := make([]*message.Message, 5)
	for i := range batch {
		batch[i] = message.New([]byte{byte(i)})
	}
	require.NoError(t, r.SendEvents(ctx, batch))
	assert.Len(t, b.Telemetry(), 5)
}

func TestChainTwin(t *testing.T) {
	r, _, b := newChain(t)
	ctx := context.Background()
	require.NoError(t, r.Open(ctx))
	b.SetTwin([]byte(`{"desired":{"interval":30}}`), 3)

	doc, err := r.GetTwin(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"desired":{"interval":30}}`, string(doc))

	v, err := r.UpdateReportedProperties(ctx, []byte(`{"firmware":"1.2.0"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)
	require.Len(t, b.Reported(), 1)
	assert.JSONEq(t, `{"firmware":"1.2.0"}`, string(b.Reported()[0]))
}

func TestChainDesiredPropertyPush(t *testing.T) {
	r, th, b := newChain(t)
	ctx := context.Background()
	require.NoError(t, r.Open(ctx))

	pushes := make(chan *twin.Push, 1)
	th.SetDesiredPropertyHandler(func(p *twin.Push) { pushes <- p })
	require.NoError(t, r.EnableTwinPatch(ctx))
	assert.True(t, b.Subscribed(testDevice))

	require.NoError(t, b.PushDesired(testDevice, []byte(`{"interval":60}`), 7))
	select {
	case p := <-pushes:
		assert.Equal(t, int64(7), p.Version)
		assert.JSONEq(t, `{"interval":60}`, string(p.Body))
	case <-time.After(2 * time.Second):
		t.Fatal("push not delivered")
	}

	require.NoError(t, r.DisableTwinPatch(ctx))
	assert.False(t, b.Subscribed(testDevice))
}

func TestChainMessageSettlement(t *testing.T) {
	r, th, b := newChain(t)
	ctx := context.Background()
	require.NoError(t, r.Open(ctx))

	received := make(chan *message.Message, 1)
	th.SetMessageHandler(func(m *message.Message) { received <- m })
	require.NoError(t, r.EnableReceiveMessage(ctx))

	require.NoError(t, b.SendMessage(testDevice, "lt-1", []byte("reboot"), nil))
	var msg *message.Message
	select {
	case msg = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
	assert.Equal(t, "lt-1", msg.LockToken)

	require.NoError(t, r.CompleteMessage(ctx, msg.LockToken))
	assert.Eventually(t, func() bool { return len(b.Dispositions()) == 1 }, time.Second, 5*time.Millisecond)

	err := r.CompleteMessage(ctx, msg.LockToken)
	assert.Equal(t, fault.KindPreconditionFailed, fault.KindOf(err))
	assert.ErrorIs(t, err, settlement.ErrUnknownLockToken)
}

func TestChainMethodWithoutCallback(t *testing.T) {
	r, _, b := newChain(t)
	ctx := context.Background()
	require.NoError(t, r.Open(ctx))
	require.NoError(t, r.EnableMethods(ctx))

	resp, err := b.Invoke(ctx, testDevice, "reboot", nil)
	require.NoError(t, err)
	assert.Equal(t, method.StatusNotImplemented, resp.Status)
}

func TestChainMethodCallback(t *testing.T) {
	r, th, b := newChain(t)
	ctx := context.Background()
	require.NoError(t, r.Open(ctx))
	th.Methods().SetCallback(func(_ context.Context, req *method.Request) (*method.Result, error) {
		return &method.Result{Status: 200, Payload: append([]byte("ok:"), req.Payload...)}, nil
	})
	require.NoError(t, r.EnableMethods(ctx))

	resp, err := b.Invoke(ctx, testDevice, "ping", []byte("1"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "ok:1", string(resp.Body))
}

func TestChainMethodCallbackPastOperationTimeout(t *testing.T) {
	r, th, b := newChain(t)
	ctx := context.Background()
	require.NoError(t, r.Open(ctx))
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	th.Methods().SetCallback(func(ctx context.Context, req *method.Request) (*method.Result, error) {
		if req.Name == "stuck" {
			<-release
			return nil, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, r.EnableMethods(ctx))

	for _, name := range []string{"slow", "stuck"} {
		t.Run(name, func(t *testing.T) {
			ictx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			resp, err := b.Invoke(ictx, testDevice, name, nil)
			require.NoError(t, err, "invocation must be answered")
			assert.Equal(t, method.StatusUserCodeException, resp.Status)
		})
	}
}

func TestChainDesiredPushesKeepOrder(t *testing.T) {
	r, th, b := newChain(t)
	ctx := context.Background()
	require.NoError(t, r.Open(ctx))

	const n = 50
	versions := make(chan int64, n)
	th.SetDesiredPropertyHandler(func(p *twin.Push) { versions <- p.Version })
	require.NoError(t, r.EnableTwinPatch(ctx))

	for v := int64(1); v <= n; v++ {
		require.NoError(t, b.PushDesired(testDevice, []byte(`{}`), v))
	}
	for want := int64(1); want <= n; want++ {
		select {
		case got := <-versions:
			require.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("push %d not delivered", want)
		}
	}
}

func TestChainMessagesKeepOrder(t *testing.T) {
	r, th, b := newChain(t)
	ctx := context.Background()
	require.NoError(t, r.Open(ctx))

	const n = 50
	bodies := make(chan string, n)
	th.SetMessageHandler(func(m *message.Message) { bodies <- string(m.Body) })
	require.NoError(t, r.EnableReceiveMessage(ctx))

	for i := range n {
		require.NoError(t, b.SendMessage(testDevice, "", []byte(strconv.Itoa(i)), nil))
	}
	for i := range n {
		select {
		case got := <-bodies:
			require.Equal(t, strconv.Itoa(i), got)
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}
}

func TestChainReconnectAfterDrop(t *testing.T) {
	r, _, b := newChain(t)
	ctx := context.Background()
	require.NoError(t, r.Open(ctx))
	require.NoError(t, r.EnableMethods(ctx))
	events := recordStatus(r)

	b.Drop()

	assert.Equal(t, StatusDisconnectedRetrying, nextStatus(t, events).status)
	assert.Equal(t, statusEvent{StatusConnected, ReasonConnectionOK}, nextStatus(t, events))
	assert.True(t, b.Attached(testDevice, wire.LinkMethods))
	assert.Equal(t, 2, b.Dials())

	require.NoError(t, r.SendEvent(ctx, message.New([]byte("after"))))
}

func TestChainOpenRejected(t *testing.T) {
	r, _, b := newChain(t)
	b.RejectOpen(testDevice, 401)
	events := recordStatus(r)

	err := r.Open(context.Background())
	assert.Equal(t, fault.KindUnauthorized, fault.KindOf(err))
	assert.Equal(t, statusEvent{StatusDisconnected, ReasonBadCredential}, nextStatus(t, events))
}

func TestChainOpenRetriesRefusedDials(t *testing.T) {
	r, _, b := newChain(t)
	b.RefuseDials(2)

	require.NoError(t, r.Open(context.Background()))
	assert.Equal(t, 3, b.Dials())
}

func TestChainCloseFailsOperations(t *testing.T) {
	r, _, _ := newChain(t)
	ctx := context.Background()
	require.NoError(t, r.Open(ctx))
	require.NoError(t, r.Close(ctx))

	err := r.SendEvent(ctx, message.New(nil))
	assert.True(t, errors.Is(err, ErrNotOpen))

	// Reopen after close.
	require.NoError(t, r.Open(ctx))
	require.NoError(t, r.SendEvent(ctx, message.New(nil)))
}
