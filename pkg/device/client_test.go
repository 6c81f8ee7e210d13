package device

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hublink-io/hublink-go/internal/testbroker"
	"github.com/hublink-io/hublink-go/pkg/message"
	"github.com/hublink-io/hublink-go/pkg/method"
	"github.com/hublink-io/hublink-go/pkg/pipeline"
	"github.com/hublink-io/hublink-go/pkg/pool"
	"github.com/hublink-io/hublink-go/pkg/retry"
	"github.com/hublink-io/hublink-go/pkg/twin"
	"github.com/hublink-io/hublink-go/pkg/wire"
)

func newPool(t *testing.T, size int) (*pool.Pool, *testbroker.Broker) {
	t.Helper()
	b := testbroker.New()
	p := pool.New(b, pool.Options{Endpoint: "broker", Size: size, OpenTimeout: time.Second})
	t.Cleanup(func() {
		_ = p.Close()
		b.Close()
	})
	return p, b
}

func newClient(t *testing.T, p *pool.Pool, deviceID string) *Client {
	t.Helper()
	c, err := New(p, pool.Identity{DeviceID: deviceID, Credential: "key"}, Options{
		RetryPolicy:      retry.Fixed{MaxRetries: 5, Delay: 10 * time.Millisecond},
		OperationTimeout: time.Second,
		TwinTimeout:      time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Dispose(context.Background()) })
	require.NoError(t, c.Open(context.Background()))
	return c
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func TestNewValidates(t *testing.T) {
	p, _ := newPool(t, 1)

	_, err := New(nil, pool.Identity{DeviceID: "d"}, Options{})
	assert.ErrorIs(t, err, ErrNilPool)

	_, err = New(p, pool.Identity{}, Options{})
	assert.ErrorIs(t, err, pool.ErrEmptyIdentity)

	c, err := New(p, pool.Identity{DeviceID: "d", ProductInfo: "meter/3"}, Options{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(c.Identity().ProductInfo, "hublink-go/"))
	assert.True(t, strings.HasSuffix(c.Identity().ProductInfo, " meter/3"))
}

func TestSendEventValue(t *testing.T) {
	p, b := newPool(t, 1)
	c := newClient(t, p, "sensor-1")

	require.NoError(t, c.SendEventValue(context.Background(), map[string]any{"temperature": 21.5}))

	sent := b.Telemetry()
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"temperature":21.5}`, string(sent[0].Body))

	st, reason := c.Status()
	assert.Equal(t, pipeline.StatusConnected, st)
	assert.Equal(t, pipeline.ReasonConnectionOK, reason)
}

func TestSendEventsEmptyBatch(t *testing.T) {
	p, b := newPool(t, 1)
	c := newClient(t, p, "sensor-1")

	require.NoError(t, c.SendEvents(context.Background(), nil))
	assert.Empty(t, b.Telemetry())
}

func TestMessageCallback(t *testing.T) {
	p, b := newPool(t, 1)
	c := newClient(t, p, "sensor-1")
	ctx := context.Background()

	received := make(chan *message.Message, 1)
	require.NoError(t, c.SetMessageCallback(ctx, func(m *message.Message) { received <- m }))
	assert.True(t, b.Attached("sensor-1", wire.LinkC2D))

	require.NoError(t, b.SendMessage("sensor-1", "lt-9", []byte("set-mode"), map[string]string{"app.mode": "eco"}))
	msg := waitFor(t, received)
	assert.Equal(t, "set-mode", string(msg.Body))
	require.NoError(t, c.RejectMessage(ctx, msg.LockToken))
	assert.Eventually(t, func() bool { return len(b.Dispositions()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.SetMessageCallback(ctx, nil))
	assert.False(t, b.Attached("sensor-1", wire.LinkC2D))
}

func TestMethodCallback(t *testing.T) {
	p, b := newPool(t, 1)
	c := newClient(t, p, "sensor-1")
	ctx := context.Background()

	require.NoError(t, c.SetMethodCallback(ctx, func(_ context.Context, req *method.Request) (*method.Result, error) {
		return &method.Result{Status: 200, Payload: []byte(`"` + req.Name + `"`)}, nil
	}))
	assert.True(t, b.Attached("sensor-1", wire.LinkMethods))

	resp, err := b.Invoke(ctx, "sensor-1", "reboot", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, `"reboot"`, string(resp.Body))

	require.NoError(t, c.SetMethodCallback(ctx, nil))
	assert.False(t, b.Attached("sensor-1", wire.LinkMethods))
}

func TestTwin(t *testing.T) {
	p, b := newPool(t, 1)
	c := newClient(t, p, "sensor-1")
	ctx := context.Background()
	b.SetTwin([]byte(`{"desired":{"interval":30},"reported":{}}`), 1)

	var doc struct {
		Desired struct {
			Interval int `json:"interval"`
		} `json:"desired"`
	}
	require.NoError(t, c.GetTwinInto(ctx, &doc))
	assert.Equal(t, 30, doc.Desired.Interval)

	v, err := c.UpdateReportedProperties(ctx, map[string]string{"firmware": "2.0.1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	pushes := make(chan *twin.Push, 1)
	require.NoError(t, c.SetDesiredPropertyCallback(ctx, func(p *twin.Push) { pushes <- p }))
	require.NoError(t, b.PushDesired("sensor-1", []byte(`{"interval":10}`), 3))
	assert.Equal(t, int64(3), waitFor(t, pushes).Version)

	require.NoError(t, c.SetDesiredPropertyCallback(ctx, nil))
	assert.False(t, b.Subscribed("sensor-1"))
}

func TestConcernLocksAreIndependent(t *testing.T) {
	p, _ := newPool(t, 1)
	c := newClient(t, p, "sensor-1")

	require.NoError(t, c.messageLock.Acquire(context.Background(), 1))
	defer c.messageLock.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.SetMessageCallback(ctx, func(*message.Message) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The method concern is not blocked by the held message lock.
	require.NoError(t, c.SetMethodCallback(context.Background(), func(context.Context, *method.Request) (*method.Result, error) {
		return nil, nil
	}))
}

func TestReconnectRestoresCallbacks(t *testing.T) {
	p, b := newPool(t, 1)
	c := newClient(t, p, "sensor-1")
	ctx := context.Background()

	require.NoError(t, c.SetMessageCallback(ctx, func(*message.Message) {}))
	require.NoError(t, c.SetMethodCallback(ctx, func(context.Context, *method.Request) (*method.Result, error) {
		return nil, nil
	}))
	require.NoError(t, c.SetDesiredPropertyCallback(ctx, func(*twin.Push) {}))

	connected := make(chan pipeline.Status, 8)
	c.SetStatusCallback(func(s pipeline.Status, _ pipeline.Reason) { connected <- s })

	b.Drop()
	assert.Equal(t, pipeline.StatusDisconnectedRetrying, waitFor(t, connected))
	assert.Equal(t, pipeline.StatusConnected, waitFor(t, connected))

	assert.True(t, b.Attached("sensor-1", wire.LinkC2D))
	assert.True(t, b.Attached("sensor-1", wire.LinkMethods))
	assert.True(t, b.Subscribed("sensor-1"))

	resp, err := b.Invoke(ctx, "sensor-1", "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, method.StatusOK, resp.Status)
}

func TestClientsShareConnection(t *testing.T) {
	p, b := newPool(t, 1)
	a := newClient(t, p, "sensor-a")
	z := newClient(t, p, "sensor-z")
	ctx := context.Background()

	require.NoError(t, a.SendEventValue(ctx, 1))
	require.NoError(t, z.SendEventValue(ctx, 2))
	assert.Equal(t, 1, b.Dials())
	assert.ElementsMatch(t, []string{"sensor-a", "sensor-z"}, b.Sessions())

	require.NoError(t, a.Dispose(ctx))
	require.NoError(t, z.SendEventValue(ctx, 3))
	assert.Len(t, b.Telemetry(), 3)
}

func TestDisposeIsTerminal(t *testing.T) {
	p, _ := newPool(t, 1)
	c := newClient(t, p, "sensor-1")
	ctx := context.Background()

	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Open(ctx))

	require.NoError(t, c.Dispose(ctx))
	assert.ErrorIs(t, c.Open(ctx), pipeline.ErrDestroyed)
	st, _ := c.Status()
	assert.Equal(t, pipeline.StatusDestroyed, st)
}
