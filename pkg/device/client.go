package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hublink-io/hublink-go/pkg/message"
	"github.com/hublink-io/hublink-go/pkg/method"
	"github.com/hublink-io/hublink-go/pkg/payload"
	"github.com/hublink-io/hublink-go/pkg/pipeline"
	"github.com/hublink-io/hublink-go/pkg/pool"
	"github.com/hublink-io/hublink-go/pkg/retry"
	"github.com/hublink-io/hublink-go/pkg/twin"
	"github.com/hublink-io/hublink-go/pkg/version"
)

// ErrNilPool is returned by New without a pool.
var ErrNilPool = errors.New("device: nil pool")

// MessageCallback receives cloud-to-device messages. Messages carrying a lock
// token must be settled with CompleteMessage, AbandonMessage or
// RejectMessage.
type MessageCallback func(msg *message.Message)

// MethodCallback handles direct-method invocations.
type MethodCallback = method.Callback

// DesiredPropertyCallback receives desired-property updates.
type DesiredPropertyCallback func(push *twin.Push)

// Options configures a Client.
type Options struct {
	// RetryPolicy defaults to retry.DefaultPolicy().
	RetryPolicy retry.Policy

	// OperationTimeout bounds telemetry acknowledgements and method callbacks.
	OperationTimeout time.Duration

	// TwinTimeout bounds twin round trips.
	TwinTimeout time.Duration

	// RetryTimeout bounds one operation including all of its retries
	// (default pipeline.DefaultRetryTimeout).
	RetryTimeout time.Duration

	// Serializer encodes values passed to SendEventValue and
	// UpdateReportedProperties (default payload.Default).
	Serializer payload.Serializer

	Logger *slog.Logger
}

// Client is the device client of one identity.
type Client struct {
	identity   pool.Identity
	serializer payload.Serializer
	logger     *slog.Logger

	transport *pipeline.TransportHandler
	chain     *pipeline.RetryHandler
	methods   *method.Dispatcher

	// One lock per downlink concern.
	messageLock *semaphore.Weighted
	methodLock  *semaphore.Weighted
	twinLock    *semaphore.Weighted
}

// New creates a client for identity on p. The identity's product info is
// prefixed with the SDK product string. Nothing is connected until Open.
func New(p *pool.Pool, identity pool.Identity, opts Options) (*Client, error) {
	if p == nil {
		return nil, ErrNilPool
	}
	if identity.DeviceID == "" {
		return nil, pool.ErrEmptyIdentity
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	identity.ProductInfo = version.ProductInfo(identity.ProductInfo)
	serializer := opts.Serializer
	if serializer == nil {
		serializer = payload.Default
	}

	c := &Client{
		identity:    identity,
		serializer:  serializer,
		logger:      logger.With("device", identity.Key()),
		messageLock: semaphore.NewWeighted(1),
		methodLock:  semaphore.NewWeighted(1),
		twinLock:    semaphore.NewWeighted(1),
	}

	// Method responses and link changes go through the retry chain, which
	// is built after the dispatcher.
	c.methods = method.NewDispatcher(chainAdapter{c}, chainAdapter{c}, c.logger)
	c.transport = pipeline.NewTransportHandler(p, identity, pipeline.TransportOptions{
		OperationTimeout: opts.OperationTimeout,
		TwinTimeout:      opts.TwinTimeout,
		Dispatcher:       c.methods,
		Logger:           logger,
	})
	c.chain = pipeline.NewRetryHandler(pipeline.NewErrorHandler(c.transport), opts.RetryPolicy, logger)
	if opts.RetryTimeout > 0 {
		c.chain.SetRetryTimeout(opts.RetryTimeout)
	}
	return c, nil
}

type chainAdapter struct{ c *Client }

func (a chainAdapter) SendMethodResponse(ctx context.Context, resp *method.Response) error {
	return a.c.chain.SendMethodResponse(ctx, resp)
}

func (a chainAdapter) EnableMethods(ctx context.Context) error {
	return a.c.chain.EnableMethods(ctx)
}

func (a chainAdapter) DisableMethods(ctx context.Context) error {
	return a.c.chain.DisableMethods(ctx)
}

// Identity returns the client's identity.
func (c *Client) Identity() pool.Identity { return c.identity }

// SetRetryPolicy replaces the retry policy. Calls already running keep the
// policy they started with; nil disables retries.
func (c *Client) SetRetryPolicy(p retry.Policy) { c.chain.SetRetryPolicy(p) }

// SetStatusCallback registers the connection status observer. A later call
// replaces the earlier one.
func (c *Client) SetStatusCallback(cb pipeline.StatusCallback) { c.chain.SetStatusCallback(cb) }

// Status returns the last reported connection status.
func (c *Client) Status() (pipeline.Status, pipeline.Reason) { return c.chain.Status() }

// Open connects the identity. Downlinks enabled before a Close are enabled
// again.
func (c *Client) Open(ctx context.Context) error {
	if err := c.chain.Open(ctx); err != nil {
		return fmt.Errorf("open %s: %w", c.identity.Key(), err)
	}
	return nil
}

// Close disconnects the identity. The client can be opened again.
func (c *Client) Close(ctx context.Context) error {
	return c.chain.Close(ctx)
}

// Dispose closes the client for good.
func (c *Client) Dispose(ctx context.Context) error {
	return c.chain.Destroy(ctx)
}

// SendEvent sends one telemetry message and waits for its acknowledgement.
func (c *Client) SendEvent(ctx context.Context, msg *message.Message) error {
	return c.chain.SendEvent(ctx, msg)
}

// SendEvents sends a batch of telemetry messages.
func (c *Client) SendEvents(ctx context.Context, msgs []*message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return c.chain.SendEvents(ctx, msgs)
}

// SendEventValue serializes v with the client's serializer and sends it.
func (c *Client) SendEventValue(ctx context.Context, v any) error {
	msg, err := message.Encode(v, c.serializer)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return c.SendEvent(ctx, msg)
}

// SetMessageCallback registers the message callback and enables the message
// downlink; nil disables it. The client must be open.
func (c *Client) SetMessageCallback(ctx context.Context, cb MessageCallback) error {
	if err := c.messageLock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.messageLock.Release(1)

	if cb == nil {
		if err := c.chain.DisableReceiveMessage(ctx); err != nil {
			return err
		}
		c.transport.SetMessageHandler(nil)
		return nil
	}
	c.transport.SetMessageHandler(cb)
	return c.chain.EnableReceiveMessage(ctx)
}

// CompleteMessage accepts a received message.
func (c *Client) CompleteMessage(ctx context.Context, lockToken string) error {
	return c.chain.CompleteMessage(ctx, lockToken)
}

// AbandonMessage releases a received message for redelivery.
func (c *Client) AbandonMessage(ctx context.Context, lockToken string) error {
	return c.chain.AbandonMessage(ctx, lockToken)
}

// RejectMessage dead-letters a received message.
func (c *Client) RejectMessage(ctx context.Context, lockToken string) error {
	return c.chain.RejectMessage(ctx, lockToken)
}

// SetMethodCallback registers the method callback and enables the method
// downlink; nil disables it. The client must be open.
func (c *Client) SetMethodCallback(ctx context.Context, cb MethodCallback) error {
	if err := c.methodLock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.methodLock.Release(1)

	c.methods.SetCallback(cb)
	if cb == nil {
		return c.methods.Disable(ctx)
	}
	return c.methods.Enable(ctx)
}

// SetDesiredPropertyCallback registers the desired-property callback and
// subscribes to updates; nil unsubscribes. The client must be open.
func (c *Client) SetDesiredPropertyCallback(ctx context.Context, cb DesiredPropertyCallback) error {
	if err := c.twinLock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.twinLock.Release(1)

	if cb == nil {
		if err := c.chain.DisableTwinPatch(ctx); err != nil {
			return err
		}
		c.transport.SetDesiredPropertyHandler(nil)
		return nil
	}
	c.transport.SetDesiredPropertyHandler(cb)
	return c.chain.EnableTwinPatch(ctx)
}

// GetTwin returns the full twin document.
func (c *Client) GetTwin(ctx context.Context) ([]byte, error) {
	return c.chain.GetTwin(ctx)
}

// GetTwinInto decodes the twin document into v.
func (c *Client) GetTwinInto(ctx context.Context, v any) error {
	doc, err := c.GetTwin(ctx)
	if err != nil {
		return err
	}
	if err := c.serializer.Unmarshal(doc, v); err != nil {
		return fmt.Errorf("decode twin: %w", err)
	}
	return nil
}

// UpdateReportedProperties serializes reported and patches the twin's
// reported properties. It returns the new twin version, or twin.NoVersion
// when the service did not report one.
func (c *Client) UpdateReportedProperties(ctx context.Context, reported any) (int64, error) {
	body, err := c.serializer.Marshal(reported)
	if err != nil {
		return twin.NoVersion, fmt.Errorf("encode reported properties: %w", err)
	}
	return c.chain.UpdateReportedProperties(ctx, body)
}
