// Package method routes direct-method invocations to the application and
// guarantees every invocation exactly one response.
package method

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hublink-io/hublink-go/pkg/wire"
)

// Reserved response statuses.
const (
	StatusOK                = 200
	StatusUserCodeException = 500
	StatusNotImplemented    = 501
)

// Request is one inbound invocation.
type Request struct {
	Name      string
	RequestID string
	Payload   []byte
}

// RequestFromFrame extracts the invocation carried by a method request frame.
func RequestFromFrame(f *wire.Frame) *Request {
	return &Request{Name: f.Method, RequestID: f.CorrelationID, Payload: f.Body}
}

// Result is what a callback returns.
type Result struct {
	Status  int
	Payload []byte
}

// Response is sent back for a request, tagged with its request id.
type Response struct {
	RequestID string
	Status    int
	Payload   []byte
}

// Frame encodes the response as a method response frame.
func (r *Response) Frame() *wire.Frame {
	return &wire.Frame{
		Kind:          wire.KindMethodResponse,
		CorrelationID: r.RequestID,
		Link:          wire.LinkMethods,
		Status:        r.Status,
		Body:          r.Payload,
	}
}

// Callback handles invocations. A nil Result means StatusOK with no payload.
type Callback func(ctx context.Context, req *Request) (*Result, error)

// ResponseSender delivers responses.
type ResponseSender interface {
	SendMethodResponse(ctx context.Context, resp *Response) error
}

// Link enables and disables the method downlink.
type Link interface {
	EnableMethods(ctx context.Context) error
	DisableMethods(ctx context.Context) error
}

// ResponseTimeout bounds sending one response. It is independent of the
// callback's deadline.
const ResponseTimeout = 30 * time.Second

// Dispatch errors.
var (
	// ErrPanic wraps a panic raised by a callback.
	ErrPanic = errors.New("method callback panicked")

	// ErrCallbackOverrun is reported when a callback is still running at its
	// deadline.
	ErrCallbackOverrun = errors.New("method callback overran its deadline")
)

// Dispatcher owns the method callback and the downlink state.
type Dispatcher struct {
	sender ResponseSender
	link   Link
	logger *slog.Logger

	mu       sync.Mutex
	callback Callback

	linkMu  sync.Mutex
	enabled bool
}

// NewDispatcher creates a dispatcher. link may be nil when the downlink is
// managed elsewhere.
func NewDispatcher(sender ResponseSender, link Link, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{sender: sender, link: link, logger: logger}
}

// SetCallback sets the callback. A later call replaces the earlier one; nil
// clears it.
func (d *Dispatcher) SetCallback(cb Callback) {
	d.mu.Lock()
	d.callback = cb
	d.mu.Unlock()
}

// HasCallback reports whether a callback is set.
func (d *Dispatcher) HasCallback() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.callback != nil
}

// Enabled reports whether the downlink is enabled.
func (d *Dispatcher) Enabled() bool {
	d.linkMu.Lock()
	defer d.linkMu.Unlock()
	return d.enabled
}

// Enable enables the method downlink. Enabling twice is a no-op.
func (d *Dispatcher) Enable(ctx context.Context) error {
	d.linkMu.Lock()
	defer d.linkMu.Unlock()
	if d.enabled {
		return nil
	}
	if d.link != nil {
		if err := d.link.EnableMethods(ctx); err != nil {
			return err
		}
	}
	d.enabled = true
	return nil
}

// Disable disables the method downlink once no callback remains. It is a
// no-op while disabled or while a callback is still registered.
func (d *Dispatcher) Disable(ctx context.Context) error {
	d.linkMu.Lock()
	defer d.linkMu.Unlock()
	if !d.enabled || d.HasCallback() {
		return nil
	}
	if d.link != nil {
		if err := d.link.DisableMethods(ctx); err != nil {
			return err
		}
	}
	d.enabled = false
	return nil
}

// Dispatch runs the callback for req and sends exactly one response.
// Without a callback the response is StatusNotImplemented; a callback error,
// panic or overrun of ctx yields StatusUserCodeException. A callback still
// running when ctx is done is answered without waiting for it. The response
// is sent under its own ResponseTimeout, detached from ctx. The returned error
// is the send error, if any.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) error {
	resp := d.respond(ctx, req)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ResponseTimeout)
	defer cancel()
	if err := d.sender.SendMethodResponse(sctx, resp); err != nil {
		d.logger.Warn("method response not sent", "method", req.Name, "request", req.RequestID, "error", err)
		return err
	}
	return nil
}

type outcome struct {
	result *Result
	err    error
}

func (d *Dispatcher) respond(ctx context.Context, req *Request) *Response {
	resp := &Response{RequestID: req.RequestID}

	d.mu.Lock()
	cb := d.callback
	d.mu.Unlock()

	if cb == nil {
		resp.Status = StatusNotImplemented
		return resp
	}

	done := make(chan outcome, 1)
	go func() {
		result, err := invoke(ctx, cb, req)
		done <- outcome{result: result, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = fmt.Errorf("%w: %w", ErrCallbackOverrun, ctx.Err())
	}

	if out.err != nil {
		d.logger.Warn("method callback failed", "method", req.Name, "request", req.RequestID, "error", out.err)
		resp.Status = StatusUserCodeException
		return resp
	}
	resp.Status = StatusOK
	if out.result != nil {
		if out.result.Status != 0 {
			resp.Status = out.result.Status
		}
		resp.Payload = out.result.Payload
	}
	return resp
}

func invoke(ctx context.Context, cb Callback, req *Request) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return cb(ctx, req)
}
