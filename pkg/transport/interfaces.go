package transport

import (
	"context"

	"github.com/hublink-io/hublink-go/pkg/wire"
)

// Conn is one physical connection to the broker carrying link frames for
// any number of logical sessions.
type Conn interface {
	// ID returns the connection id used in log events.
	ID() string

	// Send encodes and writes one frame. Safe for concurrent use.
	Send(f *wire.Frame) error

	// Close closes the connection. Safe to call more than once.
	Close() error

	// Done is closed once the connection is closed for any reason.
	Done() <-chan struct{}

	// Err returns the reason the connection closed, nil while open or after
	// a local Close.
	Err() error
}

// Handler receives inbound traffic of a connection. OnFrame is called from
// the connection's read loop, one frame at a time. OnClose is called
// exactly once, after the last OnFrame.
type Handler interface {
	OnFrame(f *wire.Frame)
	OnClose(err error)
}

// Dialer opens physical connections.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, h Handler) (Conn, error)
}

// HandlerFuncs adapts a pair of functions to the Handler interface. Nil
// fields are ignored.
type HandlerFuncs struct {
	Frame func(f *wire.Frame)
	Close func(err error)
}

// OnFrame implements Handler.
func (h HandlerFuncs) OnFrame(f *wire.Frame) {
	if h.Frame != nil {
		h.Frame(f)
	}
}

// OnClose implements Handler.
func (h HandlerFuncs) OnClose(err error) {
	if h.Close != nil {
		h.Close(err)
	}
}

// Compile-time interface satisfaction checks.
var (
	_ Conn    = (*Connection)(nil)
	_ Dialer  = (*NetDialer)(nil)
	_ Handler = HandlerFuncs{}
)
