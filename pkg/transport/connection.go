package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hublink-io/hublink-go/pkg/log"
	"github.com/hublink-io/hublink-go/pkg/wire"
)

// Connection errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrPeerGoodbye      = errors.New("peer said goodbye")
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")
)

// Config configures a Connection.
type Config struct {
	// MaxMessageSize bounds encoded frames in both directions
	// (default DefaultMaxMessageSize).
	MaxMessageSize uint32

	KeepAlive KeepAliveConfig

	// WriteTimeout bounds a single Send (0 = no deadline).
	WriteTimeout time.Duration

	// Logger receives operational logs. Nil discards them.
	Logger *slog.Logger

	// ProtocolLogger receives frame-level protocol events. Nil disables.
	ProtocolLogger log.Logger
}

// Connection runs link framing over a net.Conn. It is symmetric: the
// device side and the in-process test broker both use it.
type Connection struct {
	id      string
	nc      net.Conn
	framer  *Framer
	handler Handler
	config  Config

	logger *slog.Logger
	plog   log.Logger

	keepAlive *KeepAlive
	ctx       context.Context
	cancel    context.CancelFunc

	started   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// NewConnection wraps nc. Call Start to begin reading.
func NewConnection(nc net.Conn, config Config, handler Handler) *Connection {
	id := uuid.NewString()
	framer := NewFramer(nc, config.MaxMessageSize)
	if config.ProtocolLogger != nil {
		framer.SetLogger(config.ProtocolLogger, id)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:      id,
		nc:      nc,
		framer:  framer,
		handler: handler,
		config:  config,
		logger:  logger.With("conn", id),
		plog:    log.OrNoop(config.ProtocolLogger),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// ID implements Conn.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Done implements Conn.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err implements Conn.
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Start launches the read loop and keep-alive. The handler's OnClose runs
// exactly once after Start, when the connection ends.
func (c *Connection) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.logState("", "OPEN", "")

	if !c.config.KeepAlive.Disabled {
		c.keepAlive = NewKeepAlive(c.config.KeepAlive,
			func(seq uint32) error {
				return c.Send(&wire.Frame{Kind: wire.KindPing, Sequence: seq})
			},
			func() {
				c.logger.Warn("keep-alive timeout, closing connection")
				c.shutdown(ErrKeepAliveTimeout)
			},
		)
		c.keepAlive.Start(c.ctx)
	}

	go c.readLoop()
}

// Send implements Conn.
func (c *Connection) Send(f *wire.Frame) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	if c.config.WriteTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := c.framer.WriteLinkFrame(f); err != nil {
		select {
		case <-c.done:
			return ErrConnectionClosed
		default:
		}
		return err
	}
	c.logFrame(f, log.DirectionOut)
	return nil
}

// Close sends a best-effort goodbye and closes the connection.
func (c *Connection) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	_ = c.Send(&wire.Frame{Kind: wire.KindGoodbye})
	c.shutdown(nil)
	return nil
}

// shutdown tears the connection down once, recording cause.
func (c *Connection) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()

		if c.keepAlive != nil {
			c.keepAlive.Stop()
		}
		c.cancel()
		_ = c.nc.Close()
		close(c.done)

		reason := ""
		if cause != nil {
			reason = cause.Error()
			c.logger.Info("connection closed", "reason", reason)
		}
		c.logState("OPEN", "CLOSED", reason)

		// Without a read loop nobody else reports the close.
		if !c.started.Load() && c.handler != nil {
			c.handler.OnClose(cause)
		}
	})
}

func (c *Connection) readLoop() {
	defer func() {
		if c.handler != nil {
			c.handler.OnClose(c.Err())
		}
	}()

	for {
		data, err := c.framer.ReadFrame()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.shutdown(fmt.Errorf("read: %w", err))
			}
			return
		}

		f, err := wire.DecodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			c.plog.Log(log.Event{
				Timestamp:    time.Now(),
				ConnectionID: c.id,
				Direction:    log.DirectionIn,
				Layer:        log.LayerWire,
				Category:     log.CategoryError,
				Error:        &log.ErrorEventData{Layer: log.LayerWire, Message: err.Error()},
			})
			continue
		}

		c.logFrame(f, log.DirectionIn)

		switch f.Kind {
		case wire.KindPing:
			_ = c.Send(&wire.Frame{Kind: wire.KindPong, Sequence: f.Sequence})
		case wire.KindPong:
			if c.keepAlive != nil {
				c.keepAlive.PongReceived(f.Sequence)
			}
		case wire.KindGoodbye:
			c.shutdown(ErrPeerGoodbye)
			return
		default:
			if c.handler != nil {
				c.handler.OnFrame(f)
			}
		}
	}
}

func (c *Connection) logFrame(f *wire.Frame, dir log.Direction) {
	ev := log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Direction:    dir,
		Layer:        log.LayerWire,
		Identity:     f.Identity,
	}
	switch f.Kind {
	case wire.KindPing:
		ev.Category = log.CategoryControl
		ev.ControlMsg = &log.ControlMsgEvent{Type: log.ControlMsgPing, Sequence: f.Sequence}
	case wire.KindPong:
		ev.Category = log.CategoryControl
		ev.ControlMsg = &log.ControlMsgEvent{Type: log.ControlMsgPong, Sequence: f.Sequence}
	case wire.KindGoodbye:
		ev.Category = log.CategoryControl
		ev.ControlMsg = &log.ControlMsgEvent{Type: log.ControlMsgGoodbye}
	default:
		ev.Category = log.CategoryMessage
		ev.Message = log.NewMessageEvent(f)
	}
	c.plog.Log(ev)
}

func (c *Connection) logState(oldState, newState, reason string) {
	c.plog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Layer:        log.LayerTransport,
		Category:     log.CategoryState,
		RemoteAddr:   addrString(c.nc.RemoteAddr()),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// NetDialer dials TCP, optionally wrapped in TLS.
type NetDialer struct {
	Config Config

	// TLSConfig enables TLS when set. ServerName defaults to the endpoint
	// host.
	TLSConfig *tls.Config

	// DialTimeout bounds TCP connect plus handshake (0 = context only).
	DialTimeout time.Duration
}

// Dial implements Dialer.
func (d *NetDialer) Dial(ctx context.Context, endpoint string, h Handler) (Conn, error) {
	if d.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.DialTimeout)
		defer cancel()
	}

	var nd net.Dialer
	nc, err := nd.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	if d.TLSConfig != nil {
		cfg := d.TLSConfig.Clone()
		if cfg.ServerName == "" {
			if host, _, err := net.SplitHostPort(endpoint); err == nil {
				cfg.ServerName = host
			}
		}
		tc := tls.Client(nc, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, fmt.Errorf("TLS handshake with %s: %w", endpoint, err)
		}
		nc = tc
	}

	c := NewConnection(nc, d.Config, h)
	c.Start()
	return c, nil
}
