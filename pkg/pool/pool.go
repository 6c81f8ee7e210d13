// Package pool shares a bounded number of physical connections among many
// logical device sessions.
//
// Every identity is assigned deterministically to one of Size slots by an
// FNV-1a hash of its key. A slot holds at most one physical connection, which
// is dialed on first use and closed exactly once when the last session on it
// is released. When a connection drops, every session multiplexed on it is
// notified independently; the pool itself never reconnects. A session that
// wants to continue calls Reopen, which dials a fresh connection for the slot
// if none exists yet.
package pool

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hublink-io/hublink-go/pkg/correlation"
	"github.com/hublink-io/hublink-go/pkg/fault"
	"github.com/hublink-io/hublink-go/pkg/log"
	"github.com/hublink-io/hublink-go/pkg/transport"
	"github.com/hublink-io/hublink-go/pkg/wire"
)

// Pool defaults.
const (
	DefaultSize        = 100
	DefaultOpenTimeout = 60 * time.Second
)

// Pool errors.
var (
	ErrPoolClosed    = errors.New("pool closed")
	ErrSessionClosed = errors.New("session closed")
	ErrNotConnected  = errors.New("session not connected")
	ErrEmptyIdentity = errors.New("identity has no device id")
)

// Identity is the immutable connection identity of one logical session.
type Identity struct {
	DeviceID    string
	ModuleID    string
	Credential  string
	ProductInfo string
}

// Key returns the session key: the device id, or device/module.
func (id Identity) Key() string {
	if id.ModuleID == "" {
		return id.DeviceID
	}
	return id.DeviceID + "/" + id.ModuleID
}

// Options configures a Pool.
type Options struct {
	// Endpoint is the broker address handed to the dialer.
	Endpoint string

	// Size is the maximum number of physical connections (default DefaultSize).
	Size int

	// OpenTimeout bounds waiting for open/attach/detach acknowledgements.
	OpenTimeout time.Duration

	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

// Pool multiplexes sessions over physical connections.
type Pool struct {
	dialer transport.Dialer
	opts   Options
	logger *slog.Logger
	plog   log.Logger

	dials singleflight.Group

	mu     sync.Mutex
	slots  []*slot
	closed bool

	dialCount  atomic.Uint64
	closeCount atomic.Uint64
}

// New creates a pool. No connection is dialed until the first Acquire.
func New(dialer transport.Dialer, opts Options) *Pool {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pool{
		dialer: dialer,
		opts:   opts,
		logger: logger,
		plog:   log.OrNoop(opts.ProtocolLogger),
		slots:  make([]*slot, opts.Size),
	}
}

// Size returns the number of slots.
func (p *Pool) Size() int { return p.opts.Size }

// SlotIndex returns the slot an identity key is assigned to.
func (p *Pool) SlotIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(p.opts.Size))
}

func (p *Pool) slotFor(key string) (*slot, error) {
	idx := p.SlotIndex(key)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	s := p.slots[idx]
	if s == nil {
		s = &slot{
			pool:     p,
			index:    idx,
			sessions: make(map[string]*Session),
			acks:     correlation.NewRegistry[*wire.Frame](),
		}
		p.slots[idx] = s
	}
	return s, nil
}

// Acquire returns the open session for identity, opening it when needed.
// While the session stays acquired, repeated calls return the same handle.
func (p *Pool) Acquire(ctx context.Context, id Identity) (*Session, error) {
	if id.DeviceID == "" {
		return nil, ErrEmptyIdentity
	}
	key := id.Key()

	for {
		s, err := p.slotFor(key)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if sess, ok := s.sessions[key]; ok {
			s.mu.Unlock()
			select {
			case <-sess.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if sess.openErr != nil {
				return nil, sess.openErr
			}
			if sess.isReleased() {
				continue
			}
			return sess, nil
		}

		sess := newSession(s, id)
		s.sessions[key] = sess
		s.mu.Unlock()

		err = sess.reopen(ctx)
		if err == nil && sess.isReleased() {
			err = ErrSessionClosed
		}
		sess.openErr = err
		close(sess.ready)
		if err != nil {
			s.forget(sess)
			return nil, err
		}
		p.logger.Info("session opened", "identity", key, "slot", s.index)
		return sess, nil
	}
}

// Release closes the identity's session and its links. The slot's physical
// connection is closed when this was its last session. Releasing an identity
// with no session is a no-op.
func (p *Pool) Release(id Identity) error {
	key := id.Key()
	idx := p.SlotIndex(key)

	p.mu.Lock()
	s := p.slots[idx]
	p.mu.Unlock()
	if s == nil {
		return nil
	}

	s.mu.Lock()
	sess, ok := s.sessions[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.sessions, key)
	conn := s.takeConnIfIdle()
	s.mu.Unlock()

	sess.release()
	p.logger.Info("session released", "identity", key, "slot", s.index)

	if conn != nil {
		p.closeConn(s, conn)
	}
	return nil
}

// Close releases every session and closes every connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	slots := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		if s != nil {
			slots = append(slots, s)
		}
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, s := range slots {
		g.Go(func() error {
			s.mu.Lock()
			sessions := s.sessions
			s.sessions = make(map[string]*Session)
			conn := s.conn
			s.conn = nil
			s.link = nil
			s.mu.Unlock()

			for _, sess := range sessions {
				sess.release()
			}
			s.acks.Close()
			if conn != nil {
				p.closeConn(s, conn)
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) closeConn(s *slot, conn transport.Conn) {
	p.closeCount.Add(1)
	p.logger.Info("closing connection", "slot", s.index, "conn", conn.ID())
	if err := conn.Close(); err != nil {
		p.logger.Debug("close connection", "slot", s.index, "error", err)
	}
}

// SlotStats describes one used slot.
type SlotStats struct {
	Index     int
	Connected bool
	Sessions  int
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size        int
	Connections int
	Sessions    int
	Dials       uint64
	Closes      uint64
	Slots       []SlotStats
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	slots := make([]*slot, 0)
	for _, s := range p.slots {
		if s != nil {
			slots = append(slots, s)
		}
	}
	p.mu.Unlock()

	st := Stats{
		Size:   p.opts.Size,
		Dials:  p.dialCount.Load(),
		Closes: p.closeCount.Load(),
	}
	for _, s := range slots {
		s.mu.Lock()
		ss := SlotStats{Index: s.index, Connected: s.conn != nil, Sessions: len(s.sessions)}
		s.mu.Unlock()
		if ss.Connected {
			st.Connections++
		}
		st.Sessions += ss.Sessions
		st.Slots = append(st.Slots, ss)
	}
	return st
}

// slot owns one physical connection and the sessions assigned to it.
type slot struct {
	pool  *Pool
	index int

	mu       sync.Mutex
	conn     transport.Conn
	link     *connLink
	sessions map[string]*Session

	// acks correlates open/attach/detach/close acknowledgements.
	acks *correlation.Registry[*wire.Frame]
}

// takeConnIfIdle detaches and returns the connection when no session is
// left. Caller holds s.mu. Only one caller can observe a non-nil result, so
// the physical close happens exactly once.
func (s *slot) takeConnIfIdle() transport.Conn {
	if len(s.sessions) > 0 || s.conn == nil {
		return nil
	}
	conn := s.conn
	s.conn = nil
	s.link = nil
	return conn
}

// forget drops a session that failed to open.
func (s *slot) forget(sess *Session) {
	s.mu.Lock()
	if cur, ok := s.sessions[sess.key]; ok && cur == sess {
		delete(s.sessions, sess.key)
	}
	conn := s.takeConnIfIdle()
	s.mu.Unlock()
	if conn != nil {
		s.pool.closeConn(s, conn)
	}
}

// connect returns the slot's connection, dialing one if needed. Concurrent
// callers share a single dial. The dial is bounded by OpenTimeout and not by
// any one caller's ctx; each caller stops waiting when its own ctx is done.
func (s *slot) connect(ctx context.Context) (transport.Conn, error) {
	s.mu.Lock()
	if s.conn != nil {
		conn := s.conn
		s.mu.Unlock()
		return conn, nil
	}
	s.mu.Unlock()

	ch := s.pool.dials.DoChan(strconv.Itoa(s.index), func() (any, error) {
		s.mu.Lock()
		if s.conn != nil {
			conn := s.conn
			s.mu.Unlock()
			return conn, nil
		}
		s.mu.Unlock()

		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.pool.opts.OpenTimeout)
		defer cancel()

		link := &connLink{slot: s}
		s.pool.dialCount.Add(1)
		conn, err := s.pool.dialer.Dial(dctx, s.pool.opts.Endpoint, link)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if len(s.sessions) == 0 {
			// Every waiter was released or the pool closed while dialing.
			s.mu.Unlock()
			s.pool.closeConn(s, conn)
			return nil, ErrSessionClosed
		}
		s.conn = conn
		s.link = link
		s.mu.Unlock()
		s.pool.logger.Info("connection established", "slot", s.index, "conn", conn.ID(), "endpoint", s.pool.opts.Endpoint)

		// A drop reported before the slot knew the connection was ignored.
		select {
		case <-conn.Done():
			s.connectionLost(link, conn.Err())
			return nil, fault.Wrap(fault.KindNetwork, transport.ErrConnectionClosed)
		default:
		}
		return conn, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("connect slot %d: %w", s.index, res.Err)
		}
		return res.Val.(transport.Conn), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("connect slot %d: %w", s.index, ctx.Err())
	}
}

// request sends a control frame on conn and waits for its acknowledgement.
func (s *slot) request(ctx context.Context, conn transport.Conn, f *wire.Frame) (*wire.Frame, error) {
	f.CorrelationID = correlation.NewID(f.Kind.String() + "-")
	pending, err := s.acks.Register(f.CorrelationID, s.pool.opts.OpenTimeout)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(f); err != nil {
		s.acks.Fail(f.CorrelationID, err)
		return nil, err
	}
	ack, err := s.acks.Wait(ctx, pending)
	if err != nil {
		return nil, err
	}
	if err := fault.FromStatus(ack.Status, ack.Property(wire.PropErrorMessage)); err != nil {
		if fe, ok := err.(*fault.Error); ok {
			fe.TrackingID = ack.Property(wire.PropTrackingID)
		}
		return ack, err
	}
	return ack, nil
}

// connectionLost handles the drop of conn. Sessions opened on it are
// notified, each on its own goroutine.
func (s *slot) connectionLost(link *connLink, cause error) {
	s.mu.Lock()
	if s.link != link {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.link = nil
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if cause == nil {
		cause = transport.ErrConnectionClosed
	}
	s.pool.logger.Warn("connection lost", "slot", s.index, "sessions", len(sessions), "error", cause)
	s.acks.FailAll(fault.Wrap(fault.KindNetwork, cause))

	for _, sess := range sessions {
		sess.connectionLost(conn, cause)
	}
}

func (s *slot) route(f *wire.Frame) {
	// Control acknowledgements belong to the slot; any other acknowledgement
	// (telemetry delivery, for one) goes to its session.
	if f.Kind == wire.KindAck && s.acks.Resolve(f.CorrelationID, f) {
		return
	}

	s.mu.Lock()
	sess := s.sessions[f.Identity]
	s.mu.Unlock()
	if sess == nil {
		s.pool.logger.Debug("frame for unknown session", "slot", s.index, "identity", f.Identity, "kind", f.Kind)
		return
	}
	sess.deliver(f)
}

// connLink is the transport.Handler of one physical connection.
type connLink struct {
	slot *slot
}

// OnFrame implements transport.Handler.
func (l *connLink) OnFrame(f *wire.Frame) { l.slot.route(f) }

// OnClose implements transport.Handler.
func (l *connLink) OnClose(err error) { l.slot.connectionLost(l, err) }
