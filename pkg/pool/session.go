package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hublink-io/hublink-go/pkg/fault"
	"github.com/hublink-io/hublink-go/pkg/log"
	"github.com/hublink-io/hublink-go/pkg/transport"
	"github.com/hublink-io/hublink-go/pkg/wire"
)

// Session is one identity's view of a pooled connection. Its links are
// private to it even though the physical connection is shared.
type Session struct {
	slot *slot
	id   Identity
	key  string

	// ready is closed once the first open attempt finished; openErr is its
	// result.
	ready   chan struct{}
	openErr error

	reopenMu sync.Mutex

	mu           sync.Mutex
	conn         transport.Conn
	links        map[wire.LinkKind]bool
	released     bool
	onFrame      func(*wire.Frame)
	onDisconnect func(error)
}

func newSession(s *slot, id Identity) *Session {
	return &Session{
		slot:  s,
		id:    id,
		key:   id.Key(),
		ready: make(chan struct{}),
		links: make(map[wire.LinkKind]bool),
	}
}

// Identity returns the session identity.
func (s *Session) Identity() Identity { return s.id }

// Key returns the session key stamped on outgoing frames.
func (s *Session) Key() string { return s.key }

// Slot returns the pool slot index the session lives on.
func (s *Session) Slot() int { return s.slot.index }

// Connected reports whether the session is open on a live connection.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.released
}

func (s *Session) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// SetFrameHandler sets the callback for inbound frames addressed to this
// session. It runs on the connection's read loop and must not block.
// A later call replaces the earlier callback.
func (s *Session) SetFrameHandler(fn func(*wire.Frame)) {
	s.mu.Lock()
	s.onFrame = fn
	s.mu.Unlock()
}

// SetDisconnectHandler sets the callback invoked when the session's
// connection drops. A later call replaces the earlier callback.
func (s *Session) SetDisconnectHandler(fn func(error)) {
	s.mu.Lock()
	s.onDisconnect = fn
	s.mu.Unlock()
}

func (s *Session) current() (transport.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrSessionClosed
	}
	if s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

// Send stamps the session identity on f and writes it to the connection.
func (s *Session) Send(f *wire.Frame) error {
	conn, err := s.current()
	if err != nil {
		return err
	}
	f.Identity = s.key
	return conn.Send(f)
}

// Attach opens a link. Attaching an attached link is a no-op.
func (s *Session) Attach(ctx context.Context, link wire.LinkKind) error {
	conn, err := s.current()
	if err != nil {
		return err
	}
	s.mu.Lock()
	attached := s.links[link]
	s.mu.Unlock()
	if attached {
		return nil
	}

	if _, err := s.slot.request(ctx, conn, &wire.Frame{Kind: wire.KindAttach, Identity: s.key, Link: link}); err != nil {
		return err
	}

	s.mu.Lock()
	if s.conn == conn {
		s.links[link] = true
	}
	s.mu.Unlock()
	s.logLink(link, "ATTACHED")
	return nil
}

// Detach closes a link. Detaching a link that is not attached is a no-op.
func (s *Session) Detach(ctx context.Context, link wire.LinkKind) error {
	s.mu.Lock()
	attached := s.links[link]
	delete(s.links, link)
	conn := s.conn
	s.mu.Unlock()
	if !attached || conn == nil {
		return nil
	}

	if _, err := s.slot.request(ctx, conn, &wire.Frame{Kind: wire.KindDetach, Identity: s.key, Link: link}); err != nil {
		return err
	}
	s.logLink(link, "DETACHED")
	return nil
}

// IsAttached reports whether link is attached on the current connection.
func (s *Session) IsAttached(link wire.LinkKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[link]
}

// Links returns the attached links in ascending order.
func (s *Session) Links() []wire.LinkKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.LinkKind, 0, len(s.links))
	for l, ok := range s.links {
		if ok {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reopen reopens the session after its connection dropped, dialing a new
// connection for the slot when no other session has done so already. Links
// are not restored; callers re-attach what they need. Reopening a connected
// session is a no-op.
func (s *Session) Reopen(ctx context.Context) error {
	return s.reopen(ctx)
}

func (s *Session) reopen(ctx context.Context) error {
	s.reopenMu.Lock()
	defer s.reopenMu.Unlock()

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, err := s.slot.connect(ctx)
	if err != nil {
		return err
	}

	open := &wire.Frame{Kind: wire.KindOpen, Identity: s.key}
	if s.id.Credential != "" {
		open.SetProperty(wire.PropCredential, s.id.Credential)
	}
	if s.id.ProductInfo != "" {
		open.SetProperty(wire.PropProductInfo, s.id.ProductInfo)
	}
	if _, err := s.slot.request(ctx, conn, open); err != nil {
		return err
	}

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.conn = conn
	s.links = make(map[wire.LinkKind]bool)
	s.mu.Unlock()

	// The connection may have dropped before the session was bound to it,
	// in which case the drop notification skipped this session.
	select {
	case <-conn.Done():
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		return fault.Wrap(fault.KindNetwork, transport.ErrConnectionClosed)
	default:
	}

	s.logState("", "OPEN", "")
	return nil
}

// release marks the session closed and sends a best-effort close frame.
func (s *Session) release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	conn := s.conn
	s.conn = nil
	s.links = make(map[wire.LinkKind]bool)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Send(&wire.Frame{Kind: wire.KindClose, Identity: s.key})
	}
	s.logState("OPEN", "CLOSED", "released")
}

func (s *Session) connectionLost(conn transport.Conn, cause error) {
	s.mu.Lock()
	if conn == nil || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.links = make(map[wire.LinkKind]bool)
	cb := s.onDisconnect
	s.mu.Unlock()

	s.logState("OPEN", "DISCONNECTED", cause.Error())
	if cb != nil {
		go cb(cause)
	}
}

func (s *Session) deliver(f *wire.Frame) {
	s.mu.Lock()
	cb := s.onFrame
	s.mu.Unlock()
	if cb != nil {
		cb(f)
	}
}

func (s *Session) logState(oldState, newState, reason string) {
	s.slot.pool.plog.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerSession,
		Category:  log.CategoryState,
		Identity:  s.key,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

func (s *Session) logLink(link wire.LinkKind, state string) {
	s.slot.pool.plog.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerSession,
		Category:  log.CategoryState,
		Identity:  s.key,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityLink,
			NewState: state,
			Reason:   link.String(),
		},
	})
}
