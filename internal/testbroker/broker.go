// Package testbroker is an in-process broker for end-to-end tests.
//
// It implements transport.Dialer: every Dial creates a net.Pipe with a real
// transport.Connection on both ends. The broker side acknowledges session
// and link control frames, answers twin requests from an in-memory document,
// records telemetry and dispositions, and plays back scripted provisioning
// replies. Tests inject cloud-side traffic (messages, desired-property
// pushes, method invocations) and connection drops.
package testbroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hublink-io/hublink-go/pkg/correlation"
	"github.com/hublink-io/hublink-go/pkg/transport"
	"github.com/hublink-io/hublink-go/pkg/wire"
)

// ErrUnknownSession is returned when injecting traffic for an identity
// with no open session.
var ErrUnknownSession = errors.New("no open session for identity")

// Reply is one scripted provisioning reply.
type Reply struct {
	Status     int
	Body       string
	RetryAfter string
	TrackingID string
}

// session is the broker's view of one device session.
type session struct {
	conn       *transport.Connection
	links      map[wire.LinkKind]bool
	subscribed bool
}

// Broker is an in-process broker.
type Broker struct {
	logger *slog.Logger

	mu           sync.Mutex
	conns        []*transport.Connection
	sessions     map[string]*session
	rejectOpen   map[string]int
	refuse       int
	ackStatus    int
	twinDoc      []byte
	twinVersion  int64
	reported     [][]byte
	telemetry    []*wire.Frame
	dispositions []*wire.Frame
	script       []Reply
	registry     []*wire.Frame

	methods *correlation.Registry[*wire.Frame]
	dials   atomic.Int32
}

// New creates a broker with an empty twin document.
func New() *Broker {
	return &Broker{
		logger:     slog.New(slog.DiscardHandler),
		sessions:   make(map[string]*session),
		rejectOpen: make(map[string]int),
		ackStatus:  200,
		twinDoc:    []byte(`{"desired":{},"reported":{}}`),
		methods:    correlation.NewRegistry[*wire.Frame](),
	}
}

// SetLogger sets the broker's operational logger.
func (b *Broker) SetLogger(l *slog.Logger) {
	b.mu.Lock()
	b.logger = l
	b.mu.Unlock()
}

// Dial implements transport.Dialer.
func (b *Broker) Dial(ctx context.Context, endpoint string, h transport.Handler) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.dials.Add(1)

	b.mu.Lock()
	if b.refuse > 0 {
		b.refuse--
		b.mu.Unlock()
		return nil, &net.OpError{Op: "dial", Net: "pipe", Err: syscall.ECONNREFUSED}
	}
	b.mu.Unlock()

	client, server := net.Pipe()
	cfg := transport.Config{KeepAlive: transport.KeepAliveConfig{Disabled: true}}

	cc := transport.NewConnection(client, cfg, h)
	b.accept(server, cfg)
	cc.Start()
	return cc, nil
}

// Serve accepts connections from l until it is closed. Peers dial it with a
// transport.NetDialer.
func (b *Broker) Serve(l net.Listener) error {
	for {
		nc, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		b.accept(nc, transport.Config{})
	}
}

func (b *Broker) accept(nc net.Conn, cfg transport.Config) {
	var sc *transport.Connection
	sc = transport.NewConnection(nc, cfg, transport.HandlerFuncs{
		Frame: func(f *wire.Frame) { b.handle(sc, f) },
		Close: func(error) { b.forget(sc) },
	})

	b.mu.Lock()
	b.conns = append(b.conns, sc)
	b.mu.Unlock()
	sc.Start()
}

// Dials returns how many times Dial was called.
func (b *Broker) Dials() int { return int(b.dials.Load()) }

// RefuseDials makes the next n dials fail.
func (b *Broker) RefuseDials(n int) {
	b.mu.Lock()
	b.refuse = n
	b.mu.Unlock()
}

// RejectOpen answers session opens of identity with status. A status of 0
// accepts them again.
func (b *Broker) RejectOpen(identity string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if status == 0 {
		delete(b.rejectOpen, identity)
		return
	}
	b.rejectOpen[identity] = status
}

// SetTelemetryStatus sets the status acknowledging telemetry.
func (b *Broker) SetTelemetryStatus(status int) {
	b.mu.Lock()
	b.ackStatus = status
	b.mu.Unlock()
}

// SetTwin replaces the twin document.
func (b *Broker) SetTwin(doc []byte, version int64) {
	b.mu.Lock()
	b.twinDoc = doc
	b.twinVersion = version
	b.mu.Unlock()
}

// Reported returns the reported-property patches received so far.
func (b *Broker) Reported() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.reported...)
}

// Telemetry returns the telemetry frames received so far.
func (b *Broker) Telemetry() []*wire.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*wire.Frame(nil), b.telemetry...)
}

// Dispositions returns the settlement frames received so far.
func (b *Broker) Dispositions() []*wire.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*wire.Frame(nil), b.dispositions...)
}

// RegistrationRequests returns the provisioning frames received so far.
func (b *Broker) RegistrationRequests() []*wire.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*wire.Frame(nil), b.registry...)
}

// ScriptRegistration queues provisioning replies, answered in order.
func (b *Broker) ScriptRegistration(replies ...Reply) {
	b.mu.Lock()
	b.script = append(b.script, replies...)
	b.mu.Unlock()
}

// Sessions returns the identities with an open session, sorted.
func (b *Broker) Sessions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Links returns the links identity has attached.
func (b *Broker) Links(identity string) []wire.LinkKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[identity]
	if !ok {
		return nil
	}
	out := make([]wire.LinkKind, 0, len(s.links))
	for l := range s.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Attached reports whether identity has link attached.
func (b *Broker) Attached(identity string, link wire.LinkKind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[identity]
	return ok && s.links[link]
}

// Subscribed reports whether identity subscribed to desired-property pushes.
func (b *Broker) Subscribed(identity string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[identity]
	return ok && s.subscribed
}

// Connections returns the number of live broker-side connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// SendMessage delivers a cloud-to-device message to identity.
func (b *Broker) SendMessage(identity, lockToken string, body []byte, props map[string]string) error {
	conn, err := b.connFor(identity)
	if err != nil {
		return err
	}
	f := &wire.Frame{Kind: wire.KindC2D, Identity: identity, Link: wire.LinkC2D, LockToken: lockToken, Body: body}
	for k, v := range props {
		f.SetProperty(k, v)
	}
	return conn.Send(f)
}

// PushDesired sends a desired-property update to identity.
func (b *Broker) PushDesired(identity string, body []byte, version int64) error {
	conn, err := b.connFor(identity)
	if err != nil {
		return err
	}
	return conn.Send(&wire.Frame{
		Kind:     wire.KindTwinResponse,
		Identity: identity,
		Link:     wire.LinkTwin,
		Body:     body,
		Version:  wire.Int64(version),
	})
}

// Invoke calls a direct method on identity and waits for its response.
func (b *Broker) Invoke(ctx context.Context, identity, name string, payload []byte) (*wire.Frame, error) {
	conn, err := b.connFor(identity)
	if err != nil {
		return nil, err
	}
	id := correlation.NewID("M-")
	pending, err := b.methods.Register(id, 30*time.Second)
	if err != nil {
		return nil, err
	}
	err = conn.Send(&wire.Frame{
		Kind:          wire.KindMethodRequest,
		Identity:      identity,
		CorrelationID: id,
		Link:          wire.LinkMethods,
		Method:        name,
		Body:          payload,
	})
	if err != nil {
		b.methods.Fail(id, err)
		return nil, err
	}
	return b.methods.Wait(ctx, pending)
}

// Drop closes every broker-side connection, as a network failure would.
func (b *Broker) Drop() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.sessions = make(map[string]*session)
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Close drops every connection.
func (b *Broker) Close() {
	b.Drop()
	b.methods.Close()
}

func (b *Broker) connFor(identity string) (*transport.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[identity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, identity)
	}
	return s.conn, nil
}

func (b *Broker) forget(conn *transport.Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.conns {
		if c == conn {
			b.conns = append(b.conns[:i], b.conns[i+1:]...)
			break
		}
	}
	for id, s := range b.sessions {
		if s.conn == conn {
			delete(b.sessions, id)
		}
	}
}

// handle runs on the broker connection's read loop.
func (b *Broker) handle(conn *transport.Connection, f *wire.Frame) {
	switch f.Kind {
	case wire.KindOpen:
		b.mu.Lock()
		status, rejected := b.rejectOpen[f.Identity]
		if !rejected {
			status = 200
			b.sessions[f.Identity] = &session{conn: conn, links: make(map[wire.LinkKind]bool)}
		}
		b.mu.Unlock()
		b.ack(conn, f, status)

	case wire.KindClose:
		b.mu.Lock()
		delete(b.sessions, f.Identity)
		b.mu.Unlock()

	case wire.KindAttach, wire.KindDetach:
		b.mu.Lock()
		s, ok := b.sessions[f.Identity]
		if ok {
			if f.Kind == wire.KindAttach {
				s.links[f.Link] = true
			} else {
				delete(s.links, f.Link)
			}
		}
		b.mu.Unlock()
		status := 200
		if !ok {
			status = 404
		}
		b.ack(conn, f, status)

	case wire.KindTelemetry:
		b.mu.Lock()
		b.telemetry = append(b.telemetry, f)
		status := b.ackStatus
		b.mu.Unlock()
		b.ack(conn, f, status)

	case wire.KindDisposition:
		b.mu.Lock()
		b.dispositions = append(b.dispositions, f)
		b.mu.Unlock()

	case wire.KindTwinRequest:
		b.twin(conn, f)

	case wire.KindMethodResponse:
		b.methods.Resolve(f.CorrelationID, f)

	case wire.KindRegister, wire.KindRegistrationStatus:
		b.register(conn, f)

	default:
		b.logger.Debug("test broker ignoring frame", "kind", f.Kind)
	}
}

func (b *Broker) ack(conn *transport.Connection, f *wire.Frame, status int) {
	reply := &wire.Frame{Kind: wire.KindAck, Identity: f.Identity, CorrelationID: f.CorrelationID, Link: f.Link, Status: status}
	if status >= 300 {
		reply.SetProperty(wire.PropTrackingID, "tb-"+f.CorrelationID)
	}
	_ = conn.Send(reply)
}

func (b *Broker) twin(conn *transport.Connection, f *wire.Frame) {
	reply := &wire.Frame{Kind: wire.KindTwinResponse, Identity: f.Identity, CorrelationID: f.CorrelationID, Link: wire.LinkTwin}

	b.mu.Lock()
	s := b.sessions[f.Identity]
	switch f.Method {
	case "GET":
		reply.Status = 200
		reply.Body = b.twinDoc
		reply.Version = wire.Int64(b.twinVersion)
	case "PATCH":
		b.twinVersion++
		b.reported = append(b.reported, f.Body)
		reply.Status = 204
		reply.Version = wire.Int64(b.twinVersion)
	case "PUT", "DELETE":
		if s != nil {
			s.subscribed = f.Method == "PUT"
		}
		reply.Status = 200
	default:
		reply.Status = 400
	}
	b.mu.Unlock()

	_ = conn.Send(reply)
}

func (b *Broker) register(conn *transport.Connection, f *wire.Frame) {
	b.mu.Lock()
	b.registry = append(b.registry, f)
	var r Reply
	if len(b.script) > 0 {
		r = b.script[0]
		b.script = b.script[1:]
	} else {
		r = Reply{Status: 503, Body: `{"errorCode":503000,"message":"no scripted reply"}`}
	}
	b.mu.Unlock()

	reply := &wire.Frame{
		Kind:          wire.KindRegistrationResponse,
		Identity:      f.Identity,
		CorrelationID: f.CorrelationID,
		Link:          wire.LinkProvisioning,
		Status:        r.Status,
		Body:          []byte(r.Body),
	}
	if r.RetryAfter != "" {
		reply.SetProperty(wire.PropRetryAfter, r.RetryAfter)
	}
	if r.TrackingID != "" {
		reply.SetProperty(wire.PropTrackingID, r.TrackingID)
	}
	_ = conn.Send(reply)
}
