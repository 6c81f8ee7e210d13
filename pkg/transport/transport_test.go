package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hublink-io/hublink-go/pkg/wire"
)

func TestFrameWriterReader(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"small", []byte("hello")},
		{"medium", bytes.Repeat([]byte("x"), 1000)},
		{"max size", bytes.Repeat([]byte("y"), DefaultMaxMessageSize)},
		{"binary", []byte{0x00, 0xFF, 0x7F, 0x80}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			if err := NewFrameWriter(buf, 0).WriteFrame(tt.payload); err != nil {
				t.Fatalf("WriteFrame failed: %v", err)
			}
			if buf.Len() != LengthPrefixSize+len(tt.payload) {
				t.Errorf("frame size = %d, want %d", buf.Len(), LengthPrefixSize+len(tt.payload))
			}

			got, err := NewFrameReader(buf, 0).ReadFrame()
			if err != nil {
				t.Fatalf("ReadFrame failed: %v", err)
			}
			if !bytes.Equal(got, tt.payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d", len(got), len(tt.payload))
			}
		})
	}
}

func TestFramingErrors(t *testing.T) {
	t.Run("write empty", func(t *testing.T) {
		err := NewFrameWriter(new(bytes.Buffer), 0).WriteFrame(nil)
		if !errors.Is(err, ErrMessageEmpty) {
			t.Errorf("expected ErrMessageEmpty, got %v", err)
		}
	})

	t.Run("write too large", func(t *testing.T) {
		err := NewFrameWriter(new(bytes.Buffer), 100).WriteFrame(make([]byte, 101))
		if !errors.Is(err, ErrMessageTooLarge) {
			t.Errorf("expected ErrMessageTooLarge, got %v", err)
		}
	})

	t.Run("read too large", func(t *testing.T) {
		buf := new(bytes.Buffer)
		var prefix [LengthPrefixSize]byte
		binary.BigEndian.PutUint32(prefix[:], 1000)
		buf.Write(prefix[:])
		buf.Write(make([]byte, 1000))

		_, err := NewFrameReader(buf, 100).ReadFrame()
		if !errors.Is(err, ErrMessageTooLarge) {
			t.Errorf("expected ErrMessageTooLarge, got %v", err)
		}
	})

	t.Run("read truncated", func(t *testing.T) {
		buf := new(bytes.Buffer)
		var prefix [LengthPrefixSize]byte
		binary.BigEndian.PutUint32(prefix[:], 10)
		buf.Write(prefix[:])
		buf.Write([]byte("abc"))

		_, err := NewFrameReader(buf, 0).ReadFrame()
		if !errors.Is(err, ErrFrameTruncated) {
			t.Errorf("expected ErrFrameTruncated, got %v", err)
		}
	})

	t.Run("clean EOF", func(t *testing.T) {
		_, err := NewFrameReader(new(bytes.Buffer), 0).ReadFrame()
		if err != io.EOF {
			t.Errorf("expected io.EOF, got %v", err)
		}
	})
}

type recordingHandler struct {
	frames chan *wire.Frame
	closes atomic.Int32
	mu     sync.Mutex
	err    error
	closed chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		frames: make(chan *wire.Frame, 16),
		closed: make(chan struct{}),
	}
}

func (h *recordingHandler) OnFrame(f *wire.Frame) { h.frames <- f }

func (h *recordingHandler) OnClose(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	if h.closes.Add(1) == 1 {
		close(h.closed)
	}
}

func (h *recordingHandler) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func connectedPair(t *testing.T, cfgA, cfgB Config) (*Connection, *recordingHandler, *Connection, *recordingHandler) {
	t.Helper()
	a, b := net.Pipe()
	ha, hb := newRecordingHandler(), newRecordingHandler()
	ca := NewConnection(a, cfgA, ha)
	cb := NewConnection(b, cfgB, hb)
	ca.Start()
	cb.Start()
	return ca, ha, cb, hb
}

var noKeepAlive = Config{KeepAlive: KeepAliveConfig{Disabled: true}}

func TestConnectionDeliversFrames(t *testing.T) {
	ca, _, cb, hb := connectedPair(t, noKeepAlive, noKeepAlive)
	defer ca.Close()
	defer cb.Close()

	sent := &wire.Frame{Kind: wire.KindTelemetry, Identity: "dev-1", CorrelationID: "m1", Body: []byte("hi")}
	if err := ca.Send(sent); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-hb.frames:
		if got.Identity != "dev-1" || got.CorrelationID != "m1" || string(got.Body) != "hi" {
			t.Errorf("unexpected frame: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestConnectionPingIsAnswered(t *testing.T) {
	a, b := net.Pipe()
	h := newRecordingHandler()
	c := NewConnection(a, noKeepAlive, h)
	c.Start()
	defer c.Close()
	defer b.Close()

	peer := NewFramer(b, 0)
	go func() {
		_ = peer.WriteLinkFrame(&wire.Frame{Kind: wire.KindPing, Sequence: 42})
	}()

	f, err := peer.ReadLinkFrame()
	if err != nil {
		t.Fatalf("ReadLinkFrame failed: %v", err)
	}
	if f.Kind != wire.KindPong || f.Sequence != 42 {
		t.Errorf("got %s seq=%d, want PONG seq=42", f.Kind, f.Sequence)
	}
	if len(h.frames) != 0 {
		t.Error("control frames must not reach the handler")
	}
}

func TestConnectionGoodbyeClosesWithReason(t *testing.T) {
	ca, ha, cb, hb := connectedPair(t, noKeepAlive, noKeepAlive)

	if err := ca.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := ha.waitClosed(t); err != nil {
		t.Errorf("local close reason = %v, want nil", err)
	}
	if err := hb.waitClosed(t); !errors.Is(err, ErrPeerGoodbye) {
		t.Errorf("peer close reason = %v, want ErrPeerGoodbye", err)
	}
	<-cb.Done()
}

func TestConnectionCloseIdempotent(t *testing.T) {
	ca, ha, cb, _ := connectedPair(t, noKeepAlive, noKeepAlive)
	defer cb.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ca.Close()
		}()
	}
	wg.Wait()
	ha.waitClosed(t)

	time.Sleep(10 * time.Millisecond)
	if n := ha.closes.Load(); n != 1 {
		t.Errorf("OnClose called %d times, want 1", n)
	}
	if err := ca.Send(&wire.Frame{Kind: wire.KindTelemetry, Identity: "d"}); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send after close = %v, want ErrConnectionClosed", err)
	}
}

func TestConnectionRemoteDropReportsError(t *testing.T) {
	a, b := net.Pipe()
	h := newRecordingHandler()
	c := NewConnection(a, noKeepAlive, h)
	c.Start()

	b.Close()
	if err := h.waitClosed(t); err == nil {
		t.Error("expected a close reason after the peer dropped")
	}
	if c.Err() == nil {
		t.Error("Err() should report the drop")
	}
}

func TestConnectionKeepAliveTimeout(t *testing.T) {
	a, b := net.Pipe()
	// Drain the peer side without ever answering pings.
	go io.Copy(io.Discard, b)
	defer b.Close()

	h := newRecordingHandler()
	c := NewConnection(a, Config{KeepAlive: KeepAliveConfig{
		PingInterval:   10 * time.Millisecond,
		PongTimeout:    5 * time.Millisecond,
		MaxMissedPongs: 2,
	}}, h)
	c.Start()

	if err := h.waitClosed(t); !errors.Is(err, ErrKeepAliveTimeout) {
		t.Errorf("close reason = %v, want ErrKeepAliveTimeout", err)
	}
}

func TestKeepAliveAnsweredPingsResetMisses(t *testing.T) {
	var ka *KeepAlive
	var timedOut atomic.Bool
	ka = NewKeepAlive(KeepAliveConfig{
		PingInterval:   5 * time.Millisecond,
		PongTimeout:    time.Millisecond,
		MaxMissedPongs: 2,
	}, func(seq uint32) error {
		go ka.PongReceived(seq)
		return nil
	}, func() { timedOut.Store(true) })

	ka.Start(t.Context())
	defer ka.Stop()

	time.Sleep(60 * time.Millisecond)
	if timedOut.Load() {
		t.Error("keep-alive timed out although every ping was answered")
	}
}

func TestDetectionDelay(t *testing.T) {
	cfg := KeepAliveConfig{}
	want := DefaultPingInterval*DefaultMaxMissedPongs + DefaultPongTimeout
	if got := cfg.DetectionDelay(); got != want {
		t.Errorf("DetectionDelay() = %v, want %v", got, want)
	}
}
