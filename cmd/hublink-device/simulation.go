package main

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/hublink-io/hublink-go/pkg/device"
)

// reading is one synthetic telemetry sample.
type reading struct {
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Sequence    uint64    `json:"seq"`
	Timestamp   time.Time `json:"ts"`
}

// simulator sends a reading from every client on each tick.
type simulator struct {
	clients  []*device.Client
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	seq    uint64
}

func newSimulator(clients []*device.Client, interval time.Duration, logger *slog.Logger) *simulator {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &simulator{clients: clients, interval: interval, logger: logger}
}

// Start begins sending. A running simulation is left alone.
func (s *simulator) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	s.logger.Info("simulation started", "interval", s.interval)
}

// Stop halts sending and waits for the loop to exit.
func (s *simulator) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("simulation stopped")
}

// Running reports whether the loop is active.
func (s *simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *simulator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *simulator) tick(ctx context.Context, now time.Time) {
	s.seq++
	phase := float64(s.seq) / 12
	for i, c := range s.clients {
		r := reading{
			Temperature: math.Round((21+3*math.Sin(phase+float64(i)))*10) / 10,
			Humidity:    math.Round((45+10*math.Cos(phase+float64(i)))*10) / 10,
			Sequence:    s.seq,
			Timestamp:   now.UTC(),
		}
		sctx, cancel := context.WithTimeout(ctx, s.interval)
		err := c.SendEventValue(sctx, r)
		cancel()
		if err != nil {
			s.logger.Warn("telemetry failed", "device", c.Identity().Key(), "seq", s.seq, "error", err)
			continue
		}
		s.logger.Debug("telemetry sent", "device", c.Identity().Key(), "seq", s.seq)
	}
}
