package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hublink-io/hublink-go/pkg/config"
	"github.com/hublink-io/hublink-go/pkg/device"
	"github.com/hublink-io/hublink-go/pkg/log"
	"github.com/hublink-io/hublink-go/pkg/message"
	"github.com/hublink-io/hublink-go/pkg/method"
	"github.com/hublink-io/hublink-go/pkg/persistence"
	"github.com/hublink-io/hublink-go/pkg/pipeline"
	"github.com/hublink-io/hublink-go/pkg/pool"
	"github.com/hublink-io/hublink-go/pkg/provisioning"
	"github.com/hublink-io/hublink-go/pkg/transport"
	"github.com/hublink-io/hublink-go/pkg/twin"
	"github.com/hublink-io/hublink-go/pkg/version"
)

// fleet owns the pool and the clients sharing it.
type fleet struct {
	pool    *pool.Pool
	clients []*device.Client
	plog    *log.FileLogger
	logger  *slog.Logger
}

func newDialer(cfg *config.Config, logger *slog.Logger, plog log.Logger) *transport.NetDialer {
	d := &transport.NetDialer{
		Config: transport.Config{
			KeepAlive:      transport.KeepAliveConfig{PingInterval: cfg.Timeouts.KeepAlive.Std()},
			Logger:         logger,
			ProtocolLogger: plog,
		},
		DialTimeout: cfg.Timeouts.Open.Std(),
	}
	if cfg.TLS.Enabled {
		d.TLSConfig = &tls.Config{
			ServerName:         cfg.TLS.ServerName,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
			NextProtos:         version.SupportedALPNProtocols(),
			MinVersion:         tls.VersionTLS12,
		}
	}
	return d
}

// startFleet provisions when configured, then opens one client per device.
func startFleet(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*fleet, error) {
	fl := &fleet{logger: logger}

	var plog log.Logger
	if cfg.Log.ProtocolFile != "" {
		fileLogger, err := log.NewFileLogger(cfg.Log.ProtocolFile)
		if err != nil {
			return nil, fmt.Errorf("protocol log: %w", err)
		}
		fl.plog = fileLogger
		plog = fileLogger
	}
	dialer := newDialer(cfg, logger, plog)

	if cfg.Provisioning.Enabled() {
		dev, hub, err := provision(ctx, cfg, dialer, logger, plog)
		if err != nil {
			fl.Shutdown()
			return nil, err
		}
		cfg.Endpoint = hub
		cfg.Devices = append(cfg.Devices, dev)
	}

	fl.pool = pool.New(dialer, pool.Options{
		Endpoint:       cfg.Endpoint,
		Size:           cfg.Pool.Size,
		OpenTimeout:    cfg.Timeouts.Open.Std(),
		Logger:         logger,
		ProtocolLogger: plog,
	})

	for _, d := range cfg.Devices {
		c, err := device.New(fl.pool, d.Identity(), device.Options{
			RetryPolicy:      cfg.RetryPolicy(),
			OperationTimeout: cfg.Timeouts.Operation.Std(),
			TwinTimeout:      cfg.Timeouts.Twin.Std(),
			RetryTimeout:     cfg.Timeouts.Retry.Std(),
			Logger:           logger,
		})
		if err != nil {
			fl.Shutdown()
			return nil, fmt.Errorf("device %s: %w", d.ID, err)
		}
		fl.clients = append(fl.clients, c)

		if err := fl.open(ctx, c); err != nil {
			fl.Shutdown()
			return nil, err
		}
	}
	logger.Info("fleet started", "devices", len(fl.clients), "endpoint", cfg.Endpoint, "pool_size", fl.pool.Size())
	return fl, nil
}

func (fl *fleet) open(ctx context.Context, c *device.Client) error {
	id := c.Identity().Key()
	logger := fl.logger.With("device", id)

	c.SetStatusCallback(func(s pipeline.Status, r pipeline.Reason) {
		logger.Info("status changed", "status", s, "reason", r)
	})
	if err := c.Open(ctx); err != nil {
		return err
	}

	err := c.SetMessageCallback(ctx, func(msg *message.Message) {
		logger.Info("message received", "message", msg.MessageID, "bytes", len(msg.Body))
		if msg.LockToken == "" {
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.CompleteMessage(sctx, msg.LockToken); err != nil {
			logger.Warn("complete failed", "message", msg.MessageID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("%s: enable messages: %w", id, err)
	}

	if err := c.SetMethodCallback(ctx, handleMethod); err != nil {
		return fmt.Errorf("%s: enable methods: %w", id, err)
	}

	err = c.SetDesiredPropertyCallback(ctx, func(p *twin.Push) {
		logger.Info("desired properties", "version", p.Version)
		rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := c.UpdateReportedProperties(rctx, map[string]int64{"ack_version": p.Version}); err != nil {
			logger.Warn("acknowledge desired failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("%s: enable twin: %w", id, err)
	}
	return nil
}

// handleMethod answers the built-in direct methods.
func handleMethod(_ context.Context, req *method.Request) (*method.Result, error) {
	switch req.Name {
	case "echo":
		return &method.Result{Status: method.StatusOK, Payload: req.Payload}, nil
	case "ping":
		body, err := json.Marshal(map[string]string{"pong": time.Now().UTC().Format(time.RFC3339)})
		if err != nil {
			return nil, err
		}
		return &method.Result{Status: method.StatusOK, Payload: body}, nil
	default:
		return &method.Result{Status: 404, Payload: []byte(`{"error":"unknown method"}`)}, nil
	}
}

// Clients returns the opened clients in configuration order.
func (fl *fleet) Clients() []*device.Client { return fl.clients }

// Shutdown disposes every client and closes the pool.
func (fl *fleet) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, c := range fl.clients {
		if err := c.Dispose(ctx); err != nil {
			fl.logger.Warn("dispose failed", "device", c.Identity().Key(), "error", err)
		}
	}
	if fl.pool != nil {
		_ = fl.pool.Close()
	}
	if fl.plog != nil {
		_ = fl.plog.Close()
	}
}

// provision returns the device identity assigned to the configured
// registration, reusing stored credentials when present.
func provision(ctx context.Context, cfg *config.Config, dialer transport.Dialer, logger *slog.Logger, plog log.Logger) (config.Device, string, error) {
	p := cfg.Provisioning
	var store persistence.CredentialStore = persistence.NewMemoryStore()
	if p.CredentialFile != "" {
		store = persistence.NewFileStore(p.CredentialFile)
	}

	stored, err := store.Load(p.RegistrationID)
	if err != nil {
		return config.Device{}, "", fmt.Errorf("load credentials: %w", err)
	}
	if stored != nil && stored.AssignedHub != "" {
		logger.Info("using stored registration", "registration", p.RegistrationID, "hub", stored.AssignedHub)
		return deviceFromCredentials(stored, p.Credential), stored.AssignedHub, nil
	}

	dps := pool.New(dialer, pool.Options{
		Endpoint:       p.Endpoint,
		Size:           1,
		OpenTimeout:    cfg.Timeouts.Open.Std(),
		Logger:         logger,
		ProtocolLogger: plog,
	})
	defer dps.Close()

	sess, err := dps.Acquire(ctx, pool.Identity{
		DeviceID:    p.RegistrationID,
		Credential:  p.Credential,
		ProductInfo: version.ProductInfo(""),
	})
	if err != nil {
		return config.Device{}, "", fmt.Errorf("provisioning session: %w", err)
	}

	client := provisioning.NewClient(provisioning.NewSessionTransport(sess, cfg.Timeouts.Operation.Std()), provisioning.Options{
		PollInterval: p.PollInterval.Std(),
		Store:        store,
		Logger:       logger,
	})
	state, err := client.Register(ctx, &provisioning.Request{RegistrationID: p.RegistrationID, IDScope: p.Scope})
	if err != nil {
		return config.Device{}, "", fmt.Errorf("register %s: %w", p.RegistrationID, err)
	}
	return deviceFromCredentials(&persistence.Credentials{
		DeviceID:   state.DeviceID,
		Credential: state.Credential,
	}, p.Credential), state.AssignedHub, nil
}

func deviceFromCredentials(c *persistence.Credentials, fallback string) config.Device {
	d := config.Device{ID: c.DeviceID, Module: c.ModuleID, Credential: c.Credential}
	if d.Credential == "" {
		d.Credential = fallback
	}
	return d
}
