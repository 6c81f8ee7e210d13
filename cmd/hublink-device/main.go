// Command hublink-device runs one or more simulated devices against a
// hublink broker.
//
// Usage:
//
//	hublink-device [flags]
//
// Flags:
//
//	-config string        Configuration file path
//	-endpoint string      Broker address (host:port)
//	-device string        Device id (ignored when -config lists devices)
//	-credential string    Device credential
//	-tls                  Connect with TLS
//	-log-level string     Log level: debug, info, warn, error (default "info")
//	-protocol-log string  Write protocol events to this file
//	-simulate             Send synthetic telemetry (default true)
//	-interval duration    Telemetry interval (default 5s)
//	-interactive          Start the interactive shell
//
// Examples:
//
//	# One device, plain TCP
//	hublink-device -endpoint localhost:8883 -device sensor-1 -credential s3cret
//
//	# A fleet from a config file, with a protocol log for hublink-log
//	hublink-device -config fleet.yaml -protocol-log /tmp/fleet.hlog -interactive
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hublink-io/hublink-go/cmd/hublink-device/interactive"
	"github.com/hublink-io/hublink-go/pkg/config"
)

type flags struct {
	configFile  string
	endpoint    string
	deviceID    string
	credential  string
	tls         bool
	logLevel    string
	protocolLog string
	simulate    bool
	interval    time.Duration
	interactive bool
}

func parseFlags(args []string) (*flags, error) {
	var f flags
	fs := flag.NewFlagSet("hublink-device", flag.ContinueOnError)
	fs.StringVar(&f.configFile, "config", "", "Configuration file path")
	fs.StringVar(&f.endpoint, "endpoint", "", "Broker address (host:port)")
	fs.StringVar(&f.deviceID, "device", "", "Device id")
	fs.StringVar(&f.credential, "credential", "", "Device credential")
	fs.BoolVar(&f.tls, "tls", false, "Connect with TLS")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&f.protocolLog, "protocol-log", "", "Write protocol events to this file")
	fs.BoolVar(&f.simulate, "simulate", true, "Send synthetic telemetry")
	fs.DurationVar(&f.interval, "interval", 5*time.Second, "Telemetry interval")
	fs.BoolVar(&f.interactive, "interactive", false, "Start the interactive shell")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return &f, nil
}

// loadConfig reads the config file, if any, and lets flags override it.
func loadConfig(f *flags) (*config.Config, error) {
	cfg := &config.Config{}
	if f.configFile != "" {
		var err error
		if cfg, err = config.Load(f.configFile); err != nil {
			return nil, err
		}
	}

	if f.endpoint != "" {
		cfg.Endpoint = f.endpoint
	}
	if f.tls {
		cfg.TLS.Enabled = true
	}
	if f.deviceID != "" && len(cfg.Devices) == 0 {
		cfg.Devices = []config.Device{{ID: f.deviceID, Credential: f.credential}}
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.protocolLog != "" {
		cfg.Log.ProtocolFile = f.protocolLog
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		shell *interactive.Shell
		out   io.Writer = os.Stderr
	)
	if f.interactive {
		shell, err = interactive.New()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start shell: %v\n", err)
			os.Exit(1)
		}
		out = shell.Stdout()
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: cfg.LogLevel()}))

	fleet, err := startFleet(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer fleet.Shutdown()

	sim := newSimulator(fleet.Clients(), f.interval, logger)
	if f.simulate {
		sim.Start()
	}
	defer sim.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if shell != nil {
		go shell.Run(ctx, cancel, fleet.Clients(), sim)
	}

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	}
}
