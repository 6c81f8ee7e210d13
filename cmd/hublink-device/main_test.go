package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hublink-io/hublink-go/internal/testbroker"
	"github.com/hublink-io/hublink-go/pkg/config"
	"github.com/hublink-io/hublink-go/pkg/device"
	"github.com/hublink-io/hublink-go/pkg/method"
	"github.com/hublink-io/hublink-go/pkg/persistence"
	"github.com/hublink-io/hublink-go/pkg/pool"
	"github.com/hublink-io/hublink-go/pkg/retry"
)

func TestLoadConfigFromFlags(t *testing.T) {
	f, err := parseFlags([]string{"-endpoint", "hub:8883", "-device", "dev-1", "-credential", "k", "-tls", "-log-level", "debug"})
	require.NoError(t, err)

	cfg, err := loadConfig(f)
	require.NoError(t, err)
	assert.Equal(t, "hub:8883", cfg.Endpoint)
	assert.True(t, cfg.TLS.Enabled)
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, "dev-1", cfg.Devices[0].ID)
	assert.Equal(t, "k", cfg.Devices[0].Credential)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())
	assert.Equal(t, 1, cfg.Pool.Size)
}

func TestLoadConfigFileWithOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
endpoint: hub:8883
devices:
  - id: a
  - id: b
pool:
  size: 2
`), 0o644))

	f, err := parseFlags([]string{"-config", path, "-endpoint", "other:1", "-device", "ignored"})
	require.NoError(t, err)
	cfg, err := loadConfig(f)
	require.NoError(t, err)
	assert.Equal(t, "other:1", cfg.Endpoint)
	assert.Len(t, cfg.Devices, 2)
	assert.Equal(t, 2, cfg.Pool.Size)
}

func TestLoadConfigRequiresDevice(t *testing.T) {
	f, err := parseFlags([]string{"-endpoint", "hub:8883"})
	require.NoError(t, err)
	_, err = loadConfig(f)
	assert.Error(t, err)
}

func TestNewDialerTLS(t *testing.T) {
	cfg := &config.Config{TLS: config.TLS{Enabled: true, ServerName: "hub"}}
	cfg.ApplyDefaults()
	d := newDialer(cfg, slog.New(slog.DiscardHandler), nil)
	require.NotNil(t, d.TLSConfig)
	assert.Equal(t, "hub", d.TLSConfig.ServerName)
	assert.NotEmpty(t, d.TLSConfig.NextProtos)

	cfg.TLS.Enabled = false
	assert.Nil(t, newDialer(cfg, slog.New(slog.DiscardHandler), nil).TLSConfig)
}

func TestHandleMethod(t *testing.T) {
	ctx := context.Background()

	res, err := handleMethod(ctx, &method.Request{Name: "echo", Payload: []byte(`{"a":1}`)})
	require.NoError(t, err)
	assert.Equal(t, method.StatusOK, res.Status)
	assert.Equal(t, `{"a":1}`, string(res.Payload))

	res, err = handleMethod(ctx, &method.Request{Name: "ping"})
	require.NoError(t, err)
	var pong map[string]string
	require.NoError(t, json.Unmarshal(res.Payload, &pong))
	assert.NotEmpty(t, pong["pong"])

	res, err = handleMethod(ctx, &method.Request{Name: "reboot"})
	require.NoError(t, err)
	assert.Equal(t, 404, res.Status)
}

func TestDeviceFromCredentials(t *testing.T) {
	d := deviceFromCredentials(&persistence.Credentials{DeviceID: "dev", ModuleID: "m"}, "fallback")
	assert.Equal(t, config.Device{ID: "dev", Module: "m", Credential: "fallback"}, d)

	d = deviceFromCredentials(&persistence.Credentials{DeviceID: "dev", Credential: "own"}, "fallback")
	assert.Equal(t, "own", d.Credential)
}

func TestSimulatorSendsTelemetry(t *testing.T) {
	b := testbroker.New()
	p := pool.New(b, pool.Options{Endpoint: "broker", OpenTimeout: time.Second})
	t.Cleanup(func() {
		_ = p.Close()
		b.Close()
	})

	c, err := device.New(p, pool.Identity{DeviceID: "dev-1"}, device.Options{
		RetryPolicy:      retry.NoRetry{},
		OperationTimeout: time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(func() { _ = c.Dispose(context.Background()) })

	sim := newSimulator([]*device.Client{c}, 10*time.Millisecond, slog.New(slog.DiscardHandler))
	sim.Start()
	sim.Start()
	assert.True(t, sim.Running())

	require.Eventually(t, func() bool { return len(b.Telemetry()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	sim.Stop()
	assert.False(t, sim.Running())

	var r reading
	require.NoError(t, json.Unmarshal(b.Telemetry()[0].Body, &r))
	assert.Equal(t, uint64(1), r.Sequence)
}
