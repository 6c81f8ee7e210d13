// Package config loads the YAML configuration of the device tools.
//
// A minimal file names an endpoint and one device:
//
//	endpoint: hub.example.net:8883
//	devices:
//	  - id: sensor-7
//	    credential: c2VjcmV0
//
// Everything else has a default. Durations use Go duration syntax ("30s").
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hublink-io/hublink-go/pkg/pool"
	"github.com/hublink-io/hublink-go/pkg/retry"
)

// Retry policy names.
const (
	PolicyExponential = "exponential"
	PolicyFixed       = "fixed"
	PolicyNone        = "none"
)

// Defaults.
const (
	DefaultPoolSize         = 1
	DefaultOperationTimeout = 60 * time.Second
	DefaultTwinTimeout      = 300 * time.Second
	DefaultRetryTimeout     = 4 * time.Minute
	DefaultOpenTimeout      = 30 * time.Second
	DefaultKeepAlive        = 30 * time.Second
	DefaultPollInterval     = 2 * time.Second
	DefaultLogLevel         = "info"
)

// Duration is a time.Duration read from a Go duration string.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root of a configuration file.
type Config struct {
	Endpoint     string       `yaml:"endpoint"`
	TLS          TLS          `yaml:"tls"`
	Devices      []Device     `yaml:"devices"`
	Pool         Pool         `yaml:"pool"`
	Timeouts     Timeouts     `yaml:"timeouts"`
	Retry        Retry        `yaml:"retry"`
	Provisioning Provisioning `yaml:"provisioning"`
	Log          Log          `yaml:"log"`
}

// TLS selects transport security.
type TLS struct {
	Enabled            bool   `yaml:"enabled"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Device is one device or module identity.
type Device struct {
	ID          string `yaml:"id"`
	Module      string `yaml:"module"`
	Credential  string `yaml:"credential"`
	ProductInfo string `yaml:"product_info"`
}

// Identity converts d into a pool identity.
func (d Device) Identity() pool.Identity {
	return pool.Identity{
		DeviceID:    d.ID,
		ModuleID:    d.Module,
		Credential:  d.Credential,
		ProductInfo: d.ProductInfo,
	}
}

// Pool sizes the connection pool.
type Pool struct {
	Size int `yaml:"size"`
}

// Timeouts bound protocol waits.
type Timeouts struct {
	Operation Duration `yaml:"operation"`
	Twin      Duration `yaml:"twin"`
	Retry     Duration `yaml:"retry"`
	Open      Duration `yaml:"open"`
	KeepAlive Duration `yaml:"keep_alive"`
}

// Retry configures the retry policy.
type Retry struct {
	Policy     string   `yaml:"policy"`
	Initial    Duration `yaml:"initial"`
	Max        Duration `yaml:"max"`
	Multiplier float64  `yaml:"multiplier"`
	Jitter     float64  `yaml:"jitter"`
	MaxRetries int      `yaml:"max_retries"`
}

// Provisioning configures device registration.
type Provisioning struct {
	Endpoint       string   `yaml:"endpoint"`
	Scope          string   `yaml:"scope"`
	RegistrationID string   `yaml:"registration_id"`
	Credential     string   `yaml:"credential"`
	PollInterval   Duration `yaml:"poll_interval"`
	CredentialFile string   `yaml:"credential_file"`
}

// Enabled reports whether a provisioning endpoint is configured.
func (p Provisioning) Enabled() bool { return p.Endpoint != "" }

// Log configures logging.
type Log struct {
	Level        string `yaml:"level"`
	ProtocolFile string `yaml:"protocol_file"`
}

// LoadError describes a configuration that could not be loaded.
type LoadError struct {
	// File is the path of the configuration, empty for Parse.
	File string

	Message string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *LoadError) Error() string {
	s := e.Message
	if e.File != "" {
		s = e.File + ": " + s
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{File: path, Message: "failed to read file", Cause: err}
	}
	cfg, err := Parse(data)
	if err != nil {
		if le, ok := err.(*LoadError); ok {
			le.File = path
		}
		return nil, err
	}
	return cfg, nil
}

// Parse decodes, defaults and validates a configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &LoadError{Message: "failed to parse YAML", Cause: err}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, &LoadError{Message: "invalid configuration", Cause: err}
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Pool.Size <= 0 {
		c.Pool.Size = DefaultPoolSize
	}
	if c.Timeouts.Operation <= 0 {
		c.Timeouts.Operation = Duration(DefaultOperationTimeout)
	}
	if c.Timeouts.Twin <= 0 {
		c.Timeouts.Twin = Duration(DefaultTwinTimeout)
	}
	if c.Timeouts.Retry <= 0 {
		c.Timeouts.Retry = Duration(DefaultRetryTimeout)
	}
	if c.Timeouts.Open <= 0 {
		c.Timeouts.Open = Duration(DefaultOpenTimeout)
	}
	if c.Timeouts.KeepAlive <= 0 {
		c.Timeouts.KeepAlive = Duration(DefaultKeepAlive)
	}
	if c.Retry.Policy == "" {
		c.Retry.Policy = PolicyExponential
	}
	if c.Provisioning.PollInterval <= 0 {
		c.Provisioning.PollInterval = Duration(DefaultPollInterval)
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Endpoint == "" && !c.Provisioning.Enabled() {
		return fmt.Errorf("endpoint is required without provisioning")
	}
	if len(c.Devices) == 0 && !c.Provisioning.Enabled() {
		return fmt.Errorf("at least one device is required without provisioning")
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d]: id is required", i)
		}
		key := d.Identity().Key()
		if seen[key] {
			return fmt.Errorf("devices[%d]: duplicate identity %q", i, key)
		}
		seen[key] = true
	}

	switch c.Retry.Policy {
	case PolicyExponential, PolicyFixed, PolicyNone:
	default:
		return fmt.Errorf("retry.policy: unknown policy %q", c.Retry.Policy)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter: %v not in [0, 1]", c.Retry.Jitter)
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier: %v is below 1", c.Retry.Multiplier)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries: negative")
	}

	if c.Provisioning.Enabled() && c.Provisioning.RegistrationID == "" {
		return fmt.Errorf("provisioning.registration_id is required")
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// RetryPolicy builds the configured retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	switch c.Retry.Policy {
	case PolicyNone:
		return retry.NoRetry{}
	case PolicyFixed:
		return retry.Fixed{MaxRetries: c.Retry.MaxRetries, Delay: c.Retry.Initial.Std()}
	default:
		return retry.NewExponentialBackoff(retry.BackoffConfig{
			Initial:    c.Retry.Initial.Std(),
			Max:        c.Retry.Max.Std(),
			Multiplier: c.Retry.Multiplier,
			Jitter:     c.Retry.Jitter,
		}, c.Retry.MaxRetries)
	}
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	l, _ := parseLevel(c.Log.Level)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
	}
}
