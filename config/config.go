// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/fluxnats/client"
	"gopkg.in/yaml.v3"
)

// Environment variables applied on top of the file.
const (
	EnvServers  = "FLUXNATS_SERVERS"
	EnvName     = "FLUXNATS_NAME"
	EnvToken    = "FLUXNATS_TOKEN"
	EnvUser     = "FLUXNATS_USER"
	EnvPassword = "FLUXNATS_PASSWORD"
	EnvTLS      = "FLUXNATS_TLS"
)

// Config holds all configuration for a client process.
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Limits    LimitsConfig    `yaml:"limits"`
	TLS       TLSConfig       `yaml:"tls"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ClientConfig holds connection settings.
type ClientConfig struct {
	Servers        []string      `yaml:"servers"`
	Name           string        `yaml:"name"`
	Token          string        `yaml:"token"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxPingsOut    int           `yaml:"max_pings_out"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	InboxPrefix    string        `yaml:"inbox_prefix"`
	NoEcho         bool          `yaml:"no_echo"`
	NoRandomize    bool          `yaml:"no_randomize"`

	// Ignore servers gossiped by the cluster in INFO.
	IgnoreDiscovered bool `yaml:"ignore_discovered"`
}

// ReconnectConfig holds reconnection settings.
type ReconnectConfig struct {
	Enabled              bool          `yaml:"enabled"`
	RetryOnFailedConnect bool          `yaml:"retry_on_failed_connect"`
	MaxAttempts          int           `yaml:"max_attempts"` // per server, negative for unlimited
	Wait                 time.Duration `yaml:"wait"`
	WaitMax              time.Duration `yaml:"wait_max"`
	Jitter               time.Duration `yaml:"jitter"`
	Rate                 float64       `yaml:"rate"` // attempts per second across servers

	// Per-server circuit breaker
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// LimitsConfig holds buffer ceilings.
type LimitsConfig struct {
	OutboundMaxBytes int `yaml:"outbound_max_bytes"`
	OutboundMaxMsgs  int `yaml:"outbound_max_msgs"`
	PendingMsgs      int `yaml:"pending_msgs"`
	PendingBytes     int `yaml:"pending_bytes"`
}

// TLSConfig holds TLS settings for tls:// and wss:// servers, or for
// servers that require TLS.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC collector address
	Insecure        bool    `yaml:"insecure"`
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0

	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// Enabled reports whether any signal is exported.
func (t TelemetryConfig) Enabled() bool {
	return t.MetricsEnabled || t.TracesEnabled
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Servers:        []string{client.DefaultURL},
			ConnectTimeout: client.DefaultConnectTimeout,
			WriteTimeout:   client.DefaultWriteTimeout,
			PingInterval:   client.DefaultPingInterval,
			MaxPingsOut:    client.DefaultMaxPingsOut,
			RequestTimeout: client.DefaultRequestTimeout,
			DrainTimeout:   client.DefaultDrainTimeout,
			InboxPrefix:    client.DefaultInboxPrefix,
		},
		Reconnect: ReconnectConfig{
			Enabled:         true,
			MaxAttempts:     client.DefaultMaxReconnects,
			Wait:            client.DefaultReconnectWait,
			WaitMax:         client.DefaultReconnectWaitMax,
			Jitter:          client.DefaultReconnectJitter,
			Rate:            client.DefaultReconnectRate,
			BreakerFailures: client.DefaultBreakerFailures,
			BreakerTimeout:  client.DefaultBreakerTimeout,
		},
		Limits: LimitsConfig{
			OutboundMaxBytes: client.DefaultOutboundMaxBytes,
			OutboundMaxMsgs:  client.DefaultOutboundMaxMsgs,
			PendingMsgs:      client.DefaultPendingMsgsLimit,
			PendingBytes:     client.DefaultPendingBytesLimit,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			Insecure:        true,
			ServiceName:     "fluxnats",
			ServiceVersion:  "0.1.0",
			TraceSampleRate: 0.1,
			MetricsInterval: 10 * time.Second,
		},
	}
}

// Load loads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist, the defaults are used.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvServers); v != "" {
		var servers []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				servers = append(servers, s)
			}
		}
		c.Client.Servers = servers
	}
	if v := os.Getenv(EnvName); v != "" {
		c.Client.Name = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Client.Token = v
	}
	if v := os.Getenv(EnvUser); v != "" {
		c.Client.User = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		c.Client.Password = v
	}
	if v := os.Getenv(EnvTLS); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s must be a boolean: %w", EnvTLS, err)
		}
		c.TLS.Enabled = enabled
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Client.Servers) == 0 {
		return fmt.Errorf("client.servers cannot be empty")
	}
	if c.Client.ConnectTimeout < 0 || c.Client.WriteTimeout < 0 || c.Client.RequestTimeout < 0 {
		return fmt.Errorf("client timeouts cannot be negative")
	}
	if c.Client.Token != "" && c.Client.User != "" {
		return fmt.Errorf("client.token and client.user are mutually exclusive")
	}

	if c.Reconnect.Wait > 0 && c.Reconnect.WaitMax > 0 && c.Reconnect.Wait > c.Reconnect.WaitMax {
		return fmt.Errorf("reconnect.wait must not exceed reconnect.wait_max")
	}
	if c.Reconnect.Rate < 0 {
		return fmt.Errorf("reconnect.rate cannot be negative")
	}

	if c.Limits.OutboundMaxBytes < 0 || c.Limits.OutboundMaxMsgs < 0 {
		return fmt.Errorf("limits.outbound_max_bytes and limits.outbound_max_msgs cannot be negative")
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Telemetry.Enabled() {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
	}
	if c.Telemetry.TraceSampleRate < 0 || c.Telemetry.TraceSampleRate > 1 {
		return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
	}
	if c.Telemetry.MetricsInterval < 0 {
		return fmt.Errorf("telemetry.metrics_interval cannot be negative")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ClientOptions maps the configuration onto client options.
func (c *Config) ClientOptions(logger *slog.Logger) (*client.Options, error) {
	opts := client.NewOptions().
		SetServers(c.Client.Servers...).
		SetName(c.Client.Name).
		SetToken(c.Client.Token).
		SetUserInfo(c.Client.User, c.Client.Password).
		SetConnectTimeout(c.Client.ConnectTimeout).
		SetWriteTimeout(c.Client.WriteTimeout).
		SetPingInterval(c.Client.PingInterval, c.Client.MaxPingsOut).
		SetRequestTimeout(c.Client.RequestTimeout).
		SetDrainTimeout(c.Client.DrainTimeout).
		SetInboxPrefix(c.Client.InboxPrefix).
		SetNoEcho(c.Client.NoEcho).
		SetNoRandomize(c.Client.NoRandomize).
		SetIgnoreDiscoveredServers(c.Client.IgnoreDiscovered).
		SetAllowReconnect(c.Reconnect.Enabled).
		SetRetryOnFailedConnect(c.Reconnect.RetryOnFailedConnect).
		SetMaxReconnects(c.Reconnect.MaxAttempts).
		SetReconnectWait(c.Reconnect.Wait, c.Reconnect.WaitMax).
		SetReconnectJitter(c.Reconnect.Jitter).
		SetReconnectRate(c.Reconnect.Rate).
		SetCircuitBreaker(c.Reconnect.BreakerFailures, c.Reconnect.BreakerTimeout).
		SetOutboundLimits(c.Limits.OutboundMaxBytes, c.Limits.OutboundMaxMsgs).
		SetPendingLimits(c.Limits.PendingMsgs, c.Limits.PendingBytes).
		SetLogger(logger)

	if c.TLS.Enabled {
		tlsCfg, err := c.TLS.Load()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg).SetSecure(true)
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Load builds a tls.Config from the configured files.
func (t TLSConfig) Load() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}

	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA file %s", t.CAFile)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
