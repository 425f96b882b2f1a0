// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	amqptls "github.com/absmach/fluxamqp/pkg/tls"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the fluxamqp driver.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Transport TransportConfig `yaml:"transport"`
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// EngineConfig holds protocol engine settings.
type EngineConfig struct {
	ContainerID  string        `yaml:"container_id"` // random when empty
	Hostname     string        `yaml:"hostname"`
	MaxFrameSize uint32        `yaml:"max_frame_size"`
	ChannelMax   uint16        `yaml:"channel_max"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"` // 0 disables

	// Transfer frames a session accepts before replenishing its window.
	SessionWindow uint32 `yaml:"session_window"`

	// Receiver credit kept outstanding, topped up once it falls to the
	// threshold. A zero window means credit is granted manually.
	CreditWindow    uint32 `yaml:"credit_window"`
	CreditThreshold uint32 `yaml:"credit_threshold"`

	// Pooled delivery tags; 0 selects sequential tags.
	TagPoolSize int `yaml:"tag_pool_size"`

	SASL SASLConfig `yaml:"sasl"`
}

// SASLConfig holds SASL settings.
type SASLConfig struct {
	Mechanism string `yaml:"mechanism"` // "", ANONYMOUS, PLAIN, EXTERNAL
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// TransportConfig holds dial settings.
type TransportConfig struct {
	URL            string               `yaml:"url"` // amqp://, amqps://, ws:// or wss://
	DialTimeout    time.Duration        `yaml:"dial_timeout"`
	WriteTimeout   time.Duration        `yaml:"write_timeout"`
	ReadBufferSize int                  `yaml:"read_buffer_size"`
	ProxyURL       string               `yaml:"proxy_url"` // socks5://host:port
	TLS            amqptls.Config       `yaml:"tls"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds dial retry configuration.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// ServerConfig holds listener settings used by the serve command.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	WSAddress       string        `yaml:"ws_address"` // empty disables WebSocket
	WSPath          string        `yaml:"ws_path"`
	MaxConnections  int           `yaml:"max_connections"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxQueueDepth   int           `yaml:"max_queue_depth"` // per address, negative = unbounded
	HealthAddress   string        `yaml:"health_address"`  // empty disables health checks

	// Accepted connections per second and IP, 0 = unlimited.
	ConnectionRate  float64 `yaml:"connection_rate"`
	ConnectionBurst int     `yaml:"connection_burst"`

	// A certificate turns the TCP listener into amqps.
	TLS amqptls.Config `yaml:"tls"`
}

// ClientConfig holds send/receive settings.
type ClientConfig struct {
	Address     string  `yaml:"address"` // node address of the link terminus
	Count       int     `yaml:"count"`   // 0 means unbounded when receiving
	PayloadSize int     `yaml:"payload_size"`
	Presettled  bool    `yaml:"presettled"`
	Rate        float64 `yaml:"rate"` // messages per second, 0 = unlimited
	Burst       int     `yaml:"burst"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxFrameSize:    65536,
			ChannelMax:      65535,
			IdleTimeout:     60 * time.Second,
			SessionWindow:   2048,
			CreditWindow:    100,
			CreditThreshold: 50,
			TagPoolSize:     1024,
		},
		Transport: TransportConfig{
			URL:            "amqp://localhost:5672",
			DialTimeout:    10 * time.Second,
			WriteTimeout:   60 * time.Second,
			ReadBufferSize: 8192,
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     10 * time.Second,
				Multiplier:      2.0,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Server: ServerConfig{
			Address:         ":5672",
			WSPath:          "/amqp",
			MaxConnections:  1000,
			ShutdownTimeout: 30 * time.Second,
			MaxQueueDepth:   10000,
			HealthAddress:   ":8081",
			ConnectionBurst: 10,
		},
		Client: ClientConfig{
			Address:     "examples",
			Count:       10,
			PayloadSize: 128,
			Burst:       1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxamqp",
			ServiceVersion:  "1.0.0",
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Engine.MaxFrameSize != 0 && c.Engine.MaxFrameSize < 512 {
		return fmt.Errorf("engine.max_frame_size must be at least 512")
	}
	if c.Engine.IdleTimeout < 0 {
		return fmt.Errorf("engine.idle_timeout cannot be negative")
	}
	if c.Engine.CreditWindow > 0 && c.Engine.CreditThreshold >= c.Engine.CreditWindow {
		return fmt.Errorf("engine.credit_threshold must be below engine.credit_window")
	}
	if c.Engine.TagPoolSize < 0 {
		return fmt.Errorf("engine.tag_pool_size cannot be negative")
	}
	switch c.Engine.SASL.Mechanism {
	case "", "ANONYMOUS", "EXTERNAL":
	case "PLAIN":
		if c.Engine.SASL.Username == "" {
			return fmt.Errorf("engine.sasl.username required for PLAIN")
		}
	default:
		return fmt.Errorf("engine.sasl.mechanism must be one of: ANONYMOUS, PLAIN, EXTERNAL")
	}

	u, err := url.Parse(c.Transport.URL)
	if err != nil {
		return fmt.Errorf("transport.url is invalid: %w", err)
	}
	validSchemes := map[string]bool{"amqp": true, "amqps": true, "ws": true, "wss": true}
	if !validSchemes[u.Scheme] {
		return fmt.Errorf("transport.url scheme must be one of: amqp, amqps, ws, wss")
	}
	if c.Transport.ProxyURL != "" {
		p, err := url.Parse(c.Transport.ProxyURL)
		if err != nil || p.Scheme != "socks5" {
			return fmt.Errorf("transport.proxy_url must be a socks5:// URL")
		}
	}
	if c.Transport.Retry.MaxAttempts < 1 {
		return fmt.Errorf("transport.retry.max_attempts must be at least 1")
	}
	if c.Transport.Retry.Multiplier < 1.0 {
		return fmt.Errorf("transport.retry.multiplier must be at least 1.0")
	}
	if c.Transport.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("transport.circuit_breaker.failure_threshold must be at least 1")
	}

	if c.Server.Address == "" && c.Server.WSAddress == "" {
		return fmt.Errorf("server.address and server.ws_address cannot both be empty")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections cannot be negative")
	}
	if c.Server.ConnectionRate < 0 {
		return fmt.Errorf("server.connection_rate cannot be negative")
	}
	if c.Server.ConnectionRate > 0 && c.Server.ConnectionBurst < 1 {
		return fmt.Errorf("server.connection_burst must be at least 1 when connection_rate is set")
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.cert_file and server.tls.key_file must be set together")
	}
	if c.Server.TLS.ClientCAFile != "" && c.Server.TLS.CertFile == "" {
		return fmt.Errorf("server.tls.cert_file required when server.tls.ca_file is set")
	}

	if c.Client.Address == "" {
		return fmt.Errorf("client.address cannot be empty")
	}
	if c.Client.Count < 0 {
		return fmt.Errorf("client.count cannot be negative")
	}
	if c.Client.Rate < 0 {
		return fmt.Errorf("client.rate cannot be negative")
	}
	if c.Client.Rate > 0 && c.Client.Burst < 1 {
		return fmt.Errorf("client.burst must be at least 1 when rate is set")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
