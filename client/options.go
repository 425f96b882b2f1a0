// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/url"
	"time"

	"github.com/absmach/fluxamqp/amqp1/engine"
	"github.com/absmach/fluxamqp/amqp1/sasl"
	"github.com/absmach/fluxamqp/amqp1/types"
	"github.com/absmach/fluxamqp/transport"
	"go.opentelemetry.io/otel/trace"
)

// Default values.
const (
	DefaultURL             = "amqp://localhost:5672"
	DefaultDialTimeout     = 10 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultCreditWindow    = 100
	DefaultCreditThreshold = 50
	DefaultTagPoolSize     = engine.DefaultTagPoolSize
)

// DeliveryLimiter paces outgoing deliveries per link.
type DeliveryLimiter interface {
	WaitDelivery(ctx context.Context, link string) error
}

// Options configures the AMQP 1.0 client.
type Options struct {
	// Connection
	URL            string // amqp, amqps, ws or wss URL of the peer
	ContainerID    string
	Hostname       string
	TLSConfig      *tls.Config
	ProxyURL       string // SOCKS5 proxy
	DialTimeout    time.Duration
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadBufferSize int
	MaxFrameSize   uint32

	// Authentication. An empty mechanism skips SASL.
	SASLMechanism types.Symbol
	Username      string
	Password      string

	// Dial retries and circuit breaker
	MaxAttempts      int
	InitialInterval  time.Duration
	MaxInterval      time.Duration
	Multiplier       float64
	FailureThreshold int
	ResetTimeout     time.Duration

	// Links
	SessionWindow   uint32
	CreditWindow    uint32 // credit granted to each subscription
	CreditThreshold uint32 // remaining credit that triggers a top up
	TagPoolSize     int    // 0 selects sequential tags
	Presettled      bool   // send deliveries settled
	Limiter         DeliveryLimiter

	// Observability
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *engine.Metrics

	// Callbacks
	OnConnectionLost func(error)
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		URL:             DefaultURL,
		DialTimeout:     DefaultDialTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		MaxAttempts:     1,
		CreditWindow:    DefaultCreditWindow,
		CreditThreshold: DefaultCreditThreshold,
		TagPoolSize:     DefaultTagPoolSize,
	}
}

// SetURL sets the peer URL.
func (o *Options) SetURL(u string) *Options {
	o.URL = u
	return o
}

// SetContainerID sets the container id sent in Open.
func (o *Options) SetContainerID(id string) *Options {
	o.ContainerID = id
	return o
}

// SetCredentials selects SASL PLAIN with username and password.
func (o *Options) SetCredentials(username, password string) *Options {
	o.SASLMechanism = sasl.MechPLAIN
	o.Username = username
	o.Password = password
	return o
}

// SetSASLMechanism sets the SASL mechanism.
func (o *Options) SetSASLMechanism(mech types.Symbol) *Options {
	o.SASLMechanism = mech
	return o
}

// SetTLSConfig sets TLS configuration.
func (o *Options) SetTLSConfig(cfg *tls.Config) *Options {
	o.TLSConfig = cfg
	return o
}

// SetDialTimeout sets the dial timeout.
func (o *Options) SetDialTimeout(d time.Duration) *Options {
	o.DialTimeout = d
	return o
}

// SetIdleTimeout sets the idle timeout advertised to the peer.
func (o *Options) SetIdleTimeout(d time.Duration) *Options {
	o.IdleTimeout = d
	return o
}

// SetRetry sets the dial retry policy.
func (o *Options) SetRetry(attempts int, initial, maxInterval time.Duration) *Options {
	o.MaxAttempts = attempts
	o.InitialInterval = initial
	o.MaxInterval = maxInterval
	return o
}

// SetCredit sets the subscription credit window and top up threshold.
func (o *Options) SetCredit(window, threshold uint32) *Options {
	o.CreditWindow = window
	o.CreditThreshold = threshold
	return o
}

// SetPresettled enables or disables settled sends.
func (o *Options) SetPresettled(enable bool) *Options {
	o.Presettled = enable
	return o
}

// SetLimiter sets the delivery rate limiter.
func (o *Options) SetLimiter(l DeliveryLimiter) *Options {
	o.Limiter = l
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetMetrics sets the engine metrics.
func (o *Options) SetMetrics(m *engine.Metrics) *Options {
	o.Metrics = m
	return o
}

// SetTracer sets the tracer used for connection spans.
func (o *Options) SetTracer(t trace.Tracer) *Options {
	o.Tracer = t
	return o
}

// SetOnConnectionLost sets the connection lost callback.
func (o *Options) SetOnConnectionLost(fn func(error)) *Options {
	o.OnConnectionLost = fn
	return o
}

// Validate checks the options for errors.
func (o *Options) Validate() error {
	if o.URL == "" {
		return ErrNoURL
	}
	if _, err := url.Parse(o.URL); err != nil {
		return err
	}
	switch o.SASLMechanism {
	case "", sasl.MechPLAIN, sasl.MechANONYMOUS, sasl.MechEXTERNAL:
	default:
		return ErrInvalidMechanism
	}
	return nil
}

func (o *Options) dialConfig() transport.DialConfig {
	return transport.DialConfig{
		URL:              o.URL,
		Timeout:          o.DialTimeout,
		ProxyURL:         o.ProxyURL,
		TLSConfig:        o.TLSConfig,
		MaxAttempts:      o.MaxAttempts,
		InitialInterval:  o.InitialInterval,
		MaxInterval:      o.MaxInterval,
		Multiplier:       o.Multiplier,
		FailureThreshold: o.FailureThreshold,
		ResetTimeout:     o.ResetTimeout,
	}
}

func (o *Options) engineConfig(host string) engine.Config {
	cfg := engine.Config{
		ContainerID:           o.ContainerID,
		Hostname:              o.Hostname,
		MaxFrameSize:          o.MaxFrameSize,
		IdleTimeout:           o.IdleTimeout,
		SessionIncomingWindow: o.SessionWindow,
	}
	if cfg.Hostname == "" {
		cfg.Hostname = host
	}
	if o.SASLMechanism != "" {
		cfg.SASLClient = &engine.SASLClient{
			Mechanism: o.SASLMechanism,
			Hostname:  cfg.Hostname,
		}
		if o.SASLMechanism == sasl.MechPLAIN {
			cfg.SASLClient.InitialResponse = sasl.PlainResponse("", o.Username, o.Password)
		}
	}
	return cfg
}
