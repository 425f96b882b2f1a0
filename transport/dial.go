// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/absmach/fluxamqp/amqp1/engine"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"golang.org/x/net/proxy"
)

// Default ports.
const (
	DefaultPort    = "5672"
	DefaultTLSPort = "5671"
)

// ErrUnsupportedScheme is returned for URLs other than amqp, amqps, ws and
// wss.
var ErrUnsupportedScheme = errors.New("unsupported URL scheme")

// DialConfig configures a Dialer.
type DialConfig struct {
	URL     string
	Timeout time.Duration
	// ProxyURL routes connections through a SOCKS5 proxy.
	ProxyURL  string
	TLSConfig *tls.Config

	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	FailureThreshold int
	ResetTimeout     time.Duration
}

// Dialer opens network connections to an AMQP peer. Attempts are retried
// with exponential backoff and guarded by a circuit breaker, so a peer that
// keeps failing is not dialed again until the breaker resets.
type Dialer struct {
	cfg     DialConfig
	target  *url.URL
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker
}

// NewDialer validates cfg and returns a Dialer.
func NewDialer(cfg DialConfig, logger *slog.Logger) (*Dialer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", cfg.URL, err)
	}
	switch target.Scheme {
	case "amqp", "amqps", "ws", "wss":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, target.Scheme)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}

	d := &Dialer{cfg: cfg, target: target, logger: logger}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target.Host,
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("dial circuit breaker state changed",
				slog.String("peer", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return d, nil
}

// Dial connects to the configured URL.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	b := backoff.NewExponentialBackOff()
	if d.cfg.InitialInterval > 0 {
		b.InitialInterval = d.cfg.InitialInterval
	}
	if d.cfg.MaxInterval > 0 {
		b.MaxInterval = d.cfg.MaxInterval
	}
	if d.cfg.Multiplier >= 1 {
		b.Multiplier = d.cfg.Multiplier
	}
	b.MaxElapsedTime = 0

	var conn net.Conn
	op := func() error {
		res, err := d.breaker.Execute(func() (interface{}, error) {
			return d.dialOnce(ctx)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		conn = res.(net.Conn)
		return nil
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Warn("dial failed, retrying",
			slog.String("url", d.cfg.URL),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.cfg.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", d.cfg.URL, err)
	}
	return conn, nil
}

// Connect dials the peer and binds e to the connection.
func (d *Dialer) Connect(ctx context.Context, e *engine.Engine, opts ...Option) (*Conn, error) {
	nc, err := d.Dial(ctx)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("connected", slog.String("url", d.cfg.URL), slog.String("remote", nc.RemoteAddr().String()))
	return New(nc, e, append([]Option{WithLogger(d.logger)}, opts...)...), nil
}

func (d *Dialer) dialOnce(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	switch d.target.Scheme {
	case "ws", "wss":
		return d.dialWebSocket(ctx)
	}

	addr := hostPort(d.target)
	nc, err := d.netDial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	if d.target.Scheme != "amqps" {
		return nc, nil
	}
	tc := tls.Client(nc, d.tlsConfig())
	if err := tc.HandshakeContext(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	return tc, nil
}

func (d *Dialer) dialWebSocket(ctx context.Context) (net.Conn, error) {
	wd := websocket.Dialer{
		NetDialContext:   d.netDial,
		HandshakeTimeout: d.cfg.Timeout,
		TLSClientConfig:  d.tlsConfig(),
		Subprotocols:     []string{Subprotocol},
	}
	ws, resp, err := wd.DialContext(ctx, d.target.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if ws.Subprotocol() != Subprotocol {
		ws.Close()
		return nil, fmt.Errorf("peer did not accept the %q websocket subprotocol", Subprotocol)
	}
	return newWSConn(ws), nil
}

// netDial dials directly or through the SOCKS5 proxy.
func (d *Dialer) netDial(ctx context.Context, network, addr string) (net.Conn, error) {
	forward := &net.Dialer{Timeout: d.cfg.Timeout, KeepAlive: 15 * time.Second}
	if d.cfg.ProxyURL == "" {
		return forward.DialContext(ctx, network, addr)
	}

	pu, err := url.Parse(d.cfg.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	var auth *proxy.Auth
	if pu.User != nil {
		password, _ := pu.User.Password()
		auth = &proxy.Auth{User: pu.User.Username(), Password: password}
	}
	socks, err := proxy.SOCKS5("tcp", pu.Host, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	if cd, ok := socks.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return socks.Dial(network, addr)
}

func (d *Dialer) tlsConfig() *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if d.cfg.TLSConfig != nil {
		cfg = d.cfg.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = d.target.Hostname()
	}
	return cfg
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := DefaultPort
	if u.Scheme == "amqps" {
		port = DefaultTLSPort
	}
	return net.JoinHostPort(u.Hostname(), port)
}
