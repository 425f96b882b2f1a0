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
	"net/http"
	"sync"
	"time"

	"github.com/absmach/fluxamqp/amqp1/engine"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Handler prepares the engine of an accepted connection, typically by
// registering remote endpoint handlers. It runs inside Do after Start, so
// it must not call c.Do itself; c may be kept to reach the engine later.
type Handler func(c *Conn, e *engine.Engine) error

// ConnLimiter decides whether a connection from addr is accepted.
type ConnLimiter interface {
	Allow(addr net.Addr) bool
}

// ServerConfig holds the listener configuration.
type ServerConfig struct {
	Address         string
	WSAddress       string
	WSPath          string
	TLSConfig       *tls.Config
	Logger          *slog.Logger
	Tracer          trace.Tracer
	ShutdownTimeout time.Duration
	MaxConnections  int
	Limiter         ConnLimiter

	Engine        engine.Config
	EngineOptions []engine.Option
}

// Server accepts AMQP 1.0 connections over TCP and WebSocket and runs one
// engine per connection.
type Server struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	config   ServerConfig
	handler  Handler
	listener net.Listener
	connSem  chan struct{}
	upgrader websocket.Upgrader
}

// NewServer creates a server calling h for every accepted connection.
func NewServer(cfg ServerConfig, h Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/"
	}

	var connSem chan struct{}
	if cfg.MaxConnections > 0 {
		connSem = make(chan struct{}, cfg.MaxConnections)
	}

	return &Server{
		config:  cfg,
		handler: h,
		connSem: connSem,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Listen starts the listeners and blocks until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	var (
		listener   net.Listener
		acceptDone <-chan struct{}
	)
	if s.config.Address != "" {
		var err error
		listener, err = s.createListener()
		if err != nil {
			return err
		}
		acceptDone = s.runAcceptLoop(ctx, connCtx, listener)
	}

	var httpServer *http.Server
	errCh := make(chan error, 1)
	if s.config.WSAddress != "" {
		mux := http.NewServeMux()
		mux.HandleFunc(s.config.WSPath, func(w http.ResponseWriter, r *http.Request) {
			s.handleWebSocket(connCtx, w, r)
		})
		httpServer = &http.Server{Addr: s.config.WSAddress, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			s.config.Logger.Info("AMQP websocket server started",
				slog.String("address", s.config.WSAddress),
				slog.String("path", s.config.WSPath))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var listenErr error
	select {
	case <-ctx.Done():
	case listenErr = <-errCh:
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.config.Logger.Error("websocket server shutdown error", slog.String("error", err.Error()))
		}
		cancel()
	}
	if err := s.gracefulShutdown(listener, acceptDone, connCancel); err != nil {
		return err
	}
	return listenErr
}

func (s *Server) createListener() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled for AMQP", slog.String("address", s.config.Address))
	}

	s.config.Logger.Info("AMQP server started", slog.String("address", s.config.Address))
	return listener, nil
}

func (s *Server) runAcceptLoop(ctx, connCtx context.Context, listener net.Listener) <-chan struct{} {
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("failed to accept AMQP connection", slog.String("error", err.Error()))
				continue
			}

			if !s.admit(ctx, conn) {
				continue
			}

			if tcpConn, ok := conn.(*net.TCPConn); ok {
				_ = tcpConn.SetKeepAlive(true)
				_ = tcpConn.SetKeepAlivePeriod(15 * time.Second)
				_ = tcpConn.SetNoDelay(true)
			}

			if tlsConn, ok := conn.(*tls.Conn); ok {
				if err := tlsConn.Handshake(); err != nil {
					s.config.Logger.Error("TLS handshake failed", slog.String("error", err.Error()))
					s.releaseSlot()
					conn.Close()
					continue
				}
			}

			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				defer s.releaseSlot()
				s.serve(connCtx, c)
			}(conn)
		}
	}()
	return acceptDone
}

func (s *Server) handleWebSocket(connCtx context.Context, w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.config.Logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	conn := newWSConn(ws)
	if !s.admit(connCtx, conn) {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer s.releaseSlot()
	s.serve(connCtx, conn)
}

// serve runs one engine over nc until the connection ends.
func (s *Server) serve(ctx context.Context, nc net.Conn) {
	remote := nc.RemoteAddr().String()
	s.config.Logger.Debug("AMQP connection accepted", slog.String("remote", remote))

	e := engine.New(s.config.Engine, append([]engine.Option{engine.WithLogger(s.config.Logger)}, s.config.EngineOptions...)...)
	c := New(nc, e, WithLogger(s.config.Logger), WithTracer(s.config.Tracer))
	err := c.Do(func(e *engine.Engine) error {
		if _, err := e.Start(); err != nil {
			return err
		}
		if s.handler == nil {
			return nil
		}
		return s.handler(c, e)
	})
	if err != nil {
		s.config.Logger.Error("failed to set up AMQP connection", slog.String("remote", remote), slog.String("error", err.Error()))
		c.Close()
		return
	}

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.config.Logger.Warn("AMQP connection ended", slog.String("remote", remote), slog.String("error", err.Error()))
		return
	}
	s.config.Logger.Debug("AMQP connection closed", slog.String("remote", remote))
}

// admit applies the rate limiter and the connection limit.
func (s *Server) admit(ctx context.Context, conn net.Conn) bool {
	if s.config.Limiter != nil && !s.config.Limiter.Allow(conn.RemoteAddr()) {
		s.config.Logger.Warn("AMQP connection rate limited",
			slog.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return false
	}
	if s.connSem == nil {
		return true
	}
	select {
	case s.connSem <- struct{}{}:
		return true
	case <-ctx.Done():
		conn.Close()
		return false
	default:
		s.config.Logger.Warn("AMQP connection limit reached",
			slog.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return false
	}
}

func (s *Server) releaseSlot() {
	if s.connSem != nil {
		<-s.connSem
	}
}

func (s *Server) gracefulShutdown(listener net.Listener, acceptDone <-chan struct{}, connCancel context.CancelFunc) error {
	s.config.Logger.Info("AMQP shutdown signal received, closing listener")

	if listener != nil {
		if err := listener.Close(); err != nil {
			s.config.Logger.Error("error closing AMQP listener", slog.String("error", err.Error()))
		}
		<-acceptDone
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all AMQP connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("AMQP shutdown timeout exceeded, forcing closure")
		connCancel()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return ErrShutdownTimeout
	}
}

// Addr returns the TCP listener's network address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
