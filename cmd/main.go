// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/fluxamqp/amqp1/broker"
	"github.com/absmach/fluxamqp/amqp1/engine"
	"github.com/absmach/fluxamqp/amqp1/message"
	"github.com/absmach/fluxamqp/amqp1/sasl"
	"github.com/absmach/fluxamqp/amqp1/types"
	"github.com/absmach/fluxamqp/client"
	"github.com/absmach/fluxamqp/config"
	"github.com/absmach/fluxamqp/internal/telemetry"
	amqptls "github.com/absmach/fluxamqp/pkg/tls"
	"github.com/absmach/fluxamqp/ratelimit"
	"github.com/absmach/fluxamqp/server/health"
	"github.com/absmach/fluxamqp/transport"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const usage = `usage: fluxamqp [-config file] [flags] <send|receive|serve>

  send     send client.count messages to client.address
  receive  receive messages from client.address until client.count arrived
  serve    run an in-memory AMQP 1.0 node on server.address

flags:
`

// app carries what every command shares.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *engine.Metrics
	tracer  trace.Tracer
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	url := flag.String("url", "", "Peer URL, overrides transport.url")
	address := flag.String("address", "", "Node address, overrides client.address")
	count := flag.Int("count", -1, "Message count, overrides client.count")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *url != "" {
		cfg.Transport.URL = *url
	}
	if *address != "" {
		cfg.Client.Address = *address
	}
	if *count >= 0 {
		cfg.Client.Count = *count
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	rt := &app{cfg: cfg, logger: logger}

	if cfg.Telemetry.MetricsEnabled || cfg.Telemetry.TracesEnabled {
		shutdown, err := telemetry.InitProvider(cfg.Telemetry, uuid.NewString())
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				slog.Error("Failed to shutdown OpenTelemetry", "error", err)
			}
		}()
		slog.Info("OpenTelemetry initialized",
			"endpoint", cfg.Telemetry.Endpoint,
			"metrics", cfg.Telemetry.MetricsEnabled,
			"traces", cfg.Telemetry.TracesEnabled)
	}
	if cfg.Telemetry.MetricsEnabled {
		rt.metrics, err = engine.NewMetrics(otel.GetMeterProvider())
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
	}
	if cfg.Telemetry.TracesEnabled {
		rt.tracer = otel.Tracer("fluxamqp")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd := flag.Arg(0); cmd {
	case "send":
		err = rt.send(ctx)
	case "receive":
		err = rt.receive(ctx)
	case "serve":
		err = rt.serve(ctx)
	default:
		slog.Error("Unknown command", "command", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Command failed", "command", flag.Arg(0), "error", err)
		stop()
		os.Exit(1)
	}
}

func (rt *app) send(ctx context.Context) error {
	cc := rt.cfg.Client
	opts, err := rt.clientOptions()
	if err != nil {
		return err
	}
	opts.SetPresettled(cc.Presettled)
	if cc.Rate > 0 {
		limiter := ratelimit.NewManager(ratelimit.Config{
			Enabled:  true,
			Delivery: ratelimit.DeliveryConfig{Enabled: true, Rate: cc.Rate, Burst: cc.Burst},
		})
		defer limiter.Stop()
		opts.SetLimiter(limiter)
	}

	c, err := rt.connect(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.disconnect(c)

	payload := make([]byte, cc.PayloadSize)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}

	start := time.Now()
	var accepted, failed int
	for i := 0; i < cc.Count; i++ {
		msg := &message.Message{
			Properties: &message.Properties{
				MessageID:    types.UUID(uuid.New()),
				CreationTime: types.Timestamp(time.Now()),
			},
			ApplicationProperties: map[string]any{"sequence": int64(i)},
			Data:                  [][]byte{payload},
		}
		if _, err := c.Send(ctx, cc.Address, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			rt.logger.Warn("Delivery failed", "sequence", i, "error", err)
			continue
		}
		accepted++
	}

	elapsed := time.Since(start)
	rt.logger.Info("Send complete",
		"address", cc.Address,
		"accepted", accepted,
		"failed", failed,
		"elapsed", elapsed,
		"rate", fmt.Sprintf("%.1f/s", float64(accepted)/max(elapsed.Seconds(), 1e-9)))
	rt.logStats(c.Stats())
	return nil
}

func (rt *app) receive(ctx context.Context) error {
	cc := rt.cfg.Client
	opts, err := rt.clientOptions()
	if err != nil {
		return err
	}
	c, err := rt.connect(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.disconnect(c)

	done := make(chan struct{})
	received := 0
	sub, err := c.Subscribe(ctx, cc.Address, func(_ context.Context, msg *message.Message) error {
		received++
		attrs := []any{"sequence", received, "bytes", bodySize(msg)}
		if msg.Properties != nil && msg.Properties.MessageID != nil {
			attrs = append(attrs, "message_id", fmt.Sprint(msg.Properties.MessageID))
		}
		rt.logger.Debug("Message received", attrs...)
		if cc.Count > 0 && received == cc.Count {
			close(done)
		}
		return nil
	})
	if err != nil {
		return err
	}
	rt.logger.Info("Receiving", "address", cc.Address, "count", cc.Count)

	select {
	case <-done:
	case <-sub.Done():
		err = sub.Err()
	case <-ctx.Done():
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = sub.Close(closeCtx)

	rt.logger.Info("Receive complete", "address", cc.Address)
	rt.logStats(c.Stats())
	return err
}

func (rt *app) serve(ctx context.Context) error {
	sc := rt.cfg.Server
	b := broker.New(broker.Config{
		MaxQueueDepth: sc.MaxQueueDepth,
		CreditWindow:  rt.cfg.Engine.CreditWindow,
	}, nil, rt.logger)

	engineCfg := rt.engineConfig()
	engineCfg.SASLServer = rt.saslServer()

	var engineOpts []engine.Option
	if rt.metrics != nil {
		engineOpts = append(engineOpts, engine.WithMetrics(rt.metrics))
	}

	tlsCfg, err := amqptls.LoadServerConfig(&sc.TLS)
	if err != nil {
		return fmt.Errorf("failed to load server TLS config: %w", err)
	}
	rt.logger.Info("AMQP listener security", "address", sc.Address, "status", amqptls.SecurityStatus(tlsCfg))

	srvCfg := transport.ServerConfig{
		Address:         sc.Address,
		WSAddress:       sc.WSAddress,
		WSPath:          sc.WSPath,
		TLSConfig:       tlsCfg,
		Logger:          rt.logger,
		Tracer:          rt.tracer,
		ShutdownTimeout: sc.ShutdownTimeout,
		MaxConnections:  sc.MaxConnections,
		Engine:          engineCfg,
		EngineOptions:   engineOpts,
	}
	if sc.ConnectionRate > 0 {
		limiter := ratelimit.NewManager(ratelimit.Config{
			Enabled: true,
			Connection: ratelimit.ConnectionConfig{
				Enabled: true,
				Rate:    sc.ConnectionRate,
				Burst:   sc.ConnectionBurst,
			},
		})
		defer limiter.Stop()
		srvCfg.Limiter = limiter
	}

	healthCtx, healthCancel := context.WithCancel(ctx)
	healthDone := make(chan struct{})
	if sc.HealthAddress != "" {
		hs := health.New(health.Config{
			Address:         sc.HealthAddress,
			ShutdownTimeout: sc.ShutdownTimeout,
		}, b, rt.logger)
		go func() {
			defer close(healthDone)
			if err := hs.Listen(healthCtx); err != nil {
				rt.logger.Error("Health check server error", "error", err)
			}
		}()
	} else {
		close(healthDone)
	}

	err = transport.NewServer(srvCfg, b.Handler()).Listen(ctx)
	healthCancel()
	<-healthDone
	st := b.GetStats()
	rt.logger.Info("Node stopped",
		"uptime", st.GetUptime(),
		"connections", st.GetTotalConnections(),
		"received", st.GetMessagesReceived(),
		"sent", st.GetMessagesSent(),
		"rejected", st.GetMessagesRejected(),
		"requeued", st.GetMessagesRequeued())
	return err
}

// saslServer returns the SASL server role for the configured mechanism,
// or nil to skip SASL.
func (rt *app) saslServer() *engine.SASLServer {
	sc := rt.cfg.Engine.SASL
	switch types.Symbol(sc.Mechanism) {
	case sasl.MechPLAIN:
		return &engine.SASLServer{
			Mechanisms: []types.Symbol{sasl.MechPLAIN},
			Authenticate: engine.PlainAuthenticator(func(username, password string) bool {
				return username == sc.Username && password == sc.Password
			}),
		}
	case sasl.MechANONYMOUS:
		return &engine.SASLServer{Mechanisms: []types.Symbol{sasl.MechANONYMOUS}}
	case sasl.MechEXTERNAL:
		return &engine.SASLServer{Mechanisms: []types.Symbol{sasl.MechEXTERNAL}}
	default:
		return nil
	}
}

func (rt *app) engineConfig() engine.Config {
	ec := rt.cfg.Engine
	return engine.Config{
		ContainerID:           ec.ContainerID,
		Hostname:              ec.Hostname,
		MaxFrameSize:          ec.MaxFrameSize,
		ChannelMax:            ec.ChannelMax,
		IdleTimeout:           ec.IdleTimeout,
		SessionIncomingWindow: ec.SessionWindow,
	}
}

func (rt *app) clientOptions() (*client.Options, error) {
	ec, tc := rt.cfg.Engine, rt.cfg.Transport
	tlsCfg, err := amqptls.LoadClientConfig(&tc.TLS)
	if err != nil {
		return nil, fmt.Errorf("failed to load client TLS config: %w", err)
	}
	opts := client.NewOptions().
		SetURL(tc.URL).
		SetContainerID(ec.ContainerID).
		SetIdleTimeout(ec.IdleTimeout).
		SetDialTimeout(tc.DialTimeout).
		SetRetry(tc.Retry.MaxAttempts, tc.Retry.InitialInterval, tc.Retry.MaxInterval).
		SetCredit(ec.CreditWindow, ec.CreditThreshold).
		SetLogger(rt.logger)

	opts.Hostname = ec.Hostname
	opts.MaxFrameSize = ec.MaxFrameSize
	opts.SessionWindow = ec.SessionWindow
	opts.TagPoolSize = ec.TagPoolSize
	opts.WriteTimeout = tc.WriteTimeout
	opts.ReadBufferSize = tc.ReadBufferSize
	opts.ProxyURL = tc.ProxyURL
	opts.Multiplier = tc.Retry.Multiplier
	opts.FailureThreshold = tc.CircuitBreaker.FailureThreshold
	opts.ResetTimeout = tc.CircuitBreaker.ResetTimeout
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}

	switch ec.SASL.Mechanism {
	case "PLAIN":
		opts.SetCredentials(ec.SASL.Username, ec.SASL.Password)
	case "":
	default:
		opts.SetSASLMechanism(types.Symbol(ec.SASL.Mechanism))
	}

	if rt.metrics != nil {
		opts.SetMetrics(rt.metrics)
	}
	if rt.tracer != nil {
		opts.SetTracer(rt.tracer)
	}
	return opts, nil
}

func (rt *app) connect(ctx context.Context, opts *client.Options) (*client.Client, error) {
	c, err := client.New(opts)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.URL, err)
	}
	return c, nil
}

func (rt *app) disconnect(c *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		rt.logger.Warn("Connection did not close cleanly", "error", err)
	}
}

func (rt *app) logStats(st *engine.Stats) {
	if st == nil {
		return
	}
	rt.logger.Info("Engine statistics",
		"frames_sent", st.GetFramesSent(),
		"frames_received", st.GetFramesReceived(),
		"bytes_sent", st.GetBytesSent(),
		"bytes_received", st.GetBytesReceived(),
		"deliveries_sent", st.GetDeliveriesSent(),
		"deliveries_received", st.GetDeliveriesReceived(),
		"deliveries_settled", st.GetDeliveriesSettled())
}

func bodySize(msg *message.Message) int {
	n := 0
	for _, d := range msg.Data {
		n += len(d)
	}
	return n
}
