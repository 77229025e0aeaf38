package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/wsrelay/internal/adapter/httpserver"
	"github.com/pscheid92/wsrelay/internal/adapter/metrics"
	"github.com/pscheid92/wsrelay/internal/adapter/redis"
	"github.com/pscheid92/wsrelay/internal/adapter/websocket"
	"github.com/pscheid92/wsrelay/internal/domain"
	"github.com/pscheid92/wsrelay/internal/platform/config"
	"github.com/pscheid92/wsrelay/internal/platform/logging"
	"github.com/pscheid92/wsrelay/internal/platform/version"
	"github.com/pscheid92/wsrelay/internal/relay"
	goredis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli"
)

// exitFailure covers invalid configuration, bind failures and unreachable dependencies.
const exitFailure = 1

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "wsrelay"
	app.Usage = "WebSocket fan-out relay"
	app.Version = version.Get().String()
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "host", Usage: "listen host (overrides HOST)"},
		cli.IntFlag{Name: "port, p", Usage: "listen port (overrides PORT)"},
		cli.StringFlag{Name: "delivery-policy", Usage: "echo, broadcast-others or broadcast-all (overrides DELIVERY_POLICY)"},
		cli.IntFlag{Name: "queue-capacity", Usage: "outbound frames buffered per connection (overrides QUEUE_CAPACITY)"},
		cli.DurationFlag{Name: "drain-timeout", Usage: "per-connection flush budget on shutdown (overrides DRAIN_TIMEOUT)"},
		cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error (overrides LOG_LEVEL)"},
	}
	app.Action = run
	return app
}

// applyFlags overlays explicitly set flags onto the environment configuration.
func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("delivery-policy") {
		cfg.DeliveryPolicy = c.String("delivery-policy")
	}
	if c.IsSet("queue-capacity") {
		cfg.QueueCapacity = c.Int("queue-capacity")
	}
	if c.IsSet("drain-timeout") {
		cfg.DrainTimeout = c.Duration("drain-timeout")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
}

func setupConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	applyFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupRedis connects the cluster bus when REDIS_URL is set. Without it the
// relay runs as a single instance.
func setupRedis(ctx context.Context, cfg *config.Config, m *metrics.RedisMetrics, clock clockwork.Clock) (*goredis.Client, *redis.Bus, error) {
	if cfg.RedisURL == "" {
		return nil, nil, nil
	}

	client, err := redis.NewClient(ctx, cfg.RedisURL, m, clock)
	if err != nil {
		return nil, nil, err
	}
	return client, redis.NewBus(client, cfg.RedisChannel), nil
}

func run(c *cli.Context) error {
	clock := clockwork.NewRealClock()

	cfg, err := setupConfig(c)
	if err != nil {
		// slog is not configured yet
		log.Printf("Failed to load config: %v", err)
		return cli.NewExitError(err.Error(), exitFailure)
	}

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Relay starting",
		"env", cfg.AppEnv,
		"addr", cfg.Addr(),
		"path", cfg.WSPath,
		"delivery_policy", cfg.DeliveryPolicy,
		"slow_client_policy", cfg.SlowClientPolicy,
		"version", version.Get().String(),
	)

	reg := metrics.NewRegistry()
	relayMetrics := metrics.NewRelayMetrics(reg)
	wsMetrics := metrics.NewWebSocketMetrics(reg)
	httpMetrics := metrics.NewHTTPMetrics(reg)
	redisMetrics := metrics.NewRedisMetrics(reg)

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 10*time.Second)
	redisClient, bus, err := setupRedis(connectCtx, cfg, redisMetrics, clock)
	cancelConnect()
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		return cli.NewExitError(err.Error(), exitFailure)
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	instanceID := uuid.NewString()
	registry := relay.NewRegistry(relayMetrics)
	opts := relay.BroadcasterOptions{
		Policy:     cfg.Delivery(),
		SlowPolicy: cfg.SlowClients(),
		InstanceID: instanceID,
	}
	if bus != nil {
		opts.Bus = bus
	}
	broadcaster := relay.NewBroadcaster(registry, opts, relayMetrics)

	var subscription *redis.Subscription
	if bus != nil {
		subscription, err = bus.Subscribe(context.Background(), func(ctx context.Context, msg domain.Message) {
			broadcaster.DeliverRemote(ctx, msg)
		})
		if err != nil {
			slog.Error("Failed to subscribe to relay channel", "channel", cfg.RedisChannel, "error", err)
			return cli.NewExitError(err.Error(), exitFailure)
		}
		slog.Info("Cluster bus enabled", "channel", cfg.RedisChannel, "instance_id", instanceID)
	}

	acceptor := websocket.NewAcceptor(websocket.AcceptorConfig{
		Connection: relay.ConnectionOptions{
			QueueCapacity: cfg.QueueCapacity,
			DrainTimeout:  cfg.DrainTimeout,
			PingInterval:  cfg.PingInterval,
			IdleTimeout:   cfg.IdleTimeout,
		},
		Limits: websocket.LimitsConfig{
			MaxConnections:      cfg.MaxConnections,
			MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
			ConnectionsPerSec:   cfg.ConnectionRate,
			Burst:               cfg.ConnectionBurst,
		},
		MaxMessageSize: cfg.MaxMessageSize,
		AllowedOrigins: cfg.Origins(),
		IsDevelopment:  cfg.IsDevelopment(),
	}, registry, broadcaster, clock, relayMetrics, wsMetrics)

	srv := httpserver.NewServer(cfg, clock, acceptor.Handle, reg, httpMetrics, healthChecks(acceptor, bus))

	if err := srv.Listen(); err != nil {
		slog.Error("Failed to start listener", "error", err)
		return cli.NewExitError(err.Error(), exitFailure)
	}
	slog.Info("Listening", "addr", srv.Addr().String())

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	stoppers := []relay.Stopper{acceptor, srv}
	if subscription != nil {
		stoppers = append(stoppers, subscription)
	}
	coordinator := relay.NewCoordinator(registry, clock, stoppers...)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var exitErr error
	select {
	case sig := <-sigChan:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			slog.Error("HTTP server stopped unexpectedly", "error", err)
			exitErr = cli.NewExitError(err.Error(), exitFailure)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := coordinator.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Shutdown completed with errors", "error", err)
	}

	slog.Info("Relay stopped")
	return exitErr
}

func healthChecks(acceptor *websocket.Acceptor, bus *redis.Bus) []httpserver.HealthCheck {
	checks := []httpserver.HealthCheck{{
		Name: "acceptor",
		Check: func(context.Context) error {
			if acceptor.Draining() {
				return domain.ErrShuttingDown
			}
			return nil
		},
	}}
	if bus != nil {
		checks = append(checks, httpserver.HealthCheck{Name: "redis", Check: bus.Ping})
	}
	return checks
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		var exitErr cli.ExitCoder
		if !errors.As(err, &exitErr) {
			log.Fatal(err)
		}
		os.Exit(exitErr.ExitCode())
	}
}
