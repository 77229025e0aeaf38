package main

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/wsrelay/internal/adapter/metrics"
	"github.com/pscheid92/wsrelay/internal/adapter/websocket"
	"github.com/pscheid92/wsrelay/internal/domain"
	"github.com/pscheid92/wsrelay/internal/platform/config"
	"github.com/pscheid92/wsrelay/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

func defaultConfig() *config.Config {
	return &config.Config{
		Host:           "0.0.0.0",
		Port:           9001,
		DeliveryPolicy: "echo",
		QueueCapacity:  256,
		DrainTimeout:   5 * time.Second,
		LogLevel:       "info",
	}
}

// parse runs the application's flag parsing and applies the result to cfg.
func parse(t *testing.T, cfg *config.Config, args ...string) {
	t.Helper()
	app := newApp()
	app.Action = func(c *cli.Context) error {
		applyFlags(c, cfg)
		return nil
	}
	require.NoError(t, app.Run(append([]string{"wsrelay"}, args...)))
}

func TestApplyFlags_OverridesEnvironment(t *testing.T) {
	cfg := defaultConfig()

	parse(t, cfg,
		"--host", "127.0.0.1",
		"--port", "8080",
		"--delivery-policy", "broadcast-all",
		"--queue-capacity", "8",
		"--drain-timeout", "250ms",
		"--log-level", "debug",
	)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, domain.BroadcastToAll, cfg.Delivery())
	assert.Equal(t, 8, cfg.QueueCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.DrainTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestApplyFlags_UnsetFlagsKeepEnvironment(t *testing.T) {
	cfg := defaultConfig()

	parse(t, cfg, "-p", "9100")

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, domain.EchoToSender, cfg.Delivery())
	assert.Equal(t, 256, cfg.QueueCapacity)
	assert.Equal(t, 5*time.Second, cfg.DrainTimeout)
}

func TestHealthChecks_ReportDraining(t *testing.T) {
	reg := prometheus.NewRegistry()
	relayMetrics := metrics.NewRelayMetrics(reg)
	registry := relay.NewRegistry(relayMetrics)
	broadcaster := relay.NewBroadcaster(registry, relay.BroadcasterOptions{Policy: domain.EchoToSender}, relayMetrics)
	acceptor := websocket.NewAcceptor(websocket.AcceptorConfig{
		Limits: websocket.LimitsConfig{MaxConnections: 1, MaxConnectionsPerIP: 1, ConnectionsPerSec: 1, Burst: 1},
	}, registry, broadcaster, clockwork.NewFakeClock(), relayMetrics, metrics.NewWebSocketMetrics(reg))

	checks := healthChecks(acceptor, nil)
	require.Len(t, checks, 1)
	assert.Equal(t, "acceptor", checks[0].Name)
	assert.NoError(t, checks[0].Check(context.Background()))

	require.NoError(t, acceptor.Shutdown(context.Background()))
	assert.ErrorIs(t, checks[0].Check(context.Background()), domain.ErrShuttingDown)
}
