package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pscheid92/wsrelay/internal/domain"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv string `env:"APP_ENV" default:"development"`
	Host   string `env:"HOST" default:"0.0.0.0"`
	Port   int    `env:"PORT" default:"9001"`
	WSPath string `env:"WS_PATH" default:"/ws"`

	DeliveryPolicy   string `env:"DELIVERY_POLICY" default:"echo"`
	SlowClientPolicy string `env:"SLOW_CLIENT_POLICY" default:"drop"`
	QueueCapacity    int    `env:"QUEUE_CAPACITY" default:"256"`
	MaxMessageSize   int64  `env:"MAX_MESSAGE_SIZE" default:"65536"`

	DrainTimeout    time.Duration `env:"DRAIN_TIMEOUT" default:"5s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"30s"`
	PingInterval    time.Duration `env:"PING_INTERVAL" default:"30s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" default:"5m"`

	MaxConnections      int     `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectionRate      float64 `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst     int     `env:"CONNECTION_BURST" default:"20"`
	AllowedOrigins      string  `env:"ALLOWED_ORIGINS"`

	RedisURL     string `env:"REDIS_URL"`
	RedisChannel string `env:"REDIS_CHANNEL" default:"wsrelay:messages"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

// Load reads an optional .env file, then the environment. The result is not
// validated yet so that command-line flags can be applied first.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	return &cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Origins splits ALLOWED_ORIGINS. An empty result allows any origin.
func (c *Config) Origins() []string {
	var origins []string
	for o := range strings.SplitSeq(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (c *Config) Delivery() domain.DeliveryPolicy {
	p, _ := domain.ParseDeliveryPolicy(c.DeliveryPolicy)
	return p
}

func (c *Config) SlowClients() domain.SlowClientPolicy {
	p, _ := domain.ParseSlowClientPolicy(c.SlowClientPolicy)
	return p
}

func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port))
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		errs = append(errs, fmt.Errorf("WS_PATH must start with /, got %q", c.WSPath))
	}
	if _, err := domain.ParseDeliveryPolicy(c.DeliveryPolicy); err != nil {
		errs = append(errs, fmt.Errorf("DELIVERY_POLICY: %w", err))
	}
	if _, err := domain.ParseSlowClientPolicy(c.SlowClientPolicy); err != nil {
		errs = append(errs, fmt.Errorf("SLOW_CLIENT_POLICY: %w", err))
	}

	positive := map[string]int64{
		"QUEUE_CAPACITY":         int64(c.QueueCapacity),
		"MAX_MESSAGE_SIZE":       c.MaxMessageSize,
		"MAX_CONNECTIONS":        int64(c.MaxConnections),
		"MAX_CONNECTIONS_PER_IP": int64(c.MaxConnectionsPerIP),
		"CONNECTION_BURST":       int64(c.ConnectionBurst),
		"DRAIN_TIMEOUT":          int64(c.DrainTimeout),
		"SHUTDOWN_TIMEOUT":       int64(c.ShutdownTimeout),
		"PING_INTERVAL":          int64(c.PingInterval),
	}
	for _, name := range []string{
		"QUEUE_CAPACITY", "MAX_MESSAGE_SIZE", "MAX_CONNECTIONS", "MAX_CONNECTIONS_PER_IP",
		"CONNECTION_BURST", "DRAIN_TIMEOUT", "SHUTDOWN_TIMEOUT", "PING_INTERVAL",
	} {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.ConnectionRate <= 0 {
		errs = append(errs, errors.New("CONNECTION_RATE must be positive"))
	}
	// Zero disables idle eviction.
	if c.IdleTimeout < 0 {
		errs = append(errs, errors.New("IDLE_TIMEOUT must not be negative"))
	}
	if c.IdleTimeout > 0 && c.IdleTimeout <= c.PingInterval {
		errs = append(errs, fmt.Errorf("IDLE_TIMEOUT (%s) must exceed PING_INTERVAL (%s)", c.IdleTimeout, c.PingInterval))
	}
	if c.RedisURL != "" && c.RedisChannel == "" {
		errs = append(errs, errors.New("REDIS_CHANNEL is required when REDIS_URL is set"))
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}
