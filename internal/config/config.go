// Package config loads the grid node's TOML configuration file, applying
// NODEGRID_-prefixed environment overrides on top, and resolving any
// secret-reference value (vault://, gcpsm://, awssm://) through
// internal/config/secrets before handing the caller a fully-populated
// Config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"go.nodegrid.dev/nodegrid/internal/config/secrets"
)

// HTTPConfig configures the node's admin/metrics HTTP server.
type HTTPConfig struct {
	Port int `toml:"port"`
}

// NATSConfig configures a NATS JetStream ingest feeder.
type NATSConfig struct {
	URL      string `toml:"url"`
	Stream   string `toml:"stream"`
	Consumer string `toml:"consumer"`
	Subject  string `toml:"subject"`
}

// SQSConfig configures an AWS SQS ingest feeder.
type SQSConfig struct {
	QueueURL          string `toml:"queue_url"`
	Region            string `toml:"region"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
}

// QueueConfig selects and configures the ingest feeder this node runs.
// Type is one of "nats", "sqs", or "" (no feeder; the node only serves
// in-process/HTTP-addressed traffic).
type QueueConfig struct {
	Type string     `toml:"type"`
	NATS NATSConfig `toml:"nats"`
	SQS  SQSConfig  `toml:"sqs"`
}

// MediatorConfig configures the HTTP gate's per-target delivery behavior.
type MediatorConfig struct {
	TimeoutSeconds      int     `toml:"timeout_seconds"`
	MaxRetries          int     `toml:"max_retries"`
	BaseBackoffMillis   int     `toml:"base_backoff_millis"`
	RateLimitPerSecond  float64 `toml:"rate_limit_per_second"`
	RateLimitBurst      int     `toml:"rate_limit_burst"`
	CircuitBreakerOn    bool    `toml:"circuit_breaker_enabled"`
}

// KeepaliveConfig configures the built-in mark_alive/listen_at ticker.
type KeepaliveConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
}

// Config is the fully-resolved node configuration.
type Config struct {
	NodeName  string          `toml:"node_name"`
	Dev       bool            `toml:"dev"`
	HTTP      HTTPConfig      `toml:"http"`
	Queue     QueueConfig     `toml:"queue"`
	Mediator  MediatorConfig  `toml:"mediator"`
	Keepalive KeepaliveConfig `toml:"keepalive"`

	// JWTSecret authenticates reg_node_at requests; may be a literal value
	// or a secrets.Reference URI (vault://, gcpsm://) in the TOML file,
	// resolved to its literal value by Load.
	JWTSecret string `toml:"jwt_secret"`

	// Dispatcher, when set, is the address unresolved addresses are
	// forwarded to (core.forward), e.g. a central dispatch node.
	Dispatcher string `toml:"dispatcher"`
}

func defaults() Config {
	return Config{
		NodeName: "nodegrid",
		HTTP:     HTTPConfig{Port: 8080},
		Mediator: MediatorConfig{
			TimeoutSeconds:     10,
			MaxRetries:         3,
			BaseBackoffMillis:  200,
			RateLimitPerSecond: 20,
			RateLimitBurst:     20,
			CircuitBreakerOn:   true,
		},
		Keepalive: KeepaliveConfig{IntervalSeconds: 30},
	}
}

// Load reads path (a TOML file), applies NODEGRID_-prefixed environment
// overrides for the handful of settings operators routinely need to flip
// per-deployment without editing the file, and resolves JWTSecret through
// internal/config/secrets if it names a vault:// or gcpsm:// reference.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.JWTSecret != "" {
		resolved, err := secrets.Resolve(cfg.JWTSecret)
		if err != nil {
			return nil, fmt.Errorf("config: resolve jwt_secret: %w", err)
		}
		cfg.JWTSecret = resolved
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NODEGRID_DEV"); v != "" {
		cfg.Dev = v == "true" || v == "1"
	}
	if v := os.Getenv("NODEGRID_NODE_NAME"); v != "" {
		cfg.NodeName = v
	}
	if v := os.Getenv("NODEGRID_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = n
		}
	}
	if v := os.Getenv("NODEGRID_QUEUE_TYPE"); v != "" {
		cfg.Queue.Type = strings.ToLower(v)
	}
	if v := os.Getenv("NODEGRID_NATS_URL"); v != "" {
		cfg.Queue.NATS.URL = v
	}
	if v := os.Getenv("NODEGRID_SQS_QUEUE_URL"); v != "" {
		cfg.Queue.SQS.QueueURL = v
	}
	if v := os.Getenv("NODEGRID_DISPATCHER"); v != "" {
		cfg.Dispatcher = v
	}
	if v := os.Getenv("NODEGRID_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
}

// MediatorTimeout returns the configured HTTP delivery timeout as a
// time.Duration, applying the same zero-value default mediator.Config does.
func (c *Config) MediatorTimeout() time.Duration {
	if c.Mediator.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Mediator.TimeoutSeconds) * time.Second
}

// MediatorBaseBackoff returns the configured retry backoff unit.
func (c *Config) MediatorBaseBackoff() time.Duration {
	if c.Mediator.BaseBackoffMillis <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(c.Mediator.BaseBackoffMillis) * time.Millisecond
}

// KeepaliveInterval returns the configured keepalive tick interval.
func (c *Config) KeepaliveInterval() time.Duration {
	if c.Keepalive.IntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Keepalive.IntervalSeconds) * time.Second
}
