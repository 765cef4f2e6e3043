package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	libconfig "github.com/theb0imanuu/ramani/backend/libs/config"
)

const defaultHTTPPort = "8080"

// HTTPConfig configures the listener.
type HTTPConfig struct {
	Port string `yaml:"port" env:"METER_HTTP_PORT"`
}

// DatabaseConfig selects Postgres storage. An empty DSN keeps meters in memory.
type DatabaseConfig struct {
	DSN          string        `yaml:"dsn" env:"METER_POSTGRES_DSN"`
	MaxOpenConns int           `yaml:"maxOpenConns" env:"METER_POSTGRES_MAX_OPEN_CONNS"`
	MaxIdleConns int           `yaml:"maxIdleConns" env:"METER_POSTGRES_MAX_IDLE_CONNS"`
	PingTimeout  time.Duration `yaml:"pingTimeout" env:"METER_POSTGRES_PING_TIMEOUT"`
}

// RedisConfig enables the transition notifier when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"METER_REDIS_ADDR"`
	Password string        `yaml:"password" env:"METER_REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"METER_REDIS_DB"`
	Channel  string        `yaml:"channel" env:"METER_REDIS_CHANNEL"`
	StateTTL time.Duration `yaml:"stateTTL" env:"METER_REDIS_STATE_TTL"`
}

// AnomalyConfig tunes classification.
type AnomalyConfig struct {
	BurstThreshold float64 `yaml:"burstThreshold" env:"METER_BURST_THRESHOLD"`
}

// RegistryConfig tunes record locking.
type RegistryConfig struct {
	LockTimeout time.Duration `yaml:"lockTimeout" env:"METER_LOCK_TIMEOUT"`
}

// IngestConfig tunes the telemetry pipeline.
type IngestConfig struct {
	ResolveTimeout time.Duration `yaml:"resolveTimeout" env:"METER_RESOLVE_TIMEOUT"`
}

// WebsocketConfig tunes the push stream.
type WebsocketConfig struct {
	PingInterval time.Duration `yaml:"pingInterval" env:"METER_WS_PING_INTERVAL"`
	WriteTimeout time.Duration `yaml:"writeTimeout" env:"METER_WS_WRITE_TIMEOUT"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level    string `yaml:"level" env:"LOG_LEVEL"`
	Encoding string `yaml:"encoding" env:"LOG_ENCODING"`
}

// Config defines meter service configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Anomaly   AnomalyConfig   `yaml:"anomaly"`
	Registry  RegistryConfig  `yaml:"registry"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Websocket WebsocketConfig `yaml:"websocket"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Port: defaultHTTPPort},
		Database: DatabaseConfig{
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			PingTimeout:  5 * time.Second,
		},
		Redis: RedisConfig{
			Channel:  "meters:transitions",
			StateTTL: 24 * time.Hour,
		},
		Anomaly:  AnomalyConfig{BurstThreshold: 500},
		Registry: RegistryConfig{LockTimeout: 2 * time.Second},
		Ingest:   IngestConfig{ResolveTimeout: 2 * time.Second},
		Websocket: WebsocketConfig{
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Encoding: "json"},
	}
}

// Load reads configuration via shared helper.
func Load() (*Config, error) {
	cfg := Default()
	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	t := c.Anomaly.BurstThreshold
	if math.IsNaN(t) || math.IsInf(t, 0) || t <= 0 {
		errs = append(errs, fmt.Errorf("config: anomaly burst threshold must be positive, got %v", t))
	}
	if c.Registry.LockTimeout <= 0 {
		errs = append(errs, errors.New("config: registry lock timeout must be positive"))
	}
	if c.Ingest.ResolveTimeout <= 0 {
		errs = append(errs, errors.New("config: ingest resolve timeout must be positive"))
	}
	if c.Websocket.PingInterval <= 0 || c.Websocket.WriteTimeout <= 0 {
		errs = append(errs, errors.New("config: websocket intervals must be positive"))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, errors.New("config: redis db must not be negative"))
	}
	return errors.Join(errs...)
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = defaultHTTPPort
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// UsePostgres reports whether a database DSN is configured.
func (c *Config) UsePostgres() bool {
	return strings.TrimSpace(c.Database.DSN) != ""
}

// RedisEnabled reports whether the transition notifier should run.
func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}
