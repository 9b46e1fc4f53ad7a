package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Bus     BusConfig     `yaml:"bus"`
	Replay  ReplayConfig  `yaml:"replay"`
	Lock    LockConfig    `yaml:"lock"`
	Watcher WatcherConfig `yaml:"watcher"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
}

// ServerConfig holds gateway listener and connection settings.
// The server binds to loopback only; Validate rejects anything else because
// the plain-text token endpoint is only safe on a local interface.
type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	MaxConnections    int           `yaml:"max_connections"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// BusConfig holds event bus settings.
type BusConfig struct {
	QueueCapacity int `yaml:"queue_capacity"` // per-subscriber, overflow drops oldest
}

// ReplayConfig holds reconnection buffer settings.
type ReplayConfig struct {
	Capacity      int           `yaml:"capacity"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LockConfig holds session lock settings.
type LockConfig struct {
	Path string `yaml:"path"` // lock record file, keyed by project directory
}

// WatcherConfig holds file watcher adapter settings.
type WatcherConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Root        string        `yaml:"root"`
	SelfMarkTTL time.Duration `yaml:"self_mark_ttl"` // how long a tagged self-write suppresses observation
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8137,
			AllowedOrigins: []string{
				"localhost",
				"localhost:*",
				"127.0.0.1",
				"127.0.0.1:*",
				"[::1]",
				"[::1]:*",
			},
			MaxConnections:    10,
			HandshakeTimeout:  5 * time.Second,
			HeartbeatInterval: 30 * time.Second,
		},
		Bus: BusConfig{
			QueueCapacity: 1000,
		},
		Replay: ReplayConfig{
			Capacity:      100,
			TTL:           30 * time.Second,
			SweepInterval: 10 * time.Second,
		},
		Lock: LockConfig{
			Path: ".mirador.lock",
		},
		Watcher: WatcherConfig{
			Enabled:     false,
			Root:        ".",
			SelfMarkTTL: 5 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing file
// is not an error; defaults plus env overrides are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps MIRADOR_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("MIRADOR_SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("MIRADOR_SERVER_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.MaxConnections = n
		}
	}
	if v := os.Getenv("MIRADOR_SERVER_HANDSHAKE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Server.HandshakeTimeout = d
		}
	}
	if v := os.Getenv("MIRADOR_SERVER_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Server.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("MIRADOR_BUS_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Bus.QueueCapacity = n
		}
	}
	if v := os.Getenv("MIRADOR_REPLAY_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Replay.Capacity = n
		}
	}
	if v := os.Getenv("MIRADOR_REPLAY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Replay.TTL = d
		}
	}
	if v := os.Getenv("MIRADOR_LOCK_PATH"); v != "" {
		cfg.Lock.Path = v
	}
	if v := os.Getenv("MIRADOR_WATCHER_ENABLED"); v == "true" {
		cfg.Watcher.Enabled = true
	}
	if v := os.Getenv("MIRADOR_WATCHER_ROOT"); v != "" {
		cfg.Watcher.Root = v
	}
	if v := os.Getenv("MIRADOR_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("MIRADOR_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("MIRADOR_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("MIRADOR_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("MIRADOR_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// Validate checks config invariants.
func Validate(cfg *Config) error {
	ip := net.ParseIP(cfg.Server.Host)
	if ip == nil {
		if cfg.Server.Host != "localhost" {
			return fmt.Errorf("server.host: %q is not a loopback address", cfg.Server.Host)
		}
	} else if !ip.IsLoopback() {
		return fmt.Errorf("server.host: %q is not a loopback address", cfg.Server.Host)
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", cfg.Server.Port)
	}
	if cfg.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.max_connections must be positive")
	}
	// The timeout and interval fields feed time.NewTicker and
	// context.WithTimeout; zero would panic or disable the deadline.
	if cfg.Server.HandshakeTimeout <= 0 {
		return fmt.Errorf("server.handshake_timeout must be positive")
	}
	if cfg.Server.HeartbeatInterval <= 0 {
		return fmt.Errorf("server.heartbeat_interval must be positive")
	}
	if cfg.Bus.QueueCapacity <= 0 {
		return fmt.Errorf("bus.queue_capacity must be positive")
	}
	if cfg.Replay.Capacity <= 0 {
		return fmt.Errorf("replay.capacity must be positive")
	}
	if cfg.Replay.TTL <= 0 {
		return fmt.Errorf("replay.ttl must be positive")
	}
	if cfg.Replay.SweepInterval <= 0 {
		return fmt.Errorf("replay.sweep_interval must be positive")
	}
	if cfg.Lock.Path == "" {
		return fmt.Errorf("lock.path must not be empty")
	}
	return nil
}
