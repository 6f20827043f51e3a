// Package config provides YAML-based configuration loading for clipsync.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the server instance
	AppName string `mapstructure:"app_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Transports list to configure inbound listeners
	Transports []TransportConfig `mapstructure:"transports"`

	// Session controls session capacity and lifecycle timers
	Session SessionConfig `mapstructure:"session"`

	// Redis configures the shared state and pub/sub backend. An empty
	// address selects the in-process backends.
	Redis RedisConfig `mapstructure:"redis"`

	// Undo controls per-user edit history depth
	Undo UndoConfig `mapstructure:"undo"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// TransportConfig describes one listener.
// Example YAML:
// transports:
//   - kind: websocket
//     listen: [":8080"]
//   - kind: tcp
//     listen: [":9000"]
//   - kind: quic
//     listen: [":4433"]
type TransportConfig struct {
	Kind   string   `mapstructure:"kind"`
	Listen []string `mapstructure:"listen"`
}

// SessionConfig controls session capacity and lifecycle timers.
type SessionConfig struct {
	// MaxSessions caps the session cache; 0 means unlimited
	MaxSessions int `mapstructure:"max_sessions"`
	// IdleAfter moves inactive sessions to idle
	IdleAfter time.Duration `mapstructure:"idle_after"`
	// ExpireAfter removes idle and disconnected sessions
	ExpireAfter time.Duration `mapstructure:"expire_after"`
	// ReapInterval is the lifecycle sweep period
	ReapInterval time.Duration `mapstructure:"reap_interval"`
	// DrainBatch bounds queued messages delivered per reconnect pass
	DrainBatch int `mapstructure:"drain_batch"`
}

// RedisConfig configures the shared redis backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// StateTTL bounds how long idle channel state is kept
	StateTTL time.Duration `mapstructure:"state_ttl"`
}

// UndoConfig controls edit history.
type UndoConfig struct {
	// Depth is the per-user per-target undo stack size
	Depth int `mapstructure:"depth"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "clipsync-server",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/clipsync.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Transports: []TransportConfig{
			{
				Kind:   "websocket",
				Listen: []string{":8080"},
			},
		},
		Session: SessionConfig{
			MaxSessions:  10000,
			IdleAfter:    5 * time.Minute,
			ExpireAfter:  time.Hour,
			ReapInterval: 30 * time.Second,
			DrainBatch:   100,
		},
		Redis: RedisConfig{
			StateTTL: 24 * time.Hour,
		},
		Undo: UndoConfig{Depth: 100},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix CLIPSYNC and `.`/`-` are replaced
// with `_`. Example: CLIPSYNC_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CLIPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("transports", cfg.Transports)
	v.SetDefault("session.max_sessions", cfg.Session.MaxSessions)
	v.SetDefault("session.idle_after", cfg.Session.IdleAfter)
	v.SetDefault("session.expire_after", cfg.Session.ExpireAfter)
	v.SetDefault("session.reap_interval", cfg.Session.ReapInterval)
	v.SetDefault("session.drain_batch", cfg.Session.DrainBatch)
	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.db", cfg.Redis.DB)
	v.SetDefault("redis.state_ttl", cfg.Redis.StateTTL)
	v.SetDefault("undo.depth", cfg.Undo.Depth)

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("CLIPSYNC_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `clipsync`
		v.SetConfigName("clipsync")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".clipsync"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	for i := range c.Transports {
		c.Transports[i].Kind = strings.ToLower(strings.TrimSpace(c.Transports[i].Kind))
		switch c.Transports[i].Kind {
		case "websocket", "ws", "tcp", "quic", "mem":
		default:
			return fmt.Errorf("invalid transport kind: %q", c.Transports[i].Kind)
		}
	}
	if c.Session.MaxSessions < 0 {
		return fmt.Errorf("session.max_sessions must be >= 0")
	}
	if c.Undo.Depth <= 0 {
		c.Undo.Depth = 100
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
