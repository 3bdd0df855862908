package config

import (
	"log/slog"
	"time"
)

// Config is the root configuration for a sessionmux process.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Connection  ConnectionConfig  `yaml:"connection"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig locates the session server.
type ServerConfig struct {
	URL              string            `yaml:"url"` // ws:// or wss:// endpoint
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`
	Headers          map[string]string `yaml:"headers"` // Extra handshake headers
}

// ConnectionConfig holds shared connection settings.
type ConnectionConfig struct {
	Reconnect          *bool         `yaml:"reconnect"` // nil means enabled
	ReconnectAttempts  int           `yaml:"reconnect_attempts"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
}

// ReconnectEnabled reports whether automatic reconnection is on.
func (c ConnectionConfig) ReconnectEnabled() bool {
	return c.Reconnect == nil || *c.Reconnect
}

// SessionsConfig holds per-session settings.
type SessionsConfig struct {
	HistoryTimeout time.Duration `yaml:"history_timeout"`
	InboxCapacity  int           `yaml:"inbox_capacity"`
	InboxMax       int           `yaml:"inbox_max"`

	// StatusPollInterval is how often sessions are checked for pending
	// messages the live push may have missed.
	StatusPollInterval time.Duration `yaml:"status_poll_interval"`
}

// CredentialsConfig locates the access key.
// A non-empty Key (typically ${SESSIONMUX_KEY}) takes precedence over Path.
type CredentialsConfig struct {
	Path string `yaml:"path"`
	Key  string `yaml:"key"`
}

// ArchiveConfig controls optional message archiving to PostgreSQL.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// SlogLevel maps Level to a slog.Level. Unknown values map to info.
func (c LoggingConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
