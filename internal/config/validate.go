package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return fmt.Errorf("server.url must be a ws:// or wss:// URL, got %q", c.Server.URL)
	}

	if c.Connection.ReconnectAttempts < 0 {
		return errors.New("connection.reconnect_attempts must be >= 0")
	}
	if c.Connection.ReconnectBaseDelay <= 0 {
		return errors.New("connection.reconnect_base_delay must be > 0")
	}
	if c.Connection.ReconnectMaxDelay < c.Connection.ReconnectBaseDelay {
		return fmt.Errorf("connection.reconnect_max_delay (%v) cannot be less than reconnect_base_delay (%v)",
			c.Connection.ReconnectMaxDelay, c.Connection.ReconnectBaseDelay)
	}

	if c.Sessions.HistoryTimeout <= 0 {
		return errors.New("sessions.history_timeout must be > 0")
	}
	if c.Sessions.InboxCapacity < 1 {
		return errors.New("sessions.inbox_capacity must be >= 1")
	}
	if c.Sessions.InboxMax < c.Sessions.InboxCapacity {
		return fmt.Errorf("sessions.inbox_max (%d) cannot be less than inbox_capacity (%d)",
			c.Sessions.InboxMax, c.Sessions.InboxCapacity)
	}
	if c.Sessions.StatusPollInterval < time.Second {
		return fmt.Errorf("sessions.status_poll_interval must be >= 1s, got %v", c.Sessions.StatusPollInterval)
	}

	if c.Archive.Enabled {
		if err := c.Archive.Database.validate("archive.database"); err != nil {
			return err
		}
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
