package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultServerURL          = "ws://localhost:8080/ws"
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultReconnectAttempts  = 5
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 5 * time.Second
	DefaultPingInterval       = 25 * time.Second
	DefaultReadTimeout        = 60 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultHistoryTimeout     = 10 * time.Second
	DefaultInboxCapacity      = 64
	DefaultInboxMax           = 4096
	DefaultStatusPollInterval = 30 * time.Second
	DefaultCredentialsPath    = "~/.sessionmux/credentials.yaml"
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultArchiveBatchSize   = 500
	DefaultArchiveFlush       = 1 * time.Second
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
	DefaultLogLevel           = "info"
)

func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.URL == "" {
		c.Server.URL = DefaultServerURL
	}
	if c.Server.HandshakeTimeout == 0 {
		c.Server.HandshakeTimeout = DefaultHandshakeTimeout
	}

	// Connection defaults
	if c.Connection.ReconnectAttempts == 0 {
		c.Connection.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.Connection.ReconnectBaseDelay == 0 {
		c.Connection.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connection.ReconnectMaxDelay == 0 {
		c.Connection.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connection.PingInterval == 0 {
		c.Connection.PingInterval = DefaultPingInterval
	}
	if c.Connection.ReadTimeout == 0 {
		c.Connection.ReadTimeout = DefaultReadTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}

	// Session defaults
	if c.Sessions.HistoryTimeout == 0 {
		c.Sessions.HistoryTimeout = DefaultHistoryTimeout
	}
	if c.Sessions.InboxCapacity == 0 {
		c.Sessions.InboxCapacity = DefaultInboxCapacity
	}
	if c.Sessions.InboxMax == 0 {
		c.Sessions.InboxMax = DefaultInboxMax
	}
	if c.Sessions.StatusPollInterval == 0 {
		c.Sessions.StatusPollInterval = DefaultStatusPollInterval
	}

	if c.Credentials.Path == "" {
		c.Credentials.Path = DefaultCredentialsPath
	}

	// Archive defaults
	applyDBDefaults(&c.Archive.Database)
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultArchiveBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultArchiveFlush
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
