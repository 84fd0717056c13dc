// Package annodb provides the storage session used by the annotation
// ingestion pipeline. It wraps Bun with a deferred-execution Session that
// queues statements from many call sites and runs them as one atomic unit.
package annodb

import (
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// Driver selects the store backend
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Config holds store configuration
type Config struct {
	// Connection
	URL    string // SQLite file path / "file:" URI, or PostgreSQL connection string (required)
	Driver Driver // Backend (default: inferred from URL)

	// SQLite settings
	BusyTimeout time.Duration // How long SQLite waits on a locked database (default: 5s)
	ForeignKeys bool          // Enforce foreign keys (DefaultConfig: true)

	// Pool settings
	MaxOpenConns    int           // Max open connections (default: 25, SQLite: 1)
	MaxIdleConns    int           // Max idle connections (default: 5, SQLite: 1)
	ConnMaxLifetime time.Duration // Max connection lifetime (default: 5m)
	ConnMaxIdleTime time.Duration // Max idle time (default: 1m)

	// Timeouts
	DialTimeout    time.Duration // Connection dial timeout (default: 5s)
	AcquireTimeout time.Duration // Wait for a free pool connection when a scope opens (default: BusyTimeout for SQLite, DialTimeout otherwise)
	ReadTimeout    time.Duration // Read timeout, PostgreSQL only (default: 30s)
	WriteTimeout   time.Duration // Write timeout, PostgreSQL only (default: 30s)

	// Observability (all optional)
	Logger          *slog.Logger          // Structured logger
	LogQueries      bool                  // Log all queries
	LogSlowQueries  time.Duration         // Log queries slower than this (0 = disabled)
	MetricsRegistry prometheus.Registerer // Prometheus registry for metrics
	Tracer          trace.Tracer          // OpenTelemetry tracer
}

// DefaultConfig returns sensible defaults
func DefaultConfig(url string) Config {
	cfg := Config{
		URL:             url,
		ForeignKeys:     true,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in zero values with defaults
func (c *Config) applyDefaults() {
	if c.Driver == "" {
		c.Driver = inferDriver(c.URL)
	}
	if c.MaxOpenConns == 0 {
		if c.Driver == DriverSQLite {
			// one writer per database file
			c.MaxOpenConns = 1
		} else {
			c.MaxOpenConns = 25
		}
	}
	if c.MaxIdleConns == 0 {
		if c.Driver == DriverSQLite {
			c.MaxIdleConns = 1
		} else {
			c.MaxIdleConns = 5
		}
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 1 * time.Minute
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.AcquireTimeout == 0 {
		if c.Driver == DriverSQLite {
			c.AcquireTimeout = c.BusyTimeout
		} else {
			c.AcquireTimeout = c.DialTimeout
		}
	}
}

// inferDriver picks the backend from the URL scheme
func inferDriver(url string) Driver {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return DriverPostgres
	}
	return DriverSQLite
}

// WithLogger enables query logging
func (c Config) WithLogger(logger *slog.Logger) Config {
	c.Logger = logger
	c.LogQueries = true
	return c
}

// WithSlowQueryLog logs queries slower than the threshold
func (c Config) WithSlowQueryLog(threshold time.Duration) Config {
	c.LogSlowQueries = threshold
	return c
}

// WithMetrics enables Prometheus metrics
func (c Config) WithMetrics(registry prometheus.Registerer) Config {
	c.MetricsRegistry = registry
	return c
}

// WithTracing enables OpenTelemetry tracing
func (c Config) WithTracing(tracer trace.Tracer) Config {
	c.Tracer = tracer
	return c
}

// WithBusyTimeout sets the SQLite busy timeout. An acquire timeout still
// following the busy timeout moves with it.
func (c Config) WithBusyTimeout(d time.Duration) Config {
	if c.Driver == DriverSQLite && c.AcquireTimeout == c.BusyTimeout {
		c.AcquireTimeout = d
	}
	c.BusyTimeout = d
	return c
}

// WithAcquireTimeout bounds how long a Session waits for a pool connection
func (c Config) WithAcquireTimeout(d time.Duration) Config {
	c.AcquireTimeout = d
	return c
}
