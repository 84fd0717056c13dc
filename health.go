package annodb

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus represents the store health status
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	Driver     Driver        `json:"driver"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
	OpenScopes int           `json:"open_scopes"`
	Saturated  bool          `json:"saturated"` // every pool connection is held
	PoolStats  PoolStats     `json:"pool_stats"`
}

// PoolStats contains connection pool statistics
type PoolStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
	MaxIdleClosed      int64         `json:"max_idle_closed"`
	MaxIdleTimeClosed  int64         `json:"max_idle_time_closed"`
	MaxLifetimeClosed  int64         `json:"max_lifetime_closed"`
}

// Health performs a health check with detailed status. The ping needs a free
// pool connection and waits for one at most Config.AcquireTimeout; on a
// SQLite store an open Session scope holds the only connection, so the check
// reports the pool saturated instead of hanging.
func (st *Store) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Driver:     st.config.Driver,
		OpenScopes: int(st.scopes.Load()),
	}

	pingCtx, cancel := context.WithTimeout(ctx, st.config.AcquireTimeout)
	defer cancel()

	start := time.Now()
	err := st.Ping(pingCtx)
	status.Latency = time.Since(start)

	stats := st.Stats()
	status.PoolStats = PoolStatsFromSQL(stats)
	status.Saturated = stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections
	status.Healthy = err == nil

	if err != nil {
		status.Error = err.Error()
	}

	return status
}

// IsHealthy returns true if the store is reachable
func (st *Store) IsHealthy(ctx context.Context) bool {
	return st.Health(ctx).Healthy
}

// PoolStatsFromSQL converts sql.DBStats to PoolStats
func PoolStatsFromSQL(stats sql.DBStats) PoolStats {
	return PoolStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,
		MaxIdleClosed:      stats.MaxIdleClosed,
		MaxIdleTimeClosed:  stats.MaxIdleTimeClosed,
		MaxLifetimeClosed:  stats.MaxLifetimeClosed,
	}
}
