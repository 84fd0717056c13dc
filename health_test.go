package annodb

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestHealth_IsHealthy(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if !store.IsHealthy(ctx) {
		t.Error("Store should be healthy")
	}
}

func TestHealth_Health(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	status := store.Health(ctx)

	if !status.Healthy {
		t.Errorf("Store should be healthy: %s", status.Error)
	}
	if status.Driver != DriverSQLite {
		t.Errorf("expected sqlite driver, got %s", status.Driver)
	}
	if status.Latency <= 0 {
		t.Error("Latency should be positive")
	}
	if status.PoolStats.MaxOpenConnections != 1 {
		t.Errorf("expected a single connection pool, got %d", status.PoolStats.MaxOpenConnections)
	}
	if status.PoolStats.InUse != 0 {
		t.Errorf("no connection should be in use, got %d", status.PoolStats.InUse)
	}
	if status.Saturated || status.OpenScopes != 0 {
		t.Errorf("idle store reported busy: %+v", status)
	}
}

func TestHealth_SessionHoldsConnection(t *testing.T) {
	store, err := New(DefaultConfig(filepath.Join(t.TempDir(), "annodb.db")).
		WithAcquireTimeout(100 * time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer store.Close()

	sess := store.NewSession("test")
	ctx := context.Background()

	scope, err := sess.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if stats := store.Stats(); stats.InUse != 1 {
		t.Errorf("scope should reserve one connection, got %d in use", stats.InUse)
	}

	// the only connection is held: the check gives up instead of waiting
	start := time.Now()
	status := store.Health(ctx)
	if time.Since(start) > 5*time.Second {
		t.Errorf("health check waited %v", time.Since(start))
	}
	if status.Healthy {
		t.Error("a saturated SQLite store cannot be pinged")
	}
	if !status.Saturated {
		t.Error("pool should be reported saturated")
	}
	if status.OpenScopes != 1 {
		t.Errorf("expected 1 open scope, got %d", status.OpenScopes)
	}

	if err := scope.End(nil); err != nil {
		t.Fatalf("End: %v", err)
	}
	if stats := store.Stats(); stats.InUse != 0 {
		t.Errorf("connection should be released after the outermost End, got %d in use", stats.InUse)
	}

	status = store.Health(ctx)
	if !status.Healthy || status.Saturated || status.OpenScopes != 0 {
		t.Errorf("expected a healthy idle store, got %+v", status)
	}
}

func TestHealth_NestedScopesCountOnce(t *testing.T) {
	store := newTestStore(t)
	sess := store.NewSession("test")
	ctx := context.Background()

	outer, err := sess.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	inner, err := sess.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if n := store.scopes.Load(); n != 1 {
		t.Errorf("expected 1 open scope, got %d", n)
	}

	if err := inner.End(nil); err != nil {
		t.Fatalf("End: %v", err)
	}
	if n := store.scopes.Load(); n != 1 {
		t.Errorf("inner End should keep the scope open, got %d", n)
	}
	if err := outer.End(nil); err != nil {
		t.Fatalf("End: %v", err)
	}
	if n := store.scopes.Load(); n != 0 {
		t.Errorf("expected no open scope, got %d", n)
	}
}

func TestHealth_Unreachable(t *testing.T) {
	store, err := New(DefaultConfig(filepath.Join(t.TempDir(), "missing", "annodb.db")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := store.Health(ctx)
	if status.Healthy {
		t.Error("Store should not be healthy")
	}
	if status.Error == "" {
		t.Error("Error should be set")
	}
	if !IsConnection(store.Ping(ctx)) {
		t.Error("Ping should report a connection error")
	}
}

func TestPoolStatsFromSQL(t *testing.T) {
	store := newTestStore(t)

	stats := PoolStatsFromSQL(store.Stats())
	if stats.MaxOpenConnections != store.Stats().MaxOpenConnections {
		t.Error("MaxOpenConnections not copied")
	}
	if stats.InUse < 0 || stats.Idle < 0 {
		t.Error("connection counts should not be negative")
	}
}
