package hooks

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestOperationType(t *testing.T) {
	tests := []struct {
		query    string
		expected string
	}{
		{"SELECT 1", "select"},
		{"  with ids AS (SELECT 1) SELECT * FROM ids", "select"},
		{"INSERT INTO genome (name) VALUES ('hA10') RETURNING genome_id", "insert"},
		{"update cds SET locus = 'x'", "update"},
		{"DELETE FROM cds", "delete"},
		{"CREATE TABLE IF NOT EXISTS _annodb_patches (patch_id INTEGER)", "create"},
		{"DROP TABLE cds", "drop"},
		{"ALTER TABLE cds ADD COLUMN strand INTEGER", "alter"},
		{"PRAGMA foreign_keys", "pragma"},
		{"BEGIN IMMEDIATE", "begin"},
		{"COMMIT", "commit"},
		{"ROLLBACK", "rollback"},
		{"SAVEPOINT sp1", "savepoint"},
		{"RELEASE sp1", "release"},
		{"VACUUM", "other"},
	}

	for _, tt := range tests {
		if got := OperationType(tt.query); got != tt.expected {
			t.Errorf("OperationType(%q) = %s, expected %s", tt.query, got, tt.expected)
		}
	}
}

func TestTruncate(t *testing.T) {
	short := "SELECT 1"
	if truncate(short) != short {
		t.Error("short query should not be truncated")
	}

	long := strings.Repeat("x", maxLoggedQuery+10)
	if got := truncate(long); len(got) != maxLoggedQuery+3 {
		t.Errorf("expected %d chars, got %d", maxLoggedQuery+3, len(got))
	}
}

func TestLoggerHook(t *testing.T) {
	tests := []struct {
		name     string
		logAll   bool
		slow     time.Duration
		elapsed  time.Duration
		err      error
		expected string
	}{
		{name: "quiet", expected: ""},
		{name: "error", err: errors.New("no such table: cds"), expected: "database query failed"},
		{name: "slow", slow: time.Millisecond, elapsed: 50 * time.Millisecond, expected: "slow database query"},
		{name: "all", logAll: true, expected: "database query"},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		h := NewLoggerHook(logger, tt.logAll, tt.slow)

		event := &bun.QueryEvent{
			Query:     "SELECT * FROM cds",
			StartTime: time.Now().Add(-tt.elapsed),
			Err:       tt.err,
		}
		ctx := h.BeforeQuery(context.Background(), event)
		h.AfterQuery(ctx, event)

		out := buf.String()
		if tt.expected == "" {
			if out != "" {
				t.Errorf("%s: expected no output, got %s", tt.name, out)
			}
			continue
		}
		if !strings.Contains(out, tt.expected) {
			t.Errorf("%s: expected %q in %s", tt.name, tt.expected, out)
		}
		if !strings.Contains(out, "operation=select") {
			t.Errorf("%s: operation missing in %s", tt.name, out)
		}
	}
}

func TestSessionFrom(t *testing.T) {
	if _, ok := SessionFrom(context.Background()); ok {
		t.Error("bare context should carry no session")
	}
	if _, ok := SessionFrom(WithSession(context.Background(), "")); ok {
		t.Error("empty label should not count as a session")
	}
	if name, ok := SessionFrom(WithSession(context.Background(), "admin")); !ok || name != "admin" {
		t.Errorf("expected admin, got %q", name)
	}
}

func TestLoggerHook_SessionAndArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := NewLoggerHook(logger, true, 0)

	event := &bun.QueryEvent{
		Query:     "INSERT INTO cds (genome_id, locus) VALUES (?, ?)",
		QueryArgs: []any{1, "hA10_secret_locus"},
		StartTime: time.Now(),
	}
	ctx := h.BeforeQuery(WithSession(context.Background(), "ingest"), event)
	h.AfterQuery(ctx, event)

	out := buf.String()
	for _, want := range []string{"session=ingest", "args=2", "operation=insert"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %s", want, out)
		}
	}
	if strings.Contains(out, "hA10_secret_locus") {
		t.Errorf("argument values should not be logged: %s", out)
	}
}

func TestMetricsHook(t *testing.T) {
	registry := prometheus.NewRegistry()
	h, err := NewMetricsHook(registry)
	if err != nil {
		t.Fatalf("NewMetricsHook: %v", err)
	}

	ok := &bun.QueryEvent{Query: "INSERT INTO cds (locus) VALUES ('x')", StartTime: time.Now()}
	h.AfterQuery(h.BeforeQuery(context.Background(), ok), ok)
	failed := &bun.QueryEvent{Query: "INSERT INTO cds (locus) VALUES (NULL)", StartTime: time.Now(), Err: errors.New("NOT NULL")}
	h.AfterQuery(h.BeforeQuery(context.Background(), failed), failed)

	if got := testutil.ToFloat64(h.queryTotal.WithLabelValues("insert")); got != 2 {
		t.Errorf("expected 2 queries, got %v", got)
	}
	if got := testutil.ToFloat64(h.queryErrors.WithLabelValues("insert")); got != 1 {
		t.Errorf("expected 1 error, got %v", got)
	}
}

func TestMetricsHook_SharedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()

	first, err := NewMetricsHook(registry)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := NewMetricsHook(registry)
	if err != nil {
		t.Fatalf("second registration should reuse collectors: %v", err)
	}
	if first.queryTotal != second.queryTotal {
		t.Error("collectors should be shared")
	}
}

func TestRegister_Conflict(t *testing.T) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "annodb_queries_total",
		Help: "conflicting type",
	})); err != nil {
		t.Fatalf("register gauge: %v", err)
	}

	if _, err := NewMetricsHook(registry); err == nil {
		t.Error("expected error for a conflicting collector")
	}
}

func TestSessionMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewSessionMetrics(registry)
	if err != nil {
		t.Fatalf("NewSessionMetrics: %v", err)
	}

	m.ObserveScope("default", "commit", 20*time.Millisecond)
	m.ObserveScope("default", "commit", 30*time.Millisecond)
	m.ObserveScope("default", "rollback", time.Millisecond)
	m.ObserveBatch("default", 3)
	m.HookFailures("default", "commit", 2)

	if got := testutil.ToFloat64(m.scopesTotal.WithLabelValues("default", "commit")); got != 2 {
		t.Errorf("expected 2 commits, got %v", got)
	}
	if got := testutil.ToFloat64(m.scopesTotal.WithLabelValues("default", "rollback")); got != 1 {
		t.Errorf("expected 1 rollback, got %v", got)
	}
	if got := testutil.ToFloat64(m.hookFailures.WithLabelValues("default", "commit")); got != 2 {
		t.Errorf("expected 2 hook failures, got %v", got)
	}
	if n := testutil.CollectAndCount(m.batchSize); n != 1 {
		t.Errorf("expected 1 batch series, got %d", n)
	}
}

func TestTracingHook(t *testing.T) {
	h := NewTracingHook(noop.NewTracerProvider().Tracer("annodb"), "postgres")
	if h.system != "postgresql" {
		t.Errorf("expected postgresql, got %s", h.system)
	}

	event := &bun.QueryEvent{Query: "SELECT 1", StartTime: time.Now()}
	ctx := h.BeforeQuery(context.Background(), event)
	if _, ok := ctx.Value(spanCtxKey{}).(trace.Span); !ok {
		t.Error("span should be carried in the context")
	}
	h.AfterQuery(ctx, event)

	// no tracer: context passes through untouched
	bare := NewTracingHook(nil, "sqlite")
	ctx = context.Background()
	if bare.BeforeQuery(ctx, event) != ctx {
		t.Error("context should be returned unchanged without a tracer")
	}
	bare.AfterQuery(ctx, event)
}

// recordingTracer keeps the start attributes of the last span
type recordingTracer struct {
	noop.Tracer
	attrs []attribute.KeyValue
}

func (r *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	r.attrs = cfg.Attributes()
	return r.Tracer.Start(ctx, name, opts...)
}

func TestTracingHook_StartAttributes(t *testing.T) {
	tracer := &recordingTracer{}
	h := NewTracingHook(tracer, "sqlite")

	event := &bun.QueryEvent{Query: "DELETE FROM cds", QueryArgs: []any{1}, StartTime: time.Now()}
	ctx := h.BeforeQuery(WithSession(context.Background(), "admin"), event)
	h.AfterQuery(ctx, event)

	got := map[attribute.Key]string{}
	for _, kv := range tracer.attrs {
		got[kv.Key] = kv.Value.Emit()
	}
	expected := map[attribute.Key]string{
		"db.system":      "sqlite",
		"db.operation":   "delete",
		"annodb.session": "admin",
	}
	for k, v := range expected {
		if got[k] != v {
			t.Errorf("%s: expected %q, got %q", k, v, got[k])
		}
	}
}
