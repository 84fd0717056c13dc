package hooks

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/uptrace/bun"
)

// MetricsHook implements Prometheus metrics collection
type MetricsHook struct {
	queryDuration *prometheus.HistogramVec
	queryTotal    *prometheus.CounterVec
	queryErrors   *prometheus.CounterVec
}

// NewMetricsHook creates a new metrics hook and registers collectors
func NewMetricsHook(registry prometheus.Registerer) (*MetricsHook, error) {
	h := &MetricsHook{
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "annodb_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		queryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annodb_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"operation"},
		),
		queryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annodb_query_errors_total",
				Help: "Total number of database query errors",
			},
			[]string{"operation"},
		),
	}

	var err error
	if h.queryDuration, err = register(registry, h.queryDuration); err != nil {
		return nil, err
	}
	if h.queryTotal, err = register(registry, h.queryTotal); err != nil {
		return nil, err
	}
	if h.queryErrors, err = register(registry, h.queryErrors); err != nil {
		return nil, err
	}
	return h, nil
}

// BeforeQuery is called before a query is executed
func (h *MetricsHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

// AfterQuery is called after a query is executed
func (h *MetricsHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	duration := time.Since(event.StartTime).Seconds()
	op := OperationType(event.Query)

	h.queryDuration.WithLabelValues(op).Observe(duration)
	h.queryTotal.WithLabelValues(op).Inc()

	if event.Err != nil {
		h.queryErrors.WithLabelValues(op).Inc()
	}
}

// SessionMetrics records Session scope outcomes
type SessionMetrics struct {
	scopeDuration *prometheus.HistogramVec
	scopesTotal   *prometheus.CounterVec
	batchSize     *prometheus.HistogramVec
	hookFailures  *prometheus.CounterVec
}

// NewSessionMetrics creates and registers the session collectors
func NewSessionMetrics(registry prometheus.Registerer) (*SessionMetrics, error) {
	m := &SessionMetrics{
		scopeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "annodb_scope_duration_seconds",
				Help:    "Duration of outermost session scopes in seconds",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"session", "outcome"},
		),
		scopesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annodb_scopes_total",
				Help: "Total number of finalized session scopes",
			},
			[]string{"session", "outcome"},
		),
		batchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "annodb_batch_statements",
				Help:    "Number of statements sent to the store per Execute",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"session"},
		),
		hookFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annodb_hook_failures_total",
				Help: "Total number of failed post-commit and post-rollback hooks",
			},
			[]string{"session", "phase"},
		),
	}

	var err error
	if m.scopeDuration, err = register(registry, m.scopeDuration); err != nil {
		return nil, err
	}
	if m.scopesTotal, err = register(registry, m.scopesTotal); err != nil {
		return nil, err
	}
	if m.batchSize, err = register(registry, m.batchSize); err != nil {
		return nil, err
	}
	if m.hookFailures, err = register(registry, m.hookFailures); err != nil {
		return nil, err
	}
	return m, nil
}

// ObserveScope records one finalized outermost scope
func (m *SessionMetrics) ObserveScope(session, outcome string, d time.Duration) {
	m.scopeDuration.WithLabelValues(session, outcome).Observe(d.Seconds())
	m.scopesTotal.WithLabelValues(session, outcome).Inc()
}

// ObserveBatch records the statements one Execute sent to the store
func (m *SessionMetrics) ObserveBatch(session string, sent int) {
	m.batchSize.WithLabelValues(session).Observe(float64(sent))
}

// HookFailures counts failed hooks of one finalize step
func (m *SessionMetrics) HookFailures(session, phase string, n int) {
	m.hookFailures.WithLabelValues(session, phase).Add(float64(n))
}

// register registers c, or returns the identical collector already
// registered so several stores can share a registry
func register[C prometheus.Collector](registry prometheus.Registerer, c C) (C, error) {
	if err := registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return c, err
		}
		existing, ok := are.ExistingCollector.(C)
		if !ok {
			return c, err
		}
		return existing, nil
	}
	return c, nil
}
