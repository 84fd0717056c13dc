// Package hooks provides observability for annodb: bun query hooks for
// logging, metrics and tracing, and Session scope metrics.
package hooks

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// maxLoggedQuery caps statement text in logs and spans
const maxLoggedQuery = 500

type sessionCtxKey struct{}

// WithSession labels the queries run under ctx with the issuing session
func WithSession(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, name)
}

// SessionFrom returns the session label set by WithSession
func SessionFrom(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(sessionCtxKey{}).(string)
	return name, ok && name != ""
}

// LoggerHook implements query logging
type LoggerHook struct {
	logger        *slog.Logger
	logAll        bool
	slowThreshold time.Duration
}

// NewLoggerHook creates a new logger hook
func NewLoggerHook(logger *slog.Logger, logAll bool, slowThreshold time.Duration) *LoggerHook {
	return &LoggerHook{
		logger:        logger,
		logAll:        logAll,
		slowThreshold: slowThreshold,
	}
}

// BeforeQuery is called before a query is executed
func (h *LoggerHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

// AfterQuery is called after a query is executed
func (h *LoggerHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	duration := time.Since(event.StartTime)
	slow := h.slowThreshold > 0 && duration >= h.slowThreshold

	if !h.logAll && !slow && event.Err == nil {
		return
	}

	attrs := []slog.Attr{
		slog.Duration("duration", duration),
		slog.String("operation", OperationType(event.Query)),
	}
	if name, ok := SessionFrom(ctx); ok {
		attrs = append(attrs, slog.String("session", name))
	}
	if len(event.QueryArgs) > 0 {
		// count only, never values
		attrs = append(attrs, slog.Int("args", len(event.QueryArgs)))
	}

	switch {
	case event.Err != nil:
		attrs = append(attrs,
			slog.String("query", truncate(event.Query)),
			slog.String("error", event.Err.Error()),
		)
		h.logger.LogAttrs(ctx, slog.LevelError, "database query failed", attrs...)
	case slow:
		attrs = append(attrs, slog.String("query", truncate(event.Query)))
		h.logger.LogAttrs(ctx, slog.LevelWarn, "slow database query", attrs...)
	default:
		attrs = append(attrs, slog.String("query", truncate(event.Query)))
		h.logger.LogAttrs(ctx, slog.LevelDebug, "database query", attrs...)
	}
}

func truncate(query string) string {
	if len(query) > maxLoggedQuery {
		return query[:maxLoggedQuery] + "..."
	}
	return query
}

// OperationType extracts the operation type from a query
func OperationType(query string) string {
	query = strings.TrimSpace(strings.ToUpper(query))
	switch {
	case strings.HasPrefix(query, "SELECT"), strings.HasPrefix(query, "WITH"):
		return "select"
	case strings.HasPrefix(query, "INSERT"):
		return "insert"
	case strings.HasPrefix(query, "UPDATE"):
		return "update"
	case strings.HasPrefix(query, "DELETE"):
		return "delete"
	case strings.HasPrefix(query, "CREATE"):
		return "create"
	case strings.HasPrefix(query, "DROP"):
		return "drop"
	case strings.HasPrefix(query, "ALTER"):
		return "alter"
	case strings.HasPrefix(query, "PRAGMA"):
		return "pragma"
	case strings.HasPrefix(query, "BEGIN"):
		return "begin"
	case strings.HasPrefix(query, "COMMIT"):
		return "commit"
	case strings.HasPrefix(query, "ROLLBACK"):
		return "rollback"
	case strings.HasPrefix(query, "SAVEPOINT"):
		return "savepoint"
	case strings.HasPrefix(query, "RELEASE"):
		return "release"
	default:
		return "other"
	}
}
