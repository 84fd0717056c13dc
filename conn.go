package annodb

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
)

// ensureOpen reserves a connection unless a live one is already held
func (s *Session) ensureOpen(ctx context.Context) error {
	if s.conn != nil {
		if err := s.conn.PingContext(ctx); err == nil {
			return nil
		}
		s.logger.LogAttrs(ctx, slog.LevelWarn, "dropping stale connection")
		s.close()
	}

	// a SQLite pool holds one connection; wait for it no longer than the
	// configured acquire timeout
	acquireCtx, cancel := context.WithTimeout(ctx, s.store.config.AcquireTimeout)
	defer cancel()

	conn, err := s.store.conn(acquireCtx)
	if err != nil {
		return s.acquireError(ctx, err)
	}
	// database/sql connects lazily; surface bad paths and dead servers here
	if err := conn.PingContext(acquireCtx); err != nil {
		_ = conn.Close()
		return s.acquireError(ctx, err)
	}

	s.conn = &conn
	return nil
}

// acquireError reports a pool wait that ran out while the caller's own
// context was still live
func (s *Session) acquireError(ctx context.Context, err error) error {
	if ctx.Err() != nil || !errors.Is(err, context.DeadlineExceeded) {
		return connError(err)
	}
	stats := s.store.Stats()
	s.logger.LogAttrs(ctx, slog.LevelWarn, "no connection available",
		slog.Duration("waited", s.store.config.AcquireTimeout),
		slog.Int("in_use", stats.InUse),
		slog.Int("max_open", stats.MaxOpenConnections),
	)
	return &Error{
		Code:    CodeConnectionFailed,
		Message: "no connection available",
		Op:      "Session.Open",
		Detail:  "another scope holds the connection pool",
		Cause:   err,
	}
}

func connError(err error) error {
	e := &Error{
		Code:    CodeConnectionFailed,
		Message: "cannot connect to database",
		Op:      "Session.Open",
		Cause:   err,
	}
	if wrapped, ok := wrapError(err, "Session.Open").(*Error); ok {
		e.Detail = wrapped.Message
	}
	return e
}

// close releases the connection back to the pool. Any transaction still
// open is rolled back first.
func (s *Session) close() {
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// transaction returns the open transaction, beginning one if needed
func (s *Session) transaction(ctx context.Context) error {
	if s.tx != nil {
		return nil
	}
	if s.conn == nil {
		return connError(sql.ErrConnDone)
	}
	// only End finishes the transaction, so it must outlive the call that
	// began it
	tx, err := s.conn.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return wrapError(err, "Session.Begin")
	}
	s.tx = &tx
	return nil
}
