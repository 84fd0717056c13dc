package annodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Session queues statements from unrelated call sites and runs them as one
// atomic unit when the outermost scope ends.
//
// A Session is meant for a single logical thread of control and is not safe
// for concurrent use. Independent Sessions (for instance one on a store opened
// with privileged credentials) may coexist.
type Session struct {
	store  *Store
	name   string
	id     string
	logger *slog.Logger

	// scope guard
	depth int

	// connection lifecycle
	conn *bun.Conn
	tx   *bun.Tx

	// statement queue and results
	queue   []Statement
	results []ResultSet
	calls   int
	failure error

	// hook registry
	postCommit   []hook
	postRollback []hook

	span    trace.Span
	started time.Time
}

// NewSession creates an idle session on the store. name labels the session
// in logs and metrics (e.g. "default", "admin").
//
// An open scope holds a pool connection until its outermost End. SQLite
// stores have a single connection, so scopes of different Sessions on one
// SQLite store run one at a time: Begin waits up to Config.AcquireTimeout
// and then fails with CONNECTION_FAILED.
func (st *Store) NewSession(name string) *Session {
	if name == "" {
		name = "default"
	}
	logger := st.config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	id := uuid.NewString()
	return &Session{
		store:  st,
		name:   name,
		id:     id,
		logger: logger.With(slog.String("session", name), slog.String("session_id", id)),
	}
}

// Name returns the session label
func (s *Session) Name() string {
	return s.name
}

// Depth returns the number of currently nested scopes
func (s *Session) Depth() int {
	return s.depth
}

// Scope is the token returned by Begin. Releasing it with End leaves the
// scope; only the outermost End executes and finalizes.
type Scope struct {
	s        *Session
	ctx      context.Context
	released bool
}

// Begin enters a scope. Entering the first scope acquires the connection;
// nested Begin calls share it along with the queue, results and hooks.
//
// Usage:
//
//	scope, err := sess.Begin(ctx)
//	if err != nil {
//	    return err
//	}
//	sess.Add("INSERT INTO genome (name) VALUES (?)", name)
//	return scope.End(nil)
func (s *Session) Begin(ctx context.Context) (*Scope, error) {
	if s.depth == 0 {
		if err := s.ensureOpen(ctx); err != nil {
			return nil, err
		}
		s.store.scopes.Add(1)
		s.started = time.Now()
		if tracer := s.store.config.Tracer; tracer != nil {
			_, s.span = tracer.Start(ctx, "annodb.scope",
				trace.WithAttributes(
					attribute.String("annodb.session", s.name),
					attribute.String("db.system", string(s.store.config.Driver)),
				),
			)
		}
	}
	s.depth++
	return &Scope{s: s, ctx: ctx}, nil
}

// End leaves the scope. cause is the error, if any, produced by the work done
// inside the scope. When this is the outermost scope the remaining queue is
// executed and the scope is committed, or rolled back if cause is non-nil or
// any statement failed. The returned error joins cause with any finalize
// error; it is nil only when everything succeeded.
func (sc *Scope) End(cause error) error {
	if sc.released {
		return errors.Join(cause, &Error{
			Code:    CodeGuardViolation,
			Message: "scope already ended",
			Op:      "Scope.End",
		})
	}
	sc.released = true

	s := sc.s
	if s.depth == 0 {
		return errors.Join(cause, guardError("Scope.End"))
	}
	if s.depth > 1 {
		s.depth--
		return cause
	}

	err := s.finalize(sc.ctx, cause)
	s.depth--
	s.close()
	s.store.scopes.Add(-1)
	return err
}

// Do runs fn inside a scope. A non-nil error or a panic from fn rolls the
// scope back; panics are re-raised after the rollback.
func (s *Session) Do(ctx context.Context, fn func(s *Session) error) (err error) {
	scope, err := s.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = scope.End(fmt.Errorf("annodb: panic in scope: %v", p))
			panic(p)
		}
	}()

	return scope.End(fn(s))
}

// finalize runs on the outermost End: execute what is left, then commit or
// roll back. Hook failures surface after the SQL outcome is settled.
func (s *Session) finalize(ctx context.Context, cause error) error {
	outcome := "commit"
	var err error

	switch {
	case cause != nil:
		outcome = "rollback"
		err = errors.Join(cause, s.Rollback(ctx))
	case s.failure != nil:
		// a failed Execute was swallowed by the caller
		outcome = "rollback"
		failure := s.failure
		err = errors.Join(failure, s.Rollback(ctx))
	default:
		if len(s.queue) > 0 {
			if execErr := s.Execute(ctx); execErr != nil {
				outcome = "rollback"
				err = errors.Join(execErr, s.Rollback(ctx))
				break
			}
		}
		if commitErr := s.Commit(ctx); commitErr != nil {
			var hookErr *HookError
			if !errors.As(commitErr, &hookErr) {
				// the commit itself failed; make sure nothing stays open
				outcome = "rollback"
				commitErr = errors.Join(commitErr, s.Rollback(ctx))
			}
			err = commitErr
		}
	}

	s.reset()
	s.observeFinalize(ctx, outcome, err)
	return err
}

// reset returns the scope state to its zero value
func (s *Session) reset() {
	s.queue = nil
	s.results = nil
	s.calls = 0
	s.failure = nil
	s.postCommit = nil
	s.postRollback = nil
}

func (s *Session) observeFinalize(ctx context.Context, outcome string, err error) {
	duration := time.Since(s.started)

	if s.store.metrics != nil {
		s.store.metrics.ObserveScope(s.name, outcome, duration)
	}

	if s.span != nil {
		s.span.SetAttributes(attribute.String("annodb.outcome", outcome))
		if err != nil {
			s.span.RecordError(err)
			s.span.SetStatus(codes.Error, err.Error())
		} else {
			s.span.SetStatus(codes.Ok, "")
		}
		s.span.End()
		s.span = nil
	}

	attrs := []slog.Attr{
		slog.String("outcome", outcome),
		slog.Duration("duration", duration),
	}
	switch {
	case err != nil && outcome == "commit":
		// committed, but side effects are incomplete
		attrs = append(attrs, slog.String("error", err.Error()))
		s.logger.LogAttrs(ctx, slog.LevelError, "scope committed with hook failures", attrs...)
	case err != nil:
		attrs = append(attrs, slog.String("error", err.Error()))
		s.logger.LogAttrs(ctx, slog.LevelWarn, "scope rolled back", attrs...)
	default:
		s.logger.LogAttrs(ctx, slog.LevelDebug, "scope finalized", attrs...)
	}
}

// PerformAsTransaction runs a single statement in its own scope
func (s *Session) PerformAsTransaction(ctx context.Context, query string, args ...any) error {
	return s.Do(ctx, func(s *Session) error {
		if err := s.Add(query, args...); err != nil {
			return err
		}
		return s.Execute(ctx)
	})
}
