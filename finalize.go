package annodb

import (
	"context"
	"fmt"
	"log/slog"
)

// HookFunc is a callback deferred until the scope's outcome is known
type HookFunc func(ctx context.Context, args ...any) error

type hook struct {
	fn   HookFunc
	args []any
}

// AddPostCommitFunc registers fn to run after the scope commits, e.g. to
// delete a staged file only once the row that referenced it is durable.
func (s *Session) AddPostCommitFunc(fn HookFunc, args ...any) error {
	if s.depth == 0 {
		return guardError("AddPostCommitFunc")
	}
	s.postCommit = append(s.postCommit, hook{fn: fn, args: args})
	return nil
}

// AddPostRollbackFunc registers fn to run after the scope rolls back
func (s *Session) AddPostRollbackFunc(fn HookFunc, args ...any) error {
	if s.depth == 0 {
		return guardError("AddPostRollbackFunc")
	}
	s.postRollback = append(s.postRollback, hook{fn: fn, args: args})
	return nil
}

// Commit makes the executed statements durable and runs the post-commit
// hooks. It is normally left to the outermost End. Statements still queued
// are not executed; a scope with a failed statement cannot be committed.
func (s *Session) Commit(ctx context.Context) error {
	if s.depth == 0 {
		return guardError("Commit")
	}
	if s.failure != nil {
		return &Error{
			Code:    CodeAborted,
			Message: "cannot commit after a failed statement, roll back instead",
			Op:      "Commit",
			Cause:   s.failure,
		}
	}

	if s.tx != nil {
		tx := s.tx
		s.tx = nil
		if err := tx.Commit(); err != nil {
			return wrapError(err, "Commit")
		}
	}

	s.queue = nil
	s.results = nil
	s.calls = 0

	hooks := s.postCommit
	s.postCommit = nil
	s.postRollback = nil
	return s.runHooks(ctx, "commit", hooks)
}

// Rollback reverts everything executed since the last commit and runs the
// post-rollback hooks
func (s *Session) Rollback(ctx context.Context) error {
	if s.depth == 0 {
		return guardError("Rollback")
	}

	s.queue = nil
	s.results = nil
	s.calls = 0
	s.failure = nil

	var rbErr error
	if s.tx != nil {
		tx := s.tx
		s.tx = nil
		if err := tx.Rollback(); err != nil {
			rbErr = wrapError(err, "Rollback")
		}
	}

	hooks := s.postRollback
	s.postCommit = nil
	s.postRollback = nil
	if hookErr := s.runHooks(ctx, "rollback", hooks); hookErr != nil {
		if rbErr != nil {
			return fmt.Errorf("%w (hooks: %w)", rbErr, hookErr)
		}
		return hookErr
	}
	return rbErr
}

// runHooks attempts every hook in registration order and aggregates failures
func (s *Session) runHooks(ctx context.Context, phase string, hooks []hook) error {
	var failures []HookFailure
	for i, h := range hooks {
		if err := callHook(ctx, h); err != nil {
			failures = append(failures, HookFailure{Position: i, Err: err})
		}
	}
	if len(failures) == 0 {
		return nil
	}

	if s.store.metrics != nil {
		s.store.metrics.HookFailures(s.name, phase, len(failures))
	}
	s.logger.LogAttrs(ctx, slog.LevelError, "post-"+phase+" hooks failed",
		slog.Int("failed", len(failures)),
		slog.Int("total", len(hooks)),
	)
	return &HookError{Phase: phase, Failures: failures}
}

func callHook(ctx context.Context, h hook) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h.fn(ctx, h.args...)
}
