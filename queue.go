package annodb

import (
	"context"
	"log/slog"
	"time"

	"github.com/fernandezvara/annodb/hooks"
)

// Statement is a queued query and its bound arguments
type Statement struct {
	Query string
	Args  []any

	call int // Add/AddMany call that queued it
}

// Add queues one statement. Nothing runs until Execute or the outermost End.
//
// Usage:
//
//	sess.Add("INSERT INTO genome (name) VALUES (?) RETURNING genome_id", name)
func (s *Session) Add(query string, args ...any) error {
	if s.depth == 0 {
		return guardError("Add")
	}
	if args == nil {
		args = []any{}
	}
	s.queue = append(s.queue, Statement{Query: query, Args: args, call: s.calls})
	s.calls++
	return nil
}

// AddMany queues query once per entry of argsList, in order. The statements
// run one by one but their results are addressed together: FetchFlatten(-1)
// after an AddMany of three "RETURNING id" inserts yields the three ids.
//
// Usage:
//
//	sess.AddMany("INSERT INTO cds (genome_id, locus) VALUES (?, ?) RETURNING cds_id",
//	    [][]any{{gid, "A_0001"}, {gid, "A_0002"}})
func (s *Session) AddMany(query string, argsList [][]any) error {
	if s.depth == 0 {
		return guardError("AddMany")
	}
	if len(argsList) == 0 {
		return nil
	}
	for _, args := range argsList {
		if args == nil {
			args = []any{}
		}
		s.queue = append(s.queue, Statement{Query: query, Args: args, call: s.calls})
	}
	s.calls++
	return nil
}

// Queued returns a copy of the statements waiting to run
func (s *Session) Queued() []Statement {
	out := make([]Statement, len(s.queue))
	copy(out, s.queue)
	return out
}

// Index returns the result position the next Add or AddMany call will
// occupy. Pair it with FetchByIndex to address a call that is followed by
// others.
func (s *Session) Index() int {
	return s.calls
}

// Execute runs the queued statements in order and appends one ResultSet per
// statement. The first failure stops the batch; the queue is drained either
// way and the failure is returned as a *StatementError. A scope that saw a
// failed Execute always rolls back.
func (s *Session) Execute(ctx context.Context) error {
	if s.depth == 0 {
		return guardError("Execute")
	}

	queue := s.queue
	s.queue = nil
	if len(queue) == 0 {
		return nil
	}

	if err := s.transaction(ctx); err != nil {
		s.failure = err
		return err
	}

	start := time.Now()
	base := len(s.results)
	defer func() {
		s.logger.LogAttrs(ctx, slog.LevelDebug, "batch executed",
			slog.Int("statements", len(queue)),
			slog.Duration("duration", time.Since(start)),
		)
	}()
	for i, stmt := range queue {
		rs, err := s.run(ctx, stmt)
		if err != nil {
			stmtErr := &StatementError{
				Index: base + i,
				Query: stmt.Query,
				Args:  stmt.Args,
				Cause: wrapError(err, "Execute"),
			}
			s.failure = stmtErr
			s.logger.LogAttrs(ctx, slog.LevelWarn, "statement failed",
				slog.Int("index", stmtErr.Index),
				slog.Int("skipped", len(queue)-i-1),
				slog.String("error", err.Error()),
			)
			if s.store.metrics != nil {
				s.store.metrics.ObserveBatch(s.name, i+1)
			}
			return stmtErr
		}
		rs.call = stmt.call
		s.results = append(s.results, rs)
	}

	if s.store.metrics != nil {
		s.store.metrics.ObserveBatch(s.name, len(queue))
	}
	return nil
}

// run executes one statement and reads every row it returns. The driver binds
// the arguments.
func (s *Session) run(ctx context.Context, stmt Statement) (_ ResultSet, err error) {
	query := s.store.bindQuery(stmt.Query)
	ctx, event := s.store.beforeQuery(hooks.WithSession(ctx, s.name), query, stmt.Args)
	defer func() { s.store.afterQuery(ctx, event, err) }()

	rows, err := s.tx.Tx.QueryContext(ctx, query, stmt.Args...)
	if err != nil {
		return ResultSet{}, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return ResultSet{}, err
	}

	rs := ResultSet{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return ResultSet{}, err
		}
		rs.Rows = append(rs.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return ResultSet{}, err
	}
	return rs, nil
}

// RunScript executes a raw multi-statement SQL script inside the scope's
// transaction, bypassing the queue and argument binding. It is meant for
// schema patches; queued statements are not flushed first.
func (s *Session) RunScript(ctx context.Context, script string) error {
	if s.depth == 0 {
		return guardError("RunScript")
	}
	if err := s.transaction(ctx); err != nil {
		s.failure = err
		return err
	}
	if _, err := s.tx.ExecContext(hooks.WithSession(ctx, s.name), script); err != nil {
		wrapped := wrapError(err, "RunScript")
		s.failure = wrapped
		return wrapped
	}
	return nil
}
