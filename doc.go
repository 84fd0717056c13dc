/*
Package annodb is the storage layer of the annotation ingestion pipeline.

Parsers for annotator output (prodigal, kofamscan, barrnap, bakta) do not talk
to the database directly. They queue statements on a Session, which runs them
as one atomic unit when the outermost scope ends:
  - Embedded SQLite (modernc.org/sqlite) or PostgreSQL through Bun
  - Reentrant scopes sharing one connection, queue and result list
  - Result accessors for chaining generated ids into later inserts
  - Post-commit and post-rollback hooks for side effects such as file cleanup
  - Numbered schema patches with checksum verification
  - Rich error handling with SQLite and PostgreSQL error parsing
  - Configurable observability (logging, metrics, tracing)

# Basic Usage

	cfg := annodb.DefaultConfig("/data/redgenes.db")
	cfg.Logger = slog.Default()
	cfg.LogSlowQueries = 100 * time.Millisecond

	store, err := annodb.New(cfg)
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	sess := store.NewSession("default")

# Scopes

Callback-based (commit on nil, rollback on error or panic):

	err := sess.Do(ctx, func(s *annodb.Session) error {
	    s.Add("INSERT INTO genome (name) VALUES (?)", "hA10")
	    return nil
	})

Manual control:

	scope, err := sess.Begin(ctx)
	if err != nil {
	    return err
	}
	err = ingest(ctx, sess)
	return scope.End(err)

Nested scopes do not finalize; only the outermost End executes the queue and
commits. A helper can open its own scope and still be part of its caller's
unit of work.

A scope holds a pool connection until it ends. A SQLite store has one, so a
second Session's Begin waits at most Config.AcquireTimeout for it.

Arguments are bound by the driver: a "?" inside a string literal stays text.

# Chaining ids

	sess.Add("INSERT INTO genome (name) VALUES (?) RETURNING genome_id", "hA10")
	v, err := sess.ExecuteFetchLast(ctx)
	genomeID, err := annodb.Value[int64](v)

	sess.AddMany("INSERT INTO cds (genome_id, locus) VALUES (?, ?) RETURNING cds_id",
	    [][]any{{genomeID, "hA10_0001"}, {genomeID, "hA10_0002"}})
	if err := sess.Execute(ctx); err != nil {
	    return err
	}
	ids, err := sess.FetchFlatten(-1) // one cds_id per AddMany entry

Results are addressed per Add or AddMany call, so FetchFlatten(-1) above holds
every id of the AddMany. Use Index before queueing to address earlier calls.

# Hooks

	sess.AddPostCommitFunc(func(ctx context.Context, args ...any) error {
	    return os.Remove(args[0].(string))
	}, stagedPath)

# Error Handling

	if err := scope.End(err); err != nil {
	    if stmtErr, ok := annodb.GetStatement(err); ok {
	        fmt.Println(stmtErr.Index, stmtErr.Query)
	    }
	    if annodb.IsDuplicate(err) {
	        // Handle duplicate key
	    }
	    if annodb.IsHook(err) {
	        // Data is committed, side effects are incomplete
	    }
	}
*/
package annodb
