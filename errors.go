package annodb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrorCode represents a store error classification
type ErrorCode string

const (
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeForeignKey       ErrorCode = "FOREIGN_KEY"
	CodeCheckViolation   ErrorCode = "CHECK_VIOLATION"
	CodeNotNullViolation ErrorCode = "NOT_NULL"
	CodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeBusy             ErrorCode = "BUSY"
	CodeSerialization    ErrorCode = "SERIALIZATION"
	CodeDeadlock         ErrorCode = "DEADLOCK"
	CodeGuardViolation   ErrorCode = "GUARD_VIOLATION"
	CodeOutOfRange       ErrorCode = "OUT_OF_RANGE"
	CodeAborted          ErrorCode = "ABORTED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodePatchFailed      ErrorCode = "PATCH_FAILED"
	CodeUnknown          ErrorCode = "UNKNOWN"
)

// Sentinel errors for quick checks
var (
	ErrNotFound         = errors.New("annodb: record not found")
	ErrDuplicate        = errors.New("annodb: duplicate key violation")
	ErrForeignKey       = errors.New("annodb: foreign key violation")
	ErrCheckViolation   = errors.New("annodb: check constraint violation")
	ErrNotNullViolation = errors.New("annodb: not null violation")
	ErrConnection       = errors.New("annodb: connection failed")
	ErrTimeout          = errors.New("annodb: operation timeout")
	ErrBusy             = errors.New("annodb: database is busy")
	ErrSerialization    = errors.New("annodb: serialization failure")
	ErrDeadlock         = errors.New("annodb: deadlock detected")
	ErrGuardViolation   = errors.New("annodb: operation outside of a session scope")
	ErrOutOfRange       = errors.New("annodb: result index out of range")
	ErrAborted          = errors.New("annodb: scope aborted by a failed statement")
	ErrInvalidInput     = errors.New("annodb: invalid input")
	ErrPatch            = errors.New("annodb: schema patch failed")
	ErrStatement        = errors.New("annodb: statement failed")
	ErrHook             = errors.New("annodb: post-finalize hook failed")
)

// Error is a rich store error with context
type Error struct {
	Code       ErrorCode // Error classification
	Message    string    // Human-readable message
	Op         string    // Operation that failed (e.g., "Execute", "Session.Open")
	Table      string    // Table name if known
	Column     string    // Column name if known
	Constraint string    // Constraint name if applicable
	Detail     string    // Additional detail from the driver
	Hint       string    // Hint from PostgreSQL
	Query      string    // Query that failed (may be empty)
	Cause      error     // Underlying error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("annodb: %s", e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("annodb.%s: %s", e.Op, e.Message)
	}
	if e.Table != "" {
		msg += fmt.Sprintf(" (table: %s)", e.Table)
	}
	if e.Constraint != "" {
		msg += fmt.Sprintf(" (constraint: %s)", e.Constraint)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for sentinel error matching
func (e *Error) Is(target error) bool {
	switch e.Code {
	case CodeNotFound:
		return target == ErrNotFound
	case CodeDuplicate:
		return target == ErrDuplicate
	case CodeForeignKey:
		return target == ErrForeignKey
	case CodeCheckViolation:
		return target == ErrCheckViolation
	case CodeNotNullViolation:
		return target == ErrNotNullViolation
	case CodeConnectionFailed:
		return target == ErrConnection
	case CodeTimeout:
		return target == ErrTimeout
	case CodeBusy:
		return target == ErrBusy
	case CodeSerialization:
		return target == ErrSerialization
	case CodeDeadlock:
		return target == ErrDeadlock
	case CodeGuardViolation:
		return target == ErrGuardViolation
	case CodeOutOfRange:
		return target == ErrOutOfRange
	case CodeAborted:
		return target == ErrAborted
	case CodeInvalidInput:
		return target == ErrInvalidInput
	case CodePatchFailed:
		return target == ErrPatch
	}
	return false
}

// StatementError reports the queued statement that failed during Execute.
// Index is the statement's position among all statements of the scope.
type StatementError struct {
	Index int
	Query string
	Args  []any
	Cause error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("annodb.Execute: statement %d failed: %v (query: %s)",
		e.Index, e.Cause, truncateSQL(e.Query, 200))
}

func (e *StatementError) Unwrap() error {
	return e.Cause
}

func (e *StatementError) Is(target error) bool {
	return target == ErrStatement
}

// HookFailure is one failed post-commit or post-rollback callback
type HookFailure struct {
	Position int // Registration order
	Err      error
}

// HookError aggregates every callback failure of one finalize step.
// The SQL outcome it follows is already durable.
type HookError struct {
	Phase    string // "commit" or "rollback"
	Failures []HookFailure
}

func (e *HookError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = fmt.Sprintf("hook %d: %v", f.Position, f.Err)
	}
	return fmt.Sprintf("annodb: %d post-%s hook(s) failed: %s",
		len(e.Failures), e.Phase, strings.Join(msgs, "; "))
}

// Unwrap exposes every hook error to errors.Is and errors.As
func (e *HookError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

func (e *HookError) Is(target error) bool {
	return target == ErrHook
}

// guardError is returned by every Session operation invoked outside a scope
func guardError(op string) error {
	return &Error{
		Code:    CodeGuardViolation,
		Message: "session methods can only be invoked inside a scope",
		Op:      op,
	}
}

// wrapError converts a raw error to a rich Error
func wrapError(err error, op string) error {
	if err == nil {
		return nil
	}

	// Already wrapped
	var dbErr *Error
	if errors.As(err, &dbErr) {
		return err
	}

	if errors.Is(err, sql.ErrNoRows) {
		return &Error{
			Code:    CodeNotFound,
			Message: "record not found",
			Op:      op,
			Cause:   err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{
			Code:    CodeTimeout,
			Message: "operation cancelled or timed out",
			Op:      op,
			Cause:   err,
		}
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return wrapSQLiteError(liteErr, op)
	}

	// PostgreSQL specific errors
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return wrapPgError(pgErr, op)
	}

	// Generic wrapping
	return &Error{
		Code:    CodeUnknown,
		Message: err.Error(),
		Op:      op,
		Cause:   err,
	}
}

// wrapSQLiteError converts SQLite result codes to rich errors.
// modernc.org/sqlite reports extended result codes.
func wrapSQLiteError(liteErr *sqlite.Error, op string) *Error {
	e := &Error{
		Op:      op,
		Message: liteErr.Error(),
		Cause:   liteErr,
	}

	code := liteErr.Code()
	switch code {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		e.Code = CodeDuplicate
		e.Message = "duplicate key value violates unique constraint"
		e.Detail = liteErr.Error()
		return e
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		e.Code = CodeForeignKey
		e.Message = "foreign key constraint violation"
		e.Detail = liteErr.Error()
		return e
	case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
		e.Code = CodeNotNullViolation
		e.Message = "null value in column violates not-null constraint"
		e.Detail = liteErr.Error()
		return e
	case sqlite3.SQLITE_CONSTRAINT_CHECK:
		e.Code = CodeCheckViolation
		e.Message = "check constraint violation"
		e.Detail = liteErr.Error()
		return e
	}

	// primary result code lives in the low byte
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		e.Code = CodeBusy
	case sqlite3.SQLITE_INTERRUPT:
		e.Code = CodeTimeout
	case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_PERM:
		e.Code = CodeConnectionFailed
	default:
		e.Code = CodeUnknown
	}
	return e
}

// wrapPgError converts PostgreSQL errors to rich errors
func wrapPgError(pgErr *pgconn.PgError, op string) *Error {
	e := &Error{
		Op:         op,
		Table:      pgErr.TableName,
		Column:     pgErr.ColumnName,
		Constraint: pgErr.ConstraintName,
		Detail:     pgErr.Detail,
		Hint:       pgErr.Hint,
		Cause:      pgErr,
	}

	// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
	switch pgErr.Code {
	case "23505": // unique_violation
		e.Code = CodeDuplicate
		e.Message = "duplicate key value violates unique constraint"
	case "23503": // foreign_key_violation
		e.Code = CodeForeignKey
		e.Message = "foreign key constraint violation"
	case "23502": // not_null_violation
		e.Code = CodeNotNullViolation
		e.Message = "null value in column violates not-null constraint"
	case "23514": // check_violation
		e.Code = CodeCheckViolation
		e.Message = "check constraint violation"
	case "40001": // serialization_failure
		e.Code = CodeSerialization
		e.Message = "serialization failure, retry transaction"
	case "40P01": // deadlock_detected
		e.Code = CodeDeadlock
		e.Message = "deadlock detected"
	case "57014": // query_canceled
		e.Code = CodeTimeout
		e.Message = "query was cancelled due to timeout"
	case "08000", "08003", "08006": // connection errors
		e.Code = CodeConnectionFailed
		e.Message = "database connection failed"
	default:
		e.Code = CodeUnknown
		e.Message = pgErr.Message
	}

	return e
}

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicate checks if error is a duplicate key error
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsForeignKey checks if error is a foreign key error
func IsForeignKey(err error) bool {
	return errors.Is(err, ErrForeignKey)
}

// IsConnection checks if error is a connection error
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsGuardViolation checks if a Session operation ran outside a scope
func IsGuardViolation(err error) bool {
	return errors.Is(err, ErrGuardViolation)
}

// IsOutOfRange checks if a result accessor index was out of bounds
func IsOutOfRange(err error) bool {
	return errors.Is(err, ErrOutOfRange)
}

// IsStatement checks if a queued statement failed
func IsStatement(err error) bool {
	return errors.Is(err, ErrStatement)
}

// IsHook checks if any post-commit or post-rollback hook failed
func IsHook(err error) bool {
	return errors.Is(err, ErrHook)
}

// IsRetryable checks if the error is retryable (serialization, deadlock, busy)
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSerialization) || errors.Is(err, ErrDeadlock) || errors.Is(err, ErrBusy)
}

// GetErrorCode extracts the error code if it's an annodb error
func GetErrorCode(err error) (ErrorCode, bool) {
	var dbErr *Error
	if errors.As(err, &dbErr) {
		return dbErr.Code, true
	}
	return "", false
}

// GetStatement extracts the failing statement if err came from Execute
func GetStatement(err error) (*StatementError, bool) {
	var stmtErr *StatementError
	if errors.As(err, &stmtErr) {
		return stmtErr, true
	}
	return nil, false
}

// GetConstraint extracts the constraint name if available
func GetConstraint(err error) (string, bool) {
	var dbErr *Error
	if errors.As(err, &dbErr) && dbErr.Constraint != "" {
		return dbErr.Constraint, true
	}
	return "", false
}
