package annodb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

func TestNumberPlaceholders(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		expected string
	}{
		{"none", "SELECT 1", "SELECT 1"},
		{"plain", "INSERT INTO cds (genome_id, locus) VALUES (?, ?)", "INSERT INTO cds (genome_id, locus) VALUES ($1, $2)"},
		{"string literal", "INSERT INTO note (s, v) VALUES ('why?', ?)", "INSERT INTO note (s, v) VALUES ('why?', $1)"},
		{"doubled quote", "SELECT 'it''s ?', ?", "SELECT 'it''s ?', $1"},
		{"escape string", `SELECT E'a\'?', ?`, `SELECT E'a\'?', $1`},
		{"backslash in plain string", `SELECT 'a\', ?`, `SELECT 'a\', $1`},
		{"quoted identifier", `SELECT "odd?col" FROM t WHERE v = ?`, `SELECT "odd?col" FROM t WHERE v = $1`},
		{"line comment", "SELECT ? -- really?\n, ?", "SELECT $1 -- really?\n, $2"},
		{"block comment", "SELECT /* ? */ ?", "SELECT /* ? */ $1"},
		{"dollar quoted", "SELECT $$why?$$, $tag$a ? b$tag$, ?", "SELECT $$why?$$, $tag$a ? b$tag$, $1"},
		{"dollar in identifier", "SELECT a$b$ FROM t WHERE v = ?", "SELECT a$b$ FROM t WHERE v = $1"},
		{"unterminated literal", "SELECT 'why?", "SELECT 'why?"},
		{"many", "VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", "VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)"},
	}

	for _, tt := range tests {
		if got := numberPlaceholders(tt.query); got != tt.expected {
			t.Errorf("%s: numberPlaceholders(%q) = %q, expected %q", tt.name, tt.query, got, tt.expected)
		}
	}
}

func TestStore_BindQuery(t *testing.T) {
	sqlite := &Store{config: Config{Driver: DriverSQLite}}
	if got := sqlite.bindQuery("SELECT ?"); got != "SELECT ?" {
		t.Errorf("sqlite binds ? natively, got %q", got)
	}

	pg := &Store{config: Config{Driver: DriverPostgres}}
	if got := pg.bindQuery("SELECT ?"); got != "SELECT $1" {
		t.Errorf("expected numbered placeholder, got %q", got)
	}
}

type recordingHook struct {
	name  string
	calls *[]string
	event *bun.QueryEvent
}

func (h *recordingHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	*h.calls = append(*h.calls, "before "+h.name)
	return ctx
}

func (h *recordingHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	*h.calls = append(*h.calls, "after "+h.name)
	h.event = event
}

func TestStore_QueryHooksFireAroundStatements(t *testing.T) {
	store, sess := newTestSession(t)
	ctx := context.Background()

	var calls []string
	first := &recordingHook{name: "first", calls: &calls}
	second := &recordingHook{name: "second", calls: &calls}
	store.queryHooks = []bun.QueryHook{first, second}

	require.NoError(t, sess.PerformAsTransaction(ctx, "INSERT INTO t (v) VALUES (?)", 4))
	assert.Equal(t, []string{"before first", "before second", "after second", "after first"}, calls)
	require.NotNil(t, first.event)
	assert.Equal(t, "INSERT INTO t (v) VALUES (?)", first.event.Query)
	assert.Equal(t, []any{4}, first.event.QueryArgs)
	assert.NoError(t, first.event.Err)

	err := sess.PerformAsTransaction(ctx, "INSERT INTO t (v) VALUES (NULL)")
	require.Error(t, err)
	assert.Error(t, first.event.Err)
}

func TestStore_AfterQueryCarriesError(t *testing.T) {
	store, err := New(DefaultConfig(filepath.Join(t.TempDir(), "annodb.db")))
	require.NoError(t, err)
	defer store.Close()

	var calls []string
	h := &recordingHook{name: "only", calls: &calls}
	store.queryHooks = []bun.QueryHook{h}

	ctx, event := store.beforeQuery(context.Background(), "SELECT ?", []any{1})
	failure := errors.New("disk I/O error")
	store.afterQuery(ctx, event, failure)

	assert.Equal(t, []string{"before only", "after only"}, calls)
	assert.Same(t, event, h.event)
	assert.ErrorIs(t, h.event.Err, failure)
	assert.False(t, event.StartTime.IsZero())
}
