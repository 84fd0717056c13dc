package annodb

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// Queued statements are bound by the database driver, not by bun's query
// formatter, so a "?" inside a string literal stays text. bun's hooks are
// fired by hand for them.

// bindQuery rewrites query for the driver's placeholder syntax. SQLite binds
// "?" natively; PostgreSQL numbers its placeholders.
func (st *Store) bindQuery(query string) string {
	if st.config.Driver != DriverPostgres {
		return query
	}
	return numberPlaceholders(query)
}

// beforeQuery fires the store's query hooks in registration order
func (st *Store) beforeQuery(ctx context.Context, query string, args []any) (context.Context, *bun.QueryEvent) {
	event := &bun.QueryEvent{
		DB:            st.db,
		Query:         query,
		QueryTemplate: query,
		QueryArgs:     args,
		StartTime:     time.Now(),
	}
	for _, h := range st.queryHooks {
		ctx = h.BeforeQuery(ctx, event)
	}
	return ctx, event
}

// afterQuery fires the store's query hooks in reverse order, as bun does
func (st *Store) afterQuery(ctx context.Context, event *bun.QueryEvent, err error) {
	event.Err = err
	for i := len(st.queryHooks) - 1; i >= 0; i-- {
		st.queryHooks[i].AfterQuery(ctx, event)
	}
}

// numberPlaceholders turns every "?" outside string literals, quoted
// identifiers, dollar-quoted bodies and comments into $1, $2, ...
func numberPlaceholders(query string) string {
	if strings.IndexByte(query, '?') == -1 {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); {
		if j := skipVerbatim(query, i); j > i {
			b.WriteString(query[i:j])
			i = j
			continue
		}
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteByte(query[i])
		}
		i++
	}
	return b.String()
}

// skipVerbatim returns the end of the literal or comment starting at i, or i
// when none starts there. Unterminated ones run to the end of the query.
func skipVerbatim(q string, i int) int {
	switch {
	case q[i] == '\'':
		// E'...' strings take backslash escapes
		escaped := i > 0 && (q[i-1] == 'E' || q[i-1] == 'e') && (i == 1 || !isIdentChar(q[i-2]))
		return closeQuote(q, i+1, '\'', escaped)
	case q[i] == '"':
		return closeQuote(q, i+1, '"', false)
	case strings.HasPrefix(q[i:], "--"):
		if k := strings.IndexByte(q[i:], '\n'); k >= 0 {
			return i + k + 1
		}
		return len(q)
	case strings.HasPrefix(q[i:], "/*"):
		if k := strings.Index(q[i+2:], "*/"); k >= 0 {
			return i + 2 + k + 2
		}
		return len(q)
	case q[i] == '$' && (i == 0 || !isIdentChar(q[i-1])):
		tag, ok := dollarTag(q[i:])
		if !ok {
			return i
		}
		body := i + len(tag)
		if k := strings.Index(q[body:], tag); k >= 0 {
			return body + k + len(tag)
		}
		return len(q)
	}
	return i
}

func closeQuote(q string, i int, quote byte, backslash bool) int {
	for i < len(q) {
		switch q[i] {
		case '\\':
			if backslash {
				i += 2
				continue
			}
		case quote:
			// doubled quote
			if i+1 < len(q) && q[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(q)
}

// dollarTag reads an opening $tag$ or $$. "$1" is a parameter, not a tag.
func dollarTag(q string) (string, bool) {
	for j := 1; j < len(q); j++ {
		c := q[j]
		if c == '$' {
			return q[:j+1], true
		}
		if !isIdentChar(c) || (j == 1 && c >= '0' && c <= '9') {
			return "", false
		}
	}
	return "", false
}

func isIdentChar(c byte) bool {
	return c == '_' || c >= 0x80 ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
