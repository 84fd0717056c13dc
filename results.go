package annodb

import (
	"context"
	"fmt"
	"strconv"
)

// ResultSet holds the rows returned by one executed statement, or by all
// statements of one AddMany call when read through the accessors
type ResultSet struct {
	Columns []string
	Rows    [][]any

	call int
}

// Flatten concatenates every row's values in row-major order
func (rs ResultSet) Flatten() []any {
	n := 0
	for _, row := range rs.Rows {
		n += len(row)
	}
	out := make([]any, 0, n)
	for _, row := range rs.Rows {
		out = append(out, row...)
	}
	return out
}

// Maps returns the rows keyed by column name
func (rs ResultSet) Maps() []map[string]any {
	out := make([]map[string]any, len(rs.Rows))
	for i, row := range rs.Rows {
		m := make(map[string]any, len(rs.Columns))
		for j, col := range rs.Columns {
			if j < len(row) {
				m[col] = row[j]
			}
		}
		out[i] = m
	}
	return out
}

// Results returns the per-statement result sets captured in this scope
func (s *Session) Results() ([]ResultSet, error) {
	if s.depth == 0 {
		return nil, guardError("Results")
	}
	out := make([]ResultSet, len(s.results))
	copy(out, s.results)
	return out, nil
}

// grouped merges the results of statements queued by the same call
func (s *Session) grouped() []ResultSet {
	var out []ResultSet
	for _, rs := range s.results {
		if n := len(out); n > 0 && out[n-1].call == rs.call {
			out[n-1].Rows = append(out[n-1].Rows, rs.Rows...)
			continue
		}
		rows := make([][]any, len(rs.Rows))
		copy(rows, rs.Rows)
		out = append(out, ResultSet{Columns: rs.Columns, Rows: rows, call: rs.call})
	}
	return out
}

// resultAt resolves idx with negative values counting from the end
func (s *Session) resultAt(idx int, op string) (ResultSet, error) {
	if s.depth == 0 {
		return ResultSet{}, guardError(op)
	}
	results := s.grouped()
	n := len(results)
	pos := idx
	if pos < 0 {
		pos += n
	}
	if pos < 0 || pos >= n {
		return ResultSet{}, &Error{
			Code:    CodeOutOfRange,
			Message: fmt.Sprintf("result index %d out of range (%d results)", idx, n),
			Op:      op,
		}
	}
	return results[pos], nil
}

// FetchLast returns the last value of the last row of the most recent result
func (s *Session) FetchLast() (any, error) {
	rs, err := s.resultAt(-1, "FetchLast")
	if err != nil {
		return nil, err
	}
	if len(rs.Rows) == 0 {
		return nil, &Error{
			Code:    CodeOutOfRange,
			Message: "last result has no rows",
			Op:      "FetchLast",
		}
	}
	row := rs.Rows[len(rs.Rows)-1]
	if len(row) == 0 {
		return nil, &Error{
			Code:    CodeOutOfRange,
			Message: "last row has no columns",
			Op:      "FetchLast",
		}
	}
	return row[len(row)-1], nil
}

// FetchByIndex returns the rows produced by the Add or AddMany call at idx.
// -1 is the call executed most recently.
func (s *Session) FetchByIndex(idx int) ([][]any, error) {
	rs, err := s.resultAt(idx, "FetchByIndex")
	if err != nil {
		return nil, err
	}
	return rs.Rows, nil
}

// FetchFlatten returns the values of the result at idx in row-major order.
// For a three-row "RETURNING id" batch this is the three ids in insert order.
func (s *Session) FetchFlatten(idx int) ([]any, error) {
	rs, err := s.resultAt(idx, "FetchFlatten")
	if err != nil {
		return nil, err
	}
	return rs.Flatten(), nil
}

// FetchMaps returns the result at idx as column-name maps
func (s *Session) FetchMaps(idx int) ([]map[string]any, error) {
	rs, err := s.resultAt(idx, "FetchMaps")
	if err != nil {
		return nil, err
	}
	return rs.Maps(), nil
}

// ExecuteFetchLast executes the queue and returns FetchLast
func (s *Session) ExecuteFetchLast(ctx context.Context) (any, error) {
	if err := s.Execute(ctx); err != nil {
		return nil, err
	}
	return s.FetchLast()
}

// ExecuteFetchIndex executes the queue and returns FetchByIndex(idx)
func (s *Session) ExecuteFetchIndex(ctx context.Context, idx int) ([][]any, error) {
	if err := s.Execute(ctx); err != nil {
		return nil, err
	}
	return s.FetchByIndex(idx)
}

// ExecuteFetchFlatten executes the queue and returns FetchFlatten(idx)
func (s *Session) ExecuteFetchFlatten(ctx context.Context, idx int) ([]any, error) {
	if err := s.Execute(ctx); err != nil {
		return nil, err
	}
	return s.FetchFlatten(idx)
}

// ExecuteFetchMaps executes the queue and returns FetchMaps(idx)
func (s *Session) ExecuteFetchMaps(ctx context.Context, idx int) ([]map[string]any, error) {
	if err := s.Execute(ctx); err != nil {
		return nil, err
	}
	return s.FetchMaps(idx)
}

// Scalar is the set of types fetched values can be converted to
type Scalar interface {
	int64 | int | float64 | string | bool
}

// Value converts one fetched value. Drivers hand back int64, float64,
// string, []byte or bool depending on the backend and column type.
//
// Usage:
//
//	v, err := sess.ExecuteFetchLast(ctx)
//	genomeID, err := annodb.Value[int64](v)
func Value[T Scalar](v any) (T, error) {
	var zero T
	var out any

	switch any(zero).(type) {
	case int64:
		n, err := toInt64(v)
		if err != nil {
			return zero, err
		}
		out = n
	case int:
		n, err := toInt64(v)
		if err != nil {
			return zero, err
		}
		out = int(n)
	case float64:
		f, err := toFloat64(v)
		if err != nil {
			return zero, err
		}
		out = f
	case string:
		switch x := v.(type) {
		case string:
			out = x
		case []byte:
			out = string(x)
		case int64:
			out = strconv.FormatInt(x, 10)
		default:
			return zero, conversionError(v, "string")
		}
	case bool:
		switch x := v.(type) {
		case bool:
			out = x
		case int64:
			out = x != 0
		default:
			return zero, conversionError(v, "bool")
		}
	}

	return out.(T), nil
}

// Values converts every fetched value, e.g. a FetchFlatten of generated ids
func Values[T Scalar](vals []any) ([]T, error) {
	out := make([]T, len(vals))
	for i, v := range vals {
		t, err := Value[T](v)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out[i] = t
	}
	return out, nil
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case []byte:
		if f, err := strconv.ParseFloat(string(x), 64); err == nil {
			return f, nil
		}
	case string:
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return f, nil
		}
	}
	return 0, conversionError(v, "float64")
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case float64:
		if x == float64(int64(x)) {
			return int64(x), nil
		}
	case []byte:
		if n, err := strconv.ParseInt(string(x), 10, 64); err == nil {
			return n, nil
		}
	case string:
		if n, err := strconv.ParseInt(x, 10, 64); err == nil {
			return n, nil
		}
	}
	return 0, conversionError(v, "int64")
}

func conversionError(v any, target string) error {
	return &Error{
		Code:    CodeInvalidInput,
		Message: fmt.Sprintf("cannot convert %T (%v) to %s", v, v, target),
		Op:      "Value",
	}
}
