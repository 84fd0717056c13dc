package annodb

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AllowList is the set of table and column names callers may interpolate
// into SQL text. Values always go through argument binding; identifiers
// cannot, so anything derived from input files must be checked here first.
//
// Usage:
//
//	dbxref := annodb.NewAllowList("kegg", "refseq", "uniparc", "uniref", "so", "pfam", "bakta_accession")
//	query, err := dbxref.InsertSQL(kind, "bakta_accession", kind)
//	if err != nil {
//	    return err
//	}
//	sess.Add(query, accession, value)
type AllowList struct {
	names map[string]struct{}
}

// NewAllowList builds an allow-list. Names are matched case-insensitively.
func NewAllowList(names ...string) *AllowList {
	al := &AllowList{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		al.names[strings.ToLower(n)] = struct{}{}
	}
	return al
}

// Names returns the allowed identifiers in sorted order
func (al *AllowList) Names() []string {
	out := make([]string, 0, len(al.names))
	for n := range al.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Check returns an error unless every name is allowed and well formed
func (al *AllowList) Check(names ...string) error {
	for _, n := range names {
		if !identPattern.MatchString(n) {
			return &Error{
				Code:    CodeInvalidInput,
				Message: fmt.Sprintf("malformed identifier %q", n),
				Op:      "AllowList.Check",
			}
		}
		if _, ok := al.names[strings.ToLower(n)]; !ok {
			return &Error{
				Code:    CodeInvalidInput,
				Message: fmt.Sprintf("identifier %q is not allowed", n),
				Op:      "AllowList.Check",
			}
		}
	}
	return nil
}

// InsertSQL builds "INSERT INTO table (cols...) VALUES (?, ...)" after
// checking table and every column against the allow-list
func (al *AllowList) InsertSQL(table string, columns ...string) (string, error) {
	if len(columns) == 0 {
		return "", &Error{
			Code:    CodeInvalidInput,
			Message: "at least one column is required",
			Op:      "AllowList.InsertSQL",
			Table:   table,
		}
	}
	if err := al.Check(append([]string{table}, columns...)...); err != nil {
		return "", err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, joinColumns(columns), placeholders), nil
}

// joinColumns joins column names with commas for SQL queries.
func joinColumns(cols []string) string {
	return strings.Join(cols, ", ")
}
