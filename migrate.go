package annodb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Patch is one numbered schema script, e.g. "3.sql"
type Patch struct {
	ID   int    // Numeric file stem; patches run in ascending order
	Name string // File name
	SQL  string // Script executed with RunScript
}

// MigrationResult represents the result of running patches
type MigrationResult struct {
	Applied   []AppliedPatch
	Skipped   []int // IDs that were already executed
	TotalTime time.Duration
}

// AppliedPatch represents a successfully executed patch
type AppliedPatch struct {
	ID       int
	Name     string
	Duration time.Duration
	Checksum string
}

// PatchStatusEntry represents the status of a single patch
type PatchStatusEntry struct {
	ID            int
	Name          string
	Checksum      string
	Executed      bool
	ChecksumMatch bool // Only relevant if Executed is true
}

// patchTable tracks which patches ran. Valid on SQLite and PostgreSQL.
const patchTable = `
CREATE TABLE IF NOT EXISTS _annodb_patches (
    patch_id INTEGER PRIMARY KEY,
    checksum TEXT NOT NULL,
    executed INTEGER NOT NULL DEFAULT 0,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    modified_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// LoadPatches reads every "<n>.sql" file in dir and returns them sorted by n
func LoadPatches(fsys fs.FS, dir string) ([]Patch, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, &Error{
			Code:    CodePatchFailed,
			Message: fmt.Sprintf("patch directory not found: %s", dir),
			Op:      "LoadPatches",
			Cause:   err,
		}
	}

	var patches []Patch
	seen := make(map[int]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".sql" {
			continue
		}

		stem := strings.TrimSuffix(name, ".sql")
		id, err := strconv.Atoi(stem)
		if err != nil || id < 0 {
			return nil, &Error{
				Code:    CodePatchFailed,
				Message: fmt.Sprintf("invalid patch file name %q, expected <number>.sql", name),
				Op:      "LoadPatches",
			}
		}
		if other, ok := seen[id]; ok {
			return nil, &Error{
				Code:    CodePatchFailed,
				Message: fmt.Sprintf("patch files %q and %q share id %d", other, name, id),
				Op:      "LoadPatches",
			}
		}
		seen[id] = name

		content, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, &Error{
				Code:    CodePatchFailed,
				Message: fmt.Sprintf("cannot open %s", name),
				Op:      "LoadPatches",
				Cause:   err,
			}
		}
		patches = append(patches, Patch{ID: id, Name: name, SQL: string(content)})
	}

	sort.Slice(patches, func(i, j int) bool { return patches[i].ID < patches[j].ID })
	return patches, nil
}

type patchRow struct {
	checksum string
	executed bool
}

// Migrate registers every patch and executes the ones not yet executed, in
// order. Each patch runs in its own scope together with the update that
// marks it executed, so a failing patch leaves no trace.
func Migrate(ctx context.Context, sess *Session, patches []Patch) (*MigrationResult, error) {
	start := time.Now()
	result := &MigrationResult{
		Applied: make([]AppliedPatch, 0),
		Skipped: make([]int, 0),
	}

	known, err := registerPatches(ctx, sess, patches)
	if err != nil {
		return nil, err
	}

	for _, p := range patches {
		checksum := checksumSQL(p.SQL)

		if row, ok := known[p.ID]; ok && row.executed {
			if row.checksum != checksum {
				return nil, &Error{
					Code:    CodePatchFailed,
					Message: fmt.Sprintf("patch %d has changed (checksum mismatch: expected %s, got %s)", p.ID, row.checksum, checksum),
					Op:      "Migrate",
				}
			}
			result.Skipped = append(result.Skipped, p.ID)
			continue
		}

		duration, err := applyPatch(ctx, sess, p, checksum)
		if err != nil {
			return nil, err
		}

		result.Applied = append(result.Applied, AppliedPatch{
			ID:       p.ID,
			Name:     p.Name,
			Duration: duration,
			Checksum: checksum,
		})
	}

	result.TotalTime = time.Since(start)
	return result, nil
}

// registerPatches creates the tracking table, inserts unknown patch ids and
// returns the tracked state of every patch
func registerPatches(ctx context.Context, sess *Session, patches []Patch) (map[int]patchRow, error) {
	known := make(map[int]patchRow)

	err := sess.Do(ctx, func(s *Session) error {
		if err := s.RunScript(ctx, patchTable); err != nil {
			return err
		}

		args := make([][]any, len(patches))
		for i, p := range patches {
			args[i] = []any{p.ID, checksumSQL(p.SQL)}
		}
		if err := s.AddMany(`INSERT INTO _annodb_patches (patch_id, checksum) VALUES (?, ?)
			ON CONFLICT (patch_id) DO NOTHING`, args); err != nil {
			return err
		}
		if err := s.Add("SELECT patch_id, checksum, executed FROM _annodb_patches ORDER BY patch_id"); err != nil {
			return err
		}

		rows, err := s.ExecuteFetchIndex(ctx, -1)
		if err != nil {
			return err
		}
		for _, row := range rows {
			id, err := Value[int](row[0])
			if err != nil {
				return err
			}
			checksum, err := Value[string](row[1])
			if err != nil {
				return err
			}
			executed, err := Value[int64](row[2])
			if err != nil {
				return err
			}
			known[id] = patchRow{checksum: checksum, executed: executed != 0}
		}
		return nil
	})
	if err != nil {
		return nil, &Error{
			Code:    CodePatchFailed,
			Message: "failed to read patch table",
			Op:      "Migrate.Register",
			Cause:   err,
		}
	}
	return known, nil
}

// applyPatch runs one patch and marks it executed in the same scope
func applyPatch(ctx context.Context, sess *Session, p Patch, checksum string) (time.Duration, error) {
	start := time.Now()
	var duration time.Duration

	err := sess.Do(ctx, func(s *Session) error {
		if err := s.RunScript(ctx, p.SQL); err != nil {
			return err
		}
		duration = time.Since(start)
		return s.Add(`UPDATE _annodb_patches
			SET executed = 1, checksum = ?, duration_ms = ?, modified_at = CURRENT_TIMESTAMP
			WHERE patch_id = ?`, checksum, duration.Milliseconds(), p.ID)
	})
	if err != nil {
		return 0, &Error{
			Code:    CodePatchFailed,
			Message: fmt.Sprintf("error running patch file %d: %v", p.ID, err),
			Op:      "Migrate.Apply",
			Query:   truncateSQL(p.SQL, 200),
			Cause:   err,
		}
	}
	return duration, nil
}

// PatchStatus returns the status of all known patches without executing any
func PatchStatus(ctx context.Context, sess *Session, patches []Patch) ([]PatchStatusEntry, error) {
	known := make(map[int]patchRow)

	err := sess.Do(ctx, func(s *Session) error {
		if err := s.RunScript(ctx, patchTable); err != nil {
			return err
		}
		if err := s.Add("SELECT patch_id, checksum, executed FROM _annodb_patches"); err != nil {
			return err
		}
		maps, err := s.ExecuteFetchMaps(ctx, -1)
		if err != nil {
			return err
		}
		for _, m := range maps {
			id, err := Value[int](m["patch_id"])
			if err != nil {
				return err
			}
			checksum, err := Value[string](m["checksum"])
			if err != nil {
				return err
			}
			executed, err := Value[int64](m["executed"])
			if err != nil {
				return err
			}
			known[id] = patchRow{checksum: checksum, executed: executed != 0}
		}
		return nil
	})
	if err != nil {
		return nil, wrapError(err, "PatchStatus")
	}

	result := make([]PatchStatusEntry, 0, len(patches))
	for _, p := range patches {
		checksum := checksumSQL(p.SQL)
		entry := PatchStatusEntry{
			ID:       p.ID,
			Name:     p.Name,
			Checksum: checksum,
		}
		if row, ok := known[p.ID]; ok && row.executed {
			entry.Executed = true
			entry.ChecksumMatch = row.checksum == checksum
		}
		result = append(result, entry)
	}
	return result, nil
}

// checksumSQL creates a SHA256 checksum of SQL content
func checksumSQL(sql string) string {
	hash := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(hash[:])
}

// truncateSQL truncates SQL for error messages
func truncateSQL(sql string, maxLen int) string {
	if len(sql) <= maxLen {
		return sql
	}
	return sql[:maxLen] + "..."
}
