package warehouse

import (
	"database/sql"
	"fmt"
	"time"

	"entpipe/internal/logging"
)

// RunInfo summarizes one pipeline run's footprint in a table.
type RunInfo struct {
	RunID     string
	Rows      int
	LastWrite time.Time
}

// TableExists reports whether a table is present in the schema.
func (w *DB) TableExists(table string) (bool, error) {
	if err := checkIdentifier("table", table); err != nil {
		return false, err
	}
	var name string
	err := w.db.QueryRow(`
		SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?
	`, table).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return true, nil
}

// CountRows counts rows in a table, optionally scoped to one run
// ("" counts all runs).
func (w *DB) CountRows(table, runID string) (int, error) {
	if err := checkIdentifier("table", table); err != nil {
		return 0, err
	}
	query := `SELECT COUNT(*) FROM ` + table
	var args []any
	if runID != "" {
		if err := checkIdentifier("run_id", runID); err != nil {
			return 0, err
		}
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	var count int
	if err := w.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return count, nil
}

// DeleteRun removes every row a run wrote to a table and returns the number
// of rows deleted. The run_id predicate is always parameterized.
func (w *DB) DeleteRun(table, runID string) (int64, error) {
	if err := checkIdentifier("table", table); err != nil {
		return 0, err
	}
	if err := checkIdentifier("run_id", runID); err != nil {
		return 0, err
	}
	res, err := w.db.Exec(`DELETE FROM `+table+` WHERE run_id = ?`, runID)
	if err != nil {
		return 0, fmt.Errorf("delete run %s from %s: %w", runID, table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	logging.Info("warehouse", "deleted %d rows of run %s from %s", n, runID, table)
	return n, nil
}

// ListRuns returns the runs that wrote to a table, most recent first.
func (w *DB) ListRuns(table string) ([]RunInfo, error) {
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	rows, err := w.db.Query(`
		SELECT run_id, COUNT(*), MAX(COALESCE(system_time, created_at))
		FROM ` + table + `
		GROUP BY run_id
		ORDER BY MAX(COALESCE(system_time, created_at)) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs in %s: %w", table, err)
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		var info RunInfo
		var last sql.NullTime
		if err := rows.Scan(&info.RunID, &info.Rows, &last); err != nil {
			return nil, fmt.Errorf("scan run info: %w", err)
		}
		info.LastWrite = last.Time.UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

// DuplicateEntityIDs returns entity ids that appear more than once in a
// table within one run (or across all rows for entity_unified, which has no
// per-run scope on its uniqueness guarantee).
func (w *DB) DuplicateEntityIDs(table, runID string) ([]string, error) {
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	query := `SELECT entity_id FROM ` + table
	var args []any
	if runID != "" {
		if err := checkIdentifier("run_id", runID); err != nil {
			return nil, err
		}
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` GROUP BY entity_id HAVING COUNT(*) > 1`

	rows, err := w.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("find duplicates in %s: %w", table, err)
	}
	defer rows.Close()

	var dupes []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dupes = append(dupes, id)
	}
	return dupes, rows.Err()
}

// LevelViolations counts rows in a unified-shaped table whose level is
// outside the hierarchy the pipeline emits.
func (w *DB) LevelViolations(table, runID string, validLevels []int) (int, error) {
	if err := checkIdentifier("table", table); err != nil {
		return 0, err
	}
	if len(validLevels) == 0 {
		return 0, nil
	}
	query := `SELECT COUNT(*) FROM ` + table + ` WHERE level NOT IN (`
	args := make([]any, 0, len(validLevels)+1)
	for i, lv := range validLevels {
		if i > 0 {
			query += `, `
		}
		query += `?`
		args = append(args, lv)
	}
	query += `)`
	if runID != "" {
		if err := checkIdentifier("run_id", runID); err != nil {
			return 0, err
		}
		query += ` AND run_id = ?`
		args = append(args, runID)
	}
	var count int
	if err := w.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count level violations in %s: %w", table, err)
	}
	return count, nil
}

// InvalidStatusCount counts rows whose validation_status is not one of the
// allowed values.
func (w *DB) InvalidStatusCount(table, runID string, allowed []string) (int, error) {
	if err := checkIdentifier("table", table); err != nil {
		return 0, err
	}
	if len(allowed) == 0 {
		return 0, nil
	}
	query := `SELECT COUNT(*) FROM ` + table + ` WHERE validation_status NOT IN (`
	args := make([]any, 0, len(allowed)+1)
	for i, s := range allowed {
		if i > 0 {
			query += `, `
		}
		query += `?`
		args = append(args, s)
	}
	query += `)`
	if runID != "" {
		if err := checkIdentifier("run_id", runID); err != nil {
			return 0, err
		}
		query += ` AND run_id = ?`
		args = append(args, runID)
	}
	var count int
	if err := w.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count invalid statuses in %s: %w", table, err)
	}
	return count, nil
}

// NullFieldCount counts rows where a required column is NULL or empty.
func (w *DB) NullFieldCount(table, column, runID string) (int, error) {
	if err := checkIdentifier("table", table); err != nil {
		return 0, err
	}
	if err := checkIdentifier("column", column); err != nil {
		return 0, err
	}
	query := `SELECT COUNT(*) FROM ` + table + ` WHERE (` + column + ` IS NULL OR ` + column + ` = '')`
	var args []any
	if runID != "" {
		if err := checkIdentifier("run_id", runID); err != nil {
			return 0, err
		}
		query += ` AND run_id = ?`
		args = append(args, runID)
	}
	var count int
	if err := w.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count null %s in %s: %w", column, table, err)
	}
	return count, nil
}

// OrphanCount counts rows in child whose parent_id has no matching entity_id
// in parent, scoped to a run on the child side.
func (w *DB) OrphanCount(childTable, parentTable, runID string) (int, error) {
	if err := checkIdentifier("table", childTable); err != nil {
		return 0, err
	}
	if err := checkIdentifier("table", parentTable); err != nil {
		return 0, err
	}
	query := `
		SELECT COUNT(*) FROM ` + childTable + ` c
		WHERE c.parent_id IS NOT NULL AND c.parent_id != ''
		AND NOT EXISTS (SELECT 1 FROM ` + parentTable + ` p WHERE p.entity_id = c.parent_id)`
	var args []any
	if runID != "" {
		if err := checkIdentifier("run_id", runID); err != nil {
			return 0, err
		}
		query += ` AND c.run_id = ?`
		args = append(args, runID)
	}
	var count int
	if err := w.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count orphans in %s: %w", childTable, err)
	}
	return count, nil
}

// SampleRows reads up to limit rows a run wrote to a table, as generic
// column-name keyed maps. Data contract checks consume this shape; TEXT and
// BLOB columns come back as strings.
func (w *DB) SampleRows(table, runID string, limit int) ([]map[string]any, error) {
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	if err := checkIdentifier("run_id", runID); err != nil {
		return nil, err
	}
	rows, err := w.db.Query(`SELECT * FROM `+table+` WHERE run_id = ? LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sample %s columns: %w", table, err)
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sample %s scan: %w", table, err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
