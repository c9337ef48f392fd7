package recovery

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Journal persists classified failures to SQLite so error history survives
// the process and can be inspected after a bad run.
type Journal struct {
	db   *sql.DB
	path string
}

// OpenJournal opens (creating if needed) the journal database at path.
// ":memory:" is accepted for tests.
func OpenJournal(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("journal: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open database: %w", err)
	}

	// busy_timeout first so the remaining setup waits on locks instead of
	// failing under concurrent opens of the same file.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: set %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: init schema: %w", err)
	}

	return &Journal{db: db, path: path}, nil
}

// Append writes one failure record.
func (j *Journal) Append(rec Record) error {
	_, err := j.db.Exec(`
		INSERT INTO error_records
			(id, code, message, category, severity, recoverable,
			 component, operation, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Code, rec.Message, string(rec.Category), string(rec.Severity),
		rec.Recoverable, rec.Context.Component, rec.Context.Operation,
		rec.Context.Detail, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("journal: append %s: %w", rec.ID, err)
	}
	return nil
}

// RecordFilter selects journal records. Zero-valued fields are ignored.
type RecordFilter struct {
	Component string
	Operation string
	Category  Category
	Since     time.Time
	Limit     int
}

// Records returns failures matching the filter, newest first.
func (j *Journal) Records(f RecordFilter) ([]Record, error) {
	query := `
		SELECT id, code, message, category, severity, recoverable,
		       component, operation, detail, created_at
		FROM error_records WHERE 1=1`
	var args []interface{}

	if f.Component != "" {
		query += " AND component = ?"
		args = append(args, f.Component)
	}
	if f.Operation != "" {
		query += " AND operation = ?"
		args = append(args, f.Operation)
	}
	if f.Category != "" {
		query += " AND category = ?"
		args = append(args, string(f.Category))
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.Since)
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var category, severity string
		if err := rows.Scan(&rec.ID, &rec.Code, &rec.Message, &category,
			&severity, &rec.Recoverable, &rec.Context.Component,
			&rec.Context.Operation, &rec.Context.Detail, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("journal: scan record: %w", err)
		}
		rec.Category = Category(category)
		rec.Severity = Severity(severity)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByCategory returns how many recorded failures fall in each category.
func (j *Journal) CountByCategory() (map[Category]int, error) {
	rows, err := j.db.Query(
		`SELECT category, COUNT(*) FROM error_records GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("journal: count by category: %w", err)
	}
	defer rows.Close()

	counts := make(map[Category]int)
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("journal: scan count: %w", err)
		}
		counts[Category(category)] = n
	}
	return counts, rows.Err()
}

// Prune deletes records created before the cutoff and returns how many were
// removed.
func (j *Journal) Prune(before time.Time) (int64, error) {
	res, err := j.db.Exec(`DELETE FROM error_records WHERE created_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
