// Package persistence keeps the run history in a local sqlite database, one
// row per job, updated as runs start and finish.
package persistence

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/restore"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// RunRecord is one job's row in the history table.
type RunRecord struct {
	JobID      string
	InputPath  string
	OutputPath string
	Options    string
	Status     restore.Status
	Message    string
	UnitsDone  int
	UnitsTotal int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename
// (e.g. "001_init.sql" yields 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

// UpsertRun inserts or updates the history row for rec.JobID. CreatedAt is
// preserved on update.
func (s *SQLiteStore) UpsertRun(ctx context.Context, rec RunRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (job_id, input_path, output_path, options, status, message, units_done, units_total, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			input_path = excluded.input_path,
			output_path = excluded.output_path,
			options = excluded.options,
			status = excluded.status,
			message = excluded.message,
			units_done = excluded.units_done,
			units_total = excluded.units_total,
			updated_at = excluded.updated_at`,
		rec.JobID, rec.InputPath, rec.OutputPath, rec.Options, string(rec.Status),
		rec.Message, rec.UnitsDone, rec.UnitsTotal, rec.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", rec.JobID, err)
	}
	return nil
}

// GetRun returns the history row for jobID, or (nil, nil) when absent.
func (s *SQLiteStore) GetRun(ctx context.Context, jobID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, input_path, output_path, options, status, message, units_done, units_total, created_at, updated_at
		FROM runs WHERE job_id = ?`, jobID)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", jobID, err)
	}
	return rec, nil
}

// ListRuns returns history rows, newest first. An empty status matches all.
func (s *SQLiteStore) ListRuns(ctx context.Context, status restore.Status) ([]RunRecord, error) {
	query := `
		SELECT job_id, input_path, output_path, options, status, message, units_done, units_total, created_at, updated_at
		FROM runs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// DeleteRun removes the history row for jobID. Missing rows are ignored.
func (s *SQLiteStore) DeleteRun(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete run %s: %w", jobID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var rec RunRecord
	var status string
	if err := row.Scan(&rec.JobID, &rec.InputPath, &rec.OutputPath, &rec.Options,
		&status, &rec.Message, &rec.UnitsDone, &rec.UnitsTotal,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = restore.Status(status)
	return &rec, nil
}
