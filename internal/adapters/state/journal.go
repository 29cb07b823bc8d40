// Package state persists what outlives a coordinator process: the sqlite
// journal of workflow transitions and the JSON snapshot export read by
// `autofix status`.
package state

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/coinnation/kontext-sub005/internal/core"
)

//go:embed migrations/001_journal.sql
var journalMigrationV1 string

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteJournal implements core.Journal with SQLite storage.
type SQLiteJournal struct {
	dbPath string
	db     *sql.DB // Write connection
	readDB *sql.DB // Read-only connection
	mu     sync.Mutex

	// Retry configuration
	maxRetries    int
	baseRetryWait time.Duration
}

var _ core.Journal = (*SQLiteJournal)(nil)

// SQLiteJournalOption configures the journal.
type SQLiteJournalOption func(*SQLiteJournal)

// WithRetry sets the busy-retry budget for writes.
func WithRetry(maxRetries int, baseWait time.Duration) SQLiteJournalOption {
	return func(j *SQLiteJournal) {
		j.maxRetries = maxRetries
		j.baseRetryWait = baseWait
	}
}

// NewSQLiteJournal opens (creating if needed) the journal at dbPath.
func NewSQLiteJournal(dbPath string, opts ...SQLiteJournalOption) (*SQLiteJournal, error) {
	j := &SQLiteJournal{
		dbPath:        dbPath,
		maxRetries:    5,
		baseRetryWait: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(j)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening write database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	j.db = db

	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// The read pool is opened after migrating so it never sees a missing table.
	readDB, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&mode=ro&_pragma=busy_timeout(1000)")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(2)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	j.readDB = readDB

	return j, nil
}

// Path returns the database file path.
func (j *SQLiteJournal) Path() string {
	return j.dbPath
}

func (j *SQLiteJournal) migrate() error {
	_, err := j.db.Exec(`CREATE TABLE IF NOT EXISTS journal_schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	var currentVersion int
	row := j.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM journal_schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("checking schema version: %w", err)
	}

	migrations := []string{journalMigrationV1}
	for i, migration := range migrations {
		version := i + 1
		if version <= currentVersion {
			continue
		}

		tx, err := j.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration transaction: %w", err)
		}
		for _, stmt := range splitStatements(migration) {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("executing migration v%d: %w", version, err)
			}
		}
		if _, err := tx.Exec(
			"INSERT INTO journal_schema_migrations (version, applied_at) VALUES (?, ?)",
			version, time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration v%d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", version, err)
		}
	}
	return nil
}

// Record appends one entry.
func (j *SQLiteJournal) Record(ctx context.Context, entry core.JournalEntry) error {
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	return j.retryWrite(ctx, "Record", func() error {
		_, err := j.db.ExecContext(ctx, `INSERT INTO journal_entries
			(workflow_id, project_id, event, from_phase, to_phase, attempt, detail, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			string(entry.WorkflowID), entry.ProjectID, entry.Event,
			string(entry.FromPhase), string(entry.ToPhase), entry.Attempt, entry.Detail,
			at.UTC().Format(timeLayout),
		)
		return err
	})
}

// List returns a workflow's entries in insertion order.
func (j *SQLiteJournal) List(ctx context.Context, workflowID core.WorkflowID) ([]core.JournalEntry, error) {
	return j.query(ctx, `SELECT workflow_id, project_id, event, from_phase, to_phase, attempt, detail, recorded_at
		FROM journal_entries WHERE workflow_id = ? ORDER BY id`, string(workflowID))
}

// ListProject returns the most recent entries of a project, newest first.
func (j *SQLiteJournal) ListProject(ctx context.Context, projectID string, limit int) ([]core.JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return j.query(ctx, `SELECT workflow_id, project_id, event, from_phase, to_phase, attempt, detail, recorded_at
		FROM journal_entries WHERE project_id = ? ORDER BY id DESC LIMIT ?`, projectID, limit)
}

// Prune deletes entries recorded before the cutoff and returns how many
// were removed.
func (j *SQLiteJournal) Prune(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	err := j.retryWrite(ctx, "Prune", func() error {
		res, err := j.db.ExecContext(ctx,
			"DELETE FROM journal_entries WHERE recorded_at < ?",
			before.UTC().Format(timeLayout))
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

// Close releases both connections.
func (j *SQLiteJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var errs []string
	if j.readDB != nil {
		if err := j.readDB.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		j.readDB = nil
	}
	if j.db != nil {
		if err := j.db.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		j.db = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing journal: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (j *SQLiteJournal) query(ctx context.Context, q string, args ...interface{}) ([]core.JournalEntry, error) {
	rows, err := j.readDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	var out []core.JournalEntry
	for rows.Next() {
		var (
			e                     core.JournalEntry
			wfID, from, to, stamp string
		)
		if err := rows.Scan(&wfID, &e.ProjectID, &e.Event, &from, &to, &e.Attempt, &e.Detail, &stamp); err != nil {
			return nil, fmt.Errorf("scanning journal entry: %w", err)
		}
		e.WorkflowID = core.WorkflowID(wfID)
		e.FromPhase = core.Phase(from)
		e.ToPhase = core.Phase(to)
		if e.At, err = time.Parse(timeLayout, stamp); err != nil {
			return nil, fmt.Errorf("parsing journal timestamp %q: %w", stamp, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// splitStatements splits a SQL script into individual statements.
func splitStatements(script string) []string {
	var statements []string
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		lines := strings.Split(stmt, "\n")
		var sqlLines []string
		for _, line := range lines {
			trimmed := strings.TrimSpace(line)
			if trimmed != "" && !strings.HasPrefix(trimmed, "--") {
				sqlLines = append(sqlLines, line)
			}
		}
		if len(sqlLines) > 0 {
			statements = append(statements, strings.Join(sqlLines, "\n"))
		}
	}
	return statements
}

// retryWrite executes a write operation, backing off while the database is
// busy.
func (j *SQLiteJournal) retryWrite(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= j.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return fmt.Errorf("%s: %w", operation, err)
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(j.baseRetryWait * time.Duration(1<<attempt)):
		}
	}
	return fmt.Errorf("%s failed after %d retries: %w", operation, j.maxRetries, lastErr)
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
