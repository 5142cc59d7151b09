package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	gosync "sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "modernc.org/sqlite"

	"github.com/JohanCodinha/jiracache/internal/logger"
)

const (
	// DriverModernc is the pure Go modernc.org/sqlite driver.
	DriverModernc = "sqlite"
	// DriverNcruces is the wasm based github.com/ncruces/go-sqlite3 driver.
	DriverNcruces = "sqlite3"
)

// timeFormat is fixed width and always UTC, so lexical order of stored
// timestamps is chronological order and MAX(updated_at) is the newest one.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Options configures the SQLite backend.
type Options struct {
	// Driver is DriverModernc (default) or DriverNcruces.
	Driver string
	// BusyTimeout bounds how long a write waits on a lock held by another process.
	BusyTimeout time.Duration
}

// DB is a Repository backed by a SQLite database file.
type DB struct {
	path string
	opts Options

	// mu guards conn and closed. Operations hold the read lock for their
	// whole duration so Close waits for them to finish.
	mu     gosync.RWMutex
	conn   *sql.DB
	closed bool
}

var _ Repository = (*DB)(nil)

// createIssuesTableSQL defines the schema for the issues table.
const createIssuesTableSQL = `
CREATE TABLE IF NOT EXISTS issues (
    key TEXT PRIMARY KEY,
    project TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    issue_type TEXT,
    status TEXT,
    resolution TEXT,
    created_at TEXT,
    updated_at TEXT NOT NULL,
    original_estimate INTEGER DEFAULT 0,
    remaining_estimate INTEGER DEFAULT 0,
    labels TEXT  -- JSON array of label names
);
`

// createProjectIndexSQL backs the per-project high-water-mark query.
const createProjectIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_issues_project_updated ON issues (project, updated_at);
`

// createStatusChangesTableSQL defines the schema for the status history of an issue.
const createStatusChangesTableSQL = `
CREATE TABLE IF NOT EXISTS status_changes (
    issue_key TEXT NOT NULL,
    seq INTEGER NOT NULL,
    changed_at TEXT NOT NULL,
    status TEXT NOT NULL,
    PRIMARY KEY (issue_key, seq)
);
`

const selectIssueColumns = `
	SELECT key, project, title, issue_type, status, resolution,
	       created_at, updated_at, original_estimate, remaining_estimate, labels
	FROM issues
	`

// NewDB creates a SQLite repository for the database file at path.
// Nothing is opened until Initialize is called.
func NewDB(path string, opts Options) *DB {
	if opts.Driver == "" {
		opts.Driver = DriverModernc
	}
	if opts.BusyTimeout == 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	return &DB{path: path, opts: opts}
}

// InitDB creates or opens the SQLite database at path with default options
// and initializes the schema.
func InitDB(path string) (*DB, error) {
	db := NewDB(path, Options{})
	if err := db.Initialize(context.Background()); err != nil {
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Initialize opens the database and creates the schema if it is absent.
// Calling it on an already initialized DB is a no-op.
func (db *DB) Initialize(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	if db.conn != nil {
		return nil
	}

	switch db.opts.Driver {
	case DriverModernc, DriverNcruces:
	default:
		return fmt.Errorf("unknown sqlite driver %q: valid drivers are %s, %s", db.opts.Driver, DriverModernc, DriverNcruces)
	}

	conn, err := sql.Open(db.opts.Driver, db.path)
	if err != nil {
		return storageErr("failed to open database", err)
	}

	// SQLite only supports a single writer. One connection serializes every
	// upsert, which also gives last-write-wins in call order for a key.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	statements := []struct {
		sql  string
		desc string
	}{
		{fmt.Sprintf("PRAGMA busy_timeout = %d", db.opts.BusyTimeout.Milliseconds()), "set busy timeout"},
		{"PRAGMA journal_mode = WAL", "enable WAL journal"},
		{createIssuesTableSQL, "create issues table"},
		{createProjectIndexSQL, "create project index"},
		{createStatusChangesTableSQL, "create status_changes table"},
	}
	for _, stmt := range statements {
		if _, err := conn.ExecContext(ctx, stmt.sql); err != nil {
			conn.Close()
			return storageErr("failed to "+stmt.desc, err)
		}
	}

	db.conn = conn
	logger.Debug("cache: opened %s (driver %s)", db.path, db.opts.Driver)
	return nil
}

// Close closes the database connection. Calling Close twice is allowed.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true
	if db.conn == nil {
		return nil
	}
	err := db.conn.Close()
	db.conn = nil
	if err != nil {
		return storageErr("failed to close database", err)
	}
	return nil
}

// acquire returns the live connection with the read lock held.
// The caller must call db.mu.RUnlock when err is nil.
func (db *DB) acquire() (*sql.DB, error) {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return nil, ErrClosed
	}
	if db.conn == nil {
		db.mu.RUnlock()
		return nil, ErrNotInitialized
	}
	return db.conn, nil
}

// Upsert inserts or replaces an issue and its status changes in one transaction.
func (db *DB) Upsert(ctx context.Context, rec IssueRecord) error {
	conn, err := db.acquire()
	if err != nil {
		return err
	}
	defer db.mu.RUnlock()

	if err := rec.Validate(); err != nil {
		return err
	}

	labelsJSON, err := json.Marshal(rec.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	query := `
		INSERT OR REPLACE INTO issues (
			key, project, title, issue_type, status, resolution,
			created_at, updated_at, original_estimate, remaining_estimate, labels
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		rec.Key,
		rec.Project,
		rec.Title,
		sql.NullString{String: rec.Type, Valid: rec.Type != ""},
		sql.NullString{String: rec.Status, Valid: rec.Status != ""},
		sql.NullString{String: rec.Resolution, Valid: rec.Resolution != ""},
		formatTime(rec.Created),
		rec.Updated.UTC().Format(timeFormat),
		int64(rec.OriginalEstimate/time.Second),
		int64(rec.RemainingEstimate/time.Second),
		string(labelsJSON),
	)
	if err != nil {
		return storageErr("failed to upsert issue "+rec.Key, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM status_changes WHERE issue_key = ?", rec.Key); err != nil {
		return storageErr("failed to delete status changes of "+rec.Key, err)
	}

	for i, sc := range rec.StatusChanges {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO status_changes (issue_key, seq, changed_at, status) VALUES (?, ?, ?, ?)",
			rec.Key, i, sc.At.UTC().Format(timeFormat), sc.Status,
		)
		if err != nil {
			return storageErr(fmt.Sprintf("failed to insert status change %d of %s", i, rec.Key), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit transaction", err)
	}
	return nil
}

// Get retrieves one issue by key. Returns nil, nil if it is not cached.
func (db *DB) Get(ctx context.Context, key string) (*IssueRecord, error) {
	records, err := db.query(ctx, "WHERE issues.key = ?", key)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// GetAll retrieves every cached issue ordered by key.
func (db *DB) GetAll(ctx context.Context) ([]IssueRecord, error) {
	return db.query(ctx, "")
}

// GetByProject retrieves the cached issues of one project ordered by key.
func (db *DB) GetByProject(ctx context.Context, project string) ([]IssueRecord, error) {
	return db.query(ctx, "WHERE issues.project = ?", project)
}

// query selects the issues matching where and attaches their status changes.
// Issues are read completely before status changes are queried because the
// pool has a single connection.
func (db *DB) query(ctx context.Context, where string, args ...interface{}) ([]IssueRecord, error) {
	conn, err := db.acquire()
	if err != nil {
		return nil, err
	}
	defer db.mu.RUnlock()

	rows, err := conn.QueryContext(ctx, selectIssueColumns+where+" ORDER BY issues.key ASC", args...)
	if err != nil {
		return nil, storageErr("failed to query issues", err)
	}

	records := []IssueRecord{}
	index := make(map[string]int)
	for rows.Next() {
		rec, err := scanIssueFrom(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[rec.Key] = len(records)
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storageErr("error iterating rows", err)
	}
	rows.Close()

	if len(records) == 0 {
		return records, nil
	}

	if err := attachStatusChanges(ctx, conn, records, index, where, args); err != nil {
		return nil, err
	}
	return records, nil
}

func attachStatusChanges(ctx context.Context, conn *sql.DB, records []IssueRecord, index map[string]int, where string, args []interface{}) error {
	query := `
		SELECT status_changes.issue_key, status_changes.changed_at, status_changes.status
		FROM status_changes
		JOIN issues ON issues.key = status_changes.issue_key
	` + where + " ORDER BY status_changes.issue_key ASC, status_changes.seq ASC"

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return storageErr("failed to query status changes", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, changedAt, status string
		if err := rows.Scan(&key, &changedAt, &status); err != nil {
			return storageErr("failed to scan status change", err)
		}
		i, ok := index[key]
		if !ok {
			continue
		}
		at, err := time.Parse(timeFormat, changedAt)
		if err != nil {
			return storageErr("failed to parse status change time of "+key, err)
		}
		records[i].StatusChanges = append(records[i].StatusChanges, StatusChange{At: at, Status: status})
	}
	if err := rows.Err(); err != nil {
		return storageErr("error iterating status change rows", err)
	}
	return nil
}

// Projects returns the distinct project keys present in the cache.
func (db *DB) Projects(ctx context.Context) ([]string, error) {
	conn, err := db.acquire()
	if err != nil {
		return nil, err
	}
	defer db.mu.RUnlock()

	rows, err := conn.QueryContext(ctx, "SELECT DISTINCT project FROM issues ORDER BY project ASC")
	if err != nil {
		return nil, storageErr("failed to query projects", err)
	}
	defer rows.Close()

	projects := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, storageErr("failed to scan project", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("error iterating project rows", err)
	}
	return projects, nil
}

// LastUpdatedTime returns the newest updated_at stored for project.
func (db *DB) LastUpdatedTime(ctx context.Context, project string) (time.Time, bool, error) {
	conn, err := db.acquire()
	if err != nil {
		return time.Time{}, false, err
	}
	defer db.mu.RUnlock()

	var last sql.NullString
	err = conn.QueryRowContext(ctx, "SELECT MAX(updated_at) FROM issues WHERE project = ?", project).Scan(&last)
	if err != nil {
		return time.Time{}, false, storageErr("failed to query last updated time", err)
	}
	if !last.Valid || last.String == "" {
		return time.Time{}, false, nil
	}

	t, err := time.Parse(timeFormat, last.String)
	if err != nil {
		return time.Time{}, false, storageErr("failed to parse last updated time", err)
	}
	return t, true, nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanIssueFrom scans a row into an IssueRecord without its status changes.
func scanIssueFrom(s scanner) (*IssueRecord, error) {
	var rec IssueRecord
	var issueType, status, resolution, createdAt, labels sql.NullString
	var updatedAt string
	var originalEstimate, remainingEstimate sql.NullInt64

	err := s.Scan(
		&rec.Key,
		&rec.Project,
		&rec.Title,
		&issueType,
		&status,
		&resolution,
		&createdAt,
		&updatedAt,
		&originalEstimate,
		&remainingEstimate,
		&labels,
	)
	if err != nil {
		return nil, storageErr("failed to scan issue", err)
	}

	rec.Type = issueType.String
	rec.Status = status.String
	rec.Resolution = resolution.String
	rec.OriginalEstimate = time.Duration(originalEstimate.Int64) * time.Second
	rec.RemainingEstimate = time.Duration(remainingEstimate.Int64) * time.Second

	if rec.Updated, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, storageErr("failed to parse updated_at of "+rec.Key, err)
	}
	if createdAt.Valid && createdAt.String != "" {
		if rec.Created, err = time.Parse(timeFormat, createdAt.String); err != nil {
			return nil, storageErr("failed to parse created_at of "+rec.Key, err)
		}
	}

	if labels.Valid && labels.String != "" && labels.String != "null" {
		if err := json.Unmarshal([]byte(labels.String), &rec.Labels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
		}
	}

	return &rec, nil
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
