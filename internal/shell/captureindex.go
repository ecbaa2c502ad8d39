package shell

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register the "sqlite" driver with database/sql
)

// CaptureIndex is a WAL-mode SQLite index of the files a LocalCaptureSink
// has written, so an operator can list or resume local captures without
// walking the output directory and guessing file boundaries (spec.md
// §4.9(e), enriched per the domain-stack SQLite wiring in SPEC_FULL.md).
// Grounded on the teacher's internal/queue.SQLiteQueue: single-writer pool,
// WAL + NORMAL synchronous pragmas, idempotent CREATE TABLE IF NOT EXISTS.
type CaptureIndex struct {
	db *sql.DB
}

const captureIndexDDL = `
CREATE TABLE IF NOT EXISTS captures (
    run_id      TEXT    PRIMARY KEY,
    path        TEXT    NOT NULL,
    started_at  TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    frame_count INTEGER NOT NULL DEFAULT 0
);
`

// OpenCaptureIndex opens (or creates) the SQLite database at path and
// applies the schema. Like the teacher's queue, the pool is capped at one
// connection: SQLite allows only one writer, and every write here already
// serializes through LocalCaptureSink's own mutex.
func OpenCaptureIndex(path string) (*CaptureIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("shell: open capture index %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("shell: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("shell: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(captureIndexDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("shell: apply capture index schema: %w", err)
	}

	return &CaptureIndex{db: db}, nil
}

// RecordRotation inserts a new row for a just-opened capture file and
// returns the run id assigned to it, for later IncrementFrameCount calls.
func (c *CaptureIndex) RecordRotation(path string) (string, error) {
	runID := uuid.NewString()
	_, err := c.db.Exec(`INSERT INTO captures (run_id, path) VALUES (?, ?)`, runID, path)
	if err != nil {
		return "", fmt.Errorf("shell: record capture rotation: %w", err)
	}
	return runID, nil
}

// IncrementFrameCount bumps the frame_count column for runID by one. A
// failure here is non-fatal to the capture itself, so callers log rather
// than abort the write path on error.
func (c *CaptureIndex) IncrementFrameCount(runID string) error {
	_, err := c.db.Exec(`UPDATE captures SET frame_count = frame_count + 1 WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("shell: increment capture frame count: %w", err)
	}
	return nil
}

// CaptureRecord is one row of the capture index, as returned by List.
type CaptureRecord struct {
	RunID      string
	Path       string
	StartedAt  string
	FrameCount int64
}

// List returns every recorded capture file, most recently started first.
func (c *CaptureIndex) List(ctx context.Context) ([]CaptureRecord, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT run_id, path, started_at, frame_count FROM captures ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("shell: list captures: %w", err)
	}
	defer rows.Close()

	var records []CaptureRecord
	for rows.Next() {
		var r CaptureRecord
		if err := rows.Scan(&r.RunID, &r.Path, &r.StartedAt, &r.FrameCount); err != nil {
			return nil, fmt.Errorf("shell: scan capture row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("shell: list captures rows: %w", err)
	}
	return records, nil
}

// Close closes the underlying database connection.
func (c *CaptureIndex) Close() error {
	return c.db.Close()
}
