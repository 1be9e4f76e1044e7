//go:build sqlite
// +build sqlite

package dbqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteHistory implements History on a SQLite file through database/sql
// and go-sqlite3. It needs cgo and the sqlite build tag.
type SQLiteHistory struct {
	db *sql.DB
}

// NewSQLiteHistory opens (or creates) a history database at dbPath.
func NewSQLiteHistory(dbPath string) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// RecordJob reads before it writes, so writers share one connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	h := &SQLiteHistory{db: db}
	if err := h.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return h, nil
}

// Close closes the database connection
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}

func (h *SQLiteHistory) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS job_history (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		queue TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		finalized_at INTEGER,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_job_history_status ON job_history(status);
	CREATE INDEX IF NOT EXISTS idx_job_history_queue ON job_history(queue);
	CREATE INDEX IF NOT EXISTS idx_job_history_finalized_at ON job_history(finalized_at);
	`

	_, err := h.db.Exec(schema)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*JobRecord, error) {
	rec := &JobRecord{}
	var createdAt int64
	var startedAt, finalizedAt sql.NullInt64
	var errorMessage sql.NullString
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Queue, &rec.Status, &createdAt, &startedAt, &finalizedAt, &errorMessage); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(0, createdAt)
	if startedAt.Valid {
		t := time.Unix(0, startedAt.Int64)
		rec.StartedAt = &t
	}
	if finalizedAt.Valid {
		t := time.Unix(0, finalizedAt.Int64)
		rec.FinalizedAt = &t
	}
	if errorMessage.Valid {
		rec.ErrorMessage = errorMessage.String
	}
	return rec, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

const selectRecord = `
	SELECT id, name, queue, status, created_at, started_at, finalized_at, error_message
	FROM job_history
	WHERE id = ?
`

// RecordJob inserts or updates a record.
func (h *SQLiteHistory) RecordJob(ctx context.Context, rec *JobRecord) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("record is nil")
	}
	if rec.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanRecord(tx.QueryRowContext(ctx, selectRecord, rec.ID))
	if errors.Is(err, sql.ErrNoRows) {
		existing = nil
	} else if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}

	merged, ok := mergeRecord(existing, rec, time.Now())
	if !ok {
		return fmt.Errorf("invalid transition for job %s: %s -> %s", rec.ID, existing.Status, rec.Status)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_history (id, name, queue, status, created_at, started_at, finalized_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			queue = excluded.queue,
			status = excluded.status,
			started_at = excluded.started_at,
			finalized_at = excluded.finalized_at,
			error_message = excluded.error_message
	`, merged.ID, merged.Name, merged.Queue, string(merged.Status), merged.CreatedAt.UnixNano(),
		nullTime(merged.StartedAt), nullTime(merged.FinalizedAt), merged.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetJob retrieves a record by job ID.
func (h *SQLiteHistory) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	rec, err := scanRecord(h.db.QueryRowContext(ctx, selectRecord, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return rec, nil
}

// GetJobStats counts records of queue, or of all queues if queue is empty.
func (h *SQLiteHistory) GetJobStats(ctx context.Context, queue string) (*JobStats, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	rows, err := h.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM job_history
		WHERE ? = '' OR queue = ?
		GROUP BY status
	`, queue, queue)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := &JobStats{Queue: queue}
	for rows.Next() {
		var status JobStatus
		var count int32
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		countStatus(stats, status, count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}
	return stats, nil
}

// ResetRunningJobs marks running records as failed.
func (h *SQLiteHistory) ResetRunningJobs(ctx context.Context) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	_, err = h.db.ExecContext(ctx, `
		UPDATE job_history
		SET status = ?, error_message = ?, finalized_at = ?
		WHERE status = ?
	`, string(JobStatusError), abandonedMessage, time.Now().UnixNano(), string(JobStatusRunning))
	if err != nil {
		return fmt.Errorf("failed to reset running jobs: %w", err)
	}
	return nil
}

// CleanupExpiredJobs deletes terminal records older than TTL.
func (h *SQLiteHistory) CleanupExpiredJobs(ctx context.Context, ttl time.Duration) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be greater than 0")
	}
	cutoff := time.Now().Add(-ttl).UnixNano()

	_, err = h.db.ExecContext(ctx, `
		DELETE FROM job_history
		WHERE status IN (?, ?, ?) AND finalized_at IS NOT NULL AND finalized_at < ?
	`, string(JobStatusSucceeded), string(JobStatusError), string(JobStatusCancelled), cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup expired jobs: %w", err)
	}
	return nil
}
