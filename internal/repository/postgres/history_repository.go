// Package postgres provides a PostgreSQL-backed history of outbox entries and
// their replay attempts.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
	"github.com/nadmax/nexsync/internal/outbox"
	"github.com/nadmax/nexsync/internal/repository/models"
)

const schema = `
	CREATE TABLE IF NOT EXISTS outbox_history (
		entry_id      BIGINT PRIMARY KEY,
		kind          TEXT NOT NULL,
		payload       JSONB,
		task_id       TEXT NOT NULL,
		owner_id      TEXT NOT NULL,
		status        TEXT NOT NULL,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		max_retries   INTEGER NOT NULL,
		last_error    TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		next_retry_at TIMESTAMPTZ,
		completed_at  TIMESTAMPTZ,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_history_kind ON outbox_history (kind, created_at);
	CREATE TABLE IF NOT EXISTS outbox_attempt_log (
		id             BIGSERIAL PRIMARY KEY,
		entry_id       BIGINT NOT NULL,
		attempt_number INTEGER NOT NULL,
		status         TEXT NOT NULL,
		attempted_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		duration_ms    INTEGER,
		error_message  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_attempt_log_entry ON outbox_attempt_log (entry_id);
`

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(connectionString string) (*HistoryRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &HistoryRepository{db: db}, nil
}

// EnsureSchema creates the history tables when they do not exist yet.
func (r *HistoryRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create history schema: %w", err)
	}
	return nil
}

func (r *HistoryRepository) SaveEntry(ctx context.Context, e *outbox.Entry) error {
	name, payload, err := outbox.EncodeKind(e.Kind)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO outbox_history (
			entry_id, kind, payload, task_id, owner_id, status,
			retry_count, max_retries, last_error, created_at,
			next_retry_at, completed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (entry_id) DO UPDATE SET
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			last_error = EXCLUDED.last_error,
			next_retry_at = EXCLUDED.next_retry_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at
	`

	var lastError any
	if e.LastError != "" {
		lastError = e.LastError
	}

	var nextRetryAt, completedAt any
	if e.Status == outbox.StatusPending {
		nextRetryAt = e.NextRetryAt
	}
	if e.Status == outbox.StatusCompleted {
		completedAt = e.UpdatedAt
	}

	_, err = r.db.ExecContext(
		ctx,
		query,
		e.ID,
		string(name),
		payload,
		e.TaskID,
		e.OwnerID,
		string(e.Status),
		e.RetryCount,
		e.MaxRetries,
		lastError,
		e.CreatedAt,
		nextRetryAt,
		completedAt,
		e.UpdatedAt,
	)

	return err
}

func (r *HistoryRepository) LogAttempt(ctx context.Context, entryID int64, attemptNumber int, status string, durationMs int, msgErr string) error {
	query := `
		INSERT INTO outbox_attempt_log (
			entry_id, attempt_number, status, attempted_at,
			duration_ms, error_message
		) VALUES ($1, $2, $3, NOW(), $4, $5)
	`

	var durationMsVal any
	if durationMs > 0 {
		durationMsVal = durationMs
	}

	var msgErrVal any
	if msgErr != "" {
		msgErrVal = msgErr
	}

	_, err := r.db.ExecContext(ctx, query, entryID, attemptNumber, status, durationMsVal, msgErrVal)
	return err
}

func (r *HistoryRepository) GetEntryStats(ctx context.Context, hours int) ([]models.EntryStats, error) {
	query := `
		SELECT
			h.kind, h.status, COUNT(*) as count,
			COALESCE(AVG(h.retry_count), 0) as avg_retries,
			COALESCE(MAX(h.retry_count), 0) as max_retries,
			COALESCE(AVG(a.avg_duration_ms), 0) as avg_duration_ms
		FROM outbox_history h
		LEFT JOIN (
			SELECT entry_id, AVG(duration_ms) as avg_duration_ms
			FROM outbox_attempt_log
			GROUP BY entry_id
		) a ON a.entry_id = h.entry_id
		WHERE h.created_at > NOW() - INTERVAL '1 hour' * $1
		GROUP BY h.kind, h.status
		ORDER BY h.kind, h.status
	`
	rows, err := r.db.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var stats []models.EntryStats
	for rows.Next() {
		var s models.EntryStats
		if err := rows.Scan(
			&s.Kind,
			&s.Status,
			&s.Count,
			&s.AvgRetries,
			&s.MaxRetries,
			&s.AvgDurationMs,
		); err != nil {
			return nil, err
		}

		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *HistoryRepository) GetRecentEntries(ctx context.Context, limit int) ([]models.RecentEntry, error) {
	query := `
		SELECT
			entry_id, kind, task_id, owner_id, status, retry_count,
			created_at, completed_at, COALESCE(last_error, '')
		FROM outbox_history
		ORDER BY created_at DESC
		LIMIT $1
	`
	return r.queryEntries(ctx, query, limit)
}

func (r *HistoryRepository) GetEntriesByKind(ctx context.Context, kind string, limit int) ([]models.RecentEntry, error) {
	query := `
		SELECT
			entry_id, kind, task_id, owner_id, status, retry_count,
			created_at, completed_at, COALESCE(last_error, '')
		FROM outbox_history
		WHERE kind = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	return r.queryEntries(ctx, query, kind, limit)
}

func (r *HistoryRepository) queryEntries(ctx context.Context, query string, args ...any) ([]models.RecentEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var entries []models.RecentEntry
	for rows.Next() {
		var e models.RecentEntry
		var completedAt sql.NullTime
		if err := rows.Scan(
			&e.EntryID,
			&e.Kind,
			&e.TaskID,
			&e.OwnerID,
			&e.Status,
			&e.RetryCount,
			&e.CreatedAt,
			&completedAt,
			&e.LastError,
		); err != nil {
			return nil, err
		}

		if completedAt.Valid {
			e.CompletedAt = &completedAt.Time
		}

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (r *HistoryRepository) GetAttemptHistory(ctx context.Context, entryID int64) ([]models.Attempt, error) {
	query := `
		SELECT
			attempt_number, status, attempted_at,
			duration_ms, error_message
		FROM outbox_attempt_log
		WHERE entry_id = $1
		ORDER BY attempted_at ASC, attempt_number ASC
	`
	rows, err := r.db.QueryContext(ctx, query, entryID)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var history []models.Attempt
	for rows.Next() {
		var a models.Attempt
		var durationMs sql.NullInt64
		var msgErr sql.NullString

		if err := rows.Scan(
			&a.AttemptNumber,
			&a.Status,
			&a.AttemptedAt,
			&durationMs,
			&msgErr,
		); err != nil {
			return nil, err
		}

		if durationMs.Valid {
			d := durationMs.Int64
			a.DurationMs = &d
		}
		if msgErr.Valid {
			a.ErrorMessage = msgErr.String
		}

		history = append(history, a)
	}

	return history, rows.Err()
}

func (r *HistoryRepository) DB() *sql.DB {
	return r.db
}

func (r *HistoryRepository) Close() error {
	return r.db.Close()
}
