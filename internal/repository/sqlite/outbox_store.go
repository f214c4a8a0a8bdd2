package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nadmax/nexsync/internal/outbox"
	"github.com/nadmax/nexsync/internal/repository"
)

// OutboxStore implements queue.Store.
type OutboxStore struct {
	db *sql.DB
}

const entryColumns = `
	id, kind, payload, task_id, owner_id, status, retry_count, max_retries,
	last_attempt_at, next_retry_at, last_error, created_at, updated_at`

func scanEntry(s scanner) (*outbox.Entry, error) {
	var (
		e           outbox.Entry
		kind        string
		payload     string
		status      string
		lastAttempt sql.NullInt64
		nextRetry   int64
		lastError   sql.NullString
		created     int64
		updated     int64
	)

	if err := s.Scan(
		&e.ID,
		&kind,
		&payload,
		&e.TaskID,
		&e.OwnerID,
		&status,
		&e.RetryCount,
		&e.MaxRetries,
		&lastAttempt,
		&nextRetry,
		&lastError,
		&created,
		&updated,
	); err != nil {
		return nil, err
	}

	k, err := outbox.DecodeKind(outbox.KindName(kind), []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to decode entry %d: %w", e.ID, err)
	}

	e.Kind = k
	e.Status = outbox.Status(status)
	e.LastAttemptAt = timePtr(lastAttempt)
	e.NextRetryAt = fromNanos(nextRetry)
	e.LastError = lastError.String
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)

	return &e, nil
}

func (s *OutboxStore) queryEntries(ctx context.Context, query string, args ...any) ([]*outbox.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var entries []*outbox.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *OutboxStore) Insert(ctx context.Context, e *outbox.Entry) error {
	name, payload, err := outbox.EncodeKind(e.Kind)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox_entries (
			kind, payload, task_id, owner_id, status, retry_count, max_retries,
			last_attempt_at, next_retry_at, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(name),
		string(payload),
		e.TaskID,
		e.OwnerID,
		string(e.Status),
		e.RetryCount,
		e.MaxRetries,
		nullableNanos(e.LastAttemptAt),
		toNanos(e.NextRetryAt),
		nullableString(e.LastError),
		toNanos(e.CreatedAt),
		toNanos(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	e.ID = id
	return nil
}

func (s *OutboxStore) Get(ctx context.Context, id int64) (*outbox.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM outbox_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox entry %d: %w", id, err)
	}
	return e, nil
}

func (s *OutboxStore) Save(ctx context.Context, e *outbox.Entry) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_entries SET
			status = ?,
			retry_count = ?,
			last_attempt_at = ?,
			next_retry_at = ?,
			last_error = ?,
			updated_at = ?
		WHERE id = ?`,
		string(e.Status),
		e.RetryCount,
		nullableNanos(e.LastAttemptAt),
		toNanos(e.NextRetryAt),
		nullableString(e.LastError),
		toNanos(e.UpdatedAt),
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update outbox entry %d: %w", e.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *OutboxStore) Ready(ctx context.Context, ownerID string, now time.Time) ([]*outbox.Entry, error) {
	if ownerID == "" {
		return s.queryEntries(ctx, `
			SELECT `+entryColumns+` FROM outbox_entries
			WHERE status = ? AND next_retry_at <= ?
			ORDER BY created_at ASC, id ASC`,
			string(outbox.StatusPending), toNanos(now))
	}

	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM outbox_entries
		WHERE owner_id = ? AND status = ? AND next_retry_at <= ?
		ORDER BY created_at ASC, id ASC`,
		ownerID, string(outbox.StatusPending), toNanos(now))
}

func (s *OutboxStore) ListByStatus(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM outbox_entries
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`,
		string(status), limit)
}

func (s *OutboxStore) CountByStatus(ctx context.Context) (map[outbox.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox_entries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox entries: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	counts := make(map[outbox.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[outbox.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *OutboxStore) CountPendingForOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_entries WHERE owner_id = ? AND status = ?`,
		ownerID, string(outbox.StatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return n, nil
}

func (s *OutboxStore) CountPendingForTask(ctx context.Context, ownerID, taskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_entries WHERE owner_id = ? AND task_id = ? AND status = ?`,
		ownerID, taskID, string(outbox.StatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return n, nil
}

func (s *OutboxStore) Pending(ctx context.Context, ownerID string) ([]*outbox.Entry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM outbox_entries
		WHERE owner_id = ? AND status = ?
		ORDER BY created_at ASC, id ASC`,
		ownerID, string(outbox.StatusPending))
}

func (s *OutboxStore) PendingOwners(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT owner_id FROM outbox_entries WHERE status = ? ORDER BY owner_id`,
		string(outbox.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, err
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

func (s *OutboxStore) deleteWhere(ctx context.Context, where string, args ...any) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox_entries`+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete outbox entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

func (s *OutboxStore) DeleteByStatus(ctx context.Context, status outbox.Status) (int, error) {
	return s.deleteWhere(ctx, ` WHERE status = ?`, string(status))
}

func (s *OutboxStore) DeleteExhausted(ctx context.Context) (int, error) {
	return s.deleteWhere(ctx, ` WHERE status = ? AND retry_count >= max_retries`, string(outbox.StatusFailed))
}

func (s *OutboxStore) DeleteAll(ctx context.Context) (int, error) {
	return s.deleteWhere(ctx, ``)
}
