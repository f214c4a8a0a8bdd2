package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/nadmax/nexsync/internal/repository"
	"github.com/nadmax/nexsync/internal/task"
)

const taskColumns = `
	id, owner_id, title, description, time_spent_seconds, time_estimate_seconds,
	status, deadline, tags, important, sync_state, created_at, updated_at`

const upsertTaskQuery = `
	INSERT INTO tasks (` + taskColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id, owner_id) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		time_spent_seconds = excluded.time_spent_seconds,
		time_estimate_seconds = excluded.time_estimate_seconds,
		status = excluded.status,
		deadline = excluded.deadline,
		tags = excluded.tags,
		important = excluded.important,
		sync_state = excluded.sync_state,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at`

// TaskStore implements repository.TaskRepository.
type TaskStore struct {
	db *sql.DB
}

type scanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanTask(s scanner) (*task.Record, error) {
	var (
		r         task.Record
		status    string
		syncState string
		deadline  sql.NullInt64
		tags      string
		created   int64
		updated   int64
	)

	if err := s.Scan(
		&r.ID,
		&r.OwnerID,
		&r.Title,
		&r.Description,
		&r.TimeSpentSeconds,
		&r.TimeEstimateSeconds,
		&status,
		&deadline,
		&tags,
		&r.Important,
		&syncState,
		&created,
		&updated,
	); err != nil {
		return nil, err
	}

	r.Status = task.Status(status)
	r.SyncState = task.SyncState(syncState)
	r.Deadline = timePtr(deadline)
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)

	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags of task %s: %w", r.ID, err)
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}

	return &r, nil
}

func writeTask(ctx context.Context, ex execer, r *task.Record) error {
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	_, err = ex.ExecContext(
		ctx,
		upsertTaskQuery,
		r.ID,
		r.OwnerID,
		r.Title,
		r.Description,
		r.TimeSpentSeconds,
		r.TimeEstimateSeconds,
		string(r.Status),
		nullableNanos(r.Deadline),
		string(tagsJSON),
		r.Important,
		string(r.SyncState),
		toNanos(r.CreatedAt),
		toNanos(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to write task %s: %w", r.ID, err)
	}
	return nil
}

func (s *TaskStore) Get(ctx context.Context, ownerID, id string) (*task.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ? AND owner_id = ?`, id, ownerID)
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return rec, nil
}

func (s *TaskStore) ListByOwner(ctx context.Context, ownerID string) ([]task.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	records := make([]task.Record, 0)
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	task.Sort(records)
	return records, nil
}

func (s *TaskStore) ReplaceAll(ctx context.Context, ownerID string, records []task.Record) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE owner_id = ?`, ownerID); err != nil {
			return fmt.Errorf("failed to delete tasks of owner %s: %w", ownerID, err)
		}
		for i := range records {
			rec := records[i]
			rec.OwnerID = ownerID
			if err := writeTask(ctx, tx, &rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *TaskStore) Upsert(ctx context.Context, records []task.Record) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		for i := range records {
			if err := writeTask(ctx, tx, &records[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *TaskStore) Update(ctx context.Context, ownerID, id string, fn func(*task.Record) error) (*task.Record, error) {
	var updated *task.Record
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ? AND owner_id = ?`, id, ownerID)
		rec, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load task %s: %w", id, err)
		}

		if err := fn(rec); err != nil {
			return err
		}
		rec.ID = id
		rec.OwnerID = ownerID

		if err := writeTask(ctx, tx, rec); err != nil {
			return err
		}
		updated = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *TaskStore) Delete(ctx context.Context, ownerID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
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
