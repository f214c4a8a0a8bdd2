// Package repository defines the persistence contracts used by the local store
// and the outbox history.
package repository

import (
	"context"
	"errors"

	"github.com/nadmax/nexsync/internal/outbox"
	"github.com/nadmax/nexsync/internal/repository/models"
	"github.com/nadmax/nexsync/internal/task"
)

var ErrNotFound = errors.New("record not found")

// TaskRepository persists task records keyed by id and owner. The same id may
// exist once per owner.
type TaskRepository interface {
	Get(ctx context.Context, ownerID, id string) (*task.Record, error)
	ListByOwner(ctx context.Context, ownerID string) ([]task.Record, error)
	// ReplaceAll deletes every record of ownerID and inserts records in one
	// atomic step.
	ReplaceAll(ctx context.Context, ownerID string, records []task.Record) error
	Upsert(ctx context.Context, records []task.Record) error
	// Update loads the record, applies fn and writes it back atomically. The
	// record is left untouched when fn returns an error.
	Update(ctx context.Context, ownerID, id string, fn func(*task.Record) error) (*task.Record, error)
	Delete(ctx context.Context, ownerID, id string) error
}

// HistoryRepository keeps an audit trail of outbox entries and their replay
// attempts. It is optional and never consulted for queue decisions.
type HistoryRepository interface {
	SaveEntry(ctx context.Context, e *outbox.Entry) error
	LogAttempt(ctx context.Context, entryID int64, attemptNumber int, status string, durationMs int, msgErr string) error
	GetEntryStats(ctx context.Context, hours int) ([]models.EntryStats, error)
	GetRecentEntries(ctx context.Context, limit int) ([]models.RecentEntry, error)
	GetEntriesByKind(ctx context.Context, kind string, limit int) ([]models.RecentEntry, error)
	GetAttemptHistory(ctx context.Context, entryID int64) ([]models.Attempt, error)
	Close() error
}
