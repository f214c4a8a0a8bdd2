package queue

import (
	"context"
	"time"

	"github.com/nadmax/nexsync/internal/outbox"
)

// Store is the persistence backend behind a Queue. Implementations only store
// and query entries; every state transition is decided by the Queue.
type Store interface {
	// Insert assigns e.ID from a monotonically increasing sequence and
	// persists the entry.
	Insert(ctx context.Context, e *outbox.Entry) error
	Get(ctx context.Context, id int64) (*outbox.Entry, error)
	// Save overwrites an existing entry.
	Save(ctx context.Context, e *outbox.Entry) error
	// Ready returns pending entries with NextRetryAt <= now ordered by
	// CreatedAt then ID. An empty ownerID selects every owner.
	Ready(ctx context.Context, ownerID string, now time.Time) ([]*outbox.Entry, error)
	// ListByStatus returns entries with the given status, oldest first. A
	// non-positive limit means no limit.
	ListByStatus(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Entry, error)
	CountByStatus(ctx context.Context) (map[outbox.Status]int, error)
	CountPendingForOwner(ctx context.Context, ownerID string) (int, error)
	// Pending returns every pending entry of ownerID ordered by CreatedAt then
	// ID, whether or not it is due yet.
	Pending(ctx context.Context, ownerID string) ([]*outbox.Entry, error)
	CountPendingForTask(ctx context.Context, ownerID, taskID string) (int, error)
	// PendingOwners lists owners having at least one pending entry.
	PendingOwners(ctx context.Context) ([]string, error)
	DeleteByStatus(ctx context.Context, status outbox.Status) (int, error)
	DeleteExhausted(ctx context.Context) (int, error)
	DeleteAll(ctx context.Context) (int, error)
}
