// Package queue implements the outbox queue: durable pending remote operations
// with retry metadata, exponential backoff and maintenance operations.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nadmax/nexsync/internal/metrics"
	"github.com/nadmax/nexsync/internal/outbox"
	"github.com/nadmax/nexsync/internal/repository"
)

var (
	ErrNotFound  = repository.ErrNotFound
	ErrTerminal  = outbox.ErrTerminal
	ErrNoOwner   = errors.New("owner id is required")
	ErrBadStatus = errors.New("invalid outbox status")
)

type Queue struct {
	store      Store
	history    repository.HistoryRepository
	now        func() time.Time
	baseDelay  time.Duration
	maxRetries int
	// mu serializes read-modify-write transitions on entries.
	mu sync.Mutex
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithBaseDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.baseDelay = d
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// NewQueue builds a queue over store. history may be nil.
func NewQueue(store Store, history repository.HistoryRepository, opts ...Option) *Queue {
	q := &Queue{
		store:      store,
		history:    history,
		now:        time.Now,
		baseDelay:  outbox.DefaultBaseDelay,
		maxRetries: outbox.DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Now() time.Time {
	return q.now()
}

func (q *Queue) History() repository.HistoryRepository {
	return q.history
}

// Enqueue persists a new pending entry that is ready immediately.
func (q *Queue) Enqueue(ctx context.Context, kind outbox.Kind, taskID, ownerID string) (*outbox.Entry, error) {
	if kind == nil {
		return nil, fmt.Errorf("%w: nil kind", outbox.ErrInvalidKind)
	}
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	if ownerID == "" {
		return nil, ErrNoOwner
	}

	e := outbox.NewEntry(kind, taskID, ownerID, q.maxRetries, q.now())
	if err := q.store.Insert(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s entry: %w", kind.Name(), err)
	}

	metrics.RecordEnqueued(kind.Name())
	q.saveHistory(ctx, e)
	log.Printf("Enqueued outbox entry %d (%s) for task %s", e.ID, kind.Name(), taskID)

	return e, nil
}

func (q *Queue) Get(ctx context.Context, id int64) (*outbox.Entry, error) {
	return q.store.Get(ctx, id)
}

// ReadyForRetry returns pending entries of every owner with nextRetryAt <= now,
// oldest first.
func (q *Queue) ReadyForRetry(ctx context.Context, now time.Time) ([]*outbox.Entry, error) {
	return q.store.Ready(ctx, "", now)
}

// ReadyForOwner returns the owner's pending entries that may be replayed now,
// oldest first. It stops at the oldest entry still waiting for its retry time
// so that later entries never overtake it.
func (q *Queue) ReadyForOwner(ctx context.Context, ownerID string, now time.Time) ([]*outbox.Entry, error) {
	if ownerID == "" {
		return nil, ErrNoOwner
	}

	pending, err := q.store.Pending(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for i, e := range pending {
		if !e.IsReady(now) {
			return pending[:i], nil
		}
	}
	return pending, nil
}

func (q *Queue) transition(ctx context.Context, id int64, apply func(e *outbox.Entry, now time.Time) error) (*outbox.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := apply(e, q.now()); err != nil {
		return nil, err
	}

	if err := q.store.Save(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to save outbox entry %d: %w", id, err)
	}

	q.saveHistory(ctx, e)
	return e, nil
}

func (q *Queue) MarkCompleted(ctx context.Context, id int64) (*outbox.Entry, error) {
	e, err := q.transition(ctx, id, func(e *outbox.Entry, now time.Time) error {
		return e.Complete(now)
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordCompleted(e.Kind.Name())
	return e, nil
}

// MarkRetry records a failed attempt. The entry is rescheduled with backoff, or
// becomes Failed once its retries are exhausted.
func (q *Queue) MarkRetry(ctx context.Context, id int64, cause error) (*outbox.Entry, error) {
	e, err := q.transition(ctx, id, func(e *outbox.Entry, now time.Time) error {
		return e.RecordFailure(reason(cause), now, q.baseDelay)
	})
	if err != nil {
		return nil, err
	}

	if e.Status == outbox.StatusFailed {
		metrics.RecordFailed(e.Kind.Name(), metrics.ReasonExhausted)
		log.Printf("Outbox entry %d exhausted %d retries: %s", e.ID, e.MaxRetries, e.LastError)
	} else {
		metrics.RecordRetried(e.Kind.Name())
	}
	return e, nil
}

// MarkFailed moves the entry to Failed without consuming retries.
func (q *Queue) MarkFailed(ctx context.Context, id int64, cause error) (*outbox.Entry, error) {
	e, err := q.transition(ctx, id, func(e *outbox.Entry, now time.Time) error {
		return e.Fail(reason(cause), now)
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordFailed(e.Kind.Name(), metrics.ReasonRejected)
	log.Printf("Outbox entry %d rejected: %s", e.ID, e.LastError)
	return e, nil
}

func reason(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func (q *Queue) CountByStatus(ctx context.Context) (map[outbox.Status]int, error) {
	return q.store.CountByStatus(ctx)
}

func (q *Queue) PendingCount(ctx context.Context, ownerID string) (int, error) {
	return q.store.CountPendingForOwner(ctx, ownerID)
}

func (q *Queue) PendingForTask(ctx context.Context, ownerID, taskID string) (int, error) {
	return q.store.CountPendingForTask(ctx, ownerID, taskID)
}

func (q *Queue) PendingOwners(ctx context.Context) ([]string, error) {
	return q.store.PendingOwners(ctx)
}

// ListByStatus returns entries oldest first; limit <= 0 means no limit.
func (q *Queue) ListByStatus(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Entry, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrBadStatus, status)
	}
	return q.store.ListByStatus(ctx, status, limit)
}

func (q *Queue) ClearCompleted(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.store.DeleteByStatus(ctx, outbox.StatusCompleted)
	if err != nil {
		return 0, err
	}
	log.Printf("Cleared %d completed outbox entries", n)
	return n, nil
}

// ClearFailedExhausted removes failed entries that used up their retries.
// Entries rejected outright are kept for inspection.
func (q *Queue) ClearFailedExhausted(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.store.DeleteExhausted(ctx)
	if err != nil {
		return 0, err
	}
	log.Printf("Cleared %d exhausted outbox entries", n)
	return n, nil
}

func (q *Queue) ClearAll(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.store.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	log.Printf("Cleared all %d outbox entries", n)
	return n, nil
}

func (q *Queue) saveHistory(ctx context.Context, e *outbox.Entry) {
	if q.history == nil {
		return
	}
	if err := q.history.SaveEntry(ctx, e); err != nil {
		log.Printf("failed to save history for entry %d: %v", e.ID, err)
	}
}
