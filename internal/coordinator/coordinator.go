// Package coordinator applies user mutations optimistically to the local store,
// tries the remote once and falls back to the outbox when the remote is not
// reachable. Mutations report success once the local change is durable.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/nadmax/nexsync/internal/metrics"
	"github.com/nadmax/nexsync/internal/outbox"
	"github.com/nadmax/nexsync/internal/queue"
	"github.com/nadmax/nexsync/internal/remote"
	"github.com/nadmax/nexsync/internal/serial"
	"github.com/nadmax/nexsync/internal/store"
	"github.com/nadmax/nexsync/internal/task"
)

var (
	ErrNotFound = store.ErrNotFound
	// ErrNotSynced is returned when deleting a task that only has a local id.
	ErrNotSynced = errors.New("task has no server id yet")
)

const (
	outcomeSynced = "synced"
	outcomeQueued = "queued"
)

type Coordinator struct {
	store   *store.Store
	queue   *queue.Queue
	gateway remote.Gateway
	serial  *serial.Executor
	now     func() time.Time
	logger  *log.Logger
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New wires a coordinator. ex must be the executor shared with the drain loop
// so that mutations, refreshes and drain passes of one owner never overlap.
func New(st *store.Store, q *queue.Queue, gw remote.Gateway, ex *serial.Executor, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   st,
		queue:   q,
		gateway: gw,
		serial:  ex,
		now:     time.Now,
		logger:  log.New(os.Stderr, "[coordinator] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewTask describes a task created by the user.
type NewTask struct {
	Title           string
	EstimateSeconds int
	GroupID         string
	Deadline        *time.Time
}

func (c *Coordinator) LogTime(ctx context.Context, ownerID, taskID string, seconds int, comment string) error {
	kind := outbox.TimeLog{Seconds: seconds, Comment: comment}
	return c.mutate(ctx, ownerID, taskID, kind, func(r *task.Record) error {
		r.TimeSpentSeconds += seconds
		return nil
	})
}

func (c *Coordinator) AddComment(ctx context.Context, ownerID, taskID, text string) error {
	return c.mutate(ctx, ownerID, taskID, outbox.CommentAdd{Text: text}, nil)
}

func (c *Coordinator) CompleteTask(ctx context.Context, ownerID, taskID string) error {
	return c.mutate(ctx, ownerID, taskID, outbox.TaskComplete{}, func(r *task.Record) error {
		r.Status = task.StatusCompleted
		return nil
	})
}

func (c *Coordinator) ToggleChecklistItem(ctx context.Context, ownerID, taskID, itemID string, complete bool) error {
	return c.mutate(ctx, ownerID, taskID, outbox.ChecklistToggle{ItemID: itemID, Complete: complete}, nil)
}

// mutate runs one optimistic mutation under the owner's executor. A nil apply
// means the kind has no local effect besides the sync state, and the record
// may be absent locally. Once the owner's turn starts the mutation runs to
// completion even if ctx is cancelled, so the local change and its outbox
// entry are never split.
func (c *Coordinator) mutate(ctx context.Context, ownerID, taskID string, kind outbox.Kind, apply func(*task.Record) error) error {
	if err := kind.Validate(); err != nil {
		return err
	}

	return c.serial.Do(ctx, ownerID, func(ctx context.Context) error {
		ctx = context.WithoutCancel(ctx)
		if err := c.applyLocal(ctx, ownerID, taskID, apply); err != nil {
			return err
		}
		return c.deliver(ctx, ownerID, taskID, kind)
	})
}

func (c *Coordinator) applyLocal(ctx context.Context, ownerID, taskID string, apply func(*task.Record) error) error {
	_, err := c.store.UpdateField(ctx, ownerID, taskID, func(r *task.Record) error {
		if apply != nil {
			return apply(r)
		}
		return nil
	})
	if apply == nil && errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to apply local change to task %s: %w", taskID, err)
	}
	return nil
}

// deliver tries the remote once and enqueues kind on failure. When the owner
// already has pending entries the attempt is skipped so the remote sees
// mutations in the order they were made.
func (c *Coordinator) deliver(ctx context.Context, ownerID, taskID string, kind outbox.Kind) error {
	op := string(remote.OpFor(kind.Name()))

	waiting, err := c.queue.PendingCount(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("failed to count pending entries: %w", err)
	}

	var cause error
	if waiting == 0 {
		cause = remote.Apply(ctx, c.gateway, kind, taskID, ownerID)
		if cause == nil {
			metrics.RecordMutation(op, outcomeSynced)
			c.settle(ctx, ownerID, taskID, task.SyncSynced)
			return nil
		}
	} else {
		cause = fmt.Errorf("%d earlier entries pending", waiting)
	}

	if _, err := c.queue.Enqueue(ctx, kind, taskID, ownerID); err != nil {
		return fmt.Errorf("failed to enqueue %s for task %s: %w", kind.Name(), taskID, err)
	}
	metrics.RecordMutation(op, outcomeQueued)
	c.logger.Printf("Queued %s for task %s of owner %s: %v", kind.Name(), taskID, ownerID, cause)

	c.settle(ctx, ownerID, taskID, task.SyncPending)
	return nil
}

// settle only logs failures: the mutation itself is durable and a stale flag
// is corrected by the next refresh.
func (c *Coordinator) settle(ctx context.Context, ownerID, taskID string, settled task.SyncState) {
	if err := c.store.SettleSyncState(ctx, ownerID, taskID, c.queue, settled); err != nil {
		c.logger.Printf("failed to update sync state of task %s: %v", taskID, err)
	}
}

// CreateTask inserts a record under a temporary id and tries to create it
// remotely. The temporary id is kept until the next refresh replaces it.
func (c *Coordinator) CreateTask(ctx context.Context, ownerID string, in NewTask) (*task.Record, error) {
	in.Title = strings.TrimSpace(in.Title)
	kind := outbox.TaskCreate{
		Title:           in.Title,
		EstimateSeconds: in.EstimateSeconds,
		GroupID:         in.GroupID,
		Deadline:        in.Deadline,
	}
	if err := kind.Validate(); err != nil {
		return nil, err
	}

	var created *task.Record
	err := c.serial.Do(ctx, ownerID, func(ctx context.Context) error {
		ctx = context.WithoutCancel(ctx)
		rec := task.NewLocalRecord(ownerID, in.Title, in.EstimateSeconds, in.Deadline, c.now())
		if err := c.store.Upsert(ctx, *rec); err != nil {
			return err
		}

		if err := c.deliver(ctx, ownerID, rec.ID, kind); err != nil {
			return err
		}

		stored, err := c.store.Get(ctx, ownerID, rec.ID)
		if err != nil {
			return err
		}
		created = stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// DeleteTask removes the record locally and remotely. When the server denies
// access the error is returned and the record is restored, since the task
// still exists remotely. A task already gone remotely counts as deleted. Any
// other failure is queued like the other mutations.
func (c *Coordinator) DeleteTask(ctx context.Context, ownerID, taskID string) error {
	if task.IsTempID(taskID) {
		return fmt.Errorf("%w: %s", ErrNotSynced, taskID)
	}

	return c.serial.Do(ctx, ownerID, func(ctx context.Context) error {
		ctx = context.WithoutCancel(ctx)
		rec, err := c.store.Get(ctx, ownerID, taskID)
		if err != nil {
			return err
		}

		if err := c.store.Delete(ctx, ownerID, taskID); err != nil {
			return fmt.Errorf("failed to delete task %s: %w", taskID, err)
		}

		waiting, err := c.queue.PendingCount(ctx, ownerID)
		if err != nil {
			return fmt.Errorf("failed to count pending entries: %w", err)
		}

		op := string(remote.OpDeleteTask)
		var cause error
		if waiting == 0 {
			cause = remote.Apply(ctx, c.gateway, outbox.TaskDelete{}, taskID, ownerID)
			switch {
			case cause == nil:
				metrics.RecordMutation(op, outcomeSynced)
				return nil
			case remote.HasCode(cause, remote.CodeAccessDenied):
				if err := c.store.Upsert(ctx, *rec); err != nil {
					c.logger.Printf("failed to restore task %s: %v", taskID, err)
				}
				return cause
			}
		} else {
			cause = fmt.Errorf("%d earlier entries pending", waiting)
		}

		if _, err := c.queue.Enqueue(ctx, outbox.TaskDelete{}, taskID, ownerID); err != nil {
			return fmt.Errorf("failed to enqueue delete of task %s: %w", taskID, err)
		}
		metrics.RecordMutation(op, outcomeQueued)
		c.logger.Printf("Queued delete of task %s of owner %s: %v", taskID, ownerID, cause)
		return nil
	})
}

// Refresh replaces the owner's records with the server's. Records that still
// have pending entries are marked Pending.
func (c *Coordinator) Refresh(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := c.serial.Do(ctx, ownerID, func(ctx context.Context) error {
		ctx = context.WithoutCancel(ctx)
		records, err := c.gateway.ListTasks(ctx, ownerID)
		if err != nil {
			return fmt.Errorf("failed to fetch tasks of owner %s: %w", ownerID, err)
		}

		for i := range records {
			records[i].OwnerID = ownerID
			n, err := c.queue.PendingForTask(ctx, ownerID, records[i].ID)
			if err != nil {
				return fmt.Errorf("failed to count pending entries: %w", err)
			}
			if n > 0 {
				records[i].SyncState = task.SyncPending
			} else {
				records[i].SyncState = task.SyncSynced
			}
		}

		if err := c.store.ReplaceAll(ctx, ownerID, records); err != nil {
			return err
		}
		count = len(records)
		return nil
	})
	if err != nil {
		return 0, err
	}

	c.logger.Printf("Refreshed %d tasks of owner %s", count, ownerID)
	return count, nil
}
