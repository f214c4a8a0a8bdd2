// Package worker provides the drain loop that replays ready outbox entries
// against the remote and records the outcome on the queue and the local store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/nexsync/internal/metrics"
	"github.com/nadmax/nexsync/internal/outbox"
	"github.com/nadmax/nexsync/internal/queue"
	"github.com/nadmax/nexsync/internal/remote"
	"github.com/nadmax/nexsync/internal/serial"
	"github.com/nadmax/nexsync/internal/store"
	"github.com/nadmax/nexsync/internal/task"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrDrainIncomplete is returned when a pass left at least one ready entry
// undelivered.
var ErrDrainIncomplete = errors.New("drain pass incomplete")

const (
	DefaultInterval    = 15 * time.Minute
	DefaultConcurrency = 4
)

// Notifier is told about entries that reached the Failed state.
type Notifier interface {
	EntryFailed(ctx context.Context, e *outbox.Entry) error
}

type DrainResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

// OK reports whether every attempted entry was delivered.
func (r DrainResult) OK() bool {
	return r.Retried == 0 && r.Failed == 0
}

func (r *DrainResult) add(o DrainResult) {
	r.Attempted += o.Attempted
	r.Succeeded += o.Succeeded
	r.Retried += o.Retried
	r.Failed += o.Failed
}

type action int

const (
	actionComplete action = iota
	actionRetry
	actionReject
)

// classify applies one rule to every kind: transport failures are retried
// with backoff, answers from the server and invalid payloads are terminal.
func classify(err error) action {
	if err == nil {
		return actionComplete
	}
	switch remote.KindOf(err) {
	case remote.KindTransport:
		return actionRetry
	case remote.KindBusiness, remote.KindValidation:
		return actionReject
	default:
		return actionRetry
	}
}

type Worker struct {
	id          string
	queue       *queue.Queue
	store       *store.Store
	gateway     remote.Gateway
	serial      *serial.Executor
	notifier    Notifier
	logger      *log.Logger
	interval    time.Duration
	concurrency int

	group    singleflight.Group
	online   atomic.Bool
	trigger  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type Option func(*Worker)

func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(w *Worker) { w.notifier = n }
}

func WithLogger(l *log.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

func NewWorker(id string, q *queue.Queue, st *store.Store, gw remote.Gateway, ex *serial.Executor, opts ...Option) *Worker {
	w := &Worker{
		id:          id,
		queue:       q,
		store:       st,
		gateway:     gw,
		serial:      ex,
		logger:      log.New(os.Stderr, "[drain] ", log.LstdFlags),
		interval:    DefaultInterval,
		concurrency: DefaultConcurrency,
		trigger:     make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	w.online.Store(true)
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs the trigger loop until ctx ends or Stop is called. Periodic
// passes are skipped while offline; explicit triggers always run.
func (w *Worker) Start(ctx context.Context) {
	defer close(w.done)
	w.logger.Printf("Worker %s started (interval %s)", w.id, w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Printf("Worker %s stopped", w.id)
			return
		case <-w.stop:
			w.logger.Printf("Worker %s stopped", w.id)
			return
		case <-ticker.C:
			if !w.online.Load() {
				continue
			}
			w.pass(ctx, "tick")
		case <-w.trigger:
			w.pass(ctx, "trigger")
		}
	}
}

func (w *Worker) pass(ctx context.Context, reason string) {
	res, err := w.DrainAll(ctx)
	if err != nil && !errors.Is(err, ErrDrainIncomplete) {
		w.logger.Printf("Drain (%s) failed: %v", reason, err)
		return
	}
	if res.Attempted > 0 {
		w.logger.Printf("Drain (%s): %d attempted, %d delivered, %d retried, %d failed",
			reason, res.Attempted, res.Succeeded, res.Retried, res.Failed)
	}
}

// Trigger asks the loop for a pass. Triggers arriving while one is queued
// collapse into it.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// SetOnline records the connectivity state. Coming back online triggers a pass.
func (w *Worker) SetOnline(online bool) {
	was := w.online.Swap(online)
	metrics.SetOnline(online)
	if online && !was {
		w.logger.Printf("Connectivity restored")
		w.Trigger()
	}
}

func (w *Worker) Online() bool {
	return w.online.Load()
}

// Stop ends the loop started by Start and waits for it to return.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

// Flush drains every owner now and returns the aggregate result.
func (w *Worker) Flush(ctx context.Context) (DrainResult, error) {
	return w.DrainAll(ctx)
}

// DrainAll drains every owner with pending entries, at most concurrency owners
// at a time.
func (w *Worker) DrainAll(ctx context.Context) (DrainResult, error) {
	start := time.Now()
	passID := uuid.NewString()[:8]

	owners, err := w.queue.PendingOwners(ctx)
	if err != nil {
		metrics.RecordDrainPass("error", time.Since(start))
		return DrainResult{}, fmt.Errorf("failed to list pending owners: %w", err)
	}

	var (
		mu    sync.Mutex
		total DrainResult
		g     errgroup.Group
	)
	g.SetLimit(w.concurrency)

	for _, owner := range owners {
		g.Go(func() error {
			res, err := w.DrainOwner(ctx, owner)
			mu.Lock()
			total.add(res)
			mu.Unlock()
			if err != nil && !errors.Is(err, ErrDrainIncomplete) {
				return fmt.Errorf("owner %s: %w", owner, err)
			}
			return nil
		})
	}
	err = g.Wait()

	w.updateGauges(ctx)

	switch {
	case err != nil:
		metrics.RecordDrainPass("error", time.Since(start))
		w.logger.Printf("Pass %s aborted: %v", passID, err)
		return total, err
	case !total.OK():
		metrics.RecordDrainPass("incomplete", time.Since(start))
		return total, fmt.Errorf("%w: %d retried, %d failed", ErrDrainIncomplete, total.Retried, total.Failed)
	default:
		metrics.RecordDrainPass("ok", time.Since(start))
		if total.Attempted > 0 {
			w.logger.Printf("Pass %s delivered %d entries for %d owners", passID, total.Succeeded, len(owners))
		}
		return total, nil
	}
}

// DrainOwner replays the owner's ready entries oldest first. Concurrent calls
// for one owner share a single pass, and the pass never overlaps a mutation or
// refresh of that owner.
func (w *Worker) DrainOwner(ctx context.Context, ownerID string) (DrainResult, error) {
	v, err, _ := w.group.Do(ownerID, func() (any, error) {
		var res DrainResult
		err := w.serial.Do(ctx, ownerID, func(ctx context.Context) error {
			var err error
			res, err = w.drainOwner(ctx, ownerID)
			return err
		})
		return res, err
	})

	res, _ := v.(DrainResult)
	if err != nil {
		return res, err
	}
	if !res.OK() {
		return res, fmt.Errorf("%w: owner %s", ErrDrainIncomplete, ownerID)
	}
	return res, nil
}

// drainOwner stops at the first entry that must be retried so later entries
// never overtake it. Rejected entries are terminal and do not block the rest.
// Cancelling ctx stops the pass between entries. An entry already replayed
// always has its outcome recorded.
func (w *Worker) drainOwner(ctx context.Context, ownerID string) (DrainResult, error) {
	var res DrainResult
	work := context.WithoutCancel(ctx)

	entries, err := w.queue.ReadyForOwner(ctx, ownerID, w.queue.Now())
	if err != nil {
		return res, fmt.Errorf("failed to read ready entries: %w", err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		res.Attempted++
		act, err := w.process(work, e)
		if err != nil {
			return res, err
		}

		switch act {
		case actionComplete:
			res.Succeeded++
		case actionRetry:
			res.Retried++
			return res, nil
		case actionReject:
			res.Failed++
		}
	}
	return res, nil
}

// process replays one entry and records the outcome. A retry that exhausts the
// entry is reported as actionReject.
func (w *Worker) process(ctx context.Context, e *outbox.Entry) (action, error) {
	attempt := e.RetryCount + 1
	start := time.Now()
	cause := remote.Apply(ctx, w.gateway, e.Kind, e.TaskID, e.OwnerID)
	elapsed := time.Since(start)

	act := classify(cause)
	switch act {
	case actionComplete:
		if _, err := w.queue.MarkCompleted(ctx, e.ID); err != nil {
			return act, fmt.Errorf("failed to complete entry %d: %w", e.ID, err)
		}
		w.logAttempt(ctx, e.ID, attempt, "completed", elapsed, "")
		w.settle(ctx, e.OwnerID, e.TaskID, task.SyncSynced)
		return act, nil

	case actionRetry:
		updated, err := w.queue.MarkRetry(ctx, e.ID, cause)
		if err != nil {
			return act, fmt.Errorf("failed to reschedule entry %d: %w", e.ID, err)
		}
		if updated.Status != outbox.StatusFailed {
			w.logAttempt(ctx, e.ID, attempt, "retry", elapsed, cause.Error())
			w.logger.Printf("Entry %d (%s) failed, will retry (%d/%d) at %s",
				e.ID, e.Kind.Name(), updated.RetryCount, updated.MaxRetries, updated.NextRetryAt.Format(time.RFC3339))
			return act, nil
		}
		w.logAttempt(ctx, e.ID, attempt, "failed", elapsed, cause.Error())
		w.failed(ctx, updated)
		return actionReject, nil

	default:
		updated, err := w.queue.MarkFailed(ctx, e.ID, cause)
		if err != nil {
			return act, fmt.Errorf("failed to fail entry %d: %w", e.ID, err)
		}
		w.logAttempt(ctx, e.ID, attempt, "failed", elapsed, cause.Error())
		w.failed(ctx, updated)
		return actionReject, nil
	}
}

func (w *Worker) failed(ctx context.Context, e *outbox.Entry) {
	w.logger.Printf("Entry %d (%s) for task %s failed permanently: %s", e.ID, e.Kind.Name(), e.TaskID, e.LastError)
	w.settle(ctx, e.OwnerID, e.TaskID, task.SyncUnknown)

	if w.notifier == nil {
		return
	}
	if err := w.notifier.EntryFailed(ctx, e); err != nil {
		w.logger.Printf("failed to notify about entry %d: %v", e.ID, err)
	}
}

func (w *Worker) settle(ctx context.Context, ownerID, taskID string, settled task.SyncState) {
	if err := w.store.SettleSyncState(ctx, ownerID, taskID, w.queue, settled); err != nil {
		w.logger.Printf("failed to update sync state of task %s: %v", taskID, err)
	}
}

func (w *Worker) logAttempt(ctx context.Context, entryID int64, attempt int, status string, elapsed time.Duration, msg string) {
	history := w.queue.History()
	if history == nil {
		return
	}
	if err := history.LogAttempt(ctx, entryID, attempt, status, int(elapsed.Milliseconds()), msg); err != nil {
		w.logger.Printf("failed to log attempt for entry %d: %v", entryID, err)
	}
}

func (w *Worker) updateGauges(ctx context.Context) {
	counts, err := w.queue.CountByStatus(ctx)
	if err != nil {
		w.logger.Printf("failed to count outbox entries: %v", err)
		return
	}
	metrics.UpdateOutboxGauges(counts)

	owners, err := w.queue.PendingOwners(ctx)
	if err != nil {
		w.logger.Printf("failed to list pending owners: %v", err)
		return
	}
	metrics.UpdatePendingOwners(len(owners))
}
