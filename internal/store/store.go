// Package store is the local source of truth for task records. Writes go
// through a TaskRepository and every change is pushed to live observers of
// the affected owner.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nadmax/nexsync/internal/repository"
	"github.com/nadmax/nexsync/internal/task"
)

var ErrNotFound = repository.ErrNotFound

// PendingCounter reports live outbox entries that reference a task.
type PendingCounter interface {
	PendingForTask(ctx context.Context, ownerID, taskID string) (int, error)
}

type Store struct {
	repo repository.TaskRepository
	now  func() time.Time

	// mu orders snapshot delivery so observers never see an older state
	// after a newer one.
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	ch     chan []task.Record
	filter func(*task.Record) bool
}

func New(repo repository.TaskRepository) *Store {
	return &Store{
		repo: repo,
		now:  time.Now,
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

// WithClock replaces the clock used for UpdatedAt stamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Get(ctx context.Context, ownerID, id string) (*task.Record, error) {
	return s.repo.Get(ctx, ownerID, id)
}

// List returns the owner's records, important first then by deadline.
func (s *Store) List(ctx context.Context, ownerID string) ([]task.Record, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

// Observe streams ordered snapshots of the owner's records, starting with the
// current one. Slow readers only ever see the latest snapshot. The channel
// closes when ctx ends.
func (s *Store) Observe(ctx context.Context, ownerID string) (<-chan []task.Record, error) {
	return s.observe(ctx, ownerID, nil)
}

// ObserveStatus is Observe restricted to records in the given status.
func (s *Store) ObserveStatus(ctx context.Context, ownerID string, status task.Status) (<-chan []task.Record, error) {
	return s.observe(ctx, ownerID, func(r *task.Record) bool { return r.Status == status })
}

func (s *Store) observe(ctx context.Context, ownerID string, filter func(*task.Record) bool) (<-chan []task.Record, error) {
	sub := &subscriber{ch: make(chan []task.Record, 1), filter: filter}

	s.mu.Lock()
	records, err := s.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to load tasks of owner %s: %w", ownerID, err)
	}
	if s.subs[ownerID] == nil {
		s.subs[ownerID] = make(map[*subscriber]struct{})
	}
	s.subs[ownerID][sub] = struct{}{}
	sub.deliver(records)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()

		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[ownerID], sub)
		if len(s.subs[ownerID]) == 0 {
			delete(s.subs, ownerID)
		}
		close(sub.ch)
	}()

	return sub.ch, nil
}

// deliver replaces any unread snapshot with records. Callers hold Store.mu.
func (sub *subscriber) deliver(records []task.Record) {
	snapshot := make([]task.Record, 0, len(records))
	for i := range records {
		if sub.filter == nil || sub.filter(&records[i]) {
			snapshot = append(snapshot, *records[i].Clone())
		}
	}

	select {
	case <-sub.ch:
	default:
	}
	sub.ch <- snapshot
}

func (s *Store) publish(ctx context.Context, ownerIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ownerID := range ownerIDs {
		subs := s.subs[ownerID]
		if len(subs) == 0 {
			continue
		}

		records, err := s.repo.ListByOwner(ctx, ownerID)
		if err != nil {
			log.Printf("failed to publish tasks of owner %s: %v", ownerID, err)
			continue
		}
		for sub := range subs {
			sub.deliver(records)
		}
	}
}

// ReplaceAll atomically swaps every record of ownerID for records.
func (s *Store) ReplaceAll(ctx context.Context, ownerID string, records []task.Record) error {
	if err := s.repo.ReplaceAll(ctx, ownerID, records); err != nil {
		return fmt.Errorf("failed to replace tasks of owner %s: %w", ownerID, err)
	}
	s.publish(ctx, ownerID)
	return nil
}

func (s *Store) Upsert(ctx context.Context, records ...task.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.repo.Upsert(ctx, records); err != nil {
		return fmt.Errorf("failed to upsert tasks: %w", err)
	}

	seen := make(map[string]bool)
	var owners []string
	for _, r := range records {
		if !seen[r.OwnerID] {
			seen[r.OwnerID] = true
			owners = append(owners, r.OwnerID)
		}
	}
	s.publish(ctx, owners...)
	return nil
}

// UpdateField applies mutate to one record and stamps UpdatedAt. Nothing is
// written when mutate returns an error.
func (s *Store) UpdateField(ctx context.Context, ownerID, id string, mutate func(*task.Record) error) (*task.Record, error) {
	updated, err := s.repo.Update(ctx, ownerID, id, func(r *task.Record) error {
		if err := mutate(r); err != nil {
			return err
		}
		r.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, ownerID)
	return updated, nil
}

func (s *Store) SetSyncState(ctx context.Context, ownerID, id string, state task.SyncState) error {
	_, err := s.UpdateField(ctx, ownerID, id, func(r *task.Record) error {
		r.SyncState = state
		return nil
	})
	return err
}

// SettleSyncState keeps a record Pending while outbox entries still reference
// it and otherwise sets it to settled. A missing record is not an error.
func (s *Store) SettleSyncState(ctx context.Context, ownerID, id string, pending PendingCounter, settled task.SyncState) error {
	n, err := pending.PendingForTask(ctx, ownerID, id)
	if err != nil {
		return fmt.Errorf("failed to count pending entries for task %s: %w", id, err)
	}

	state := settled
	if n > 0 {
		state = task.SyncPending
	}

	err = s.SetSyncState(ctx, ownerID, id, state)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *Store) Delete(ctx context.Context, ownerID, id string) error {
	if err := s.repo.Delete(ctx, ownerID, id); err != nil {
		return err
	}

	s.publish(ctx, ownerID)
	return nil
}
