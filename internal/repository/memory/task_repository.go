// Package memory provides a process-local TaskRepository, used for tests and
// for running without a database file.
package memory

import (
	"context"
	"sync"

	"github.com/nadmax/nexsync/internal/repository"
	"github.com/nadmax/nexsync/internal/task"
)

type key struct {
	owner string
	id    string
}

type TaskRepository struct {
	mu      sync.RWMutex
	records map[key]task.Record
}

func NewTaskRepository() *TaskRepository {
	return &TaskRepository{records: make(map[key]task.Record)}
}

func (r *TaskRepository) Get(ctx context.Context, ownerID, id string) (*task.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[key{ownerID, id}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *TaskRepository) ListByOwner(ctx context.Context, ownerID string) ([]task.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]task.Record, 0)
	for k, rec := range r.records {
		if k.owner == ownerID {
			records = append(records, *rec.Clone())
		}
	}
	task.Sort(records)
	return records, nil
}

func (r *TaskRepository) ReplaceAll(ctx context.Context, ownerID string, records []task.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k := range r.records {
		if k.owner == ownerID {
			delete(r.records, k)
		}
	}
	for _, rec := range records {
		rec.OwnerID = ownerID
		r.records[key{ownerID, rec.ID}] = *rec.Clone()
	}
	return nil
}

func (r *TaskRepository) Upsert(ctx context.Context, records []task.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range records {
		r.records[key{rec.OwnerID, rec.ID}] = *rec.Clone()
	}
	return nil
}

func (r *TaskRepository) Update(ctx context.Context, ownerID, id string, fn func(*task.Record) error) (*task.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{ownerID, id}
	rec, ok := r.records[k]
	if !ok {
		return nil, repository.ErrNotFound
	}

	updated := rec.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	updated.ID = id
	updated.OwnerID = ownerID

	r.records[k] = *updated.Clone()
	return updated, nil
}

func (r *TaskRepository) Delete(ctx context.Context, ownerID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{ownerID, id}
	if _, ok := r.records[k]; !ok {
		return repository.ErrNotFound
	}
	delete(r.records, k)
	return nil
}
