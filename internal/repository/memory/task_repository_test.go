package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nadmax/nexsync/internal/repository"
	"github.com/nadmax/nexsync/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id, owner string, important bool) task.Record {
	now := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	return task.Record{
		ID:        id,
		OwnerID:   owner,
		Title:     "Task " + id,
		Status:    task.StatusInProgress,
		Tags:      []string{"a"},
		Important: important,
		SyncState: task.SyncSynced,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestReplaceAllThenList(t *testing.T) {
	repo := NewTaskRepository()
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, []task.Record{record("old", "42", false), record("x", "7", false)}))

	fresh := []task.Record{record("1", "42", true), record("2", "42", false)}
	require.NoError(t, repo.ReplaceAll(ctx, "42", fresh))

	got, err := repo.ListByOwner(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, fresh, got)

	_, err = repo.Get(ctx, "42", "old")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	others, err := repo.ListByOwner(ctx, "7")
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

func TestGetReturnsCopy(t *testing.T) {
	repo := NewTaskRepository()
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, []task.Record{record("1", "42", false)}))

	got, err := repo.Get(ctx, "42", "1")
	require.NoError(t, err)
	got.Tags[0] = "mutated"
	got.Title = "mutated"

	again, err := repo.Get(ctx, "42", "1")
	require.NoError(t, err)
	assert.Equal(t, "Task 1", again.Title)
	assert.Equal(t, []string{"a"}, again.Tags)
}

func TestUpdate(t *testing.T) {
	repo := NewTaskRepository()
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, []task.Record{record("1", "42", false)}))

	updated, err := repo.Update(ctx, "42", "1", func(r *task.Record) error {
		r.Status = task.StatusCompleted
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, updated.Status)

	boom := errors.New("boom")
	_, err = repo.Update(ctx, "42", "1", func(r *task.Record) error {
		r.Status = task.StatusNew
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := repo.Get(ctx, "42", "1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)

	_, err = repo.Update(ctx, "42", "missing", func(r *task.Record) error { return nil })
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDelete(t *testing.T) {
	repo := NewTaskRepository()
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, []task.Record{record("1", "42", false)}))

	require.NoError(t, repo.Delete(ctx, "42", "1"))
	assert.ErrorIs(t, repo.Delete(ctx, "42", "1"), repository.ErrNotFound)
}

func TestSameIDDifferentOwners(t *testing.T) {
	repo := NewTaskRepository()
	ctx := context.Background()

	a := record("17", "A", false)
	b := record("17", "B", false)
	b.Title = "Owner B copy"
	require.NoError(t, repo.Upsert(ctx, []task.Record{a, b}))

	require.NoError(t, repo.ReplaceAll(ctx, "B", []task.Record{record("17", "B", true)}))

	gotA, err := repo.Get(ctx, "A", "17")
	require.NoError(t, err)
	assert.Equal(t, "A", gotA.OwnerID)
	assert.Equal(t, "Task 17", gotA.Title)

	_, err = repo.Update(ctx, "B", "17", func(r *task.Record) error {
		r.TimeSpentSeconds = 90
		return nil
	})
	require.NoError(t, err)

	gotA, err = repo.Get(ctx, "A", "17")
	require.NoError(t, err)
	assert.Zero(t, gotA.TimeSpentSeconds)

	require.NoError(t, repo.Delete(ctx, "B", "17"))
	_, err = repo.Get(ctx, "A", "17")
	assert.NoError(t, err)
	_, err = repo.Get(ctx, "B", "17")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
