package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/nexsync/internal/outbox"
	"github.com/nadmax/nexsync/internal/repository/mocks"
	"github.com/nadmax/nexsync/internal/repository/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{
			name: "redis",
			open: func(t *testing.T) Store {
				mr, err := miniredis.Run()
				require.NoError(t, err)
				t.Cleanup(mr.Close)

				s, err := NewRedisStore(mr.Addr())
				require.NoError(t, err)
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T) Store {
				repo, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "outbox.db"))
				require.NoError(t, err)
				t.Cleanup(func() { _ = repo.Close() })
				return repo.Outbox()
			},
		},
	}
}

func setupTestQueue(t *testing.T, store Store) (*Queue, *fakeClock) {
	clock := &fakeClock{now: t0}
	return NewQueue(store, nil, WithClock(clock.Now)), clock
}

// forEachBackend runs fn once per storage backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, q *Queue, clock *fakeClock)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			q, clock := setupTestQueue(t, b.open(t))
			fn(t, q, clock)
		})
	}
}

func TestNewRedisStore_InvalidAddress(t *testing.T) {
	_, err := NewRedisStore("invalid:99999")
	assert.Error(t, err)
}

func TestEnqueue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()

		e, err := q.Enqueue(ctx, outbox.TimeLog{Seconds: 90, Comment: "review"}, "17", "42")
		require.NoError(t, err)

		assert.Positive(t, e.ID)
		assert.Equal(t, outbox.StatusPending, e.Status)
		assert.Equal(t, 0, e.RetryCount)
		assert.Equal(t, outbox.DefaultMaxRetries, e.MaxRetries)
		assert.True(t, e.NextRetryAt.Equal(t0))

		stored, err := q.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.TimeLog{Seconds: 90, Comment: "review"}, stored.Kind)
		assert.Equal(t, "17", stored.TaskID)
		assert.Equal(t, "42", stored.OwnerID)

		second, err := q.Enqueue(ctx, outbox.TaskComplete{}, "17", "42")
		require.NoError(t, err)
		assert.Greater(t, second.ID, e.ID)
	})
}

func TestEnqueue_Invalid(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()

		_, err := q.Enqueue(ctx, outbox.TimeLog{Seconds: 0}, "17", "42")
		assert.ErrorIs(t, err, outbox.ErrInvalidKind)

		_, err = q.Enqueue(ctx, nil, "17", "42")
		assert.ErrorIs(t, err, outbox.ErrInvalidKind)

		_, err = q.Enqueue(ctx, outbox.TaskComplete{}, "17", "")
		assert.ErrorIs(t, err, ErrNoOwner)

		counts, err := q.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Empty(t, counts)
	})
}

func TestMarkRetry_ExponentialBackoff(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()

		e, err := q.Enqueue(ctx, outbox.TimeLog{Seconds: 90}, "17", "42")
		require.NoError(t, err)

		for n := 1; n < outbox.DefaultMaxRetries; n++ {
			clock.Set(e.NextRetryAt)

			e, err = q.MarkRetry(ctx, e.ID, errors.New("connection refused"))
			require.NoError(t, err)

			stored, err := q.Get(ctx, e.ID)
			require.NoError(t, err)
			assert.Equal(t, outbox.StatusPending, stored.Status, "after failure %d", n)
			assert.Equal(t, n, stored.RetryCount)
			require.NotNil(t, stored.LastAttemptAt)
			assert.Equal(t, time.Duration(1<<n)*time.Second, stored.NextRetryAt.Sub(*stored.LastAttemptAt))
			assert.Equal(t, "connection refused", stored.LastError)

			ready, err := q.ReadyForRetry(ctx, clock.Now())
			require.NoError(t, err)
			assert.Empty(t, ready, "entry must wait for its backoff")
		}

		clock.Set(e.NextRetryAt)
		e, err = q.MarkRetry(ctx, e.ID, errors.New("timeout"))
		require.NoError(t, err)

		stored, err := q.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusFailed, stored.Status)
		assert.Equal(t, outbox.DefaultMaxRetries, stored.RetryCount)
		assert.Equal(t, "timeout", stored.LastError)
		assert.True(t, stored.ExhaustedRetries())

		clock.Advance(time.Hour)
		ready, err := q.ReadyForRetry(ctx, clock.Now())
		require.NoError(t, err)
		assert.Empty(t, ready)

		_, err = q.MarkRetry(ctx, e.ID, errors.New("again"))
		assert.ErrorIs(t, err, ErrTerminal)

		after, err := q.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.DefaultMaxRetries, after.RetryCount)
		assert.Equal(t, "timeout", after.LastError)
	})
}

func TestMarkCompleted(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()

		e, err := q.Enqueue(ctx, outbox.CommentAdd{Text: "done"}, "17", "42")
		require.NoError(t, err)

		clock.Advance(time.Second)
		done, err := q.MarkCompleted(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusCompleted, done.Status)

		_, err = q.MarkCompleted(ctx, e.ID)
		assert.ErrorIs(t, err, ErrTerminal)

		_, err = q.MarkFailed(ctx, e.ID, errors.New("late"))
		assert.ErrorIs(t, err, ErrTerminal)

		_, err = q.MarkCompleted(ctx, 9999)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMarkFailed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()

		e, err := q.Enqueue(ctx, outbox.TaskComplete{}, "17", "42")
		require.NoError(t, err)

		failed, err := q.MarkFailed(ctx, e.ID, errors.New("ACCESS_DENIED"))
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusFailed, failed.Status)
		assert.Equal(t, 0, failed.RetryCount)
		assert.Equal(t, "ACCESS_DENIED", failed.LastError)
		assert.False(t, failed.ExhaustedRetries())

		pending, err := q.PendingForTask(ctx, "42", "17")
		require.NoError(t, err)
		assert.Equal(t, 0, pending)
	})
}

func TestCountByStatus(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()

		var ids []int64
		for i := 0; i < 3; i++ {
			e, err := q.Enqueue(ctx, outbox.TaskComplete{}, "17", "42")
			require.NoError(t, err)
			ids = append(ids, e.ID)
		}

		_, err := q.MarkCompleted(ctx, ids[1])
		require.NoError(t, err)

		counts, err := q.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[outbox.Status]int{
			outbox.StatusPending:   2,
			outbox.StatusCompleted: 1,
		}, counts)
	})
}

func TestReadyForRetry_Ordering(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()

		a, err := q.Enqueue(ctx, outbox.TimeLog{Seconds: 60}, "1", "42")
		require.NoError(t, err)
		clock.Advance(time.Second)
		b, err := q.Enqueue(ctx, outbox.CommentAdd{Text: "hi"}, "2", "7")
		require.NoError(t, err)
		clock.Advance(time.Second)
		c, err := q.Enqueue(ctx, outbox.TaskComplete{}, "1", "42")
		require.NoError(t, err)

		_, err = q.MarkRetry(ctx, a.ID, errors.New("offline"))
		require.NoError(t, err)

		ready, err := q.ReadyForRetry(ctx, clock.Now())
		require.NoError(t, err)
		require.Len(t, ready, 2)
		assert.Equal(t, b.ID, ready[0].ID)
		assert.Equal(t, c.ID, ready[1].ID)
		for _, e := range ready {
			assert.False(t, e.NextRetryAt.After(clock.Now()))
		}

		clock.Advance(2 * time.Second)
		ready, err = q.ReadyForRetry(ctx, clock.Now())
		require.NoError(t, err)
		require.Len(t, ready, 3)
		assert.Equal(t, []int64{a.ID, b.ID, c.ID}, []int64{ready[0].ID, ready[1].ID, ready[2].ID})

		owned, err := q.ReadyForOwner(ctx, "42", clock.Now())
		require.NoError(t, err)
		require.Len(t, owned, 2)
		assert.Equal(t, a.ID, owned[0].ID)
		assert.Equal(t, c.ID, owned[1].ID)

		_, err = q.ReadyForOwner(ctx, "", clock.Now())
		assert.ErrorIs(t, err, ErrNoOwner)
	})
}

func TestReadyForOwner_WaitsForOldest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()

		logged, err := q.Enqueue(ctx, outbox.TimeLog{Seconds: 90}, "17", "42")
		require.NoError(t, err)
		_, err = q.MarkRetry(ctx, logged.ID, errors.New("offline"))
		require.NoError(t, err)

		clock.Advance(100 * time.Millisecond)
		completed, err := q.Enqueue(ctx, outbox.TaskComplete{}, "17", "42")
		require.NoError(t, err)
		other, err := q.Enqueue(ctx, outbox.TaskComplete{}, "9", "7")
		require.NoError(t, err)

		clock.Advance(400 * time.Millisecond)
		owned, err := q.ReadyForOwner(ctx, "42", clock.Now())
		require.NoError(t, err)
		assert.Empty(t, owned, "a later entry must wait behind one still in backoff")

		owned, err = q.ReadyForOwner(ctx, "7", clock.Now())
		require.NoError(t, err)
		require.Len(t, owned, 1)
		assert.Equal(t, other.ID, owned[0].ID)

		clock.Set(t0.Add(2 * time.Second))
		owned, err = q.ReadyForOwner(ctx, "42", clock.Now())
		require.NoError(t, err)
		require.Len(t, owned, 2)
		assert.Equal(t, []int64{logged.ID, completed.ID}, []int64{owned[0].ID, owned[1].ID})
	})
}

func TestPendingCounts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()

		e1, err := q.Enqueue(ctx, outbox.TimeLog{Seconds: 60}, "1", "42")
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, outbox.TaskComplete{}, "1", "42")
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, outbox.TaskComplete{}, "9", "7")
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, outbox.TaskComplete{}, "1", "7")
		require.NoError(t, err)

		n, err := q.PendingCount(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = q.PendingForTask(ctx, "42", "1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = q.PendingForTask(ctx, "7", "1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		owners, err := q.PendingOwners(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"42", "7"}, owners)

		_, err = q.MarkCompleted(ctx, e1.ID)
		require.NoError(t, err)

		n, err = q.PendingForTask(ctx, "42", "1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestListByStatus(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			e, err := q.Enqueue(ctx, outbox.TaskComplete{}, "1", "42")
			require.NoError(t, err)
			_, err = q.MarkFailed(ctx, e.ID, errors.New("rejected"))
			require.NoError(t, err)
			clock.Advance(time.Second)
		}

		failed, err := q.ListByStatus(ctx, outbox.StatusFailed, 0)
		require.NoError(t, err)
		assert.Len(t, failed, 3)
		assert.Equal(t, "rejected", failed[0].LastError)

		limited, err := q.ListByStatus(ctx, outbox.StatusFailed, 2)
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, failed[0].ID, limited[0].ID)

		_, err = q.ListByStatus(ctx, outbox.Status("bogus"), 0)
		assert.ErrorIs(t, err, ErrBadStatus)
	})
}

func TestClear(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()
		q.maxRetries = 1

		completed, err := q.Enqueue(ctx, outbox.TaskComplete{}, "1", "42")
		require.NoError(t, err)
		_, err = q.MarkCompleted(ctx, completed.ID)
		require.NoError(t, err)

		exhausted, err := q.Enqueue(ctx, outbox.TaskComplete{}, "2", "42")
		require.NoError(t, err)
		_, err = q.MarkRetry(ctx, exhausted.ID, errors.New("offline"))
		require.NoError(t, err)

		rejected, err := q.Enqueue(ctx, outbox.TaskComplete{}, "3", "42")
		require.NoError(t, err)
		_, err = q.MarkFailed(ctx, rejected.ID, errors.New("denied"))
		require.NoError(t, err)

		_, err = q.Enqueue(ctx, outbox.TaskComplete{}, "4", "42")
		require.NoError(t, err)

		n, err := q.ClearCompleted(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = q.ClearFailedExhausted(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = q.Get(ctx, exhausted.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = q.Get(ctx, rejected.ID)
		assert.NoError(t, err)

		counts, err := q.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[outbox.Status]int{
			outbox.StatusPending: 1,
			outbox.StatusFailed:  1,
		}, counts)

		n, err = q.ClearAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		counts, err = q.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Empty(t, counts)

		owners, err := q.PendingOwners(ctx)
		require.NoError(t, err)
		assert.Empty(t, owners)
	})
}

func TestPayloadRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()
		deadline := t0.Add(72 * time.Hour)

		kinds := []outbox.Kind{
			outbox.TimeLog{Seconds: 90, Comment: "pairing"},
			outbox.CommentAdd{Text: "looks good"},
			outbox.TaskComplete{},
			outbox.TaskCreate{Title: "Write report", EstimateSeconds: 3600, GroupID: "5", Deadline: &deadline},
			outbox.TaskDelete{},
			outbox.ChecklistToggle{ItemID: "31", Complete: true},
		}

		for _, k := range kinds {
			e, err := q.Enqueue(ctx, k, "temp_1", "42")
			require.NoError(t, err)

			stored, err := q.Get(ctx, e.ID)
			require.NoError(t, err)
			assert.Equal(t, k.Name(), stored.Kind.Name())

			if create, ok := stored.Kind.(outbox.TaskCreate); ok {
				require.NotNil(t, create.Deadline)
				assert.True(t, create.Deadline.Equal(deadline))
				assert.Equal(t, "Write report", create.Title)
			} else {
				assert.Equal(t, k, stored.Kind)
			}
		}
	})
}

func TestHistoryRecording(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store, err := NewRedisStore(mr.Addr())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	history := mocks.NewMockHistoryRepository()
	clock := &fakeClock{now: t0}
	q := NewQueue(store, history, WithClock(clock.Now), WithBaseDelay(2*time.Second), WithMaxRetries(3))
	ctx := context.Background()

	e, err := q.Enqueue(ctx, outbox.TimeLog{Seconds: 30}, "17", "42")
	require.NoError(t, err)
	assert.Equal(t, 3, e.MaxRetries)

	status, exists := history.GetEntryStatus(e.ID)
	assert.True(t, exists)
	assert.Equal(t, outbox.StatusPending, status)

	retried, err := q.MarkRetry(ctx, e.ID, errors.New("offline"))
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, retried.NextRetryAt.Sub(t0))

	_, err = q.MarkCompleted(ctx, e.ID)
	require.NoError(t, err)

	assert.Equal(t, 3, history.GetSaveEntryCallCount())
	status, _ = history.GetEntryStatus(e.ID)
	assert.Equal(t, outbox.StatusCompleted, status)
}

func TestHistoryFailureDoesNotBlockQueue(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store, err := NewRedisStore(mr.Addr())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	history := mocks.NewMockHistoryRepository()
	history.SaveEntryError = errors.New("database down")
	q := NewQueue(store, history)

	e, err := q.Enqueue(context.Background(), outbox.TaskComplete{}, "17", "42")
	require.NoError(t, err)

	_, err = q.MarkCompleted(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, history.GetSaveEntryCallCount())
}
