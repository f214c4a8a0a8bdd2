package coordinator

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/nadmax/nexsync/internal/outbox"
	"github.com/nadmax/nexsync/internal/queue"
	"github.com/nadmax/nexsync/internal/remote"
	"github.com/nadmax/nexsync/internal/repository/sqlite"
	"github.com/nadmax/nexsync/internal/serial"
	"github.com/nadmax/nexsync/internal/store"
	"github.com/nadmax/nexsync/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

type fixture struct {
	coord   *Coordinator
	store   *store.Store
	queue   *queue.Queue
	gateway *remote.MockGateway
}

func setupTest(t *testing.T) *fixture {
	repo, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "nexsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	clock := func() time.Time { return now }
	st := store.New(repo.Tasks()).WithClock(clock)
	q := queue.NewQueue(repo.Outbox(), nil, queue.WithClock(clock))
	gw := remote.NewMockGateway()
	ex := serial.NewExecutor(0)
	t.Cleanup(ex.Close)

	coord := New(st, q, gw, ex, WithClock(clock), WithLogger(log.New(io.Discard, "", 0)))
	return &fixture{coord: coord, store: st, queue: q, gateway: gw}
}

func (f *fixture) seed(t *testing.T, records ...task.Record) {
	require.NoError(t, f.store.Upsert(context.Background(), records...))
}

func seedRecord(id, owner string) task.Record {
	return task.Record{
		ID:                  id,
		OwnerID:             owner,
		Title:               "Task " + id,
		TimeSpentSeconds:    600,
		TimeEstimateSeconds: 3600,
		Status:              task.StatusInProgress,
		Tags:                []string{},
		SyncState:           task.SyncSynced,
		CreatedAt:           now.Add(-time.Hour),
		UpdatedAt:           now.Add(-time.Hour),
	}
}

func (f *fixture) pending(t *testing.T) []*outbox.Entry {
	entries, err := f.queue.ListByStatus(context.Background(), outbox.StatusPending, 0)
	require.NoError(t, err)
	return entries
}

func TestLogTime_Offline(t *testing.T) {
	f := setupTest(t)
	f.seed(t, seedRecord("17", "42"))
	f.gateway.SetOffline(true)

	err := f.coord.LogTime(context.Background(), "42", "17", 90, "review")
	require.NoError(t, err)

	rec, err := f.store.Get(context.Background(), "42", "17")
	require.NoError(t, err)
	assert.Equal(t, 690, rec.TimeSpentSeconds)
	assert.Equal(t, task.SyncPending, rec.SyncState)

	entries := f.pending(t)
	require.Len(t, entries, 1)
	assert.Equal(t, outbox.TimeLog{Seconds: 90, Comment: "review"}, entries[0].Kind)
	assert.Equal(t, outbox.StatusPending, entries[0].Status)
	assert.Equal(t, 0, entries[0].RetryCount)
	assert.Equal(t, "17", entries[0].TaskID)
	assert.Equal(t, "42", entries[0].OwnerID)

	assert.Len(t, f.gateway.GetCalls(remote.OpLogTime), 1)
}

func TestLogTime_Online(t *testing.T) {
	f := setupTest(t)
	f.seed(t, seedRecord("17", "42"))

	require.NoError(t, f.coord.LogTime(context.Background(), "42", "17", 90, ""))

	rec, err := f.store.Get(context.Background(), "42", "17")
	require.NoError(t, err)
	assert.Equal(t, 690, rec.TimeSpentSeconds)
	assert.Equal(t, task.SyncSynced, rec.SyncState)
	assert.Equal(t, now, rec.UpdatedAt)

	calls := f.gateway.GetCalls(remote.OpLogTime)
	require.Len(t, calls, 1)
	assert.Equal(t, 90, calls[0].Seconds)
	assert.Equal(t, "42", calls[0].UserID)
	assert.Empty(t, f.pending(t))
}

func TestLogTime_Invalid(t *testing.T) {
	f := setupTest(t)
	f.seed(t, seedRecord("17", "42"))

	err := f.coord.LogTime(context.Background(), "42", "17", 0, "")
	assert.ErrorIs(t, err, outbox.ErrInvalidKind)

	rec, err := f.store.Get(context.Background(), "42", "17")
	require.NoError(t, err)
	assert.Equal(t, 600, rec.TimeSpentSeconds)
	assert.Equal(t, 0, f.gateway.CallCount())
	assert.Empty(t, f.pending(t))
}

func TestLogTime_UnknownTask(t *testing.T) {
	f := setupTest(t)

	err := f.coord.LogTime(context.Background(), "42", "404", 60, "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, f.gateway.CallCount())
}

func TestMutation_SameIDOtherOwner(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()
	f.seed(t, seedRecord("17", "42"))

	err := f.coord.CompleteTask(ctx, "7", "17")
	assert.ErrorIs(t, err, ErrNotFound)

	other := seedRecord("17", "7")
	other.TimeSpentSeconds = 0
	f.seed(t, other)

	require.NoError(t, f.coord.LogTime(ctx, "7", "17", 120, ""))

	theirs, err := f.store.Get(ctx, "7", "17")
	require.NoError(t, err)
	assert.Equal(t, 120, theirs.TimeSpentSeconds)

	mine, err := f.store.Get(ctx, "42", "17")
	require.NoError(t, err)
	assert.Equal(t, 600, mine.TimeSpentSeconds)
	assert.Equal(t, task.StatusInProgress, mine.Status)
}

func TestMutation_CallerCancelsDuringRemoteCall(t *testing.T) {
	f := setupTest(t)
	f.seed(t, seedRecord("17", "42"))
	f.gateway.SetOffline(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.gateway.OnCall = func(remote.Call) { cancel() }

	err := f.coord.LogTime(ctx, "42", "17", 90, "review")
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}

	// The caller may stop waiting, but the mutation still completes.
	assert.Eventually(t, func() bool {
		entries, err := f.queue.ListByStatus(context.Background(), outbox.StatusPending, 0)
		return err == nil && len(entries) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		rec, err := f.store.Get(context.Background(), "42", "17")
		return err == nil && rec.SyncState == task.SyncPending
	}, time.Second, 5*time.Millisecond)

	rec, err := f.store.Get(context.Background(), "42", "17")
	require.NoError(t, err)
	assert.Equal(t, 690, rec.TimeSpentSeconds)
}

func TestBusinessRejectionIsStillQueued(t *testing.T) {
	f := setupTest(t)
	f.seed(t, seedRecord("17", "42"))
	f.gateway.FailNext(remote.OpCompleteTask, remote.NewBusinessError(remote.OpCompleteTask, remote.CodeAccessDenied, ""))

	require.NoError(t, f.coord.CompleteTask(context.Background(), "42", "17"))

	rec, err := f.store.Get(context.Background(), "42", "17")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, rec.Status)
	assert.Equal(t, task.SyncPending, rec.SyncState)
	assert.Len(t, f.pending(t), 1)
}

func TestMutationsKeepOrderBehindPendingEntries(t *testing.T) {
	f := setupTest(t)
	f.seed(t, seedRecord("17", "42"))
	ctx := context.Background()

	f.gateway.SetOffline(true)
	require.NoError(t, f.coord.LogTime(ctx, "42", "17", 60, ""))

	f.gateway.SetOffline(false)
	require.NoError(t, f.coord.CompleteTask(ctx, "42", "17"))

	assert.Empty(t, f.gateway.GetCalls(remote.OpCompleteTask), "complete must wait behind the queued time log")

	entries := f.pending(t)
	require.Len(t, entries, 2)
	assert.Equal(t, outbox.KindTimeLog, entries[0].Kind.Name())
	assert.Equal(t, outbox.KindTaskComplete, entries[1].Kind.Name())

	// Other owners are unaffected.
	f.seed(t, seedRecord("18", "7"))
	require.NoError(t, f.coord.CompleteTask(ctx, "7", "18"))
	assert.Len(t, f.gateway.GetCalls(remote.OpCompleteTask), 1)
}

func TestAddComment_WithoutLocalRecord(t *testing.T) {
	f := setupTest(t)
	f.gateway.SetOffline(true)

	require.NoError(t, f.coord.AddComment(context.Background(), "42", "99", "ping"))

	entries := f.pending(t)
	require.Len(t, entries, 1)
	assert.Equal(t, outbox.CommentAdd{Text: "ping"}, entries[0].Kind)

	err := f.coord.AddComment(context.Background(), "42", "99", "   ")
	assert.ErrorIs(t, err, outbox.ErrInvalidKind)
}

func TestToggleChecklistItem(t *testing.T) {
	f := setupTest(t)
	f.seed(t, seedRecord("17", "42"))

	require.NoError(t, f.coord.ToggleChecklistItem(context.Background(), "42", "17", "5", true))

	calls := f.gateway.GetCalls(remote.OpToggleChecklist)
	require.Len(t, calls, 1)
	assert.Equal(t, "5", calls[0].ItemID)
	assert.True(t, calls[0].Complete)
}

func TestCreateTask_OfflineThenRefresh(t *testing.T) {
	f := setupTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.gateway.SetOffline(true)

	deadline := now.Add(48 * time.Hour)
	created, err := f.coord.CreateTask(ctx, "42", NewTask{Title: " Write report ", EstimateSeconds: 3600, GroupID: "3", Deadline: &deadline})
	require.NoError(t, err)
	assert.True(t, task.IsTempID(created.ID))
	assert.Equal(t, "Write report", created.Title)
	assert.Equal(t, task.SyncPending, created.SyncState)

	ch, err := f.store.Observe(ctx, "42")
	require.NoError(t, err)
	snapshot := <-ch
	require.Len(t, snapshot, 1)
	assert.Equal(t, created.ID, snapshot[0].ID)
	assert.Equal(t, task.SyncPending, snapshot[0].SyncState)

	entries := f.pending(t)
	require.Len(t, entries, 1)
	assert.Equal(t, created.ID, entries[0].TaskID)
	create, ok := entries[0].Kind.(outbox.TaskCreate)
	require.True(t, ok)
	assert.Equal(t, "Write report", create.Title)
	assert.Equal(t, "3", create.GroupID)

	server := seedRecord("1001", "42")
	server.Title = "Write report"
	f.gateway.SetOffline(false)
	f.gateway.SetTasks("42", []task.Record{server})

	n, err := f.coord.Refresh(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.Get(ctx, "42", created.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := f.store.Get(ctx, "42", "1001")
	require.NoError(t, err)
	assert.Equal(t, task.SyncSynced, got.SyncState)
}

func TestCreateTask_Online(t *testing.T) {
	f := setupTest(t)

	created, err := f.coord.CreateTask(context.Background(), "42", NewTask{Title: "Plan sprint"})
	require.NoError(t, err)

	assert.True(t, task.IsTempID(created.ID))
	assert.Equal(t, task.SyncSynced, created.SyncState)
	assert.Len(t, f.gateway.GetCalls(remote.OpCreateTask), 1)
	assert.Empty(t, f.pending(t))
}

func TestCreateTask_Invalid(t *testing.T) {
	f := setupTest(t)

	_, err := f.coord.CreateTask(context.Background(), "42", NewTask{Title: "  "})
	assert.ErrorIs(t, err, outbox.ErrInvalidKind)

	records, err := f.store.List(context.Background(), "42")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDeleteTask(t *testing.T) {
	ctx := context.Background()

	t.Run("online", func(t *testing.T) {
		f := setupTest(t)
		f.seed(t, seedRecord("17", "42"))

		require.NoError(t, f.coord.DeleteTask(ctx, "42", "17"))

		_, err := f.store.Get(ctx, "42", "17")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Empty(t, f.pending(t))
	})

	t.Run("already gone remotely", func(t *testing.T) {
		f := setupTest(t)
		f.seed(t, seedRecord("17", "42"))
		f.gateway.FailNext(remote.OpDeleteTask, remote.NewBusinessError(remote.OpDeleteTask, remote.CodeTaskNotFound, ""))

		require.NoError(t, f.coord.DeleteTask(ctx, "42", "17"))
		_, err := f.store.Get(ctx, "42", "17")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("access denied restores record", func(t *testing.T) {
		f := setupTest(t)
		f.seed(t, seedRecord("17", "42"))
		f.gateway.FailNext(remote.OpDeleteTask, remote.NewBusinessError(remote.OpDeleteTask, remote.CodeAccessDenied, ""))

		err := f.coord.DeleteTask(ctx, "42", "17")
		assert.True(t, remote.HasCode(err, remote.CodeAccessDenied))

		rec, err := f.store.Get(ctx, "42", "17")
		require.NoError(t, err)
		assert.Equal(t, "Task 17", rec.Title)
		assert.Empty(t, f.pending(t))
	})

	t.Run("other rejection is queued", func(t *testing.T) {
		f := setupTest(t)
		f.seed(t, seedRecord("17", "42"))
		f.gateway.FailNext(remote.OpDeleteTask, remote.NewBusinessError(remote.OpDeleteTask, "TASK_LOCKED", ""))

		require.NoError(t, f.coord.DeleteTask(ctx, "42", "17"))

		_, err := f.store.Get(ctx, "42", "17")
		assert.ErrorIs(t, err, ErrNotFound)

		entries := f.pending(t)
		require.Len(t, entries, 1)
		assert.Equal(t, outbox.TaskDelete{}, entries[0].Kind)
	})

	t.Run("other owner", func(t *testing.T) {
		f := setupTest(t)
		f.seed(t, seedRecord("17", "42"))

		err := f.coord.DeleteTask(ctx, "7", "17")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 0, f.gateway.CallCount())

		_, err = f.store.Get(ctx, "42", "17")
		assert.NoError(t, err)
	})

	t.Run("offline", func(t *testing.T) {
		f := setupTest(t)
		f.seed(t, seedRecord("17", "42"))
		f.gateway.SetOffline(true)

		require.NoError(t, f.coord.DeleteTask(ctx, "42", "17"))

		_, err := f.store.Get(ctx, "42", "17")
		assert.ErrorIs(t, err, ErrNotFound)

		entries := f.pending(t)
		require.Len(t, entries, 1)
		assert.Equal(t, outbox.TaskDelete{}, entries[0].Kind)
	})

	t.Run("temporary id", func(t *testing.T) {
		f := setupTest(t)
		err := f.coord.DeleteTask(ctx, "42", task.NewTempID())
		assert.ErrorIs(t, err, ErrNotSynced)
	})
}

func TestRefresh_KeepsPendingFlag(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()
	f.seed(t, seedRecord("17", "42"), seedRecord("stale", "42"))

	f.gateway.SetOffline(true)
	require.NoError(t, f.coord.CompleteTask(ctx, "42", "17"))

	_, err := f.coord.Refresh(ctx, "42")
	assert.Error(t, err, "refresh needs the remote")

	f.gateway.SetOffline(false)
	f.gateway.SetTasks("42", []task.Record{seedRecord("17", "42"), seedRecord("18", "42")})

	n, err := f.coord.Refresh(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	records, err := f.store.List(ctx, "42")
	require.NoError(t, err)
	require.Len(t, records, 2)

	byID := map[string]task.Record{}
	for _, r := range records {
		byID[r.ID] = r
	}
	assert.Equal(t, task.SyncPending, byID["17"].SyncState)
	assert.Equal(t, task.SyncSynced, byID["18"].SyncState)
	_, stale := byID["stale"]
	assert.False(t, stale)
}
