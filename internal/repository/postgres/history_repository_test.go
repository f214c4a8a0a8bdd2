package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/nadmax/nexsync/internal/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *HistoryRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	return db, mock, &HistoryRepository{db: db}
}

func TestNewHistoryRepository(t *testing.T) {
	t.Run("successful connection", func(t *testing.T) {
		t.Skip("Integration test - requires real database")
	})

	t.Run("connection failure", func(t *testing.T) {
		_, err := NewHistoryRepository("invalid connection string")
		assert.Error(t, err)
	})
}

func TestEnsureSchema(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS outbox_history").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveEntry(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	t.Run("pending entry", func(t *testing.T) {
		e := outbox.NewEntry(outbox.TimeLog{Seconds: 90, Comment: "review"}, "17", "42", 5, now)
		e.ID = 1

		mock.ExpectExec("INSERT INTO outbox_history").
			WithArgs(
				int64(1), "time_log", sqlmock.AnyArg(), "17", "42", "pending",
				0, 5, nil, now, now, nil, now,
			).
			WillReturnResult(sqlmock.NewResult(1, 1))

		require.NoError(t, repo.SaveEntry(ctx, e))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("completed entry records completion time", func(t *testing.T) {
		e := outbox.NewEntry(outbox.TaskComplete{}, "17", "42", 5, now)
		e.ID = 2
		done := now.Add(time.Minute)
		require.NoError(t, e.Complete(done))

		mock.ExpectExec("INSERT INTO outbox_history").
			WithArgs(
				int64(2), "task_complete", sqlmock.AnyArg(), "17", "42", "completed",
				0, 5, nil, now, nil, done, done,
			).
			WillReturnResult(sqlmock.NewResult(1, 1))

		require.NoError(t, repo.SaveEntry(ctx, e))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed entry keeps last error", func(t *testing.T) {
		e := outbox.NewEntry(outbox.CommentAdd{Text: "hi"}, "17", "42", 5, now)
		e.ID = 3
		require.NoError(t, e.Fail("denied", now))

		mock.ExpectExec("INSERT INTO outbox_history").
			WithArgs(
				int64(3), "comment_add", sqlmock.AnyArg(), "17", "42", "failed",
				0, 5, "denied", now, nil, nil, now,
			).
			WillReturnError(sql.ErrConnDone)

		assert.ErrorIs(t, repo.SaveEntry(ctx, e), sql.ErrConnDone)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLogAttempt(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	t.Run("successful attempt", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO outbox_attempt_log").
			WithArgs(int64(7), 1, "completed", 120, nil).
			WillReturnResult(sqlmock.NewResult(1, 1))

		require.NoError(t, repo.LogAttempt(ctx, 7, 1, "completed", 120, ""))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed attempt without duration", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO outbox_attempt_log").
			WithArgs(int64(7), 2, "retry", nil, "timeout").
			WillReturnResult(sqlmock.NewResult(2, 1))

		require.NoError(t, repo.LogAttempt(ctx, 7, 2, "retry", 0, "timeout"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetEntryStats(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	rows := sqlmock.NewRows([]string{"kind", "status", "count", "avg_retries", "max_retries", "avg_duration_ms"}).
		AddRow("time_log", "completed", 10, 0.4, 2, 150.0).
		AddRow("time_log", "failed", 1, 5.0, 5, 30000.0)

	mock.ExpectQuery("SELECT (.+) FROM outbox_history h").
		WithArgs(24).
		WillReturnRows(rows)

	stats, err := repo.GetEntryStats(context.Background(), 24)

	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "time_log", stats[0].Kind)
	assert.Equal(t, 10, stats[0].Count)
	assert.Equal(t, 5, stats[1].MaxRetries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRecentEntries(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	created := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	completed := created.Add(2 * time.Second)

	rows := sqlmock.NewRows([]string{
		"entry_id", "kind", "task_id", "owner_id", "status", "retry_count",
		"created_at", "completed_at", "last_error",
	}).
		AddRow(int64(2), "task_complete", "17", "42", "completed", 1, created, completed, "").
		AddRow(int64(1), "time_log", "17", "42", "pending", 2, created, nil, "timeout")

	mock.ExpectQuery("SELECT (.+) FROM outbox_history ORDER BY created_at DESC").
		WithArgs(10).
		WillReturnRows(rows)

	entries, err := repo.GetRecentEntries(context.Background(), 10)

	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NotNil(t, entries[0].CompletedAt)
	assert.Equal(t, completed, *entries[0].CompletedAt)
	assert.Nil(t, entries[1].CompletedAt)
	assert.Equal(t, "timeout", entries[1].LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEntriesByKind(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	rows := sqlmock.NewRows([]string{
		"entry_id", "kind", "task_id", "owner_id", "status", "retry_count",
		"created_at", "completed_at", "last_error",
	})

	mock.ExpectQuery("SELECT (.+) FROM outbox_history WHERE kind").
		WithArgs("task_create", 5).
		WillReturnRows(rows)

	entries, err := repo.GetEntriesByKind(context.Background(), "task_create", 5)

	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAttemptHistory(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	at := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"attempt_number", "status", "attempted_at", "duration_ms", "error_message"}).
		AddRow(1, "retry", at, nil, "connection refused").
		AddRow(2, "completed", at.Add(2*time.Second), int64(80), nil)

	mock.ExpectQuery("SELECT (.+) FROM outbox_attempt_log WHERE entry_id").
		WithArgs(int64(9)).
		WillReturnRows(rows)

	history, err := repo.GetAttemptHistory(context.Background(), 9)

	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Nil(t, history[0].DurationMs)
	assert.Equal(t, "connection refused", history[0].ErrorMessage)
	require.NotNil(t, history[1].DurationMs)
	assert.Equal(t, int64(80), *history[1].DurationMs)
	assert.Empty(t, history[1].ErrorMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAttemptHistory_QueryError(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT (.+) FROM outbox_attempt_log").
		WillReturnError(sql.ErrConnDone)

	_, err := repo.GetAttemptHistory(context.Background(), 9)
	assert.Error(t, err)
}
