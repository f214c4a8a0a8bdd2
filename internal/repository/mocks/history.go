// Package mocks provides recording test doubles for repository contracts.
package mocks

import (
	"context"
	"sync"

	"github.com/nadmax/nexsync/internal/outbox"
	"github.com/nadmax/nexsync/internal/repository/models"
)

type MockHistoryRepository struct {
	mu                     sync.Mutex
	SaveEntryCalls         []outbox.Entry
	LogAttemptCalls        []LogAttemptCall
	Entries                map[int64]*outbox.Entry
	Stats                  []models.EntryStats
	SaveEntryError         error
	LogAttemptError        error
	GetEntryStatsError     error
	GetRecentEntriesError  error
	GetAttemptHistoryError error
	Closed                 bool
}

type LogAttemptCall struct {
	EntryID       int64
	AttemptNumber int
	Status        string
	DurationMs    int
	ErrorMsg      string
}

func NewMockHistoryRepository() *MockHistoryRepository {
	return &MockHistoryRepository{
		Entries: make(map[int64]*outbox.Entry),
	}
}

func (m *MockHistoryRepository) SaveEntry(ctx context.Context, e *outbox.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveEntryCalls = append(m.SaveEntryCalls, *e)

	if m.SaveEntryError != nil {
		return m.SaveEntryError
	}

	entryCopy := *e
	m.Entries[e.ID] = &entryCopy
	return nil
}

func (m *MockHistoryRepository) LogAttempt(ctx context.Context, entryID int64, attemptNumber int, status string, durationMs int, msgErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LogAttemptCalls = append(m.LogAttemptCalls, LogAttemptCall{
		EntryID:       entryID,
		AttemptNumber: attemptNumber,
		Status:        status,
		DurationMs:    durationMs,
		ErrorMsg:      msgErr,
	})

	return m.LogAttemptError
}

func (m *MockHistoryRepository) GetEntryStats(ctx context.Context, hours int) ([]models.EntryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetEntryStatsError != nil {
		return nil, m.GetEntryStatsError
	}

	return m.Stats, nil
}

func (m *MockHistoryRepository) GetRecentEntries(ctx context.Context, limit int) ([]models.RecentEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRecentEntriesError != nil {
		return nil, m.GetRecentEntriesError
	}

	entries := m.recentLocked("")
	if len(entries) > limit {
		return entries[:limit], nil
	}
	return entries, nil
}

func (m *MockHistoryRepository) GetEntriesByKind(ctx context.Context, kind string, limit int) ([]models.RecentEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRecentEntriesError != nil {
		return nil, m.GetRecentEntriesError
	}

	entries := m.recentLocked(kind)
	if len(entries) > limit {
		return entries[:limit], nil
	}
	return entries, nil
}

func (m *MockHistoryRepository) recentLocked(kind string) []models.RecentEntry {
	var entries []models.RecentEntry
	for _, e := range m.Entries {
		if kind != "" && string(e.Kind.Name()) != kind {
			continue
		}

		recent := models.RecentEntry{
			EntryID:    e.ID,
			Kind:       string(e.Kind.Name()),
			TaskID:     e.TaskID,
			OwnerID:    e.OwnerID,
			Status:     string(e.Status),
			RetryCount: e.RetryCount,
			CreatedAt:  e.CreatedAt,
			LastError:  e.LastError,
		}
		if e.Status == outbox.StatusCompleted {
			completed := e.UpdatedAt
			recent.CompletedAt = &completed
		}

		entries = append(entries, recent)
	}
	return entries
}

func (m *MockHistoryRepository) GetAttemptHistory(ctx context.Context, entryID int64) ([]models.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetAttemptHistoryError != nil {
		return nil, m.GetAttemptHistoryError
	}

	var history []models.Attempt
	for _, call := range m.LogAttemptCalls {
		if call.EntryID != entryID {
			continue
		}

		a := models.Attempt{
			AttemptNumber: call.AttemptNumber,
			Status:        call.Status,
			ErrorMessage:  call.ErrorMsg,
		}
		if call.DurationMs > 0 {
			d := int64(call.DurationMs)
			a.DurationMs = &d
		}
		history = append(history, a)
	}

	return history, nil
}

func (m *MockHistoryRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Closed = true
	return nil
}

func (m *MockHistoryRepository) GetSaveEntryCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SaveEntryCalls)
}

func (m *MockHistoryRepository) GetLogAttemptCalls() []LogAttemptCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	calls := make([]LogAttemptCall, len(m.LogAttemptCalls))
	copy(calls, m.LogAttemptCalls)
	return calls
}

// GetEntryStatus returns the last status saved for the entry.
func (m *MockHistoryRepository) GetEntryStatus(entryID int64) (outbox.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.Entries[entryID]
	if !exists {
		return "", false
	}
	return e.Status, true
}
