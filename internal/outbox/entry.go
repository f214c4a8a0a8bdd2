// Package outbox defines the durable pending remote operation model used by the
// queue and its storage backends. It contains entry metadata, the closed set of
// operation kinds, status definitions, backoff and serialization helpers.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = time.Second
)

var ErrTerminal = errors.New("outbox entry is in a terminal state")

type Entry struct {
	ID            int64
	Kind          Kind
	TaskID        string
	OwnerID       string
	Status        Status
	RetryCount    int
	MaxRetries    int
	LastAttemptAt *time.Time
	NextRetryAt   time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// NewEntry builds a pending entry that is immediately eligible for replay.
func NewEntry(kind Kind, taskID, ownerID string, maxRetries int, now time.Time) *Entry {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	return &Entry{
		Kind:        kind,
		TaskID:      taskID,
		OwnerID:     ownerID,
		Status:      StatusPending,
		RetryCount:  0,
		MaxRetries:  maxRetries,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (e *Entry) IsTerminal() bool {
	return e.Status.IsTerminal()
}

func (e *Entry) IsReady(now time.Time) bool {
	return e.Status == StatusPending && !e.NextRetryAt.After(now)
}

// Backoff returns base * 2^n. Large n saturates instead of overflowing.
func Backoff(base time.Duration, n int) time.Duration {
	if n <= 0 {
		return base
	}
	if n > 30 {
		n = 30
	}
	return base * time.Duration(1<<uint(n))
}

// RecordFailure applies one failed attempt: the retry count grows and the entry
// is either rescheduled with exponential backoff or becomes Failed once the
// count reaches MaxRetries.
func (e *Entry) RecordFailure(reason string, now time.Time, base time.Duration) error {
	if e.IsTerminal() {
		return fmt.Errorf("%w: entry %d is %s", ErrTerminal, e.ID, e.Status)
	}

	e.RetryCount++
	attempt := now
	e.LastAttemptAt = &attempt
	e.LastError = reason
	e.UpdatedAt = now

	if e.RetryCount >= e.MaxRetries {
		e.RetryCount = e.MaxRetries
		e.Status = StatusFailed
		return nil
	}

	e.NextRetryAt = now.Add(Backoff(base, e.RetryCount))
	return nil
}

func (e *Entry) Complete(now time.Time) error {
	if e.IsTerminal() {
		return fmt.Errorf("%w: entry %d is %s", ErrTerminal, e.ID, e.Status)
	}

	attempt := now
	e.LastAttemptAt = &attempt
	e.Status = StatusCompleted
	e.UpdatedAt = now
	return nil
}

// Fail moves the entry straight to Failed without consuming retries.
func (e *Entry) Fail(reason string, now time.Time) error {
	if e.IsTerminal() {
		return fmt.Errorf("%w: entry %d is %s", ErrTerminal, e.ID, e.Status)
	}

	attempt := now
	e.LastAttemptAt = &attempt
	e.Status = StatusFailed
	e.LastError = reason
	e.UpdatedAt = now
	return nil
}

// ExhaustedRetries reports whether the entry failed by running out of attempts.
func (e *Entry) ExhaustedRetries() bool {
	return e.Status == StatusFailed && e.RetryCount >= e.MaxRetries
}

type entryJSON struct {
	ID            int64           `json:"id"`
	Kind          KindName        `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	TaskID        string          `json:"task_id"`
	OwnerID       string          `json:"owner_id"`
	Status        Status          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	NextRetryAt   time.Time       `json:"next_retry_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	name, payload, err := EncodeKind(e.Kind)
	if err != nil {
		return nil, err
	}

	return json.Marshal(entryJSON{
		ID:            e.ID,
		Kind:          name,
		Payload:       payload,
		TaskID:        e.TaskID,
		OwnerID:       e.OwnerID,
		Status:        e.Status,
		RetryCount:    e.RetryCount,
		MaxRetries:    e.MaxRetries,
		LastAttemptAt: e.LastAttemptAt,
		NextRetryAt:   e.NextRetryAt,
		LastError:     e.LastError,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw entryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	kind, err := DecodeKind(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}

	*e = Entry{
		ID:            raw.ID,
		Kind:          kind,
		TaskID:        raw.TaskID,
		OwnerID:       raw.OwnerID,
		Status:        raw.Status,
		RetryCount:    raw.RetryCount,
		MaxRetries:    raw.MaxRetries,
		LastAttemptAt: raw.LastAttemptAt,
		NextRetryAt:   raw.NextRetryAt,
		LastError:     raw.LastError,
		CreatedAt:     raw.CreatedAt,
		UpdatedAt:     raw.UpdatedAt,
	}
	return nil
}

func (e *Entry) ToJSON() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func EntryFromJSON(data string) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, err
	}

	return &e, nil
}
