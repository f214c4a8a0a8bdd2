// Package models contains data structures returned by the history repository.
package models

import "time"

type EntryStats struct {
	Kind          string  `json:"kind"`
	Status        string  `json:"status"`
	Count         int     `json:"count"`
	AvgRetries    float64 `json:"avg_retries"`
	MaxRetries    int     `json:"max_retries"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

type RecentEntry struct {
	EntryID     int64      `json:"entry_id"`
	Kind        string     `json:"kind"`
	TaskID      string     `json:"task_id"`
	OwnerID     string     `json:"owner_id"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

type Attempt struct {
	AttemptNumber int       `json:"attempt_number"`
	Status        string    `json:"status"`
	AttemptedAt   time.Time `json:"attempted_at"`
	DurationMs    *int64    `json:"duration_ms,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}
