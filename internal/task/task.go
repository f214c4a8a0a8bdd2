// Package task defines the task record owned by the local store.
// It contains task metadata, status and sync state definitions, ordering and serialization helpers.
package task

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	Status    string
	SyncState string
	Record    struct {
		ID                  string     `json:"id"`
		OwnerID             string     `json:"owner_id"`
		Title               string     `json:"title"`
		Description         string     `json:"description"`
		TimeSpentSeconds    int        `json:"time_spent_seconds"`
		TimeEstimateSeconds int        `json:"time_estimate_seconds"`
		Status              Status     `json:"status"`
		Deadline            *time.Time `json:"deadline,omitempty"`
		Tags                []string   `json:"tags"`
		Important           bool       `json:"important"`
		SyncState           SyncState  `json:"sync_state"`
		CreatedAt           time.Time  `json:"created_at"`
		UpdatedAt           time.Time  `json:"updated_at"`
	}
)

const (
	StatusNew               Status = "new"
	StatusInProgress        Status = "in_progress"
	StatusPending           Status = "pending"
	StatusWaitingForControl Status = "waiting_for_control"
	StatusCompleted         Status = "completed"
)

const (
	SyncSynced  SyncState = "synced"
	SyncPending SyncState = "pending"
	SyncUnknown SyncState = "unknown"
)

// TempIDPrefix marks ids generated locally before the server assigned one.
const TempIDPrefix = "temp_"

var statusCodes = map[string]Status{
	"1": StatusNew,
	"2": StatusInProgress,
	"3": StatusPending,
	"4": StatusWaitingForControl,
	"5": StatusCompleted,
}

// StatusFromCode maps the remote numeric status code to a Status.
// Unknown codes map to StatusInProgress, the remote default for open tasks.
func StatusFromCode(code string) Status {
	if s, ok := statusCodes[strings.TrimSpace(code)]; ok {
		return s
	}
	return StatusInProgress
}

func (s Status) Code() string {
	for code, status := range statusCodes {
		if status == s {
			return code
		}
	}
	return "2"
}

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusInProgress, StatusPending, StatusWaitingForControl, StatusCompleted:
		return true
	}
	return false
}

func (s SyncState) Valid() bool {
	return s == SyncSynced || s == SyncPending || s == SyncUnknown
}

func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// NewLocalRecord builds the optimistic record inserted before the server knows about the task.
func NewLocalRecord(ownerID, title string, estimateSeconds int, deadline *time.Time, now time.Time) *Record {
	return &Record{
		ID:                  NewTempID(),
		OwnerID:             ownerID,
		Title:               title,
		TimeEstimateSeconds: estimateSeconds,
		Status:              StatusInProgress,
		Deadline:            deadline,
		Tags:                []string{},
		SyncState:           SyncPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func (r *Record) IsCompleted() bool {
	return r.Status == StatusCompleted
}

// ProgressPercent is time spent relative to the estimate, 0 when there is no estimate.
func (r *Record) ProgressPercent() int {
	if r.TimeEstimateSeconds <= 0 {
		return 0
	}
	return r.TimeSpentSeconds * 100 / r.TimeEstimateSeconds
}

func (r *Record) IsOverdue() bool {
	return r.ProgressPercent() > 100
}

func (r *Record) Clone() *Record {
	c := *r
	if r.Deadline != nil {
		d := *r.Deadline
		c.Deadline = &d
	}
	if r.Tags != nil {
		c.Tags = append(make([]string, 0, len(r.Tags)), r.Tags...)
	}
	return &c
}

func (r *Record) ToJSON() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func RecordFromJSON(data string) (*Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, err
	}

	return &r, nil
}

// Less orders important records first, then by deadline ascending with
// missing deadlines last, then by id.
func Less(a, b *Record) bool {
	if a.Important != b.Important {
		return a.Important
	}

	switch {
	case a.Deadline != nil && b.Deadline == nil:
		return true
	case a.Deadline == nil && b.Deadline != nil:
		return false
	case a.Deadline != nil && b.Deadline != nil && !a.Deadline.Equal(*b.Deadline):
		return a.Deadline.Before(*b.Deadline)
	}

	return a.ID < b.ID
}

func Sort(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return Less(&records[i], &records[j])
	})
}
