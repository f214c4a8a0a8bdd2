package remote

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/nexsync/internal/task"
)

// flexString accepts both JSON strings and numbers; the server is not
// consistent about which it sends for ids and durations.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) Int() int {
	n, err := strconv.Atoi(strings.TrimSpace(string(f)))
	if err != nil {
		return 0
	}
	return n
}

type taskDTO struct {
	ID              *flexString `json:"id"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	Status          flexString  `json:"status"`
	Priority        flexString  `json:"priority"`
	Deadline        string      `json:"deadline"`
	TimeEstimate    flexString  `json:"timeEstimate"`
	TimeSpentInLogs flexString  `json:"timeSpentInLogs"`
	ResponsibleID   flexString  `json:"responsibleId"`
	CreatedDate     string      `json:"createdDate"`
	ChangedDate     string      `json:"changedDate"`
	GroupID         flexString  `json:"groupId"`
	Tags            []string    `json:"tags"`
}

const priorityHigh = "2"

func (d taskDTO) toRecord(ownerID string, now time.Time) task.Record {
	r := task.Record{
		ID:                  string(*d.ID),
		OwnerID:             ownerID,
		Title:               d.Title,
		Description:         d.Description,
		TimeSpentSeconds:    max(d.TimeSpentInLogs.Int(), 0),
		TimeEstimateSeconds: max(d.TimeEstimate.Int(), 0),
		Status:              task.StatusFromCode(string(d.Status)),
		Deadline:            parseTime(d.Deadline),
		Tags:                append([]string{}, d.Tags...),
		Important:           string(d.Priority) == priorityHigh,
		SyncState:           task.SyncSynced,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if created := parseTime(d.CreatedDate); created != nil {
		r.CreatedAt = *created
	}

	return r
}

func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
