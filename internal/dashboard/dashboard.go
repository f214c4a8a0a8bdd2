// Package dashboard serves the outbox monitoring views: status counts and the
// entries of a given status with their last error.
package dashboard

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nadmax/nexsync/internal/httputil"
	"github.com/nadmax/nexsync/internal/outbox"
	"github.com/nadmax/nexsync/internal/queue"
)

const defaultEntryLimit = 100

type Dashboard struct {
	queue  *queue.Queue
	online func() bool
}

type Stats struct {
	TotalEntries     int       `json:"total_entries"`
	PendingEntries   int       `json:"pending_entries"`
	CompletedEntries int       `json:"completed_entries"`
	FailedEntries    int       `json:"failed_entries"`
	PendingOwners    int       `json:"pending_owners"`
	OldestPending    string    `json:"oldest_pending"`
	Online           bool      `json:"online"`
	LastUpdated      time.Time `json:"last_updated"`
}

type EntryView struct {
	ID          int64           `json:"id"`
	Kind        outbox.KindName `json:"kind"`
	TaskID      string          `json:"task_id"`
	OwnerID     string          `json:"owner_id"`
	Status      outbox.Status   `json:"status"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Age         string          `json:"age"`
}

// NewDashboard builds the views. online reports the current connectivity state
// and may be nil.
func NewDashboard(q *queue.Queue, online func() bool) *Dashboard {
	return &Dashboard{queue: q, online: online}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := d.queue.CountByStatus(ctx)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	owners, err := d.queue.PendingOwners(ctx)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	now := d.queue.Now()
	stats := Stats{
		PendingEntries:   counts[outbox.StatusPending],
		CompletedEntries: counts[outbox.StatusCompleted],
		FailedEntries:    counts[outbox.StatusFailed],
		PendingOwners:    len(owners),
		OldestPending:    "N/A",
		LastUpdated:      now,
	}
	stats.TotalEntries = stats.PendingEntries + stats.CompletedEntries + stats.FailedEntries
	if d.online != nil {
		stats.Online = d.online()
	}

	if stats.PendingEntries > 0 {
		oldest, err := d.queue.ListByStatus(ctx, outbox.StatusPending, 1)
		if err != nil {
			httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if len(oldest) > 0 {
			stats.OldestPending = now.Sub(oldest[0].CreatedAt).Round(time.Second).String()
		}
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

// GetEntries lists entries of ?status= (default failed), oldest first.
func (d *Dashboard) GetEntries(w http.ResponseWriter, r *http.Request) {
	status := outbox.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = outbox.StatusFailed
	}

	limit := defaultEntryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteJSONError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := d.queue.ListByStatus(r.Context(), status, limit)
	if err != nil {
		if errors.Is(err, queue.ErrBadStatus) {
			httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	now := d.queue.Now()
	views := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		view := EntryView{
			ID:         e.ID,
			Kind:       e.Kind.Name(),
			TaskID:     e.TaskID,
			OwnerID:    e.OwnerID,
			Status:     e.Status,
			RetryCount: e.RetryCount,
			MaxRetries: e.MaxRetries,
			LastError:  e.LastError,
			CreatedAt:  e.CreatedAt,
			Age:        now.Sub(e.CreatedAt).Round(time.Second).String(),
		}
		if e.Status == outbox.StatusPending {
			next := e.NextRetryAt
			view.NextRetryAt = &next
		}
		views = append(views, view)
	}

	httputil.WriteJSON(w, http.StatusOK, views)
}
