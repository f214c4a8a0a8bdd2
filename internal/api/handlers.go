// Package api exposes the control surface: owner task views and mutations,
// sync triggers and outbox maintenance.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/nadmax/nexsync/internal/coordinator"
	"github.com/nadmax/nexsync/internal/dashboard"
	"github.com/nadmax/nexsync/internal/httputil"
	"github.com/nadmax/nexsync/internal/outbox"
	"github.com/nadmax/nexsync/internal/queue"
	"github.com/nadmax/nexsync/internal/remote"
	"github.com/nadmax/nexsync/internal/serial"
	"github.com/nadmax/nexsync/internal/store"
	"github.com/nadmax/nexsync/internal/task"
	"github.com/nadmax/nexsync/internal/worker"
)

var errBadStatus = errors.New("unknown task status")

type API struct {
	coord  *coordinator.Coordinator
	store  *store.Store
	queue  *queue.Queue
	worker *worker.Worker
	mux    *http.ServeMux
}

type CreateTaskRequest struct {
	Title           string     `json:"title"`
	EstimateSeconds int        `json:"estimate_seconds"`
	GroupID         string     `json:"group_id"`
	Deadline        *time.Time `json:"deadline"`
}

type LogTimeRequest struct {
	Seconds int    `json:"seconds"`
	Comment string `json:"comment"`
}

type CommentRequest struct {
	Text string `json:"text"`
}

type ChecklistRequest struct {
	Complete bool `json:"complete"`
}

type ConnectivityRequest struct {
	Online *bool `json:"online"`
}

type FlushResponse struct {
	Result   worker.DrainResult `json:"result"`
	Complete bool               `json:"complete"`
}

func NewAPI(c *coordinator.Coordinator, st *store.Store, q *queue.Queue, w *worker.Worker) *API {
	api := &API{
		coord:  c,
		store:  st,
		queue:  q,
		worker: w,
		mux:    http.NewServeMux(),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("GET /api/owners/{owner}/tasks", a.listTasks)
	a.mux.HandleFunc("GET /api/owners/{owner}/tasks/stream", a.streamTasks)
	a.mux.HandleFunc("POST /api/owners/{owner}/tasks", a.createTask)
	a.mux.HandleFunc("POST /api/owners/{owner}/refresh", a.refresh)
	a.mux.HandleFunc("POST /api/owners/{owner}/tasks/{id}/time", a.logTime)
	a.mux.HandleFunc("POST /api/owners/{owner}/tasks/{id}/comments", a.addComment)
	a.mux.HandleFunc("POST /api/owners/{owner}/tasks/{id}/complete", a.completeTask)
	a.mux.HandleFunc("POST /api/owners/{owner}/tasks/{id}/checklist/{item}", a.toggleChecklist)
	a.mux.HandleFunc("DELETE /api/owners/{owner}/tasks/{id}", a.deleteTask)

	a.mux.HandleFunc("POST /api/sync/flush", a.flush)
	a.mux.HandleFunc("POST /api/sync/connectivity", a.connectivity)

	dash := dashboard.NewDashboard(a.queue, a.worker.Online)
	a.mux.HandleFunc("GET /api/outbox/stats", dash.GetStats)
	a.mux.HandleFunc("GET /api/outbox/entries", dash.GetEntries)
	a.mux.HandleFunc("DELETE /api/outbox/{which}", a.clearOutbox)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, outbox.ErrInvalidKind), errors.Is(err, errBadStatus):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrNotSynced):
		return http.StatusConflict
	case errors.Is(err, serial.ErrClosed):
		return http.StatusServiceUnavailable
	}

	if rerr, ok := remote.AsError(err); ok {
		switch rerr.Kind {
		case remote.KindTransport:
			return http.StatusBadGateway
		case remote.KindBusiness:
			return http.StatusUnprocessableEntity
		case remote.KindValidation:
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteJSONError(w, err.Error(), statusFor(err))
}

func accepted(w http.ResponseWriter) {
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (a *API) observe(ctx context.Context, r *http.Request) (<-chan []task.Record, error) {
	owner := r.PathValue("owner")
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return a.store.Observe(ctx, owner)
	}

	status := task.Status(raw)
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", errBadStatus, raw)
	}
	return a.store.ObserveStatus(ctx, owner, status)
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	feed, err := a.observe(ctx, r)
	if err != nil {
		writeError(w, err)
		return
	}

	records, ok := <-feed
	if !ok {
		httputil.WriteJSONError(w, "request cancelled", http.StatusServiceUnavailable)
		return
	}
	if records == nil {
		records = []task.Record{}
	}

	httputil.WriteJSON(w, http.StatusOK, records)
}

// streamTasks pushes every snapshot of the owner's records as a server-sent event
// until the client goes away.
func (a *API) streamTasks(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteJSONError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	feed, err := a.observe(r.Context(), r)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for records := range feed {
		if records == nil {
			records = []task.Record{}
		}
		data, err := json.Marshal(records)
		if err != nil {
			log.Printf("failed to encode snapshot: %v", err)
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := a.coord.CreateTask(r.Context(), r.PathValue("owner"), coordinator.NewTask{
		Title:           req.Title,
		EstimateSeconds: req.EstimateSeconds,
		GroupID:         req.GroupID,
		Deadline:        req.Deadline,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, rec)
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	n, err := a.coord.Refresh(r.Context(), r.PathValue("owner"))
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]int{"tasks": n})
}

func (a *API) logTime(w http.ResponseWriter, r *http.Request) {
	var req LogTimeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := a.coord.LogTime(r.Context(), r.PathValue("owner"), r.PathValue("id"), req.Seconds, req.Comment); err != nil {
		writeError(w, err)
		return
	}
	accepted(w)
}

func (a *API) addComment(w http.ResponseWriter, r *http.Request) {
	var req CommentRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := a.coord.AddComment(r.Context(), r.PathValue("owner"), r.PathValue("id"), req.Text); err != nil {
		writeError(w, err)
		return
	}
	accepted(w)
}

func (a *API) completeTask(w http.ResponseWriter, r *http.Request) {
	if err := a.coord.CompleteTask(r.Context(), r.PathValue("owner"), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	accepted(w)
}

func (a *API) toggleChecklist(w http.ResponseWriter, r *http.Request) {
	var req ChecklistRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := a.coord.ToggleChecklistItem(r.Context(), r.PathValue("owner"), r.PathValue("id"), r.PathValue("item"), req.Complete)
	if err != nil {
		writeError(w, err)
		return
	}
	accepted(w)
}

func (a *API) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := a.coord.DeleteTask(r.Context(), r.PathValue("owner"), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) flush(w http.ResponseWriter, r *http.Request) {
	res, err := a.worker.Flush(r.Context())
	if err != nil && !errors.Is(err, worker.ErrDrainIncomplete) {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, FlushResponse{Result: res, Complete: err == nil})
}

func (a *API) connectivity(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Online == nil {
		httputil.WriteJSONError(w, "online is required", http.StatusBadRequest)
		return
	}

	a.worker.SetOnline(*req.Online)
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"online": a.worker.Online()})
}

func (a *API) clearOutbox(w http.ResponseWriter, r *http.Request) {
	var purge func(context.Context) (int, error)
	switch r.PathValue("which") {
	case "completed":
		purge = a.queue.ClearCompleted
	case "failed":
		purge = a.queue.ClearFailedExhausted
	case "all":
		purge = a.queue.ClearAll
	default:
		httputil.WriteJSONError(w, "Unknown outbox selection", http.StatusNotFound)
		return
	}

	n, err := purge(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]int{"deleted": n})
}
