package remote

import (
	"context"
	"time"

	"github.com/nadmax/nexsync/internal/metrics"
	"github.com/nadmax/nexsync/internal/task"
)

type instrumented struct {
	next Gateway
}

// Instrument wraps gw so every call is timed into the remote call histogram,
// labelled by operation and outcome ("ok" or the error kind).
func Instrument(gw Gateway) Gateway {
	return &instrumented{next: gw}
}

func observe(op Op, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	metrics.RecordRemoteCall(string(op), outcome, time.Since(start))
}

func (g *instrumented) LogTime(ctx context.Context, taskID, userID string, seconds int, comment string) (err error) {
	defer func(start time.Time) { observe(OpLogTime, start, err) }(time.Now())
	return g.next.LogTime(ctx, taskID, userID, seconds, comment)
}

func (g *instrumented) AddComment(ctx context.Context, taskID, userID, text string) (err error) {
	defer func(start time.Time) { observe(OpAddComment, start, err) }(time.Now())
	return g.next.AddComment(ctx, taskID, userID, text)
}

func (g *instrumented) CompleteTask(ctx context.Context, taskID string) (err error) {
	defer func(start time.Time) { observe(OpCompleteTask, start, err) }(time.Now())
	return g.next.CompleteTask(ctx, taskID)
}

func (g *instrumented) CreateTask(ctx context.Context, title, ownerID string, estimateSeconds int, groupID string, deadline *time.Time) (id string, err error) {
	defer func(start time.Time) { observe(OpCreateTask, start, err) }(time.Now())
	return g.next.CreateTask(ctx, title, ownerID, estimateSeconds, groupID, deadline)
}

func (g *instrumented) DeleteTask(ctx context.Context, taskID string) (err error) {
	defer func(start time.Time) { observe(OpDeleteTask, start, err) }(time.Now())
	return g.next.DeleteTask(ctx, taskID)
}

func (g *instrumented) ToggleChecklistItem(ctx context.Context, taskID, itemID string, complete bool) (err error) {
	defer func(start time.Time) { observe(OpToggleChecklist, start, err) }(time.Now())
	return g.next.ToggleChecklistItem(ctx, taskID, itemID, complete)
}

func (g *instrumented) ListTasks(ctx context.Context, ownerID string) (records []task.Record, err error) {
	defer func(start time.Time) { observe(OpListTasks, start, err) }(time.Now())
	return g.next.ListTasks(ctx, ownerID)
}
