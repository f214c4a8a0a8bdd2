// Package remote provides the gateway to the task-management server: one call
// per outbox kind plus the paginated bulk fetch used by refresh.
package remote

import (
	"context"
	"time"

	"github.com/nadmax/nexsync/internal/task"
)

type Op string

const (
	OpLogTime         Op = "log_time"
	OpAddComment      Op = "add_comment"
	OpCompleteTask    Op = "complete_task"
	OpCreateTask      Op = "create_task"
	OpDeleteTask      Op = "delete_task"
	OpToggleChecklist Op = "toggle_checklist"
	OpListTasks       Op = "list_tasks"
)

// Business error codes returned by the server that callers branch on.
const (
	CodeAccessDenied     = "ACCESS_DENIED"
	CodeTaskNotFound     = "TASK_NOT_FOUND"
	CodeTaskInaccessible = "TASK_NOT_FOUND_OR_NOT_ACCESSIBLE"
)

// Gateway is stateless; every failure is returned as a *Error.
type Gateway interface {
	LogTime(ctx context.Context, taskID, userID string, seconds int, comment string) error
	AddComment(ctx context.Context, taskID, userID, text string) error
	CompleteTask(ctx context.Context, taskID string) error
	CreateTask(ctx context.Context, title, ownerID string, estimateSeconds int, groupID string, deadline *time.Time) (string, error)
	DeleteTask(ctx context.Context, taskID string) error
	ToggleChecklistItem(ctx context.Context, taskID, itemID string, complete bool) error
	// ListTasks drains pagination before returning.
	ListTasks(ctx context.Context, ownerID string) ([]task.Record, error)
}
