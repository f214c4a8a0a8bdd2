package remote

import (
	"context"
	"fmt"
	"log"

	"github.com/nadmax/nexsync/internal/outbox"
)

// Apply performs the remote effect described by kind for taskID on behalf of
// ownerID. Every outbox kind has exactly one case here.
func Apply(ctx context.Context, gw Gateway, kind outbox.Kind, taskID, ownerID string) error {
	switch k := kind.(type) {
	case outbox.TimeLog:
		return gw.LogTime(ctx, taskID, ownerID, k.Seconds, k.Comment)
	case outbox.CommentAdd:
		return gw.AddComment(ctx, taskID, ownerID, k.Text)
	case outbox.TaskComplete:
		return gw.CompleteTask(ctx, taskID)
	case outbox.TaskCreate:
		serverID, err := gw.CreateTask(ctx, k.Title, ownerID, k.EstimateSeconds, k.GroupID, k.Deadline)
		if err != nil {
			return err
		}
		log.Printf("Task %s created remotely as %s", taskID, serverID)
		return nil
	case outbox.TaskDelete:
		err := gw.DeleteTask(ctx, taskID)
		if HasCode(err, CodeTaskNotFound, CodeTaskInaccessible) {
			return nil
		}
		return err
	case outbox.ChecklistToggle:
		return gw.ToggleChecklistItem(ctx, taskID, k.ItemID, k.Complete)
	default:
		return NewValidationError(Op("apply"), fmt.Sprintf("unsupported outbox kind %T", kind))
	}
}

// OpFor maps an outbox kind to the gateway operation that carries it.
func OpFor(name outbox.KindName) Op {
	switch name {
	case outbox.KindTimeLog:
		return OpLogTime
	case outbox.KindCommentAdd:
		return OpAddComment
	case outbox.KindTaskComplete:
		return OpCompleteTask
	case outbox.KindTaskCreate:
		return OpCreateTask
	case outbox.KindTaskDelete:
		return OpDeleteTask
	case outbox.KindChecklistToggle:
		return OpToggleChecklist
	default:
		return Op(name)
	}
}
