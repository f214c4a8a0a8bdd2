package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type KindName string

const (
	KindTimeLog         KindName = "time_log"
	KindCommentAdd      KindName = "comment_add"
	KindTaskComplete    KindName = "task_complete"
	KindTaskCreate      KindName = "task_create"
	KindTaskDelete      KindName = "task_delete"
	KindChecklistToggle KindName = "checklist_toggle"
)

var ErrInvalidKind = errors.New("invalid outbox kind")

// Kind is the closed set of remote effects an entry can carry.
// Only the types in this file implement it.
type Kind interface {
	Name() KindName
	Validate() error
	isKind()
}

type TimeLog struct {
	Seconds int    `json:"seconds"`
	Comment string `json:"comment"`
}

type CommentAdd struct {
	Text string `json:"text"`
}

type TaskComplete struct{}

type TaskCreate struct {
	Title           string     `json:"title"`
	EstimateSeconds int        `json:"estimate_seconds"`
	GroupID         string     `json:"group_id"`
	Deadline        *time.Time `json:"deadline,omitempty"`
}

type TaskDelete struct{}

type ChecklistToggle struct {
	ItemID   string `json:"item_id"`
	Complete bool   `json:"complete"`
}

func (TimeLog) Name() KindName         { return KindTimeLog }
func (CommentAdd) Name() KindName      { return KindCommentAdd }
func (TaskComplete) Name() KindName    { return KindTaskComplete }
func (TaskCreate) Name() KindName      { return KindTaskCreate }
func (TaskDelete) Name() KindName      { return KindTaskDelete }
func (ChecklistToggle) Name() KindName { return KindChecklistToggle }

func (TimeLog) isKind()         {}
func (CommentAdd) isKind()      {}
func (TaskComplete) isKind()    {}
func (TaskCreate) isKind()      {}
func (TaskDelete) isKind()      {}
func (ChecklistToggle) isKind() {}

func (k TimeLog) Validate() error {
	if k.Seconds <= 0 {
		return fmt.Errorf("%w: time log seconds must be positive, got %d", ErrInvalidKind, k.Seconds)
	}
	return nil
}

func (k CommentAdd) Validate() error {
	if strings.TrimSpace(k.Text) == "" {
		return fmt.Errorf("%w: comment text is required", ErrInvalidKind)
	}
	return nil
}

func (TaskComplete) Validate() error { return nil }

func (k TaskCreate) Validate() error {
	if strings.TrimSpace(k.Title) == "" {
		return fmt.Errorf("%w: task title is required", ErrInvalidKind)
	}
	if k.EstimateSeconds < 0 {
		return fmt.Errorf("%w: estimate must not be negative, got %d", ErrInvalidKind, k.EstimateSeconds)
	}
	return nil
}

func (TaskDelete) Validate() error { return nil }

func (k ChecklistToggle) Validate() error {
	if strings.TrimSpace(k.ItemID) == "" {
		return fmt.Errorf("%w: checklist item id is required", ErrInvalidKind)
	}
	return nil
}

// EncodeKind returns the kind name and its JSON payload for persistence.
func EncodeKind(k Kind) (KindName, []byte, error) {
	if k == nil {
		return "", nil, fmt.Errorf("%w: nil kind", ErrInvalidKind)
	}

	payload, err := json.Marshal(k)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal %s payload: %w", k.Name(), err)
	}

	return k.Name(), payload, nil
}

func DecodeKind(name KindName, payload []byte) (Kind, error) {
	var (
		k   Kind
		err error
	)

	switch name {
	case KindTimeLog:
		var v TimeLog
		err = json.Unmarshal(payload, &v)
		k = v
	case KindCommentAdd:
		var v CommentAdd
		err = json.Unmarshal(payload, &v)
		k = v
	case KindTaskComplete:
		k = TaskComplete{}
	case KindTaskCreate:
		var v TaskCreate
		err = json.Unmarshal(payload, &v)
		k = v
	case KindTaskDelete:
		k = TaskDelete{}
	case KindChecklistToggle:
		var v ChecklistToggle
		err = json.Unmarshal(payload, &v)
		k = v
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidKind, name)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", name, err)
	}

	return k, nil
}
