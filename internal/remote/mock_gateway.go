package remote

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/nadmax/nexsync/internal/task"
)

var ErrOffline = errors.New("network is unreachable")

type Call struct {
	Op       Op
	TaskID   string
	UserID   string
	Seconds  int
	Text     string
	Title    string
	GroupID  string
	ItemID   string
	Complete bool
	Estimate int
	Deadline *time.Time
}

// MockGateway records every call and fails on demand.
type MockGateway struct {
	mu         sync.Mutex
	Calls      []Call
	Offline    bool
	Errors     map[Op]error
	failNext   map[Op][]error
	Tasks      map[string][]task.Record
	nextTaskID int
	OnCall     func(Call)
}

func NewMockGateway() *MockGateway {
	return &MockGateway{
		Errors:     make(map[Op]error),
		failNext:   make(map[Op][]error),
		Tasks:      make(map[string][]task.Record),
		nextTaskID: 1000,
	}
}

func (m *MockGateway) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Offline = offline
}

func (m *MockGateway) SetError(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.Errors, op)
		return
	}
	m.Errors[op] = err
}

// FailNext queues errors returned by the next calls of op, in order.
func (m *MockGateway) FailNext(op Op, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = append(m.failNext[op], errs...)
}

func (m *MockGateway) SetTasks(ownerID string, records []task.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tasks[ownerID] = records
}

func (m *MockGateway) GetCalls(op Op) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()

	var calls []Call
	for _, c := range m.Calls {
		if c.Op == op {
			calls = append(calls, c)
		}
	}
	return calls
}

func (m *MockGateway) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

func (m *MockGateway) record(c Call) error {
	m.mu.Lock()
	m.Calls = append(m.Calls, c)
	hook := m.OnCall

	var err error
	switch {
	case m.Offline:
		err = NewTransportError(c.Op, ErrOffline)
	case len(m.failNext[c.Op]) > 0:
		err = m.failNext[c.Op][0]
		m.failNext[c.Op] = m.failNext[c.Op][1:]
	default:
		err = m.Errors[c.Op]
	}
	m.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	return err
}

func (m *MockGateway) LogTime(ctx context.Context, taskID, userID string, seconds int, comment string) error {
	return m.record(Call{Op: OpLogTime, TaskID: taskID, UserID: userID, Seconds: seconds, Text: comment})
}

func (m *MockGateway) AddComment(ctx context.Context, taskID, userID, text string) error {
	return m.record(Call{Op: OpAddComment, TaskID: taskID, UserID: userID, Text: text})
}

func (m *MockGateway) CompleteTask(ctx context.Context, taskID string) error {
	return m.record(Call{Op: OpCompleteTask, TaskID: taskID})
}

func (m *MockGateway) CreateTask(ctx context.Context, title, ownerID string, estimateSeconds int, groupID string, deadline *time.Time) (string, error) {
	if err := m.record(Call{Op: OpCreateTask, UserID: ownerID, Title: title, Estimate: estimateSeconds, GroupID: groupID, Deadline: deadline}); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTaskID++
	return strconv.Itoa(m.nextTaskID), nil
}

func (m *MockGateway) DeleteTask(ctx context.Context, taskID string) error {
	return m.record(Call{Op: OpDeleteTask, TaskID: taskID})
}

func (m *MockGateway) ToggleChecklistItem(ctx context.Context, taskID, itemID string, complete bool) error {
	return m.record(Call{Op: OpToggleChecklist, TaskID: taskID, ItemID: itemID, Complete: complete})
}

func (m *MockGateway) ListTasks(ctx context.Context, ownerID string) ([]task.Record, error) {
	if err := m.record(Call{Op: OpListTasks, UserID: ownerID}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]task.Record, 0, len(m.Tasks[ownerID]))
	for _, r := range m.Tasks[ownerID] {
		records = append(records, *r.Clone())
	}
	return records, nil
}
