package schedule

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by facade mutations that reference an unknown task ID.
var ErrNotFound = errors.New("task not found")

// TaskStatus is a task's lifecycle state, distinct from the outcome of the
// most recent firing (RunStatus).
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// RunStatus describes one firing (or the batch currently in flight).
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Task is a persisted scheduling intent: a message, the rooms it goes to,
// and a repeat rule saying when.
type Task struct {
	ID         string     `json:"id"`
	RoomNames  []string   `json:"room_names"`
	Message    string     `json:"message"`
	RepeatRule string     `json:"repeat_rule"`
	Enabled    bool       `json:"enabled"`
	OneTime    bool       `json:"one_time"`
	CreatedAt  time.Time  `json:"created_at"`
	Status     TaskStatus `json:"status"`

	// Archived is set only for one-time tasks that completed successfully.
	// They drop out of the pending view but keep their history.
	Archived bool `json:"archived,omitempty"`

	LastRun    time.Time `json:"last_run,omitempty"`
	LastStatus RunStatus `json:"last_status,omitempty"`
	Error      string    `json:"error,omitempty"`

	History []ExecutionRecord `json:"history,omitempty"`
}

// ExecutionRecord is one entry of a task's append-only firing history.
type ExecutionRecord struct {
	At     time.Time `json:"at"`
	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// Clone returns a deep copy so snapshots handed to callers can't alias
// manager-owned state.
func (t Task) Clone() Task {
	cp := t
	cp.RoomNames = append([]string(nil), t.RoomNames...)
	cp.History = append([]ExecutionRecord(nil), t.History...)
	return cp
}

// RoomFailure is one room's failure within a batch. The human-readable
// aggregate string is rendered only at the persistence/UI boundary.
type RoomFailure struct {
	Room   string `json:"room"`
	Reason string `json:"reason"`
}

func (f RoomFailure) String() string { return f.Room + ": " + f.Reason }

// RenderFailures joins per-room failures into the aggregate error string
// stored on the task.
func RenderFailures(fails []RoomFailure) string {
	if len(fails) == 0 {
		return ""
	}
	parts := make([]string, 0, len(fails))
	for _, f := range fails {
		parts = append(parts, f.String())
	}
	return strings.Join(parts, "; ")
}

// EventTaskStatus is the bus event type carrying StatusUpdate payloads.
const EventTaskStatus = "task.status"

// StatusUpdate is pushed to the status sink on every firing. Fire-and-forget;
// nobody buffers or retries delivery.
type StatusUpdate struct {
	TaskID  string    `json:"task_id"`
	Status  RunStatus `json:"status"`
	Message string    `json:"message,omitempty"`
}

// TaskStore is the persistence contract the scheduler needs: read everything,
// replace everything. Durability across restarts is the store's problem.
type TaskStore interface {
	GetAll(ctx context.Context) ([]Task, error)
	ReplaceAll(ctx context.Context, tasks []Task) error
	Close() error
}

// Outcome is the aggregate result of one firing.
type Outcome struct {
	// Fatal is set when the whole batch failed before any room was attempted
	// (no session, bulk resolution failed, cancelled).
	Fatal error
	// Failures are per-room problems; the rest of the batch still ran.
	Failures []RoomFailure
	Sent     int
}

func (o Outcome) Failed() bool { return o.Fatal != nil || len(o.Failures) > 0 }

// ErrorText renders the outcome's failure description, empty on success.
func (o Outcome) ErrorText() string {
	if o.Fatal != nil {
		return o.Fatal.Error()
	}
	return RenderFailures(o.Failures)
}

// Runner performs one firing of a task. Implemented by Executor; stubbed in
// manager tests.
type Runner interface {
	Run(ctx context.Context, t Task) Outcome
}
