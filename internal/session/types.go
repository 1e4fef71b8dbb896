package session

import (
	"time"

	"nexus/cli/internal/journal"
	"nexus/cli/internal/memory"
	"nexus/cli/internal/planner"
	"nexus/cli/internal/transport"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskExecuting TaskStatus = "executing"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

type Task struct {
	ID            string       `json:"id"`
	Description   string       `json:"description"`
	Core          planner.Core `json:"core"`
	Status        TaskStatus   `json:"status"`
	Plan          []string     `json:"plan,omitempty"`
	Explanation   string       `json:"explanation,omitempty"`
	ThoughtStream string       `json:"thought_stream,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	FinishedAt    time.Time    `json:"finished_at"`
	LastError     string       `json:"last_error,omitempty"`
}

func (t Task) clone() Task {
	t.Plan = append([]string(nil), t.Plan...)
	return t
}

type HostStats struct {
	Memory    string    `json:"memory"`
	Platform  string    `json:"platform"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is a detached copy of the session; mutating it has no effect on the session.
type Snapshot struct {
	Connection transport.State
	Core       planner.Core
	Processing bool
	Thought    string
	Tasks      []Task
	Logs       []journal.Entry
	Stats      HostStats
	Memory     memory.Memory
}

type EventKind string

const (
	EventLog        EventKind = "log"
	EventTask       EventKind = "task"
	EventConnection EventKind = "connection"
	EventStats      EventKind = "stats"
	EventMemory     EventKind = "memory"
	EventProcessing EventKind = "processing"
)

type Event struct {
	Kind       EventKind
	Log        journal.Entry
	Task       Task
	Connection transport.State
	Stats      HostStats
	Processing bool
}
