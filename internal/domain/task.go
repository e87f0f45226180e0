package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the states a task can be in.
type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusProcessing TaskStatus = "PROCESSING"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusFailed     TaskStatus = "FAILED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TaskType identifies the kind of work a task carries.
type TaskType string

const (
	TypeBrowserAutomation TaskType = "BROWSER_AUTOMATION"
	TypeSessionStart      TaskType = "SESSION_START"
	TypeSessionEnd        TaskType = "SESSION_END"
)

// ValidTaskType reports whether t is one of the known task types.
func ValidTaskType(t TaskType) bool {
	switch t {
	case TypeBrowserAutomation, TypeSessionStart, TypeSessionEnd:
		return true
	}
	return false
}

// Priority influences claim ordering: HIGH before MEDIUM before LOW,
// FIFO within a tier.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityMedium Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// ParsePriority maps the wire names to Priority. Unknown values fall back to
// MEDIUM rather than rejecting the task.
func ParsePriority(s string) Priority {
	switch s {
	case "HIGH":
		return PriorityHigh
	case "LOW":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// DefaultMaxRetries bounds automatic requeues after failures.
const DefaultMaxRetries = 3

// Task is one queued unit of automation work tied to a session.
type Task struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	AgentID     string          `json:"agent_id"`
	Type        TaskType        `json:"type"`
	Status      TaskStatus      `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	Priority    Priority        `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxRetries  int             `json:"max_retries"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	LockedBy    string          `json:"locked_by,omitempty"`
}

// TaskResult is the single terminal record produced when a task leaves
// PROCESSING. At most one exists per task.
type TaskResult struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	WorkerID   string          `json:"worker_id"`
	Attempt    int             `json:"attempt"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Logs       []string        `json:"logs,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	CreatedAt  time.Time       `json:"created_at"`
}
