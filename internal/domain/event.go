package domain

import (
	"context"
	"time"
)

// EventType discriminates broadcast event kinds.
type EventType string

const (
	EventTaskStatus    EventType = "TASK_STATUS"
	EventTaskProgress  EventType = "TASK_PROGRESS"
	EventTaskLogs      EventType = "TASK_LOGS"
	EventTaskError     EventType = "TASK_ERROR"
	EventSessionStatus EventType = "SESSION_STATUS"
)

// Routing carries the identities an event is addressed by. A subscription
// matches when its (type, target) pair equals one of the non-empty fields:
// TASK/TaskID, SESSION/SessionID, AGENT/AgentID.
type Routing struct {
	TaskID    string
	SessionID string
	AgentID   string
}

// OrderingKey returns the broker partition key. Events sharing a key are
// delivered in publish order; the spec only promises ordering per task (and
// per session for session-scoped events).
func (r Routing) OrderingKey() string {
	if r.TaskID != "" {
		return r.TaskID
	}
	if r.SessionID != "" {
		return r.SessionID
	}
	return r.AgentID
}

// Event is the closed union of payloads flowing through the broadcast relay.
// The relay boundary switches exhaustively on the concrete types below; no
// other implementations exist.
type Event interface {
	Type() EventType
	Routing() Routing
}

// TaskStatusEvent announces a stored task status transition.
type TaskStatusEvent struct {
	TaskID    string         `json:"taskId"`
	SessionID string         `json:"sessionId"`
	AgentID   string         `json:"agentId"`
	Status    TaskStatus     `json:"status"`
	TaskType  TaskType       `json:"taskType"`
	Progress  int            `json:"progress,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e *TaskStatusEvent) Type() EventType { return EventTaskStatus }
func (e *TaskStatusEvent) Routing() Routing {
	return Routing{TaskID: e.TaskID, SessionID: e.SessionID, AgentID: e.AgentID}
}

// TaskProgressEvent is a lightweight progress update that does not change the
// stored task status.
type TaskProgressEvent struct {
	TaskID                 string    `json:"taskId"`
	SessionID              string    `json:"sessionId"`
	Progress               int       `json:"progress"`
	Stage                  string    `json:"stage,omitempty"`
	EstimatedTimeRemaining int64     `json:"estimatedTimeRemaining,omitempty"`
	Timestamp              time.Time `json:"timestamp"`
}

func (e *TaskProgressEvent) Type() EventType { return EventTaskProgress }
func (e *TaskProgressEvent) Routing() Routing {
	return Routing{TaskID: e.TaskID, SessionID: e.SessionID}
}

// TaskLogsEvent streams execution log lines for a task.
type TaskLogsEvent struct {
	TaskID    string    `json:"taskId"`
	SessionID string    `json:"sessionId"`
	Logs      []string  `json:"logs"`
	LogLevel  string    `json:"logLevel"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *TaskLogsEvent) Type() EventType { return EventTaskLogs }
func (e *TaskLogsEvent) Routing() Routing {
	return Routing{TaskID: e.TaskID, SessionID: e.SessionID}
}

// TaskErrorEvent reports a task failure. Terminal is false for a failed
// attempt that was requeued.
type TaskErrorEvent struct {
	TaskID    string    `json:"taskId"`
	SessionID string    `json:"sessionId"`
	Error     string    `json:"error"`
	Details   string    `json:"details,omitempty"`
	Terminal  bool      `json:"terminal"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *TaskErrorEvent) Type() EventType { return EventTaskError }
func (e *TaskErrorEvent) Routing() Routing {
	return Routing{TaskID: e.TaskID, SessionID: e.SessionID}
}

// SessionStatusEvent announces a session lifecycle change, including TTL
// expiry from the monitor sweep.
type SessionStatusEvent struct {
	SessionID     string    `json:"sessionId"`
	AgentID       string    `json:"agentId"`
	IsActive      bool      `json:"isActive"`
	ExpiresAt     time.Time `json:"expiresAt"`
	TimeRemaining int64     `json:"timeRemaining"`
	Timestamp     time.Time `json:"timestamp"`
}

func (e *SessionStatusEvent) Type() EventType { return EventSessionStatus }
func (e *SessionStatusEvent) Routing() Routing {
	return Routing{SessionID: e.SessionID, AgentID: e.AgentID}
}

// EventPublisher fans an event out to subscribed connections on every
// instance. Delivery is best-effort: broker failures are logged by the
// implementation, never surfaced to the publisher.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event)
}
