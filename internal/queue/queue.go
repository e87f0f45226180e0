// Package queue implements the durable task queue: enqueue with priority and
// delay, exclusive claims, terminal transitions with automatic retry, and the
// transient progress channel alongside.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
	"github.com/Hasbicom1/Tagent-sub007/internal/postgres"
	"github.com/Hasbicom1/Tagent-sub007/internal/redis"
	"github.com/Hasbicom1/Tagent-sub007/pkg/telemetry"
)

// DefaultBackoffBase is the first retry delay; attempt N waits base * 2^(N-1).
const DefaultBackoffBase = 5 * time.Second

// Queue owns task state transitions. Every durable transition goes through
// Postgres in a single guarded statement; Redis only ever sees transient
// progress. Status changes are announced through the event publisher after
// the durable write succeeds.
type Queue struct {
	tasks       postgres.TaskRepository
	cache       redis.Cache
	events      domain.EventPublisher
	logger      *slog.Logger
	backoffBase time.Duration
	now         func() time.Time
}

// New wires a Queue. now is injectable for tests; pass nil for wall-clock
// time.
func New(tasks postgres.TaskRepository, cache redis.Cache, events domain.EventPublisher, logger *slog.Logger, backoffBase time.Duration, now func() time.Time) *Queue {
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBase
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{
		tasks:       tasks,
		cache:       cache,
		events:      events,
		logger:      logger,
		backoffBase: backoffBase,
		now:         now,
	}
}

// EnqueueRequest carries everything needed to create a task. Delay postpones
// visibility to claimers without hiding the task from reads.
type EnqueueRequest struct {
	SessionID string
	AgentID   string
	Type      domain.TaskType
	Payload   json.RawMessage
	Priority  domain.Priority
	Delay     time.Duration
}

// Enqueue creates a PENDING task and announces it. Session validity is the
// caller's concern: the gateway checks the session before user enqueues, and
// the TTL monitor enqueues teardown work for sessions that just ended.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*domain.Task, error) {
	if !domain.ValidTaskType(req.Type) {
		return nil, &domain.ValidationError{Field: "type", Reason: "unknown task type " + string(req.Type)}
	}
	if req.SessionID == "" {
		return nil, &domain.ValidationError{Field: "sessionId", Reason: "must not be empty"}
	}
	if req.Delay < 0 {
		return nil, &domain.ValidationError{Field: "delay", Reason: "must not be negative"}
	}

	now := q.now().UTC()
	task := &domain.Task{
		ID:          uuid.New().String(),
		SessionID:   req.SessionID,
		AgentID:     req.AgentID,
		Type:        req.Type,
		Status:      domain.StatusPending,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxRetries:  domain.DefaultMaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
		ScheduledAt: now.Add(req.Delay),
	}
	if err := q.tasks.Create(ctx, task); err != nil {
		return nil, err
	}

	telemetry.QueueTasksEnqueued.WithLabelValues(string(task.Type), task.Priority.String()).Inc()
	q.publishStatus(ctx, task)
	return task, nil
}

// Claim hands the best ready task to a worker, or (nil, nil) when the queue
// has nothing visible. Exactly one worker wins any given task.
func (q *Queue) Claim(ctx context.Context, workerID string, types []domain.TaskType) (*domain.Task, error) {
	task, err := q.tasks.Claim(ctx, workerID, types, q.now().UTC())
	if err != nil || task == nil {
		return nil, err
	}
	telemetry.QueueTasksClaimed.Inc()
	q.publishStatus(ctx, task)
	return task, nil
}

// Complete finishes a PROCESSING task, records its single terminal result and
// announces COMPLETED. Completing a task that is not PROCESSING returns
// *domain.TaskConflictError.
func (q *Queue) Complete(ctx context.Context, taskID, workerID string, result json.RawMessage, logs []string, durationMs int64) (*domain.Task, error) {
	now := q.now().UTC()
	task, err := q.tasks.Complete(ctx, taskID, now)
	if err != nil {
		return nil, err
	}

	if err := q.tasks.RecordResult(ctx, &domain.TaskResult{
		TaskID:     task.ID,
		WorkerID:   workerID,
		Attempt:    task.Attempts + 1,
		Result:     result,
		Logs:       logs,
		DurationMs: durationMs,
		CreatedAt:  now,
	}); err != nil {
		return nil, err
	}

	telemetry.QueueTasksTerminal.WithLabelValues(string(task.Type), string(task.Status)).Inc()
	q.publishStatus(ctx, task)
	return task, nil
}

// Fail reports a failed attempt. While retry budget remains the task is
// requeued PENDING with exponential backoff and the error is announced as
// non-terminal; the final failure transitions to FAILED and records the
// terminal result.
func (q *Queue) Fail(ctx context.Context, taskID, workerID, errMsg, details string, logs []string, durationMs int64) (*domain.Task, error) {
	now := q.now().UTC()
	task, err := q.tasks.Fail(ctx, taskID, q.backoffBase, now)
	if err != nil {
		return nil, err
	}

	terminal := task.Status == domain.StatusFailed
	if terminal {
		if err := q.tasks.RecordResult(ctx, &domain.TaskResult{
			TaskID:     task.ID,
			WorkerID:   workerID,
			Attempt:    task.Attempts,
			Error:      errMsg,
			Logs:       logs,
			DurationMs: durationMs,
			CreatedAt:  now,
		}); err != nil {
			return nil, err
		}
		telemetry.QueueTasksTerminal.WithLabelValues(string(task.Type), string(task.Status)).Inc()
	} else {
		telemetry.QueueTaskRetries.WithLabelValues(string(task.Type)).Inc()
	}

	q.events.Publish(ctx, &domain.TaskErrorEvent{
		TaskID:    task.ID,
		SessionID: task.SessionID,
		Error:     errMsg,
		Details:   details,
		Terminal:  terminal,
		Timestamp: now,
	})
	q.publishStatus(ctx, task)
	return task, nil
}

// Progress records a transient progress update and broadcasts it. The durable
// store is untouched: progress is observability, not state.
func (q *Queue) Progress(ctx context.Context, taskID string, p redis.Progress) error {
	task, err := q.tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if err := q.cache.SetProgress(ctx, taskID, p); err != nil {
		// Broadcast anyway; subscribers care more about the live update than
		// the cached snapshot.
		q.logger.Warn("progress cache write failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
	q.events.Publish(ctx, &domain.TaskProgressEvent{
		TaskID:                 task.ID,
		SessionID:              task.SessionID,
		Progress:               p.Progress,
		Stage:                  p.Stage,
		EstimatedTimeRemaining: p.EstimatedTimeRemaining,
		Timestamp:              q.now().UTC(),
	})
	return nil
}

// Logs streams execution log lines for a task to its subscribers.
func (q *Queue) Logs(ctx context.Context, taskID, level string, logs []string) error {
	if len(logs) == 0 {
		return nil
	}
	task, err := q.tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	q.events.Publish(ctx, &domain.TaskLogsEvent{
		TaskID:    task.ID,
		SessionID: task.SessionID,
		Logs:      logs,
		LogLevel:  level,
		Timestamp: q.now().UTC(),
	})
	return nil
}

// Status is the combined view served to status polls: the durable task row,
// the latest transient progress if any, and the terminal result once one
// exists.
type Status struct {
	Task     *domain.Task       `json:"task"`
	Progress *redis.Progress    `json:"progress,omitempty"`
	Result   *domain.TaskResult `json:"result,omitempty"`
}

// GetStatus assembles the status view for one task.
func (q *Queue) GetStatus(ctx context.Context, taskID string) (*Status, error) {
	task, err := q.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	st := &Status{Task: task}

	if p, err := q.cache.GetProgress(ctx, taskID); err == nil {
		st.Progress = p
	}
	if task.Status.IsTerminal() {
		if res, err := q.tasks.GetResult(ctx, taskID); err == nil {
			st.Result = res
		}
	}
	return st, nil
}

// ListBySession returns the session's most recent tasks.
func (q *Queue) ListBySession(ctx context.Context, sessionID string, limit int) ([]*domain.Task, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return q.tasks.ListBySession(ctx, sessionID, limit)
}

// ReclaimStuck fails every PROCESSING task whose worker lease expired, pushing
// each through the normal retry path. Returns how many were reclaimed.
func (q *Queue) ReclaimStuck(ctx context.Context, lease time.Duration, limit int) (int, error) {
	cutoff := q.now().UTC().Add(-lease)
	stuck, err := q.tasks.ListStuck(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, task := range stuck {
		if _, err := q.Fail(ctx, task.ID, task.LockedBy, "worker lease expired", "", nil, 0); err != nil {
			// Another janitor or the worker itself may have raced us; skip.
			q.logger.Warn("stuck task reclaim failed",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}

func (q *Queue) publishStatus(ctx context.Context, task *domain.Task) {
	ev := &domain.TaskStatusEvent{
		TaskID:    task.ID,
		SessionID: task.SessionID,
		AgentID:   task.AgentID,
		Status:    task.Status,
		TaskType:  task.Type,
		Timestamp: q.now().UTC(),
	}
	if task.Status == domain.StatusCompleted {
		ev.Progress = 100
	}
	q.events.Publish(ctx, ev)
}
