package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
)

// TaskRepository abstracts all database access for tasks and their terminal
// results.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	// Claim atomically takes exclusive ownership of the best visible PENDING
	// task and moves it to PROCESSING. Returns (nil, nil) when no task is
	// ready.
	Claim(ctx context.Context, workerID string, types []domain.TaskType, now time.Time) (*domain.Task, error)
	// Complete transitions PROCESSING → COMPLETED. A task in any other state
	// yields TaskConflictError (or TaskNotFoundError).
	Complete(ctx context.Context, id string, at time.Time) (*domain.Task, error)
	// Fail counts a failed attempt: requeues as PENDING with exponential
	// backoff while retry budget remains, otherwise transitions to FAILED.
	Fail(ctx context.Context, id string, backoffBase time.Duration, at time.Time) (*domain.Task, error)
	// RecordResult inserts the terminal result exactly once; duplicate writes
	// for the same task are silently ignored.
	RecordResult(ctx context.Context, res *domain.TaskResult) error
	GetResult(ctx context.Context, taskID string) (*domain.TaskResult, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*domain.Task, error)
	// ListStuck returns PROCESSING tasks whose claim is older than the cutoff.
	ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Task, error)
}

type taskRepository struct {
	pool *pgxpool.Pool
}

// NewTaskRepository wraps a pgxpool with the TaskRepository interface.
func NewTaskRepository(pool *pgxpool.Pool) TaskRepository {
	return &taskRepository{pool: pool}
}

const taskCols = `id, session_id, agent_id, type, status, payload, priority, attempts,
	max_retries, created_at, updated_at, scheduled_at, processed_at, completed_at,
	failed_at, locked_by`

func (r *taskRepository) Create(ctx context.Context, task *domain.Task) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tasks
			(id, session_id, agent_id, type, status, payload, priority, attempts,
			 max_retries, created_at, updated_at, scheduled_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		task.ID, task.SessionID, task.AgentID, string(task.Type), string(task.Status),
		task.Payload, int(task.Priority), task.Attempts, task.MaxRetries,
		task.CreatedAt, task.UpdatedAt, task.ScheduledAt,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (r *taskRepository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, err
	}
	return task, nil
}

func (r *taskRepository) Claim(ctx context.Context, workerID string, types []domain.TaskType, now time.Time) (*domain.Task, error) {
	typeFilter := make([]string, 0, len(types))
	for _, t := range types {
		typeFilter = append(typeFilter, string(t))
	}

	// FOR UPDATE SKIP LOCKED serializes claimers without blocking them on each
	// other; exactly one transaction wins a given row.
	row := r.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = 'PROCESSING', locked_by = $1, processed_at = $2, updated_at = $2
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'PENDING'
			  AND scheduled_at <= $2
			  AND (cardinality($3::text[]) = 0 OR type = ANY($3::text[]))
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskCols, workerID, now, typeFilter)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return task, nil
}

func (r *taskRepository) Complete(ctx context.Context, id string, at time.Time) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = 'COMPLETED', completed_at = $1, updated_at = $1, locked_by = ''
		WHERE id = $2 AND status = 'PROCESSING'
		RETURNING `+taskCols, at, id)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.conflictOrNotFound(ctx, id)
		}
		return nil, fmt.Errorf("complete task %s: %w", id, err)
	}
	return task, nil
}

func (r *taskRepository) Fail(ctx context.Context, id string, backoffBase time.Duration, at time.Time) (*domain.Task, error) {
	// Single statement so attempts, status, and backoff visibility move
	// together. `attempts` on the right-hand side is the pre-update value, so
	// the Nth failure waits base * 2^(N-1).
	row := r.pool.QueryRow(ctx, `
		UPDATE tasks
		SET attempts  = attempts + 1,
		    status    = CASE WHEN attempts + 1 < max_retries THEN 'PENDING' ELSE 'FAILED' END,
		    scheduled_at = CASE WHEN attempts + 1 < max_retries
		                        THEN $1::timestamptz + make_interval(secs => $2 * power(2, attempts))
		                        ELSE scheduled_at END,
		    failed_at = CASE WHEN attempts + 1 >= max_retries THEN $1 ELSE failed_at END,
		    locked_by = '',
		    updated_at = $1
		WHERE id = $3 AND status = 'PROCESSING'
		RETURNING `+taskCols, at, backoffBase.Seconds(), id)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.conflictOrNotFound(ctx, id)
		}
		return nil, fmt.Errorf("fail task %s: %w", id, err)
	}
	return task, nil
}

func (r *taskRepository) RecordResult(ctx context.Context, res *domain.TaskResult) error {
	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	logs := res.Logs
	if logs == nil {
		logs = []string{}
	}
	// UNIQUE(task_id) + DO NOTHING: exactly one result row per task, even if
	// a terminal transition is reported twice.
	_, err := r.pool.Exec(ctx, `
		INSERT INTO task_results
			(id, task_id, worker_id, attempt, result, error, logs, duration_ms, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id) DO NOTHING
	`,
		res.ID, res.TaskID, res.WorkerID, res.Attempt,
		res.Result, res.Error, logs, res.DurationMs, res.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record result for task %s: %w", res.TaskID, err)
	}
	return nil
}

func (r *taskRepository) GetResult(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, task_id, worker_id, attempt, result, error, logs, duration_ms, created_at
		FROM task_results
		WHERE task_id = $1
	`, taskID)

	var res domain.TaskResult
	err := row.Scan(
		&res.ID, &res.TaskID, &res.WorkerID, &res.Attempt,
		&res.Result, &res.Error, &res.Logs, &res.DurationMs, &res.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("get result for task %s: %w", taskID, err)
	}
	return &res, nil
}

func (r *taskRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskCols+`
		FROM tasks
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks for session %s: %w", sessionID, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (r *taskRepository) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskCols+`
		FROM tasks
		WHERE status = 'PROCESSING' AND processed_at < $1
		ORDER BY processed_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// conflictOrNotFound distinguishes a missing task from one in the wrong state
// after a guarded UPDATE matched no rows.
func (r *taskRepository) conflictOrNotFound(ctx context.Context, id string) error {
	task, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return &domain.TaskConflictError{TaskID: id, Status: task.Status}
}

func collectTasks(rows pgx.Rows) ([]*domain.Task, error) {
	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var task domain.Task
	var typeStr, statusStr string
	var priority int
	err := row.Scan(
		&task.ID, &task.SessionID, &task.AgentID, &typeStr, &statusStr,
		&task.Payload, &priority, &task.Attempts, &task.MaxRetries,
		&task.CreatedAt, &task.UpdatedAt, &task.ScheduledAt,
		&task.ProcessedAt, &task.CompletedAt, &task.FailedAt, &task.LockedBy,
	)
	if err != nil {
		return nil, err
	}
	task.Type = domain.TaskType(typeStr)
	task.Status = domain.TaskStatus(statusStr)
	task.Priority = domain.Priority(priority)
	return &task, nil
}
