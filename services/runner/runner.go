// Package runner claims tasks from the durable queue and executes them
// through the handler registry. Multiple runner processes can run against the
// same database; the claim query hands each task to exactly one of them.
package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
	"github.com/Hasbicom1/Tagent-sub007/internal/handlers"
	"github.com/Hasbicom1/Tagent-sub007/pkg/telemetry"
)

// DefaultPollInterval is how long the runner sleeps after finding the queue
// empty. Claims are cheap (single indexed query) so this can stay low.
const DefaultPollInterval = 500 * time.Millisecond

// TaskQueue is the slice of the queue the runner needs: claim work, report
// the outcome.
type TaskQueue interface {
	Claim(ctx context.Context, workerID string, types []domain.TaskType) (*domain.Task, error)
	Complete(ctx context.Context, taskID, workerID string, result json.RawMessage, logs []string, durationMs int64) (*domain.Task, error)
	Fail(ctx context.Context, taskID, workerID, errMsg, details string, logs []string, durationMs int64) (*domain.Task, error)
}

// Runner polls the queue and dispatches claimed tasks to handlers, up to
// concurrency tasks at a time.
type Runner struct {
	queue        TaskQueue
	registry     *handlers.Registry
	logger       *slog.Logger
	tracer       trace.Tracer
	workerID     string
	pollInterval time.Duration
	concurrency  int
	now          func() time.Time
}

// New creates a runner. workerID must be unique across processes: it is what
// ties a PROCESSING row to this runner, and the janitor reclaims rows whose
// worker stopped reporting. Pass now as nil outside tests.
func New(q TaskQueue, registry *handlers.Registry, workerID string, pollInterval time.Duration, concurrency int, logger *slog.Logger, now func() time.Time) *Runner {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Runner{
		queue:        q,
		registry:     registry,
		logger:       logger,
		tracer:       otel.Tracer("runner"),
		workerID:     workerID,
		pollInterval: pollInterval,
		concurrency:  concurrency,
		now:          now,
	}
}

// Run claims and executes tasks until ctx is cancelled. It blocks, and
// returns once every in-flight task has been reported.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("runner started",
		slog.String("worker_id", r.workerID),
		slog.Int("concurrency", r.concurrency),
		slog.Any("task_types", r.registry.Types()),
	)

	slots := make(chan struct{}, r.concurrency)
	for {
		select {
		case <-ctx.Done():
			// Drain: wait for every slot to come back.
			for i := 0; i < r.concurrency; i++ {
				slots <- struct{}{}
			}
			r.logger.Info("runner stopped", slog.String("worker_id", r.workerID))
			return
		case slots <- struct{}{}:
		}

		task, err := r.queue.Claim(ctx, r.workerID, r.registry.Types())
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				continue
			}
			r.logger.Error("claim failed", slog.String("error", err.Error()))
			r.sleep(ctx)
			continue
		}
		if task == nil {
			<-slots
			r.sleep(ctx)
			continue
		}

		go func() {
			defer func() { <-slots }()
			r.execute(ctx, task)
		}()
	}
}

func (r *Runner) execute(ctx context.Context, task *domain.Task) {
	ctx, span := r.tracer.Start(ctx, "runner.execute")
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.type", string(task.Type)),
	)
	defer span.End()

	telemetry.RunnerTasksInFlight.Inc()
	defer telemetry.RunnerTasksInFlight.Dec()

	start := r.now()
	result, err := r.registry.Handle(ctx, task)
	elapsed := r.now().Sub(start)
	telemetry.RunnerTaskDurationSeconds.WithLabelValues(string(task.Type)).Observe(elapsed.Seconds())

	// Outcome reports must land even when the handler died to cancellation,
	// otherwise the row stays PROCESSING until the lease expires.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err != nil {
		telemetry.RunnerTasksProcessed.WithLabelValues(string(task.Type), "failed").Inc()
		var logs []string
		if result != nil {
			logs = result.Logs
		}
		if _, ferr := r.queue.Fail(reportCtx, task.ID, r.workerID, err.Error(), "", logs, elapsed.Milliseconds()); ferr != nil {
			r.logger.Error("failure report lost",
				slog.String("task_id", task.ID),
				slog.String("error", ferr.Error()),
			)
		}
		r.logger.Warn("task failed",
			slog.String("task_id", task.ID),
			slog.String("type", string(task.Type)),
			slog.Int("attempt", task.Attempts+1),
			slog.String("error", err.Error()),
		)
		return
	}

	telemetry.RunnerTasksProcessed.WithLabelValues(string(task.Type), "completed").Inc()
	if _, cerr := r.queue.Complete(reportCtx, task.ID, r.workerID, result.Data, result.Logs, elapsed.Milliseconds()); cerr != nil {
		r.logger.Error("completion report lost",
			slog.String("task_id", task.ID),
			slog.String("error", cerr.Error()),
		)
		return
	}
	r.logger.Info("task completed",
		slog.String("task_id", task.ID),
		slog.String("type", string(task.Type)),
		slog.Duration("took", elapsed),
	)
}

func (r *Runner) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(r.pollInterval):
	}
}
