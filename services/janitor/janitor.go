// Package janitor runs the background sweeps: expiring overdue sessions,
// enqueueing their teardown, and reclaiming tasks whose worker went away.
// Any number of janitor processes can run; a Redis lease picks one sweeper.
package janitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
	"github.com/Hasbicom1/Tagent-sub007/internal/queue"
	"github.com/Hasbicom1/Tagent-sub007/pkg/telemetry"
)

const (
	// DefaultSchedule runs the sweep twice a minute. Sessions expire lazily on
	// read as well, so the sweep only bounds how stale a never-read session
	// can get.
	DefaultSchedule = "@every 30s"

	// DefaultTaskLease is how long a PROCESSING task may go without its worker
	// reporting before it is reclaimed.
	DefaultTaskLease = 10 * time.Minute
)

// reclaimBatch bounds one sweep's reclaims so a pile-up after an outage is
// worked off gradually.
const reclaimBatch = 100

// Sessions is the slice of the session store the janitor needs.
type Sessions interface {
	ExpireOverdue(ctx context.Context) ([]*domain.Session, error)
}

// Tasks is the slice of the queue the janitor needs.
type Tasks interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*domain.Task, error)
	ReclaimStuck(ctx context.Context, lease time.Duration, limit int) (int, error)
}

// Elector decides whether this instance runs the sweep.
type Elector interface {
	TryAcquire(ctx context.Context) (bool, error)
}

// Janitor owns the periodic maintenance sweeps.
type Janitor struct {
	sessions Sessions
	tasks    Tasks
	elector  Elector
	lease    time.Duration
	logger   *slog.Logger
}

// New creates a janitor. elector may be nil when running a single instance.
func New(sessions Sessions, tasks Tasks, elector Elector, lease time.Duration, logger *slog.Logger) *Janitor {
	if lease <= 0 {
		lease = DefaultTaskLease
	}
	return &Janitor{
		sessions: sessions,
		tasks:    tasks,
		elector:  elector,
		lease:    lease,
		logger:   logger,
	}
}

// Run schedules Sweep on the given cron schedule and blocks until ctx is
// cancelled. The running sweep finishes before Run returns.
func (j *Janitor) Run(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { j.Sweep(ctx) }); err != nil {
		return err
	}
	j.logger.Info("janitor started", slog.String("schedule", schedule))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	j.logger.Info("janitor stopped")
	return nil
}

// Sweep runs one maintenance pass. Errors are logged, not returned: the next
// tick retries, and a failing Redis or database fails every instance equally.
func (j *Janitor) Sweep(ctx context.Context) {
	if j.elector != nil {
		leader, err := j.elector.TryAcquire(ctx)
		if err != nil {
			j.logger.Error("leader election failed", slog.String("error", err.Error()))
			return
		}
		if !leader {
			return
		}
	}

	j.expireSessions(ctx)
	j.reclaimTasks(ctx)
}

func (j *Janitor) expireSessions(ctx context.Context) {
	expired, err := j.sessions.ExpireOverdue(ctx)
	if err != nil {
		j.logger.Error("session expiry sweep failed", slog.String("error", err.Error()))
		return
	}
	for _, sess := range expired {
		j.logger.Info("session expired",
			slog.String("session_id", sess.ID),
			slog.String("agent_id", sess.AgentID),
		)
		// Teardown is HIGH priority so browsers free up before new work runs.
		_, err := j.tasks.Enqueue(ctx, queue.EnqueueRequest{
			SessionID: sess.ID,
			AgentID:   sess.AgentID,
			Type:      domain.TypeSessionEnd,
			Payload:   json.RawMessage(`{"reason":"expired"}`),
			Priority:  domain.PriorityHigh,
		})
		if err != nil {
			j.logger.Error("teardown enqueue failed",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (j *Janitor) reclaimTasks(ctx context.Context) {
	n, err := j.tasks.ReclaimStuck(ctx, j.lease, reclaimBatch)
	if err != nil {
		j.logger.Error("task reclaim sweep failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		telemetry.JanitorTasksReclaimed.Add(float64(n))
		j.logger.Warn("reclaimed stuck tasks", slog.Int("count", n))
	}
}
