//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
	"github.com/Hasbicom1/Tagent-sub007/internal/postgres"
)

// newRepos connects both repositories to the test Postgres container and
// truncates the tables on cleanup.
func newRepos(t *testing.T) (postgres.SessionRepository, postgres.TaskRepository) {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE task_results, tasks, sessions CASCADE") //nolint:errcheck
		pool.Close()
	})
	return postgres.NewSessionRepository(pool), postgres.NewTaskRepository(pool)
}

func makeTask(sessionID string, typ domain.TaskType, prio domain.Priority) *domain.Task {
	now := time.Now().UTC()
	return &domain.Task{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		AgentID:     "agent-itest",
		Type:        typ,
		Status:      domain.StatusPending,
		Payload:     []byte(`{"test":true}`),
		Priority:    prio,
		MaxRetries:  domain.DefaultMaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
		ScheduledAt: now,
	}
}

func seedSession(t *testing.T, repo postgres.SessionRepository) *domain.Session {
	t.Helper()
	sess := domain.NewSession("user-itest", "agent-itest")
	require.NoError(t, repo.Create(context.Background(), sess))
	return sess
}

func TestPostgres_Session_Create_GetByID(t *testing.T) {
	sessions, _ := newRepos(t)
	ctx := context.Background()

	sess := seedSession(t, sessions)

	got, err := sessions.GetByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, domain.SessionActive, got.Status)
	assert.WithinDuration(t, sess.ExpiresAt, got.ExpiresAt, time.Second)
}

func TestPostgres_Session_GetByID_NotFound(t *testing.T) {
	sessions, _ := newRepos(t)

	_, err := sessions.GetByID(context.Background(), uuid.New().String())
	require.Error(t, err)

	var notFound *domain.SessionNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestPostgres_Session_Transition_Idempotent(t *testing.T) {
	sessions, _ := newRepos(t)
	ctx := context.Background()

	sess := seedSession(t, sessions)
	now := time.Now().UTC()

	changed, err := sessions.Transition(ctx, sess.ID, domain.SessionRevoked, now)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = sessions.Transition(ctx, sess.ID, domain.SessionRevoked, now)
	require.NoError(t, err)
	assert.False(t, changed, "second transition must be a no-op")

	got, err := sessions.GetByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRevoked, got.Status)
}

func TestPostgres_Session_Transition_UnknownSession(t *testing.T) {
	sessions, _ := newRepos(t)

	changed, err := sessions.Transition(context.Background(),
		uuid.New().String(), domain.SessionRevoked, time.Now().UTC())
	assert.False(t, changed)

	var notFound *domain.SessionNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestPostgres_Session_Extend(t *testing.T) {
	sessions, _ := newRepos(t)
	ctx := context.Background()

	sess := seedSession(t, sessions)

	got, err := sessions.Extend(ctx, sess.ID, time.Hour, time.Now().UTC())
	require.NoError(t, err)
	assert.WithinDuration(t, sess.ExpiresAt.Add(time.Hour), got.ExpiresAt, time.Second)
}

func TestPostgres_Session_ExpireOverdue(t *testing.T) {
	sessions, _ := newRepos(t)
	ctx := context.Background()

	fresh := seedSession(t, sessions)
	stale := seedSession(t, sessions)

	// Push one session past its window, then sweep.
	expired, err := sessions.ExpireOverdue(ctx, time.Now().UTC().Add(domain.SessionTTL+time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 2)

	// A fresh sweep finds nothing left to expire.
	expired, err = sessions.ExpireOverdue(ctx, time.Now().UTC().Add(domain.SessionTTL+time.Minute))
	require.NoError(t, err)
	assert.Empty(t, expired)

	for _, id := range []string{fresh.ID, stale.ID} {
		got, err := sessions.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.SessionExpired, got.Status)
	}
}

func TestPostgres_Task_Claim_PriorityOrder(t *testing.T) {
	sessions, tasks := newRepos(t)
	ctx := context.Background()
	sess := seedSession(t, sessions)

	low := makeTask(sess.ID, domain.TypeBrowserAutomation, domain.PriorityLow)
	high := makeTask(sess.ID, domain.TypeBrowserAutomation, domain.PriorityHigh)
	require.NoError(t, tasks.Create(ctx, low))
	require.NoError(t, tasks.Create(ctx, high))

	claimed, err := tasks.Claim(ctx, "w-1", []domain.TaskType{domain.TypeBrowserAutomation}, time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, high.ID, claimed.ID, "HIGH priority claims first")
	assert.Equal(t, domain.StatusProcessing, claimed.Status)
	assert.Equal(t, "w-1", claimed.LockedBy)

	claimed, err = tasks.Claim(ctx, "w-2", []domain.TaskType{domain.TypeBrowserAutomation}, time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, low.ID, claimed.ID)
}

func TestPostgres_Task_Claim_EmptyQueue(t *testing.T) {
	_, tasks := newRepos(t)

	claimed, err := tasks.Claim(context.Background(), "w-1",
		[]domain.TaskType{domain.TypeBrowserAutomation}, time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestPostgres_Task_Claim_HonorsScheduledAt(t *testing.T) {
	sessions, tasks := newRepos(t)
	ctx := context.Background()
	sess := seedSession(t, sessions)

	delayed := makeTask(sess.ID, domain.TypeBrowserAutomation, domain.PriorityHigh)
	delayed.ScheduledAt = time.Now().UTC().Add(time.Hour)
	require.NoError(t, tasks.Create(ctx, delayed))

	claimed, err := tasks.Claim(ctx, "w-1", []domain.TaskType{domain.TypeBrowserAutomation}, time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, claimed, "future-scheduled task must stay invisible")

	claimed, err = tasks.Claim(ctx, "w-1", []domain.TaskType{domain.TypeBrowserAutomation},
		time.Now().UTC().Add(2*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, delayed.ID, claimed.ID)
}

func TestPostgres_Task_Fail_RequeuesThenExhausts(t *testing.T) {
	sessions, tasks := newRepos(t)
	ctx := context.Background()
	sess := seedSession(t, sessions)

	task := makeTask(sess.ID, domain.TypeBrowserAutomation, domain.PriorityMedium)
	task.MaxRetries = 2
	require.NoError(t, tasks.Create(ctx, task))

	backoff := 5 * time.Second
	now := time.Now().UTC()

	_, err := tasks.Claim(ctx, "w-1", []domain.TaskType{domain.TypeBrowserAutomation}, now)
	require.NoError(t, err)

	// First failure: one attempt left, requeued with backoff.
	failed, err := tasks.Fail(ctx, task.ID, backoff, now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	assert.WithinDuration(t, now.Add(backoff), failed.ScheduledAt, time.Second)

	_, err = tasks.Claim(ctx, "w-1", []domain.TaskType{domain.TypeBrowserAutomation}, now.Add(time.Minute))
	require.NoError(t, err)

	// Second failure: budget exhausted, terminal.
	failed, err = tasks.Fail(ctx, task.ID, backoff, now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, 2, failed.Attempts)
	assert.NotNil(t, failed.FailedAt)
}

func TestPostgres_Task_Complete_RejectsNonProcessing(t *testing.T) {
	sessions, tasks := newRepos(t)
	ctx := context.Background()
	sess := seedSession(t, sessions)

	task := makeTask(sess.ID, domain.TypeBrowserAutomation, domain.PriorityMedium)
	require.NoError(t, tasks.Create(ctx, task))

	_, err := tasks.Complete(ctx, task.ID, time.Now().UTC())
	require.Error(t, err)

	var conflict *domain.TaskConflictError
	require.ErrorAs(t, err, &conflict, "completing a PENDING task must conflict")
}

func TestPostgres_Task_RecordResult_ExactlyOnce(t *testing.T) {
	sessions, tasks := newRepos(t)
	ctx := context.Background()
	sess := seedSession(t, sessions)

	task := makeTask(sess.ID, domain.TypeBrowserAutomation, domain.PriorityMedium)
	require.NoError(t, tasks.Create(ctx, task))

	first := &domain.TaskResult{
		ID:         uuid.New().String(),
		TaskID:     task.ID,
		WorkerID:   "w-1",
		Attempt:    1,
		Result:     []byte(`{"ok":true}`),
		DurationMs: 42,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, tasks.RecordResult(ctx, first))

	dup := *first
	dup.ID = uuid.New().String()
	dup.WorkerID = "w-2"
	require.NoError(t, tasks.RecordResult(ctx, &dup), "duplicate write is silently ignored")

	got, err := tasks.GetResult(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "w-1", got.WorkerID, "first writer wins")
}

func TestPostgres_Task_ListStuck(t *testing.T) {
	sessions, tasks := newRepos(t)
	ctx := context.Background()
	sess := seedSession(t, sessions)

	task := makeTask(sess.ID, domain.TypeBrowserAutomation, domain.PriorityMedium)
	require.NoError(t, tasks.Create(ctx, task))

	_, err := tasks.Claim(ctx, "w-dead", []domain.TaskType{domain.TypeBrowserAutomation}, time.Now().UTC())
	require.NoError(t, err)

	stuck, err := tasks.ListStuck(ctx, time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, task.ID, stuck[0].ID)

	stuck, err = tasks.ListStuck(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stuck, "fresh claims are not stuck")
}
