package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
	"github.com/Hasbicom1/Tagent-sub007/internal/handlers"
)

type completion struct {
	taskID     string
	workerID   string
	result     json.RawMessage
	logs       []string
	durationMs int64
}

type failure struct {
	taskID   string
	workerID string
	errMsg   string
	logs     []string
}

type fakeQueue struct {
	mu          sync.Mutex
	pending     []*domain.Task
	completions []completion
	failures    []failure
	claimErr    error
}

func (q *fakeQueue) push(t *domain.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, t)
}

func (q *fakeQueue) Claim(_ context.Context, workerID string, types []domain.TaskType) (*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claimErr != nil {
		return nil, q.claimErr
	}
	for i, t := range q.pending {
		for _, typ := range types {
			if t.Type == typ {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				t.Status = domain.StatusProcessing
				t.LockedBy = workerID
				return t, nil
			}
		}
	}
	return nil, nil
}

func (q *fakeQueue) Complete(_ context.Context, taskID, workerID string, result json.RawMessage, logs []string, durationMs int64) (*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completions = append(q.completions, completion{taskID, workerID, result, logs, durationMs})
	return &domain.Task{ID: taskID, Status: domain.StatusCompleted}, nil
}

func (q *fakeQueue) Fail(_ context.Context, taskID, workerID, errMsg, _ string, logs []string, _ int64) (*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failures = append(q.failures, failure{taskID, workerID, errMsg, logs})
	return &domain.Task{ID: taskID, Status: domain.StatusPending}, nil
}

func (q *fakeQueue) reported() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.completions) + len(q.failures)
}

type stubHandler struct {
	result *handlers.Result
	err    error
}

func (h *stubHandler) Handle(context.Context, *domain.Task) (*handlers.Result, error) {
	return h.result, h.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runUntil(t *testing.T, r *Runner, q *fakeQueue, reports int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return q.reported() >= reports },
		2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}

func TestRunCompletesTask(t *testing.T) {
	q := &fakeQueue{}
	q.push(&domain.Task{ID: "t1", Type: domain.TypeBrowserAutomation, Status: domain.StatusPending})

	reg := handlers.NewRegistry()
	reg.Register(domain.TypeBrowserAutomation, &stubHandler{
		result: &handlers.Result{Data: json.RawMessage(`{"ok":true}`), Logs: []string{"navigated"}},
	})

	r := New(q, reg, "w-1", time.Millisecond, 1, testLogger(), nil)
	runUntil(t, r, q, 1)

	require.Len(t, q.completions, 1)
	require.Empty(t, q.failures)
	c := q.completions[0]
	require.Equal(t, "t1", c.taskID)
	require.Equal(t, "w-1", c.workerID)
	require.JSONEq(t, `{"ok":true}`, string(c.result))
	require.Equal(t, []string{"navigated"}, c.logs)
}

func TestRunReportsHandlerFailureWithLogs(t *testing.T) {
	q := &fakeQueue{}
	q.push(&domain.Task{ID: "t1", Type: domain.TypeBrowserAutomation, Status: domain.StatusPending})

	reg := handlers.NewRegistry()
	reg.Register(domain.TypeBrowserAutomation, &stubHandler{
		result: &handlers.Result{Logs: []string{"click timed out"}},
		err:    errors.New("engine: element not found"),
	})

	r := New(q, reg, "w-1", time.Millisecond, 1, testLogger(), nil)
	runUntil(t, r, q, 1)

	require.Empty(t, q.completions)
	require.Len(t, q.failures, 1)
	f := q.failures[0]
	require.Equal(t, "t1", f.taskID)
	require.Equal(t, "engine: element not found", f.errMsg)
	require.Equal(t, []string{"click timed out"}, f.logs)
}

func TestRunReportsLifecycleFailure(t *testing.T) {
	q := &fakeQueue{}
	q.push(&domain.Task{ID: "t1", Type: domain.TypeSessionEnd, Status: domain.StatusPending})

	reg := handlers.NewRegistry()
	reg.Register(domain.TypeSessionEnd, &stubHandler{err: errors.New("teardown refused")})

	r := New(q, reg, "w-1", time.Millisecond, 1, testLogger(), nil)
	runUntil(t, r, q, 1)

	require.Len(t, q.failures, 1)
	require.Equal(t, "teardown refused", q.failures[0].errMsg)
}

func TestRunClaimsOnlyRegisteredTypes(t *testing.T) {
	q := &fakeQueue{}
	q.push(&domain.Task{ID: "t-other", Type: domain.TypeSessionStart, Status: domain.StatusPending})
	q.push(&domain.Task{ID: "t-auto", Type: domain.TypeBrowserAutomation, Status: domain.StatusPending})

	reg := handlers.NewRegistry()
	reg.Register(domain.TypeBrowserAutomation, &stubHandler{result: &handlers.Result{}})

	r := New(q, reg, "w-1", time.Millisecond, 1, testLogger(), nil)
	runUntil(t, r, q, 1)

	require.Len(t, q.completions, 1)
	require.Equal(t, "t-auto", q.completions[0].taskID)

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.pending, 1, "unregistered type must stay queued")
}

func TestRunProcessesConcurrently(t *testing.T) {
	q := &fakeQueue{}
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		q.push(&domain.Task{ID: id, Type: domain.TypeBrowserAutomation, Status: domain.StatusPending})
	}

	// Two handlers must be inside Handle at the same time for release to fire.
	var mu sync.Mutex
	inside := 0
	release := make(chan struct{})
	reg := handlers.NewRegistry()
	reg.Register(domain.TypeBrowserAutomation, handlerFunc(func(ctx context.Context, _ *domain.Task) (*handlers.Result, error) {
		mu.Lock()
		inside++
		if inside == 2 {
			close(release)
		}
		mu.Unlock()
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &handlers.Result{}, nil
	}))

	r := New(q, reg, "w-1", time.Millisecond, 2, testLogger(), nil)
	runUntil(t, r, q, 4)
	require.Len(t, q.completions, 4)
}

type handlerFunc func(context.Context, *domain.Task) (*handlers.Result, error)

func (f handlerFunc) Handle(ctx context.Context, task *domain.Task) (*handlers.Result, error) {
	return f(ctx, task)
}

func TestRunSurvivesClaimErrors(t *testing.T) {
	q := &fakeQueue{claimErr: errors.New("connection refused")}

	reg := handlers.NewRegistry()
	reg.Register(domain.TypeBrowserAutomation, &stubHandler{result: &handlers.Result{}})

	r := New(q, reg, "w-1", time.Millisecond, 1, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	q.mu.Lock()
	q.claimErr = nil
	q.mu.Unlock()
	q.push(&domain.Task{ID: "t1", Type: domain.TypeBrowserAutomation, Status: domain.StatusPending})

	require.Eventually(t, func() bool { return q.reported() == 1 },
		2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	require.Len(t, q.completions, 1)
}
