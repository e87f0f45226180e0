//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
	"github.com/Hasbicom1/Tagent-sub007/internal/kafka"
	"github.com/Hasbicom1/Tagent-sub007/internal/postgres"
	"github.com/Hasbicom1/Tagent-sub007/internal/queue"
	redisstore "github.com/Hasbicom1/Tagent-sub007/internal/redis"
	"github.com/Hasbicom1/Tagent-sub007/internal/relay"
	"github.com/Hasbicom1/Tagent-sub007/internal/session"
	"github.com/Hasbicom1/Tagent-sub007/internal/token"
)

// recordConn is an in-memory relay.Conn capturing everything the hub sends.
type recordConn struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *recordConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.msgs = append(c.msgs, cp)
	return nil
}

func (c *recordConn) Close(string) error { return nil }

// eventTypes returns the type field of every received frame, unpacking BATCH
// envelopes in order.
func (c *recordConn) eventTypes(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var types []string
	for _, raw := range c.msgs {
		var head struct {
			Type     string            `json:"type"`
			Messages []json.RawMessage `json:"messages"`
		}
		require.NoError(t, json.Unmarshal(raw, &head))
		if head.Type != string(relay.MsgBatch) {
			types = append(types, head.Type)
			continue
		}
		for _, m := range head.Messages {
			var inner struct {
				Type string `json:"type"`
			}
			require.NoError(t, json.Unmarshal(m, &inner))
			types = append(types, inner.Type)
		}
	}
	return types
}

type instance struct {
	hub   *relay.Hub
	relay *relay.Relay
	store *session.Store
	queue *queue.Queue
}

type storeGetter struct {
	store **session.Store
}

func (g storeGetter) Get(ctx context.Context, id string) (*domain.Session, error) {
	return (*g.store).Get(ctx, id)
}

// newInstance wires one gateway-shaped stack against the shared containers.
func newInstance(t *testing.T, instanceID string) *instance {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	redisClient := redisstore.NewClient(testRedisAddr)
	t.Cleanup(func() { redisClient.Close() }) //nolint:errcheck
	cache := redisstore.NewCache(redisClient)

	tokens, err := token.NewManager("integration-secret", "tagent")
	require.NoError(t, err)

	producer := kafka.NewProducer(testKafkaBrokers)
	t.Cleanup(func() { producer.Close() }) //nolint:errcheck

	var store *session.Store
	hub := relay.NewHub(tokens, storeGetter{&store}, 5*time.Millisecond, logger)
	broadcast := relay.New(hub, producer, instanceID, logger)
	store = session.NewStore(postgres.NewSessionRepository(pool), cache, tokens, broadcast, logger, nil)
	q := queue.New(postgres.NewTaskRepository(pool), cache, broadcast, logger, time.Second, nil)

	return &instance{hub: hub, relay: broadcast, store: store, queue: q}
}

func cleanTables(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	defer pool.Close()
	pool.Exec(ctx, "TRUNCATE task_results, tasks, sessions CASCADE") //nolint:errcheck
}

// TestE2E_TaskLifecycle drives the full flow on one instance: session
// creation, an authenticated subscriber, and a task going enqueue → claim →
// progress → complete, with every transition arriving on the connection.
func TestE2E_TaskLifecycle(t *testing.T) {
	t.Cleanup(func() { cleanTables(t) })
	ctx := context.Background()
	inst := newInstance(t, "itest-a")

	sess, sessionToken, err := inst.store.Create(ctx, "user-e2e", "agent-e2e", nil)
	require.NoError(t, err)

	conn := &recordConn{}
	inst.hub.Register("c1", conn)
	defer inst.hub.Disconnect("c1")

	gotSessionID, err := inst.hub.Authenticate(ctx, "c1", sessionToken, "agent-e2e")
	require.NoError(t, err)
	require.Equal(t, sess.ID, gotSessionID)

	task, err := inst.queue.Enqueue(ctx, queue.EnqueueRequest{
		SessionID: sess.ID,
		AgentID:   "agent-e2e",
		Type:      domain.TypeBrowserAutomation,
		Payload:   json.RawMessage(`{"instruction":"open example.com"}`),
		Priority:  domain.PriorityHigh,
	})
	require.NoError(t, err)

	claimed, err := inst.queue.Claim(ctx, "w-e2e", []domain.TaskType{domain.TypeBrowserAutomation})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, task.ID, claimed.ID)

	require.NoError(t, inst.queue.Progress(ctx, task.ID, redisstore.Progress{
		Progress: 50, Stage: "navigating",
	}))

	_, err = inst.queue.Complete(ctx, task.ID, "w-e2e",
		json.RawMessage(`{"title":"Example Domain"}`), []string{"page loaded"}, 120)
	require.NoError(t, err)

	// Four event frames plus the broker round trips; the batcher may coalesce.
	require.Eventually(t, func() bool {
		return len(conn.eventTypes(t)) >= 4
	}, 5*time.Second, 20*time.Millisecond)

	types := conn.eventTypes(t)
	assert.Equal(t, []string{"TASK_STATUS", "TASK_STATUS", "TASK_PROGRESS", "TASK_STATUS"}, types[:4])

	status, err := inst.queue.GetStatus(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, status.Task.Status)
	require.NotNil(t, status.Result)
	assert.JSONEq(t, `{"title":"Example Domain"}`, string(status.Result.Result))
}

// TestE2E_CrossInstanceFanOut verifies that an event published on one
// instance reaches a subscriber connected to another via the broker.
func TestE2E_CrossInstanceFanOut(t *testing.T) {
	t.Cleanup(func() { cleanTables(t) })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	createTopic(t, kafka.TopicEvents)

	instB := newInstance(t, "itest-b")
	groupID := fmt.Sprintf("relay-itest-b-%d", time.Now().UnixNano())
	consumerB := kafka.NewConsumer(testKafkaBrokers, kafka.TopicEvents, groupID, logger)
	t.Cleanup(func() { consumerB.Close() }) //nolint:errcheck
	go instB.relay.RunPeerSync(ctx, consumerB) //nolint:errcheck

	sess, sessionToken, err := instB.store.Create(ctx, "user-fan", "agent-fan", nil)
	require.NoError(t, err)

	conn := &recordConn{}
	instB.hub.Register("cb", conn)
	defer instB.hub.Disconnect("cb")
	_, err = instB.hub.Authenticate(ctx, "cb", sessionToken, "agent-fan")
	require.NoError(t, err)

	// Instance A has no local connections; its events only travel the broker.
	producerA := kafka.NewProducer(testKafkaBrokers)
	t.Cleanup(func() { producerA.Close() }) //nolint:errcheck
	relayA := relay.New(nil, producerA, "itest-a", logger)

	// The consumer group starts at the last offset, so publish until the
	// subscriber is provably attached and receiving.
	require.Eventually(t, func() bool {
		relayA.Publish(ctx, &domain.SessionStatusEvent{
			SessionID: sess.ID,
			AgentID:   "agent-fan",
			IsActive:  true,
			ExpiresAt: sess.ExpiresAt,
			Timestamp: time.Now().UTC(),
		})
		for _, typ := range conn.eventTypes(t) {
			if typ == "SESSION_STATUS" {
				return true
			}
		}
		return false
	}, 30*time.Second, 500*time.Millisecond)
}
