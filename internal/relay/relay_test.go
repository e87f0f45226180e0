package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
	"github.com/Hasbicom1/Tagent-sub007/internal/kafka"
)

type published struct {
	topic string
	key   string
	value []byte
}

type fakeProducer struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakeProducer) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	p.msgs = append(p.msgs, published{topic: topic, key: key, value: cp})
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]published, len(p.msgs))
	copy(out, p.msgs)
	return out
}

// fakeConsumer replays preloaded messages through the handler, then returns.
type fakeConsumer struct {
	msgs []kafka.Message
}

func (c *fakeConsumer) Subscribe(ctx context.Context, handler kafka.HandlerFunc) error {
	for _, m := range c.msgs {
		if err := handler(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeConsumer) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishDeliversLocallyAndToBroker(t *testing.T) {
	h := newHubHarness(t)
	conn := h.authConn(t, "c1", "sess-1", "agent-1")

	producer := &fakeProducer{}
	r := New(h.hub, producer, "instance-a", discardLogger())

	ev := statusEvent("task-1", "sess-1", "agent-1")
	r.Publish(context.Background(), ev)

	// Local subscriber gets the event.
	waitMessages(t, conn, 1)

	// Broker gets one envelope keyed by the task id.
	msgs := producer.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, kafka.TopicEvents, msgs[0].topic)
	assert.Equal(t, "task-1", msgs[0].key)

	var env envelope
	require.NoError(t, json.Unmarshal(msgs[0].value, &env))
	assert.Equal(t, "instance-a", env.Origin)
	assert.Equal(t, domain.EventTaskStatus, env.Type)
}

func TestPublishSurvivesBrokerFailure(t *testing.T) {
	h := newHubHarness(t)
	conn := h.authConn(t, "c1", "sess-1", "agent-1")

	producer := &fakeProducer{err: errors.New("broker down")}
	r := New(h.hub, producer, "instance-a", discardLogger())

	r.Publish(context.Background(), statusEvent("task-1", "sess-1", "agent-1"))

	// Local delivery is unaffected by the broker being down.
	waitMessages(t, conn, 1)
}

func TestPublishWithoutHubIsBrokerOnly(t *testing.T) {
	producer := &fakeProducer{}
	r := New(nil, producer, "runner-1", discardLogger())

	r.Publish(context.Background(), statusEvent("task-1", "sess-1", "agent-1"))

	require.Len(t, producer.all(), 1)
}

func TestPeerSyncDeliversForeignEnvelopes(t *testing.T) {
	h := newHubHarness(t)
	conn := h.authConn(t, "c1", "sess-1", "agent-1")

	// Build envelopes as a peer instance would.
	peerProducer := &fakeProducer{}
	peer := New(nil, peerProducer, "instance-b", discardLogger())
	peer.Publish(context.Background(), statusEvent("task-1", "sess-1", "agent-1"))
	peerMsgs := peerProducer.all()
	require.Len(t, peerMsgs, 1)

	r := New(h.hub, &fakeProducer{}, "instance-a", discardLogger())
	consumer := &fakeConsumer{msgs: []kafka.Message{
		{Topic: kafka.TopicEvents, Key: []byte("task-1"), Value: peerMsgs[0].value},
	}}
	require.NoError(t, r.RunPeerSync(context.Background(), consumer))

	msgs := waitMessages(t, conn, 1)
	var got domain.TaskStatusEvent
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.Equal(t, "task-1", got.TaskID)
}

func TestPeerSyncDropsOwnOrigin(t *testing.T) {
	h := newHubHarness(t)
	conn := h.authConn(t, "c1", "sess-1", "agent-1")

	ownProducer := &fakeProducer{}
	r := New(nil, ownProducer, "instance-a", discardLogger())
	r.Publish(context.Background(), statusEvent("task-1", "sess-1", "agent-1"))
	own := ownProducer.all()
	require.Len(t, own, 1)

	// The same instance id consumes its own envelope: it must not re-deliver.
	consumerSide := New(h.hub, &fakeProducer{}, "instance-a", discardLogger())
	consumer := &fakeConsumer{msgs: []kafka.Message{
		{Topic: kafka.TopicEvents, Value: own[0].value},
	}}
	require.NoError(t, consumerSide.RunPeerSync(context.Background(), consumer))

	assert.Empty(t, conn.messages())
}

func TestPeerSyncSkipsMalformedEnvelopes(t *testing.T) {
	r := New(nil, &fakeProducer{}, "instance-a", discardLogger())
	consumer := &fakeConsumer{msgs: []kafka.Message{
		{Topic: kafka.TopicEvents, Value: []byte("not json")},
		{Topic: kafka.TopicEvents, Value: []byte(`{"origin":"b","type":"NO_SUCH","event":{}}`)},
	}}
	// Poison messages are committed and skipped, not returned as errors.
	require.NoError(t, r.RunPeerSync(context.Background(), consumer))
}
