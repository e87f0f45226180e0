package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Hasbicom1/Tagent-sub007/pkg/telemetry"
)

// DefaultBatchWindow is how long a connection's outbox collects messages
// before flushing. Everything queued inside one window leaves as a single
// BATCH frame.
const DefaultBatchWindow = 50 * time.Millisecond

const writeTimeout = 5 * time.Second

// batcher is the per-connection outbox. Messages enqueued within one window
// are coalesced into a BATCH frame; a lone message goes out as-is. Order is
// preserved either way.
type batcher struct {
	conn   Conn
	window time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending [][]byte
	timer   *time.Timer
	closed  bool
}

func newBatcher(conn Conn, window time.Duration, logger *slog.Logger) *batcher {
	if window <= 0 {
		window = DefaultBatchWindow
	}
	return &batcher{conn: conn, window: window, logger: logger}
}

func (b *batcher) enqueue(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.pending = append(b.pending, data)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.flush)
	}
}

func (b *batcher) flush() {
	b.mu.Lock()
	msgs := b.pending
	b.pending = nil
	b.timer = nil
	closed := b.closed
	b.mu.Unlock()

	if closed || len(msgs) == 0 {
		return
	}
	b.send(msgs)
}

// close flushes whatever is still pending, then stops the outbox. The final
// flush matters: a session-ended status frame is often the last message
// queued before the server severs the connection.
func (b *batcher) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	msgs := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if len(msgs) == 0 {
		return
	}
	b.send(msgs)
}

func (b *batcher) send(msgs [][]byte) {
	data, batched := coalesce(msgs)
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := b.conn.Send(ctx, data); err != nil {
		b.logger.Warn("connection write failed", slog.String("error", err.Error()))
		return
	}
	if batched {
		telemetry.RelayBatchesSent.Inc()
	}
	telemetry.RelayEventsDelivered.Add(float64(len(msgs)))
}

func coalesce(msgs [][]byte) (data []byte, batched bool) {
	if len(msgs) == 1 {
		return msgs[0], false
	}
	raws := make([]json.RawMessage, len(msgs))
	total := 0
	for i, m := range msgs {
		raws[i] = m
		total += len(m)
	}
	data, err := json.Marshal(BatchMessage{
		Type:      MsgBatch,
		Messages:  raws,
		BatchID:   uuid.New().String(),
		Count:     len(msgs),
		TotalSize: total,
	})
	if err != nil {
		// Raw messages are already valid JSON; this cannot fail.
		return msgs[0], false
	}
	return data, true
}
