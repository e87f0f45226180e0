package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Hasbicom1/Tagent-sub007/pkg/telemetry"
)

// Frame is one live viewport snapshot pushed by the automation engine.
type Frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// FrameType tags frame envelopes on the wire.
const FrameType = "frame"

// FrameRelay forwards live frames to at most one viewer per session, latest
// registration wins. Frames with no viewer are dropped on the floor: a frame
// stream is only ever interesting live, so there is no buffering and no
// backpressure.
type FrameRelay struct {
	logger *slog.Logger

	mu      sync.RWMutex
	viewers map[string]Conn
}

// NewFrameRelay creates an empty frame relay.
func NewFrameRelay(logger *slog.Logger) *FrameRelay {
	return &FrameRelay{logger: logger, viewers: map[string]Conn{}}
}

// RegisterViewer makes c the session's viewer, closing and replacing any
// previous one.
func (f *FrameRelay) RegisterViewer(sessionID string, c Conn) {
	f.mu.Lock()
	prev := f.viewers[sessionID]
	f.viewers[sessionID] = c
	f.mu.Unlock()

	if prev != nil && prev != c {
		_ = prev.Close("replaced by newer viewer")
	}
}

// RemoveViewer detaches c if it is still the session's current viewer. A
// viewer that was already replaced is left alone.
func (f *FrameRelay) RemoveViewer(sessionID string, c Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.viewers[sessionID] == c {
		delete(f.viewers, sessionID)
	}
}

// Forward pushes one frame to the session's viewer, or drops it when nobody
// is watching.
func (f *FrameRelay) Forward(ctx context.Context, frame Frame) error {
	frame.Type = FrameType
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now().UTC()
	}

	f.mu.RLock()
	viewer := f.viewers[frame.SessionID]
	f.mu.RUnlock()

	if viewer == nil {
		telemetry.RelayFramesDropped.Inc()
		return nil
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := viewer.Send(ctx, data); err != nil {
		f.logger.Warn("frame forward failed",
			slog.String("session_id", frame.SessionID),
			slog.String("error", err.Error()),
		)
		return err
	}
	telemetry.RelayFramesForwarded.Inc()
	return nil
}
