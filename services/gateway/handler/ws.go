package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
	"github.com/Hasbicom1/Tagent-sub007/internal/redis"
	"github.com/Hasbicom1/Tagent-sub007/internal/relay"
	"github.com/Hasbicom1/Tagent-sub007/internal/token"
	"github.com/Hasbicom1/Tagent-sub007/pkg/telemetry"
)

const (
	heartbeatInterval = 30 * time.Second
	heartbeatTimeout  = 10 * time.Second
	maxMissedPings    = 3

	// Producer frames carry base64 screenshots; subscriber messages are tiny.
	frameReadLimit      = 10 << 20
	subscriberReadLimit = 32 << 10
)

// statusAuthFailed is the application close code for a rejected AUTHENTICATE.
// The client reconnects with a fresh token instead of retrying on the same
// socket.
const statusAuthFailed = websocket.StatusCode(4001)

// WS handles the real-time surface: /ws for event subscribers and /ws/frames
// for the frame producer/viewer pair.
type WS struct {
	hub     *relay.Hub
	frames  *relay.FrameRelay
	tokens  *token.Manager
	limiter redis.RateLimiter
	logger  *slog.Logger
}

// NewWS creates a new WebSocket handler.
func NewWS(hub *relay.Hub, frames *relay.FrameRelay, tokens *token.Manager, limiter redis.RateLimiter, logger *slog.Logger) *WS {
	return &WS{hub: hub, frames: frames, tokens: tokens, limiter: limiter, logger: logger}
}

// wsConn adapts a websocket connection to the relay's Conn interface.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

// HandleWS handles GET /ws: registers the connection, then serves the
// SUBSCRIBE/AUTHENTICATE protocol until the client goes away or the
// heartbeat gives up on it.
func (h *WS) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("ws accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(subscriberReadLimit)

	connID := uuid.New().String()
	wc := &wsConn{conn: conn}
	logger := h.logger.With(slog.String("connection_id", connID))

	h.hub.Register(connID, wc)
	defer h.hub.Disconnect(connID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.sendControl(ctx, wc, relay.ControlMessage{
		Type:   relay.MsgConnectionStatus,
		Status: "connected",
	})

	go h.heartbeat(ctx, conn, connID, logger)

	// agentID is set once AUTHENTICATE succeeds; until then the rate limiter
	// keys on the connection itself.
	var agentID string

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			logger.Debug("ws read ended", slog.String("error", err.Error()))
			return
		}

		limitKey := agentID
		if limitKey == "" {
			limitKey = connID
		}
		if allowed, err := h.limiter.Allow(ctx, limitKey); err != nil {
			// Redis trouble must not take the socket down; fail open.
			logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
		} else if !allowed {
			telemetry.GatewayWSRateLimited.Inc()
			h.sendControl(ctx, wc, relay.ControlMessage{
				Type:  relay.MsgError,
				Error: "rate limit exceeded",
				Code:  "RATE_LIMITED",
			})
			continue
		}

		var msg relay.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendControl(ctx, wc, relay.ControlMessage{
				Type:  relay.MsgError,
				Error: "malformed message",
				Code:  "BAD_MESSAGE",
			})
			continue
		}

		switch msg.Type {
		case relay.MsgPing:
			h.sendControl(ctx, wc, relay.ControlMessage{Type: relay.MsgPong})

		case relay.MsgAuthenticate:
			_, err := h.hub.Authenticate(ctx, connID, msg.SessionToken, msg.AgentID)
			if err != nil {
				logger.Info("authentication rejected", slog.String("error", err.Error()))
				h.sendControl(ctx, wc, relay.ControlMessage{
					Type:  relay.MsgError,
					Error: err.Error(),
					Code:  "AUTH_FAILED",
				})
				// A failed AUTHENTICATE ends the connection.
				_ = conn.Close(statusAuthFailed, "authentication failed")
				return
			}
			agentID = msg.AgentID
			h.sendControl(ctx, wc, relay.ControlMessage{Type: relay.MsgAuthenticated})

		case relay.MsgSubscribe:
			if err := h.hub.Subscribe(connID, msg.SubscriptionType, msg.TargetID); err != nil {
				h.sendControl(ctx, wc, h.subscribeError(err))
				continue
			}
			h.sendControl(ctx, wc, relay.ControlMessage{
				Type:             relay.MsgSubscribed,
				SubscriptionType: msg.SubscriptionType,
				TargetID:         msg.TargetID,
			})

		case relay.MsgUnsubscribe:
			if err := h.hub.Unsubscribe(connID, msg.SubscriptionType, msg.TargetID); err != nil {
				h.sendControl(ctx, wc, h.subscribeError(err))
				continue
			}
			h.sendControl(ctx, wc, relay.ControlMessage{
				Type:             relay.MsgUnsubscribed,
				SubscriptionType: msg.SubscriptionType,
				TargetID:         msg.TargetID,
			})

		default:
			h.sendControl(ctx, wc, relay.ControlMessage{
				Type:  relay.MsgError,
				Error: "unknown message type " + string(msg.Type),
				Code:  "BAD_MESSAGE",
			})
		}
	}
}

// heartbeat pings the client on an interval; maxMissedPings consecutive
// failures force a disconnect, cascading the hub cleanup.
func (h *WS) heartbeat(ctx context.Context, conn *websocket.Conn, connID string, logger *slog.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err == nil {
				missed = 0
				continue
			}
			missed++
			if missed >= maxMissedPings {
				logger.Info("heartbeat gave up, disconnecting",
					slog.Int("missed", missed))
				h.hub.Disconnect(connID)
				return
			}
		}
	}
}

// HandleFrames handles GET /ws/frames?role=producer|viewer&sessionId=…
// The engine connects as producer; a client watching the live viewport
// connects as viewer with its session token. Latest viewer wins.
func (h *WS) HandleFrames(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	switch role {
	case "producer":
		h.handleFrameProducer(w, r, sessionID)
	case "viewer":
		h.handleFrameViewer(w, r, sessionID)
	default:
		http.Error(w, "role must be producer or viewer", http.StatusBadRequest)
	}
}

func (h *WS) handleFrameProducer(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(frameReadLimit)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame relay.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Warn("malformed frame dropped",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		frame.SessionID = sessionID
		_ = h.frames.Forward(ctx, frame)
	}
}

func (h *WS) handleFrameViewer(w http.ResponseWriter, r *http.Request, sessionID string) {
	// Viewers authenticate with their session token; the frame stream shows
	// everything the agent does.
	sid, _, err := h.tokens.Verify(r.URL.Query().Get("token"))
	if err != nil || sid != sessionID {
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	wc := &wsConn{conn: conn}

	h.frames.RegisterViewer(sessionID, wc)
	defer h.frames.RemoveViewer(sessionID, wc)

	// Viewers only receive; the read loop exists to notice the disconnect.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func (h *WS) subscribeError(err error) relay.ControlMessage {
	code := "SUBSCRIBE_FAILED"
	var notAuth *domain.NotAuthenticatedError
	if errors.As(err, &notAuth) {
		code = "NOT_AUTHENTICATED"
	}
	return relay.ControlMessage{
		Type:  relay.MsgError,
		Error: err.Error(),
		Code:  code,
	}
}

func (h *WS) sendControl(ctx context.Context, wc *wsConn, msg relay.ControlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wc.Send(sendCtx, data); err != nil {
		h.logger.Debug("control send failed", slog.String("error", err.Error()))
	}
}
