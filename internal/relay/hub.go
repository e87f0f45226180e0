package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
	"github.com/Hasbicom1/Tagent-sub007/internal/token"
	"github.com/Hasbicom1/Tagent-sub007/pkg/telemetry"
)

// Conn is the write half of a WebSocket connection as the hub sees it. The
// gateway wraps the real socket; tests substitute fakes.
type Conn interface {
	Send(ctx context.Context, data []byte) error
	Close(reason string) error
}

// SessionChecker validates that a session is still live during
// authentication. Satisfied by session.Store.
type SessionChecker interface {
	Get(ctx context.Context, id string) (*domain.Session, error)
}

type subKey struct {
	Type   SubscriptionType
	Target string
}

type connection struct {
	id            string
	agentID       string
	sessionID     string
	authenticated bool
	subs          map[subKey]struct{}
	outbox        *batcher
	conn          Conn
}

// Hub owns per-connection state and channel membership for one instance.
// Subscriptions are in-memory only; a reconnecting client re-authenticates
// and re-subscribes.
type Hub struct {
	tokens   *token.Manager
	sessions SessionChecker
	window   time.Duration
	logger   *slog.Logger

	mu    sync.RWMutex
	conns map[string]*connection
	bySub map[subKey]map[string]*connection
}

// NewHub wires a subscription hub. batchWindow <= 0 selects
// DefaultBatchWindow.
func NewHub(tokens *token.Manager, sessions SessionChecker, batchWindow time.Duration, logger *slog.Logger) *Hub {
	return &Hub{
		tokens:   tokens,
		sessions: sessions,
		window:   batchWindow,
		logger:   logger,
		conns:    map[string]*connection{},
		bySub:    map[subKey]map[string]*connection{},
	}
}

// Register adds a new, unauthenticated connection.
func (h *Hub) Register(id string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[id] = &connection{
		id:     id,
		subs:   map[subKey]struct{}{},
		outbox: newBatcher(c, h.window, h.logger.With(slog.String("connection_id", id))),
		conn:   c,
	}
	telemetry.GatewayWSConnections.Inc()
}

// Authenticate verifies the session token, checks it matches the presented
// agent and a still-live session, then auto-subscribes the connection to its
// own AGENT and SESSION channels. Returns the session ID the connection is
// now bound to.
func (h *Hub) Authenticate(ctx context.Context, connID, sessionToken, agentID string) (string, error) {
	sessionID, tokenAgent, err := h.tokens.Verify(sessionToken)
	if err != nil {
		return "", err
	}
	if tokenAgent != agentID {
		return "", &domain.AuthError{Reason: "token was not issued for this agent"}
	}

	// The token outliving the session is impossible (same expiry), but a
	// revoked session keeps a valid token; the live check catches that.
	sess, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.AgentID != agentID {
		return "", &domain.AuthError{Reason: "session is bound to a different agent"}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[connID]
	if !ok {
		return "", &domain.ConnectionNotFoundError{ConnectionID: connID}
	}
	conn.authenticated = true
	conn.agentID = agentID
	conn.sessionID = sessionID
	h.addSub(conn, subKey{SubAgent, agentID})
	h.addSub(conn, subKey{SubSession, sessionID})
	return sessionID, nil
}

// Subscribe registers interest in a channel. Subscribing twice to the same
// (type, target) is a no-op. Requires prior authentication.
func (h *Hub) Subscribe(connID string, typ SubscriptionType, targetID string) error {
	if !ValidSubscriptionType(typ) {
		return &domain.ValidationError{Field: "subscriptionType", Reason: "unknown type " + string(typ)}
	}
	if targetID == "" {
		return &domain.ValidationError{Field: "targetId", Reason: "must not be empty"}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[connID]
	if !ok {
		return &domain.ConnectionNotFoundError{ConnectionID: connID}
	}
	if !conn.authenticated {
		return &domain.NotAuthenticatedError{ConnectionID: connID}
	}
	h.addSub(conn, subKey{typ, targetID})
	return nil
}

// Unsubscribe removes interest in a channel. Removing an absent subscription
// is a no-op.
func (h *Hub) Unsubscribe(connID string, typ SubscriptionType, targetID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[connID]
	if !ok {
		return &domain.ConnectionNotFoundError{ConnectionID: connID}
	}
	h.removeSub(conn, subKey{typ, targetID})
	return nil
}

// Disconnect removes the connection and every subscription it held, then
// closes the socket. Safe to call twice.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	conn, ok := h.conns[connID]
	if ok {
		for key := range conn.subs {
			h.removeSub(conn, key)
		}
		delete(h.conns, connID)
		telemetry.GatewayWSConnections.Dec()
	}
	h.mu.Unlock()

	if ok {
		conn.outbox.close()
		_ = conn.conn.Close("")
	}
}

// Deliver routes an event to every locally-connected subscriber. A connection
// whose subscriptions overlap the event's channels still receives exactly one
// copy. Returns how many connections were addressed.
func (h *Hub) Deliver(ev domain.Event) int {
	data, err := EncodeEvent(ev)
	if err != nil {
		h.logger.Error("event encode failed", slog.String("error", err.Error()))
		return 0
	}

	routing := ev.Routing()
	keys := make([]subKey, 0, 3)
	if routing.TaskID != "" {
		keys = append(keys, subKey{SubTask, routing.TaskID})
	}
	if routing.SessionID != "" {
		keys = append(keys, subKey{SubSession, routing.SessionID})
	}
	if routing.AgentID != "" {
		keys = append(keys, subKey{SubAgent, routing.AgentID})
	}

	h.mu.RLock()
	audience := map[string]*connection{}
	for _, key := range keys {
		for id, conn := range h.bySub[key] {
			audience[id] = conn
		}
	}
	h.mu.RUnlock()

	for _, conn := range audience {
		conn.outbox.enqueue(data)
	}

	// A session leaving active severs its channel: subscribers have their
	// final status frame queued, and nothing further will ever flow on it.
	if ss, ok := ev.(*domain.SessionStatusEvent); ok && !ss.IsActive {
		h.DropSession(ss.SessionID)
	}
	return len(audience)
}

// DropSession tears down a session's channel once the session is no longer
// active. Connections authenticated against it are disconnected (pending
// frames flush first); other connections merely watching the channel lose
// that one subscription and stay up. Runs for local and peer-delivered
// events alike, since both pass through Deliver.
func (h *Hub) DropSession(sessionID string) {
	key := subKey{SubSession, sessionID}

	h.mu.Lock()
	doomed := make([]string, 0, 1)
	for id, conn := range h.conns {
		if conn.sessionID == sessionID {
			doomed = append(doomed, id)
		}
	}
	for _, conn := range h.bySub[key] {
		if conn.sessionID == sessionID {
			continue // disconnected below, cascades all its subscriptions
		}
		h.removeSub(conn, key)
	}
	h.mu.Unlock()

	for _, id := range doomed {
		h.logger.Info("session ended, dropping connection",
			slog.String("connection_id", id),
			slog.String("session_id", sessionID))
		h.Disconnect(id)
	}
}

// caller holds h.mu.
func (h *Hub) addSub(conn *connection, key subKey) {
	if _, exists := conn.subs[key]; exists {
		return
	}
	conn.subs[key] = struct{}{}
	set, ok := h.bySub[key]
	if !ok {
		set = map[string]*connection{}
		h.bySub[key] = set
	}
	set[conn.id] = conn
}

// caller holds h.mu.
func (h *Hub) removeSub(conn *connection, key subKey) {
	delete(conn.subs, key)
	if set, ok := h.bySub[key]; ok {
		delete(set, conn.id)
		if len(set) == 0 {
			delete(h.bySub, key)
		}
	}
}
