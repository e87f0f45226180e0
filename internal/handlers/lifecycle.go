package handlers

import (
	"context"
	"log/slog"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
)

// SessionStartHandler tells the engine to provision a browser context for a
// freshly created session. Enqueued at HIGH priority right after payment so
// the browser is warm before the first instruction arrives.
type SessionStartHandler struct {
	engine *EngineClient
	logger *slog.Logger
}

// NewSessionStartHandler wires the handler for SESSION_START tasks.
func NewSessionStartHandler(engine *EngineClient, logger *slog.Logger) *SessionStartHandler {
	return &SessionStartHandler{engine: engine, logger: logger}
}

type lifecycleRequest struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
}

func (h *SessionStartHandler) Handle(ctx context.Context, task *domain.Task) (*Result, error) {
	h.logger.Info("provisioning engine session", slog.String("session_id", task.SessionID))
	resp, err := h.engine.post(ctx, "/api/v1/sessions", lifecycleRequest{
		SessionID: task.SessionID,
		AgentID:   task.AgentID,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Data: resp.Data, Logs: resp.Logs}, nil
}

// SessionEndHandler tells the engine to tear a session's browser context
// down. Enqueued by the TTL monitor when the session leaves active, and on
// explicit revoke.
type SessionEndHandler struct {
	engine *EngineClient
	logger *slog.Logger
}

// NewSessionEndHandler wires the handler for SESSION_END tasks.
func NewSessionEndHandler(engine *EngineClient, logger *slog.Logger) *SessionEndHandler {
	return &SessionEndHandler{engine: engine, logger: logger}
}

func (h *SessionEndHandler) Handle(ctx context.Context, task *domain.Task) (*Result, error) {
	h.logger.Info("tearing engine session down", slog.String("session_id", task.SessionID))
	resp, err := h.engine.post(ctx, "/api/v1/sessions/"+task.SessionID+"/teardown", lifecycleRequest{
		SessionID: task.SessionID,
		AgentID:   task.AgentID,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Data: resp.Data, Logs: resp.Logs}, nil
}
