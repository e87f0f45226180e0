package handlers

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
)

// AutomationHandler forwards BROWSER_AUTOMATION payloads to the engine's
// execute endpoint and returns its result verbatim. Transient engine failures
// surface as errors so the queue can retry with backoff.
type AutomationHandler struct {
	engine *EngineClient
	logger *slog.Logger
}

// NewAutomationHandler wires the handler for BROWSER_AUTOMATION tasks.
func NewAutomationHandler(engine *EngineClient, logger *slog.Logger) *AutomationHandler {
	return &AutomationHandler{engine: engine, logger: logger}
}

type executeRequest struct {
	TaskID    string          `json:"taskId"`
	SessionID string          `json:"sessionId"`
	AgentID   string          `json:"agentId"`
	Payload   json.RawMessage `json:"payload"`
}

func (h *AutomationHandler) Handle(ctx context.Context, task *domain.Task) (*Result, error) {
	h.logger.Info("forwarding automation task to engine",
		slog.String("task_id", task.ID),
		slog.String("session_id", task.SessionID),
	)

	resp, err := h.engine.post(ctx, "/api/v1/execute", executeRequest{
		TaskID:    task.ID,
		SessionID: task.SessionID,
		AgentID:   task.AgentID,
		Payload:   task.Payload,
	})
	if err != nil {
		// Engine logs still belong with the failure report when we have them.
		if resp != nil {
			return &Result{Logs: resp.Logs}, err
		}
		return nil, err
	}
	return &Result{Data: resp.Data, Logs: resp.Logs}, nil
}
