package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
	"github.com/Hasbicom1/Tagent-sub007/internal/queue"
	"github.com/Hasbicom1/Tagent-sub007/internal/redis"
	"github.com/Hasbicom1/Tagent-sub007/internal/session"
)

// REST handles the HTTP surface of the gateway: session lifecycle for the
// payment collaborator, task submission for clients, and the claim/report
// endpoints the worker fleet calls.
type REST struct {
	sessions *session.Store
	queue    *queue.Queue
	logger   *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(sessions *session.Store, q *queue.Queue, logger *slog.Logger) *REST {
	return &REST{sessions: sessions, queue: q, logger: logger}
}

// ─── sessions ────────────────────────────────────────────────────────────────

// CreateSessionRequest is the JSON body for POST /api/v1/sessions, sent by
// the payment collaborator after checkout confirms.
type CreateSessionRequest struct {
	UserID   string            `json:"userId"`
	AgentID  string            `json:"agentId"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SessionResponse is the session view returned by every session endpoint.
type SessionResponse struct {
	ID            string            `json:"id"`
	AgentID       string            `json:"agentId"`
	UserID        string            `json:"userId"`
	Status        string            `json:"status"`
	CreatedAt     time.Time         `json:"createdAt"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	TimeRemaining int64             `json:"timeRemaining"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Token         string            `json:"token,omitempty"`
}

func sessionResponse(s *domain.Session, token string) SessionResponse {
	return SessionResponse{
		ID:            s.ID,
		AgentID:       s.AgentID,
		UserID:        s.UserID,
		Status:        string(s.Status),
		CreatedAt:     s.CreatedAt,
		ExpiresAt:     s.ExpiresAt,
		TimeRemaining: s.TimeRemaining(time.Now()).Milliseconds(),
		Metadata:      s.Metadata,
		Token:         token,
	}
}

// CreateSession handles POST /api/v1/sessions.
func (h *REST) CreateSession(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("gateway").Start(r.Context(), "gateway.create_session")
	defer span.End()

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, token, err := h.sessions.Create(ctx, req.UserID, req.AgentID, req.Metadata)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	span.SetAttributes(attribute.String("session.id", sess.ID))

	// Warm the engine's browser before the first instruction arrives.
	if _, err := h.queue.Enqueue(ctx, queue.EnqueueRequest{
		SessionID: sess.ID,
		AgentID:   sess.AgentID,
		Type:      domain.TypeSessionStart,
		Payload:   json.RawMessage(`{}`),
		Priority:  domain.PriorityHigh,
	}); err != nil {
		h.logger.Error("session start enqueue failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
	}

	h.logger.Info("session created",
		slog.String("session_id", sess.ID),
		slog.String("agent_id", sess.AgentID),
	)
	writeJSON(w, http.StatusCreated, sessionResponse(sess, token))
}

// GetSession handles GET /api/v1/sessions/{id}. Reading touches activity.
func (h *REST) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess, ""))
}

// ExtendSessionRequest is the JSON body for POST /api/v1/sessions/{id}/extend.
type ExtendSessionRequest struct {
	DurationSeconds int64 `json:"durationSeconds"`
}

// ExtendSession handles POST /api/v1/sessions/{id}/extend. The response
// carries a fresh token matching the new expiry.
func (h *REST) ExtendSession(w http.ResponseWriter, r *http.Request) {
	var req ExtendSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, token, err := h.sessions.Extend(r.Context(), chi.URLParam(r, "id"),
		time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess, token))
}

// UpdateSessionRequest is the JSON body for PATCH /api/v1/sessions/{id}.
// Only metadata is writable here; the expiry moves through extend alone.
type UpdateSessionRequest struct {
	Metadata map[string]string `json:"metadata"`
}

// UpdateSession handles PATCH /api/v1/sessions/{id}.
func (h *REST) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var req UpdateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.sessions.UpdateMetadata(r.Context(), id, req.Metadata); err != nil {
		h.writeDomainError(w, err)
		return
	}
	sess, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess, ""))
}

// RevokeSession handles DELETE /api/v1/sessions/{id}. Idempotent; the first
// call also enqueues engine teardown.
func (h *REST) RevokeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, changed, err := h.sessions.Revoke(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if changed {
		if _, err := h.queue.Enqueue(r.Context(), queue.EnqueueRequest{
			SessionID: id,
			AgentID:   sess.AgentID,
			Type:      domain.TypeSessionEnd,
			Payload:   json.RawMessage(`{"reason":"revoked"}`),
			Priority:  domain.PriorityHigh,
		}); err != nil {
			h.logger.Error("session end enqueue failed",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── tasks ───────────────────────────────────────────────────────────────────

// CreateTaskRequest is the JSON body for POST /api/v1/tasks.
type CreateTaskRequest struct {
	SessionID    string          `json:"sessionId"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Priority     string          `json:"priority,omitempty"`
	DelaySeconds int64           `json:"delaySeconds,omitempty"`
}

// CreateTaskResponse is the 202 response body.
type CreateTaskResponse struct {
	TaskID    string    `json:"taskId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateTask handles POST /api/v1/tasks. The session must still be live; an
// expired or revoked one yields 410.
func (h *REST) CreateTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("gateway").Start(r.Context(), "gateway.create_task")
	defer span.End()

	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		writeError(w, http.StatusBadRequest, "field 'payload' is required")
		return
	}

	sess, err := h.sessions.Get(ctx, req.SessionID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	task, err := h.queue.Enqueue(ctx, queue.EnqueueRequest{
		SessionID: sess.ID,
		AgentID:   sess.AgentID,
		Type:      domain.TaskType(req.Type),
		Payload:   req.Payload,
		Priority:  domain.ParsePriority(req.Priority),
		Delay:     time.Duration(req.DelaySeconds) * time.Second,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	span.SetAttributes(attribute.String("task.id", task.ID))

	writeJSON(w, http.StatusAccepted, CreateTaskResponse{
		TaskID:    task.ID,
		Status:    string(task.Status),
		CreatedAt: task.CreatedAt,
	})
}

// TaskStatusResponse is the GET /api/v1/tasks/{id} response body, matching
// what workers and pollers expect: stored status plus live progress and the
// terminal result when one exists.
type TaskStatusResponse struct {
	TaskID    string             `json:"taskId"`
	SessionID string             `json:"sessionId"`
	Type      string             `json:"type"`
	Status    string             `json:"status"`
	Priority  string             `json:"priority"`
	Attempts  int                `json:"attempts"`
	CreatedAt time.Time          `json:"createdAt"`
	Progress  *redis.Progress    `json:"progress,omitempty"`
	Data      json.RawMessage    `json:"data,omitempty"`
	Result    *domain.TaskResult `json:"result,omitempty"`
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	st, err := h.queue.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := TaskStatusResponse{
		TaskID:    st.Task.ID,
		SessionID: st.Task.SessionID,
		Type:      string(st.Task.Type),
		Status:    string(st.Task.Status),
		Priority:  st.Task.Priority.String(),
		Attempts:  st.Task.Attempts,
		CreatedAt: st.Task.CreatedAt,
		Progress:  st.Progress,
		Data:      st.Task.Payload,
		Result:    st.Result,
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListSessionTasks handles GET /api/v1/sessions/{id}/tasks.
func (h *REST) ListSessionTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.queue.ListBySession(r.Context(), chi.URLParam(r, "id"), 0)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// ─── worker surface ──────────────────────────────────────────────────────────

// ClaimRequest is the JSON body for POST /api/v1/worker/claim.
type ClaimRequest struct {
	WorkerID string   `json:"workerId"`
	Types    []string `json:"types,omitempty"`
}

// Claim handles POST /api/v1/worker/claim. 204 means nothing is ready.
func (h *REST) Claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "field 'workerId' is required")
		return
	}

	types := make([]domain.TaskType, 0, len(req.Types))
	for _, t := range req.Types {
		types = append(types, domain.TaskType(t))
	}

	task, err := h.queue.Claim(r.Context(), req.WorkerID, types)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ReportRequest is the JSON body for the worker's complete/fail reports.
type ReportRequest struct {
	WorkerID   string          `json:"workerId"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Details    string          `json:"details,omitempty"`
	Logs       []string        `json:"logs,omitempty"`
	DurationMs int64           `json:"durationMs"`
}

// CompleteTask handles POST /api/v1/worker/tasks/{id}/complete.
func (h *REST) CompleteTask(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	task, err := h.queue.Complete(r.Context(), chi.URLParam(r, "id"),
		req.WorkerID, req.Result, req.Logs, req.DurationMs)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// FailTask handles POST /api/v1/worker/tasks/{id}/fail.
func (h *REST) FailTask(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	task, err := h.queue.Fail(r.Context(), chi.URLParam(r, "id"),
		req.WorkerID, req.Error, req.Details, req.Logs, req.DurationMs)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ProgressRequest is the JSON body for POST /api/v1/worker/tasks/{id}/progress.
type ProgressRequest struct {
	Progress               int    `json:"progress"`
	Stage                  string `json:"stage,omitempty"`
	EstimatedTimeRemaining int64  `json:"estimatedTimeRemaining,omitempty"`
}

// ReportProgress handles POST /api/v1/worker/tasks/{id}/progress.
func (h *REST) ReportProgress(w http.ResponseWriter, r *http.Request) {
	var req ProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := h.queue.Progress(r.Context(), chi.URLParam(r, "id"), redis.Progress{
		Progress:               req.Progress,
		Stage:                  req.Stage,
		EstimatedTimeRemaining: req.EstimatedTimeRemaining,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// LogsRequest is the JSON body for POST /api/v1/worker/tasks/{id}/logs.
type LogsRequest struct {
	Logs  []string `json:"logs"`
	Level string   `json:"level,omitempty"`
}

// ReportLogs handles POST /api/v1/worker/tasks/{id}/logs.
func (h *REST) ReportLogs(w http.ResponseWriter, r *http.Request) {
	var req LogsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Level == "" {
		req.Level = "info"
	}
	if err := h.queue.Logs(r.Context(), chi.URLParam(r, "id"), req.Level, req.Logs); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ─── health ──────────────────────────────────────────────────────────────────

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz — verifies the durable store answers.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.queue.GetStatus(ctx, "__readyz__"); err != nil {
		var notFound *domain.TaskNotFoundError
		if !errors.As(err, &notFound) {
			writeError(w, http.StatusServiceUnavailable, "store not ready")
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// writeDomainError maps typed domain errors onto HTTP status codes.
func (h *REST) writeDomainError(w http.ResponseWriter, err error) {
	var (
		validation *domain.ValidationError
		sessMiss   *domain.SessionNotFoundError
		taskMiss   *domain.TaskNotFoundError
		duplicate  *domain.DuplicateAgentError
		expired    *domain.SessionExpiredError
		conflict   *domain.TaskConflictError
		auth       *domain.AuthError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &sessMiss), errors.As(err, &taskMiss):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &duplicate), errors.As(err, &conflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &expired):
		writeError(w, http.StatusGone, err.Error())
	case errors.As(err, &auth):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		h.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
