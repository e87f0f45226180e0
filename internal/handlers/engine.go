package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// EngineClient talks to the external browser-automation engine over HTTP. The
// engine owns the actual browsers; this side only forwards instructions and
// lifecycle signals.
type EngineClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewEngineClient creates a client for the engine at baseURL. timeout bounds
// each request end to end; automation commands can be slow, so callers
// typically pass minutes, not seconds.
func NewEngineClient(baseURL string, timeout time.Duration, logger *slog.Logger) *EngineClient {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &EngineClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// engineResponse is the engine's uniform reply shape.
type engineResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Logs    []string        `json:"logs,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (c *EngineClient) post(ctx context.Context, path string, body any) (*engineResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal engine request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine request %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read engine response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("engine returned %d for %s", resp.StatusCode, path)
	}

	var er engineResponse
	if err := json.Unmarshal(raw, &er); err != nil {
		return nil, fmt.Errorf("decode engine response: %w", err)
	}
	if !er.Success {
		if er.Error == "" {
			er.Error = fmt.Sprintf("engine rejected request (%d)", resp.StatusCode)
		}
		return &er, fmt.Errorf("engine: %s", er.Error)
	}
	return &er, nil
}
