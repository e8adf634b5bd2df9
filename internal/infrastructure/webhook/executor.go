package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wallestars/orchestration-hub/internal/domain/agent"
	"github.com/wallestars/orchestration-hub/internal/domain/task"
)

const (
	defaultTimeout  = 5 * time.Minute
	maxResponseBody = 1 << 20
	userAgent       = "Wallestars-Orchestration-Hub/1.0"
)

var ErrNoEndpoint = errors.New("agent has no endpoint configured")

// Payload is the request body posted to an agent endpoint.
type Payload struct {
	Task  task.Task   `json:"task"`
	Agent agent.Agent `json:"agent"`
}

// Executor runs tasks by POSTing them to the assigned agent's endpoint.
// A 2xx response body is the task result; any other status is a failure.
type Executor struct {
	client *http.Client
	logger zerolog.Logger
}

// NewExecutor creates a webhook executor. A zero timeout uses the default;
// per-task timeouts are enforced by the orchestrator.
func NewExecutor(timeout time.Duration, logger zerolog.Logger) *Executor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Executor{
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("service", "webhook-executor").Logger(),
	}
}

func (e *Executor) Execute(ctx context.Context, t task.Task, a agent.Agent) (json.RawMessage, error) {
	if a.Endpoint == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoint, a.ID)
	}

	body, err := json.Marshal(Payload{Task: t, Agent: a})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Task-ID", t.ID)
	req.Header.Set("X-Task-Attempt", fmt.Sprint(t.Attempts))

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook response: %w", err)
	}

	e.logger.Debug().
		Str("task_id", t.ID).
		Str("agent_id", a.ID).
		Str("endpoint", a.Endpoint).
		Int("status_code", resp.StatusCode).
		Msg("webhook execution attempted")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agent responded with status %d: %s", resp.StatusCode, truncate(respBody, 512))
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(respBody) {
		// Plain text results are wrapped as a JSON string.
		quoted, err := json.Marshal(string(respBody))
		if err != nil {
			return nil, err
		}
		return quoted, nil
	}
	return json.RawMessage(respBody), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
