// Package webhook consumes ExecuteTaskGroup messages by forwarding them to the
// execution system over HTTP.
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

	"triggerflow/internal/codec"
	"triggerflow/internal/domain"
)

const defaultTimeout = 30 * time.Second

// Handler POSTs each execution message to url. With an empty url the message
// is only logged.
type Handler struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

func New(url string, logger zerolog.Logger) *Handler {
	return &Handler{
		url:    url,
		client: &http.Client{Timeout: defaultTimeout},
		logger: logger.With().Str("component", "ExecutionConsumer").Logger(),
	}
}

func (h *Handler) Handle(ctx context.Context, payload json.RawMessage) error {
	var msg domain.TaskGroupExecutionMessage
	if err := codec.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("invalid execution message: %w", err)
	}
	if msg.TaskGroupID == "" {
		return errors.New("invalid execution message: task_group_id is required")
	}

	if h.url == "" {
		h.logger.Info().Object("taskGroupExecution", msg).Msg("task group execution due")
		return nil
	}

	body, err := codec.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Triggerflow-Source", domain.SourceExecuteTaskGroup)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}

	h.logger.Info().Object("taskGroupExecution", msg).Int("status", resp.StatusCode).Msg("task group execution delivered")
	return nil
}
