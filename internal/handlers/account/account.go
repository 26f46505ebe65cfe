// Package account consumes ScheduleAccount messages.
package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"triggerflow/internal/codec"
	"triggerflow/internal/domain"
)

// TaskGroupStarter runs the task group level for one account.
type TaskGroupStarter interface {
	Start(ctx context.Context, accountID, accountName string) error
}

type Handler struct {
	starter TaskGroupStarter
	logger  zerolog.Logger
}

func New(starter TaskGroupStarter, logger zerolog.Logger) *Handler {
	return &Handler{starter: starter, logger: logger.With().Str("component", "AccountConsumer").Logger()}
}

func (h *Handler) Handle(ctx context.Context, payload json.RawMessage) error {
	var msg domain.AccountMessage
	if err := codec.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("invalid account message: %w", err)
	}
	if msg.AccountID == "" {
		return errors.New("invalid account message: account_id is required")
	}

	h.logger.Info().Object("account", msg).Msg("account message received")
	if err := h.starter.Start(ctx, msg.AccountID, msg.AccountName); err != nil {
		h.logger.Error().Err(err).Object("account", msg).Msg("task group scheduling failed")
		return err
	}
	return nil
}
