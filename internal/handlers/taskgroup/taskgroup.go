// Package taskgroup consumes ScheduleTaskGroup messages and schedules the
// execution of each task group.
package taskgroup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"triggerflow/internal/bus"
	"triggerflow/internal/codec"
	"triggerflow/internal/domain"
	"triggerflow/internal/retry"
)

type Handler struct {
	publisher bus.DelayedPublisher
	policy    *retry.Policy
	delay     time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// New builds the consumer. The execution message becomes due delay after the
// task group message is handled.
func New(publisher bus.DelayedPublisher, policy *retry.Policy, delay time.Duration, logger zerolog.Logger) *Handler {
	return &Handler{
		publisher: publisher,
		policy:    policy,
		delay:     delay,
		now:       time.Now,
		logger:    logger.With().Str("component", "TaskGroupConsumer").Logger(),
	}
}

func (h *Handler) Handle(ctx context.Context, payload json.RawMessage) error {
	var msg domain.TaskGroupMessage
	if err := codec.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("invalid task group message: %w", err)
	}
	if msg.AccountID == "" || msg.TaskGroupID == "" {
		return errors.New("invalid task group message: account_id and task_group_id are required")
	}

	exec := domain.TaskGroupExecutionMessage{
		AccountID:     msg.AccountID,
		AccountName:   msg.AccountName,
		TaskGroupID:   msg.TaskGroupID,
		TaskGroupName: msg.TaskGroupName,
		ScheduledAt:   h.now().Add(h.delay).UTC(),
	}
	rc := retry.NewContext("TaskGroupConsumer", h.logger).WithData("taskGroupExecution", exec)

	out := retry.Execute(ctx, h.policy, rc, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.publisher.PublishAt(ctx, domain.SourceExecuteTaskGroup, exec, exec.ScheduledAt)
	})
	if !out.Succeeded() {
		return out.Wrap(fmt.Sprintf("failed to schedule execution of %s/%s", msg.TaskGroupID, msg.TaskGroupName))
	}
	h.logger.Info().Object("taskGroupExecution", exec).Msg("task group execution scheduled")
	return nil
}
