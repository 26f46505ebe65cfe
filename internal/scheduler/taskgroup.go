package scheduler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"triggerflow/internal/config"
	"triggerflow/internal/domain"
	"triggerflow/internal/retry"
)

const levelTaskGroups = "task groups"

// TaskGroupScheduler is the second level of the cascade: for one account it
// publishes a TaskGroupMessage per task group definition.
type TaskGroupScheduler struct {
	source    TaskGroupSource
	publisher Publisher
	policies  *retry.Registry
	cfg       config.Scheduler
	logger    zerolog.Logger
}

func NewTaskGroupScheduler(source TaskGroupSource, publisher Publisher, policies *retry.Registry, cfg config.Scheduler, logger zerolog.Logger) *TaskGroupScheduler {
	return &TaskGroupScheduler{
		source:    source,
		publisher: publisher,
		policies:  policies,
		cfg:       cfg,
		logger:    logger.With().Str("component", "TaskGroupScheduler").Logger(),
	}
}

// Start walks the task group definitions of one account.
func (s *TaskGroupScheduler) Start(ctx context.Context, accountID, accountName string) error {
	logger := s.logger.With().Str("account_id", accountID).Str("account_name", accountName).Logger()
	logger.Info().Msg("starting task group scheduling")

	t := traversal[domain.TaskGroupDefinition]{
		level:     levelTaskGroups,
		operation: "TaskGroupScheduler",
		describe:  "failed to retrieve task group definitions for account " + accountID,
		pageSize:  s.cfg.TaskGroupPageSize,
		maxFanout: s.cfg.MaxFanout,
		retrieval: s.policies.Retrieval(),
		logger:    logger,
		fetch: func(ctx context.Context, req domain.PaginationRequest) (domain.PaginationResult[domain.TaskGroupDefinition], error) {
			return s.source.GetTaskGroupDefinitions(ctx, accountID, req)
		},
		unit: func(ctx context.Context, tg domain.TaskGroupDefinition) error {
			return s.StartTaskGroup(ctx, accountID, accountName, tg.ID, tg.Name)
		},
	}
	return t.run(ctx)
}

// StartTaskGroup publishes the message that starts scheduling of one task group.
func (s *TaskGroupScheduler) StartTaskGroup(ctx context.Context, accountID, accountName, taskGroupID, taskGroupName string) error {
	msg := domain.TaskGroupMessage{
		AccountID:     accountID,
		AccountName:   accountName,
		TaskGroupID:   taskGroupID,
		TaskGroupName: taskGroupName,
	}
	rc := retry.NewContext("TaskGroupScheduler", s.logger).WithData("taskGroup", msg)

	out := retry.Execute(ctx, s.policies.Publish(), rc, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.publisher.Publish(ctx, domain.SourceScheduleTaskGroup, msg)
	})
	if !out.Succeeded() {
		err := out.Wrap(fmt.Sprintf("failed to start triggering of scheduling for %s/%s", taskGroupID, taskGroupName))
		s.logger.Error().Err(out.FinalErr).Object("taskGroup", msg).Int("attempts", out.Attempts).Msg("failed to publish task group message")
		return err
	}
	return nil
}
