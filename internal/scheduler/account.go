package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"triggerflow/internal/config"
	"triggerflow/internal/domain"
	"triggerflow/internal/retry"
)

const levelAccounts = "accounts"

var ErrInlineWithoutTaskGroups = errors.New("inline cascade requires a task group scheduler")

// AccountScheduler is the top level of the cascade. It walks every account
// and starts scheduling of each one, either by publishing an AccountMessage
// (publish mode) or by running the task group level directly (inline mode).
type AccountScheduler struct {
	accounts   AccountSource
	publisher  Publisher
	policies   *retry.Registry
	taskGroups *TaskGroupScheduler
	cfg        config.Scheduler
	logger     zerolog.Logger
}

// NewAccountScheduler builds the top-level scheduler. taskGroups is only used
// in inline mode and may be nil otherwise.
func NewAccountScheduler(accounts AccountSource, publisher Publisher, policies *retry.Registry, taskGroups *TaskGroupScheduler, cfg config.Scheduler, logger zerolog.Logger) (*AccountScheduler, error) {
	if cfg.Cascade == config.CascadeInline && taskGroups == nil {
		return nil, ErrInlineWithoutTaskGroups
	}
	return &AccountScheduler{
		accounts:   accounts,
		publisher:  publisher,
		policies:   policies,
		taskGroups: taskGroups,
		cfg:        cfg,
		logger:     logger.With().Str("component", "AccountScheduler").Logger(),
	}, nil
}

// Start runs one full traversal over all accounts. It returns a *RetrievalError
// when a page cannot be fetched and an *AggregateError when some accounts
// could not be started.
func (s *AccountScheduler) Start(ctx context.Context) error {
	s.logger.Info().Str("cascade", s.cfg.Cascade).Msg("starting account scheduling")

	t := traversal[domain.Account]{
		level:     levelAccounts,
		operation: "AccountScheduler",
		describe:  "failed to retrieve accounts",
		pageSize:  s.cfg.AccountPageSize,
		maxFanout: s.cfg.MaxFanout,
		retrieval: s.policies.Retrieval(),
		logger:    s.logger,
		fetch:     s.accounts.GetAccounts,
		unit: func(ctx context.Context, a domain.Account) error {
			if s.cfg.Cascade == config.CascadeInline {
				return s.startInline(ctx, a)
			}
			return s.StartAccount(ctx, a.ID, a.Name)
		},
	}
	return t.run(ctx)
}

// StartAccount publishes the message that starts scheduling of one account.
func (s *AccountScheduler) StartAccount(ctx context.Context, accountID, accountName string) error {
	msg := domain.AccountMessage{AccountID: accountID, AccountName: accountName}
	rc := retry.NewContext("AccountScheduler", s.logger).WithData("account", msg)

	out := retry.Execute(ctx, s.policies.Publish(), rc, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.publisher.Publish(ctx, domain.SourceScheduleAccount, msg)
	})
	if !out.Succeeded() {
		err := out.Wrap(fmt.Sprintf("failed to start triggering of scheduling for %s/%s", accountID, accountName))
		s.logger.Error().Err(out.FinalErr).Object("account", msg).Int("attempts", out.Attempts).Msg("failed to publish account message")
		return err
	}
	return nil
}

func (s *AccountScheduler) startInline(ctx context.Context, a domain.Account) error {
	if err := s.taskGroups.Start(ctx, a.ID, a.Name); err != nil {
		return fmt.Errorf("failed to start triggering of scheduling for %s/%s: %w", a.ID, a.Name, err)
	}
	return nil
}
