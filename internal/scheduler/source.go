package scheduler

import (
	"context"

	"triggerflow/internal/domain"
)

// AccountSource pages through all accounts.
type AccountSource interface {
	GetAccounts(ctx context.Context, req domain.PaginationRequest) (domain.PaginationResult[domain.Account], error)
}

// TaskGroupSource pages through the task group definitions of one account.
type TaskGroupSource interface {
	GetTaskGroupDefinitions(ctx context.Context, accountID string, req domain.PaginationRequest) (domain.PaginationResult[domain.TaskGroupDefinition], error)
}

// Publisher hands one trigger message to the bus. Implementations make a
// single attempt; retries belong to the caller.
type Publisher interface {
	Publish(ctx context.Context, source string, payload any) error
}
