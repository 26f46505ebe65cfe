package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"triggerflow/internal/config"
	"triggerflow/internal/domain"
	"triggerflow/internal/retry"
)

func testRegistry(retrievalRetries, publishRetries int) *retry.Registry {
	fast := func(n int) config.Policy {
		return config.Policy{
			RetryCount:     n,
			DefaultBackoff: time.Millisecond,
			BackoffMin:     0,
			BackoffMax:     2 * time.Millisecond,
		}
	}
	return retry.NewRegistry(config.Retry{
		DataRetrieval: fast(retrievalRetries),
		Publish:       fast(publishRetries),
	})
}

func newAccountScheduler(t *testing.T, accounts AccountSource, publisher Publisher, policies *retry.Registry, taskGroups *TaskGroupScheduler, cfg config.Scheduler, logger zerolog.Logger) *AccountScheduler {
	t.Helper()
	s, err := NewAccountScheduler(accounts, publisher, policies, taskGroups, cfg, logger)
	require.NoError(t, err)
	return s
}

func testConfig(pageSize int) config.Scheduler {
	return config.Scheduler{
		Cascade:           config.CascadePublish,
		AccountPageSize:   pageSize,
		TaskGroupPageSize: pageSize,
	}
}

func namedAccounts(names ...string) []domain.Account {
	out := make([]domain.Account, len(names))
	for i, n := range names {
		out[i] = domain.Account{ID: n, Name: n}
	}
	return out
}

func namedTaskGroups(accountID string, names ...string) []domain.TaskGroupDefinition {
	out := make([]domain.TaskGroupDefinition, len(names))
	for i, n := range names {
		out[i] = domain.TaskGroupDefinition{ID: n, AccountID: accountID, Name: n}
	}
	return out
}

// page slices items by offset; the continuation token is the next offset.
func page[T any](items []T, req domain.PaginationRequest) (domain.PaginationResult[T], error) {
	start := 0
	if req.ContinuationToken != "" {
		n, err := strconv.Atoi(req.ContinuationToken)
		if err != nil {
			return domain.PaginationResult[T]{}, err
		}
		start = n
	}
	end := min(start+req.PageSize, len(items))
	res := domain.PaginationResult[T]{Items: items[start:end]}
	if end < len(items) {
		res.HasMore = true
		res.ContinuationToken = strconv.Itoa(end)
	}
	return res, nil
}

type fakeAccounts struct {
	mu       sync.Mutex
	items    []domain.Account
	err      error
	calls    int
	requests []domain.PaginationRequest
	// override replaces the paging logic when set.
	override func(req domain.PaginationRequest) (domain.PaginationResult[domain.Account], error)
}

func (f *fakeAccounts) GetAccounts(ctx context.Context, req domain.PaginationRequest) (domain.PaginationResult[domain.Account], error) {
	f.mu.Lock()
	f.calls++
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return domain.PaginationResult[domain.Account]{}, f.err
	}
	if f.override != nil {
		return f.override(req)
	}
	return page(f.items, req)
}

func (f *fakeAccounts) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTaskGroups struct {
	mu    sync.Mutex
	items map[string][]domain.TaskGroupDefinition
	err   error
	calls map[string]int
}

func newFakeTaskGroups() *fakeTaskGroups {
	return &fakeTaskGroups{items: map[string][]domain.TaskGroupDefinition{}, calls: map[string]int{}}
}

func (f *fakeTaskGroups) GetTaskGroupDefinitions(ctx context.Context, accountID string, req domain.PaginationRequest) (domain.PaginationResult[domain.TaskGroupDefinition], error) {
	f.mu.Lock()
	f.calls[accountID]++
	items := f.items[accountID]
	f.mu.Unlock()
	if f.err != nil {
		return domain.PaginationResult[domain.TaskGroupDefinition]{}, f.err
	}
	return page(items, req)
}

func (f *fakeTaskGroups) Calls(accountID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[accountID]
}

type published struct {
	source  string
	payload any
}

// fakePublisher fails every publish whose entity id is in fail, or all of them
// when failAll is set.
type fakePublisher struct {
	mu      sync.Mutex
	fail    map[string]bool
	failAll bool
	calls   int
	sent    []published
}

func (p *fakePublisher) Publish(ctx context.Context, source string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++

	var id string
	switch m := payload.(type) {
	case domain.AccountMessage:
		id = m.AccountID
	case domain.TaskGroupMessage:
		id = m.TaskGroupID
	}
	if p.failAll || p.fail[id] {
		return errors.New("publish failed for " + id)
	}
	p.sent = append(p.sent, published{source: source, payload: payload})
	return nil
}

func (p *fakePublisher) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakePublisher) Sent() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.sent...)
}

var nop = zerolog.Nop()
