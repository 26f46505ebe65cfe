package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triggerflow/internal/config"
	"triggerflow/internal/domain"
	"triggerflow/internal/retry"
)

func TestAccountSchedulerRetrievalCallsPerPageSize(t *testing.T) {
	tests := []struct {
		pageSize      int
		wantRetrieval int
	}{
		{1, 4},
		{2, 2},
		{3, 2},
		{4, 1},
		{1000, 1},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("page size %d", tt.pageSize), func(t *testing.T) {
			src := &fakeAccounts{items: namedAccounts("1", "2", "3", "4")}
			pub := &fakePublisher{}
			s := newAccountScheduler(t, src, pub, testRegistry(2, 2), nil, testConfig(tt.pageSize), nop)

			require.NoError(t, s.Start(context.Background()))
			assert.Equal(t, tt.wantRetrieval, src.Calls())
			assert.Equal(t, 4, pub.Calls())
		})
	}
}

func TestAccountSchedulerNoAccounts(t *testing.T) {
	src := &fakeAccounts{}
	pub := &fakePublisher{}
	s := newAccountScheduler(t, src, pub, testRegistry(2, 2), nil, testConfig(10), nop)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 1, src.Calls())
	assert.Zero(t, pub.Calls())
}

func TestAccountSchedulerPublishesEveryAccountOnce(t *testing.T) {
	src := &fakeAccounts{items: namedAccounts("1", "2", "3", "4")}
	pub := &fakePublisher{}
	s := newAccountScheduler(t, src, pub, testRegistry(2, 2), nil, testConfig(2), nop)

	require.NoError(t, s.Start(context.Background()))

	assert.Equal(t, 2, src.Calls())
	require.Len(t, src.requests, 2)
	assert.Equal(t, domain.PaginationRequest{PageSize: 2}, src.requests[0])
	assert.Equal(t, domain.PaginationRequest{PageSize: 2, ContinuationToken: "2"}, src.requests[1])

	seen := map[domain.AccountMessage]int{}
	for _, p := range pub.Sent() {
		assert.Equal(t, domain.SourceScheduleAccount, p.source)
		msg, ok := p.payload.(domain.AccountMessage)
		require.True(t, ok)
		seen[msg]++
	}
	assert.Equal(t, map[domain.AccountMessage]int{
		{AccountID: "1", AccountName: "1"}: 1,
		{AccountID: "2", AccountName: "2"}: 1,
		{AccountID: "3", AccountName: "3"}: 1,
		{AccountID: "4", AccountName: "4"}: 1,
	}, seen)
}

func TestAccountSchedulerRetrievalFailure(t *testing.T) {
	cause := errors.New("Some error")
	src := &fakeAccounts{items: namedAccounts("1", "2", "3", "4"), err: cause}
	pub := &fakePublisher{}
	s := newAccountScheduler(t, src, pub, testRegistry(2, 2), nil, testConfig(4), nop)

	err := s.Start(context.Background())
	require.Error(t, err)

	assert.Equal(t, 3, src.Calls())
	assert.Zero(t, pub.Calls())

	var re *RetrievalError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "accounts", re.Level)
	assert.ErrorIs(t, err, cause)
	assert.EqualError(t, err, "failed to retrieve accounts: Some error")

	var agg *AggregateError
	assert.False(t, errors.As(err, &agg))
}

func TestAccountSchedulerRetrievalFailureOnLaterPage(t *testing.T) {
	cause := errors.New("page two unavailable")
	items := namedAccounts("1", "2", "3", "4")
	src := &fakeAccounts{}
	src.override = func(req domain.PaginationRequest) (domain.PaginationResult[domain.Account], error) {
		if req.ContinuationToken != "" {
			return domain.PaginationResult[domain.Account]{}, cause
		}
		return page(items, req)
	}
	pub := &fakePublisher{}
	s := newAccountScheduler(t, src, pub, testRegistry(1, 0), nil, testConfig(2), nop)

	err := s.Start(context.Background())

	var re *RetrievalError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, src.Calls(), "one call for page one, two for page two")
	assert.Equal(t, 2, pub.Calls(), "page one is fully processed before page two is requested")
}

func TestAccountSchedulerAllPublishesFail(t *testing.T) {
	src := &fakeAccounts{items: namedAccounts("1", "2", "3", "4")}
	pub := &fakePublisher{failAll: true}
	s := newAccountScheduler(t, src, pub, testRegistry(2, 2), nil, testConfig(2), nop)

	err := s.Start(context.Background())

	assert.Equal(t, 2, src.Calls(), "retrieval completes despite publish failures")
	assert.Equal(t, 4*3, pub.Calls())

	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Equal(t, 4, agg.Attempted)
	assert.Equal(t, 4, agg.Failed)
	assert.Len(t, agg.Errs, 4)
	assert.EqualError(t, err, "attempted 4 - but failed to start triggering of scheduling for 4 accounts")
}

func TestAccountSchedulerPartialPublishFailure(t *testing.T) {
	src := &fakeAccounts{items: namedAccounts("1", "2", "3", "4")}
	pub := &fakePublisher{fail: map[string]bool{"2": true}}
	s := newAccountScheduler(t, src, pub, testRegistry(2, 3), nil, testConfig(3), nop)

	err := s.Start(context.Background())

	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Equal(t, 4, agg.Attempted)
	assert.Equal(t, 1, agg.Failed)
	require.Len(t, agg.Errs, 1)
	assert.EqualError(t, agg.Errs[0], "failed to start triggering of scheduling for 2/2: publish failed for 2")
	assert.Equal(t, 3+1*4, pub.Calls())
}

func TestAccountSchedulerMissingContinuationToken(t *testing.T) {
	src := &fakeAccounts{}
	src.override = func(req domain.PaginationRequest) (domain.PaginationResult[domain.Account], error) {
		return domain.PaginationResult[domain.Account]{Items: namedAccounts("1"), HasMore: true}, nil
	}
	pub := &fakePublisher{}
	s := newAccountScheduler(t, src, pub, testRegistry(3, 0), nil, testConfig(1), nop)

	err := s.Start(context.Background())

	var re *RetrievalError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, ErrMissingContinuationToken)
	assert.Equal(t, 1, src.Calls(), "a contract violation is not retried")
	assert.Zero(t, pub.Calls())
}

func TestAccountSchedulerCanceledContext(t *testing.T) {
	src := &fakeAccounts{items: namedAccounts("1", "2")}
	pub := &fakePublisher{}
	s := newAccountScheduler(t, src, pub, testRegistry(2, 2), nil, testConfig(1), nop)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, src.Calls())
	assert.Zero(t, pub.Calls())
}

func TestAccountSchedulerCancelDuringPublishRetries(t *testing.T) {
	src := &fakeAccounts{items: namedAccounts("1", "2", "3", "4")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &cancelingPublisher{cancel: cancel}

	slow := config.Policy{RetryCount: 5, DefaultBackoff: time.Second, BackoffMax: 5 * time.Second}
	reg := retry.NewRegistry(config.Retry{DataRetrieval: slow, Publish: slow})
	s := newAccountScheduler(t, src, pub, reg, nil, testConfig(2), nop)

	start := time.Now()
	err := s.Start(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "stopped at page 2")
	assert.Equal(t, 1, src.Calls(), "no page fetched after cancel")
	assert.EqualValues(t, 2, pub.calls.Load(), "no publish retried after cancel")
	assert.Less(t, time.Since(start), time.Second)
}

func TestAccountSchedulerWaitsForWholePage(t *testing.T) {
	items := namedAccounts("1", "2", "3", "4", "5", "6")
	pub := &slowPublisher{delay: 5 * time.Millisecond}
	var violations atomic.Int32

	src := &fakeAccounts{}
	src.override = func(req domain.PaginationRequest) (domain.PaginationResult[domain.Account], error) {
		res, err := page(items, req)
		if req.ContinuationToken != "" && fmt.Sprint(pub.done.Load()) != req.ContinuationToken {
			violations.Add(1)
		}
		return res, err
	}
	s := newAccountScheduler(t, src, pub, testRegistry(0, 0), nil, testConfig(3), nop)

	require.NoError(t, s.Start(context.Background()))
	assert.Zero(t, violations.Load())
	assert.EqualValues(t, 6, pub.done.Load())
}

func TestAccountSchedulerFanoutLimit(t *testing.T) {
	src := &fakeAccounts{items: namedAccounts("1", "2", "3", "4", "5", "6", "7", "8")}
	pub := &slowPublisher{delay: 5 * time.Millisecond}
	cfg := testConfig(8)
	cfg.MaxFanout = 2
	s := newAccountScheduler(t, src, pub, testRegistry(0, 0), nil, cfg, nop)

	require.NoError(t, s.Start(context.Background()))
	assert.EqualValues(t, 8, pub.done.Load())
	assert.LessOrEqual(t, pub.maxInFlight.Load(), int32(2))
}

func TestAccountSchedulerInlineRequiresTaskGroups(t *testing.T) {
	cfg := testConfig(1)
	cfg.Cascade = config.CascadeInline

	s, err := NewAccountScheduler(&fakeAccounts{}, &fakePublisher{}, testRegistry(0, 0), nil, cfg, nop)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, ErrInlineWithoutTaskGroups)
}

func TestAccountSchedulerStartAccount(t *testing.T) {
	pub := &fakePublisher{}
	s := newAccountScheduler(t, &fakeAccounts{}, pub, testRegistry(0, 1), nil, testConfig(1), nop)

	require.NoError(t, s.StartAccount(context.Background(), "acc-1", "Acme"))
	sent := pub.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.SourceScheduleAccount, sent[0].source)
	assert.Equal(t, domain.AccountMessage{AccountID: "acc-1", AccountName: "Acme"}, sent[0].payload)

	failing := &fakePublisher{failAll: true}
	s = newAccountScheduler(t, &fakeAccounts{}, failing, testRegistry(0, 1), nil, testConfig(1), nop)
	err := s.StartAccount(context.Background(), "acc-1", "Acme")
	assert.EqualError(t, err, "failed to start triggering of scheduling for acc-1/Acme: publish failed for acc-1")
	assert.Equal(t, 2, failing.Calls())
}

func TestAccountSchedulerInlineCascade(t *testing.T) {
	src := &fakeAccounts{items: namedAccounts("a", "b")}
	tgs := newFakeTaskGroups()
	tgs.items["a"] = namedTaskGroups("a", "a1", "a2", "a3")
	tgs.items["b"] = namedTaskGroups("b", "b1")
	pub := &fakePublisher{}

	cfg := testConfig(2)
	cfg.Cascade = config.CascadeInline
	reg := testRegistry(0, 0)
	tg := NewTaskGroupScheduler(tgs, pub, reg, cfg, nop)
	s := newAccountScheduler(t, src, pub, reg, tg, cfg, nop)

	require.NoError(t, s.Start(context.Background()))

	assert.Equal(t, 2, tgs.Calls("a"))
	assert.Equal(t, 1, tgs.Calls("b"))
	sent := pub.Sent()
	require.Len(t, sent, 4)
	for _, p := range sent {
		assert.Equal(t, domain.SourceScheduleTaskGroup, p.source)
		assert.IsType(t, domain.TaskGroupMessage{}, p.payload)
	}
}

func TestAccountSchedulerInlineRetrievalFailureIsPerAccount(t *testing.T) {
	src := &fakeAccounts{items: namedAccounts("a", "b")}
	tgs := newFakeTaskGroups()
	tgs.err = errors.New("task group store down")
	pub := &fakePublisher{}

	cfg := testConfig(2)
	cfg.Cascade = config.CascadeInline
	reg := testRegistry(1, 0)
	s := newAccountScheduler(t, src, pub, reg, NewTaskGroupScheduler(tgs, pub, reg, cfg, nop), cfg, nop)

	err := s.Start(context.Background())

	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Equal(t, "accounts", agg.Level)
	assert.Equal(t, 2, agg.Attempted)
	assert.Equal(t, 2, agg.Failed)

	var re *RetrievalError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "task groups", re.Level)
	assert.Equal(t, 2, tgs.Calls("a"))
	assert.Zero(t, pub.Calls())
}

func TestTaskGroupSchedulerPartialFailure(t *testing.T) {
	tgs := newFakeTaskGroups()
	tgs.items["acc"] = namedTaskGroups("acc", "1", "2", "3", "4")
	pub := &fakePublisher{fail: map[string]bool{"1": true, "3": true}}
	s := NewTaskGroupScheduler(tgs, pub, testRegistry(2, 2), testConfig(4), nop)

	err := s.Start(context.Background(), "acc", "Account")

	assert.Equal(t, 4+2*2, pub.Calls())
	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Equal(t, 4, agg.Attempted)
	assert.Equal(t, 2, agg.Failed)
	assert.EqualError(t, err, "attempted 4 - but failed to start triggering of scheduling for 2 task groups")

	for _, p := range pub.Sent() {
		msg := p.payload.(domain.TaskGroupMessage)
		assert.Equal(t, "acc", msg.AccountID)
		assert.Equal(t, "Account", msg.AccountName)
		assert.Contains(t, []string{"2", "4"}, msg.TaskGroupID)
	}
}

func TestTaskGroupSchedulerRetrievalFailure(t *testing.T) {
	cause := errors.New("Some error")
	tgs := newFakeTaskGroups()
	tgs.err = cause
	pub := &fakePublisher{}
	s := NewTaskGroupScheduler(tgs, pub, testRegistry(2, 2), testConfig(4), nop)

	err := s.Start(context.Background(), "acc", "Account")

	assert.Equal(t, 3, tgs.Calls("acc"))
	assert.Zero(t, pub.Calls())
	assert.ErrorIs(t, err, cause)
	assert.EqualError(t, err, "failed to retrieve task group definitions for account acc: Some error")
}

func TestTaskGroupSchedulerPaging(t *testing.T) {
	tgs := newFakeTaskGroups()
	tgs.items["acc"] = namedTaskGroups("acc", "1", "2", "3", "4", "5")
	pub := &fakePublisher{}
	s := NewTaskGroupScheduler(tgs, pub, testRegistry(0, 0), testConfig(2), nop)

	require.NoError(t, s.Start(context.Background(), "acc", "Account"))
	assert.Equal(t, 3, tgs.Calls("acc"))
	assert.Equal(t, 5, pub.Calls())
}

func TestTaskGroupSchedulerStartTaskGroup(t *testing.T) {
	pub := &fakePublisher{}
	s := NewTaskGroupScheduler(newFakeTaskGroups(), pub, testRegistry(0, 0), testConfig(1), nop)

	require.NoError(t, s.StartTaskGroup(context.Background(), "acc", "Account", "tg", "Nightly"))
	sent := pub.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.SourceScheduleTaskGroup, sent[0].source)
	assert.Equal(t, domain.TaskGroupMessage{
		AccountID:     "acc",
		AccountName:   "Account",
		TaskGroupID:   "tg",
		TaskGroupName: "Nightly",
	}, sent[0].payload)
}

// slowPublisher succeeds after delay and tracks concurrency.
// cancelingPublisher cancels the run on its first call and fails every publish.
type cancelingPublisher struct {
	cancel context.CancelFunc
	calls  atomic.Int32
}

func (p *cancelingPublisher) Publish(ctx context.Context, source string, payload any) error {
	p.calls.Add(1)
	p.cancel()
	return errors.New("broker unreachable")
}

type slowPublisher struct {
	delay       time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	done        atomic.Int32
	mu          sync.Mutex
}

func (p *slowPublisher) Publish(ctx context.Context, source string, payload any) error {
	n := p.inFlight.Add(1)
	p.mu.Lock()
	if n > p.maxInFlight.Load() {
		p.maxInFlight.Store(n)
	}
	p.mu.Unlock()

	time.Sleep(p.delay)
	p.inFlight.Add(-1)
	p.done.Add(1)
	return nil
}
