package retry

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triggerflow/internal/config"
	"triggerflow/internal/domain"
)

func fastPolicy(retries int) *Policy {
	return NewPolicy("test", config.Policy{
		RetryCount:     retries,
		DefaultBackoff: time.Millisecond,
		BackoffMin:     time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	})
}

// syncBuffer guards a bytes.Buffer for loggers written from retry callbacks.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestExecuteSucceedsFirstTry(t *testing.T) {
	var calls atomic.Int32
	out := Execute(context.Background(), fastPolicy(3), NewContext("op", zerolog.Nop()), func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "ok", nil
	})

	require.True(t, out.Succeeded())
	assert.Equal(t, Success, out.Kind)
	assert.Equal(t, "ok", out.Value)
	assert.Equal(t, 1, out.Attempts)
	assert.EqualValues(t, 1, calls.Load())
	assert.NoError(t, out.Wrap("should be nil"))
}

func TestExecuteExhaustsRetries(t *testing.T) {
	tests := []struct {
		name    string
		retries int
	}{
		{"no retries", 0},
		{"two retries", 2},
		{"five retries", 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			out := Execute(context.Background(), fastPolicy(tt.retries), NewContext("op", zerolog.Nop()), func(ctx context.Context) (int, error) {
				n := calls.Add(1)
				return 0, errors.New("boom " + string(rune('0'+n)))
			})

			require.False(t, out.Succeeded())
			assert.Equal(t, Failure, out.Kind)
			assert.Equal(t, tt.retries+1, out.Attempts)
			assert.EqualValues(t, tt.retries+1, calls.Load())
			assert.EqualError(t, out.FinalErr, "boom "+string(rune('0'+tt.retries+1)), "the last error is kept")
		})
	}
}

func TestExecuteRecoversAfterFailures(t *testing.T) {
	var calls atomic.Int32
	out := Execute(context.Background(), fastPolicy(5), NewContext("op", zerolog.Nop()), func(ctx context.Context) (int, error) {
		if calls.Add(1) < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})

	require.True(t, out.Succeeded())
	assert.Equal(t, 42, out.Value)
	assert.Equal(t, 3, out.Attempts)
}

func TestExecutePermanentErrorStopsImmediately(t *testing.T) {
	var calls atomic.Int32
	bad := errors.New("bad input")
	out := Execute(context.Background(), fastPolicy(5), NewContext("op", zerolog.Nop()), func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 0, Permanent(bad)
	})

	require.False(t, out.Succeeded())
	assert.EqualValues(t, 1, calls.Load())
	assert.ErrorIs(t, out.FinalErr, bad)
}

func TestExecuteStopsRetryingOnCancel(t *testing.T) {
	p := NewPolicy("slow", config.Policy{
		RetryCount:     10,
		DefaultBackoff: time.Hour,
		BackoffMin:     time.Hour,
		BackoffMax:     time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	done := make(chan Outcome[int], 1)
	go func() {
		done <- Execute(ctx, p, NewContext("op", zerolog.Nop()), func(ctx context.Context) (int, error) {
			calls.Add(1)
			return 0, errors.New("down")
		})
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case out := <-done:
		assert.False(t, out.Succeeded())
		assert.ErrorIs(t, out.FinalErr, context.Canceled)
		assert.EqualValues(t, 1, calls.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}
}

func TestExecuteConvertsPanics(t *testing.T) {
	out := Execute(context.Background(), fastPolicy(1), NewContext("op", zerolog.Nop()), func(ctx context.Context) (int, error) {
		panic("kaboom")
	})

	require.False(t, out.Succeeded())
	assert.Equal(t, 2, out.Attempts)
	assert.Contains(t, out.FinalErr.Error(), "kaboom")
}

func TestOutcomeWrap(t *testing.T) {
	cause := errors.New("Some error")

	err := Outcome[int]{Kind: Failure, FinalErr: cause}.Wrap("failed to retrieve accounts")
	assert.EqualError(t, err, "failed to retrieve accounts: Some error")
	assert.ErrorIs(t, err, cause)

	err = Outcome[int]{Kind: Failure}.Wrap("failed to retrieve accounts")
	assert.EqualError(t, err, "failed to retrieve accounts - unknown error")
}

func TestExecuteLogsRetriesWithData(t *testing.T) {
	var buf syncBuffer
	logger := zerolog.New(&buf)
	msg := domain.AccountMessage{AccountID: "acc-1", AccountName: "one"}
	rc := NewContext("AccountScheduler", logger).WithData("account", msg)

	Execute(context.Background(), fastPolicy(2), rc, func(ctx context.Context) (bool, error) {
		return false, errors.New("publish failed")
	})

	out := buf.String()
	assert.Equal(t, 2, bytes.Count([]byte(out), []byte(`"message":"retrying request"`)))
	assert.Contains(t, out, `"operation":"AccountScheduler"`)
	assert.Contains(t, out, `"account":{"account_id":"acc-1","account_name":"one"}`)
	assert.Contains(t, out, `"error":"publish failed"`)
	assert.Contains(t, out, `"retry":1`)
	assert.Contains(t, out, `"retry":2`)
}

func TestExecuteLogsRetriesWithoutData(t *testing.T) {
	var buf syncBuffer
	Execute(context.Background(), fastPolicy(1), NewContext("AccountScheduler", zerolog.New(&buf)), func(ctx context.Context) (bool, error) {
		return false, errors.New("nope")
	})

	assert.Contains(t, buf.String(), "retrying request - no custom data")
}

func TestRegistry(t *testing.T) {
	cfg := config.Default().Retry
	cfg.DataRetrieval.RetryCount = 2
	cfg.Publish.RetryCount = 7
	r := NewRegistry(cfg)

	p, ok := r.Get(DataRetrievalPolicy)
	require.True(t, ok)
	assert.Same(t, r.Retrieval(), p)
	assert.Equal(t, 2, p.MaxRetries())
	assert.Equal(t, DataRetrievalPolicy, p.Name())

	p, ok = r.Get(PublishMessagePolicy)
	require.True(t, ok)
	assert.Same(t, r.Publish(), p)
	assert.Equal(t, 7, p.MaxRetries())

	_, ok = r.Get("nope")
	assert.False(t, ok)
}

func TestRegistryDefaults(t *testing.T) {
	r := NewRegistry(config.Default().Retry)
	assert.Equal(t, 5, r.Retrieval().MaxRetries())
	assert.Equal(t, 5, r.Publish().MaxRetries())
	for attempt := 1; attempt < 6; attempt++ {
		d := r.Publish().Delay(attempt)
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 10*time.Second)
	}
}
