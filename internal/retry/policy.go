package retry

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"triggerflow/internal/config"
	"triggerflow/internal/metrics"
)

type OutcomeKind int

const (
	Success OutcomeKind = iota
	Failure
)

func (k OutcomeKind) String() string {
	if k == Success {
		return "success"
	}
	return "failure"
}

// Outcome is the captured result of running an operation through a Policy.
// A Failure carries the error of the last attempt.
type Outcome[T any] struct {
	Kind     OutcomeKind
	Value    T
	FinalErr error
	Attempts int
}

func (o Outcome[T]) Succeeded() bool { return o.Kind == Success }

// Wrap turns a Failure into an error prefixed with description. It returns nil
// for a Success.
func (o Outcome[T]) Wrap(description string) error {
	if o.Kind == Success {
		return nil
	}
	if o.FinalErr != nil {
		return fmt.Errorf("%s: %w", description, o.FinalErr)
	}
	return fmt.Errorf("%s - unknown error", description)
}

// Context correlates the attempts of one Execute call for logging.
type Context struct {
	Operation string
	Logger    zerolog.Logger
	DataName  string
	Data      zerolog.LogObjectMarshaler
}

func NewContext(operation string, logger zerolog.Logger) Context {
	return Context{Operation: operation, Logger: logger}
}

// WithData attaches a payload that is logged under name on every retry.
func (c Context) WithData(name string, data zerolog.LogObjectMarshaler) Context {
	c.DataName = name
	c.Data = data
	return c
}

// Policy retries an operation up to MaxRetries times with jittered exponential backoff.
// A Policy holds no per-call state and is safe for concurrent use.
type Policy struct {
	name           string
	maxRetries     int
	defaultBackoff time.Duration
	backoffMin     time.Duration
	backoffMax     time.Duration
}

func NewPolicy(name string, s config.Policy) *Policy {
	retries := s.RetryCount
	if retries < 0 {
		retries = 0
	}
	return &Policy{
		name:           name,
		maxRetries:     retries,
		defaultBackoff: s.DefaultBackoff,
		backoffMin:     s.BackoffMin,
		backoffMax:     s.BackoffMax,
	}
}

func (p *Policy) Name() string    { return p.name }
func (p *Policy) MaxRetries() int { return p.maxRetries }

// Delay is the backoff before retry number attempt.
func (p *Policy) Delay(attempt int) time.Duration {
	return Backoff(attempt, p.defaultBackoff, p.backoffMin, p.backoffMax)
}

// Permanent marks err as not worth retrying; Execute fails immediately with it.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

type jitterBackOff struct {
	p       *Policy
	attempt int
}

func (b *jitterBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.p.Delay(b.attempt)
}

func (b *jitterBackOff) Reset() { b.attempt = 0 }

// Execute runs op under p. It never panics and never returns an error directly:
// the caller inspects the Outcome. Once ctx is done no further retries are scheduled.
func Execute[T any](ctx context.Context, p *Policy, rc Context, op func(ctx context.Context) (T, error)) Outcome[T] {
	var (
		value    T
		attempts int
	)
	b := backoff.WithContext(backoff.WithMaxRetries(&jitterBackOff{p: p}, uint64(p.maxRetries)), ctx)

	err := backoff.RetryNotify(func() error {
		attempts++
		metrics.RetryAttempts.WithLabelValues(p.name).Inc()
		v, err := invoke(ctx, rc, op)
		if err != nil {
			return err
		}
		value = v
		return nil
	}, b, func(err error, next time.Duration) {
		logRetry(rc, err, next, attempts)
	})
	if err != nil {
		metrics.RetryExhausted.WithLabelValues(p.name).Inc()
		return Outcome[T]{Kind: Failure, FinalErr: err, Attempts: attempts}
	}
	return Outcome[T]{Kind: Success, Value: value, Attempts: attempts}
}

func invoke[T any](ctx context.Context, rc Context, op func(ctx context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			rc.Logger.Error().Str("operation", rc.Operation).Str("stack", string(debug.Stack())).Msgf("operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

func logRetry(rc Context, err error, next time.Duration, retry int) {
	ev := rc.Logger.Warn().
		Err(err).
		Dur("retry_in", next).
		Int("retry", retry).
		Str("operation", rc.Operation)
	if rc.Data == nil || strings.TrimSpace(rc.DataName) == "" {
		ev.Msg("retrying request - no custom data")
		return
	}
	ev.Object(rc.DataName, rc.Data).Msg("retrying request")
}
