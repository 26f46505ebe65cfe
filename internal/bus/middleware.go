package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Limited throttles publishes to a steady rate.
type Limited struct {
	next    Publisher
	limiter *rate.Limiter
}

func NewLimited(next Publisher, ratePerSec float64, burst int) *Limited {
	if burst <= 0 {
		burst = max(1, int(ratePerSec))
	}
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

func (l *Limited) Publish(ctx context.Context, source string, payload any) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return l.next.Publish(ctx, source, payload)
}

// Breaker stops calling the transport after a run of consecutive failures
// and fails fast with gobreaker.ErrOpenState until OpenTimeout passes.
type Breaker struct {
	next Publisher
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next Publisher, tripFailures int, openTimeout time.Duration, logger zerolog.Logger) *Breaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "publish",
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(tripFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Publish(ctx context.Context, source string, payload any) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Publish(ctx, source, payload)
	})
	return err
}

func (b *Breaker) State() gobreaker.State { return b.cb.State() }
