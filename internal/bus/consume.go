package bus

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"triggerflow/internal/metrics"
)

// stableSubscription is how long a subscription must run before its restart
// backoff starts over.
const stableSubscription = time.Minute

// Consume keeps sub subscribed to sources until ctx is done. Whenever
// Subscribe returns early, with or without an error, it is called again after
// delay(n), where n counts consecutive short-lived subscriptions from 1.
func Consume(ctx context.Context, driver string, sub Subscriber, sources []string, h Handler, delay func(attempt int) time.Duration, logger zerolog.Logger) {
	attempt := 0
	for {
		started := time.Now()
		err := sub.Subscribe(ctx, sources, h)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) >= stableSubscription {
			attempt = 0
		}
		attempt++
		wait := delay(attempt)
		metrics.Resubscribes.WithLabelValues(driver).Inc()
		logger.Warn().
			Err(err).
			Str("driver", driver).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("subscriber stopped, resubscribing")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}
