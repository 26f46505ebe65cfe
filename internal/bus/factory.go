package bus

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"triggerflow/internal/config"
	"triggerflow/internal/queue"
)

// Transport is the configured publisher, decorated, plus the matching
// subscriber. Subscriber is nil for the queue driver, whose messages are
// consumed by the worker pool.
type Transport struct {
	Driver     string
	Publisher  Publisher
	Subscriber Subscriber
	Close      func() error
}

func New(cfg config.Config, repo queue.Repository, logger zerolog.Logger) (*Transport, error) {
	t := &Transport{Driver: cfg.Bus.Driver, Close: func() error { return nil }}
	var base Publisher

	switch cfg.Bus.Driver {
	case "queue":
		base = NewQueue(repo, cfg.Worker.MaxAttempts, cfg.Worker.VisibilityTimeout)
	case "amqp":
		a, err := DialAMQP(cfg.Bus.AMQP, logger)
		if err != nil {
			return nil, err
		}
		base, t.Subscriber, t.Close = a, a, a.Close
	case "kafka":
		k := NewKafka(cfg.Bus.Kafka, logger)
		base, t.Subscriber, t.Close = k, k, k.Close
	case "redis":
		host, _ := os.Hostname()
		r := NewRedis(cfg.Bus.Redis, "triggerflow-"+host, logger)
		base, t.Subscriber, t.Close = r, r, r.Close
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}

	if cfg.Bus.Breaker.TripFailures > 0 {
		base = NewBreaker(base, cfg.Bus.Breaker.TripFailures, cfg.Bus.Breaker.OpenTimeout, logger)
	}
	if cfg.Bus.RatePerSec > 0 {
		base = NewLimited(base, cfg.Bus.RatePerSec, cfg.Bus.Burst)
	}
	t.Publisher = base
	return t, nil
}
