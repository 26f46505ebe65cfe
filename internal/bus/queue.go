package bus

import (
	"context"
	"fmt"
	"time"

	"triggerflow/internal/codec"
	"triggerflow/internal/domain"
	"triggerflow/internal/metrics"
	"triggerflow/internal/queue"
)

// Queue publishes into the SQLite outbox, consumed by the worker pool.
type Queue struct {
	repo        queue.Repository
	maxAttempts int
	visibility  time.Duration
}

func NewQueue(repo queue.Repository, maxAttempts int, visibility time.Duration) *Queue {
	return &Queue{repo: repo, maxAttempts: maxAttempts, visibility: visibility}
}

func (q *Queue) Publish(ctx context.Context, source string, payload any) error {
	return q.PublishAt(ctx, source, payload, time.Time{})
}

func (q *Queue) PublishAt(ctx context.Context, source string, payload any, at time.Time) error {
	body, err := codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", source, err)
	}
	_, err = q.repo.Enqueue(ctx, domain.Message{
		Source:            source,
		Payload:           body,
		MaxAttempts:       q.maxAttempts,
		NextRunAt:         at,
		VisibilityTimeout: int(q.visibility / time.Second),
	})
	if err != nil {
		return err
	}
	metrics.MessagesPublished.WithLabelValues("queue", source).Inc()
	return nil
}
