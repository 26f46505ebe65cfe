package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"triggerflow/internal/codec"
	"triggerflow/internal/config"
	"triggerflow/internal/metrics"
)

const redisGroup = "triggerflow"

// Redis appends messages to one stream per source, prefix + source.
type Redis struct {
	client        *redis.Client
	prefix        string
	consumer      string
	claimIdle     time.Duration
	maxDeliveries int64
	logger        zerolog.Logger
}

func NewRedis(cfg config.Redis, consumer string, logger zerolog.Logger) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix:        cfg.StreamPrefix,
		consumer:      consumer,
		claimIdle:     cfg.ClaimIdle,
		maxDeliveries: int64(cfg.MaxDeliveries),
		logger:        logger.With().Str("component", "bus.redis").Logger(),
	}
}

func (r *Redis) Stream(source string) string { return r.prefix + source }

func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Redis) Publish(ctx context.Context, source string, payload any) error {
	body, err := codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", source, err)
	}
	_, err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.Stream(source),
		Values: map[string]interface{}{
			"source":  source,
			"payload": body,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("redis xadd %s: %w", source, err)
	}
	metrics.MessagesPublished.WithLabelValues("redis", source).Inc()
	return nil
}

// Subscribe reads the source streams through a consumer group and acks each
// entry once handled. Failed entries stay pending and are claimed again after
// claimIdle; an entry delivered maxDeliveries times is acked and dropped.
func (r *Redis) Subscribe(ctx context.Context, sources []string, h Handler) error {
	streams := make([]string, 0, len(sources)*2)
	bySource := make(map[string]string, len(sources))
	for _, source := range sources {
		stream := r.Stream(source)
		err := r.client.XGroupCreateMkStream(ctx, stream, redisGroup, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("redis create group %s: %w", stream, err)
		}
		streams = append(streams, stream)
		bySource[stream] = source
	}
	for range sources {
		streams = append(streams, ">")
	}

	r.logger.Info().Strs("sources", sources).Msg("redis consumer started")
	lastClaim := time.Now()
	for {
		if r.claimIdle > 0 && time.Since(lastClaim) >= r.claimIdle {
			for stream, source := range bySource {
				if err := r.reclaim(ctx, stream, source, h); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
			}
			lastClaim = time.Now()
		}

		res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    redisGroup,
			Consumer: r.consumer,
			Streams:  streams,
			Count:    16,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("redis xreadgroup: %w", err)
		}
		for _, st := range res {
			for _, msg := range st.Messages {
				r.handle(ctx, st.Stream, bySource[st.Stream], msg, h)
			}
		}
	}
}

func (r *Redis) handle(ctx context.Context, stream, source string, msg redis.XMessage, h Handler) {
	payload, _ := msg.Values["payload"].(string)
	if err := h(ctx, source, []byte(payload)); err != nil {
		r.logger.Error().Err(err).Str("source", source).Str("entry", msg.ID).Msg("handler failed")
		return
	}
	if err := r.client.XAck(ctx, stream, redisGroup, msg.ID).Err(); err != nil {
		r.logger.Warn().Err(err).Str("entry", msg.ID).Msg("xack failed")
	}
}

// reclaim redelivers entries that have been pending for claimIdle.
func (r *Redis) reclaim(ctx context.Context, stream, source string, h Handler) error {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  redisGroup,
		Idle:   r.claimIdle,
		Start:  "-",
		End:    "+",
		Count:  64,
	}).Result()
	if err != nil {
		return fmt.Errorf("redis xpending %s: %w", stream, err)
	}
	retry, drop := splitPending(pending, r.maxDeliveries)

	if len(drop) > 0 {
		if err := r.client.XAck(ctx, stream, redisGroup, drop...).Err(); err != nil {
			return fmt.Errorf("redis xack %s: %w", stream, err)
		}
		r.logger.Error().Str("source", source).Strs("entries", drop).Int64("max_deliveries", r.maxDeliveries).Msg("dropping entries after max deliveries")
	}
	if len(retry) == 0 {
		return nil
	}
	msgs, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    redisGroup,
		Consumer: r.consumer,
		MinIdle:  r.claimIdle,
		Messages: retry,
	}).Result()
	if err != nil {
		return fmt.Errorf("redis xclaim %s: %w", stream, err)
	}
	for _, msg := range msgs {
		r.handle(ctx, stream, source, msg, h)
	}
	return nil
}

// splitPending separates entries to redeliver from entries that reached
// maxDeliveries. maxDeliveries <= 0 never drops.
func splitPending(pending []redis.XPendingExt, maxDeliveries int64) (retry, drop []string) {
	for _, p := range pending {
		if maxDeliveries > 0 && p.RetryCount >= maxDeliveries {
			drop = append(drop, p.ID)
			continue
		}
		retry = append(retry, p.ID)
	}
	return retry, drop
}

func (r *Redis) Close() error { return r.client.Close() }
