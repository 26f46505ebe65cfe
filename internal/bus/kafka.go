package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"triggerflow/internal/codec"
	"triggerflow/internal/config"
	"triggerflow/internal/metrics"
)

const kafkaGroupID = "triggerflow"

// Kafka writes each source to its own topic, prefix + source.
type Kafka struct {
	writer  *kafka.Writer
	brokers []string
	prefix  string
	logger  zerolog.Logger
}

func NewKafka(cfg config.Kafka, logger zerolog.Logger) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
		brokers: cfg.Brokers,
		prefix:  cfg.TopicPrefix,
		logger:  logger.With().Str("component", "bus.kafka").Logger(),
	}
}

func (k *Kafka) Topic(source string) string { return k.prefix + source }

func (k *Kafka) Publish(ctx context.Context, source string, payload any) error {
	body, err := codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", source, err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Topic:   k.Topic(source),
		Value:   body,
		Headers: []kafka.Header{{Key: "source", Value: []byte(source)}},
	})
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", source, err)
	}
	metrics.MessagesPublished.WithLabelValues("kafka", source).Inc()
	return nil
}

// Subscribe reads every source topic in the triggerflow consumer group. An
// offset is committed only after the handler succeeds.
func (k *Kafka) Subscribe(ctx context.Context, sources []string, h Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, source := range sources {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers: k.brokers,
			Topic:   k.Topic(source),
			GroupID: kafkaGroupID,
		})
		g.Go(func() error {
			defer r.Close()
			for {
				m, err := r.FetchMessage(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) || ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("kafka fetch %s: %w", source, err)
				}
				if err := h(ctx, source, m.Value); err != nil {
					k.logger.Error().Err(err).Str("source", source).Int64("offset", m.Offset).Msg("handler failed")
				}
				if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
					k.logger.Warn().Err(err).Str("source", source).Msg("commit failed")
				}
			}
		})
	}
	k.logger.Info().Strs("sources", sources).Msg("kafka consumer started")
	return g.Wait()
}

func (k *Kafka) Close() error { return k.writer.Close() }
