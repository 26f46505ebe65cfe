package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"triggerflow/internal/codec"
	"triggerflow/internal/config"
	"triggerflow/internal/metrics"
)

// AMQP publishes to a direct exchange with the message source as routing key.
// A connection dropped by the broker is redialed on the next Publish or Subscribe.
type AMQP struct {
	url      string
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   zerolog.Logger
	mu       sync.Mutex
}

func DialAMQP(cfg config.AMQP, logger zerolog.Logger) (*AMQP, error) {
	conn, ch, err := dialAMQP(cfg.URL, cfg.Exchange)
	if err != nil {
		return nil, err
	}
	return &AMQP{
		url:      cfg.URL,
		conn:     conn,
		channel:  ch,
		exchange: cfg.Exchange,
		logger:   logger.With().Str("component", "bus.amqp").Logger(),
	}, nil
}

func dialAMQP(url, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("amqp declare exchange %s: %w", exchange, err)
	}
	return conn, ch, nil
}

// liveLocked redials when the connection or publish channel is gone. a.mu must be held.
func (a *AMQP) liveLocked() error {
	if !a.conn.IsClosed() && !a.channel.IsClosed() {
		return nil
	}
	conn, ch, err := dialAMQP(a.url, a.exchange)
	if err != nil {
		return err
	}
	_ = a.conn.Close()
	a.conn, a.channel = conn, ch
	a.logger.Info().Msg("amqp reconnected")
	return nil
}

func (a *AMQP) Publish(ctx context.Context, source string, payload any) error {
	body, err := codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", source, err)
	}
	// amqp channels are not safe for concurrent publishing
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.liveLocked(); err != nil {
		return err
	}
	err = a.channel.PublishWithContext(ctx, a.exchange, source, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         source,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", source, err)
	}
	metrics.MessagesPublished.WithLabelValues("amqp", source).Inc()
	return nil
}

// Subscribe binds one durable queue per source and consumes them on a
// dedicated channel. Failed deliveries are rejected without requeue. It
// returns ErrSubscriptionClosed when the broker closes the channel.
func (a *AMQP) Subscribe(ctx context.Context, sources []string, h Handler) error {
	a.mu.Lock()
	err := a.liveLocked()
	conn := a.conn
	a.mu.Unlock()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	deliveries := make(chan amqp.Delivery)
	var wg sync.WaitGroup
	for _, source := range sources {
		name := a.exchange + "." + source
		q, err := ch.QueueDeclare(name, true, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("amqp declare queue %s: %w", name, err)
		}
		if err := ch.QueueBind(q.Name, source, a.exchange, false, nil); err != nil {
			return fmt.Errorf("amqp bind %s: %w", name, err)
		}
		msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("amqp consume %s: %w", name, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range msgs {
				select {
				case deliveries <- d:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}()
	}
	// closed once every consumer's delivery channel has been closed
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	a.logger.Info().Strs("sources", sources).Msg("amqp consumer started")
	for {
		select {
		case <-ctx.Done():
			_ = ch.Close()
			<-done
			return nil
		case <-done:
			return ErrSubscriptionClosed
		case d := <-deliveries:
			if err := h(ctx, d.RoutingKey, d.Body); err != nil {
				a.logger.Error().Err(err).Str("source", d.RoutingKey).Str("message_id", d.MessageId).Msg("handler failed")
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel != nil {
		_ = a.channel.Close()
	}
	return a.conn.Close()
}
