// Package bus carries trigger messages between the schedulers and their consumers.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrSubscriptionClosed is returned by Subscribe when the broker ends the
// subscription while ctx is still live.
var ErrSubscriptionClosed = errors.New("subscription closed by broker")

// Publisher hands one message to a transport. A call is a single attempt.
type Publisher interface {
	Publish(ctx context.Context, source string, payload any) error
}

// DelayedPublisher publishes a message that becomes visible to consumers at at.
type DelayedPublisher interface {
	PublishAt(ctx context.Context, source string, payload any, at time.Time) error
}

// Handler consumes the raw payload of one message.
type Handler func(ctx context.Context, source string, payload []byte) error

// Subscriber delivers messages of the given sources to h until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, sources []string, h Handler) error
}
