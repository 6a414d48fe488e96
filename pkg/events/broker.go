package events

import (
	"context"

	"github.com/exceptionops/remsy/pkg/models"
)

// Handler processes one delivered event. A nil return acknowledges the
// event; an error triggers redelivery up to the broker's attempt cap.
type Handler func(ctx context.Context, ev models.CanonicalEvent) error

// Subscription is a live consumer binding. Unsubscribe stops delivery; for
// durable brokers the consumer position survives and a later Subscribe with
// the same group resumes from it.
type Subscription interface {
	Unsubscribe() error
}

// Broker is the pluggable event bus. The routing topic is derived from the
// event type (TopicFor), so a producer cannot misroute an event; consumers
// bind a handler to a (topic, group) pair and each group receives every
// event on the topic exactly once per delivery attempt.
//
// Two implementations exist: MemoryBroker for tests and the single-process
// CLI, JetStreamBroker for multi-process deployment.
type Broker interface {
	Publish(ctx context.Context, ev models.CanonicalEvent) error
	Subscribe(ctx context.Context, topic, group string, h Handler) (Subscription, error)
	Close(ctx context.Context) error
}
