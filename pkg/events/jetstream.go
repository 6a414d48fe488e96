package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/exceptionops/remsy/pkg/models"
)

const (
	defaultStreamName    = "REMSY_EVENTS"
	defaultSubjectPrefix = "remsy"
	defaultAckWait       = 60 * time.Second
	fetchWait            = 5 * time.Second
)

// JetStreamBroker binds the bus onto NATS JetStream. Every event is
// published on a subject of the form
//
//	<prefix>.<topic>.<correlation-token>
//
// so JetStream's per-subject ordering is the partition key, and each
// (topic, group) pair maps to one durable pull consumer filtered on
// <prefix>.<topic>.*. The consumer loop fetches and handles one message at
// a time, which keeps in-exception order within a process; running one
// puller per group preserves it across the deployment.
//
// The broker provisions its stream on construction and owns the consumers,
// not the connection: Close stops the consume loops and leaves the
// *nats.Conn to the caller.
type JetStreamBroker struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	log    *slog.Logger

	streamName    string
	subjectPrefix string
	ackWait       time.Duration
	maxDeliver    int

	mu      sync.Mutex
	cancels []context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// JetStreamOption configures the JetStream binding.
type JetStreamOption func(*JetStreamBroker)

// WithJetStreamLogger sets the logger.
func WithJetStreamLogger(log *slog.Logger) JetStreamOption {
	return func(b *JetStreamBroker) {
		if log != nil {
			b.log = log
		}
	}
}

// WithStreamName overrides the stream the broker provisions.
func WithStreamName(name string) JetStreamOption {
	return func(b *JetStreamBroker) {
		if name != "" {
			b.streamName = name
		}
	}
}

// WithAckWait sets how long a delivery may stay unacknowledged before
// JetStream redelivers it. Must cover the slowest handler path (LLM calls).
func WithAckWait(d time.Duration) JetStreamOption {
	return func(b *JetStreamBroker) {
		if d > 0 {
			b.ackWait = d
		}
	}
}

// WithJetStreamMaxDeliver caps delivery attempts per event.
func WithJetStreamMaxDeliver(n int) JetStreamOption {
	return func(b *JetStreamBroker) {
		if n > 0 {
			b.maxDeliver = n
		}
	}
}

// NewJetStreamBroker connects the bus to JetStream and provisions the
// event stream.
func NewJetStreamBroker(ctx context.Context, nc *nats.Conn, opts ...JetStreamOption) (*JetStreamBroker, error) {
	b := &JetStreamBroker{
		log:           slog.Default(),
		streamName:    defaultStreamName,
		subjectPrefix: defaultSubjectPrefix,
		ackWait:       defaultAckWait,
		maxDeliver:    defaultMaxDeliver,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With("component", "events")

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to get jetstream context: %w", err)
	}
	b.js = js

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     b.streamName,
		Subjects: []string{b.subjectPrefix + ".>"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to provision stream %s: %w", b.streamName, err)
	}
	b.stream = stream

	b.log.Info("JetStream broker ready", "stream", b.streamName)
	return b, nil
}

// Publish routes the event onto its topic's subject space.
func (b *JetStreamBroker) Publish(ctx context.Context, ev models.CanonicalEvent) error {
	if err := validateEvent(ev); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", ev.EventID, err)
	}
	subject := b.subjectFor(TopicFor(ev.EventType), ev.CorrelationID)
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", ev.EventType, subject, err)
	}
	return nil
}

// Subscribe creates (or rebinds) the durable consumer for the pair and
// starts its consume loop. The loop stops when ctx is cancelled, the
// subscription is unsubscribed, or the broker closes; the durable consumer
// survives and a later Subscribe resumes from its position.
func (b *JetStreamBroker) Subscribe(ctx context.Context, topic, group string, h Handler) (Subscription, error) {
	if h == nil {
		return nil, models.Errorf(models.KindValidationFailed, "nil handler for topic %s", topic)
	}

	durable := token(group) + "_" + token(topic)
	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: b.filterFor(topic),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.ackWait,
		MaxDeliver:    b.maxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %s: %w", durable, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, models.Errorf(models.KindNotAllowed, "broker is closed")
	}
	subCtx, cancel := context.WithCancel(ctx)
	b.cancels = append(b.cancels, cancel)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.consumeLoop(subCtx, consumer, topic, group, h)

	b.log.Info("Consumer started", "topic", topic, "group", group, "durable", durable)
	return &jetStreamSubscription{cancel: cancel}, nil
}

// Close stops every consume loop and waits for in-flight handlers.
func (b *JetStreamBroker) Close(_ context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, cancel := range b.cancels {
		cancel()
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

func (b *JetStreamBroker) consumeLoop(ctx context.Context, consumer jetstream.Consumer, topic, group string, h Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Debug("Fetch timeout or error", "topic", topic, "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			b.handleMessage(ctx, msg, topic, group, h)
		}

		if msgs.Error() != nil && !errors.Is(msgs.Error(), context.DeadlineExceeded) {
			b.log.Warn("Message fetch error", "topic", topic, "error", msgs.Error())
		}
	}
}

func (b *JetStreamBroker) handleMessage(ctx context.Context, msg jetstream.Msg, topic, group string, h Handler) {
	if ctx.Err() != nil {
		b.nak(msg)
		return
	}

	var ev models.CanonicalEvent
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		b.log.Error("Failed to decode event",
			"topic", topic, "group", group, "error", err)
		b.nak(msg)
		return
	}

	if err := h(ctx, ev); err != nil {
		b.log.Warn("Failed to handle event, requesting redelivery",
			"topic", topic,
			"group", group,
			"event_type", string(ev.EventType),
			"event_id", ev.EventID,
			"error", err)
		b.nak(msg)
		return
	}

	if err := msg.Ack(); err != nil {
		b.log.Warn("Failed to ack event", "event_id", ev.EventID, "error", err)
	}
}

func (b *JetStreamBroker) nak(msg jetstream.Msg) {
	if err := msg.Nak(); err != nil {
		b.log.Warn("Failed to NAK message", "error", err)
	}
}

// subjectFor maps (topic, correlation id) onto the wire subject. The
// correlation token is one subject token, so a topic's filter never
// overlaps another topic that shares its prefix (exceptions vs.
// exceptions.triaged).
func (b *JetStreamBroker) subjectFor(topic, correlationID string) string {
	return b.subjectPrefix + "." + topic + "." + token(correlationID)
}

func (b *JetStreamBroker) filterFor(topic string) string {
	return b.subjectPrefix + "." + topic + ".*"
}

// token flattens an identifier into a single NATS token.
func token(s string) string {
	if s == "" {
		return "unkeyed"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

type jetStreamSubscription struct {
	cancel context.CancelFunc
}

// Unsubscribe stops the consume loop. The durable consumer keeps its
// position for the next Subscribe.
func (s *jetStreamSubscription) Unsubscribe() error {
	s.cancel()
	return nil
}
