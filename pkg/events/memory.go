package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/exceptionops/remsy/pkg/models"
)

const (
	defaultMaxDeliver      = 3
	defaultRedeliveryDelay = 50 * time.Millisecond
)

// MemoryBroker is the in-process bus. Each consumer group keeps one FIFO
// queue per correlation id, drained by a goroutine that exists only while
// the key has pending events, so per-exception order holds and idle keys
// cost nothing. Handler errors requeue the event at the front of its key
// queue — redelivery never reorders — until the attempt cap drops it.
//
// Events pending at Close are lost; the in-process bus has no persistence
// and makes no delivery promise across restarts.
type MemoryBroker struct {
	log             *slog.Logger
	maxDeliver      int
	redeliveryDelay time.Duration

	mu     sync.Mutex
	subs   map[string]map[string]*memorySubscription // topic → group
	closed bool
	wg     sync.WaitGroup
}

// MemoryOption configures the in-process bus.
type MemoryOption func(*MemoryBroker)

// WithMemoryLogger sets the logger.
func WithMemoryLogger(log *slog.Logger) MemoryOption {
	return func(b *MemoryBroker) {
		if log != nil {
			b.log = log
		}
	}
}

// WithMemoryMaxDeliver caps delivery attempts per event.
func WithMemoryMaxDeliver(n int) MemoryOption {
	return func(b *MemoryBroker) {
		if n > 0 {
			b.maxDeliver = n
		}
	}
}

// WithMemoryRedeliveryDelay sets the pause before a failed event is retried.
func WithMemoryRedeliveryDelay(d time.Duration) MemoryOption {
	return func(b *MemoryBroker) {
		if d >= 0 {
			b.redeliveryDelay = d
		}
	}
}

// NewMemoryBroker creates an in-process bus.
func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		log:             slog.Default(),
		maxDeliver:      defaultMaxDeliver,
		redeliveryDelay: defaultRedeliveryDelay,
		subs:            make(map[string]map[string]*memorySubscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With("component", "events")
	return b
}

// Publish routes the event to every group subscribed to its topic. The
// event is validated and copied into each group's per-key queue; delivery
// happens asynchronously.
func (b *MemoryBroker) Publish(_ context.Context, ev models.CanonicalEvent) error {
	if err := validateEvent(ev); err != nil {
		return err
	}
	topic := TopicFor(ev.EventType)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return models.Errorf(models.KindNotAllowed, "broker is closed")
	}
	for _, sub := range b.subs[topic] {
		sub.enqueue(ev)
	}
	return nil
}

// Subscribe binds a handler to a (topic, group) pair. One binding per pair;
// a second Subscribe for the same pair is a conflict.
func (b *MemoryBroker) Subscribe(ctx context.Context, topic, group string, h Handler) (Subscription, error) {
	if h == nil {
		return nil, models.Errorf(models.KindValidationFailed, "nil handler for topic %s", topic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, models.Errorf(models.KindNotAllowed, "broker is closed")
	}
	if _, ok := b.subs[topic][group]; ok {
		return nil, models.Errorf(models.KindConflict, "group %q is already subscribed to %s", group, topic)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		broker:  b,
		topic:   topic,
		group:   group,
		handler: h,
		ctx:     subCtx,
		cancel:  cancel,
		pending: make(map[string][]memoryDelivery),
		active:  make(map[string]bool),
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*memorySubscription)
	}
	b.subs[topic][group] = sub
	return sub, nil
}

// Close stops delivery and waits for in-flight handlers to return.
func (b *MemoryBroker) Close(_ context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, groups := range b.subs {
		for _, sub := range groups {
			sub.cancel()
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

func (b *MemoryBroker) removeSubscription(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if groups, ok := b.subs[sub.topic]; ok && groups[sub.group] == sub {
		delete(groups, sub.group)
	}
}

type memoryDelivery struct {
	ev       models.CanonicalEvent
	attempts int
}

type memorySubscription struct {
	broker  *MemoryBroker
	topic   string
	group   string
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	pending map[string][]memoryDelivery
	active  map[string]bool
}

// Unsubscribe stops delivery for this binding. Pending events are dropped.
func (s *memorySubscription) Unsubscribe() error {
	s.cancel()
	s.broker.removeSubscription(s)
	return nil
}

// enqueue appends the event to its correlation key's queue and starts a
// drain goroutine if the key has none. Caller holds the broker lock.
func (s *memorySubscription) enqueue(ev models.CanonicalEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ev.CorrelationID
	s.pending[key] = append(s.pending[key], memoryDelivery{ev: ev})
	if !s.active[key] {
		s.active[key] = true
		s.broker.wg.Add(1)
		go s.drain(key)
	}
}

// drain processes one key's queue to completion, in order. Stops early when
// the subscription context is done.
func (s *memorySubscription) drain(key string) {
	defer s.broker.wg.Done()
	for {
		s.mu.Lock()
		queue := s.pending[key]
		if len(queue) == 0 || s.ctx.Err() != nil {
			delete(s.pending, key)
			s.active[key] = false
			s.mu.Unlock()
			return
		}
		d := queue[0]
		s.pending[key] = queue[1:]
		s.mu.Unlock()

		s.deliver(key, d)
	}
}

func (s *memorySubscription) deliver(key string, d memoryDelivery) {
	err := s.handler(s.ctx, d.ev)
	if err == nil {
		return
	}
	d.attempts++
	if d.attempts >= s.broker.maxDeliver {
		s.broker.log.Warn("Failed to deliver event, attempt cap reached",
			"topic", s.topic,
			"group", s.group,
			"event_type", string(d.ev.EventType),
			"event_id", d.ev.EventID,
			"attempts", d.attempts,
			"error", err)
		return
	}

	select {
	case <-s.ctx.Done():
		return
	case <-time.After(s.broker.redeliveryDelay):
	}

	// Requeue at the front so redelivery cannot overtake later events on
	// the same key.
	s.mu.Lock()
	s.pending[key] = append([]memoryDelivery{d}, s.pending[key]...)
	s.mu.Unlock()
}
