package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/exceptionops/remsy/pkg/events"
	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/store"
)

const defaultConcurrency = 4

// Worker is one mesh consumer: a named handler bound to a topic and group.
type Worker interface {
	Name() string
	Topic() string
	Group() string
	Handle(ctx context.Context, ev models.CanonicalEvent) error
}

// Pool subscribes mesh workers to the broker, wraps each in the idempotent
// consumer contract, and tracks their health.
type Pool struct {
	broker      events.Broker
	processing  store.ProcessingStore
	workers     []Worker
	concurrency int
	log         *slog.Logger

	mu        sync.Mutex
	started   bool
	subs      []events.Subscription
	consumers map[string]*Consumer
}

// PoolOption configures the pool.
type PoolOption func(*Pool)

// WithConcurrency bounds how many events each consumer group processes at
// once.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPoolLogger sets the pool's logger.
func WithPoolLogger(log *slog.Logger) PoolOption {
	return func(p *Pool) {
		if log != nil {
			p.log = log
		}
	}
}

// NewPool builds a pool over the given workers. Start subscribes them.
func NewPool(broker events.Broker, processing store.ProcessingStore, workers []Worker, opts ...PoolOption) *Pool {
	p := &Pool{
		broker:      broker,
		processing:  processing,
		workers:     workers,
		concurrency: defaultConcurrency,
		log:         slog.Default(),
		consumers:   make(map[string]*Consumer, len(workers)),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "queue")
	return p
}

// NewMesh assembles the standard four-worker mesh over the shared
// dependencies: triage, playbook cursor, step execution, and feedback.
func NewMesh(d Deps, opts ...PoolOption) *Pool {
	workers := []Worker{
		NewTriageWorker(d),
		NewPlaybookWorker(d),
		NewStepWorker(d),
		NewFeedbackWorker(d),
	}
	if d.Log != nil {
		opts = append([]PoolOption{WithPoolLogger(d.Log)}, opts...)
	}
	return NewPool(d.Broker, d.Stores.Processing, workers, opts...)
}

// Start subscribes every worker to its topic. A subscription failure unwinds
// the ones already made and leaves the pool stopped.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		p.log.Warn("Worker pool already started")
		return nil
	}

	for _, w := range p.workers {
		c := newConsumer(w.Group(), p.processing, p.concurrency, w.Handle, p.log)
		sub, err := p.broker.Subscribe(ctx, w.Topic(), w.Group(), c.Handle)
		if err != nil {
			p.unwindLocked()
			return fmt.Errorf("failed to subscribe worker %s to topic %s: %w", w.Name(), w.Topic(), err)
		}
		p.subs = append(p.subs, sub)
		p.consumers[w.Name()] = c
		p.log.Info("Worker subscribed",
			"worker", w.Name(),
			"topic", w.Topic(),
			"consumer_group", w.Group())
	}

	p.started = true
	p.log.Info("Worker mesh started",
		"workers", len(p.workers),
		"concurrency", p.concurrency)
	return nil
}

// Stop unsubscribes every worker. In-flight handlers finish on their own;
// the broker stops delivering new events.
func (p *Pool) Stop(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	p.unwindLocked()
	p.started = false
	p.log.Info("Worker mesh stopped")
	return nil
}

func (p *Pool) unwindLocked() {
	for _, sub := range p.subs {
		if err := sub.Unsubscribe(); err != nil {
			p.log.Warn("Failed to unsubscribe worker", "error", err)
		}
	}
	p.subs = nil
	p.consumers = make(map[string]*Consumer, len(p.workers))
}

// ConsumerHealth is one consumer group's processing snapshot.
type ConsumerHealth struct {
	Worker    string    `json:"worker"`
	Group     string    `json:"group"`
	Processed int64     `json:"processed"`
	LastEvent time.Time `json:"lastEvent,omitempty"`
}

// PoolHealth is the mesh's health snapshot for readiness reporting.
type PoolHealth struct {
	Running   bool             `json:"running"`
	Consumers []ConsumerHealth `json:"consumers"`
}

// Health reports per-consumer processing counts in worker registration
// order.
func (p *Pool) Health() PoolHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	health := PoolHealth{Running: p.started}
	for _, w := range p.workers {
		c, ok := p.consumers[w.Name()]
		if !ok {
			continue
		}
		processed, last := c.stats()
		health.Consumers = append(health.Consumers, ConsumerHealth{
			Worker:    w.Name(),
			Group:     w.Group(),
			Processed: processed,
			LastEvent: last,
		})
	}
	return health
}
