package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/store"
)

// Consumer group names. Each group receives its own delivery of every event
// on its topic, so the idempotency claim is scoped per group.
const (
	GroupTriage   = "triage"
	GroupPlaybook = "playbook"
	GroupSteps    = "steps"
	GroupFeedback = "feedback"
)

// Consumer wraps a worker handler with the at-least-once processing contract:
// claim the (event_id, consumer_group) pair, run the handler, and record the
// outcome. A duplicate delivery loses the claim and is acked without effect;
// a handler error marks the pair failed so the broker redelivers.
type Consumer struct {
	group      string
	processing store.ProcessingStore
	handle     func(ctx context.Context, ev models.CanonicalEvent) error
	limit      chan struct{}
	log        *slog.Logger

	mu        sync.Mutex
	processed int64
	lastEvent time.Time
}

func newConsumer(group string, processing store.ProcessingStore, concurrency int,
	handle func(ctx context.Context, ev models.CanonicalEvent) error, log *slog.Logger) *Consumer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Consumer{
		group:      group,
		processing: processing,
		handle:     handle,
		limit:      make(chan struct{}, concurrency),
		log:        log.With("consumer_group", group),
	}
}

// Handle is the broker-facing entry point. A nil return acknowledges the
// event; an error asks the broker to redeliver.
func (c *Consumer) Handle(ctx context.Context, ev models.CanonicalEvent) error {
	// 1. Bounded concurrency per group.
	select {
	case c.limit <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.limit }()

	// 2. Claim the pair. A conflict means this delivery is a duplicate of
	// one already claimed or completed.
	if err := c.processing.MarkProcessing(ctx, ev.EventID, c.group); err != nil {
		if models.IsKind(err, models.KindConflict) {
			c.log.Debug("Duplicate delivery absorbed",
				"event_id", ev.EventID,
				"event_type", string(ev.EventType))
			return nil
		}
		return fmt.Errorf("failed to claim event %s for group %s: %w", ev.EventID, c.group, err)
	}

	// 3. Process. A failed handler releases the claim for redelivery.
	if err := c.handle(ctx, ev); err != nil {
		if markErr := c.processing.MarkFailed(ctx, ev.EventID, c.group, err); markErr != nil {
			c.log.Warn("Failed to record processing failure",
				"event_id", ev.EventID,
				"error", markErr)
		}
		return err
	}

	// 4. Seal the claim so replays of this event id are absorbed.
	if err := c.processing.MarkCompleted(ctx, ev.EventID, c.group); err != nil {
		c.log.Warn("Failed to record processing completion",
			"event_id", ev.EventID,
			"error", err)
	}

	c.mu.Lock()
	c.processed++
	c.lastEvent = time.Now().UTC()
	c.mu.Unlock()
	return nil
}

// stats returns the processed count and last event time for health reporting.
func (c *Consumer) stats() (int64, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed, c.lastEvent
}
