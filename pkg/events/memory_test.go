package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exceptionops/remsy/pkg/models"
)

func testBroker(t *testing.T, opts ...MemoryOption) *MemoryBroker {
	t.Helper()
	base := []MemoryOption{
		WithMemoryLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMemoryRedeliveryDelay(time.Millisecond),
	}
	b := NewMemoryBroker(append(base, opts...)...)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

// collector gathers delivered events behind a mutex and signals arrival.
type collector struct {
	mu     sync.Mutex
	events []models.CanonicalEvent
	ch     chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 128)}
}

func (c *collector) handle(_ context.Context, ev models.CanonicalEvent) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.ch <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) []models.CanonicalEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, i)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.CanonicalEvent, len(c.events))
	copy(out, c.events)
	return out
}

func stepEvent(t *testing.T, exceptionID string, step int) models.CanonicalEvent {
	t.Helper()
	ev, err := New(models.EventStepExecutionRequested, "TENANT_A", exceptionID, StepExecutionRequestedPayload{
		ExceptionID: exceptionID,
		PlaybookID:  "pb-settlement-fail",
		StepNumber:  step,
		Action:      "getSettlement",
	})
	require.NoError(t, err)
	return ev
}

func TestMemoryBroker_DeliversToSubscribedGroup(t *testing.T) {
	b := testBroker(t)
	c := newCollector()
	_, err := b.Subscribe(context.Background(), TopicSteps, "step-worker", c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), stepEvent(t, "EX-1", 1)))

	got := c.wait(t, 1)
	assert.Equal(t, models.EventStepExecutionRequested, got[0].EventType)
	assert.Equal(t, "EX-1", got[0].CorrelationID)
}

func TestMemoryBroker_FIFOPerCorrelationKey(t *testing.T) {
	b := testBroker(t)
	c := newCollector()
	_, err := b.Subscribe(context.Background(), TopicSteps, "step-worker", c.handle)
	require.NoError(t, err)

	const steps = 20
	for i := 1; i <= steps; i++ {
		require.NoError(t, b.Publish(context.Background(), stepEvent(t, "EX-1", i)))
	}

	got := c.wait(t, steps)
	for i, ev := range got {
		payload, err := Decode[StepExecutionRequestedPayload](ev)
		require.NoError(t, err)
		assert.Equal(t, i+1, payload.StepNumber, "step order broken at index %d", i)
	}
}

func TestMemoryBroker_GroupsEachReceiveEveryEvent(t *testing.T) {
	b := testBroker(t)
	first, second := newCollector(), newCollector()
	_, err := b.Subscribe(context.Background(), TopicSteps, "step-worker", first.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), TopicSteps, "audit-tap", second.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), stepEvent(t, "EX-1", 1)))

	assert.Len(t, first.wait(t, 1), 1)
	assert.Len(t, second.wait(t, 1), 1)
}

func TestMemoryBroker_TopicIsolation(t *testing.T) {
	b := testBroker(t)
	c := newCollector()
	_, err := b.Subscribe(context.Background(), TopicResolved, "feedback-worker", c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), stepEvent(t, "EX-1", 1)))

	resolved, err := New(models.EventResolutionCompleted, "TENANT_A", "EX-1", ResolutionCompletedPayload{
		ExceptionID: "EX-1", Status: "RESOLVED",
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), resolved))

	got := c.wait(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, models.EventResolutionCompleted, got[0].EventType)
}

func TestMemoryBroker_RedeliversOnHandlerError(t *testing.T) {
	b := testBroker(t)

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	_, err := b.Subscribe(context.Background(), TopicSteps, "step-worker", func(_ context.Context, _ models.CanonicalEvent) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 2 {
			return fmt.Errorf("transient failure")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), stepEvent(t, "EX-1", 1)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not redelivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestMemoryBroker_AttemptCapDropsEventAndKeepsOrder(t *testing.T) {
	b := testBroker(t, WithMemoryMaxDeliver(2))

	var mu sync.Mutex
	var seen []int
	poisonAttempts := 0
	done := make(chan struct{})
	_, err := b.Subscribe(context.Background(), TopicSteps, "step-worker", func(_ context.Context, ev models.CanonicalEvent) error {
		payload, derr := Decode[StepExecutionRequestedPayload](ev)
		if derr != nil {
			return derr
		}
		mu.Lock()
		defer mu.Unlock()
		if payload.StepNumber == 1 {
			poisonAttempts++
			return fmt.Errorf("poison step")
		}
		seen = append(seen, payload.StepNumber)
		close(done)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), stepEvent(t, "EX-1", 1)))
	require.NoError(t, b.Publish(context.Background(), stepEvent(t, "EX-1", 2)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("later event never delivered after poison event dropped")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, poisonAttempts)
	assert.Equal(t, []int{2}, seen)
}

func TestMemoryBroker_RejectsInvalidEvent(t *testing.T) {
	b := testBroker(t)

	bad := models.NewCanonicalEvent(models.EventStepExecutionRequested, "", "EX-1", nil)
	err := b.Publish(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidationFailed))
}

func TestMemoryBroker_DuplicateGroupSubscriptionConflicts(t *testing.T) {
	b := testBroker(t)
	c := newCollector()
	_, err := b.Subscribe(context.Background(), TopicSteps, "step-worker", c.handle)
	require.NoError(t, err)

	_, err = b.Subscribe(context.Background(), TopicSteps, "step-worker", c.handle)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindConflict))
}

func TestMemoryBroker_UnsubscribeStopsDelivery(t *testing.T) {
	b := testBroker(t)
	c := newCollector()
	sub, err := b.Subscribe(context.Background(), TopicSteps, "step-worker", c.handle)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, b.Publish(context.Background(), stepEvent(t, "EX-1", 1)))

	select {
	case <-c.ch:
		t.Fatal("received event after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBroker_ClosedBrokerRejectsPublish(t *testing.T) {
	b := NewMemoryBroker(WithMemoryLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, b.Close(context.Background()))

	err := b.Publish(context.Background(), stepEvent(t, "EX-1", 1))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindNotAllowed))
}
