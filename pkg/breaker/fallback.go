package breaker

import (
	"context"
	"time"

	"github.com/exceptionops/remsy/pkg/audit"
	"github.com/exceptionops/remsy/pkg/llm"
	"github.com/exceptionops/remsy/pkg/metrics"
	"github.com/exceptionops/remsy/pkg/models"
)

// RetryConfig bounds the retry loop inside CallWithFallback.
type RetryConfig struct {
	// MaxRetries is the attempt cap, first try included.
	MaxRetries int

	// BaseDelay is the backoff before the first retry; it doubles per retry.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// AttemptTimeout bounds each individual Generate call.
	AttemptTimeout time.Duration
}

// DefaultRetryConfig returns the stock retry policy for LLM calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       10 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	return c
}

// Delay returns the backoff before retry n (1-based), doubling from BaseDelay
// up to MaxDelay.
func (c RetryConfig) Delay(retry int) time.Duration {
	d := c.BaseDelay
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// CallWithFallback runs the single-provider path: breaker gate, bounded
// retries with exponential backoff, schema validation of each response, and
// the rule-based fallback once the budget is spent. A circuit-open denial
// skips straight to the rules; everything else burns an attempt.
func (e *Executor) CallWithFallback(ctx context.Context, in CallInput) CallResult {
	br := e.breakers.For(in.Agent, in.TenantID)
	client := e.src.LoadProvider(in.TenantID, in.Domain)
	callCtx := withSchema(in.CallCtx, in.Schema)

	var (
		lastKind models.ErrorKind
		lastErr  error
	)

	for attempt := 1; attempt <= e.retry.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := e.sleep(ctx, e.retry.Delay(attempt-1)); err != nil {
				lastKind, lastErr = models.KindTimeout, err
				break
			}
		}

		if !br.CanAttempt() {
			lastKind = models.KindCircuitOpen
			lastErr = models.Errorf(models.KindCircuitOpen,
				"breaker open for agent %q tenant %q", in.Agent, in.TenantID)
			e.log.Warn("Circuit open, skipping LLM call",
				"agent", in.Agent,
				"tenant_id", in.TenantID,
				"provider", client.Provider())
			break
		}

		out, raw, err := e.generateOnce(ctx, client, in.Prompt, callCtx, in.Schema)
		if err == nil {
			br.RecordSuccess()
			return CallResult{Output: out, Raw: raw, FromLLM: true}
		}

		lastKind = models.Classify(err, models.KindProviderError)
		lastErr = err
		br.RecordFailure()
		if lastKind == models.KindValidationFailed {
			e.auditValidationFailure(ctx, in, err)
		}
		e.log.Warn("LLM call failed",
			"agent", in.Agent,
			"tenant_id", in.TenantID,
			"provider", client.Provider(),
			"attempt", attempt,
			"max_attempts", e.retry.MaxRetries,
			"error_kind", string(lastKind),
			"error", err)
	}

	return e.ruleFallback(ctx, in, client.Provider(), lastKind, lastErr)
}

// generateOnce runs a single bounded Generate and validates the response
// against the stage schema.
func (e *Executor) generateOnce(ctx context.Context, client llm.Client, prompt string, callCtx map[string]any, schema string) (map[string]any, map[string]any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.retry.AttemptTimeout)
	defer cancel()

	res, err := client.Generate(attemptCtx, prompt, callCtx)
	if err != nil {
		var raw map[string]any
		if res != nil {
			raw = res.Raw
		}
		return nil, raw, err
	}

	out, err := llm.ParseStageOutput(schema, res.Text)
	if err != nil {
		return nil, res.Raw, err
	}
	return out, res.Raw, nil
}

// ruleFallback records the downgrade and hands the call to the rule function.
func (e *Executor) ruleFallback(ctx context.Context, in CallInput, provider string, kind models.ErrorKind, cause error) CallResult {
	reason := string(kind)
	if reason == "" {
		reason = string(models.KindProviderError)
	}

	metrics.RecordFallbackEvent(in.TenantID, in.Domain, provider, models.FallbackPathRuleBased)

	rec := audit.NewRecord(audit.CategoryFallback, in.ExceptionID, in.TenantID).
		WithStage(in.Agent).
		WithReason(reason).
		WithDetail("provider", provider).
		WithDetail("schema", in.Schema)
	if cause != nil {
		rec = rec.WithDetail("error", truncate(cause.Error(), 200))
	}
	e.audit(ctx, rec)

	e.log.Warn("Falling back to rule-based path",
		"agent", in.Agent,
		"tenant_id", in.TenantID,
		"provider", provider,
		"reason", reason)

	return e.ruleResult(in, nil, reason)
}

// withSchema copies the call context and pins the schema hint without
// mutating the caller's map.
func withSchema(callCtx map[string]any, schema string) map[string]any {
	out := make(map[string]any, len(callCtx)+1)
	for k, v := range callCtx {
		out[k] = v
	}
	if schema != "" {
		out[llm.CtxSchema] = schema
	}
	return out
}

// sleepCtx blocks for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
