package breaker

import (
	"context"

	"github.com/exceptionops/remsy/pkg/audit"
	"github.com/exceptionops/remsy/pkg/llm"
	"github.com/exceptionops/remsy/pkg/metrics"
	"github.com/exceptionops/remsy/pkg/models"
)

const outcomeSuccess = "success"

// CallWithFallbackChain walks the configured provider chain for the routing
// key, attempting Generate exactly once per provider. The first success wins
// and its raw bag records which hop answered. When every provider fails the
// result is the terminal apology posing as the dummy stub; this path never
// returns an error, so callers can always read a response.
func (e *Executor) CallWithFallbackChain(ctx context.Context, in CallInput) *llm.GenerateResult {
	sel := e.src.Resolve(in.TenantID, in.Domain, "")
	chain := sel.FallbackChain
	if len(chain) == 0 {
		chain = []string{sel.Provider}
	}

	callCtx := withSchema(in.CallCtx, in.Schema)
	attempts := make([]map[string]any, 0, len(chain))

	for i, provider := range chain {
		model := ""
		if provider == sel.Provider {
			model = sel.Model
		}
		client := e.src.BuildClient(provider, model, in.Domain)

		attemptCtx, cancel := context.WithTimeout(ctx, e.retry.AttemptTimeout)
		res, err := client.Generate(attemptCtx, in.Prompt, callCtx)
		cancel()

		if err == nil {
			attempts = append(attempts, map[string]any{
				"provider": provider,
				"outcome":  outcomeSuccess,
			})
			if res.Raw == nil {
				res.Raw = map[string]any{}
			}
			res.Raw[llm.RawProviderUsed] = provider
			res.Raw[llm.RawProviderIndex] = i
			res.Raw[llm.RawTotalProvidersAttempted] = i + 1
			res.Raw[llm.RawAttempts] = attempts
			return res
		}

		kind := models.Classify(err, models.KindProviderError)
		attempts = append(attempts, map[string]any{
			"provider": provider,
			"outcome":  string(kind),
		})
		e.log.Warn("Provider failed, walking fallback chain",
			"tenant_id", in.TenantID,
			"domain", in.Domain,
			"provider", provider,
			"position", i,
			"chain_length", len(chain),
			"error_kind", string(kind),
			"error", err)

		next := llm.ProviderDummy
		if i+1 < len(chain) {
			next = chain[i+1]
		}
		metrics.RecordFallbackEvent(in.TenantID, in.Domain, provider, next)
	}

	e.audit(ctx, audit.NewRecord(audit.CategoryFallback, in.ExceptionID, in.TenantID).
		WithStage(in.Agent).
		WithReason(reasonChainExhausted).
		WithDetail("chain", chain).
		WithDetail("schema", in.Schema))
	e.log.Error("Fallback chain exhausted",
		"tenant_id", in.TenantID,
		"domain", in.Domain,
		"chain_length", len(chain))

	return &llm.GenerateResult{
		Text: llm.ApologyText,
		Raw: map[string]any{
			llm.RawProvider:                llm.ProviderDummy,
			llm.RawProviderUsed:            llm.ProviderDummy,
			llm.RawTotalProvidersAttempted: len(chain),
			llm.RawAttempts:                attempts,
			llm.RawFallbackChainExhausted:  true,
			llm.RawAllProvidersFailed:      true,
		},
	}
}
