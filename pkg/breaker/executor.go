package breaker

import (
	"context"
	"log/slog"
	"time"

	"github.com/exceptionops/remsy/pkg/audit"
	"github.com/exceptionops/remsy/pkg/llm"
	"github.com/exceptionops/remsy/pkg/models"
)

// ClientSource is the slice of the routing fabric the executor needs.
// *llm.Fabric satisfies it; tests substitute fakes.
type ClientSource interface {
	Resolve(tenantID, domain, explicit string) llm.Selection
	Chain(tenantID, domain string) []string
	LoadProvider(tenantID, domain string) llm.Client
	BuildClient(provider, model, domain string) llm.Client
}

// CallInput describes one stage-level LLM call.
type CallInput struct {
	// Agent is the stage name, one half of the breaker key.
	Agent string

	TenantID    string
	Domain      string
	ExceptionID string

	// Schema names the stage output schema the response must satisfy.
	Schema string

	Prompt string

	// CallCtx carries routing hints plus the exception context handed to
	// domain sanitization.
	CallCtx map[string]any

	// Rules produces the deterministic stage output used when every LLM
	// path fails. It must not block and must not fail.
	Rules func() map[string]any
}

// FallbackInfo tags a rule-based result so decision metadata and audit can
// tell it apart from genuine LLM output.
type FallbackInfo struct {
	Reason string
	Path   string
}

// Meta returns the decision-metadata entries describing this fallback.
func (f *FallbackInfo) Meta() map[string]any {
	return map[string]any{
		models.MetaLLMFallback:    true,
		models.MetaFallbackReason: f.Reason,
		models.MetaFallbackPath:   f.Path,
	}
}

// CallResult is the outcome of CallWithFallback and LLMOrRules. Output always
// matches the requested schema; Fallback is non-nil when the rule-based path
// produced it.
type CallResult struct {
	Output   map[string]any
	Raw      map[string]any
	FromLLM  bool
	Fallback *FallbackInfo
}

// Executor funnels stage-level LLM calls through the breaker, the retry
// policy, and the rule-based recovery path. One executor serves the whole
// process; per-pair isolation lives in the breaker registry.
type Executor struct {
	src      ClientSource
	breakers *Registry
	retry    RetryConfig
	sink     audit.Sink
	log      *slog.Logger

	// sleep is swapped out by tests to skip real backoff waits.
	sleep func(context.Context, time.Duration) error
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithBreakers supplies a shared breaker registry.
func WithBreakers(r *Registry) ExecutorOption {
	return func(e *Executor) { e.breakers = r }
}

// WithRetry overrides the retry policy.
func WithRetry(cfg RetryConfig) ExecutorOption {
	return func(e *Executor) { e.retry = cfg.withDefaults() }
}

// WithAuditSink sets where fallback and validation-failure records go.
func WithAuditSink(s audit.Sink) ExecutorOption {
	return func(e *Executor) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithLogger sets the executor's logger.
func WithLogger(log *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if log != nil {
			e.log = log
		}
	}
}

// NewExecutor builds an executor over the given client source.
func NewExecutor(src ClientSource, opts ...ExecutorOption) *Executor {
	e := &Executor{
		src:   src,
		retry: DefaultRetryConfig(),
		sink:  audit.NopSink{},
		log:   slog.Default(),
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breakers == nil {
		e.breakers = NewRegistry(DefaultConfig(), e.log)
	}
	e.log = e.log.With("component", "llm_executor")
	return e
}

// Breakers exposes the registry for diagnostics.
func (e *Executor) Breakers() *Registry {
	return e.breakers
}

// LLMOrRules is the per-agent facade: it returns a schema-valid stage output
// either from the LLM (chain-routed when the key configures more than one
// provider) or from the rule function, marked as fallback.
func (e *Executor) LLMOrRules(ctx context.Context, in CallInput) CallResult {
	if chain := e.src.Chain(in.TenantID, in.Domain); len(chain) > 1 {
		return e.callViaChain(ctx, in)
	}
	return e.CallWithFallback(ctx, in)
}

// callViaChain walks the fallback chain once, then validates whatever text
// came back. Invalid output and chain exhaustion both land on the rules path.
func (e *Executor) callViaChain(ctx context.Context, in CallInput) CallResult {
	res := e.CallWithFallbackChain(ctx, in)

	exhausted, _ := res.Raw[llm.RawFallbackChainExhausted].(bool)
	if !exhausted {
		out, err := llm.ParseStageOutput(in.Schema, res.Text)
		if err == nil {
			return CallResult{Output: out, Raw: res.Raw, FromLLM: true}
		}
		e.auditValidationFailure(ctx, in, err)
		return e.ruleResult(in, res.Raw, string(models.KindValidationFailed))
	}
	return e.ruleResult(in, res.Raw, reasonChainExhausted)
}

const reasonChainExhausted = "fallback_chain_exhausted"

// ruleResult runs the rule function and tags its output as a fallback.
func (e *Executor) ruleResult(in CallInput, raw map[string]any, reason string) CallResult {
	out := map[string]any{}
	if in.Rules != nil {
		out = in.Rules()
	}
	return CallResult{
		Output: out,
		Raw:    raw,
		Fallback: &FallbackInfo{
			Reason: reason,
			Path:   models.FallbackPathRuleBased,
		},
	}
}

func (e *Executor) audit(ctx context.Context, rec audit.Record) {
	if err := e.sink.Append(ctx, rec); err != nil {
		e.log.Error("Failed to append audit record",
			"category", string(rec.Category),
			"exception_id", rec.ExceptionID,
			"error", err)
	}
}

func (e *Executor) auditValidationFailure(ctx context.Context, in CallInput, cause error) {
	e.audit(ctx, audit.NewRecord(audit.CategoryValidationFailure, in.ExceptionID, in.TenantID).
		WithStage(in.Agent).
		WithReason(truncate(cause.Error(), 200)).
		WithDetail("schema", in.Schema))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
