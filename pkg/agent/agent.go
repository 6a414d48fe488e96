// Package agent implements the five pipeline stages: Triage, Policy,
// Resolution, Supervisor, and Feedback. Every stage runs a rule-based
// computation that is sufficient by itself; when an LLM executor is
// configured it contributes through the breaker facade and is merged under
// stage-specific precedence rules that never let the model override a
// rule-based safety decision.
package agent

import (
	"context"
	"log/slog"

	"github.com/exceptionops/remsy/pkg/audit"
	"github.com/exceptionops/remsy/pkg/breaker"
	"github.com/exceptionops/remsy/pkg/llm"
	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/pack"
)

// Stage is implemented by all five pipeline stages.
// Process returns an error only for infrastructure failures where no
// meaningful decision exists (for example a stats store outage); every
// agent-level degradation — LLM failure, validation failure, circuit open —
// is absorbed into the decision itself.
type Stage interface {
	Name() string
	Process(ctx context.Context, exc *models.Exception, sctx *StageContext) (models.AgentDecision, error)
}

// LLMCaller is the slice of the breaker executor the stages need.
// *breaker.Executor satisfies it; tests substitute fakes.
type LLMCaller interface {
	LLMOrRules(ctx context.Context, in breaker.CallInput) breaker.CallResult
}

// TypeUnclassified is the triage classification when no declared exception
// type matches. Downstream stages treat it as non-actionable.
const TypeUnclassified = "UNCLASSIFIED"

// Decision metadata keys written by the stages and read by the pipeline.
const (
	// MetaActionability carries Policy's actionability classification.
	MetaActionability = "actionability"
	// MetaPlaybookID names the playbook Policy selected, when any.
	MetaPlaybookID = "playbook_id"
	// MetaSeverity carries Triage's chosen severity.
	MetaSeverity = "severity"
	// MetaExceptionType carries Triage's chosen exception type.
	MetaExceptionType = "exception_type"
	// MetaPlan carries Resolution's validated []PlanStep.
	MetaPlan = "plan"
	// MetaViolations counts plan steps denied by the allow-list.
	MetaViolations = "violations"
	// MetaRunReport carries the *playbook.RunReport when Resolution drove
	// the engine.
	MetaRunReport = "run_report"
	// MetaDraftPlaybook carries the suggested draft for non-approved
	// processes. Drafts are never auto-approved.
	MetaDraftPlaybook = "suggested_draft_playbook"
	// MetaStats carries the feedback stage's updated statistics snapshot.
	MetaStats = "stats"
	// MetaRecommendations counts recommendations persisted by feedback.
	MetaRecommendations = "recommendations"
	// MetaCheckpoint marks which supervisor checkpoint produced a ruling.
	MetaCheckpoint = "checkpoint"
)

// StageContext carries everything a stage needs beyond the exception itself:
// the resolved packs, prior stage decisions, and optional retrieval evidence.
// The pipeline owns it and threads it through the stages in order.
type StageContext struct {
	Pack   *models.DomainPack
	Policy *models.TenantPolicyPack

	// Guardrails are the effective guardrails for the binding. Nil means
	// stages overlay Policy onto Pack themselves.
	Guardrails *models.Guardrails

	// SimilarCases is optional similar-case evidence handed to Triage.
	SimilarCases []string

	// Playbook is the process selected by Policy, threaded to Resolution.
	Playbook *models.Playbook

	// DryRun makes Resolution simulate tool invocations instead of calling
	// live endpoints.
	DryRun bool

	// Decisions holds prior stage outputs keyed by stage name.
	Decisions map[string]models.AgentDecision
}

// Decision returns the recorded decision for a stage.
func (c *StageContext) Decision(stage string) (models.AgentDecision, bool) {
	d, ok := c.Decisions[stage]
	return d, ok
}

// SetDecision records a stage decision, allocating the map if needed.
func (c *StageContext) SetDecision(stage string, d models.AgentDecision) {
	if c.Decisions == nil {
		c.Decisions = make(map[string]models.AgentDecision, 5)
	}
	c.Decisions[stage] = d
}

// EffectiveGuardrails resolves the guardrails for this binding: the explicit
// set when present, otherwise the tenant overlay merged onto the domain's.
func (c *StageContext) EffectiveGuardrails() *models.Guardrails {
	if c.Guardrails != nil {
		return c.Guardrails
	}
	var baseline *models.Guardrails
	if c.Pack != nil {
		baseline = &c.Pack.Guardrails
	}
	var overlay *models.Guardrails
	if c.Policy != nil {
		overlay = c.Policy.CustomGuardrails
	}
	merged, err := pack.MergeGuardrails(baseline, overlay)
	if err != nil || merged == nil {
		if baseline != nil {
			return baseline
		}
		return &models.Guardrails{}
	}
	return merged
}

// ChainConfidence is the weakest confidence across the recorded decisions,
// or 1 when none exist. The supervisor uses it to judge the whole chain.
func (c *StageContext) ChainConfidence() float64 {
	conf := 1.0
	for _, d := range c.Decisions {
		if d.Confidence < conf {
			conf = d.Confidence
		}
	}
	return conf
}

// base carries the dependencies shared by every stage.
type base struct {
	name string
	llm  LLMCaller
	sink audit.Sink
	log  *slog.Logger
}

// Option configures a stage.
type Option func(*base)

// WithAuditSink sets where decision records go.
func WithAuditSink(s audit.Sink) Option {
	return func(b *base) {
		if s != nil {
			b.sink = s
		}
	}
}

// WithLogger sets the stage's logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *base) {
		if log != nil {
			b.log = log
		}
	}
}

// newBase wires the shared dependencies. caller may be nil for a pure
// rule-based stage.
func newBase(name string, caller LLMCaller, opts ...Option) base {
	b := base{
		name: name,
		llm:  caller,
		sink: audit.NopSink{},
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&b)
	}
	b.log = b.log.With("component", "agent", "stage", name)
	return b
}

// Name returns the stage name.
func (b *base) Name() string { return b.name }

// callLLM runs the breaker facade when an executor is configured. The second
// return is false when the stage is rule-based only.
func (b *base) callLLM(ctx context.Context, exc *models.Exception, prompt string, rules func() map[string]any) (breaker.CallResult, bool) {
	if b.llm == nil {
		return breaker.CallResult{}, false
	}
	cc := callContext(exc, b.name)
	if rules != nil {
		addRuleHints(cc, rules())
	}
	return b.llm.LLMOrRules(ctx, breaker.CallInput{
		Agent:       b.name,
		TenantID:    exc.TenantID,
		Domain:      exc.Domain,
		ExceptionID: exc.ExceptionID,
		Schema:      b.name,
		Prompt:      prompt,
		CallCtx:     cc,
		Rules:       rules,
	}), true
}

// callContext builds the per-call context map: the exception's normalized
// context (so domain sanitizers can sweep identifier values) plus the intent
// hint.
func callContext(exc *models.Exception, stage string) map[string]any {
	cc := make(map[string]any, len(exc.NormalizedContext)+1)
	for k, v := range exc.NormalizedContext {
		cc[k] = v
	}
	cc[llm.CtxIntent] = stage + " decision"
	return cc
}

// addRuleHints mirrors the rule core's verdict into the call context under
// the stub provider's hint keys, so a dummy-routed run echoes the rules
// instead of fighting them.
func addRuleHints(cc map[string]any, out map[string]any) {
	if v, ok := out["exception_type"].(string); ok && v != "" {
		cc[llm.CtxRuleType] = v
	}
	if v, ok := out["severity"].(string); ok && v != "" {
		cc[llm.CtxRuleSeverity] = v
	}
	if v, ok := out["decision"].(string); ok && v != "" {
		cc[llm.CtxRuleDecision] = v
	}
	if v, ok := out["ruling"].(string); ok && v != "" {
		cc[llm.CtxRuleDecision] = v
	}
}

// applyFallback tags a decision produced without LLM input.
func applyFallback(d models.AgentDecision, fb *breaker.FallbackInfo) models.AgentDecision {
	if fb == nil {
		return d
	}
	for k, v := range fb.Meta() {
		d = d.WithMeta(k, v)
	}
	return d
}

// auditDecision writes the stage's decision record.
func (b *base) auditDecision(ctx context.Context, exc *models.Exception, d models.AgentDecision, detail map[string]any) {
	rec := audit.NewRecord(audit.CategoryDecision, exc.ExceptionID, exc.TenantID).
		WithStage(b.name).
		WithStatus(d.Decision).
		WithDetail("confidence", d.Confidence)
	if d.IsFallback() {
		rec = rec.WithDetail(models.MetaLLMFallback, true)
	}
	for k, v := range detail {
		rec = rec.WithDetail(k, v)
	}
	if err := b.sink.Append(ctx, rec); err != nil {
		b.log.Error("Failed to append audit record",
			"exception_id", exc.ExceptionID,
			"error", err)
	}
}
