package playbook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/exceptionops/remsy/pkg/audit"
	"github.com/exceptionops/remsy/pkg/metrics"
	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/pack"
	"github.com/exceptionops/remsy/pkg/tools"
)

// StepStatus is the lifecycle of one playbook step.
type StepStatus string

const (
	StepPending       StepStatus = "PENDING"
	StepExecuting     StepStatus = "EXECUTING"
	StepSuccess       StepStatus = "SUCCESS"
	StepFailed        StepStatus = "FAILED"
	StepSkipped       StepStatus = "SKIPPED"
	StepNeedsApproval StepStatus = "NEEDS_APPROVAL"
)

// Recovery tool names looked up in the domain pack after a halting failure.
const (
	RecoveryRollback = "rollback"
	RecoveryEscalate = "escalate"
)

// GateInput carries the Policy-stage verdict the execution gates consult.
type GateInput struct {
	Actionability models.Actionability
	Confidence    float64
}

// RunInput is everything the engine needs to drive a playbook for one
// exception.
type RunInput struct {
	Exception *models.Exception
	Playbook  *models.Playbook
	Policy    *models.TenantPolicyPack
	Pack      *models.DomainPack

	// Guardrails are the effective guardrails for the binding. Nil means
	// the engine overlays Policy onto Pack itself.
	Guardrails *models.Guardrails

	Gates  GateInput
	DryRun bool

	// StartStep resumes a run mid-playbook (1-based). Zero starts at the
	// first step.
	StartStep int
}

// RecoveryAttempt is one rollback or escalation attempt after a halting
// failure.
type RecoveryAttempt struct {
	Tool       string                  `json:"tool"`
	Status     string                  `json:"status"`
	Reason     string                  `json:"reason,omitempty"`
	Invocation *tools.InvocationRecord `json:"invocation,omitempty"`
}

// StepResult is the outcome of driving one step.
type StepResult struct {
	StepNumber int            `json:"step_number"`
	Action     string         `json:"action"`
	Tool       string         `json:"tool,omitempty"`
	Status     StepStatus     `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	Params     map[string]any `json:"params,omitempty"`

	// Unresolved lists placeholder keys left literal after resolution.
	Unresolved []string `json:"unresolved,omitempty"`

	Invocation *tools.InvocationRecord `json:"invocation,omitempty"`
	Recovery   []RecoveryAttempt       `json:"recovery,omitempty"`

	// Halt means execution stops after this step.
	Halt bool `json:"halt,omitempty"`
}

// RunReport summarizes a playbook run.
type RunReport struct {
	Steps         []StepResult `json:"steps"`
	Halted        bool         `json:"halted"`
	NeedsApproval bool         `json:"needs_approval"`
}

// Outcome maps a run onto the exception's terminal status: halted runs
// escalate, approval-gated runs wait for a human, everything else resolves.
func (r *RunReport) Outcome() models.ExceptionStatus {
	switch {
	case r.Halted:
		return models.StatusEscalated
	case r.NeedsApproval:
		return models.StatusNeedsApproval
	default:
		return models.StatusResolved
	}
}

// Engine drives playbook steps through the execution gates, the tool
// invoker, and the failure-recovery path.
type Engine struct {
	invoker *tools.Invoker
	sink    audit.Sink
	log     *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAuditSink sets where step transitions and recovery attempts go.
func WithAuditSink(s audit.Sink) EngineOption {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithLogger sets the engine's logger.
func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// NewEngine builds an engine over the given invoker.
func NewEngine(invoker *tools.Invoker, opts ...EngineOption) *Engine {
	e := &Engine{
		invoker: invoker,
		sink:    audit.NopSink{},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "playbook_engine")
	return e
}

// ExecutePlaybook drives steps in order from StartStep. Approval- and
// eligibility-gated steps are recorded and the run moves on, so a blanket
// gate marks every step; only the failure path halts.
func (e *Engine) ExecutePlaybook(ctx context.Context, in RunInput) *RunReport {
	report := &RunReport{}
	if in.Playbook == nil {
		return report
	}

	start := in.StartStep
	if start < 1 {
		start = 1
	}
	for idx := start - 1; idx < len(in.Playbook.Steps); idx++ {
		res := e.ExecuteStep(ctx, in, idx)
		report.Steps = append(report.Steps, res)
		if res.Status == StepNeedsApproval {
			report.NeedsApproval = true
		}
		if res.Halt {
			report.Halted = true
			break
		}
	}
	return report
}

// ExecuteStep drives the step at idx (0-based) through gates, placeholder
// resolution, and invocation. A failed invocation or an allow-list denial
// halts the run after one rollback attempt and, failing that, one
// escalation attempt.
func (e *Engine) ExecuteStep(ctx context.Context, in RunInput, idx int) StepResult {
	step := &in.Playbook.Steps[idx]
	n := idx + 1
	tool := step.ToolName()

	res := StepResult{StepNumber: n, Action: step.Action, Tool: tool, Status: StepPending}

	if denied := e.evaluateGates(ctx, in, n, tool); denied != nil {
		res.Status = denied.status
		res.Reason = denied.reason
		res.Halt = denied.halt
		e.auditStep(ctx, in, n, res.Status, res.Reason, nil)
		metrics.RecordStepExecuted(in.Exception.TenantID, string(res.Status))
		if res.Halt {
			res.Recovery = e.recover(ctx, in, n, res.Reason)
		}
		return res
	}

	params, unresolvedKeys := ResolveParams(in.Exception, step.Parameters)
	res.Params = params
	res.Unresolved = unresolvedKeys

	res.Status = StepExecuting
	var detail map[string]any
	if len(unresolvedKeys) > 0 {
		detail = map[string]any{"unresolved": unresolvedKeys}
	}
	e.auditStep(ctx, in, n, StepExecuting, "", detail)

	if tool == "" {
		// Declarative verbs (notify, assign_owner, ...) have no endpoint;
		// the audit trail is their effect.
		res.Status = StepSuccess
		e.auditStep(ctx, in, n, StepSuccess, "", map[string]any{"action": step.Action, "declarative": true})
		metrics.RecordStepExecuted(in.Exception.TenantID, string(StepSuccess))
		return res
	}

	rec, err := e.invoker.Invoke(ctx, tools.InvokeInput{
		Tool:        tool,
		Args:        params,
		TenantID:    in.Exception.TenantID,
		ExceptionID: in.Exception.ExceptionID,
		Policy:      in.Policy,
		Pack:        in.Pack,
		DryRun:      in.DryRun,
	})
	if err != nil {
		res.Status = StepFailed
		res.Reason = truncate(err.Error(), 200)
		res.Halt = true
		e.auditStep(ctx, in, n, StepFailed, res.Reason, nil)
		metrics.RecordStepExecuted(in.Exception.TenantID, string(StepFailed))
		e.log.Warn("Playbook step failed",
			"exception_id", in.Exception.ExceptionID,
			"tenant_id", in.Exception.TenantID,
			"step", n,
			"tool", tool,
			"error", err)
		res.Recovery = e.recover(ctx, in, n, res.Reason)
		return res
	}

	res.Invocation = rec
	res.Status = StepSuccess
	e.auditStep(ctx, in, n, StepSuccess, "", map[string]any{"tool": tool, "dry_run": rec.DryRun})
	metrics.RecordStepExecuted(in.Exception.TenantID, string(StepSuccess))
	return res
}

// gateDenial is an internal verdict from the execution gates.
type gateDenial struct {
	status StepStatus
	reason string
	halt   bool
}

// evaluateGates checks the five execution gates in order. Approval-class
// failures yield NEEDS_APPROVAL; eligibility failures yield SKIPPED; an
// allow-list denial additionally halts the run. Every denial writes a
// guardrail audit record.
func (e *Engine) evaluateGates(ctx context.Context, in RunInput, stepNumber int, tool string) *gateDenial {
	deny := func(status StepStatus, reason string, halt bool) *gateDenial {
		e.audit(ctx, audit.NewRecord(audit.CategoryGuardrail, in.Exception.ExceptionID, in.Exception.TenantID).
			WithStep(stepNumber).
			WithStatus(string(status)).
			WithReason(reason))
		return &gateDenial{status: status, reason: reason, halt: halt}
	}

	if in.Gates.Actionability != models.ActionableApproved {
		return deny(StepSkipped,
			fmt.Sprintf("policy actionability %s does not permit automated execution", in.Gates.Actionability), false)
	}
	if in.Exception.Severity == models.SeverityCritical {
		return deny(StepNeedsApproval, "severity CRITICAL always requires human approval", false)
	}
	if in.Policy.RequiresApproval(in.Exception.Severity) {
		return deny(StepNeedsApproval,
			fmt.Sprintf("human approval rule matches severity %s", in.Exception.Severity), false)
	}

	threshold := e.approvalThreshold(in)
	if in.Gates.Confidence < threshold {
		return deny(StepNeedsApproval,
			fmt.Sprintf("confidence %.2f below approval threshold %.2f", in.Gates.Confidence, threshold), false)
	}

	if tool != "" {
		if err := tools.CheckAllowed(in.Policy, in.Pack, tool); err != nil {
			return deny(StepSkipped, err.Error(), true)
		}
	}
	return nil
}

func (e *Engine) approvalThreshold(in RunInput) float64 {
	if in.Guardrails != nil {
		return in.Guardrails.HumanApprovalThreshold
	}
	var baseline *models.Guardrails
	if in.Pack != nil {
		baseline = &in.Pack.Guardrails
	}
	var overlay *models.Guardrails
	if in.Policy != nil {
		overlay = in.Policy.CustomGuardrails
	}
	merged, err := pack.MergeGuardrails(baseline, overlay)
	if err != nil || merged == nil {
		if baseline != nil {
			return baseline.HumanApprovalThreshold
		}
		return 0
	}
	return merged.HumanApprovalThreshold
}

// recover runs the failure path: one rollback attempt when the rollback tool
// is declared and allow-listed; one escalation attempt when rollback was
// unavailable or failed. Neither retries.
func (e *Engine) recover(ctx context.Context, in RunInput, stepNumber int, trigger string) []RecoveryAttempt {
	var attempts []RecoveryAttempt

	rollback := e.tryRecovery(ctx, in, stepNumber, RecoveryRollback, trigger)
	if rollback != nil {
		attempts = append(attempts, *rollback)
		if rollback.Status == tools.StatusSuccess {
			return attempts
		}
	}
	if escalate := e.tryRecovery(ctx, in, stepNumber, RecoveryEscalate, trigger); escalate != nil {
		attempts = append(attempts, *escalate)
	}
	return attempts
}

func (e *Engine) tryRecovery(ctx context.Context, in RunInput, stepNumber int, tool, trigger string) *RecoveryAttempt {
	if in.Pack == nil || !in.Pack.HasTool(tool) || !tools.IsAllowed(in.Policy, in.Pack, tool) {
		return nil
	}

	rec, err := e.invoker.Invoke(ctx, tools.InvokeInput{
		Tool: tool,
		Args: map[string]any{
			"exception_id": in.Exception.ExceptionID,
			"playbook_id":  in.Playbook.PlaybookID,
			"failed_step":  stepNumber,
			"reason":       trigger,
		},
		TenantID:    in.Exception.TenantID,
		ExceptionID: in.Exception.ExceptionID,
		Policy:      in.Policy,
		Pack:        in.Pack,
		DryRun:      in.DryRun,
		AttemptCap:  1,
	})

	attempt := &RecoveryAttempt{Tool: tool, Status: tools.StatusSuccess, Invocation: rec}
	if err != nil {
		attempt.Status = tools.StatusFailed
		attempt.Reason = truncate(err.Error(), 200)
	}

	e.audit(ctx, audit.NewRecord(audit.CategoryRollback, in.Exception.ExceptionID, in.Exception.TenantID).
		WithStep(stepNumber).
		WithStatus(attempt.Status).
		WithReason(trigger).
		WithDetail("recovery", tool))
	e.log.Info("Recovery attempt",
		"exception_id", in.Exception.ExceptionID,
		"tenant_id", in.Exception.TenantID,
		"step", stepNumber,
		"recovery", tool,
		"status", attempt.Status)
	return attempt
}

func (e *Engine) auditStep(ctx context.Context, in RunInput, stepNumber int, status StepStatus, reason string, detail map[string]any) {
	rec := audit.NewRecord(audit.CategoryStep, in.Exception.ExceptionID, in.Exception.TenantID).
		WithStep(stepNumber).
		WithStatus(string(status))
	if reason != "" {
		rec = rec.WithReason(reason)
	}
	for k, v := range detail {
		rec = rec.WithDetail(k, v)
	}
	e.audit(ctx, rec)
}

func (e *Engine) audit(ctx context.Context, rec audit.Record) {
	if err := e.sink.Append(ctx, rec); err != nil {
		e.log.Error("Failed to append audit record",
			"category", string(rec.Category),
			"exception_id", rec.ExceptionID,
			"error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
