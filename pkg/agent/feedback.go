package agent

import (
	"context"
	"fmt"

	"github.com/exceptionops/remsy/pkg/models"
	"github.com/exceptionops/remsy/pkg/playbook"
)

// FeedbackStatsUpdated is the feedback stage's decision verdict.
const FeedbackStatsUpdated = "STATS_UPDATED"

const feedbackConfidence = 0.9

// FeedbackStore persists per-tenant outcome statistics and tuning
// recommendations.
type FeedbackStore interface {
	RecordOutcome(ctx context.Context, tenantID, exceptionType string, status models.ExceptionStatus, falsePositive, falseNegative bool) (*models.FeedbackStats, error)
	SaveRecommendation(ctx context.Context, rec *models.FeedbackRecommendation) error
}

// FeedbackConfig bounds when outcome drift turns into a recommendation.
type FeedbackConfig struct {
	// FalsePositiveThreshold is the false-positive ratio above which a
	// guardrail-tuning recommendation is raised.
	FalsePositiveThreshold float64
	// FalseNegativeThreshold is the false-negative ratio above which a
	// playbook-optimization recommendation is raised.
	FalseNegativeThreshold float64
	// MinSampleSize is the smallest outcome count a recommendation may be
	// based on.
	MinSampleSize int
}

func (c FeedbackConfig) withDefaults() FeedbackConfig {
	if c.FalsePositiveThreshold <= 0 {
		c.FalsePositiveThreshold = 0.3
	}
	if c.FalseNegativeThreshold <= 0 {
		c.FalseNegativeThreshold = 0.3
	}
	if c.MinSampleSize <= 0 {
		c.MinSampleSize = 10
	}
	return c
}

// FeedbackAgent closes the loop after a terminal transition: it records the
// outcome, updates per-tenant statistics, and raises tuning recommendations
// when drift crosses the configured thresholds. Recommendations always
// require human review; nothing the stage produces changes behavior on its
// own.
type FeedbackAgent struct {
	base
	store FeedbackStore
	cfg   FeedbackConfig
}

// NewFeedback builds the feedback stage. Zero config fields fall back to
// their defaults.
func NewFeedback(caller LLMCaller, store FeedbackStore, cfg FeedbackConfig, opts ...Option) *FeedbackAgent {
	return &FeedbackAgent{
		base:  newBase(models.StageFeedback, caller, opts...),
		store: store,
		cfg:   cfg.withDefaults(),
	}
}

// Process records the exception's outcome and evaluates recommendation
// thresholds. The exception's status must already reflect the terminal
// transition.
func (f *FeedbackAgent) Process(ctx context.Context, exc *models.Exception, sctx *StageContext) (models.AgentDecision, error) {
	if f.store == nil {
		return models.AgentDecision{}, fmt.Errorf("feedback stage has no store configured")
	}

	falsePositive, falseNegative := classifyOutcome(exc.Status, runReport(sctx))
	stats, err := f.store.RecordOutcome(ctx, exc.TenantID, exc.ExceptionType, exc.Status, falsePositive, falseNegative)
	if err != nil {
		return models.AgentDecision{}, fmt.Errorf("failed to record outcome for exception %s: %w", exc.ExceptionID, err)
	}

	d := models.AgentDecision{
		Decision:   FeedbackStatsUpdated,
		Confidence: feedbackConfidence,
		Evidence: []string{
			fmt.Sprintf("outcome %s recorded for %s/%s (total %d)",
				exc.Status, exc.TenantID, exc.ExceptionType, stats.Total),
		},
		NextStep: models.NextStepComplete,
	}
	if falsePositive {
		d.Evidence = append(d.Evidence, "resolved without executing any step; counted as false positive")
	}
	if falseNegative {
		d.Evidence = append(d.Evidence, "escalated after a halted run; counted as false negative")
	}

	recs, err := f.recommend(ctx, exc, stats)
	if err != nil {
		return models.AgentDecision{}, err
	}
	for _, rec := range recs {
		d.Evidence = append(d.Evidence, fmt.Sprintf("recommendation (%s): %s", rec.Kind, rec.Description))
	}

	res, called := f.callLLM(ctx, exc, buildFeedbackPrompt(exc, stats), func() map[string]any {
		return map[string]any{
			"summary":    fmt.Sprintf("statistics updated for %s/%s", exc.TenantID, exc.ExceptionType),
			"confidence": feedbackConfidence,
		}
	})
	if called && res.Fallback == nil {
		if rsn := reasoningFromOutput(res.Output); !rsn.IsZero() {
			d.Evidence = append(d.Evidence, rsn.Flatten()...)
		}
	}
	if called {
		d = applyFallback(d, res.Fallback)
	}

	d = d.WithMeta(MetaStats, stats)
	d = d.WithMeta(MetaRecommendations, len(recs))

	f.auditDecision(ctx, exc, d, map[string]any{
		"status":          string(exc.Status),
		"recommendations": len(recs),
	})
	f.log.Info("Feedback recorded",
		"exception_id", exc.ExceptionID,
		"tenant_id", exc.TenantID,
		"status", string(exc.Status),
		"recommendations", len(recs))
	return d, nil
}

// recommend raises recommendations once the sample is large enough and a
// drift ratio crosses its threshold. Every recommendation is persisted
// flagged for human review.
func (f *FeedbackAgent) recommend(ctx context.Context, exc *models.Exception, stats *models.FeedbackStats) ([]*models.FeedbackRecommendation, error) {
	if stats.Total < f.cfg.MinSampleSize {
		return nil, nil
	}

	var recs []*models.FeedbackRecommendation
	if ratio := stats.FalsePositiveRatio(); ratio > f.cfg.FalsePositiveThreshold {
		recs = append(recs, models.NewFeedbackRecommendation(
			exc.TenantID, exc.ExceptionType, models.RecommendationGuardrailTuning,
			fmt.Sprintf("false-positive ratio %.2f exceeds %.2f over %d outcomes; review detection rules and approval thresholds for %s",
				ratio, f.cfg.FalsePositiveThreshold, stats.Total, exc.ExceptionType)))
	}
	if ratio := stats.FalseNegativeRatio(); ratio > f.cfg.FalseNegativeThreshold {
		recs = append(recs, models.NewFeedbackRecommendation(
			exc.TenantID, exc.ExceptionType, models.RecommendationPlaybookOptimization,
			fmt.Sprintf("false-negative ratio %.2f exceeds %.2f over %d outcomes; review playbook steps and rollback coverage for %s",
				ratio, f.cfg.FalseNegativeThreshold, stats.Total, exc.ExceptionType)))
	}

	for _, rec := range recs {
		if err := f.store.SaveRecommendation(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to save recommendation for tenant %s: %w", exc.TenantID, err)
		}
	}
	return recs, nil
}

// classifyOutcome applies the drift heuristics: a resolution that executed
// nothing looks like a false positive, an escalation after a halted run
// looks like a false negative.
func classifyOutcome(status models.ExceptionStatus, report *playbook.RunReport) (falsePositive, falseNegative bool) {
	switch status {
	case models.StatusResolved:
		falsePositive = report == nil || executedSteps(report) == 0
	case models.StatusEscalated:
		falseNegative = report != nil && report.Halted
	}
	return falsePositive, falseNegative
}

func executedSteps(report *playbook.RunReport) int {
	n := 0
	for _, step := range report.Steps {
		if step.Status == playbook.StepSuccess {
			n++
		}
	}
	return n
}
