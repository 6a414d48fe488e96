package models

import (
	"time"

	"github.com/google/uuid"
)

// FeedbackStats aggregates run outcomes per (tenant, exception type). The
// feedback stage increments it after every terminal run; ratios feed the
// recommendation thresholds.
type FeedbackStats struct {
	TenantID      string `json:"tenantId"`
	ExceptionType string `json:"exceptionType"`

	Total         int `json:"total"`
	Resolved      int `json:"resolved"`
	Escalated     int `json:"escalated"`
	NeedsApproval int `json:"needsApproval"`

	// FalsePositives counts runs flagged as exceptions that needed no
	// remediation; FalseNegatives counts runs where the approved process
	// failed to contain the failure.
	FalsePositives int `json:"falsePositives"`
	FalseNegatives int `json:"falseNegatives"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// FalsePositiveRatio is FalsePositives over Total, zero when empty.
func (s *FeedbackStats) FalsePositiveRatio() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.FalsePositives) / float64(s.Total)
}

// FalseNegativeRatio is FalseNegatives over Total, zero when empty.
func (s *FeedbackStats) FalseNegativeRatio() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.FalseNegatives) / float64(s.Total)
}

// Recommendation kinds produced by the feedback stage.
const (
	RecommendationGuardrailTuning      = "guardrail_tuning"
	RecommendationPlaybookOptimization = "playbook_optimization"
)

// FeedbackRecommendation is a human-review proposal derived from outcome
// statistics. Recommendations are persisted and never auto-applied;
// ReviewRequired is always true.
type FeedbackRecommendation struct {
	RecommendationID string    `json:"recommendationId"`
	TenantID         string    `json:"tenantId"`
	ExceptionType    string    `json:"exceptionType"`
	Kind             string    `json:"kind"`
	Description      string    `json:"description"`
	ReviewRequired   bool      `json:"reviewRequired"`
	CreatedAt        time.Time `json:"createdAt"`
}

// NewFeedbackRecommendation builds a review-required recommendation with a
// fresh UUID and UTC timestamp.
func NewFeedbackRecommendation(tenantID, exceptionType, kind, description string) *FeedbackRecommendation {
	return &FeedbackRecommendation{
		RecommendationID: uuid.NewString(),
		TenantID:         tenantID,
		ExceptionType:    exceptionType,
		Kind:             kind,
		Description:      description,
		ReviewRequired:   true,
		CreatedAt:        time.Now().UTC(),
	}
}
