// Package store provides the persistence layer: tenant-scoped exception
// records, the per-exception event log, the worker idempotency ledger, pack
// version history, and feedback statistics. Every store ships in two
// implementations — in-memory for tests and the one-shot CLI, PostgreSQL for
// the service — with identical error semantics: duplicate keys are
// KindConflict, absent rows are KindNotFound, and tenant isolation is
// enforced by keying, never by caller discipline.
package store

import (
	"context"
	"time"

	"github.com/exceptionops/remsy/pkg/models"
)

// ExceptionQuery narrows List results. Zero fields match everything.
type ExceptionQuery struct {
	Domain string
	Status models.ExceptionStatus
	Limit  int // 0 means the store default
}

// ExceptionStore persists exception records. The (tenant_id, exception_id)
// pair is the identity; a second Create for the same pair is a Conflict.
type ExceptionStore interface {
	Create(ctx context.Context, exc *models.Exception) error
	Get(ctx context.Context, tenantID, exceptionID string) (*models.Exception, error)
	Update(ctx context.Context, exc *models.Exception) error
	List(ctx context.Context, tenantID string, q ExceptionQuery) ([]*models.Exception, error)
}

// EventStore is the append-only per-exception event log backing the
// /exceptions/:id/events surface.
type EventStore interface {
	AppendEvent(ctx context.Context, ev models.CanonicalEvent) error
	EventsFor(ctx context.Context, tenantID, exceptionID string) ([]models.CanonicalEvent, error)
}

// ProcessingStore is the idempotency ledger keyed (event_id, consumer_group).
//
// MarkProcessing claims the pair: it succeeds on first claim and when
// re-claiming a failed row, and returns KindConflict when the pair is
// already processing or completed — consumers treat that conflict as
// success and acknowledge the delivery.
type ProcessingStore interface {
	MarkProcessing(ctx context.Context, eventID, group string) error
	MarkCompleted(ctx context.Context, eventID, group string) error
	MarkFailed(ctx context.Context, eventID, group string, cause error) error
	Status(ctx context.Context, eventID, group string) (models.ProcessingStatus, bool, error)
}

// PackVersion is one row of a pack's version history.
type PackVersion struct {
	Version   string    `json:"version"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// PackStore persists pack documents per tenant so the registry can be
// rebuilt on boot. Saving an existing (tenant, domain, version) is a
// Conflict: registered pack versions are immutable.
type PackStore interface {
	SaveDomainPack(ctx context.Context, tenantID string, pack *models.DomainPack) error
	DomainPack(ctx context.Context, tenantID, domain, version string) (*models.DomainPack, error)
	DomainPackVersions(ctx context.Context, tenantID, domain string) ([]PackVersion, error)
	ActivateDomainPack(ctx context.Context, tenantID, domain, version string) error

	SaveTenantPolicy(ctx context.Context, policy *models.TenantPolicyPack) error
	TenantPolicy(ctx context.Context, tenantID, domain, version string) (*models.TenantPolicyPack, error)
	TenantPolicyVersions(ctx context.Context, tenantID, domain string) ([]PackVersion, error)
	ActivateTenantPolicy(ctx context.Context, tenantID, domain, version string) error
}

// FeedbackStore persists outcome statistics and recommendations. It is the
// production implementation of the feedback agent's store dependency.
type FeedbackStore interface {
	RecordOutcome(ctx context.Context, tenantID, exceptionType string, status models.ExceptionStatus, falsePositive, falseNegative bool) (*models.FeedbackStats, error)
	SaveRecommendation(ctx context.Context, rec *models.FeedbackRecommendation) error
	Stats(ctx context.Context, tenantID, exceptionType string) (*models.FeedbackStats, error)
	Recommendations(ctx context.Context, tenantID string) ([]*models.FeedbackRecommendation, error)
}

// TenantStore tracks known tenants. Ensure is idempotent and called on
// every ingest path.
type TenantStore interface {
	EnsureTenant(ctx context.Context, tenantID string) error
	TenantExists(ctx context.Context, tenantID string) (bool, error)
}
