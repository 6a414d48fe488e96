package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/exceptionops/remsy/pkg/models"
)

const defaultListLimit = 100

// MemoryExceptionStore keeps exception records in per-tenant maps. All
// reads and writes go through clones, so callers never share map state
// with the store.
type MemoryExceptionStore struct {
	mu      sync.RWMutex
	tenants map[string]map[string]*models.Exception
}

// NewMemoryExceptionStore creates an empty exception store.
func NewMemoryExceptionStore() *MemoryExceptionStore {
	return &MemoryExceptionStore{tenants: make(map[string]map[string]*models.Exception)}
}

// Create stores a new exception record.
func (s *MemoryExceptionStore) Create(_ context.Context, exc *models.Exception) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.tenants[exc.TenantID]
	if byID == nil {
		byID = make(map[string]*models.Exception)
		s.tenants[exc.TenantID] = byID
	}
	if _, ok := byID[exc.ExceptionID]; ok {
		return models.Errorf(models.KindConflict, "exception %s already exists for tenant %s", exc.ExceptionID, exc.TenantID)
	}
	byID[exc.ExceptionID] = exc.Clone()
	return nil
}

// Get returns the record, tenant-scoped.
func (s *MemoryExceptionStore) Get(_ context.Context, tenantID, exceptionID string) (*models.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exc, ok := s.tenants[tenantID][exceptionID]
	if !ok {
		return nil, models.Errorf(models.KindNotFound, "exception %s not found for tenant %s", exceptionID, tenantID)
	}
	return exc.Clone(), nil
}

// Update replaces the stored record.
func (s *MemoryExceptionStore) Update(_ context.Context, exc *models.Exception) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.tenants[exc.TenantID]
	if _, ok := byID[exc.ExceptionID]; !ok {
		return models.Errorf(models.KindNotFound, "exception %s not found for tenant %s", exc.ExceptionID, exc.TenantID)
	}
	byID[exc.ExceptionID] = exc.Clone()
	return nil
}

// List returns the tenant's records newest first, filtered by the query.
func (s *MemoryExceptionStore) List(_ context.Context, tenantID string, q ExceptionQuery) ([]*models.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var out []*models.Exception
	for _, exc := range s.tenants[tenantID] {
		if q.Domain != "" && exc.Domain != q.Domain {
			continue
		}
		if q.Status != "" && exc.Status != q.Status {
			continue
		}
		out = append(out, exc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryEventStore is an append-only event log.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events []models.CanonicalEvent
}

// NewMemoryEventStore creates an empty event log.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

// AppendEvent stores the event.
func (s *MemoryEventStore) AppendEvent(_ context.Context, ev models.CanonicalEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// EventsFor returns the exception's events in append order, tenant-scoped.
func (s *MemoryEventStore) EventsFor(_ context.Context, tenantID, exceptionID string) ([]models.CanonicalEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CanonicalEvent
	for _, ev := range s.events {
		if ev.TenantID == tenantID && ev.CorrelationID == exceptionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

type processingEntry struct {
	status models.ProcessingStatus
	cause  string
}

// MemoryProcessingStore is the in-memory idempotency ledger.
type MemoryProcessingStore struct {
	mu      sync.Mutex
	entries map[string]*processingEntry
}

// NewMemoryProcessingStore creates an empty ledger.
func NewMemoryProcessingStore() *MemoryProcessingStore {
	return &MemoryProcessingStore{entries: make(map[string]*processingEntry)}
}

func processingKey(eventID, group string) string {
	return eventID + "\x00" + group
}

// MarkProcessing claims the (event, group) pair. Failed rows may be
// re-claimed; processing and completed rows conflict.
func (s *MemoryProcessingStore) MarkProcessing(_ context.Context, eventID, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := processingKey(eventID, group)
	if entry, ok := s.entries[key]; ok && entry.status != models.ProcessingFailed {
		return models.Errorf(models.KindConflict, "event %s already %s for group %s", eventID, entry.status, group)
	}
	s.entries[key] = &processingEntry{status: models.ProcessingInFlight}
	return nil
}

// MarkCompleted records the pair as done.
func (s *MemoryProcessingStore) MarkCompleted(_ context.Context, eventID, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[processingKey(eventID, group)] = &processingEntry{status: models.ProcessingCompleted}
	return nil
}

// MarkFailed records the failure; the broker will redeliver.
func (s *MemoryProcessingStore) MarkFailed(_ context.Context, eventID, group string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := &processingEntry{status: models.ProcessingFailed}
	if cause != nil {
		entry.cause = cause.Error()
	}
	s.entries[processingKey(eventID, group)] = entry
	return nil
}

// Status returns the pair's state and whether it exists.
func (s *MemoryProcessingStore) Status(_ context.Context, eventID, group string) (models.ProcessingStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[processingKey(eventID, group)]
	if !ok {
		return "", false, nil
	}
	return entry.status, true, nil
}

type packRow struct {
	document  any
	active    bool
	createdAt time.Time
}

// MemoryPackStore keeps pack version history per tenant.
type MemoryPackStore struct {
	mu       sync.Mutex
	domains  map[string]map[string]*packRow // tenant|domain → version
	policies map[string]map[string]*packRow
}

// NewMemoryPackStore creates an empty pack store.
func NewMemoryPackStore() *MemoryPackStore {
	return &MemoryPackStore{
		domains:  make(map[string]map[string]*packRow),
		policies: make(map[string]map[string]*packRow),
	}
}

func packKey(tenantID, domain string) string {
	return tenantID + "\x00" + domain
}

func saveRow(rows map[string]map[string]*packRow, key, version string, doc any) error {
	byVersion := rows[key]
	if byVersion == nil {
		byVersion = make(map[string]*packRow)
		rows[key] = byVersion
	}
	if _, ok := byVersion[version]; ok {
		return models.Errorf(models.KindConflict, "version %s is already registered", version)
	}
	byVersion[version] = &packRow{document: doc, createdAt: time.Now().UTC()}
	return nil
}

func activateRow(rows map[string]map[string]*packRow, key, version string) error {
	byVersion := rows[key]
	if _, ok := byVersion[version]; !ok {
		return models.Errorf(models.KindNotFound, "version %s is not registered", version)
	}
	for v, row := range byVersion {
		row.active = v == version
	}
	return nil
}

func listRows(rows map[string]map[string]*packRow, key string) []PackVersion {
	var out []PackVersion
	for v, row := range rows[key] {
		out = append(out, PackVersion{Version: v, Active: row.active, CreatedAt: row.createdAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SaveDomainPack stores a new immutable domain pack version.
func (s *MemoryPackStore) SaveDomainPack(_ context.Context, tenantID string, pack *models.DomainPack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveRow(s.domains, packKey(tenantID, pack.DomainName), pack.Version, pack.Clone())
}

// DomainPack returns one stored version.
func (s *MemoryPackStore) DomainPack(_ context.Context, tenantID, domain, version string) (*models.DomainPack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.domains[packKey(tenantID, domain)][version]
	if !ok {
		return nil, models.Errorf(models.KindNotFound, "domain pack %s/%s not found for tenant %s", domain, version, tenantID)
	}
	return row.document.(*models.DomainPack).Clone(), nil
}

// DomainPackVersions lists the version history, oldest first.
func (s *MemoryPackStore) DomainPackVersions(_ context.Context, tenantID, domain string) ([]PackVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return listRows(s.domains, packKey(tenantID, domain)), nil
}

// ActivateDomainPack marks one version active, atomically.
func (s *MemoryPackStore) ActivateDomainPack(_ context.Context, tenantID, domain, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return activateRow(s.domains, packKey(tenantID, domain), version)
}

// SaveTenantPolicy stores a new immutable tenant policy version.
func (s *MemoryPackStore) SaveTenantPolicy(_ context.Context, policy *models.TenantPolicyPack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveRow(s.policies, packKey(policy.TenantID, policy.DomainName), policy.Version, policy.Clone())
}

// TenantPolicy returns one stored version.
func (s *MemoryPackStore) TenantPolicy(_ context.Context, tenantID, domain, version string) (*models.TenantPolicyPack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.policies[packKey(tenantID, domain)][version]
	if !ok {
		return nil, models.Errorf(models.KindNotFound, "tenant policy %s/%s not found for tenant %s", domain, version, tenantID)
	}
	return row.document.(*models.TenantPolicyPack).Clone(), nil
}

// TenantPolicyVersions lists the version history, oldest first.
func (s *MemoryPackStore) TenantPolicyVersions(_ context.Context, tenantID, domain string) ([]PackVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return listRows(s.policies, packKey(tenantID, domain)), nil
}

// ActivateTenantPolicy marks one version active, atomically.
func (s *MemoryPackStore) ActivateTenantPolicy(_ context.Context, tenantID, domain, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return activateRow(s.policies, packKey(tenantID, domain), version)
}

// MemoryFeedbackStore aggregates outcome statistics in memory.
type MemoryFeedbackStore struct {
	mu    sync.Mutex
	stats map[string]*models.FeedbackStats
	recs  []*models.FeedbackRecommendation
}

// NewMemoryFeedbackStore creates an empty feedback store.
func NewMemoryFeedbackStore() *MemoryFeedbackStore {
	return &MemoryFeedbackStore{stats: make(map[string]*models.FeedbackStats)}
}

// RecordOutcome increments the (tenant, exception type) counters and returns
// a snapshot of the updated statistics.
func (s *MemoryFeedbackStore) RecordOutcome(_ context.Context, tenantID, exceptionType string, status models.ExceptionStatus, falsePositive, falseNegative bool) (*models.FeedbackStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantID + "\x00" + exceptionType
	stats := s.stats[key]
	if stats == nil {
		stats = &models.FeedbackStats{TenantID: tenantID, ExceptionType: exceptionType}
		s.stats[key] = stats
	}

	stats.Total++
	switch status {
	case models.StatusResolved:
		stats.Resolved++
	case models.StatusEscalated:
		stats.Escalated++
	case models.StatusNeedsApproval, models.StatusPendingApproval:
		stats.NeedsApproval++
	}
	if falsePositive {
		stats.FalsePositives++
	}
	if falseNegative {
		stats.FalseNegatives++
	}
	stats.UpdatedAt = time.Now().UTC()

	snapshot := *stats
	return &snapshot, nil
}

// SaveRecommendation stores the recommendation.
func (s *MemoryFeedbackStore) SaveRecommendation(_ context.Context, rec *models.FeedbackRecommendation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := *rec
	s.recs = append(s.recs, &saved)
	return nil
}

// Stats returns the current counters for the pair.
func (s *MemoryFeedbackStore) Stats(_ context.Context, tenantID, exceptionType string) (*models.FeedbackStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats, ok := s.stats[tenantID+"\x00"+exceptionType]
	if !ok {
		return nil, models.Errorf(models.KindNotFound, "no feedback stats for %s/%s", tenantID, exceptionType)
	}
	snapshot := *stats
	return &snapshot, nil
}

// Recommendations returns the tenant's recommendations in save order.
func (s *MemoryFeedbackStore) Recommendations(_ context.Context, tenantID string) ([]*models.FeedbackRecommendation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.FeedbackRecommendation
	for _, rec := range s.recs {
		if rec.TenantID == tenantID {
			saved := *rec
			out = append(out, &saved)
		}
	}
	return out, nil
}

// MemoryTenantStore tracks known tenants.
type MemoryTenantStore struct {
	mu      sync.Mutex
	tenants map[string]bool
}

// NewMemoryTenantStore creates an empty tenant store.
func NewMemoryTenantStore() *MemoryTenantStore {
	return &MemoryTenantStore{tenants: make(map[string]bool)}
}

// EnsureTenant registers the tenant if it is new.
func (s *MemoryTenantStore) EnsureTenant(_ context.Context, tenantID string) error {
	if tenantID == "" {
		return models.Errorf(models.KindValidationFailed, "tenant id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenantID] = true
	return nil
}

// TenantExists reports whether the tenant has been seen.
func (s *MemoryTenantStore) TenantExists(_ context.Context, tenantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenants[tenantID], nil
}
