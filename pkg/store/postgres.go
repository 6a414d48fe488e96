package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/exceptionops/remsy/pkg/models"
)

// pgUniqueViolation is the Postgres error code for unique constraint hits.
const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// marshalJSON prepares a value for a JSONB column. Nil maps become SQL NULL.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSONB value: %w", err)
	}
	return data, nil
}

func unmarshalJSON(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to unmarshal JSONB value: %w", err)
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresExceptionStore persists exceptions in the exceptions table.
type PostgresExceptionStore struct {
	db *sql.DB
}

// NewPostgresExceptionStore creates an exception store on the client's pool.
func NewPostgresExceptionStore(client *Client) *PostgresExceptionStore {
	return &PostgresExceptionStore{db: client.DB()}
}

const exceptionColumns = `tenant_id, exception_id, source_system, domain, exception_type, severity,
	status, current_playbook_id, current_step, raw_payload, normalized_context,
	sla_deadline, owner, amount, created_at`

// Create inserts a new exception row.
func (s *PostgresExceptionStore) Create(ctx context.Context, exc *models.Exception) error {
	rawPayload, err := marshalJSON(exc.RawPayload)
	if err != nil {
		return err
	}
	normalized, err := marshalJSON(exc.NormalizedContext)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO exceptions (`+exceptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		exc.TenantID, exc.ExceptionID, exc.SourceSystem, exc.Domain,
		exc.ExceptionType, string(exc.Severity), string(exc.Status),
		exc.CurrentPlaybookID, exc.CurrentStep, rawPayload, normalized,
		exc.SLADeadline, exc.Owner, exc.Amount, exc.CreatedAt)
	if isUniqueViolation(err) {
		return models.Errorf(models.KindConflict, "exception %s already exists for tenant %s", exc.ExceptionID, exc.TenantID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert exception: %w", err)
	}
	return nil
}

// Get returns one exception row, tenant-scoped.
func (s *PostgresExceptionStore) Get(ctx context.Context, tenantID, exceptionID string) (*models.Exception, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+exceptionColumns+`
		FROM exceptions
		WHERE tenant_id = $1 AND exception_id = $2`,
		tenantID, exceptionID)

	exc, err := scanException(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.Errorf(models.KindNotFound, "exception %s not found for tenant %s", exceptionID, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query exception: %w", err)
	}
	return exc, nil
}

// Update rewrites the mutable columns of an existing row.
func (s *PostgresExceptionStore) Update(ctx context.Context, exc *models.Exception) error {
	rawPayload, err := marshalJSON(exc.RawPayload)
	if err != nil {
		return err
	}
	normalized, err := marshalJSON(exc.NormalizedContext)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE exceptions
		SET exception_type = $3, severity = $4, status = $5,
			current_playbook_id = $6, current_step = $7,
			raw_payload = $8, normalized_context = $9,
			sla_deadline = $10, owner = $11, amount = $12, updated_at = now()
		WHERE tenant_id = $1 AND exception_id = $2`,
		exc.TenantID, exc.ExceptionID, exc.ExceptionType, string(exc.Severity),
		string(exc.Status), exc.CurrentPlaybookID, exc.CurrentStep,
		rawPayload, normalized, exc.SLADeadline, exc.Owner, exc.Amount)
	if err != nil {
		return fmt.Errorf("failed to update exception: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return models.Errorf(models.KindNotFound, "exception %s not found for tenant %s", exc.ExceptionID, exc.TenantID)
	}
	return nil
}

// List returns the tenant's exceptions newest first, filtered by the query.
func (s *PostgresExceptionStore) List(ctx context.Context, tenantID string, q ExceptionQuery) ([]*models.Exception, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + exceptionColumns + ` FROM exceptions WHERE tenant_id = $1`
	args := []any{tenantID}
	if q.Domain != "" {
		args = append(args, q.Domain)
		query += fmt.Sprintf(" AND domain = $%d", len(args))
	}
	if q.Status != "" {
		args = append(args, string(q.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query exceptions: %w", err)
	}
	defer rows.Close()

	var out []*models.Exception
	for rows.Next() {
		exc, err := scanException(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan exception: %w", err)
		}
		out = append(out, exc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate exceptions: %w", err)
	}
	return out, nil
}

func scanException(rs rowScanner) (*models.Exception, error) {
	var (
		exc         models.Exception
		severity    string
		status      string
		rawPayload  []byte
		normalized  []byte
		slaDeadline sql.NullTime
		amount      sql.NullFloat64
	)
	err := rs.Scan(&exc.TenantID, &exc.ExceptionID, &exc.SourceSystem, &exc.Domain,
		&exc.ExceptionType, &severity, &status, &exc.CurrentPlaybookID,
		&exc.CurrentStep, &rawPayload, &normalized, &slaDeadline, &exc.Owner,
		&amount, &exc.CreatedAt)
	if err != nil {
		return nil, err
	}

	exc.Severity = models.Severity(severity)
	exc.Status = models.ExceptionStatus(status)
	if err := unmarshalJSON(rawPayload, &exc.RawPayload); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(normalized, &exc.NormalizedContext); err != nil {
		return nil, err
	}
	if slaDeadline.Valid {
		t := slaDeadline.Time.UTC()
		exc.SLADeadline = &t
	}
	if amount.Valid {
		a := amount.Float64
		exc.Amount = &a
	}
	exc.CreatedAt = exc.CreatedAt.UTC()
	return &exc, nil
}

// PostgresEventStore persists canonical events in the exception_events table.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates an event store on the client's pool.
func NewPostgresEventStore(client *Client) *PostgresEventStore {
	return &PostgresEventStore{db: client.DB()}
}

// AppendEvent inserts the event. Replaying an event id is a no-op, so the
// log stays free of duplicates when a publisher retries.
func (s *PostgresEventStore) AppendEvent(ctx context.Context, ev models.CanonicalEvent) error {
	payload, err := marshalJSON(ev.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO exception_events (event_id, event_type, tenant_id, correlation_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, string(ev.EventType), ev.TenantID, ev.CorrelationID, payload, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// EventsFor returns the exception's events oldest first.
func (s *PostgresEventStore) EventsFor(ctx context.Context, tenantID, exceptionID string) ([]models.CanonicalEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, tenant_id, correlation_id, payload, created_at
		FROM exception_events
		WHERE tenant_id = $1 AND correlation_id = $2
		ORDER BY created_at, event_id`,
		tenantID, exceptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []models.CanonicalEvent
	for rows.Next() {
		var (
			ev        models.CanonicalEvent
			eventType string
			payload   []byte
		)
		if err := rows.Scan(&ev.EventID, &eventType, &ev.TenantID, &ev.CorrelationID, &payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.EventType = models.EventType(eventType)
		if err := unmarshalJSON(payload, &ev.Payload); err != nil {
			return nil, err
		}
		ev.Timestamp = ev.Timestamp.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return out, nil
}

// PostgresProcessingStore is the durable idempotency ledger backed by the
// event_processing table.
type PostgresProcessingStore struct {
	db *sql.DB
}

// NewPostgresProcessingStore creates a processing store on the client's pool.
func NewPostgresProcessingStore(client *Client) *PostgresProcessingStore {
	return &PostgresProcessingStore{db: client.DB()}
}

// MarkProcessing claims the (event, group) pair in one atomic statement.
// A fresh pair inserts; a failed row is re-claimed; a processing or
// completed row leaves zero rows affected, which surfaces as a conflict.
func (s *PostgresProcessingStore) MarkProcessing(ctx context.Context, eventID, group string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO event_processing (event_id, consumer_group, status, error, updated_at)
		VALUES ($1, $2, $3, NULL, now())
		ON CONFLICT (event_id, consumer_group) DO UPDATE
		SET status = EXCLUDED.status, error = NULL, updated_at = now()
		WHERE event_processing.status = $4`,
		eventID, group, string(models.ProcessingInFlight), string(models.ProcessingFailed))
	if err != nil {
		return fmt.Errorf("failed to claim event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read claim result: %w", err)
	}
	if affected == 0 {
		return models.Errorf(models.KindConflict, "event %s already claimed by group %s", eventID, group)
	}
	return nil
}

// MarkCompleted records the pair as done.
func (s *PostgresProcessingStore) MarkCompleted(ctx context.Context, eventID, group string) error {
	return s.upsertStatus(ctx, eventID, group, models.ProcessingCompleted, nil)
}

// MarkFailed records the failure cause; the broker will redeliver.
func (s *PostgresProcessingStore) MarkFailed(ctx context.Context, eventID, group string, cause error) error {
	return s.upsertStatus(ctx, eventID, group, models.ProcessingFailed, cause)
}

func (s *PostgresProcessingStore) upsertStatus(ctx context.Context, eventID, group string, status models.ProcessingStatus, cause error) error {
	var errText sql.NullString
	if cause != nil {
		errText = sql.NullString{String: cause.Error(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_processing (event_id, consumer_group, status, error, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (event_id, consumer_group) DO UPDATE
		SET status = EXCLUDED.status, error = EXCLUDED.error, updated_at = now()`,
		eventID, group, string(status), errText)
	if err != nil {
		return fmt.Errorf("failed to record processing status: %w", err)
	}
	return nil
}

// Status returns the pair's state and whether a row exists.
func (s *PostgresProcessingStore) Status(ctx context.Context, eventID, group string) (models.ProcessingStatus, bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM event_processing
		WHERE event_id = $1 AND consumer_group = $2`,
		eventID, group).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query processing status: %w", err)
	}
	return models.ProcessingStatus(status), true, nil
}

// PostgresPackStore persists pack documents as JSONB version rows. Domain
// packs and tenant policies share the same shape in two tables.
type PostgresPackStore struct {
	db *sql.DB
}

// NewPostgresPackStore creates a pack store on the client's pool.
func NewPostgresPackStore(client *Client) *PostgresPackStore {
	return &PostgresPackStore{db: client.DB()}
}

func (s *PostgresPackStore) saveVersion(ctx context.Context, table, tenantID, domain, version string, document any) error {
	doc, err := marshalJSON(document)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (tenant_id, domain, version, document)
		VALUES ($1, $2, $3, $4)`, table),
		tenantID, domain, version, doc)
	if isUniqueViolation(err) {
		return models.Errorf(models.KindConflict, "version %s is already registered", version)
	}
	if err != nil {
		return fmt.Errorf("failed to insert pack version: %w", err)
	}
	return nil
}

func (s *PostgresPackStore) loadVersion(ctx context.Context, table, tenantID, domain, version string) ([]byte, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT document FROM %s
		WHERE tenant_id = $1 AND domain = $2 AND version = $3`, table),
		tenantID, domain, version).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.Errorf(models.KindNotFound, "pack %s/%s not found for tenant %s", domain, version, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pack version: %w", err)
	}
	return doc, nil
}

func (s *PostgresPackStore) listVersions(ctx context.Context, table, tenantID, domain string) ([]PackVersion, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT version, active, created_at FROM %s
		WHERE tenant_id = $1 AND domain = $2
		ORDER BY created_at, version`, table),
		tenantID, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to query pack versions: %w", err)
	}
	defer rows.Close()

	var out []PackVersion
	for rows.Next() {
		var v PackVersion
		if err := rows.Scan(&v.Version, &v.Active, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pack version: %w", err)
		}
		v.CreatedAt = v.CreatedAt.UTC()
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pack versions: %w", err)
	}
	return out, nil
}

// activateVersion flips the active flag for the whole (tenant, domain)
// history in one statement. The EXISTS guard keeps a bad version from
// deactivating the current one.
func (s *PostgresPackStore) activateVersion(ctx context.Context, table, tenantID, domain, version string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET active = (version = $3)
		WHERE tenant_id = $1 AND domain = $2
		  AND EXISTS (
			SELECT 1 FROM %s t
			WHERE t.tenant_id = $1 AND t.domain = $2 AND t.version = $3
		  )`, table, table),
		tenantID, domain, version)
	if err != nil {
		return fmt.Errorf("failed to activate pack version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read activation result: %w", err)
	}
	if affected == 0 {
		return models.Errorf(models.KindNotFound, "version %s is not registered", version)
	}
	return nil
}

// SaveDomainPack stores a new immutable domain pack version.
func (s *PostgresPackStore) SaveDomainPack(ctx context.Context, tenantID string, pack *models.DomainPack) error {
	return s.saveVersion(ctx, "domain_pack_versions", tenantID, pack.DomainName, pack.Version, pack)
}

// DomainPack returns one stored version.
func (s *PostgresPackStore) DomainPack(ctx context.Context, tenantID, domain, version string) (*models.DomainPack, error) {
	doc, err := s.loadVersion(ctx, "domain_pack_versions", tenantID, domain, version)
	if err != nil {
		return nil, err
	}
	var pack models.DomainPack
	if err := unmarshalJSON(doc, &pack); err != nil {
		return nil, err
	}
	return &pack, nil
}

// DomainPackVersions lists the version history, oldest first.
func (s *PostgresPackStore) DomainPackVersions(ctx context.Context, tenantID, domain string) ([]PackVersion, error) {
	return s.listVersions(ctx, "domain_pack_versions", tenantID, domain)
}

// ActivateDomainPack marks one version active, atomically.
func (s *PostgresPackStore) ActivateDomainPack(ctx context.Context, tenantID, domain, version string) error {
	return s.activateVersion(ctx, "domain_pack_versions", tenantID, domain, version)
}

// SaveTenantPolicy stores a new immutable tenant policy version.
func (s *PostgresPackStore) SaveTenantPolicy(ctx context.Context, policy *models.TenantPolicyPack) error {
	return s.saveVersion(ctx, "tenant_policy_versions", policy.TenantID, policy.DomainName, policy.Version, policy)
}

// TenantPolicy returns one stored version.
func (s *PostgresPackStore) TenantPolicy(ctx context.Context, tenantID, domain, version string) (*models.TenantPolicyPack, error) {
	doc, err := s.loadVersion(ctx, "tenant_policy_versions", tenantID, domain, version)
	if err != nil {
		return nil, err
	}
	var policy models.TenantPolicyPack
	if err := unmarshalJSON(doc, &policy); err != nil {
		return nil, err
	}
	return &policy, nil
}

// TenantPolicyVersions lists the version history, oldest first.
func (s *PostgresPackStore) TenantPolicyVersions(ctx context.Context, tenantID, domain string) ([]PackVersion, error) {
	return s.listVersions(ctx, "tenant_policy_versions", tenantID, domain)
}

// ActivateTenantPolicy marks one version active, atomically.
func (s *PostgresPackStore) ActivateTenantPolicy(ctx context.Context, tenantID, domain, version string) error {
	return s.activateVersion(ctx, "tenant_policy_versions", tenantID, domain, version)
}

// PostgresFeedbackStore aggregates outcome statistics in the feedback tables.
type PostgresFeedbackStore struct {
	db *sql.DB
}

// NewPostgresFeedbackStore creates a feedback store on the client's pool.
func NewPostgresFeedbackStore(client *Client) *PostgresFeedbackStore {
	return &PostgresFeedbackStore{db: client.DB()}
}

func boolToInc(b bool) int {
	if b {
		return 1
	}
	return 0
}

// RecordOutcome increments the (tenant, exception type) counters in one
// upsert and returns the updated row.
func (s *PostgresFeedbackStore) RecordOutcome(ctx context.Context, tenantID, exceptionType string, status models.ExceptionStatus, falsePositive, falseNegative bool) (*models.FeedbackStats, error) {
	var resolved, escalated, needsApproval int
	switch status {
	case models.StatusResolved:
		resolved = 1
	case models.StatusEscalated:
		escalated = 1
	case models.StatusNeedsApproval, models.StatusPendingApproval:
		needsApproval = 1
	}

	stats := &models.FeedbackStats{TenantID: tenantID, ExceptionType: exceptionType}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO feedback_stats (tenant_id, exception_type, total, resolved, escalated,
			needs_approval, false_positives, false_negatives, updated_at)
		VALUES ($1, $2, 1, $3, $4, $5, $6, $7, now())
		ON CONFLICT (tenant_id, exception_type) DO UPDATE SET
			total = feedback_stats.total + 1,
			resolved = feedback_stats.resolved + EXCLUDED.resolved,
			escalated = feedback_stats.escalated + EXCLUDED.escalated,
			needs_approval = feedback_stats.needs_approval + EXCLUDED.needs_approval,
			false_positives = feedback_stats.false_positives + EXCLUDED.false_positives,
			false_negatives = feedback_stats.false_negatives + EXCLUDED.false_negatives,
			updated_at = now()
		RETURNING total, resolved, escalated, needs_approval, false_positives, false_negatives, updated_at`,
		tenantID, exceptionType, resolved, escalated, needsApproval,
		boolToInc(falsePositive), boolToInc(falseNegative)).
		Scan(&stats.Total, &stats.Resolved, &stats.Escalated, &stats.NeedsApproval,
			&stats.FalsePositives, &stats.FalseNegatives, &stats.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record outcome: %w", err)
	}
	stats.UpdatedAt = stats.UpdatedAt.UTC()
	return stats, nil
}

// SaveRecommendation stores the recommendation.
func (s *PostgresFeedbackStore) SaveRecommendation(ctx context.Context, rec *models.FeedbackRecommendation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback_recommendations (recommendation_id, tenant_id, exception_type,
			kind, description, review_required, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.RecommendationID, rec.TenantID, rec.ExceptionType, rec.Kind,
		rec.Description, rec.ReviewRequired, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert recommendation: %w", err)
	}
	return nil
}

// Stats returns the current counters for the pair.
func (s *PostgresFeedbackStore) Stats(ctx context.Context, tenantID, exceptionType string) (*models.FeedbackStats, error) {
	stats := &models.FeedbackStats{TenantID: tenantID, ExceptionType: exceptionType}
	err := s.db.QueryRowContext(ctx, `
		SELECT total, resolved, escalated, needs_approval, false_positives, false_negatives, updated_at
		FROM feedback_stats
		WHERE tenant_id = $1 AND exception_type = $2`,
		tenantID, exceptionType).
		Scan(&stats.Total, &stats.Resolved, &stats.Escalated, &stats.NeedsApproval,
			&stats.FalsePositives, &stats.FalseNegatives, &stats.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.Errorf(models.KindNotFound, "no feedback stats for %s/%s", tenantID, exceptionType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback stats: %w", err)
	}
	stats.UpdatedAt = stats.UpdatedAt.UTC()
	return stats, nil
}

// Recommendations returns the tenant's recommendations oldest first.
func (s *PostgresFeedbackStore) Recommendations(ctx context.Context, tenantID string) ([]*models.FeedbackRecommendation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT recommendation_id, tenant_id, exception_type, kind, description, review_required, created_at
		FROM feedback_recommendations
		WHERE tenant_id = $1
		ORDER BY created_at, recommendation_id`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recommendations: %w", err)
	}
	defer rows.Close()

	var out []*models.FeedbackRecommendation
	for rows.Next() {
		var rec models.FeedbackRecommendation
		if err := rows.Scan(&rec.RecommendationID, &rec.TenantID, &rec.ExceptionType,
			&rec.Kind, &rec.Description, &rec.ReviewRequired, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan recommendation: %w", err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate recommendations: %w", err)
	}
	return out, nil
}

// PostgresTenantStore tracks known tenants in the tenants table.
type PostgresTenantStore struct {
	db *sql.DB
}

// NewPostgresTenantStore creates a tenant store on the client's pool.
func NewPostgresTenantStore(client *Client) *PostgresTenantStore {
	return &PostgresTenantStore{db: client.DB()}
}

// EnsureTenant registers the tenant if it is new.
func (s *PostgresTenantStore) EnsureTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return models.Errorf(models.KindValidationFailed, "tenant id is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (tenant_id) VALUES ($1)
		ON CONFLICT (tenant_id) DO NOTHING`,
		tenantID)
	if err != nil {
		return fmt.Errorf("failed to ensure tenant: %w", err)
	}
	return nil
}

// TenantExists reports whether the tenant has been registered.
func (s *PostgresTenantStore) TenantExists(ctx context.Context, tenantID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM tenants WHERE tenant_id = $1)`,
		tenantID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query tenant: %w", err)
	}
	return exists, nil
}
