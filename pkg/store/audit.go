package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/exceptionops/remsy/pkg/audit"
)

// PostgresAuditSink appends audit records to the audit_records table. It
// satisfies audit.Sink, so the playbook engine and the agents write to it
// without knowing the backing store.
type PostgresAuditSink struct {
	db *sql.DB
}

// NewPostgresAuditSink creates an audit sink on the client's pool.
func NewPostgresAuditSink(client *Client) *PostgresAuditSink {
	return &PostgresAuditSink{db: client.DB()}
}

// Append inserts one record.
func (s *PostgresAuditSink) Append(ctx context.Context, rec audit.Record) error {
	detail, err := marshalJSON(rec.Detail)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records (record_id, category, tenant_id, exception_id,
			stage, step_number, status, reason, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.RecordID, string(rec.Category), rec.TenantID, rec.ExceptionID,
		rec.Stage, rec.StepNumber, rec.Status, rec.Reason, detail, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// RecordsFor returns the exception's audit trail oldest first. The API
// exposes this read; writers only ever Append.
func (s *PostgresAuditSink) RecordsFor(ctx context.Context, tenantID, exceptionID string) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, category, tenant_id, exception_id, stage, step_number,
			status, reason, detail, created_at
		FROM audit_records
		WHERE tenant_id = $1 AND exception_id = $2
		ORDER BY created_at, record_id`,
		tenantID, exceptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			rec      audit.Record
			category string
			detail   []byte
		)
		if err := rows.Scan(&rec.RecordID, &category, &rec.TenantID, &rec.ExceptionID,
			&rec.Stage, &rec.StepNumber, &rec.Status, &rec.Reason, &detail, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.Category = audit.Category(category)
		if err := unmarshalJSON(detail, &rec.Detail); err != nil {
			return nil, err
		}
		rec.Timestamp = rec.Timestamp.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit records: %w", err)
	}
	return out, nil
}
