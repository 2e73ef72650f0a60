package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"keeper_server/core/domain"
	"keeper_server/pkg/apperr"
)

type archiveRecordRow struct {
	ID          int64          `db:"id"`
	EmailIDs    pq.StringArray `db:"email_ids"`
	ArchiveDate time.Time      `db:"archive_date"`
	Method      string         `db:"method"`
	Location    sql.NullString `db:"location"`
	Format      sql.NullString `db:"format"`
	Size        int64          `db:"size"`
	Restorable  bool           `db:"restorable"`
	Restored    bool           `db:"restored"`
	RestoredAt  sql.NullTime   `db:"restored_at"`
}

func (r *archiveRecordRow) toEntity(userID uuid.UUID) *domain.ArchiveRecord {
	record := &domain.ArchiveRecord{
		ID:          r.ID,
		UserID:      userID,
		EmailIDs:    r.EmailIDs,
		ArchiveDate: r.ArchiveDate,
		Method:      domain.ActionMethod(r.Method),
		Size:        r.Size,
		Restorable:  r.Restorable && !r.Restored,
	}
	if r.Location.Valid {
		record.Location = &r.Location.String
	}
	if r.Format.Valid {
		record.Format = &r.Format.String
	}
	return record
}

func (s *userStore) CreateArchiveRecord(ctx context.Context, record *domain.ArchiveRecord) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (id, email_ids, archive_date, method, location, format, size, restorable)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.table("archive_records"))
	if _, err := s.db.ExecContext(ctx, query,
		record.ID, pq.Array(record.EmailIDs), record.ArchiveDate, string(record.Method),
		nullString(record.Location), nullString(record.Format), record.Size, record.Restorable); err != nil {
		return apperr.DatabaseError("failed to create archive record", err)
	}
	return nil
}

func (s *userStore) GetArchiveRecord(ctx context.Context, id int64) (*domain.ArchiveRecord, error) {
	var row archiveRecordRow
	query := fmt.Sprintf(
		`SELECT id, email_ids, archive_date, method, location, format, size, restorable, restored, restored_at
		 FROM %s WHERE id = $1`, s.table("archive_records"))
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("archive record")
		}
		return nil, apperr.DatabaseError("failed to get archive record", err)
	}
	return row.toEntity(s.userID), nil
}

func (s *userStore) MarkArchiveRestored(ctx context.Context, id int64) error {
	query := fmt.Sprintf(
		`UPDATE %s SET restored = TRUE, restored_at = now() WHERE id = $1`, s.table("archive_records"))
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return apperr.DatabaseError("failed to mark archive restored", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return apperr.NotFound("archive record")
	}
	return nil
}

// =============================================================================
// Audit ledger
// =============================================================================

type auditRecordRow struct {
	ID              int64          `db:"id"`
	JobID           *uuid.UUID     `db:"job_id"`
	PolicyID        *uuid.UUID     `db:"policy_id"`
	ArchiveRecordID sql.NullInt64  `db:"archive_record_id"`
	Action          string         `db:"action"`
	TriggerKind     string         `db:"trigger_kind"`
	EmailIDs        pq.StringArray `db:"email_ids"`
	PreImages       []byte         `db:"pre_images"`
	At              time.Time      `db:"at"`
}

func (r *auditRecordRow) toEntity(userID uuid.UUID) (*domain.AuditRecord, error) {
	record := &domain.AuditRecord{
		ID:        r.ID,
		UserID:    userID,
		JobID:     r.JobID,
		PolicyID:  r.PolicyID,
		Action:    domain.ActionType(r.Action),
		Trigger:   r.TriggerKind,
		EmailIDs:  r.EmailIDs,
		Timestamp: r.At,
	}
	if r.ArchiveRecordID.Valid {
		record.ArchiveRecordID = &r.ArchiveRecordID.Int64
	}
	if len(r.PreImages) > 0 {
		if err := json.Unmarshal(r.PreImages, &record.PreImages); err != nil {
			return nil, apperr.Corrupt("audit pre-images", err)
		}
	}
	return record, nil
}

const auditColumns = `id, job_id, policy_id, archive_record_id, action, trigger_kind, email_ids, pre_images, at`

func (s *userStore) AppendAuditRecord(ctx context.Context, record *domain.AuditRecord) error {
	var preImages []byte
	if len(record.PreImages) > 0 {
		var err error
		preImages, err = json.Marshal(record.PreImages)
		if err != nil {
			return apperr.Internal("failed to serialize pre-images: " + err.Error())
		}
	}
	var archiveID sql.NullInt64
	if record.ArchiveRecordID != nil {
		archiveID = sql.NullInt64{Int64: *record.ArchiveRecordID, Valid: true}
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.table("audit_records"), auditColumns)
	if _, err := s.db.ExecContext(ctx, query,
		record.ID, record.JobID, record.PolicyID, archiveID,
		string(record.Action), record.Trigger, pq.Array(record.EmailIDs),
		preImages, record.Timestamp); err != nil {
		return apperr.DatabaseError("failed to append audit record", err)
	}
	return nil
}

func (s *userStore) ListAuditRecords(ctx context.Context, since time.Time, limit int) ([]*domain.AuditRecord, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE at >= $1 ORDER BY at DESC`, auditColumns, s.table("audit_records"))
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	var rows []auditRecordRow
	if err := s.db.SelectContext(ctx, &rows, query, since); err != nil {
		return nil, apperr.DatabaseError("failed to list audit records", err)
	}
	records := make([]*domain.AuditRecord, 0, len(rows))
	for i := range rows {
		record, err := rows[i].toEntity(s.userID)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *userStore) GetAuditForArchive(ctx context.Context, archiveRecordID int64) (*domain.AuditRecord, error) {
	var row auditRecordRow
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE archive_record_id = $1 ORDER BY at DESC LIMIT 1`,
		auditColumns, s.table("audit_records"))
	if err := s.db.GetContext(ctx, &row, query, archiveRecordID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("audit record")
		}
		return nil, apperr.DatabaseError("failed to get audit for archive", err)
	}
	return row.toEntity(s.userID)
}

// CountDeletionsSince feeds the rolling deletion budget. Counts deleted
// emails, not batches.
func (s *userStore) CountDeletionsSince(ctx context.Context, policyID *uuid.UUID, since time.Time) (int64, error) {
	query := fmt.Sprintf(
		`SELECT COALESCE(SUM(array_length(email_ids, 1)), 0) FROM %s WHERE action = 'delete' AND at >= $1`,
		s.table("audit_records"))
	args := []any{since}
	if policyID != nil {
		query += " AND policy_id = $2"
		args = append(args, *policyID)
	}
	var count int64
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, apperr.DatabaseError("failed to count deletions", err)
	}
	return count, nil
}
