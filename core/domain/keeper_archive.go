package domain

import (
	"time"

	"github.com/google/uuid"
)

// ArchiveRecord groups the emails affected by one executed batch. Snowflake
// ids keep the archive ledger time-sortable.
type ArchiveRecord struct {
	ID          int64        `json:"id"`
	UserID      uuid.UUID    `json:"user_id"`
	EmailIDs    []string     `json:"email_ids"`
	ArchiveDate time.Time    `json:"archive_date"`
	Method      ActionMethod `json:"method"`
	Location    *string      `json:"location,omitempty"`
	Format      *string      `json:"format,omitempty"`
	Size        int64        `json:"size"`
	Restorable  bool         `json:"restorable"`
}

// EmailPreImage captures the fields a destructive batch changes, so restore
// can put them back.
type EmailPreImage struct {
	EmailID  string   `json:"email_id"`
	Labels   []string `json:"labels,omitempty"`
	Archived bool     `json:"archived"`
}

// AuditRecord is the append-only evidence of one destructive batch. It backs
// both restore and the rolling deletion-rate accounting.
type AuditRecord struct {
	ID              int64           `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	JobID           *uuid.UUID      `json:"job_id,omitempty"`
	PolicyID        *uuid.UUID      `json:"policy_id,omitempty"`
	ArchiveRecordID *int64          `json:"archive_record_id,omitempty"`
	Action          ActionType      `json:"action"`
	Trigger         string          `json:"trigger"`
	EmailIDs        []string        `json:"email_ids"`
	PreImages       []EmailPreImage `json:"pre_images,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}
