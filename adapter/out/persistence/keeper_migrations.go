package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"keeper_server/pkg/apperr"
)

// migrations is the forward-only DDL history of one user schema. Each entry
// is applied inside a transaction and recorded in schema_migrations; a
// schema whose recorded version is newer than this list was written by a
// newer build and must not be touched.
var migrations = []string{
	// 1: email index
	`CREATE TABLE {{schema}}.emails (
		email_id                 TEXT PRIMARY KEY,
		thread_id                TEXT NOT NULL DEFAULT '',
		subject                  TEXT NOT NULL DEFAULT '',
		sender                   TEXT NOT NULL DEFAULT '',
		recipients               TEXT[] NOT NULL DEFAULT '{}',
		date                     TIMESTAMPTZ NOT NULL,
		year                     INT NOT NULL,
		size                     BIGINT NOT NULL DEFAULT 0,
		has_attachments          BOOLEAN NOT NULL DEFAULT FALSE,
		labels                   TEXT[] NOT NULL DEFAULT '{}',
		snippet                  TEXT NOT NULL DEFAULT '',
		attachment_types         TEXT[] NOT NULL DEFAULT '{}',
		archived                 BOOLEAN NOT NULL DEFAULT FALSE,
		archive_date             TIMESTAMPTZ,
		archive_location         TEXT,
		importance_score         DOUBLE PRECISION,
		importance_level         TEXT,
		importance_matched_rules TEXT[] NOT NULL DEFAULT '{}',
		importance_confidence    DOUBLE PRECISION,
		age_category             TEXT,
		size_category            TEXT,
		recency_score            DOUBLE PRECISION,
		size_penalty             DOUBLE PRECISION,
		gmail_category           TEXT,
		spam_score               DOUBLE PRECISION,
		promotional_score        DOUBLE PRECISION,
		social_score             DOUBLE PRECISION,
		spam_indicators          TEXT[] NOT NULL DEFAULT '{}',
		promotional_indicators   TEXT[] NOT NULL DEFAULT '{}',
		social_indicators        TEXT[] NOT NULL DEFAULT '{}',
		category                 TEXT,
		analysis_timestamp       TIMESTAMPTZ,
		analysis_version         TEXT
	);
	CREATE INDEX emails_date_idx ON {{schema}}.emails (date);
	CREATE INDEX emails_year_idx ON {{schema}}.emails (year);
	CREATE INDEX emails_category_idx ON {{schema}}.emails (category);
	CREATE INDEX emails_archived_idx ON {{schema}}.emails (archived);
	CREATE INDEX emails_size_idx ON {{schema}}.emails (size);
	CREATE INDEX emails_sender_idx ON {{schema}}.emails (sender);
	CREATE INDEX emails_thread_idx ON {{schema}}.emails (thread_id)`,

	// 2: cleanup policies
	`CREATE TABLE {{schema}}.policies (
		id          UUID PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		enabled     BOOLEAN NOT NULL DEFAULT TRUE,
		priority    INT NOT NULL DEFAULT 0,
		criteria    JSONB NOT NULL DEFAULT '{}',
		action      JSONB NOT NULL DEFAULT '{}',
		safety      JSONB NOT NULL DEFAULT '{}',
		schedule    JSONB,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL,
		last_run_at TIMESTAMPTZ
	)`,

	// 3: durable job queue
	`CREATE TABLE {{schema}}.jobs (
		id               UUID PRIMARY KEY,
		job_type         TEXT NOT NULL,
		status           TEXT NOT NULL DEFAULT 'pending',
		priority         INT NOT NULL DEFAULT 0,
		request_params   JSONB,
		cleanup_metadata JSONB,
		progress         INT NOT NULL DEFAULT 0,
		progress_details JSONB,
		results          JSONB,
		error            TEXT NOT NULL DEFAULT '',
		error_kind       TEXT NOT NULL DEFAULT '',
		retry_count      INT NOT NULL DEFAULT 0,
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		created_at       TIMESTAMPTZ NOT NULL,
		started_at       TIMESTAMPTZ,
		completed_at     TIMESTAMPTZ
	);
	CREATE INDEX jobs_pending_idx ON {{schema}}.jobs (status, priority DESC, created_at)`,

	// 4: access log and summaries
	`CREATE TABLE {{schema}}.access_events (
		id           BIGSERIAL PRIMARY KEY,
		email_id     TEXT NOT NULL,
		access_type  TEXT NOT NULL,
		at           TIMESTAMPTZ NOT NULL,
		search_query TEXT NOT NULL DEFAULT '',
		user_context TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX access_events_email_idx ON {{schema}}.access_events (email_id, at);
	CREATE TABLE {{schema}}.access_summaries (
		email_id            TEXT PRIMARY KEY,
		total_accesses      INT NOT NULL DEFAULT 0,
		last_accessed       TIMESTAMPTZ,
		search_appearances  INT NOT NULL DEFAULT 0,
		search_interactions INT NOT NULL DEFAULT 0,
		access_score        DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at          TIMESTAMPTZ NOT NULL
	)`,

	// 5: archive ledger and audit log
	`CREATE TABLE {{schema}}.archive_records (
		id           BIGINT PRIMARY KEY,
		email_ids    TEXT[] NOT NULL DEFAULT '{}',
		archive_date TIMESTAMPTZ NOT NULL,
		method       TEXT NOT NULL,
		location     TEXT,
		format       TEXT,
		size         BIGINT NOT NULL DEFAULT 0,
		restorable   BOOLEAN NOT NULL DEFAULT FALSE,
		restored     BOOLEAN NOT NULL DEFAULT FALSE,
		restored_at  TIMESTAMPTZ
	);
	CREATE TABLE {{schema}}.audit_records (
		id                BIGINT PRIMARY KEY,
		job_id            UUID,
		policy_id         UUID,
		archive_record_id BIGINT,
		action            TEXT NOT NULL,
		trigger_kind      TEXT NOT NULL DEFAULT '',
		email_ids         TEXT[] NOT NULL DEFAULT '{}',
		pre_images        JSONB,
		at                TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX audit_records_at_idx ON {{schema}}.audit_records (at);
	CREATE INDEX audit_records_policy_idx ON {{schema}}.audit_records (policy_id, action, at)`,

	// 6: saved searches
	`CREATE TABLE {{schema}}.saved_searches (
		id         UUID PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		criteria   JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// migrateSchema creates the schema if needed and applies pending migrations.
func migrateSchema(ctx context.Context, db *sqlx.DB, schema string) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema)); err != nil {
		return apperr.DatabaseError("failed to create schema", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s.schema_migrations (version INT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`,
		schema)); err != nil {
		return apperr.DatabaseError("failed to create migrations table", err)
	}

	var current int
	if err := db.GetContext(ctx, &current, fmt.Sprintf(
		`SELECT COALESCE(MAX(version), 0) FROM %s.schema_migrations`, schema)); err != nil {
		return apperr.DatabaseError("failed to read schema version", err)
	}
	if current > len(migrations) {
		return apperr.Corrupt(
			fmt.Sprintf("schema %s is at version %d, this build supports up to %d", schema, current, len(migrations)),
			nil)
	}

	for version := current + 1; version <= len(migrations); version++ {
		ddl := strings.ReplaceAll(migrations[version-1], "{{schema}}", schema)
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return apperr.DatabaseError("failed to begin migration", err)
		}
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			_ = tx.Rollback()
			return apperr.DatabaseError(fmt.Sprintf("migration %d failed", version), err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %s.schema_migrations (version) VALUES ($1)`, schema), version); err != nil {
			_ = tx.Rollback()
			return apperr.DatabaseError(fmt.Sprintf("migration %d bookkeeping failed", version), err)
		}
		if err := tx.Commit(); err != nil {
			return apperr.DatabaseError(fmt.Sprintf("migration %d commit failed", version), err)
		}
	}
	return nil
}
