package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"keeper_server/core/domain"
	"keeper_server/pkg/apperr"
)

type accessEventRow struct {
	ID          int64     `db:"id"`
	EmailID     string    `db:"email_id"`
	AccessType  string    `db:"access_type"`
	At          time.Time `db:"at"`
	SearchQuery string    `db:"search_query"`
	UserContext string    `db:"user_context"`
}

type accessSummaryRow struct {
	EmailID            string       `db:"email_id"`
	TotalAccesses      int          `db:"total_accesses"`
	LastAccessed       sql.NullTime `db:"last_accessed"`
	SearchAppearances  int          `db:"search_appearances"`
	SearchInteractions int          `db:"search_interactions"`
	AccessScore        float64      `db:"access_score"`
	UpdatedAt          time.Time    `db:"updated_at"`
}

func (r *accessSummaryRow) toEntity() *domain.AccessSummary {
	summary := &domain.AccessSummary{
		EmailID:            r.EmailID,
		TotalAccesses:      r.TotalAccesses,
		SearchAppearances:  r.SearchAppearances,
		SearchInteractions: r.SearchInteractions,
		AccessScore:        r.AccessScore,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.LastAccessed.Valid {
		summary.LastAccessed = r.LastAccessed.Time
	}
	return summary
}

func (s *userStore) AppendAccessEvent(ctx context.Context, event *domain.AccessEvent) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (email_id, access_type, at, search_query, user_context)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`, s.table("access_events"))
	if err := s.db.GetContext(ctx, &event.ID, query,
		event.EmailID, string(event.AccessType), event.Timestamp, event.SearchQuery, event.UserContext); err != nil {
		return apperr.DatabaseError("failed to append access event", err)
	}
	return nil
}

func (s *userStore) ListAccessEvents(ctx context.Context, emailID string) ([]*domain.AccessEvent, error) {
	query := fmt.Sprintf(
		`SELECT id, email_id, access_type, at, search_query, user_context
		 FROM %s WHERE email_id = $1 ORDER BY at`, s.table("access_events"))
	var rows []accessEventRow
	if err := s.db.SelectContext(ctx, &rows, query, emailID); err != nil {
		return nil, apperr.DatabaseError("failed to list access events", err)
	}
	events := make([]*domain.AccessEvent, 0, len(rows))
	for i := range rows {
		row := rows[i]
		events = append(events, &domain.AccessEvent{
			ID:          row.ID,
			UserID:      s.userID,
			EmailID:     row.EmailID,
			AccessType:  domain.AccessType(row.AccessType),
			Timestamp:   row.At,
			SearchQuery: row.SearchQuery,
			UserContext: row.UserContext,
		})
	}
	return events, nil
}

func (s *userStore) UpsertAccessSummary(ctx context.Context, summary *domain.AccessSummary) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (email_id, total_accesses, last_accessed, search_appearances, search_interactions, access_score, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (email_id) DO UPDATE SET
			total_accesses = EXCLUDED.total_accesses,
			last_accessed = EXCLUDED.last_accessed,
			search_appearances = EXCLUDED.search_appearances,
			search_interactions = EXCLUDED.search_interactions,
			access_score = EXCLUDED.access_score,
			updated_at = EXCLUDED.updated_at`, s.table("access_summaries"))
	var lastAccessed sql.NullTime
	if !summary.LastAccessed.IsZero() {
		lastAccessed = sql.NullTime{Time: summary.LastAccessed, Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, query,
		summary.EmailID, summary.TotalAccesses, lastAccessed,
		summary.SearchAppearances, summary.SearchInteractions,
		summary.AccessScore, summary.UpdatedAt); err != nil {
		return apperr.DatabaseError("failed to upsert access summary", err)
	}
	return nil
}

func (s *userStore) GetAccessSummary(ctx context.Context, emailID string) (*domain.AccessSummary, error) {
	var row accessSummaryRow
	query := fmt.Sprintf(
		`SELECT email_id, total_accesses, last_accessed, search_appearances, search_interactions, access_score, updated_at
		 FROM %s WHERE email_id = $1`, s.table("access_summaries"))
	if err := s.db.GetContext(ctx, &row, query, emailID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("access summary")
		}
		return nil, apperr.DatabaseError("failed to get access summary", err)
	}
	return row.toEntity(), nil
}

// GetAccessSummaries fetches summaries in bulk. Emails without a summary are
// absent from the map; the caller treats them as never accessed.
func (s *userStore) GetAccessSummaries(ctx context.Context, emailIDs []string) (map[string]*domain.AccessSummary, error) {
	if len(emailIDs) == 0 {
		return map[string]*domain.AccessSummary{}, nil
	}
	query := fmt.Sprintf(
		`SELECT email_id, total_accesses, last_accessed, search_appearances, search_interactions, access_score, updated_at
		 FROM %s WHERE email_id = ANY($1)`, s.table("access_summaries"))
	var rows []accessSummaryRow
	if err := s.db.SelectContext(ctx, &rows, query, pq.Array(emailIDs)); err != nil {
		return nil, apperr.DatabaseError("failed to get access summaries", err)
	}
	summaries := make(map[string]*domain.AccessSummary, len(rows))
	for i := range rows {
		summaries[rows[i].EmailID] = rows[i].toEntity()
	}
	return summaries, nil
}
