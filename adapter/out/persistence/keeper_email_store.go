package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"keeper_server/core/domain"
	"keeper_server/pkg/apperr"
)

// emailColumns lists the emails table columns in insert order.
const emailColumns = `
	email_id, thread_id, subject, sender, recipients, date, year, size,
	has_attachments, labels, snippet, attachment_types,
	archived, archive_date, archive_location,
	importance_score, importance_level, importance_matched_rules, importance_confidence,
	age_category, size_category, recency_score, size_penalty,
	gmail_category, spam_score, promotional_score, social_score,
	spam_indicators, promotional_indicators, social_indicators,
	category, analysis_timestamp, analysis_version`

// emailRow is the database shape of one indexed email.
type emailRow struct {
	EmailID         string         `db:"email_id"`
	ThreadID        string         `db:"thread_id"`
	Subject         string         `db:"subject"`
	Sender          string         `db:"sender"`
	Recipients      pq.StringArray `db:"recipients"`
	Date            time.Time      `db:"date"`
	Year            int            `db:"year"`
	Size            int64          `db:"size"`
	HasAttachments  bool           `db:"has_attachments"`
	Labels          pq.StringArray `db:"labels"`
	Snippet         string         `db:"snippet"`
	AttachmentTypes pq.StringArray `db:"attachment_types"`

	Archived        bool           `db:"archived"`
	ArchiveDate     sql.NullTime   `db:"archive_date"`
	ArchiveLocation sql.NullString `db:"archive_location"`

	ImportanceScore        sql.NullFloat64 `db:"importance_score"`
	ImportanceLevel        sql.NullString  `db:"importance_level"`
	ImportanceMatchedRules pq.StringArray  `db:"importance_matched_rules"`
	ImportanceConfidence   sql.NullFloat64 `db:"importance_confidence"`

	AgeCategory  sql.NullString  `db:"age_category"`
	SizeCategory sql.NullString  `db:"size_category"`
	RecencyScore sql.NullFloat64 `db:"recency_score"`
	SizePenalty  sql.NullFloat64 `db:"size_penalty"`

	GmailCategory         sql.NullString  `db:"gmail_category"`
	SpamScore             sql.NullFloat64 `db:"spam_score"`
	PromotionalScore      sql.NullFloat64 `db:"promotional_score"`
	SocialScore           sql.NullFloat64 `db:"social_score"`
	SpamIndicators        pq.StringArray  `db:"spam_indicators"`
	PromotionalIndicators pq.StringArray  `db:"promotional_indicators"`
	SocialIndicators      pq.StringArray  `db:"social_indicators"`

	Category          sql.NullString `db:"category"`
	AnalysisTimestamp sql.NullTime   `db:"analysis_timestamp"`
	AnalysisVersion   sql.NullString `db:"analysis_version"`
}

func (r *emailRow) toEntity(userID uuid.UUID) *domain.EmailIndex {
	email := &domain.EmailIndex{
		EmailID:         r.EmailID,
		ThreadID:        r.ThreadID,
		UserID:          userID,
		Subject:         r.Subject,
		Sender:          r.Sender,
		Recipients:      r.Recipients,
		Date:            r.Date,
		Year:            r.Year,
		Size:            r.Size,
		HasAttachments:  r.HasAttachments,
		Labels:          r.Labels,
		Snippet:         r.Snippet,
		AttachmentTypes: r.AttachmentTypes,
		Archived:        r.Archived,
	}

	if r.ArchiveDate.Valid {
		email.ArchiveDate = &r.ArchiveDate.Time
	}
	if r.ArchiveLocation.Valid {
		email.ArchiveLocation = &r.ArchiveLocation.String
	}
	if r.ImportanceScore.Valid {
		email.ImportanceScore = &r.ImportanceScore.Float64
	}
	if r.ImportanceLevel.Valid {
		level := domain.ImportanceLevel(r.ImportanceLevel.String)
		email.ImportanceLevel = &level
	}
	email.ImportanceMatchedRules = r.ImportanceMatchedRules
	if r.ImportanceConfidence.Valid {
		email.ImportanceConfidence = &r.ImportanceConfidence.Float64
	}
	if r.AgeCategory.Valid {
		age := domain.AgeCategory(r.AgeCategory.String)
		email.AgeCategory = &age
	}
	if r.SizeCategory.Valid {
		size := domain.SizeCategory(r.SizeCategory.String)
		email.SizeCategory = &size
	}
	if r.RecencyScore.Valid {
		email.RecencyScore = &r.RecencyScore.Float64
	}
	if r.SizePenalty.Valid {
		email.SizePenalty = &r.SizePenalty.Float64
	}
	if r.GmailCategory.Valid {
		category := domain.GmailCategory(r.GmailCategory.String)
		email.GmailCategory = &category
	}
	if r.SpamScore.Valid {
		email.SpamScore = &r.SpamScore.Float64
	}
	if r.PromotionalScore.Valid {
		email.PromotionalScore = &r.PromotionalScore.Float64
	}
	if r.SocialScore.Valid {
		email.SocialScore = &r.SocialScore.Float64
	}
	email.SpamIndicators = r.SpamIndicators
	email.PromotionalIndicators = r.PromotionalIndicators
	email.SocialIndicators = r.SocialIndicators
	if r.Category.Valid {
		category := domain.Category(r.Category.String)
		email.Category = &category
	}
	if r.AnalysisTimestamp.Valid {
		email.AnalysisTimestamp = &r.AnalysisTimestamp.Time
	}
	if r.AnalysisVersion.Valid {
		email.AnalysisVersion = &r.AnalysisVersion.String
	}
	return email
}

func emailArgs(email *domain.EmailIndex) []any {
	return []any{
		email.EmailID,
		email.ThreadID,
		email.Subject,
		email.Sender,
		pq.StringArray(email.Recipients),
		email.Date,
		email.Year,
		email.Size,
		email.HasAttachments,
		pq.StringArray(email.Labels),
		email.Snippet,
		pq.StringArray(email.AttachmentTypes),
		email.Archived,
		nullTime(email.ArchiveDate),
		nullString(email.ArchiveLocation),
		nullFloat(email.ImportanceScore),
		nullStringer(email.ImportanceLevel),
		pq.StringArray(email.ImportanceMatchedRules),
		nullFloat(email.ImportanceConfidence),
		nullStringer(email.AgeCategory),
		nullStringer(email.SizeCategory),
		nullFloat(email.RecencyScore),
		nullFloat(email.SizePenalty),
		nullStringer(email.GmailCategory),
		nullFloat(email.SpamScore),
		nullFloat(email.PromotionalScore),
		nullFloat(email.SocialScore),
		pq.StringArray(email.SpamIndicators),
		pq.StringArray(email.PromotionalIndicators),
		pq.StringArray(email.SocialIndicators),
		nullStringer(email.Category),
		nullTime(email.AnalysisTimestamp),
		nullString(email.AnalysisVersion),
	}
}

const emailUpsertConflict = ` ON CONFLICT (email_id) DO UPDATE SET
	thread_id = EXCLUDED.thread_id,
	subject = EXCLUDED.subject,
	sender = EXCLUDED.sender,
	recipients = EXCLUDED.recipients,
	date = EXCLUDED.date,
	year = EXCLUDED.year,
	size = EXCLUDED.size,
	has_attachments = EXCLUDED.has_attachments,
	labels = EXCLUDED.labels,
	snippet = EXCLUDED.snippet,
	attachment_types = EXCLUDED.attachment_types,
	archived = EXCLUDED.archived,
	archive_date = EXCLUDED.archive_date,
	archive_location = EXCLUDED.archive_location,
	importance_score = EXCLUDED.importance_score,
	importance_level = EXCLUDED.importance_level,
	importance_matched_rules = EXCLUDED.importance_matched_rules,
	importance_confidence = EXCLUDED.importance_confidence,
	age_category = EXCLUDED.age_category,
	size_category = EXCLUDED.size_category,
	recency_score = EXCLUDED.recency_score,
	size_penalty = EXCLUDED.size_penalty,
	gmail_category = EXCLUDED.gmail_category,
	spam_score = EXCLUDED.spam_score,
	promotional_score = EXCLUDED.promotional_score,
	social_score = EXCLUDED.social_score,
	spam_indicators = EXCLUDED.spam_indicators,
	promotional_indicators = EXCLUDED.promotional_indicators,
	social_indicators = EXCLUDED.social_indicators,
	category = EXCLUDED.category,
	analysis_timestamp = EXCLUDED.analysis_timestamp,
	analysis_version = EXCLUDED.analysis_version`

func (s *userStore) UpsertEmail(ctx context.Context, email *domain.EmailIndex) error {
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)%s`,
		s.table("emails"), emailColumns, placeholders(33), emailUpsertConflict)
	if _, err := s.db.ExecContext(ctx, query, emailArgs(email)...); err != nil {
		return apperr.DatabaseError("failed to upsert email", err)
	}
	return nil
}

func (s *userStore) BulkUpsertEmails(ctx context.Context, emails []*domain.EmailIndex) error {
	if len(emails) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.DatabaseError("failed to begin bulk upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)%s`,
		s.table("emails"), emailColumns, placeholders(33), emailUpsertConflict)
	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return apperr.DatabaseError("failed to prepare bulk upsert", err)
	}
	defer stmt.Close()

	for _, email := range emails {
		if _, err := stmt.ExecContext(ctx, emailArgs(email)...); err != nil {
			return apperr.DatabaseError("bulk upsert row failed", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.DatabaseError("failed to commit bulk upsert", err)
	}
	return nil
}

func (s *userStore) GetEmail(ctx context.Context, emailID string) (*domain.EmailIndex, error) {
	var row emailRow
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE email_id = $1`, emailColumns, s.table("emails"))
	if err := s.db.GetContext(ctx, &row, query, emailID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("email")
		}
		return nil, apperr.DatabaseError("failed to get email", err)
	}
	return row.toEntity(s.userID), nil
}

// buildCriteria renders SearchCriteria into a WHERE clause and args.
func buildCriteria(criteria *domain.SearchCriteria) (string, []any) {
	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if criteria.Query != "" {
		p := arg("%" + criteria.Query + "%")
		clauses = append(clauses, fmt.Sprintf("(subject ILIKE %s OR snippet ILIKE %s)", p, p))
	}
	if criteria.Category != nil {
		clauses = append(clauses, "category = "+arg(string(*criteria.Category)))
	}
	if criteria.Year != nil {
		clauses = append(clauses, "year = "+arg(*criteria.Year))
	}
	if criteria.YearFrom != nil {
		clauses = append(clauses, "year >= "+arg(*criteria.YearFrom))
	}
	if criteria.YearTo != nil {
		clauses = append(clauses, "year <= "+arg(*criteria.YearTo))
	}
	if criteria.SizeMin != nil {
		clauses = append(clauses, "size >= "+arg(*criteria.SizeMin))
	}
	if criteria.SizeMax != nil {
		clauses = append(clauses, "size <= "+arg(*criteria.SizeMax))
	}
	if criteria.Archived != nil {
		clauses = append(clauses, "archived = "+arg(*criteria.Archived))
	}
	if criteria.Sender != "" {
		clauses = append(clauses, "sender ILIKE "+arg("%"+criteria.Sender+"%"))
	}
	if len(criteria.Labels) > 0 {
		clauses = append(clauses, "labels @> "+arg(pq.StringArray(criteria.Labels)))
	}
	if criteria.HasAttachments != nil {
		clauses = append(clauses, "has_attachments = "+arg(*criteria.HasAttachments))
	}
	if criteria.UnanalyzedOnly {
		clauses = append(clauses, "category IS NULL")
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *userStore) SearchEmails(ctx context.Context, criteria *domain.SearchCriteria) ([]*domain.EmailIndex, error) {
	where, args := buildCriteria(criteria)
	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY date DESC`, emailColumns, s.table("emails"), where)
	if criteria.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", criteria.Limit)
	}
	if criteria.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", criteria.Offset)
	}

	var rows []emailRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperr.DatabaseError("failed to search emails", err)
	}
	emails := make([]*domain.EmailIndex, len(rows))
	for i := range rows {
		emails[i] = rows[i].toEntity(s.userID)
	}
	return emails, nil
}

func (s *userStore) CountEmails(ctx context.Context, criteria *domain.SearchCriteria) (int64, error) {
	where, args := buildCriteria(criteria)
	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, s.table("emails"), where)
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, apperr.DatabaseError("failed to count emails", err)
	}
	return count, nil
}

func (s *userStore) MarkArchived(ctx context.Context, emailIDs []string, location string) error {
	query := fmt.Sprintf(
		`UPDATE %s SET archived = TRUE, archive_date = now(), archive_location = $1 WHERE email_id = ANY($2)`,
		s.table("emails"))
	if _, err := s.db.ExecContext(ctx, query, location, pq.StringArray(emailIDs)); err != nil {
		return apperr.DatabaseError("failed to mark emails archived", err)
	}
	return nil
}

func (s *userStore) UnmarkArchived(ctx context.Context, emailIDs []string) error {
	query := fmt.Sprintf(
		`UPDATE %s SET archived = FALSE, archive_date = NULL, archive_location = NULL WHERE email_id = ANY($1)`,
		s.table("emails"))
	if _, err := s.db.ExecContext(ctx, query, pq.StringArray(emailIDs)); err != nil {
		return apperr.DatabaseError("failed to unmark archived emails", err)
	}
	return nil
}

func (s *userStore) DeleteEmails(ctx context.Context, emailIDs []string) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE email_id = ANY($1)`, s.table("emails"))
	result, err := s.db.ExecContext(ctx, query, pq.StringArray(emailIDs))
	if err != nil {
		return 0, apperr.DatabaseError("failed to delete emails", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

func (s *userStore) GetEmailStats(ctx context.Context, groupBy domain.StatsGroupBy, includeArchived bool) ([]domain.EmailStats, error) {
	var keyExpr string
	switch groupBy {
	case domain.StatsByYear:
		keyExpr = "year::TEXT"
	case domain.StatsByCategory:
		keyExpr = "COALESCE(category, 'unanalyzed')"
	case domain.StatsBySender:
		keyExpr = "sender"
	case domain.StatsBySize:
		keyExpr = `CASE WHEN size < 1048576 THEN 'small' WHEN size < 10485760 THEN 'medium' ELSE 'large' END`
	default:
		return nil, apperr.InvalidField("group_by", "unknown grouping "+string(groupBy))
	}

	where := ""
	if !includeArchived {
		where = " WHERE NOT archived"
	}
	query := fmt.Sprintf(
		`SELECT %s AS key, COUNT(*) AS count, COALESCE(SUM(size), 0) AS total_size FROM %s%s GROUP BY 1 ORDER BY count DESC`,
		keyExpr, s.table("emails"), where)

	var stats []domain.EmailStats
	if err := s.db.SelectContext(ctx, &stats, query); err != nil {
		return nil, apperr.DatabaseError("failed to aggregate email stats", err)
	}
	return stats, nil
}

func (s *userStore) GetThreadActivity(ctx context.Context, threadID string) (int, time.Time, error) {
	var row struct {
		Count int          `db:"count"`
		Last  sql.NullTime `db:"last"`
	}
	query := fmt.Sprintf(`SELECT COUNT(*) AS count, MAX(date) AS last FROM %s WHERE thread_id = $1`, s.table("emails"))
	if err := s.db.GetContext(ctx, &row, query, threadID); err != nil {
		return 0, time.Time{}, apperr.DatabaseError("failed to read thread activity", err)
	}
	return row.Count, row.Last.Time, nil
}

func (s *userStore) GetSenderMeanSize(ctx context.Context, sender string) (int64, error) {
	var mean sql.NullFloat64
	query := fmt.Sprintf(`SELECT AVG(size) FROM %s WHERE sender = $1`, s.table("emails"))
	if err := s.db.GetContext(ctx, &mean, query, sender); err != nil {
		return 0, apperr.DatabaseError("failed to read sender mean size", err)
	}
	if !mean.Valid {
		return 0, nil
	}
	return int64(mean.Float64), nil
}

// =============================================================================
// Saved searches
// =============================================================================

func (s *userStore) SaveSearch(ctx context.Context, search *domain.SavedSearch) error {
	criteria, err := json.Marshal(search.Criteria)
	if err != nil {
		return apperr.Internal("failed to serialize search criteria: " + err.Error())
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (id, name, criteria, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE SET criteria = EXCLUDED.criteria`,
		s.table("saved_searches"))
	if _, err := s.db.ExecContext(ctx, query, search.ID, search.Name, criteria, search.CreatedAt); err != nil {
		return apperr.DatabaseError("failed to save search", err)
	}
	return nil
}

func (s *userStore) ListSavedSearches(ctx context.Context) ([]*domain.SavedSearch, error) {
	var rows []struct {
		ID        uuid.UUID `db:"id"`
		Name      string    `db:"name"`
		Criteria  []byte    `db:"criteria"`
		CreatedAt time.Time `db:"created_at"`
	}
	query := fmt.Sprintf(`SELECT id, name, criteria, created_at FROM %s ORDER BY created_at`, s.table("saved_searches"))
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, apperr.DatabaseError("failed to list saved searches", err)
	}

	searches := make([]*domain.SavedSearch, 0, len(rows))
	for _, row := range rows {
		search := &domain.SavedSearch{
			ID:        row.ID,
			UserID:    s.userID,
			Name:      row.Name,
			CreatedAt: row.CreatedAt,
		}
		if err := json.Unmarshal(row.Criteria, &search.Criteria); err != nil {
			return nil, apperr.Corrupt("saved search criteria", err)
		}
		searches = append(searches, search)
	}
	return searches, nil
}

// =============================================================================
// Null helpers
// =============================================================================

func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(parts, ", ")
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

// nullStringer converts a pointer to any string-kinded type.
func nullStringer[T ~string](v *T) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*v), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}
