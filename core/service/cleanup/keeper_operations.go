package cleanup

import (
	"context"
	"time"

	"github.com/google/uuid"

	"keeper_server/core/domain"
	"keeper_server/core/port/out"
	"keeper_server/pkg/apperr"
)

// =============================================================================
// Direct tool operations (archive, delete, restore, empty trash)
// =============================================================================

// ArchiveOptions parameterize a direct archive operation.
type ArchiveOptions struct {
	Method       domain.ActionMethod `json:"method"`
	ExportFormat string              `json:"export_format,omitempty"`
	DryRun       bool                `json:"dry_run"`
	MaxEmails    int                 `json:"max_emails,omitempty"`
}

// ArchiveByCriteria archives every unarchived email matching the search
// criteria, through an ad-hoc policy so the same safety gates apply.
func (e *Executor) ArchiveByCriteria(ctx context.Context, scope *out.UserScope, criteria *domain.SearchCriteria, opts ArchiveOptions) (map[string]any, error) {
	p := adhocPolicy(scope.UserID, domain.ActionArchive, opts.Method, opts.ExportFormat, nil)
	if err := p.Validate(); err != nil {
		return nil, apperr.InvalidParams(err.Error())
	}
	return e.runAdhoc(ctx, scope, p, criteria, opts.DryRun, opts.MaxEmails)
}

// DeleteOptions parameterize a direct delete operation.
type DeleteOptions struct {
	DryRun   bool `json:"dry_run"`
	MaxCount int  `json:"max_count,omitempty"`
}

// DeleteByCriteria trashes matching emails. The per-run cap is mandatory so
// a mistyped criteria set cannot empty a mailbox.
func (e *Executor) DeleteByCriteria(ctx context.Context, scope *out.UserScope, criteria *domain.SearchCriteria, opts DeleteOptions) (map[string]any, error) {
	if opts.MaxCount <= 0 {
		return nil, apperr.MissingField("max_count")
	}
	maxRun := opts.MaxCount
	p := adhocPolicy(scope.UserID, domain.ActionDelete, domain.MethodGmail, "", &maxRun)
	return e.runAdhoc(ctx, scope, p, criteria, opts.DryRun, opts.MaxCount)
}

// adhocPolicy is the synthetic policy behind direct operations. It always
// preserves important emails; other gates stay at their zero values.
func adhocPolicy(userID uuid.UUID, action domain.ActionType, method domain.ActionMethod, format string, maxRun *int) *domain.CleanupPolicy {
	return &domain.CleanupPolicy{
		ID:     uuid.New(),
		UserID: userID,
		Name:   "adhoc-" + string(action),
		Action: domain.PolicyAction{Type: action, Method: method, ExportFormat: format},
		Safety: domain.PolicySafety{
			PreserveImportant: true,
			Limits:            domain.DeletionLimits{MaxPerRun: maxRun},
		},
	}
}

// runAdhoc selects candidates with the caller's criteria and executes them
// through the normal batch path.
func (e *Executor) runAdhoc(ctx context.Context, scope *out.UserScope, p *domain.CleanupPolicy, criteria *domain.SearchCriteria, dryRun bool, maxEmails int) (map[string]any, error) {
	if criteria == nil {
		criteria = &domain.SearchCriteria{}
	}
	if criteria.Archived == nil {
		archived := false
		criteria.Archived = &archived
	}
	if maxEmails > 0 && (criteria.Limit <= 0 || criteria.Limit > maxEmails) {
		criteria.Limit = maxEmails
	}

	emails, err := scope.Store.SearchEmails(ctx, criteria)
	if err != nil {
		return nil, apperr.DatabaseError("failed to load emails", err)
	}
	set, err := e.engine.EvaluateEmails(ctx, scope, p, emails)
	if err != nil {
		return nil, err
	}

	meta := &domain.CleanupMetadata{Trigger: "manual", DryRun: dryRun, MaxEmails: maxEmails}
	job := domain.NewJob(scope.UserID, domain.JobCleanup, 0, nil)
	state := &runState{job: job}
	if set.Truncated {
		state.truncated = true
	}

	var clear []*domain.EmailIndex
	for _, c := range set.Candidates {
		if c.Verdict == domain.VerdictClear {
			clear = append(clear, c.Email)
			continue
		}
		state.skipped = append(state.skipped, map[string]string{"id": c.Email.EmailID, "reason": c.Reason})
	}
	if maxRun := p.Safety.Limits.MaxPerRun; maxRun != nil && len(clear) > *maxRun {
		clear = clear[:*maxRun]
		state.truncated = true
	}

	batchSize := e.config.BatchSize
	for start := 0; start < len(clear); start += batchSize {
		end := start + batchSize
		if end > len(clear) {
			end = len(clear)
		}
		if err := e.executeBatch(ctx, scope, p, clear[start:end], meta, state); err != nil {
			return state.results(dryRun), err
		}
	}
	return state.results(dryRun), nil
}

// EmptyTrash permanently removes trashed messages up to maxCount.
func (e *Executor) EmptyTrash(ctx context.Context, scope *out.UserScope, dryRun bool, maxCount int) (map[string]any, error) {
	if dryRun {
		ids, err := scope.Provider.ListMessageIDs(ctx, "in:trash", int64(maxCount))
		if err != nil {
			return nil, apperr.Upstream("gmail", err)
		}
		return map[string]any{"deleted": 0, "would_delete": len(ids), "dry_run": true}, nil
	}

	deleted, err := scope.Provider.EmptyTrash(ctx, maxCount)
	if err != nil {
		return nil, apperr.Upstream("gmail", err)
	}
	return map[string]any{"deleted": deleted, "dry_run": false}, nil
}

// =============================================================================
// Restore
// =============================================================================

// RestoreOptions identify what to restore: one archive record, or an
// explicit id list.
type RestoreOptions struct {
	ArchiveID *int64   `json:"archive_id,omitempty"`
	EmailIDs  []string `json:"email_ids,omitempty"`
}

// Restore reverses a previous gmail-side archive: labels are put back from
// the audit pre-images and the rows are unmarked.
func (e *Executor) Restore(ctx context.Context, scope *out.UserScope, opts RestoreOptions) (map[string]any, error) {
	switch {
	case opts.ArchiveID != nil:
		return e.restoreArchive(ctx, scope, *opts.ArchiveID)
	case len(opts.EmailIDs) > 0:
		return e.restoreByIDs(ctx, scope, opts.EmailIDs)
	}
	return nil, apperr.InvalidParams("restore requires archive_id or email_ids")
}

func (e *Executor) restoreArchive(ctx context.Context, scope *out.UserScope, archiveID int64) (map[string]any, error) {
	record, err := scope.Store.GetArchiveRecord(ctx, archiveID)
	if err != nil {
		return nil, err
	}
	if !record.Restorable {
		return nil, apperr.InvalidParams("archive record is not restorable")
	}

	audit, err := scope.Store.GetAuditForArchive(ctx, archiveID)
	if err != nil {
		return nil, err
	}

	restored := 0
	var failures []string
	for _, pre := range audit.PreImages {
		if err := scope.Provider.SetLabels(ctx, pre.EmailID, pre.Labels); err != nil {
			e.logger.Warn().Str("email_id", pre.EmailID).Err(err).Msg("label restore failed")
			failures = append(failures, pre.EmailID)
			continue
		}
		restored++
	}

	if restored > 0 {
		if err := scope.Store.UnmarkArchived(ctx, record.EmailIDs); err != nil {
			return nil, apperr.DatabaseError("failed to unmark archived rows", err)
		}
	}
	if len(failures) == 0 {
		if err := scope.Store.MarkArchiveRestored(ctx, archiveID); err != nil {
			return nil, apperr.DatabaseError("failed to mark archive restored", err)
		}
	}

	return map[string]any{
		"restored": restored,
		"failed":   failures,
	}, nil
}

func (e *Executor) restoreByIDs(ctx context.Context, scope *out.UserScope, emailIDs []string) (map[string]any, error) {
	if err := scope.Provider.ModifyLabels(ctx, emailIDs, []string{"INBOX"}, nil); err != nil {
		return nil, apperr.Upstream("gmail", err)
	}
	if err := scope.Store.UnmarkArchived(ctx, emailIDs); err != nil {
		return nil, apperr.DatabaseError("failed to unmark archived rows", err)
	}
	return map[string]any{"restored": len(emailIDs)}, nil
}

// =============================================================================
// Metrics and recommendations
// =============================================================================

// Metrics aggregates the audit log over a trailing window.
func (e *Executor) Metrics(ctx context.Context, scope *out.UserScope, hours int) (*domain.CleanupMetrics, error) {
	if hours <= 0 {
		hours = 24
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	records, err := scope.Store.ListAuditRecords(ctx, since, 0)
	if err != nil {
		return nil, apperr.DatabaseError("failed to list audit records", err)
	}

	metrics := &domain.CleanupMetrics{WindowHours: hours}
	for _, r := range records {
		switch r.Action {
		case domain.ActionDelete:
			metrics.EmailsDeleted += int64(len(r.EmailIDs))
		case domain.ActionArchive:
			metrics.EmailsArchived += int64(len(r.EmailIDs))
		}
		metrics.RunsCompleted++
	}
	metrics.DeletionsPerHour = float64(metrics.EmailsDeleted) / float64(hours)
	return metrics, nil
}

// Recommendations inspects the mailbox for obvious cleanup opportunities.
func (e *Executor) Recommendations(ctx context.Context, scope *out.UserScope) ([]domain.CleanupRecommendation, error) {
	var recommendations []domain.CleanupRecommendation

	lowCat := domain.CategoryLow
	archived := false
	lowCriteria := &domain.SearchCriteria{Category: &lowCat, Archived: &archived}
	if count, err := scope.Store.CountEmails(ctx, lowCriteria); err == nil && count > 0 {
		recommendations = append(recommendations, domain.CleanupRecommendation{
			Kind:            "low_value",
			Description:     "emails categorized low can be archived or deleted",
			EmailCount:      count,
			SuggestedAction: domain.ActionArchive,
		})
	}

	bigMin := int64(10 * 1024 * 1024)
	bigCriteria := &domain.SearchCriteria{SizeMin: &bigMin, Archived: &archived}
	if count, err := scope.Store.CountEmails(ctx, bigCriteria); err == nil && count > 0 {
		recommendations = append(recommendations, domain.CleanupRecommendation{
			Kind:            "large_emails",
			Description:     "emails over 10MB are the fastest storage win",
			EmailCount:      count,
			EstimatedSize:   count * bigMin,
			SuggestedAction: domain.ActionArchive,
		})
	}

	return recommendations, nil
}
