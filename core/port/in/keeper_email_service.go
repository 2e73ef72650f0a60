// Package in defines inbound ports (driving ports): the operations the RPC
// surface invokes. Every authenticated operation takes the caller context;
// scope resolution (store handle, mail client) is the implementor's concern.
package in

import (
	"context"

	"github.com/google/uuid"

	"keeper_server/core/domain"
)

// EmailQueryService serves mailbox reads and the access log.
type EmailQueryService interface {
	// ListEmails pages through the index. Returns the page and the total
	// match count.
	ListEmails(ctx context.Context, caller *domain.UserContext, criteria *domain.SearchCriteria) ([]*domain.EmailIndex, int64, error)

	// SearchEmails is ListEmails plus access logging: every returned email
	// gets a search_result event so the access tracker sees it.
	SearchEmails(ctx context.Context, caller *domain.UserContext, criteria *domain.SearchCriteria) ([]*domain.EmailIndex, int64, error)

	// GetEmailDetails returns one indexed email and logs a direct_view.
	GetEmailDetails(ctx context.Context, caller *domain.UserContext, emailID string) (*domain.EmailIndex, error)

	GetEmailStats(ctx context.Context, caller *domain.UserContext, groupBy domain.StatsGroupBy, includeArchived bool) ([]domain.EmailStats, error)

	SaveSearch(ctx context.Context, caller *domain.UserContext, name string, criteria *domain.SearchCriteria) error
	ListSavedSearches(ctx context.Context, caller *domain.UserContext) ([]*domain.SavedSearch, error)
}

// CategorizeRequest parameterizes a categorization run.
type CategorizeRequest struct {
	ForceRefresh bool `json:"force_refresh,omitempty"`
	Year         *int `json:"year,omitempty"`
}

// AnalysisService starts categorization work.
type AnalysisService interface {
	// StartCategorization enqueues a categorize job and returns its id.
	StartCategorization(ctx context.Context, caller *domain.UserContext, req CategorizeRequest) (uuid.UUID, error)
}

// JobService exposes the per-user job queue.
type JobService interface {
	GetJobStatus(ctx context.Context, caller *domain.UserContext, jobID uuid.UUID) (*domain.Job, error)
	ListJobs(ctx context.Context, caller *domain.UserContext, filter *domain.JobFilter) ([]*domain.Job, error)
	CancelJob(ctx context.Context, caller *domain.UserContext, jobID uuid.UUID) error
}
