package in

import (
	"context"

	"github.com/google/uuid"

	"keeper_server/core/domain"
)

// TriggerCleanupRequest parameterizes a manual cleanup trigger.
type TriggerCleanupRequest struct {
	DryRun    bool `json:"dry_run,omitempty"`
	MaxEmails int  `json:"max_emails,omitempty"`

	// Force bypasses the health veto. The safety gates still apply.
	Force bool `json:"force,omitempty"`
}

// ArchiveRequest parameterizes a direct archive operation.
type ArchiveRequest struct {
	Method       domain.ActionMethod `json:"method"`
	ExportFormat string              `json:"export_format,omitempty"`
	DryRun       bool                `json:"dry_run,omitempty"`
	MaxEmails    int                 `json:"max_emails,omitempty"`
}

// DeleteRequest parameterizes a direct delete operation. MaxCount is
// required.
type DeleteRequest struct {
	DryRun   bool `json:"dry_run,omitempty"`
	MaxCount int  `json:"max_count"`
}

// RestoreRequest identifies what to restore.
type RestoreRequest struct {
	ArchiveID *int64   `json:"archive_id,omitempty"`
	EmailIDs  []string `json:"email_ids,omitempty"`
}

// CleanupStatus is the get_cleanup_status answer.
type CleanupStatus struct {
	ActiveJobs      []*domain.Job           `json:"active_jobs"`
	EnabledPolicies []*domain.CleanupPolicy `json:"enabled_policies"`
	LockHeld        bool                    `json:"lock_held"`
}

// CleanupService covers cleanup automation and the direct mailbox tools.
type CleanupService interface {
	// Automation
	TriggerCleanup(ctx context.Context, caller *domain.UserContext, policyID *uuid.UUID, req TriggerCleanupRequest) (uuid.UUID, error)
	GetCleanupStatus(ctx context.Context, caller *domain.UserContext) (*CleanupStatus, error)

	// Policy management
	CreatePolicy(ctx context.Context, caller *domain.UserContext, policy *domain.CleanupPolicy) (uuid.UUID, error)
	UpdatePolicy(ctx context.Context, caller *domain.UserContext, policy *domain.CleanupPolicy) error
	DeletePolicy(ctx context.Context, caller *domain.UserContext, policyID uuid.UUID) error
	ListPolicies(ctx context.Context, caller *domain.UserContext, enabledOnly bool) ([]*domain.CleanupPolicy, error)
	CreateSchedule(ctx context.Context, caller *domain.UserContext, policyID uuid.UUID, schedule *domain.PolicySchedule) error
	UpdateAutomationConfig(ctx context.Context, caller *domain.UserContext, policyID uuid.UUID, enabled *bool, safety *domain.PolicySafety) error

	// Reporting
	GetMetrics(ctx context.Context, caller *domain.UserContext, hours int) (*domain.CleanupMetrics, error)
	GetRecommendations(ctx context.Context, caller *domain.UserContext) ([]domain.CleanupRecommendation, error)

	// Direct tools
	ArchiveEmails(ctx context.Context, caller *domain.UserContext, criteria *domain.SearchCriteria, req ArchiveRequest) (map[string]any, error)
	DeleteEmails(ctx context.Context, caller *domain.UserContext, criteria *domain.SearchCriteria, req DeleteRequest) (map[string]any, error)
	EmptyTrash(ctx context.Context, caller *domain.UserContext, dryRun bool, maxCount int) (map[string]any, error)
	Restore(ctx context.Context, caller *domain.UserContext, req RestoreRequest) (map[string]any, error)
}
