package rpc

import (
	"context"

	"github.com/google/uuid"

	"keeper_server/core/domain"
	"keeper_server/core/port/in"
	"keeper_server/pkg/apperr"
)

// =============================================================================
// Direct mailbox tools
// =============================================================================

type archiveEmailsRequest struct {
	Criteria *domain.SearchCriteria `json:"criteria,omitempty"`
	in.ArchiveRequest
}

func (s *Server) archiveEmails(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[archiveEmailsRequest](body)
	if err != nil {
		return nil, err
	}
	return s.services.Cleanup.ArchiveEmails(ctx, caller, req.Criteria, req.ArchiveRequest)
}

func (s *Server) restoreEmails(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[in.RestoreRequest](body)
	if err != nil {
		return nil, err
	}
	if req.ArchiveID == nil && len(req.EmailIDs) == 0 {
		return nil, apperr.InvalidParams("either archive_id or email_ids is required")
	}
	return s.services.Cleanup.Restore(ctx, caller, *req)
}

type deleteEmailsRequest struct {
	Criteria *domain.SearchCriteria `json:"criteria,omitempty"`
	in.DeleteRequest
}

func (s *Server) deleteEmails(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[deleteEmailsRequest](body)
	if err != nil {
		return nil, err
	}
	if req.MaxCount <= 0 {
		return nil, apperr.MissingField("max_count")
	}
	return s.services.Cleanup.DeleteEmails(ctx, caller, req.Criteria, req.DeleteRequest)
}

type emptyTrashRequest struct {
	DryRun   bool `json:"dry_run,omitempty"`
	MaxCount int  `json:"max_count,omitempty"`
}

func (s *Server) emptyTrash(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[emptyTrashRequest](body)
	if err != nil {
		return nil, err
	}
	return s.services.Cleanup.EmptyTrash(ctx, caller, req.DryRun, req.MaxCount)
}

// =============================================================================
// Automation
// =============================================================================

type triggerCleanupRequest struct {
	PolicyID *uuid.UUID `json:"policy_id,omitempty"`
	in.TriggerCleanupRequest
}

func (s *Server) triggerCleanup(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[triggerCleanupRequest](body)
	if err != nil {
		return nil, err
	}
	jobID, err := s.services.Cleanup.TriggerCleanup(ctx, caller, req.PolicyID, req.TriggerCleanupRequest)
	if err != nil {
		return nil, err
	}
	return map[string]any{"job_id": jobID, "status": "queued"}, nil
}

func (s *Server) getCleanupStatus(ctx context.Context, caller *domain.UserContext, _ []byte) (any, error) {
	return s.services.Cleanup.GetCleanupStatus(ctx, caller)
}

// =============================================================================
// Policy management
// =============================================================================

func (s *Server) createCleanupPolicy(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	policy, err := parseBody[domain.CleanupPolicy](body)
	if err != nil {
		return nil, err
	}
	policyID, err := s.services.Cleanup.CreatePolicy(ctx, caller, policy)
	if err != nil {
		return nil, err
	}
	return map[string]any{"policy_id": policyID}, nil
}

func (s *Server) updateCleanupPolicy(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	policy, err := parseBody[domain.CleanupPolicy](body)
	if err != nil {
		return nil, err
	}
	if policy.ID == uuid.Nil {
		return nil, apperr.MissingField("id")
	}
	if err := s.services.Cleanup.UpdatePolicy(ctx, caller, policy); err != nil {
		return nil, err
	}
	return map[string]any{"updated": true, "policy_id": policy.ID}, nil
}

type listPoliciesRequest struct {
	EnabledOnly bool `json:"enabled_only,omitempty"`
}

func (s *Server) listCleanupPolicies(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[listPoliciesRequest](body)
	if err != nil {
		return nil, err
	}
	policies, err := s.services.Cleanup.ListPolicies(ctx, caller, req.EnabledOnly)
	if err != nil {
		return nil, err
	}
	if policies == nil {
		policies = []*domain.CleanupPolicy{}
	}
	return map[string]any{"policies": policies, "total": len(policies)}, nil
}

type policyIDRequest struct {
	PolicyID uuid.UUID `json:"policy_id"`
}

func (s *Server) deleteCleanupPolicy(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[policyIDRequest](body)
	if err != nil {
		return nil, err
	}
	if req.PolicyID == uuid.Nil {
		return nil, apperr.MissingField("policy_id")
	}
	if err := s.services.Cleanup.DeletePolicy(ctx, caller, req.PolicyID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true, "policy_id": req.PolicyID}, nil
}

type createScheduleRequest struct {
	PolicyID uuid.UUID              `json:"policy_id"`
	Schedule *domain.PolicySchedule `json:"schedule"`
}

func (s *Server) createCleanupSchedule(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[createScheduleRequest](body)
	if err != nil {
		return nil, err
	}
	if req.PolicyID == uuid.Nil {
		return nil, apperr.MissingField("policy_id")
	}
	if err := s.services.Cleanup.CreateSchedule(ctx, caller, req.PolicyID, req.Schedule); err != nil {
		return nil, err
	}
	return map[string]any{"scheduled": true, "policy_id": req.PolicyID}, nil
}

type automationConfigRequest struct {
	PolicyID uuid.UUID            `json:"policy_id"`
	Enabled  *bool                `json:"enabled,omitempty"`
	Safety   *domain.PolicySafety `json:"safety,omitempty"`
}

func (s *Server) updateAutomationConfig(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[automationConfigRequest](body)
	if err != nil {
		return nil, err
	}
	if req.PolicyID == uuid.Nil {
		return nil, apperr.MissingField("policy_id")
	}
	if req.Enabled == nil && req.Safety == nil {
		return nil, apperr.InvalidParams("nothing to update: provide enabled or safety")
	}
	if err := s.services.Cleanup.UpdateAutomationConfig(ctx, caller, req.PolicyID, req.Enabled, req.Safety); err != nil {
		return nil, err
	}
	return map[string]any{"updated": true, "policy_id": req.PolicyID}, nil
}

// =============================================================================
// Reporting
// =============================================================================

type metricsRequest struct {
	Hours int `json:"hours,omitempty"`
}

func (s *Server) getCleanupMetrics(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[metricsRequest](body)
	if err != nil {
		return nil, err
	}
	hours := req.Hours
	if hours <= 0 {
		hours = 24
	}
	if hours > 24*30 {
		return nil, apperr.InvalidField("hours", "must be at most 720")
	}
	return s.services.Cleanup.GetMetrics(ctx, caller, hours)
}

func (s *Server) getCleanupRecommendations(ctx context.Context, caller *domain.UserContext, _ []byte) (any, error) {
	recommendations, err := s.services.Cleanup.GetRecommendations(ctx, caller)
	if err != nil {
		return nil, err
	}
	if recommendations == nil {
		recommendations = []domain.CleanupRecommendation{}
	}
	return map[string]any{"recommendations": recommendations}, nil
}

// =============================================================================
// System
// =============================================================================

func (s *Server) getSystemHealth(ctx context.Context, _ *domain.UserContext, _ []byte) (any, error) {
	return s.services.System.GetSystemHealth(ctx)
}
