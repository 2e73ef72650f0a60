package rpc

import (
	"context"

	"github.com/google/uuid"

	"keeper_server/core/domain"
	"keeper_server/pkg/apperr"
)

type jobIDRequest struct {
	JobID uuid.UUID `json:"job_id"`
}

func (s *Server) getJobStatus(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[jobIDRequest](body)
	if err != nil {
		return nil, err
	}
	if req.JobID == uuid.Nil {
		return nil, apperr.MissingField("job_id")
	}
	return s.services.Jobs.GetJobStatus(ctx, caller, req.JobID)
}

func (s *Server) listJobs(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	filter, err := parseBody[domain.JobFilter](body)
	if err != nil {
		return nil, err
	}
	jobs, err := s.services.Jobs.ListJobs(ctx, caller, filter)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*domain.Job{}
	}
	return map[string]any{"jobs": jobs, "total": len(jobs)}, nil
}

func (s *Server) cancelJob(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[jobIDRequest](body)
	if err != nil {
		return nil, err
	}
	if req.JobID == uuid.Nil {
		return nil, apperr.MissingField("job_id")
	}
	if err := s.services.Jobs.CancelJob(ctx, caller, req.JobID); err != nil {
		return nil, err
	}
	return map[string]any{"cancelled": true, "job_id": req.JobID}, nil
}
