package rpc

import (
	"context"

	"keeper_server/core/domain"
	"keeper_server/core/port/in"
	"keeper_server/pkg/apperr"
)

type listEmailsRequest struct {
	Filters *domain.SearchCriteria `json:"filters,omitempty"`
	Limit   int                    `json:"limit,omitempty"`
	Offset  int                    `json:"offset,omitempty"`
}

func (s *Server) listEmails(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[listEmailsRequest](body)
	if err != nil {
		return nil, err
	}

	criteria := req.Filters
	if criteria == nil {
		criteria = &domain.SearchCriteria{}
	}
	if req.Limit > 0 {
		criteria.Limit = req.Limit
	}
	if req.Offset > 0 {
		criteria.Offset = req.Offset
	}

	emails, total, err := s.services.Emails.ListEmails(ctx, caller, criteria)
	if err != nil {
		return nil, err
	}
	return emailPage(emails, total), nil
}

type searchEmailsRequest struct {
	Criteria *domain.SearchCriteria `json:"criteria,omitempty"`
}

func (s *Server) searchEmails(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[searchEmailsRequest](body)
	if err != nil {
		return nil, err
	}
	emails, total, err := s.services.Emails.SearchEmails(ctx, caller, req.Criteria)
	if err != nil {
		return nil, err
	}
	return emailPage(emails, total), nil
}

func emailPage(emails []*domain.EmailIndex, total int64) map[string]any {
	if emails == nil {
		emails = []*domain.EmailIndex{}
	}
	return map[string]any{"emails": emails, "total": total}
}

type emailDetailsRequest struct {
	EmailID string `json:"email_id"`
}

func (s *Server) getEmailDetails(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[emailDetailsRequest](body)
	if err != nil {
		return nil, err
	}
	if req.EmailID == "" {
		return nil, apperr.MissingField("email_id")
	}
	return s.services.Emails.GetEmailDetails(ctx, caller, req.EmailID)
}

type emailStatsRequest struct {
	GroupBy         string `json:"group_by,omitempty"`
	IncludeArchived bool   `json:"include_archived,omitempty"`
}

func (s *Server) getEmailStats(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[emailStatsRequest](body)
	if err != nil {
		return nil, err
	}

	groupBy := domain.StatsGroupBy(req.GroupBy)
	switch groupBy {
	case "":
		groupBy = domain.StatsByYear
	case domain.StatsByYear, domain.StatsByCategory, domain.StatsBySender, domain.StatsBySize:
	default:
		return nil, apperr.InvalidField("group_by", "must be one of year, category, sender, size")
	}

	stats, err := s.services.Emails.GetEmailStats(ctx, caller, groupBy, req.IncludeArchived)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		stats = []domain.EmailStats{}
	}
	return map[string]any{"group_by": string(groupBy), "stats": stats}, nil
}

type saveSearchRequest struct {
	Name     string                 `json:"name"`
	Criteria *domain.SearchCriteria `json:"criteria"`
}

func (s *Server) saveSearch(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[saveSearchRequest](body)
	if err != nil {
		return nil, err
	}
	if err := s.services.Emails.SaveSearch(ctx, caller, req.Name, req.Criteria); err != nil {
		return nil, err
	}
	return map[string]any{"saved": true, "name": req.Name}, nil
}

func (s *Server) listSavedSearches(ctx context.Context, caller *domain.UserContext, _ []byte) (any, error) {
	searches, err := s.services.Emails.ListSavedSearches(ctx, caller)
	if err != nil {
		return nil, err
	}
	if searches == nil {
		searches = []*domain.SavedSearch{}
	}
	return map[string]any{"searches": searches}, nil
}

func (s *Server) categorizeEmails(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[in.CategorizeRequest](body)
	if err != nil {
		return nil, err
	}
	jobID, err := s.services.Analysis.StartCategorization(ctx, caller, *req)
	if err != nil {
		return nil, err
	}
	return map[string]any{"job_id": jobID, "status": "queued"}, nil
}
