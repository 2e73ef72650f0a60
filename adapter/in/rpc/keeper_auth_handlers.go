package rpc

import (
	"context"

	"github.com/google/uuid"

	"keeper_server/core/domain"
	"keeper_server/pkg/apperr"
)

type authenticateRequest struct {
	Scopes []string `json:"scopes,omitempty"`
}

func (s *Server) authenticate(ctx context.Context, _ *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[authenticateRequest](body)
	if err != nil {
		return nil, err
	}

	state, err := s.services.Auth.Authenticate(ctx, req.Scopes)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"auth_url":     state.AuthURL,
		"state":        state.State,
		"instructions": "open auth_url in a browser and grant access, then call poll_user_context with the returned state",
	}, nil
}

type pollRequest struct {
	State string `json:"state"`
}

func (s *Server) pollUserContext(ctx context.Context, _ *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[pollRequest](body)
	if err != nil {
		return nil, err
	}
	if req.State == "" {
		return nil, apperr.MissingField("state")
	}
	return s.services.Auth.PollUserContext(ctx, req.State)
}

type registerUserRequest struct {
	Email       string          `json:"email"`
	DisplayName *string         `json:"display_name,omitempty"`
	Role        domain.UserRole `json:"role,omitempty"`
}

func (s *Server) registerUser(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[registerUserRequest](body)
	if err != nil {
		return nil, err
	}
	if req.Email == "" {
		return nil, apperr.MissingField("email")
	}
	role := req.Role
	if role == "" {
		role = domain.RoleUser
	}
	user, err := s.services.Auth.RegisterUser(ctx, caller, req.Email, req.DisplayName, role)
	if err != nil {
		return nil, err
	}
	return map[string]any{"user": user}, nil
}

type userProfileRequest struct {
	TargetUserID *uuid.UUID `json:"target_user_id,omitempty"`
}

func (s *Server) getUserProfile(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[userProfileRequest](body)
	if err != nil {
		return nil, err
	}
	user, err := s.services.Auth.GetUserProfile(ctx, caller, req.TargetUserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"user": user}, nil
}

type switchUserRequest struct {
	TargetUserID uuid.UUID `json:"target_user_id"`
}

func (s *Server) switchUser(ctx context.Context, caller *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[switchUserRequest](body)
	if err != nil {
		return nil, err
	}
	if req.TargetUserID == uuid.Nil {
		return nil, apperr.MissingField("target_user_id")
	}
	userCtx, token, err := s.services.Auth.SwitchUser(ctx, caller, req.TargetUserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"user_context": userCtx, "token": token}, nil
}

type listUsersRequest struct {
	ActiveOnly bool `json:"active_only,omitempty"`
}

func (s *Server) listUsers(ctx context.Context, _ *domain.UserContext, body []byte) (any, error) {
	req, err := parseBody[listUsersRequest](body)
	if err != nil {
		return nil, err
	}
	users, err := s.services.Auth.ListUsers(ctx, req.ActiveOnly)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []*domain.User{}
	}
	return map[string]any{"users": users, "total": len(users)}, nil
}
