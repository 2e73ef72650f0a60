package in

import (
	"context"

	"github.com/google/uuid"

	"keeper_server/core/domain"
)

// PollResponse is one poll_user_context answer.
type PollResponse struct {
	Status      string              `json:"status"` // success, pending, not_found, error
	UserContext *domain.UserContext `json:"user_context,omitempty"`
	Token       string              `json:"token,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// AuthService covers authentication and user management.
type AuthService interface {
	Authenticate(ctx context.Context, scopes []string) (*domain.AuthState, error)
	PollUserContext(ctx context.Context, state string) (*PollResponse, error)

	// VerifySession turns a bearer token into a caller context.
	VerifySession(token string) (*domain.UserContext, error)

	RegisterUser(ctx context.Context, caller *domain.UserContext, email string, displayName *string, role domain.UserRole) (*domain.User, error)
	GetUserProfile(ctx context.Context, caller *domain.UserContext, targetID *uuid.UUID) (*domain.User, error)
	SwitchUser(ctx context.Context, caller *domain.UserContext, targetID uuid.UUID) (*domain.UserContext, string, error)
	ListUsers(ctx context.Context, activeOnly bool) ([]*domain.User, error)
}

// HealthSignalReport is one observed signal with its thresholds applied.
type HealthSignalReport struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Status string  `json:"status"`
}

// SystemHealthReport is the get_system_health answer.
type SystemHealthReport struct {
	Status  string               `json:"status"` // healthy, degraded, critical
	Signals []HealthSignalReport `json:"signals"`
	Uptime  string               `json:"uptime"`
}

// SystemService exposes operational state.
type SystemService interface {
	GetSystemHealth(ctx context.Context) (*SystemHealthReport, error)
}
