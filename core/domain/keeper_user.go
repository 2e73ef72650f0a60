package domain

import (
	"time"

	"github.com/google/uuid"
)

// UserRole gates administrative tools.
type UserRole string

const (
	RoleAdmin UserRole = "admin"
	RoleUser  UserRole = "user"
)

// User is one registered mailbox owner. The first registered user is
// auto-promoted to admin.
type User struct {
	ID          uuid.UUID  `json:"id"`
	Email       string     `json:"email"`
	DisplayName *string    `json:"display_name,omitempty"`
	Role        UserRole   `json:"role"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// UserContext is the authenticated identity every tool call carries.
type UserContext struct {
	UserID    uuid.UUID `json:"user_id"`
	SessionID uuid.UUID `json:"session_id"`
	Role      UserRole  `json:"role"`
}

// Session is one issued session.
type Session struct {
	ID        uuid.UUID `json:"session_id"`
	UserID    uuid.UUID `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry.
func (s *Session) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}

// AuthState is one in-flight OAuth authorization attempt, polled by the
// host until the browser flow completes.
type AuthState struct {
	State     string     `json:"state"`
	AuthURL   string     `json:"auth_url"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	Completed bool       `json:"completed"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}
