// Package auth implements authentication: the Google OAuth flow with
// host-polled auth states, encrypted token persistence, JWT sessions, and
// user registration with role gates.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"keeper_server/core/domain"
	"keeper_server/pkg/apperr"
)

// SessionClaims are the JWT claims carried by a session token.
type SessionClaims struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// SessionManager issues and verifies HS256 session tokens.
type SessionManager struct {
	secret []byte
	ttl    time.Duration
}

// NewSessionManager creates a session manager. ttl <= 0 defaults to 24h.
func NewSessionManager(secret []byte, ttl time.Duration) (*SessionManager, error) {
	if len(secret) == 0 {
		return nil, apperr.ConfigError("jwt secret must not be empty")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionManager{secret: secret, ttl: ttl}, nil
}

// Issue creates a session for the user and returns the signed token.
func (m *SessionManager) Issue(user *domain.User) (string, *domain.Session, error) {
	now := time.Now().UTC()
	session := &domain.Session{
		ID:        uuid.New(),
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	claims := SessionClaims{
		UserID:    user.ID.String(),
		SessionID: session.ID.String(),
		Role:      string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, apperr.Internal("failed to sign session token: " + err.Error())
	}
	return token, session, nil
}

// Verify parses and validates a session token, returning the caller context.
func (m *SessionManager) Verify(tokenString string) (*domain.UserContext, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.Unauthenticated("unexpected signing method")
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperr.Unauthenticated("invalid or expired session")
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, apperr.Unauthenticated("malformed session claims")
	}
	sessionID, err := uuid.Parse(claims.SessionID)
	if err != nil {
		return nil, apperr.Unauthenticated("malformed session claims")
	}

	return &domain.UserContext{
		UserID:    userID,
		SessionID: sessionID,
		Role:      domain.UserRole(claims.Role),
	}, nil
}
