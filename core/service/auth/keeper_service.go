package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"keeper_server/core/domain"
	"keeper_server/core/port/out"
	"keeper_server/pkg/apperr"
	"keeper_server/pkg/crypto"
)

// DefaultScopes are requested when the caller names none.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/gmail.modify",
	"https://www.googleapis.com/auth/userinfo.email",
}

// Config holds the OAuth client settings.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// StateTTL bounds how long a pending auth state can be polled.
	StateTTL time.Duration
}

// Service drives the OAuth flow and user management.
type Service struct {
	config   *Config
	registry out.UserRegistry
	tokens   *crypto.TokenStore
	sessions *SessionManager
	logger   zerolog.Logger

	mu     sync.Mutex
	states map[string]*domain.AuthState
}

// NewService wires the auth service.
func NewService(config *Config, registry out.UserRegistry, tokens *crypto.TokenStore, sessions *SessionManager) *Service {
	if config.StateTTL <= 0 {
		config.StateTTL = 10 * time.Minute
	}
	return &Service{
		config:   config,
		registry: registry,
		tokens:   tokens,
		sessions: sessions,
		logger:   log.With().Str("component", "auth").Logger(),
		states:   make(map[string]*domain.AuthState),
	}
}

func (s *Service) oauthConfig(scopes []string) (*oauth2.Config, error) {
	if s.config.ClientID == "" || s.config.ClientSecret == "" {
		return nil, apperr.ConfigError("google oauth client is not configured")
	}
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &oauth2.Config{
		ClientID:     s.config.ClientID,
		ClientSecret: s.config.ClientSecret,
		RedirectURL:  s.config.RedirectURL,
		Scopes:       scopes,
		Endpoint:     google.Endpoint,
	}, nil
}

// =============================================================================
// OAuth flow
// =============================================================================

// Authenticate starts a browser OAuth flow and returns the URL plus the
// state the host polls with.
func (s *Service) Authenticate(ctx context.Context, scopes []string) (*domain.AuthState, error) {
	config, err := s.oauthConfig(scopes)
	if err != nil {
		return nil, err
	}

	state, err := randomState()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	auth := &domain.AuthState{
		State:     state,
		AuthURL:   config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce),
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.StateTTL),
	}

	s.mu.Lock()
	s.sweepLocked(now)
	s.states[state] = auth
	s.mu.Unlock()

	return auth, nil
}

// HandleCallback completes the flow: exchanges the code, resolves or
// registers the user, and persists the encrypted token.
func (s *Service) HandleCallback(ctx context.Context, state, code string) error {
	s.mu.Lock()
	auth, ok := s.states[state]
	s.mu.Unlock()
	if !ok || time.Now().UTC().After(auth.ExpiresAt) {
		return apperr.NotFound("auth state")
	}

	config, err := s.oauthConfig(nil)
	if err != nil {
		return err
	}

	token, err := config.Exchange(ctx, code)
	if err != nil {
		s.failState(state, "token exchange failed")
		return apperr.Unauthenticated("token exchange failed: " + err.Error())
	}

	email, err := s.fetchEmail(ctx, config, token)
	if err != nil {
		s.failState(state, "could not resolve account email")
		return apperr.Upstream("google", err)
	}

	user, err := s.resolveUser(ctx, email)
	if err != nil {
		s.failState(state, err.Error())
		return err
	}

	if err := s.saveToken(user.ID, token); err != nil {
		s.failState(state, "token persistence failed")
		return err
	}

	now := time.Now().UTC()
	user.LastLoginAt = &now
	user.UpdatedAt = now
	if err := s.registry.UpdateUser(ctx, user); err != nil {
		s.logger.Warn().Str("user_id", user.ID.String()).Err(err).Msg("failed to record login time")
	}

	s.mu.Lock()
	auth.UserID = &user.ID
	auth.Completed = true
	s.mu.Unlock()

	s.logger.Info().Str("user_id", user.ID.String()).Str("email", email).Msg("oauth flow completed")
	return nil
}

// PollResult is one poll_user_context answer.
type PollResult struct {
	Status      string              `json:"status"` // success, pending, not_found, error
	UserContext *domain.UserContext `json:"user_context,omitempty"`
	Token       string              `json:"token,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// Poll reports the state of an in-flight authorization. On success it
// issues the session and consumes the state.
func (s *Service) Poll(ctx context.Context, state string) (*PollResult, error) {
	s.mu.Lock()
	auth, ok := s.states[state]
	s.mu.Unlock()

	switch {
	case !ok, time.Now().UTC().After(auth.ExpiresAt):
		return &PollResult{Status: "not_found"}, nil
	case auth.Error != "":
		return &PollResult{Status: "error", Error: auth.Error}, nil
	case !auth.Completed:
		return &PollResult{Status: "pending"}, nil
	}

	user, err := s.registry.GetUser(ctx, *auth.UserID)
	if err != nil {
		return nil, err
	}
	token, session, err := s.sessions.Issue(user)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	delete(s.states, state)
	s.mu.Unlock()

	return &PollResult{
		Status: "success",
		UserContext: &domain.UserContext{
			UserID:    user.ID,
			SessionID: session.ID,
			Role:      user.Role,
		},
		Token: token,
	}, nil
}

// resolveUser finds the user by mailbox address, registering on first
// contact. The first registered user becomes admin.
func (s *Service) resolveUser(ctx context.Context, email string) (*domain.User, error) {
	user, err := s.registry.GetUserByEmail(ctx, email)
	if err == nil && user != nil {
		if !user.Active {
			return nil, apperr.Forbidden("account is deactivated")
		}
		return user, nil
	}
	if err != nil && !apperr.IsCode(err, apperr.CodeNotFound) {
		return nil, err
	}
	return s.createUser(ctx, email, nil, "")
}

func (s *Service) createUser(ctx context.Context, email string, displayName *string, role domain.UserRole) (*domain.User, error) {
	count, err := s.registry.CountUsers(ctx)
	if err != nil {
		return nil, apperr.DatabaseError("failed to count users", err)
	}
	if role == "" {
		role = domain.RoleUser
	}
	if count == 0 {
		role = domain.RoleAdmin
	}

	now := time.Now().UTC()
	user := &domain.User{
		ID:          uuid.New(),
		Email:       email,
		DisplayName: displayName,
		Role:        role,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.registry.CreateUser(ctx, user); err != nil {
		return nil, apperr.DatabaseError("failed to create user", err)
	}
	s.logger.Info().Str("user_id", user.ID.String()).Str("role", string(user.Role)).Msg("user registered")
	return user, nil
}

func (s *Service) fetchEmail(ctx context.Context, config *oauth2.Config, token *oauth2.Token) (string, error) {
	client := config.Client(ctx, token)
	resp, err := client.Get("https://www.googleapis.com/oauth2/v2/userinfo")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var userInfo struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return "", err
	}
	return userInfo.Email, nil
}

func (s *Service) saveToken(userID uuid.UUID, token *oauth2.Token) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return apperr.Internal("failed to serialize token: " + err.Error())
	}
	if err := s.tokens.Save(userID.String(), raw); err != nil {
		return apperr.Internal("failed to persist token: " + err.Error())
	}
	return nil
}

func (s *Service) failState(state, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if auth, ok := s.states[state]; ok {
		auth.Error = message
	}
}

// sweepLocked drops expired states. Caller holds the mutex.
func (s *Service) sweepLocked(now time.Time) {
	for key, auth := range s.states {
		if now.After(auth.ExpiresAt) {
			delete(s.states, key)
		}
	}
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", apperr.Internal("failed to generate state: " + err.Error())
	}
	return hex.EncodeToString(buf), nil
}

// =============================================================================
// User management
// =============================================================================

// RegisterUser creates a user explicitly. The first registration needs no
// caller; every later one requires an admin session.
func (s *Service) RegisterUser(ctx context.Context, caller *domain.UserContext, email string, displayName *string, role domain.UserRole) (*domain.User, error) {
	if email == "" {
		return nil, apperr.MissingField("email")
	}
	if role != "" && role != domain.RoleAdmin && role != domain.RoleUser {
		return nil, apperr.InvalidField("role", "must be admin or user")
	}

	count, err := s.registry.CountUsers(ctx)
	if err != nil {
		return nil, apperr.DatabaseError("failed to count users", err)
	}
	if count > 0 {
		if caller == nil {
			return nil, apperr.Unauthenticated("registration requires a session")
		}
		if caller.Role != domain.RoleAdmin {
			return nil, apperr.Forbidden("only admins can register users")
		}
	}

	if existing, err := s.registry.GetUserByEmail(ctx, email); err == nil && existing != nil {
		return nil, apperr.Conflict("user already registered: " + email)
	}
	return s.createUser(ctx, email, displayName, role)
}

// GetUserProfile returns a profile. Non-admins can only read their own.
func (s *Service) GetUserProfile(ctx context.Context, caller *domain.UserContext, targetID *uuid.UUID) (*domain.User, error) {
	id := caller.UserID
	if targetID != nil {
		id = *targetID
	}
	if id != caller.UserID && caller.Role != domain.RoleAdmin {
		return nil, apperr.Forbidden("cannot read another user's profile")
	}
	return s.registry.GetUser(ctx, id)
}

// SwitchUser issues a session for another user. Admin only.
func (s *Service) SwitchUser(ctx context.Context, caller *domain.UserContext, targetID uuid.UUID) (*domain.UserContext, string, error) {
	if caller.Role != domain.RoleAdmin {
		return nil, "", apperr.Forbidden("only admins can switch users")
	}
	user, err := s.registry.GetUser(ctx, targetID)
	if err != nil {
		return nil, "", err
	}
	if !user.Active {
		return nil, "", apperr.Forbidden("target account is deactivated")
	}

	token, session, err := s.sessions.Issue(user)
	if err != nil {
		return nil, "", err
	}
	s.logger.Info().
		Str("admin_id", caller.UserID.String()).
		Str("target_id", targetID.String()).
		Msg("admin switched user")
	return &domain.UserContext{UserID: user.ID, SessionID: session.ID, Role: user.Role}, token, nil
}

// ListUsers returns the user directory.
func (s *Service) ListUsers(ctx context.Context, activeOnly bool) ([]*domain.User, error) {
	return s.registry.ListUsers(ctx, activeOnly)
}
