// Package provider implements the mail provider port on the Gmail API.
package provider

import (
	"context"
	"os"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"keeper_server/core/port/out"
	"keeper_server/pkg/apperr"
	"keeper_server/pkg/crypto"
	"keeper_server/pkg/httputil"
	"keeper_server/pkg/ratelimit"
)

// Config holds the OAuth client credentials shared by all per-user clients.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	BatchSize    int
}

// Factory builds per-user Gmail clients from encrypted stored tokens. Clients
// are cached; Invalidate drops one so the next call rebuilds from disk.
type Factory struct {
	config    *oauth2.Config
	tokens    *crypto.TokenStore
	batchSize int
	protector *ratelimit.APIProtector
	logger    zerolog.Logger

	mu      sync.Mutex
	clients map[uuid.UUID]*gmailClient
}

// NewFactory wires the factory. protector may be nil, in which case a
// process-local protector is used.
func NewFactory(cfg *Config, tokens *crypto.TokenStore, protector *ratelimit.APIProtector) *Factory {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	if protector == nil {
		protector = ratelimit.NewAPIProtector(nil, nil)
	}
	return &Factory{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{gmail.GmailModifyScope},
			Endpoint:     google.Endpoint,
		},
		tokens:    tokens,
		batchSize: batchSize,
		protector: protector,
		logger:    log.With().Str("component", "provider_factory").Logger(),
		clients:   make(map[uuid.UUID]*gmailClient),
	}
}

// ClientFor returns a ready client for the user. A missing or unreadable
// token surfaces as unauthenticated; the user has to run the OAuth flow.
func (f *Factory) ClientFor(ctx context.Context, userID uuid.UUID) (out.MailProvider, error) {
	f.mu.Lock()
	if client, ok := f.clients[userID]; ok {
		f.mu.Unlock()
		return client, nil
	}
	f.mu.Unlock()

	token, err := f.loadToken(userID)
	if err != nil {
		return nil, err
	}

	// All Gmail traffic goes through the pooled client tuned for the API.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httputil.GmailClient())

	// The token source refreshes expired access tokens transparently; the
	// persisting wrapper writes refreshed tokens back to disk so a restart
	// does not lose them.
	src := &persistingTokenSource{
		base:    f.config.TokenSource(ctx, token),
		tokens:  f.tokens,
		userID:  userID,
		current: token.AccessToken,
		logger:  f.logger,
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, apperr.Upstream("gmail", err)
	}

	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, wrapGmailError(err, "failed to verify credentials")
	}

	client := newGmailClient(svc, profile.EmailAddress, f.batchSize, f.protector)

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.clients[userID]; ok {
		return existing, nil
	}
	f.clients[userID] = client
	f.logger.Debug().Str("user_id", userID.String()).Str("account", profile.EmailAddress).Msg("gmail client built")
	return client, nil
}

// Invalidate drops the cached client so the next ClientFor rebuilds it.
func (f *Factory) Invalidate(userID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, userID)
}

func (f *Factory) loadToken(userID uuid.UUID) (*oauth2.Token, error) {
	data, err := f.tokens.Load(userID.String())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.Unauthenticated("no stored credentials, run authenticate first")
		}
		return nil, apperr.Corrupt("stored token", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, apperr.Corrupt("stored token", err)
	}
	if token.RefreshToken == "" && !token.Valid() {
		return nil, apperr.Unauthenticated("stored credentials expired, run authenticate again")
	}
	return &token, nil
}

var _ out.ProviderFactory = (*Factory)(nil)

// persistingTokenSource writes refreshed tokens back to the encrypted store.
type persistingTokenSource struct {
	base   oauth2.TokenSource
	tokens *crypto.TokenStore
	userID uuid.UUID
	logger zerolog.Logger

	mu      sync.Mutex
	current string
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if token.AccessToken == s.current {
		return token, nil
	}
	s.current = token.AccessToken
	data, err := json.Marshal(token)
	if err == nil {
		err = s.tokens.Save(s.userID.String(), data)
	}
	if err != nil {
		// Keep serving the in-memory token; the refresh is only lost on
		// restart.
		s.logger.Warn().Err(err).Str("user_id", s.userID.String()).Msg("failed to persist refreshed token")
	}
	return token, nil
}
