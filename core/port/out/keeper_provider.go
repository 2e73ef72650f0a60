package out

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ProviderMessage is the provider-side metadata of one message.
type ProviderMessage struct {
	ID             string
	ThreadID       string
	Subject        string
	Sender         string
	Recipients     []string
	Date           time.Time
	Size           int64
	HasAttachments bool
	Labels         []string
	Snippet        string
}

// MailProvider is the outbound port to the user's mailbox (Gmail). All
// mutating operations accept id batches; batching granularity is the
// adapter's concern.
type MailProvider interface {
	// Listing and fetch
	ListMessageIDs(ctx context.Context, query string, maxResults int64) ([]string, error)
	GetMessage(ctx context.Context, messageID string) (*ProviderMessage, error)

	// Destructive operations
	Archive(ctx context.Context, messageIDs []string) error
	Trash(ctx context.Context, messageIDs []string) error
	Delete(ctx context.Context, messageIDs []string) error
	EmptyTrash(ctx context.Context, maxCount int) (int, error)

	// Label surgery, used by restore
	ModifyLabels(ctx context.Context, messageIDs []string, addLabels, removeLabels []string) error
	SetLabels(ctx context.Context, messageID string, labels []string) error

	// AccountEmail returns the mailbox address this client is bound to.
	AccountEmail() string
}

// ProviderFactory yields ready mail clients for a user. The factory owns
// token refresh: a 401 triggers one refresh attempt, after which the error
// surfaces as unauthenticated.
type ProviderFactory interface {
	ClientFor(ctx context.Context, userID uuid.UUID) (MailProvider, error)

	// Invalidate drops the cached client for a user, forcing a rebuild on
	// the next call.
	Invalidate(userID uuid.UUID)
}
