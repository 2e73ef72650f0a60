// Package out defines outbound ports (driven ports) for the application.
// These interfaces represent dependencies that the application needs.
package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"keeper_server/core/domain"
)

// =============================================================================
// Per-User Store (email index, policies, jobs, access log, audit)
// =============================================================================

// UserStore is the durable store of exactly one user's mailbox state. All
// rows behind a UserStore belong to that user; cross-user access is
// unreachable by construction.
type UserStore interface {
	// Email index
	UpsertEmail(ctx context.Context, email *domain.EmailIndex) error
	BulkUpsertEmails(ctx context.Context, emails []*domain.EmailIndex) error
	GetEmail(ctx context.Context, emailID string) (*domain.EmailIndex, error)
	SearchEmails(ctx context.Context, criteria *domain.SearchCriteria) ([]*domain.EmailIndex, error)
	CountEmails(ctx context.Context, criteria *domain.SearchCriteria) (int64, error)
	MarkArchived(ctx context.Context, emailIDs []string, location string) error
	UnmarkArchived(ctx context.Context, emailIDs []string) error
	DeleteEmails(ctx context.Context, emailIDs []string) (int64, error)
	GetEmailStats(ctx context.Context, groupBy domain.StatsGroupBy, includeArchived bool) ([]domain.EmailStats, error)

	// Thread activity, read by the active-thread safety gate
	GetThreadActivity(ctx context.Context, threadID string) (messageCount int, lastMessage time.Time, err error)
	GetSenderMeanSize(ctx context.Context, sender string) (int64, error)

	// Policies
	CreatePolicy(ctx context.Context, policy *domain.CleanupPolicy) error
	UpdatePolicy(ctx context.Context, policy *domain.CleanupPolicy) error
	DeletePolicy(ctx context.Context, policyID uuid.UUID) error
	GetPolicy(ctx context.Context, policyID uuid.UUID) (*domain.CleanupPolicy, error)
	GetPolicyByName(ctx context.Context, name string) (*domain.CleanupPolicy, error)
	ListPolicies(ctx context.Context, enabledOnly bool) ([]*domain.CleanupPolicy, error)
	TouchPolicyLastRun(ctx context.Context, policyID uuid.UUID, at time.Time) error

	// Access log
	AppendAccessEvent(ctx context.Context, event *domain.AccessEvent) error
	ListAccessEvents(ctx context.Context, emailID string) ([]*domain.AccessEvent, error)
	UpsertAccessSummary(ctx context.Context, summary *domain.AccessSummary) error
	GetAccessSummary(ctx context.Context, emailID string) (*domain.AccessSummary, error)
	GetAccessSummaries(ctx context.Context, emailIDs []string) (map[string]*domain.AccessSummary, error)

	// Archive and audit ledger
	CreateArchiveRecord(ctx context.Context, record *domain.ArchiveRecord) error
	GetArchiveRecord(ctx context.Context, id int64) (*domain.ArchiveRecord, error)
	MarkArchiveRestored(ctx context.Context, id int64) error
	AppendAuditRecord(ctx context.Context, record *domain.AuditRecord) error
	ListAuditRecords(ctx context.Context, since time.Time, limit int) ([]*domain.AuditRecord, error)
	GetAuditForArchive(ctx context.Context, archiveRecordID int64) (*domain.AuditRecord, error)
	CountDeletionsSince(ctx context.Context, policyID *uuid.UUID, since time.Time) (int64, error)

	// Saved searches
	SaveSearch(ctx context.Context, search *domain.SavedSearch) error
	ListSavedSearches(ctx context.Context) ([]*domain.SavedSearch, error)

	// Queue is the durable job queue living in the same store.
	Queue() JobQueue

	// Close releases the handle. The factory ref-counts; the underlying
	// resources go away when the last handle is released.
	Close() error
}

// JobQueue is the durable priority job queue of one user.
type JobQueue interface {
	// Enqueue inserts a pending job.
	Enqueue(ctx context.Context, job *domain.Job) error

	// Dequeue claims the oldest pending job of highest priority and marks it
	// in_progress. Returns nil when the queue is empty. At most one caller
	// can claim a given job.
	Dequeue(ctx context.Context) (*domain.Job, error)

	GetJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error)
	ListJobs(ctx context.Context, filter *domain.JobFilter) ([]*domain.Job, error)

	UpdateProgress(ctx context.Context, jobID uuid.UUID, progress int, details *domain.ProgressDetails) error
	Complete(ctx context.Context, jobID uuid.UUID, results map[string]any) error
	Fail(ctx context.Context, jobID uuid.UUID, errKind, errMsg string) error

	// Cancel flags a pending or in_progress job. Pending jobs transition
	// immediately; in_progress jobs transition when the worker observes the
	// flag.
	Cancel(ctx context.Context, jobID uuid.UUID) error
	IsCancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error)
	MarkCancelled(ctx context.Context, jobID uuid.UUID) error

	// Requeue returns a crashed in_progress job to pending, bumping its
	// retry count. Jobs over maxRetries are failed with kind exhausted.
	Requeue(ctx context.Context, jobID uuid.UUID, maxRetries int) error

	// Depth returns the number of pending jobs.
	Depth(ctx context.Context) (int64, error)
}

// StoreFactory hands out per-user store handles. It guarantees a single
// live handle per user; concurrent callers share it via ref-counting.
type StoreFactory interface {
	// Acquire opens (or joins) the store for a user, running migrations on
	// first open. A store whose schema version is newer than this build
	// fails with a corrupt error.
	Acquire(ctx context.Context, userID uuid.UUID) (UserStore, error)

	// Release drops one reference. Idle stores may be closed after a grace
	// period and reopen transparently on the next Acquire.
	Release(userID uuid.UUID)

	Close() error
}

// UserRegistry is the global (cross-schema) user directory.
type UserRegistry interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	ListUsers(ctx context.Context, activeOnly bool) ([]*domain.User, error)
	CountUsers(ctx context.Context) (int64, error)
	UpdateUser(ctx context.Context, user *domain.User) error
}

// =============================================================================
// User Scope
// =============================================================================

// UserScope bundles everything a core operation needs for one user: the
// identity, the store handle, and the mail provider. Core operations take a
// scope instead of threading user ids through every call.
type UserScope struct {
	UserID   uuid.UUID
	Role     domain.UserRole
	Store    UserStore
	Provider MailProvider
}
