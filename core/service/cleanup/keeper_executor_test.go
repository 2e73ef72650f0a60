package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"keeper_server/core/domain"
	"keeper_server/core/port/out"
	"keeper_server/core/service/policy"
	"keeper_server/core/service/staleness"
	"keeper_server/pkg/apperr"
	"keeper_server/pkg/ratelimit"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeQueue struct {
	out.JobQueue
	cancelAfter int // cancel flag raised after this many checks; -1 never
	checks      int
	progress    []domain.ProgressDetails
}

func (q *fakeQueue) IsCancelRequested(_ context.Context, _ uuid.UUID) (bool, error) {
	q.checks++
	return q.cancelAfter >= 0 && q.checks > q.cancelAfter, nil
}

func (q *fakeQueue) UpdateProgress(_ context.Context, _ uuid.UUID, _ int, details *domain.ProgressDetails) error {
	q.progress = append(q.progress, *details)
	return nil
}

type fakeStore struct {
	out.UserStore
	queue    *fakeQueue
	emails   []*domain.EmailIndex
	policies map[uuid.UUID]*domain.CleanupPolicy

	archivedIDs []string
	deletedIDs  []string
	unarchived  []string
	archives    map[int64]*domain.ArchiveRecord
	audits      []*domain.AuditRecord
	restored    []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		queue:    &fakeQueue{cancelAfter: -1},
		policies: make(map[uuid.UUID]*domain.CleanupPolicy),
		archives: make(map[int64]*domain.ArchiveRecord),
	}
}

func (s *fakeStore) Queue() out.JobQueue { return s.queue }

func (s *fakeStore) SearchEmails(_ context.Context, criteria *domain.SearchCriteria) ([]*domain.EmailIndex, error) {
	emails := s.emails
	if criteria.Limit > 0 && len(emails) > criteria.Limit {
		emails = emails[:criteria.Limit]
	}
	return emails, nil
}

func (s *fakeStore) GetAccessSummaries(_ context.Context, _ []string) (map[string]*domain.AccessSummary, error) {
	return nil, nil
}

func (s *fakeStore) GetPolicy(_ context.Context, id uuid.UUID) (*domain.CleanupPolicy, error) {
	p, ok := s.policies[id]
	if !ok {
		return nil, apperr.NotFound("policy")
	}
	return p, nil
}

func (s *fakeStore) ListPolicies(_ context.Context, _ bool) ([]*domain.CleanupPolicy, error) {
	var list []*domain.CleanupPolicy
	for _, p := range s.policies {
		list = append(list, p)
	}
	return list, nil
}

func (s *fakeStore) TouchPolicyLastRun(_ context.Context, _ uuid.UUID, _ time.Time) error { return nil }

func (s *fakeStore) MarkArchived(_ context.Context, ids []string, _ string) error {
	s.archivedIDs = append(s.archivedIDs, ids...)
	return nil
}

func (s *fakeStore) UnmarkArchived(_ context.Context, ids []string) error {
	s.unarchived = append(s.unarchived, ids...)
	return nil
}

func (s *fakeStore) DeleteEmails(_ context.Context, ids []string) (int64, error) {
	s.deletedIDs = append(s.deletedIDs, ids...)
	return int64(len(ids)), nil
}

func (s *fakeStore) CreateArchiveRecord(_ context.Context, r *domain.ArchiveRecord) error {
	s.archives[r.ID] = r
	return nil
}

func (s *fakeStore) GetArchiveRecord(_ context.Context, id int64) (*domain.ArchiveRecord, error) {
	r, ok := s.archives[id]
	if !ok {
		return nil, apperr.NotFound("archive record")
	}
	return r, nil
}

func (s *fakeStore) MarkArchiveRestored(_ context.Context, id int64) error {
	s.restored = append(s.restored, id)
	return nil
}

func (s *fakeStore) AppendAuditRecord(_ context.Context, r *domain.AuditRecord) error {
	s.audits = append(s.audits, r)
	return nil
}

func (s *fakeStore) ListAuditRecords(_ context.Context, since time.Time, _ int) ([]*domain.AuditRecord, error) {
	var records []*domain.AuditRecord
	for _, a := range s.audits {
		if !a.Timestamp.Before(since) {
			records = append(records, a)
		}
	}
	return records, nil
}

func (s *fakeStore) GetAuditForArchive(_ context.Context, archiveID int64) (*domain.AuditRecord, error) {
	for _, a := range s.audits {
		if a.ArchiveRecordID != nil && *a.ArchiveRecordID == archiveID {
			return a, nil
		}
	}
	return nil, apperr.NotFound("audit record")
}

func (s *fakeStore) CountDeletionsSince(_ context.Context, _ *uuid.UUID, _ time.Time) (int64, error) {
	return 0, nil
}

type fakeProvider struct {
	out.MailProvider
	archived  []string
	trashed   []string
	setLabels map[string][]string
	modified  []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{setLabels: make(map[string][]string)}
}

func (p *fakeProvider) Archive(_ context.Context, ids []string) error {
	p.archived = append(p.archived, ids...)
	return nil
}

func (p *fakeProvider) Trash(_ context.Context, ids []string) error {
	p.trashed = append(p.trashed, ids...)
	return nil
}

func (p *fakeProvider) SetLabels(_ context.Context, id string, labels []string) error {
	p.setLabels[id] = labels
	return nil
}

func (p *fakeProvider) ModifyLabels(_ context.Context, ids []string, _, _ []string) error {
	p.modified = append(p.modified, ids...)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func testExecutor(t *testing.T, config *Config) *Executor {
	t.Helper()
	scorer, err := staleness.NewScorer(nil)
	if err != nil {
		t.Fatalf("NewScorer: %v", err)
	}
	engine := policy.NewEngine(nil, scorer)
	return NewExecutor(config, engine, nil, nil, ratelimit.NewDeletionBudget(nil), nil, nil, nil)
}

func testScope(store *fakeStore, provider *fakeProvider) *out.UserScope {
	return &out.UserScope{UserID: uuid.New(), Store: store, Provider: provider}
}

func staleEmail(id string) *domain.EmailIndex {
	low := domain.CategoryLow
	spam := 1.0
	return &domain.EmailIndex{
		EmailID:   id,
		Sender:    "x@spam.example.com",
		Date:      time.Now().UTC().AddDate(-2, 0, 0),
		Size:      5000,
		Category:  &low,
		SpamScore: &spam,
	}
}

func cleanupJob(policyID *uuid.UUID, dryRun bool) *domain.Job {
	job := domain.NewJob(uuid.New(), domain.JobCleanup, 5, nil)
	job.CleanupMetadata = &domain.CleanupMetadata{
		PolicyID: policyID,
		Trigger:  "manual",
		DryRun:   dryRun,
	}
	return job
}

func deletePolicy() *domain.CleanupPolicy {
	return &domain.CleanupPolicy{
		ID:      uuid.New(),
		Name:    "purge",
		Enabled: true,
		Action:  domain.PolicyAction{Type: domain.ActionDelete, Method: domain.MethodGmail},
		Safety:  domain.PolicySafety{PreserveImportant: true},
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestExecutor_PreserveImportantSkips(t *testing.T) {
	store := newFakeStore()
	provider := newFakeProvider()

	high := domain.CategoryHigh
	store.emails = []*domain.EmailIndex{{
		EmailID:  "E3",
		Sender:   "x@y.com",
		Labels:   []string{"IMPORTANT"},
		Category: &high,
		Date:     time.Now().UTC().AddDate(-1, 0, 0),
		Size:     1000,
	}}

	p := deletePolicy()
	store.policies[p.ID] = p
	scope := testScope(store, provider)
	executor := testExecutor(t, nil)

	results, err := executor.ExecuteJob(context.Background(), scope, cleanupJob(&p.ID, false))
	if err != nil {
		t.Fatalf("ExecuteJob: %v", err)
	}

	if got := results["deleted"].(int); got != 0 {
		t.Errorf("deleted = %d, want 0", got)
	}
	skipped := results["skipped"].([]map[string]string)
	if len(skipped) != 1 || skipped[0]["id"] != "E3" || skipped[0]["reason"] != "preserve_important" {
		t.Errorf("skipped = %v, want E3 preserve_important", skipped)
	}
	if len(provider.trashed) != 0 {
		t.Errorf("provider trashed %v, want none", provider.trashed)
	}
}

func TestExecutor_DeleteRun(t *testing.T) {
	store := newFakeStore()
	provider := newFakeProvider()
	for _, id := range []string{"e1", "e2", "e3"} {
		store.emails = append(store.emails, staleEmail(id))
	}

	p := deletePolicy()
	store.policies[p.ID] = p
	scope := testScope(store, provider)
	executor := testExecutor(t, nil)

	results, err := executor.ExecuteJob(context.Background(), scope, cleanupJob(&p.ID, false))
	if err != nil {
		t.Fatalf("ExecuteJob: %v", err)
	}

	if got := results["deleted"].(int); got != 3 {
		t.Errorf("deleted = %d, want 3", got)
	}
	if len(provider.trashed) != 3 {
		t.Errorf("provider trashed %d, want 3", len(provider.trashed))
	}
	if len(store.deletedIDs) != 3 {
		t.Errorf("store deleted %d rows, want 3", len(store.deletedIDs))
	}
	if len(store.audits) != 1 {
		t.Fatalf("audits = %d, want 1", len(store.audits))
	}
	audit := store.audits[0]
	if audit.Action != domain.ActionDelete || len(audit.EmailIDs) != 3 || len(audit.PreImages) != 3 {
		t.Errorf("audit = %+v, want delete of 3 with pre-images", audit)
	}
}

func TestExecutor_DryRunTouchesNothing(t *testing.T) {
	store := newFakeStore()
	provider := newFakeProvider()
	store.emails = []*domain.EmailIndex{staleEmail("e1"), staleEmail("e2")}

	p := deletePolicy()
	store.policies[p.ID] = p
	scope := testScope(store, provider)
	executor := testExecutor(t, nil)

	results, err := executor.ExecuteJob(context.Background(), scope, cleanupJob(&p.ID, true))
	if err != nil {
		t.Fatalf("ExecuteJob: %v", err)
	}

	if got := results["deleted"].(int); got != 2 {
		t.Errorf("deleted (projected) = %d, want 2", got)
	}
	if results["dry_run"] != true {
		t.Error("dry_run flag missing from results")
	}
	if len(provider.trashed) != 0 || len(store.deletedIDs) != 0 || len(store.audits) != 0 {
		t.Error("dry run must not touch provider, rows, or audit log")
	}
}

func TestExecutor_CancellationBetweenBatches(t *testing.T) {
	store := newFakeStore()
	provider := newFakeProvider()
	for i := 0; i < 10; i++ {
		store.emails = append(store.emails, staleEmail(string(rune('a'+i))))
	}
	store.queue.cancelAfter = 3 // cancel observed on the 4th batch boundary

	p := deletePolicy()
	store.policies[p.ID] = p
	scope := testScope(store, provider)

	config := DefaultConfig()
	config.BatchSize = 2
	config.BaseInterBatchDelay = 0
	executor := testExecutor(t, config)

	_, err := executor.ExecuteJob(context.Background(), scope, cleanupJob(&p.ID, false))
	if !apperr.IsCode(err, apperr.CodeCancelled) {
		t.Fatalf("error = %v, want cancelled", err)
	}

	// Three full batches ran before the cancel flag was observed; nothing
	// partial: provider and store agree.
	if len(provider.trashed) != 6 {
		t.Errorf("trashed = %d, want 6 (three batches of 2)", len(provider.trashed))
	}
	if len(store.deletedIDs) != len(provider.trashed) {
		t.Errorf("store rows %d and provider calls %d disagree", len(store.deletedIDs), len(provider.trashed))
	}
	if len(store.audits) != 3 {
		t.Errorf("audits = %d, want 3 (one per completed batch)", len(store.audits))
	}
}

func TestExecutor_BudgetTruncatesRun(t *testing.T) {
	store := newFakeStore()
	provider := newFakeProvider()
	for i := 0; i < 10; i++ {
		store.emails = append(store.emails, staleEmail(string(rune('a'+i))))
	}

	p := deletePolicy()
	p.Safety.Limits.MaxPerHour = 4
	store.policies[p.ID] = p
	scope := testScope(store, provider)

	config := DefaultConfig()
	config.BatchSize = 3
	config.BaseInterBatchDelay = 0
	executor := testExecutor(t, config)

	results, err := executor.ExecuteJob(context.Background(), scope, cleanupJob(&p.ID, false))
	if err != nil {
		t.Fatalf("ExecuteJob: %v", err)
	}

	if got := results["deleted"].(int); got != 4 {
		t.Errorf("deleted = %d, want 4 (hourly budget)", got)
	}
	if results["truncated"] != true {
		t.Error("results must be marked truncated")
	}
	if len(provider.trashed) != 4 {
		t.Errorf("provider trashed %d, want exactly the budget", len(provider.trashed))
	}
}

func TestExecutor_MaxPerRunCapsClearSet(t *testing.T) {
	store := newFakeStore()
	provider := newFakeProvider()
	for i := 0; i < 6; i++ {
		store.emails = append(store.emails, staleEmail(string(rune('a'+i))))
	}

	maxRun := 2
	p := deletePolicy()
	p.Safety.PreserveImportant = false
	p.Safety.Limits.MaxPerRun = &maxRun
	store.policies[p.ID] = p
	scope := testScope(store, provider)

	config := DefaultConfig()
	config.BaseInterBatchDelay = 0
	executor := testExecutor(t, config)

	results, err := executor.ExecuteJob(context.Background(), scope, cleanupJob(&p.ID, false))
	if err != nil {
		t.Fatalf("ExecuteJob: %v", err)
	}
	if got := results["deleted"].(int); got != 2 {
		t.Errorf("deleted = %d, want 2 (per-run cap)", got)
	}
	if results["truncated"] != true {
		t.Error("results must be marked truncated")
	}
}

func TestExecutor_ArchiveAndRestoreRoundTrip(t *testing.T) {
	store := newFakeStore()
	provider := newFakeProvider()
	e1 := staleEmail("e1")
	e1.Labels = []string{"INBOX", "Newsletters"}
	e2 := staleEmail("e2")
	e2.Labels = []string{"INBOX"}
	store.emails = []*domain.EmailIndex{e1, e2}

	p := &domain.CleanupPolicy{
		ID:      uuid.New(),
		Name:    "archive-stale",
		Enabled: true,
		Action:  domain.PolicyAction{Type: domain.ActionArchive, Method: domain.MethodGmail},
		Safety:  domain.PolicySafety{PreserveImportant: true},
	}
	store.policies[p.ID] = p
	scope := testScope(store, provider)
	executor := testExecutor(t, nil)

	results, err := executor.ExecuteJob(context.Background(), scope, cleanupJob(&p.ID, false))
	if err != nil {
		t.Fatalf("ExecuteJob: %v", err)
	}
	if got := results["archived"].(int); got != 2 {
		t.Fatalf("archived = %d, want 2", got)
	}
	if len(store.archives) != 1 {
		t.Fatalf("archive records = %d, want 1", len(store.archives))
	}

	var archiveID int64
	for id, record := range store.archives {
		archiveID = id
		if !record.Restorable {
			t.Error("gmail archive must be restorable")
		}
	}

	restoreResults, err := executor.Restore(context.Background(), scope, RestoreOptions{ArchiveID: &archiveID})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := restoreResults["restored"].(int); got != 2 {
		t.Errorf("restored = %d, want 2", got)
	}
	if labels := provider.setLabels["e1"]; len(labels) != 2 || labels[0] != "INBOX" {
		t.Errorf("e1 labels = %v, want original labels restored", labels)
	}
	if len(store.unarchived) != 2 {
		t.Errorf("unarchived rows = %d, want 2", len(store.unarchived))
	}
	if len(store.restored) != 1 || store.restored[0] != archiveID {
		t.Errorf("restored records = %v, want [%d]", store.restored, archiveID)
	}
}

func TestExecutor_DeleteByCriteriaRequiresCap(t *testing.T) {
	store := newFakeStore()
	scope := testScope(store, newFakeProvider())
	executor := testExecutor(t, nil)

	if _, err := executor.DeleteByCriteria(context.Background(), scope, nil, DeleteOptions{}); err == nil {
		t.Error("delete without max_count must fail")
	}
}

func TestExecutor_DeleteByCriteria(t *testing.T) {
	store := newFakeStore()
	provider := newFakeProvider()
	for i := 0; i < 5; i++ {
		store.emails = append(store.emails, staleEmail(string(rune('a'+i))))
	}
	scope := testScope(store, provider)
	executor := testExecutor(t, nil)

	results, err := executor.DeleteByCriteria(context.Background(), scope, &domain.SearchCriteria{}, DeleteOptions{MaxCount: 3})
	if err != nil {
		t.Fatalf("DeleteByCriteria: %v", err)
	}
	if got := results["deleted"].(int); got != 3 {
		t.Errorf("deleted = %d, want 3 (capped)", got)
	}
}

func TestExecutor_Metrics(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	store.audits = []*domain.AuditRecord{
		{Action: domain.ActionDelete, EmailIDs: []string{"a", "b"}, Timestamp: now},
		{Action: domain.ActionArchive, EmailIDs: []string{"c"}, Timestamp: now},
	}
	scope := testScope(store, newFakeProvider())
	executor := testExecutor(t, nil)

	metrics, err := executor.Metrics(context.Background(), scope, 24)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if metrics.EmailsDeleted != 2 || metrics.EmailsArchived != 1 || metrics.RunsCompleted != 2 {
		t.Errorf("metrics = %+v, want 2 deleted, 1 archived, 2 runs", metrics)
	}
}
