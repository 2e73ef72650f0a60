package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"keeper_server/core/domain"
	"keeper_server/core/port/out"
	"keeper_server/pkg/apperr"
)

type fakeQueue struct {
	out.JobQueue
	mu   sync.Mutex
	jobs []*domain.Job
}

func (q *fakeQueue) Enqueue(_ context.Context, job *domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type fakeStore struct {
	out.UserStore
	queue    *fakeQueue
	policies []*domain.CleanupPolicy
}

func (s *fakeStore) Queue() out.JobQueue { return s.queue }

func (s *fakeStore) ListPolicies(_ context.Context, _ bool) ([]*domain.CleanupPolicy, error) {
	return s.policies, nil
}

func (s *fakeStore) GetPolicy(_ context.Context, id uuid.UUID) (*domain.CleanupPolicy, error) {
	for _, p := range s.policies {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, apperr.NotFound("policy")
}

func testScope(store *fakeStore) *out.UserScope {
	return &out.UserScope{UserID: uuid.New(), Store: store}
}

func intervalPolicy(seconds int, lastRun *time.Time) *domain.CleanupPolicy {
	return &domain.CleanupPolicy{
		ID:        uuid.New(),
		Name:      "interval-cleanup",
		Enabled:   true,
		Action:    domain.PolicyAction{Type: domain.ActionArchive, Method: domain.MethodGmail},
		Schedule:  &domain.PolicySchedule{Kind: domain.TriggerInterval, IntervalSeconds: seconds},
		CreatedAt: time.Now().UTC().Add(-24 * time.Hour),
		LastRunAt: lastRun,
	}
}

func TestRunner_IntervalFiresWhenDue(t *testing.T) {
	store := &fakeStore{queue: &fakeQueue{}}
	past := time.Now().UTC().Add(-2 * time.Hour)
	store.policies = []*domain.CleanupPolicy{intervalPolicy(3600, &past)}

	s := NewScheduler(nil, nil)
	defer s.Close()
	runner := &userRunner{
		scheduler: s,
		scope:     testScope(store),
		stopped:   make(chan struct{}),
		lastFire:  make(map[uuid.UUID]time.Time),
	}

	runner.tick(context.Background(), time.Now().UTC())

	if store.queue.count() != 1 {
		t.Fatalf("enqueued = %d, want 1", store.queue.count())
	}
	job := store.queue.jobs[0]
	if job.Type != domain.JobCleanup {
		t.Errorf("job type = %v, want cleanup", job.Type)
	}
	if job.CleanupMetadata == nil || job.CleanupMetadata.Trigger != "interval" {
		t.Errorf("metadata = %+v, want interval trigger", job.CleanupMetadata)
	}
}

func TestRunner_IntervalNotDueDoesNotFire(t *testing.T) {
	store := &fakeStore{queue: &fakeQueue{}}
	recent := time.Now().UTC().Add(-10 * time.Minute)
	store.policies = []*domain.CleanupPolicy{intervalPolicy(3600, &recent)}

	s := NewScheduler(nil, nil)
	defer s.Close()
	runner := &userRunner{
		scheduler: s,
		scope:     testScope(store),
		stopped:   make(chan struct{}),
		lastFire:  make(map[uuid.UUID]time.Time),
	}

	runner.tick(context.Background(), time.Now().UTC())

	if store.queue.count() != 0 {
		t.Errorf("enqueued = %d, want 0", store.queue.count())
	}
}

func TestRunner_MissedCronFiresCoalesce(t *testing.T) {
	// Daily cron whose last run was a week ago: exactly one coalesced fire.
	store := &fakeStore{queue: &fakeQueue{}}
	lastRun := time.Now().UTC().AddDate(0, 0, -7)
	policy := &domain.CleanupPolicy{
		ID:        uuid.New(),
		Name:      "daily",
		Enabled:   true,
		Action:    domain.PolicyAction{Type: domain.ActionArchive, Method: domain.MethodGmail},
		Schedule:  &domain.PolicySchedule{Kind: domain.TriggerCron, CronExpr: "0 3 * * *"},
		CreatedAt: lastRun,
		LastRunAt: &lastRun,
	}
	store.policies = []*domain.CleanupPolicy{policy}

	s := NewScheduler(nil, nil)
	defer s.Close()
	runner := &userRunner{
		scheduler: s,
		scope:     testScope(store),
		stopped:   make(chan struct{}),
		lastFire:  make(map[uuid.UUID]time.Time),
	}

	now := time.Now().UTC()
	runner.tick(context.Background(), now)
	if store.queue.count() != 1 {
		t.Fatalf("enqueued = %d, want exactly 1 coalesced fire", store.queue.count())
	}

	// Immediately ticking again must not fire: the anchor moved forward.
	runner.tick(context.Background(), now.Add(time.Second))
	if store.queue.count() != 1 {
		t.Errorf("enqueued = %d after second tick, want still 1", store.queue.count())
	}
}

func TestScheduler_TriggerCleanup(t *testing.T) {
	store := &fakeStore{queue: &fakeQueue{}}
	policy := intervalPolicy(3600, nil)
	store.policies = []*domain.CleanupPolicy{policy}
	scope := testScope(store)

	s := NewScheduler(nil, nil)
	defer s.Close()

	jobID, err := s.TriggerCleanup(context.Background(), scope, &policy.ID, TriggerOptions{DryRun: true, MaxEmails: 50})
	if err != nil {
		t.Fatalf("TriggerCleanup: %v", err)
	}
	if jobID == uuid.Nil {
		t.Fatal("job id is nil")
	}

	job := store.queue.jobs[0]
	meta := job.CleanupMetadata
	if meta.Trigger != "manual" || !meta.DryRun || meta.MaxEmails != 50 {
		t.Errorf("metadata = %+v, want manual dry-run capped at 50", meta)
	}
	if meta.PolicyID == nil || *meta.PolicyID != policy.ID {
		t.Errorf("policy id = %v, want %v", meta.PolicyID, policy.ID)
	}
}

func TestScheduler_TriggerCleanupUnknownPolicy(t *testing.T) {
	store := &fakeStore{queue: &fakeQueue{}}
	scope := testScope(store)
	s := NewScheduler(nil, nil)
	defer s.Close()

	missing := uuid.New()
	if _, err := s.TriggerCleanup(context.Background(), scope, &missing, TriggerOptions{}); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Errorf("error = %v, want not_found", err)
	}
}

func TestScheduler_RegisterUnregister(t *testing.T) {
	store := &fakeStore{queue: &fakeQueue{}}
	scope := testScope(store)

	config := DefaultConfig()
	config.TickInterval = 10 * time.Millisecond
	s := NewScheduler(config, nil)
	defer s.Close()

	s.RegisterUser(scope)
	s.RegisterUser(scope) // second registration is a no-op
	s.UnregisterUser(scope.UserID)
	s.UnregisterUser(scope.UserID) // idempotent
}
