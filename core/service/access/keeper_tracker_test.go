package access

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"keeper_server/core/domain"
	"keeper_server/core/port/out"
)

type fakeStore struct {
	out.UserStore
	events    map[string][]*domain.AccessEvent
	summaries map[string]*domain.AccessSummary
	appendErr map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:    make(map[string][]*domain.AccessEvent),
		summaries: make(map[string]*domain.AccessSummary),
		appendErr: make(map[string]error),
	}
}

func (s *fakeStore) AppendAccessEvent(_ context.Context, event *domain.AccessEvent) error {
	if err := s.appendErr[event.EmailID]; err != nil {
		return err
	}
	s.events[event.EmailID] = append(s.events[event.EmailID], event)
	return nil
}

func (s *fakeStore) ListAccessEvents(_ context.Context, emailID string) ([]*domain.AccessEvent, error) {
	return s.events[emailID], nil
}

func (s *fakeStore) UpsertAccessSummary(_ context.Context, summary *domain.AccessSummary) error {
	s.summaries[summary.EmailID] = summary
	return nil
}

func testScope(store *fakeStore) *out.UserScope {
	return &out.UserScope{UserID: uuid.New(), Store: store}
}

func TestTracker_LogAccessAndFlush(t *testing.T) {
	store := newFakeStore()
	scope := testScope(store)
	tracker := NewTracker(nil)
	ctx := context.Background()

	now := time.Now().UTC()
	events := []*domain.AccessEvent{
		{EmailID: "e1", AccessType: domain.AccessSearchResult, Timestamp: now.AddDate(0, 0, -3), SearchQuery: "invoices"},
		{EmailID: "e1", AccessType: domain.AccessDirectView, Timestamp: now.AddDate(0, 0, -1), SearchQuery: "invoices"},
		{EmailID: "e1", AccessType: domain.AccessThreadView, Timestamp: now},
	}
	for _, ev := range events {
		if err := tracker.LogAccess(ctx, scope, ev); err != nil {
			t.Fatalf("LogAccess: %v", err)
		}
	}

	tracker.Flush(ctx, scope)

	summary := store.summaries["e1"]
	if summary == nil {
		t.Fatal("summary not written after flush")
	}
	if summary.TotalAccesses != 3 {
		t.Errorf("total accesses = %d, want 3", summary.TotalAccesses)
	}
	if summary.SearchAppearances != 1 {
		t.Errorf("search appearances = %d, want 1", summary.SearchAppearances)
	}
	if summary.SearchInteractions != 1 {
		t.Errorf("search interactions = %d, want 1", summary.SearchInteractions)
	}
	if !summary.LastAccessed.Equal(now) {
		t.Errorf("last accessed = %v, want %v", summary.LastAccessed, now)
	}
	if summary.AccessScore <= 0 || summary.AccessScore > 1 {
		t.Errorf("access score = %v out of (0,1]", summary.AccessScore)
	}
}

func TestTracker_LogAccessValidation(t *testing.T) {
	tracker := NewTracker(nil)
	scope := testScope(newFakeStore())
	ctx := context.Background()

	if err := tracker.LogAccess(ctx, scope, &domain.AccessEvent{AccessType: domain.AccessDirectView}); err == nil {
		t.Error("missing email_id must fail")
	}
	if err := tracker.LogAccess(ctx, scope, &domain.AccessEvent{EmailID: "e1", AccessType: "teleport"}); err == nil {
		t.Error("unknown access type must fail")
	}
}

func TestTracker_BatchFullTriggersFlush(t *testing.T) {
	config := DefaultTrackerConfig()
	config.BatchSize = 2
	tracker := NewTracker(config)
	store := newFakeStore()
	scope := testScope(store)
	ctx := context.Background()

	for _, id := range []string{"e1", "e2"} {
		if err := tracker.LogAccess(ctx, scope, &domain.AccessEvent{
			EmailID:    id,
			AccessType: domain.AccessDirectView,
		}); err != nil {
			t.Fatalf("LogAccess(%s): %v", id, err)
		}
	}

	if len(store.summaries) != 2 {
		t.Errorf("summaries = %d, want 2 (batch flush on fill)", len(store.summaries))
	}
}

func TestTracker_Score(t *testing.T) {
	tracker := NewTracker(nil)
	now := time.Now().UTC()

	tests := []struct {
		name    string
		summary *domain.AccessSummary
		check   func(t *testing.T, score float64)
	}{
		{
			name:    "nil summary scores zero",
			summary: nil,
			check: func(t *testing.T, score float64) {
				if score != 0 {
					t.Errorf("score = %v, want 0", score)
				}
			},
		},
		{
			name: "fresh heavy access scores near one",
			summary: &domain.AccessSummary{
				TotalAccesses:      25,
				LastAccessed:       now,
				SearchAppearances:  10,
				SearchInteractions: 10,
			},
			check: func(t *testing.T, score float64) {
				if score < 0.95 {
					t.Errorf("score = %v, want >= 0.95", score)
				}
			},
		},
		{
			name: "single ancient access scores near zero",
			summary: &domain.AccessSummary{
				TotalAccesses: 1,
				LastAccessed:  now.AddDate(-2, 0, 0),
			},
			check: func(t *testing.T, score float64) {
				if score > 0.05 {
					t.Errorf("score = %v, want <= 0.05", score)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, tracker.Score(tt.summary, now))
		})
	}
}

func TestTracker_ScoreHalfLife(t *testing.T) {
	tracker := NewTracker(nil)
	now := time.Now().UTC()

	fresh := tracker.Score(&domain.AccessSummary{TotalAccesses: 1, LastAccessed: now}, now)
	aged := tracker.Score(&domain.AccessSummary{TotalAccesses: 1, LastAccessed: now.AddDate(0, 0, -30)}, now)

	// One half-life halves the recency component; frequency is unchanged.
	if aged >= fresh {
		t.Errorf("aged score %v must be below fresh score %v", aged, fresh)
	}
	recencyFresh := 0.5 * 1.0
	recencyAged := 0.5 * 0.5
	if diff := (fresh - aged) - (recencyFresh - recencyAged); diff > 1e-9 || diff < -1e-9 {
		t.Errorf("score drop = %v, want %v", fresh-aged, recencyFresh-recencyAged)
	}
}

func TestTracker_FlushToleratesPerIDFailures(t *testing.T) {
	tracker := NewTracker(nil)
	store := newFakeStore()
	scope := testScope(store)
	ctx := context.Background()

	if err := tracker.LogAccess(ctx, scope, &domain.AccessEvent{EmailID: "ok", AccessType: domain.AccessDirectView}); err != nil {
		t.Fatalf("LogAccess: %v", err)
	}
	// Simulate a broken history for one id: recompute will list zero events
	// for "ghost" because nothing was appended, which is a no-op, while "ok"
	// still lands.
	tracker.mu.Lock()
	tracker.pending[scope.UserID.String()]["ghost"] = struct{}{}
	tracker.mu.Unlock()

	tracker.Flush(ctx, scope)

	if store.summaries["ok"] == nil {
		t.Error("healthy id must still be summarized")
	}
	if store.summaries["ghost"] != nil {
		t.Error("id without events must not get a summary")
	}
}
