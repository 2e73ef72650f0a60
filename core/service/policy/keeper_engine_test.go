package policy

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"keeper_server/core/domain"
	"keeper_server/core/port/out"
	"keeper_server/core/service/staleness"
	"keeper_server/pkg/apperr"
)

type fakeStore struct {
	out.UserStore

	policies  map[uuid.UUID]*domain.CleanupPolicy
	byName    map[string]*domain.CleanupPolicy
	emails    []*domain.EmailIndex
	summaries map[string]*domain.AccessSummary

	threadCount int
	threadLast  time.Time
	senderMean  int64
	deletions   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		policies:  make(map[uuid.UUID]*domain.CleanupPolicy),
		byName:    make(map[string]*domain.CleanupPolicy),
		summaries: make(map[string]*domain.AccessSummary),
	}
}

func (s *fakeStore) CreatePolicy(_ context.Context, p *domain.CleanupPolicy) error {
	s.policies[p.ID] = p
	s.byName[p.Name] = p
	return nil
}

func (s *fakeStore) GetPolicy(_ context.Context, id uuid.UUID) (*domain.CleanupPolicy, error) {
	p, ok := s.policies[id]
	if !ok {
		return nil, apperr.NotFound("policy")
	}
	return p, nil
}

func (s *fakeStore) GetPolicyByName(_ context.Context, name string) (*domain.CleanupPolicy, error) {
	p, ok := s.byName[name]
	if !ok {
		return nil, apperr.NotFound("policy")
	}
	return p, nil
}

func (s *fakeStore) UpdatePolicy(_ context.Context, p *domain.CleanupPolicy) error {
	s.policies[p.ID] = p
	return nil
}

func (s *fakeStore) SearchEmails(_ context.Context, _ *domain.SearchCriteria) ([]*domain.EmailIndex, error) {
	return s.emails, nil
}

func (s *fakeStore) GetAccessSummary(_ context.Context, emailID string) (*domain.AccessSummary, error) {
	if sum, ok := s.summaries[emailID]; ok {
		return sum, nil
	}
	return nil, apperr.NotFound("access summary")
}

func (s *fakeStore) GetAccessSummaries(_ context.Context, _ []string) (map[string]*domain.AccessSummary, error) {
	return s.summaries, nil
}

func (s *fakeStore) GetThreadActivity(_ context.Context, _ string) (int, time.Time, error) {
	return s.threadCount, s.threadLast, nil
}

func (s *fakeStore) GetSenderMeanSize(_ context.Context, _ string) (int64, error) {
	return s.senderMean, nil
}

func (s *fakeStore) CountDeletionsSince(_ context.Context, _ *uuid.UUID, _ time.Time) (int64, error) {
	return s.deletions, nil
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	scorer, err := staleness.NewScorer(nil)
	if err != nil {
		t.Fatalf("NewScorer: %v", err)
	}
	return NewEngine(nil, scorer)
}

func ptrInt(v int) *int { return &v }

func ptrCat(c domain.Category) *domain.Category { return &c }

func deletePolicy() *domain.CleanupPolicy {
	return &domain.CleanupPolicy{
		ID:       uuid.New(),
		Name:     "purge-stale",
		Enabled:  true,
		Priority: 50,
		Action:   domain.PolicyAction{Type: domain.ActionDelete, Method: domain.MethodGmail},
		Safety:   domain.PolicySafety{PreserveImportant: true},
	}
}

func TestEngine_CreatePolicyValidation(t *testing.T) {
	engine := testEngine(t)
	store := newFakeStore()
	scope := &out.UserScope{UserID: uuid.New(), Store: store}
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(p *domain.CleanupPolicy)
		wantErr bool
	}{
		{name: "valid delete policy", mutate: func(p *domain.CleanupPolicy) {}},
		{
			name:    "delete without any brake",
			mutate:  func(p *domain.CleanupPolicy) { p.Safety.PreserveImportant = false },
			wantErr: true,
		},
		{
			name: "delete with per-run cap only",
			mutate: func(p *domain.CleanupPolicy) {
				p.Safety.PreserveImportant = false
				p.Safety.Limits.MaxPerRun = ptrInt(100)
			},
		},
		{
			name:    "bad cron expression",
			mutate:  func(p *domain.CleanupPolicy) { p.Schedule = &domain.PolicySchedule{Kind: domain.TriggerCron, CronExpr: "not a cron"} },
			wantErr: true,
		},
		{
			name:   "good cron expression",
			mutate: func(p *domain.CleanupPolicy) { p.Schedule = &domain.PolicySchedule{Kind: domain.TriggerCron, CronExpr: "0 3 * * *"} },
		},
		{
			name: "bad timezone",
			mutate: func(p *domain.CleanupPolicy) {
				p.Schedule = &domain.PolicySchedule{Kind: domain.TriggerCron, CronExpr: "0 3 * * *", Timezone: "Mars/Olympus"}
			},
			wantErr: true,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := deletePolicy()
			p.Name = p.Name + "-" + string(rune('a'+i))
			tt.mutate(p)
			_, err := engine.CreatePolicy(ctx, scope, p)
			if (err != nil) != tt.wantErr {
				t.Errorf("CreatePolicy error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEngine_CreatePolicyRejectsDuplicateName(t *testing.T) {
	engine := testEngine(t)
	store := newFakeStore()
	scope := &out.UserScope{UserID: uuid.New(), Store: store}
	ctx := context.Background()

	if _, err := engine.CreatePolicy(ctx, scope, deletePolicy()); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := engine.CreatePolicy(ctx, scope, deletePolicy()); !apperr.IsCode(err, apperr.CodeConflict) {
		t.Errorf("duplicate name error = %v, want conflict", err)
	}
}

func TestEngine_PreserveImportantBlocksDeletion(t *testing.T) {
	engine := testEngine(t)
	store := newFakeStore()
	store.emails = []*domain.EmailIndex{{
		EmailID:  "E3",
		Sender:   "x@y.com",
		Labels:   []string{"IMPORTANT"},
		Category: ptrCat(domain.CategoryHigh),
		Date:     time.Now().UTC().AddDate(-1, 0, 0),
	}}
	scope := &out.UserScope{UserID: uuid.New(), Store: store}

	set, err := engine.EvaluateBatch(context.Background(), scope, deletePolicy(), BatchOptions{})
	if err != nil {
		t.Fatalf("EvaluateBatch: %v", err)
	}
	if len(set.Candidates) != 1 {
		t.Fatalf("candidates = %d, want 1", len(set.Candidates))
	}
	c := set.Candidates[0]
	if c.Verdict != domain.VerdictProtected || c.Reason != "preserve_important" {
		t.Errorf("verdict = %v (%q), want protected preserve_important", c.Verdict, c.Reason)
	}
}

func TestEngine_GateOrder(t *testing.T) {
	engine := testEngine(t)
	now := time.Now().UTC()

	base := func() *domain.EmailIndex {
		return &domain.EmailIndex{
			EmailID: "e1",
			Sender:  "someone@example.com",
			Subject: "old report",
			Date:    now.AddDate(-2, 0, 0),
			Size:    1000,
		}
	}

	tests := []struct {
		name        string
		email       func() *domain.EmailIndex
		safety      domain.PolicySafety
		store       func(s *fakeStore)
		wantVerdict domain.SafetyVerdict
		wantReason  string
	}{
		{
			name:  "vip domain",
			email: base,
			safety: domain.PolicySafety{
				VIPDomains: []string{"example.com"},
			},
			wantVerdict: domain.VerdictProtected,
			wantReason:  "vip_domain",
		},
		{
			name: "critical attachment",
			email: func() *domain.EmailIndex {
				e := base()
				e.HasAttachments = true
				e.AttachmentTypes = []string{"pdf"}
				return e
			},
			safety:      domain.PolicySafety{CriticalAttachmentTypes: []string{".PDF"}},
			wantVerdict: domain.VerdictProtected,
			wantReason:  "critical_attachment",
		},
		{
			name: "protected label",
			email: func() *domain.EmailIndex {
				e := base()
				e.Labels = []string{"Tax-2024"}
				return e
			},
			safety:      domain.PolicySafety{ProtectedLabels: []string{"tax-2024"}},
			wantVerdict: domain.VerdictProtected,
			wantReason:  "protected_label",
		},
		{
			name: "legal keyword",
			email: func() *domain.EmailIndex {
				e := base()
				e.Snippet = "per the subpoena attached"
				return e
			},
			safety:      domain.PolicySafety{LegalKeywords: []string{"subpoena"}},
			wantVerdict: domain.VerdictProtected,
			wantReason:  "legal_keyword",
		},
		{
			name:  "recent access",
			email: base,
			safety: domain.PolicySafety{
				Access: domain.AccessGate{Enabled: true, MaxAccessScore: 0.9, RecentAccessDays: 30},
			},
			store: func(s *fakeStore) {
				s.summaries["e1"] = &domain.AccessSummary{
					TotalAccesses: 1,
					AccessScore:   0.1,
					LastAccessed:  now.AddDate(0, 0, -2),
				}
			},
			wantVerdict: domain.VerdictProtected,
			wantReason:  "recent_access",
		},
		{
			name: "active thread",
			email: func() *domain.EmailIndex {
				e := base()
				e.ThreadID = "t1"
				return e
			},
			safety: domain.PolicySafety{
				Thread: domain.ThreadGate{Enabled: true, RecentReplyDays: 7, MinThreadMessages: 3},
			},
			store: func(s *fakeStore) {
				s.threadCount = 5
				s.threadLast = now.AddDate(0, 0, -1)
			},
			wantVerdict: domain.VerdictProtected,
			wantReason:  "active_thread",
		},
		{
			name: "large email needs confirmation",
			email: func() *domain.EmailIndex {
				e := base()
				e.Size = 60 * 1024 * 1024
				return e
			},
			safety: domain.PolicySafety{
				Size: domain.SizeGate{Enabled: true, LargeEmailThreshold: 50 * 1024 * 1024},
			},
			wantVerdict: domain.VerdictRequiresConfirmation,
			wantReason:  "large_email",
		},
		{
			name: "protection beats confirmation",
			email: func() *domain.EmailIndex {
				e := base()
				e.Size = 60 * 1024 * 1024
				e.Labels = []string{"KEEP"}
				return e
			},
			safety: domain.PolicySafety{
				ProtectedLabels: []string{"KEEP"},
				Size:            domain.SizeGate{Enabled: true, LargeEmailThreshold: 50 * 1024 * 1024},
			},
			wantVerdict: domain.VerdictProtected,
			wantReason:  "protected_label",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			if tt.store != nil {
				tt.store(store)
			}
			scope := &out.UserScope{UserID: uuid.New(), Store: store}
			p := deletePolicy()
			p.Safety = tt.safety

			email := tt.email()
			verdict, reason := engine.checkGates(context.Background(), scope, p, email, store.summaries[email.EmailID], now)
			if verdict != tt.wantVerdict || reason != tt.wantReason {
				t.Errorf("gates = %v (%q), want %v (%q)", verdict, reason, tt.wantVerdict, tt.wantReason)
			}
		})
	}
}

func TestEngine_SafetyMonotonicity(t *testing.T) {
	// Adding a protection can only shrink the clear set.
	engine := testEngine(t)
	now := time.Now().UTC()
	store := newFakeStore()
	store.emails = []*domain.EmailIndex{
		{EmailID: "e1", Sender: "a@spam.com", Date: now.AddDate(-2, 0, 0), Size: 1000, SpamScore: ptrF(0.9), Category: ptrCat(domain.CategoryLow)},
		{EmailID: "e2", Sender: "b@corp.com", Date: now.AddDate(-2, 0, 0), Size: 1000, SpamScore: ptrF(0.9), Category: ptrCat(domain.CategoryLow)},
	}
	scope := &out.UserScope{UserID: uuid.New(), Store: store}

	countClear := func(p *domain.CleanupPolicy) int {
		set, err := engine.EvaluateBatch(context.Background(), scope, p, BatchOptions{})
		if err != nil {
			t.Fatalf("EvaluateBatch: %v", err)
		}
		n := 0
		for _, c := range set.Candidates {
			if c.Verdict == domain.VerdictClear {
				n++
			}
		}
		return n
	}

	open := deletePolicy()
	narrowed := deletePolicy()
	narrowed.Safety.WhitelistDomains = []string{"corp.com"}

	if before, after := countClear(open), countClear(narrowed); after > before {
		t.Errorf("clear set grew from %d to %d after adding a protection", before, after)
	}
}

func ptrF(v float64) *float64 { return &v }

func TestEngine_DeletionBudgetTruncates(t *testing.T) {
	engine := testEngine(t)
	now := time.Now().UTC()
	store := newFakeStore()
	for _, id := range []string{"e1", "e2", "e3", "e4"} {
		store.emails = append(store.emails, &domain.EmailIndex{
			EmailID:   id,
			Sender:    "x@spam.com",
			Date:      now.AddDate(-2, 0, 0),
			Size:      1000,
			SpamScore: ptrF(1),
			Category:  ptrCat(domain.CategoryLow),
		})
	}
	store.deletions = 8 // already used this hour
	scope := &out.UserScope{UserID: uuid.New(), Store: store}

	p := deletePolicy()
	p.Safety.Limits.MaxPerHour = 10 // 2 remaining

	set, err := engine.EvaluateBatch(context.Background(), scope, p, BatchOptions{})
	if err != nil {
		t.Fatalf("EvaluateBatch: %v", err)
	}
	if !set.Truncated {
		t.Error("set must be marked truncated")
	}
	clear, confirm := 0, 0
	for _, c := range set.Candidates {
		switch c.Verdict {
		case domain.VerdictClear:
			clear++
		case domain.VerdictRequiresConfirmation:
			confirm++
			if c.Reason != "deletion_budget" {
				t.Errorf("reason = %q, want deletion_budget", c.Reason)
			}
		}
	}
	if clear != 2 {
		t.Errorf("clear = %d, want 2 (remaining budget)", clear)
	}
	if confirm != 2 {
		t.Errorf("requires_confirmation = %d, want 2", confirm)
	}
}

func TestEngine_EvaluateEmailPriorityOrder(t *testing.T) {
	engine := testEngine(t)
	store := newFakeStore()
	scope := &out.UserScope{UserID: uuid.New(), Store: store}
	now := time.Now().UTC()

	email := &domain.EmailIndex{
		EmailID:  "e1",
		Sender:   "x@spam.com",
		Date:     now.AddDate(-1, 0, 0),
		Size:     1000,
		Category: ptrCat(domain.CategoryLow),
	}

	low := deletePolicy()
	low.Name = "low-priority"
	low.Priority = 10

	high := deletePolicy()
	high.Name = "high-priority"
	high.Priority = 90

	eval, err := engine.EvaluateEmail(context.Background(), scope, email, []*domain.CleanupPolicy{low, high})
	if err != nil {
		t.Fatalf("EvaluateEmail: %v", err)
	}
	if eval.MatchedPolicy == nil || *eval.MatchedPolicy != high.ID {
		t.Errorf("matched = %v, want the higher-priority policy", eval.MatchedPolicy)
	}
}

func TestMatchesCriteria(t *testing.T) {
	now := time.Now().UTC()
	email := &domain.EmailIndex{
		EmailID:          "e1",
		Sender:           "deals@shop.example.com",
		Date:             now.AddDate(0, 0, -120),
		Size:             3 * 1024 * 1024,
		Labels:           []string{"CATEGORY_PROMOTIONS"},
		SpamScore:        ptrF(0.2),
		PromotionalScore: ptrF(0.8),
	}

	tests := []struct {
		name     string
		criteria domain.PolicyCriteria
		want     bool
	}{
		{name: "empty criteria match everything", want: true},
		{name: "age satisfied", criteria: domain.PolicyCriteria{AgeDaysMin: ptrInt(90)}, want: true},
		{name: "age not satisfied", criteria: domain.PolicyCriteria{AgeDaysMin: ptrInt(365)}, want: false},
		{name: "promo score satisfied", criteria: domain.PolicyCriteria{PromotionalScoreMin: ptrF(0.5)}, want: true},
		{name: "spam score not satisfied", criteria: domain.PolicyCriteria{SpamScoreMin: ptrF(0.5)}, want: false},
		{name: "label include", criteria: domain.PolicyCriteria{LabelInclude: []string{"category_promotions"}}, want: true},
		{name: "label exclude", criteria: domain.PolicyCriteria{LabelExclude: []string{"CATEGORY_PROMOTIONS"}}, want: false},
		{name: "sender domain include with subdomain", criteria: domain.PolicyCriteria{SenderDomainInclude: []string{"example.com"}}, want: true},
		{name: "sender domain exclude", criteria: domain.PolicyCriteria{SenderDomainExclude: []string{"shop.example.com"}}, want: false},
		{name: "size min", criteria: domain.PolicyCriteria{SizeMin: func() *int64 { v := int64(1024 * 1024); return &v }()}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesCriteria(email, &tt.criteria, nil, now); got != tt.want {
				t.Errorf("matchesCriteria = %v, want %v", got, tt.want)
			}
		})
	}
}
