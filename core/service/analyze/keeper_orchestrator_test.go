package analyze

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"keeper_server/core/domain"
	"keeper_server/core/port/out"
)

// fakeStore implements only the methods the orchestrator touches; the
// embedded interface panics on anything else.
type fakeStore struct {
	out.UserStore
	emails      []*domain.EmailIndex
	criteria    *domain.SearchCriteria
	bulkBatches [][]*domain.EmailIndex
}

func (s *fakeStore) SearchEmails(_ context.Context, criteria *domain.SearchCriteria) ([]*domain.EmailIndex, error) {
	s.criteria = criteria
	return s.emails, nil
}

func (s *fakeStore) BulkUpsertEmails(_ context.Context, emails []*domain.EmailIndex) error {
	s.bulkBatches = append(s.bulkBatches, emails)
	return nil
}

func newTestOrchestrator(config *OrchestratorConfig) *Orchestrator {
	if config == nil {
		config = DefaultOrchestratorConfig()
		config.EnableParallel = false
		config.CacheEnabled = false
	}
	return NewOrchestrator(config,
		NewImportanceAnalyzer(nil),
		NewDateSizeAnalyzer(nil),
		NewLabelAnalyzer(nil),
		nil, nil)
}

func TestOrchestrator_Categorize(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{emails: []*domain.EmailIndex{
		{
			EmailID: "e-high",
			Subject: "URGENT: Please review",
			Sender:  "boss@corp.com",
			Labels:  []string{"IMPORTANT"},
			Date:    now.AddDate(0, 0, -2),
			Size:    4000,
		},
		{
			EmailID: "e-low",
			Subject: "You won a prize",
			Sender:  "noreply@spam.example.com",
			Labels:  []string{"SPAM", "JUNK"},
			Date:    now.AddDate(-2, 0, 0),
			Size:    2000,
		},
		{
			EmailID: "e-medium",
			Subject: "Lunch tomorrow?",
			Sender:  "friend@example.com",
			Date:    now.AddDate(0, 0, -1),
			Size:    1500,
		},
	}}
	scope := &out.UserScope{UserID: uuid.New(), Store: store}

	o := newTestOrchestrator(nil)
	result, err := o.Categorize(context.Background(), scope, CategorizeOptions{}, nil)
	if err != nil {
		t.Fatalf("Categorize: %v", err)
	}

	if result.Processed != 3 {
		t.Fatalf("processed = %d, want 3", result.Processed)
	}
	if result.Errors != 0 {
		t.Errorf("errors = %d, want 0", result.Errors)
	}
	if got := result.Categories[domain.CategoryHigh]; got != 1 {
		t.Errorf("high count = %d, want 1", got)
	}
	if got := result.Categories[domain.CategoryLow]; got != 1 {
		t.Errorf("low count = %d, want 1", got)
	}
	if got := result.Categories[domain.CategoryMedium]; got != 1 {
		t.Errorf("medium count = %d, want 1", got)
	}

	if !store.criteria.UnanalyzedOnly {
		t.Error("default run must select unanalyzed emails only")
	}

	if len(store.bulkBatches) != 1 || len(store.bulkBatches[0]) != 3 {
		t.Fatalf("bulk batches = %v, want one batch of 3", len(store.bulkBatches))
	}
	for _, email := range store.bulkBatches[0] {
		if email.Category == nil {
			t.Errorf("%s: category not stamped", email.EmailID)
			continue
		}
		if email.AnalysisTimestamp == nil || email.AnalysisVersion == nil {
			t.Errorf("%s: analysis metadata not stamped", email.EmailID)
		}
		if *email.AnalysisVersion != domain.AnalysisVersion {
			t.Errorf("%s: version = %q, want %q", email.EmailID, *email.AnalysisVersion, domain.AnalysisVersion)
		}
		if email.ImportanceScore == nil || email.RecencyScore == nil || email.SpamScore == nil {
			t.Errorf("%s: analyzer fields not stamped", email.EmailID)
		}
	}
}

func TestOrchestrator_ForceRefreshSelectsAll(t *testing.T) {
	store := &fakeStore{}
	scope := &out.UserScope{UserID: uuid.New(), Store: store}
	o := newTestOrchestrator(nil)

	year := 2024
	if _, err := o.Categorize(context.Background(), scope, CategorizeOptions{ForceRefresh: true, Year: &year}, nil); err != nil {
		t.Fatalf("Categorize: %v", err)
	}
	if store.criteria.UnanalyzedOnly {
		t.Error("force refresh must not filter to unanalyzed emails")
	}
	if store.criteria.Year == nil || *store.criteria.Year != 2024 {
		t.Errorf("year filter = %v, want 2024", store.criteria.Year)
	}
}

func TestOrchestrator_EmptyCandidates(t *testing.T) {
	store := &fakeStore{}
	scope := &out.UserScope{UserID: uuid.New(), Store: store}
	o := newTestOrchestrator(nil)

	result, err := o.Categorize(context.Background(), scope, CategorizeOptions{}, nil)
	if err != nil {
		t.Fatalf("Categorize: %v", err)
	}
	if result.Processed != 0 || result.Errors != 0 {
		t.Errorf("processed=%d errors=%d, want zeros", result.Processed, result.Errors)
	}
	if len(store.bulkBatches) != 0 {
		t.Errorf("no writes expected for an empty run")
	}
}

func TestOrchestrator_Fusion(t *testing.T) {
	o := newTestOrchestrator(nil)

	tests := []struct {
		name string
		in   domain.AnalyzedEmail
		want domain.Category
	}{
		{
			name: "high importance wins",
			in: domain.AnalyzedEmail{
				Importance: &domain.ImportanceResult{Level: domain.ImportanceHigh},
				Label:      &domain.LabelResult{GmailCategory: domain.GmailSpam, SpamScore: 1},
			},
			want: domain.CategoryHigh,
		},
		{
			name: "gmail important wins even at low importance",
			in: domain.AnalyzedEmail{
				Importance: &domain.ImportanceResult{Level: domain.ImportanceLow},
				Label:      &domain.LabelResult{GmailCategory: domain.GmailImportant},
			},
			want: domain.CategoryHigh,
		},
		{
			name: "low importance plus spam demotes",
			in: domain.AnalyzedEmail{
				Importance: &domain.ImportanceResult{Level: domain.ImportanceLow},
				Label:      &domain.LabelResult{GmailCategory: domain.GmailSpam, SpamScore: 0.9},
			},
			want: domain.CategoryLow,
		},
		{
			name: "low importance plus promotional demotes",
			in: domain.AnalyzedEmail{
				Importance: &domain.ImportanceResult{Level: domain.ImportanceLow},
				Label:      &domain.LabelResult{GmailCategory: domain.GmailPromotions, PromotionalScore: 0.6},
			},
			want: domain.CategoryLow,
		},
		{
			name: "low importance plus extreme size demotes",
			in: domain.AnalyzedEmail{
				Importance: &domain.ImportanceResult{Level: domain.ImportanceLow},
				Label:      &domain.LabelResult{GmailCategory: domain.GmailPrimary},
				DateSize:   &domain.DateSizeResult{SizePenalty: 0.95},
			},
			want: domain.CategoryLow,
		},
		{
			name: "low importance alone stays medium",
			in: domain.AnalyzedEmail{
				Importance: &domain.ImportanceResult{Level: domain.ImportanceLow},
				Label:      &domain.LabelResult{GmailCategory: domain.GmailPrimary},
			},
			want: domain.CategoryMedium,
		},
		{
			name: "spam without low importance stays medium",
			in: domain.AnalyzedEmail{
				Importance: &domain.ImportanceResult{Level: domain.ImportanceMedium},
				Label:      &domain.LabelResult{GmailCategory: domain.GmailSpam, SpamScore: 1},
			},
			want: domain.CategoryMedium,
		},
		{
			name: "nothing analyzed defaults to medium",
			in:   domain.AnalyzedEmail{},
			want: domain.CategoryMedium,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := o.fuse(&tt.in); got != tt.want {
				t.Errorf("fuse = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOrchestrator_Insights(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{emails: []*domain.EmailIndex{
		{EmailID: "e1", Subject: "urgent review", Sender: "a@b.com", Date: now, Size: 1000},
		{EmailID: "e2", Subject: "urgent too", Sender: "c@d.com", Date: now, Size: 1000},
		{EmailID: "e3", Subject: "spam spam", Sender: "noreply@x.com", Labels: []string{"SPAM"}, Date: now.AddDate(-3, 0, 0), Size: 1000},
	}}
	scope := &out.UserScope{UserID: uuid.New(), Store: store}
	o := newTestOrchestrator(nil)

	result, err := o.Categorize(context.Background(), scope, CategorizeOptions{}, nil)
	if err != nil {
		t.Fatalf("Categorize: %v", err)
	}

	if len(result.Insights.TopImportanceRules) == 0 || result.Insights.TopImportanceRules[0] != "Urgent Keywords" {
		t.Errorf("top rules = %v, want Urgent Keywords first", result.Insights.TopImportanceRules)
	}
	if result.Insights.SpamDetectionRate <= 0 {
		t.Errorf("spam detection rate = %v, want > 0", result.Insights.SpamDetectionRate)
	}
	if got := result.Insights.AgeDistribution[domain.AgeRecent]; got != 2 {
		t.Errorf("recent count = %d, want 2", got)
	}
	if got := result.Insights.AgeDistribution[domain.AgeOld]; got != 1 {
		t.Errorf("old count = %d, want 1", got)
	}
}
