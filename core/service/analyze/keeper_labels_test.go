package analyze

import (
	"context"
	"math"
	"testing"
	"time"

	"keeper_server/core/domain"
)

func analyzeLabels(t *testing.T, email *domain.EmailIndex) *domain.LabelResult {
	t.Helper()
	a := NewLabelAnalyzer(nil)
	result := &domain.AnalyzedEmail{EmailID: email.EmailID}
	input := domain.NewAnalysisContext(email, time.Now().UTC())
	if err := a.Analyze(context.Background(), input, result); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.Label == nil {
		t.Fatal("expected label result")
	}
	return result.Label
}

func TestLabelAnalyzer_Categories(t *testing.T) {
	tests := []struct {
		name     string
		email    domain.EmailIndex
		wantCat  domain.GmailCategory
		wantSpam float64
	}{
		{
			name:    "important label wins outright",
			email:   domain.EmailIndex{EmailID: "e1", Sender: "a@b.com", Labels: []string{"IMPORTANT", "SPAM"}},
			wantCat: domain.GmailImportant,
			// spam label still counted even though important wins
			wantSpam: 0.6,
		},
		{
			name:     "two spam labels saturate to one",
			email:    domain.EmailIndex{EmailID: "e2", Sender: "a@b.com", Labels: []string{"SPAM", "JUNK"}},
			wantCat:  domain.GmailSpam,
			wantSpam: 1.0,
		},
		{
			name:    "promotions label",
			email:   domain.EmailIndex{EmailID: "e3", Sender: "a@b.com", Labels: []string{"CATEGORY_PROMOTIONS"}},
			wantCat: domain.GmailPromotions,
		},
		{
			name:    "social label",
			email:   domain.EmailIndex{EmailID: "e4", Sender: "a@b.com", Labels: []string{"CATEGORY_SOCIAL"}},
			wantCat: domain.GmailSocial,
		},
		{
			name:    "updates fall through thresholds",
			email:   domain.EmailIndex{EmailID: "e5", Sender: "a@b.com", Labels: []string{"CATEGORY_UPDATES"}},
			wantCat: domain.GmailUpdates,
		},
		{
			name:    "no labels means primary",
			email:   domain.EmailIndex{EmailID: "e6", Sender: "a@b.com"},
			wantCat: domain.GmailPrimary,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := analyzeLabels(t, &tt.email)
			if res.GmailCategory != tt.wantCat {
				t.Errorf("gmail category = %v, want %v", res.GmailCategory, tt.wantCat)
			}
			if math.Abs(res.SpamScore-tt.wantSpam) > 1e-9 {
				t.Errorf("spam score = %v, want %v", res.SpamScore, tt.wantSpam)
			}
		})
	}
}

func TestLabelAnalyzer_NoReplyBump(t *testing.T) {
	// The no-reply bump only applies when labels already flagged spam.
	res := analyzeLabels(t, &domain.EmailIndex{
		EmailID: "e1",
		Sender:  "noreply@shady.example.com",
		Labels:  []string{"SPAM"},
	})
	if math.Abs(res.SpamScore-0.8) > 1e-9 {
		t.Errorf("spam score = %v, want 0.8 (0.6 label + 0.2 no-reply)", res.SpamScore)
	}
	wantIndicators := []string{"label:SPAM", "sender:no-reply"}
	if len(res.SpamIndicators) != len(wantIndicators) {
		t.Fatalf("spam indicators = %v, want %v", res.SpamIndicators, wantIndicators)
	}
	for i, w := range wantIndicators {
		if res.SpamIndicators[i] != w {
			t.Errorf("indicator[%d] = %q, want %q", i, res.SpamIndicators[i], w)
		}
	}

	// Without a spam label the no-reply sender alone contributes nothing.
	res = analyzeLabels(t, &domain.EmailIndex{
		EmailID: "e2",
		Sender:  "noreply@shop.example.com",
	})
	if res.SpamScore != 0 {
		t.Errorf("spam score = %v, want 0", res.SpamScore)
	}
}

func TestLabelAnalyzer_UnsubscribeBump(t *testing.T) {
	res := analyzeLabels(t, &domain.EmailIndex{
		EmailID: "e1",
		Sender:  "deals@shop.example.com",
		Labels:  []string{"CATEGORY_PROMOTIONS"},
		Snippet: "Big sale! Click here to Unsubscribe from these offers.",
	})
	if math.Abs(res.PromotionalScore-0.8) > 1e-9 {
		t.Errorf("promotional score = %v, want 0.8 (0.5 label + 0.3 unsubscribe)", res.PromotionalScore)
	}
	found := false
	for _, ind := range res.PromotionalIndicators {
		if ind == "snippet:unsubscribe" {
			found = true
		}
	}
	if !found {
		t.Errorf("promotional indicators = %v, missing snippet:unsubscribe", res.PromotionalIndicators)
	}
}

func TestLabelAnalyzer_HighestScoreWins(t *testing.T) {
	// Spam saturates faster than promotions, so mixed labels land on spam.
	res := analyzeLabels(t, &domain.EmailIndex{
		EmailID: "e1",
		Sender:  "a@b.com",
		Labels:  []string{"SPAM", "CATEGORY_PROMOTIONS"},
	})
	if res.GmailCategory != domain.GmailSpam {
		t.Errorf("gmail category = %v, want spam", res.GmailCategory)
	}
}
