package analyze

import (
	"context"
	"testing"
	"time"

	"keeper_server/core/domain"
)

func analyzeImportance(t *testing.T, config *ImportanceConfig, email *domain.EmailIndex) *domain.ImportanceResult {
	t.Helper()
	a := NewImportanceAnalyzer(config)
	result := &domain.AnalyzedEmail{EmailID: email.EmailID}
	input := domain.NewAnalysisContext(email, time.Now().UTC())
	if err := a.Analyze(context.Background(), input, result); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.Importance == nil {
		t.Fatal("expected importance result")
	}
	return result.Importance
}

func TestImportanceAnalyzer_Levels(t *testing.T) {
	tests := []struct {
		name      string
		email     domain.EmailIndex
		wantScore float64
		wantLevel domain.ImportanceLevel
		wantRules []string
	}{
		{
			name: "urgent subject with important label",
			email: domain.EmailIndex{
				EmailID: "e1",
				Subject: "URGENT: Please review",
				Sender:  "boss@corp.com",
				Labels:  []string{"IMPORTANT"},
			},
			wantScore: 15,
			wantLevel: domain.ImportanceHigh,
			wantRules: []string{"Urgent Keywords", "Important Labels"},
		},
		{
			name: "no-reply newsletter",
			email: domain.EmailIndex{
				EmailID: "e2",
				Subject: "Weekly digest",
				Sender:  "noreply@newsletters.example.com",
			},
			wantScore: -3,
			wantLevel: domain.ImportanceLow,
			wantRules: []string{"No-Reply Sender"},
		},
		{
			name: "plain email matches nothing",
			email: domain.EmailIndex{
				EmailID: "e3",
				Subject: "Lunch tomorrow?",
				Sender:  "friend@example.com",
			},
			wantScore: 0,
			wantLevel: domain.ImportanceMedium,
		},
		{
			name: "large attachment demotes slightly",
			email: domain.EmailIndex{
				EmailID:        "e4",
				Subject:        "Photos",
				Sender:         "friend@example.com",
				Size:           8 * 1024 * 1024,
				HasAttachments: true,
			},
			wantScore: -1,
			wantLevel: domain.ImportanceMedium,
			wantRules: []string{"Large Attachment"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := analyzeImportance(t, nil, &tt.email)
			if res.Score != tt.wantScore {
				t.Errorf("score = %v, want %v", res.Score, tt.wantScore)
			}
			if res.Level != tt.wantLevel {
				t.Errorf("level = %v, want %v", res.Level, tt.wantLevel)
			}
			if len(res.MatchedRules) != len(tt.wantRules) {
				t.Fatalf("matched rules = %v, want %v", res.MatchedRules, tt.wantRules)
			}
			for i, r := range tt.wantRules {
				if res.MatchedRules[i] != r {
					t.Errorf("matched rule[%d] = %q, want %q", i, res.MatchedRules[i], r)
				}
			}
		})
	}
}

func TestImportanceAnalyzer_Confidence(t *testing.T) {
	tests := []struct {
		name  string
		email domain.EmailIndex
		want  float64
	}{
		{
			name:  "no match means zero confidence",
			email: domain.EmailIndex{EmailID: "e1", Subject: "hello", Sender: "a@b.com"},
			want:  0,
		},
		{
			name: "two matches cap at one",
			email: domain.EmailIndex{
				EmailID: "e2",
				Subject: "urgent deadline",
				Sender:  "a@b.com",
				Labels:  []string{"STARRED"},
			},
			// 2 rules * 0.25 + 15/10 caps at 1
			want: 1,
		},
		{
			name:  "single negative match",
			email: domain.EmailIndex{EmailID: "e3", Subject: "promo", Sender: "no-reply@shop.com"},
			// 1 * 0.25 + 3/10
			want: 0.55,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := analyzeImportance(t, nil, &tt.email)
			if diff := res.Confidence - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("confidence = %v, want %v", res.Confidence, tt.want)
			}
		})
	}
}

func TestImportanceAnalyzer_WholeWordKeywords(t *testing.T) {
	// "urgently" must not match the "urgent" keyword; word boundaries apply.
	res := analyzeImportance(t, nil, &domain.EmailIndex{
		EmailID: "e1",
		Subject: "We urgently need nothing",
		Sender:  "a@b.com",
	})
	if res.Score != 0 {
		t.Errorf("score = %v, want 0 (substring must not match)", res.Score)
	}

	res = analyzeImportance(t, nil, &domain.EmailIndex{
		EmailID: "e2",
		Subject: "This is URGENT, read now",
		Sender:  "a@b.com",
	})
	if res.Score != 10 {
		t.Errorf("score = %v, want 10 (case-insensitive whole word)", res.Score)
	}
}

func TestImportanceAnalyzer_VIPDomains(t *testing.T) {
	config := DefaultImportanceConfig()
	for i := range config.Rules {
		if config.Rules[i].ID == "vip-domains" {
			config.Rules[i].Domains = []string{"board.example.com"}
		}
	}

	res := analyzeImportance(t, config, &domain.EmailIndex{
		EmailID: "e1",
		Subject: "Quarterly numbers",
		Sender:  "CFO <cfo@Board.Example.Com>",
	})
	if res.Score != 8 {
		t.Errorf("score = %v, want 8", res.Score)
	}
	if res.Level != domain.ImportanceHigh {
		t.Errorf("level = %v, want high", res.Level)
	}
}

func TestImportanceAnalyzer_UnknownRuleDropped(t *testing.T) {
	config := &ImportanceConfig{
		HighThreshold: 8,
		LowThreshold:  -2,
		Rules: []ImportanceRule{
			{ID: "bogus", Name: "Bogus", Type: RuleType("telepathy"), Weight: 50},
			{ID: "kw", Name: "KW", Type: RuleKeyword, Weight: 10, Keywords: []string{"urgent"}},
		},
	}
	res := analyzeImportance(t, config, &domain.EmailIndex{
		EmailID: "e1",
		Subject: "urgent",
		Sender:  "a@b.com",
	})
	if res.Score != 10 {
		t.Errorf("score = %v, want 10 (unknown rule dropped, known rule kept)", res.Score)
	}
}
