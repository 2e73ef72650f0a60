package domain

import (
	"fmt"
	"time"
)

// EmailAnalysisContext is the analyzer input: the email plus derived fields
// computed once so analyzers stay pure.
type EmailAnalysisContext struct {
	Email        *EmailIndex
	SenderDomain string
	SenderLocal  string
	AgeDays      int
	Now          time.Time
}

// NewAnalysisContext derives the context for one email.
func NewAnalysisContext(email *EmailIndex, now time.Time) *EmailAnalysisContext {
	ageDays := -1
	if !email.Date.IsZero() {
		ageDays = int(now.Sub(email.Date).Hours() / 24)
		if ageDays < 0 {
			ageDays = 0
		}
	}
	return &EmailAnalysisContext{
		Email:        email,
		SenderDomain: email.SenderDomain(),
		SenderLocal:  AddressLocalPart(email.Sender),
		AgeDays:      ageDays,
		Now:          now,
	}
}

// ImportanceResult is the importance analyzer output.
type ImportanceResult struct {
	Score        float64         `json:"score"`
	Level        ImportanceLevel `json:"level"`
	MatchedRules []string        `json:"matched_rules,omitempty"`
	Confidence   float64         `json:"confidence"`
}

// DateSizeResult is the date/size analyzer output.
type DateSizeResult struct {
	AgeDays      int          `json:"age_days"`
	AgeCategory  AgeCategory  `json:"age_category"`
	SizeCategory SizeCategory `json:"size_category"`
	RecencyScore float64      `json:"recency_score"`
	SizePenalty  float64      `json:"size_penalty"`
}

// LabelResult is the label classifier output.
type LabelResult struct {
	GmailCategory         GmailCategory `json:"gmail_category"`
	SpamScore             float64       `json:"spam_score"`
	PromotionalScore      float64       `json:"promotional_score"`
	SocialScore           float64       `json:"social_score"`
	SpamIndicators        []string      `json:"spam_indicators,omitempty"`
	PromotionalIndicators []string      `json:"promotional_indicators,omitempty"`
	SocialIndicators      []string      `json:"social_indicators,omitempty"`
}

// AnalyzedEmail bundles all analyzer outputs for one email plus the fused
// category.
type AnalyzedEmail struct {
	EmailID    string            `json:"email_id"`
	Category   Category          `json:"category"`
	Importance *ImportanceResult `json:"importance,omitempty"`
	DateSize   *DateSizeResult   `json:"date_size,omitempty"`
	Label      *LabelResult      `json:"label,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// AnalyzerInsights summarizes a categorization run.
type AnalyzerInsights struct {
	TopImportanceRules []string             `json:"top_importance_rules,omitempty"`
	SpamDetectionRate  float64              `json:"spam_detection_rate"`
	AvgConfidence      float64              `json:"avg_confidence"`
	AgeDistribution    map[AgeCategory]int  `json:"age_distribution"`
	SizeDistribution   map[SizeCategory]int `json:"size_distribution"`
}

// CategorizationResult is the orchestrator's run summary.
type CategorizationResult struct {
	Processed  int              `json:"processed"`
	Errors     int              `json:"errors"`
	Categories map[Category]int `json:"categories"`
	Emails     []AnalyzedEmail  `json:"emails,omitempty"`
	Insights   AnalyzerInsights `json:"analyzer_insights"`
}

// StalenessRecommendation is what the staleness scorer suggests.
type StalenessRecommendation string

const (
	RecommendKeep    StalenessRecommendation = "keep"
	RecommendArchive StalenessRecommendation = "archive"
	RecommendDelete  StalenessRecommendation = "delete"
)

// StalenessWeights are the staleness scorer's only public tuning knob.
// They must sum to 1.
type StalenessWeights struct {
	Age        float64 `json:"age"`
	Importance float64 `json:"importance"`
	Size       float64 `json:"size"`
	Spam       float64 `json:"spam"`
	Access     float64 `json:"access"`
}

// weightSumTolerance absorbs float addition error.
const weightSumTolerance = 1e-6

// Validate rejects weight sets that do not sum to 1.
func (w StalenessWeights) Validate() error {
	sum := w.Age + w.Importance + w.Size + w.Spam + w.Access
	if sum < 1-weightSumTolerance || sum > 1+weightSumTolerance {
		return fmt.Errorf("staleness weights must sum to 1, got %v", sum)
	}
	for name, v := range map[string]float64{
		"age": w.Age, "importance": w.Importance, "size": w.Size,
		"spam": w.Spam, "access": w.Access,
	} {
		if v < 0 {
			return fmt.Errorf("staleness weight %s must be >= 0", name)
		}
	}
	return nil
}

// DefaultStalenessWeights returns the shipped weight set.
func DefaultStalenessWeights() StalenessWeights {
	return StalenessWeights{
		Age:        0.30,
		Importance: 0.25,
		Size:       0.10,
		Spam:       0.15,
		Access:     0.20,
	}
}

// StalenessResult is the staleness scorer output for one email.
type StalenessResult struct {
	EmailID        string                  `json:"email_id"`
	TotalScore     float64                 `json:"total_score"`
	Factors        map[string]float64      `json:"factors"`
	Recommendation StalenessRecommendation `json:"recommendation"`
	Confidence     float64                 `json:"confidence"`
}
