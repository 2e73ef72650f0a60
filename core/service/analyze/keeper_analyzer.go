// Package analyze implements the multi-analyzer categorization pipeline.
//
// Three independent analyzers score each email:
//
//	importance: ordered rule list (keyword/domain/label/noReply/largeAttachment)
//	date/size:  age and size buckets, recency score, size penalty
//	labels:     Gmail category plus spam/promotional/social scores
//
// The orchestrator fans the analyzers out per email, fuses their outputs
// into the final category, and persists everything through the user store.
package analyze

import (
	"context"

	"keeper_server/core/domain"
)

// Analyzer is one deterministic analysis pass over an email context.
// Analyzers are pure: all state is configuration fixed at construction.
type Analyzer interface {
	// Name returns the analyzer name (for logging and insights).
	Name() string

	// Analyze fills its slice of analyzer fields on the result.
	Analyze(ctx context.Context, input *domain.EmailAnalysisContext, result *domain.AnalyzedEmail) error
}

// RuleType is the importance rule kind.
type RuleType string

const (
	RuleKeyword         RuleType = "keyword"
	RuleDomain          RuleType = "domain"
	RuleLabel           RuleType = "label"
	RuleNoReply         RuleType = "noReply"
	RuleLargeAttachment RuleType = "largeAttachment"
)

// ImportanceRule is one configured scoring rule. Weight is signed; negative
// weights demote.
type ImportanceRule struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Type     RuleType `json:"type"`
	Priority int      `json:"priority"`
	Weight   float64  `json:"weight"`

	Keywords []string `json:"keywords,omitempty"`
	Domains  []string `json:"domains,omitempty"`
	Labels   []string `json:"labels,omitempty"`
	MinSize  int64    `json:"min_size,omitempty"`
}

// ImportanceConfig configures the importance analyzer.
type ImportanceConfig struct {
	Rules         []ImportanceRule `json:"rules"`
	HighThreshold float64          `json:"high_threshold"`
	LowThreshold  float64          `json:"low_threshold"`
}

// DefaultImportanceConfig returns the shipped rule set.
func DefaultImportanceConfig() *ImportanceConfig {
	return &ImportanceConfig{
		HighThreshold: 8.0,
		LowThreshold:  -2.0,
		Rules: []ImportanceRule{
			{
				ID: "urgent-keywords", Name: "Urgent Keywords", Type: RuleKeyword,
				Priority: 100, Weight: 10,
				Keywords: []string{"urgent", "critical", "asap", "deadline", "action required"},
			},
			{
				ID: "vip-domains", Name: "VIP Domains", Type: RuleDomain,
				Priority: 90, Weight: 8,
			},
			{
				ID: "important-labels", Name: "Important Labels", Type: RuleLabel,
				Priority: 80, Weight: 5,
				Labels: []string{"IMPORTANT", "STARRED"},
			},
			{
				ID: "no-reply-sender", Name: "No-Reply Sender", Type: RuleNoReply,
				Priority: 40, Weight: -3,
			},
			{
				ID: "large-attachment", Name: "Large Attachment", Type: RuleLargeAttachment,
				Priority: 30, Weight: -1,
				MinSize: 5 * 1024 * 1024,
			},
		},
	}
}

// DateSizeConfig configures the date/size analyzer.
type DateSizeConfig struct {
	RecentDays   int   `json:"recent_days"`
	ModerateDays int   `json:"moderate_days"`
	SmallMax     int64 `json:"small_max_bytes"`
	MediumMax    int64 `json:"medium_max_bytes"`
}

// DefaultDateSizeConfig returns the shipped thresholds.
func DefaultDateSizeConfig() *DateSizeConfig {
	return &DateSizeConfig{
		RecentDays:   30,
		ModerateDays: 365,
		SmallMax:     1 * 1024 * 1024,
		MediumMax:    10 * 1024 * 1024,
	}
}

// LabelConfig configures the label classifier.
type LabelConfig struct {
	ImportantLabels   []string `json:"important_labels"`
	SpamLabels        []string `json:"spam_labels"`
	PromotionalLabels []string `json:"promotional_labels"`
	SocialLabels      []string `json:"social_labels"`
	UpdatesLabels     []string `json:"updates_labels"`
	ForumsLabels      []string `json:"forums_labels"`

	SpamThreshold   float64 `json:"spam_threshold"`
	PromoThreshold  float64 `json:"promo_threshold"`
	SocialThreshold float64 `json:"social_threshold"`
}

// DefaultLabelConfig returns the shipped label sets.
func DefaultLabelConfig() *LabelConfig {
	return &LabelConfig{
		ImportantLabels:   []string{"IMPORTANT", "STARRED"},
		SpamLabels:        []string{"SPAM", "JUNK"},
		PromotionalLabels: []string{"CATEGORY_PROMOTIONS", "PROMOTIONS"},
		SocialLabels:      []string{"CATEGORY_SOCIAL", "SOCIAL"},
		UpdatesLabels:     []string{"CATEGORY_UPDATES", "UPDATES"},
		ForumsLabels:      []string{"CATEGORY_FORUMS", "FORUMS"},
		SpamThreshold:     0.5,
		PromoThreshold:    0.5,
		SocialThreshold:   0.5,
	}
}
