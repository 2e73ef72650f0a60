package analyze

import (
	"context"
	"math"
	"strings"

	"keeper_server/core/domain"
)

// LabelAnalyzer maps Gmail labels to a category and derives spam,
// promotional, and social scores with indicator strings explaining each.
type LabelAnalyzer struct {
	config      *LabelConfig
	important   map[string]bool
	spam        map[string]bool
	promotional map[string]bool
	social      map[string]bool
	updates     map[string]bool
	forums      map[string]bool
}

// NewLabelAnalyzer creates the analyzer.
func NewLabelAnalyzer(config *LabelConfig) *LabelAnalyzer {
	if config == nil {
		config = DefaultLabelConfig()
	}
	return &LabelAnalyzer{
		config:      config,
		important:   labelSet(config.ImportantLabels),
		spam:        labelSet(config.SpamLabels),
		promotional: labelSet(config.PromotionalLabels),
		social:      labelSet(config.SocialLabels),
		updates:     labelSet(config.UpdatesLabels),
		forums:      labelSet(config.ForumsLabels),
	}
}

func labelSet(labels []string) map[string]bool {
	m := make(map[string]bool, len(labels))
	for _, l := range labels {
		m[strings.ToLower(l)] = true
	}
	return m
}

func (a *LabelAnalyzer) Name() string { return "labels" }

func (a *LabelAnalyzer) Analyze(_ context.Context, input *domain.EmailAnalysisContext, result *domain.AnalyzedEmail) error {
	res := &domain.LabelResult{GmailCategory: domain.GmailPrimary}

	var spamHits, promoHits, socialHits int
	var hasImportant, hasUpdates, hasForums bool

	for _, raw := range input.Email.Labels {
		l := strings.ToLower(raw)
		switch {
		case a.important[l]:
			hasImportant = true
		case a.spam[l]:
			spamHits++
			res.SpamIndicators = append(res.SpamIndicators, "label:"+raw)
		case a.promotional[l]:
			promoHits++
			res.PromotionalIndicators = append(res.PromotionalIndicators, "label:"+raw)
		case a.social[l]:
			socialHits++
			res.SocialIndicators = append(res.SocialIndicators, "label:"+raw)
		case a.updates[l]:
			hasUpdates = true
		case a.forums[l]:
			hasForums = true
		}
	}

	res.SpamScore = saturate(spamHits, 0.6)
	res.PromotionalScore = saturate(promoHits, 0.5)
	res.SocialScore = saturate(socialHits, 0.6)

	// Heuristic bumps beyond labels.
	if noReplyPattern.MatchString(input.SenderLocal) && res.SpamScore > 0 {
		res.SpamScore = math.Min(1, res.SpamScore+0.2)
		res.SpamIndicators = append(res.SpamIndicators, "sender:no-reply")
	}
	if strings.Contains(strings.ToLower(input.Email.Snippet), "unsubscribe") {
		res.PromotionalScore = math.Min(1, res.PromotionalScore+0.3)
		res.PromotionalIndicators = append(res.PromotionalIndicators, "snippet:unsubscribe")
	}

	res.GmailCategory = a.pickCategory(res, hasImportant, hasUpdates, hasForums)

	result.Label = res
	return nil
}

// pickCategory chooses the label class with the highest score above its
// threshold. Important wins outright; updates/forums are label-driven.
func (a *LabelAnalyzer) pickCategory(res *domain.LabelResult, hasImportant, hasUpdates, hasForums bool) domain.GmailCategory {
	if hasImportant {
		return domain.GmailImportant
	}

	best := domain.GmailPrimary
	bestScore := 0.0
	if res.SpamScore >= a.config.SpamThreshold && res.SpamScore > bestScore {
		best, bestScore = domain.GmailSpam, res.SpamScore
	}
	if res.PromotionalScore >= a.config.PromoThreshold && res.PromotionalScore > bestScore {
		best, bestScore = domain.GmailPromotions, res.PromotionalScore
	}
	if res.SocialScore >= a.config.SocialThreshold && res.SocialScore > bestScore {
		best, bestScore = domain.GmailSocial, res.SocialScore
	}
	if best != domain.GmailPrimary {
		return best
	}

	if hasUpdates {
		return domain.GmailUpdates
	}
	if hasForums {
		return domain.GmailForums
	}
	return domain.GmailPrimary
}

// saturate converts a hit count into a score that approaches 1.
func saturate(hits int, step float64) float64 {
	return math.Min(1, float64(hits)*step)
}
