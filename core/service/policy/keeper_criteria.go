package policy

import (
	"strings"
	"time"

	"keeper_server/core/domain"
)

// importanceRank orders levels for importance_level_max comparison.
func importanceRank(level domain.ImportanceLevel) int {
	switch level {
	case domain.ImportanceLow:
		return 0
	case domain.ImportanceMedium:
		return 1
	case domain.ImportanceHigh:
		return 2
	}
	return 1
}

// matchesCriteria reports whether an email satisfies every set constraint.
// Nil constraints never exclude.
func matchesCriteria(email *domain.EmailIndex, criteria *domain.PolicyCriteria, summary *domain.AccessSummary, now time.Time) bool {
	if criteria.AgeDaysMin != nil {
		if email.Date.IsZero() {
			return false
		}
		ageDays := int(now.Sub(email.Date).Hours() / 24)
		if ageDays < *criteria.AgeDaysMin {
			return false
		}
	}

	if criteria.ImportanceLevelMax != nil {
		level := domain.ImportanceMedium
		if email.ImportanceLevel != nil {
			level = *email.ImportanceLevel
		}
		if importanceRank(level) > importanceRank(*criteria.ImportanceLevelMax) {
			return false
		}
	}

	if criteria.SpamScoreMin != nil {
		if email.SpamScore == nil || *email.SpamScore < *criteria.SpamScoreMin {
			return false
		}
	}
	if criteria.PromotionalScoreMin != nil {
		if email.PromotionalScore == nil || *email.PromotionalScore < *criteria.PromotionalScoreMin {
			return false
		}
	}

	if criteria.AccessScoreMax != nil {
		score := 0.0
		if summary != nil {
			score = summary.AccessScore
		}
		if score > *criteria.AccessScoreMax {
			return false
		}
	}

	if criteria.SizeMin != nil && email.Size < *criteria.SizeMin {
		return false
	}

	if len(criteria.LabelInclude) > 0 && !anyLabel(email.Labels, criteria.LabelInclude) {
		return false
	}
	if len(criteria.LabelExclude) > 0 && anyLabel(email.Labels, criteria.LabelExclude) {
		return false
	}

	if len(criteria.SenderDomainInclude) > 0 && !domainIn(email.SenderDomain(), criteria.SenderDomainInclude) {
		return false
	}
	if len(criteria.SenderDomainExclude) > 0 && domainIn(email.SenderDomain(), criteria.SenderDomainExclude) {
		return false
	}

	return true
}

// anyLabel reports whether any of wanted appears in labels, case-insensitive.
func anyLabel(labels, wanted []string) bool {
	for _, w := range wanted {
		for _, l := range labels {
			if strings.EqualFold(l, w) {
				return true
			}
		}
	}
	return false
}

// domainIn matches a sender domain against a configured list, allowing
// subdomains of listed domains.
func domainIn(domain string, list []string) bool {
	for _, d := range list {
		d = strings.ToLower(d)
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}
