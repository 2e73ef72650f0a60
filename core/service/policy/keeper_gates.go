package policy

import (
	"context"
	"strings"
	"time"

	"keeper_server/core/domain"
	"keeper_server/core/port/out"
)

// checkGates runs the ordered safety gates for one email. The first blocker
// wins: protection gates run before confirmation gates so a protected email
// can never be downgraded to merely needing confirmation.
func (e *Engine) checkGates(ctx context.Context, scope *out.UserScope, policy *domain.CleanupPolicy, email *domain.EmailIndex, summary *domain.AccessSummary, now time.Time) (domain.SafetyVerdict, string) {
	safety := &policy.Safety

	// 1. Important emails.
	if safety.PreserveImportant && email.Category != nil && *email.Category == domain.CategoryHigh {
		return domain.VerdictProtected, "preserve_important"
	}

	// 2. Protected sender domains.
	senderDomain := email.SenderDomain()
	if domainIn(senderDomain, safety.VIPDomains) {
		return domain.VerdictProtected, "vip_domain"
	}
	if domainIn(senderDomain, safety.TrustedDomains) {
		return domain.VerdictProtected, "trusted_domain"
	}
	if domainIn(senderDomain, safety.WhitelistDomains) {
		return domain.VerdictProtected, "whitelist_domain"
	}

	// 3. Critical attachment types.
	if email.HasAttachments && hasAttachmentType(email.AttachmentTypes, safety.CriticalAttachmentTypes) {
		return domain.VerdictProtected, "critical_attachment"
	}

	// 4. Protected labels.
	if anyLabel(email.Labels, safety.ProtectedLabels) {
		return domain.VerdictProtected, "protected_label"
	}

	// 5. Legal keywords.
	if containsKeyword(email.Subject+" "+email.Snippet, safety.LegalKeywords) {
		return domain.VerdictProtected, "legal_keyword"
	}

	// 6. Recent or frequent access.
	if safety.Access.Enabled && summary != nil {
		if summary.AccessScore > safety.Access.MaxAccessScore {
			return domain.VerdictProtected, "access_score"
		}
		if safety.Access.RecentAccessDays > 0 && !summary.LastAccessed.IsZero() {
			cutoff := now.AddDate(0, 0, -safety.Access.RecentAccessDays)
			if summary.LastAccessed.After(cutoff) {
				return domain.VerdictProtected, "recent_access"
			}
		}
	}

	// 7. Active thread.
	if safety.Thread.Enabled && email.ThreadID != "" {
		count, lastMessage, err := scope.Store.GetThreadActivity(ctx, email.ThreadID)
		if err == nil && count >= safety.Thread.MinThreadMessages {
			cutoff := now.AddDate(0, 0, -safety.Thread.RecentReplyDays)
			if lastMessage.After(cutoff) {
				return domain.VerdictProtected, "active_thread"
			}
		}
	}

	// 8. Unusual size.
	if safety.Size.Enabled {
		if safety.Size.LargeEmailThreshold > 0 && email.Size > safety.Size.LargeEmailThreshold {
			return domain.VerdictRequiresConfirmation, "large_email"
		}
		if safety.Size.UnusualSizeMultiplier > 0 {
			mean, err := scope.Store.GetSenderMeanSize(ctx, email.Sender)
			if err == nil && mean > 0 && float64(email.Size) > float64(mean)*safety.Size.UnusualSizeMultiplier {
				return domain.VerdictRequiresConfirmation, "unusual_size"
			}
		}
	}

	if safety.RequireConfirmation {
		return domain.VerdictRequiresConfirmation, "confirmation_required"
	}
	return domain.VerdictClear, ""
}

// hasAttachmentType reports whether any attachment extension is listed,
// case-insensitive, tolerating a leading dot in the configuration.
func hasAttachmentType(types, protected []string) bool {
	for _, p := range protected {
		p = strings.ToLower(strings.TrimPrefix(p, "."))
		for _, t := range types {
			if strings.ToLower(t) == p {
				return true
			}
		}
	}
	return false
}

// containsKeyword does a case-insensitive substring scan.
func containsKeyword(text string, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
