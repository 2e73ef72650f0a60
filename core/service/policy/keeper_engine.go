// Package policy implements the cleanup policy engine: policy CRUD with
// validation, per-email evaluation against the safety gates, and batch
// candidate selection for the cleanup executor.
package policy

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"keeper_server/core/domain"
	"keeper_server/core/port/out"
	"keeper_server/core/service/staleness"
	"keeper_server/pkg/apperr"
)

// cronParser accepts standard 5-field expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// EngineConfig tunes batch evaluation.
type EngineConfig struct {
	// DefaultMaxEmails caps a batch evaluation when the caller gives no cap.
	DefaultMaxEmails int `json:"default_max_emails"`
}

// DefaultEngineConfig returns the shipped configuration.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{DefaultMaxEmails: 1000}
}

// Engine is the policy engine. The staleness scorer backs the delete
// eligibility check and the min-staleness gate.
type Engine struct {
	config *EngineConfig
	scorer *staleness.Scorer
	logger zerolog.Logger
}

// NewEngine creates the engine.
func NewEngine(config *EngineConfig, scorer *staleness.Scorer) *Engine {
	if config == nil {
		config = DefaultEngineConfig()
	}
	return &Engine{
		config: config,
		scorer: scorer,
		logger: log.With().Str("component", "policy_engine").Logger(),
	}
}

// =============================================================================
// Policy CRUD
// =============================================================================

// CreatePolicy validates and persists a new policy, returning its id.
func (e *Engine) CreatePolicy(ctx context.Context, scope *out.UserScope, policy *domain.CleanupPolicy) (uuid.UUID, error) {
	if err := e.validate(policy); err != nil {
		return uuid.Nil, err
	}
	if existing, err := scope.Store.GetPolicyByName(ctx, policy.Name); err == nil && existing != nil {
		return uuid.Nil, apperr.Conflict("policy name already in use: " + policy.Name)
	}

	policy.ID = uuid.New()
	policy.UserID = scope.UserID
	now := time.Now().UTC()
	policy.CreatedAt = now
	policy.UpdatedAt = now

	if err := scope.Store.CreatePolicy(ctx, policy); err != nil {
		return uuid.Nil, apperr.DatabaseError("failed to create policy", err)
	}
	e.logger.Info().Str("policy_id", policy.ID.String()).Str("name", policy.Name).Msg("policy created")
	return policy.ID, nil
}

// UpdatePolicy validates and persists changes to an existing policy.
func (e *Engine) UpdatePolicy(ctx context.Context, scope *out.UserScope, policy *domain.CleanupPolicy) error {
	if policy.ID == uuid.Nil {
		return apperr.MissingField("policy_id")
	}
	if err := e.validate(policy); err != nil {
		return err
	}
	if _, err := scope.Store.GetPolicy(ctx, policy.ID); err != nil {
		return err
	}

	policy.UpdatedAt = time.Now().UTC()
	if err := scope.Store.UpdatePolicy(ctx, policy); err != nil {
		return apperr.DatabaseError("failed to update policy", err)
	}
	return nil
}

// DeletePolicy removes a policy.
func (e *Engine) DeletePolicy(ctx context.Context, scope *out.UserScope, policyID uuid.UUID) error {
	if err := scope.Store.DeletePolicy(ctx, policyID); err != nil {
		return apperr.DatabaseError("failed to delete policy", err)
	}
	return nil
}

// GetActivePolicies returns enabled policies sorted by priority descending.
func (e *Engine) GetActivePolicies(ctx context.Context, scope *out.UserScope) ([]*domain.CleanupPolicy, error) {
	policies, err := scope.Store.ListPolicies(ctx, true)
	if err != nil {
		return nil, apperr.DatabaseError("failed to list policies", err)
	}
	sort.SliceStable(policies, func(i, j int) bool {
		return policies[i].Priority > policies[j].Priority
	})
	return policies, nil
}

// validate runs structural checks plus schedule syntax checks the domain
// cannot do on its own.
func (e *Engine) validate(policy *domain.CleanupPolicy) error {
	if err := policy.Validate(); err != nil {
		return apperr.InvalidParams(err.Error())
	}
	if s := policy.Schedule; s != nil && s.Kind == domain.TriggerCron {
		if _, err := cronParser.Parse(s.CronExpr); err != nil {
			return apperr.InvalidField("cron_expr", err.Error())
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return apperr.InvalidField("timezone", err.Error())
			}
		}
	}
	return nil
}

// =============================================================================
// Evaluation
// =============================================================================

// EvaluateEmail runs the email through the given policies in priority order.
// The first policy whose criteria match and whose gates clear (or demand
// confirmation) wins. Protected matches are recorded as reasons and skipped.
func (e *Engine) EvaluateEmail(ctx context.Context, scope *out.UserScope, email *domain.EmailIndex, policies []*domain.CleanupPolicy) (*domain.PolicyEvaluation, error) {
	eval := &domain.PolicyEvaluation{Verdict: domain.VerdictClear}

	summary, _ := scope.Store.GetAccessSummary(ctx, email.EmailID)
	now := time.Now().UTC()

	sorted := make([]*domain.CleanupPolicy, len(policies))
	copy(sorted, policies)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	for _, policy := range sorted {
		if !policy.Enabled {
			continue
		}
		if !matchesCriteria(email, &policy.Criteria, summary, now) {
			continue
		}

		verdict, reason := e.checkGates(ctx, scope, policy, email, summary, now)
		switch verdict {
		case domain.VerdictProtected:
			eval.Reasons = append(eval.Reasons, policy.Name+": "+reason)
			eval.Verdict = domain.VerdictProtected
			continue
		case domain.VerdictRequiresConfirmation:
			id := policy.ID
			eval.MatchedPolicy = &id
			eval.Verdict = domain.VerdictRequiresConfirmation
			eval.Reasons = append(eval.Reasons, reason)
			return eval, nil
		default:
			id := policy.ID
			eval.MatchedPolicy = &id
			eval.Verdict = domain.VerdictClear
			eval.Reasons = nil
			return eval, nil
		}
	}
	return eval, nil
}

// BatchOptions bound one batch evaluation.
type BatchOptions struct {
	MaxEmails int `json:"max_emails"`
}

// EvaluateBatch builds the candidate set for one policy. Every selected
// email carries its verdict; the clear subset is what the executor acts on.
func (e *Engine) EvaluateBatch(ctx context.Context, scope *out.UserScope, policy *domain.CleanupPolicy, opts BatchOptions) (*domain.CandidateSet, error) {
	maxEmails := opts.MaxEmails
	if maxEmails <= 0 {
		maxEmails = e.config.DefaultMaxEmails
	}

	archived := false
	criteria := &domain.SearchCriteria{
		Archived: &archived,
		SizeMin:  policy.Criteria.SizeMin,
		Limit:    maxEmails,
	}
	emails, err := scope.Store.SearchEmails(ctx, criteria)
	if err != nil {
		return nil, apperr.DatabaseError("failed to load candidate emails", err)
	}
	return e.EvaluateEmails(ctx, scope, policy, emails)
}

// EvaluateEmails runs criteria matching and the safety gates over a
// caller-supplied email list. Used by EvaluateBatch and by direct tool
// operations that select candidates with their own search criteria.
func (e *Engine) EvaluateEmails(ctx context.Context, scope *out.UserScope, policy *domain.CleanupPolicy, emails []*domain.EmailIndex) (*domain.CandidateSet, error) {
	ids := make([]string, len(emails))
	for i, email := range emails {
		ids[i] = email.EmailID
	}
	summaries, err := scope.Store.GetAccessSummaries(ctx, ids)
	if err != nil {
		summaries = nil
	}

	set := &domain.CandidateSet{PolicyID: policy.ID}
	now := time.Now().UTC()

	for _, email := range emails {
		summary := summaries[email.EmailID]
		if !matchesCriteria(email, &policy.Criteria, summary, now) {
			continue
		}

		verdict, reason := e.checkGates(ctx, scope, policy, email, summary, now)
		if verdict == domain.VerdictClear && policy.Action.Type == domain.ActionDelete {
			// Deletion additionally requires the staleness scorer to agree.
			if v, r := e.checkStaleness(email, summary, policy, now); v != domain.VerdictClear {
				verdict, reason = v, r
			}
		}
		set.Candidates = append(set.Candidates, domain.Candidate{
			Email:   email,
			Verdict: verdict,
			Reason:  reason,
		})
	}

	e.applyBulkThreshold(set, policy)
	if err := e.applyDeletionBudget(ctx, scope, set, policy, now); err != nil {
		return nil, err
	}
	return set, nil
}

// checkStaleness holds back deletions the scorer does not endorse.
func (e *Engine) checkStaleness(email *domain.EmailIndex, summary *domain.AccessSummary, policy *domain.CleanupPolicy, now time.Time) (domain.SafetyVerdict, string) {
	if e.scorer == nil {
		return domain.VerdictClear, ""
	}
	result := e.scorer.Score(email, summary, now)
	if policy.Safety.MinStalenessScore > 0 && result.TotalScore < policy.Safety.MinStalenessScore {
		return domain.VerdictProtected, "below_min_staleness"
	}
	if result.Recommendation == domain.RecommendKeep {
		return domain.VerdictProtected, "staleness_keep"
	}
	return domain.VerdictClear, ""
}

// applyBulkThreshold demands confirmation when one run would touch more
// emails than the policy's bulk threshold.
func (e *Engine) applyBulkThreshold(set *domain.CandidateSet, policy *domain.CleanupPolicy) {
	threshold := policy.Safety.BulkThreshold
	if threshold <= 0 {
		return
	}
	clear := 0
	for _, c := range set.Candidates {
		if c.Verdict == domain.VerdictClear {
			clear++
		}
	}
	if clear <= threshold {
		return
	}
	for i := range set.Candidates {
		if set.Candidates[i].Verdict == domain.VerdictClear {
			set.Candidates[i].Verdict = domain.VerdictRequiresConfirmation
			set.Candidates[i].Reason = "bulk_threshold"
		}
	}
}

// applyDeletionBudget truncates the clear set to the remaining rolling
// hourly and daily deletion budget, counted from the audit log.
func (e *Engine) applyDeletionBudget(ctx context.Context, scope *out.UserScope, set *domain.CandidateSet, policy *domain.CleanupPolicy, now time.Time) error {
	if policy.Action.Type != domain.ActionDelete {
		return nil
	}
	limits := policy.Safety.Limits
	if limits.MaxPerHour <= 0 && limits.MaxPerDay <= 0 {
		return nil
	}

	remaining := int64(1<<62 - 1)
	if limits.MaxPerHour > 0 {
		used, err := scope.Store.CountDeletionsSince(ctx, &policy.ID, now.Add(-time.Hour))
		if err != nil {
			return apperr.DatabaseError("failed to count hourly deletions", err)
		}
		if r := int64(limits.MaxPerHour) - used; r < remaining {
			remaining = r
		}
	}
	if limits.MaxPerDay > 0 {
		used, err := scope.Store.CountDeletionsSince(ctx, &policy.ID, now.Add(-24*time.Hour))
		if err != nil {
			return apperr.DatabaseError("failed to count daily deletions", err)
		}
		if r := int64(limits.MaxPerDay) - used; r < remaining {
			remaining = r
		}
	}
	if remaining < 0 {
		remaining = 0
	}

	var clear int64
	for i := range set.Candidates {
		if set.Candidates[i].Verdict != domain.VerdictClear {
			continue
		}
		clear++
		if clear > remaining {
			set.Candidates[i].Verdict = domain.VerdictRequiresConfirmation
			set.Candidates[i].Reason = "deletion_budget"
			set.Truncated = true
		}
	}
	return nil
}
