package analyze

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"keeper_server/core/domain"
	"keeper_server/core/port/out"
	"keeper_server/pkg/apperr"
	"keeper_server/pkg/cache"
)

// =============================================================================
// Categorization Orchestrator
// =============================================================================

// OrchestratorConfig configures the categorization run.
type OrchestratorConfig struct {
	EnableParallel bool          `json:"enable_parallel_processing"`
	MaxConcurrent  int           `json:"max_concurrent"`
	BatchSize      int           `json:"batch_size"`
	OpTimeout      time.Duration `json:"op_timeout"`
	RetryAttempts  int           `json:"retry_attempts"`

	CacheEnabled bool          `json:"cache_enabled"`
	CacheTTL     time.Duration `json:"cache_ttl"`

	// Fusion thresholds
	SpamThreshold  float64 `json:"spam_threshold"`
	PromoThreshold float64 `json:"promo_threshold"`

	// LockWait bounds how long a run waits for the user cleanup lock
	// before persisting analyzer fields.
	LockWait time.Duration `json:"lock_wait"`
}

// DefaultOrchestratorConfig returns the shipped configuration.
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		EnableParallel: true,
		MaxConcurrent:  8,
		BatchSize:      100,
		OpTimeout:      5 * time.Second,
		RetryAttempts:  1,
		CacheEnabled:   true,
		CacheTTL:       10 * time.Minute,
		SpamThreshold:  0.5,
		PromoThreshold: 0.5,
		LockWait:       30 * time.Second,
	}
}

// CategorizeOptions are the per-run parameters.
type CategorizeOptions struct {
	ForceRefresh bool `json:"force_refresh"`
	Year         *int `json:"year,omitempty"`
}

// Orchestrator coordinates the three analyzers, fuses their outputs, and
// persists the results. Analyzers are injected once at construction and
// never mutated afterwards.
type Orchestrator struct {
	config     *OrchestratorConfig
	importance Analyzer
	dateSize   Analyzer
	labels     Analyzer
	cache      out.AnalysisCache
	lock       out.CleanupLock
	logger     zerolog.Logger
}

// NewOrchestrator wires the pipeline. cache and lock may be nil.
func NewOrchestrator(config *OrchestratorConfig, importance, dateSize, labels Analyzer, analysisCache out.AnalysisCache, lock out.CleanupLock) *Orchestrator {
	if config == nil {
		config = DefaultOrchestratorConfig()
	}
	return &Orchestrator{
		config:     config,
		importance: importance,
		dateSize:   dateSize,
		labels:     labels,
		cache:      analysisCache,
		lock:       lock,
		logger:     log.With().Str("component", "categorization_orchestrator").Logger(),
	}
}

// Categorize runs the pipeline over the user's candidate emails.
// Per-email failures are recovered locally: the email is skipped and
// counted, the run continues.
func (o *Orchestrator) Categorize(ctx context.Context, scope *out.UserScope, opts CategorizeOptions, onProgress func(done, total int)) (*domain.CategorizationResult, error) {
	criteria := &domain.SearchCriteria{
		UnanalyzedOnly: !opts.ForceRefresh,
		Year:           opts.Year,
	}
	candidates, err := scope.Store.SearchEmails(ctx, criteria)
	if err != nil {
		return nil, apperr.DatabaseError("failed to load categorization candidates", err)
	}

	result := &domain.CategorizationResult{
		Categories: map[domain.Category]int{
			domain.CategoryHigh: 0, domain.CategoryMedium: 0, domain.CategoryLow: 0,
		},
		Insights: domain.AnalyzerInsights{
			AgeDistribution:  make(map[domain.AgeCategory]int),
			SizeDistribution: make(map[domain.SizeCategory]int),
		},
	}
	if len(candidates) == 0 {
		return result, nil
	}

	now := time.Now().UTC()
	analyzed := make([]*domain.AnalyzedEmail, len(candidates))

	if o.config.EnableParallel {
		sem := make(chan struct{}, o.config.MaxConcurrent)
		var wg sync.WaitGroup
		for i, email := range candidates {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, email *domain.EmailIndex) {
				defer wg.Done()
				defer func() { <-sem }()
				analyzed[i] = o.analyzeOne(ctx, scope.UserID.String(), email, now)
			}(i, email)
		}
		wg.Wait()
	} else {
		for i, email := range candidates {
			analyzed[i] = o.analyzeOne(ctx, scope.UserID.String(), email, now)
			if onProgress != nil {
				onProgress(i+1, len(candidates))
			}
		}
	}

	// Persistence waits for any in-flight cleanup run on this user.
	if err := o.waitCleanupLock(ctx, scope.UserID.String()); err != nil {
		return nil, err
	}

	updated := make([]*domain.EmailIndex, 0, len(candidates))
	for i, email := range candidates {
		a := analyzed[i]
		if a == nil || a.Error != "" {
			result.Errors++
			continue
		}
		applyAnalysis(email, a, now)
		updated = append(updated, email)
	}

	for start := 0; start < len(updated); start += o.config.BatchSize {
		end := start + o.config.BatchSize
		if end > len(updated) {
			end = len(updated)
		}
		batch := updated[start:end]
		if err := scope.Store.BulkUpsertEmails(ctx, batch); err != nil {
			// Retry row by row so one bad row does not sink the batch.
			for _, row := range batch {
				if rowErr := scope.Store.UpsertEmail(ctx, row); rowErr != nil {
					o.logger.Error().Str("email_id", row.EmailID).Err(rowErr).Msg("failed to persist analysis")
					result.Errors++
					markFailed(analyzed, row.EmailID, rowErr)
				}
			}
		}
		if onProgress != nil {
			onProgress(end, len(updated))
		}
	}

	o.summarize(result, analyzed)
	return result, nil
}

// analyzeOne runs the three analyzers for one email under the per-op
// timeout. Never returns nil.
func (o *Orchestrator) analyzeOne(ctx context.Context, userID string, email *domain.EmailIndex, now time.Time) *domain.AnalyzedEmail {
	cacheKey := cache.Key(userID, "categorize", email.EmailID+":"+domain.AnalysisVersion)
	if o.config.CacheEnabled && o.cache != nil {
		var cached domain.AnalyzedEmail
		if o.cache.GetJSON(ctx, cacheKey, &cached) && cached.EmailID == email.EmailID {
			return &cached
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, o.config.OpTimeout)
	defer cancel()

	result := &domain.AnalyzedEmail{EmailID: email.EmailID}
	input := domain.NewAnalysisContext(email, now)

	for _, analyzer := range []Analyzer{o.importance, o.dateSize, o.labels} {
		if err := analyzer.Analyze(opCtx, input, result); err != nil {
			if opCtx.Err() != nil {
				result.Error = apperr.CodeTimeout
				o.logger.Warn().Str("email_id", email.EmailID).Str("analyzer", analyzer.Name()).Msg("analysis timed out")
				return result
			}
			// One analyzer failing degrades the result, it does not void it.
			o.logger.Warn().Str("email_id", email.EmailID).Str("analyzer", analyzer.Name()).Err(err).Msg("analyzer failed")
		}
	}

	result.Category = o.fuse(result)

	if o.config.CacheEnabled && o.cache != nil {
		_ = o.cache.SetJSON(ctx, cacheKey, result, o.config.CacheTTL)
	}
	return result
}

// fuse produces the final category. Importance dominates; spam, promotional
// or extreme size demote only when importance is already low.
func (o *Orchestrator) fuse(a *domain.AnalyzedEmail) domain.Category {
	impLevel := domain.ImportanceMedium
	if a.Importance != nil {
		impLevel = a.Importance.Level
	}
	gmailCat := domain.GmailPrimary
	var spam, promo, sizePenalty float64
	if a.Label != nil {
		gmailCat = a.Label.GmailCategory
		spam = a.Label.SpamScore
		promo = a.Label.PromotionalScore
	}
	if a.DateSize != nil {
		sizePenalty = a.DateSize.SizePenalty
	}

	if impLevel == domain.ImportanceHigh || gmailCat == domain.GmailImportant {
		return domain.CategoryHigh
	}
	if impLevel == domain.ImportanceLow &&
		(spam >= o.config.SpamThreshold || promo >= o.config.PromoThreshold || sizePenalty >= 0.9) {
		return domain.CategoryLow
	}
	return domain.CategoryMedium
}

func (o *Orchestrator) waitCleanupLock(ctx context.Context, userID string) error {
	if o.lock == nil {
		return nil
	}
	deadline := time.Now().Add(o.config.LockWait)
	for {
		held, err := o.lock.Held(ctx, userID)
		if err != nil || !held {
			return nil // lock backend failure degrades to no serialization
		}
		if time.Now().After(deadline) {
			return apperr.Timeout("timed out waiting for cleanup to finish")
		}
		select {
		case <-ctx.Done():
			return apperr.Cancelled("categorization cancelled")
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// applyAnalysis copies analyzer output onto the index row.
func applyAnalysis(email *domain.EmailIndex, a *domain.AnalyzedEmail, now time.Time) {
	if imp := a.Importance; imp != nil {
		email.ImportanceScore = &imp.Score
		level := imp.Level
		email.ImportanceLevel = &level
		email.ImportanceMatchedRules = imp.MatchedRules
		email.ImportanceConfidence = &imp.Confidence
	}
	if ds := a.DateSize; ds != nil {
		age, size := ds.AgeCategory, ds.SizeCategory
		email.AgeCategory = &age
		email.SizeCategory = &size
		email.RecencyScore = &ds.RecencyScore
		email.SizePenalty = &ds.SizePenalty
	}
	if lb := a.Label; lb != nil {
		gc := lb.GmailCategory
		email.GmailCategory = &gc
		email.SpamScore = &lb.SpamScore
		email.PromotionalScore = &lb.PromotionalScore
		email.SocialScore = &lb.SocialScore
		email.SpamIndicators = lb.SpamIndicators
		email.PromotionalIndicators = lb.PromotionalIndicators
		email.SocialIndicators = lb.SocialIndicators
	}
	cat := a.Category
	version := domain.AnalysisVersion
	ts := now
	email.Category = &cat
	email.AnalysisVersion = &version
	email.AnalysisTimestamp = &ts
}

func markFailed(analyzed []*domain.AnalyzedEmail, emailID string, err error) {
	for _, a := range analyzed {
		if a != nil && a.EmailID == emailID {
			a.Error = err.Error()
			return
		}
	}
}

// summarize fills counts and insights from the per-email results.
func (o *Orchestrator) summarize(result *domain.CategorizationResult, analyzed []*domain.AnalyzedEmail) {
	ruleHits := make(map[string]int)
	var confidenceSum float64
	var spamHits int

	for _, a := range analyzed {
		if a == nil || a.Error != "" {
			continue
		}
		result.Processed++
		result.Categories[a.Category]++
		result.Emails = append(result.Emails, *a)

		if a.Importance != nil {
			confidenceSum += a.Importance.Confidence
			for _, r := range a.Importance.MatchedRules {
				ruleHits[r]++
			}
		}
		if a.DateSize != nil {
			result.Insights.AgeDistribution[a.DateSize.AgeCategory]++
			result.Insights.SizeDistribution[a.DateSize.SizeCategory]++
		}
		if a.Label != nil && a.Label.GmailCategory == domain.GmailSpam {
			spamHits++
		}
	}

	if result.Processed > 0 {
		result.Insights.AvgConfidence = confidenceSum / float64(result.Processed)
		result.Insights.SpamDetectionRate = float64(spamHits) / float64(result.Processed)
	}

	type ruleCount struct {
		name string
		hits int
	}
	counts := make([]ruleCount, 0, len(ruleHits))
	for name, hits := range ruleHits {
		counts = append(counts, ruleCount{name, hits})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].hits != counts[j].hits {
			return counts[i].hits > counts[j].hits
		}
		return counts[i].name < counts[j].name
	})
	for i, c := range counts {
		if i >= 5 {
			break
		}
		result.Insights.TopImportanceRules = append(result.Insights.TopImportanceRules, c.name)
	}
}
