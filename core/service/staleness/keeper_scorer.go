// Package staleness scores emails along five weighted factors and turns the
// combined score into a keep, archive, or delete recommendation.
package staleness

import (
	"context"
	"math"
	"sync"
	"time"

	"keeper_server/core/domain"
	"keeper_server/core/port/out"
	"keeper_server/core/service/analyze"
	"keeper_server/pkg/apperr"
)

// Config tunes the scorer. Weights are the only public tuning knob; they
// must sum to 1.
type Config struct {
	Weights domain.StalenessWeights `json:"weights"`

	// KeepThreshold and DeleteThreshold bound the recommendation bands.
	KeepThreshold   float64 `json:"keep_threshold"`
	DeleteThreshold float64 `json:"delete_threshold"`

	// RecentKeepDays forces keep on anything younger.
	RecentKeepDays int `json:"recent_keep_days"`

	// AgeSaturationDays is the age at which the age factor reads as 1.
	AgeSaturationDays float64 `json:"age_saturation_days"`

	// MissingAccessFactor is used when no access summary exists.
	MissingAccessFactor float64 `json:"missing_access_factor"`
}

// DefaultConfig returns the shipped configuration.
func DefaultConfig() *Config {
	return &Config{
		Weights:             domain.DefaultStalenessWeights(),
		KeepThreshold:       0.4,
		DeleteThreshold:     0.8,
		RecentKeepDays:      14,
		AgeSaturationDays:   365,
		MissingAccessFactor: 0.8,
	}
}

// Scorer computes staleness scores. Weight updates are serialized; scoring
// reads a snapshot so concurrent scoring never sees a partial update.
type Scorer struct {
	mu     sync.RWMutex
	config *Config
}

// NewScorer creates the scorer, validating the configured weights.
func NewScorer(config *Config) (*Scorer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Weights.Validate(); err != nil {
		return nil, apperr.InvalidParams(err.Error())
	}
	return &Scorer{config: config}, nil
}

// UpdateWeights replaces the weight set. Invalid weights are rejected and
// the previous set stays in effect.
func (s *Scorer) UpdateWeights(weights domain.StalenessWeights) error {
	if err := weights.Validate(); err != nil {
		return apperr.InvalidParams(err.Error())
	}
	s.mu.Lock()
	s.config.Weights = weights
	s.mu.Unlock()
	return nil
}

// Weights returns the current weight set.
func (s *Scorer) Weights() domain.StalenessWeights {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Weights
}

// Score computes the staleness result for one email. summary may be nil.
func (s *Scorer) Score(email *domain.EmailIndex, summary *domain.AccessSummary, now time.Time) *domain.StalenessResult {
	s.mu.RLock()
	config := *s.config
	s.mu.RUnlock()

	factors := map[string]float64{
		"age":        ageFactor(email, now, config.AgeSaturationDays),
		"importance": importanceFactor(email),
		"size":       sizeFactor(email),
		"spam":       spamFactor(email),
		"access":     accessFactor(summary, config.MissingAccessFactor),
	}

	total := config.Weights.Age*factors["age"] +
		config.Weights.Importance*factors["importance"] +
		config.Weights.Size*factors["size"] +
		config.Weights.Spam*factors["spam"] +
		config.Weights.Access*factors["access"]

	result := &domain.StalenessResult{
		EmailID:    email.EmailID,
		TotalScore: total,
		Factors:    factors,
		Confidence: confidence(factors),
	}
	result.Recommendation = s.recommend(email, total, now, &config)
	return result
}

// ScoreBatch scores a set of emails, fetching their access summaries in one
// round trip. A summary fetch failure degrades to the missing-summary
// default rather than failing the batch.
func (s *Scorer) ScoreBatch(ctx context.Context, store out.UserStore, emails []*domain.EmailIndex) ([]*domain.StalenessResult, error) {
	if len(emails) == 0 {
		return nil, nil
	}

	ids := make([]string, len(emails))
	for i, e := range emails {
		ids[i] = e.EmailID
	}
	summaries, err := store.GetAccessSummaries(ctx, ids)
	if err != nil {
		summaries = nil
	}

	now := time.Now().UTC()
	results := make([]*domain.StalenessResult, len(emails))
	for i, e := range emails {
		results[i] = s.Score(e, summaries[e.EmailID], now)
	}
	return results, nil
}

func (s *Scorer) recommend(email *domain.EmailIndex, total float64, now time.Time, config *Config) domain.StalenessRecommendation {
	if email.ImportanceLevel != nil && *email.ImportanceLevel == domain.ImportanceHigh {
		return domain.RecommendKeep
	}
	if !email.Date.IsZero() {
		ageDays := int(now.Sub(email.Date).Hours() / 24)
		if ageDays <= config.RecentKeepDays {
			return domain.RecommendKeep
		}
	}
	if total < config.KeepThreshold {
		return domain.RecommendKeep
	}
	if total >= config.DeleteThreshold {
		return domain.RecommendDelete
	}
	return domain.RecommendArchive
}

// ageFactor grows monotonically with age and saturates at one.
func ageFactor(email *domain.EmailIndex, now time.Time, saturationDays float64) float64 {
	if email.Date.IsZero() {
		return 0.5
	}
	ageDays := now.Sub(email.Date).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Min(1, ageDays/saturationDays)
}

// importanceFactor is higher for less important emails.
func importanceFactor(email *domain.EmailIndex) float64 {
	level := domain.ImportanceMedium
	switch {
	case email.ImportanceLevel != nil:
		level = *email.ImportanceLevel
	case email.Category != nil:
		// Fused category stands in when the importance level was not stored.
		level = domain.ImportanceLevel(*email.Category)
	}
	switch level {
	case domain.ImportanceHigh:
		return 0
	case domain.ImportanceLow:
		return 1
	default:
		return 0.5
	}
}

func sizeFactor(email *domain.EmailIndex) float64 {
	if email.SizePenalty != nil {
		return *email.SizePenalty
	}
	return analyze.SizePenalty(email.Size)
}

// spamFactor combines spam and promotional scores; indicators sharpen it.
func spamFactor(email *domain.EmailIndex) float64 {
	var spam, promo float64
	if email.SpamScore != nil {
		spam = *email.SpamScore
	}
	if email.PromotionalScore != nil {
		promo = *email.PromotionalScore
	}
	factor := math.Max(spam, 0.8*promo)
	if len(email.SpamIndicators) >= 2 {
		factor = math.Min(1, factor+0.1)
	}
	return factor
}

func accessFactor(summary *domain.AccessSummary, missingDefault float64) float64 {
	if summary == nil {
		return missingDefault
	}
	return 1 - summary.AccessScore
}

// confidence reflects how strongly the factors agree: low variance between
// factors means high confidence.
func confidence(factors map[string]float64) float64 {
	if len(factors) == 0 {
		return 0
	}
	var sum float64
	for _, v := range factors {
		sum += v
	}
	mean := sum / float64(len(factors))

	var variance float64
	for _, v := range factors {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(factors))

	// Max possible stddev of values in [0,1] is 0.5.
	return math.Min(1, math.Max(0, 1-2*math.Sqrt(variance)))
}
