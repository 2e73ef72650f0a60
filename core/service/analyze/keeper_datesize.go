package analyze

import (
	"context"
	"math"

	"keeper_server/core/domain"
)

// DateSizeAnalyzer derives age and size buckets plus the recency score and
// size penalty. Missing date reads as moderate age; missing size as small.
type DateSizeAnalyzer struct {
	config *DateSizeConfig
}

// NewDateSizeAnalyzer creates the analyzer.
func NewDateSizeAnalyzer(config *DateSizeConfig) *DateSizeAnalyzer {
	if config == nil {
		config = DefaultDateSizeConfig()
	}
	return &DateSizeAnalyzer{config: config}
}

func (a *DateSizeAnalyzer) Name() string { return "date_size" }

func (a *DateSizeAnalyzer) Analyze(_ context.Context, input *domain.EmailAnalysisContext, result *domain.AnalyzedEmail) error {
	res := &domain.DateSizeResult{AgeDays: input.AgeDays}

	if input.Email.Date.IsZero() {
		res.AgeCategory = domain.AgeModerate
		res.RecencyScore = 0.5
	} else {
		switch {
		case input.AgeDays <= a.config.RecentDays:
			res.AgeCategory = domain.AgeRecent
		case input.AgeDays <= a.config.ModerateDays:
			res.AgeCategory = domain.AgeModerate
		default:
			res.AgeCategory = domain.AgeOld
		}
		res.RecencyScore = RecencyScore(input.AgeDays)
	}

	size := input.Email.Size
	switch {
	case size <= 0:
		res.SizeCategory = domain.SizeSmall
		res.SizePenalty = 0
	case size < a.config.SmallMax:
		res.SizeCategory = domain.SizeSmall
		res.SizePenalty = SizePenalty(size)
	case size < a.config.MediumMax:
		res.SizeCategory = domain.SizeMedium
		res.SizePenalty = SizePenalty(size)
	default:
		res.SizeCategory = domain.SizeLarge
		res.SizePenalty = SizePenalty(size)
	}

	result.DateSize = res
	return nil
}

// RecencyScore maps age in days to [0,1], piecewise:
// steep decay over the first week, gentler to a month, near-flat after.
func RecencyScore(ageDays int) float64 {
	age := float64(ageDays)
	switch {
	case age <= 7:
		return 1 - age/14
	case age <= 30:
		return 0.5 - (age-7)/46
	default:
		return math.Max(0, 0.2-(age-30)/365)
	}
}

// SizePenalty maps size in bytes to [0,1]: free under 1MB, linear to 10MB,
// asymptotic to 1 above.
func SizePenalty(sizeBytes int64) float64 {
	mb := float64(sizeBytes) / (1024 * 1024)
	switch {
	case mb < 1:
		return 0
	case mb <= 10:
		return (mb - 1) * 0.1
	default:
		return 0.9 + math.Min(0.1, (mb-10)*0.01)
	}
}
