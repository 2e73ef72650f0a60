package analyze

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"keeper_server/core/domain"
)

// noReplyPattern matches no-reply style sender local parts.
var noReplyPattern = regexp.MustCompile(`^(no-?reply|donotreply)`)

// ImportanceAnalyzer scores emails against an ordered rule list. Every
// matching rule contributes its weight; there is no short-circuit.
type ImportanceAnalyzer struct {
	config *ImportanceConfig
	rules  []compiledRule
	logger zerolog.Logger
}

type compiledRule struct {
	rule     ImportanceRule
	keywords []*regexp.Regexp // whole-word, case-insensitive
	domains  map[string]bool
	labels   map[string]bool
}

// NewImportanceAnalyzer compiles the configured rules. Rules that fail to
// compile are dropped with a warning rather than failing construction.
func NewImportanceAnalyzer(config *ImportanceConfig) *ImportanceAnalyzer {
	if config == nil {
		config = DefaultImportanceConfig()
	}

	a := &ImportanceAnalyzer{
		config: config,
		logger: log.With().Str("component", "importance_analyzer").Logger(),
	}

	for _, r := range config.Rules {
		cr := compiledRule{rule: r}
		switch r.Type {
		case RuleKeyword:
			ok := true
			for _, kw := range r.Keywords {
				re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
				if err != nil {
					a.logger.Warn().Str("rule", r.ID).Str("keyword", kw).Err(err).Msg("dropping uncompilable keyword")
					ok = false
					break
				}
				cr.keywords = append(cr.keywords, re)
			}
			if !ok {
				continue
			}
		case RuleDomain:
			cr.domains = make(map[string]bool, len(r.Domains))
			for _, d := range r.Domains {
				cr.domains[strings.ToLower(d)] = true
			}
		case RuleLabel:
			cr.labels = make(map[string]bool, len(r.Labels))
			for _, l := range r.Labels {
				cr.labels[strings.ToLower(l)] = true
			}
		case RuleNoReply, RuleLargeAttachment:
		default:
			a.logger.Warn().Str("rule", r.ID).Str("type", string(r.Type)).Msg("dropping rule of unknown type")
			continue
		}
		a.rules = append(a.rules, cr)
	}

	// Descending priority, ties by id ascending.
	sort.SliceStable(a.rules, func(i, j int) bool {
		if a.rules[i].rule.Priority != a.rules[j].rule.Priority {
			return a.rules[i].rule.Priority > a.rules[j].rule.Priority
		}
		return a.rules[i].rule.ID < a.rules[j].rule.ID
	})

	return a
}

func (a *ImportanceAnalyzer) Name() string { return "importance" }

// Analyze evaluates all rules. A single rule panicking must not abort the
// analysis; the other rules still count.
func (a *ImportanceAnalyzer) Analyze(ctx context.Context, input *domain.EmailAnalysisContext, result *domain.AnalyzedEmail) error {
	res := &domain.ImportanceResult{Level: domain.ImportanceMedium}

	var score float64
	var matched []string

	for _, cr := range a.rules {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		hit := a.evaluateRule(cr, input)
		if hit {
			score += cr.rule.Weight
			matched = append(matched, cr.rule.Name)
		}
	}

	res.Score = score
	res.MatchedRules = matched
	switch {
	case score >= a.config.HighThreshold:
		res.Level = domain.ImportanceHigh
	case score <= a.config.LowThreshold:
		res.Level = domain.ImportanceLow
	default:
		res.Level = domain.ImportanceMedium
	}

	if len(matched) == 0 {
		res.Confidence = 0
	} else {
		res.Confidence = math.Min(1, float64(len(matched))*0.25+math.Abs(score)/10)
	}

	result.Importance = res
	return nil
}

func (a *ImportanceAnalyzer) evaluateRule(cr compiledRule, input *domain.EmailAnalysisContext) (hit bool) {
	// A broken rule is worth a skipped rule, not a failed analysis.
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn().Str("rule", cr.rule.ID).Interface("panic", r).Msg("rule evaluation panicked")
			hit = false
		}
	}()

	email := input.Email
	switch cr.rule.Type {
	case RuleKeyword:
		text := email.Subject + " " + email.Snippet
		for _, re := range cr.keywords {
			if re.MatchString(text) {
				return true
			}
		}
	case RuleDomain:
		return cr.domains[input.SenderDomain]
	case RuleLabel:
		for _, l := range email.Labels {
			if cr.labels[strings.ToLower(l)] {
				return true
			}
		}
	case RuleNoReply:
		return noReplyPattern.MatchString(input.SenderLocal)
	case RuleLargeAttachment:
		return email.HasAttachments && email.Size >= cr.rule.MinSize
	}
	return false
}
