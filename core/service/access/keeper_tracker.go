// Package access implements the access-pattern tracker. Events are appended
// to the per-user access log; per-email summaries are recomputed in bounded
// batches and feed the staleness scorer and policy safety gates.
package access

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"keeper_server/core/domain"
	"keeper_server/core/port/out"
	"keeper_server/pkg/apperr"
)

// TrackerConfig tunes summary recomputation and scoring.
type TrackerConfig struct {
	// BatchSize bounds how many email ids one recompute pass touches.
	BatchSize int `json:"batch_size"`

	// HalfLifeDays is the recency half-life of the access score.
	HalfLifeDays float64 `json:"half_life_days"`

	// FreqSaturation is the access count at which frequency reads as 1.
	FreqSaturation float64 `json:"freq_saturation"`

	// Score component weights.
	RecencyWeight     float64 `json:"recency_weight"`
	FrequencyWeight   float64 `json:"frequency_weight"`
	InteractionWeight float64 `json:"interaction_weight"`
}

// DefaultTrackerConfig returns the shipped configuration.
func DefaultTrackerConfig() *TrackerConfig {
	return &TrackerConfig{
		BatchSize:         50,
		HalfLifeDays:      30,
		FreqSaturation:    20,
		RecencyWeight:     0.5,
		FrequencyWeight:   0.35,
		InteractionWeight: 0.15,
	}
}

// Tracker records access events and maintains derived summaries. Pending
// recomputes are batched per user and flushed once the batch fills or a
// caller asks for a flush.
type Tracker struct {
	config *TrackerConfig
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]map[string]struct{} // user id -> email ids awaiting recompute
}

// NewTracker creates the tracker.
func NewTracker(config *TrackerConfig) *Tracker {
	if config == nil {
		config = DefaultTrackerConfig()
	}
	return &Tracker{
		config:  config,
		logger:  log.With().Str("component", "access_tracker").Logger(),
		pending: make(map[string]map[string]struct{}),
	}
}

// LogAccess appends one event and schedules a summary recompute for its
// email. When the pending batch for the user fills, it is flushed inline.
func (t *Tracker) LogAccess(ctx context.Context, scope *out.UserScope, event *domain.AccessEvent) error {
	if event.EmailID == "" {
		return apperr.MissingField("email_id")
	}
	if !event.AccessType.Valid() {
		return apperr.InvalidField("access_type", "unknown value "+string(event.AccessType))
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.UserID = scope.UserID

	if err := scope.Store.AppendAccessEvent(ctx, event); err != nil {
		return apperr.DatabaseError("failed to append access event", err)
	}

	userKey := scope.UserID.String()
	t.mu.Lock()
	ids := t.pending[userKey]
	if ids == nil {
		ids = make(map[string]struct{})
		t.pending[userKey] = ids
	}
	ids[event.EmailID] = struct{}{}
	full := len(ids) >= t.config.BatchSize
	t.mu.Unlock()

	if full {
		t.Flush(ctx, scope)
	}
	return nil
}

// Flush recomputes summaries for all pending email ids of the user. One id
// failing is logged and skipped; the rest of the batch still lands.
func (t *Tracker) Flush(ctx context.Context, scope *out.UserScope) {
	userKey := scope.UserID.String()
	t.mu.Lock()
	ids := t.pending[userKey]
	delete(t.pending, userKey)
	t.mu.Unlock()

	for emailID := range ids {
		if err := t.Recompute(ctx, scope.Store, emailID); err != nil {
			t.logger.Warn().Str("email_id", emailID).Err(err).Msg("summary recompute failed")
		}
	}
}

// Recompute rebuilds one email's summary from its full event history.
func (t *Tracker) Recompute(ctx context.Context, store out.UserStore, emailID string) error {
	events, err := store.ListAccessEvents(ctx, emailID)
	if err != nil {
		return apperr.DatabaseError("failed to list access events", err)
	}
	if len(events) == 0 {
		return nil
	}

	summary := t.Summarize(emailID, events, time.Now().UTC())
	if err := store.UpsertAccessSummary(ctx, summary); err != nil {
		return apperr.DatabaseError("failed to upsert access summary", err)
	}
	return nil
}

// Summarize folds an event history into a summary.
func (t *Tracker) Summarize(emailID string, events []*domain.AccessEvent, now time.Time) *domain.AccessSummary {
	summary := &domain.AccessSummary{EmailID: emailID, UpdatedAt: now}

	for _, ev := range events {
		summary.TotalAccesses++
		if ev.Timestamp.After(summary.LastAccessed) {
			summary.LastAccessed = ev.Timestamp
		}
		switch ev.AccessType {
		case domain.AccessSearchResult:
			summary.SearchAppearances++
		case domain.AccessDirectView:
			if ev.SearchQuery != "" {
				summary.SearchInteractions++
			}
		}
	}

	summary.AccessScore = t.Score(summary, now)
	return summary
}

// Score computes the normalized access score. Recency decays with a
// configurable half-life, frequency saturates, and opening emails out of
// search results earns a bonus.
func (t *Tracker) Score(summary *domain.AccessSummary, now time.Time) float64 {
	if summary == nil || summary.TotalAccesses == 0 {
		return 0
	}

	ageDays := now.Sub(summary.LastAccessed).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	recency := math.Pow(0.5, ageDays/t.config.HalfLifeDays)

	frequency := math.Min(1, float64(summary.TotalAccesses)/t.config.FreqSaturation)

	interaction := 0.0
	if summary.SearchAppearances > 0 {
		interaction = math.Min(1, float64(summary.SearchInteractions)/float64(summary.SearchAppearances))
	}

	score := t.config.RecencyWeight*recency +
		t.config.FrequencyWeight*frequency +
		t.config.InteractionWeight*interaction
	return math.Min(1, math.Max(0, score))
}

// SummaryFor loads the stored summary, or nil when none exists. Callers
// treat a missing summary as score 0.
func (t *Tracker) SummaryFor(ctx context.Context, store out.UserStore, emailID string) (*domain.AccessSummary, error) {
	summary, err := store.GetAccessSummary(ctx, emailID)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			return nil, nil
		}
		return nil, apperr.DatabaseError("failed to load access summary", err)
	}
	return summary, nil
}
