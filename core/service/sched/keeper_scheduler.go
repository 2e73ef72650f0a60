// Package sched implements the cleanup scheduler. Each registered user gets
// one runner goroutine that serializes trigger evaluation, so fires for one
// user are always enqueued in order. Cron schedules run through robfig/cron
// in the user's configured timezone; interval and event triggers are
// evaluated in the same loop.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"keeper_server/core/domain"
	"keeper_server/core/port/out"
	"keeper_server/core/service/health"
	"keeper_server/pkg/apperr"
)

// cronParser accepts standard 5-field expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Config tunes the scheduler.
type Config struct {
	// TickInterval is how often each runner re-evaluates its triggers.
	TickInterval time.Duration `json:"tick_interval"`

	// ReloadInterval is how often policies are re-read from the store.
	ReloadInterval time.Duration `json:"reload_interval"`

	// JobPriority is the priority of scheduler-enqueued cleanup jobs.
	JobPriority int `json:"job_priority"`
}

// DefaultConfig returns the shipped configuration.
func DefaultConfig() *Config {
	return &Config{
		TickInterval:   30 * time.Second,
		ReloadInterval: 5 * time.Minute,
		JobPriority:    5,
	}
}

// Scheduler drives policy schedules for all registered users.
type Scheduler struct {
	config  *Config
	monitor *health.Monitor
	logger  zerolog.Logger

	mu      sync.Mutex
	runners map[uuid.UUID]*userRunner
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates the scheduler. monitor may be nil, which disables
// the health veto and event triggers.
func NewScheduler(config *Config, monitor *health.Monitor) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config:  config,
		monitor: monitor,
		logger:  log.With().Str("component", "scheduler").Logger(),
		runners: make(map[uuid.UUID]*userRunner),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// RegisterUser starts trigger evaluation for one user. The scope must stay
// valid until UnregisterUser.
func (s *Scheduler) RegisterUser(scope *out.UserScope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runners[scope.UserID]; ok {
		return
	}

	runner := &userRunner{
		scheduler: s,
		scope:     scope,
		logger:    s.logger.With().Str("user_id", scope.UserID.String()).Logger(),
		stopped:   make(chan struct{}),
		lastFire:  make(map[uuid.UUID]time.Time),
	}
	s.runners[scope.UserID] = runner

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runner.run(s.ctx)
	}()
}

// UnregisterUser stops the user's runner.
func (s *Scheduler) UnregisterUser(userID uuid.UUID) {
	s.mu.Lock()
	runner, ok := s.runners[userID]
	if ok {
		delete(s.runners, userID)
	}
	s.mu.Unlock()
	if ok {
		runner.stop()
	}
}

// Close stops all runners and waits for them.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

// =============================================================================
// Per-user runner
// =============================================================================

type userRunner struct {
	scheduler *Scheduler
	scope     *out.UserScope
	logger    zerolog.Logger

	stopOnce sync.Once
	stopped  chan struct{}

	policies   []*domain.CleanupPolicy
	lastReload time.Time
	lastFire   map[uuid.UUID]time.Time // per policy, in-process fire memory
}

func (r *userRunner) stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
}

func (r *userRunner) run(ctx context.Context) {
	ticker := time.NewTicker(r.scheduler.config.TickInterval)
	defer ticker.Stop()

	r.tick(ctx, time.Now().UTC())
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopped:
			return
		case <-ticker.C:
			r.tick(ctx, time.Now().UTC())
		}
	}
}

// tick reloads policies when stale and evaluates every schedule once.
func (r *userRunner) tick(ctx context.Context, now time.Time) {
	if now.Sub(r.lastReload) >= r.scheduler.config.ReloadInterval || r.policies == nil {
		policies, err := r.scope.Store.ListPolicies(ctx, true)
		if err != nil {
			r.logger.Warn().Err(err).Msg("policy reload failed")
		} else {
			r.policies = policies
			r.lastReload = now
		}
	}

	for _, policy := range r.policies {
		if policy.Schedule == nil {
			continue
		}
		if due, trigger := r.due(ctx, policy, now); due {
			r.fire(ctx, policy, trigger, now)
		}
	}
}

// due decides whether a policy's schedule should fire now. Missed cron and
// interval fires coalesce to a single one.
func (r *userRunner) due(ctx context.Context, policy *domain.CleanupPolicy, now time.Time) (bool, string) {
	schedule := policy.Schedule
	anchor := r.anchor(policy, now)

	switch schedule.Kind {
	case domain.TriggerCron:
		spec, err := cronParser.Parse(schedule.CronExpr)
		if err != nil {
			return false, ""
		}
		loc := time.UTC
		if schedule.Timezone != "" {
			if l, err := time.LoadLocation(schedule.Timezone); err == nil {
				loc = l
			}
		}
		// One next-fire computed from the anchor: any number of missed
		// fires while the process was down collapses into this one.
		next := spec.Next(anchor.In(loc))
		return !next.IsZero() && !next.After(now.In(loc)), "cron"

	case domain.TriggerInterval:
		interval := time.Duration(schedule.IntervalSeconds) * time.Second
		return now.Sub(anchor) >= interval, "interval"

	case domain.TriggerEvent:
		return r.eventDue(ctx, policy, now), "event"
	}
	return false, ""
}

// anchor is the reference point for next-fire computation: the later of
// the policy's last recorded run and the last in-process fire.
func (r *userRunner) anchor(policy *domain.CleanupPolicy, now time.Time) time.Time {
	anchor := policy.CreatedAt
	if policy.LastRunAt != nil && policy.LastRunAt.After(anchor) {
		anchor = *policy.LastRunAt
	}
	if last, ok := r.lastFire[policy.ID]; ok && last.After(anchor) {
		anchor = last
	}
	if anchor.IsZero() {
		anchor = now.Add(-time.Minute)
	}
	return anchor
}

// eventDue checks a monitored signal against the trigger thresholds, rate
// limited per trigger.
func (r *userRunner) eventDue(ctx context.Context, policy *domain.CleanupPolicy, now time.Time) bool {
	monitor := r.scheduler.monitor
	if monitor == nil {
		return false
	}
	schedule := policy.Schedule

	if schedule.MinIntervalSeconds > 0 {
		if last, ok := r.lastFire[policy.ID]; ok {
			if now.Sub(last) < time.Duration(schedule.MinIntervalSeconds)*time.Second {
				return false
			}
		}
	}

	snapshot := monitor.Current()
	var value float64
	switch schedule.Signal {
	case domain.SignalStorage:
		value = snapshot.Signals[health.SignalStorageUsed]
	case domain.SignalPerformance:
		value = snapshot.Signals[health.SignalErrorRate]
	default:
		return false
	}

	threshold := schedule.WarningThreshold
	if schedule.CriticalThreshold > 0 && schedule.CriticalThreshold < threshold {
		threshold = schedule.CriticalThreshold
	}
	return threshold > 0 && value >= threshold
}

// fire enqueues one cleanup job for the policy.
func (r *userRunner) fire(ctx context.Context, policy *domain.CleanupPolicy, trigger string, now time.Time) {
	if r.scheduler.monitor != nil && !r.scheduler.monitor.AllowDestructive() {
		r.logger.Warn().Str("policy", policy.Name).Msg("fire suppressed, health critical")
		return
	}

	job := domain.NewJob(r.scope.UserID, domain.JobCleanup, r.scheduler.config.JobPriority, nil)
	policyID := policy.ID
	job.CleanupMetadata = &domain.CleanupMetadata{
		PolicyID: &policyID,
		Trigger:  trigger,
	}

	if err := r.scope.Store.Queue().Enqueue(ctx, job); err != nil {
		r.logger.Error().Str("policy", policy.Name).Err(err).Msg("failed to enqueue scheduled cleanup")
		return
	}
	r.lastFire[policy.ID] = now
	r.logger.Info().Str("policy", policy.Name).Str("trigger", trigger).Str("job_id", job.ID.String()).Msg("cleanup scheduled")
}

// =============================================================================
// Manual trigger
// =============================================================================

// TriggerOptions parameterize a manual cleanup trigger.
type TriggerOptions struct {
	DryRun    bool `json:"dry_run"`
	MaxEmails int  `json:"max_emails,omitempty"`

	// Force skips the health veto.
	Force bool `json:"force"`
}

// TriggerCleanup enqueues a cleanup job outside the schedule. A nil
// policyID means "evaluate all active policies".
func (s *Scheduler) TriggerCleanup(ctx context.Context, scope *out.UserScope, policyID *uuid.UUID, opts TriggerOptions) (uuid.UUID, error) {
	if s.monitor != nil && !opts.Force && !s.monitor.AllowDestructive() {
		return uuid.Nil, apperr.Unavailable("system health critical, use force to override")
	}
	if policyID != nil {
		if _, err := scope.Store.GetPolicy(ctx, *policyID); err != nil {
			return uuid.Nil, err
		}
	}

	job := domain.NewJob(scope.UserID, domain.JobCleanup, s.config.JobPriority+1, nil)
	job.CleanupMetadata = &domain.CleanupMetadata{
		PolicyID:  policyID,
		Trigger:   "manual",
		DryRun:    opts.DryRun,
		MaxEmails: opts.MaxEmails,
	}
	if err := scope.Store.Queue().Enqueue(ctx, job); err != nil {
		return uuid.Nil, apperr.DatabaseError("failed to enqueue cleanup job", err)
	}
	return job.ID, nil
}
