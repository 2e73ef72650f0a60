// Package app is the application facade behind the RPC surface. It resolves
// a caller context into a UserScope (store handle plus mail client) and
// delegates to the core services.
package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"keeper_server/core/domain"
	"keeper_server/core/port/in"
	"keeper_server/core/port/out"
	"keeper_server/core/service/access"
	"keeper_server/core/service/auth"
	"keeper_server/core/service/cleanup"
	"keeper_server/core/service/health"
	"keeper_server/core/service/policy"
	"keeper_server/core/service/sched"
	"keeper_server/pkg/apperr"
)

// App implements the inbound ports.
type App struct {
	stores    out.StoreFactory
	clients   out.ProviderFactory
	auth      *auth.Service
	sessions  *auth.SessionManager
	tracker   *access.Tracker
	engine    *policy.Engine
	executor  *cleanup.Executor
	scheduler *sched.Scheduler
	monitor   *health.Monitor
	lock      out.CleanupLock

	startedAt time.Time
	logger    zerolog.Logger
}

// Deps collects the facade's collaborators.
type Deps struct {
	Stores    out.StoreFactory
	Clients   out.ProviderFactory
	Auth      *auth.Service
	Sessions  *auth.SessionManager
	Tracker   *access.Tracker
	Engine    *policy.Engine
	Executor  *cleanup.Executor
	Scheduler *sched.Scheduler
	Monitor   *health.Monitor
	Lock      out.CleanupLock
}

// New wires the facade.
func New(deps Deps) *App {
	return &App{
		stores:    deps.Stores,
		clients:   deps.Clients,
		auth:      deps.Auth,
		sessions:  deps.Sessions,
		tracker:   deps.Tracker,
		engine:    deps.Engine,
		executor:  deps.Executor,
		scheduler: deps.Scheduler,
		monitor:   deps.Monitor,
		lock:      deps.Lock,
		startedAt: time.Now().UTC(),
		logger:    log.With().Str("component", "app").Logger(),
	}
}

// scope opens the caller's store handle, optionally with a ready mail
// client. The returned release func must be called when the operation ends.
func (a *App) scope(ctx context.Context, caller *domain.UserContext, withProvider bool) (*out.UserScope, func(), error) {
	if caller == nil {
		return nil, nil, apperr.Unauthenticated("")
	}

	store, err := a.stores.Acquire(ctx, caller.UserID)
	if err != nil {
		return nil, nil, err
	}
	release := func() { a.stores.Release(caller.UserID) }

	scope := &out.UserScope{
		UserID: caller.UserID,
		Role:   caller.Role,
		Store:  store,
	}
	if withProvider {
		provider, err := a.clients.ClientFor(ctx, caller.UserID)
		if err != nil {
			release()
			return nil, nil, err
		}
		scope.Provider = provider
	}
	return scope, release, nil
}

// =============================================================================
// Email queries
// =============================================================================

func (a *App) ListEmails(ctx context.Context, caller *domain.UserContext, criteria *domain.SearchCriteria) ([]*domain.EmailIndex, int64, error) {
	scope, release, err := a.scope(ctx, caller, false)
	if err != nil {
		return nil, 0, err
	}
	defer release()
	return a.query(ctx, scope, criteria)
}

func (a *App) SearchEmails(ctx context.Context, caller *domain.UserContext, criteria *domain.SearchCriteria) ([]*domain.EmailIndex, int64, error) {
	scope, release, err := a.scope(ctx, caller, false)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	emails, total, err := a.query(ctx, scope, criteria)
	if err != nil {
		return nil, 0, err
	}

	// Every result surfaces in the access log so staleness scoring sees
	// what the user searched for.
	if a.tracker != nil {
		for _, email := range emails {
			event := &domain.AccessEvent{
				EmailID:     email.EmailID,
				AccessType:  domain.AccessSearchResult,
				SearchQuery: criteria.Query,
			}
			if err := a.tracker.LogAccess(ctx, scope, event); err != nil {
				a.logger.Warn().Str("email_id", email.EmailID).Err(err).Msg("search access log failed")
			}
		}
	}
	return emails, total, nil
}

func (a *App) query(ctx context.Context, scope *out.UserScope, criteria *domain.SearchCriteria) ([]*domain.EmailIndex, int64, error) {
	if criteria == nil {
		criteria = &domain.SearchCriteria{}
	}
	emails, err := scope.Store.SearchEmails(ctx, criteria)
	if err != nil {
		return nil, 0, apperr.DatabaseError("failed to search emails", err)
	}
	total, err := scope.Store.CountEmails(ctx, criteria)
	if err != nil {
		return nil, 0, apperr.DatabaseError("failed to count emails", err)
	}
	return emails, total, nil
}

func (a *App) GetEmailDetails(ctx context.Context, caller *domain.UserContext, emailID string) (*domain.EmailIndex, error) {
	if emailID == "" {
		return nil, apperr.MissingField("email_id")
	}
	scope, release, err := a.scope(ctx, caller, false)
	if err != nil {
		return nil, err
	}
	defer release()

	email, err := scope.Store.GetEmail(ctx, emailID)
	if err != nil {
		return nil, err
	}
	if a.tracker != nil {
		event := &domain.AccessEvent{EmailID: emailID, AccessType: domain.AccessDirectView}
		if err := a.tracker.LogAccess(ctx, scope, event); err != nil {
			a.logger.Warn().Str("email_id", emailID).Err(err).Msg("view access log failed")
		}
	}
	return email, nil
}

func (a *App) GetEmailStats(ctx context.Context, caller *domain.UserContext, groupBy domain.StatsGroupBy, includeArchived bool) ([]domain.EmailStats, error) {
	scope, release, err := a.scope(ctx, caller, false)
	if err != nil {
		return nil, err
	}
	defer release()
	return scope.Store.GetEmailStats(ctx, groupBy, includeArchived)
}

func (a *App) SaveSearch(ctx context.Context, caller *domain.UserContext, name string, criteria *domain.SearchCriteria) error {
	if name == "" {
		return apperr.MissingField("name")
	}
	if criteria == nil {
		return apperr.MissingField("criteria")
	}
	scope, release, err := a.scope(ctx, caller, false)
	if err != nil {
		return err
	}
	defer release()

	search := &domain.SavedSearch{
		ID:        uuid.New(),
		UserID:    caller.UserID,
		Name:      name,
		Criteria:  *criteria,
		CreatedAt: time.Now().UTC(),
	}
	return scope.Store.SaveSearch(ctx, search)
}

func (a *App) ListSavedSearches(ctx context.Context, caller *domain.UserContext) ([]*domain.SavedSearch, error) {
	scope, release, err := a.scope(ctx, caller, false)
	if err != nil {
		return nil, err
	}
	defer release()
	return scope.Store.ListSavedSearches(ctx)
}

// =============================================================================
// Analysis
// =============================================================================

func (a *App) StartCategorization(ctx context.Context, caller *domain.UserContext, req in.CategorizeRequest) (uuid.UUID, error) {
	scope, release, err := a.scope(ctx, caller, false)
	if err != nil {
		return uuid.Nil, err
	}
	defer release()

	params := map[string]any{"force_refresh": req.ForceRefresh}
	if req.Year != nil {
		params["year"] = *req.Year
	}
	job := domain.NewJob(caller.UserID, domain.JobCategorize, 5, params)
	if err := scope.Store.Queue().Enqueue(ctx, job); err != nil {
		return uuid.Nil, apperr.DatabaseError("failed to enqueue categorize job", err)
	}
	return job.ID, nil
}

// =============================================================================
// Jobs
// =============================================================================

func (a *App) GetJobStatus(ctx context.Context, caller *domain.UserContext, jobID uuid.UUID) (*domain.Job, error) {
	scope, release, err := a.scope(ctx, caller, false)
	if err != nil {
		return nil, err
	}
	defer release()
	return scope.Store.Queue().GetJob(ctx, jobID)
}

func (a *App) ListJobs(ctx context.Context, caller *domain.UserContext, filter *domain.JobFilter) ([]*domain.Job, error) {
	scope, release, err := a.scope(ctx, caller, false)
	if err != nil {
		return nil, err
	}
	defer release()
	return scope.Store.Queue().ListJobs(ctx, filter)
}

func (a *App) CancelJob(ctx context.Context, caller *domain.UserContext, jobID uuid.UUID) error {
	scope, release, err := a.scope(ctx, caller, false)
	if err != nil {
		return err
	}
	defer release()
	return scope.Store.Queue().Cancel(ctx, jobID)
}

// =============================================================================
// Cleanup
// =============================================================================

func (a *App) TriggerCleanup(ctx context.Context, caller *domain.UserContext, policyID *uuid.UUID, req in.TriggerCleanupRequest) (uuid.UUID, error) {
	scope, release, err := a.scope(ctx, caller, false)
	if err != nil {
		return uuid.Nil, err
	}
	defer release()
	return a.scheduler.TriggerCleanup(ctx, scope, policyID, sched.TriggerOptions{
		DryRun:    req.DryRun,
		MaxEmails: req.MaxEmails,
		Force:     req.Force,
	})
}

func (a *App) GetCleanupStatus(ctx context.Context, caller *domain.UserContext) (*in.CleanupStatus, error) {
	scope, release, err := a.scope(ctx, caller, false)
	if err != nil {
		return nil, err
	}
	defer release()

	status := &in.CleanupStatus{}

	jobType := domain.JobCleanup
	jobs, err := scope.Store.Queue().ListJobs(ctx, &domain.JobFilter{Type: &jobType, Limit: 50})
	if err != nil {
		return nil, apperr.DatabaseError("failed to list cleanup jobs", err)
	}
	for _, job := range jobs {
		if !job.Status.Terminal() {
			status.ActiveJobs = append(status.ActiveJobs, job)
		}
	}

	status.EnabledPolicies, err = a.engine.GetActivePolicies(ctx, scope)
	if err != nil {
		return nil, err
	}
	if a.lock != nil {
		held, err := a.lock.Held(ctx, caller.UserID.String())
		if err == nil {
			status.LockHeld = held
		}
	}
	return status, nil
}

func (a *App) CreatePolicy(ctx context.Context, caller *domain.UserContext, p *domain.CleanupPolicy) (uuid.UUID, error) {
	scope, release, err := a.scope(ctx, caller, false)
	if err != nil {
		return uuid.Nil, err
	}
	defer release()
	return a.engine.CreatePolicy(ctx, scope, p)
}

func (a *App) UpdatePolicy(ctx context.Context, caller *domain.UserContext, p *domain.CleanupPolicy) error {
	scope, release, err := a.scope(ctx, caller, false)
	if err != nil {
		return err
	}
	defer release()
	return a.engine.UpdatePolicy(ctx, scope, p)
}

func (a *App) DeletePolicy(ctx context.Context, caller *domain.UserContext, policyID uuid.UUID) error {
	scope, release, err := a.scope(ctx, caller, false)
	if err != nil {
		return err
	}
	defer release()
	return a.engine.DeletePolicy(ctx, scope, policyID)
}

func (a *App) ListPolicies(ctx context.Context, caller *domain.UserContext, enabledOnly bool) ([]*domain.CleanupPolicy, error) {
	scope, release, err := a.scope(ctx, caller, false)
	if err != nil {
		return nil, err
	}
	defer release()
	policies, err := scope.Store.ListPolicies(ctx, enabledOnly)
	if err != nil {
		return nil, apperr.DatabaseError("failed to list policies", err)
	}
	return policies, nil
}

func (a *App) CreateSchedule(ctx context.Context, caller *domain.UserContext, policyID uuid.UUID, schedule *domain.PolicySchedule) error {
	if schedule == nil {
		return apperr.MissingField("schedule")
	}
	scope, release, err := a.scope(ctx, caller, false)
	if err != nil {
		return err
	}
	defer release()

	p, err := scope.Store.GetPolicy(ctx, policyID)
	if err != nil {
		return err
	}
	p.Schedule = schedule
	return a.engine.UpdatePolicy(ctx, scope, p)
}

func (a *App) UpdateAutomationConfig(ctx context.Context, caller *domain.UserContext, policyID uuid.UUID, enabled *bool, safety *domain.PolicySafety) error {
	scope, release, err := a.scope(ctx, caller, false)
	if err != nil {
		return err
	}
	defer release()

	p, err := scope.Store.GetPolicy(ctx, policyID)
	if err != nil {
		return err
	}
	if enabled != nil {
		p.Enabled = *enabled
	}
	if safety != nil {
		p.Safety = *safety
	}
	return a.engine.UpdatePolicy(ctx, scope, p)
}

func (a *App) GetMetrics(ctx context.Context, caller *domain.UserContext, hours int) (*domain.CleanupMetrics, error) {
	scope, release, err := a.scope(ctx, caller, false)
	if err != nil {
		return nil, err
	}
	defer release()
	return a.executor.Metrics(ctx, scope, hours)
}

func (a *App) GetRecommendations(ctx context.Context, caller *domain.UserContext) ([]domain.CleanupRecommendation, error) {
	scope, release, err := a.scope(ctx, caller, false)
	if err != nil {
		return nil, err
	}
	defer release()
	return a.executor.Recommendations(ctx, scope)
}

func (a *App) ArchiveEmails(ctx context.Context, caller *domain.UserContext, criteria *domain.SearchCriteria, req in.ArchiveRequest) (map[string]any, error) {
	scope, release, err := a.scope(ctx, caller, true)
	if err != nil {
		return nil, err
	}
	defer release()
	return a.executor.ArchiveByCriteria(ctx, scope, criteria, cleanup.ArchiveOptions{
		Method:       req.Method,
		ExportFormat: req.ExportFormat,
		DryRun:       req.DryRun,
		MaxEmails:    req.MaxEmails,
	})
}

func (a *App) DeleteEmails(ctx context.Context, caller *domain.UserContext, criteria *domain.SearchCriteria, req in.DeleteRequest) (map[string]any, error) {
	scope, release, err := a.scope(ctx, caller, true)
	if err != nil {
		return nil, err
	}
	defer release()
	return a.executor.DeleteByCriteria(ctx, scope, criteria, cleanup.DeleteOptions{
		DryRun:   req.DryRun,
		MaxCount: req.MaxCount,
	})
}

func (a *App) EmptyTrash(ctx context.Context, caller *domain.UserContext, dryRun bool, maxCount int) (map[string]any, error) {
	scope, release, err := a.scope(ctx, caller, true)
	if err != nil {
		return nil, err
	}
	defer release()
	return a.executor.EmptyTrash(ctx, scope, dryRun, maxCount)
}

func (a *App) Restore(ctx context.Context, caller *domain.UserContext, req in.RestoreRequest) (map[string]any, error) {
	scope, release, err := a.scope(ctx, caller, true)
	if err != nil {
		return nil, err
	}
	defer release()
	return a.executor.Restore(ctx, scope, cleanup.RestoreOptions{
		ArchiveID: req.ArchiveID,
		EmailIDs:  req.EmailIDs,
	})
}

// =============================================================================
// Auth and system
// =============================================================================

func (a *App) Authenticate(ctx context.Context, scopes []string) (*domain.AuthState, error) {
	return a.auth.Authenticate(ctx, scopes)
}

func (a *App) PollUserContext(ctx context.Context, state string) (*in.PollResponse, error) {
	result, err := a.auth.Poll(ctx, state)
	if err != nil {
		return nil, err
	}
	return &in.PollResponse{
		Status:      result.Status,
		UserContext: result.UserContext,
		Token:       result.Token,
		Error:       result.Error,
	}, nil
}

func (a *App) VerifySession(token string) (*domain.UserContext, error) {
	return a.sessions.Verify(token)
}

func (a *App) RegisterUser(ctx context.Context, caller *domain.UserContext, email string, displayName *string, role domain.UserRole) (*domain.User, error) {
	return a.auth.RegisterUser(ctx, caller, email, displayName, role)
}

func (a *App) GetUserProfile(ctx context.Context, caller *domain.UserContext, targetID *uuid.UUID) (*domain.User, error) {
	if caller == nil {
		return nil, apperr.Unauthenticated("")
	}
	return a.auth.GetUserProfile(ctx, caller, targetID)
}

func (a *App) SwitchUser(ctx context.Context, caller *domain.UserContext, targetID uuid.UUID) (*domain.UserContext, string, error) {
	if caller == nil {
		return nil, "", apperr.Unauthenticated("")
	}
	return a.auth.SwitchUser(ctx, caller, targetID)
}

func (a *App) ListUsers(ctx context.Context, activeOnly bool) ([]*domain.User, error) {
	return a.auth.ListUsers(ctx, activeOnly)
}

func (a *App) GetSystemHealth(ctx context.Context) (*in.SystemHealthReport, error) {
	report := &in.SystemHealthReport{
		Status: string(health.StatusHealthy),
		Uptime: time.Since(a.startedAt).Round(time.Second).String(),
	}
	if a.monitor == nil {
		return report, nil
	}

	snapshot := a.monitor.Current()
	report.Status = string(snapshot.Status)
	for name, value := range snapshot.Signals {
		report.Signals = append(report.Signals, in.HealthSignalReport{
			Name:   name,
			Value:  value,
			Status: string(snapshot.Status),
		})
	}
	return report, nil
}

// Interface conformance.
var (
	_ in.EmailQueryService = (*App)(nil)
	_ in.AnalysisService   = (*App)(nil)
	_ in.JobService        = (*App)(nil)
	_ in.CleanupService    = (*App)(nil)
	_ in.AuthService       = (*App)(nil)
	_ in.SystemService     = (*App)(nil)
)
