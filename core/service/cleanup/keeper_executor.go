// Package cleanup implements the cleanup executor: it turns a cleanup job
// into batched archive, delete, or export operations against the mailbox,
// with audit records, restore support, and the rolling deletion budget
// enforced per batch.
package cleanup

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"keeper_server/core/domain"
	"keeper_server/core/port/out"
	"keeper_server/core/service/health"
	"keeper_server/core/service/policy"
	"keeper_server/pkg/apperr"
	"keeper_server/pkg/ratelimit"
	"keeper_server/pkg/snowflake"
)

// Config tunes execution.
type Config struct {
	BatchSize int `json:"batch_size"`

	// BaseInterBatchDelay grows with health pressure: delay = base << pressure.
	BaseInterBatchDelay time.Duration `json:"base_inter_batch_delay"`
	MaxInterBatchDelay  time.Duration `json:"max_inter_batch_delay"`

	LockTTL time.Duration `json:"lock_ttl"`
}

// DefaultConfig returns the shipped configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:           100,
		BaseInterBatchDelay: 250 * time.Millisecond,
		MaxInterBatchDelay:  30 * time.Second,
		LockTTL:             5 * time.Minute,
	}
}

// Executor runs cleanup work for one job at a time per user, serialized by
// the cleanup lock.
type Executor struct {
	config    *Config
	engine    *policy.Engine
	monitor   *health.Monitor
	lock      out.CleanupLock
	budget    *ratelimit.DeletionBudget
	exporters out.ExporterRegistry
	sink      out.ExportSink
	ids       *snowflake.Generator
	logger    zerolog.Logger
}

// NewExecutor wires the executor. monitor, lock, exporters, and sink may be
// nil when the corresponding capability is not deployed.
func NewExecutor(config *Config, engine *policy.Engine, monitor *health.Monitor, lock out.CleanupLock, budget *ratelimit.DeletionBudget, exporters out.ExporterRegistry, sink out.ExportSink, ids *snowflake.Generator) *Executor {
	if config == nil {
		config = DefaultConfig()
	}
	if ids == nil {
		ids, _ = snowflake.NewGenerator(0)
	}
	return &Executor{
		config:    config,
		engine:    engine,
		monitor:   monitor,
		lock:      lock,
		budget:    budget,
		exporters: exporters,
		sink:      sink,
		ids:       ids,
		logger:    log.With().Str("component", "cleanup_executor").Logger(),
	}
}

// runState accumulates one job's counters.
type runState struct {
	job     *domain.Job
	details domain.ProgressDetails

	archived     int
	deleted      int
	exported     int
	storageFreed int64
	skipped      []map[string]string
	truncated    bool
}

func (s *runState) results(dryRun bool) map[string]any {
	return map[string]any{
		"processed":     s.archived + s.deleted + s.exported + len(s.skipped),
		"archived":      s.archived,
		"deleted":       s.deleted,
		"exported":      s.exported,
		"storage_freed": s.storageFreed,
		"skipped":       s.skipped,
		"truncated":     s.truncated,
		"dry_run":       dryRun,
	}
}

// ExecuteJob runs one cleanup job to completion. It returns the results map
// stored on the job record.
func (e *Executor) ExecuteJob(ctx context.Context, scope *out.UserScope, job *domain.Job) (map[string]any, error) {
	meta := job.CleanupMetadata
	if meta == nil {
		return nil, apperr.InvalidParams("cleanup job carries no metadata")
	}

	policies, err := e.resolvePolicies(ctx, scope, meta)
	if err != nil {
		return nil, err
	}
	if len(policies) == 0 {
		return map[string]any{"processed": 0, "message": "no active policies"}, nil
	}

	userKey := scope.UserID.String()
	if !meta.DryRun && e.lock != nil {
		acquired, err := e.lock.TryAcquire(ctx, userKey, e.config.LockTTL)
		if err == nil && !acquired {
			return nil, apperr.Conflict("another cleanup run is in progress for this user")
		}
		if acquired {
			defer func() { _ = e.lock.Release(context.WithoutCancel(ctx), userKey) }()
		}
	}

	state := &runState{job: job}
	for _, p := range policies {
		if err := e.runPolicy(ctx, scope, p, meta, state); err != nil {
			return state.results(meta.DryRun), err
		}
	}

	for _, p := range policies {
		if err := scope.Store.TouchPolicyLastRun(ctx, p.ID, time.Now().UTC()); err != nil {
			e.logger.Warn().Str("policy", p.Name).Err(err).Msg("failed to record last run")
		}
	}
	return state.results(meta.DryRun), nil
}

func (e *Executor) resolvePolicies(ctx context.Context, scope *out.UserScope, meta *domain.CleanupMetadata) ([]*domain.CleanupPolicy, error) {
	if meta.PolicyID != nil {
		p, err := scope.Store.GetPolicy(ctx, *meta.PolicyID)
		if err != nil {
			return nil, err
		}
		return []*domain.CleanupPolicy{p}, nil
	}
	return e.engine.GetActivePolicies(ctx, scope)
}

// runPolicy evaluates one policy and executes its clear candidates in
// batches.
func (e *Executor) runPolicy(ctx context.Context, scope *out.UserScope, p *domain.CleanupPolicy, meta *domain.CleanupMetadata, state *runState) error {
	set, err := e.engine.EvaluateBatch(ctx, scope, p, policy.BatchOptions{MaxEmails: meta.MaxEmails})
	if err != nil {
		return err
	}
	if set.Truncated {
		state.truncated = true
	}

	var clear []*domain.EmailIndex
	for _, c := range set.Candidates {
		if c.Verdict == domain.VerdictClear {
			clear = append(clear, c.Email)
			continue
		}
		state.skipped = append(state.skipped, map[string]string{
			"id":     c.Email.EmailID,
			"reason": c.Reason,
		})
	}

	batchSize := meta.BatchSize
	if batchSize <= 0 {
		batchSize = e.config.BatchSize
	}
	if maxRun := p.Safety.Limits.MaxPerRun; maxRun != nil && len(clear) > *maxRun {
		clear = clear[:*maxRun]
		state.truncated = true
	}

	totalBatches := (len(clear) + batchSize - 1) / batchSize
	state.details.TotalBatches += totalBatches

	for start := 0; start < len(clear); start += batchSize {
		if cancelled, err := e.checkCancel(ctx, scope, state.job); err != nil || cancelled {
			if cancelled {
				return apperr.Cancelled("cleanup job")
			}
			return err
		}
		if e.monitor != nil && !e.monitor.AllowDestructive() {
			e.logger.Warn().Str("policy", p.Name).Msg("stopping run, health critical")
			state.truncated = true
			return nil
		}

		end := start + batchSize
		if end > len(clear) {
			end = len(clear)
		}
		batch := clear[start:end]

		if p.Action.Type == domain.ActionDelete && !meta.DryRun {
			batch = e.reserveBudget(ctx, scope, p, batch, state)
			if len(batch) == 0 {
				state.truncated = true
				return nil
			}
		}

		if err := e.executeBatch(ctx, scope, p, batch, meta, state); err != nil {
			state.details.ErrorsEncountered++
			e.logger.Error().Str("policy", p.Name).Err(err).Msg("batch failed")
			return err
		}

		state.details.CurrentBatch++
		e.reportProgress(ctx, scope, state)

		if !meta.DryRun && e.lock != nil {
			_ = e.lock.Extend(ctx, scope.UserID.String(), e.config.LockTTL)
		}
		if end < len(clear) {
			e.interBatchSleep(ctx)
		}
	}
	return nil
}

// reserveBudget trims the batch to the remaining hourly deletion budget.
func (e *Executor) reserveBudget(ctx context.Context, scope *out.UserScope, p *domain.CleanupPolicy, batch []*domain.EmailIndex, state *runState) []*domain.EmailIndex {
	if e.budget == nil || p.Safety.Limits.MaxPerHour <= 0 {
		return batch
	}
	granted, err := e.budget.Reserve(ctx, scope.UserID.String(), p.Safety.Limits.MaxPerHour, len(batch))
	if err != nil {
		e.logger.Warn().Err(err).Msg("budget reservation failed, skipping batch")
		return nil
	}
	if granted < len(batch) {
		state.truncated = true
	}
	return batch[:granted]
}

// executeBatch performs one batch and records the audit evidence.
func (e *Executor) executeBatch(ctx context.Context, scope *out.UserScope, p *domain.CleanupPolicy, batch []*domain.EmailIndex, meta *domain.CleanupMetadata, state *runState) error {
	ids := make([]string, len(batch))
	preImages := make([]domain.EmailPreImage, len(batch))
	var size int64
	for i, email := range batch {
		ids[i] = email.EmailID
		size += email.Size
		preImages[i] = domain.EmailPreImage{
			EmailID:  email.EmailID,
			Labels:   email.Labels,
			Archived: email.Archived,
		}
	}

	if meta.DryRun {
		e.applyCounters(p.Action.Type, state, len(batch), size)
		return nil
	}

	var archiveRecordID *int64
	switch p.Action.Type {
	case domain.ActionArchive:
		location, format, err := e.archiveBatch(ctx, scope, p, batch, ids)
		if err != nil {
			return err
		}
		record := &domain.ArchiveRecord{
			ID:          e.ids.MustGenerate(),
			UserID:      scope.UserID,
			EmailIDs:    ids,
			ArchiveDate: time.Now().UTC(),
			Method:      p.Action.Method,
			Size:        size,
			Restorable:  p.Action.Method == domain.MethodGmail,
		}
		if location != "" {
			record.Location = &location
		}
		if format != "" {
			record.Format = &format
		}
		if err := scope.Store.CreateArchiveRecord(ctx, record); err != nil {
			return apperr.DatabaseError("failed to create archive record", err)
		}
		archiveRecordID = &record.ID

	case domain.ActionDelete:
		if err := scope.Provider.Trash(ctx, ids); err != nil {
			return apperr.Upstream("gmail", err)
		}
		if _, err := scope.Store.DeleteEmails(ctx, ids); err != nil {
			return apperr.DatabaseError("failed to delete email rows", err)
		}

	default:
		return apperr.InvalidParams(fmt.Sprintf("unknown action type %q", p.Action.Type))
	}

	audit := &domain.AuditRecord{
		UserID:          scope.UserID,
		JobID:           &state.job.ID,
		PolicyID:        &p.ID,
		ArchiveRecordID: archiveRecordID,
		Action:          p.Action.Type,
		Trigger:         meta.Trigger,
		EmailIDs:        ids,
		PreImages:       preImages,
		Timestamp:       time.Now().UTC(),
	}
	audit.ID = e.ids.MustGenerate()
	if err := scope.Store.AppendAuditRecord(ctx, audit); err != nil {
		return apperr.DatabaseError("failed to append audit record", err)
	}

	e.applyCounters(p.Action.Type, state, len(batch), size)
	return nil
}

// archiveBatch carries out the archive action and returns the export
// location and format when the method is export.
func (e *Executor) archiveBatch(ctx context.Context, scope *out.UserScope, p *domain.CleanupPolicy, batch []*domain.EmailIndex, ids []string) (location, format string, err error) {
	switch p.Action.Method {
	case domain.MethodGmail:
		if err := scope.Provider.Archive(ctx, ids); err != nil {
			return "", "", apperr.Upstream("gmail", err)
		}
		if err := scope.Store.MarkArchived(ctx, ids, "gmail"); err != nil {
			return "", "", apperr.DatabaseError("failed to mark emails archived", err)
		}
		return "", "", nil

	case domain.MethodExport:
		if e.exporters == nil || e.sink == nil {
			return "", "", apperr.ConfigError("export method requires an exporter registry and sink")
		}
		exporter, ok := e.exporters.Get(p.Action.ExportFormat)
		if !ok {
			return "", "", apperr.InvalidField("export_format", "no exporter for "+p.Action.ExportFormat)
		}

		var buf bytes.Buffer
		if err := exporter.Export(ctx, &buf, batch); err != nil {
			return "", "", apperr.Internal("export failed: " + err.Error())
		}
		name := fmt.Sprintf("cleanup_%s_%d", p.ID, time.Now().UTC().Unix())
		loc, _, err := e.sink.Store(ctx, scope.UserID, exporter.Format(), name, &buf)
		if err != nil {
			return "", "", apperr.Upstream("export sink", err)
		}
		if err := scope.Store.MarkArchived(ctx, ids, loc); err != nil {
			return "", "", apperr.DatabaseError("failed to mark emails archived", err)
		}
		return loc, exporter.Format(), nil
	}
	return "", "", apperr.InvalidParams(fmt.Sprintf("unknown action method %q", p.Action.Method))
}

func (e *Executor) applyCounters(action domain.ActionType, state *runState, count int, size int64) {
	switch action {
	case domain.ActionDelete:
		state.deleted += count
	default:
		state.archived += count
	}
	state.storageFreed += size
	state.details.EmailsCleaned += count
	state.details.StorageFreed += size
}

func (e *Executor) checkCancel(ctx context.Context, scope *out.UserScope, job *domain.Job) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	cancelled, err := scope.Store.Queue().IsCancelRequested(ctx, job.ID)
	if err != nil {
		return false, apperr.DatabaseError("failed to read cancel flag", err)
	}
	return cancelled, nil
}

func (e *Executor) reportProgress(ctx context.Context, scope *out.UserScope, state *runState) {
	progress := 100
	if state.details.TotalBatches > 0 {
		progress = state.details.CurrentBatch * 100 / state.details.TotalBatches
	}
	details := state.details
	if err := scope.Store.Queue().UpdateProgress(ctx, state.job.ID, progress, &details); err != nil {
		e.logger.Warn().Err(err).Msg("progress update failed")
	}
}

// interBatchSleep applies the adaptive delay: base shifted left by the
// current health pressure, capped.
func (e *Executor) interBatchSleep(ctx context.Context) {
	delay := e.config.BaseInterBatchDelay
	if e.monitor != nil {
		delay = delay << e.monitor.Pressure()
	}
	if delay > e.config.MaxInterBatchDelay {
		delay = e.config.MaxInterBatchDelay
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}
