// Package worker drains the durable per-user job queues through a shared
// worker pool.
package worker

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"keeper_server/core/domain"
	"keeper_server/core/port/out"
	"keeper_server/core/service/analyze"
	"keeper_server/core/service/cleanup"
	"keeper_server/pkg/apperr"
)

// Dispatcher routes a claimed job to the service that executes it.
type Dispatcher struct {
	orchestrator *analyze.Orchestrator
	executor     *cleanup.Executor
	logger       zerolog.Logger
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(orchestrator *analyze.Orchestrator, executor *cleanup.Executor) *Dispatcher {
	return &Dispatcher{
		orchestrator: orchestrator,
		executor:     executor,
		logger:       log.With().Str("component", "job_dispatcher").Logger(),
	}
}

// decodeParams round-trips the job's loose params into a typed options
// struct. Unknown keys are ignored; malformed values are invalid_params.
func decodeParams[T any](params map[string]any) (*T, error) {
	var opts T
	if len(params) == 0 {
		return &opts, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, apperr.InvalidParams("unserializable job params: " + err.Error())
	}
	if err := json.Unmarshal(data, &opts); err != nil {
		return nil, apperr.InvalidParams("malformed job params: " + err.Error())
	}
	return &opts, nil
}

// exportParams parameterize an export job: which emails, and how to bundle
// them.
type exportParams struct {
	Criteria *domain.SearchCriteria `json:"criteria,omitempty"`
	cleanup.ArchiveOptions
}

// Dispatch executes one job and returns its results payload.
func (d *Dispatcher) Dispatch(ctx context.Context, scope *out.UserScope, job *domain.Job) (map[string]any, error) {
	switch job.Type {
	case domain.JobCategorize:
		return d.categorize(ctx, scope, job)

	case domain.JobCleanup:
		return d.executor.ExecuteJob(ctx, scope, job)

	case domain.JobExport:
		opts, err := decodeParams[exportParams](job.RequestParams)
		if err != nil {
			return nil, err
		}
		criteria := opts.Criteria
		if criteria == nil {
			criteria = &domain.SearchCriteria{}
		}
		if opts.Method == "" {
			opts.Method = domain.MethodExport
		}
		return d.executor.ArchiveByCriteria(ctx, scope, criteria, opts.ArchiveOptions)

	case domain.JobRestore:
		opts, err := decodeParams[cleanup.RestoreOptions](job.RequestParams)
		if err != nil {
			return nil, err
		}
		return d.executor.Restore(ctx, scope, *opts)

	default:
		return nil, apperr.InvalidParams("unknown job type: " + string(job.Type))
	}
}

func (d *Dispatcher) categorize(ctx context.Context, scope *out.UserScope, job *domain.Job) (map[string]any, error) {
	opts, err := decodeParams[analyze.CategorizeOptions](job.RequestParams)
	if err != nil {
		return nil, err
	}

	queue := scope.Store.Queue()
	onProgress := func(done, total int) {
		if total <= 0 {
			return
		}
		progress := done * 100 / total
		details := &domain.ProgressDetails{EmailsAnalyzed: done}
		if err := queue.UpdateProgress(ctx, job.ID, progress, details); err != nil {
			d.logger.Warn().Err(err).Str("job_id", job.ID.String()).Msg("failed to report progress")
		}
	}

	result, err := d.orchestrator.Categorize(ctx, scope, *opts, onProgress)
	if err != nil {
		return nil, err
	}

	categories := make(map[string]any, len(result.Categories))
	for category, count := range result.Categories {
		categories[string(category)] = count
	}
	return map[string]any{
		"processed":  result.Processed,
		"errors":     result.Errors,
		"categories": categories,
	}, nil
}
