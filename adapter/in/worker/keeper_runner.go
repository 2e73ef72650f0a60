package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"keeper_server/core/domain"
	"keeper_server/core/port/out"
	"keeper_server/core/service/health"
	"keeper_server/pkg/apperr"
)

// Config tunes the worker runner.
type Config struct {
	Workers     int
	MaxRetries  int
	UserRefresh time.Duration

	// Poll backoff: grows from PollMin while the queue is empty, resets on
	// a successful dequeue.
	PollMin time.Duration
	PollMax time.Duration

	DefaultJobTimeout time.Duration
	JobTimeouts       map[domain.JobType]time.Duration
}

// DefaultRunnerConfig returns the shipped configuration.
func DefaultRunnerConfig() *Config {
	return &Config{
		Workers:           4,
		MaxRetries:        3,
		UserRefresh:       30 * time.Second,
		PollMin:           250 * time.Millisecond,
		PollMax:           5 * time.Second,
		DefaultJobTimeout: 2 * time.Minute,
		JobTimeouts: map[domain.JobType]time.Duration{
			domain.JobCategorize: 10 * time.Minute,
			domain.JobCleanup:    15 * time.Minute,
			domain.JobExport:     15 * time.Minute,
			domain.JobRestore:    5 * time.Minute,
		},
	}
}

// jobTask is one claimed job travelling through the pool.
type jobTask struct {
	userID uuid.UUID
	job    *domain.Job
}

// jobWorker implements pool.Worker for jobTask processing.
type jobWorker struct {
	runner *Runner
}

func (w *jobWorker) Do(ctx context.Context, task *jobTask) error {
	return w.runner.process(ctx, task)
}

// Runner polls every active user's durable queue and feeds claimed jobs
// into a shared go-pkgz pool. One poller goroutine per user; the pool caps
// actual concurrency.
type Runner struct {
	config     *Config
	registry   out.UserRegistry
	stores     out.StoreFactory
	clients    out.ProviderFactory
	dispatcher *Dispatcher
	monitor    *health.Monitor
	logger     zerolog.Logger

	group *pool.WorkerGroup[*jobTask]

	mu      sync.Mutex
	pollers map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner wires the runner. monitor may be nil.
func NewRunner(config *Config, registry out.UserRegistry, stores out.StoreFactory, clients out.ProviderFactory, dispatcher *Dispatcher, monitor *health.Monitor) *Runner {
	if config == nil {
		config = DefaultRunnerConfig()
	}
	return &Runner{
		config:     config,
		registry:   registry,
		stores:     stores,
		clients:    clients,
		dispatcher: dispatcher,
		monitor:    monitor,
		logger:     log.With().Str("component", "worker_runner").Logger(),
		pollers:    make(map[uuid.UUID]context.CancelFunc),
	}
}

// Run blocks until ctx is cancelled, then drains the pool.
func (r *Runner) Run(ctx context.Context) error {
	r.group = pool.New[*jobTask](r.config.Workers, &jobWorker{runner: r}).WithContinueOnError()
	if err := r.group.Go(ctx); err != nil {
		return err
	}
	r.logger.Info().Int("workers", r.config.Workers).Msg("worker pool started")

	r.refreshPollers(ctx)
	ticker := time.NewTicker(r.config.UserRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case <-ticker.C:
			r.refreshPollers(ctx)
		}
	}
}

func (r *Runner) shutdown() {
	r.mu.Lock()
	for _, cancel := range r.pollers {
		cancel()
	}
	r.pollers = make(map[uuid.UUID]context.CancelFunc)
	r.mu.Unlock()
	r.wg.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()
	if err := r.group.Close(closeCtx); err != nil {
		r.logger.Warn().Err(err).Msg("error closing worker pool")
	}
	r.logger.Info().Msg("worker runner stopped")
}

// refreshPollers reconciles the poller set with the active user list.
func (r *Runner) refreshPollers(ctx context.Context) {
	users, err := r.registry.ListUsers(ctx, true)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list active users")
		return
	}

	active := make(map[uuid.UUID]bool, len(users))
	for _, user := range users {
		active[user.ID] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, cancel := range r.pollers {
		if !active[userID] {
			cancel()
			delete(r.pollers, userID)
			r.logger.Info().Str("user_id", userID.String()).Msg("poller stopped, user deactivated")
		}
	}
	for userID := range active {
		if _, ok := r.pollers[userID]; ok {
			continue
		}
		pollCtx, cancel := context.WithCancel(ctx)
		r.pollers[userID] = cancel
		r.wg.Add(1)
		go r.pollUser(pollCtx, userID)
	}
}

// pollUser drains one user's queue for as long as the user stays active.
func (r *Runner) pollUser(ctx context.Context, userID uuid.UUID) {
	defer r.wg.Done()
	logger := r.logger.With().Str("user_id", userID.String()).Logger()

	store, err := r.stores.Acquire(ctx, userID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open user store for polling")
		return
	}
	defer store.Close()
	queue := store.Queue()

	r.recoverCrashed(ctx, queue, logger)

	backoff := r.config.PollMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := queue.Dequeue(ctx)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("dequeue failed")
			}
			backoff = r.grow(backoff)
		case job == nil:
			backoff = r.grow(backoff)
		default:
			r.group.Submit(&jobTask{userID: userID, job: job})
			backoff = r.config.PollMin
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (r *Runner) grow(backoff time.Duration) time.Duration {
	backoff *= 2
	if backoff > r.config.PollMax {
		backoff = r.config.PollMax
	}
	return backoff
}

// recoverCrashed returns jobs left in_progress by a previous run to the
// queue. Dequeue happens after this, so recovered jobs run again.
func (r *Runner) recoverCrashed(ctx context.Context, queue out.JobQueue, logger zerolog.Logger) {
	status := domain.JobInProgress
	stuck, err := queue.ListJobs(ctx, &domain.JobFilter{Status: &status})
	if err != nil {
		logger.Error().Err(err).Msg("failed to list in-progress jobs")
		return
	}
	for _, job := range stuck {
		if err := queue.Requeue(ctx, job.ID, r.config.MaxRetries); err != nil {
			logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to requeue crashed job")
			continue
		}
		logger.Warn().Str("job_id", job.ID.String()).Str("job_type", string(job.Type)).Msg("requeued crashed job")
	}
}

// =============================================================================
// Job processing
// =============================================================================

func (r *Runner) jobTimeout(jobType domain.JobType) time.Duration {
	if timeout, ok := r.config.JobTimeouts[jobType]; ok {
		return timeout
	}
	return r.config.DefaultJobTimeout
}

// process executes one claimed job end to end, including its queue
// bookkeeping. Bookkeeping uses a fresh context so a job timeout cannot
// also sink the status update.
func (r *Runner) process(ctx context.Context, task *jobTask) error {
	job := task.job
	logger := r.logger.With().
		Str("user_id", task.userID.String()).
		Str("job_id", job.ID.String()).
		Str("job_type", string(job.Type)).
		Logger()

	store, err := r.stores.Acquire(ctx, task.userID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open user store")
		return err
	}
	defer store.Close()
	queue := store.Queue()

	bookCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), 10*time.Second)
	}

	if requested, err := queue.IsCancelRequested(ctx, job.ID); err == nil && requested {
		bctx, cancel := bookCtx()
		defer cancel()
		_ = queue.MarkCancelled(bctx, job.ID)
		logger.Info().Msg("job cancelled before start")
		return nil
	}

	scope := &out.UserScope{UserID: task.userID, Store: store}
	if job.Type != domain.JobCategorize {
		provider, err := r.clients.ClientFor(ctx, task.userID)
		if err != nil {
			r.finishFailed(queue, job, err, logger)
			return err
		}
		scope.Provider = provider
	}

	jobCtx, cancel := context.WithTimeout(ctx, r.jobTimeout(job.Type))
	defer cancel()

	started := time.Now()
	results, err := r.dispatcher.Dispatch(jobCtx, scope, job)
	elapsed := time.Since(started)

	switch {
	case err == nil:
		bctx, cancel := bookCtx()
		defer cancel()
		if err := queue.Complete(bctx, job.ID, results); err != nil {
			logger.Error().Err(err).Msg("failed to mark job completed")
		}
		if r.monitor != nil {
			r.monitor.RecordJobResult(true)
		}
		logger.Info().Dur("elapsed", elapsed).Msg("job completed")
		return nil

	case apperr.IsCode(err, apperr.CodeCancelled):
		bctx, cancel := bookCtx()
		defer cancel()
		_ = queue.MarkCancelled(bctx, job.ID)
		logger.Info().Dur("elapsed", elapsed).Msg("job cancelled")
		return nil

	default:
		r.finishFailed(queue, job, err, logger)
		if r.monitor != nil {
			r.monitor.RecordJobResult(false)
		}
		return err
	}
}

func (r *Runner) finishFailed(queue out.JobQueue, job *domain.Job, err error, logger zerolog.Logger) {
	kind := failureKind(err)
	bctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if failErr := queue.Fail(bctx, job.ID, kind, err.Error()); failErr != nil {
		logger.Error().Err(failErr).Msg("failed to mark job failed")
	}
	logger.Error().Err(err).Str("error_kind", kind).Msg("job failed")
}

// failureKind maps an error to the queue's error_kind vocabulary.
func failureKind(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.CodeTimeout
	}
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return apperr.CodeInternalError
}
