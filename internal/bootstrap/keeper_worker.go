package bootstrap

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"keeper_server/adapter/in/worker"
	"keeper_server/core/port/out"
)

// NewWorker wires the job runner.
func NewWorker(deps *Dependencies) *worker.Runner {
	config := worker.DefaultRunnerConfig()
	if deps.Config.WorkerCount > 0 {
		config.Workers = deps.Config.WorkerCount
	}
	if deps.Config.WorkerMaxRetries > 0 {
		config.MaxRetries = deps.Config.WorkerMaxRetries
	}
	if deps.Config.UserRefreshSec > 0 {
		config.UserRefresh = time.Duration(deps.Config.UserRefreshSec) * time.Second
	}
	if deps.Config.JobTimeoutSec > 0 {
		config.DefaultJobTimeout = time.Duration(deps.Config.JobTimeoutSec) * time.Second
	}

	dispatcher := worker.NewDispatcher(deps.Orchestrator, deps.Executor)
	return worker.NewRunner(config, deps.Registry, deps.Stores, deps.Clients, dispatcher, deps.Monitor)
}

// RunSchedulerSync keeps the scheduler's user set aligned with the active
// user list. Blocks until ctx ends.
func RunSchedulerSync(ctx context.Context, deps *Dependencies, interval time.Duration) {
	logger := log.With().Str("component", "scheduler_sync").Logger()
	registered := make(map[uuid.UUID]bool)

	sync := func() {
		users, err := deps.Registry.ListUsers(ctx, true)
		if err != nil {
			logger.Error().Err(err).Msg("failed to list active users")
			return
		}

		active := make(map[uuid.UUID]bool, len(users))
		for _, user := range users {
			active[user.ID] = true
		}

		for userID := range registered {
			if !active[userID] {
				deps.Scheduler.UnregisterUser(userID)
				deps.Stores.Release(userID)
				delete(registered, userID)
				logger.Info().Str("user_id", userID.String()).Msg("scheduler runner stopped, user deactivated")
			}
		}
		for _, user := range users {
			if registered[user.ID] {
				continue
			}
			store, err := deps.Stores.Acquire(ctx, user.ID)
			if err != nil {
				logger.Error().Err(err).Str("user_id", user.ID.String()).Msg("failed to open store for scheduling")
				continue
			}
			deps.Scheduler.RegisterUser(&out.UserScope{UserID: user.ID, Role: user.Role, Store: store})
			registered[user.ID] = true
		}
	}

	sync()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sync()
		}
	}
}
