// Package bootstrap wires the dependency graph for the API and worker
// processes.
package bootstrap

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"

	analysiscache "keeper_server/adapter/out/cache"
	"keeper_server/adapter/out/export"
	"keeper_server/adapter/out/mongodb"
	"keeper_server/adapter/out/persistence"
	"keeper_server/adapter/out/provider"
	"keeper_server/config"
	"keeper_server/core/port/out"
	"keeper_server/core/service/access"
	"keeper_server/core/service/analyze"
	"keeper_server/core/service/app"
	"keeper_server/core/service/auth"
	"keeper_server/core/service/cleanup"
	"keeper_server/core/service/health"
	"keeper_server/core/service/policy"
	"keeper_server/core/service/sched"
	"keeper_server/core/service/staleness"
	"keeper_server/infra/database"
	"keeper_server/infra/lock"
	"keeper_server/pkg/cache"
	"keeper_server/pkg/crypto"
	"keeper_server/pkg/metrics"
	"keeper_server/pkg/ratelimit"
	"keeper_server/pkg/snowflake"
)

// InitLogger configures the global zerolog logger from config.
func InitLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// Dependencies is the shared dependency graph.
type Dependencies struct {
	Config *config.Config

	Postgres *database.Postgres
	Redis    *redis.Client
	Mongo    *mongo.Client

	Pools    *metrics.PoolMonitor
	Stores   *persistence.StoreFactory
	Registry *persistence.UserRegistry
	Tokens   *crypto.TokenStore
	Clients  *provider.Factory

	Exporters *export.Registry
	Sink      out.ExportSink
	Lock      out.CleanupLock

	Tracker      *access.Tracker
	Orchestrator *analyze.Orchestrator
	Scorer       *staleness.Scorer
	Engine       *policy.Engine
	Executor     *cleanup.Executor
	Monitor      *health.Monitor
	Scheduler    *sched.Scheduler
	Auth         *auth.Service
	Sessions     *auth.SessionManager
	App          *app.App
}

// NewDependencies builds the graph. The returned cleanup closes every
// connection in reverse order.
func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deps := &Dependencies{Config: cfg}
	var closers []func()
	cleanupAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanupAll()
		return nil, nil, err
	}

	// Connections
	postgres, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return fail(err)
	}
	deps.Postgres = postgres
	closers = append(closers, postgres.Close)

	if cfg.RedisURL != "" {
		client, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		deps.Redis = client
		closers = append(closers, func() { _ = client.Close() })
	} else {
		log.Warn().Msg("REDIS_URL not set, using in-process lock, cache, and budget")
	}

	if cfg.MongoDBURL != "" {
		client, err := mongodb.NewClient(cfg.MongoDBURL)
		if err != nil {
			return fail(err)
		}
		deps.Mongo = client
		closers = append(closers, func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			_ = client.Disconnect(closeCtx)
		})

		sink := mongodb.NewExportSink(client.Database(cfg.MongoDBName))
		if err := sink.EnsureIndexes(ctx); err != nil {
			return fail(err)
		}
		deps.Sink = sink
	} else {
		log.Warn().Msg("MONGODB_URL not set, export method unavailable")
	}

	// Persistence. The store factory registers the shared pool on the
	// monitor and unregisters it on Close.
	deps.Pools = metrics.NewPoolMonitor()
	deps.Stores = persistence.NewStoreFactory(postgres.DB, deps.Pools)
	closers = append(closers, func() { _ = deps.Stores.Close() })

	registry, err := persistence.NewUserRegistry(ctx, postgres.DB)
	if err != nil {
		return fail(err)
	}
	deps.Registry = registry

	// Token vault and mail provider
	encryptor, err := crypto.NewEncryptor([]byte(cfg.TokenEncryptionKey))
	if err != nil {
		return fail(err)
	}
	tokens, err := crypto.NewTokenStore(cfg.StoragePath, encryptor)
	if err != nil {
		return fail(err)
	}
	deps.Tokens = tokens
	protector := ratelimit.NewAPIProtector(deps.Redis, nil)
	deps.Clients = provider.NewFactory(&provider.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURI,
		BatchSize:    cfg.GmailBatchSize,
	}, tokens, protector)

	// Shared infrastructure
	deps.Exporters = export.NewRegistry()
	deps.Lock = lock.New(deps.Redis)

	var budgetCounter ratelimit.BudgetCounter
	if deps.Redis != nil {
		budgetCounter = cache.NewRedisCache(deps.Redis)
	}
	budget := ratelimit.NewDeletionBudget(budgetCounter)

	ids, err := snowflake.NewGenerator(1)
	if err != nil {
		return fail(err)
	}

	// Core services
	importance := analyze.NewImportanceAnalyzer(nil)
	dateSize := analyze.NewDateSizeAnalyzer(nil)
	labels := analyze.NewLabelAnalyzer(nil)
	deps.Orchestrator = analyze.NewOrchestrator(nil, importance, dateSize, labels, analysiscache.New(deps.Redis), deps.Lock)

	deps.Tracker = access.NewTracker(nil)

	scorer, err := staleness.NewScorer(nil)
	if err != nil {
		return fail(err)
	}
	deps.Scorer = scorer
	deps.Engine = policy.NewEngine(nil, scorer)

	deps.Monitor = health.NewMonitor(nil)
	deps.Monitor.DepthFunc = deps.Stores.TotalQueueDepth

	deps.Executor = cleanup.NewExecutor(nil, deps.Engine, deps.Monitor, deps.Lock, budget, deps.Exporters, deps.Sink, ids)
	deps.Scheduler = sched.NewScheduler(nil, deps.Monitor)
	closers = append(closers, deps.Scheduler.Close)

	// Auth
	sessions, err := auth.NewSessionManager([]byte(cfg.JWTSecret), cfg.SessionTTL)
	if err != nil {
		return fail(err)
	}
	deps.Sessions = sessions
	deps.Auth = auth.NewService(&auth.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURI,
	}, registry, tokens, sessions)

	// Facade
	deps.App = app.New(app.Deps{
		Stores:    deps.Stores,
		Clients:   deps.Clients,
		Auth:      deps.Auth,
		Sessions:  sessions,
		Tracker:   deps.Tracker,
		Engine:    deps.Engine,
		Executor:  deps.Executor,
		Scheduler: deps.Scheduler,
		Monitor:   deps.Monitor,
		Lock:      deps.Lock,
	})

	return deps, cleanupAll, nil
}
