package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/engine"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/platform/postgres"
	"github.com/conveyorhq/conveyor/internal/platform/runner"
	"github.com/conveyorhq/conveyor/internal/ratelimit"
	"github.com/conveyorhq/conveyor/internal/retry"
	"github.com/conveyorhq/conveyor/internal/service"
	"github.com/conveyorhq/conveyor/internal/service/auth"
	"github.com/conveyorhq/conveyor/internal/store"
)

// application holds all the shared application dependencies to simplify
// management and ensure proper cleanup on shutdown.
type application struct {
	// Configuration
	config *config.Config

	// Core services
	logger *slog.Logger
	db     *sql.DB
	clock  clockwork.Clock

	// Stores (using interfaces for proper abstraction)
	taskStore  store.TaskStore
	queueStore store.QueueStore
	jobStore   store.JobStore
	eventStore store.EventStore
	rateStore  store.RateStore

	// Service interfaces
	jwtService   auth.JWTService
	runnerClient runner.Client
	taskService  *service.TaskService
	limiter      *ratelimit.Limiter

	// Event system
	bus *events.Bus

	// Engine loops
	dispatcher *engine.Dispatcher
	reconciler *engine.Reconciler
	reaper     *engine.Reaper

	// Background loop lifecycle
	cancelLoops context.CancelFunc
	loops       sync.WaitGroup
}

// newApplication creates a new application instance with all dependencies
// initialized. It accepts core dependencies like configuration, logger,
// and database connection that must be established before application
// initialization.
func newApplication(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db *sql.DB,
) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
		clock:  clockwork.NewRealClock(),
	}

	// Initialize JWT service
	var err error
	app.jwtService, err = auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}
	logger.Info("JWT authentication service initialized",
		"token_lifetime", cfg.Auth.TokenLifetime)

	// Initialize stores
	app.taskStore = postgres.NewTaskStore(db)
	app.queueStore = postgres.NewQueueStore(db)
	app.jobStore = postgres.NewJobStore(db)
	app.eventStore = postgres.NewEventStore(db)
	app.rateStore = postgres.NewRateStore(db)

	// Retry policies per external dependency
	storePolicy := retry.NewPolicy(cfg.Backoff.Store)
	queuePolicy := retry.NewPolicy(cfg.Backoff.Queue)
	platformPolicy := retry.NewPolicy(cfg.Backoff.Platform)

	// Initialize the durable event bus
	app.bus = events.NewBus(app.eventStore, events.BusConfig{
		SubscriberBuffer: cfg.Events.SubscriberBuffer,
	}, logger)

	// Initialize the execution platform client
	app.runnerClient = runner.NewClient(cfg.Platform)

	// Initialize the task service
	app.taskService = service.NewTaskService(
		app.taskStore,
		app.queueStore,
		app.jobStore,
		app.bus,
		storePolicy,
		queuePolicy,
		logger,
	)

	// Initialize the rate limiter
	app.limiter = ratelimit.NewLimiter(
		app.rateStore,
		app.clock,
		cfg.RateLimit,
		storePolicy,
		logger,
	)

	// Initialize the engine loops
	app.dispatcher = engine.NewDispatcher(
		app.taskStore,
		app.queueStore,
		app.jobStore,
		app.runnerClient,
		app.bus,
		cfg.Dispatch,
		cfg.Platform.CallbackURL,
		storePolicy,
		queuePolicy,
		platformPolicy,
		app.clock,
		logger,
	)
	app.reconciler = engine.NewReconciler(
		app.taskStore,
		app.jobStore,
		app.bus,
		cfg.Callback.SignatureSecret,
		storePolicy,
		logger,
	)
	app.reaper = engine.NewReaper(
		app.taskStore,
		app.queueStore,
		app.jobStore,
		app.bus,
		cfg.Reaper,
		cfg.Dispatch.MaxAttempts,
		storePolicy,
		app.clock,
		logger,
	)

	logger.Info("Application initialized successfully")
	return app, nil
}

// Run starts the background loops and the HTTP server, handling
// lifecycle and cleanup. It returns an error if the server fails to
// start or encounters problems.
func (app *application) Run(ctx context.Context) error {
	router := app.setupRouter()

	app.startLoops(ctx)

	if err := app.startHTTPServer(ctx, router); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// startLoops launches the dispatcher, reaper and rate-counter pruning on
// a cancellable context so cleanup can stop them before the database
// closes.
func (app *application) startLoops(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	app.cancelLoops = cancel

	app.loops.Add(3)
	go func() {
		defer app.loops.Done()
		app.dispatcher.Run(loopCtx)
	}()
	go func() {
		defer app.loops.Done()
		app.reaper.Run(loopCtx)
	}()
	go func() {
		defer app.loops.Done()
		app.limiter.Run(loopCtx)
	}()

	app.logger.Info("Background loops started",
		"tick_interval", app.config.Dispatch.TickInterval,
		"reaper_interval", app.config.Reaper.CheckInterval)
}

// cleanup handles graceful shutdown of application resources.
func (app *application) cleanup() {
	// Stop background loops before their stores disappear
	if app.cancelLoops != nil {
		app.cancelLoops()
		app.loops.Wait()
	}

	// Close database connection
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("Error closing database connection", "error", err)
		}
	}

	app.logger.Info("Application shutdown completed")
}
