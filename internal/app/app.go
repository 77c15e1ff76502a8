package app

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/conduitrun/conduit/internal/action"
	"github.com/conduitrun/conduit/internal/broker"
	"github.com/conduitrun/conduit/internal/catalog"
	"github.com/conduitrun/conduit/internal/credential"
	"github.com/conduitrun/conduit/internal/eventlog"
	"github.com/conduitrun/conduit/internal/execution"
	"github.com/conduitrun/conduit/internal/observability"
	"github.com/conduitrun/conduit/internal/platform/logger"
	"github.com/conduitrun/conduit/internal/playbook"
	"github.com/conduitrun/conduit/internal/queue"
	"github.com/conduitrun/conduit/internal/realtime/bus"
	"github.com/conduitrun/conduit/internal/worker"
)

// App wires every store, the Broker, an optional Worker, and the HTTP
// router into one process-owned graph, mirroring the shape (if not the
// domain) of the teacher's own App.
type App struct {
	Log    *logger.Logger
	DB     *gorm.DB
	Router *gin.Engine
	Cfg    Config

	Broker  *broker.Broker
	Catalog catalog.Store
	Execs   execution.Store
	Events  eventlog.Store
	Cred    credential.Store
	Queue   queue.Store
	Actions *action.Registry
	Worker  *worker.Worker
	Bus     bus.Bus

	otelShutdown func(context.Context) error
	ctx          context.Context
	cancel       context.CancelFunc
}

// lifecycleCtx lazily creates the App-owned cancellable context shared
// by StartWorker and StartBroker, so either (or both) can be called
// without caring which ran first.
func (a *App) lifecycleCtx() context.Context {
	if a.cancel == nil {
		a.ctx, a.cancel = context.WithCancel(context.Background())
	}
	return a.ctx
}

// New builds the App: logger, config, database, stores, optional Redis
// progress bus, Broker, Worker, and router, in that dependency order.
func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg := LoadConfig(log)

	db, err := openPostgres(cfg, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := autoMigrate(db); err != nil {
		log.Sync()
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: cfg.OtelServiceName,
		Environment: cfg.OtelEnvironment,
	})

	events := eventlog.NewStore(db, log)
	q := queue.NewStore(db, log)
	execs := execution.NewStore(db)
	cat := catalog.NewStore(db)

	var progressBus bus.Bus
	if cfg.RedisAddr != "" {
		os.Setenv("REDIS_ADDR", cfg.RedisAddr)
		os.Setenv("REDIS_CHANNEL", cfg.RedisChannel)
		rb, err := bus.NewRedisBus(log)
		if err != nil {
			log.Warn("redis progress bus unavailable, continuing without it", "error", err)
		} else {
			progressBus = rb
		}
	}

	b := broker.New(db, events, q, execs, cat, log)
	if progressBus != nil {
		b = b.WithBus(progressBus)
	}

	var cred credential.Store
	if cfg.CredentialEncryptionKey != "" {
		cred, err = credential.NewStore(db, []byte(cfg.CredentialEncryptionKey))
		if err != nil {
			log.Warn("credential store unavailable", "error", err)
		}
	}

	registry := action.NewRegistry()
	registry.Register(playbook.ActionNoop, action.Noop{})
	registry.Register(playbook.ActionHTTP, action.NewHTTP())

	w := worker.New(db, log, events, q, execs, cat, registry, worker.Config{
		Pool:          cfg.WorkerPoolName,
		Runtime:       cfg.WorkerPoolRuntime,
		Concurrency:   cfg.WorkerConcurrency,
		LeaseDuration: cfg.LeaseDuration,
	})
	w = w.WithScheduler(b)
	if progressBus != nil {
		w = w.WithBus(progressBus)
	}
	if cred != nil && cfg.CredentialEncryptionKey != "" {
		w = w.WithKeychain(credential.NewKeychain(cred, []byte(cfg.JWTSigningKey), cfg.AssertionTTL))
	}

	handlers := NewHandlers(b, cat, execs, events, cred, log)
	diag := NewPostgresDiagnostic(log)
	router := wireRouter(handlers, diag, log)

	return &App{
		Log:          log,
		DB:           db,
		Router:       router,
		Cfg:          cfg,
		Broker:       b,
		Catalog:      cat,
		Execs:        execs,
		Events:       events,
		Cred:         cred,
		Queue:        q,
		Actions:      registry,
		Worker:       w,
		Bus:          progressBus,
		otelShutdown: otelShutdown,
	}, nil
}

// StartWorker launches the worker pool's goroutines against a
// cancellable context owned by the App; Close stops them.
func (a *App) StartWorker() {
	if a == nil || a.Worker == nil {
		return
	}
	a.Worker.Start(a.lifecycleCtx(), worker.Config{
		Concurrency:   a.Cfg.WorkerConcurrency,
		LeaseDuration: a.Cfg.LeaseDuration,
	})
}

// StartBroker launches the broker's periodic lease-reaping loop against
// a cancellable context owned by the App. Safe to call alongside
// StartWorker in the same process (both share the same context/cancel)
// or on its own in a broker-only process.
func (a *App) StartBroker() {
	if a == nil || a.Broker == nil {
		return
	}
	a.Broker.StartReaper(a.lifecycleCtx(), a.Cfg.BrokerPollInterval)
}

// Run blocks serving HTTP on cfg.BindAddr.
func (a *App) Run() error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(a.Cfg.BindAddr)
}

// Close releases everything StartWorker/StartBroker and New acquired.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Bus != nil {
		_ = a.Bus.Close()
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
