// Package server builds the solver's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	goredis "github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/turnstile-solver/internal/api"
	"github.com/JakeFAU/turnstile-solver/internal/browser/headless"
	"github.com/JakeFAU/turnstile-solver/internal/clock/system"
	"github.com/JakeFAU/turnstile-solver/internal/config"
	"github.com/JakeFAU/turnstile-solver/internal/dispatcher"
	"github.com/JakeFAU/turnstile-solver/internal/id/uuid"
	"github.com/JakeFAU/turnstile-solver/internal/logging"
	"github.com/JakeFAU/turnstile-solver/internal/pool"
	"github.com/JakeFAU/turnstile-solver/internal/progress"
	progresssinks "github.com/JakeFAU/turnstile-solver/internal/progress/sinks"
	"github.com/JakeFAU/turnstile-solver/internal/proxy"
	gcppublisher "github.com/JakeFAU/turnstile-solver/internal/publisher/pubsub"
	"github.com/JakeFAU/turnstile-solver/internal/runner"
	"github.com/JakeFAU/turnstile-solver/internal/solver"
	gcsstorage "github.com/JakeFAU/turnstile-solver/internal/storage/gcs"
	localstorage "github.com/JakeFAU/turnstile-solver/internal/storage/local"
	memorystorage "github.com/JakeFAU/turnstile-solver/internal/storage/memory"
	pgstore "github.com/JakeFAU/turnstile-solver/internal/storage/postgres"
	redisstore "github.com/JakeFAU/turnstile-solver/internal/storage/redis"
	"github.com/JakeFAU/turnstile-solver/internal/storage/snapshot"
	"github.com/JakeFAU/turnstile-solver/internal/store"
	"github.com/JakeFAU/turnstile-solver/internal/telemetry"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// App contains the application's dependencies.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	apiServer   *api.Server
	dispatch    *dispatcher.Dispatcher
	progressHub *progress.Hub
	results     solver.ResultStore
	events      store.EventRepository

	pubsubClient   *pubsub.Client
	pubsubTopic    *gcppublisher.Publisher
	gcsClient      *storage.Client
	pgPool         *pgxpool.Pool
	redisClient    *goredis.Client
	tracerShutdown func(context.Context) error
}

// deps are the seams the builder leaves open for tests.
type deps struct {
	launcher   solver.Launcher
	registerer prometheus.Registerer
}

// Build creates the application's dependencies and starts the browser pool.
// A pool that cannot be built is returned as an error wrapping
// solver.ErrPoolInit.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	launcher := headless.NewLauncher(headless.Config{
		Kind:      cfg.Browser.Engine(),
		Headless:  cfg.Browser.Headless,
		UserAgent: cfg.Browser.UserAgent,
		ExecPath:  cfg.Browser.ExecPath,
		Args:      cfg.Browser.Args,
		Debug:     cfg.Debug,
	}, logger.Named("browser"))

	return build(ctx, cfg, logger, deps{launcher: launcher, registerer: prometheus.DefaultRegisterer})
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger, d deps) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			app.closeInfrastructure(context.Background())
			app.closeObservability(context.Background())
		}
	}()

	logger.Info("building application",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("browser", cfg.Browser.Type),
		zap.Int("threads", cfg.Browser.Threads),
		zap.String("results_backend", cfg.Results.Backend),
		zap.Bool("proxy", cfg.Proxy.Enabled),
		zap.Bool("debug", cfg.Debug),
	)

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if err := setupResults(ctx, app); err != nil {
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	var topic string
	if publisher != nil {
		topic = cfg.PubSub.TopicName
	}

	emitter, err := setupProgress(ctx, app, d.registerer)
	if err != nil {
		return nil, err
	}

	var proxies solver.ProxySource
	if cfg.Proxy.Enabled {
		proxies = proxy.NewFileSource(cfg.Proxy.File, logger.Named("proxy"))
		logger.Info("proxy selection enabled", zap.String("file", cfg.Proxy.File))
	}

	workers := pool.New(logger.Named("pool"))
	taskRunner := runner.New(
		workers,
		app.results,
		proxies,
		publisher,
		emitter,
		system.New(),
		runner.Config{Topic: topic, Debug: cfg.Debug},
		logger.Named("runner"),
	)
	app.dispatch = dispatcher.New(
		workers,
		app.results,
		taskRunner,
		uuid.NewUUIDGenerator(),
		emitter,
		logger.Named("dispatcher"),
	)

	logger.Info("starting browser pool", zap.Int("size", cfg.Browser.Threads))
	if err := app.dispatch.Startup(ctx, cfg.Browser.Threads, d.launcher); err != nil {
		return nil, err
	}

	app.apiServer = api.NewServer(app.dispatch, cfg, logger.Named("api"), app.events)
	built = true
	return app, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP until ctx ends or the process receives SIGINT/SIGTERM, then
// shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return errors.Join(fmt.Errorf("serve http: %w", err), closeErr)
	default:
		return closeErr
	}
}

// Close stops the dispatcher, closes the browser pool and releases every
// backing client.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.dispatch != nil {
		if shutdownErr := a.dispatch.Shutdown(ctx); shutdownErr != nil {
			a.logger.Warn("dispatcher shutdown incomplete", zap.Error(shutdownErr))
			err = shutdownErr
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.progressHub = nil
	}
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
		a.pubsubTopic = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsClient = nil
	}
	if a.pgPool != nil {
		a.pgPool.Close()
		a.pgPool = nil
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
		a.redisClient = nil
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
	_ = a.logger.Sync()
}

func setupResults(ctx context.Context, app *App) error {
	cfg := app.cfg.Results
	logger := app.logger.Named("results")
	var err error
	switch cfg.Backend {
	case config.BackendPostgres:
		app.pgPool, err = pgstore.Connect(ctx, pgstore.Config{DSN: cfg.PostgresDSN}, logger)
		if err != nil {
			return fmt.Errorf("postgres init failed: %w", err)
		}
		app.results, err = pgstore.NewResultStore(ctx, app.pgPool, cfg.PostgresTable, logger)
		if err != nil {
			return fmt.Errorf("postgres result store init failed: %w", err)
		}
		app.events, err = pgstore.NewEventStore(app.pgPool, pgstore.DefaultEventsTable)
		if err != nil {
			return fmt.Errorf("postgres event store init failed: %w", err)
		}
		logger.Info("using postgres result backend", zap.String("table", cfg.PostgresTable))
		return nil
	case config.BackendRedis:
		app.redisClient, err = redisstore.NewClient(ctx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
		app.results, err = redisstore.Open(ctx, app.redisClient, cfg.RedisKey, logger)
		if err != nil {
			return fmt.Errorf("redis result store init failed: %w", err)
		}
		logger.Info("using redis result backend", zap.String("key", cfg.RedisKey))
	default:
		persister, perr := newPersister(ctx, app)
		if perr != nil {
			return perr
		}
		app.results, err = snapshot.Open(ctx, persister, logger)
		if err != nil {
			return fmt.Errorf("result store init failed: %w", err)
		}
	}
	app.events = memorystorage.NewEventStore()
	return nil
}

func newPersister(ctx context.Context, app *App) (snapshot.Persister, error) {
	cfg := app.cfg.Results
	switch cfg.Backend {
	case config.BackendGCS:
		var err error
		app.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		persister, err := gcsstorage.New(app.gcsClient, gcsstorage.Config{
			Bucket: cfg.GCSBucket,
			Object: cfg.GCSObject,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs persister init failed: %w", err)
		}
		app.logger.Info("using GCS result backend", zap.String("uri", persister.URI()))
		return persister, nil
	case config.BackendMemory:
		app.logger.Info("using in-memory result backend")
		return memorystorage.NewPersister(), nil
	default:
		persister, err := localstorage.New(localstorage.Config{Path: cfg.Path})
		if err != nil {
			return nil, fmt.Errorf("local persister init failed: %w", err)
		}
		app.logger.Info("using local result backend", zap.String("path", persister.Path()))
		return persister, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (solver.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Info("no Pub/Sub topic configured, resolution notifications disabled")
		return nil, nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubTopic = gcppublisher.New(app.pubsubClient.Topic(app.cfg.PubSub.TopicName))
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsubTopic, nil
}

func setupProgress(ctx context.Context, app *App, reg prometheus.Registerer) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{
		promSink,
		progresssinks.NewStoreSink(app.events, app.logger.Named("progress_store")),
	}
	var logSink progress.Sink = progresssinks.NewLogSink(app.logger.Named("progress_log"))
	if !app.cfg.Debug {
		logSink = progress.OnlyStages(logSink, progress.StageTaskSolved, progress.StageTaskFailed)
	}
	sinkList = append(sinkList, logSink)

	hubCfg := progress.Config{
		BufferSize:  app.cfg.Progress.BufferSize,
		BaseContext: context.WithoutCancel(ctx),
		Logger:      app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("sinks", len(sinkList)),
	)
	return app.progressHub, nil
}
