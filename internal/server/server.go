// Package server builds the application's dependency graph from config and
// runs the HTTP service until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/site-insights/internal/actor"
	"github.com/JakeFAU/site-insights/internal/analyzer/httpprobe"
	"github.com/JakeFAU/site-insights/internal/analyzer/vitals"
	"github.com/JakeFAU/site-insights/internal/api"
	"github.com/JakeFAU/site-insights/internal/clock/system"
	"github.com/JakeFAU/site-insights/internal/config"
	"github.com/JakeFAU/site-insights/internal/events"
	"github.com/JakeFAU/site-insights/internal/events/sinks"
	"github.com/JakeFAU/site-insights/internal/id/uuid"
	"github.com/JakeFAU/site-insights/internal/insight/rules"
	"github.com/JakeFAU/site-insights/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/site-insights/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/site-insights/internal/publisher/pubsub"
	"github.com/JakeFAU/site-insights/internal/site"
	gcsstorage "github.com/JakeFAU/site-insights/internal/storage/gcs"
	localstorage "github.com/JakeFAU/site-insights/internal/storage/local"
	memorystorage "github.com/JakeFAU/site-insights/internal/storage/memory"
	pgstore "github.com/JakeFAU/site-insights/internal/storage/postgres"
	redisstore "github.com/JakeFAU/site-insights/internal/storage/redis"
	sqlitestore "github.com/JakeFAU/site-insights/internal/storage/sqlite"
	"github.com/JakeFAU/site-insights/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer    *api.Server
	registry     *actor.Registry
	hub          *events.Hub
	state        site.StateStore
	vitals       *vitals.Collector
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	gcsClient    *storage.Client

	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies. Resources acquired before a
// failure are released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()

	tp, err := telemetry.InitTracing(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Version)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	app.state, err = setupState(ctx, app)
	if err != nil {
		return nil, err
	}

	app.hub, err = setupEvents(ctx, app)
	if err != nil {
		return nil, err
	}

	analyzer, err := setupAnalyzer(app)
	if err != nil {
		return nil, err
	}

	deps := actor.Deps{
		Analyzer: analyzer,
		Insights: rules.New(),
		Store:    app.state,
		IDs:      uuid.New(),
		Clock:    system.New(),
		Logger:   logger,
	}
	if app.hub != nil {
		deps.Events = app.hub
	}
	app.registry, err = actor.NewRegistry(actor.Config{
		MailboxSize:      cfg.Actor.MailboxSize,
		IdleTimeout:      config.Seconds(cfg.Actor.IdleTimeoutSeconds),
		AnalyzeTimeout:   config.Seconds(cfg.Timeouts.AnalyzeSeconds),
		InsightTimeout:   config.Seconds(cfg.Timeouts.InsightSeconds),
		WriteTimeout:     config.Seconds(cfg.Timeouts.WriteSeconds),
		ChatContextTurns: cfg.Actor.ChatContextTurns,
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("actor registry init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.registry, app.state, api.Config{
		RequestTimeout: config.Seconds(cfg.Timeouts.RequestSeconds),
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
	}, logger)

	logger.Info("application built",
		zap.Int("port", cfg.Server.Port),
		zap.String("state_backend", cfg.State.Backend),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.Bool("vitals", cfg.Analyzer.VitalsEnabled),
	)
	return app, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP until ctx is cancelled or the listener fails, then shuts
// down in dependency order.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// Close drains actors and events, then releases infrastructure.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.registry != nil {
		if err := a.registry.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure(ctx)
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.vitals != nil {
		a.vitals.Close()
	}
	if a.state != nil {
		if err := a.state.Close(); err != nil {
			a.logger.Warn("state store close failed", zap.Error(err))
		}
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return config.Seconds(a.cfg.Server.ShutdownTimeoutSeconds)
}

func setupState(ctx context.Context, app *App) (site.StateStore, error) {
	cfg := app.cfg.State
	switch cfg.Backend {
	case config.StatePostgres:
		store, err := pgstore.New(ctx, pgstore.Config{DSN: cfg.DSN, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("postgres state store init failed: %w", err)
		}
		app.logger.Info("using postgres state store")
		return store, nil
	case config.StateRedis:
		store, err := redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("redis state store init failed: %w", err)
		}
		app.logger.Info("using redis state store", zap.String("addr", cfg.RedisAddr))
		return store, nil
	case config.StateSQLite:
		store, err := sqlitestore.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite state store init failed: %w", err)
		}
		app.logger.Info("using sqlite state store", zap.String("path", cfg.SQLitePath))
		return store, nil
	default:
		app.logger.Warn("using in-memory state store; state is lost on restart")
		return memorystorage.NewStateStore(), nil
	}
}

func setupArchive(ctx context.Context, app *App) (site.BlobStore, error) {
	cfg := app.cfg.Archive
	switch cfg.Backend {
	case config.ArchiveGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Bucket, CacheControl: cfg.CacheControl})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("archiving reports to GCS", zap.String("bucket", cfg.Bucket))
		return blobs, nil
	case config.ArchiveLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("archiving reports locally", zap.String("path", cfg.BaseDir))
		return blobs, nil
	case config.ArchiveMemory:
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (site.Publisher, error) {
	cfg := app.cfg.PubSub
	if cfg.TopicName == "" {
		return nil, nil
	}
	if cfg.ProjectID == "" {
		app.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.publisher = gcppublisher.New(client)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.TopicName),
	)
	return app.publisher, nil
}

func setupEvents(ctx context.Context, app *App) (*events.Hub, error) {
	cfg := app.cfg.Events
	if !cfg.Enabled {
		app.logger.Info("event hub disabled")
		return nil, nil
	}
	var sinkList []events.Sink

	promSink, err := eventMetricsSink()
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	if cfg.LogEnabled {
		sinkList = append(sinkList, sinks.NewLogSink(app.logger.Named("events")))
	}

	blobs, err := setupArchive(ctx, app)
	if err != nil {
		return nil, err
	}
	if blobs != nil {
		sinkList = append(sinkList, sinks.NewArchiveSink(blobs, app.cfg.Archive.Prefix, app.logger.Named("archive")))
	}

	pub, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	if pub != nil {
		sinkList = append(sinkList, sinks.NewPublishSink(pub, app.cfg.PubSub.TopicName, app.logger.Named("publish")))
	}

	hubCfg := events.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.MaxBatchEvents,
		MaxBatchWait:   config.Millis(cfg.MaxBatchWaitMs),
		SinkTimeout:    config.Millis(cfg.SinkTimeoutMs),
		Logger:         app.logger.Named("event_hub"),
	}
	app.logger.Info("event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return events.NewHub(hubCfg, sinkList...), nil
}

var (
	eventMetricsOnce sync.Once
	eventMetrics     *sinks.PrometheusSink
	eventMetricsErr  error
)

// eventMetricsSink registers the event collectors on the default registry
// once per process; every App built afterwards shares them.
func eventMetricsSink() (*sinks.PrometheusSink, error) {
	eventMetricsOnce.Do(func() {
		eventMetrics, eventMetricsErr = sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	})
	return eventMetrics, eventMetricsErr
}

func setupAnalyzer(app *App) (*httpprobe.Analyzer, error) {
	cfg := app.cfg.Analyzer
	limiter := ratelimit.New(ratelimit.Config{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst})

	var collector httpprobe.VitalsCollector
	if cfg.VitalsEnabled {
		c, err := vitals.NewChromedp(vitals.Config{
			MaxParallel:       cfg.VitalsMaxParallel,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: config.Seconds(cfg.VitalsTimeoutSeconds),
		})
		if err != nil {
			return nil, fmt.Errorf("vitals collector init failed: %w", err)
		}
		app.vitals = c
		collector = c
		app.logger.Info("lab vitals enabled", zap.Int("max_parallel", cfg.VitalsMaxParallel))
	}

	return httpprobe.New(httpprobe.Config{
		UserAgent:     cfg.UserAgent,
		Timeout:       config.Seconds(cfg.FetchTimeoutSeconds),
		RespectRobots: cfg.RespectRobots,
		MaxBodyBytes:  cfg.MaxBodyBytes,
	}, limiter, collector, system.New(), app.logger.Named("analyzer")), nil
}
