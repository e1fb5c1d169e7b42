// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/proxy-harvester/internal/api"
	"github.com/JakeFAU/proxy-harvester/internal/clock/system"
	"github.com/JakeFAU/proxy-harvester/internal/config"
	"github.com/JakeFAU/proxy-harvester/internal/crawler"
	"github.com/JakeFAU/proxy-harvester/internal/id/uuid"
	"github.com/JakeFAU/proxy-harvester/internal/kv"
	"github.com/JakeFAU/proxy-harvester/internal/kv/memory"
	kvredis "github.com/JakeFAU/proxy-harvester/internal/kv/redis"
	"github.com/JakeFAU/proxy-harvester/internal/lease"
	"github.com/JakeFAU/proxy-harvester/internal/logging"
	"github.com/JakeFAU/proxy-harvester/internal/metrics"
	"github.com/JakeFAU/proxy-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/proxy-harvester/internal/proxy"
	memorypublisher "github.com/JakeFAU/proxy-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/proxy-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/proxy-harvester/internal/scheduler"
	"github.com/JakeFAU/proxy-harvester/internal/source"
)

const (
	shutdownTimeout        = 10 * time.Second
	memoryPublisherHistory = 256
)

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     kv.Store
	pool      *proxy.Repository
	leases    *lease.Registry
	scheduler *scheduler.Scheduler
	apiServer *api.Server

	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher

	closeOnce sync.Once
}

// Build creates the application's dependencies. It builds its own logger from cfg.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("store_backend", cfg.Store.Backend),
		zap.Int("pool_max_size", cfg.Pool.MaxSize),
	)

	clock := system.New()
	ids := uuid.New()

	store, err := setupStore(ctx, cfg, clock)
	if err != nil {
		return nil, err
	}
	app.store = store
	app.pool = proxy.NewRepository(store, clock)
	app.leases = lease.NewRegistry(store, clock)

	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.scheduler = scheduler.New(
		app.pool,
		app.leases,
		app.buildSources(clock),
		publisher,
		ids,
		clock,
		scheduler.Config{
			MaxPoolSize:     cfg.Pool.MaxSize,
			StrictLeases:    cfg.Scheduler.StrictLeases,
			HarvestInterval: cfg.HarvestInterval(),
			CheckInterval:   cfg.CheckInterval(),
			Topic:           cfg.Scheduler.Topic,
			ReleaseTimeout:  time.Duration(cfg.Scheduler.ReleaseTimeoutSeconds) * time.Second,
		},
		logger.Named("scheduler"),
	)

	app.apiServer = api.NewServer(
		app.pool,
		app.leases,
		app.scheduler,
		store,
		ids,
		api.Options{AuthEnabled: cfg.Auth.Enabled, APIKey: cfg.Auth.APIKey},
		logger.Named("api"),
	)
	return app, nil
}

func setupStore(ctx context.Context, cfg *config.Config, clock crawler.Clock) (kv.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return memory.NewStore(clock), nil
	case config.BackendRedis:
		store, err := kvredis.New(ctx, kvredis.Config{
			Mode:           cfg.Redis.Mode,
			Addresses:      cfg.Redis.Addresses,
			Username:       cfg.Redis.Username,
			Password:       cfg.Redis.Password,
			DB:             cfg.Redis.DB,
			SentinelMaster: cfg.Redis.SentinelMaster,
			PoolSize:       cfg.Redis.PoolSize,
			DialTimeout:    time.Duration(cfg.Redis.DialTimeoutMs) * time.Millisecond,
			ReadTimeout:    time.Duration(cfg.Redis.ReadTimeoutMs) * time.Millisecond,
			WriteTimeout:   time.Duration(cfg.Redis.WriteTimeoutMs) * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("redis init failed: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if !a.cfg.PubSub.Enabled() {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(memoryPublisherHistory), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubPublisher = client.Publisher(a.cfg.PubSub.TopicName)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(a.pubsubPublisher), nil
}

func (a *App) buildSources(clock crawler.Clock) map[crawler.JobClass][]crawler.Source {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.RateLimit.DefaultRPS,
		DefaultBurst: a.cfg.RateLimit.DefaultBurst,
		Domains:      a.cfg.RateLimit.DomainRates(),
	})
	httpCfg := source.HTTPConfig{
		UserAgent: a.cfg.HTTP.UserAgent,
		Timeout:   a.cfg.RequestTimeout(),
	}
	harvesters := make([]crawler.Source, 0, len(a.cfg.Sources))
	for _, tbl := range a.cfg.Sources {
		harvesters = append(harvesters,
			source.NewTableSource(tbl, httpCfg, a.pool, limiter, a.logger.Named("source")))
	}
	checker := source.NewChecker(source.CheckerConfig{
		URL:         a.cfg.Checker.URL,
		Timeout:     time.Duration(a.cfg.Checker.TimeoutSeconds) * time.Second,
		Concurrency: a.cfg.Checker.Concurrency,
		Interval:    a.cfg.StaleAfter(),
	}, a.pool, clock, a.logger.Named("source"))

	return map[crawler.JobClass][]crawler.Source{
		crawler.ClassHarvesting: harvesters,
		crawler.ClassChecking:   {checker},
	}
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Leases returns the lease registry.
func (a *App) Leases() *lease.Registry {
	return a.leases
}

// LeaseStatus reports every running job.
func (a *App) LeaseStatus(ctx context.Context) ([]lease.Status, error) {
	statuses, err := a.leases.AllStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("lease status: %w", err)
	}
	return statuses, nil
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Serve runs the HTTP server and the scheduling loop until ctx is canceled, then drains in-flight
// jobs for up to the shutdown timeout.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		a.logger.Info("scheduler started",
			zap.Duration("harvest_interval", a.cfg.HarvestInterval()),
			zap.Duration("check_interval", a.cfg.CheckInterval()),
		)
		a.scheduler.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-loopDone
	a.drain(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// RunOnce runs a single scheduling pass for class and waits for the dispatched jobs.
func (a *App) RunOnce(ctx context.Context, class crawler.JobClass) ([]crawler.JobResult, error) {
	started, err := a.scheduler.StartCrawling(ctx, class)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", class, err)
	}
	results := make([]crawler.JobResult, 0, len(started))
	for range started {
		select {
		case res := <-a.scheduler.Results():
			results = append(results, res)
		case <-ctx.Done():
			return results, fmt.Errorf("wait for jobs: %w", ctx.Err())
		}
	}
	return results, nil
}

func (a *App) drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		a.scheduler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("jobs still running at shutdown; their leases will expire", zap.Duration("lease_ttl", lease.TTL))
	}
}

// Close releases external resources. It is safe to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.pubsubPublisher != nil {
			a.pubsubPublisher.Stop()
		}
		if a.pubsubClient != nil {
			if err := a.pubsubClient.Close(); err != nil {
				a.logger.Warn("pubsub client close failed", zap.Error(err))
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.logger.Warn("store close failed", zap.Error(err))
			}
		}
		_ = a.logger.Sync()
	})
}
