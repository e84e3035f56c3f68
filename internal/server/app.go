// Package server builds the application's dependencies and runs the HTTP
// server alongside the crawl scheduler.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/review-reply-crawler/internal/adapter"
	"github.com/JakeFAU/review-reply-crawler/internal/adapter/apijson"
	"github.com/JakeFAU/review-reply-crawler/internal/adapter/listing"
	"github.com/JakeFAU/review-reply-crawler/internal/adapter/static"
	"github.com/JakeFAU/review-reply-crawler/internal/api"
	"github.com/JakeFAU/review-reply-crawler/internal/clock/system"
	"github.com/JakeFAU/review-reply-crawler/internal/config"
	"github.com/JakeFAU/review-reply-crawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/review-reply-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/review-reply-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/review-reply-crawler/internal/fetcher/promote"
	"github.com/JakeFAU/review-reply-crawler/internal/id/uuid"
	"github.com/JakeFAU/review-reply-crawler/internal/ingest"
	"github.com/JakeFAU/review-reply-crawler/internal/lease"
	"github.com/JakeFAU/review-reply-crawler/internal/lifecycle"
	"github.com/JakeFAU/review-reply-crawler/internal/logging"
	"github.com/JakeFAU/review-reply-crawler/internal/metrics"
	"github.com/JakeFAU/review-reply-crawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/review-reply-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/review-reply-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/review-reply-crawler/internal/replyclient"
	"github.com/JakeFAU/review-reply-crawler/internal/retry"
	"github.com/JakeFAU/review-reply-crawler/internal/review"
	"github.com/JakeFAU/review-reply-crawler/internal/scheduler"
	gcsstorage "github.com/JakeFAU/review-reply-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/review-reply-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/review-reply-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/review-reply-crawler/internal/storage/postgres"
	"github.com/JakeFAU/review-reply-crawler/internal/telemetry"
	"github.com/JakeFAU/review-reply-crawler/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  review.Clock

	stores    review.StoreRepository
	reviews   review.ReviewRepository
	sessions  review.SessionLedger
	leases    review.Lease
	blobs     review.BlobStore
	publisher review.Publisher

	upserter  *ingest.Upserter
	machine   *lifecycle.Machine
	scheduler *scheduler.Scheduler
	apiServer *api.Server

	pool            *pgxpool.Pool
	tables          pgstore.Tables
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	gcsBlobs        *gcsstorage.BlobStore
	localBlobs      *localstorage.BlobStore
	headless        *headlessfetcher.Fetcher
	tracerShutdown  telemetry.Shutdown
}

// Build creates the application's dependencies. Postgres backs the stores
// when a DSN is configured; otherwise everything lives in memory.
func Build(ctx context.Context, cfg config.Config) (_ *App, err error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()

	app.tracerShutdown, err = telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Bool("postgres", cfg.Database.DSN != ""),
		zap.String("storage_backend", cfg.Storage.Backend),
	)
	if err = setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	if err = setupBlobStore(ctx, app); err != nil {
		return nil, err
	}
	if err = setupPublisher(ctx, app); err != nil {
		return nil, err
	}

	limiter := ratelimit.New(cfg.RateLimit)
	registry, err := setupAdapters(app, limiter)
	if err != nil {
		return nil, err
	}

	ids := uuid.New()
	app.upserter = ingest.New(app.reviews, ids, logger.Named("ingest"))
	replies := replyclient.New(cfg.Reply, nil, logger)
	app.machine = lifecycle.New(
		app.reviews,
		app.stores,
		replies,
		replies,
		app.publisher,
		app.leases,
		app.clock,
		cfg.Lifecycle,
		logger,
	)
	crawler := worker.New(
		registry,
		app.upserter,
		app.stores,
		app.sessions,
		app.leases,
		app.blobs,
		app.publisher,
		retry.New(cfg.Retry),
		app.clock,
		ids,
		cfg.Worker,
		logger,
	)
	app.scheduler = scheduler.New(
		app.stores,
		crawler,
		dispatcher.New(cfg.Dispatcher, logger),
		app.machine,
		app.leases,
		app.clock,
		cfg.Scheduler,
		logger,
	)
	app.apiServer = api.NewServer(
		app.stores,
		app.sessions,
		app.reviews,
		app.machine,
		app.upserter,
		app.ready,
		cfg,
		logger,
	)

	if err = seedStores(ctx, app); err != nil {
		return nil, err
	}
	return app, nil
}

func (a *App) ready(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

func setupDatabase(ctx context.Context, app *App) error {
	tables, err := pgstore.ResolveTables(app.cfg.Database.ReviewTables)
	if err != nil {
		return fmt.Errorf("resolve review tables: %w", err)
	}
	app.tables = tables

	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, using in-memory stores")
		stores := memorystorage.NewStoreRepository()
		app.stores = stores
		app.reviews = memorystorage.NewReviewRepository(stores)
		app.sessions = memorystorage.NewSessionLedger()
		app.leases = lease.NewMemory(app.clock)
		return nil
	}

	app.pool, err = pgstore.Open(ctx, app.cfg.Database)
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	if app.stores, err = pgstore.NewStoreRepository(app.pool); err != nil {
		return fmt.Errorf("store repository init failed: %w", err)
	}
	if app.reviews, err = pgstore.NewReviewRepository(app.pool, tables); err != nil {
		return fmt.Errorf("review repository init failed: %w", err)
	}
	if app.sessions, err = pgstore.NewSessionLedger(app.pool); err != nil {
		return fmt.Errorf("session ledger init failed: %w", err)
	}
	if app.leases, err = pgstore.NewLease(app.pool, app.clock); err != nil {
		return fmt.Errorf("lease init failed: %w", err)
	}
	app.logger.Info("postgres stores initialized", zap.Int("review_tables", len(tables)))
	return nil
}

func setupBlobStore(ctx context.Context, app *App) error {
	var err error
	switch app.cfg.Storage.Backend {
	case config.BackendGCS:
		app.logger.Info("using GCS capture backend", zap.String("bucket", app.cfg.Storage.Bucket))
		app.gcsBlobs, err = gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket:       app.cfg.Storage.Bucket,
			CacheControl: app.cfg.Storage.CacheControl,
		}, app.logger)
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.blobs = app.gcsBlobs
	case config.BackendLocal:
		app.logger.Info("using local capture backend", zap.String("path", app.cfg.Storage.BaseDir))
		app.localBlobs, err = localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		app.blobs = app.localBlobs
	default:
		app.logger.Info("using in-memory capture backend")
		app.blobs = memorystorage.NewBlobStore()
	}
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	if !app.cfg.PubSub.Enabled {
		app.logger.Warn("Pub/Sub disabled, using in-memory publisher")
		app.publisher = memorypublisher.New()
		return nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient)
	app.publisher = app.pubsubPublisher
	app.logger.Info("Pub/Sub publisher initialized", zap.String("project", app.cfg.PubSub.ProjectID))
	return nil
}

// setupAdapters registers one adapter per configured platform. Listing
// platforms share one static fetcher and one browser.
func setupAdapters(app *App, limiter *ratelimit.Limiter) (*adapter.Registry, error) {
	registry := adapter.NewRegistry()
	fetchCfg := app.cfg.Fetch

	var (
		pages   adapter.PageFetcher
		browser adapter.PageFetcher
	)
	staticFetcher := func() adapter.PageFetcher {
		if pages == nil {
			pages = collyfetcher.New(collyfetcher.Config{
				UserAgent:     fetchCfg.UserAgent,
				RespectRobots: fetchCfg.RespectRobots,
				Timeout:       fetchCfg.Timeout,
			}, limiter, app.clock)
			app.logger.Info("using colly listing fetcher", zap.String("user_agent", fetchCfg.UserAgent))
		}
		return pages
	}
	headlessFetcher := func() adapter.PageFetcher {
		if browser != nil {
			return browser
		}
		f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       fetchCfg.Headless.MaxParallel,
			UserAgent:         fetchCfg.UserAgent,
			NavigationTimeout: fetchCfg.Headless.NavigationTimeout,
			WaitSelector:      fetchCfg.Headless.WaitSelector,
			SettleDelay:       fetchCfg.Headless.SettleDelay,
		}, limiter, app.clock)
		if err != nil {
			app.logger.Warn("headless fetcher init failed", zap.Error(err))
			browser = headlessfetcher.Disabled{}
			return browser
		}
		app.headless = f
		browser = f
		app.logger.Info("using headless fetcher", zap.Int("max_parallel", fetchCfg.Headless.MaxParallel))
		return browser
	}

	names := make([]string, 0, len(app.cfg.Platforms))
	for name := range app.cfg.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pc := app.cfg.Platforms[name]
		platform := review.Platform(name)
		a, err := buildAdapter(app, platform, pc, limiter, staticFetcher, headlessFetcher)
		if err != nil {
			return nil, fmt.Errorf("platform %s: %w", name, err)
		}
		registry.Register(a)
		app.logger.Info("adapter registered", zap.String("platform", name), zap.String("kind", pc.Kind))
	}
	return registry, nil
}

func buildAdapter(
	app *App,
	platform review.Platform,
	pc config.PlatformConfig,
	limiter *ratelimit.Limiter,
	staticFetcher, headlessFetcher func() adapter.PageFetcher,
) (review.Adapter, error) {
	switch pc.Kind {
	case config.KindAPI:
		return apijson.New(apijson.Config{
			Platform: platform,
			BaseURL:  pc.BaseURL,
			PageSize: pc.PageSize,
			MaxPages: pc.MaxPages,
			Timeout:  app.cfg.Fetch.Timeout,
		}, nil, limiter, app.logger)
	case config.KindListing:
		loc := time.UTC
		if pc.Timezone != "" {
			var err error
			if loc, err = time.LoadLocation(pc.Timezone); err != nil {
				return nil, fmt.Errorf("load timezone %q: %w", pc.Timezone, err)
			}
		}
		var fetcher adapter.PageFetcher
		switch pc.Renderer {
		case config.RendererHeadless:
			fetcher = headlessFetcher()
		case config.RendererAuto:
			item := pc.Selectors.Item
			if item == "" {
				item = listing.DefaultSelectors.Item
			}
			auto, err := promote.New(staticFetcher(), headlessFetcher(),
				promote.NewHeuristic(app.cfg.Fetch.Headless.PromotionThreshold, item), app.logger)
			if err != nil {
				return nil, err
			}
			fetcher = auto
		default:
			fetcher = staticFetcher()
		}
		return listing.New(listing.Config{
			Platform:      platform,
			BaseURL:       pc.BaseURL,
			PathTemplate:  pc.PathTemplate,
			Sort:          pc.Sort,
			Filter:        pc.Filter,
			MaxPages:      pc.MaxPages,
			SessionCookie: pc.SessionCookie,
			DateLayouts:   pc.DateLayouts,
			Location:      loc,
			Selectors:     pc.Selectors,
		}, fetcher)
	case config.KindStatic:
		if pc.FixturePath == "" {
			return static.New(platform), nil
		}
		f, err := os.Open(pc.FixturePath)
		if err != nil {
			return nil, fmt.Errorf("open fixture: %w", err)
		}
		defer func() { _ = f.Close() }()
		return static.Load(platform, f)
	default:
		return nil, fmt.Errorf("unknown adapter kind %q", pc.Kind)
	}
}

func seedStores(ctx context.Context, app *App) error {
	for _, seed := range app.cfg.Seed {
		store, err := app.stores.Connect(ctx, seed.Store())
		if err != nil {
			return fmt.Errorf("seed store %s: %w", seed.ID, err)
		}
		app.logger.Info("store connected",
			zap.String("store_id", store.ID),
			zap.String("platform", string(store.Platform)),
		)
	}
	return nil
}

// Migrate applies the idempotent Postgres schema.
func (a *App) Migrate(ctx context.Context) error {
	if a.pool == nil {
		return errors.New("database.dsn is required to migrate")
	}
	if err := pgstore.EnsureSchema(ctx, a.pool, a.tables); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.logger.Info("schema applied", zap.Int("review_tables", len(a.tables)))
	return nil
}

// Cycle runs a single scheduler cycle.
func (a *App) Cycle(ctx context.Context) (scheduler.CycleReport, error) {
	report, err := a.scheduler.Cycle(ctx)
	if err != nil {
		return report, fmt.Errorf("cycle: %w", err)
	}
	return report, nil
}

// Handler returns the HTTP handler, traced when telemetry is enabled.
func (a *App) Handler() http.Handler {
	h := a.apiServer.Handler()
	if a.cfg.Telemetry.Enabled {
		h = telemetry.Middleware("reviewcrawler.http")(h)
	}
	return h
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Run starts the scheduler and the HTTP server and blocks until the context
// is canceled or a signal arrives. A crawl cycle in flight finishes first.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
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
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	runErr := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close releases infrastructure and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsBlobs != nil {
		if err := a.gcsBlobs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.localBlobs != nil {
		if err := a.localBlobs.Close(); err != nil {
			a.logger.Warn("local blob store close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on non-file sinks such as stderr; nothing to do about it.
	_ = a.logger.Sync()
}
