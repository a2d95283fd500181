// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/okutsev/sendlater/internal/config"
	"github.com/okutsev/sendlater/internal/delivery"
	"github.com/okutsev/sendlater/internal/emails"
	emailspostgres "github.com/okutsev/sendlater/internal/emails/postgres"
	"github.com/okutsev/sendlater/internal/pkg/ctxlog"
	"github.com/okutsev/sendlater/internal/pkg/httputil"
	"github.com/okutsev/sendlater/internal/pkg/metrics"
	"github.com/okutsev/sendlater/internal/pkg/postgres"
	pkgredis "github.com/okutsev/sendlater/internal/pkg/redis"
	"github.com/okutsev/sendlater/internal/queue"
	queuepostgres "github.com/okutsev/sendlater/internal/queue/postgres"
	"github.com/okutsev/sendlater/internal/ratelimit"
	ratelimitpostgres "github.com/okutsev/sendlater/internal/ratelimit/postgres"
	ratelimitredis "github.com/okutsev/sendlater/internal/ratelimit/redis"
	"github.com/okutsev/sendlater/internal/senders"
	senderspostgres "github.com/okutsev/sendlater/internal/senders/postgres"
	"github.com/okutsev/sendlater/internal/smtp"
	"github.com/okutsev/sendlater/internal/version"
	"github.com/okutsev/sendlater/migrations"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application instance.
type App struct {
	config         *config.Config
	logger         *slog.Logger
	db             *pgxpool.Pool
	redis          goredis.UniversalClient
	server         *http.Server
	metricsServer  *http.Server
	backgroundStop context.CancelFunc
	deliveryWorker *delivery.Worker
	jobQueue       queue.Queue
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.Database.MigrateOnStart {
		if err := runMigrations(cfg.Database.URL); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	redisClient, err := pkgredis.Connect(connectCtx, pkgredis.Config{
		URL:             cfg.Redis.URL,
		PoolSize:        cfg.Redis.PoolSize,
		MinIdleConns:    cfg.Redis.MinIdleConns,
		ReadTimeout:     cfg.Redis.ReadTimeout,
		WriteTimeout:    cfg.Redis.WriteTimeout,
		DialTimeout:     cfg.Redis.DialTimeout,
		ConnectAttempts: cfg.Redis.ConnectAttempts,
		RetryInterval:   cfg.Redis.RetryInterval,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	backgroundCtx, backgroundStop := context.WithCancel(context.Background())

	app := &App{
		config:         cfg,
		logger:         logger,
		db:             db,
		redis:          redisClient,
		backgroundStop: backgroundStop,
	}

	go app.collectDBMetrics(backgroundCtx)

	router, err := app.setupRouter(backgroundCtx)
	if err != nil {
		backgroundStop()
		redisClient.Close()
		db.Close()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	// Start main server
	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.backgroundStop()

	// Stop the delivery worker first so in-flight jobs settle before the
	// pool closes
	if a.deliveryWorker != nil {
		a.deliveryWorker.Stop()
	}

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if err := a.redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close redis: %w", err))
	}
	a.db.Close()

	return errors.Join(errs...)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// DeliveryWorker returns the delivery worker instance. Used in tests to
// access worker state. Returns nil if the worker is disabled.
func (a *App) DeliveryWorker() *delivery.Worker {
	return a.deliveryWorker
}

func (a *App) setupRouter(ctx context.Context) (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	transport, err := smtp.NewTransport(smtp.Config{
		Host:        a.config.SMTP.Host,
		Port:        a.config.SMTP.Port,
		MaxDialers:  a.config.SMTP.MaxDialers,
		SendTimeout: a.config.SMTP.SendTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create smtp transport: %w", err)
	}

	senderRepo := senderspostgres.NewRepository(a.db)
	senderService := senders.NewService(senderRepo, transport)
	senderHandler := senders.NewHandler(senderService)

	fastCounters := ratelimitredis.NewCounterStore(a.redis)
	durableCounters := ratelimitpostgres.NewCounterStore(a.db)
	limiter := ratelimit.NewLimiter(
		fastCounters,
		durableCounters,
		senderLimits(senderRepo),
		int(a.config.RateLimit.GlobalPerHour),
	)

	jobQueue := queuepostgres.NewRepository(a.db)
	a.jobQueue = jobQueue

	emailRepo := emailspostgres.NewRepository(a.db)
	emailService := emails.NewService(emailRepo, senderRepo, jobQueue, a.config.Worker.MaxAttempts)
	emailHandler := emails.NewHandler(emailService, limiter)

	slog.Info("delivery worker configured",
		"enabled", a.config.Worker.Enabled,
		"concurrency", a.config.Worker.Concurrency,
		"max_attempts", a.config.Worker.MaxAttempts,
	)

	if a.config.Worker.Enabled {
		a.deliveryWorker = delivery.NewWorker(delivery.Config{
			Concurrency:       a.config.Worker.Concurrency,
			BatchSize:         a.config.Worker.BatchSize,
			PollInterval:      a.config.Worker.PollInterval,
			MaxAttempts:       a.config.Worker.MaxAttempts,
			InitialBackoff:    a.config.Worker.InitialBackoff,
			MaxBackoff:        a.config.Worker.MaxBackoff,
			BackoffMultiplier: a.config.Worker.BackoffMultiplier,
			MinSendInterval:   a.config.Worker.MinSendInterval,
		}, jobQueue, emailRepo, senderRepo, limiter, transport)
		a.deliveryWorker.Start(ctx)

		go a.collectQueueMetrics(ctx)
		go a.releaseStaleJobs(ctx)
	}

	r.Route("/api/v1", func(r chi.Router) {
		senderHandler.RegisterRoutes(r)
		emailHandler.RegisterRoutes(r)
	})

	return r, nil
}

// senderLimits adapts the senders repository to the limiter's limit source.
func senderLimits(repo senders.Repository) ratelimit.SenderLimitsFunc {
	return func(ctx context.Context, senderID string) (int, error) {
		sender, err := repo.GetByID(ctx, senderID)
		if err != nil {
			if errors.Is(err, senders.ErrSenderNotFound) {
				return 0, ratelimit.ErrUnknownSender
			}
			return 0, err
		}
		return sender.RateLimit, nil
	}
}

func runMigrations(databaseURL string) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}

	// golang-migrate selects its driver by URL scheme; route through the
	// pgx/v5 driver.
	url := databaseURL
	for _, scheme := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(url, scheme) {
			url = "pgx5://" + strings.TrimPrefix(url, scheme)
			break
		}
	}

	migrator, err := migrate.NewWithSourceInstance("iofs", source, url)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer migrator.Close()

	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.ObservePoolStats(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.ObservePoolStats(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := a.jobQueue.Stats(ctx)
			if err != nil {
				slog.Error("failed to get queue stats", "error", err)
				continue
			}
			queue.RecordStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

// releaseStaleJobs returns jobs abandoned by crashed workers to the queue.
func (a *App) releaseStaleJobs(ctx context.Context) {
	ticker := time.NewTicker(a.config.Worker.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			released, err := a.jobQueue.ReleaseStale(ctx, a.config.Worker.StaleAfter)
			if err != nil {
				slog.Error("failed to release stale jobs", "error", err)
				continue
			}
			if released > 0 {
				slog.Warn("released stale jobs", "count", released)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	if err := a.redis.Ping(ctx).Err(); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Redis unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
