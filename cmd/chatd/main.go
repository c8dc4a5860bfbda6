package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emberchat/backend/internal/api"
	"github.com/emberchat/backend/internal/auth"
	"github.com/emberchat/backend/internal/compactor"
	"github.com/emberchat/backend/internal/config"
	"github.com/emberchat/backend/internal/cost"
	"github.com/emberchat/backend/internal/domain"
	"github.com/emberchat/backend/internal/httputil"
	"github.com/emberchat/backend/internal/notifications"
	"github.com/emberchat/backend/internal/pool"
	"github.com/emberchat/backend/internal/queue"
	"github.com/emberchat/backend/internal/quota"
	"github.com/emberchat/backend/internal/ratelimit"
	"github.com/emberchat/backend/internal/relay"
	"github.com/emberchat/backend/internal/repository"
	"github.com/emberchat/backend/internal/secrets"
	"github.com/emberchat/backend/internal/telemetry"
	"github.com/emberchat/backend/internal/upstream"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting chatd", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OTLPEndpoint != "" {
		shutdownTracing, err := telemetry.Init(ctx, "chatd", cfg.OTLPEndpoint)
		if err != nil {
			slog.Warn("tracing disabled", "error", err)
		} else {
			defer shutdownTracing(context.Background())
		}
	}

	// Storage. Postgres when configured, in-memory for development.
	var (
		db          *sql.DB
		tenantRepo  repository.TenantRepository
		credRepo    repository.CredentialRepository
		billingRepo repository.BillingRepository
		messageRepo repository.MessageRepository
		rateSource  cost.RateSource = cost.DefaultRates()
		tracker     cost.Tracker
	)
	if cfg.DatabaseURL != "" {
		db, err = repository.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		tenantRepo = repository.NewPostgresTenantRepository(db)
		credRepo = repository.NewPostgresCredentialRepository(db)
		billingRepo = repository.NewPostgresBillingRepository(db)
		messageRepo = repository.NewPostgresMessageRepository(db)
		tracker = repository.NewPostgresUsageRepository(db)
		rateSource = repository.NewPostgresRateRepository(db)
		slog.Info("using postgres storage")
	} else {
		tenantRepo = repository.NewInMemoryTenantRepository()
		credRepo = repository.NewInMemoryCredentialRepository(devCredentials(cfg)...)
		billingRepo = repository.NewInMemoryBillingRepository()
		messageRepo = repository.NewInMemoryMessageRepository()
		tracker = cost.NewInMemoryTracker()
		slog.Info("using in-memory storage")
	}

	var secretStore secrets.SecretStore
	if cfg.AWSRegion != "" {
		secretStore, err = secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to initialize secrets manager", "error", err)
			os.Exit(1)
		}
		slog.Info("using AWS secrets manager", "region", cfg.AWSRegion)
	} else {
		secretStore = secrets.NewInMemorySecretStore()
	}

	var rateLimiter ratelimit.RateLimiter
	var redisLimiter *ratelimit.RedisRateLimiter
	if cfg.RedisURL != "" {
		redisLimiter, err = ratelimit.NewRedisRateLimiter(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		rateLimiter = redisLimiter
		slog.Info("using redis rate limiter")
	} else {
		memLimiter := ratelimit.NewInMemoryRateLimiter()
		go purgeLoop(ctx, memLimiter)
		rateLimiter = memLimiter
		slog.Info("using in-memory rate limiter")
	}

	var notifier *notifications.Notifier
	if cfg.AlertTopicARN != "" && cfg.AWSRegion != "" {
		pub, err := notifications.NewSNSPublisher(ctx, cfg.AWSRegion, cfg.AlertTopicARN)
		if err != nil {
			slog.Warn("alerting disabled", "error", err)
		} else {
			var opts []notifications.NotifierOption
			if redisLimiter != nil {
				// Shared suppression so only one replica pages per alert.
				opts = append(opts, notifications.WithDeduplicator(
					notifications.NewRedisDeduplicator(redisLimiter.Client(), time.Hour)))
			}
			notifier = notifications.NewNotifier(pub, opts...)
			slog.Info("publishing alerts to SNS", "topic", cfg.AlertTopicARN)
		}
	}

	poolOpts := []pool.Option{
		pool.WithStatsStore(credRepo),
		pool.WithSecretResolver(secretStore),
	}
	if notifier != nil {
		poolOpts = append(poolOpts, pool.WithNotifier(notifier))
	}
	credPool := pool.New(credRepo, poolOpts...)
	if err := credPool.Reload(ctx); err != nil {
		slog.Error("initial credential load failed", "error", err)
		os.Exit(1)
	}
	go reloadLoop(ctx, credPool, cfg.CredentialReload)

	var quotaOpts []quota.Option
	if notifier != nil {
		quotaOpts = append(quotaOpts, quota.WithNotifier(notifier))
	}
	quotaEngine := quota.NewEngine(tenantRepo, billingRepo, billingRepo, quotaOpts...)

	var exporter relay.UsageExporter
	if cfg.UsageQueueURL != "" && cfg.AWSRegion != "" {
		sqsExporter, err := queue.NewSQSExporter(ctx, cfg.AWSRegion, cfg.UsageQueueURL)
		if err != nil {
			slog.Warn("usage export disabled", "error", err)
		} else {
			exporter = sqsExporter
			slog.Info("exporting usage records to SQS", "queue", cfg.UsageQueueURL)
		}
	}

	// One client serves streaming and the short completion calls; its
	// transport has no overall deadline so streams are bounded by
	// request contexts only.
	client := upstream.NewClient(httputil.StreamingClient())

	comp := compactor.New(messageRepo, credPool, client, compactor.DefaultConfig())

	relayCfg := relay.DefaultConfig()
	relayCfg.MaxRounds = cfg.MaxRounds
	relayCfg.MaxAttempts = cfg.MaxUpstreamAttempts
	relayCfg.MaxTokens = cfg.MaxOutputTokens
	relayCfg.ToolTimeout = cfg.ToolTimeout
	relayCfg.ThinkingBudgetTokens = cfg.ThinkingBudgetTokens
	relayCfg.SummaryModel = cfg.SummaryModel

	chatRelay := relay.New(relay.RelayConfig{
		Config:    relayCfg,
		Pool:      credPool,
		Quota:     quotaEngine,
		Calc:      cost.NewCalculator(rateSource),
		Store:     messageRepo,
		Client:    client,
		Compactor: comp,
		Tracker:   tracker,
		Exporter:  exporter,
	})

	checkers := []api.HealthChecker{api.NewPoolHealthChecker(credPool)}
	if db != nil {
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
	}
	if redisLimiter != nil {
		checkers = append(checkers, api.NewRedisHealthChecker(redisLimiter.Client()))
	}

	handler := api.NewHandler(api.HandlerConfig{
		TenantRepo:  tenantRepo,
		Messages:    messageRepo,
		RateLimiter: rateLimiter,
		Relay:       chatRelay,
		Guard:       auth.NewAdminGuard(cfg.AdminAuthEnabled, cfg.AdminKeyHash),
		Pool:        credPool,
		Checkers:    checkers,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No write timeout: it would sever long-lived SSE streams.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Settlement work runs detached from request contexts; give it a
	// moment to flush usage records before the process exits.
	time.Sleep(cfg.DrainTimeout)

	slog.Info("server stopped")
}

// devCredentials seeds the in-memory pool for local development.
func devCredentials(cfg *config.Config) []domain.Credential {
	if cfg.UpstreamAPIKey == "" {
		slog.Warn("UPSTREAM_API_KEY not set; credential pool starts empty")
		return nil
	}
	return []domain.Credential{{
		ID:             "dev-upstream",
		Name:           "dev upstream",
		BaseURL:        cfg.UpstreamBaseURL,
		APIKey:         cfg.UpstreamAPIKey,
		Enabled:        true,
		Priority:       0,
		Weight:         1,
		MaxConcurrency: 4,
		RateMultiplier: 1,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}}
}

func reloadLoop(ctx context.Context, p *pool.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Reload(ctx); err != nil {
				slog.Error("credential reload failed", "error", err)
			}
		}
	}
}

func purgeLoop(ctx context.Context, rl *ratelimit.InMemoryRateLimiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Purge()
		}
	}
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
