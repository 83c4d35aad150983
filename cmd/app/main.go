package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nutri-de-bolso/internal/cache"
	"nutri-de-bolso/internal/config"
	"nutri-de-bolso/internal/convo"
	"nutri-de-bolso/internal/httpserver"
	"nutri-de-bolso/internal/logging"
	"nutri-de-bolso/internal/metrics"
	"nutri-de-bolso/internal/oracle"
	"nutri-de-bolso/internal/repo"
	"nutri-de-bolso/internal/scheduler"
	"nutri-de-bolso/internal/wa"
	"nutri-de-bolso/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// transport is what the engine needs from a WhatsApp backend.
type transport interface {
	wa.Sender
	wa.MediaFetcher
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting nutri-de-bolso", "env", cfg.AppEnv, "transport", cfg.WATransport)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	var (
		store   repo.Store = repository
		deduper convo.Deduper
		locker  convo.Locker
		health  = map[string]httpserver.Pinger{"database": repository}
	)
	if cfg.UseRedis() {
		redisClient := cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
			Prefix:   cfg.MetricsNamespace + ":",
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
		store = cache.NewDietCache(repository, redisClient, cfg.DietCacheTTL, logger)
		deduper = cache.NewDeduper(redisClient, cfg.DedupTTL)
		locker = cache.NewLocker(redisClient, cfg.UserLockTTL)
		health["redis"] = redisClient
	} else {
		logger.Info("redis not configured, running without dedup, sender lock or diet cache")
	}

	oracleClient, err := oracle.NewOpenAI(oracle.Config{
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.OpenAIModel,
		BaseURL: cfg.OpenAIBaseURL,
		Timeout: cfg.OpenAITimeout,
	}, logger, metricRegistry)
	if err != nil {
		return fmt.Errorf("init oracle: %w", err)
	}

	var (
		channel  transport
		waClient *wa.Client
		twilio   *wa.TwilioClient
	)
	switch cfg.WATransport {
	case config.TransportCloud:
		channel = wa.NewCloudClient(wa.CloudConfig{
			BaseURL:       cfg.WhatsAppGraphBaseURL,
			APIVersion:    cfg.WhatsAppAPIVersion,
			PhoneNumberID: cfg.WhatsAppPhoneNumberID,
			Token:         cfg.WhatsAppToken,
		}, logger, metricRegistry)
	case config.TransportWhatsmeow:
		waClient, err = wa.New(ctx, wa.Config{
			StorePath: cfg.WhatsAppStorePath,
			LogLevel:  cfg.WhatsAppLogLevel,
			QRPath:    cfg.WhatsAppQRPath,
			Metrics:   metricRegistry,
		}, logger)
		if err != nil {
			return fmt.Errorf("init whatsapp client: %w", err)
		}
		defer waClient.Close()
		channel = waClient
	case config.TransportTwilio:
		twilio, err = wa.NewTwilioClient(wa.TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioFromNumber,
		}, logger, metricRegistry)
		if err != nil {
			return fmt.Errorf("init twilio client: %w", err)
		}
		channel = twilio
	default:
		return fmt.Errorf("unsupported transport %q", cfg.WATransport)
	}

	engine, err := convo.NewEngine(convo.Deps{
		Store:           store,
		Oracle:          oracleClient,
		Sender:          channel,
		Media:           channel,
		Deduper:         deduper,
		Locker:          locker,
		Logger:          logger,
		Metrics:         metricRegistry,
		DefaultTimezone: cfg.DefaultUserTimezone,
		LockWait:        cfg.UserLockTTL,
	})
	if err != nil {
		return fmt.Errorf("init conversation engine: %w", err)
	}

	reportJob, err := convo.NewReportJob(store, oracleClient, channel, cfg.ReportTimezone, logger, metricRegistry)
	if err != nil {
		return fmt.Errorf("init report job: %w", err)
	}

	handlers := httpserver.Handlers{}
	switch {
	case waClient != nil:
		waClient.SetMessageProcessor(engine)
		waCtx, waCancel := context.WithCancel(ctx)
		defer waCancel()
		go func() {
			if err := waClient.Start(waCtx); err != nil {
				logger.Error("whatsapp client stopped", "error", err)
				stop()
			}
		}()
	case twilio != nil:
		if cfg.TwilioWebhookURL == "" {
			logger.Warn("TWILIO_WEBHOOK_URL not set, twilio signatures will not be checked")
		}
		handlers.TwilioWebhook = wa.NewTwilioWebhookHandler(logger, metricRegistry, cfg.TwilioAuthToken, cfg.TwilioWebhookURL, engine)
	default:
		handlers.WhatsAppWebhook = wa.NewWebhookHandler(logger, metricRegistry, cfg.WhatsAppVerifyToken, cfg.WhatsAppAppSecret, engine)
	}

	reportLoc, err := time.LoadLocation(cfg.ReportTimezone)
	if err != nil {
		return fmt.Errorf("load report timezone: %w", err)
	}
	sched := scheduler.New(reportLoc, logger)
	if err := sched.AddJob("daily_report", cfg.ReportCron, func(ctx context.Context, now time.Time) error {
		_, err := reportJob.Run(ctx, now)
		return err
	}); err != nil {
		return fmt.Errorf("schedule reports: %w", err)
	}
	sched.Start()

	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set, /admin endpoints are unauthenticated")
	}
	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, handlers, cfg.PublicBasePath)
	httpSrv.SetDependencies(httpserver.Dependencies{
		Health:     health,
		Reports:    reportJob,
		AdminToken: cfg.AdminToken,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	sched.Stop(shutdownCtx)

	return nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Repository, error) {
	if cfg.DatabaseURL != "" {
		pg, err := repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	logger.Info("DATABASE_URL not set, using sqlite", "path", cfg.SQLitePath)
	lite, err := repo.NewSQLite(ctx, cfg.SQLitePath, logger)
	if err != nil {
		return nil, err
	}
	return lite, nil
}
