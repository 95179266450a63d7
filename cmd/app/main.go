package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"digistore/internal/auth"
	"digistore/internal/cache"
	"digistore/internal/catalog"
	"digistore/internal/config"
	"digistore/internal/feed"
	"digistore/internal/httpserver"
	"digistore/internal/ledger"
	"digistore/internal/logging"
	"digistore/internal/metrics"
	"digistore/internal/notify"
	"digistore/internal/orders"
	"digistore/internal/recharge"
	"digistore/internal/repo"
	"digistore/internal/review"
	"digistore/internal/wa"
	"digistore/migrations"

	"github.com/joho/godotenv"
)

type realtime interface {
	feed.Publisher
	feed.Subscriber
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting digistore", "env", cfg.AppEnv, "database", cfg.DatabaseDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	var (
		catalogCache catalog.Cache
		claims       recharge.ClaimStore
		locker       httpserver.Locker
		events       realtime = feed.NewHub()
	)
	if cfg.RedisAddr != "" {
		redisClient := cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
		catalogCache = redisClient
		claims = recharge.NewRedisClaims(redisClient)
		locker = redisClient
		events = feed.NewRedis(redisClient, logger)
	} else {
		logger.Warn("redis not configured, using in-process cache, claims and feed")
	}

	alerter := notify.Alerters{notify.NewLogAlerter(logger)}
	var userNotices notify.Multi

	var waClient *wa.Client
	if cfg.WhatsAppStorePath != "" {
		waClient, err = wa.New(ctx, wa.Config{
			StorePath: cfg.WhatsAppStorePath,
			LogLevel:  cfg.WhatsAppLogLevel,
			Metrics:   metricRegistry,
		}, logger)
		if err != nil {
			return fmt.Errorf("init whatsapp client: %w", err)
		}
		defer waClient.Close()

		phones := make([]string, 0, len(cfg.WhatsAppOperators))
		for _, op := range cfg.WhatsAppOperators {
			phones = append(phones, op.Phone)
		}
		alerter = append(alerter, wa.NewOperatorAlerter(waClient, phones, logger))
		userNotices = append(userNotices, wa.NewNotifier(waClient, repository, logger))
	}

	bal := ledger.New(repository, metricRegistry, logger)
	cat := catalog.New(repository, catalogCache, cfg.CatalogCacheTTL, logger)
	orderManager := orders.NewManager(repository, bal, cat, events, alerter, metricRegistry, logger)
	recorder := recharge.NewRecorder(repository, claims, cfg.RechargeClaimWindow, events, metricRegistry, logger)
	workflow := review.NewWorkflow(repository, bal, events, userNotices, metricRegistry, logger)

	if waClient != nil {
		operators := make(map[string]string, len(cfg.WhatsAppOperators))
		for _, op := range cfg.WhatsAppOperators {
			operators[op.Phone] = op.ProfileID
		}
		waClient.SetMessageProcessor(wa.NewConsole(waClient, workflow, repository, operators, logger))

		waCtx, waCancel := context.WithCancel(ctx)
		defer waCancel()
		go func() {
			if err := waClient.Start(waCtx); err != nil {
				logger.Error("whatsapp client stopped", "error", err)
				stop()
			}
		}()
	}

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Dependencies{
		Repository:  repository,
		Auth:        auth.NewVerifier(cfg.AuthJWTSecret, cfg.AuthJWTIssuer, repository, logger),
		Catalog:     cat,
		Orders:      orderManager,
		Recharge:    recorder,
		Review:      workflow,
		Feed:        events,
		Locker:      locker,
		InflightTTL: cfg.OrderInflightTTL,
	}, cfg.PublicBasePath)

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

	return nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Repository, error) {
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		r, err := repo.NewSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("init sqlite repository: %w", err)
		}
		return r, nil
	default:
		r, err := repo.New(ctx, cfg.DatabaseURL, cfg.SupabaseSchema, logger)
		if err != nil {
			return nil, fmt.Errorf("init repository: %w", err)
		}
		return r, nil
	}
}
