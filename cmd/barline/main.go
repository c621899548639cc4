package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/barline-hq/barline/internal/apikeys"
	"github.com/barline-hq/barline/internal/app"
	"github.com/barline-hq/barline/internal/classify"
	"github.com/barline-hq/barline/internal/cronlock"
	"github.com/barline-hq/barline/internal/observability"
	"github.com/barline-hq/barline/internal/platform/cache"
	"github.com/barline-hq/barline/internal/platform/db"
	"github.com/barline-hq/barline/internal/receipts"
	"github.com/barline-hq/barline/internal/reminders"
	"github.com/barline-hq/barline/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, group cache disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}
	}()

	storage, err := receipts.NewDiskStorage(cfg.FileStorageDir)
	if err != nil {
		logger.Error("init file storage", slog.Any("error", err))
		os.Exit(1)
	}

	queue, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	groupCache := classify.NewCache(redisClient, 10*time.Minute)
	metrics := observability.NewMetrics()

	receiptsRepo := receipts.NewRepository(dbpool)
	engine := receipts.NewEngine(receiptsRepo, logger)
	engine.WithMetrics(metrics)
	retroRunner := receipts.NewRetroRunner(receiptsRepo, engine, groupCache, logger, cfg.RetroChunkSize, cfg.RetroTimeBudget)
	retroRunner.WithMetrics(metrics)
	receiptsService := receipts.NewService(receiptsRepo, engine, storage, queue, logger)
	receiptsService.WithMetrics(metrics)
	receiptsHandler := receipts.NewHandler(logger, receiptsService, retroRunner, cfg.StatementMaxBytes)

	var aiClient classify.Client
	if cfg.AIEnabled() {
		aiClient, err = classify.NewOpenAIClient(classify.OpenAIConfig{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel})
		if err != nil {
			logger.Error("init classifier", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		logger.Info("AI classification disabled, suggestions limited to existing vendors")
	}
	classifyRepo := classify.NewRepository(dbpool)
	classifyService := classify.NewService(classifyRepo, receiptsRepo, aiClient, groupCache, logger)
	classifyHandler := classify.NewHandler(logger, classifyService)

	loc, err := time.LoadLocation(cfg.ReminderTimezone)
	if err != nil {
		logger.Error("load reminder timezone", slog.String("tz", cfg.ReminderTimezone), slog.Any("error", err))
		os.Exit(1)
	}
	lockStore := cronlock.NewStore(dbpool)
	lockStore.WithMetrics(metrics)
	remindersRepo := reminders.NewRepository(dbpool)
	sender := reminders.NewHTTPSender(cfg.SMSEndpoint, cfg.SMSAPIKey)
	sweeper := reminders.NewSweeper(lockStore, remindersRepo, sender, loc, logger)
	sweeper.WithMetrics(metrics)
	remindersHandler := reminders.NewHandler(logger, sweeper, cfg.CronSecret)

	keysService := apikeys.NewService(apikeys.NewRepository(dbpool))
	keysHandler := apikeys.NewHandler(logger, keysService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		ReceiptsHandler:  receiptsHandler,
		ClassifyHandler:  classifyHandler,
		RemindersHandler: remindersHandler,
		APIKeysHandler:   keysHandler,
		APIKeys:          keysService,
		JobHandler:       jobHandler,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
