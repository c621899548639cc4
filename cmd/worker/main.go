package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/barline-hq/barline/internal/app"
	"github.com/barline-hq/barline/internal/classify"
	"github.com/barline-hq/barline/internal/cronlock"
	jobmetrics "github.com/barline-hq/barline/internal/jobs"
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

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	queue, err := jobs.NewClient(redisOpts)
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

	receiptsRepo := receipts.NewRepository(dbpool)
	engine := receipts.NewEngine(receiptsRepo, logger)
	retroRunner := receipts.NewRetroRunner(receiptsRepo, engine, groupCache, logger, cfg.RetroChunkSize, cfg.RetroTimeBudget)

	var aiClient classify.Client
	if cfg.AIEnabled() {
		aiClient, err = classify.NewOpenAIClient(classify.OpenAIConfig{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel})
		if err != nil {
			logger.Error("init classifier", slog.Any("error", err))
			os.Exit(1)
		}
	}
	classifyService := classify.NewService(classify.NewRepository(dbpool), receiptsRepo, aiClient, groupCache, logger)

	loc, err := time.LoadLocation(cfg.ReminderTimezone)
	if err != nil {
		logger.Error("load reminder timezone", slog.String("tz", cfg.ReminderTimezone), slog.Any("error", err))
		os.Exit(1)
	}
	sender := reminders.NewHTTPSender(cfg.SMSEndpoint, cfg.SMSAPIKey)
	sweeper := reminders.NewSweeper(cronlock.NewStore(dbpool), reminders.NewRepository(dbpool), sender, loc, logger)

	metrics := jobmetrics.NewMetrics(nil)
	warmupJob := jobs.NewClassifyWarmupJob(classifyService, logger, metrics)
	retroJob := jobs.NewRetroRunJob(retroRunner, queue, logger, metrics)
	sweepJob := jobs.NewReminderSweepJob(sweeper, logger, metrics)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Location:  loc,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskClassifyGroups, Handler: warmupJob.Handle},
			{Type: jobs.TaskRetroRun, Handler: retroJob.Handle},
			{Type: jobs.TaskReminderSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 10 * * *", Task: jobs.NewReminderSweepTask()},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker")
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
