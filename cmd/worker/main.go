package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/medbazaar/medbazaar/internal/app"
	"github.com/medbazaar/medbazaar/internal/inventory"
	"github.com/medbazaar/medbazaar/internal/invoice"
	jobmetrics "github.com/medbazaar/medbazaar/internal/jobs"
	"github.com/medbazaar/medbazaar/internal/pharmacist"
	"github.com/medbazaar/medbazaar/internal/platform/cache"
	"github.com/medbazaar/medbazaar/internal/platform/db"
	"github.com/medbazaar/medbazaar/internal/shared"
	"github.com/medbazaar/medbazaar/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	loc := cfg.Location()

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: 5, MaxConnIdleTime: 5 * time.Minute})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	notifier, err := jobs.NewNotifier(cfg.NotifyLocale)
	if err != nil {
		logger.Error("init notifier", slog.Any("error", err))
		os.Exit(1)
	}
	var mailer jobs.Mailer = jobs.NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom)
	if cfg.SMTPHost == "" {
		mailer = jobs.LogMailer{Logger: logger}
	}

	metrics := jobmetrics.NewMetrics(nil)
	audit := shared.NewAuditLogger(pool)
	inventoryService := inventory.NewService(inventory.NewRepository(pool), audit, nil, inventory.ServiceConfig{Location: loc}, logger)
	invoiceService := invoice.NewService(invoice.NewRepository(pool), audit, invoice.ServiceConfig{Location: loc}, logger)
	vendors := pharmacist.NewLookup(pharmacist.NewRepository(pool), redisClient, cfg.VendorCacheTTL, logger)

	releaseJob := jobs.NewStockReleaseJob(inventoryService, logger, metrics)
	lowStockJob := &jobs.LowStockJob{Vendors: vendors, Notifier: notifier, Mailer: mailer, Logger: logger, Metrics: metrics}
	mailJob := &jobs.SendEmailJob{Mailer: mailer, Logger: logger, Metrics: metrics}
	overdueJob := jobs.NewMarkOverdueJob(invoiceService, logger, metrics)
	cleanupJob := &jobs.IdempotencyCleanupJob{Keys: shared.NewIdempotencyStore(pool), Logger: logger, Metrics: metrics}
	staleHoldJob := &jobs.StaleHoldJob{Holds: inventoryService, Logger: logger, Metrics: metrics}

	overdueTask, err := jobs.NewMarkOverdueTask()
	if err != nil {
		logger.Error("build overdue task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyRetention)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}
	staleHoldTask, err := jobs.NewReleaseStaleHoldsTask(cfg.StockHoldTTL)
	if err != nil {
		logger.Error("build stale hold task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Location:    loc,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskStockRelease, Handler: releaseJob.Handle},
			{Type: jobs.TaskLowStock, Handler: lowStockJob.Handle},
			{Type: jobs.TaskTypeSendEmail, Handler: mailJob.Handle},
			{Type: jobs.TaskMarkOverdue, Handler: overdueJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
			{Type: jobs.TaskReleaseStaleHolds, Handler: staleHoldJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.OverdueSweepCron, Task: overdueTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 3 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "*/5 * * * *", Task: staleHoldTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
