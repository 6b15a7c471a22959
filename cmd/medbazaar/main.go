package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/medbazaar/medbazaar/internal/app"
	"github.com/medbazaar/medbazaar/internal/inventory"
	"github.com/medbazaar/medbazaar/internal/invoice"
	"github.com/medbazaar/medbazaar/internal/observability"
	"github.com/medbazaar/medbazaar/internal/pharmacist"
	"github.com/medbazaar/medbazaar/internal/platform/cache"
	"github.com/medbazaar/medbazaar/internal/platform/db"
	"github.com/medbazaar/medbazaar/internal/sequence"
	"github.com/medbazaar/medbazaar/internal/shared"
	"github.com/medbazaar/medbazaar/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
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

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: 20, MaxConnIdleTime: 5 * time.Minute})
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

	metrics := observability.NewMetrics()

	notifier, err := jobs.NewNotifier(cfg.NotifyLocale)
	if err != nil {
		logger.Error("init notifier", slog.Any("error", err))
		os.Exit(1)
	}
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts, notifier)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		_ = inspector.Close()
	}()

	counter, err := sequenceCounter(cfg, pool, redisClient)
	if err != nil {
		logger.Error("init sequence counter", slog.Any("error", err))
		os.Exit(1)
	}

	audit := shared.NewAuditLogger(pool)
	inventoryService := inventory.NewService(inventory.NewRepository(pool), audit, jobClient, inventory.ServiceConfig{
		Location:          loc,
		LowStockThreshold: cfg.LowStockThreshold,
		Metrics:           metrics,
	}, logger)

	invoiceRepo := invoice.NewRepository(pool)
	coordinator := invoice.NewCoordinator(invoice.CoordinatorDeps{
		Stock:       inventoryService,
		Numbers:     sequence.NewAllocator(counter, loc),
		Vendors:     pharmacist.NewLookup(pharmacist.NewRepository(pool), redisClient, cfg.VendorCacheTTL, logger),
		Store:       invoiceRepo,
		Idempotency: shared.NewIdempotencyStore(pool),
		Dispatcher:  jobClient,
		Audit:       audit,
		Metrics:     metrics,
		Logger:      logger,
	}, invoice.CoordinatorConfig{
		CreateTimeout:       cfg.InvoiceCreateTimeout,
		CompensationTimeout: cfg.InvoiceCompensationTimeout,
		GrandTotalPlaces:    cfg.InvoiceGrandTotalPlaces,
		Location:            loc,
	})
	invoiceService := invoice.NewService(invoiceRepo, audit, invoice.ServiceConfig{Location: loc}, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		InvoiceHandler:   invoice.NewHandler(logger, coordinator, invoiceService, loc),
		InventoryHandler: inventory.NewHandler(logger, inventoryService),
		JobHandler:       jobs.NewHandler(inspector, logger),
		Metrics:          metrics,
		Checks: map[string]app.HealthCheck{
			"postgres": pool.Ping,
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr), slog.String("sequence_backend", cfg.SequenceBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

func sequenceCounter(cfg *app.Config, pool *pgxpool.Pool, client *redis.Client) (sequence.Counter, error) {
	switch cfg.SequenceBackend {
	case app.SequenceBackendPostgres:
		return sequence.NewPostgresCounter(pool), nil
	case app.SequenceBackendRedis:
		return sequence.NewRedisCounter(client, sequence.DefaultRetention), nil
	default:
		return nil, errors.New("unsupported sequence backend " + cfg.SequenceBackend)
	}
}
