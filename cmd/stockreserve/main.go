package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/efreitasn/stockreserve/internal/broadcast"
	"github.com/efreitasn/stockreserve/internal/config"
	"github.com/efreitasn/stockreserve/internal/domain"
	"github.com/efreitasn/stockreserve/internal/engine"
	"github.com/efreitasn/stockreserve/internal/handler"
	"github.com/efreitasn/stockreserve/internal/metrics"
	"github.com/efreitasn/stockreserve/internal/service"
	"github.com/efreitasn/stockreserve/internal/store"
	"github.com/efreitasn/stockreserve/internal/store/pgstore"
	"github.com/efreitasn/stockreserve/internal/store/redisstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// ledger is what the coordinator needs plus seeding at startup.
type ledger interface {
	engine.Ledger
	Seed(ctx context.Context, rec domain.StockRecord) error
}

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Set up slog logger with configured level.
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Ledger: Postgres when DATABASE_URL is set, in-memory otherwise.
	var stockLedger ledger
	if cfg.DatabaseURL != "" {
		pool, err := pgstore.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to postgres", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pool.Close()

		pg := pgstore.NewLedger(pool, logger)
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("failed to migrate ledger schema", slog.String("error", err.Error()))
			os.Exit(1)
		}
		stockLedger = pg
		logger.Info("using postgres ledger")
	} else {
		mem := store.NewMemoryLedger()
		// A confirm can be retried while its reservation is live or retained.
		mem.SetRetention(cfg.MaxReservationTTL + cfg.ReservationRetention)
		stockLedger = mem
		logger.Info("using in-memory ledger")
	}

	if cfg.StockSeedFile != "" {
		records, err := config.LoadSeed(cfg.StockSeedFile)
		if err != nil {
			logger.Error("failed to load stock seed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		for _, rec := range records {
			if err := stockLedger.Seed(ctx, rec); err != nil {
				logger.Error("failed to seed stock",
					slog.String("key", rec.Key.String()),
					slog.String("error", err.Error()),
				)
				os.Exit(1)
			}
		}
		logger.Info("stock seeded", slog.Int("keys", len(records)))
	}

	// Idempotency: Redis when REDIS_ADDR is set, in-memory otherwise.
	var idem service.IdempotencyStore
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			logger.Error("failed to connect to redis", slog.String("error", err.Error()))
			os.Exit(1)
		}
		idem = redisstore.NewIdempotencyStore(client, cfg.IdempotencyTTL)
		logger.Info("using redis idempotency store", slog.String("addr", cfg.RedisAddr))
	} else {
		idem = store.NewIdempotencyStore(cfg.IdempotencyTTL)
	}

	// Broadcasting: the in-process hub, plus Kafka when brokers are configured.
	hub := broadcast.NewHub(cfg.SubscriberBuffer, m)
	var publisher broadcast.Publisher = hub

	var kafkaDone chan struct{}
	if len(cfg.KafkaBrokers) > 0 {
		writer := broadcast.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer writer.Close()

		sink := broadcast.NewKafkaSink(writer, 1024, m, logger)
		publisher = broadcast.NewFanout(hub, sink)

		kafkaDone = make(chan struct{})
		go func() {
			defer close(kafkaDone)
			sink.Run(ctx)
		}()
		logger.Info("exporting stock events to kafka", slog.String("topic", cfg.KafkaTopic))
	}

	// Engine.
	reservations := store.NewReservationStore()
	coord := engine.NewCoordinator(engine.Options{
		DefaultTTL:        cfg.ReservationTTL,
		MaxTTL:            cfg.MaxReservationTTL,
		LowStockThreshold: cfg.LowStockThreshold,
		LedgerTimeout:     cfg.LedgerTimeout,
	}, reservations, stockLedger, publisher, m, logger)

	sweeper := engine.NewSweeper(cfg.SweepInterval, cfg.ReservationRetention, coord, reservations, m, logger)
	sweeper.Start(ctx)

	// Service and router.
	svc := service.NewReservationService(coord, idem, hub, logger)
	ws := broadcast.NewWSServer(hub, svc.GetAvailability, logger)
	router := handler.NewRouter(svc, ws, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), m, logger)

	// Configure HTTP server.
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	// Event streams only end when their subscription does.
	srv.RegisterOnShutdown(hub.Close)

	// Start HTTP server in a goroutine.
	go func() {
		logger.Info("server starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Wait for SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	// Graceful shutdown: stop HTTP server, then cancel the context, which
	// stops the sweeper and flushes the Kafka sink.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	cancel()

	if kafkaDone != nil {
		select {
		case <-kafkaDone:
		case <-shutdownCtx.Done():
			logger.Warn("kafka sink did not flush before shutdown timeout")
		}
	}

	logger.Info("server stopped")
}
