package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/168iroha/tag-search-engine/internal/cache"
	"github.com/168iroha/tag-search-engine/internal/engine"
	"github.com/168iroha/tag-search-engine/internal/events"
	"github.com/168iroha/tag-search-engine/internal/server"
	"github.com/168iroha/tag-search-engine/internal/store"
	"github.com/168iroha/tag-search-engine/pkg/config"
	"github.com/168iroha/tag-search-engine/pkg/health"
	"github.com/168iroha/tag-search-engine/pkg/logger"
	"github.com/168iroha/tag-search-engine/pkg/metrics"
	"github.com/168iroha/tag-search-engine/pkg/middleware"
	"github.com/168iroha/tag-search-engine/pkg/postgres"
	pkgredis "github.com/168iroha/tag-search-engine/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting tag-search service",
		"port", cfg.Server.Port,
		"cache_dir", cfg.Cache.BaseDir,
		"limit_tags", cfg.Search.LimitTags,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownMetrics(shutdownCtx)
		}()
	}

	// The database is opened lazily on first use so the service starts even
	// while postgres is still coming up.
	db := store.New(store.DialectPostgres, func() (*sql.DB, error) {
		return postgres.Open(cfg.Postgres)
	})
	defer db.Close()

	cacheManager := cache.NewManager(cfg.Cache.BaseDir, db)

	var redisClient *pkgredis.Client
	redisClient, err = pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, rate limiting disabled", "error", err)
		redisClient = nil
	} else {
		defer redisClient.Close()
		slog.Info("rate limiting enabled",
			"addr", cfg.Redis.Addr,
			"limit", cfg.Redis.RateLimit,
			"window", cfg.Redis.RateWindow,
		)
	}

	var collector *events.Collector
	if cfg.Kafka.Enabled {
		producer := events.NewProducer(cfg.Kafka, cfg.Kafka.Topics.ChangeEvents)
		defer producer.Close()
		collector = events.NewCollector(producer, 100, 5*time.Second)
		collector.Start(ctx)
		defer collector.Close()
		slog.Info("change events enabled", "topic", cfg.Kafka.Topics.ChangeEvents)
	}

	eng := engine.New(engine.Options{
		DB:        db,
		Cache:     cacheManager,
		PageSize:  cfg.Search.PageSize,
		LimitTags: cfg.Search.LimitTags,
		Metrics:   m,
		Events:    collector,
	})

	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) error {
		handle, err := db.Handle()
		if err != nil {
			return err
		}
		return handle.PingContext(ctx)
	})
	checker.RegisterOptional("redis", func(ctx context.Context) error {
		if redisClient == nil {
			return fmt.Errorf("not configured")
		}
		return redisClient.Ping(ctx)
	})
	checker.Register("cache_dir", health.DirWritable(cfg.Cache.BaseDir))

	// Background sweeper: expire stale entries, then remove directories left
	// behind by deferred deletes.
	go func() {
		ticker := time.NewTicker(cfg.Cache.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sweepCtx, cancel := context.WithTimeout(ctx, cfg.Cache.SweepInterval)
				if err := eng.InvalidateByTime(sweepCtx, time.Now()); err != nil {
					slog.Error("time invalidation failed", "error", err)
				}
				cancel()
				if err := eng.SweepFilesystem(); err != nil {
					slog.Error("cache file sweep failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	h := server.New(eng)
	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.RateLimit(redisClient, cfg.Redis.RateLimit, cfg.Redis.RateWindow)(chain)
	if m != nil {
		chain = middleware.Metrics(m)(chain)
	}
	chain = middleware.RequestID(chain)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("tag-search service listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("tag-search service stopped")
}
