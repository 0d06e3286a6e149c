package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PetoAdam/homenavi/asset-service/internal/assets"
	"github.com/PetoAdam/homenavi/asset-service/internal/backfill"
	"github.com/PetoAdam/homenavi/asset-service/internal/config"
	"github.com/PetoAdam/homenavi/asset-service/internal/devicestatus"
	"github.com/PetoAdam/homenavi/asset-service/internal/httpapi"
	"github.com/PetoAdam/homenavi/asset-service/internal/middleware"
	"github.com/PetoAdam/homenavi/asset-service/internal/observability"
	"github.com/PetoAdam/homenavi/asset-service/internal/ratelimit"
	"github.com/PetoAdam/homenavi/asset-service/internal/realtime"
	"github.com/PetoAdam/homenavi/asset-service/internal/store"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("db connect failed", "driver", cfg.DBDriver, "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db init failed", "error", err)
		os.Exit(1)
	}

	pubKey, err := middleware.LoadRSAPublicKey(cfg.JWTPublicKeyPath)
	if err != nil {
		slog.Error("jwt public key load failed", "path", cfg.JWTPublicKeyPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, tracer, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}
	metrics := observability.NewMetrics()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())

	opts := httpapi.Options{
		Auth:    middleware.JWTAuthMiddlewareRS256(pubKey),
		Observe: metrics.Middleware(tracer),
	}
	var rdb *redis.Client
	if addr := strings.TrimSpace(cfg.RateLimit.RedisAddr); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		rl := ratelimit.New(rdb, "asset-service:rl:", ratelimit.LimiterConfig{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst})
		opts.RateLimit = rl.Middleware(ratelimit.KeyByTenant)
		slog.Info("rate limiting enabled", "redis", addr, "rps", rl.Config.RPS, "burst", rl.Config.Burst)
	}

	hub := realtime.NewHub()
	svc := assets.NewService(repo)
	httpapi.NewServer(svc, hub, opts).Register(mux)

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	if cfg.DeviceSync {
		backfill.Start(ctx, repo, cfg.DeviceRegistryURL, &http.Client{Timeout: 10 * time.Second})
		slog.Info("device backfill enabled", "device_registry", cfg.DeviceRegistryURL)
	}
	if _, err := devicestatus.Start(ctx, repo, cfg.MQTTBrokerURL, cfg.DeviceStatePrefix); err != nil {
		slog.Warn("device status ingest disabled", "broker", cfg.MQTTBrokerURL, "error", err)
	}

	go func() {
		slog.Info("asset-service started", "port", cfg.Port, "db", cfg.DBDriver)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown failed", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("tracer shutdown failed", "error", err)
	}
	if rdb != nil {
		_ = rdb.Close()
	}

	slog.Info("asset-service stopped")
}

func openDB(cfg config.Config) (*gorm.DB, error) {
	if cfg.DBDriver == "sqlite" {
		return store.OpenSQLite(cfg.SQLitePath)
	}
	return store.OpenPostgres(
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.DBName,
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.SSLMode,
	)
}

func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, hopts)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		h = slog.NewJSONHandler(os.Stdout, hopts)
	}
	slog.SetDefault(slog.New(h))
}
