package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/dexroute/dexroute/api"
	"github.com/dexroute/dexroute/internal/config"
	"github.com/dexroute/dexroute/internal/database"
	"github.com/dexroute/dexroute/internal/eventlog"
	"github.com/dexroute/dexroute/internal/gateway"
	"github.com/dexroute/dexroute/internal/notifier"
	"github.com/dexroute/dexroute/internal/queue"
	"github.com/dexroute/dexroute/internal/router"
	"github.com/dexroute/dexroute/internal/store"
	"github.com/dexroute/dexroute/internal/venue"
	"github.com/dexroute/dexroute/internal/worker"
	"github.com/dexroute/dexroute/internal/ws"
	"github.com/dexroute/dexroute/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := database.NewPostgres(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to migrate database", zap.Error(err))
	}
	st := store.New(db)

	var notifierOpts []notifier.Option
	if cfg.Redis.Enabled {
		rdb, err := notifier.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			zapLogger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		notifierOpts = append(notifierOpts, notifier.WithRedis(rdb))
		zapLogger.Info("redis event mirror enabled", zap.String("addr", cfg.Redis.Addr))
	}
	events := notifier.New(zapLogger, notifierOpts...)
	eventLog := eventlog.New(st, events, zapLogger)
	gw := gateway.New(st, events, zapLogger)
	hub := ws.NewHub(gw, zapLogger)

	// Venue preference order doubles as the routing tie-break.
	registry := venue.NewRegistry(venue.NewRaydium(), venue.NewMeteora())
	rtr := router.New(registry, cfg.Worker.RouteTimeout, zapLogger)

	q, err := queue.New(queue.Config{
		Dir:          cfg.Queue.Dir,
		Concurrency:  cfg.Worker.PoolSize,
		PollInterval: cfg.Queue.PollInterval,
	}, zapLogger.Sugar())
	if err != nil {
		zapLogger.Fatal("Failed to open job queue", zap.Error(err))
	}

	w := worker.New(st, eventLog, rtr, registry, zapLogger)
	q.SetHandler(w.Handle)
	q.SetTerminalHandler(w.OnTerminalFailure)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start job queue", zap.Error(err))
	}

	retryPolicy := queue.RetryPolicy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseDelay:   cfg.Queue.BaseDelay,
		MaxDelay:    cfg.Queue.MaxDelay,
	}
	server := api.NewServer(zapLogger, st, q, eventLog, hub, retryPolicy, cfg.Server.RateLimit)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Handler(),
	}
	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("API server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	cancel()
	if err := q.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Queue shutdown failed", zap.Error(err))
	}
	zapLogger.Info("Shutdown complete")
}
