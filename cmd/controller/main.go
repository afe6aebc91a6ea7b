package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/riftline/previewctl/internal/audit"
	"github.com/riftline/previewctl/internal/docker"
	httpx "github.com/riftline/previewctl/internal/httpapi"
	"github.com/riftline/previewctl/internal/queue"
	"github.com/riftline/previewctl/internal/store"
	"github.com/riftline/previewctl/internal/sweeper"
	"github.com/riftline/previewctl/internal/webhook"
	"github.com/riftline/previewctl/internal/ws"
	"github.com/riftline/previewctl/pkg/config"
	"github.com/riftline/previewctl/pkg/logger"
)

func main() {
	cfg := config.LoadControllerConfig()
	log := logger.New("controller", slog.LevelInfo)
	if cfg.WebhookSecret == "" {
		log.Error("WEBHOOK_SECRET is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("redis ping failed", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	st := store.New(redisClient, cfg.DeploymentTTL)
	q := queue.New(redisClient, queue.Options{
		BackoffBase: cfg.JobBackoffBase,
		BackoffCap:  cfg.JobBackoffCap,
		Factor:      cfg.JobBackoffFactor,
		StallAfter:  cfg.JobStallTimeout,
	})

	pool, err := pgxpool.New(ctx, cfg.AuditDatabaseURL)
	if err != nil {
		log.Error("failed to connect to audit database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := audit.NewMigrationRunner(pool, cfg.AuditDatabaseURL, cfg.AuditMigrationsDir, log)
	if err != nil {
		log.Error("failed to configure audit migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("audit database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("audit migrations failed", "error", err)
		os.Exit(1)
	}
	auditLog := audit.New(pool, log)

	dispatcher := webhook.New(st, q, auditLog, cfg.WebhookSecret, cfg.JobMaxAttempts, log)

	dockerClient, err := docker.New("")
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()

	healthSweeper := sweeper.New(st, q, dockerClient, auditLog, cfg.SweepMaxAge, cfg.SweepInterval, log)
	go healthSweeper.Run(ctx)

	hub := ws.NewHub()
	go bridgeProgress(ctx, q, hub, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, falling back to in-memory", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.New(log, dispatcher, st, q, healthSweeper, healthSweeper, hub, limiter, httpx.Config{
		WebhookSecret: cfg.WebhookSecret,
		AdminToken:    cfg.AdminToken,
		CORSOrigin:    cfg.CORSOrigin,
		MaxBodyBytes:  cfg.MaxBodyBytes,
		TrustProxy:    cfg.TrustProxy,
		RateLimitMax:  cfg.RateLimitMax,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("controller server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("controller server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// bridgeProgress forwards every Redis Pub/Sub progress event onto the
// dashboard's in-process hub, keyed by PR number, so a controller
// instance with no worker running locally still tails build/destroy
// output produced by a remote worker process.
func bridgeProgress(ctx context.Context, q *queue.Queue, hub *ws.Hub, log *slog.Logger) {
	events, cancel := q.SubscribeProgress(ctx)
	defer cancel()
	for evt := range events {
		hub.Broadcast(strconv.Itoa(evt.PRNumber), []byte(evt.Line))
	}
}
