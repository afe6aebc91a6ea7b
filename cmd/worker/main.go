package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"github.com/riftline/previewctl/internal/audit"
	"github.com/riftline/previewctl/internal/build"
	"github.com/riftline/previewctl/internal/destroy"
	"github.com/riftline/previewctl/internal/docker"
	"github.com/riftline/previewctl/internal/domain"
	"github.com/riftline/previewctl/internal/forge"
	"github.com/riftline/previewctl/internal/queue"
	"github.com/riftline/previewctl/internal/store"
	"github.com/riftline/previewctl/internal/tunnel"
	"github.com/riftline/previewctl/internal/workspace"
	"github.com/riftline/previewctl/pkg/config"
	"github.com/riftline/previewctl/pkg/jwt"
	"github.com/riftline/previewctl/pkg/logger"
)

func main() {
	cfg := config.LoadWorkerConfig()
	log := logger.New("worker", slog.LevelInfo)

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
	auditLog := audit.New(pool, log)

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}

	workspaceManager, err := workspace.New(cfg.Workspace)
	if err != nil {
		log.Error("workspace init failed", "error", err, "workdir", cfg.Workspace)
		os.Exit(1)
	}

	tunnelManager := tunnel.New(tunnel.Options{
		Binary:          cfg.TunnelBinary,
		Protocol:        cfg.TunnelProtocol,
		Name:            cfg.TunnelName,
		Domain:          cfg.TunnelDomain,
		CredentialsPath: cfg.TunnelCredentialsPath,
		StartupTimeout:  cfg.TunnelStartupTimeout,
		ShutdownGrace:   cfg.TunnelShutdownGrace,
		HealthInterval:  cfg.TunnelHealthInterval,
	})
	defer tunnelManager.StopAll()

	// forgeClient is only assigned to the build.Commenter interface when
	// non-nil: a nil *forge.Client boxed into a non-nil interface would
	// make executor.go's "e.forge != nil" check pass, then panic on the
	// nil receiver's field access inside UpsertComment.
	var forgeClient build.Commenter
	if fc := newForgeClient(cfg, log); fc != nil {
		forgeClient = fc
	}

	buildExecutor := build.New(dockerClient, workspaceManager, st, tunnelManager, forgeClient, q, auditLog, cfg.EnvEncryptionKey, build.Options{
		GitCloneTimeout:            cfg.GitCloneTimeout,
		ImageBuildTimeout:          cfg.ImageBuildTimeout,
		ContainerRunTimeout:        cfg.ContainerRunTimeout,
		BuildRecipePath:            cfg.BuildRecipePath,
		ContainerPort:              cfg.ContainerPort,
		PortRangeMin:               cfg.PortRangeMin,
		PortRangeMax:               cfg.PortRangeMax,
		PortProbeConcurrency:       cfg.PortProbeConcurrency,
		PortProbeTimeout:           cfg.PortProbeTimeout,
		PortProbeAttempts:          cfg.PortProbeAttempts,
		ServiceReadyAttempts:       cfg.ServiceReadyAttempts,
		ServiceReadyDelay:          cfg.ServiceReadyDelay,
		ServiceReadyRequestTimeout: cfg.ServiceReadyRequestTimeout,
		PreviewURLAttempts:         cfg.PreviewURLAttempts,
		PreviewURLDelay:            cfg.PreviewURLDelay,
		PreviewURLRequestTimeout:   cfg.PreviewURLRequestTimeout,
		MetricsSampleInterval:      cfg.MetricsSampleInterval,
	}, log)

	destroyExecutor := destroy.New(dockerClient, st, tunnelManager, auditLog, destroy.Options{
		StopTimeout:   cfg.DestroyStopTimeout,
		RemoveTimeout: cfg.DestroyRemoveTimeout,
	}, log)

	go promoteAndRequeueLoop(ctx, q, log)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("worker metrics server starting", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()

	var wg sync.WaitGroup
	concurrency := cfg.JobConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		owner := "worker-" + workerID(i)
		go func() {
			defer wg.Done()
			runLoop(ctx, q, buildExecutor, destroyExecutor, owner, log)
		}()
	}

	<-ctx.Done()
	log.Info("worker shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	wg.Wait()
	log.Info("worker stopped")
}

func workerID(i int) string {
	host, _ := os.Hostname()
	return host + "-" + strconv.Itoa(i)
}

// runLoop repeatedly leases and runs jobs until ctx is cancelled.
func runLoop(ctx context.Context, q *queue.Queue, buildExecutor *build.Executor, destroyExecutor *destroy.Executor, owner string, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, ok, err := q.Dequeue(ctx, owner, 5*time.Second)
		if err != nil {
			log.Error("dequeue failed", "owner", owner, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}
		runJob(ctx, q, buildExecutor, destroyExecutor, job, log)
	}
}

func runJob(ctx context.Context, q *queue.Queue, buildExecutor *build.Executor, destroyExecutor *destroy.Executor, job domain.Job, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "job_id", job.ID, "panic", r)
			if failErr := q.Fail(ctx, job, fmt.Errorf("internal: panic: %v", r)); failErr != nil {
				log.Error("mark job failed", "job_id", job.ID, "error", failErr)
			}
		}
	}()

	report := func(pct int) {
		if err := q.Progress(ctx, job.ID, pct); err != nil {
			log.Debug("progress update failed", "job_id", job.ID, "error", err)
		}
	}

	var err error
	switch job.Kind {
	case domain.JobBuild:
		err = buildExecutor.Run(ctx, job, report)
	case domain.JobDestroy:
		err = destroyExecutor.Run(ctx, job.PRNumber, "")
	default:
		log.Error("unknown job kind", "job_id", job.ID, "kind", job.Kind)
		_ = q.Ack(ctx, job)
		return
	}

	if err != nil {
		var classified *build.Error
		if errors.As(err, &classified) && classified.Kind == build.KindDecryptError {
			// Non-retryable: a corrupted sealed payload will never
			// decrypt successfully on a later attempt.
			if ackErr := q.Ack(ctx, job); ackErr != nil {
				log.Error("ack non-retryable job failed", "job_id", job.ID, "error", ackErr)
			}
			return
		}
		if failErr := q.Fail(ctx, job, err); failErr != nil {
			log.Error("mark job failed", "job_id", job.ID, "error", failErr)
		}
		return
	}
	if ackErr := q.Ack(ctx, job); ackErr != nil {
		log.Error("ack job failed", "job_id", job.ID, "error", ackErr)
	}
}

// promoteAndRequeueLoop periodically promotes delayed retries into the
// ready lists and requeues jobs stranded by a worker that died mid-job.
func promoteAndRequeueLoop(ctx context.Context, q *queue.Queue, log *slog.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.PromoteDelayed(ctx); err != nil {
				log.Warn("promote delayed failed", "error", err)
			} else if n > 0 {
				log.Info("promoted delayed jobs", "count", n)
			}
			if n, err := q.RequeueStalled(ctx); err != nil {
				log.Warn("requeue stalled failed", "error", err)
			} else if n > 0 {
				log.Warn("requeued stalled jobs", "count", n)
			}
		}
	}
}

func newForgeClient(cfg config.WorkerConfig, log *slog.Logger) *forge.Client {
	if cfg.ForgeAppID == "" {
		log.Warn("FORGE_APP_ID not set, PR comments disabled")
		return nil
	}
	pemBytes, err := loadForgeKey(cfg)
	if err != nil {
		log.Warn("forge private key unavailable, PR comments disabled", "error", err)
		return nil
	}
	key, err := jwt.ParsePrivateKeyPEM(pemBytes)
	if err != nil {
		log.Warn("forge private key invalid, PR comments disabled", "error", err)
		return nil
	}
	return forge.New(cfg.ForgeBaseURL, cfg.ForgeAppID, key, cfg.ForgeCallbackTimeout)
}

func loadForgeKey(cfg config.WorkerConfig) ([]byte, error) {
	if path := strings.TrimSpace(cfg.ForgePrivateKeyPath); path != "" {
		return os.ReadFile(path)
	}
	if key := strings.TrimSpace(cfg.ForgePrivateKey); key != "" {
		return []byte(key), nil
	}
	return nil, errors.New("no forge private key configured")
}
