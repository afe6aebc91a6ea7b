// Package sweeper implements the Health & Sweeper component (C8): an
// on-demand health snapshot of the controller process and a ticker-driven
// GC that reaps deployment records past their max age.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/riftline/previewctl/internal/audit"
	"github.com/riftline/previewctl/internal/docker"
	"github.com/riftline/previewctl/internal/domain"
	"github.com/riftline/previewctl/internal/queue"
	"github.com/riftline/previewctl/internal/store"
)

// Auditor appends a durable lifecycle event. Optional: a nil Auditor is
// a no-op.
type Auditor interface {
	Record(ctx context.Context, pr int, kind audit.EventKind, detail map[string]any)
}

// Status is the top-level health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Snapshot is the JSON body returned by GET /health.
type Snapshot struct {
	Status         Status         `json:"status"`
	EngineReachable bool          `json:"engine_reachable"`
	Counts         map[string]int `json:"counts_by_status"`
	UptimeSeconds  float64        `json:"uptime_seconds"`
	MemoryPercent  float64        `json:"memory_percent"`
	CheckedAt      time.Time      `json:"checked_at"`
}

// Sweeper periodically reaps stale deployments and reports process
// health.
type Sweeper struct {
	store     *store.Store
	queue     *queue.Queue
	docker    *docker.Client
	auditor   Auditor
	logger    *slog.Logger
	maxAge    time.Duration
	interval  time.Duration
	startedAt time.Time
}

// New constructs a Sweeper. maxAge is the default record age at which
// a deployment is swept (24h); interval is how often the sweep runs
// (6h). The admin cleanup endpoint can override maxAge per call;
// interval cannot be overridden. auditor may be nil.
func New(st *store.Store, q *queue.Queue, dockerClient *docker.Client, auditor Auditor, maxAge, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: st, queue: q, docker: dockerClient, auditor: auditor, logger: logger, maxAge: maxAge, interval: interval, startedAt: time.Now()}
}

// Run blocks, sweeping on Sweeper.interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, s.maxAge); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
			if _, err := s.SweepOrphanContainers(ctx); err != nil {
				s.logger.Warn("orphan container sweep failed", "error", err)
			}
		}
	}
}

// SweepOrphanContainers removes previewctl-managed containers whose PR
// has no deployment record at all, the scenario left behind by a crash
// between a container starting and the store write that would have
// recorded it (or by the port-index leak this sweep exists to backstop
// even after that leak is fixed at the source).
func (s *Sweeper) SweepOrphanContainers(ctx context.Context) (int, error) {
	managed, err := s.docker.ListManagedContainers(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweeper: list managed containers: %w", err)
	}
	if len(managed) == 0 {
		return 0, nil
	}
	records, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweeper: list records: %w", err)
	}
	tracked := make(map[string]bool, len(records))
	for _, rec := range records {
		tracked[fmt.Sprintf("%d", rec.PRNumber)] = true
	}
	removed := 0
	for _, mc := range managed {
		if tracked[mc.PR] {
			continue
		}
		if err := s.docker.RemoveContainer(ctx, mc.ID); err != nil {
			s.logger.Warn("orphan container removal failed", "container_id", mc.ID, "pr", mc.PR, "error", err)
			continue
		}
		s.logger.Warn("removed orphaned preview container with no deployment record", "container_id", mc.ID, "pr", mc.PR)
		removed++
	}
	return removed, nil
}

// Sweep transitions every non-terminal record older than maxAge to
// destroying and enqueues a high-priority destroy job for it.
// Property P6: records younger than maxAge are left untouched.
func (s *Sweeper) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweeper: list records: %w", err)
	}
	now := time.Now()
	swept := 0
	for _, rec := range records {
		if rec.IsTerminal() {
			continue
		}
		if rec.Age(now) < maxAge {
			continue
		}
		if _, err := s.store.Transition(ctx, rec.PRNumber, func(r *domain.DeploymentRecord) error {
			r.Status = domain.StatusDestroying
			return nil
		}); err != nil {
			s.logger.Warn("sweep transition failed", "pr_number", rec.PRNumber, "error", err)
			continue
		}
		job := domain.Job{
			ID:          uuid.NewString(),
			Kind:        domain.JobDestroy,
			Priority:    domain.PriorityHigh,
			PRNumber:    rec.PRNumber,
			MaxAttempts: 3,
			EnqueuedAt:  now,
			NotBefore:   now,
		}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.logger.Warn("sweep enqueue failed", "pr_number", rec.PRNumber, "error", err)
			continue
		}
		if s.auditor != nil {
			s.auditor.Record(ctx, rec.PRNumber, audit.EventSweepReaped, map[string]any{"age_seconds": rec.Age(now).Seconds()})
		}
		swept++
	}
	return swept, nil
}

// Health computes the on-demand snapshot described in §4.8.
func (s *Sweeper) Health(ctx context.Context) Snapshot {
	engineReachable := true
	if err := s.docker.Ping(ctx); err != nil {
		engineReachable = false
	}

	records, _ := s.store.List(ctx)
	counts := map[string]int{}
	for _, r := range records {
		counts[string(r.Status)]++
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memPercent := 0.0
	if mem.Sys > 0 {
		memPercent = float64(mem.HeapInuse) / float64(mem.Sys) * 100
	}

	status := StatusHealthy
	switch {
	case !engineReachable || memPercent > 90:
		status = StatusDegraded
	case counts[string(domain.StatusFailed)] > counts[string(domain.StatusRunning)]:
		status = StatusUnhealthy
	}

	return Snapshot{
		Status:          status,
		EngineReachable: engineReachable,
		Counts:          counts,
		UptimeSeconds:   time.Since(s.startedAt).Seconds(),
		MemoryPercent:   memPercent,
		CheckedAt:       time.Now(),
	}
}
