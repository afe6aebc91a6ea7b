// Package destroy implements the Destroy Executor (C6): stop/remove a
// preview container, clean up its images, stop its tunnel, and drop
// the deployment record, with every step best-effort and independently
// accounted for.
package destroy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/riftline/previewctl/internal/audit"
	"github.com/riftline/previewctl/internal/docker"
	"github.com/riftline/previewctl/internal/domain"
	"github.com/riftline/previewctl/internal/metrics"
	"github.com/riftline/previewctl/internal/store"
)

// ErrInvalidContainerID indicates the supplied container id failed
// validation before any engine contact was attempted.
var ErrInvalidContainerID = errors.New("destroy: invalid container id")

var containerIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$|^[0-9a-zA-Z]{3,64}$`)

// ValidateContainerID accepts full 64-hex-char IDs or 3-64 character
// alphanumeric prefixes; anything else is rejected without engine
// contact.
func ValidateContainerID(id string) error {
	if !containerIDPattern.MatchString(id) {
		return ErrInvalidContainerID
	}
	return nil
}

// Tunneler is the subset of tunnel.Manager the executor needs.
type Tunneler interface {
	Stop(ctx context.Context, pr int) error
}

// Auditor appends a durable lifecycle event. Optional: a nil Auditor is
// a no-op.
type Auditor interface {
	Record(ctx context.Context, pr int, kind audit.EventKind, detail map[string]any)
}

// Options bounds the stop/remove timeouts, sourced from
// pkg/config.WorkerConfig.
type Options struct {
	StopTimeout   time.Duration
	RemoveTimeout time.Duration
}

// Executor tears down a preview deployment.
type Executor struct {
	docker  *docker.Client
	store   *store.Store
	tunnel  Tunneler
	auditor Auditor
	opts    Options
	logger  *slog.Logger
}

// New constructs an Executor. auditor may be nil.
func New(dockerClient *docker.Client, st *store.Store, tunneler Tunneler, auditor Auditor, opts Options, logger *slog.Logger) *Executor {
	return &Executor{docker: dockerClient, store: st, tunnel: tunneler, auditor: auditor, opts: opts, logger: logger}
}

// Run tears down pr's deployment. containerID may be empty, in
// which case containers are located by the conventional preview-<N>
// name instead.
func (e *Executor) Run(ctx context.Context, pr int, containerID string) error {
	var errs []string
	defer metrics.New().ClearContainerSample(pr)

	containerIDs, err := e.resolveContainers(ctx, pr, containerID)
	if err != nil {
		errs = append(errs, err.Error())
	}

	imageRefs := map[string]bool{}
	removedAny := false
	for _, id := range containerIDs {
		if info, err := e.docker.Inspect(ctx, id); err == nil {
			imageRefs[info.Config.Image] = true
		}

		stopCtx, cancel := context.WithTimeout(ctx, e.opts.StopTimeout)
		if err := e.docker.StopContainer(stopCtx, id, e.opts.StopTimeout); err != nil {
			errs = append(errs, fmt.Sprintf("stop %s: %v", id, err))
		}
		cancel()

		removeCtx, cancel := context.WithTimeout(ctx, e.opts.RemoveTimeout)
		if err := e.docker.RemoveContainer(removeCtx, id); err != nil {
			errs = append(errs, fmt.Sprintf("remove %s: %v", id, err))
		} else {
			removedAny = true
		}
		cancel()
	}

	for ref := range imageRefs {
		if err := e.docker.RemoveImage(ctx, ref); err != nil {
			errs = append(errs, fmt.Sprintf("remove image %s: %v", ref, err))
		}
	}
	tagPrefix := fmt.Sprintf("preview-pr-%d:", pr)
	if stale, err := e.docker.ListImagesByPrefix(ctx, tagPrefix); err == nil {
		for _, ref := range stale {
			if err := e.docker.RemoveImage(ctx, ref); err != nil {
				errs = append(errs, fmt.Sprintf("remove stale image %s: %v", ref, err))
			}
		}
	}

	if residual, err := e.docker.ListContainersByName(ctx, fmt.Sprintf("preview-%d", pr)); err == nil {
		for _, id := range residual {
			if err := e.docker.RemoveContainer(ctx, id); err != nil {
				errs = append(errs, fmt.Sprintf("sweep residual %s: %v", id, err))
			} else {
				removedAny = true
			}
		}
	}

	if e.tunnel != nil {
		if err := e.tunnel.Stop(ctx, pr); err != nil {
			errs = append(errs, fmt.Sprintf("stop tunnel: %v", err))
		}
	}

	if removedAny || len(containerIDs) == 0 {
		if err := e.store.Delete(ctx, pr); err != nil {
			errs = append(errs, fmt.Sprintf("delete record: %v", err))
		}
		if len(errs) > 0 {
			e.logger.Warn("destroy completed with partial errors", "pr_number", pr, "errors", errs)
		}
		if e.auditor != nil {
			e.auditor.Record(ctx, pr, audit.EventDeploymentDestroyed, map[string]any{"partial_errors": errs})
		}
		metrics.New().RecordJobOutcome("destroy", "destroyed")
		return nil
	}

	aggregated := fmt.Errorf("destroy-partial: %s", strings.Join(errs, "; "))
	if _, txErr := e.store.Transition(ctx, pr, func(r *domain.DeploymentRecord) error {
		r.Status = domain.StatusFailed
		r.LastError = aggregated.Error()
		return nil
	}); txErr != nil {
		e.logger.Error("failed to record destroy failure", "pr_number", pr, "error", txErr)
	}
	if e.auditor != nil {
		e.auditor.Record(ctx, pr, audit.EventDeploymentFailed, map[string]any{"error": aggregated.Error()})
	}
	metrics.New().RecordJobOutcome("destroy", "failed")
	return aggregated
}

func (e *Executor) resolveContainers(ctx context.Context, pr int, containerID string) ([]string, error) {
	if containerID != "" {
		if err := ValidateContainerID(containerID); err != nil {
			return nil, err
		}
		return []string{containerID}, nil
	}
	ids, err := e.docker.ListContainersByName(ctx, fmt.Sprintf("preview-%d", pr))
	if err != nil {
		return nil, fmt.Errorf("enumerate containers for pr %d: %w", pr, err)
	}
	return ids, nil
}
