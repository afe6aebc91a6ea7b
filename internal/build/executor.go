// Package build implements the Build Executor (C5): clone, image
// build, port allocation, container run, readiness probing, tunnel
// exposure, and a best-effort PR comment.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/riftline/previewctl/internal/audit"
	"github.com/riftline/previewctl/internal/domain"
	"github.com/riftline/previewctl/internal/docker"
	"github.com/riftline/previewctl/internal/git"
	"github.com/riftline/previewctl/internal/metrics"
	"github.com/riftline/previewctl/internal/portalloc"
	"github.com/riftline/previewctl/internal/store"
	"github.com/riftline/previewctl/internal/workspace"
	"github.com/riftline/previewctl/pkg/crypto"
)

// Kind is a stable error-classification string recorded as last_error,
// per the error taxonomy in §7.
type Kind string

const (
	KindEngineUnavailable Kind = "engine-unavailable"
	KindCloneFailed       Kind = "clone-failed"
	KindBuildFailed       Kind = "build-failed"
	KindNoFreePort        Kind = "no-free-port"
	KindRunFailed         Kind = "run-failed"
	KindTunnelFailed      Kind = "tunnel-failed"
	KindDecryptError      Kind = "decrypt-error"
	KindInternal          Kind = "internal"
)

// Error wraps a classified failure with its underlying cause.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Cause) }
func (e *Error) Unwrap() error { return e.Cause }

func fail(kind Kind, cause error) error { return &Error{Kind: kind, Cause: cause} }

// Tunneler is the subset of tunnel.Manager the executor needs.
type Tunneler interface {
	Start(ctx context.Context, pr, hostPort int) (string, error)
}

// Commenter is the subset of forge.Client the executor needs.
type Commenter interface {
	UpsertComment(ctx context.Context, repoFullName string, pr int, body string) error
}

// Publisher fans build output lines out to the dashboard's live-tail
// websocket via the controller's Redis Pub/Sub bridge. Optional: a nil
// Publisher silently drops every line.
type Publisher interface {
	PublishProgress(ctx context.Context, pr int, line string) error
}

// Auditor appends a durable lifecycle event, independent of the Redis
// deployment record's TTL. Optional: a nil Auditor is a no-op.
type Auditor interface {
	Record(ctx context.Context, pr int, kind audit.EventKind, detail map[string]any)
}

// ProgressFunc reports build progress (0..100) for the owning job.
type ProgressFunc func(pct int)

// Options bounds every timed step of the algorithm, sourced from
// pkg/config.WorkerConfig.
type Options struct {
	GitCloneTimeout     time.Duration
	ImageBuildTimeout   time.Duration
	ContainerRunTimeout time.Duration
	BuildRecipePath     string
	ContainerPort       int

	PortRangeMin         int
	PortRangeMax         int
	PortProbeConcurrency int
	PortProbeTimeout     time.Duration
	PortProbeAttempts    int

	ServiceReadyAttempts       int
	ServiceReadyDelay          time.Duration
	ServiceReadyRequestTimeout time.Duration

	PreviewURLAttempts       int
	PreviewURLDelay          time.Duration
	PreviewURLRequestTimeout time.Duration

	MetricsSampleInterval time.Duration
}

// Executor runs the build pipeline for one job.
type Executor struct {
	docker    *docker.Client
	workspace *workspace.Manager
	store     *store.Store
	tunnel    Tunneler
	forge     Commenter
	publisher Publisher
	auditor   Auditor
	logger    *slog.Logger
	secret    string
	opts      Options
}

// New constructs an Executor. publisher and auditor may be nil.
func New(dockerClient *docker.Client, ws *workspace.Manager, st *store.Store, tunneler Tunneler, forgeClient Commenter, publisher Publisher, auditor Auditor, secret string, opts Options, logger *slog.Logger) *Executor {
	return &Executor{docker: dockerClient, workspace: ws, store: st, tunnel: tunneler, forge: forgeClient, publisher: publisher, auditor: auditor, secret: secret, opts: opts, logger: logger}
}

func (e *Executor) publish(ctx context.Context, pr int, line string) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishProgress(ctx, pr, line); err != nil {
		e.logger.Debug("progress publish failed", "pr_number", pr, "error", err)
	}
}

// Run executes the algorithm in §4.5 for job, reporting progress via
// report and writing the terminal DeploymentRecord state. Failures are
// returned as *Error, including the non-retryable decrypt-error kind;
// the caller checks Kind to decide whether the job is retried.
func (e *Executor) Run(ctx context.Context, job domain.Job, report ProgressFunc) error {
	if report == nil {
		report = func(int) {}
	}

	cloneURL, err := crypto.OpenPayload(e.secret, crypto.SealedPayload(job.Sensitive.CloneURL))
	if err != nil {
		return e.terminal(ctx, job.PRNumber, fail(KindDecryptError, err))
	}
	commitSHA, err := crypto.OpenPayload(e.secret, crypto.SealedPayload(job.Sensitive.CommitSHA))
	if err != nil {
		return e.terminal(ctx, job.PRNumber, fail(KindDecryptError, err))
	}

	report(5)
	e.publish(ctx, job.PRNumber, "checking container engine")
	if err := e.docker.Ping(ctx); err != nil {
		return e.terminal(ctx, job.PRNumber, fail(KindEngineUnavailable, err))
	}

	workdir, err := e.workspace.Prepare(fmt.Sprintf("pr-%d", job.PRNumber))
	if err != nil {
		return e.terminal(ctx, job.PRNumber, fail(KindInternal, err))
	}
	defer func() {
		if err := e.workspace.Cleanup(workdir); err != nil {
			e.logger.Warn("workspace cleanup failed", "pr_number", job.PRNumber, "error", err)
		}
	}()

	report(10)
	e.publish(ctx, job.PRNumber, fmt.Sprintf("cloning %s@%s", job.RepoFullName, job.Branch))
	cloneCtx, cancel := context.WithTimeout(ctx, e.opts.GitCloneTimeout)
	stopCloneTimer := metrics.New().StageTimer("clone")
	err = git.CloneBranch(cloneCtx, cloneURL, job.Branch, workdir)
	stopCloneTimer()
	cancel()
	if err != nil {
		return e.terminal(ctx, job.PRNumber, fail(KindCloneFailed, err))
	}

	imageTag := fmt.Sprintf("preview-pr-%d:%d", job.PRNumber, time.Now().UnixNano())
	report(25)
	e.publish(ctx, job.PRNumber, "building image "+imageTag)
	buildCtx, cancel := context.WithTimeout(ctx, e.opts.ImageBuildTimeout)
	stopBuildTimer := metrics.New().StageTimer("image-build")
	buildErr := e.buildImage(buildCtx, workdir, imageTag, job.PRNumber)
	stopBuildTimer()
	cancel()
	if buildErr != nil {
		_ = e.docker.RemoveImage(context.Background(), imageTag)
		return e.terminal(ctx, job.PRNumber, fail(KindBuildFailed, buildErr))
	}
	report(50)

	containerPort := e.opts.ContainerPort
	if containerPort == 0 {
		containerPort = 3000
	}
	hostPort, err := e.allocatePort(ctx)
	if err != nil {
		return e.terminal(ctx, job.PRNumber, fail(KindNoFreePort, err))
	}
	report(60)

	containerName := fmt.Sprintf("preview-%d", job.PRNumber)
	_ = e.docker.RemoveContainer(ctx, containerName)

	port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
	ports := nat.PortMap{
		port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", hostPort)}},
	}
	e.publish(ctx, job.PRNumber, fmt.Sprintf("starting container on host port %d", hostPort))
	runCtx, cancel := context.WithTimeout(ctx, e.opts.ContainerRunTimeout)
	stopRunTimer := metrics.New().StageTimer("container-run")
	labels := map[string]string{"previewctl.managed": "true", "previewctl.pr": fmt.Sprintf("%d", job.PRNumber)}
	info, err := e.docker.RunContainer(runCtx, containerName, imageTag, nil, nil, ports, labels)
	stopRunTimer()
	cancel()
	if err != nil {
		return e.terminal(ctx, job.PRNumber, fail(KindRunFailed, err))
	}
	report(70)

	// Readiness failure is a warning, not a fatal condition (§4.5 step 6).
	if !e.waitReady(ctx, hostPort) {
		e.logger.Warn("readiness probe did not observe success before timing out", "pr_number", job.PRNumber, "host_port", hostPort)
		e.publish(ctx, job.PRNumber, "readiness-timeout: proceeding anyway")
	}
	report(80)

	e.publish(ctx, job.PRNumber, "opening tunnel")
	tunnelURL, tunnelErr := e.tunnel.Start(ctx, job.PRNumber, hostPort)
	if tunnelErr != nil {
		e.logger.Warn("tunnel start failed, continuing with local url", "pr_number", job.PRNumber, "error", tunnelErr)
		tunnelURL = fmt.Sprintf("http://127.0.0.1:%d", hostPort)
	}
	report(90)

	propagating := false
	if tunnelErr == nil {
		if !e.verifyTunnel(ctx, tunnelURL) {
			propagating = true
		}
	}

	now := time.Now()
	rec, err := e.store.Transition(ctx, job.PRNumber, func(r *domain.DeploymentRecord) error {
		r.Status = domain.StatusRunning
		r.ContainerID = info.ID
		r.HostPort = hostPort
		r.ImageRef = imageTag
		r.TunnelURL = tunnelURL
		r.CommitSHA = commitSHA
		r.LastError = ""
		r.BuildCompletedAt = &now
		return nil
	})
	if err != nil {
		return e.terminal(ctx, job.PRNumber, fail(KindInternal, err))
	}
	report(95)
	if e.auditor != nil {
		e.auditor.Record(ctx, job.PRNumber, audit.EventDeploymentRunning, map[string]any{
			"container_id": rec.ContainerID, "host_port": rec.HostPort, "image": rec.ImageRef, "tunnel_url": rec.TunnelURL,
		})
	}
	e.publish(ctx, job.PRNumber, "running at "+tunnelURL)

	if e.opts.MetricsSampleInterval > 0 {
		go e.monitorContainer(job.PRNumber, info.ID)
	}

	if e.forge != nil {
		body := e.commentBody(rec, propagating)
		if err := e.forge.UpsertComment(ctx, job.RepoFullName, job.PRNumber, body); err != nil {
			e.logger.Warn("comment-failed", "pr_number", job.PRNumber, "error", err)
		}
	}

	metrics.New().RecordJobOutcome("build", "running")
	report(100)
	return nil
}

// monitorContainer periodically samples containerID's resource usage
// and publishes it as a gauge, stopping on its own once the container
// is gone rather than needing a signal from the destroy path.
func (e *Executor) monitorContainer(pr int, containerID string) {
	interval := e.opts.MetricsSampleInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		sampleCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		sample, err := e.docker.SampleMetrics(sampleCtx, containerID)
		cancel()
		if err != nil {
			if errors.Is(err, docker.ErrNotFound) {
				metrics.New().ClearContainerSample(pr)
				return
			}
			e.logger.Debug("container metrics sample failed", "pr_number", pr, "error", err)
			continue
		}
		metrics.New().SetContainerSample(pr, sample.CPUPercent, sample.MemoryUsedMB*1024*1024)
	}
}

func (e *Executor) buildImage(ctx context.Context, workdir, tag string, pr int) error {
	recipe := e.opts.BuildRecipePath
	if recipe == "" {
		recipe = "Dockerfile"
	}
	if _, err := os.Stat(filepath.Join(workdir, recipe)); err != nil {
		return fmt.Errorf("build recipe %s not found: %w", recipe, err)
	}
	aggregator := newLogAggregator(func(line string) {
		e.logger.Debug("docker build output", "pr_number", pr, "line", line)
	})
	err := e.docker.BuildImage(ctx, workdir, tag, nil, func(line string) {
		aggregator.Add(line)
	})
	aggregator.Flush()
	return err
}

func (e *Executor) allocatePort(ctx context.Context) (int, error) {
	rangeMin := e.opts.PortRangeMin
	rangeMax := e.opts.PortRangeMax
	if rangeMin == 0 {
		rangeMin = 5001
	}
	if rangeMax == 0 {
		rangeMax = 5999
	}
	records, err := e.store.List(ctx)
	if err != nil {
		return 0, err
	}
	inUse := map[int]bool{}
	for _, r := range records {
		if r.Status == domain.StatusRunning && r.HostPort != 0 {
			inUse[r.HostPort] = true
		}
	}
	port, err := portalloc.Allocate(portalloc.Options{
		Min:          rangeMin,
		Max:          rangeMax,
		Concurrency:  e.opts.PortProbeConcurrency,
		ProbeTimeout: e.opts.PortProbeTimeout,
		Attempts:     e.opts.PortProbeAttempts,
	}, func(port int) bool { return inUse[port] })
	if err == nil {
		metrics.New().PortPoolUsed.Set(float64(len(inUse) + 1))
	}
	return port, err
}

// waitReady polls the container's root path until it returns a
// non-5xx response or the attempt budget elapses.
func (e *Executor) waitReady(ctx context.Context, hostPort int) bool {
	attempts := e.opts.ServiceReadyAttempts
	if attempts == 0 {
		attempts = 15
	}
	delay := e.opts.ServiceReadyDelay
	if delay == 0 {
		delay = 2 * time.Second
	}
	reqTimeout := e.opts.ServiceReadyRequestTimeout
	if reqTimeout == 0 {
		reqTimeout = 5 * time.Second
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/", hostPort)
	client := &http.Client{Timeout: reqTimeout}
	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return true
			}
		}
		time.Sleep(delay)
	}
	return false
}

// verifyTunnel runs the two-phase probe from §4.5 step 8.
func (e *Executor) verifyTunnel(ctx context.Context, url string) bool {
	quick := &http.Client{Timeout: 2 * time.Second}
	for i := 0; i < 2; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err == nil {
			if resp, err := quick.Do(req); err == nil {
				resp.Body.Close()
				if resp.StatusCode < 500 {
					return true
				}
			}
		}
		time.Sleep(500 * time.Millisecond)
	}

	attempts := e.opts.PreviewURLAttempts
	if attempts == 0 {
		attempts = 6
	}
	delay := e.opts.PreviewURLDelay
	if delay == 0 {
		delay = 2 * time.Second
	}
	backoffCap := 15 * time.Second
	reqTimeout := e.opts.PreviewURLRequestTimeout
	if reqTimeout == 0 {
		reqTimeout = 8 * time.Second
	}
	client := &http.Client{Timeout: reqTimeout}
	for i := 0; i < attempts; i++ {
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return true
			}
		}
		time.Sleep(delay)
		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
		}
	}
	return false
}

func (e *Executor) commentBody(rec domain.DeploymentRecord, propagating bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Preview environment for PR #%d is **%s**.\n\n", rec.PRNumber, rec.Status)
	if rec.TunnelURL != "" {
		fmt.Fprintf(&b, "URL: %s\n", rec.TunnelURL)
	}
	fmt.Fprintf(&b, "Image: `%s`\n", rec.ImageRef)
	if propagating {
		b.WriteString("\n_The preview URL may still be propagating._\n")
	}
	return b.String()
}

// terminal marks the record failed with a classified error and returns
// err so the worker can decide whether to retry.
func (e *Executor) terminal(ctx context.Context, pr int, err error) error {
	var classified *Error
	kind := KindInternal
	if errors.As(err, &classified) {
		kind = classified.Kind
	}
	if _, txErr := e.store.Transition(ctx, pr, func(r *domain.DeploymentRecord) error {
		r.Status = domain.StatusFailed
		r.LastError = fmt.Sprintf("%s: %v", kind, err)
		return nil
	}); txErr != nil {
		e.logger.Error("failed to record build failure", "pr_number", pr, "error", txErr)
	}
	e.publish(ctx, pr, fmt.Sprintf("build failed: %s", kind))
	if e.auditor != nil {
		e.auditor.Record(ctx, pr, audit.EventDeploymentFailed, map[string]any{"kind": string(kind), "error": err.Error()})
	}
	metrics.New().RecordJobOutcome("build", string(kind))
	return err
}
