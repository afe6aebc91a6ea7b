package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/riftline/previewctl/internal/audit"
	"github.com/riftline/previewctl/internal/domain"
	"github.com/riftline/previewctl/internal/store"
	"github.com/riftline/previewctl/pkg/crypto"
)

// Auditor appends a durable lifecycle event. Optional: a nil Auditor is
// a no-op.
type Auditor interface {
	Record(ctx context.Context, pr int, kind audit.EventKind, detail map[string]any)
}

// ErrNoDeployment indicates a destroy event arrived for a PR with no
// tracked deployment; the dispatcher treats this as a no-op, not an
// error.
var ErrNoDeployment = errors.New("webhook: no deployment for pr")

// Enqueuer is the subset of queue.Queue the dispatcher needs; kept as
// an interface so tests can substitute a stub.
type Enqueuer interface {
	Enqueue(ctx context.Context, job domain.Job) error
}

// Dispatcher classifies incoming pull_request events, writes the
// initial DeploymentRecord transition, and enqueues the matching job.
type Dispatcher struct {
	store   *store.Store
	queue   Enqueuer
	auditor Auditor
	secret  string
	logger  *slog.Logger

	maxAttempts int
}

// New constructs a Dispatcher. secret seals sensitive job fields
// (clone_url, commit_sha) via scrypt+AES-GCM before they touch Redis.
// auditor may be nil.
func New(st *store.Store, q Enqueuer, auditor Auditor, secret string, maxAttempts int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{store: st, queue: q, auditor: auditor, secret: secret, logger: logger, maxAttempts: maxAttempts}
}

// Outcome is the HTTP-facing result of handling one webhook delivery.
type Outcome struct {
	Status  int
	Body    string
	Reason  string
	JobID   string
}

// Handle classifies and acts on a parsed pull_request event.
func (d *Dispatcher) Handle(ctx context.Context, evt PullRequestEvent) (Outcome, error) {
	switch Classify(evt.Action) {
	case IntentCreateOrUpdate:
		return d.createOrUpdate(ctx, evt)
	case IntentDestroy:
		return d.destroy(ctx, evt)
	default:
		return Outcome{Status: 200, Body: "ignored", Reason: "unhandled-action"}, nil
	}
}

func (d *Dispatcher) createOrUpdate(ctx context.Context, evt PullRequestEvent) (Outcome, error) {
	rec := domain.DeploymentRecord{
		PRNumber:       evt.PRNumber,
		Branch:         evt.Branch,
		CommitSHA:      evt.CommitSHA,
		Title:          evt.Title,
		Author:         evt.Author,
		RepoFullName:   evt.RepoFullName,
		CloneURL:       evt.CloneURL,
		InstallationID: evt.InstallationID,
	}

	_, err := d.store.Get(ctx, evt.PRNumber)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := d.store.Create(ctx, rec); err != nil {
			return Outcome{}, fmt.Errorf("webhook: create record %d: %w", evt.PRNumber, err)
		}
		if d.auditor != nil {
			d.auditor.Record(ctx, evt.PRNumber, audit.EventDeploymentCreated, map[string]any{"branch": evt.Branch, "author": evt.Author})
		}
	case err != nil:
		return Outcome{}, fmt.Errorf("webhook: lookup record %d: %w", evt.PRNumber, err)
	default:
		_, err := d.store.Transition(ctx, evt.PRNumber, func(r *domain.DeploymentRecord) error {
			if r.Status != domain.StatusFailed && r.Status != domain.StatusStopped {
				return fmt.Errorf("webhook: %w", domain.ErrIllegalTransition)
			}
			r.Status = domain.StatusQueued
			r.Branch = evt.Branch
			r.CommitSHA = evt.CommitSHA
			r.Title = evt.Title
			r.Author = evt.Author
			r.RepoFullName = evt.RepoFullName
			r.CloneURL = evt.CloneURL
			r.InstallationID = evt.InstallationID
			r.LastError = ""
			return nil
		})
		if errors.Is(err, domain.ErrIllegalTransition) {
			return Outcome{Status: 200, Body: "ignored", Reason: "state-conflict"}, nil
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("webhook: requeue record %d: %w", evt.PRNumber, err)
		}
	}

	job, err := d.buildJob(evt)
	if err != nil {
		return Outcome{}, err
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return Outcome{}, fmt.Errorf("webhook: enqueue build job %d: %w", evt.PRNumber, err)
	}

	if _, err := d.store.Transition(ctx, evt.PRNumber, func(r *domain.DeploymentRecord) error {
		r.Status = domain.StatusBuilding
		return nil
	}); err != nil {
		d.logger.Warn("failed to mark deployment building", "pr_number", evt.PRNumber, "error", err)
	}
	if d.auditor != nil {
		d.auditor.Record(ctx, evt.PRNumber, audit.EventDeploymentBuilding, map[string]any{"job_id": job.ID})
	}

	return Outcome{Status: 202, Body: "accepted", JobID: job.ID}, nil
}

func (d *Dispatcher) destroy(ctx context.Context, evt PullRequestEvent) (Outcome, error) {
	rec, err := d.store.Get(ctx, evt.PRNumber)
	if errors.Is(err, store.ErrNotFound) || rec.ContainerID == "" {
		return Outcome{Status: 200, Body: "no-deployment", Reason: "no-deployment"}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("webhook: lookup record %d: %w", evt.PRNumber, err)
	}

	if _, err := d.store.Transition(ctx, evt.PRNumber, func(r *domain.DeploymentRecord) error {
		r.Status = domain.StatusDestroying
		return nil
	}); err != nil {
		return Outcome{}, fmt.Errorf("webhook: mark destroying %d: %w", evt.PRNumber, err)
	}

	job := domain.Job{
		ID:          uuid.NewString(),
		Kind:        domain.JobDestroy,
		Priority:    domain.PriorityHigh,
		PRNumber:    evt.PRNumber,
		MaxAttempts: d.maxAttempts,
		EnqueuedAt:  time.Now(),
		NotBefore:   time.Now(),
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return Outcome{}, fmt.Errorf("webhook: enqueue destroy job %d: %w", evt.PRNumber, err)
	}
	return Outcome{Status: 202, Body: "accepted", JobID: job.ID}, nil
}

func (d *Dispatcher) buildJob(evt PullRequestEvent) (domain.Job, error) {
	sealedClone, err := crypto.SealPayload(d.secret, evt.CloneURL)
	if err != nil {
		return domain.Job{}, fmt.Errorf("webhook: seal clone_url: %w", err)
	}
	sealedSHA, err := crypto.SealPayload(d.secret, evt.CommitSHA)
	if err != nil {
		return domain.Job{}, fmt.Errorf("webhook: seal commit_sha: %w", err)
	}
	return domain.Job{
		ID:           uuid.NewString(),
		Kind:         domain.JobBuild,
		Priority:     domain.PriorityNormal,
		PRNumber:     evt.PRNumber,
		Branch:       evt.Branch,
		Title:        evt.Title,
		Author:       evt.Author,
		RepoFullName: evt.RepoFullName,
		Sensitive: domain.SensitiveFields{
			CloneURL:  domain.SealedField(sealedClone),
			CommitSHA: domain.SealedField(sealedSHA),
		},
		MaxAttempts: d.maxAttempts,
		EnqueuedAt:  time.Now(),
		NotBefore:   time.Now(),
	}, nil
}
