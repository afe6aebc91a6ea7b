// Package domain holds the data types shared across the controller and
// worker processes: the per-PR deployment record, its state machine,
// and the job envelope that carries work between them.
package domain

import (
	"errors"
	"time"
)

// Status is a DeploymentRecord lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusBuilding   Status = "building"
	StatusRunning    Status = "running"
	StatusDestroying Status = "destroying"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
)

// ErrIllegalTransition indicates a status write was rejected because the
// observed predecessor does not permit the requested transition.
var ErrIllegalTransition = errors.New("domain: illegal status transition")

// transitions enumerates the allowed moves of the deployment state
// machine. The zero value "" stands for "no record yet" and is only
// reachable as a source when first enqueuing a PR.
var transitions = map[Status][]Status{
	"":               {StatusQueued},
	StatusQueued:     {StatusBuilding},
	StatusBuilding:   {StatusRunning, StatusFailed},
	StatusRunning:    {StatusDestroying},
	StatusFailed:     {StatusDestroying, StatusQueued},
	StatusDestroying: {StatusStopped, StatusFailed},
}

// CanTransition reports whether moving a record from `from` to `to` is
// permitted. Any status other than StatusDestroying and StatusStopped may
// also move to StatusDestroying, which the sweeper and manual cleanup
// endpoint rely on.
func CanTransition(from, to Status) bool {
	if from != StatusDestroying && from != StatusStopped && to == StatusDestroying {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// DeploymentRecord is the authoritative per-PR bookkeeping entity. It is
// stored in Redis as a JSON string value keyed by PR number. Creation,
// build start, running, failure, destroy and sweep reaping are recorded
// in the audit log; other status changes are not.
type DeploymentRecord struct {
	PRNumber       int    `json:"pr_number"`
	Status         Status `json:"status"`
	ContainerID    string `json:"container_id,omitempty"`
	HostPort       int    `json:"host_port,omitempty"`
	ImageRef       string `json:"image_ref,omitempty"`
	Branch         string `json:"branch"`
	CommitSHA      string `json:"commit_sha"`
	Title          string `json:"title"`
	Author         string `json:"author"`
	RepoFullName   string `json:"repo_full_name"`
	CloneURL       string `json:"clone_url"`
	InstallationID int64  `json:"installation_id,omitempty"`

	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	BuildStartedAt   *time.Time `json:"build_started_at,omitempty"`
	BuildCompletedAt *time.Time `json:"build_completed_at,omitempty"`

	LastError string `json:"last_error,omitempty"`
	TunnelURL string `json:"tunnel_url,omitempty"`
}

// Validate enforces the invariant that a running record must carry a
// container id and a host port.
func (d DeploymentRecord) Validate() error {
	if d.PRNumber <= 0 {
		return errors.New("domain: pr_number must be positive")
	}
	if d.Status == StatusRunning {
		if d.ContainerID == "" {
			return errors.New("domain: running record missing container_id")
		}
		if d.HostPort == 0 {
			return errors.New("domain: running record missing host_port")
		}
	}
	return nil
}

// Age returns how long ago the record was created.
func (d DeploymentRecord) Age(now time.Time) time.Duration {
	return now.Sub(d.CreatedAt)
}

// IsTerminal reports whether the record has reached a status the
// sweeper and queue no longer need to act on.
func (d DeploymentRecord) IsTerminal() bool {
	return d.Status == StatusStopped
}
