package domain

import "time"

// JobKind distinguishes the two executors the worker pool dispatches to.
type JobKind string

const (
	JobBuild   JobKind = "build"
	JobDestroy JobKind = "destroy"
)

// JobPriority selects the ready list a job joins: jobs at PriorityHigh or
// above are dequeued before normal ones, so a manual destroy or a
// sweep-triggered cleanup does not wait behind a backlog of fresh builds.
type JobPriority int

const (
	PriorityNormal JobPriority = 0
	PriorityHigh   JobPriority = 10
)

// SensitiveFields carries the job fields that are encrypted at rest in
// the queue payload: clone URLs and installation tokens can embed
// short-lived credentials and should not sit in plaintext in Redis.
type SensitiveFields struct {
	CloneURL  SealedField `json:"clone_url"`
	CommitSHA SealedField `json:"commit_sha"`
}

// SealedField is the JSON shape of pkg/crypto.SealedPayload, duplicated
// here so that domain does not import pkg/crypto.
type SealedField struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Job is the unit of work enqueued by the controller and consumed by
// the worker pool's build and destroy executors.
type Job struct {
	ID       string      `json:"id"`
	Kind     JobKind     `json:"kind"`
	Priority JobPriority `json:"priority"`
	PRNumber int         `json:"pr_number"`

	Branch       string `json:"branch"`
	Title        string `json:"title"`
	Author       string `json:"author"`
	RepoFullName string `json:"repo_full_name"`

	Sensitive SensitiveFields `json:"sensitive"`

	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	Progress    int        `json:"progress"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	LeasedAt    *time.Time `json:"leased_at,omitempty"`
	LeaseOwner  string     `json:"lease_owner,omitempty"`
	NotBefore   time.Time  `json:"not_before"`
}

// Backoff computes the delay before the next retry given the number of
// attempts already made, using exponential backoff with a hard cap.
func Backoff(attempts int, base time.Duration, factor float64, cap time.Duration) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d = time.Duration(float64(d) * factor)
		if d > cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// Exhausted reports whether the job has used up its retry budget and
// should be moved to the dead-letter set instead of rescheduled.
func (j Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}
