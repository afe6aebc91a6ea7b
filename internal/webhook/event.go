package webhook

import (
	"encoding/json"
	"fmt"
)

// pullRequestPayload mirrors the subset of the code-forge pull_request
// webhook body the dispatcher needs; forge-specific fields beyond this
// are ignored.
type pullRequestPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Title string `json:"title"`
		Merged bool  `json:"merged"`
		Head   struct {
			Ref  string `json:"ref"`
			SHA  string `json:"sha"`
			Repo struct {
				CloneURL string `json:"clone_url"`
			} `json:"repo"`
		} `json:"head"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

// PullRequestEvent is the normalized shape the dispatcher acts on.
type PullRequestEvent struct {
	Action         string
	PRNumber       int
	Branch         string
	CommitSHA      string
	Title          string
	Author         string
	RepoFullName   string
	CloneURL       string
	Merged         bool
	InstallationID int64
}

// ParsePullRequestEvent decodes a pull_request webhook body.
func ParsePullRequestEvent(raw []byte) (PullRequestEvent, error) {
	var payload pullRequestPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return PullRequestEvent{}, fmt.Errorf("webhook: decode pull_request payload: %w", err)
	}
	if payload.Number == 0 {
		return PullRequestEvent{}, fmt.Errorf("webhook: pull_request payload missing number")
	}
	return PullRequestEvent{
		Action:         payload.Action,
		PRNumber:       payload.Number,
		Branch:         payload.PullRequest.Head.Ref,
		CommitSHA:      payload.PullRequest.Head.SHA,
		Title:          payload.PullRequest.Title,
		Author:         payload.PullRequest.User.Login,
		RepoFullName:   payload.Repository.FullName,
		CloneURL:       payload.PullRequest.Head.Repo.CloneURL,
		Merged:         payload.PullRequest.Merged,
		InstallationID: payload.Installation.ID,
	}, nil
}

// Intent classifies which executor path an event maps to, per the
// action-mapping table: opened/reopened/synchronize build or rebuild,
// closed (merged or not — the forge emits merges as closed with
// merged=true, never as a separate "merged" action) tears down.
type Intent string

const (
	IntentCreateOrUpdate Intent = "create_or_update"
	IntentDestroy        Intent = "destroy"
	IntentIgnored        Intent = "ignored"
)

// Classify maps a pull_request action to an executor intent.
func Classify(action string) Intent {
	switch action {
	case "opened", "reopened", "synchronize":
		return IntentCreateOrUpdate
	case "closed", "merged":
		return IntentDestroy
	default:
		return IntentIgnored
	}
}
