package webhook

import "testing"

const samplePullRequestPayload = `{
  "action": "opened",
  "number": 42,
  "pull_request": {
    "title": "Add feature",
    "merged": false,
    "head": {
      "ref": "feature-branch",
      "sha": "abc123",
      "repo": {"clone_url": "https://forge.example/org/repo.git"}
    },
    "user": {"login": "octocat"}
  },
  "repository": {"full_name": "org/repo"},
  "installation": {"id": 99}
}`

func TestParsePullRequestEvent(t *testing.T) {
	evt, err := ParsePullRequestEvent([]byte(samplePullRequestPayload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.PRNumber != 42 {
		t.Errorf("PRNumber = %d, want 42", evt.PRNumber)
	}
	if evt.Branch != "feature-branch" {
		t.Errorf("Branch = %q, want feature-branch", evt.Branch)
	}
	if evt.CommitSHA != "abc123" {
		t.Errorf("CommitSHA = %q, want abc123", evt.CommitSHA)
	}
	if evt.Author != "octocat" {
		t.Errorf("Author = %q, want octocat", evt.Author)
	}
	if evt.RepoFullName != "org/repo" {
		t.Errorf("RepoFullName = %q, want org/repo", evt.RepoFullName)
	}
	if evt.CloneURL != "https://forge.example/org/repo.git" {
		t.Errorf("CloneURL = %q", evt.CloneURL)
	}
	if evt.InstallationID != 99 {
		t.Errorf("InstallationID = %d, want 99", evt.InstallationID)
	}
	if evt.Merged {
		t.Errorf("Merged should be false")
	}
}

func TestParsePullRequestEventMissingNumber(t *testing.T) {
	if _, err := ParsePullRequestEvent([]byte(`{"action":"opened"}`)); err == nil {
		t.Fatalf("expected error for missing pull request number")
	}
}

func TestParsePullRequestEventInvalidJSON(t *testing.T) {
	if _, err := ParsePullRequestEvent([]byte(`not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]Intent{
		"opened":      IntentCreateOrUpdate,
		"reopened":    IntentCreateOrUpdate,
		"synchronize": IntentCreateOrUpdate,
		"closed":      IntentDestroy,
		"merged":      IntentDestroy,
		"labeled":     IntentIgnored,
		"":            IntentIgnored,
	}
	for action, want := range cases {
		if got := Classify(action); got != want {
			t.Errorf("Classify(%q) = %q, want %q", action, got, want)
		}
	}
}
