package domain

import (
	"testing"
	"time"
)

func TestCanTransitionHappyPath(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{"", StatusQueued, true},
		{StatusQueued, StatusBuilding, true},
		{StatusBuilding, StatusRunning, true},
		{StatusBuilding, StatusFailed, true},
		{StatusRunning, StatusDestroying, true},
		{StatusFailed, StatusQueued, true},
		{StatusDestroying, StatusStopped, true},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestCanTransitionDestroyEscapeHatch(t *testing.T) {
	for _, from := range []Status{StatusQueued, StatusBuilding, StatusRunning, StatusFailed} {
		if !CanTransition(from, StatusDestroying) {
			t.Errorf("expected %q -> destroying to be allowed", from)
		}
	}
	if CanTransition(StatusDestroying, StatusDestroying) {
		t.Errorf("destroying -> destroying should not be allowed")
	}
	if CanTransition(StatusStopped, StatusDestroying) {
		t.Errorf("stopped is terminal, should not re-enter destroying")
	}
}

func TestCanTransitionRejectsSkips(t *testing.T) {
	if CanTransition(StatusQueued, StatusRunning) {
		t.Errorf("queued -> running should skip the building stage and be rejected")
	}
	if CanTransition(StatusStopped, StatusQueued) {
		t.Errorf("stopped is terminal, should not re-enter the queue")
	}
}

func TestDeploymentRecordValidate(t *testing.T) {
	if err := (DeploymentRecord{PRNumber: 0}).Validate(); err == nil {
		t.Fatalf("expected error for non-positive pr_number")
	}
	if err := (DeploymentRecord{PRNumber: 1, Status: StatusRunning}).Validate(); err == nil {
		t.Fatalf("expected error for running record missing container_id/host_port")
	}
	if err := (DeploymentRecord{PRNumber: 1, Status: StatusRunning, ContainerID: "c1"}).Validate(); err == nil {
		t.Fatalf("expected error for running record missing host_port")
	}
	rec := DeploymentRecord{PRNumber: 1, Status: StatusRunning, ContainerID: "c1", HostPort: 5001}
	if err := rec.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeploymentRecordAgeAndTerminal(t *testing.T) {
	now := time.Now()
	rec := DeploymentRecord{CreatedAt: now.Add(-time.Hour), Status: StatusRunning}
	if rec.Age(now) != time.Hour {
		t.Fatalf("expected age of 1h, got %s", rec.Age(now))
	}
	if rec.IsTerminal() {
		t.Fatalf("running should not be terminal")
	}
	rec.Status = StatusStopped
	if !rec.IsTerminal() {
		t.Fatalf("stopped should be terminal")
	}
}
