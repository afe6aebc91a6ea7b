package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewReturnsSameRegistryInstance(t *testing.T) {
	a := New()
	b := New()
	if a != b {
		t.Fatalf("expected New() to return the same singleton registry")
	}
}

func TestRecordJobOutcomeIncrementsCounter(t *testing.T) {
	r := New()
	before := testutil.ToFloat64(r.JobOutcomes.WithLabelValues("build", "running"))
	r.RecordJobOutcome("build", "running")
	after := testutil.ToFloat64(r.JobOutcomes.WithLabelValues("build", "running"))
	if after != before+1 {
		t.Fatalf("expected counter to increment by 1, before=%v after=%v", before, after)
	}
}

func TestStageTimerObservesDuration(t *testing.T) {
	r := New()
	beforeCount := testutil.CollectAndCount(r.BuildStage)
	stop := r.StageTimer("clone")
	stop()
	afterCount := testutil.CollectAndCount(r.BuildStage)
	if afterCount < beforeCount {
		t.Fatalf("expected at least as many histogram samples after observing, before=%d after=%d", beforeCount, afterCount)
	}
}
