package domain

import (
	"testing"
	"time"
)

func TestBackoffGrowsExponentiallyAndCaps(t *testing.T) {
	base := 2 * time.Second
	factor := 2.0
	cap := 60 * time.Second

	if got := Backoff(1, base, factor, cap); got != base {
		t.Fatalf("attempt 1: got %s, want %s", got, base)
	}
	if got := Backoff(2, base, factor, cap); got != 4*time.Second {
		t.Fatalf("attempt 2: got %s, want 4s", got)
	}
	if got := Backoff(3, base, factor, cap); got != 8*time.Second {
		t.Fatalf("attempt 3: got %s, want 8s", got)
	}
	if got := Backoff(10, base, factor, cap); got != cap {
		t.Fatalf("attempt 10: got %s, want cap %s", got, cap)
	}
}

func TestJobExhausted(t *testing.T) {
	j := Job{Attempts: 2, MaxAttempts: 3}
	if j.Exhausted() {
		t.Fatalf("2 of 3 attempts should not be exhausted")
	}
	j.Attempts = 3
	if !j.Exhausted() {
		t.Fatalf("3 of 3 attempts should be exhausted")
	}
	j.Attempts = 4
	if !j.Exhausted() {
		t.Fatalf("attempts beyond max should still be exhausted")
	}
}
