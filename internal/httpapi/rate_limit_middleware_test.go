package httpx

import (
	"testing"
	"time"
)

func TestMemoryRateLimiterAllowsUpToLimit(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	for i := 0; i < 3; i++ {
		d := rl.Allow("pr:1", 3, time.Minute)
		if !d.allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	d := rl.Allow("pr:1", 3, time.Minute)
	if d.allowed {
		t.Fatalf("4th request should be denied once the limit is reached")
	}
}

func TestMemoryRateLimiterResetsAfterWindow(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	rl.Allow("pr:2", 1, 10*time.Millisecond)
	if d := rl.Allow("pr:2", 1, 10*time.Millisecond); d.allowed {
		t.Fatalf("second request within the window should be denied")
	}
	time.Sleep(20 * time.Millisecond)
	if d := rl.Allow("pr:2", 1, 10*time.Millisecond); !d.allowed {
		t.Fatalf("request after the window elapsed should be allowed")
	}
}

func TestMemoryRateLimiterZeroLimitAlwaysAllows(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	for i := 0; i < 5; i++ {
		if d := rl.Allow("pr:3", 0, time.Minute); !d.allowed {
			t.Fatalf("zero limit should mean unlimited, request %d denied", i)
		}
	}
}

func TestMemoryRateLimiterTracksKeysIndependently(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	rl.Allow("pr:4", 1, time.Minute)
	d := rl.Allow("pr:5", 1, time.Minute)
	if !d.allowed {
		t.Fatalf("a different key should have its own independent budget")
	}
}

func TestRateMetricKey(t *testing.T) {
	if got := rateMetricKey("ip:127.0.0.1"); got != "ip" {
		t.Fatalf("got %q, want ip", got)
	}
	if got := rateMetricKey("admin"); got != "admin" {
		t.Fatalf("got %q, want admin", got)
	}
	if got := rateMetricKey(""); got != "unknown" {
		t.Fatalf("got %q, want unknown", got)
	}
}
