package portalloc

import (
	"testing"
	"time"
)

func TestAllocateFindsFreePort(t *testing.T) {
	port, err := Allocate(Options{Min: 20000, Max: 20050, Concurrency: 8, ProbeTimeout: 200 * time.Millisecond, Attempts: 50}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if port < 20000 || port > 20050 {
		t.Fatalf("port %d out of requested range", port)
	}
}

func TestAllocateRespectsInUse(t *testing.T) {
	claimed := map[int]bool{}
	for p := 21000; p <= 21049; p++ {
		claimed[p] = true
	}
	if _, err := Allocate(Options{Min: 21000, Max: 21049, Concurrency: 8, ProbeTimeout: 200 * time.Millisecond, Attempts: 50}, func(port int) bool {
		return claimed[port]
	}); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted when every candidate is in use, got %v", err)
	}
}

func TestAllocateInvalidRange(t *testing.T) {
	if _, err := Allocate(Options{Min: 0, Max: 100}, nil); err == nil {
		t.Fatalf("expected error for non-positive Min")
	}
	if _, err := Allocate(Options{Min: 100, Max: 50}, nil); err == nil {
		t.Fatalf("expected error for Max <= Min")
	}
}

func TestAllocateDefaultsAppliedWhenUnset(t *testing.T) {
	port, err := Allocate(Options{Min: 22000, Max: 22010}, nil)
	if err != nil {
		t.Fatalf("unexpected error with zero-value tuning options: %v", err)
	}
	if port < 22000 || port > 22010 {
		t.Fatalf("port %d out of requested range", port)
	}
}
