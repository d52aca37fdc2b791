package middleware

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func newTestRateLimiter(t *testing.T, maxPerMinute int) (*RateLimiter, *time.Time) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rl := NewRateLimiter(ctx, maxPerMinute)
	t.Cleanup(rl.Stop)

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiterAllowsBudgetThenBlocks(t *testing.T) {
	rl, _ := newTestRateLimiter(t, 3)

	for i := range 3 {
		if !rl.AllowFailure("10.0.0.1") {
			t.Fatalf("failure %d should be within budget", i+1)
		}
	}
	if rl.AllowFailure("10.0.0.1") {
		t.Fatal("fourth failure should be throttled")
	}
}

func TestRateLimiterIPsAreIndependent(t *testing.T) {
	rl, _ := newTestRateLimiter(t, 1)

	if !rl.AllowFailure("10.0.0.1") {
		t.Fatal("first failure should be allowed")
	}
	if rl.AllowFailure("10.0.0.1") {
		t.Fatal("10.0.0.1 should be throttled")
	}
	if !rl.AllowFailure("10.0.0.2") {
		t.Fatal("10.0.0.2 should have its own budget")
	}
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	rl, now := newTestRateLimiter(t, 2)

	rl.AllowFailure("10.0.0.1")
	rl.AllowFailure("10.0.0.1")
	if rl.AllowFailure("10.0.0.1") {
		t.Fatal("budget should be spent")
	}

	*now = now.Add(30 * time.Second)
	if !rl.AllowFailure("10.0.0.1") {
		t.Fatal("one token should refill after half a minute")
	}
}

func TestRateLimiterDefaultBudget(t *testing.T) {
	rl, _ := newTestRateLimiter(t, 0)

	for range DefaultMaxAttemptsPerMinute {
		if !rl.AllowFailure("10.0.0.1") {
			t.Fatal("default budget exhausted early")
		}
	}
	if rl.AllowFailure("10.0.0.1") {
		t.Fatal("should be throttled after the default budget")
	}
}

func TestRateLimiterSweepDropsIdleBuckets(t *testing.T) {
	rl, now := newTestRateLimiter(t, 5)

	rl.AllowFailure("10.0.0.1")
	*now = now.Add(idleTTL / 2)
	rl.AllowFailure("10.0.0.2")

	*now = now.Add(idleTTL/2 + time.Second)
	rl.sweep()

	if got := rl.Tracked(); got != 1 {
		t.Fatalf("Tracked() = %d after sweep, want 1", got)
	}
	rl.mu.Lock()
	_, kept := rl.buckets["10.0.0.2"]
	rl.mu.Unlock()
	if !kept {
		t.Fatal("recently seen IP should survive the sweep")
	}
}

func TestRateLimiterEvictsIdlestWhenFull(t *testing.T) {
	rl, now := newTestRateLimiter(t, 5)
	rl.maxIPs = 3

	for i := range 3 {
		rl.AllowFailure(fmt.Sprintf("10.0.0.%d", i))
		*now = now.Add(time.Second)
	}
	rl.AllowFailure("10.0.0.9")

	if got := rl.Tracked(); got != 3 {
		t.Fatalf("Tracked() = %d, want 3", got)
	}
	rl.mu.Lock()
	_, stillThere := rl.buckets["10.0.0.0"]
	rl.mu.Unlock()
	if stillThere {
		t.Fatal("idlest IP should have been evicted")
	}
}

func TestClientIP(t *testing.T) {
	tests := map[string]string{
		"192.168.1.1:8080": "192.168.1.1",
		"[::1]:443":        "::1",
		"10.0.0.1":         "10.0.0.1",
		"":                 "",
	}
	for addr, want := range tests {
		if got := ClientIP(addr); got != want {
			t.Fatalf("ClientIP(%q) = %q, want %q", addr, got, want)
		}
	}
}
