package fetch

import (
	"testing"
	"time"
)

func newTestRateLimiter(defaultDelay time.Duration) *RateLimiter {
	return NewRateLimiter(defaultDelay, testLogger())
}

func TestApplyDelay_NoPreviousRequestReturnsImmediately(t *testing.T) {
	rl := newTestRateLimiter(200 * time.Millisecond)

	start := time.Now()
	rl.ApplyDelay("example.com", 200*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("first request should not be delayed, took %v", elapsed)
	}
}

func TestApplyDelay_SleepsAfterRecentRequest(t *testing.T) {
	rl := newTestRateLimiter(0)
	host := "example.com"

	rl.UpdateLastRequestTime(host)

	start := time.Now()
	rl.ApplyDelay(host, 100*time.Millisecond)
	elapsed := time.Since(start)

	// Jitter is +/-10%, so anything noticeably above zero proves the sleep ran
	if elapsed < 50*time.Millisecond {
		t.Errorf("expected a politeness sleep, only took %v", elapsed)
	}
}

func TestApplyDelay_ZeroDelayDisabled(t *testing.T) {
	rl := newTestRateLimiter(0)
	host := "example.com"
	rl.UpdateLastRequestTime(host)

	start := time.Now()
	rl.ApplyDelay(host, 0)
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Errorf("zero delay should be a no-op, took %v", elapsed)
	}
}

func TestApplyDelay_FallsBackToDefault(t *testing.T) {
	rl := newTestRateLimiter(100 * time.Millisecond)
	host := "example.com"
	rl.UpdateLastRequestTime(host)

	start := time.Now()
	rl.ApplyDelay(host, 0) // invalid, should use default
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("expected default delay to apply, only took %v", elapsed)
	}
}
