package blobdoc

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyStopsOnFirstSuccess(t *testing.T) {
	p := NewRetryPolicy(5, time.Millisecond, 2)
	calls := 0
	err := p.Run(context.Background(), nil, func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("expected one successful call, got calls=%d err=%v", calls, err)
	}
}

func TestRetryPolicyExhaustsAttempts(t *testing.T) {
	p := NewRetryPolicy(3, time.Millisecond, 2)
	boom := errors.New("boom")
	calls := 0
	err := p.Run(context.Background(), func(error) bool { return true }, func() error {
		calls++
		return boom
	})
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected last error to surface, got %v", err)
	}
}

func TestRetryPolicyHonoursShouldRetry(t *testing.T) {
	p := NewRetryPolicy(5, time.Millisecond, 2)
	permanent := errors.New("permanent")
	calls := 0
	err := p.Run(context.Background(), func(error) bool { return false }, func() error {
		calls++
		return permanent
	})
	if calls != 1 {
		t.Fatalf("expected a single attempt for a non-retryable error, got %d", calls)
	}
	if !errors.Is(err, permanent) {
		t.Fatalf("expected the permanent error, got %v", err)
	}
}

func TestRetryPolicyObservesContextCancellation(t *testing.T) {
	p := NewRetryPolicy(10, 50*time.Millisecond, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Run(ctx, func(error) bool { return true }, func() error {
		return errors.New("never retried")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetryPolicyBackoffGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{Attempts: 10, BaseDelay: 100 * time.Millisecond, BackoffBase: 2, MaxDelay: 400 * time.Millisecond}
	// Jitter is +/-25%, so bound the assertions rather than pin exact values.
	d0 := p.delay(0)
	if d0 < 75*time.Millisecond || d0 > 125*time.Millisecond {
		t.Fatalf("attempt 0 delay out of jitter bounds: %v", d0)
	}
	d2 := p.delay(2)
	if d2 <= d0 {
		t.Fatalf("expected delay to grow with the attempt index: attempt 0 %v, attempt 2 %v", d0, d2)
	}
	d5 := p.delay(5)
	if d5 > 500*time.Millisecond {
		t.Fatalf("expected delay to cap near MaxDelay, got %v", d5)
	}
}
