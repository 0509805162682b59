package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucketBurstThenDeny(t *testing.T) {
	// Very slow refill so the test never races the clock.
	tb := NewTokenBucket(3, 0.001)

	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("request %d within burst should pass", i+1)
		}
	}
	if tb.Allow() {
		t.Fatalf("request beyond burst should be denied")
	}
	if retry := tb.RetryAfter(); retry <= 0 {
		t.Fatalf("exhausted bucket should report a positive retry, got %v", retry)
	}
}

func TestTokenBucketRefills(t *testing.T) {
	// 100 tokens/second refill makes one token available within ~10ms.
	tb := NewTokenBucket(1, 100)
	if !tb.Allow() {
		t.Fatalf("fresh bucket should allow")
	}
	if tb.Allow() {
		t.Fatalf("bucket should be empty")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tb.Allow() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("bucket never refilled")
}

func TestLimiterIsolatesClients(t *testing.T) {
	l := NewLimiter(2, time.Hour)
	defer l.Close()

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("10.0.0.1"); !ok {
			t.Fatalf("client A request %d should pass", i+1)
		}
	}
	if ok, retry := l.Allow("10.0.0.1"); ok {
		t.Fatalf("client A should be limited")
	} else if retry <= 0 {
		t.Fatalf("denial should include a retry hint, got %v", retry)
	}

	if ok, _ := l.Allow("10.0.0.2"); !ok {
		t.Fatalf("client B must not share client A's bucket")
	}
}

func TestLimiterDefaults(t *testing.T) {
	l := NewLimiter(0, 0)
	defer l.Close()
	if l.Limit() != 30 {
		t.Fatalf("expected default limit 30, got %d", l.Limit())
	}
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	l := NewLimiter(10, time.Hour)
	defer l.Close()

	l.Allow("10.0.0.1")
	l.mu.RLock()
	before := len(l.buckets)
	l.mu.RUnlock()
	if before != 1 {
		t.Fatalf("expected 1 bucket, got %d", before)
	}

	// One consumed token out of ten leaves the bucket under the 95%
	// threshold, so it must survive a sweep.
	l.sweep()
	l.mu.RLock()
	after := len(l.buckets)
	l.mu.RUnlock()
	if after != 1 {
		t.Fatalf("active bucket should survive the sweep")
	}
}
