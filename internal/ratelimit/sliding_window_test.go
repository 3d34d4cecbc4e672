package ratelimit

import (
	"testing"
	"time"
)

func testLimiter(limit int, window time.Duration) (*Limiter, *time.Time) {
	l := New(limit, window)
	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllow_UpToLimit(t *testing.T) {
	l, _ := testLimiter(3, time.Hour)
	key := Key("generate", "u1")
	for i := 0; i < 3; i++ {
		if !l.Allow(key) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow(key) {
		t.Fatal("fourth request should be rejected")
	}
}

func TestAllow_WindowSlides(t *testing.T) {
	l, now := testLimiter(2, time.Hour)
	key := Key("generate", "u1")
	l.Allow(key)
	*now = now.Add(30 * time.Minute)
	l.Allow(key)
	if l.Allow(key) {
		t.Fatal("expected rejection at limit")
	}

	// The first stamp falls out of the window; one slot frees up.
	*now = now.Add(31 * time.Minute)
	if !l.Allow(key) {
		t.Fatal("expected admission after oldest stamp expired")
	}
	if l.Allow(key) {
		t.Fatal("window still holds two stamps")
	}
}

func TestRejectedRequestsNotCounted(t *testing.T) {
	l, now := testLimiter(1, time.Hour)
	key := Key("generate", "u1")
	l.Allow(key)
	for i := 0; i < 10; i++ {
		l.Allow(key) // rejected, must not extend the window
	}
	*now = now.Add(61 * time.Minute)
	if !l.Allow(key) {
		t.Fatal("rejections must not consume window slots")
	}
}

func TestRemaining(t *testing.T) {
	l, _ := testLimiter(5, time.Hour)
	key := Key("generate", "u2")
	if got := l.Remaining(key); got != 5 {
		t.Errorf("Remaining fresh = %d, want 5", got)
	}
	l.Allow(key)
	l.Allow(key)
	if got := l.Remaining(key); got != 3 {
		t.Errorf("Remaining = %d, want 3", got)
	}
}

func TestKeysIsolated(t *testing.T) {
	l, _ := testLimiter(1, time.Hour)
	if !l.Allow(Key("generate", "u1")) {
		t.Fatal("u1 first request allowed")
	}
	if !l.Allow(Key("generate", "u2")) {
		t.Fatal("u2 must have its own window")
	}
	if !l.Allow(Key("chat", "u1")) {
		t.Fatal("route classes must have separate windows")
	}
}

func TestMaxKeysEviction(t *testing.T) {
	l := New(1, time.Hour, WithMaxKeys(2))
	l.Allow("a")
	l.Allow("b")
	l.Allow("c") // evicts "a"
	if l.Len() != 2 {
		t.Errorf("Len = %d, want 2", l.Len())
	}
	// "a" was evicted, so its window restarts.
	if !l.Allow("a") {
		t.Error("evicted key should start a fresh window")
	}
}

func TestUnlimited(t *testing.T) {
	l, _ := testLimiter(5, time.Hour)
	for i := 0; i < 100; i++ {
		if !l.AllowCustom("k", 0, time.Hour) {
			t.Fatal("non-positive limit means unlimited")
		}
	}
}
