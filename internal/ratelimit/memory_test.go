package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiter_FixedWindow(t *testing.T) {
	limiter := NewMemoryLimiter()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(context.Background(), "u:1", 3, now)
		if err != nil {
			t.Fatalf("allow %d: %v", i+1, err)
		}
		if !res.Allowed {
			t.Fatalf("expected call %d of 3 allowed", i+1)
		}
	}

	res, err := limiter.Allow(context.Background(), "u:1", 3, now)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.Allowed {
		t.Fatalf("expected 4th call in the same second denied")
	}

	res, err = limiter.Allow(context.Background(), "u:1", 3, now.Add(time.Second))
	if err != nil {
		t.Fatalf("allow next window: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected next-second window to reset the counter")
	}
}

func TestMemoryLimiter_ZeroLimitAllows(t *testing.T) {
	limiter := NewMemoryLimiter()
	res, err := limiter.Allow(context.Background(), "u:2", 0, time.Now())
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected zero limit to mean unlimited")
	}
}

func TestManager_FallsBackToMemoryWithoutRedis(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m := NewManager(func() SettingsConfig { return SettingsConfig{} }, func() time.Time { return now }, nil)
	res, err := m.Allow(context.Background(), KeyForUser(9), 1)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected first call allowed")
	}
	res, err = m.Allow(context.Background(), KeyForUser(9), 1)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.Allowed {
		t.Fatalf("expected second call in the same second denied")
	}
}

func TestKeyForUser(t *testing.T) {
	if got := KeyForUser(0); got != "" {
		t.Fatalf("expected empty key for user 0, got %q", got)
	}
	if got := KeyForUser(42); got != "u:42" {
		t.Fatalf("expected u:42, got %q", got)
	}
}
