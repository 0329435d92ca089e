package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

func testConfig(limit int, window time.Duration) Config {
	return Config{Limit: limit, Window: window, MaxKeys: 100, Enabled: true}
}

func TestLimiter_HitScenario(t *testing.T) {
	l := NewLimiter(testConfig(3, time.Minute))
	base := time.Date(2025, 6, 1, 12, 0, 10, 0, time.UTC)
	l.SetNowFunc(func() time.Time { return base })

	wantRemaining := []int{2, 1, 0}
	for i, want := range wantRemaining {
		d := l.Hit("k")
		if !d.Allowed {
			t.Fatalf("hit %d should be allowed", i+1)
		}
		if d.Remaining != want {
			t.Errorf("hit %d remaining = %d, want %d", i+1, d.Remaining, want)
		}
	}

	d := l.Hit("k")
	if d.Allowed {
		t.Fatal("fourth hit should be rejected")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", d.RetryAfter)
	}
	wantReset := base.Truncate(time.Minute).Add(time.Minute)
	if !d.ResetAt.Equal(wantReset) {
		t.Errorf("ResetAt = %v, want %v", d.ResetAt, wantReset)
	}
}

func TestLimiter_WindowRollover(t *testing.T) {
	l := NewLimiter(testConfig(1, time.Minute))
	now := time.Date(2025, 6, 1, 12, 0, 59, 0, time.UTC)
	l.SetNowFunc(func() time.Time { return now })

	if d := l.Hit("k"); !d.Allowed {
		t.Fatal("first hit should be allowed")
	}
	if d := l.Hit("k"); d.Allowed {
		t.Fatal("second hit in same window should be rejected")
	}

	// Cross the window boundary.
	now = now.Add(2 * time.Second)
	if d := l.Hit("k"); !d.Allowed {
		t.Fatal("hit in new window should be allowed")
	}
}

func TestLimiter_WindowAlignment(t *testing.T) {
	l := NewLimiter(testConfig(5, time.Minute))
	now := time.Date(2025, 6, 1, 12, 34, 56, 0, time.UTC)
	l.SetNowFunc(func() time.Time { return now })

	d := l.Hit("k")
	want := time.Date(2025, 6, 1, 12, 35, 0, 0, time.UTC)
	if !d.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want window-aligned %v", d.ResetAt, want)
	}
}

func TestLimiter_PeekDoesNotCount(t *testing.T) {
	l := NewLimiter(testConfig(2, time.Minute))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.SetNowFunc(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		if d := l.Peek("k"); !d.Allowed || d.Remaining != 2 {
			t.Fatalf("peek %d = %+v, want allowed with remaining 2", i, d)
		}
	}
	l.Hit("k")
	if d := l.Peek("k"); d.Remaining != 1 {
		t.Errorf("peek after one hit remaining = %d, want 1", d.Remaining)
	}
}

func TestLimiter_PeekTreatsStaleEntryAsAbsent(t *testing.T) {
	l := NewLimiter(testConfig(1, time.Minute))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.SetNowFunc(func() time.Time { return now })

	l.Hit("k")
	if d := l.Peek("k"); d.Allowed {
		t.Fatal("peek at limit should report rejected")
	}

	// Entry still present but its window has passed; no prune has run.
	now = now.Add(90 * time.Second)
	if d := l.Peek("k"); !d.Allowed || d.Remaining != 1 {
		t.Errorf("stale entry should read as absent, got %+v", d)
	}
}

func TestLimiter_Prune(t *testing.T) {
	l := NewLimiter(testConfig(5, time.Minute))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.SetNowFunc(func() time.Time { return now })

	for i := 0; i < 10; i++ {
		l.Hit(fmt.Sprintf("k%d", i))
	}
	if l.Len() != 10 {
		t.Fatalf("tracked keys = %d, want 10", l.Len())
	}

	now = now.Add(2 * time.Minute)
	l.Hit("fresh")

	removed := l.Prune()
	if removed != 10 {
		t.Errorf("pruned = %d, want 10", removed)
	}
	if l.Len() != 1 {
		t.Errorf("tracked keys after prune = %d, want 1", l.Len())
	}
}

func TestLimiter_KeyCapEviction(t *testing.T) {
	cfg := testConfig(5, time.Minute)
	cfg.MaxKeys = 20
	l := NewLimiter(cfg)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.SetNowFunc(func() time.Time { return now })

	for i := 0; i < 20; i++ {
		l.Hit(fmt.Sprintf("k%d", i))
		now = now.Add(time.Millisecond)
	}

	l.Hit("overflow")
	if l.Len() > 20 {
		t.Errorf("tracked keys = %d, want <= %d after eviction", l.Len(), 20)
	}
	if d := l.Peek("overflow"); d.Remaining != 4 {
		t.Errorf("new key should have been inserted, remaining = %d", d.Remaining)
	}
}

func TestLimiter_Disabled(t *testing.T) {
	cfg := testConfig(1, time.Minute)
	cfg.Enabled = false
	l := NewLimiter(cfg)

	for i := 0; i < 10; i++ {
		if d := l.Hit("k"); !d.Allowed {
			t.Fatal("disabled limiter should allow everything")
		}
	}
}

func TestLimiter_IndependentKeys(t *testing.T) {
	l := NewLimiter(testConfig(1, time.Minute))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.SetNowFunc(func() time.Time { return now })

	if d := l.Hit("a"); !d.Allowed {
		t.Fatal("first hit for a should be allowed")
	}
	if d := l.Hit("b"); !d.Allowed {
		t.Fatal("first hit for b should be allowed")
	}
	if d := l.Hit("a"); d.Allowed {
		t.Fatal("second hit for a should be rejected")
	}
}

func TestLimiter_StopIsIdempotent(t *testing.T) {
	l := NewLimiter(testConfig(1, time.Minute))
	l.StartPruning()
	l.Stop()
	l.Stop()
}
