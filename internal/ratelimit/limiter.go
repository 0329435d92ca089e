// Package ratelimit provides fixed-window rate limiting keyed by caller
// identity, protecting the turn endpoint from abuse.
package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// Limit is the number of requests allowed per window.
	Limit int `yaml:"limit"`
	// Window is the fixed window size.
	Window time.Duration `yaml:"window"`
	// MaxKeys caps the number of tracked keys before eviction kicks in.
	MaxKeys int `yaml:"max_keys"`
	// PruneInterval is how often expired entries are swept.
	PruneInterval time.Duration `yaml:"prune_interval"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Limit:         30,
		Window:        time.Minute,
		MaxKeys:       10000,
		PruneInterval: 5 * time.Minute,
		Enabled:       true,
	}
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
	ResetAt    time.Time     `json:"reset_at"`
}

type entry struct {
	windowStart time.Time
	count       int
}

// Limiter counts requests per key within aligned fixed windows.
// Entries outside the current window are logically expired; a periodic sweep
// and a size-triggered eviction keep memory bounded.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	config  Config
	nowFunc func() time.Time

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewLimiter creates a new fixed-window rate limiter.
func NewLimiter(config Config) *Limiter {
	if config.Limit <= 0 {
		config.Limit = DefaultConfig().Limit
	}
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	if config.MaxKeys <= 0 {
		config.MaxKeys = DefaultConfig().MaxKeys
	}
	return &Limiter{
		entries:  make(map[string]*entry),
		config:   config,
		nowFunc:  time.Now,
		stopChan: make(chan struct{}),
	}
}

// SetNowFunc sets a custom time source for testing.
func (l *Limiter) SetNowFunc(fn func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nowFunc = fn
}

// windowStart aligns a timestamp to the current window boundary.
func (l *Limiter) windowStart(now time.Time) time.Time {
	return now.Truncate(l.config.Window)
}

// Hit records a request for the key and returns the decision.
func (l *Limiter) Hit(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	start := l.windowStart(now)
	resetAt := start.Add(l.config.Window)

	if !l.config.Enabled {
		return Decision{Allowed: true, Remaining: l.config.Limit, ResetAt: resetAt}
	}

	e, ok := l.entries[key]
	if !ok || e.windowStart.Before(start) {
		if !ok && len(l.entries) >= l.config.MaxKeys {
			l.evictOldest()
		}
		e = &entry{windowStart: start}
		l.entries[key] = e
	}

	if e.count >= l.config.Limit {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: resetAt.Sub(now),
			ResetAt:    resetAt,
		}
	}

	e.count++
	return Decision{
		Allowed:   true,
		Remaining: l.config.Limit - e.count,
		ResetAt:   resetAt,
	}
}

// Peek returns the decision the next Hit would produce without counting the
// request. Entries from a previous window are treated as absent even before
// a prune pass removes them.
func (l *Limiter) Peek(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	start := l.windowStart(now)
	resetAt := start.Add(l.config.Window)

	if !l.config.Enabled {
		return Decision{Allowed: true, Remaining: l.config.Limit, ResetAt: resetAt}
	}

	e, ok := l.entries[key]
	if !ok || e.windowStart.Before(start) {
		return Decision{Allowed: true, Remaining: l.config.Limit, ResetAt: resetAt}
	}
	if e.count >= l.config.Limit {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: resetAt.Sub(now),
			ResetAt:    resetAt,
		}
	}
	return Decision{
		Allowed:   true,
		Remaining: l.config.Limit - e.count,
		ResetAt:   resetAt,
	}
}

// Reset clears the tracked state for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// evictOldest removes roughly the oldest 10% of tracked keys to bound memory
// under high key cardinality. Must be called with the lock held.
func (l *Limiter) evictOldest() {
	n := len(l.entries) / 10
	if n < 1 {
		n = 1
	}

	type aged struct {
		key   string
		start time.Time
	}
	oldest := make([]aged, 0, len(l.entries))
	for k, e := range l.entries {
		oldest = append(oldest, aged{k, e.windowStart})
	}
	sort.Slice(oldest, func(i, j int) bool {
		return oldest[i].start.Before(oldest[j].start)
	})
	for i := 0; i < n && i < len(oldest); i++ {
		delete(l.entries, oldest[i].key)
	}
}

// Prune removes entries whose window has passed and returns the count removed.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := l.windowStart(l.nowFunc())
	removed := 0
	for k, e := range l.entries {
		if e.windowStart.Before(start) {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

// StartPruning launches a background sweep that runs until Stop is called.
// The ticker goroutine must not keep the process alive on its own.
func (l *Limiter) StartPruning() {
	interval := l.config.PruneInterval
	if interval <= 0 {
		interval = DefaultConfig().PruneInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopChan:
				return
			case <-ticker.C:
				l.Prune()
			}
		}
	}()
}

// Stop terminates the background sweep. Safe to call multiple times.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
}
