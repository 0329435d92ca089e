package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/shopagent/pkg/models"
)

// MemoryStore is a process-local Store for single-instance deployments.
// Expired records are hidden on read and reclaimed by a periodic sweep.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
	expiry  map[string]time.Time
	ttl     time.Duration
	nowFunc func() time.Time

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewMemoryStore creates an in-memory session store and starts its sweep.
func NewMemoryStore(cfg Config) *MemoryStore {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultConfig().TTL
	}
	s := &MemoryStore{
		records:  make(map[string][]byte),
		expiry:   make(map[string]time.Time),
		ttl:      ttl,
		nowFunc:  time.Now,
		stopChan: make(chan struct{}),
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultConfig().SweepInterval
	}
	go s.sweepLoop(interval)
	return s
}

// SetNowFunc sets a custom time source for testing.
func (s *MemoryStore) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = fn
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*models.SessionState, error) {
	s.mu.RLock()
	raw, ok := s.records[key]
	exp := s.expiry[key]
	now := s.nowFunc()
	s.mu.RUnlock()

	if !ok || !now.Before(exp) {
		return nil, ErrNotFound
	}

	var state models.SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		// A poisoned record must not wedge the session.
		s.mu.Lock()
		delete(s.records, key)
		delete(s.expiry, key)
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	return &state, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, state *models.SessionState) error {
	if state == nil {
		return errors.New("state is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(key, state)
}

func (s *MemoryStore) SetIfPending(ctx context.Context, key, actionID string, state *models.SessionState) error {
	if state == nil {
		return errors.New("state is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.records[key]
	if !ok || !s.nowFunc().Before(s.expiry[key]) {
		return ErrNotFound
	}
	var stored models.SessionState
	if err := json.Unmarshal(raw, &stored); err != nil {
		return ErrConflict
	}
	if stored.Pending == nil || stored.Pending.ID != actionID ||
		stored.Pending.Status != models.PendingStatusPending {
		return ErrConflict
	}
	return s.setLocked(key, state)
}

// setLocked stamps a fresh expiry and writes the record. Callers hold s.mu.
func (s *MemoryStore) setLocked(key string, state *models.SessionState) error {
	now := s.nowFunc()
	state.UpdatedAt = now
	state.ExpiresAt = now.Add(s.ttl)

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	s.records[key] = raw
	s.expiry[key] = state.ExpiresAt
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	delete(s.expiry, key)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, ok := s.expiry[key]
	return ok && s.nowFunc().Before(exp), nil
}

func (s *MemoryStore) Touch(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	exp, ok := s.expiry[key]
	if !ok || !now.Before(exp) {
		return ErrNotFound
	}
	s.expiry[key] = now.Add(s.ttl)

	// Keep the stored record's expiry in sync for readers of the state.
	var state models.SessionState
	if err := json.Unmarshal(s.records[key], &state); err == nil {
		state.ExpiresAt = s.expiry[key]
		if raw, err := json.Marshal(&state); err == nil {
			s.records[key] = raw
		}
	}
	return nil
}

// Close stops the background sweep. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	return nil
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	for key, exp := range s.expiry {
		if !now.Before(exp) {
			delete(s.records, key)
			delete(s.expiry, key)
		}
	}
}

// Len returns the number of stored records, including not-yet-swept expired
// ones. Used by tests.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
