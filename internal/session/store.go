// Package session provides TTL-bounded persistence for per-conversation
// agent state and the pending-action confirmation state machine.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/shopagent/pkg/models"
)

// ErrNotFound is returned when a key is absent or its record has expired.
var ErrNotFound = errors.New("session not found")

// ErrConflict is returned by SetIfPending when the stored record's pending
// action is no longer the expected one in status pending, meaning another
// writer transitioned it first.
var ErrConflict = errors.New("pending action conflict")

// Store is the interface for session state persistence. A record whose
// expiry has passed is treated as absent on read. Writes always stamp a
// fresh expiry of now + TTL.
type Store interface {
	Get(ctx context.Context, key string) (*models.SessionState, error)
	Set(ctx context.Context, key string, state *models.SessionState) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// SetIfPending writes state only if the stored record still carries the
	// pending action with the given id in status pending. The check and the
	// write are one atomic step at the store, so across concurrent writers
	// and across instances exactly one such write succeeds; the rest get
	// ErrConflict. Returns ErrNotFound if the key is absent or expired.
	SetIfPending(ctx context.Context, key, actionID string, state *models.SessionState) error

	// Touch extends the record's expiry by the configured TTL from now.
	// Returns ErrNotFound if the key is absent or expired.
	Touch(ctx context.Context, key string) error

	Close() error
}

// Config configures session persistence.
type Config struct {
	// Backend selects the store implementation: "memory" or "postgres".
	Backend string `yaml:"backend"`
	// TTL is the session lifetime extended on every write and touch.
	TTL time.Duration `yaml:"ttl"`
	// SweepInterval is how often the memory backend evicts expired records.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// DSN is the postgres connection string for the durable backend.
	DSN string `yaml:"dsn"`
}

// DefaultConfig returns the default session store configuration.
func DefaultConfig() Config {
	return Config{
		Backend:       "memory",
		TTL:           30 * time.Minute,
		SweepInterval: time.Minute,
	}
}
