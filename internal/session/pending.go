package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/shopagent/pkg/models"
)

var (
	// ErrNoPending is returned when a confirmation arrives with no action
	// outstanding for the session.
	ErrNoPending = errors.New("no pending action")
	// ErrPendingExists is returned when a new mutation is requested while a
	// confirmation is still outstanding.
	ErrPendingExists = errors.New("pending action already exists")
)

// ExecuteFunc runs the underlying mutating tool for a confirmed action.
type ExecuteFunc func(ctx context.Context, state *models.SessionState, action *models.PendingAction) (json.RawMessage, error)

// Outcome is the result of a confirmation or cancellation.
type Outcome struct {
	Action *models.PendingAction
	Result json.RawMessage
	Err    string
	// Replayed is true when this confirmation observed an already-terminal
	// action and returned its recorded outcome without invoking the tool.
	Replayed bool
}

// Guard implements the pending-action lifecycle: create, consume, cancel.
// The pending-to-terminal transition is a conditional write at the store
// (Store.SetIfPending), so the mutating tool runs at most once per action
// even when confirmations race across instances sharing one backend. A
// per-key mutex additionally serializes confirmations within one process;
// the recorded outcome makes replays idempotent.
type Guard struct {
	store  Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

// NewGuard creates a pending-action guard over the given store.
func NewGuard(store Store, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		store:  store,
		logger: logger.With("component", "pending_guard"),
		locks:  make(map[string]*keyLock),
	}
}

func (g *Guard) lock(key string) func() {
	g.mu.Lock()
	l, ok := g.locks[key]
	if !ok {
		l = &keyLock{}
		g.locks[key] = l
	}
	l.refs++
	g.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, key)
		}
		g.mu.Unlock()
	}
}

// Create registers a new pending action on the session and persists it.
// If an action is already outstanding it is returned unchanged with
// ErrPendingExists; the existing action is never silently replaced.
func (g *Guard) Create(ctx context.Context, key string, state *models.SessionState, kind models.ActionKind, tool string, args json.RawMessage) (*models.PendingAction, error) {
	if !models.ValidActionKind(kind) {
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}

	unlock := g.lock(key)
	defer unlock()

	if state.Pending != nil && !state.Pending.Terminal() {
		return state.Pending, ErrPendingExists
	}

	action := &models.PendingAction{
		ID:        uuid.NewString(),
		Kind:      kind,
		Tool:      tool,
		Args:      args,
		CreatedAt: time.Now(),
		Status:    models.PendingStatusPending,
	}
	state.Pending = action
	if err := g.store.Set(ctx, key, state); err != nil {
		return nil, fmt.Errorf("persist pending action: %w", err)
	}

	g.logger.Info("pending action created", "session", key, "action", action.ID, "kind", action.Kind)
	return action, nil
}

// Consume confirms the outstanding action. The pending-to-consumed claim is
// a conditional write at the store; only the confirmation that wins it
// invokes exec. Any concurrent or later confirmation loses the claim,
// observes the terminal status, and gets the recorded outcome back without
// a second invocation.
func (g *Guard) Consume(ctx context.Context, key string, exec ExecuteFunc) (*Outcome, error) {
	unlock := g.lock(key)
	defer unlock()

	state, err := g.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNoPending
		}
		return nil, err
	}
	action := state.Pending
	if action == nil {
		return nil, ErrNoPending
	}

	if action.Terminal() {
		return &Outcome{
			Action:   action,
			Result:   action.Outcome,
			Err:      action.OutcomeError,
			Replayed: true,
		}, nil
	}

	// Claim before executing. Losing the claim means another instance got
	// there first between our read and this write.
	action.Status = models.PendingStatusConsumed
	action.ConsumedAt = time.Now()
	if err := g.store.SetIfPending(ctx, key, action.ID, state); err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			return g.replayOutcome(ctx, key)
		}
		return nil, fmt.Errorf("claim pending action: %w", err)
	}

	result, execErr := exec(ctx, state, action)
	action.Outcome = result
	if execErr != nil {
		action.OutcomeError = execErr.Error()
	}

	if err := g.store.Set(ctx, key, state); err != nil {
		return nil, fmt.Errorf("persist consumed action: %w", err)
	}

	g.logger.Info("pending action consumed",
		"session", key, "action", action.ID, "kind", action.Kind, "error", action.OutcomeError != "")
	return &Outcome{Action: action, Result: result, Err: action.OutcomeError}, nil
}

// replayOutcome re-reads the session after a lost claim and reports the
// outcome the winning writer recorded. A winner that is still executing has
// a terminal action without an outcome yet; the caller sees the consumed
// action and an empty result rather than a second tool run.
func (g *Guard) replayOutcome(ctx context.Context, key string) (*Outcome, error) {
	state, err := g.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNoPending
		}
		return nil, err
	}
	action := state.Pending
	if action == nil || !action.Terminal() {
		return nil, ErrNoPending
	}
	return &Outcome{
		Action:   action,
		Result:   action.Outcome,
		Err:      action.OutcomeError,
		Replayed: true,
	}, nil
}

// Cancel rejects the outstanding action. The action transitions to
// cancelled and is dropped from the session; no tool call is ever made.
// Cancelling an already-terminal action returns its recorded outcome.
func (g *Guard) Cancel(ctx context.Context, key string) (*Outcome, error) {
	unlock := g.lock(key)
	defer unlock()

	state, err := g.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNoPending
		}
		return nil, err
	}
	action := state.Pending
	if action == nil {
		return nil, ErrNoPending
	}

	if action.Terminal() {
		return &Outcome{
			Action:   action,
			Result:   action.Outcome,
			Err:      action.OutcomeError,
			Replayed: true,
		}, nil
	}

	action.Status = models.PendingStatusCancelled
	state.Pending = nil
	if err := g.store.SetIfPending(ctx, key, action.ID, state); err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			// A racing confirmation consumed the action first.
			return g.replayOutcome(ctx, key)
		}
		return nil, fmt.Errorf("persist cancelled action: %w", err)
	}

	g.logger.Info("pending action cancelled", "session", key, "action", action.ID, "kind", action.Kind)
	return &Outcome{Action: action}, nil
}
