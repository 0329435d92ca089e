// Package models defines the shared data model for the commerce agent:
// session state, conversation messages, working memory, and pending actions.
package models

import (
	"encoding/json"
	"time"
)

// SessionState is the durable per-session state. It is owned exclusively by
// the session store; the orchestration loop borrows it for one turn and
// writes it back atomically at turn end.
type SessionState struct {
	Conversation []Message      `json:"conversation"`
	Protocol     ProtocolState  `json:"protocol"`
	Memory       WorkingMemory  `json:"memory"`
	Pending      *PendingAction `json:"pending,omitempty"`
	Cart         *CartState     `json:"cart,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
}

// NewSessionState returns an empty session state ready for its first turn.
func NewSessionState() *SessionState {
	return &SessionState{
		Protocol: ProtocolState{NextRequestID: 1},
	}
}

// Expired reports whether the state should be treated as absent.
func (s *SessionState) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// ProtocolState carries the remote tool server session across turns.
// NextRequestID increases monotonically and is never reused within a session,
// including for calls later aborted by retry.
type ProtocolState struct {
	SessionID     string `json:"session_id,omitempty"`
	NextRequestID int64  `json:"next_request_id"`
}

// NextID returns the next JSON-RPC request id and advances the counter.
func (p *ProtocolState) NextID() int64 {
	if p.NextRequestID <= 0 {
		p.NextRequestID = 1
	}
	id := p.NextRequestID
	p.NextRequestID++
	return id
}

// MaxLastResults bounds the working-memory result list.
const MaxLastResults = 10

// WorkingMemory is short-lived, session-scoped state used to resolve user
// references without re-querying the remote catalog. Result lists are
// replaced wholesale on each new search or choice presentation, never merged.
type WorkingMemory struct {
	LastResults     []ResultItem `json:"last_results,omitempty"`
	ActiveChoiceSet *ChoiceSet   `json:"active_choice_set,omitempty"`
	Shortlist       []ResultItem `json:"shortlist,omitempty"`
}

// SetResults replaces the last-results list, truncating to MaxLastResults
// and assigning 1-based indices.
func (m *WorkingMemory) SetResults(items []ResultItem) {
	if len(items) > MaxLastResults {
		items = items[:MaxLastResults]
	}
	for i := range items {
		items[i].Index = i + 1
	}
	m.LastResults = items
}

// ResultItem is one entry of a search result or shortlist.
type ResultItem struct {
	Index int    `json:"index"` // 1-based position in the presented list
	ID    string `json:"id"`
	SKU   string `json:"sku,omitempty"`
	Title string `json:"title,omitempty"`
	Price string `json:"price,omitempty"`
}

// ChoiceSet is a presented set of options the user may pick from.
type ChoiceSet struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Options   []ChoiceOption `json:"options"`
	CreatedAt time.Time      `json:"created_at"`
}

// ChoiceOption is one selectable entry of a choice set.
type ChoiceOption struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// CartState is the last cart snapshot returned by the remote server.
type CartState struct {
	Items    []CartItem `json:"items,omitempty"`
	Currency string     `json:"currency,omitempty"`
	Total    string     `json:"total,omitempty"`
}

// CartItem is one cart line.
type CartItem struct {
	ProductID string `json:"product_id"`
	SKU       string `json:"sku,omitempty"`
	Title     string `json:"title,omitempty"`
	Quantity  int    `json:"quantity"`
	Price     string `json:"price,omitempty"`
}

// ActionKind enumerates the cart-mutating operations that require
// confirmation before execution.
type ActionKind string

const (
	ActionAddToCart      ActionKind = "add_to_cart"
	ActionRemoveFromCart ActionKind = "remove_from_cart"
	ActionUpdateQuantity ActionKind = "update_quantity"
	ActionClearCart      ActionKind = "clear_cart"
	ActionCheckout       ActionKind = "checkout"
)

// ValidActionKind reports whether kind belongs to the closed mutation set.
func ValidActionKind(kind ActionKind) bool {
	switch kind {
	case ActionAddToCart, ActionRemoveFromCart, ActionUpdateQuantity, ActionClearCart, ActionCheckout:
		return true
	}
	return false
}

// PendingStatus is the lifecycle state of a pending action.
type PendingStatus string

const (
	PendingStatusPending   PendingStatus = "pending"
	PendingStatusConsumed  PendingStatus = "consumed"
	PendingStatusCancelled PendingStatus = "cancelled"
)

// PendingAction is a cart mutation awaiting explicit user confirmation.
// At most one exists per session. It transitions pending → consumed exactly
// once (first successful confirmation) or pending → cancelled; once terminal
// it is immutable except for being dropped from the session after the
// confirmation response is delivered.
type PendingAction struct {
	ID         string          `json:"id"`
	Kind       ActionKind      `json:"kind"`
	Tool       string          `json:"tool"`
	Args       json.RawMessage `json:"args,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Status     PendingStatus   `json:"status"`
	ConsumedAt time.Time       `json:"consumed_at,omitzero"`

	// Outcome records the tool result computed by the first successful
	// confirmation so later confirmations can replay it without a second
	// invocation.
	Outcome      json.RawMessage `json:"outcome,omitempty"`
	OutcomeError string          `json:"outcome_error,omitempty"`
}

// Terminal reports whether the action can no longer transition.
func (a *PendingAction) Terminal() bool {
	return a.Status != PendingStatusPending
}
