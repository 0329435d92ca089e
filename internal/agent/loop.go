package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/shopagent/internal/observability"
	"github.com/haasonsaas/shopagent/internal/resolver"
	"github.com/haasonsaas/shopagent/internal/session"
	"github.com/haasonsaas/shopagent/pkg/models"
)

// Stop reasons for a terminal turn result.
const (
	StopReasonStop         = "stop"
	StopReasonConfirmation = "confirmation_required"
	StopReasonRoundBudget  = "round_budget_exhausted"
	StopReasonToolBudget   = "tool_budget_exhausted"
)

// roundBudgetFallback is returned verbatim when a turn runs out of reasoning
// rounds. A fixed message is preferable to silently truncating the answer.
const roundBudgetFallback = "I wasn't able to finish working through that request. Could you try again with a smaller step, or rephrase it?"

// emptyReplyFallback stands in for a model completion that carried neither
// text nor tool calls.
const emptyReplyFallback = "I don't have a good answer for that. Could you rephrase?"

// Config configures the orchestration loop. MaxRounds and
// MaxToolCallsPerRound are hard caps, never retried past.
type Config struct {
	MaxRounds            int    `yaml:"max_rounds"`
	MaxToolCallsPerRound int    `yaml:"max_tool_calls_per_round"`
	MaxTokens            int    `yaml:"max_tokens"`
	Model                string `yaml:"model"`
	SystemPrompt         string `yaml:"system_prompt"`
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxRounds:            6,
		MaxToolCallsPerRound: 5,
		MaxTokens:            1024,
		SystemPrompt: "You are a shopping assistant for an online store. " +
			"Use the available tools to search the catalog and manage the cart. " +
			"Cart changes require explicit user confirmation before they run.",
	}
}

// Validate checks that the required budgets are finite and positive.
func (c Config) Validate() error {
	if c.MaxRounds <= 0 {
		return errors.New("agent: max_rounds must be positive")
	}
	if c.MaxToolCallsPerRound <= 0 {
		return errors.New("agent: max_tool_calls_per_round must be positive")
	}
	return nil
}

// mutationKinds maps remote tool names to the confirmation-gated action
// kinds. Tools outside this map execute immediately.
var mutationKinds = map[string]models.ActionKind{
	"add_to_cart":      models.ActionAddToCart,
	"remove_from_cart": models.ActionRemoveFromCart,
	"update_quantity":  models.ActionUpdateQuantity,
	"clear_cart":       models.ActionClearCart,
	"checkout":         models.ActionCheckout,
}

// MutationKind returns the action kind for a mutating tool name.
func MutationKind(tool string) (models.ActionKind, bool) {
	kind, ok := mutationKinds[tool]
	return kind, ok
}

// ToolTraceEntry is one entry of a turn's diagnostic tool trace.
type ToolTraceEntry struct {
	Round      int    `json:"round"`
	Tool       string `json:"tool"`
	CallID     string `json:"call_id"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// TurnResult is the terminal outcome of one turn, consumed by the HTTP
// layer for rendering.
type TurnResult struct {
	Text       string                `json:"text"`
	StopReason string                `json:"stop_reason"`
	Pending    *models.PendingAction `json:"pending,omitempty"`
	Cart       *models.CartState     `json:"cart,omitempty"`
	Trace      []ToolTraceEntry      `json:"tool_trace,omitempty"`
}

// Loop drives one conversation turn: bounded reasoning rounds against the
// model, sequential tool execution between rounds, mutation routing through
// the pending-action guard, and deterministic reference resolution ahead of
// the first model call.
type Loop struct {
	config   Config
	provider Provider
	registry *Registry
	guard    *session.Guard
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewLoop creates an orchestration loop.
func NewLoop(cfg Config, provider Provider, registry *Registry, guard *session.Guard, logger *slog.Logger, metrics *observability.Metrics) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		config:   cfg,
		provider: provider,
		registry: registry,
		guard:    guard,
		logger:   logger.With("component", "agent_loop"),
		metrics:  metrics,
	}, nil
}

// RunTurn processes one inbound user message against the session state.
// The caller owns the state for the turn's duration and persists it after
// RunTurn returns, whether or not an error occurred mid-turn.
func (l *Loop) RunTurn(ctx context.Context, key string, state *models.SessionState, userText string) (*TurnResult, error) {
	start := time.Now()
	result, err := l.runTurn(ctx, key, state, userText)
	if err != nil {
		l.metrics.ObserveTurn("error", time.Since(start))
		return nil, err
	}
	l.metrics.ObserveTurn(result.StopReason, time.Since(start))
	return result, nil
}

func (l *Loop) runTurn(ctx context.Context, key string, state *models.SessionState, userText string) (*TurnResult, error) {
	// The catalog is loaded lazily so the first turn after startup carries
	// the remote tool list. A failed refresh degrades to a tool-less turn
	// instead of failing it; the next turn retries.
	if !l.registry.Ready() {
		if err := l.registry.Refresh(ctx, &state.Protocol); err != nil {
			l.logger.Warn("tool catalog refresh failed", "session", key, "error", err)
		}
	}

	// An outstanding confirmation takes priority over everything else: the
	// model is not consulted while a mutation is staged. A terminal action
	// still intercepts affirmatives so duplicated confirmations replay the
	// recorded outcome; any other message finally drops it.
	if pending := state.Pending; pending != nil {
		switch {
		case IsAffirmative(userText):
			return l.confirmPending(ctx, key, state, userText)
		case IsNegative(userText) && !pending.Terminal():
			return l.cancelPending(ctx, key, state, userText)
		case !pending.Terminal():
			reminder := confirmationReminder(pending)
			l.appendUser(state, userText)
			l.appendAssistant(state, reminder)
			return &TurnResult{
				Text:       reminder,
				StopReason: StopReasonConfirmation,
				Pending:    pending,
				Cart:       state.Cart,
			}, nil
		default:
			// Confirmation response already delivered; the conversation has
			// moved on.
			state.Pending = nil
		}
	}

	l.appendUser(state, userText)

	system := l.config.SystemPrompt
	if resolver.LooksLikeSelectionIntent(userText) {
		if match := resolver.Resolve(userText, &state.Memory); match != nil {
			system += "\n\nReference hint: " + match.Reason + "."
			l.logger.Debug("resolver hint injected",
				"session", key, "item", match.Item.ID, "confidence", match.Confidence)
		}
	}

	var (
		trace      []ToolTraceEntry
		finalRound bool
	)
	for round := 1; round <= l.config.MaxRounds; round++ {
		req := &CompletionRequest{
			Model:     l.config.Model,
			System:    system,
			Messages:  state.Conversation,
			MaxTokens: l.config.MaxTokens,
		}
		if !finalRound {
			req.Tools = l.registry.Definitions()
		}

		comp, err := l.provider.Complete(ctx, req)
		l.metrics.ObserveModelRequest(l.provider.Name(), err)
		if err != nil {
			return nil, fmt.Errorf("model round %d: %w", round, err)
		}

		if len(comp.ToolCalls) == 0 || finalRound {
			text := comp.Text
			if text == "" {
				text = emptyReplyFallback
			}
			l.appendAssistant(state, text)
			stop := StopReasonStop
			if finalRound {
				stop = StopReasonToolBudget
			}
			return &TurnResult{Text: text, StopReason: stop, Cart: state.Cart, Trace: trace}, nil
		}

		calls := comp.ToolCalls
		if len(calls) > l.config.MaxToolCallsPerRound {
			// Deterministic: keep the first N in call order, drop the rest,
			// and force a final round over the gathered results.
			l.logger.Warn("tool call budget exceeded",
				"session", key, "round", round,
				"requested", len(calls), "kept", l.config.MaxToolCallsPerRound)
			calls = calls[:l.config.MaxToolCallsPerRound]
			finalRound = true
		}

		state.Conversation = append(state.Conversation, models.Message{
			Role:      models.RoleAssistant,
			Content:   comp.Text,
			ToolCalls: calls,
		})

		var (
			results []models.ToolResult
			staged  *models.PendingAction
		)
		for _, call := range calls {
			res, pending, entry := l.executeCall(ctx, key, state, call, round)
			results = append(results, res)
			trace = append(trace, entry)
			if pending != nil && staged == nil {
				staged = pending
			}
		}
		state.Conversation = append(state.Conversation, models.Message{
			Role:        models.RoleTool,
			ToolResults: results,
		})

		if staged != nil {
			prompt := confirmationReminder(staged)
			l.appendAssistant(state, prompt)
			l.metrics.ObservePendingAction("created")
			return &TurnResult{
				Text:       prompt,
				StopReason: StopReasonConfirmation,
				Pending:    staged,
				Cart:       state.Cart,
				Trace:      trace,
			}, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	l.appendAssistant(state, roundBudgetFallback)
	return &TurnResult{
		Text:       roundBudgetFallback,
		StopReason: StopReasonRoundBudget,
		Cart:       state.Cart,
		Trace:      trace,
	}, nil
}

// executeCall runs one tool call. Mutations are staged through the guard
// instead of executing; failures become error tool results so the model can
// recover; nothing here aborts the round.
func (l *Loop) executeCall(ctx context.Context, key string, state *models.SessionState, call models.ToolCall, round int) (models.ToolResult, *models.PendingAction, ToolTraceEntry) {
	started := time.Now()
	entry := ToolTraceEntry{Round: round, Tool: call.Name, CallID: call.ID}
	finish := func(res models.ToolResult, pending *models.PendingAction) (models.ToolResult, *models.PendingAction, ToolTraceEntry) {
		entry.DurationMs = time.Since(started).Milliseconds()
		return res, pending, entry
	}

	if kind, ok := MutationKind(call.Name); ok {
		action, err := l.guard.Create(ctx, key, state, kind, call.Name, call.Arguments)
		if errors.Is(err, session.ErrPendingExists) {
			entry.Error = err.Error()
			return finish(errorResult(call, "another action is already awaiting confirmation; resolve it first"), nil)
		}
		if err != nil {
			entry.Error = err.Error()
			return finish(errorResult(call, err.Error()), nil)
		}
		return finish(models.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("Action %s staged; awaiting user confirmation.", action.Kind),
		}, action)
	}

	if err := l.registry.Validate(call.Name, call.Arguments); err != nil {
		entry.Error = err.Error()
		l.metrics.ObserveToolCall(call.Name, time.Since(started), err)
		return finish(errorResult(call, err.Error()), nil)
	}

	result, err := l.registry.Call(ctx, &state.Protocol, call.Name, call.Arguments)
	l.metrics.ObserveToolCall(call.Name, time.Since(started), err)
	if err != nil {
		entry.Error = err.Error()
		l.logger.Warn("tool call failed", "session", key, "tool", call.Name, "error", err)
		return finish(errorResult(call, err.Error()), nil)
	}
	if result.IsError {
		entry.Error = result.Text()
		return finish(models.ToolResult{ToolCallID: call.ID, Content: result.Text(), IsError: true}, nil)
	}

	text := result.Text()
	l.updateMemory(state, call.Name, text)
	return finish(models.ToolResult{ToolCallID: call.ID, Content: text}, nil)
}

// confirmPending consumes the outstanding action through the guard's
// compare-and-set. Replayed confirmations report the recorded outcome
// without a second tool invocation.
func (l *Loop) confirmPending(ctx context.Context, key string, state *models.SessionState, userText string) (*TurnResult, error) {
	l.appendUser(state, userText)

	// The tool call uses the turn's borrowed protocol state so request ids
	// keep advancing on the copy that gets persisted at turn end.
	exec := func(ctx context.Context, _ *models.SessionState, action *models.PendingAction) (json.RawMessage, error) {
		started := time.Now()
		result, err := l.registry.Call(ctx, &state.Protocol, action.Tool, action.Args)
		l.metrics.ObserveToolCall(action.Tool, time.Since(started), err)
		if err != nil {
			return nil, err
		}
		if result.IsError {
			return nil, errors.New(result.Text())
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode outcome: %w", err)
		}
		l.updateMemory(state, action.Tool, result.Text())
		return raw, nil
	}

	outcome, err := l.guard.Consume(ctx, key, exec)
	if errors.Is(err, session.ErrNoPending) {
		text := "There is nothing awaiting confirmation right now."
		l.appendAssistant(state, text)
		state.Pending = nil
		return &TurnResult{Text: text, StopReason: StopReasonStop, Cart: state.Cart}, nil
	}
	if err != nil {
		return nil, err
	}
	state.Pending = outcome.Action

	if outcome.Replayed {
		l.metrics.ObservePendingAction("replayed")
	} else {
		l.metrics.ObservePendingAction("consumed")
	}

	var text string
	if outcome.Err != "" {
		text = fmt.Sprintf("I couldn't complete the %s action: %s", outcome.Action.Kind, outcome.Err)
	} else {
		text = fmt.Sprintf("Done, the %s action is complete.", outcome.Action.Kind)
	}
	l.appendAssistant(state, text)
	return &TurnResult{
		Text:       text,
		StopReason: StopReasonStop,
		Pending:    outcome.Action,
		Cart:       state.Cart,
	}, nil
}

// cancelPending rejects the outstanding action; no tool call is made.
func (l *Loop) cancelPending(ctx context.Context, key string, state *models.SessionState, userText string) (*TurnResult, error) {
	l.appendUser(state, userText)

	outcome, err := l.guard.Cancel(ctx, key)
	if errors.Is(err, session.ErrNoPending) {
		text := "There is nothing awaiting confirmation right now."
		l.appendAssistant(state, text)
		state.Pending = nil
		return &TurnResult{Text: text, StopReason: StopReasonStop, Cart: state.Cart}, nil
	}
	if err != nil {
		return nil, err
	}
	state.Pending = nil
	l.metrics.ObservePendingAction("cancelled")

	text := fmt.Sprintf("Okay, I won't run the %s action.", outcome.Action.Kind)
	l.appendAssistant(state, text)
	return &TurnResult{Text: text, StopReason: StopReasonStop, Cart: state.Cart}, nil
}

// updateMemory refreshes working memory from well-known tool results so the
// resolver can answer follow-up references without another catalog query.
// Best effort: results that do not parse are left to the conversation text.
func (l *Loop) updateMemory(state *models.SessionState, tool, text string) {
	switch tool {
	case "search_products", "list_products":
		var payload struct {
			Items []models.ResultItem `json:"items"`
		}
		if err := json.Unmarshal([]byte(text), &payload); err == nil && len(payload.Items) > 0 {
			state.Memory.SetResults(payload.Items)
			state.Memory.ActiveChoiceSet = nil
		}
	case "get_cart", "add_to_cart", "remove_from_cart", "update_quantity", "clear_cart":
		var cart models.CartState
		if err := json.Unmarshal([]byte(text), &cart); err == nil && len(cart.Items) > 0 {
			state.Cart = &cart
		}
	}
}

func (l *Loop) appendUser(state *models.SessionState, text string) {
	state.Conversation = append(state.Conversation, models.Message{Role: models.RoleUser, Content: text})
}

func (l *Loop) appendAssistant(state *models.SessionState, text string) {
	state.Conversation = append(state.Conversation, models.Message{Role: models.RoleAssistant, Content: text})
}

func errorResult(call models.ToolCall, msg string) models.ToolResult {
	return models.ToolResult{ToolCallID: call.ID, Content: msg, IsError: true}
}

func confirmationReminder(action *models.PendingAction) string {
	return fmt.Sprintf("Please confirm: %s (%s). Reply yes to proceed or no to cancel.",
		action.Kind, actionSummary(action))
}

func actionSummary(action *models.PendingAction) string {
	if len(action.Args) == 0 {
		return "no arguments"
	}
	const max = 120
	s := string(action.Args)
	if len(s) > max {
		s = s[:max] + "…"
	}
	return s
}
