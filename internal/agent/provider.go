// Package agent drives the bounded multi-round tool-calling loop: it invokes
// the language model with the running conversation and the remote tool
// catalog, executes requested tool calls between rounds, routes cart
// mutations through the pending-action guard, and produces one terminal turn
// result.
package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/shopagent/pkg/models"
)

// FinishReason is the model's reason for ending a completion.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
)

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// CompletionRequest is one model invocation: the full running conversation
// plus the tool catalog. Completions are whole turns, not streams; the
// caller renders complete responses.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []models.Message
	Tools     []ToolDefinition
	MaxTokens int
}

// Completion is the model's reply: text, requested tool calls, or both.
type Completion struct {
	Text         string
	ToolCalls    []models.ToolCall
	FinishReason FinishReason
}

// Provider is a language model capable of tool calling.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}
