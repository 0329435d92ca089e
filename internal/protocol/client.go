package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/shopagent/internal/backoff"
	"github.com/haasonsaas/shopagent/pkg/models"
)

// bodySnippetLimit bounds the diagnostic body excerpt on transport errors.
const bodySnippetLimit = 512

// TokenSource supplies a bearer token for the tool server. Implementations
// must be safe for concurrent use.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Config configures the session client.
type Config struct {
	// URL is the tool server endpoint.
	URL string `yaml:"url"`
	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration `yaml:"timeout"`
	// MaxAttempts caps tools/call attempts, including the first.
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:     30 * time.Second,
		MaxAttempts: 3,
	}
}

// SessionClient exchanges JSON-RPC 2.0 requests with the remote tool server
// over HTTP. It owns the handshake, propagates the server-assigned session
// id, and retries transient tools/call failures with exponential backoff.
//
// The client itself is stateless across sessions: all per-session state
// (session id, request id counter) lives in models.ProtocolState, mutated
// only by the single owner of that session's turn.
type SessionClient struct {
	config    Config
	client    *http.Client
	logger    *slog.Logger
	tokens    TokenSource
	policy    backoff.Policy
	retryable backoff.RetryableFunc
}

// NewSessionClient creates a session client for the given endpoint.
func NewSessionClient(cfg Config, tokens TokenSource, logger *slog.Logger) *SessionClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &SessionClient{
		config:    cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    logger.With("component", "protocol_client"),
		tokens:    tokens,
		policy:    backoff.DefaultPolicy(),
		retryable: DefaultRetryable,
	}
}

// SetRetryable overrides the retry predicate used by CallTool.
func (c *SessionClient) SetRetryable(fn backoff.RetryableFunc) {
	if fn != nil {
		c.retryable = fn
	}
}

// EnsureInitialized performs the handshake if the session has none yet:
// an initialize request followed by an initialized notification. The
// server-assigned session id arrives via a response header and is stored on
// the protocol state. No-op when a session id is already present.
func (c *SessionClient) EnsureInitialized(ctx context.Context, state *models.ProtocolState) error {
	if state.SessionID != "" {
		return nil
	}

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "shopagent",
			"version": "1.0.0",
		},
	}
	resp, err := c.roundTrip(ctx, state, methodInitialize, params, false)
	if err != nil {
		return &HandshakeError{Err: err}
	}
	if resp.Error != nil {
		return &HandshakeError{Err: fmt.Errorf("remote error %d: %s", resp.Error.Code, resp.Error.Message)}
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return &HandshakeError{Err: fmt.Errorf("parse initialize result: %w", err)}
	}
	c.logger.Info("session initialized",
		"server", result.ServerInfo.Name,
		"version", result.ServerInfo.Version,
		"session_id", state.SessionID)

	if _, err := c.roundTrip(ctx, state, methodInitialized, nil, true); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}
	return nil
}

// ListTools returns the remote tool catalog.
func (c *SessionClient) ListTools(ctx context.Context, state *models.ProtocolState) ([]Tool, error) {
	if err := c.EnsureInitialized(ctx, state); err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(ctx, state, methodListTools, nil, false)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/list: remote error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	var result ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a remote tool, retrying transient transport failures
// with exponential backoff. A JSON-RPC error becomes a ToolError carrying
// the remote code and message; it is never retried. Every attempt advances
// the request id; ids are never reused, even for aborted attempts.
func (c *SessionClient) CallTool(ctx context.Context, state *models.ProtocolState, name string, args json.RawMessage) (*ToolCallResult, error) {
	if err := c.EnsureInitialized(ctx, state); err != nil {
		return nil, err
	}

	params, err := json.Marshal(CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("marshal tool params: %w", err)
	}

	return backoff.Retry(ctx, c.policy, c.config.MaxAttempts, c.retryable,
		func(attempt int) (*ToolCallResult, error) {
			if attempt > 1 {
				c.logger.Debug("retrying tool call", "tool", name, "attempt", attempt)
			}
			resp, err := c.roundTripRaw(ctx, state, methodCallTool, params, false)
			if err != nil {
				return nil, err
			}
			if resp.Error != nil {
				return nil, &ToolError{Tool: name, Code: resp.Error.Code, Message: resp.Error.Message}
			}
			var result ToolCallResult
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				return nil, fmt.Errorf("parse tool result: %w", err)
			}
			return &result, nil
		})
}

// roundTrip marshals params and performs one JSON-RPC exchange.
func (c *SessionClient) roundTrip(ctx context.Context, state *models.ProtocolState, method string, params any, notification bool) (*Response, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = b
	}
	return c.roundTripRaw(ctx, state, method, raw, notification)
}

// roundTripRaw performs one HTTP exchange. Requests that expect a reply
// carry a strictly increasing id; notifications never do. The request id is
// taken from the session's protocol state, so it advances for every attempt
// and is never reused within a session.
func (c *SessionClient) roundTripRaw(ctx context.Context, state *models.ProtocolState, method string, params json.RawMessage, notification bool) (*Response, error) {
	req := Request{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
	if !notification {
		id := state.NextID()
		req.ID = &id
	}
	if req.ID == nil && !strings.HasPrefix(method, "notifications/") {
		// Contract violation, not a runtime condition: a call expecting a
		// reply must never go out without an id.
		return nil, fmt.Errorf("programming error: request %q sent without id", method)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if state.SessionID != "" {
		httpReq.Header.Set(sessionHeader, state.SessionID)
	}
	if c.tokens != nil {
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve access token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer httpResp.Body.Close()

	// Session continuity: adopt the server-assigned id the first time it is
	// observed; once set it is never overwritten mid-session.
	if sid := httpResp.Header.Get(sessionHeader); sid != "" && state.SessionID == "" {
		state.SessionID = sid
	}

	if httpResp.StatusCode == http.StatusAccepted {
		// Accepted with no body, expected for notifications.
		return &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: json.RawMessage(`{"accepted":true}`)}, nil
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, bodySnippetLimit))
		return nil, &TransportError{Status: httpResp.StatusCode, Body: string(snippet)}
	}

	contentType := httpResp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/event-stream") {
		var wantID int64
		if req.ID != nil {
			wantID = *req.ID
		}
		resp, err := parseEventStream(httpResp.Body, wantID)
		if errors.Is(err, ErrNoResponse) {
			return nil, fmt.Errorf("%s: %w", method, err)
		}
		return resp, err
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, &TransportError{Status: httpResp.StatusCode, Body: "undecodable body", Err: err}
	}
	return &resp, nil
}
