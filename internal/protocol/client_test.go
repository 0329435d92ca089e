package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/shopagent/internal/backoff"
	"github.com/haasonsaas/shopagent/pkg/models"
)

type staticTokens string

func (s staticTokens) AccessToken(ctx context.Context) (string, error) {
	return string(s), nil
}

// recordingServer captures every JSON-RPC request and lets tests script the
// responses per method.
type recordingServer struct {
	mu       sync.Mutex
	requests []Request
	headers  []http.Header
	handle   func(w http.ResponseWriter, req Request)
}

func (s *recordingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.headers = append(s.headers, r.Header.Clone())
	s.mu.Unlock()
	s.handle(w, req)
}

func (s *recordingServer) recorded() ([]Request, []http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...), append([]http.Header(nil), s.headers...)
}

// defaultHandshake answers initialize with a session id header and accepts
// the initialized notification.
func defaultHandshake(w http.ResponseWriter, req Request) bool {
	switch req.Method {
	case methodInitialize:
		w.Header().Set(sessionHeader, "sess-abc")
		w.Header().Set("Content-Type", "application/json")
		writeResult(w, req.ID, `{"protocolVersion":"2024-11-05","serverInfo":{"name":"store","version":"1.0"}}`)
		return true
	case methodInitialized:
		w.WriteHeader(http.StatusAccepted)
		return true
	}
	return false
}

func writeResult(w http.ResponseWriter, id *int64, result string) {
	resp := Response{JSONRPC: jsonrpcVersion, ID: id, Result: json.RawMessage(result)}
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, id *int64, code int, msg string) {
	resp := Response{JSONRPC: jsonrpcVersion, ID: id, Error: &RPCError{Code: code, Message: msg}}
	json.NewEncoder(w).Encode(resp)
}

func newTestClient(t *testing.T, handle func(w http.ResponseWriter, req Request)) (*SessionClient, *recordingServer, *models.ProtocolState) {
	t.Helper()
	srv := &recordingServer{handle: handle}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	client := NewSessionClient(Config{URL: ts.URL}, staticTokens("tok-123"), nil)
	client.policy = backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}

	state := models.NewSessionState()
	return client, srv, &state.Protocol
}

func TestEnsureInitialized_Handshake(t *testing.T) {
	client, srv, state := newTestClient(t, func(w http.ResponseWriter, req Request) {
		if !defaultHandshake(w, req) {
			t.Errorf("unexpected method %q", req.Method)
		}
	})

	if err := client.EnsureInitialized(context.Background(), state); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	if state.SessionID != "sess-abc" {
		t.Errorf("session id = %q, want sess-abc", state.SessionID)
	}

	reqs, headers := srv.recorded()
	if len(reqs) != 2 {
		t.Fatalf("got %d requests, want initialize + initialized", len(reqs))
	}
	if reqs[0].Method != methodInitialize || reqs[0].ID == nil {
		t.Errorf("first request = %+v, want initialize with id", reqs[0])
	}
	if reqs[1].Method != methodInitialized || reqs[1].ID != nil {
		t.Errorf("second request = %+v, want initialized notification without id", reqs[1])
	}
	// Notification goes out after the session id was captured.
	if got := headers[1].Get(sessionHeader); got != "sess-abc" {
		t.Errorf("initialized carried session header %q, want sess-abc", got)
	}
	if got := headers[0].Get("Authorization"); got != "Bearer tok-123" {
		t.Errorf("Authorization = %q", got)
	}

	// Second call is a no-op once a session id exists.
	if err := client.EnsureInitialized(context.Background(), state); err != nil {
		t.Fatalf("EnsureInitialized (again): %v", err)
	}
	if reqs, _ := srv.recorded(); len(reqs) != 2 {
		t.Errorf("no-op handshake sent %d extra requests", len(reqs)-2)
	}
}

func TestEnsureInitialized_RPCErrorIsHandshakeError(t *testing.T) {
	client, _, state := newTestClient(t, func(w http.ResponseWriter, req Request) {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, req.ID, ErrCodeInternalError, "not ready")
	})

	err := client.EnsureInitialized(context.Background(), state)
	var he *HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want HandshakeError", err)
	}
	if state.SessionID != "" && state.SessionID != "sess-abc" {
		t.Errorf("unexpected session id %q", state.SessionID)
	}
}

func TestCallTool_PlainJSON(t *testing.T) {
	client, srv, state := newTestClient(t, func(w http.ResponseWriter, req Request) {
		if defaultHandshake(w, req) {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeResult(w, req.ID, `{"content":[{"type":"text","text":"3 items found"}]}`)
	})

	result, err := client.CallTool(context.Background(), state, "search_products", json.RawMessage(`{"query":"shoes"}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := result.Text(); got != "3 items found" {
		t.Errorf("result text = %q", got)
	}

	reqs, headers := srv.recorded()
	last := reqs[len(reqs)-1]
	if last.Method != methodCallTool {
		t.Errorf("last method = %q", last.Method)
	}
	var params CallToolParams
	if err := json.Unmarshal(last.Params, &params); err != nil || params.Name != "search_products" {
		t.Errorf("params = %s (err %v)", last.Params, err)
	}
	if got := headers[len(headers)-1].Get(sessionHeader); got != "sess-abc" {
		t.Errorf("tool call carried session header %q", got)
	}
}

func TestCallTool_EventStreamBody(t *testing.T) {
	client, _, state := newTestClient(t, func(w http.ResponseWriter, req Request) {
		if defaultHandshake(w, req) {
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"id\":999,\"result\":{\"content\":[]}}\n\n")
		fmt.Fprintf(w, "data: {\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{\"content\":[{\"type\":\"text\",\"text\":\"streamed\"}]}}\n\n", *req.ID)
	})

	result, err := client.CallTool(context.Background(), state, "get_product", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := result.Text(); got != "streamed" {
		t.Errorf("result text = %q, want streamed", got)
	}
}

func TestCallTool_RemoteErrorBecomesToolError(t *testing.T) {
	client, srv, state := newTestClient(t, func(w http.ResponseWriter, req Request) {
		if defaultHandshake(w, req) {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeError(w, req.ID, -32000, "inventory backend down")
	})

	_, err := client.CallTool(context.Background(), state, "check_stock", nil)
	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want ToolError", err)
	}
	if te.Code != -32000 || te.Tool != "check_stock" {
		t.Errorf("ToolError = %+v", te)
	}
	if !strings.Contains(te.Error(), "-32000") {
		t.Errorf("error text %q should carry the remote code", te.Error())
	}

	// JSON-RPC errors are not transient: exactly one tools/call attempt.
	reqs, _ := srv.recorded()
	calls := 0
	for _, r := range reqs {
		if r.Method == methodCallTool {
			calls++
		}
	}
	if calls != 1 {
		t.Errorf("tools/call attempted %d times, want 1", calls)
	}
}

func TestCallTool_RetriesGatewayErrors(t *testing.T) {
	var calls int
	client, srv, state := newTestClient(t, func(w http.ResponseWriter, req Request) {
		if defaultHandshake(w, req) {
			return
		}
		calls++
		if calls < 3 {
			http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeResult(w, req.ID, `{"content":[{"type":"text","text":"ok"}]}`)
	})

	result, err := client.CallTool(context.Background(), state, "search_products", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.Text() != "ok" {
		t.Errorf("result = %q", result.Text())
	}

	// Every attempt advances the request id; ids are never reused.
	reqs, _ := srv.recorded()
	var ids []int64
	for _, r := range reqs {
		if r.Method == methodCallTool {
			ids = append(ids, *r.ID)
		}
	}
	if len(ids) != 3 {
		t.Fatalf("got %d attempts, want 3", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("request ids not strictly increasing: %v", ids)
		}
	}
}

func TestCallTool_NonRetryableStatusFailsFast(t *testing.T) {
	var calls int
	client, _, state := newTestClient(t, func(w http.ResponseWriter, req Request) {
		if defaultHandshake(w, req) {
			return
		}
		calls++
		http.Error(w, `{"detail":"bad arguments"}`, http.StatusBadRequest)
	})

	_, err := client.CallTool(context.Background(), state, "search_products", nil)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if te.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", te.Status)
	}
	if !strings.Contains(te.Body, "bad arguments") {
		t.Errorf("body snippet = %q", te.Body)
	}
	if calls != 1 {
		t.Errorf("400 retried %d times, want fail-fast", calls)
	}
}

func TestTransportError_BodySnippetBounded(t *testing.T) {
	huge := strings.Repeat("x", 4096)
	client, _, state := newTestClient(t, func(w http.ResponseWriter, req Request) {
		if defaultHandshake(w, req) {
			return
		}
		http.Error(w, huge, http.StatusUnprocessableEntity)
	})

	_, err := client.CallTool(context.Background(), state, "search_products", nil)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if len(te.Body) > bodySnippetLimit {
		t.Errorf("snippet length = %d, want <= %d", len(te.Body), bodySnippetLimit)
	}
}

func TestListTools(t *testing.T) {
	client, _, state := newTestClient(t, func(w http.ResponseWriter, req Request) {
		if defaultHandshake(w, req) {
			return
		}
		if req.Method != methodListTools {
			t.Errorf("method = %q", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		writeResult(w, req.ID, `{"tools":[{"name":"search_products","inputSchema":{"type":"object"}},{"name":"add_to_cart","inputSchema":{"type":"object"}}]}`)
	})

	tools, err := client.ListTools(context.Background(), state)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "search_products" {
		t.Errorf("tools = %+v", tools)
	}
}

func TestSessionID_NeverOverwritten(t *testing.T) {
	client, _, state := newTestClient(t, func(w http.ResponseWriter, req Request) {
		// Server misbehaves and hands out a new id on every response.
		w.Header().Set(sessionHeader, fmt.Sprintf("sess-%s", req.Method))
		if defaultHandshake(w, req) {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeResult(w, req.ID, `{"content":[]}`)
	})

	if err := client.EnsureInitialized(context.Background(), state); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	first := state.SessionID
	if _, err := client.CallTool(context.Background(), state, "search_products", nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if state.SessionID != first {
		t.Errorf("session id changed from %q to %q mid-session", first, state.SessionID)
	}
}
