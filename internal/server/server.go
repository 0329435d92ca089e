// Package server exposes the commerce agent over HTTP: one turn endpoint,
// health, and Prometheus metrics. It is deliberately thin; rendering and
// schema validation belong to the frontend layer.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/shopagent/internal/agent"
	"github.com/haasonsaas/shopagent/internal/observability"
	"github.com/haasonsaas/shopagent/internal/ratelimit"
	"github.com/haasonsaas/shopagent/internal/session"
	"github.com/haasonsaas/shopagent/pkg/models"
)

// Config configures the HTTP listener.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server wires the turn loop, session store, and rate limiter behind HTTP.
type Server struct {
	config  Config
	loop    *agent.Loop
	store   session.Store
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	metrics *observability.Metrics

	httpServer *http.Server
}

// New creates the HTTP server.
func New(cfg Config, loop *agent.Loop, store session.Store, limiter *ratelimit.Limiter, logger *slog.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:  cfg,
		loop:    loop,
		store:   store,
		limiter: limiter,
		logger:  logger.With("component", "http_server"),
		metrics: metrics,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/turn", s.handleTurn)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.config.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// TurnRequest is the body of POST /v1/turn. An empty session id starts a
// fresh session; the assigned id comes back in the response.
type TurnRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// TurnResponse is the rendered turn result.
type TurnResponse struct {
	SessionID  string                 `json:"session_id"`
	Text       string                 `json:"text"`
	StopReason string                 `json:"stop_reason"`
	Pending    *models.PendingAction  `json:"pending,omitempty"`
	Cart       *models.CartState      `json:"cart,omitempty"`
	Trace      []agent.ToolTraceEntry `json:"tool_trace,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message is required"})
		return
	}

	limitKey := req.SessionID
	if limitKey == "" {
		limitKey = clientAddr(r)
	}
	if s.limiter != nil {
		decision := s.limiter.Hit(limitKey)
		if !decision.Allowed {
			s.metrics.ObserveRateLimitRejection()
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds()+1)))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	state, err := s.store.Get(r.Context(), sessionID)
	if errors.Is(err, session.ErrNotFound) {
		state = models.NewSessionState()
	} else if err != nil {
		s.logger.Error("session load failed", "session", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "session unavailable"})
		return
	}

	result, turnErr := s.loop.RunTurn(r.Context(), sessionID, state, req.Message)

	// Persist whatever conversation state the turn produced, even a failed
	// one, so the session does not lose the user's message. The write must
	// survive a client that cancelled or disconnected mid-turn.
	if err := s.store.Set(context.WithoutCancel(r.Context()), sessionID, state); err != nil {
		s.logger.Error("session persist failed", "session", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "session persist failed"})
		return
	}

	if turnErr != nil {
		s.logger.Error("turn failed", "session", sessionID, "error", turnErr)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "turn failed"})
		return
	}

	writeJSON(w, http.StatusOK, TurnResponse{
		SessionID:  sessionID,
		Text:       result.Text,
		StopReason: result.StopReason,
		Pending:    result.Pending,
		Cart:       result.Cart,
		Trace:      result.Trace,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
