// Package server exposes the agent manager over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aiwriter/internal/agent"
	"aiwriter/internal/domain"
	"aiwriter/internal/metrics"
)

const maxBodySize = 1 << 20 // 1MB

// Supervisor is the part of agent.Manager the server drives.
type Supervisor interface {
	Start(ctx context.Context, conversationID string) (*agent.Agent, bool, error)
	Stop(conversationID string) bool
	Agents() []agent.AgentInfo
}

// Server serves the agent control API, the websocket gateway and metrics.
type Server struct {
	addr      string
	manager   Supervisor
	websocket http.Handler
	version   string
	logger    *slog.Logger
	started   time.Time
	server    *http.Server
}

type Config struct {
	Host    string
	Port    int
	Manager Supervisor
	// WebSocket is mounted at /ws when set.
	WebSocket http.Handler
	Version   string
	Logger    *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		addr:      net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		manager:   cfg.Manager,
		websocket: cfg.WebSocket,
		version:   cfg.Version,
		logger:    cfg.Logger,
		started:   time.Now(),
	}
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

// Handler returns the routed handler wrapped in CORS and request metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /start-ai-agent", s.handleStart)
	mux.HandleFunc("POST /stop-ai-agent", s.handleStop)
	mux.HandleFunc("GET /agents", s.handleAgents)
	mux.Handle("GET /metrics", metrics.Handler())
	if s.websocket != nil {
		mux.Handle("GET /ws", s.websocket)
	}
	return metrics.Middleware(cors(mux))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", "err", err)
		}
	}()

	s.logger.Info("http server started", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Stop() error {
	return s.server.Close()
}

type agentRequest struct {
	ChannelID   string `json:"channel_id"`
	ChannelType string `json:"channel_type,omitempty"`
}

type response struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "AI writing assistant server is running",
		"version":       s.version,
		"active_agents": len(s.manager.Agents()),
		"uptime":        time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAgentRequest(w, r)
	if !ok {
		return
	}

	_, created, err := s.manager.Start(r.Context(), req.ChannelID)
	if err != nil {
		s.logger.Error("start agent", "channel_id", req.ChannelID, "err", err)
		status := http.StatusInternalServerError
		var cfgErr *domain.ConfigurationError
		if errors.As(err, &cfgErr) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, response{Error: "Failed to start AI Agent", Reason: err.Error()})
		return
	}

	msg := "AI Agent started"
	if !created {
		msg = "AI Agent already started"
	}
	writeJSON(w, http.StatusOK, response{Message: msg, Data: []string{}})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAgentRequest(w, r)
	if !ok {
		return
	}
	if !s.manager.Stop(req.ChannelID) {
		writeJSON(w, http.StatusOK, response{Message: "AI Agent not running"})
		return
	}
	writeJSON(w, http.StatusOK, response{Message: "AI Agent stopped"})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, response{Data: s.manager.Agents()})
}

func decodeAgentRequest(w http.ResponseWriter, r *http.Request) (agentRequest, bool) {
	var req agentRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: "bad request"})
		return req, false
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: "invalid JSON"})
		return req, false
	}
	req.ChannelID = strings.TrimSpace(req.ChannelID)
	if req.ChannelID == "" {
		writeJSON(w, http.StatusBadRequest, response{Error: "Missing required fields"})
		return req, false
	}
	return req, true
}

// cors allows every origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
