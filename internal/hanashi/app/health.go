package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdobrica/Hanashi/common/version"
	"github.com/bdobrica/Hanashi/internal/hanashi/window"
)

// HealthServer exposes /health, /status and /metrics. It is optional; Hanashi
// runs without it when http.addr is empty.
type HealthServer struct {
	addr          string
	conversations conversationCounter
	db            database
	budget        window.Budget
	startedAt     time.Time
	mux           *http.ServeMux
}

type conversationCounter interface {
	Len() int
}

// database is the part of the SQLite store the health server reports on. It
// is nil when no database is open.
type database interface {
	Ping(ctx context.Context) error
	SchemaVersion(ctx context.Context) (int, error)
	PersistedConversations(ctx context.Context) (int, error)
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Commit   string `json:"commit"`
	Database string `json:"database,omitempty"`
}

type statusResponse struct {
	Status                 string    `json:"status"`
	Version                string    `json:"version"`
	Commit                 string    `json:"commit"`
	BuildTime              string    `json:"build_time"`
	StartedAt              time.Time `json:"started_at"`
	UptimeSecs             float64   `json:"uptime_seconds"`
	Conversations          int       `json:"conversations"`
	PersistedConversations *int      `json:"persisted_conversations,omitempty"`
	SchemaVersion          *int      `json:"schema_version,omitempty"`
	MaxContextTokens       int       `json:"max_context_tokens"`
	ReservedForReply       int       `json:"reserved_for_reply"`
}

// NewHealthServer configures the server without starting it. db and
// metricsHandler may be nil.
func NewHealthServer(addr string, conversations conversationCounter, db database, budget window.Budget, metricsHandler http.Handler) *HealthServer {
	hs := &HealthServer{
		addr:          addr,
		conversations: conversations,
		db:            db,
		budget:        budget,
		startedAt:     time.Now(),
		mux:           http.NewServeMux(),
	}
	hs.mux.HandleFunc("GET /health", hs.handleHealth)
	hs.mux.HandleFunc("GET /status", hs.handleStatus)
	if metricsHandler != nil {
		hs.mux.Handle("GET /metrics", metricsHandler)
	}
	return hs
}

// ServeHTTP lets tests drive the server with httptest.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Run listens on the configured address and serves until ctx is cancelled.
func (h *HealthServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}
	return h.serve(ctx, ln)
}

func (h *HealthServer) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("health server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("health server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("health server shutdown error", "err", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	}
	code := http.StatusOK
	if h.db != nil {
		resp.Database = "ok"
		if err := h.db.Ping(r.Context()); err != nil {
			slog.Warn("health: database ping failed", "err", err)
			resp.Status = "degraded"
			resp.Database = "unreachable"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func (h *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:           "ok",
		Version:          version.Version,
		Commit:           version.GitCommit,
		BuildTime:        version.BuildTime,
		StartedAt:        h.startedAt,
		UptimeSecs:       time.Since(h.startedAt).Seconds(),
		MaxContextTokens: h.budget.MaxContextTokens,
		ReservedForReply: h.budget.ReservedForReply,
	}
	if h.conversations != nil {
		resp.Conversations = h.conversations.Len()
	}
	if h.db != nil {
		if n, err := h.db.PersistedConversations(r.Context()); err == nil {
			resp.PersistedConversations = &n
		}
		if v, err := h.db.SchemaVersion(r.Context()); err == nil {
			resp.SchemaVersion = &v
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: failed to encode JSON response", "err", err)
	}
}
