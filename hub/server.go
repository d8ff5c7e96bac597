// Package hub provides a reusable hub server that can be embedded in
// other binaries.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/podpilot/podpilot/internal/hub/agentmgr"
	"github.com/podpilot/podpilot/internal/hub/config"
	"github.com/podpilot/podpilot/internal/hub/db"
	"github.com/podpilot/podpilot/internal/hub/heartbeat"
	"github.com/podpilot/podpilot/internal/hub/reaper"
	"github.com/podpilot/podpilot/internal/hub/session"
	"github.com/podpilot/podpilot/internal/hub/store"
	"github.com/podpilot/podpilot/internal/logging"
	"github.com/podpilot/podpilot/internal/metrics"
)

// Server is a reusable hub instance.
type Server struct {
	cfg      *config.Config
	pool     *pgxpool.Pool
	queries  *store.Queries
	registry *agentmgr.Manager
	server   *http.Server

	// sessionCancel tears down all live agent sessions; it cancels
	// the base context every request context derives from.
	sessionCancel context.CancelFunc
}

// NewServer creates a hub server. It runs migrations, opens the
// connection pool, recovers state left behind by an unclean shutdown,
// and wires the HTTP surface. Call Serve to start listening.
func NewServer(ctx context.Context, cfg *config.Config, version string) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	queries := store.New(pool)

	// No agent can be connected while the hub is starting, so active
	// rows are leftovers from an unclean shutdown. Mark them errored;
	// agents that are still alive re-register within one backoff cycle.
	closed, err := queries.CloseActiveAgents(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("close stale agents: %w", err)
	}
	if closed > 0 {
		slog.Info("marked stale agents from previous run", "count", closed)
	}

	registry := agentmgr.New()

	sessionCtx, sessionCancel := context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.Handle("/ws/agent", session.NewHandler(queries, registry, version))
	mux.HandleFunc("/health", healthHandler(queries))
	mux.HandleFunc("/api/agents", listAgentsHandler(queries, registry))
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return sessionCtx },
	}

	return &Server{
		cfg:           cfg,
		pool:          pool,
		queries:       queries,
		registry:      registry,
		server:        server,
		sessionCancel: sessionCancel,
	}, nil
}

// Queries returns the hub's store for direct database access.
func (s *Server) Queries() *store.Queries {
	return s.queries
}

// Registry returns the hub's connection registry.
func (s *Server) Registry() *agentmgr.Manager {
	return s.registry
}

// Serve starts the listeners and background loops. It blocks until
// ctx is cancelled, then shuts down gracefully within the configured
// timeout. The returned error is nil when shutdown was requested.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.pool.Close()
		return fmt.Errorf("listen: %w", err)
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go heartbeat.New(s.registry).Run(bgCtx)
	go reaper.New(s.queries, s.registry).Run(bgCtx)

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("hub shutting down...", "timeout", s.cfg.ShutdownTimeout)

		// 1. Stop heartbeats and reaping.
		bgCancel()

		// 2. Tear down agent sessions; their websockets are hijacked
		//    so Shutdown would not wait for them.
		s.sessionCancel()

		// 3. Drain in-flight HTTP requests.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("graceful shutdown incomplete, forcing close", "error", err)
			_ = s.server.Close()
		}

		close(shutdownDone)
	}()

	slog.Info("hub listening", "addr", s.server.Addr)

	if err := s.server.Serve(ln); err != http.ErrServerClosed {
		s.pool.Close()
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone
	s.pool.Close()
	return nil
}

// healthHandler reports liveness including database reachability.
func healthHandler(queries *store.Queries) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := "ok"
		code := http.StatusOK
		if err := queries.Ping(ctx); err != nil {
			slog.Warn("health check: database unreachable", "error", err)
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	}
}

// listAgentsHandler returns all agent records annotated with whether
// each currently has a live websocket session.
func listAgentsHandler(queries *store.Queries, registry *agentmgr.Manager) http.HandlerFunc {
	type agentView struct {
		store.Agent
		Connected bool `json:"connected"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		agents, err := queries.ListAgents(r.Context())
		if err != nil {
			slog.Error("list agents", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		views := make([]agentView, 0, len(agents))
		for _, a := range agents {
			views = append(views, agentView{
				Agent:     a,
				Connected: registry.IsConnected(a.ID),
			})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"agents": views})
	}
}
