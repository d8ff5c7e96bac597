// Package status serves the agent's local health API.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/podpilot/podpilot/internal/logging"
)

// Server exposes GET /status on the agent's local port so providers
// and humans can probe the agent without going through the hub.
type Server struct {
	version string
	// connected reports whether the hub session is currently live.
	connected func() bool
	server    *http.Server
}

// NewServer creates a status server listening on the given port.
func NewServer(port int, version string, connected func() bool) *Server {
	s := &Server{version: version, connected: connected}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           logging.HTTPMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve blocks until ctx is cancelled, then shuts down. The returned
// error is nil when shutdown was requested.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	slog.Info("status server listening", "addr", s.server.Addr)
	if err := s.server.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"version":       s.version,
		"hub_connected": s.connected(),
	})
}
