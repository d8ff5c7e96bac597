// Package session implements the hub side of one agent websocket
// connection: the registration handshake, the outbound pump, and the
// inbound demux.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/podpilot/podpilot/internal/hub/agentmgr"
	"github.com/podpilot/podpilot/internal/hub/id"
	"github.com/podpilot/podpilot/internal/metrics"
	"github.com/podpilot/podpilot/internal/protocol"
)

// registrationTimeout bounds the wait for the first frame. A socket
// that does not register within it is closed.
const registrationTimeout = 30 * time.Second

// Store is the subset of the agents store the handler needs.
type Store interface {
	ResolveAgent(ctx context.Context, reg *protocol.Register) (uuid.UUID, error)
	TouchLastSeen(ctx context.Context, agentID uuid.UUID) error
}

// Handler accepts agent websocket connections at /ws/agent.
type Handler struct {
	store      Store
	registry   *agentmgr.Manager
	hubVersion string
}

// NewHandler creates a session handler.
func NewHandler(store Store, registry *agentmgr.Manager, hubVersion string) *Handler {
	return &Handler{store: store, registry: registry, hubVersion: hubVersion}
}

// ServeHTTP upgrades the connection and runs the session to
// completion. The request context carries the hub's shutdown signal
// via the server's BaseContext.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("ws/agent: accept failed", "error", err)
		return
	}
	defer func() { _ = ws.CloseNow() }()

	h.handle(r.Context(), ws)
}

func (h *Handler) handle(ctx context.Context, ws *websocket.Conn) {
	sessionID := id.Session()
	logger := slog.With("session_id", sessionID)
	logger.Info("agent connection accepted")

	agentID, err := h.awaitRegistration(ctx, ws, logger)
	if err != nil {
		logger.Warn("registration failed", "error", err)
		_ = ws.Close(websocket.StatusPolicyViolation, "registration failed")
		return
	}
	logger = logger.With("agent_id", agentID)
	logger.Info("agent registered")
	metrics.RegistrationsTotal.WithLabelValues(metrics.OutcomeAccepted).Inc()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn := h.registry.Register(agentID, sessionID)

	// Outbound pump: queue -> socket. Runs until the queue is closed
	// (session removed from the registry) or a write fails.
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		defer cancel()
		for msg := range conn.Outbound() {
			data, err := protocol.EncodeHubMessage(msg)
			if err != nil {
				// Dropped message; the session continues.
				logger.Error("serialize outbound message", "error", err)
				continue
			}
			if err := ws.Write(sessionCtx, websocket.MessageText, data); err != nil {
				logger.Debug("outbound write failed", "error", err)
				return
			}
		}
	}()

	h.readLoop(sessionCtx, ws, agentID, logger)

	// Unregister closes the queue, which lets the pump drain and
	// exit. Status stays untouched here: the reaper owns the error
	// transition, which absorbs fast reconnects. If a replacement
	// session displaced this one, Unregister is a no-op.
	if h.registry.Unregister(agentID, conn) {
		logger.Info("agent disconnected")
	}
	cancel()
	<-pumpDone
}

// awaitRegistration reads the first frame, which must be a register
// message, resolves the agent's identity, and acknowledges it.
func (h *Handler) awaitRegistration(ctx context.Context, ws *websocket.Conn, logger *slog.Logger) (uuid.UUID, error) {
	regCtx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()

	typ, data, err := ws.Read(regCtx)
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return uuid.Nil, fmt.Errorf("read registration frame: %w", err)
	}
	if typ != websocket.MessageText {
		metrics.RegistrationsTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return uuid.Nil, errors.New("expected text frame for registration")
	}

	msg, err := protocol.DecodeAgentMessage(data)
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
		var unknown *protocol.UnknownMessageError
		if errors.As(err, &unknown) {
			h.writeError(regCtx, ws, &protocol.Error{
				Message: unknown.Error(),
				Code:    protocol.CodeUnknownMessage,
			})
		}
		return uuid.Nil, fmt.Errorf("decode registration frame: %w", err)
	}

	reg, ok := msg.(*protocol.Register)
	if !ok {
		metrics.RegistrationsTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return uuid.Nil, fmt.Errorf("expected register, got %T", msg)
	}

	agentID, err := h.store.ResolveAgent(regCtx, reg)
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		h.writeError(regCtx, ws, &protocol.Error{
			Message:       "failed to persist agent record",
			Code:          protocol.CodeRegistrationFailed,
			CorrelationID: &reg.CorrelationID,
		})
		return uuid.Nil, fmt.Errorf("resolve agent: %w", err)
	}

	ack, err := protocol.EncodeHubMessage(&protocol.RegisterAck{
		CorrelationID: reg.CorrelationID,
		AgentID:       agentID,
		RegisteredAt:  time.Now().UTC(),
		HubVersion:    h.hubVersion,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("serialize register ack: %w", err)
	}
	if err := ws.Write(regCtx, websocket.MessageText, ack); err != nil {
		return uuid.Nil, fmt.Errorf("send register ack: %w", err)
	}

	logger.Debug("register ack sent",
		"provider", reg.Provider,
		"hostname", reg.Hostname,
		"gpu", reg.GPUInfo.Name,
	)
	return agentID, nil
}

// readLoop demultiplexes inbound frames until the socket closes, the
// session context is cancelled, or a protocol violation occurs.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, agentID uuid.UUID, logger *slog.Logger) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				logger.Debug("agent closed connection")
			} else if ctx.Err() == nil {
				logger.Debug("read failed", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		msg, err := protocol.DecodeAgentMessage(data)
		if err != nil {
			var unknown *protocol.UnknownMessageError
			if errors.As(err, &unknown) {
				h.writeError(ctx, ws, &protocol.Error{
					Message: unknown.Error(),
					Code:    protocol.CodeUnknownMessage,
				})
				logger.Warn("unknown message type, closing session", "type", unknown.Type)
				return
			}
			logger.Warn("malformed frame", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.HeartbeatAck:
			metrics.HeartbeatAcksTotal.Inc()
			// A failed touch is logged and swallowed; the reaper
			// converges if the record stays stale.
			if err := h.store.TouchLastSeen(ctx, agentID); err != nil {
				logger.Warn("update last seen", "error", err)
			}
			logger.Debug("heartbeat ack", "correlation_id", m.CorrelationID)

		case *protocol.Register:
			logger.Warn("duplicate register from registered agent, ignoring")
		}
	}
}

func (h *Handler) writeError(ctx context.Context, ws *websocket.Conn, e *protocol.Error) {
	data, err := protocol.EncodeHubMessage(e)
	if err != nil {
		return
	}
	_ = ws.Write(ctx, websocket.MessageText, data)
}
