// Package hubclient maintains the agent's websocket session with the
// hub: registration, heartbeat acking, and reconnection with backoff.
package hubclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/podpilot/podpilot/internal/agent/config"
	"github.com/podpilot/podpilot/internal/protocol"
)

const (
	// dialTimeout bounds the websocket handshake.
	dialTimeout = 10 * time.Second
	// defaultRegistrationTimeout bounds the wait for the hub's
	// register ack.
	defaultRegistrationTimeout = 30 * time.Second
	// defaultHeartbeatDeadline is how long the session may go without
	// a heartbeat from the hub before the agent tears it down.
	defaultHeartbeatDeadline = 30 * time.Second
	// defaultHeartbeatCheckInterval is the deadline polling cadence.
	defaultHeartbeatCheckInterval = 5 * time.Second
)

// errHeartbeatTimeout tears down a session whose hub went quiet.
var errHeartbeatTimeout = errors.New("no heartbeat from hub within deadline")

// sessionFn runs one connection attempt to completion. Used for
// dependency injection in tests.
type sessionFn func(ctx context.Context) error

// Client manages the connection to the hub.
type Client struct {
	cfg     *config.Config
	version string
	gpu     protocol.GPUInfo

	// Session deadlines. Fixed in production; tests shrink them to
	// exercise the timeout paths quickly.
	registrationTimeout    time.Duration
	heartbeatDeadline      time.Duration
	heartbeatCheckInterval time.Duration

	connected     atomic.Bool
	agentID       atomic.Value // uuid.UUID, set after each registration
	lastHeartbeat atomic.Int64 // unix nanos of the last heartbeat received
}

// New creates a hub client. The GPU info is detected once at startup
// and resent with every registration.
func New(cfg *config.Config, version string, gpu protocol.GPUInfo) *Client {
	return &Client{
		cfg:                    cfg,
		version:                version,
		gpu:                    gpu,
		registrationTimeout:    defaultRegistrationTimeout,
		heartbeatDeadline:      defaultHeartbeatDeadline,
		heartbeatCheckInterval: defaultHeartbeatCheckInterval,
	}
}

// Connected reports whether a registered session is currently live.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// AgentID returns the id assigned by the hub, or uuid.Nil before the
// first successful registration.
func (c *Client) AgentID() uuid.UUID {
	if v, ok := c.agentID.Load().(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// Run connects to the hub and reconnects forever with exponential
// backoff. Starts at 1s, doubles up to 60s, resets when the hub
// closes a session cleanly. Blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	c.run(ctx, c.session, newSessionBackoff())
}

func (c *Client) run(ctx context.Context, session sessionFn, bo backoff.BackOff) {
	for {
		err := session(ctx)
		if ctx.Err() != nil {
			return
		}

		if err == nil {
			// Clean close, e.g. a hub restart. Retry promptly.
			slog.Info("hub closed the session, reconnecting...")
			bo.Reset()
		}

		interval := bo.NextBackOff()
		if err != nil {
			slog.Warn("disconnected from hub, reconnecting...", "error", err, "backoff", interval)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// session runs one connection attempt: dial, register, then ack
// heartbeats until the socket closes or the heartbeat deadline lapses.
// A nil return means the hub ended the session cleanly.
func (c *Client) session(ctx context.Context) error {
	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	ws, _, err := websocket.Dial(dialCtx, c.cfg.HubURL, nil)
	dialCancel()
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	defer func() { _ = ws.CloseNow() }()

	// Reads run detached from the shutdown signal: cancelling a read
	// context tears the socket down before any close frame could go
	// out. Shutdown instead starts a proper close handshake, which
	// unblocks the read loop with a normal closure.
	sessionCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)

	stop := context.AfterFunc(ctx, func() {
		_ = ws.Close(websocket.StatusNormalClosure, "agent shutting down")
	})
	defer stop()

	agentID, err := c.register(sessionCtx, ws)
	if err != nil {
		return err
	}
	c.agentID.Store(agentID)
	c.connected.Store(true)
	defer c.connected.Store(false)
	slog.Info("registered with hub", "agent_id", agentID, "hub_url", c.cfg.HubURL)

	// The registration ack counts as proof of life; the deadline
	// clock starts now.
	c.lastHeartbeat.Store(time.Now().UnixNano())
	go c.watchHeartbeats(sessionCtx, cancel)

	return c.readLoop(sessionCtx, ws)
}

// register sends the register message and waits for the hub's ack.
func (c *Client) register(ctx context.Context, ws *websocket.Conn) (uuid.UUID, error) {
	correlationID := uuid.New()
	data, err := protocol.EncodeAgentMessage(&protocol.Register{
		CorrelationID:      correlationID,
		Provider:           c.cfg.Provider,
		ProviderInstanceID: c.cfg.ProviderInstanceID,
		Hostname:           c.cfg.Hostname,
		GPUInfo:            c.gpu,
		TailscaleIP:        c.cfg.TailscaleIP,
		AgentVersion:       c.version,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("serialize register: %w", err)
	}

	ackCtx, cancel := context.WithTimeout(ctx, c.registrationTimeout)
	defer cancel()

	if err := ws.Write(ackCtx, websocket.MessageText, data); err != nil {
		return uuid.Nil, fmt.Errorf("send register: %w", err)
	}

	for {
		typ, payload, err := ws.Read(ackCtx)
		if err != nil {
			return uuid.Nil, fmt.Errorf("await register ack: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}

		msg, err := protocol.DecodeHubMessage(payload)
		if err != nil {
			return uuid.Nil, fmt.Errorf("decode register ack: %w", err)
		}

		switch m := msg.(type) {
		case *protocol.RegisterAck:
			if m.CorrelationID != correlationID {
				return uuid.Nil, fmt.Errorf("register ack for unknown correlation id %s", m.CorrelationID)
			}
			return m.AgentID, nil
		case *protocol.Error:
			return uuid.Nil, fmt.Errorf("hub rejected registration: %s (%s)", m.Message, m.Code)
		default:
			return uuid.Nil, fmt.Errorf("expected register_ack, got %T", msg)
		}
	}
}

// watchHeartbeats cancels the session when the hub goes quiet for
// longer than the deadline.
func (c *Client) watchHeartbeats(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(c.heartbeatCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastHeartbeat.Load())
			if since := time.Since(last); since > c.heartbeatDeadline {
				slog.Warn("heartbeat deadline exceeded", "last_heartbeat", since)
				cancel(errHeartbeatTimeout)
				return
			}
		}
	}
}

// readLoop acks heartbeats in receipt order until the session ends.
func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if cause := context.Cause(ctx); errors.Is(cause, errHeartbeatTimeout) {
				return errHeartbeatTimeout
			}
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}

		msg, err := protocol.DecodeHubMessage(data)
		if err != nil {
			slog.Warn("malformed frame from hub", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.Heartbeat:
			c.lastHeartbeat.Store(time.Now().UnixNano())
			ack, err := protocol.EncodeAgentMessage(&protocol.HeartbeatAck{
				CorrelationID: m.CorrelationID,
				Timestamp:     time.Now().UTC(),
			})
			if err != nil {
				return fmt.Errorf("serialize heartbeat ack: %w", err)
			}
			if err := ws.Write(ctx, websocket.MessageText, ack); err != nil {
				return fmt.Errorf("send heartbeat ack: %w", err)
			}
			slog.Debug("heartbeat acked", "sequence", m.Sequence)

		case *protocol.Error:
			slog.Warn("error from hub", "code", m.Code, "message", m.Message)

		case *protocol.RegisterAck:
			slog.Warn("unexpected register ack mid-session, ignoring")
		}
	}
}
