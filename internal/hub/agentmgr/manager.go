// Package agentmgr tracks the outbound queues of connected agents.
// The registry owns only the sending side of each queue; the receiving
// side is consumed by the session's outbound pump, so tearing down a
// session drains naturally and later sends fail cleanly.
package agentmgr

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/podpilot/podpilot/internal/metrics"
	"github.com/podpilot/podpilot/internal/protocol"
)

// queueCapacity bounds each agent's outbound queue. It decouples the
// heartbeat cadence from transient socket stalls while capping memory.
const queueCapacity = 32

var (
	// ErrNotConnected is returned by Send when no session exists for the id.
	ErrNotConnected = errors.New("agent not connected")
	// ErrQueueFull is returned by Send when the outbound queue is saturated.
	ErrQueueFull = errors.New("agent outbound queue full")
)

// Conn is one agent session's outbound queue endpoint.
type Conn struct {
	AgentID   uuid.UUID
	SessionID string

	queue     chan protocol.HubMessage
	closeOnce sync.Once
}

// Outbound returns the receiving side of the queue. It is consumed by
// exactly one session pump; the channel is closed when the session is
// removed from the registry.
func (c *Conn) Outbound() <-chan protocol.HubMessage {
	return c.queue
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.queue) })
}

// Manager is the hub's connection registry. Thread-safe.
type Manager struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*Conn
}

// New creates an empty registry.
func New() *Manager {
	return &Manager{conns: make(map[uuid.UUID]*Conn)}
}

// Register creates a fresh queue for the agent and returns its Conn.
// Any existing session for the same id is displaced: its queue is
// closed so the old pump exits, and the old socket observes EOF
// shortly after.
func (m *Manager) Register(agentID uuid.UUID, sessionID string) *Conn {
	conn := &Conn{
		AgentID:   agentID,
		SessionID: sessionID,
		queue:     make(chan protocol.HubMessage, queueCapacity),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.conns[agentID]; ok {
		old.close()
	} else {
		metrics.ConnectedAgents.Inc()
	}
	m.conns[agentID] = conn
	return conn
}

// Unregister removes the given connection only if it is still the
// registered one for that agent id. This prevents a stale session's
// deferred cleanup from evicting a newer replacement. Returns true if
// the connection was actually removed.
func (m *Manager) Unregister(agentID uuid.UUID, conn *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[agentID] == conn {
		delete(m.conns, agentID)
		conn.close()
		metrics.ConnectedAgents.Dec()
		return true
	}
	return false
}

// Remove evicts whatever session is registered for the agent id.
// Returns true if an entry existed.
func (m *Manager) Remove(agentID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[agentID]
	if !ok {
		return false
	}
	delete(m.conns, agentID)
	conn.close()
	metrics.ConnectedAgents.Dec()
	return true
}

// Send enqueues a message for the agent without blocking. It returns
// ErrNotConnected when no session exists and ErrQueueFull when the
// queue is saturated. The enqueue happens under the read lock, which
// is safe because queues are only closed under the write lock after
// removal from the map.
func (m *Manager) Send(agentID uuid.UUID, msg protocol.HubMessage) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.conns[agentID]
	if !ok {
		return ErrNotConnected
	}
	select {
	case conn.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// IDs returns a snapshot of the connected agent ids.
func (m *Manager) IDs() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

// IsConnected reports whether the agent has a live session.
func (m *Manager) IsConnected(agentID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[agentID]
	return ok
}

// Count returns the number of connected agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}
