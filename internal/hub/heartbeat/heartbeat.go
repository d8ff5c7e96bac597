// Package heartbeat periodically enqueues liveness pings into every
// connected agent's outbound queue.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/podpilot/podpilot/internal/hub/agentmgr"
	"github.com/podpilot/podpilot/internal/metrics"
	"github.com/podpilot/podpilot/internal/protocol"
)

// Interval is the heartbeat cadence.
const Interval = 10 * time.Second

// Fanout sends heartbeats to all registered agents on a fixed tick.
// The sequence map is owned by the fanout goroutine alone, so no
// locking is needed.
type Fanout struct {
	registry *agentmgr.Manager
	interval time.Duration
	seq      map[uuid.UUID]uint64
}

// New creates a heartbeat fanout over the registry.
func New(registry *agentmgr.Manager) *Fanout {
	return &Fanout{
		registry: registry,
		interval: Interval,
		seq:      make(map[uuid.UUID]uint64),
	}
}

// Run ticks until ctx is cancelled.
func (f *Fanout) Run(ctx context.Context) {
	slog.Info("heartbeat fanout started", "interval", f.interval)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("heartbeat fanout stopped")
			return
		case now := <-ticker.C:
			f.tick(now)
		}
	}
}

// tick enqueues one heartbeat per connected agent. Sequences start at
// 1 on the first tick after (re)registration; a failed enqueue erases
// the agent's sequence entry so a fresh session restarts from 1.
func (f *Fanout) tick(now time.Time) {
	ids := f.registry.IDs()
	f.prune(ids)
	if len(ids) == 0 {
		return
	}
	slog.Debug("sending heartbeats", "agents", len(ids))

	for _, agentID := range ids {
		f.seq[agentID]++

		err := f.registry.Send(agentID, &protocol.Heartbeat{
			CorrelationID: uuid.New(),
			Timestamp:     now.UTC(),
			Sequence:      f.seq[agentID],
		})
		if err != nil {
			slog.Warn("heartbeat enqueue failed", "agent_id", agentID, "error", err)
			metrics.OutboundDroppedTotal.Inc()
			delete(f.seq, agentID)
			continue
		}
		metrics.HeartbeatsSentTotal.Inc()
	}
}

// prune drops sequence state for agents that are no longer connected,
// so a returning agent's sequence restarts from 1.
func (f *Fanout) prune(ids []uuid.UUID) {
	if len(f.seq) == 0 {
		return
	}
	live := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		live[id] = struct{}{}
	}
	for id := range f.seq {
		if _, ok := live[id]; !ok {
			delete(f.seq, id)
		}
	}
}
