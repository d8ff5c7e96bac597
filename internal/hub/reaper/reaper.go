// Package reaper sweeps agents whose heartbeat acks have gone quiet
// and transitions them to the error status.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/podpilot/podpilot/internal/hub/agentmgr"
	"github.com/podpilot/podpilot/internal/metrics"
)

const (
	// Interval is the sweep cadence.
	Interval = 15 * time.Second
	// Threshold is how long an agent may go without a heartbeat ack
	// before it is considered stale.
	Threshold = 30 * time.Second
)

// Store is the subset of the agent store the reaper needs.
type Store interface {
	ListStale(ctx context.Context, threshold time.Duration) ([]uuid.UUID, error)
	MarkError(ctx context.Context, agentID uuid.UUID) error
}

// Reaper periodically marks stale agents as errored and evicts any
// lingering registry entry for them.
type Reaper struct {
	store     Store
	registry  *agentmgr.Manager
	interval  time.Duration
	threshold time.Duration
}

// New creates a reaper over the store and registry.
func New(store Store, registry *agentmgr.Manager) *Reaper {
	return &Reaper{
		store:     store,
		registry:  registry,
		interval:  Interval,
		threshold: Threshold,
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	slog.Info("reaper started", "interval", r.interval, "threshold", r.threshold)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep marks every stale agent as errored. A failed transition is
// retried naturally on the next tick since the row stays stale.
func (r *Reaper) sweep(ctx context.Context) {
	stale, err := r.store.ListStale(ctx, r.threshold)
	if err != nil {
		slog.Error("stale agent query failed", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}
	slog.Warn("reaping stale agents", "count", len(stale))

	for _, agentID := range stale {
		if err := r.store.MarkError(ctx, agentID); err != nil {
			slog.Error("marking agent errored failed", "agent_id", agentID, "error", err)
			continue
		}
		if r.registry.Remove(agentID) {
			slog.Info("evicted stale agent session", "agent_id", agentID)
		}
		metrics.AgentsReapedTotal.Inc()
	}
}
