// Package store owns the agents table. It is the only component that
// inserts agent records; the session handler and reaper update status
// and timestamps through it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/podpilot/podpilot/internal/protocol"
)

// Agent is a persisted agent record.
type Agent struct {
	ID                 uuid.UUID            `json:"id"`
	Provider           protocol.Provider    `json:"provider"`
	ProviderInstanceID *string              `json:"provider_instance_id"`
	Hostname           string               `json:"hostname"`
	Status             protocol.AgentStatus `json:"status"`
	TailscaleIP        *netip.Addr          `json:"tailscale_ip"`
	GPUInfo            json.RawMessage      `json:"gpu_info"`
	RegisteredAt       time.Time            `json:"registered_at"`
	LastSeenAt         *time.Time           `json:"last_seen_at"`
	TerminatedAt       *time.Time           `json:"terminated_at"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// Queries provides access to the agents table through a pgx pool.
type Queries struct {
	pool *pgxpool.Pool
}

// New creates a Queries bound to the given pool.
func New(pool *pgxpool.Pool) *Queries {
	return &Queries{pool: pool}
}

// ResolveAgent reuses an existing non-terminated record matching the
// registration's (tailscale_ip, provider_instance_id) or inserts a new
// one. Either way the record ends up in status registering with a
// fresh last_seen_at, and the stable agent id is returned. Terminated
// rows are never reused.
func (q *Queries) ResolveAgent(ctx context.Context, reg *protocol.Register) (uuid.UUID, error) {
	gpuInfo, err := json.Marshal(reg.GPUInfo)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal gpu info: %w", err)
	}

	var agentID uuid.UUID
	err = q.pool.QueryRow(ctx, `
		SELECT id FROM agents
		WHERE tailscale_ip = $1
		  AND provider_instance_id = $2
		  AND terminated_at IS NULL`,
		reg.TailscaleIP, reg.ProviderInstanceID,
	).Scan(&agentID)

	switch {
	case err == nil:
		_, err = q.pool.Exec(ctx, `
			UPDATE agents
			SET status = 'registering',
			    hostname = $2,
			    gpu_info = $3,
			    last_seen_at = now(),
			    updated_at = now()
			WHERE id = $1`,
			agentID, reg.Hostname, gpuInfo,
		)
		if err != nil {
			return uuid.Nil, fmt.Errorf("update existing agent: %w", err)
		}
		return agentID, nil

	case errors.Is(err, pgx.ErrNoRows):
		err = q.pool.QueryRow(ctx, `
			INSERT INTO agents (
				provider, provider_instance_id, hostname, status, tailscale_ip, gpu_info,
				registered_at, last_seen_at
			)
			VALUES ($1::provider_type, $2, $3, 'registering', $4, $5, now(), now())
			RETURNING id`,
			string(reg.Provider), reg.ProviderInstanceID, reg.Hostname, reg.TailscaleIP, gpuInfo,
		).Scan(&agentID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("insert agent: %w", err)
		}
		return agentID, nil

	default:
		return uuid.Nil, fmt.Errorf("look up agent: %w", err)
	}
}

// TouchLastSeen records liveness for the agent.
func (q *Queries) TouchLastSeen(ctx context.Context, agentID uuid.UUID) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE agents
		SET last_seen_at = now(),
		    updated_at = now()
		WHERE id = $1`,
		agentID,
	)
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}

// ListStale returns ids of agents in an active status whose last
// heartbeat ack is older than the threshold.
func (q *Queries) ListStale(ctx context.Context, threshold time.Duration) ([]uuid.UUID, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT id FROM agents
		WHERE status IN ('ready', 'running', 'idle')
		  AND last_seen_at < now() - make_interval(secs => $1)`,
		threshold.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("query stale agents: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale agent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale agents: %w", err)
	}
	return ids, nil
}

// MarkError transitions the agent to error. Terminated rows are left
// alone; terminal states never transition back.
func (q *Queries) MarkError(ctx context.Context, agentID uuid.UUID) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE agents
		SET status = 'error',
		    updated_at = now()
		WHERE id = $1
		  AND status <> 'terminated'`,
		agentID,
	)
	if err != nil {
		return fmt.Errorf("mark agent error: %w", err)
	}
	return nil
}

// CloseActiveAgents marks every agent stranded in a non-terminal
// status as error. Run at hub startup: no socket can survive a hub
// restart, so any such record is a leftover from the previous process.
func (q *Queries) CloseActiveAgents(ctx context.Context) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE agents
		SET status = 'error',
		    updated_at = now()
		WHERE status IN ('registering', 'ready', 'running', 'idle')`,
	)
	if err != nil {
		return 0, fmt.Errorf("close active agents: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListAgents returns all agent records, most recently registered first.
func (q *Queries) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT id, provider, provider_instance_id, hostname, status, tailscale_ip,
		       gpu_info, registered_at, last_seen_at, terminated_at, created_at, updated_at
		FROM agents
		ORDER BY registered_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		err := rows.Scan(
			&a.ID, &a.Provider, &a.ProviderInstanceID, &a.Hostname, &a.Status,
			&a.TailscaleIP, &a.GPUInfo, &a.RegisteredAt, &a.LastSeenAt,
			&a.TerminatedAt, &a.CreatedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

// Ping verifies database connectivity.
func (q *Queries) Ping(ctx context.Context) error {
	return q.pool.Ping(ctx)
}
