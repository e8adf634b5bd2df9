package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wallestars/orchestration-hub/internal/domain/agent"
)

// AgentRepository implements agent.Repository.
type AgentRepository struct {
	pool *pgxpool.Pool
}

func NewAgentRepository(pool *pgxpool.Pool) *AgentRepository {
	return &AgentRepository{pool: pool}
}

func (r *AgentRepository) Upsert(ctx context.Context, a *agent.Agent) error {
	labels, err := marshalLabels(a.Labels)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO agents (agent_id, platform, capabilities, labels, endpoint, status, current_task_count, max_concurrent_tasks, tasks_completed, tasks_failed, registered_at, last_heartbeat_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW())
		ON CONFLICT (agent_id) DO UPDATE SET
			platform=EXCLUDED.platform,
			capabilities=EXCLUDED.capabilities,
			labels=EXCLUDED.labels,
			endpoint=EXCLUDED.endpoint,
			status=EXCLUDED.status,
			current_task_count=EXCLUDED.current_task_count,
			max_concurrent_tasks=EXCLUDED.max_concurrent_tasks,
			tasks_completed=EXCLUDED.tasks_completed,
			tasks_failed=EXCLUDED.tasks_failed,
			registered_at=EXCLUDED.registered_at,
			last_heartbeat_at=EXCLUDED.last_heartbeat_at,
			updated_at=NOW()
	`, a.ID, a.Platform, a.Capabilities, labels, a.Endpoint, a.Status, a.CurrentTaskCount, a.MaxConcurrentTasks, a.TasksCompleted, a.TasksFailed, a.RegisteredAt, a.LastHeartbeatAt)
	return err
}

func (r *AgentRepository) List(ctx context.Context) ([]*agent.Agent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT agent_id, platform, capabilities, labels, endpoint, status, current_task_count, max_concurrent_tasks, tasks_completed, tasks_failed, registered_at, last_heartbeat_at
		FROM agents ORDER BY agent_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*agent.Agent
	for rows.Next() {
		var a agent.Agent
		var labels []byte
		if err := rows.Scan(&a.ID, &a.Platform, &a.Capabilities, &labels, &a.Endpoint, &a.Status, &a.CurrentTaskCount, &a.MaxConcurrentTasks, &a.TasksCompleted, &a.TasksFailed, &a.RegisteredAt, &a.LastHeartbeatAt); err != nil {
			return nil, err
		}
		if a.Labels, err = unmarshalLabels(labels); err != nil {
			return nil, err
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

// DeleteMissing removes agents that are no longer registered.
func (r *AgentRepository) DeleteMissing(ctx context.Context, keepIDs []string) error {
	if keepIDs == nil {
		keepIDs = []string{}
	}
	_, err := r.pool.Exec(ctx, `DELETE FROM agents WHERE NOT (agent_id = ANY($1))`, keepIDs)
	return err
}
