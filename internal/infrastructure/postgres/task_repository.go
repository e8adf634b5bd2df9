package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wallestars/orchestration-hub/internal/domain/task"
)

const taskColumns = `task_id, type, platform, priority, data, timeout_ms, selector, max_retries, attempts, expected_duration_ms, sla_violated, status, agent_id, created_at, started_at, completed_at, result, error`

// TaskRepository implements task.Repository.
type TaskRepository struct {
	pool *pgxpool.Pool
}

func NewTaskRepository(pool *pgxpool.Pool) *TaskRepository {
	return &TaskRepository{pool: pool}
}

func (r *TaskRepository) Upsert(ctx context.Context, t *task.Task) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,NOW())
		ON CONFLICT (task_id) DO UPDATE SET
			priority=EXCLUDED.priority,
			attempts=EXCLUDED.attempts,
			sla_violated=EXCLUDED.sla_violated,
			status=EXCLUDED.status,
			agent_id=EXCLUDED.agent_id,
			started_at=EXCLUDED.started_at,
			completed_at=EXCLUDED.completed_at,
			result=EXCLUDED.result,
			error=EXCLUDED.error,
			updated_at=NOW()
	`, t.ID, t.Type, t.Platform, t.Priority, nullJSON(t.Data), t.Timeout.Milliseconds(), t.Selector, t.MaxRetries, t.Attempts,
		t.ExpectedDuration.Milliseconds(), t.SLAViolated, t.Status, nullString(t.AgentID), t.CreatedAt, t.StartedAt, t.CompletedAt,
		nullJSON(t.Result), nullString(t.Error))
	return err
}

func (r *TaskRepository) GetByID(ctx context.Context, taskID string) (*task.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id=$1`, taskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

func (r *TaskRepository) List(ctx context.Context, status *task.Status, limit, offset int) ([]*task.Task, error) {
	query, args := listTasksQuery(status, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func listTasksQuery(status *task.Status, limit, offset int) (string, []interface{}) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []interface{}{}
	if status != nil {
		query += " WHERE status=$1"
		args = append(args, *status)
	}
	query += " ORDER BY created_at DESC LIMIT $" + strconv.Itoa(len(args)+1) + " OFFSET $" + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)
	return query, args
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		t                     task.Task
		data, result          []byte
		timeoutMs, expectedMs int64
		agentID, errMsg       *string
	)
	if err := row.Scan(&t.ID, &t.Type, &t.Platform, &t.Priority, &data, &timeoutMs, &t.Selector, &t.MaxRetries, &t.Attempts,
		&expectedMs, &t.SLAViolated, &t.Status, &agentID, &t.CreatedAt, &t.StartedAt, &t.CompletedAt, &result, &errMsg); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		t.Data = json.RawMessage(data)
	}
	if len(result) > 0 {
		t.Result = json.RawMessage(result)
	}
	t.Timeout = time.Duration(timeoutMs) * time.Millisecond
	t.ExpectedDuration = time.Duration(expectedMs) * time.Millisecond
	if agentID != nil {
		t.AgentID = *agentID
	}
	if errMsg != nil {
		t.Error = *errMsg
	}
	return &t, nil
}
