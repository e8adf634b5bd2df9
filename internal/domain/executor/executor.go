package executor

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_executor.go -package=mocks . Executor

import (
	"context"
	"encoding/json"

	"github.com/wallestars/orchestration-hub/internal/domain/agent"
	"github.com/wallestars/orchestration-hub/internal/domain/task"
)

// Executor performs the work of an assigned task.
//
// Implementations must return exactly one outcome: a result or an error.
// Not returning before the task timeout is the implicit third outcome.
type Executor interface {
	Execute(ctx context.Context, t task.Task, a agent.Agent) (json.RawMessage, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, t task.Task, a agent.Agent) (json.RawMessage, error)

func (f Func) Execute(ctx context.Context, t task.Task, a agent.Agent) (json.RawMessage, error) {
	return f(ctx, t, a)
}
