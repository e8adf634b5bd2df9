package task

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import (
	"context"
)

// Repository defines task snapshot persistence.
type Repository interface {
	Upsert(ctx context.Context, t *Task) error
	GetByID(ctx context.Context, taskID string) (*Task, error)
	List(ctx context.Context, status *Status, limit, offset int) ([]*Task, error)
}
