package agent

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import (
	"context"
)

// Repository defines agent snapshot persistence.
type Repository interface {
	Upsert(ctx context.Context, a *Agent) error
	List(ctx context.Context) ([]*Agent, error)
	DeleteMissing(ctx context.Context, keepIDs []string) error
}
