package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wallestars/orchestration-hub/internal/domain/agent"
	"github.com/wallestars/orchestration-hub/internal/domain/task"
)

// Source provides point-in-time copies of orchestrator state.
type Source interface {
	Snapshot() ([]agent.Agent, []task.Task)
}

type taskVersion struct {
	status      task.Status
	attempts    int
	slaViolated bool
	agentID     string
}

// Service writes orchestrator snapshots to durable storage and serves
// archived tasks back.
type Service struct {
	agentRepo agent.Repository
	taskRepo  task.Repository
	source    Source
	written   map[string]taskVersion
	pending   map[string]task.Task
	logger    zerolog.Logger
}

// NewService creates a snapshot service.
func NewService(agentRepo agent.Repository, taskRepo task.Repository, source Source, logger zerolog.Logger) *Service {
	return &Service{
		agentRepo: agentRepo,
		taskRepo:  taskRepo,
		source:    source,
		written:   make(map[string]taskVersion),
		pending:   make(map[string]task.Task),
		logger:    logger.With().Str("service", "snapshot").Logger(),
	}
}

// Persist writes every agent and each task that changed since the last
// successful write. It returns the number of task rows written. A task whose
// write fails stays pending and is retried even after the source stops
// reporting it.
func (s *Service) Persist(ctx context.Context) (int, error) {
	agents, tasks := s.source.Snapshot()

	ids := make([]string, 0, len(agents))
	for i := range agents {
		if err := s.agentRepo.Upsert(ctx, &agents[i]); err != nil {
			return 0, fmt.Errorf("failed to persist agent %s: %w", agents[i].ID, err)
		}
		ids = append(ids, agents[i].ID)
	}
	if err := s.agentRepo.DeleteMissing(ctx, ids); err != nil {
		return 0, fmt.Errorf("failed to prune agents: %w", err)
	}

	live := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		live[t.ID] = struct{}{}
		if prev, ok := s.written[t.ID]; ok && prev == versionOf(&t) {
			continue
		}
		s.pending[t.ID] = t
	}
	for id := range s.written {
		if _, ok := live[id]; !ok {
			delete(s.written, id)
		}
	}

	written := 0
	for id, t := range s.pending {
		if err := s.taskRepo.Upsert(ctx, &t); err != nil {
			return written, fmt.Errorf("failed to persist task %s: %w", id, err)
		}
		delete(s.pending, id)
		if _, ok := live[id]; ok {
			s.written[id] = versionOf(&t)
		}
		written++
	}
	return written, nil
}

func versionOf(t *task.Task) taskVersion {
	return taskVersion{status: t.Status, attempts: t.Attempts, slaViolated: t.SLAViolated, agentID: t.AgentID}
}

// Run persists on every tick until ctx ends, then writes once more.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := s.Persist(flushCtx); err != nil {
				s.logger.Error().Err(err).Msg("final snapshot failed")
			}
			cancel()
			return
		case <-ticker.C:
			n, err := s.Persist(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("snapshot failed")
				continue
			}
			if n > 0 {
				s.logger.Debug().Int("tasks_written", n).Msg("snapshot written")
			}
		}
	}
}

// ArchivedTask loads a task from storage.
func (s *Service) ArchivedTask(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := s.taskRepo.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, task.ErrNotFound
	}
	return t, nil
}

// ArchivedTasks lists stored tasks, newest first.
func (s *Service) ArchivedTasks(ctx context.Context, status *task.Status, limit, offset int) ([]*task.Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.taskRepo.List(ctx, status, limit, offset)
}
