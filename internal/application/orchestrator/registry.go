package orchestrator

import (
	"sort"
	"time"

	"github.com/wallestars/orchestration-hub/internal/domain/agent"
)

// Registry is the source of truth for known agents.
// It is not safe for concurrent use; Manager serializes access.
type Registry struct {
	agents map[string]*agent.Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*agent.Agent)}
}

// Register adds an agent. Existing ids are rejected.
func (r *Registry) Register(id string, cfg agent.Config, now time.Time) (*agent.Agent, error) {
	if _, exists := r.agents[id]; exists {
		return nil, agent.ErrAlreadyRegistered
	}
	a, err := agent.New(id, cfg, now)
	if err != nil {
		return nil, err
	}
	r.agents[id] = a
	return a, nil
}

// Unregister removes an agent and returns it.
func (r *Registry) Unregister(id string) (*agent.Agent, bool) {
	a, ok := r.agents[id]
	if ok {
		delete(r.agents, id)
	}
	return a, ok
}

// Get returns the live record; callers outside the package receive clones.
func (r *Registry) Get(id string) (*agent.Agent, bool) {
	a, ok := r.agents[id]
	return a, ok
}

// FindAvailable returns the most idle eligible agent, or nil.
// Ties go to fewer running tasks, then earlier registration, then lower id.
func (r *Registry) FindAvailable(platform, taskType string, sel *Selector) *agent.Agent {
	var best *agent.Agent
	for _, a := range r.agents {
		if !a.HasCapacity() || !a.AcceptsPlatform(platform) || !a.HasCapability(taskType) {
			continue
		}
		if ok, err := sel.Match(a); err != nil || !ok {
			continue
		}
		if best == nil || moreIdle(a, best) {
			best = a
		}
	}
	return best
}

func moreIdle(a, b *agent.Agent) bool {
	if ra, rb := a.IdleRatio(), b.IdleRatio(); ra != rb {
		return ra > rb
	}
	if a.CurrentTaskCount != b.CurrentTaskCount {
		return a.CurrentTaskCount < b.CurrentTaskCount
	}
	if !a.RegisteredAt.Equal(b.RegisteredAt) {
		return a.RegisteredAt.Before(b.RegisteredAt)
	}
	return a.ID < b.ID
}

// CountByPlatform maps platform name to number of agents.
func (r *Registry) CountByPlatform() map[string]int {
	out := make(map[string]int)
	for _, a := range r.agents {
		out[a.Platform]++
	}
	return out
}

// All returns agents ordered by id.
func (r *Registry) All() []*agent.Agent {
	out := make([]*agent.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	return len(r.agents)
}
