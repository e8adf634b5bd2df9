package agent

import (
	"errors"
	"fmt"
	"time"
)

// Status represents agent status.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

var (
	ErrAlreadyRegistered = errors.New("agent already registered")
	ErrNotFound          = errors.New("agent not found")
	ErrInvalidConfig     = errors.New("invalid agent config")
)

// Config holds registration parameters.
type Config struct {
	Platform           string            `json:"platform" yaml:"platform"`
	Capabilities       []string          `json:"capabilities,omitempty" yaml:"capabilities"`
	MaxConcurrentTasks int               `json:"maxConcurrentTasks,omitempty" yaml:"max_concurrent_tasks"`
	Labels             map[string]string `json:"labels,omitempty" yaml:"labels"`
	Endpoint           string            `json:"endpoint,omitempty" yaml:"endpoint"`
}

// Agent represents a registered worker.
type Agent struct {
	ID                 string            `json:"id"`
	Platform           string            `json:"platform"`
	Capabilities       []string          `json:"capabilities"`
	Labels             map[string]string `json:"labels,omitempty"`
	Endpoint           string            `json:"endpoint,omitempty"`
	Status             Status            `json:"status"`
	CurrentTaskCount   int               `json:"currentTaskCount"`
	MaxConcurrentTasks int               `json:"maxConcurrentTasks,omitempty"`
	TasksCompleted     int               `json:"tasksCompleted"`
	TasksFailed        int               `json:"tasksFailed"`
	RegisteredAt       time.Time         `json:"registeredAt"`
	LastHeartbeatAt    time.Time         `json:"lastHeartbeatAt"`
}

// New builds an idle agent from a registration config.
func New(id string, cfg Config, now time.Time) (*Agent, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidConfig)
	}
	if cfg.MaxConcurrentTasks < 0 {
		return nil, fmt.Errorf("%w: maxConcurrentTasks must be >= 0", ErrInvalidConfig)
	}
	caps := make([]string, 0, len(cfg.Capabilities))
	caps = append(caps, cfg.Capabilities...)
	var labels map[string]string
	if len(cfg.Labels) > 0 {
		labels = make(map[string]string, len(cfg.Labels))
		for k, v := range cfg.Labels {
			labels[k] = v
		}
	}
	return &Agent{
		ID:                 id,
		Platform:           cfg.Platform,
		Capabilities:       caps,
		Labels:             labels,
		Endpoint:           cfg.Endpoint,
		Status:             StatusIdle,
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		RegisteredAt:       now,
		LastHeartbeatAt:    now,
	}, nil
}

// HasCapability reports whether the agent can run tasks of the given type.
// An empty task type matches every agent.
func (a *Agent) HasCapability(taskType string) bool {
	if taskType == "" {
		return true
	}
	for _, c := range a.Capabilities {
		if c == taskType {
			return true
		}
	}
	return false
}

// AcceptsPlatform reports whether the agent serves the requested platform.
// An empty platform means any.
func (a *Agent) AcceptsPlatform(platform string) bool {
	return platform == "" || a.Platform == platform
}

// HasCapacity reports whether the agent may take another task.
func (a *Agent) HasCapacity() bool {
	if a.Status == StatusOffline {
		return false
	}
	return a.MaxConcurrentTasks == 0 || a.CurrentTaskCount < a.MaxConcurrentTasks
}

// IdleRatio is 1 - load. Uncapped agents report 1/(1+current).
func (a *Agent) IdleRatio() float64 {
	if a.MaxConcurrentTasks == 0 {
		return 1 / float64(1+a.CurrentTaskCount)
	}
	return 1 - float64(a.CurrentTaskCount)/float64(a.MaxConcurrentTasks)
}

// LoadRatio is current/cap, or 0 for uncapped agents.
func (a *Agent) LoadRatio() float64 {
	if a.MaxConcurrentTasks == 0 {
		return 0
	}
	return float64(a.CurrentTaskCount) / float64(a.MaxConcurrentTasks)
}

// Assign records a newly started task.
func (a *Agent) Assign() {
	a.CurrentTaskCount++
	a.recalculateStatus()
}

// Release records a finished task.
func (a *Agent) Release(succeeded bool) {
	if a.CurrentTaskCount > 0 {
		a.CurrentTaskCount--
	}
	if succeeded {
		a.TasksCompleted++
	} else {
		a.TasksFailed++
	}
	a.recalculateStatus()
}

// ResetCounters clears completion statistics without touching status or load.
func (a *Agent) ResetCounters() {
	a.TasksCompleted = 0
	a.TasksFailed = 0
}

// SetOffline marks the agent unavailable for new work.
func (a *Agent) SetOffline() {
	a.Status = StatusOffline
}

// SetOnline brings an offline agent back.
func (a *Agent) SetOnline() {
	a.Status = StatusIdle
	a.recalculateStatus()
}

func (a *Agent) recalculateStatus() {
	if a.Status == StatusOffline {
		return
	}
	if a.CurrentTaskCount > 0 {
		a.Status = StatusBusy
		return
	}
	a.Status = StatusIdle
}

// Clone returns a deep copy safe to hand to callers.
func (a *Agent) Clone() Agent {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	if a.Labels != nil {
		c.Labels = make(map[string]string, len(a.Labels))
		for k, v := range a.Labels {
			c.Labels[k] = v
		}
	}
	return c
}
