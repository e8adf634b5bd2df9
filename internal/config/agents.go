package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wallestars/orchestration-hub/internal/domain/agent"
)

// AgentSeed is one agent registered at startup.
type AgentSeed struct {
	ID           string `yaml:"id"`
	agent.Config `yaml:",inline"`
}

type agentsFile struct {
	Agents []AgentSeed `yaml:"agents"`
}

// LoadAgents reads a YAML file of the form:
//
//	agents:
//	  - id: linux-1
//	    platform: linux
//	    capabilities: [signup]
//	    max_concurrent_tasks: 2
//	    endpoint: http://10.0.0.5:9000/run
func LoadAgents(path string) ([]AgentSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}
	return ParseAgents(data)
}

// ParseAgents decodes and validates agent seeds.
func ParseAgents(data []byte) ([]AgentSeed, error) {
	var f agentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse agents file: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Agents))
	for i, a := range f.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("agents[%d]: id is required", i)
		}
		if _, dup := seen[a.ID]; dup {
			return nil, fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	return f.Agents, nil
}
