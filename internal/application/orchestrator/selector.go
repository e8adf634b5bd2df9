package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/wallestars/orchestration-hub/internal/domain/agent"
	"github.com/wallestars/orchestration-hub/internal/domain/task"
)

// Selector is a compiled agent filter expression, e.g.
// `region == 'eu' && platform == 'linux'`.
type Selector struct {
	source string
	expr   *govaluate.EvaluableExpression
}

// CompileSelector parses a selector. An empty string yields nil (match all).
func CompileSelector(source string) (*Selector, error) {
	src := strings.TrimSpace(source)
	if src == "" {
		return nil, nil
	}
	expr, err := govaluate.NewEvaluableExpression(src)
	if err != nil {
		return nil, fmt.Errorf("%w: selector: %v", task.ErrInvalidSpec, err)
	}
	return &Selector{source: src, expr: expr}, nil
}

// Match evaluates the selector against an agent. A nil selector matches.
func (s *Selector) Match(a *agent.Agent) (bool, error) {
	if s == nil {
		return true, nil
	}
	result, err := s.expr.Evaluate(selectorParams(a))
	if err != nil {
		return false, err
	}
	switch v := result.(type) {
	case bool:
		return v, nil
	default:
		return false, errors.New("selector did not evaluate to boolean")
	}
}

func (s *Selector) String() string {
	if s == nil {
		return ""
	}
	return s.source
}

func selectorParams(a *agent.Agent) map[string]interface{} {
	params := map[string]interface{}{
		"id":       a.ID,
		"platform": a.Platform,
		"load":     a.LoadRatio(),
	}
	for k, v := range a.Labels {
		if _, reserved := params[k]; !reserved {
			params[k] = v
		}
		params["labels."+k] = v
	}
	return params
}
