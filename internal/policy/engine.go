package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/kirychukyurii/fleet-registry/internal/model"
)

// Engine decides which agents a user is entitled to use
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares the given rego module. The module must define
// data.agent_policy.allow.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.agent_policy.allow"),
		rego.Module("agent_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy from path, or the default policy if path is empty
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(content))
}

// Entitled reports whether user may run work on rec
func (e *Engine) Entitled(ctx context.Context, user model.User, rec *model.AgentRecord) (bool, error) {
	base, owner := model.ParseRegion(rec.Region)
	input := map[string]any{
		"user": map[string]any{
			"id":   user.ID,
			"role": user.Role,
		},
		"agent": map[string]any{
			"id":     rec.ID,
			"name":   rec.Name,
			"ip":     rec.IP,
			"region": base,
			"owner":  owner,
			"node":   rec.Node,
		},
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}

	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy returned %T, want bool", results[0].Expressions[0].Value)
	}
	return allowed, nil
}

// DefaultPolicy shares unowned agents with everyone and private agents with
// their owner and admins.
const DefaultPolicy = `
package agent_policy

default allow = false

allow {
	input.agent.owner == ""
}

allow {
	input.agent.owner == input.user.id
}

allow {
	input.user.role == "admin"
}
`
