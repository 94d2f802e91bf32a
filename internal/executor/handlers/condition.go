package handlers

import (
	"context"
	"fmt"

	"github.com/flowrun/flowrun/internal/executor"
	"github.com/flowrun/flowrun/internal/executor/expression"
	"github.com/flowrun/flowrun/internal/executor/resolver"
	"github.com/flowrun/flowrun/internal/workflow"
)

// Condition evaluates routing conditions and reports which branch to take.
type Condition struct {
	resolver  *resolver.Resolver
	evaluator *expression.Evaluator
}

// NewCondition creates the condition handler.
func NewCondition() *Condition {
	return &Condition{
		resolver:  resolver.New(),
		evaluator: expression.NewEvaluator(),
	}
}

// CanHandle matches condition/router block types.
func (h *Condition) CanHandle(block *workflow.Block) bool {
	switch block.Type {
	case "condition", "router", "if", "switch":
		return true
	}
	return false
}

// Execute supports three shapes: a single condition string, an if string,
// or a routes sequence where the first truthy condition wins.
func (h *Condition) Execute(_ context.Context, ec *executor.ExecutionContext, _ *workflow.Block, inputs map[string]any) (map[string]any, error) {
	if condition, ok := inputs["condition"]; ok && condition != nil && condition != "" {
		resolved := h.resolver.Resolve(condition, ec)
		result := h.evaluate(ec, resolved)
		branch := "false"
		if result {
			branch = "true"
		}
		return map[string]any{"result": result, "branch": branch, "condition": condition}, nil
	}

	if ifCondition, ok := inputs["if"]; ok && ifCondition != nil && ifCondition != "" {
		resolved := h.resolver.Resolve(ifCondition, ec)
		result := h.evaluate(ec, resolved)
		branch := "else"
		if result {
			branch = "then"
		}
		return map[string]any{"result": result, "branch": branch, "condition": ifCondition}, nil
	}

	if routes, ok := inputs["routes"].([]any); ok && len(routes) > 0 {
		for i, raw := range routes {
			route, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			routeCondition, _ := route["condition"].(string)
			if routeCondition == "" {
				continue
			}
			resolved := h.resolver.Resolve(routeCondition, ec)
			if h.evaluate(ec, resolved) {
				branch, _ := route["name"].(string)
				if branch == "" {
					branch = fmt.Sprintf("route_%d", i)
				}
				return map[string]any{
					"result":       true,
					"branch":       branch,
					"matchedRoute": i,
					"condition":    routeCondition,
				}, nil
			}
		}
		return map[string]any{"result": false, "branch": "default", "matchedRoute": nil}, nil
	}

	// No condition configured: pass through.
	return map[string]any{"result": true, "branch": "default"}, nil
}

// evaluate coerces non-string conditions by truthiness and evaluates
// string conditions with the full environment (start, variable and every
// block output). Evaluation failure means false.
func (h *Condition) evaluate(ec *executor.ExecutionContext, condition any) bool {
	switch v := condition.(type) {
	case bool:
		return v
	case nil:
		return false
	case string:
		if v == "" {
			return false
		}
		env := map[string]any{
			"start":    ec.Inputs(),
			"variable": ec.Variables(),
		}
		for name, output := range ec.BlockOutputs() {
			env[name] = output
		}
		result, err := h.evaluator.EvaluateCondition(v, env)
		if err != nil {
			return false
		}
		return result
	default:
		return expression.Truthy(condition)
	}
}
