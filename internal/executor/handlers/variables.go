package handlers

import (
	"context"

	"github.com/flowrun/flowrun/internal/executor"
	"github.com/flowrun/flowrun/internal/executor/resolver"
	"github.com/flowrun/flowrun/internal/workflow"
)

// Variables assigns workflow variables from its inputs.
type Variables struct {
	resolver *resolver.Resolver
}

// NewVariables creates the variables handler.
func NewVariables() *Variables {
	return &Variables{resolver: resolver.New()}
}

// CanHandle matches the variables block type.
func (h *Variables) CanHandle(block *workflow.Block) bool {
	return block.Type == "variables"
}

// Execute assigns each named entry of inputs.variables into the workflow
// variables and reports what changed.
func (h *Variables) Execute(_ context.Context, ec *executor.ExecutionContext, _ *workflow.Block, inputs map[string]any) (map[string]any, error) {
	entries, _ := inputs["variables"].([]any)
	updated := make(map[string]any)

	for _, entry := range entries {
		variable, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name, _ := variable["variableName"].(string)
		if name == "" {
			continue
		}
		value := h.resolver.Resolve(variable["value"], ec)
		ec.SetVariable(name, value)
		updated[name] = value
	}

	names := make([]any, 0, len(ec.Variables()))
	for name := range ec.Variables() {
		names = append(names, name)
	}

	return map[string]any{"updated": updated, "variables": names}, nil
}
