// Package handlers implements the built-in block handlers. Each handler
// serves one block kind through the executor.Handler contract; Default
// assembles the chain in dispatch order.
package handlers

import (
	"log/slog"

	"github.com/flowrun/flowrun/internal/executor"
	"github.com/flowrun/flowrun/internal/executor/javascript"
	"github.com/flowrun/flowrun/internal/llm"
	"github.com/flowrun/flowrun/internal/tools"
)

// Default returns the built-in handler chain. The workspace may be nil
// (native tools disabled); the registry defaults to the global one.
func Default(logger *slog.Logger, workspace *tools.Workspace, registry *llm.ProviderRegistry) ([]executor.Handler, error) {
	engine, err := javascript.NewEngine(nil)
	if err != nil {
		return nil, err
	}
	if registry == nil {
		registry = llm.GlobalProviderRegistry
	}

	return []executor.Handler{
		NewStart(),
		NewAgent(logger, workspace, registry),
		NewFunction(engine),
		NewCondition(),
		NewAPI(logger),
		NewVariables(),
		NewResponse(),
	}, nil
}
