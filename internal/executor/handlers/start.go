package handlers

import (
	"context"

	"github.com/flowrun/flowrun/internal/executor"
	"github.com/flowrun/flowrun/internal/workflow"
)

// Start passes the workflow inputs through as the block output.
type Start struct{}

// NewStart creates the start handler.
func NewStart() *Start {
	return &Start{}
}

// CanHandle matches start trigger block types.
func (h *Start) CanHandle(block *workflow.Block) bool {
	switch block.Type {
	case "start", "start_trigger", "starter":
		return true
	}
	return false
}

// Execute returns the run's inputs unchanged.
func (h *Start) Execute(_ context.Context, ec *executor.ExecutionContext, _ *workflow.Block, _ map[string]any) (map[string]any, error) {
	return ec.Inputs(), nil
}
