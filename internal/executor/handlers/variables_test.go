package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrun/flowrun/internal/executor"
	"github.com/flowrun/flowrun/internal/workflow"
)

func TestVariablesAssignsAndReports(t *testing.T) {
	h := NewVariables()
	ec := executor.NewExecutionContext("t", map[string]any{"x": float64(9)}, nil)

	output, err := h.Execute(context.Background(), ec, &workflow.Block{Type: "variables"}, map[string]any{
		"variables": []any{
			map[string]any{"variableName": "count", "value": float64(3)},
			map[string]any{"variableName": "fromStart", "value": "<start.x>"},
			map[string]any{"variableName": "", "value": "ignored"},
			map[string]any{"value": "no name"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, float64(3), ec.Variables()["count"])
	assert.Equal(t, float64(9), ec.Variables()["fromStart"])
	assert.Len(t, ec.Variables(), 2)

	updated := output["updated"].(map[string]any)
	assert.Equal(t, float64(3), updated["count"])
	assert.Len(t, output["variables"], 2)
}

func TestVariablesEmptyInput(t *testing.T) {
	h := NewVariables()
	ec := executor.NewExecutionContext("t", nil, nil)

	output, err := h.Execute(context.Background(), ec, &workflow.Block{Type: "variables"}, map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, output["updated"])
}
