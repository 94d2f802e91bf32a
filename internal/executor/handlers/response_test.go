package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrun/flowrun/internal/executor"
	"github.com/flowrun/flowrun/internal/workflow"
)

func respBlock() *workflow.Block {
	return &workflow.Block{ID: "out", Name: "Out", Type: "response"}
}

func TestResponseRawMode(t *testing.T) {
	h := NewResponse()
	ec := executor.NewExecutionContext("t", nil, map[string]any{"count": float64(3)})

	output, err := h.Execute(context.Background(), ec, respBlock(), map[string]any{
		"dataMode": "raw",
		"data":     "<variable.count>",
	})
	require.NoError(t, err)
	assert.Equal(t, float64(3), output["data"])
	assert.Equal(t, "raw", output["dataMode"])
}

func TestResponseStructuredMode(t *testing.T) {
	h := NewResponse()
	ec := executor.NewExecutionContext("t", map[string]any{"name": "ada"}, nil)

	output, err := h.Execute(context.Background(), ec, respBlock(), map[string]any{
		"dataMode": "structured",
		"builderData": []any{
			map[string]any{"name": "user", "value": "<start.name>"},
			map[string]any{"name": "fixed", "value": "plain"},
			map[string]any{"value": "skipped"},
		},
	})
	require.NoError(t, err)

	data := output["data"].(map[string]any)
	assert.Equal(t, "ada", data["user"])
	assert.Equal(t, "plain", data["fixed"])
	assert.Len(t, data, 2)
}

func TestResponseFallbackToInputs(t *testing.T) {
	h := NewResponse()
	ec := executor.NewExecutionContext("t", nil, nil)

	inputs := map[string]any{"dataMode": "raw", "extra": "kept"}
	output, err := h.Execute(context.Background(), ec, respBlock(), inputs)
	require.NoError(t, err)
	assert.Equal(t, inputs, output["data"])
}

func TestResponseHeaders(t *testing.T) {
	h := NewResponse()
	ec := executor.NewExecutionContext("t", map[string]any{"token": "abc"}, nil)

	output, err := h.Execute(context.Background(), ec, respBlock(), map[string]any{
		"dataMode": "raw",
		"data":     "body",
		"headers": []any{
			map[string]any{"cells": map[string]any{"Key": " X-Auth ", "Value": "<start.token>"}},
			map[string]any{"cells": map[string]any{"Key": "  ", "Value": "dropped"}},
		},
	})
	require.NoError(t, err)

	headers := output["headers"].(map[string]any)
	assert.Equal(t, "abc", headers["X-Auth"])
	assert.Len(t, headers, 1)
}

func TestResponseStatusPassThrough(t *testing.T) {
	h := NewResponse()
	ec := executor.NewExecutionContext("t", nil, nil)

	output, err := h.Execute(context.Background(), ec, respBlock(), map[string]any{
		"dataMode": "raw",
		"data":     "x",
		"status":   float64(201),
	})
	require.NoError(t, err)
	assert.Equal(t, float64(201), output["status"])
	assert.Nil(t, output["headers"])
}
