package handlers

import (
	"context"
	"strings"

	"github.com/flowrun/flowrun/internal/executor"
	"github.com/flowrun/flowrun/internal/executor/resolver"
	"github.com/flowrun/flowrun/internal/workflow"
)

// Response shapes the run's final output.
type Response struct {
	resolver *resolver.Resolver
}

// NewResponse creates the response handler.
func NewResponse() *Response {
	return &Response{resolver: resolver.New()}
}

// CanHandle matches response/output block types.
func (h *Response) CanHandle(block *workflow.Block) bool {
	return block.Type == "response" || block.Type == "output"
}

// Execute builds the response per dataMode: "structured" assembles a
// mapping from builderData entries; otherwise the resolved data is
// returned, or the full resolved input mapping when no data is set.
func (h *Response) Execute(_ context.Context, ec *executor.ExecutionContext, _ *workflow.Block, inputs map[string]any) (map[string]any, error) {
	dataMode, _ := inputs["dataMode"].(string)
	if dataMode == "" {
		dataMode = "raw"
	}
	status := inputs["status"]
	headers, _ := inputs["headers"].([]any)
	builderData, _ := inputs["builderData"].([]any)

	var resolvedData any
	if data, ok := inputs["data"]; ok && data != nil {
		resolvedData = h.resolver.Resolve(data, ec)
	}

	var responseData any
	switch {
	case dataMode == "structured" && len(builderData) > 0:
		structured := make(map[string]any)
		for _, field := range builderData {
			entry, ok := field.(map[string]any)
			if !ok {
				continue
			}
			name, _ := entry["name"].(string)
			if name == "" {
				continue
			}
			if value, ok := entry["value"]; ok && value != nil {
				structured[name] = h.resolver.Resolve(value, ec)
			} else {
				structured[name] = nil
			}
		}
		responseData = structured
	case dataMode == "raw" && resolvedData != nil:
		responseData = resolvedData
	default:
		if resolvedData != nil {
			responseData = resolvedData
		} else {
			responseData = inputs
		}
	}

	headersMap := make(map[string]any)
	for _, header := range headers {
		entry, ok := header.(map[string]any)
		if !ok {
			continue
		}
		cells, _ := entry["cells"].(map[string]any)
		key, _ := cells["Key"].(string)
		value, _ := cells["Value"].(string)
		key = strings.TrimSpace(key)
		if key != "" {
			headersMap[key] = h.resolver.Resolve(strings.TrimSpace(value), ec)
		}
	}

	output := map[string]any{
		"data":     responseData,
		"status":   status,
		"dataMode": dataMode,
	}
	if len(headersMap) > 0 {
		output["headers"] = headersMap
	} else {
		output["headers"] = nil
	}

	return output, nil
}
