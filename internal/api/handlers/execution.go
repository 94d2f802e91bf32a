package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowrun/flowrun/internal/api/response"
	"github.com/flowrun/flowrun/internal/config"
	"github.com/flowrun/flowrun/internal/executor"
	"github.com/flowrun/flowrun/internal/metrics"
	"github.com/flowrun/flowrun/internal/workflow"
)

// ExecutionHandler serves POST /execute. Each request gets a fresh
// executor over the loaded document.
type ExecutionHandler struct {
	logger   *slog.Logger
	document func() *workflow.Document
	handlers []executor.Handler
	metrics  *metrics.Metrics
}

// NewExecutionHandler creates an execution handler.
func NewExecutionHandler(logger *slog.Logger, document func() *workflow.Document, handlerChain []executor.Handler, m *metrics.Metrics) *ExecutionHandler {
	return &ExecutionHandler{
		logger:   logger,
		document: document,
		handlers: handlerChain,
		metrics:  m,
	}
}

// Execute runs the workflow against the request body, seeding workflow
// variables from WORKFLOW_VAR_* environment entries.
func (h *ExecutionHandler) Execute(w http.ResponseWriter, r *http.Request) {
	doc := h.document()
	if doc == nil {
		response.JSON(w, http.StatusInternalServerError, map[string]any{"detail": "No workflow loaded"})
		return
	}

	inputs := map[string]any{}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			response.JSON(w, http.StatusRequestEntityTooLarge, map[string]any{
				"error":    "Request too large",
				"max_size": maxBytesErr.Limit,
			})
			return
		}
		response.Error(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &inputs); err != nil {
			response.Error(w, http.StatusBadRequest, "Request body must be a JSON object")
			return
		}
	}

	var opts []executor.Option
	if h.metrics != nil {
		opts = append(opts, executor.WithMetrics(h.metrics))
	}
	exec := executor.New(doc, h.handlers, h.logger, opts...)

	started := time.Now()
	result := exec.Run(r.Context(), inputs, config.WorkflowVariables())
	if h.metrics != nil {
		h.metrics.ObserveRun(result.Success, time.Since(started))
	}

	response.JSON(w, http.StatusOK, result)
}
