package handlers

import (
	"net/http"
	"time"

	"github.com/flowrun/flowrun/internal/api/response"
	"github.com/flowrun/flowrun/internal/tools"
	"github.com/flowrun/flowrun/internal/workflow"
)

// HealthHandler serves the health and readiness endpoints.
type HealthHandler struct {
	startTime time.Time
	warnings  []string
	workspace *tools.Workspace
	document  func() *workflow.Document
}

// NewHealthHandler creates a health handler. document is read per request
// so readiness reflects the live load state.
func NewHealthHandler(startTime time.Time, warnings []string, workspace *tools.Workspace, document func() *workflow.Document) *HealthHandler {
	return &HealthHandler{
		startTime: startTime,
		warnings:  warnings,
		workspace: workspace,
		document:  document,
	}
}

// Health reports detailed service status. The service is degraded when
// startup produced warnings or the workflow failed to load.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	loaded := h.document() != nil

	status := "healthy"
	if !loaded || len(h.warnings) > 0 {
		status = "degraded"
	}

	var warnings any
	if len(h.warnings) > 0 {
		warnings = h.warnings
	}

	response.JSON(w, http.StatusOK, map[string]any{
		"status":          status,
		"workflow_loaded": loaded,
		"uptime_seconds":  round2(now.Sub(h.startTime).Seconds()),
		"warnings":        warnings,
		"workspace":       h.workspace.Info(),
		"timestamp":       now.Format(time.RFC3339Nano),
	})
}

// Ready reports whether the service can execute workflows.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.document() == nil {
		response.JSON(w, http.StatusServiceUnavailable, map[string]any{"detail": "Workflow not loaded"})
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{"ready": true})
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
