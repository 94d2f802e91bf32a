// Package executor runs parsed workflow documents: it builds the
// dependency graph, walks top-level blocks in topological order, drives
// loop containers over their children, dispatches blocks to handlers with
// transient-failure retry, and accumulates the per-block run log.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowrun/flowrun/internal/executor/expression"
	"github.com/flowrun/flowrun/internal/executor/resolver"
	"github.com/flowrun/flowrun/internal/workflow"
)

// Block types the loop driver owns.
const (
	TypeLoop      = "loop"
	TypeLoopBlock = "loop_block"
)

// MetricsRecorder receives execution observations. Implementations must be
// safe for concurrent use; a nil recorder disables recording.
type MetricsRecorder interface {
	ObserveBlock(blockType string, success bool, duration time.Duration)
	ObserveRetry(blockType string)
}

// Executor runs a single workflow document. A fresh Executor is built per
// request; the document is read-only after construction.
type Executor struct {
	doc       *workflow.Document
	handlers  []Handler
	resolver  *resolver.Resolver
	evaluator *expression.Evaluator
	retry     *RetryStrategy
	logger    *slog.Logger
	metrics   MetricsRecorder

	// loopChildren maps loop block id to its child block ids.
	loopChildren map[string][]string
}

// Option customizes an Executor.
type Option func(*Executor)

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithRetryConfig overrides the default retry configuration.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(e *Executor) { e.retry = NewRetryStrategy(cfg, e.logger) }
}

// New creates an executor for a document with the given handler chain.
func New(doc *workflow.Document, handlers []Handler, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		doc:       doc,
		handlers:  handlers,
		resolver:  resolver.New(),
		evaluator: expression.NewEvaluator(),
		logger:    logger,
	}
	e.retry = NewRetryStrategy(DefaultRetryConfig(), logger)
	for _, opt := range opts {
		opt(e)
	}
	e.buildGraph()
	return e
}

// Result is the engine's response for one run.
type Result struct {
	Success bool        `json:"success"`
	Output  any         `json:"output"`
	Error   *string     `json:"error"`
	Logs    []LogRecord `json:"logs"`
}

// Run executes the workflow against the given inputs and initial
// variables. Blocks execute strictly one at a time; handler failures
// become block outputs, never run failures.
func (e *Executor) Run(ctx context.Context, inputs, variables map[string]any) *Result {
	ec := NewExecutionContext(uuid.New().String(), inputs, variables)

	topLevel := e.topLevelBlocks()
	order := e.executionOrder(topLevel)

	if len(order) < len(topLevel) {
		e.logger.Warn("workflow contains cycles, unreachable blocks skipped",
			"execution_id", ec.ExecutionID,
			"scheduled", len(order),
			"top_level", len(topLevel),
		)
	}

	e.logger.Info("starting workflow run",
		"execution_id", ec.ExecutionID,
		"block_count", len(order),
	)

	var finalOutput any
	for _, blockID := range order {
		block, ok := e.doc.Blocks[blockID]
		if !ok {
			continue
		}

		var output map[string]any
		if block.Type == TypeLoop || block.Type == TypeLoopBlock {
			output = e.executeLoop(ctx, ec, block)
		} else {
			output = e.executeBlock(ctx, ec, block)
		}

		if block.Type == "response" || block.Type == "output" {
			finalOutput = output
		}
	}

	e.logger.Info("workflow run completed", "execution_id", ec.ExecutionID)

	return &Result{
		Success: true,
		Output:  finalOutput,
		Error:   nil,
		Logs:    ec.Logs(),
	}
}

// buildGraph identifies loop children by parentId. Only parents whose type
// is a loop container claim children; any other parentId is ignored.
func (e *Executor) buildGraph() {
	e.loopChildren = make(map[string][]string)
	for _, blockID := range e.doc.BlockOrder {
		block := e.doc.Blocks[blockID]
		if block.ParentID == "" {
			continue
		}
		parent, ok := e.doc.Blocks[block.ParentID]
		if !ok {
			continue
		}
		if parent.Type == TypeLoop || parent.Type == TypeLoopBlock {
			e.loopChildren[parent.ID] = append(e.loopChildren[parent.ID], block.ID)
		}
	}
}

// topLevelBlocks returns every block id not owned by a loop container.
func (e *Executor) topLevelBlocks() map[string]bool {
	children := make(map[string]bool)
	for _, ids := range e.loopChildren {
		for _, id := range ids {
			children[id] = true
		}
	}

	topLevel := make(map[string]bool)
	for _, id := range e.doc.BlockOrder {
		if !children[id] {
			topLevel[id] = true
		}
	}
	return topLevel
}

// executionOrder performs Kahn's topological traversal over the given
// block subset, honoring only edges whose endpoints are both inside it.
// The ready queue is seeded and drained in document order so ties break
// deterministically. Blocks on cycles never reach in-degree zero and are
// silently left out.
func (e *Executor) executionOrder(blockIDs map[string]bool) []string {
	inDegree := make(map[string]int, len(blockIDs))
	for id := range blockIDs {
		inDegree[id] = 0
	}

	adjacency := make(map[string][]string)
	for _, edge := range e.doc.Edges {
		if blockIDs[edge.Source] && blockIDs[edge.Target] {
			adjacency[edge.Source] = append(adjacency[edge.Source], edge.Target)
			inDegree[edge.Target]++
		}
	}

	var queue []string
	for _, id := range e.doc.BlockOrder {
		if blockIDs[id] && inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var order []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		for _, target := range adjacency[current] {
			inDegree[target]--
			if inDegree[target] == 0 {
				queue = append(queue, target)
			}
		}
	}

	return order
}

// handlerFor returns the first handler whose CanHandle matches.
func (e *Executor) handlerFor(block *workflow.Block) Handler {
	for _, h := range e.handlers {
		if h.CanHandle(block) {
			return h
		}
	}
	return nil
}

// executeBlock runs one leaf block: resolve inputs, inject loop context,
// dispatch with retry, record the log entry and store the output under
// both name keys.
func (e *Executor) executeBlock(ctx context.Context, ec *ExecutionContext, block *workflow.Block) map[string]any {
	handler := e.handlerFor(block)

	var resolvedInputs map[string]any
	if resolved, ok := e.resolver.Resolve(block.Inputs, ec).(map[string]any); ok {
		resolvedInputs = resolved
	} else {
		resolvedInputs = map[string]any{}
	}

	// Function code keeps its reference tokens; the function handler
	// renders them as script literals itself.
	if code, ok := block.Inputs["code"]; ok && block.Type == "function" {
		resolvedInputs["code"] = code
	}

	if state, ok := ec.CurrentLoop(); ok {
		resolvedInputs["_loop"] = map[string]any{
			"index": state.Iteration,
			"item":  state.CurrentItem,
			"items": state.Items,
		}
	}

	startedAt := time.Now()
	var output map[string]any
	success := true

	if handler == nil {
		output = map[string]any{"error": fmt.Sprintf("No handler for block type: %s", block.Type)}
	} else {
		result, attempt, err := e.retry.Execute(ctx, func(ctx context.Context, attempt int) (map[string]any, error) {
			if attempt > 0 && e.metrics != nil {
				e.metrics.ObserveRetry(block.Type)
			}
			return handler.Execute(ctx, ec, block, resolvedInputs)
		})
		if err != nil {
			output = map[string]any{"error": err.Error(), "retries": attempt}
			success = false
		} else {
			output = result
		}
	}

	endedAt := time.Now()

	ec.StoreBlockOutput(block.Name, output)
	ec.AppendLog(LogRecord{
		BlockID:   block.ID,
		BlockName: block.Name,
		BlockType: block.Type,
		StartedAt: timestamp(startedAt),
		EndedAt:   timestamp(endedAt),
		Success:   success,
		Output:    output,
	})

	if e.metrics != nil {
		e.metrics.ObserveBlock(block.Type, success, endedAt.Sub(startedAt))
	}

	e.logger.Debug("block executed",
		"execution_id", ec.ExecutionID,
		"block_id", block.ID,
		"block_type", block.Type,
		"duration_ms", endedAt.Sub(startedAt).Milliseconds(),
		"success", success,
	)

	return output
}
