package executor

import (
	"context"
	"time"

	"github.com/flowrun/flowrun/internal/workflow"
)

// Loop type constants.
const (
	LoopTypeFor     = "for"
	LoopTypeForEach = "forEach"
	LoopTypeWhile   = "while"
	LoopTypeDoWhile = "doWhile"
)

// MaxLoopIterations is the hard safety limit on loop iterations.
const MaxLoopIterations = 1000

// LoopState tracks the progress of one loop container during a run.
type LoopState struct {
	Iteration        int
	Items            []any
	CurrentItem      any
	MaxIterations    int
	LoopType         string
	Condition        string
	IterationOutputs []map[string]any
}

// LogRecord is the per-block execution record appended to the run log.
type LogRecord struct {
	BlockID   string `json:"blockId"`
	BlockName string `json:"blockName"`
	BlockType string `json:"blockType"`
	StartedAt string `json:"startedAt"`
	EndedAt   string `json:"endedAt"`
	Success   bool   `json:"success"`
	Output    any    `json:"output"`
}

// ExecutionContext holds all mutable state for a single run. It is owned
// exclusively by one request; handlers mutate it only through the setters
// below (block outputs are stored by the executor, never by handlers).
type ExecutionContext struct {
	// ExecutionID identifies the run in logs.
	ExecutionID string

	inputs            map[string]any
	workflowVariables map[string]any
	blockOutputs      map[string]any
	logs              []LogRecord
	loopStates        map[string]*LoopState
	currentLoopID     string
}

// NewExecutionContext creates a context for one run.
func NewExecutionContext(executionID string, inputs, variables map[string]any) *ExecutionContext {
	if inputs == nil {
		inputs = map[string]any{}
	}
	if variables == nil {
		variables = map[string]any{}
	}
	return &ExecutionContext{
		ExecutionID:       executionID,
		inputs:            inputs,
		workflowVariables: variables,
		blockOutputs:      make(map[string]any),
		loopStates:        make(map[string]*LoopState),
	}
}

// Inputs returns the caller-provided workflow inputs.
func (ec *ExecutionContext) Inputs() map[string]any {
	return ec.inputs
}

// Variables returns the mutable workflow variables.
func (ec *ExecutionContext) Variables() map[string]any {
	return ec.workflowVariables
}

// SetVariable assigns a workflow variable.
func (ec *ExecutionContext) SetVariable(name string, value any) {
	ec.workflowVariables[name] = value
}

// BlockOutput looks up a stored output by exact key. Inside a loop, the
// key "_loop" falls back to the enclosing loop's scope ({index, item,
// items}), so references such as <_loop.item> resolve.
func (ec *ExecutionContext) BlockOutput(name string) (any, bool) {
	if out, ok := ec.blockOutputs[name]; ok {
		return out, true
	}
	if state, ok := ec.CurrentLoop(); ok && name == "_loop" {
		return map[string]any{"index": state.Iteration, "item": state.CurrentItem, "items": state.Items}, true
	}
	return nil, false
}

// BlockOutputs returns the full output map. Callers treat it as read-only;
// it backs condition environments and the function-block context object.
func (ec *ExecutionContext) BlockOutputs() map[string]any {
	return ec.blockOutputs
}

// StoreBlockOutput records a block's output under both the raw and the
// normalized name key.
func (ec *ExecutionContext) StoreBlockOutput(name string, output any) {
	ec.blockOutputs[workflow.NormalizeName(name)] = output
	ec.blockOutputs[name] = output
}

// AppendLog appends a block execution record.
func (ec *ExecutionContext) AppendLog(record LogRecord) {
	ec.logs = append(ec.logs, record)
}

// Logs returns the ordered execution records.
func (ec *ExecutionContext) Logs() []LogRecord {
	return ec.logs
}

// LoopState returns the state for a loop block id, if present.
func (ec *ExecutionContext) LoopState(loopID string) (*LoopState, bool) {
	state, ok := ec.loopStates[loopID]
	return state, ok
}

// CurrentLoop returns the state of the enclosing loop, if any.
func (ec *ExecutionContext) CurrentLoop() (*LoopState, bool) {
	if ec.currentLoopID == "" {
		return nil, false
	}
	return ec.LoopState(ec.currentLoopID)
}

// enterLoop registers state for a loop block and makes it current,
// returning the previous loop id for restoration.
func (ec *ExecutionContext) enterLoop(loopID string, state *LoopState) string {
	ec.loopStates[loopID] = state
	prev := ec.currentLoopID
	ec.currentLoopID = loopID
	return prev
}

// exitLoop restores the previous enclosing loop.
func (ec *ExecutionContext) exitLoop(prev string) {
	ec.currentLoopID = prev
}

// Handler is the per-block-type execution contract. The executor selects
// the first handler whose CanHandle matches the block's type.
type Handler interface {
	// CanHandle reports whether this handler serves the block's type.
	CanHandle(block *workflow.Block) bool

	// Execute produces the block's output from its resolved inputs.
	// Handlers return errors only for failures that should enter the
	// retry path; expected failures are returned as output values.
	Execute(ctx context.Context, ec *ExecutionContext, block *workflow.Block, inputs map[string]any) (map[string]any, error)
}

// timestamp renders a log time in UTC ISO-8601.
func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
