package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/flowrun/flowrun/internal/executor/resolver"
	"github.com/flowrun/flowrun/internal/workflow"
)

// executeLoop drives a loop container: initialize state from the resolved
// inputs, compute the child topological order, then run iterations until
// the loop type's continuation rule says stop. Children execute through
// the normal block path so nested loops recurse naturally.
func (e *Executor) executeLoop(ctx context.Context, ec *ExecutionContext, loopBlock *workflow.Block) map[string]any {
	inputs, _ := e.resolver.Resolve(loopBlock.Inputs, ec).(map[string]any)
	if inputs == nil {
		inputs = map[string]any{}
	}

	// Conditions come from the raw inputs: the loop evaluator substitutes
	// <loop.*> tokens itself, so resolving them here would destroy them.
	condition, _ := loopBlock.Inputs["whileCondition"].(string)
	if condition == "" {
		condition, _ = loopBlock.Inputs["doWhileCondition"].(string)
	}

	state := e.initLoopState(ec, inputs)
	state.Condition = condition
	prev := ec.enterLoop(loopBlock.ID, state)

	childIDs := make(map[string]bool)
	for _, id := range e.loopChildren[loopBlock.ID] {
		childIDs[id] = true
	}
	childOrder := e.executionOrder(childIDs)

	var allResults []map[string]any

	for e.shouldContinueLoop(ec, state) {
		if state.LoopType == LoopTypeForEach && state.Iteration < len(state.Items) {
			state.CurrentItem = state.Items[state.Iteration]
		}

		iterationResults := make(map[string]any)
		for _, childID := range childOrder {
			child, ok := e.doc.Blocks[childID]
			if !ok {
				continue
			}
			var result map[string]any
			if child.Type == TypeLoop || child.Type == TypeLoopBlock {
				result = e.executeLoop(ctx, ec, child)
			} else {
				result = e.executeBlock(ctx, ec, child)
			}
			iterationResults[child.Name] = result
		}

		allResults = append(allResults, iterationResults)
		state.IterationOutputs = append(state.IterationOutputs, iterationResults)

		state.Iteration++
		if state.Iteration >= MaxLoopIterations {
			break
		}
	}

	ec.exitLoop(prev)

	if allResults == nil {
		allResults = []map[string]any{}
	}
	resultsAny := make([]any, len(allResults))
	for i, r := range allResults {
		resultsAny[i] = r
	}

	output := map[string]any{
		"results":         resultsAny,
		"totalIterations": state.Iteration,
		"status":          "completed",
	}
	ec.StoreBlockOutput(loopBlock.Name, output)

	e.logger.Debug("loop completed",
		"execution_id", ec.ExecutionID,
		"loop_id", loopBlock.ID,
		"loop_type", state.LoopType,
		"iterations", state.Iteration,
	)

	return output
}

// initLoopState builds a LoopState from resolved loop inputs.
func (e *Executor) initLoopState(ec *ExecutionContext, inputs map[string]any) *LoopState {
	loopType, _ := inputs["loopType"].(string)
	if loopType == "" {
		loopType = LoopTypeFor
	}

	iterations := 10
	if raw, ok := inputs["iterations"]; ok {
		if n, ok := toInt(raw); ok {
			iterations = n
		}
	}
	if iterations > MaxLoopIterations {
		iterations = MaxLoopIterations
	}

	state := &LoopState{
		LoopType:      loopType,
		MaxIterations: iterations,
	}

	if loopType == LoopTypeForEach {
		state.Items = e.resolveItems(ec, inputs["forEachItems"])
		state.MaxIterations = len(state.Items)
	}

	return state
}

// resolveItems normalizes forEachItems into a sequence: sequences pass
// through, mappings become [key, value] pairs, strings are resolved then
// JSON-parsed as a fallback, anything else yields the empty sequence.
func (e *Executor) resolveItems(ec *ExecutionContext, items any) []any {
	switch v := items.(type) {
	case nil:
		return []any{}
	case []any:
		return v
	case map[string]any:
		return mapToPairs(v)
	case string:
		resolved := e.resolver.Resolve(v, ec)
		switch rv := resolved.(type) {
		case []any:
			return rv
		case map[string]any:
			return mapToPairs(rv)
		case string:
			v = rv
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			if list, ok := parsed.([]any); ok {
				return list
			}
			return []any{parsed}
		}
		if v != "" {
			return []any{v}
		}
		return []any{}
	default:
		return []any{}
	}
}

// mapToPairs converts a mapping to [key, value] pairs with keys sorted so
// iteration order is stable.
func mapToPairs(m map[string]any) []any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]any, 0, len(m))
	for _, k := range keys {
		pairs = append(pairs, []any{k, m[k]})
	}
	return pairs
}

// shouldContinueLoop applies the continuation rule for the loop type.
func (e *Executor) shouldContinueLoop(ec *ExecutionContext, state *LoopState) bool {
	if state.Iteration >= state.MaxIterations {
		return false
	}

	switch state.LoopType {
	case LoopTypeFor:
		return state.Iteration < state.MaxIterations
	case LoopTypeForEach:
		return state.Iteration < len(state.Items)
	case LoopTypeWhile:
		return e.evaluateLoopCondition(ec, state)
	case LoopTypeDoWhile:
		if state.Iteration == 0 {
			return true
		}
		return e.evaluateLoopCondition(ec, state)
	default:
		return false
	}
}

// evaluateLoopCondition substitutes the loop tokens, resolves references
// and evaluates the remaining expression in pure mode. Failures fall back
// to iteration < maxIterations.
func (e *Executor) evaluateLoopCondition(ec *ExecutionContext, state *LoopState) bool {
	fallback := state.Iteration < state.MaxIterations
	if state.Condition == "" {
		return fallback
	}

	cond := strings.ReplaceAll(state.Condition, "<loop.index>", fmt.Sprintf("%d", state.Iteration))
	cond = strings.ReplaceAll(cond, "<loop.iteration>", fmt.Sprintf("%d", state.Iteration))
	if state.CurrentItem != nil {
		itemRepr := literalRepr(state.CurrentItem)
		cond = strings.ReplaceAll(cond, "<loop.item>", itemRepr)
		cond = strings.ReplaceAll(cond, "<loop.currentItem>", itemRepr)
	}

	resolved := e.resolver.Resolve(cond, ec)
	expr, ok := resolved.(string)
	if !ok {
		// The whole condition was a single reference; apply truthiness.
		return truthyValue(resolved, fallback)
	}

	result, err := e.evaluator.EvaluateCondition(expr, nil)
	if err != nil {
		return fallback
	}
	return result
}

// literalRepr renders a loop item as an expression literal: JSON for
// structured values, quoted for strings.
func literalRepr(value any) string {
	switch v := value.(type) {
	case string:
		escaped := strings.ReplaceAll(v, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, "'", `\'`)
		return "'" + escaped + "'"
	case map[string]any, []any:
		if encoded, err := json.Marshal(v); err == nil {
			return string(encoded)
		}
		return fmt.Sprintf("%v", v)
	default:
		return resolver.Stringify(v)
	}
}

func truthyValue(value any, fallback bool) bool {
	switch v := value.(type) {
	case nil:
		return fallback
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != ""
	default:
		return true
	}
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}
