package executor_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrun/flowrun/internal/executor"
	"github.com/flowrun/flowrun/internal/executor/handlers"
	"github.com/flowrun/flowrun/internal/llm"
	"github.com/flowrun/flowrun/internal/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseDoc(t *testing.T, data string) *workflow.Document {
	t.Helper()
	doc, err := workflow.Parse([]byte(data))
	require.NoError(t, err)
	return doc
}

func defaultChain(t *testing.T) []executor.Handler {
	t.Helper()
	chain, err := handlers.Default(testLogger(), nil, llm.NewProviderRegistry())
	require.NoError(t, err)
	return chain
}

func runWorkflow(t *testing.T, doc string, inputs map[string]any) *executor.Result {
	t.Helper()
	exec := executor.New(parseDoc(t, doc), defaultChain(t), testLogger())
	return exec.Run(context.Background(), inputs, nil)
}

func TestLinearDAG(t *testing.T) {
	result := runWorkflow(t, `{
		"blocks": [
			{"id": "a", "name": "A", "type": "start"},
			{"id": "b", "name": "B", "type": "variables", "inputs": {
				"variables": [{"variableName": "count", "value": 3}]
			}},
			{"id": "c", "name": "C", "type": "response", "inputs": {
				"dataMode": "raw",
				"data": "<variable.count>"
			}}
		],
		"edges": [
			{"source": "a", "target": "b"},
			{"source": "b", "target": "c"}
		]
	}`, map[string]any{})

	require.True(t, result.Success)
	require.Nil(t, result.Error)

	output := result.Output.(map[string]any)
	assert.Equal(t, float64(3), output["data"])

	// One log record per executed block, timestamps ordered.
	require.Len(t, result.Logs, 3)
	for _, record := range result.Logs {
		assert.True(t, record.Success)
		assert.NotEmpty(t, record.StartedAt)
		assert.GreaterOrEqual(t, record.EndedAt, record.StartedAt)
	}
	assert.Equal(t, []string{"a", "b", "c"}, []string{
		result.Logs[0].BlockID, result.Logs[1].BlockID, result.Logs[2].BlockID,
	})
}

func TestRouterBranches(t *testing.T) {
	doc := `{
		"blocks": [
			{"id": "a", "name": "A", "type": "start"},
			{"id": "r", "name": "R", "type": "condition", "inputs": {
				"routes": [
					{"condition": "<start.x> > 10", "name": "big"},
					{"condition": "<start.x> > 0", "name": "pos"}
				]
			}}
		],
		"edges": [{"source": "a", "target": "r"}]
	}`

	result := runWorkflow(t, doc, map[string]any{"x": float64(5)})
	routerOutput := result.Logs[1].Output.(map[string]any)
	assert.Equal(t, "pos", routerOutput["branch"])
	assert.Equal(t, 1, routerOutput["matchedRoute"])

	result = runWorkflow(t, doc, map[string]any{"x": float64(-1)})
	routerOutput = result.Logs[1].Output.(map[string]any)
	assert.Equal(t, "default", routerOutput["branch"])
	assert.Nil(t, routerOutput["matchedRoute"])
}

func TestForEachLoop(t *testing.T) {
	result := runWorkflow(t, `{
		"blocks": [
			{"id": "l", "name": "L", "type": "loop", "inputs": {
				"loopType": "forEach",
				"forEachItems": [10, 20, 30]
			}},
			{"id": "c", "name": "C", "type": "function", "parentId": "l", "inputs": {
				"code": "__return__ = {v: <_loop.item> * 2}"
			}}
		],
		"edges": []
	}`, map[string]any{})

	require.True(t, result.Success)

	// One log per child execution, three iterations, doubled values.
	require.Len(t, result.Logs, 3)

	// The script engine exports integer-valued numbers as int64.
	values := make([]any, 0, 3)
	for _, record := range result.Logs {
		out := record.Output.(map[string]any)
		values = append(values, out["v"])
	}
	assert.Equal(t, []any{int64(20), int64(40), int64(60)}, values)
}

func TestForEachLoopOutputShape(t *testing.T) {
	result := runWorkflow(t, `{
		"blocks": [
			{"id": "l", "name": "L", "type": "loop", "inputs": {
				"loopType": "forEach",
				"forEachItems": [10, 20, 30]
			}},
			{"id": "c", "name": "C", "type": "function", "parentId": "l", "inputs": {
				"code": "__return__ = {v: <_loop.item> * 2}"
			}},
			{"id": "out", "name": "Out", "type": "response", "inputs": {
				"dataMode": "raw",
				"data": "<l.results>"
			}}
		],
		"edges": [{"source": "l", "target": "out"}]
	}`, map[string]any{})

	require.True(t, result.Success)
	output := result.Output.(map[string]any)
	results := output["data"].([]any)
	require.Len(t, results, 3)

	first := results[0].(map[string]any)["C"].(map[string]any)
	assert.Equal(t, int64(20), first["v"])
}

func TestForLoopIterationCount(t *testing.T) {
	result := runWorkflow(t, `{
		"blocks": [
			{"id": "l", "name": "Counter", "type": "loop", "inputs": {
				"loopType": "for",
				"iterations": 4
			}},
			{"id": "c", "name": "C", "type": "function", "parentId": "l", "inputs": {
				"code": "__return__ = {i: <_loop.index>}"
			}},
			{"id": "out", "name": "Out", "type": "response", "inputs": {
				"dataMode": "raw",
				"data": "<counter.totalIterations>"
			}}
		],
		"edges": [{"source": "l", "target": "out"}]
	}`, map[string]any{})

	output := result.Output.(map[string]any)
	assert.Equal(t, 4, output["data"])
	assert.Len(t, result.Logs, 5)
}

func TestWhileLoopCondition(t *testing.T) {
	result := runWorkflow(t, `{
		"blocks": [
			{"id": "l", "name": "W", "type": "loop", "inputs": {
				"loopType": "while",
				"iterations": 100,
				"whileCondition": "<loop.index> < 3"
			}},
			{"id": "c", "name": "C", "type": "function", "parentId": "l", "inputs": {
				"code": "__return__ = {executedAt: <_loop.index>}"
			}},
			{"id": "out", "name": "Out", "type": "response", "inputs": {
				"dataMode": "raw",
				"data": "<w.totalIterations>"
			}}
		],
		"edges": [{"source": "l", "target": "out"}]
	}`, map[string]any{})

	output := result.Output.(map[string]any)
	assert.Equal(t, 3, output["data"])
}

func TestDoWhileRunsAtLeastOnce(t *testing.T) {
	result := runWorkflow(t, `{
		"blocks": [
			{"id": "l", "name": "DW", "type": "loop", "inputs": {
				"loopType": "doWhile",
				"iterations": 100,
				"doWhileCondition": "1 > 2"
			}},
			{"id": "c", "name": "C", "type": "function", "parentId": "l", "inputs": {
				"code": "__return__ = {ran: true}"
			}},
			{"id": "out", "name": "Out", "type": "response", "inputs": {
				"dataMode": "raw",
				"data": "<dw.totalIterations>"
			}}
		],
		"edges": [{"source": "l", "target": "out"}]
	}`, map[string]any{})

	output := result.Output.(map[string]any)
	assert.Equal(t, 1, output["data"])
}

func TestRetryOnTransientFailure(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	doc := parseDoc(t, `{
		"blocks": [
			{"id": "a", "name": "Call", "type": "api", "inputs": {"url": "`+server.URL+`"}}
		],
		"edges": []
	}`)

	exec := executor.New(doc, defaultChain(t), testLogger(),
		executor.WithRetryConfig(executor.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}))

	started := time.Now()
	result := exec.Run(context.Background(), nil, nil)
	elapsed := time.Since(started)

	assert.EqualValues(t, 3, attempts.Load())
	require.Len(t, result.Logs, 1)
	assert.True(t, result.Logs[0].Success)

	output := result.Logs[0].Output.(map[string]any)
	assert.Equal(t, 200, output["status"])
	data := output["data"].(map[string]any)
	assert.Equal(t, true, data["ok"])

	// Two backoff sleeps occurred (1ms + 2ms with the test config).
	assert.GreaterOrEqual(t, elapsed, 3*time.Millisecond)
}

func TestPermanentFailureStops(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	doc := parseDoc(t, `{
		"blocks": [
			{"id": "a", "name": "Call", "type": "api", "inputs": {"url": "`+server.URL+`"}}
		],
		"edges": []
	}`)

	exec := executor.New(doc, defaultChain(t), testLogger(),
		executor.WithRetryConfig(executor.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}))
	result := exec.Run(context.Background(), nil, nil)

	require.Len(t, result.Logs, 1)
	assert.False(t, result.Logs[0].Success)
	output := result.Logs[0].Output.(map[string]any)
	assert.Contains(t, output["error"], "503")
	assert.Equal(t, 2, output["retries"])
	// The run itself still completes.
	assert.True(t, result.Success)
}

func TestUnknownBlockType(t *testing.T) {
	result := runWorkflow(t, `{
		"blocks": [
			{"id": "a", "name": "A", "type": "mystery"},
			{"id": "b", "name": "B", "type": "response", "inputs": {"dataMode": "raw", "data": "done"}}
		],
		"edges": [{"source": "a", "target": "b"}]
	}`, nil)

	require.Len(t, result.Logs, 2)
	output := result.Logs[0].Output.(map[string]any)
	assert.Equal(t, "No handler for block type: mystery", output["error"])

	// Execution continued to the response block.
	assert.Equal(t, "done", result.Output.(map[string]any)["data"])
}

func TestCycleToleratedSilently(t *testing.T) {
	result := runWorkflow(t, `{
		"blocks": [
			{"id": "a", "name": "A", "type": "start"},
			{"id": "b", "name": "B", "type": "function", "inputs": {"code": "__return__ = {v: 1}"}},
			{"id": "c", "name": "C", "type": "function", "inputs": {"code": "__return__ = {v: 2}"}}
		],
		"edges": [
			{"source": "b", "target": "c"},
			{"source": "c", "target": "b"}
		]
	}`, nil)

	// Only the acyclic block ran; the run still reports success.
	require.True(t, result.Success)
	require.Len(t, result.Logs, 1)
	assert.Equal(t, "a", result.Logs[0].BlockID)
}

func TestOutputsStoredUnderBothKeys(t *testing.T) {
	result := runWorkflow(t, `{
		"blocks": [
			{"id": "f", "name": "My Step", "type": "function", "inputs": {"code": "__return__ = {v: 1}"}},
			{"id": "r1", "name": "R1", "type": "response", "inputs": {"dataMode": "raw", "data": "<my_step.v>"}}
		],
		"edges": [{"source": "f", "target": "r1"}]
	}`, nil)

	assert.Equal(t, float64(1), result.Output.(map[string]any)["data"])
}

func TestStartBlockEchoesInputs(t *testing.T) {
	inputs := map[string]any{"q": "hello"}
	result := runWorkflow(t, `{
		"blocks": [
			{"id": "a", "name": "A", "type": "start"},
			{"id": "out", "name": "Out", "type": "response", "inputs": {"dataMode": "raw", "data": "<a.q>"}}
		],
		"edges": [{"source": "a", "target": "out"}]
	}`, inputs)

	assert.Equal(t, "hello", result.Output.(map[string]any)["data"])
}

func TestResultSerializesToEngineShape(t *testing.T) {
	result := runWorkflow(t, `{
		"blocks": [{"id": "a", "name": "A", "type": "start"}],
		"edges": []
	}`, nil)

	encoded, err := json.Marshal(result)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, true, decoded["success"])
	assert.Nil(t, decoded["error"])
	assert.Contains(t, decoded, "output")
	assert.Contains(t, decoded, "logs")
}
