package handlers

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"github.com/flowrun/flowrun/internal/executor"
	"github.com/flowrun/flowrun/internal/executor/javascript"
	"github.com/flowrun/flowrun/internal/executor/resolver"
	"github.com/flowrun/flowrun/internal/workflow"
)

// codeReferencePattern matches <block.field> tokens inside script source,
// same grammar as the resolver.
var codeReferencePattern = regexp.MustCompile(
	`<([a-zA-Z_][a-zA-Z0-9_]*` +
		`(?:\.[a-zA-Z_][a-zA-Z0-9_]*|\[["'][^"']+["']\])*` +
		`)>`,
)

// Function executes user scripts in the sandboxed engine. References in
// the code are rendered as literals before execution; the script's
// __return__ binding is the output channel; exceptions become output
// values rather than failures.
type Function struct {
	resolver *resolver.Resolver
	engine   *javascript.Engine
}

// NewFunction creates the function handler.
func NewFunction(engine *javascript.Engine) *Function {
	return &Function{
		resolver: resolver.New(),
		engine:   engine,
	}
}

// CanHandle matches the function block type.
func (h *Function) CanHandle(block *workflow.Block) bool {
	return block.Type == "function"
}

// Execute resolves code references, runs the script with the context
// bindings and returns the __return__ value.
func (h *Function) Execute(ctx context.Context, ec *executor.ExecutionContext, block *workflow.Block, inputs map[string]any) (map[string]any, error) {
	code, _ := inputs["code"].(string)
	if strings.TrimSpace(code) == "" {
		return map[string]any{"executed": true}, nil
	}

	resolved := h.resolveCodeReferences(code, ec)

	bindings := map[string]any{
		"context": h.buildContext(ec, inputs),
	}

	result, err := h.engine.Execute(ctx, resolved, bindings)
	if err != nil {
		output := map[string]any{
			"error":        err.Error(),
			"resolvedCode": resolved,
		}
		var exc *goja.Exception
		if ok := asGojaException(err, &exc); ok {
			output["traceback"] = exc.String()
		} else {
			output["traceback"] = err.Error()
		}
		return output, nil
	}

	if !result.Returned {
		return map[string]any{"executed": true}, nil
	}

	if mapped, ok := result.Value.(map[string]any); ok {
		return mapped, nil
	}
	// Scalar returns keep the map contract by wrapping under "result".
	return map[string]any{"result": result.Value}, nil
}

// buildContext assembles the context object scripts see: start inputs,
// workflow variables, every block output by stored key, and the loop
// scope when the block runs inside a loop.
func (h *Function) buildContext(ec *executor.ExecutionContext, inputs map[string]any) map[string]any {
	context := map[string]any{
		"start":    ec.Inputs(),
		"variable": ec.Variables(),
	}
	for name, output := range ec.BlockOutputs() {
		context[name] = output
	}
	if loop, ok := inputs["_loop"]; ok {
		context["_loop"] = loop
	}
	// Scripts get a JSON copy, so writes to the context object never reach
	// the run's inputs, variables or block outputs.
	if encoded, err := json.Marshal(context); err == nil {
		var detached map[string]any
		if json.Unmarshal(encoded, &detached) == nil {
			return detached
		}
	}
	return context
}

// resolveCodeReferences replaces every reference token with a script
// literal rendering of its resolved value.
func (h *Function) resolveCodeReferences(code string, ec *executor.ExecutionContext) string {
	return codeReferencePattern.ReplaceAllStringFunc(code, func(token string) string {
		path := token[1 : len(token)-1]
		value := h.resolver.Lookup(path, ec)
		return scriptLiteral(value)
	})
}

// scriptLiteral renders a value as a script-source literal.
func scriptLiteral(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case string:
		escaped := strings.ReplaceAll(v, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, "'", `\'`)
		escaped = strings.ReplaceAll(escaped, "\n", `\n`)
		return "'" + escaped + "'"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case map[string]any, []any:
		if encoded, err := json.Marshal(v); err == nil {
			return string(encoded)
		}
		return "null"
	default:
		if encoded, err := json.Marshal(v); err == nil {
			return string(encoded)
		}
		return "null"
	}
}

func asGojaException(err error, target **goja.Exception) bool {
	exc, ok := err.(*goja.Exception)
	if ok {
		*target = exc
	}
	return ok
}
