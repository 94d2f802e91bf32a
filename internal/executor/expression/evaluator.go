// Package expression evaluates the restricted condition language used by
// condition blocks and loop continuation checks. Expressions compile to
// expr-lang programs; anything the language rejects surfaces as an error so
// callers can apply their documented fallback (false for conditions,
// iteration < maxIterations for loop continuation).
package expression

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 256

// Evaluator compiles and runs condition expressions with an LRU cache of
// compiled programs keyed by source text.
type Evaluator struct {
	cache *lru.Cache[string, *vm.Program]
}

// NewEvaluator creates an evaluator with the default program cache size.
func NewEvaluator() *Evaluator {
	cache, err := lru.New[string, *vm.Program](defaultCacheSize)
	if err != nil {
		panic(fmt.Sprintf("failed to create expression cache: %v", err))
	}
	return &Evaluator{cache: cache}
}

// BaseEnv returns the constant names every evaluation environment carries.
// The True/False/None spellings let substituted loop tokens and resolver
// output evaluate unchanged.
func BaseEnv() map[string]any {
	return map[string]any{
		"True":  true,
		"False": false,
		"None":  nil,
		"true":  true,
		"false": false,
		"null":  nil,
	}
}

// EvaluateCondition evaluates an expression against the given environment
// and reduces the result with the truthiness rule. env may be nil for pure
// evaluation (literals and constants only).
func (e *Evaluator) EvaluateCondition(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return false, fmt.Errorf("empty expression")
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, fmt.Errorf("failed to compile expression: %w", err)
	}

	merged := BaseEnv()
	for k, v := range env {
		merged[k] = v
	}

	result, err := expr.Run(program, merged)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate expression: %w", err)
	}

	return Truthy(result), nil
}

// Evaluate runs an expression and returns the raw result.
func (e *Evaluator) Evaluate(expression string, env map[string]any) (any, error) {
	if expression == "" {
		return nil, fmt.Errorf("empty expression")
	}

	program, err := e.compile(expression)
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", err)
	}

	merged := BaseEnv()
	for k, v := range env {
		merged[k] = v
	}

	result, err := expr.Run(program, merged)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	return result, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	if program, ok := e.cache.Get(expression); ok {
		return program, nil
	}

	// Compiled without a typed environment so identifiers resolve against
	// whatever map each evaluation passes. str/bool aliases cover the
	// call whitelist alongside the built-in len and int. The guard runs
	// over the parsed tree and rejects everything outside the closed
	// grammar before the program is accepted.
	guard := &grammarGuard{}
	program, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
		expr.Patch(guard),
		expr.Function("str", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("str expects one argument")
			}
			return Stringify(params[0]), nil
		}),
		expr.Function("bool", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("bool expects one argument")
			}
			return Truthy(params[0]), nil
		}),
	)
	if err != nil {
		return nil, err
	}
	if guard.err != nil {
		return nil, guard.err
	}

	e.cache.Add(expression, program)
	return program, nil
}

// Truthy applies the falsy rule used across condition handling: nil, false,
// numeric zero, empty strings and empty collections are false.
func Truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case float32:
		return v != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}

// Stringify renders a value the way str() renders it in conditions.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
