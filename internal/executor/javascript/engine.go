// Package javascript provides the sandboxed script engine behind function
// blocks. Scripts receive a read-only context object and communicate their
// result through the __return__ binding; resource limits bound execution.
package javascript

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
)

// Engine executes scripts in fresh sandboxed runtimes.
type Engine struct {
	limits *Limits
}

// NewEngine creates an engine with the given limits (nil uses defaults).
func NewEngine(limits *Limits) (*Engine, error) {
	if limits == nil {
		limits = DefaultLimits()
	}
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid limits: %w", err)
	}
	return &Engine{limits: limits}, nil
}

// Result holds the outcome of a script execution.
type Result struct {
	// Value is the exported __return__ binding, nil when the script did
	// not assign one.
	Value any

	// Returned reports whether __return__ was assigned.
	Returned bool
}

// Execute runs a script with the given context bindings. Each execution
// uses a fresh runtime so state never leaks between blocks or iterations.
func (e *Engine) Execute(ctx context.Context, script string, bindings map[string]any) (*Result, error) {
	if script == "" {
		return nil, ErrEmptyScript
	}
	if len(script) > e.limits.MaxScriptLength {
		return nil, ErrScriptTooLarge
	}

	vm, err := newRuntime(e.limits)
	if err != nil {
		return nil, err
	}

	for name, value := range bindings {
		if err := vm.Set(name, value); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", name, err)
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.limits.Timeout)
	defer cancel()

	type runResult struct {
		err error
	}
	done := make(chan runResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: fmt.Errorf("script panic: %v", r)}
			}
		}()
		_, err := vm.RunString(script)
		done <- runResult{err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
	case <-execCtx.Done():
		vm.Interrupt("execution timeout")
		<-done
		return nil, ErrTimeout
	}

	returned := vm.Get("__return__")
	if returned == nil || goja.IsUndefined(returned) {
		return &Result{Returned: false}, nil
	}
	return &Result{Value: returned.Export(), Returned: true}, nil
}
