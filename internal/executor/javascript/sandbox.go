package javascript

import (
	"fmt"

	"github.com/dop251/goja"
)

// forbiddenGlobals lists bindings removed from every runtime before user
// code runs. Goja ships no host bindings, so most of these are absent
// already; clearing them guards against accidental exposure if the engine
// ever grows host integration.
var forbiddenGlobals = []string{
	"require",
	"module",
	"exports",
	"process",
	"globalThis",
	"eval",
	"Function",
}

// newRuntime creates a sandboxed goja runtime with limits applied.
func newRuntime(limits *Limits) (*goja.Runtime, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(limits.MaxCallStackSize)

	for _, name := range forbiddenGlobals {
		if err := vm.GlobalObject().Delete(name); err != nil {
			return nil, fmt.Errorf("failed to remove global %s: %w", name, err)
		}
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return nil, fmt.Errorf("failed to shadow global %s: %w", name, err)
		}
	}

	return vm, nil
}
