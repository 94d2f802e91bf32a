// Package resolver expands <block.field> reference tokens against a
// workflow execution context. A string that is exactly one reference
// resolves to the raw value; references embedded in longer strings are
// replaced by a stringified rendering.
package resolver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/flowrun/flowrun/internal/workflow"
)

// referencePattern matches <name>, <name.field>, <name["field"]> and any
// chain of dot/bracket segments after the leading name.
var referencePattern = regexp.MustCompile(
	`<([a-zA-Z_][a-zA-Z0-9_]*` +
		`(?:` +
		`\.[a-zA-Z_][a-zA-Z0-9_]*` +
		`|` +
		`\[["'][^"']+["']\]` +
		`)*` +
		`)>`,
)

// Context is the read surface the resolver needs from an execution context.
type Context interface {
	// Inputs returns the caller-provided workflow inputs (the "start" root).
	Inputs() map[string]any
	// Variables returns the mutable workflow variables (the "variable" root).
	Variables() map[string]any
	// BlockOutput looks up a stored block output by exact key.
	BlockOutput(name string) (any, bool)
}

// Resolver expands references inside strings and structured values.
type Resolver struct{}

// New creates a Resolver.
func New() *Resolver {
	return &Resolver{}
}

// Resolve walks a value, resolving references in every leaf string.
// Mappings and sequences are rebuilt; other values pass through unchanged.
func (r *Resolver) Resolve(value any, ctx Context) any {
	switch v := value.(type) {
	case string:
		return r.resolveString(v, ctx)
	case map[string]any:
		result := make(map[string]any, len(v))
		for k, item := range v {
			result[k] = r.Resolve(item, ctx)
		}
		return result
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = r.Resolve(item, ctx)
		}
		return result
	default:
		return value
	}
}

func (r *Resolver) resolveString(value string, ctx Context) any {
	trimmed := strings.TrimSpace(value)
	if match := referencePattern.FindStringSubmatch(trimmed); match != nil && match[0] == trimmed {
		// Whole string is a single reference: return the raw value, nil
		// included, so handlers see the real shape.
		return r.Lookup(match[1], ctx)
	}

	return referencePattern.ReplaceAllStringFunc(value, func(token string) string {
		path := token[1 : len(token)-1]
		return Stringify(r.Lookup(path, ctx))
	})
}

// Stringify renders a resolved value for embedding inside a longer string.
// nil becomes "null" and booleans use the True/False literal spelling so
// substituted text keeps evaluating in conditions and scripts.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case bool:
		if v {
			return "True"
		}
		return "False"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case map[string]any, []any:
		if encoded, err := json.Marshal(v); err == nil {
			return string(encoded)
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Lookup resolves a dotted/bracketed path against the context. The first
// segment selects the root: "start" for inputs, "variable" for workflow
// variables, anything else a stored block output (normalized name first,
// raw name as fallback). Traversal through a missing value yields nil.
func (r *Resolver) Lookup(path string, ctx Context) any {
	parts := ParsePath(path)
	if len(parts) == 0 {
		return nil
	}

	var current any
	switch parts[0] {
	case "start":
		current = mapAsAny(ctx.Inputs())
	case "variable":
		current = mapAsAny(ctx.Variables())
	default:
		if out, ok := ctx.BlockOutput(workflow.NormalizeName(parts[0])); ok {
			current = out
		} else if out, ok := ctx.BlockOutput(parts[0]); ok {
			current = out
		}
	}
	parts = parts[1:]

	for _, part := range parts {
		if current == nil {
			return nil
		}
		switch v := current.(type) {
		case map[string]any:
			current = v[part]
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil
			}
			current = v[idx]
		default:
			return nil
		}
	}

	return current
}

// ParsePath splits a reference path like `block["field"].sub` into its
// segments: ["block", "field", "sub"].
func ParsePath(path string) []string {
	var parts []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			parts = append(parts, current.String())
			current.Reset()
		}
	}

	for i := 0; i < len(path); {
		switch path[i] {
		case '.':
			flush()
			i++
		case '[':
			flush()
			i++
			if i < len(path) && (path[i] == '"' || path[i] == '\'') {
				quote := path[i]
				i++
				var key strings.Builder
				for i < len(path) && path[i] != quote {
					key.WriteByte(path[i])
					i++
				}
				parts = append(parts, key.String())
				i++ // closing quote
				if i < len(path) && path[i] == ']' {
					i++
				}
			}
		default:
			current.WriteByte(path[i])
			i++
		}
	}
	flush()

	return parts
}

func mapAsAny(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
