package expression

import (
	"fmt"

	"github.com/expr-lang/expr/ast"
)

// The condition language is a closed subset of what the underlying
// library can parse: literals, names, subscript and attribute access,
// comparisons, boolean operators, additive arithmetic, list and dict
// literals, and calls to len/str/int/bool. Everything else the library
// understands (pipes, ternaries, ranges, slices, closures, regex
// matching, the extended builtin set) is rejected at compile time so a
// workflow document cannot reach it.

// allowedBinaryOps lists the permitted binary operators. The word and
// symbol spellings of the boolean operators are the same operation.
var allowedBinaryOps = map[string]bool{
	"==":     true,
	"!=":     true,
	"<":      true,
	"<=":     true,
	">":      true,
	">=":     true,
	"in":     true,
	"not in": true,
	"+":      true,
	"-":      true,
	"and":    true,
	"or":     true,
	"&&":     true,
	"||":     true,
}

// allowedUnaryOps lists the permitted unary operators.
var allowedUnaryOps = map[string]bool{
	"not": true,
	"!":   true,
	"-":   true,
	"+":   true,
}

// allowedCalls is the call whitelist. len and int are library builtins;
// str and bool are registered by the evaluator.
var allowedCalls = map[string]bool{
	"len":  true,
	"str":  true,
	"int":  true,
	"bool": true,
}

// grammarGuard walks the parsed tree and records the first node,
// operator or call outside the closed grammar. A recorded error fails
// the compile, so condition-style callers fall back exactly as they do
// for a parse error.
type grammarGuard struct {
	err error
}

// Visit implements ast.Visitor.
func (g *grammarGuard) Visit(node *ast.Node) {
	if g.err != nil {
		return
	}

	switch n := (*node).(type) {
	case *ast.NilNode,
		*ast.IntegerNode,
		*ast.FloatNode,
		*ast.BoolNode,
		*ast.StringNode,
		*ast.ConstantNode,
		*ast.IdentifierNode,
		*ast.MemberNode,
		*ast.ArrayNode,
		*ast.MapNode,
		*ast.PairNode:
		// Literals, names, subscript/attribute access and collection
		// literals.
	case *ast.UnaryNode:
		if !allowedUnaryOps[n.Operator] {
			g.err = fmt.Errorf("unary operator %q is not allowed", n.Operator)
		}
	case *ast.BinaryNode:
		if !allowedBinaryOps[n.Operator] {
			g.err = fmt.Errorf("operator %q is not allowed", n.Operator)
		}
	case *ast.CallNode:
		ident, ok := n.Callee.(*ast.IdentifierNode)
		if !ok {
			g.err = fmt.Errorf("only len, str, int and bool may be called")
		} else if !allowedCalls[ident.Value] {
			g.err = fmt.Errorf("call to %q is not allowed", ident.Value)
		}
	case *ast.BuiltinNode:
		if !allowedCalls[n.Name] {
			g.err = fmt.Errorf("call to %q is not allowed", n.Name)
		}
	default:
		g.err = fmt.Errorf("expression element %T is not allowed", n)
	}
}
