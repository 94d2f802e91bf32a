package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubContext struct {
	inputs    map[string]any
	variables map[string]any
	outputs   map[string]any
}

func (s *stubContext) Inputs() map[string]any    { return s.inputs }
func (s *stubContext) Variables() map[string]any { return s.variables }
func (s *stubContext) BlockOutput(name string) (any, bool) {
	out, ok := s.outputs[name]
	return out, ok
}

func newStubContext() *stubContext {
	return &stubContext{
		inputs:    map[string]any{"x": float64(5), "user": map[string]any{"name": "ada"}},
		variables: map[string]any{"count": float64(3)},
		outputs: map[string]any{
			"fetch":    map[string]any{"data": []any{float64(10), float64(20)}},
			"my_block": map[string]any{"y": "hello"},
			"RawOnly":  map[string]any{"y": "raw"},
		},
	}
}

func TestResolveSingleReferenceReturnsRawValue(t *testing.T) {
	r := New()
	ctx := newStubContext()

	assert.Equal(t, float64(5), r.Resolve("<start.x>", ctx))
	assert.Equal(t, float64(3), r.Resolve("<variable.count>", ctx))
	assert.Equal(t, "hello", r.Resolve("<my_block.y>", ctx))
	// Normalized lookup misses, raw-name fallback hits.
	assert.Equal(t, "raw", r.Resolve("<RawOnly.y>", ctx))
	// Whitespace around a single reference still counts as whole-string.
	assert.Equal(t, float64(5), r.Resolve("  <start.x>  ", ctx))
}

func TestResolveNestedPaths(t *testing.T) {
	r := New()
	ctx := newStubContext()

	assert.Equal(t, "ada", r.Resolve("<start.user.name>", ctx))
	assert.Equal(t, "ada", r.Resolve(`<start["user"].name>`, ctx))
	assert.Equal(t, "ada", r.Resolve(`<start['user']['name']>`, ctx))
	assert.Equal(t, float64(20), r.Resolve(`<fetch.data["1"]>`, ctx))
}

func TestResolveMissingYieldsNil(t *testing.T) {
	r := New()
	ctx := newStubContext()

	assert.Nil(t, r.Resolve("<nope.field>", ctx))
	assert.Nil(t, r.Resolve("<start.missing.deeper>", ctx))
	assert.Nil(t, r.Resolve(`<fetch.data["9"]>`, ctx))
	assert.Nil(t, r.Resolve("<fetch.data.x>", ctx))
}

func TestResolveEmbeddedStringification(t *testing.T) {
	r := New()
	ctx := &stubContext{
		inputs: map[string]any{
			"n":    float64(3),
			"f":    2.5,
			"flag": true,
			"off":  false,
			"obj":  map[string]any{"a": float64(1)},
			"list": []any{float64(1), float64(2)},
			"s":    "text",
		},
		variables: map[string]any{},
		outputs:   map[string]any{},
	}

	tests := []struct {
		in   string
		want string
	}{
		{"n=<start.n>", "n=3"},
		{"f=<start.f>", "f=2.5"},
		{"flag=<start.flag>", "flag=True"},
		{"off=<start.off>", "off=False"},
		{"missing=<start.nope>", "missing=null"},
		{`obj=<start.obj>`, `obj={"a":1}`},
		{`list=<start.list>`, `list=[1,2]`},
		{"s=<start.s>!", "s=text!"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Resolve(tt.in, ctx), tt.in)
	}
}

func TestResolveWalksStructures(t *testing.T) {
	r := New()
	ctx := newStubContext()

	resolved := r.Resolve(map[string]any{
		"a": "<start.x>",
		"b": []any{"<variable.count>", "plain"},
	}, ctx)

	m, ok := resolved.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, float64(5), m["a"])
	assert.Equal(t, []any{float64(3), "plain"}, m["b"])
}

func TestResolveNonStringPassThrough(t *testing.T) {
	r := New()
	ctx := newStubContext()

	assert.Equal(t, 42, r.Resolve(42, ctx))
	assert.Equal(t, true, r.Resolve(true, ctx))
	assert.Nil(t, r.Resolve(nil, ctx))
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"block.field", []string{"block", "field"}},
		{`block["field"].sub`, []string{"block", "field", "sub"}},
		{`block['a b'].c`, []string{"block", "a b", "c"}},
		{"name", []string{"name"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParsePath(tt.in), tt.in)
	}
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "null", Stringify(nil))
	assert.Equal(t, "True", Stringify(true))
	assert.Equal(t, "False", Stringify(false))
	assert.Equal(t, "3", Stringify(float64(3)))
	assert.Equal(t, "3.25", Stringify(3.25))
	assert.Equal(t, "text", Stringify("text"))
	assert.Equal(t, `{"k":"v"}`, Stringify(map[string]any{"k": "v"}))
}
