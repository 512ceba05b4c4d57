package sandbox

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvironment_SeededNamesAreFixed(t *testing.T) {
	env := NewEnvironment(map[string]any{"context": "c", "query": "q"})
	env.absorb(map[string]any{"context": "other", "result": "r"})

	v, _ := env.Lookup("context")
	assert.Equal(t, "c", v)
	v, _ = env.Lookup("result")
	assert.Equal(t, "r", v)
	assert.Equal(t, []string{"context", "query", "result"}, env.Names())
	assert.Equal(t, []string{"context", "query"}, env.seededNames())
}

func TestEnvironment_Outputs(t *testing.T) {
	env := NewEnvironment(nil)
	assert.Nil(t, env.Outputs())

	env.RestrictOutputs("b", "a")
	assert.Equal(t, []string{"a", "b"}, env.Outputs())

	env.absorb(map[string]any{"a": 1.0, "c": 2.0})
	_, ok := env.Lookup("a")
	assert.True(t, ok)
	_, ok = env.Lookup("c")
	assert.False(t, ok)
}

func TestEnvironment_SnapshotIsCopy(t *testing.T) {
	env := NewEnvironment(map[string]any{"a": 1})
	snap := env.Snapshot()
	snap["b"] = 2
	_, ok := env.Lookup("b")
	assert.False(t, ok)
}

func TestStringify(t *testing.T) {
	fn := Func(func(context.Context, []any) (any, error) { return nil, nil })
	tests := []struct {
		in   any
		want string
	}{
		{nil, "null"},
		{"text", "text"},
		{true, "true"},
		{float64(42), "42"},
		{3.5, "3.5"},
		{-0.25, "-0.25"},
		{1e21, "1e+21"},
		{math.NaN(), "NaN"},
		{math.Inf(1), "Infinity"},
		{math.Inf(-1), "-Infinity"},
		{7, "7"},
		{[]any{1.0, "a", nil, true}, "1,a,,true"},
		{[]string{"x", "y"}, "x,y"},
		{map[string]any{"a": 1.0}, "[object Object]"},
		{fn, "function () { [native code] }"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Stringify(tt.in))
	}
}

func TestStringify_NumberNotation(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0.000001, "0.000001"},
		{0.0000015, "0.0000015"},
		{1e-7, "1e-7"},
		{-2.5e-8, "-2.5e-8"},
		{0.1, "0.1"},
		{123.456, "123.456"},
		{1e20, "100000000000000000000"},
		{123456789012345680000, "123456789012345680000"},
		{1.5e21, "1.5e+21"},
		{math.Copysign(0, -1), "0"},
		{math.MaxFloat64, "1.7976931348623157e+308"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Stringify(tt.in), "%v", tt.in)
	}
	delegate := Delegate(func(context.Context, []any) (any, error) { return nil, nil })
	assert.Equal(t, "function () { [native code] }", Stringify(delegate))
}
