package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jkaninda/rlm/internal/sandbox"
)

func TestExtractFinal(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"double quoted", `FINAL("x")`, "x"},
		{"single quoted", `FINAL('x')`, "x"},
		{"triple double", `FINAL("""x""")`, "x"},
		{"triple single", `FINAL('''x''')`, "x"},
		{"inner whitespace", "FINAL(  \"  spaced out \n \" )", "spaced out"},
		{"multiline triple", "FINAL(\"\"\"line one\nline two\"\"\")", "line one\nline two"},
		{"surrounding text", "I found it.\nFINAL(\"Paris\")\nDone.", "Paris"},
		{"space before paren", `FINAL ("x")`, "x"},
		{"non-greedy", `FINAL("a") and FINAL("b")`, "a"},
		{"empty answer", `FINAL("")`, ""},
		{"triple preferred over single", `FINAL('''it's''')`, "it's"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractFinal(tt.in)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := ExtractFinal("FINAL(answer)")
	assert.False(t, ok)
	_, ok = ExtractFinal("no marker here")
	assert.False(t, ok)
}

func TestExtractFinalVar(t *testing.T) {
	env := sandbox.NewEnvironment(map[string]any{"query": "q"})
	env.Set("result", "value")
	env.Set("count", float64(3))
	env.Set("list", []any{"a", "b"})
	env.Set("empty", nil)

	tests := []struct {
		in, want string
	}{
		{"FINAL_VAR(result)", "value"},
		{"FINAL_VAR( count )", "3"},
		{"FINAL_VAR(list)", "a,b"},
		{"FINAL_VAR(empty)", "null"},
		{"FINAL_VAR(query)", "q"},
	}
	for _, tt := range tests {
		got, ok := ExtractFinalVar(tt.in, env)
		assert.True(t, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, ok := ExtractFinalVar("FINAL_VAR(missing)", env)
	assert.False(t, ok)
	_, ok = ExtractFinalVar("FINAL_VAR(result)", nil)
	assert.False(t, ok)
}

func TestIsFinal(t *testing.T) {
	assert.True(t, IsFinal("FINAL('x')"))
	assert.True(t, IsFinal("FINAL_VAR(x)"))
	assert.True(t, IsFinal("print(1)\nFINAL(oops"))
	assert.False(t, IsFinal("FINAL ('x')"))
	assert.False(t, IsFinal("print(context.length)"))
}

func TestParse(t *testing.T) {
	env := sandbox.NewEnvironment(nil)
	env.Set("result", "from var")

	got, ok := Parse("FINAL('ok')", env)
	assert.True(t, ok)
	assert.Equal(t, "ok", got)

	got, ok = Parse("FINAL_VAR(result)", env)
	assert.True(t, ok)
	assert.Equal(t, "from var", got)

	// A literal answer wins over a variable reference.
	got, ok = Parse("FINAL_VAR(result)\nFINAL(\"literal\")", env)
	assert.True(t, ok)
	assert.Equal(t, "literal", got)

	_, ok = Parse("FINAL_VAR(nothing)", env)
	assert.False(t, ok)
}
