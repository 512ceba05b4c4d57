package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func backends() map[string]Backend {
	return map[string]Backend{
		BackendInProcess: NewInProcessBackend(),
		BackendIsolated:  NewProcessBackend(ProcessConfig{}, discardLogger()),
	}
}

func newExecutor(b Backend, limits Limits) *Executor {
	return NewWithBackend(b, limits, discardLogger())
}

func TestExecute_Output(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{"print lines", "print('a')\nprint('b')", "a\nb"},
		{"console joins args", "console.log(1, 'a', null, true)", "1 a null true"},
		{"console levels", "console.info('i'); console.warn('w'); console.error('e')", "i\nw\ne"},
		{"no output", "const x = 1", NoOutputMessage},
		{"last expression", "const x = 2\nx * 21", "42"},
		{"output then expression", "print('first')\n'second'", "first\nsecond"},
		{"undefined expression", "print('only')\nundefined", "only"},
		{"assignment is not shown", "var y = 3\ny = 4", NoOutputMessage},
		{"compound assignment is not shown", "var z = 3\nz += 4", NoOutputMessage},
		{"comparison is shown", "const w = 2\nw === 2", "true"},
		{"trailing comment line", "1 + 1\n// done", NoOutputMessage},
		{"trailing block comment", "1 + 1\n/* done */", NoOutputMessage},
		{"expression with comment", "2 + 2 // four", "4"},
		{"comment marker inside string", "'a // b'", "a // b"},
		{"thrown error", "throw new Error('boom')", "Error: boom"},
		{"reference error", "missingName", "Error: missingName is not defined"},
		{"output kept before fault", "print('before')\nthrow new Error('after')", "before\nError: after"},
		{"fenced block", "Let me look.\n```javascript\nprint('hi')\n```\nthen more", "hi"},
		{"objects stringify", "print({a: 1})\nprint([1, 2, 3])", "[object Object]\n1,2,3"},
		{"eval removed", "typeof eval", "undefined"},
		{"Function removed", "typeof Function", "undefined"},
		{"allowed globals", "[typeof Math, typeof JSON, typeof Map, typeof Set].join(' ')", "object object function function"},
	}

	for name, b := range backends() {
		t.Run(name, func(t *testing.T) {
			ex := newExecutor(b, Limits{Timeout: 2 * time.Second})
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					got := ex.Execute(context.Background(), tt.code, NewEnvironment(nil))
					assert.Equal(t, tt.want, got)
				})
			}
		})
	}
}

func TestExecute_NoCode(t *testing.T) {
	ex := newExecutor(NewInProcessBackend(), Limits{})
	assert.Equal(t, NoCodeMessage, ex.Execute(context.Background(), "   \n ", nil))
	assert.Equal(t, NoCodeMessage, ex.Execute(context.Background(), "```js\n\n```", nil))
}

func TestExecute_Timeout(t *testing.T) {
	for name, b := range backends() {
		t.Run(name, func(t *testing.T) {
			ex := newExecutor(b, Limits{Timeout: 50 * time.Millisecond})
			got := ex.Execute(context.Background(), "print('start')\nwhile (true) {}", NewEnvironment(nil))
			assert.Equal(t, "start\nError: Script execution timed out after 50ms", got)
		})
	}
}

func TestExecute_Truncation(t *testing.T) {
	for name, b := range backends() {
		t.Run(name, func(t *testing.T) {
			ex := newExecutor(b, Limits{Timeout: time.Second, MaxOutputChars: 10})
			got := ex.Execute(context.Background(), "print('x'.repeat(100))", NewEnvironment(nil))
			assert.Equal(t, strings.Repeat("x", 10)+"\n\n[Output truncated: 100 chars total, showing first 10]", got)
		})
	}
}

func TestExecute_BindingsSyncBack(t *testing.T) {
	for name, b := range backends() {
		t.Run(name, func(t *testing.T) {
			ex := newExecutor(b, Limits{Timeout: time.Second})
			env := NewEnvironment(map[string]any{"context": "the context"})

			got := ex.Execute(context.Background(), "globalThis.result = {count: context.length}\nglobalThis.context = 'clobbered'", env)
			assert.Equal(t, NoOutputMessage, got)

			result, ok := env.Lookup("result")
			require.True(t, ok)
			assert.Equal(t, map[string]any{"count": float64(11)}, result)

			ctxVal, _ := env.Lookup("context")
			assert.Equal(t, "the context", ctxVal)

			// Bindings persist into the next snippet.
			got = ex.Execute(context.Background(), "print(result.count + 1)", env)
			assert.Equal(t, "12", got)
		})
	}
}

func TestExecute_BindingsSyncedAfterFault(t *testing.T) {
	for name, b := range backends() {
		t.Run(name, func(t *testing.T) {
			ex := newExecutor(b, Limits{Timeout: time.Second})
			env := NewEnvironment(nil)

			got := ex.Execute(context.Background(), "globalThis.partial = 'kept'\nthrow new Error('late')", env)
			assert.Equal(t, "Error: late", got)

			v, ok := env.Lookup("partial")
			require.True(t, ok)
			assert.Equal(t, "kept", v)
		})
	}
}

func TestExecute_RestrictedOutputs(t *testing.T) {
	for name, b := range backends() {
		t.Run(name, func(t *testing.T) {
			ex := newExecutor(b, Limits{Timeout: time.Second})
			env := NewEnvironment(nil)
			env.RestrictOutputs("answer")

			ex.Execute(context.Background(), "globalThis.answer = 1; globalThis.scratch = 2", env)

			_, ok := env.Lookup("answer")
			assert.True(t, ok)
			_, ok = env.Lookup("scratch")
			assert.False(t, ok)
		})
	}
}

func TestExecute_HostCallables(t *testing.T) {
	double := Func(func(_ context.Context, args []any) (any, error) {
		n, _ := args[0].(float64)
		return n * 2, nil
	})
	fail := Func(func(context.Context, []any) (any, error) {
		return nil, errors.New("nope")
	})
	tools := Namespace{
		"upper": func(_ context.Context, args []any) (any, error) {
			s, _ := args[0].(string)
			return strings.ToUpper(s), nil
		},
		"pair": func(_ context.Context, args []any) (any, error) {
			return []string{"a", "b"}, nil
		},
	}

	for name, b := range backends() {
		t.Run(name, func(t *testing.T) {
			ex := newExecutor(b, Limits{Timeout: time.Second})
			env := NewEnvironment(map[string]any{"double": double, "fail": fail, "tools": tools})

			assert.Equal(t, "42", ex.Execute(context.Background(), "print(double(21))", env))
			assert.Equal(t, "HI", ex.Execute(context.Background(), "tools.upper('hi')", env))
			assert.Equal(t, "2", ex.Execute(context.Background(), "tools.pair().length", env))
			assert.Equal(t, "Error: nope", ex.Execute(context.Background(), "fail()", env))
			assert.Equal(t, "caught nope", ex.Execute(context.Background(), "try { fail() } catch (e) { print('caught ' + e.message) }", env))
		})
	}
}

func TestExecute_DelegateTimeNotCounted(t *testing.T) {
	slow := Delegate(func(ctx context.Context, _ []any) (any, error) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return "done", nil
	})

	for name, b := range backends() {
		t.Run(name, func(t *testing.T) {
			ex := newExecutor(b, Limits{Timeout: 100 * time.Millisecond})
			env := NewEnvironment(map[string]any{"slow": slow})
			assert.Equal(t, "done", ex.Execute(context.Background(), "print(slow())", env))
		})
	}
}

func TestExecute_PlainCallablesCountAgainstTimeout(t *testing.T) {
	scan := func(context.Context, []any) (any, error) {
		time.Sleep(60 * time.Millisecond)
		return []any{}, nil
	}
	code := "for (let i = 0; i < 10; i++) { try { re.findAll() } catch (e) {} }\nprint('finished')"

	for name, b := range backends() {
		t.Run(name, func(t *testing.T) {
			ex := newExecutor(b, Limits{Timeout: 100 * time.Millisecond})
			env := NewEnvironment(map[string]any{"re": Namespace{"findAll": scan}})

			res := ex.Run(context.Background(), code, env)
			assert.Equal(t, "Error: Script execution timed out after 100ms", res.Output)
			assert.Equal(t, StatusTimeout, res.Status)
		})
	}
}

func TestIsolated_HostDeadlineCoversPlainCallables(t *testing.T) {
	stuck := Func(func(ctx context.Context, _ []any) (any, error) {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return "late", nil
	})

	ex := newExecutor(NewProcessBackend(ProcessConfig{}, discardLogger()), Limits{Timeout: 100 * time.Millisecond})
	env := NewEnvironment(map[string]any{"stuck": stuck})

	start := time.Now()
	res := ex.Run(context.Background(), "print(stuck())", env)
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Equal(t, "Error: Script execution timed out after 100ms", res.Output)
	assert.Equal(t, StatusTimeout, res.Status)
}

func TestRun_Status(t *testing.T) {
	tests := []struct {
		name   string
		code   string
		status string
	}{
		{"ok", "1 + 1", StatusOK},
		{"no output is ok", "const x = 1", StatusOK},
		{"timeout text printed by the snippet", "print('Error: Script execution timed out after 5ms')", StatusOK},
		{"thrown error", "throw new Error('boom')", StatusFault},
		{"syntax error", "let = ;", StatusFault},
		{"timeout", "while (true) {}", StatusTimeout},
		{"no code", "  ", StatusNoCode},
	}

	for name, b := range backends() {
		t.Run(name, func(t *testing.T) {
			ex := newExecutor(b, Limits{Timeout: 100 * time.Millisecond})
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					assert.Equal(t, tt.status, ex.Run(context.Background(), tt.code, NewEnvironment(nil)).Status)
				})
			}
		})
	}
}

func TestExecute_SideEffectsRunOnce(t *testing.T) {
	calls := 0
	count := Func(func(context.Context, []any) (any, error) {
		calls++
		return float64(calls), nil
	})

	ex := newExecutor(NewInProcessBackend(), Limits{Timeout: time.Second})
	env := NewEnvironment(map[string]any{"count": count})

	assert.Equal(t, "1", ex.Execute(context.Background(), "count()", env))
	assert.Equal(t, 1, calls)
}

func TestExecute_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ex := newExecutor(NewInProcessBackend(), Limits{Timeout: 5 * time.Second})
	got := ex.Execute(ctx, "while (true) {}", nil)
	assert.Equal(t, "Error: "+context.DeadlineExceeded.Error(), got)
}

func TestIsolated_MemoryLimit(t *testing.T) {
	ex := newExecutor(NewProcessBackend(ProcessConfig{}, discardLogger()), Limits{Timeout: 10 * time.Second, MemoryLimitMB: 16})
	got := ex.Execute(context.Background(), "const parts = []\nwhile (true) { parts.push('x'.repeat(1024) + parts.length) }", nil)
	assert.True(t, strings.HasPrefix(got, "Error: "), got)
}

func TestNew_Backends(t *testing.T) {
	ex, err := New(Config{Backend: BackendInProcess}, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, BackendInProcess, ex.BackendName())
	assert.Equal(t, DefaultTimeout, ex.Limits().Timeout)
	assert.Equal(t, DefaultMaxOutputChars, ex.Limits().MaxOutputChars)
	assert.Equal(t, DefaultMemoryLimitMB, ex.Limits().MemoryLimitMB)

	ex, err = New(Config{MemoryLimitMB: 2}, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, BackendIsolated, ex.BackendName())
	assert.Equal(t, minMemoryLimitMB, ex.Limits().MemoryLimitMB)

	_, err = New(Config{Backend: "docker"}, discardLogger())
	assert.Error(t, err)
}

type unavailableBackend struct{}

func (unavailableBackend) Name() string { return BackendIsolated }

func (unavailableBackend) Run(context.Context, string, *Environment, Limits) (*Outcome, error) {
	return nil, ErrWorkerUnavailable
}

func TestExecute_FallsBackWhenWorkerUnavailable(t *testing.T) {
	ex := newExecutor(unavailableBackend{}, Limits{})
	ex.fallback = NewInProcessBackend()
	assert.Equal(t, BackendInProcess, ex.FallbackName())
	assert.Equal(t, "2", ex.Execute(context.Background(), "1 + 1", nil))
	assert.True(t, ex.FallbackActive())

	ex.fallback = nil
	assert.Empty(t, ex.FallbackName())
	res := ex.Run(context.Background(), "1 + 1", nil)
	assert.Equal(t, "Error: "+ErrWorkerUnavailable.Error(), res.Output)
	assert.Equal(t, StatusFault, res.Status)
	assert.False(t, ex.FallbackActive())
}

func TestExecute_WorkerExitReported(t *testing.T) {
	ex, err := New(Config{WorkerCommand: []string{"/nonexistent/rlm-worker"}}, discardLogger())
	require.NoError(t, err)

	// /bin/sh starts but cannot exec the worker, so the failure surfaces
	// after launch instead of triggering the fallback.
	got := ex.Execute(context.Background(), "1 + 1", nil)
	assert.True(t, strings.HasPrefix(got, "Error: sandbox worker exited"), got)
}

func TestCheck(t *testing.T) {
	for name, b := range backends() {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, newExecutor(b, Limits{}).Check(context.Background()))
		})
	}
}
