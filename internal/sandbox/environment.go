package sandbox

import (
	"context"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Func is a host callable exposed to snippets. Arguments arrive normalized to
// JSON-compatible values: nil, bool, float64, string, []any or
// map[string]any. The return value is converted the same way on the way back.
type Func func(ctx context.Context, args []any) (any, error)

// Delegate is a host callable that hands control to another run, such as a
// recursive model call. The snippet timeout is suspended while it executes;
// time spent in a plain Func counts against the snippet.
type Delegate func(ctx context.Context, args []any) (any, error)

// Namespace groups host callables under one name, e.g. re.findAll.
type Namespace map[string]Func

// Environment is the set of named values a snippet runs against. Seeded names
// are visible to every snippet; bindings a snippet creates on the global
// object are synchronized back after it runs so later snippets and
// FINAL_VAR lookups can see them.
//
// An Environment is safe for concurrent use, but one run owns it.
type Environment struct {
	mu      sync.RWMutex
	vars    map[string]any
	seeded  map[string]bool
	outputs map[string]bool // nil = accept every new binding
}

// NewEnvironment creates an Environment seeded with vars. Seeded names are
// never overwritten by snippet bindings.
func NewEnvironment(vars map[string]any) *Environment {
	e := &Environment{
		vars:   make(map[string]any, len(vars)),
		seeded: make(map[string]bool, len(vars)),
	}
	for k, v := range vars {
		e.vars[k] = v
		e.seeded[k] = true
	}
	return e
}

// RestrictOutputs limits synchronization to the named bindings. Without a
// call every binding a snippet creates is kept.
func (e *Environment) RestrictOutputs(names ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outputs = make(map[string]bool, len(names))
	for _, n := range names {
		e.outputs[n] = true
	}
}

// Set binds name to v.
func (e *Environment) Set(name string, v any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vars[name] = v
}

// Lookup returns the value bound to name.
func (e *Environment) Lookup(name string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.vars[name]
	return v, ok
}

// Names returns the bound names in sorted order.
func (e *Environment) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.vars))
}

// Snapshot returns a shallow copy of the bindings.
func (e *Environment) Snapshot() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return maps.Clone(e.vars)
}

// Outputs returns the registered output names, or nil when unrestricted.
func (e *Environment) Outputs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.outputs == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(e.outputs))
}

// accepts reports whether a snippet binding named name may be written back.
func (e *Environment) accepts(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.seeded[name] {
		return false
	}
	return e.outputs == nil || e.outputs[name]
}

func (e *Environment) seededNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.seeded))
}

// absorb writes snippet bindings back into the environment.
func (e *Environment) absorb(bindings map[string]any) {
	for name, v := range bindings {
		if e.accepts(name) {
			e.Set(name, v)
		}
	}
}

// Stringify renders a bound value the way String(value) would inside a
// snippet.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return formatNumber(x)
	case float32:
		return formatNumber(float64(x))
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case []string:
		return strings.Join(x, ",")
	case []any:
		parts := make([]string, len(x))
		for i, el := range x {
			if el != nil {
				parts[i] = Stringify(el)
			}
		}
		return strings.Join(parts, ",")
	case Func, Delegate:
		return "function () { [native code] }"
	case map[string]any, Namespace:
		return "[object Object]"
	default:
		return "[object Object]"
	}
}

// formatNumber follows Number.prototype.toString: plain notation for decimal
// exponents from -7 to 21, exponent notation outside it.
func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	case f < 0:
		return "-" + formatNumber(-f)
	}

	mantissa, exp, _ := strings.Cut(strconv.FormatFloat(f, 'e', -1, 64), "e")
	digits := strings.Replace(mantissa, ".", "", 1)
	e, _ := strconv.Atoi(exp)
	k, n := len(digits), e+1

	switch {
	case k <= n && n <= 21:
		return digits + strings.Repeat("0", n-k)
	case 0 < n && n <= 21:
		return digits[:n] + "." + digits[n:]
	case -6 < n && n <= 0:
		return "0." + strings.Repeat("0", -n) + digits
	}

	sign := "+"
	if e < 0 {
		sign, e = "-", -e
	}
	if k == 1 {
		return digits + "e" + sign + strconv.Itoa(e)
	}
	return digits[:1] + "." + digits[1:] + "e" + sign + strconv.Itoa(e)
}
