package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// allowedGlobals is every interpreter global a snippet may see besides the
// environment bindings, print and console. Everything else (eval, Function,
// Proxy, Reflect, typed arrays...) is removed before the snippet runs.
var allowedGlobals = map[string]bool{
	"Math": true, "JSON": true, "Date": true, "RegExp": true,
	"Array": true, "Object": true, "String": true, "Number": true,
	"Boolean": true, "Map": true, "Set": true,

	"globalThis": true, "undefined": true, "NaN": true, "Infinity": true,
	"parseInt": true, "parseFloat": true, "isNaN": true, "isFinite": true,
	"Symbol": true, "Error": true, "TypeError": true, "RangeError": true,
	"SyntaxError": true, "ReferenceError": true,
}

// session is one interpreter instance running one snippet. Both backends
// drive the same session code, which keeps their output identical.
type session struct {
	ctx       context.Context
	rt        *goja.Runtime
	emit      func(string)
	budget    *budget
	protected map[string]bool
	parse     goja.Callable
	stringify goja.Callable

	status   string // One of the Status constants once run returns.
	timedOut atomic.Bool
}

func newSession(ctx context.Context, emit func(string)) (*session, error) {
	rt := goja.New()
	s := &session{
		ctx:       ctx,
		rt:        rt,
		emit:      emit,
		protected: map[string]bool{"print": true, "console": true},
	}

	jsonObj := rt.Get("JSON").ToObject(rt)
	var ok bool
	if s.parse, ok = goja.AssertFunction(jsonObj.Get("parse")); !ok {
		return nil, errors.New("JSON.parse unavailable")
	}
	if s.stringify, ok = goja.AssertFunction(jsonObj.Get("stringify")); !ok {
		return nil, errors.New("JSON.stringify unavailable")
	}

	if err := s.restrictGlobals(); err != nil {
		return nil, err
	}

	print := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		s.emit(strings.Join(parts, " "))
		return goja.Undefined()
	}
	console := rt.NewObject()
	for _, level := range []string{"log", "info", "warn", "error"} {
		_ = console.Set(level, print)
	}
	if err := rt.Set("print", print); err != nil {
		return nil, err
	}
	if err := rt.Set("console", console); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) restrictGlobals() error {
	names, err := s.rt.RunString("Object.getOwnPropertyNames(globalThis)")
	if err != nil {
		return fmt.Errorf("listing globals: %w", err)
	}
	global := s.rt.GlobalObject()
	for _, n := range names.Export().([]any) {
		name, _ := n.(string)
		if allowedGlobals[name] {
			continue
		}
		if err := global.Delete(name); err != nil {
			return fmt.Errorf("removing global %s: %w", name, err)
		}
	}
	return nil
}

// bind exposes vars as globals.
func (s *session) bind(vars map[string]any) error {
	for name, v := range vars {
		val, err := s.toValue(v)
		if err != nil {
			return fmt.Errorf("binding %s: %w", name, err)
		}
		if err := s.rt.Set(name, val); err != nil {
			return fmt.Errorf("binding %s: %w", name, err)
		}
	}
	return nil
}

// run executes code. Captured lines, a runtime fault and the value of a
// trailing bare expression are all reported through emit; s.status records
// how the snippet ended.
func (s *session) run(code string, timeout time.Duration) {
	s.status = StatusOK
	prog, err := goja.Compile("snippet.js", code, true)
	if err != nil {
		s.status = StatusFault
		s.emit("Error: " + faultMessage(err))
		return
	}

	s.budget = startBudget(timeout, func() {
		s.timedOut.Store(true)
		s.interrupt(timeoutMessage(timeout))
	})
	stopWatch := context.AfterFunc(s.ctx, func() { s.interrupt(s.ctx.Err().Error()) })

	val, err := s.rt.RunProgram(prog)

	stopWatch()
	s.budget.stop()
	s.rt.ClearInterrupt()

	if err != nil {
		s.status = StatusFault
		if s.timedOut.Load() {
			s.status = StatusTimeout
		}
		s.emit("Error: " + faultMessage(err))
		return
	}

	// The script's completion value is the trailing expression's value, so
	// it is read instead of evaluating that line a second time.
	if last := lastLine(code); isExpressionLine(last) && compiles(last) {
		if text, ok := s.display(val); ok {
			s.emit(text)
		}
	}
}

func (s *session) interrupt(reason string) {
	s.rt.Interrupt(reason)
}

// bindings returns the JSON encoding of every data-valued global the snippet
// created, filtered by accept.
func (s *session) bindings(accept func(string) bool) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	global := s.rt.GlobalObject()
	for _, name := range global.Keys() {
		if s.protected[name] || (accept != nil && !accept(name)) {
			continue
		}
		v := global.Get(name)
		if v == nil || goja.IsUndefined(v) {
			continue
		}
		if _, isFn := goja.AssertFunction(v); isFn {
			continue
		}
		if raw, ok := s.encode(v); ok {
			out[name] = raw
		}
	}
	return out
}

// wrap turns a host callable into a native function. With suspend set the
// snippet timeout is paused for as long as the host is busy. Otherwise the
// call is charged to the snippet and an expiry during it takes effect as soon
// as control returns to the interpreter.
func (s *session) wrap(fn Func, suspend bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = s.export(a)
		}

		if suspend {
			s.budget.pause()
		}
		res, err := fn(s.ctx, args)
		if suspend {
			s.budget.resume()
		}

		if err != nil {
			panic(s.rt.NewGoError(err))
		}
		val, err := s.toValue(res)
		if err != nil {
			panic(s.rt.NewGoError(err))
		}
		return val
	}
}

func (s *session) toValue(v any) (goja.Value, error) {
	switch x := v.(type) {
	case nil:
		return goja.Null(), nil
	case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		return s.rt.ToValue(x), nil
	case Func:
		return s.rt.ToValue(s.wrap(x, false)), nil
	case Delegate:
		return s.rt.ToValue(s.wrap(Func(x), true)), nil
	case Namespace:
		obj := s.rt.NewObject()
		for name, fn := range x {
			if err := obj.Set(name, s.wrap(fn, false)); err != nil {
				return nil, err
			}
		}
		return obj, nil
	case json.RawMessage:
		return s.decode(x)
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return s.decode(raw)
	}
}

// export converts a snippet value into its JSON-compatible Go form.
func (s *session) export(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	switch x := v.Export().(type) {
	case string, bool, float64:
		return x
	case int64:
		return float64(x)
	}
	raw, ok := s.encode(v)
	if !ok {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func (s *session) encode(v goja.Value) (json.RawMessage, bool) {
	res, err := s.stringify(goja.Undefined(), v)
	if err != nil || res == nil || goja.IsUndefined(res) {
		return nil, false
	}
	return json.RawMessage(res.String()), true
}

func (s *session) decode(raw json.RawMessage) (goja.Value, error) {
	return s.parse(goja.Undefined(), s.rt.ToValue(string(raw)))
}

// display renders a completion value, ignoring undefined and any fault while
// converting it to text.
func (s *session) display(v goja.Value) (text string, ok bool) {
	if v == nil || goja.IsUndefined(v) {
		return "", false
	}
	defer func() {
		if recover() != nil {
			text, ok = "", false
		}
	}()
	return v.String(), true
}

func compiles(line string) bool {
	_, err := goja.Compile("", line, true)
	return err == nil
}

func timeoutMessage(d time.Duration) string {
	return fmt.Sprintf("Script execution timed out after %dms", d.Milliseconds())
}

// faultMessage extracts the message a snippet fault should be reported with.
func faultMessage(err error) string {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		val := exc.Value()
		if obj, ok := val.(*goja.Object); ok {
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
				return msg.String()
			}
		}
		if val != nil {
			return val.String()
		}
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Sprint(interrupted.Value())
	}
	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) {
		return "SyntaxError: " + syntaxErr.Message
	}
	return err.Error()
}
