// Package sandbox runs model-written JavaScript snippets against a named
// environment and reports what they printed.
//
// Two backends share one interpreter core:
//   - inprocess runs the snippet on an interpreter inside the host process.
//     Cheap, but a runaway allocation affects the host.
//   - isolated re-executes the current binary as a short-lived worker
//     process with CPU and memory limits, a process group and a sanitized
//     environment. Host callables are proxied over the worker's stdio.
//
// Both produce textually identical output for the same snippet.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

const (
	DefaultTimeout        = time.Second
	DefaultMaxOutputChars = 2000
	DefaultMemoryLimitMB  = 128

	minMemoryLimitMB = 8

	BackendAuto      = "auto"
	BackendIsolated  = "isolated"
	BackendInProcess = "inprocess"
)

// Snippet statuses reported in Outcome and Result.
const (
	StatusOK      = "ok"
	StatusFault   = "fault"   // Compile or runtime error, or a failed worker.
	StatusTimeout = "timeout" // The snippet timeout fired.
	StatusNoCode  = "no_code" // The response held no code block.
)

// ErrWorkerUnavailable is returned by the isolated backend when a worker
// process cannot be started at all.
var ErrWorkerUnavailable = errors.New("sandbox worker unavailable")

// Config configures an Executor. Zero or negative values select defaults.
type Config struct {
	Timeout        time.Duration
	MaxOutputChars int
	MemoryLimitMB  int
	Backend        string   // "auto" (default), "isolated" or "inprocess".
	WorkerCommand  []string // Isolated worker argv. Empty = the current executable.
}

// Limits bound a single snippet execution.
type Limits struct {
	Timeout        time.Duration
	MaxOutputChars int
	MemoryLimitMB  int
}

// Outcome is what a backend reports for one snippet.
type Outcome struct {
	Text     string         // Captured output, possibly cut at the capture limit.
	Total    int            // Character count of the complete output.
	Status   string         // One of the Status constants.
	Bindings map[string]any // New or changed snippet bindings.
}

// Result is the shaped output of one Executor run.
type Result struct {
	Output string // Text shown to the model.
	Status string // One of the Status constants.
}

// Backend executes extracted code.
type Backend interface {
	Name() string
	Run(ctx context.Context, code string, env *Environment, limits Limits) (*Outcome, error)
}

// Executor extracts code from model responses, runs it on a backend and
// shapes the result into the text fed back to the model.
type Executor struct {
	limits   Limits
	backend  Backend
	fallback Backend
	logger   *slog.Logger

	fellBack atomic.Bool // The last run used the fallback backend.
}

// New creates an Executor.
func New(cfg Config, logger *slog.Logger) (*Executor, error) {
	limits := Limits{
		Timeout:        cfg.Timeout,
		MaxOutputChars: cfg.MaxOutputChars,
		MemoryLimitMB:  cfg.MemoryLimitMB,
	}
	if limits.Timeout <= 0 {
		limits.Timeout = DefaultTimeout
	}
	if limits.Timeout < time.Millisecond {
		limits.Timeout = time.Millisecond
	}
	if limits.MaxOutputChars <= 0 {
		limits.MaxOutputChars = DefaultMaxOutputChars
	}
	if limits.MemoryLimitMB <= 0 {
		limits.MemoryLimitMB = DefaultMemoryLimitMB
	}
	if limits.MemoryLimitMB < minMemoryLimitMB {
		limits.MemoryLimitMB = minMemoryLimitMB
	}

	e := &Executor{limits: limits, logger: logger}
	inproc := NewInProcessBackend()

	switch strings.ToLower(cfg.Backend) {
	case "", BackendAuto:
		e.backend = NewProcessBackend(ProcessConfig{Command: cfg.WorkerCommand}, logger)
		e.fallback = inproc
	case BackendIsolated:
		e.backend = NewProcessBackend(ProcessConfig{Command: cfg.WorkerCommand}, logger)
	case BackendInProcess:
		e.backend = inproc
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Backend)
	}
	return e, nil
}

// NewWithBackend creates an Executor on an explicit backend.
func NewWithBackend(b Backend, limits Limits, logger *slog.Logger) *Executor {
	if limits.Timeout <= 0 {
		limits.Timeout = DefaultTimeout
	}
	if limits.MaxOutputChars <= 0 {
		limits.MaxOutputChars = DefaultMaxOutputChars
	}
	if limits.MemoryLimitMB <= 0 {
		limits.MemoryLimitMB = DefaultMemoryLimitMB
	}
	return &Executor{limits: limits, backend: b, logger: logger}
}

// BackendName reports the primary backend in use.
func (e *Executor) BackendName() string { return e.backend.Name() }

// FallbackName reports the backend used when the primary one cannot start,
// or "" when there is none.
func (e *Executor) FallbackName() string {
	if e.fallback == nil {
		return ""
	}
	return e.fallback.Name()
}

// FallbackActive reports whether the most recent run had to use the
// fallback backend.
func (e *Executor) FallbackActive() bool { return e.fellBack.Load() }

// Limits returns the effective limits.
func (e *Executor) Limits() Limits { return e.limits }

// Execute runs the code found in raw against env and returns the text to
// show the model. It never fails: faults, timeouts and limit violations are
// reported inside the returned text.
func (e *Executor) Execute(ctx context.Context, raw string, env *Environment) string {
	return e.Run(ctx, raw, env).Output
}

// Run is Execute with the snippet status alongside the output.
func (e *Executor) Run(ctx context.Context, raw string, env *Environment) Result {
	code := ExtractCode(raw)
	if code == "" {
		return Result{Output: NoCodeMessage, Status: StatusNoCode}
	}
	if env == nil {
		env = NewEnvironment(nil)
	}

	out, err := e.backend.Run(ctx, code, env, e.limits)
	fellBack := false
	if errors.Is(err, ErrWorkerUnavailable) && e.fallback != nil {
		e.logger.WarnContext(ctx, "isolated sandbox unavailable, running in-process",
			slog.String("error", err.Error()),
		)
		fellBack = true
		out, err = e.fallback.Run(ctx, code, env, e.limits)
	}
	e.fellBack.Store(fellBack)
	if err != nil {
		return Result{Output: "Error: " + err.Error(), Status: StatusFault}
	}

	env.absorb(out.Bindings)
	status := out.Status
	if status == "" {
		status = StatusOK
	}
	return Result{
		Output: shapeOutput(out.Text, out.Total, e.limits.MaxOutputChars),
		Status: status,
	}
}

// Check runs a trivial snippet to verify the backend works.
func (e *Executor) Check(ctx context.Context) error {
	got := e.Execute(ctx, "1 + 1", nil)
	if got != "2" {
		return fmt.Errorf("sandbox self-check returned %q", got)
	}
	return nil
}

func decodeBindings(raw map[string]json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]any, len(raw))
	for name, data := range raw {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			continue
		}
		out[name] = v
	}
	return out
}
