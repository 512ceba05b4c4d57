package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jkaninda/rlm/internal/protocol"
)

const (
	// maxStderrBytes caps what is kept of a worker's stderr.
	maxStderrBytes = 64 << 10

	// workerGrace is added to the snippet timeout for process startup and
	// teardown before the host kills the worker itself.
	workerGrace = time.Second
)

// ProcessConfig configures the isolated backend.
type ProcessConfig struct {
	// Command is the worker argv. Empty = the current executable, which must
	// call IsWorker/WorkerMain at startup.
	Command []string
}

// ProcessBackend runs each snippet in a fresh worker process.
//
// Isolation:
//   - Each execution gets its own temp directory (removed after)
//   - Process runs in its own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - No environment inheritance from parent, only a minimal safe set
//   - CPU time limited via ulimit, heap limited inside the worker
type ProcessBackend struct {
	command []string
	logger  *slog.Logger
}

// NewProcessBackend creates the isolated backend.
func NewProcessBackend(cfg ProcessConfig, logger *slog.Logger) *ProcessBackend {
	return &ProcessBackend{command: cfg.Command, logger: logger}
}

func (b *ProcessBackend) Name() string { return BackendIsolated }

// Run executes code in a worker process.
func (b *ProcessBackend) Run(ctx context.Context, code string, env *Environment, limits Limits) (*Outcome, error) {
	argv, err := b.argv()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWorkerUnavailable, err)
	}

	req, err := b.execRequest(code, env, limits)
	if err != nil {
		return nil, err
	}

	tmpDir, err := os.MkdirTemp("", "rlm-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("%w: creating temp dir: %w", ErrWorkerUnavailable, err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			b.logger.Warn("failed to remove sandbox temp dir",
				slog.String("dir", tmpDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// sh -c 'ulimit -t SEC 2>/dev/null; exec "$@"' _ worker args...
	// The worker argv is passed positionally and never interpolated.
	cpuSeconds := int(math.Ceil(limits.Timeout.Seconds())) + 1
	shellScript := fmt.Sprintf("ulimit -t %d 2>/dev/null; exec \"$@\"", cpuSeconds)
	args := append([]string{"-c", shellScript, "_"}, argv...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = tmpDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.Env = buildEnv(tmpDir)

	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxStderrBytes}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWorkerUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWorkerUnavailable, err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWorkerUnavailable, err)
	}

	var expired atomic.Bool
	deadline := startBudget(limits.Timeout+workerGrace, func() {
		expired.Store(true)
		cancel()
	})

	capt := newCapture(limits.MaxOutputChars)
	done, protoErr := b.converse(ctx, stdin, stdout, req, env, capt, deadline)
	deadline.stop()

	_ = stdin.Close()
	if protoErr != nil {
		cancel()
	}
	waitErr := cmd.Wait()

	status := StatusFault
	var bindings map[string]json.RawMessage
	switch {
	case protoErr == nil:
		status, bindings = done.Status, done.Bindings
		if status == "" {
			status = StatusOK
		}
	case expired.Load():
		status = StatusTimeout
		capt.add("Error: " + timeoutMessage(limits.Timeout))
	case parent.Err() != nil:
		capt.add("Error: " + parent.Err().Error())
	default:
		capt.add("Error: " + workerFailure(waitErr, stderrBuf.String()))
	}

	b.logger.Debug("sandbox worker finished",
		slog.Duration("duration", time.Since(start)),
		slog.Int("output_chars", capt.total),
		slog.String("status", status),
	)

	return &Outcome{
		Text:     capt.text(),
		Total:    capt.total,
		Status:   status,
		Bindings: decodeBindings(bindings),
	}, nil
}

// converse drives the protocol until the worker reports MsgDone. The host
// deadline is paused only while a Delegate serves a call.
func (b *ProcessBackend) converse(ctx context.Context, w io.Writer, r io.Reader, req *protocol.ExecRequest, env *Environment, capt *capture, deadline *budget) (*protocol.DonePayload, error) {
	enc := json.NewEncoder(w)
	dec := json.NewDecoder(r)

	first, err := protocol.NewEnvelope(protocol.MsgExec, req)
	if err != nil {
		return nil, err
	}
	if err := enc.Encode(first); err != nil {
		return nil, fmt.Errorf("sending exec request: %w", err)
	}

	for {
		var msg protocol.Envelope
		if err := dec.Decode(&msg); err != nil {
			return nil, err
		}
		switch msg.Type {
		case protocol.MsgOutput:
			var out protocol.OutputPayload
			if err := msg.Decode(&out); err != nil {
				return nil, err
			}
			capt.add(out.Text)

		case protocol.MsgCall:
			var call protocol.CallPayload
			if err := msg.Decode(&call); err != nil {
				return nil, err
			}
			fn, suspend, err := resolveFunc(env, call.Name)
			var ret protocol.ReturnPayload
			if err != nil {
				ret = protocol.ReturnPayload{Error: err.Error()}
			} else {
				if suspend {
					deadline.pause()
				}
				ret = dispatch(ctx, fn, call.Args)
				if suspend {
					deadline.resume()
				}
			}

			reply, err := protocol.NewReply(protocol.MsgReturn, msg.ID, ret)
			if err != nil {
				return nil, err
			}
			if err := enc.Encode(reply); err != nil {
				return nil, fmt.Errorf("sending return: %w", err)
			}

		case protocol.MsgDone:
			var done protocol.DonePayload
			if err := msg.Decode(&done); err != nil {
				return nil, err
			}
			return &done, nil

		default:
			b.logger.Warn("unexpected sandbox worker message", slog.String("type", string(msg.Type)))
		}
	}
}

// execRequest splits env into plain values and proxied callables.
func (b *ProcessBackend) execRequest(code string, env *Environment, limits Limits) (*protocol.ExecRequest, error) {
	req := &protocol.ExecRequest{
		Code:          code,
		TimeoutMS:     limits.Timeout.Milliseconds(),
		MemoryLimitMB: limits.MemoryLimitMB,
		Values:        make(map[string]json.RawMessage),
		Seeded:        env.seededNames(),
		Outputs:       env.Outputs(),
	}
	for name, v := range env.Snapshot() {
		switch x := v.(type) {
		case Func:
			req.Funcs = append(req.Funcs, name)
		case Delegate:
			req.Delegates = append(req.Delegates, name)
		case Namespace:
			if req.Namespaces == nil {
				req.Namespaces = make(map[string][]string)
			}
			for member := range x {
				req.Namespaces[name] = append(req.Namespaces[name], member)
			}
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encoding binding %s: %w", name, err)
			}
			req.Values[name] = data
		}
	}
	return req, nil
}

// dispatch serves a MsgCall with the resolved host callable.
func dispatch(ctx context.Context, fn Func, rawArgs []json.RawMessage) protocol.ReturnPayload {
	args := make([]any, len(rawArgs))
	for i, raw := range rawArgs {
		if err := json.Unmarshal(raw, &args[i]); err != nil {
			return protocol.ReturnPayload{Error: fmt.Sprintf("decoding argument %d: %v", i, err)}
		}
	}
	res, err := fn(ctx, args)
	if err != nil {
		return protocol.ReturnPayload{Error: err.Error()}
	}
	data, err := json.Marshal(res)
	if err != nil {
		return protocol.ReturnPayload{Error: err.Error()}
	}
	return protocol.ReturnPayload{Value: data}
}

// resolveFunc looks up a callable by name ("fn" or "ns.member"). suspend
// reports whether the snippet deadline stops while it runs.
func resolveFunc(env *Environment, name string) (fn Func, suspend bool, err error) {
	ns, member, nested := strings.Cut(name, ".")
	v, ok := env.Lookup(ns)
	if !ok {
		return nil, false, fmt.Errorf("%s is not defined", name)
	}
	if !nested {
		switch x := v.(type) {
		case Func:
			return x, false, nil
		case Delegate:
			return Func(x), true, nil
		}
		return nil, false, fmt.Errorf("%s is not a function", name)
	}
	space, ok := v.(Namespace)
	if !ok {
		return nil, false, fmt.Errorf("%s is not a function", name)
	}
	fn, ok = space[member]
	if !ok {
		return nil, false, fmt.Errorf("%s is not a function", name)
	}
	return fn, false, nil
}

func (b *ProcessBackend) argv() ([]string, error) {
	if len(b.command) > 0 {
		return b.command, nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return []string{self}, nil
}

func workerFailure(waitErr error, stderr string) string {
	msg := "sandbox worker exited"
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		msg = fmt.Sprintf("sandbox worker exited with code %d", exitErr.ExitCode())
	}
	if tail := lastLine(stderr); tail != "" {
		msg += ": " + strings.TrimSpace(tail)
	}
	return msg
}

// buildEnv constructs a minimal, safe environment.
// The parent process's environment is NEVER inherited, which keeps API keys
// and other secrets out of the worker.
func buildEnv(tmpDir string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		"GOMAXPROCS=2",
		WorkerEnv + "=1",
	}
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
