package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"runtime/metrics"
	"slices"
	"sync"
	"time"

	"github.com/jkaninda/rlm/internal/protocol"
)

// WorkerEnv marks a process started by the isolated backend.
const WorkerEnv = "RLM_SANDBOX_WORKER"

const heapMetric = "/memory/classes/heap/objects:bytes"

// hardExit terminates a worker whose heap kept growing after it was
// interrupted.
var hardExit = func() { os.Exit(2) }

// IsWorker reports whether this process was started as a sandbox worker.
// Binaries that may act as a worker call it first thing in main.
func IsWorker() bool { return os.Getenv(WorkerEnv) == "1" }

// WorkerMain serves one execution over stdio and exits.
func WorkerMain() {
	if err := ServeWorker(context.Background(), os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox worker: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// workerConn is the worker's half of the stdio protocol.
type workerConn struct {
	mu  sync.Mutex
	dec *json.Decoder
	enc *json.Encoder
}

func (c *workerConn) send(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(env)
}

// call proxies a host callable and blocks until its MsgReturn arrives.
func (c *workerConn) call(name string, args []any) (any, error) {
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encoding argument %d: %w", i, err)
		}
		raw[i] = data
	}
	req, err := protocol.NewEnvelope(protocol.MsgCall, protocol.CallPayload{Name: name, Args: raw})
	if err != nil {
		return nil, err
	}
	if err := c.send(req); err != nil {
		return nil, fmt.Errorf("sending call: %w", err)
	}

	for {
		var reply protocol.Envelope
		if err := c.dec.Decode(&reply); err != nil {
			return nil, fmt.Errorf("awaiting %s: %w", name, err)
		}
		if reply.Type != protocol.MsgReturn || reply.ReplyTo != req.ID {
			continue
		}
		var ret protocol.ReturnPayload
		if err := reply.Decode(&ret); err != nil {
			return nil, err
		}
		if ret.Error != "" {
			return nil, errors.New(ret.Error)
		}
		if len(ret.Value) == 0 {
			return nil, nil
		}
		var v any
		if err := json.Unmarshal(ret.Value, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// ServeWorker reads one MsgExec from r, runs it and writes the output,
// call and done frames to w.
func ServeWorker(ctx context.Context, r io.Reader, w io.Writer) error {
	conn := &workerConn{dec: json.NewDecoder(r), enc: json.NewEncoder(w)}

	var first protocol.Envelope
	if err := conn.dec.Decode(&first); err != nil {
		return fmt.Errorf("reading exec request: %w", err)
	}
	if first.Type != protocol.MsgExec {
		return fmt.Errorf("unexpected first message %q", first.Type)
	}
	var req protocol.ExecRequest
	if err := first.Decode(&req); err != nil {
		return fmt.Errorf("decoding exec request: %w", err)
	}

	var sendErr error
	s, err := newSession(ctx, func(line string) {
		out, err := protocol.NewEnvelope(protocol.MsgOutput, protocol.OutputPayload{Text: line})
		if err == nil {
			err = conn.send(out)
		}
		if err != nil && sendErr == nil {
			sendErr = err
		}
	})
	if err != nil {
		return err
	}

	vars := make(map[string]any, len(req.Values)+len(req.Funcs)+len(req.Delegates)+len(req.Namespaces))
	for name, raw := range req.Values {
		vars[name] = raw
	}
	for _, name := range req.Funcs {
		vars[name] = proxyFunc(conn, name)
	}
	for _, name := range req.Delegates {
		vars[name] = Delegate(proxyFunc(conn, name))
	}
	for ns, members := range req.Namespaces {
		space := make(Namespace, len(members))
		for _, m := range members {
			space[m] = proxyFunc(conn, ns+"."+m)
		}
		vars[ns] = space
	}
	if err := s.bind(vars); err != nil {
		return err
	}

	stopWatch := func() {}
	if req.MemoryLimitMB > 0 {
		stopWatch = watchMemory(s, req.MemoryLimitMB)
	}
	s.run(req.Code, time.Duration(req.TimeoutMS)*time.Millisecond)
	stopWatch()
	if sendErr != nil {
		return fmt.Errorf("sending output: %w", sendErr)
	}

	accept := func(name string) bool {
		if slices.Contains(req.Seeded, name) {
			return false
		}
		return req.Outputs == nil || slices.Contains(req.Outputs, name)
	}
	done, err := protocol.NewEnvelope(protocol.MsgDone, protocol.DonePayload{Status: s.status, Bindings: s.bindings(accept)})
	if err != nil {
		return err
	}
	return conn.send(done)
}

func proxyFunc(conn *workerConn, name string) Func {
	return func(_ context.Context, args []any) (any, error) {
		return conn.call(name, args)
	}
}

// watchMemory interrupts the session once heap growth since the call passes
// limitMB. A heap that keeps growing to twice the limit ends the process.
func watchMemory(s *session, limitMB int) (stop func()) {
	limit := uint64(limitMB) << 20
	sample := []metrics.Sample{{Name: heapMetric}}
	read := func() uint64 {
		metrics.Read(sample)
		if sample[0].Value.Kind() != metrics.KindUint64 {
			return 0
		}
		return sample[0].Value.Uint64()
	}

	base := read()
	debug.SetMemoryLimit(int64(base + 2*limit))

	quit := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		interrupted := false
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
			}
			used := read()
			if used <= base {
				continue
			}
			switch grown := used - base; {
			case grown > 2*limit && interrupted:
				hardExit()
			case grown > limit && !interrupted:
				interrupted = true
				s.interrupt(fmt.Sprintf("memory limit exceeded (%d MB)", limitMB))
			}
		}
	}()
	return func() {
		close(quit)
		<-exited
		s.rt.ClearInterrupt()
	}
}
