// Package rlm implements the recursive language model loop: the model answers
// a query over a large context by writing snippets that explore it in a
// sandbox, delegating sub-queries to nested runs when useful.
package rlm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/rlm/internal/ingest"
	"github.com/jkaninda/rlm/internal/llm"
	"github.com/jkaninda/rlm/internal/parser"
	"github.com/jkaninda/rlm/internal/prompts"
	"github.com/jkaninda/rlm/internal/sandbox"
	"github.com/jkaninda/rlm/internal/storage"
)

// CodeExecutor runs a model response as code against a run's environment.
// *sandbox.Executor implements it. Execute must not fail: faults belong in
// the returned text.
type CodeExecutor interface {
	Execute(ctx context.Context, raw string, env *sandbox.Environment) string
}

// Recorder journals run outcomes. storage.Journal implements it.
type Recorder interface {
	Record(ctx context.Context, rec *storage.RunRecord) error
}

// Metrics receives run-level measurements.
type Metrics interface {
	ObserveRun(depth int, status string, d time.Duration, iterations int)
	ObserveDelegation(depth int)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithExecutor shares an executor across orchestrators. Without it New
// creates an in-process sandbox.Executor with default limits, since the
// isolated backend needs a binary that serves sandbox.WorkerMain.
func WithExecutor(e CodeExecutor) Option {
	return func(o *Orchestrator) { o.executor = e }
}

// WithDepth sets the depth the orchestrator runs at.
func WithDepth(depth int) Option {
	return func(o *Orchestrator) { o.depth = depth }
}

// WithEventSink streams run events to sink.
func WithEventSink(sink EventSink) Option {
	return func(o *Orchestrator) { o.events = sink }
}

// WithRecorder journals every run, including delegated sub-runs.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithTracer wraps each run in a span.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithMetrics reports run outcomes to m.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator answers queries over context by driving an LLM client and a
// code executor. The executor and client are shared with delegated
// sub-runs; everything else is per run.
type Orchestrator struct {
	cfg      Config
	client   llm.Client
	executor CodeExecutor
	depth    int
	parentID string
	logger   *slog.Logger

	events   EventSink
	recorder Recorder
	tracer   trace.Tracer
	metrics  Metrics

	mu    sync.Mutex
	stats Stats
}

// New creates an Orchestrator.
func New(cfg Config, client llm.Client, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	if client == nil {
		return nil, errors.New("rlm: llm client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if !ingest.ValidMode(cfg.OversizeMode) {
		return nil, fmt.Errorf("rlm: unknown oversize mode %q", cfg.OversizeMode)
	}

	o := &Orchestrator{cfg: cfg, client: client, logger: logger}
	for _, opt := range opts {
		opt(o)
	}
	if o.executor == nil {
		exec, err := sandbox.New(sandbox.Config{Backend: sandbox.BackendInProcess}, logger)
		if err != nil {
			return nil, fmt.Errorf("rlm: creating sandbox: %w", err)
		}
		o.executor = exec
	}
	o.stats.Depth = o.depth
	return o, nil
}

// Config returns the effective run configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Depth returns the recursion depth this orchestrator runs at.
func (o *Orchestrator) Depth() int { return o.depth }

// Stats returns the counters of the latest run.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// Pending is a run in progress.
type Pending struct {
	id     string
	done   chan struct{}
	answer string
	err    error
}

// RunID identifies the run in events and the journal.
func (p *Pending) RunID() string { return p.id }

// Done is closed when the run ends.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the run ends or ctx is done. Cancelling ctx stops the
// wait, not the run; cancel the context passed to Start for that.
func (p *Pending) Wait(ctx context.Context) (string, error) {
	select {
	case <-p.done:
		return p.answer, p.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Start begins a run in the background. If query is set and contextText is
// empty, query is treated as the context and the query is empty.
func (o *Orchestrator) Start(ctx context.Context, query, contextText string, ov Overrides) *Pending {
	p := &Pending{id: uuid.NewString(), done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.answer, p.err = o.observe(ctx, p.id, query, contextText, ov)
	}()
	return p
}

// Complete starts a run and blocks until it ends.
func (o *Orchestrator) Complete(ctx context.Context, query, contextText string, ov Overrides) (string, error) {
	return o.Start(ctx, query, contextText, ov).Wait(ctx)
}

// observe wraps run with tracing, events, metrics, logging and the journal.
func (o *Orchestrator) observe(ctx context.Context, runID, query, contextText string, ov Overrides) (string, error) {
	if query != "" && contextText == "" {
		contextText, query = query, ""
	}

	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.Start(ctx, "rlm.run",
			trace.WithAttributes(
				attribute.String("rlm.run_id", runID),
				attribute.Int("rlm.depth", o.depth),
			))
		defer span.End()
	}

	start := time.Now()
	o.emit(ctx, Event{Kind: EventRunStarted, RunID: runID, Text: query})

	answer, meta, err := o.run(ctx, runID, query, contextText, ov)
	elapsed := time.Since(start)
	status := Status(err)
	stats := o.Stats()

	if err != nil {
		if o.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		o.logger.WarnContext(ctx, "run failed",
			slog.String("run_id", runID),
			slog.Int("depth", o.depth),
			slog.String("status", status),
			slog.Int("iterations", stats.Iterations),
			slog.String("error", err.Error()),
		)
		o.emit(ctx, Event{Kind: EventRunFailed, RunID: runID, Iteration: stats.Iterations, Text: err.Error()})
	} else {
		o.logger.InfoContext(ctx, "run finished",
			slog.String("run_id", runID),
			slog.Int("depth", o.depth),
			slog.Int("iterations", stats.Iterations),
			slog.Int("llm_calls", stats.LLMCalls),
			slog.Duration("duration", elapsed),
		)
		o.emit(ctx, Event{Kind: EventRunFinished, RunID: runID, Iteration: stats.Iterations, Text: answer})
	}

	if o.metrics != nil {
		o.metrics.ObserveRun(o.depth, status, elapsed, stats.Iterations)
	}

	if o.recorder != nil {
		rec := &storage.RunRecord{
			ID:           runID,
			ParentID:     o.parentID,
			Depth:        o.depth,
			Query:        query,
			ContextChars: meta.OriginalSize,
			Truncated:    meta.Truncated,
			Model:        o.model(ov),
			Status:       status,
			Answer:       answer,
			LLMCalls:     stats.LLMCalls,
			Iterations:   stats.Iterations,
			DurationMS:   elapsed.Milliseconds(),
			CreatedAt:    start.UTC(),
		}
		if err != nil {
			rec.Error = err.Error()
		}
		// Journal after a cancelled run too.
		if rerr := o.recorder.Record(context.WithoutCancel(ctx), rec); rerr != nil {
			o.logger.WarnContext(ctx, "recording run failed",
				slog.String("run_id", runID),
				slog.String("error", rerr.Error()),
			)
		}
	}

	return answer, err
}

func (o *Orchestrator) run(ctx context.Context, runID, query, contextText string, ov Overrides) (string, ingest.Metadata, error) {
	cfg := o.cfg
	o.resetIterations()

	if o.depth >= cfg.MaxDepth {
		return "", ingest.Metadata{}, &MaxDepthError{MaxDepth: cfg.MaxDepth}
	}

	prepared, meta, err := ingest.Prepare(contextText, cfg.MaxContextChars, cfg.OversizeMode)
	if err != nil {
		return "", meta, err
	}

	o.logger.DebugContext(ctx, "run started",
		slog.String("run_id", runID),
		slog.Int("depth", o.depth),
		slog.Int("context_chars", meta.OriginalSize),
		slog.Bool("truncated", meta.Truncated),
	)

	messages := cfg.MessageBuilder(prompts.Input{
		Query:       query,
		ContextSize: meta.RetainedSize,
		Depth:       o.depth,
		Ingestion:   meta,
	})
	messages = slices.Clone(messages)

	env := sandbox.NewEnvironment(map[string]any{
		"context":       prepared,
		"query":         query,
		"recursive_llm": o.delegate(runID),
		"re":            patternNamespace(),
	})

	for i := range cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			return "", meta, err
		}
		iteration := i + 1
		o.setIteration(iteration)

		response, err := o.call(ctx, messages, ov)
		if err != nil {
			return "", meta, err
		}
		o.logger.DebugContext(ctx, "iteration",
			slog.String("run_id", runID),
			slog.Int("depth", o.depth),
			slog.Int("iteration", iteration),
			slog.Int("response_chars", len(response)),
		)
		o.emit(ctx, Event{Kind: EventIterationResponse, RunID: runID, Iteration: iteration, Text: response})

		if parser.IsFinal(response) {
			if answer, ok := parser.Parse(response, env); ok {
				return answer, meta, nil
			}
		}

		output := o.execute(ctx, response, env)
		o.emit(ctx, Event{Kind: EventIterationOutput, RunID: runID, Iteration: iteration, Text: output})

		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: response},
			llm.Message{Role: llm.RoleUser, Content: output},
		)
	}

	return "", meta, &MaxIterationsError{MaxIterations: cfg.MaxIterations}
}

// model picks the model for a call: override, else the primary model at
// depth 0, else the recursive model.
func (o *Orchestrator) model(ov Overrides) string {
	switch {
	case ov.Model != "":
		return ov.Model
	case o.depth == 0:
		return o.cfg.Model
	default:
		return o.cfg.RecursiveModel
	}
}

func (o *Orchestrator) call(ctx context.Context, messages []llm.Message, ov Overrides) (string, error) {
	timeout := o.cfg.RequestTimeout
	if ov.Timeout > 0 {
		timeout = ov.Timeout
	}
	req := &llm.Request{
		Model:    o.model(ov),
		Messages: slices.Clone(messages),
		APIKey:   o.cfg.APIKey,
		BaseURL:  o.cfg.BaseURL,
		Timeout:  timeout,
		Options:  mergeOptions(o.cfg.LLMOptions, ov.Options),
	}

	o.mu.Lock()
	o.stats.LLMCalls++
	o.mu.Unlock()

	resp, err := o.client.Complete(ctx, req)
	if err != nil {
		// The run itself was canceled; a request timing out on its own is
		// still a client failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: %w", ErrClient, err)
	}
	return resp.Content, nil
}

// execute shields the loop from a misbehaving executor.
func (o *Orchestrator) execute(ctx context.Context, response string, env *sandbox.Environment) (out string) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "executor panicked", slog.Any("panic", r))
			out = fmt.Sprintf("Error: %v", r)
		}
	}()
	return o.executor.Execute(ctx, response, env)
}

// delegate returns the recursive_llm callable for the run identified by
// runID. At the depth ceiling it degrades to a fixed message so the
// snippet keeps running.
func (o *Orchestrator) delegate(runID string) sandbox.Delegate {
	return func(ctx context.Context, args []any) (any, error) {
		if o.depth+1 >= o.cfg.MaxDepth {
			return fmt.Sprintf("Max recursion depth (%d) reached", o.cfg.MaxDepth), nil
		}
		if o.metrics != nil {
			o.metrics.ObserveDelegation(o.depth + 1)
		}
		return o.child(runID).Complete(ctx, argString(args, 0), argString(args, 1), Overrides{})
	}
}

func (o *Orchestrator) child(parentID string) *Orchestrator {
	return &Orchestrator{
		cfg:      o.cfg,
		client:   o.client,
		executor: o.executor,
		depth:    o.depth + 1,
		parentID: parentID,
		logger:   o.logger,
		events:   o.events,
		recorder: o.recorder,
		tracer:   o.tracer,
		metrics:  o.metrics,
		stats:    Stats{Depth: o.depth + 1},
	}
}

func (o *Orchestrator) emit(ctx context.Context, ev Event) {
	if o.events == nil {
		return
	}
	ev.ParentID = o.parentID
	ev.Depth = o.depth
	ev.Time = time.Now().UTC()
	o.events.Emit(ctx, ev)
}

func (o *Orchestrator) resetIterations() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats.Iterations = 0
	o.stats.Depth = o.depth
}

func (o *Orchestrator) setIteration(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats.Iterations = n
}

func mergeOptions(base, over map[string]any) map[string]any {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(over))
	maps.Copy(out, base)
	maps.Copy(out, over)
	return out
}

// argString converts a snippet argument to text. Missing and null
// arguments are empty.
func argString(args []any, i int) string {
	if i >= len(args) || args[i] == nil {
		return ""
	}
	if s, ok := args[i].(string); ok {
		return s
	}
	return sandbox.Stringify(args[i])
}
