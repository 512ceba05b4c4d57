package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/rlm/internal/llm"
	"github.com/jkaninda/rlm/internal/rlm"
	"github.com/jkaninda/rlm/internal/sandbox"
)

// --- InstrumentedClient ---

// InstrumentedClient wraps an llm.Client with metrics, tracing, and anomaly detection.
type InstrumentedClient struct {
	inner   llm.Client
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedClient wraps an LLM client with observability.
func NewInstrumentedClient(inner llm.Client, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedClient {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedClient{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (c *InstrumentedClient) Name() string { return c.inner.Name() }

func (c *InstrumentedClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := c.inner.Name()
	model := req.Model

	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "llm.complete",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
				attribute.String("llm.model", model),
				attribute.Int("llm.messages", len(req.Messages)),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := c.inner.Complete(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if c.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if c.metrics != nil {
		c.metrics.LLMRequestsTotal.WithLabelValues(provider, model, status).Inc()
		c.metrics.LLMRequestDuration.WithLabelValues(provider, model).Observe(duration)

		if resp != nil {
			c.metrics.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(resp.Usage.InputTokens))
			c.metrics.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	c.anomaly.Record(OpLLMRequest, err != nil)

	return resp, err
}

// --- InstrumentedExecutor ---

// SnippetRunner executes a snippet and reports its status alongside the
// output. *sandbox.Executor implements it.
type SnippetRunner interface {
	Run(ctx context.Context, raw string, env *sandbox.Environment) sandbox.Result
}

// InstrumentedExecutor wraps a snippet runner with metrics, tracing, and anomaly detection.
type InstrumentedExecutor struct {
	inner   SnippetRunner
	backend string
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedExecutor wraps an executor with observability. backend labels
// the metrics ("inprocess" or "isolated").
func NewInstrumentedExecutor(inner SnippetRunner, backend string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:   inner,
		backend: backend,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, raw string, env *sandbox.Environment) string {
	return e.Run(ctx, raw, env).Output
}

func (e *InstrumentedExecutor) Run(ctx context.Context, raw string, env *sandbox.Environment) sandbox.Result {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.backend", e.backend),
				attribute.Int("sandbox.code_chars", len(raw)),
			))
		defer span.End()
	}

	start := time.Now()
	res := e.inner.Run(ctx, raw, env)
	duration := time.Since(start).Seconds()

	if e.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("sandbox.status", res.Status))
	}

	if e.metrics != nil {
		e.metrics.SandboxExecutionsTotal.WithLabelValues(e.backend, res.Status).Inc()
		e.metrics.SandboxExecutionDuration.WithLabelValues(e.backend).Observe(duration)
	}

	if res.Status != sandbox.StatusNoCode {
		e.anomaly.Record(OpSandboxTimeout, res.Status == sandbox.StatusTimeout)
	}

	return res
}

// --- Run metrics ---

// runMetrics feeds run outcomes to the collector and delegated sub-run
// outcomes to the anomaly detector.
type runMetrics struct {
	metrics *MetricsCollector
	anomaly *AnomalyDetector
}

func (m runMetrics) ObserveRun(depth int, status string, d time.Duration, iterations int) {
	if m.metrics != nil {
		m.metrics.ObserveRun(depth, status, d, iterations)
	}
	if depth > 0 {
		m.anomaly.Record(OpDelegation, status != rlm.StatusSuccess)
	}
}

func (m runMetrics) ObserveDelegation(depth int) {
	if m.metrics != nil {
		m.metrics.ObserveDelegation(depth)
	}
}

// --- Compile-time interface checks ---

var (
	_ llm.Client       = (*InstrumentedClient)(nil)
	_ rlm.CodeExecutor = (*InstrumentedExecutor)(nil)
	_ SnippetRunner    = (*InstrumentedExecutor)(nil)
	_ SnippetRunner    = (*sandbox.Executor)(nil)
	_ rlm.Metrics      = (*MetricsCollector)(nil)
	_ rlm.Metrics      = runMetrics{}
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
