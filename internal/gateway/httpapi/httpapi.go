// Package httpapi implements the HTTP API gateway for rlm.
//
//   - POST /v1/complete runs one query to completion
//   - GET /v1/runs and /v1/runs/{id} read the run journal
//   - GET /v1/runs/stream streams run events over a WebSocket
//   - Request body size limits (default 16 MB, contexts are large)
//   - Per-client rate limiting via token bucket, keyed by remote address
//   - TLS and authentication expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/rlm/internal/observability"
	"github.com/jkaninda/rlm/internal/ratelimit"
	"github.com/jkaninda/rlm/internal/rlm"
	"github.com/jkaninda/rlm/internal/storage"
)

const defaultMaxRequestSize = 16 << 20 // 16 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error  string `json:"error"`
	Status string `json:"status,omitempty"` // Run status when a run was started.
	RunID  string `json:"run_id,omitempty"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	EnableStream   bool  // Mount the WebSocket run-event stream.
	MaxRequestSize int64 // Maximum request body in bytes. 0 = 16 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Runner builds a fresh Orchestrator per request. Stats are per instance,
// so concurrent requests never share one.
type Runner func(opts ...rlm.Option) (*rlm.Orchestrator, error)

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	runner  Runner
	journal storage.Journal // nil = journal endpoints disabled.
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	mountOnce sync.Once
	okapi     *okapi.Okapi
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, runner Runner, journal storage.Journal, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		runner:  runner,
		journal: journal,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithOpenAPIDocs enables the OpenAPI documentation routes.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "rlm",
			Version: "v0.1.0",
		},
	)
	return g
}

// Handler returns the gateway's routes as an http.Handler.
func (g *Gateway) Handler() http.Handler {
	g.mount()
	return g.okapi
}

// mount registers all routes once.
func (g *Gateway) mount() {
	g.mountOnce.Do(func() {
		instrumented := g.config.Metrics != nil || g.config.Tracer != nil

		// The stream route is registered before /v1/runs/{id} so it is not
		// captured as an ID.
		if g.config.EnableStream {
			var stream http.Handler = http.HandlerFunc(g.handleStream)
			if instrumented {
				stream = observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, stream)
			}
			g.okapi.HandleStd("GET", "/v1/runs/stream", stream.ServeHTTP)
		}

		var v1 *okapi.Group
		if instrumented {
			v1 = g.okapi.Group("/v1", observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
		} else {
			v1 = g.okapi.Group("/v1")
		}
		v1.Post("/complete", g.handleComplete,
			okapi.DocSummary("Answer a query over a context"),
			okapi.DocTags("Runs"),
			okapi.DocRequestBody(CompleteRequest{}),
			okapi.DocResponse(CompleteResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
			okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
			okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
			okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
		)

		if g.journal != nil {
			v1.Get("/runs", g.handleRunList,
				okapi.DocSummary("List journaled runs, newest first"),
				okapi.DocTags("Journal"),
				okapi.DocResponse([]storage.RunRecord{}),
			)
			v1.Get("/runs/{id}", g.handleRunGet,
				okapi.DocSummary("Get a journaled run by ID"),
				okapi.DocTags("Journal"),
				okapi.DocPathParam("id", "string", "Run ID (UUID)"),
				okapi.DocResponse(storage.RunRecord{}),
				okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			)
		}

		// Observability endpoints.
		g.okapi.Get("/healthz", g.handleLiveness)
		g.okapi.Get("/readyz", g.handleReadiness)

		if g.config.MetricsRegistry != nil {
			path := g.config.MetricsPath
			if path == "" {
				path = "/metrics"
			}
			g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
		}
		if g.config.EnableDocs {
			g.WithOpenAPIDocs()
		}
	})
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.mount()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// CompleteRequest is the JSON body for POST /v1/complete and the first
// message of a stream.
type CompleteRequest struct {
	Query          string         `json:"query"`
	Context        string         `json:"context"`
	Model          string         `json:"model,omitempty"`           // Replaces the depth-selected model.
	Options        map[string]any `json:"options,omitempty"`         // Merged over configured LLM options.
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"` // Per model call.
}

func (r *CompleteRequest) validate() error {
	if r.Query == "" && r.Context == "" {
		return errors.New("query is required")
	}
	if r.TimeoutSeconds < 0 {
		return errors.New("timeout_seconds must be >= 0")
	}
	return nil
}

func (r *CompleteRequest) overrides() rlm.Overrides {
	return rlm.Overrides{
		Model:   r.Model,
		Timeout: time.Duration(r.TimeoutSeconds) * time.Second,
		Options: r.Options,
	}
}

// CompleteResponse is the JSON response for POST /v1/complete.
type CompleteResponse struct {
	Answer string    `json:"answer"`
	RunID  string    `json:"run_id"`
	Stats  rlm.Stats `json:"stats"`
}

func (g *Gateway) handleComplete(c *okapi.Context) error {
	r := c.Request()
	if err := g.limiter.Allow(ratelimit.ClientKey(r)); err != nil {
		g.rateLimited()
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req CompleteRequest
	if err := decodeBody(r.Body, g.config.MaxRequestSize, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large"})
		}
		return c.AbortBadRequest("invalid request body", err)
	}
	if err := req.validate(); err != nil {
		return c.AbortBadRequest(err.Error())
	}

	orch, err := g.runner()
	if err != nil {
		g.logger.Error("building orchestrator failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("run setup failed")
	}

	pending := orch.Start(c.Context(), req.Query, req.Context, req.overrides())
	answer, err := pending.Wait(c.Context())
	if err != nil {
		return c.JSON(errorStatus(err), ErrorBody{
			Error:  err.Error(),
			Status: rlm.Status(err),
			RunID:  pending.RunID(),
		})
	}

	return c.OK(CompleteResponse{
		Answer: answer,
		RunID:  pending.RunID(),
		Stats:  orch.Stats(),
	})
}

func (g *Gateway) handleRunList(c *okapi.Context) error {
	q := c.Request().URL.Query()
	f := storage.ListFilter{
		Status:   q.Get("status"),
		ParentID: q.Get("parent_id"),
	}
	if v := q.Get("root"); v != "" {
		root, err := strconv.ParseBool(v)
		if err != nil {
			return c.AbortBadRequest("root must be a boolean")
		}
		f.RootOnly = root
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		f.Limit = n
	}

	runs, err := g.journal.List(c.Context(), f)
	if err != nil {
		g.logger.Error("listing runs failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing runs failed")
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	return c.OK(runs)
}

func (g *Gateway) handleRunGet(c *okapi.Context) error {
	rec, err := g.journal.Get(c.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "run not found"})
	}
	if err != nil {
		g.logger.Error("reading run failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("reading run failed")
	}
	return c.OK(rec)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Helpers ---

// errorStatus maps a run failure to an HTTP status code.
func errorStatus(err error) int {
	switch rlm.Status(err) {
	case rlm.StatusContextTooLarge:
		return http.StatusRequestEntityTooLarge
	case rlm.StatusMaxIterations, rlm.StatusMaxDepth:
		return http.StatusUnprocessableEntity
	case rlm.StatusCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// decodeBody strictly decodes one JSON object of at most limit bytes.
func decodeBody(body io.ReadCloser, limit int64, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding request: %w", err)
	}
	return nil
}

func (g *Gateway) rateLimited() {
	if g.config.Metrics != nil {
		g.config.Metrics.RateLimitedTotal.Inc()
	}
}
