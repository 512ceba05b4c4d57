// Package mcp exposes the recursive language model as an MCP tool, so any
// MCP-capable agent can hand it a query and a large context.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/rlm/internal/observability"
	"github.com/jkaninda/rlm/internal/rlm"
)

// ToolName is the name the tool is registered under.
const ToolName = "recursive_llm"

// Runner builds a fresh Orchestrator per tool call.
type Runner func(opts ...rlm.Option) (*rlm.Orchestrator, error)

// Config configures optional HTTP instrumentation of the SSE transport.
type Config struct {
	Metrics *observability.MetricsCollector
	Tracer  trace.Tracer
}

// Server wraps an MCP server exposing the recursive_llm tool.
type Server struct {
	runner    Runner
	config    Config
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates an MCP server named "rlm".
func NewServer(runner Runner, version string, cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		runner:    runner,
		config:    cfg,
		logger:    logger,
		mcpServer: server.NewMCPServer("rlm", version, server.WithToolCapabilities(false)),
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

// ServeStdio serves on stdin/stdout until the input closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves the SSE transport on addr until ctx is canceled.
func (s *Server) ServeSSE(ctx context.Context, addr, baseURL string) error {
	if baseURL == "" {
		baseURL = "http://localhost" + portOf(addr)
	}
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	var handler http.Handler = mux
	if s.config.Metrics != nil || s.config.Tracer != nil {
		handler = observability.HTTPMetricsMiddleware(s.config.Metrics, s.config.Tracer, mux)
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("mcp server listening (sse)", slog.String("addr", addr), slog.String("base_url", baseURL))
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		s.logger.Info("mcp server stopping")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("stopping mcp server: %w", err)
		}
		return nil
	}
}

func (s *Server) registerTools() {
	tool := mcp.NewTool(ToolName,
		mcp.WithDescription("Answer a query over a context of any size. The context is loaded into a "+
			"sandbox where a language model explores it with code and recursive sub-queries, "+
			"instead of reading it in one prompt."),
		mcp.WithString("query", mcp.Required(), mcp.Description("The question to answer")),
		mcp.WithString("context", mcp.Description("The text to answer over. Empty = the query itself")),
		mcp.WithString("model", mcp.Description("Model override for the top-level run (optional)")),
	)
	s.mcpServer.AddTool(tool, s.handleRecursiveLLM)
}

func (s *Server) handleRecursiveLLM(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	contextText := request.GetString("context", "")

	orch, err := s.runner()
	if err != nil {
		return nil, fmt.Errorf("building orchestrator: %w", err)
	}

	pending := orch.Start(ctx, query, contextText, rlm.Overrides{Model: request.GetString("model", "")})
	answer, err := pending.Wait(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "mcp tool call failed",
			slog.String("run_id", pending.RunID()),
			slog.String("status", rlm.Status(err)),
		)
		return mcp.NewToolResultError(fmt.Sprintf("run %s failed (%s): %v", pending.RunID(), rlm.Status(err), err)), nil
	}
	return mcp.NewToolResultText(answer), nil
}

// portOf returns ":port" from a listen address, or "" when it has none.
func portOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return ""
	}
	return ":" + port
}
