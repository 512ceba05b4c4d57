package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/rlm/internal/config"
	mcpgw "github.com/jkaninda/rlm/internal/gateway/mcp"
)

var (
	mcpTransport string
	mcpAddr      string
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Expose the recursive_llm tool over MCP",
	Long: `Start an MCP server named "rlm" with one tool, recursive_llm(query, context).

The stdio transport (default) is what desktop MCP clients launch; the SSE
transport serves /sse and /message over HTTP.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpTransport, "transport", "", "transport: stdio or sse (default from config, else stdio)")
	mcpCmd.Flags().StringVar(&mcpAddr, "addr", "", "SSE listen address (e.g. :8090)")
}

func runMCP(_ *cobra.Command, _ []string) error {
	// stdout carries the protocol on stdio, so logs stay on stderr.
	logger, err := newLogger(true, "warn")
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Gateways.MCP == nil {
		cfg.Gateways.MCP = &config.MCPGatewayConfig{}
	}
	if mcpTransport != "" {
		cfg.Gateways.MCP.Transport = mcpTransport
	}
	if mcpAddr != "" {
		cfg.Gateways.MCP.ListenAddr = mcpAddr
	}
	mcpCfg := cfg.Gateways.MCP

	sc, err := initShared(cfg, logger, true)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	server := mcpgw.NewServer(sc.Runner(sc.RunConfig()), version, mcpgw.Config{
		Metrics: sc.Obs.MetricsOrNil(),
		Tracer:  sc.Obs.RunTracer(),
	}, logger)

	switch transport := mcpCfg.TransportName(); transport {
	case "stdio":
		logger.Info("mcp server starting", slog.String("transport", transport))
		return server.ServeStdio()
	case "sse":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return server.ServeSSE(ctx, mcpCfg.Addr(), mcpCfg.BaseURL)
	default:
		return fmt.Errorf("unknown mcp transport: %q (supported: stdio, sse)", transport)
	}
}
