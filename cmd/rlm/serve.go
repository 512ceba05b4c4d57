package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/rlm/internal/config"
	"github.com/jkaninda/rlm/internal/gateway/httpapi"
	"github.com/jkaninda/rlm/internal/ratelimit"
	"github.com/jkaninda/rlm/internal/storage/retention"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Serve POST /v1/complete, the run journal under /v1/runs, the WebSocket
run-event stream, health probes and Prometheus metrics.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
}

func runServe(_ *cobra.Command, _ []string) error {
	logger, err := newLogger(true, "info")
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Gateways.HTTP == nil {
		cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true, Stream: true}
	}
	if servePort != "" {
		cfg.Gateways.HTTP.ListenAddr = servePort
	}
	httpCfg := cfg.Gateways.HTTP

	sc, err := initShared(cfg, logger, true)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopRetention, err := startRetention(ctx, sc)
	if err != nil {
		return err
	}
	defer stopRetention()

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: httpCfg.RateLimit.RequestsPerMinute,
		BurstSize:         httpCfg.RateLimit.BurstSize,
	})
	go sweepLimiter(ctx, limiter)

	gwCfg := httpapi.Config{
		ListenAddr:     httpCfg.Addr(),
		EnableDocs:     httpCfg.EnableDocs,
		EnableStream:   httpCfg.Stream,
		MaxRequestSize: httpCfg.MaxRequestBytes(),
		HealthChecker:  sc.Obs.HealthOrNil(),
		Metrics:        sc.Obs.MetricsOrNil(),
		Tracer:         sc.Obs.RunTracer(),
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		gwCfg.MetricsRegistry = m.Registry
		if cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	gw := httpapi.NewGateway(gwCfg, sc.Runner(sc.RunConfig()), sc.Journal, limiter, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start(ctx) }()

	logger.Info("rlm serving",
		slog.String("addr", gwCfg.ListenAddr),
		slog.String("model", cfg.RLM.Model),
		slog.String("sandbox", sc.Sandbox.BackendName()),
		slog.String("journal", sc.Journal.Driver()),
	)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}

// startRetention schedules journal pruning when retention is enabled.
func startRetention(ctx context.Context, sc *SharedComponents) (func(), error) {
	st := sc.Config.Storage
	if st == nil || !st.Retention.Enabled || sc.Journal == nil {
		return func() {}, nil
	}

	var pruner retention.Pruner = sc.Journal
	if m := sc.Obs.MetricsOrNil(); m != nil {
		pruner = meteredPruner{Journal: sc.Journal, metrics: m}
	}
	sched, err := retention.New(pruner, st.Retention, sc.Logger)
	if err != nil {
		return nil, err
	}
	return sched.Start(ctx), nil
}

// sweepLimiter drops idle rate-limit buckets until ctx is done.
func sweepLimiter(ctx context.Context, l *ratelimit.Limiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
