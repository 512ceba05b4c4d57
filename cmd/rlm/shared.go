package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/rlm/internal/config"
	"github.com/jkaninda/rlm/internal/llm"
	"github.com/jkaninda/rlm/internal/llm/anthropic"
	"github.com/jkaninda/rlm/internal/llm/gemini"
	"github.com/jkaninda/rlm/internal/llm/openai"
	"github.com/jkaninda/rlm/internal/observability"
	"github.com/jkaninda/rlm/internal/rlm"
	"github.com/jkaninda/rlm/internal/sandbox"
	"github.com/jkaninda/rlm/internal/storage"
	pgstore "github.com/jkaninda/rlm/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/rlm/internal/storage/sqlite"
)

const defaultOllamaBaseURL = "http://localhost:11434/v1"

// SharedComponents holds the subsystems every command builds runs from.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config  *config.Config
	Logger  *slog.Logger
	Obs     *observability.Observability
	Client  llm.Client
	Sandbox *sandbox.Executor
	Journal storage.Journal // nil when journaling is disabled.

	executor rlm.CodeExecutor
	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig resolves the config path from the flag or RLM_CONFIG.
func loadConfig() (*config.Config, error) {
	return config.LoadOrDefault(goutils.Env("RLM_CONFIG", configPath))
}

// newLogger builds the process logger. Servers log JSON, the query command
// logs text; both write to stderr so stdout stays clean for answers.
func newLogger(jsonFormat bool, defaultLevel string) (*slog.Logger, error) {
	level, err := parseLevel(goutils.Env("RLM_LOG_LEVEL", firstNonEmpty(logLevel, defaultLevel)))
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if jsonFormat {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (supported: debug, info, warn, error)", s)
	}
}

// initShared performs the initialization shared by query, serve and mcp.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger, withJournal bool) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}
	instrumented := obs != nil && (obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil)

	// LLM client.
	client, err := newLLMClient(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing LLM client: %w", err)
	}
	logger.Debug("llm client initialized", slog.String("provider", client.Name()))
	if instrumented {
		client = observability.NewInstrumentedClient(client, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	sc.Client = client

	// Sandbox.
	exec, err := initSandbox(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}
	sc.Sandbox = exec
	sc.executor = exec
	if instrumented {
		sc.executor = observability.NewInstrumentedExecutor(exec, exec.BackendName(), obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	logger.Debug("sandbox initialized", slog.String("backend", exec.BackendName()))

	// Journal.
	if withJournal {
		journal, err := initJournal(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing journal: %w", err)
		}
		sc.Journal = journal
		sc.addCleanup(func() {
			if err := journal.Close(); err != nil {
				logger.Error("closing journal", slog.String("error", err.Error()))
			}
		})
		logger.Debug("journal initialized", slog.String("driver", journal.Driver()))
	}

	// Readiness checks.
	if obs != nil && cfg.Observability.Health != nil {
		if cfg.Observability.Health.IncludeDB && sc.Journal != nil {
			obs.Health.AddJournalCheck(sc.Journal)
		}
		if cfg.Observability.Health.IncludeSandbox {
			obs.Health.AddSandboxCheck(exec)
		}
	}

	return sc, nil
}

// RunConfig maps the rlm section of the config onto a run configuration.
func (sc *SharedComponents) RunConfig() rlm.Config {
	r := &sc.Config.RLM
	return rlm.Config{
		Model:           r.Model,
		RecursiveModel:  r.RecursiveModel,
		BaseURL:         r.BaseURL,
		MaxDepth:        r.Depth(),
		MaxIterations:   r.Iterations(),
		MaxContextChars: r.ContextChars(),
		OversizeMode:    r.Oversize(),
		RequestTimeout:  r.RequestTimeout(),
		LLMOptions:      r.LLMOptions,
	}
}

// Runner returns a factory for per-request orchestrators sharing the
// client, sandbox, journal and observability of sc.
func (sc *SharedComponents) Runner(cfg rlm.Config) func(opts ...rlm.Option) (*rlm.Orchestrator, error) {
	base := []rlm.Option{rlm.WithExecutor(sc.executor)}
	if sc.Journal != nil {
		base = append(base, rlm.WithRecorder(sc.Journal))
	}
	if m := sc.Obs.RunMetrics(); m != nil {
		base = append(base, rlm.WithMetrics(m))
	}
	if t := sc.Obs.RunTracer(); t != nil {
		base = append(base, rlm.WithTracer(t))
	}
	return func(opts ...rlm.Option) (*rlm.Orchestrator, error) {
		all := make([]rlm.Option, 0, len(base)+len(opts))
		all = append(all, base...)
		all = append(all, opts...)
		return rlm.New(cfg, sc.Client, sc.Logger, all...)
	}
}

func initSandbox(cfg *config.Config, logger *slog.Logger) (*sandbox.Executor, error) {
	s := &cfg.Sandbox
	return sandbox.New(sandbox.Config{
		Timeout:        s.Timeout(),
		MaxOutputChars: s.OutputChars(),
		MemoryLimitMB:  s.MemoryMB(),
		Backend:        s.BackendName(),
		WorkerCommand:  s.WorkerCommand,
	}, logger)
}

// initJournal opens the configured journal backend.
func initJournal(cfg *config.Config, logger *slog.Logger) (storage.Journal, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresJournal(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteJournal(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteJournal(cfg *config.Config, logger *slog.Logger) (storage.Journal, error) {
	sqlCfg := sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: "wal",
	}
	if cfg.Storage != nil && cfg.Storage.SQLite.JournalMode != "" {
		sqlCfg.JournalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlCfg, logger)
}

func initPostgresJournal(cfg *config.Config, logger *slog.Logger) (storage.Journal, error) {
	if cfg.Storage == nil || cfg.Storage.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or RLM_DB_DSN)")
	}
	db, err := pgstore.Open(pgstore.FromStorage(cfg.Storage.Postgres), logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return db, nil
}

// newLLMClient builds the default provider, wrapped in a fallback chain when
// fallbacks are configured.
func newLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	primary, err := buildClient(cfg.Providers.Default, cfg, logger)
	if err != nil {
		return nil, err
	}

	if len(cfg.Providers.Fallback) > 0 {
		clients := []llm.Client{primary}
		for _, name := range cfg.Providers.Fallback {
			fb, err := buildClient(name, cfg, logger)
			if err != nil {
				logger.Warn("skipping fallback provider",
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
				continue
			}
			clients = append(clients, fb)
		}
		if len(clients) > 1 {
			return llm.NewFallbackClient(clients, logger), nil
		}
	}

	return primary, nil
}

// buildClient creates a single LLM client by provider name.
func buildClient(name string, cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	p := &cfg.Providers
	switch name {
	case "openai", "":
		var opts []openai.Option
		if p.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.OpenAI.BaseURL))
		}
		return openai.NewClient(p.OpenAI.APIKey, p.OpenAI.Model, logger, opts...), nil
	case "anthropic":
		return anthropic.NewClient(p.Anthropic.APIKey, p.Anthropic.Model, logger), nil
	case "gemini":
		var opts []gemini.Option
		if p.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(p.Gemini.BaseURL))
		}
		return gemini.NewClient(p.Gemini.APIKey, p.Gemini.Model, logger, opts...), nil
	case "ollama":
		baseURL := p.Ollama.BaseURL
		if baseURL == "" {
			baseURL = defaultOllamaBaseURL
		}
		return openai.NewClient("", p.Ollama.Model, logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
		), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}

// meteredPruner reports pruned journal records to the metrics collector.
type meteredPruner struct {
	storage.Journal
	metrics *observability.MetricsCollector
}

func (p meteredPruner) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := p.Journal.Prune(ctx, cutoff)
	p.metrics.ObservePruned(n)
	return n, err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
