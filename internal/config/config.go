// Package config handles loading and validating rlm configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/rlm/internal/ingest"
	"github.com/jkaninda/rlm/internal/storage"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Defaults applied when a value is unset.
const (
	DefaultProvider        = "openai"
	DefaultMaxDepth        = 5
	DefaultMaxIterations   = 30
	DefaultMaxContextChars = ingest.DefaultMaxChars
	DefaultOversizeMode    = ingest.DefaultMode
	DefaultRequestTimeout  = 120 * time.Second

	DefaultSandboxBackend = "auto"
	DefaultSandboxTimeout = time.Second
	DefaultMaxOutputChars = 2000
	DefaultMemoryLimitMB  = 128
	MinMemoryLimitMB      = 8

	DefaultHTTPListenAddr  = ":8080"
	DefaultMaxRequestBytes = 16 << 20
	DefaultMCPListenAddr   = ":8090"
)

// Config is the root configuration for rlm.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.rlm/data. Override: RLM_DATA_DIR env var.
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	RLM           RLMConfig            `json:"rlm" yaml:"rlm"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Storage       *storage.Config      `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under the data directory
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
}

// RLMConfig configures the run loop.
type RLMConfig struct {
	Model                 string         `json:"model" yaml:"model"`                     // Empty = the default provider's model. Override: RLM_MODEL.
	RecursiveModel        string         `json:"recursive_model" yaml:"recursive_model"` // Model for delegated sub-runs. Empty = model. Override: RLM_RECURSIVE_MODEL.
	BaseURL               string         `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	MaxDepth              int            `json:"max_depth" yaml:"max_depth"`
	MaxIterations         int            `json:"max_iterations" yaml:"max_iterations"`
	MaxContextChars       int            `json:"max_context_chars" yaml:"max_context_chars"`
	OversizeMode          string         `json:"oversize_mode" yaml:"oversize_mode"` // "truncate_head_tail" (default) or "error".
	RequestTimeoutSeconds int            `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	LLMOptions            map[string]any `json:"llm_options,omitempty" yaml:"llm_options,omitempty"` // Passed to the provider on every call.
}

// Depth returns the max depth with a default of 5.
func (r *RLMConfig) Depth() int {
	if r != nil && r.MaxDepth > 0 {
		return r.MaxDepth
	}
	return DefaultMaxDepth
}

// Iterations returns the max iterations with a default of 30.
func (r *RLMConfig) Iterations() int {
	if r != nil && r.MaxIterations > 0 {
		return r.MaxIterations
	}
	return DefaultMaxIterations
}

// ContextChars returns the context ceiling with a default of 100000.
func (r *RLMConfig) ContextChars() int {
	if r != nil && r.MaxContextChars > 0 {
		return r.MaxContextChars
	}
	return DefaultMaxContextChars
}

// Oversize returns the oversize mode with a default of truncate_head_tail.
func (r *RLMConfig) Oversize() string {
	if r != nil && r.OversizeMode != "" {
		return r.OversizeMode
	}
	return DefaultOversizeMode
}

// RequestTimeout returns the per-call timeout with a default of 120s.
func (r *RLMConfig) RequestTimeout() time.Duration {
	if r != nil && r.RequestTimeoutSeconds > 0 {
		return time.Duration(r.RequestTimeoutSeconds) * time.Second
	}
	return DefaultRequestTimeout
}

// SandboxConfig configures snippet execution.
type SandboxConfig struct {
	Backend        string   `json:"backend" yaml:"backend"` // "auto" (default), "isolated" or "inprocess". Override: RLM_SANDBOX_BACKEND.
	TimeoutMS      int      `json:"timeout_ms" yaml:"timeout_ms"`
	MaxOutputChars int      `json:"max_output_chars" yaml:"max_output_chars"`
	MemoryLimitMB  int      `json:"memory_limit_mb" yaml:"memory_limit_mb"`           // Isolated backend only. Minimum 8.
	WorkerCommand  []string `json:"worker_command,omitempty" yaml:"worker_command,omitempty"` // Default: the rlm binary itself.
}

// BackendName returns the sandbox backend with a default of "auto".
func (s *SandboxConfig) BackendName() string {
	if s != nil && s.Backend != "" {
		return s.Backend
	}
	return DefaultSandboxBackend
}

// Timeout returns the per-snippet timeout with a default of 1s.
func (s *SandboxConfig) Timeout() time.Duration {
	if s != nil && s.TimeoutMS > 0 {
		return time.Duration(s.TimeoutMS) * time.Millisecond
	}
	return DefaultSandboxTimeout
}

// OutputChars returns the output ceiling with a default of 2000.
func (s *SandboxConfig) OutputChars() int {
	if s != nil && s.MaxOutputChars > 0 {
		return s.MaxOutputChars
	}
	return DefaultMaxOutputChars
}

// MemoryMB returns the memory ceiling with a default of 128 and a floor of 8.
func (s *SandboxConfig) MemoryMB() int {
	if s == nil || s.MemoryLimitMB <= 0 {
		return DefaultMemoryLimitMB
	}
	return max(s.MemoryLimitMB, MinMemoryLimitMB)
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "rlm"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// GatewaysConfig defines the network surfaces. Nil pointers mean the gateway
// is not configured.
type GatewaysConfig struct {
	HTTP *HTTPGatewayConfig `json:"http,omitempty" yaml:"http,omitempty"`
	MCP  *MCPGatewayConfig  `json:"mcp,omitempty" yaml:"mcp,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool            `json:"enabled" yaml:"enabled"`
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"`
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Stream              bool            `json:"stream" yaml:"stream"` // Enable the WebSocket run-event stream.
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return DefaultHTTPListenAddr
}

// MaxRequestBytes returns the body limit with a default of 16 MiB.
func (h *HTTPGatewayConfig) MaxRequestBytes() int64 {
	if h != nil && h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return DefaultMaxRequestBytes
}

// MCPGatewayConfig configures the MCP server.
type MCPGatewayConfig struct {
	Transport  string `json:"transport" yaml:"transport"` // "stdio" (default) or "sse".
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	BaseURL    string `json:"base_url,omitempty" yaml:"base_url,omitempty"` // Public URL advertised by the SSE transport.
}

// TransportName returns the MCP transport with a default of "stdio".
func (m *MCPGatewayConfig) TransportName() string {
	if m != nil && m.Transport != "" {
		return m.Transport
	}
	return "stdio"
}

// Addr returns the SSE listen address with a default of ":8090".
func (m *MCPGatewayConfig) Addr() string {
	if m != nil && m.ListenAddr != "" {
		return m.ListenAddr
	}
	return DefaultMCPListenAddr
}

// RateLimitConfig configures per-client rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ProvidersConfig selects and configures the LLM backends.
type ProvidersConfig struct {
	Default   string          `json:"default" yaml:"default"`                       // "openai", "anthropic", "gemini", "ollama". Empty = "openai". Override: RLM_PROVIDER.
	Fallback  []string        `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Fallback providers tried in order when default fails.
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
	Gemini    GeminiConfig    `json:"gemini" yaml:"gemini"`
	Ollama    OllamaConfig    `json:"ollama" yaml:"ollama"`
}

type AnthropicConfig struct {
	APIKey string `json:"api_key" yaml:"api_key"`
	Model  string `json:"model" yaml:"model"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Any OpenAI-compatible server. Defaults to https://api.openai.com/v1.
}

type GeminiConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://generativelanguage.googleapis.com.
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to http://localhost:11434/v1.
}

// ProviderModel returns the configured model of the named provider.
func (p *ProvidersConfig) ProviderModel(name string) string {
	switch name {
	case "anthropic":
		return p.Anthropic.Model
	case "openai":
		return p.OpenAI.Model
	case "gemini":
		return p.Gemini.Model
	case "ollama":
		return p.Ollama.Model
	}
	return ""
}

// DefaultConfigPath returns the default config file path (~/.rlm/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/rlm.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".rlm", "config.yaml")
}

// Default returns a configuration built from defaults and the environment
// only, for running without a config file.
func Default() (*Config, error) {
	cfg := &Config{}
	return cfg, cfg.finish()
}

// LoadOrDefault loads path when it exists. A missing file at the default
// location falls back to Default; a missing explicit path is an error.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
		resolved, err := resolvePath(path)
		if err == nil {
			if _, statErr := os.Stat(resolved); errors.Is(statErr, os.ErrNotExist) {
				return Default()
			}
		}
	}
	return Load(path)
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Provider API keys can be set in the config file or overridden by
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// finish applies environment overrides and defaults, then validates.
func (c *Config) finish() error {
	c.applyEnv()

	// Resolve DataDir default.
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".rlm", "data")
		}
	}
	if c.Providers.Default == "" {
		c.Providers.Default = DefaultProvider
	}
	if c.RLM.Model == "" {
		c.RLM.Model = c.Providers.ProviderModel(c.Providers.Default)
	}

	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyEnv applies environment variable overrides. Env vars take precedence
// over config values.
func (c *Config) applyEnv() {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		c.Providers.Anthropic.APIKey = envKey
	}
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		c.Providers.OpenAI.APIKey = envKey
	}
	if envKey := os.Getenv("GEMINI_API_KEY"); envKey != "" {
		c.Providers.Gemini.APIKey = envKey
	}
	if v := os.Getenv("RLM_PROVIDER"); v != "" {
		c.Providers.Default = v
	}
	if v := os.Getenv("RLM_MODEL"); v != "" {
		c.RLM.Model = v
	}
	if v := os.Getenv("RLM_RECURSIVE_MODEL"); v != "" {
		c.RLM.RecursiveModel = v
	}
	if v := os.Getenv("RLM_BASE_URL"); v != "" {
		c.RLM.BaseURL = v
	}
	if v := os.Getenv("RLM_SANDBOX_BACKEND"); v != "" {
		c.Sandbox.Backend = v
	}
	if v := os.Getenv("RLM_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("RLM_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &storage.Config{}
		}
		c.Storage.Driver = storage.DriverPostgres
		c.Storage.Postgres.DSN = v
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".rlm", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite journal path: storage.sqlite.path when
// set, else rlm.db under the data directory.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite.Path != "" {
		if resolved, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return resolved
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "rlm.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil && c.Storage.Driver != "" {
		return c.Storage.Driver
	}
	return storage.DefaultDriver
}

func (c *Config) validate() error {
	if err := c.validateProvider(c.Providers.Default); err != nil {
		return err
	}
	for _, name := range c.Providers.Fallback {
		if err := c.validateProvider(name); err != nil {
			return fmt.Errorf("providers.fallback: %w", err)
		}
	}
	if c.RLM.Model == "" {
		return fmt.Errorf("rlm.model is required (or set providers.%s.model, or RLM_MODEL)", c.Providers.Default)
	}
	if c.RLM.MaxDepth < 0 {
		return fmt.Errorf("rlm.max_depth must not be negative")
	}
	if c.RLM.MaxIterations < 0 {
		return fmt.Errorf("rlm.max_iterations must not be negative")
	}
	if c.RLM.MaxContextChars < 0 {
		return fmt.Errorf("rlm.max_context_chars must not be negative")
	}
	if c.RLM.OversizeMode != "" && !ingest.ValidMode(c.RLM.OversizeMode) {
		return fmt.Errorf("rlm.oversize_mode %q is not supported (use %s or %s)", c.RLM.OversizeMode, ingest.ModeTruncateHeadTail, ingest.ModeError)
	}
	switch c.Sandbox.BackendName() {
	case "auto", "isolated", "inprocess":
	default:
		return fmt.Errorf("sandbox.backend %q is not supported (use auto, isolated or inprocess)", c.Sandbox.Backend)
	}
	if c.Sandbox.TimeoutMS < 0 {
		return fmt.Errorf("sandbox.timeout_ms must not be negative")
	}
	if c.Sandbox.MemoryLimitMB < 0 {
		return fmt.Errorf("sandbox.memory_limit_mb must not be negative")
	}
	// Storage driver validation.
	if c.Storage != nil {
		switch c.StorageDriverName() {
		case storage.DriverSQLite:
		case storage.DriverPostgres:
			if c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required (set RLM_DB_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
		if c.Storage.Retention.Days < 0 {
			return fmt.Errorf("storage.retention.days must not be negative")
		}
	}
	if m := c.Gateways.MCP; m != nil {
		switch m.TransportName() {
		case "stdio", "sse":
		default:
			return fmt.Errorf("gateways.mcp.transport %q is not supported (use stdio or sse)", m.Transport)
		}
	}
	return nil
}

// validateProvider checks that the named LLM provider has the required fields.
func (c *Config) validateProvider(name string) error {
	switch name {
	case "anthropic":
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("providers.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
		}
	case "openai":
		// Compatible servers behind a custom base URL may not need a key.
		if c.Providers.OpenAI.APIKey == "" && c.Providers.OpenAI.BaseURL == "" && c.RLM.BaseURL == "" {
			return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "gemini":
		if c.Providers.Gemini.APIKey == "" {
			return fmt.Errorf("providers.gemini.api_key is required (set GEMINI_API_KEY env var)")
		}
	case "ollama":
	default:
		return fmt.Errorf("provider %q is not supported (use openai, anthropic, gemini, or ollama)", name)
	}
	return nil
}
