package rlm

import (
	"time"

	"github.com/jkaninda/rlm/internal/ingest"
	"github.com/jkaninda/rlm/internal/prompts"
)

const (
	DefaultMaxDepth        = 5
	DefaultMaxIterations   = 30
	DefaultMaxContextChars = ingest.DefaultMaxChars
	DefaultOversizeMode    = ingest.DefaultMode
)

// Config is the run configuration. It is immutable per Orchestrator and
// inherited unchanged by delegated sub-runs.
type Config struct {
	Model          string // Primary model, used at depth 0.
	RecursiveModel string // Model for depth > 0. Empty = Model.

	APIKey  string // Passed to the client on every call. Empty = client default.
	BaseURL string // Passed to the client on every call. Empty = client default.

	MaxDepth        int
	MaxIterations   int
	MaxContextChars int
	OversizeMode    string

	// RequestTimeout bounds each model call. Zero = none.
	RequestTimeout time.Duration

	// LLMOptions are provider options sent with every call.
	LLMOptions map[string]any

	// MessageBuilder replaces the default opening messages.
	MessageBuilder prompts.MessageBuilder
}

func (c Config) withDefaults() Config {
	if c.RecursiveModel == "" {
		c.RecursiveModel = c.Model
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxContextChars <= 0 {
		c.MaxContextChars = DefaultMaxContextChars
	}
	if c.OversizeMode == "" {
		c.OversizeMode = DefaultOversizeMode
	}
	if c.MessageBuilder == nil {
		c.MessageBuilder = prompts.Default
	}
	return c
}

// Overrides adjust a single run's model calls.
type Overrides struct {
	Model   string         // Replaces the depth-selected model.
	Timeout time.Duration  // Replaces Config.RequestTimeout.
	Options map[string]any // Merged over Config.LLMOptions.
}

// Stats describe the latest run of an Orchestrator. LLMCalls accumulates
// across runs of the same instance; Iterations reflects the latest run.
type Stats struct {
	LLMCalls   int `json:"llm_calls"`
	Iterations int `json:"iterations"`
	Depth      int `json:"depth"`
}
