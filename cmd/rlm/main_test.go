package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/rlm/internal/config"
	"github.com/jkaninda/rlm/internal/rlm"
	"github.com/jkaninda/rlm/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := parseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseLevel("loud")
	assert.Error(t, err)
}

func TestReadContext(t *testing.T) {
	got, err := readContext("", nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = readContext("-", strings.NewReader("from stdin"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", got)

	path := filepath.Join(t.TempDir(), "ctx.txt")
	require.NoError(t, os.WriteFile(path, []byte("from file"), 0o600))
	got, err = readContext(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "from file", got)

	_, err = readContext(filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, exitCode(nil))
	assert.Equal(t, ExitRunExhausted, exitCode(&rlm.MaxIterationsError{MaxIterations: 3}))
	assert.Equal(t, ExitRunExhausted, exitCode(&rlm.MaxDepthError{MaxDepth: 2}))
	assert.Equal(t, ExitClientError, exitCode(fmt.Errorf("%w: %w", rlm.ErrClient, errors.New("502"))))
	assert.Equal(t, ExitFailure, exitCode(errors.New("other")))
}

func TestBuildClient(t *testing.T) {
	cfg := &config.Config{}
	for _, name := range []string{"openai", "anthropic", "gemini", "ollama"} {
		c, err := buildClient(name, cfg, discardLogger())
		require.NoError(t, err, name)
		assert.Equal(t, name, c.Name())
	}
	_, err := buildClient("bogus", cfg, discardLogger())
	assert.Error(t, err)
}

func TestNewLLMClient_Fallback(t *testing.T) {
	cfg := &config.Config{Providers: config.ProvidersConfig{
		Default:  "openai",
		Fallback: []string{"bogus", "ollama"},
	}}
	c, err := newLLMClient(cfg, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, "openai+fallback", c.Name())
}

func TestInitSharedAndRunner(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		DataDir: dir,
		Providers: config.ProvidersConfig{
			Default: "ollama",
			Ollama:  config.OllamaConfig{Model: "llama3"},
		},
		RLM:     config.RLMConfig{Model: "llama3", MaxIterations: 4},
		Sandbox: config.SandboxConfig{Backend: "inprocess"},
		Observability: &config.ObservabilityConfig{
			Metrics: &config.MetricsConfig{Enabled: true},
			Health:  &config.HealthConfig{IncludeDB: true, IncludeSandbox: true},
		},
	}

	sc, err := initShared(cfg, discardLogger(), true)
	require.NoError(t, err)
	defer sc.Cleanup()

	assert.Equal(t, storage.DriverSQLite, sc.Journal.Driver())
	assert.Equal(t, "inprocess", sc.Sandbox.BackendName())
	assert.Equal(t, "ok", sc.Obs.Health.CheckReady(t.Context()).Status)

	rc := sc.RunConfig()
	assert.Equal(t, 4, rc.MaxIterations)
	assert.Equal(t, config.DefaultMaxDepth, rc.MaxDepth)
	assert.Equal(t, config.DefaultRequestTimeout, rc.RequestTimeout)

	orch, err := sc.Runner(rc)()
	require.NoError(t, err)
	assert.Equal(t, 0, orch.Depth())
}

func TestPrintRunTable(t *testing.T) {
	var buf bytes.Buffer
	printRunTable(&buf, []storage.RunRecord{{
		ID:         "r1",
		Status:     "success",
		LLMCalls:   2,
		Iterations: 2,
		DurationMS: 1500,
		Query:      "what\nis   this",
		CreatedAt:  time.Now(),
	}})
	out := buf.String()
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "r1")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "what is this")
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "abcd…", clip("abcdefgh", 5))
}
