// Package gemini implements the LLM client boundary for the Google Gemini
// generateContent API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jkaninda/rlm/internal/llm"
)

const (
	defaultBaseURL   = "https://generativelanguage.googleapis.com"
	defaultMaxTokens = 4096
)

// ErrMissingContent is returned when no candidate carries text.
var ErrMissingContent = errors.New("Gemini response missing content")

// generationOptions maps pass-through option names to generationConfig keys.
var generationOptions = map[string]string{
	"temperature": "temperature",
	"top_p":       "topP",
	"top_k":       "topK",
	"max_tokens":  "maxOutputTokens",
	"stop":        "stopSequences",
	"seed":        "seed",
}

// Client implements llm.Client using the Gemini API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the Gemini client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Gemini client.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "gemini" }

// Complete sends the conversation to the generateContent endpoint.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	ctx, cancel := req.WithTimeout(ctx)
	defer cancel()

	model := req.Model
	if model == "" {
		model = c.model
	}
	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	baseURL := c.baseURL
	if req.BaseURL != "" {
		baseURL = req.BaseURL
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", strings.TrimRight(baseURL, "/"), model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	apiKey := c.apiKey
	if req.APIKey != "" {
		apiKey = req.APIKey
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	resp, err := toResponse(&apiResp)
	if err != nil {
		return nil, err
	}

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", "gemini"),
		slog.String("model", model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
	)

	return resp, nil
}

func buildRequest(req *llm.Request) apiRequest {
	system, rest := llm.SplitSystem(req.Messages)

	contents := make([]apiContent, 0, len(rest))
	for _, m := range rest {
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "model"
		}
		contents = append(contents, apiContent{Role: role, Parts: []apiPart{{Text: m.Content}}})
	}

	gen := map[string]any{"maxOutputTokens": defaultMaxTokens}
	for k, v := range req.Options {
		if key, ok := generationOptions[k]; ok {
			gen[key] = v
		}
	}

	apiReq := apiRequest{Contents: contents, GenerationConfig: gen}
	if system != "" {
		apiReq.SystemInstruction = &apiContent{Parts: []apiPart{{Text: system}}}
	}
	return apiReq
}

func toResponse(apiResp *apiResponse) (*llm.Response, error) {
	if len(apiResp.Candidates) == 0 {
		return nil, ErrMissingContent
	}

	var text strings.Builder
	found := false
	for _, part := range apiResp.Candidates[0].Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
			found = true
		}
	}
	if !found {
		return nil, ErrMissingContent
	}

	resp := &llm.Response{Content: text.String()}
	if apiResp.UsageMetadata != nil {
		resp.Usage = llm.Usage{
			InputTokens:  apiResp.UsageMetadata.PromptTokenCount,
			OutputTokens: apiResp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return resp, nil
}

// --- Gemini API wire types (unexported) ---

type apiRequest struct {
	Contents          []apiContent   `json:"contents"`
	SystemInstruction *apiContent    `json:"system_instruction,omitempty"`
	GenerationConfig  map[string]any `json:"generation_config,omitempty"`
}

type apiContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []apiPart `json:"parts"`
}

type apiPart struct {
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	Candidates    []apiCandidate `json:"candidates"`
	UsageMetadata *apiUsage      `json:"usageMetadata,omitempty"`
}

type apiCandidate struct {
	Content      apiContent `json:"content"`
	FinishReason string     `json:"finishReason"`
}

type apiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}
