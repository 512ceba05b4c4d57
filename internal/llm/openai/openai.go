// Package openai implements the LLM client boundary for OpenAI-compatible
// Chat Completions APIs. It also serves Ollama and any other server exposing
// the same wire format under a different base URL.
package openai

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
	defaultBaseURL  = "https://api.openai.com/v1"
	completionsPath = "/chat/completions"
)

// ErrMissingContent is returned when a response carries no usable text.
var ErrMissingContent = errors.New("OpenAI-compatible response missing content")

// allowedOptions are the request options passed through to the API.
var allowedOptions = map[string]bool{
	"temperature":       true,
	"top_p":             true,
	"max_tokens":        true,
	"stop":              true,
	"stream":            true,
	"presence_penalty":  true,
	"frequency_penalty": true,
	"logit_bias":        true,
	"response_format":   true,
	"seed":              true,
	"user":              true,
	"tools":             true,
	"tool_choice":       true,
	"n":                 true,
}

// Client implements llm.Client using the Chat Completions API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	name       string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the OpenAI client.
type Option func(*Client)

// WithBaseURL overrides the API base URL, e.g. http://localhost:11434/v1.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithName overrides the provider name (e.g. "ollama").
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers[key] = value }
}

// NewClient creates an OpenAI-compatible client. model is used when a
// request does not name one.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		name:       "openai",
		headers:    make(map[string]string),
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return c.name }

// Complete sends the conversation to the Chat Completions endpoint.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	ctx, cancel := req.WithTimeout(ctx)
	defer cancel()

	model := req.Model
	if model == "" {
		model = c.model
	}
	body, err := json.Marshal(c.buildRequest(model, req))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	baseURL := c.baseURL
	if req.BaseURL != "" {
		baseURL = req.BaseURL
	}
	url := strings.TrimRight(baseURL, "/") + completionsPath

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	apiKey := c.apiKey
	if req.APIKey != "" {
		apiKey = req.APIKey
	}
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	content, err := extractContent(&apiResp)
	if err != nil {
		return nil, err
	}
	resp := &llm.Response{
		Content: content,
		Usage: llm.Usage{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
		},
	}

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", c.name),
		slog.String("model", model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
	)

	return resp, nil
}

// buildRequest flattens model, messages and the allowed options into one
// JSON object.
func (c *Client) buildRequest(model string, req *llm.Request) map[string]any {
	messages := make([]apiMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = apiMessage{Role: string(m.Role), Content: m.Content}
	}
	body := llm.FilterOptions(req.Options, allowedOptions)
	body["model"] = model
	body["messages"] = messages
	return body
}

// extractContent reads the first choice's content, which is either a string
// or an array of typed segments.
func extractContent(resp *apiResponse) (string, error) {
	if len(resp.Choices) == 0 || len(resp.Choices[0].Message.Content) == 0 {
		return "", ErrMissingContent
	}
	raw := resp.Choices[0].Message.Content
	if string(raw) == "null" {
		return "", ErrMissingContent
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []apiSegment
	if err := json.Unmarshal(raw, &segments); err != nil {
		return "", ErrMissingContent
	}
	var b strings.Builder
	found := false
	for _, s := range segments {
		if s.Type == "text" {
			b.WriteString(s.Text)
			found = true
		}
	}
	if !found {
		return "", ErrMissingContent
	}
	return b.String(), nil
}

// --- OpenAI API wire types (unexported) ---

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Choices []apiChoice `json:"choices"`
	Usage   apiUsage    `json:"usage"`
}

type apiChoice struct {
	Message      apiChoiceMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type apiChoiceMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type apiSegment struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}
