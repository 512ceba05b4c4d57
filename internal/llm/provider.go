// Package llm defines the provider-agnostic boundary to chat-completion
// backends. A run only needs one operation from a backend: turn an ordered
// list of role-tagged messages into a completion string.
package llm

import (
	"context"
	"strings"
	"time"
)

// Client is the abstraction over any chat-completion backend.
type Client interface {
	// Complete sends the conversation and returns the model's reply.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "openai").
	Name() string
}

// Role identifies who sent a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in the conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is one completion call.
type Request struct {
	Model    string
	Messages []Message

	// APIKey and BaseURL override the client's configured values when set.
	APIKey  string
	BaseURL string

	// Timeout bounds this call only. Zero = no per-call timeout.
	Timeout time.Duration

	// Options are provider options passed through verbatim, subject to each
	// client's allow-list (temperature, max_tokens, ...).
	Options map[string]any
}

// Response is what the backend returns.
type Response struct {
	Content string
	Usage   Usage
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// WithTimeout derives the context a client should use for req.
func (r *Request) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.Timeout > 0 {
		return context.WithTimeout(ctx, r.Timeout)
	}
	return context.WithCancel(ctx)
}

// FilterOptions keeps the options whose keys are in allowed.
func FilterOptions(opts map[string]any, allowed map[string]bool) map[string]any {
	out := make(map[string]any, len(opts))
	for k, v := range opts {
		if allowed[k] {
			out[k] = v
		}
	}
	return out
}

// SplitSystem separates system messages from the conversation. The system
// texts are joined with a blank line.
func SplitSystem(msgs []Message) (system string, rest []Message) {
	var parts []string
	for _, m := range msgs {
		if m.Role == RoleSystem {
			parts = append(parts, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(parts, "\n\n"), rest
}
