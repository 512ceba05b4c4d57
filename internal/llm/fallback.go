package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// FallbackClient wraps multiple clients and tries them in order.
// If the primary client fails, subsequent clients are tried until
// one succeeds or all have failed.
type FallbackClient struct {
	clients []Client
	logger  *slog.Logger
}

// NewFallbackClient creates a client that tries each client in order.
// At least one client is required.
func NewFallbackClient(clients []Client, logger *slog.Logger) *FallbackClient {
	if len(clients) == 0 {
		panic("FallbackClient requires at least one client")
	}
	return &FallbackClient{
		clients: clients,
		logger:  logger,
	}
}

// Complete tries each client in order, returning the first successful response.
func (f *FallbackClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for i, c := range f.clients {
		resp, err := c.Complete(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "provider fallback succeeded",
					slog.String("provider", c.Name()),
					slog.Int("attempt", i+1),
				)
			}
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		f.logger.WarnContext(ctx, "provider failed, trying next",
			slog.String("provider", c.Name()),
			slog.String("error", err.Error()),
			slog.Int("attempt", i+1),
			slog.Int("remaining", len(f.clients)-i-1),
		)
	}
	return nil, fmt.Errorf("all %d providers failed, last error: %w", len(f.clients), lastErr)
}

// Name returns a composite name indicating fallback configuration.
func (f *FallbackClient) Name() string {
	return f.clients[0].Name() + "+fallback"
}
