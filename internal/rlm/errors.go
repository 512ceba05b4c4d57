package rlm

import (
	"context"
	"errors"
	"fmt"

	"github.com/jkaninda/rlm/internal/ingest"
)

var (
	// ErrMaxDepth is matched by *MaxDepthError.
	ErrMaxDepth = errors.New("max recursion depth exceeded")
	// ErrMaxIterations is matched by *MaxIterationsError.
	ErrMaxIterations = errors.New("max iterations exceeded")
	// ErrClient wraps every failure of the LLM client boundary.
	ErrClient = errors.New("llm client failure")
	// ErrContextTooLarge is matched by *ContextTooLargeError.
	ErrContextTooLarge = ingest.ErrContextTooLarge
)

// ContextTooLargeError reports an oversized context under the "error" mode.
type ContextTooLargeError = ingest.ContextTooLargeError

// MaxDepthError is returned when a run starts at or beyond the recursion
// ceiling.
type MaxDepthError struct {
	MaxDepth int
}

func (e *MaxDepthError) Error() string {
	return fmt.Sprintf("Max recursion depth (%d) exceeded", e.MaxDepth)
}

func (e *MaxDepthError) Unwrap() error { return ErrMaxDepth }

// MaxIterationsError is returned when the loop budget runs out without a
// terminating response.
type MaxIterationsError struct {
	MaxIterations int
}

func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("Max iterations (%d) exceeded without FINAL()", e.MaxIterations)
}

func (e *MaxIterationsError) Unwrap() error { return ErrMaxIterations }

// Status classifies how a run ended, for logs, metrics and the journal.
func Status(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrMaxIterations):
		return StatusMaxIterations
	case errors.Is(err, ErrMaxDepth):
		return StatusMaxDepth
	case errors.Is(err, ErrContextTooLarge):
		return StatusContextTooLarge
	case errors.Is(err, ErrClient):
		return StatusClientError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusCanceled
	default:
		return StatusClientError
	}
}

const (
	StatusSuccess         = "success"
	StatusMaxIterations   = "max_iterations"
	StatusMaxDepth        = "max_depth"
	StatusContextTooLarge = "context_too_large"
	StatusCanceled        = "canceled"
	StatusClientError     = "client_error"
)
