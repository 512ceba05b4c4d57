// Package ingest prepares caller-supplied context for a run by applying the
// configured size ceiling.
//
// Sizes are counted in characters (Unicode code points), never bytes, so a
// truncated context never splits a multi-byte character.
package ingest

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// DefaultMaxChars is the context ceiling used when none is configured.
	DefaultMaxChars = 100_000

	// ModeTruncateHeadTail keeps the first and last halves of an oversized
	// context and discards the middle.
	ModeTruncateHeadTail = "truncate_head_tail"
	// ModeError rejects an oversized context.
	ModeError = "error"

	DefaultMode = ModeTruncateHeadTail
)

// ErrContextTooLarge is the sentinel matched by *ContextTooLargeError.
var ErrContextTooLarge = errors.New("context too large")

// ContextTooLargeError is returned by Prepare in ModeError when the context
// exceeds the limit.
type ContextTooLargeError struct {
	OriginalSize int
	Limit        int
}

func (e *ContextTooLargeError) Error() string {
	return fmt.Sprintf("Context too large (%d chars); max is %d", e.OriginalSize, e.Limit)
}

func (e *ContextTooLargeError) Unwrap() error { return ErrContextTooLarge }

// Metadata describes what Prepare did to the context. It is produced once per
// run and embedded in the first system message.
type Metadata struct {
	OriginalSize int    `json:"original_size"`
	RetainedSize int    `json:"retained_size"`
	Truncated    bool   `json:"truncated"`
	Mode         string `json:"mode"`
}

// ValidMode reports whether mode is a supported oversize mode.
func ValidMode(mode string) bool {
	return mode == ModeTruncateHeadTail || mode == ModeError
}

// Prepare returns context unchanged when it fits within maxChars. Otherwise
// it either fails (ModeError) or keeps floor(maxChars/2) characters from the
// head and the remainder from the tail, concatenated head first.
func Prepare(context string, maxChars int, mode string) (string, Metadata, error) {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if mode == "" {
		mode = DefaultMode
	}

	original := utf8.RuneCountInString(context)
	if original <= maxChars {
		return context, Metadata{
			OriginalSize: original,
			RetainedSize: original,
			Mode:         mode,
		}, nil
	}

	if mode == ModeError {
		return "", Metadata{}, &ContextTooLargeError{OriginalSize: original, Limit: maxChars}
	}

	runes := []rune(context)
	headLen := maxChars / 2
	tailLen := maxChars - headLen

	retained := string(runes[:headLen]) + string(runes[len(runes)-tailLen:])

	return retained, Metadata{
		OriginalSize: original,
		RetainedSize: utf8.RuneCountInString(retained),
		Truncated:    true,
		Mode:         mode,
	}, nil
}
