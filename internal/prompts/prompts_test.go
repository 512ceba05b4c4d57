package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/rlm/internal/ingest"
	"github.com/jkaninda/rlm/internal/llm"
)

func TestDefault(t *testing.T) {
	msgs := Default(Input{Query: "What is it?", ContextSize: 11, Depth: 0})
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, llm.RoleUser, msgs[1].Role)
	assert.Equal(t, "What is it?", msgs[1].Content)
}

func TestSystemPrompt(t *testing.T) {
	got := SystemPrompt(1234567, 2, ingest.Metadata{})
	assert.True(t, strings.HasPrefix(got, "You are a Recursive Language Model."))
	assert.Contains(t, got, "Size: 1,234,567 characters.")
	assert.Contains(t, got, "recursive_llm(subQuery, subContext)")
	assert.Contains(t, got, "re.findAll(pattern, text, flags?)")
	assert.Contains(t, got, "globalThis.result = value")
	assert.True(t, strings.HasSuffix(got, "Depth: 2\n"))
	assert.NotContains(t, got, "INGESTION")
}

func TestSystemPrompt_Truncated(t *testing.T) {
	meta := ingest.Metadata{OriginalSize: 250000, RetainedSize: 100000, Truncated: true, Mode: ingest.ModeTruncateHeadTail}
	got := SystemPrompt(100000, 0, meta)
	assert.Contains(t, got, "INGESTION: Context was truncated before analysis.")
	assert.Contains(t, got, "- Original size: 250,000 characters")
	assert.Contains(t, got, "- Retained size: 100,000 characters")
	assert.True(t, strings.HasSuffix(got, "- Mode: truncate_head_tail"))
}
