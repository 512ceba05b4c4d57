// Package prompts builds the opening messages of a run.
package prompts

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/jkaninda/rlm/internal/ingest"
	"github.com/jkaninda/rlm/internal/llm"
)

// Input is what a MessageBuilder sees.
type Input struct {
	Query       string
	ContextSize int
	Depth       int
	Ingestion   ingest.Metadata
}

// MessageBuilder produces the initial conversation of a run.
type MessageBuilder func(Input) []llm.Message

var printer = message.NewPrinter(language.English)

// Default is the built-in MessageBuilder: one system message describing the
// environment and one user message carrying the query.
func Default(in Input) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: SystemPrompt(in.ContextSize, in.Depth, in.Ingestion)},
		{Role: llm.RoleUser, Content: in.Query},
	}
}

// SystemPrompt describes the snippet environment, the context size and the
// recursion depth, plus the ingestion details when the context was cut.
func SystemPrompt(contextSize, depth int, meta ingest.Metadata) string {
	var b strings.Builder
	b.WriteString(`You are a Recursive Language Model. You interact with context through a JavaScript REPL environment.

`)
	printer.Fprintf(&b, "The context is stored in variable `context` (not in this prompt). Size: %d characters.\n", contextSize)
	b.WriteString(`IMPORTANT: You cannot see the context directly. You MUST write JavaScript code to search and explore it.

Available in environment:
- context: string (the document to analyze)
- query: string (the question)
- recursive_llm(subQuery, subContext) -> string (recursively process sub-context; returns the answer directly, no await)
- re.findAll(pattern, text, flags?) -> string[]
- re.search(pattern, text, flags?) -> number
- re.match(pattern, text, flags?) -> string | null

Write JavaScript code to answer the query. The last expression or print() output will be shown to you.

Examples:
- print(context.slice(0, 500))
- const matches = re.findAll('keyword.*', context, 'g'); print(matches.slice(0, 5))
- const idx = context.indexOf('search term'); print(context.slice(idx, idx + 200))
- const result = recursive_llm('extract dates', context.slice(1000, 2000))

CRITICAL: Do NOT guess or make up answers. You MUST search the context first to find the actual information.
Only use FINAL("answer") after you have found concrete evidence in the context.
If you need to return a variable via FINAL_VAR(name), assign it on globalThis (e.g., globalThis.result = value).

`)
	printer.Fprintf(&b, "Depth: %d\n", depth)
	if meta.Truncated {
		b.WriteString("\nINGESTION: Context was truncated before analysis.\n")
		printer.Fprintf(&b, "- Original size: %d characters\n", meta.OriginalSize)
		printer.Fprintf(&b, "- Retained size: %d characters\n", meta.RetainedSize)
		printer.Fprintf(&b, "- Mode: %s", meta.Mode)
	}
	return b.String()
}
