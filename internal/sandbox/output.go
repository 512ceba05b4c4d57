package sandbox

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// NoCodeMessage is returned when a response contains nothing to run.
	NoCodeMessage = "No code to execute"
	// NoOutputMessage is returned when a snippet ran but produced nothing.
	NoOutputMessage = "Code executed successfully (no output)"

	truncationTemplate = "\n\n[Output truncated: %d chars total, showing first %d]"

	// captureLimit bounds how much output is kept in memory for one snippet.
	// Beyond it lines are only counted.
	captureLimit = 1 << 20
)

var fencePattern = regexp.MustCompile("(?i)```(?:javascript|js|ts)?\n([\\s\\S]*?)```")

// assignmentPattern matches an assignment operator, but not ==, !=, <=, >=
// or =>.
var assignmentPattern = regexp.MustCompile(`(?:^|[^=!<>])=(?:[^=>]|$)`)

// expressionBlocklist holds line prefixes that mark a statement rather than a
// bare expression.
var expressionBlocklist = []string{
	"const ", "let ", "var ", "function ", "class ",
	"if ", "for ", "while ", "switch ", "return ",
	"import ", "export ", "try ", "catch ", "throw ",
}

// ExtractCode returns the trimmed interior of the first fenced code block in
// text, or the trimmed text when there is none.
func ExtractCode(text string) string {
	if m := fencePattern.FindStringSubmatch(text); m != nil && m[1] != "" {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

// isExpressionLine reports whether line looks like a bare expression whose
// value should be shown to the model. A line holding only a comment is not.
func isExpressionLine(line string) bool {
	trimmed := strings.TrimSpace(stripComments(line))
	if trimmed == "" {
		return false
	}
	for _, prefix := range expressionBlocklist {
		if strings.HasPrefix(trimmed, prefix) {
			return false
		}
	}
	return !assignmentPattern.MatchString(trimmed)
}

// stripComments removes // and /* */ comments from one line, leaving string
// literals intact.
func stripComments(line string) string {
	var b strings.Builder
	rs := []rune(line)
	var quote rune
	inBlock := false
	for i := 0; i < len(rs); i++ {
		c := rs[i]
		next := rune(0)
		if i+1 < len(rs) {
			next = rs[i+1]
		}
		switch {
		case inBlock:
			if c == '*' && next == '/' {
				inBlock = false
				i++
			}
			continue
		case quote != 0:
			b.WriteRune(c)
			if c == '\\' && next != 0 {
				b.WriteRune(next)
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		case c == '/' && next == '/':
			return b.String()
		case c == '/' && next == '*':
			inBlock = true
			i++
			continue
		case c == '"' || c == '\'' || c == '`':
			quote = c
		}
		b.WriteRune(c)
	}
	return b.String()
}

// lastLine returns the last non-blank line of code.
func lastLine(code string) string {
	lines := strings.Split(code, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

// shapeOutput applies the default message and the output ceiling. total is
// the character count of the complete output, which may exceed what text
// holds.
func shapeOutput(text string, total, maxChars int) string {
	if total == 0 {
		text = NoOutputMessage
		total = utf8.RuneCountInString(text)
	}
	if total <= maxChars {
		return strings.TrimSpace(text)
	}
	kept := []rune(text)
	if len(kept) > maxChars {
		kept = kept[:maxChars]
	}
	return strings.TrimSpace(string(kept) + fmt.Sprintf(truncationTemplate, total, maxChars))
}

// capture accumulates newline-joined output lines up to a limit while
// counting everything.
type capture struct {
	b      strings.Builder
	stored int
	total  int
	lines  int
	limit  int
}

func newCapture(maxChars int) *capture {
	limit := captureLimit
	if maxChars >= limit {
		limit = maxChars + 1
	}
	return &capture{limit: limit}
}

func (c *capture) add(line string) {
	if c.lines > 0 {
		c.write("\n")
	}
	c.lines++
	c.write(line)
}

func (c *capture) write(s string) {
	n := utf8.RuneCountInString(s)
	c.total += n
	if c.stored >= c.limit {
		return
	}
	if c.stored+n > c.limit {
		s = string([]rune(s)[:c.limit-c.stored])
		n = c.limit - c.stored
	}
	c.b.WriteString(s)
	c.stored += n
}

func (c *capture) text() string { return c.b.String() }
