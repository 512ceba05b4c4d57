// Package parser recognizes terminating model responses.
//
// A response terminates a run when it carries FINAL("answer") in one of four
// quoting styles, or FINAL_VAR(name) naming a binding in the run's
// environment.
package parser

import (
	"regexp"
	"strings"

	"github.com/jkaninda/rlm/internal/sandbox"
)

// finalPatterns are tried in order; the first match wins.
var finalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`FINAL\s*\(\s*"""([\s\S]*?)"""\s*\)`),
	regexp.MustCompile(`FINAL\s*\(\s*'''([\s\S]*?)'''\s*\)`),
	regexp.MustCompile(`FINAL\s*\(\s*"([\s\S]*?)"\s*\)`),
	regexp.MustCompile(`FINAL\s*\(\s*'([\s\S]*?)'\s*\)`),
}

var finalVarPattern = regexp.MustCompile(`FINAL_VAR\s*\(\s*(\w+)\s*\)`)

// Lookup resolves environment bindings. *sandbox.Environment implements it.
type Lookup interface {
	Lookup(name string) (any, bool)
}

// IsFinal is a cheap pre-check for a terminating marker.
func IsFinal(text string) bool {
	return strings.Contains(text, "FINAL(") || strings.Contains(text, "FINAL_VAR(")
}

// ExtractFinal returns the trimmed literal answer of a FINAL(...) marker.
func ExtractFinal(text string) (string, bool) {
	for _, p := range finalPatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1]), true
		}
	}
	return "", false
}

// ExtractFinalVar resolves a FINAL_VAR(name) marker against env. An unbound
// name is not an answer.
func ExtractFinalVar(text string, env Lookup) (string, bool) {
	m := finalVarPattern.FindStringSubmatch(text)
	if m == nil || env == nil {
		return "", false
	}
	v, ok := env.Lookup(m[1])
	if !ok {
		return "", false
	}
	return sandbox.Stringify(v), true
}

// Parse extracts the answer from a terminating response.
func Parse(text string, env Lookup) (string, bool) {
	if answer, ok := ExtractFinal(text); ok {
		return answer, true
	}
	return ExtractFinalVar(text, env)
}
