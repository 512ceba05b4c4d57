// Package pattern implements the regex helpers exposed to sandboxed code as
// re.findAll, re.search and re.match.
//
// Patterns use regexp2 so that constructs models commonly write (lookaround,
// backreferences, named groups) behave as they would in a JavaScript RegExp.
// Indices are character offsets.
package pattern

import (
	"fmt"
	"time"

	"github.com/dlclark/regexp2"
)

// MatchTimeout bounds a single match attempt so a pathological pattern cannot
// pin the sandbox.
var MatchTimeout = 2 * time.Second

// FindAll returns every match of pattern in text, in order. Matching is always
// global, whether or not flags contains "g".
func FindAll(pattern, text, flags string) ([]string, error) {
	re, err := compile(pattern, flags)
	if err != nil {
		return nil, err
	}

	matches := []string{}
	m, err := re.FindStringMatch(text)
	for m != nil && err == nil {
		matches = append(matches, m.String())
		m, err = re.FindNextMatch(m)
	}
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// Search returns the character index of the first match, or -1.
func Search(pattern, text, flags string) (int, error) {
	re, err := compile(pattern, flags)
	if err != nil {
		return -1, err
	}
	m, err := re.FindStringMatch(text)
	if err != nil {
		return -1, err
	}
	if m == nil {
		return -1, nil
	}
	return m.Index, nil
}

// Match returns the text of the first match. ok is false when nothing matched.
func Match(pattern, text, flags string) (match string, ok bool, err error) {
	re, err := compile(pattern, flags)
	if err != nil {
		return "", false, err
	}
	m, err := re.FindStringMatch(text)
	if err != nil || m == nil {
		return "", false, err
	}
	return m.String(), true, nil
}

func compile(pattern, flags string) (*regexp2.Regexp, error) {
	opts, err := parseFlags(flags)
	if err != nil {
		return nil, err
	}
	re, err := regexp2.Compile(pattern, opts)
	if err != nil {
		return nil, fmt.Errorf("Invalid regular expression: /%s/: %w", pattern, err)
	}
	re.MatchTimeout = MatchTimeout
	return re, nil
}

// parseFlags maps JavaScript RegExp flags to regexp2 options. "g", "u" and
// "y" are accepted and have no effect on a single match. ECMAScript mode
// cannot be combined with Singleline, so "s" drops it.
func parseFlags(flags string) (regexp2.RegexOptions, error) {
	opts := regexp2.None
	dotAll := false
	seen := make(map[rune]bool, len(flags))
	for _, f := range flags {
		if seen[f] {
			return 0, fmt.Errorf("Invalid flags supplied to RegExp constructor '%s'", flags)
		}
		seen[f] = true

		switch f {
		case 'i':
			opts |= regexp2.IgnoreCase
		case 'm':
			opts |= regexp2.Multiline
		case 's':
			dotAll = true
		case 'g', 'u', 'y':
		default:
			return 0, fmt.Errorf("Invalid flags supplied to RegExp constructor '%s'", flags)
		}
	}
	if dotAll {
		return opts | regexp2.Singleline, nil
	}
	return opts | regexp2.ECMAScript, nil
}
