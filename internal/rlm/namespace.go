package rlm

import (
	"context"

	"github.com/jkaninda/rlm/internal/pattern"
	"github.com/jkaninda/rlm/internal/sandbox"
)

// patternNamespace builds the `re` object snippets see.
func patternNamespace() sandbox.Namespace {
	return sandbox.Namespace{
		"findAll": func(_ context.Context, args []any) (any, error) {
			matches, err := pattern.FindAll(argString(args, 0), argString(args, 1), flagsArg(args, "g"))
			if err != nil {
				return nil, err
			}
			return matches, nil
		},
		"search": func(_ context.Context, args []any) (any, error) {
			return pattern.Search(argString(args, 0), argString(args, 1), flagsArg(args, ""))
		},
		"match": func(_ context.Context, args []any) (any, error) {
			m, ok, err := pattern.Match(argString(args, 0), argString(args, 1), flagsArg(args, ""))
			if err != nil || !ok {
				return nil, err
			}
			return m, nil
		},
	}
}

func flagsArg(args []any, def string) string {
	if len(args) < 3 || args[2] == nil {
		return def
	}
	return argString(args, 2)
}
