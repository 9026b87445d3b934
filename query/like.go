package query

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// likeCache memoizes compiled LIKE patterns. Queries repeat a small set of
// patterns across pipelines and upstream versions, so hits dominate.
var likeCache, _ = lru.New(1024)

// CompileLike compiles a SQL LIKE pattern to a matcher. `%` matches any
// run (including empty), `_` matches exactly one character, and `\`
// escapes the following character. A trailing unescaped `\` is an error.
// |ci| compiles a case-insensitive (ILIKE) matcher.
func CompileLike(pattern string, ci bool) (func(s string) bool, error) {
	var key = pattern
	if ci {
		key = "\x00i" + pattern
	}
	if m, ok := likeCache.Get(key); ok {
		return m.(func(s string) bool), nil
	}

	var b strings.Builder
	if ci {
		b.WriteString("(?i)")
	}
	b.WriteString("(?s)^")

	var escaped = false
	for _, r := range pattern {
		if escaped {
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if escaped {
		return nil, errors.Errorf("LIKE pattern %q ends with an unfinished escape", pattern)
	}
	b.WriteString("$")

	var re, err = regexp.Compile(b.String())
	if err != nil {
		return nil, errors.Wrapf(err, "compiling LIKE pattern %q", pattern)
	}
	var m = re.MatchString
	likeCache.Add(key, m)
	return m, nil
}
