package expr

import (
	"regexp"
	"strings"
	"sync"
)

// globCache memoizes the regexp compiled from a glob pattern string, since
// the same "matches" pattern is typically re-evaluated on every request
// that reaches the predicate using it (spec §9: "reuse compiled programs
// across requests" — the same principle applies one level down, to the
// glob patterns a compiled CEL program calls into).
var globCache sync.Map // pattern string -> *regexp.Regexp

// MatchGlob implements the spec's minimal glob dialect: '?' matches 0 or 1
// characters, '*' matches 0 or more, '+' matches 1 or more. Any other
// character, including a backslash-escaped '?', '*', '+', or '\', matches
// itself literally. Grounded on original_source/src/glob.rs's wildcard
// semantics; expressed here as a direct rune-to-regexp translation rather
// than that file's regex-escape state machine.
func MatchGlob(pattern, s string) (bool, error) {
	re, err := compiledGlob(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}

func compiledGlob(pattern string) (*regexp.Regexp, error) {
	if v, ok := globCache.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(globToRegexp(pattern))
	if err != nil {
		return nil, err
	}
	globCache.Store(pattern, re)
	return re, nil
}

func globToRegexp(pattern string) string {
	var sb strings.Builder
	sb.WriteString(`\A`)
	escaped := false
	for _, r := range pattern {
		if escaped {
			sb.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '?':
			sb.WriteString(`.{0,1}`)
		case '*':
			sb.WriteString(`.*`)
		case '+':
			sb.WriteString(`.+`)
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if escaped {
		sb.WriteString(`\\`)
	}
	sb.WriteString(`\z`)
	return sb.String()
}
