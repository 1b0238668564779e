package expr

import "strings"

// SplitPath tokenizes a dotted attribute path on unescaped '.' characters.
// A backslash-escaped dot ("\.") is kept as a literal character inside the
// preceding segment, so a metadata key like
// "envoy.filters.http.header_to_metadata" can be addressed as a single
// segment under metadata.filter_metadata.<that key> (spec §4.4).
func SplitPath(path string) []string {
	if path == "" {
		return nil
	}
	var segs []string
	var cur strings.Builder
	escaped := false
	for _, r := range path {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '.':
			segs = append(segs, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	segs = append(segs, cur.String())
	return segs
}

// JoinPath is SplitPath's inverse: it re-escapes any '.' found inside a
// segment so the result can be fed back through SplitPath unchanged.
func JoinPath(segs []string) string {
	escaped := make([]string, len(segs))
	for i, s := range segs {
		escaped[i] = strings.ReplaceAll(s, ".", `\.`)
	}
	return strings.Join(escaped, ".")
}
