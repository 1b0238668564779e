package expr

import (
	"fmt"
	"net/url"
	"strings"
)

// The functions in this file back the string-extension CEL functions named
// in spec §12.3 (data/cel/strings.rs in the Rust original): charAt,
// indexOf, lastIndexOf, join, lowerAscii, upperAscii, trim, replace, split,
// substring, queryMap. Each returns (value, error) so the CEL bindings in
// env.go can turn a Go error into a CEL evaluation error without panicking.

func stringCharAt(s string, idx int64) (string, error) {
	r := []rune(s)
	if idx < 0 || idx >= int64(len(r)) {
		return "", fmt.Errorf("charAt: no index %d on %q", idx, s)
	}
	return string(r[idx]), nil
}

func stringIndexOf(s, sub string, base ...int64) (int64, error) {
	start := 0
	if len(base) > 0 {
		start = int(base[0])
	}
	if start >= len(s) {
		return -1, nil
	}
	idx := strings.Index(s[start:], sub)
	if idx < 0 {
		return -1, nil
	}
	return int64(start + idx), nil
}

func stringLastIndexOf(s, sub string, base ...int64) (int64, error) {
	if len(base) > 0 {
		start := int(base[0])
		if start >= len(s) {
			return -1, nil
		}
		idx := strings.LastIndex(s[start:], sub)
		if idx < 0 {
			return -1, nil
		}
		return int64(idx), nil
	}
	idx := strings.LastIndex(s, sub)
	if idx < 0 {
		return -1, nil
	}
	return int64(idx), nil
}

func listJoin(items []string, sep ...string) string {
	s := ""
	if len(sep) > 0 {
		s = sep[0]
	}
	return strings.Join(items, s)
}

func stringLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func stringUpperASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

func stringTrim(s string) string {
	return strings.TrimSpace(s)
}

func stringReplace(s, from, to string, n ...int64) string {
	if len(n) == 0 {
		return strings.ReplaceAll(s, from, to)
	}
	count := n[0]
	if count < 0 {
		return strings.ReplaceAll(s, from, to)
	}
	return strings.Replace(s, from, to, int(count))
}

func stringSplit(s, sep string, n ...int64) []string {
	if len(n) == 0 {
		return strings.Split(s, sep)
	}
	count := n[0]
	if count < 0 {
		return strings.Split(s, sep)
	}
	if count == 0 {
		return []string{}
	}
	return strings.SplitN(s, sep, int(count))
}

func stringSubstring(s string, start int64, end ...int64) (string, error) {
	r := []rune(s)
	e := int64(len(r))
	if len(end) > 0 {
		e = end[0]
	}
	if e < start {
		return "", fmt.Errorf("substring: end %d before start %d", e, start)
	}
	if start < 0 || e > int64(len(r)) {
		return "", fmt.Errorf("substring: range [%d:%d] out of bounds for length %d", start, e, len(r))
	}
	return string(r[start:e]), nil
}

// queryMapDecode decodes a URL query string into a map keyed by parameter
// name. A repeated parameter name produces a []any value when
// allowRepeats is true (default false), matching decode_query_string's
// "last write wins" vs "accumulate into a list" behavior.
func queryMapDecode(s string, allowRepeats bool) map[string]any {
	out := make(map[string]any)
	for _, part := range strings.Split(s, "&") {
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key, _ := url.QueryUnescape(kv[0])
		val := ""
		if len(kv) == 2 {
			val, _ = url.QueryUnescape(kv[1])
		}
		existing, ok := out[key]
		switch {
		case !ok:
			out[key] = val
		case allowRepeats:
			if list, isList := existing.([]any); isList {
				out[key] = append(list, val)
			} else {
				out[key] = []any{existing, val}
			}
		default:
			out[key] = val
		}
	}
	return out
}
