// Package index implements the host-indexed ActionSetIndex: a
// reversed-hostname radix trie supporting literal-before-wildcard,
// longest-suffix-first lookup.
package index

import "strings"

// Entry is anything an Index stores and returns per hostname lookup. The
// runtime package's *RuntimeActionSet satisfies this by identity; Index
// itself never inspects the value.
type Entry interface{}

type storedEntry struct {
	entry       Entry
	specificity int // wildcard: len(suffix)+1 bytes (0 for any-host); literal: len(hostname)+1000000, above every wildcard.
	insertOrder int
}

type node struct {
	children map[byte]*node
	// wildcard holds entries whose pattern is "*.<suffix represented by the
	// path from root to this node>", i.e. this node is the position right
	// after consuming the reversed literal suffix and the sentinel.
	wildcard []storedEntry
	// literal holds entries for a fully-specified hostname ending exactly
	// at this node.
	literal []storedEntry
}

func newNode() *node {
	return &node{children: make(map[byte]*node)}
}

// Index is a reversed-hostname radix trie. Zero value is not usable; use
// New.
type Index struct {
	root     *node
	inserted int
}

// New returns an empty Index.
func New() *Index {
	return &Index{root: newNode()}
}

// NormalizeHostname lower-cases (ASCII-only, per spec's open-question
// resolution) and strips a single trailing dot.
func NormalizeHostname(h string) string {
	h = strings.TrimSuffix(h, ".")
	return toLowerASCII(h)
}

func toLowerASCII(s string) string {
	hasUpper := false
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			hasUpper = true
			break
		}
	}
	if !hasUpper {
		return s
	}
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// reverseString reverses a string byte-wise (hostnames here are
// ASCII-range-normalized; per spec §4.1/§9 this module does not attempt
// Unicode-aware reversal).
func reverseString(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

// Insert registers an entry for hostname pattern. An empty-string or "*"
// pattern is treated as "any host" and stored at the trie root's wildcard
// slot with specificity 0, per spec §4.1 edge case ("empty hostname list on
// a config entry is treated as any host").
func (x *Index) Insert(pattern string, e Entry) {
	pattern = NormalizeHostname(pattern)

	order := x.inserted
	x.inserted++

	if pattern == "" || pattern == "*" {
		x.root.wildcard = append(x.root.wildcard, storedEntry{entry: e, specificity: 0, insertOrder: order})
		return
	}

	wild := false
	suffix := pattern
	if strings.HasPrefix(pattern, "*.") {
		wild = true
		suffix = pattern[2:] // the label(s) to the right of the leftmost wildcard label
	}

	key := reverseString(suffix)
	if wild {
		// A wildcard only matches when the hostname has a label boundary
		// ("." in the original orientation) immediately before the
		// matched suffix, so the stored key carries that separator
		// explicitly: reverse(hostname) for a match is
		// reverse(suffix) + "." + reverse(leftlabels).
		key += "."
	}

	n := x.root
	for i := 0; i < len(key); i++ {
		c := key[i]
		child, ok := n.children[c]
		if !ok {
			child = newNode()
			n.children[c] = child
		}
		n = child
	}

	if wild {
		n.wildcard = append(n.wildcard, storedEntry{entry: e, specificity: len(suffix) + 1, insertOrder: order})
	} else {
		n.literal = append(n.literal, storedEntry{entry: e, specificity: len(pattern) + 1000000, insertOrder: order})
	}
}

// Lookup returns the ordered concatenation of every entry whose pattern
// accepts hostname: literal match first (if any), then wildcard matches in
// decreasing suffix length, and insertion order within equal specificity.
func (x *Index) Lookup(hostname string) []Entry {
	hostname = NormalizeHostname(hostname)
	key := reverseString(hostname)

	var candidates []storedEntry
	// "any host" wildcard entries always apply.
	candidates = append(candidates, x.root.wildcard...)

	n := x.root
	matchedFullHostname := len(key) == 0
	for i := 0; i < len(key); i++ {
		child, ok := n.children[key[i]]
		if !ok {
			break
		}
		n = child
		candidates = append(candidates, n.wildcard...)
		if i == len(key)-1 {
			matchedFullHostname = true
		}
	}
	if matchedFullHostname {
		candidates = append(candidates, n.literal...)
	}

	sortCandidates(candidates)

	out := make([]Entry, len(candidates))
	for i, c := range candidates {
		out[i] = c.entry
	}
	return out
}

func sortCandidates(c []storedEntry) {
	// Insertion sort: candidate buffers are small (bounded by config size),
	// and this keeps the ordering rule — literal first (highest
	// specificity), then decreasing suffix length, then insertion order —
	// as a direct, auditable comparison rather than a sort.Slice closure
	// capturing tie-break state.
	for i := 1; i < len(c); i++ {
		j := i
		for j > 0 && less(c[j], c[j-1]) {
			c[j], c[j-1] = c[j-1], c[j]
			j--
		}
	}
}

func less(a, b storedEntry) bool {
	if a.specificity != b.specificity {
		return a.specificity > b.specificity
	}
	return a.insertOrder < b.insertOrder
}
