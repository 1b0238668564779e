package expr

import (
	"fmt"

	"github.com/go-openapi/jsonpointer"
	"github.com/tidwall/gjson"
)

// ResolveBodyPointer parses body as JSON and resolves an RFC 6901 JSON
// Pointer against it, returning the pointed-to value as a plain Go value
// (string/float64/bool/nil/map[string]any/[]any, mirroring encoding/json's
// decode-to-interface{} shapes). A malformed document or an unresolvable
// pointer is an error, never a panic (spec §4.4: "Missing pointer or
// malformed JSON → evaluation error").
//
// Grounded on spec §4.4's requestBodyJSON/responseBodyJSON custom
// functions; parses with gjson (teacher's choice for body JSON under
// TinyGo, see other_examples/ctyano-authorization-envoy__main.go) and
// resolves with go-openapi/jsonpointer for RFC 6901 semantics rather than
// hand-rolling pointer-segment traversal.
func ResolveBodyPointer(body []byte, pointer string) (any, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("body is not valid JSON")
	}
	doc := gjson.ParseBytes(body).Value()

	ptr, err := jsonpointer.New(pointer)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON pointer %q: %w", pointer, err)
	}
	val, _, err := ptr.Get(doc)
	if err != nil {
		return nil, fmt.Errorf("pointer %q: %w", pointer, err)
	}
	return val, nil
}
