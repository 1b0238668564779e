package executor

import (
	"strings"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Executor implements expr.AttributeProvider directly: it already owns
// everything the attribute universe of spec §4.4 draws from — the host
// (for request/response/source/destination/connection/metadata), and its
// own authContext/ratelimitContext maps.

func (e *Executor) IsContainer(path []string) bool {
	if len(path) == 0 {
		return true
	}
	switch path[0] {
	case "request", "response":
		return isHTTPSideContainer(path[1:])
	case "source", "destination", "connection":
		return len(path) == 1
	case "metadata":
		return len(path) <= 3
	case "auth":
		if len(path) == 1 {
			return true
		}
		v, ok := navigateNested(e.authContext, path[1:])
		if !ok {
			return false
		}
		_, isMap := v.(map[string]any)
		return isMap
	case "ratelimit":
		return len(path) == 1
	default:
		return false
	}
}

func isHTTPSideContainer(rest []string) bool {
	if len(rest) == 0 {
		return true
	}
	return rest[0] == "headers" && len(rest) == 1
}

func (e *Executor) ResolveAttribute(path []string) (ref.Val, error) {
	if len(path) == 0 {
		return types.NullValue, nil
	}
	switch path[0] {
	case "request":
		return e.resolveHTTPSide(path[1:], true), nil
	case "response":
		return e.resolveHTTPSide(path[1:], false), nil
	case "source", "destination", "connection", "metadata":
		return e.resolveProperty(path), nil
	case "auth":
		v, ok := navigateNested(e.authContext, path[1:])
		if !ok {
			return types.NullValue, nil
		}
		return types.DefaultTypeAdapter.NativeToValue(v), nil
	case "ratelimit":
		if len(path) < 2 {
			return types.NullValue, nil
		}
		v, ok := e.ratelimitContext[path[1]]
		if !ok {
			return types.NullValue, nil
		}
		return types.String(v), nil
	default:
		return types.NullValue, nil
	}
}

// resolveHTTPSide resolves a leaf under request.* or response.* (spec
// §4.4's table). Pseudo-headers carry method/path/host/scheme/status the
// way Envoy exposes them to Proxy-Wasm — as ordinary headers prefixed with
// ":" — so request.method and request.headers[":method"] are the same
// lookup by a different name.
func (e *Executor) resolveHTTPSide(rest []string, isRequest bool) ref.Val {
	if len(rest) == 0 {
		return types.NullValue
	}
	header := func(name string) (string, bool) {
		if isRequest {
			return e.host.RequestHeader(name)
		}
		return e.host.ResponseHeader(name)
	}

	switch {
	case rest[0] == "headers" && len(rest) == 2:
		v, ok := header(strings.ToLower(rest[1]))
		if !ok {
			return types.NullValue
		}
		return types.String(v)
	case rest[0] == "method" && isRequest:
		v, _ := header(":method")
		return types.String(v)
	case rest[0] == "path" && isRequest:
		v, _ := header(":path")
		return types.String(v)
	case rest[0] == "url_path" && isRequest:
		v, _ := header(":path")
		if i := strings.IndexByte(v, '?'); i >= 0 {
			v = v[:i]
		}
		return types.String(v)
	case rest[0] == "host" && isRequest:
		v, _ := header(":authority")
		return types.String(v)
	case rest[0] == "scheme":
		v, _ := header(":scheme")
		return types.String(v)
	case rest[0] == "status" && !isRequest:
		v, _ := header(":status")
		return types.String(v)
	default:
		side := "request"
		if !isRequest {
			side = "response"
		}
		return e.resolveProperty(append([]string{side}, rest...))
	}
}

func (e *Executor) resolveProperty(path []string) ref.Val {
	b, ok := e.host.Property(path)
	if !ok {
		return types.NullValue
	}
	return types.String(string(b))
}

func navigateNested(m map[string]any, path []string) (any, bool) {
	var cur any = m
	for _, seg := range path {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := asMap[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
