package expr

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// AttributeProvider resolves a dotted attribute path — already tokenized
// by SplitPath — against host-provided request/response context (spec
// §4.4's attribute universe). It is implemented by package executor, not
// by this package, so expr stays host-agnostic and unit-testable against
// plain fakes; executor is the thing with a hostabi.Host to actually ask.
type AttributeProvider interface {
	// IsContainer reports whether path names an intermediate node of the
	// attribute universe (e.g. ["request"], ["request", "headers"]) that
	// has further children, as opposed to a concrete leaf. A root
	// namespace listed in spec §4.4's table is always a container.
	IsContainer(path []string) bool

	// ResolveAttribute returns the CEL value at a concrete leaf path. A
	// path the provider has no leaf for returns (types.NullValue, nil)
	// per spec §4.4 ("Lookup misses return the CEL null value"), not an
	// error — evaluation errors are reserved for malformed
	// requestBodyJSON/responseBodyJSON pointers.
	ResolveAttribute(path []string) (ref.Val, error)
}

// rootAttributes are the top-level CEL variable names declared in the
// environment (spec §4.4's table); each resolves lazily through
// AttributeProvider on first access.
var rootAttributes = []string{
	"request", "response", "source", "destination", "connection", "metadata", "auth", "ratelimit",
}

// NewActivationVars builds the map[string]any CEL activation input binding
// every root attribute name to a lazyAttr rooted at that name.
func NewActivationVars(provider AttributeProvider) map[string]any {
	vars := make(map[string]any, len(rootAttributes))
	for _, name := range rootAttributes {
		vars[name] = &lazyAttr{path: []string{name}, provider: provider}
	}
	return vars
}

// lazyAttr is a CEL value representing a not-yet-resolved attribute path.
// Selecting a field (`.foo`) or indexing (`["foo"]`) on it extends the path
// by one segment and asks the AttributeProvider whether the result is
// itself a container (return another lazyAttr) or a leaf (resolve and
// return the concrete value) — the "populated lazily on first access"
// behavior spec §4.4 calls for.
type lazyAttr struct {
	path     []string
	provider AttributeProvider
}

var _ ref.Val = (*lazyAttr)(nil)

func (l *lazyAttr) child(segment string) ref.Val {
	childPath := make([]string, len(l.path)+1)
	copy(childPath, l.path)
	childPath[len(l.path)] = segment

	if l.provider.IsContainer(childPath) {
		return &lazyAttr{path: childPath, provider: l.provider}
	}
	v, err := l.provider.ResolveAttribute(childPath)
	if err != nil {
		return types.NewErr("resolving attribute %v: %v", childPath, err)
	}
	return v
}

// Get implements traits.Indexer/traits.Mapper's field/index access so CEL
// select and index expressions both route through child.
func (l *lazyAttr) Get(index ref.Val) ref.Val {
	key, ok := index.(types.String)
	if !ok {
		return types.NewErr("attribute path segments must be strings, got %v", index.Type())
	}
	return l.child(string(key))
}

func (l *lazyAttr) ConvertToNative(typeDesc reflect.Type) (any, error) {
	if typeDesc.Kind() == reflect.String {
		return JoinPath(l.path), nil
	}
	return nil, fmt.Errorf("attribute %v cannot convert to native type %v", l.path, typeDesc)
}

func (l *lazyAttr) ConvertToType(typeVal ref.Type) ref.Val {
	if typeVal == types.StringType {
		return types.String(JoinPath(l.path))
	}
	return types.NewErr("attribute %v cannot convert to %v", l.path, typeVal)
}

func (l *lazyAttr) Equal(other ref.Val) ref.Val {
	o, ok := other.(*lazyAttr)
	if !ok {
		return types.False
	}
	return types.Bool(JoinPath(l.path) == JoinPath(o.path))
}

func (l *lazyAttr) Type() ref.Type { return types.MapType }

func (l *lazyAttr) Value() any { return l.path }
