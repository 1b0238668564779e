// Package expr is the CEL attribute/expression layer: one compilation
// environment built at config-load time (spec §9 — "Build one compilation
// environment per load... reuse compiled programs across requests"),
// registering the custom functions and string extensions spec §4.4/§12.3
// name, plus lazy attribute-path resolution against an AttributeProvider
// supplied by package executor.
package expr

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/env"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Env wraps a compiled cel.Env and the per-Env body buffers that
// requestBodyJSON/responseBodyJSON read from. Eval sets the buffers
// immediately before calling Program.Eval and clears them immediately
// after, holding mu for the whole evaluation, so one Env runs at most one
// evaluation at a time and no evaluation sees another's bodies.
type Env struct {
	celEnv *cel.Env

	mu           sync.Mutex
	requestBody  []byte
	responseBody []byte
}

// NewEnv constructs the shared CEL environment for one loaded
// configuration.
func NewEnv() (*Env, error) {
	e := &Env{}

	decls := make([]cel.EnvOption, 0, len(rootAttributes))
	for _, name := range rootAttributes {
		decls = append(decls, cel.Variable(name, cel.DynType))
	}

	opts := append(decls,
		cel.StdLib(cel.StdLibSubset(
			env.NewLibrarySubset().AddExcludedFunctions(env.NewFunction("matches")),
		)),
		cel.Function("requestBodyJSON",
			cel.Overload("requestBodyJSON_string_dyn", []*cel.Type{cel.StringType}, cel.DynType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val { return e.bodyJSONPointer(&e.requestBody, arg) }),
			),
		),
		cel.Function("responseBodyJSON",
			cel.Overload("responseBodyJSON_string_dyn", []*cel.Type{cel.StringType}, cel.DynType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val { return e.bodyJSONPointer(&e.responseBody, arg) }),
			),
		),
		cel.Function("matches",
			cel.Overload("matches", []*cel.Type{cel.StringType, cel.StringType}, cel.BoolType),
			cel.SingletonBinaryBinding(func(lhs, rhs ref.Val) ref.Val {
				s, ok1 := lhs.(types.String)
				pat, ok2 := rhs.(types.String)
				if !ok1 || !ok2 {
					return types.NewErr("matches: expected (string, string)")
				}
				matched, err := MatchGlob(string(pat), string(s))
				if err != nil {
					return types.NewErr("matches: %v", err)
				}
				return types.Bool(matched)
			}),
		),
	)
	opts = append(opts, stringExtensionFunctions()...)

	celEnv, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("building cel environment: %w", err)
	}
	e.celEnv = celEnv
	return e, nil
}

// Compile parses and type-checks a CEL expression, returning a reusable
// cel.Program. Syntactic/type errors here are configuration errors (spec
// §4.2); unresolved attribute names are permitted and resolve to null at
// evaluation time.
func (e *Env) Compile(expression string) (cel.Program, error) {
	ast, iss := e.celEnv.Compile(expression)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compiling %q: %w", expression, iss.Err())
	}
	prog, err := e.celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("building program for %q: %w", expression, err)
	}
	return prog, nil
}

// Eval runs prog against provider, first stamping the body buffers that
// requestBodyJSON/responseBodyJSON will read. Evaluations on the same Env
// are serialized by its mutex.
func (e *Env) Eval(prog cel.Program, provider AttributeProvider, requestBody, responseBody []byte) (ref.Val, error) {
	e.mu.Lock()
	e.requestBody = requestBody
	e.responseBody = responseBody
	defer func() {
		e.requestBody = nil
		e.responseBody = nil
		e.mu.Unlock()
	}()

	out, _, err := prog.Eval(NewActivationVars(provider))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Env) bodyJSONPointer(body *[]byte, pointerArg ref.Val) ref.Val {
	pointer, ok := pointerArg.(types.String)
	if !ok {
		return types.NewErr("expected string JSON pointer argument")
	}
	if len(*body) == 0 {
		return types.NewErr("body not buffered")
	}
	val, err := ResolveBodyPointer(*body, string(pointer))
	if err != nil && body == &e.responseBody {
		// A Server-Sent-Events response body: resolve against the data
		// field of its last complete event.
		if data, ok := LastSSEEventData(*body); ok {
			val, err = ResolveBodyPointer(data, string(pointer))
		}
	}
	if err != nil {
		return types.NewErr("%v", err)
	}
	return types.DefaultTypeAdapter.NativeToValue(val)
}
