package runtime

import (
	"errors"
	"fmt"

	"github.com/kuadrant/wasm-policy-shim/internal/expr"
	"github.com/kuadrant/wasm-policy-shim/internal/filterapi"
)

// LoadConfig decodes raw plugin configuration, builds a fresh CEL
// environment for it, and compiles the result. It is the single code path
// cmd/wasmshim's root context and cmd/configvalidate both call, so a
// config that validates on the CLI is guaranteed to load the same way
// inside the filter.
func LoadConfig(raw []byte) (*CompiledConfig, error) {
	cfg, err := filterapi.LoadConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	env, err := expr.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("building cel environment: %w", err)
	}
	compiled, errs := CompileConfig(cfg, env)
	if len(errs) > 0 {
		return nil, fmt.Errorf("compiling config: %w", errors.Join(errs...))
	}
	return compiled, nil
}
