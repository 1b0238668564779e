// Command wasmshim is the Wasm module's entrypoint: it wires the
// proxy-wasm-go-sdk VM/plugin/http context lifecycle to package runtime's
// compiled configuration and package executor's per-transaction state
// machine. Grounded on the teacher's cmd/extproc/main.go (small main that
// wires dependencies and hands off to a long-running server) generalized
// from an out-of-process gRPC server loop to an in-process Proxy-Wasm
// callback loop.
package main

import (
	"log/slog"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/tetratelabs/proxy-wasm-go-sdk/proxywasm"
	wasmtypes "github.com/tetratelabs/proxy-wasm-go-sdk/proxywasm/types"

	"github.com/kuadrant/wasm-policy-shim/internal/executor"
	"github.com/kuadrant/wasm-policy-shim/internal/expr"
	"github.com/kuadrant/wasm-policy-shim/internal/hostabi"
	"github.com/kuadrant/wasm-policy-shim/internal/metrics"
	"github.com/kuadrant/wasm-policy-shim/internal/runtime"
	"github.com/kuadrant/wasm-policy-shim/internal/wasmlog"
)

func main() {
	proxywasm.SetVMContext(&vmContext{})
}

// host is stateless and safe to share across every context this VM ever
// creates; every hostcall it wraps resolves against the ABI's own
// current-context pointer, not anything host carries.
var host hostabi.Host = hostabi.NewProxyWasmHost()

type vmContext struct {
	wasmtypes.DefaultVMContext
}

func (*vmContext) OnVMStart(int) wasmtypes.OnVMStartStatus { return wasmtypes.OnVMStartStatusOK }

func (*vmContext) NewPluginContext(uint32) wasmtypes.PluginContext {
	return &pluginContext{}
}

// pluginContext owns one loaded configuration's compiled form and the
// counters scoped to it, shared read-only by every httpContext it spawns
// (spec §3's Root context / ActionSetIndex split).
type pluginContext struct {
	wasmtypes.DefaultPluginContext

	compiled   *runtime.CompiledConfig
	metrics    *metrics.Counters
	svcMetrics *metrics.ServiceCounters
	log        *slog.Logger
}

func (p *pluginContext) OnPluginStart(int) wasmtypes.OnPluginStartStatus {
	raw, err := proxywasm.GetPluginConfiguration()
	if err != nil {
		proxywasm.LogCriticalf("wasmshim: reading plugin configuration: %v", err)
		return wasmtypes.OnPluginStartStatusFailed
	}

	compiled, err := runtime.LoadConfig(raw)
	if err != nil {
		proxywasm.LogCriticalf("wasmshim: loading configuration: %v", err)
		return wasmtypes.OnPluginStartStatusFailed
	}

	m, err := metrics.NewCounters(host)
	if err != nil {
		proxywasm.LogCriticalf("wasmshim: defining counters: %v", err)
		return wasmtypes.OnPluginStartStatusFailed
	}

	level := slog.LevelInfo
	if compiled.Observability != nil {
		level = wasmlog.ParseLevel(compiled.Observability.DefaultLogLevel)
	}

	p.compiled = compiled
	p.metrics = m
	p.svcMetrics = metrics.NewServiceCounters(host)
	p.log = wasmlog.NewLogger(host, level)
	p.metrics.Configs()
	p.log.Info("configuration loaded", "uuid", compiled.UUID)
	return wasmtypes.OnPluginStartStatusOK
}

func (p *pluginContext) NewHttpContext(contextID uint32) wasmtypes.HttpContext {
	return &httpContext{contextID: contextID, plugin: p}
}

// httpContext lives for exactly one HTTP transaction: it builds the
// matching pipeline once, at request headers, then drives the resulting
// Executor through every subsequent lifecycle callback.
type httpContext struct {
	wasmtypes.DefaultHttpContext

	contextID uint32
	plugin    *pluginContext
	exec      *executor.Executor

	requestBodySize  int
	responseBodySize int
}

func (ctx *httpContext) OnHttpRequestHeaders(_ int, _ bool) wasmtypes.Action {
	pipeline, matched := matchPipeline(ctx.plugin.compiled, host)
	ctx.exec = executor.New(host, ctx.plugin.compiled.Env, ctx.plugin.metrics, ctx.plugin.svcMetrics, ctx.plugin.log, pipeline, matched)
	return toAction(ctx.exec.OnRequestHeaders())
}

func (ctx *httpContext) OnHttpRequestBody(bodySize int, endOfStream bool) wasmtypes.Action {
	if !ctx.exec.NeedsRequestBody() {
		return wasmtypes.ActionContinue
	}
	ctx.requestBodySize += bodySize
	if !endOfStream {
		return wasmtypes.ActionPause
	}
	body, err := host.RequestBody(ctx.requestBodySize)
	if err != nil {
		ctx.plugin.log.Error("reading buffered request body", "context_id", ctx.contextID, "error", err)
		return wasmtypes.ActionContinue
	}
	return toAction(ctx.exec.OnRequestBody(body))
}

func (ctx *httpContext) OnHttpResponseHeaders(_ int, _ bool) wasmtypes.Action {
	return toAction(ctx.exec.OnResponseHeaders())
}

func (ctx *httpContext) OnHttpResponseBody(bodySize int, endOfStream bool) wasmtypes.Action {
	if !ctx.exec.NeedsResponseBody() {
		return wasmtypes.ActionContinue
	}
	ctx.responseBodySize += bodySize
	if !endOfStream {
		return wasmtypes.ActionPause
	}
	body, err := host.ResponseBody(ctx.responseBodySize)
	if err != nil {
		ctx.plugin.log.Error("reading buffered response body", "context_id", ctx.contextID, "error", err)
		return wasmtypes.ActionContinue
	}
	return toAction(ctx.exec.OnResponseBody(body))
}

func (ctx *httpContext) OnHttpStreamDone() {
	if ctx.exec != nil {
		ctx.exec.Cancel()
	}
}

func toAction(sig executor.Signal) wasmtypes.Action {
	if sig == executor.SignalPause {
		return wasmtypes.ActionPause
	}
	return wasmtypes.ActionContinue
}

// matchPipeline resolves the request's hostname through the ActionSetIndex,
// evaluates every candidate RuntimeActionSet's route predicates, and
// concatenates the actions of every set that matches, in configured order
// (spec §4.1's lookup ordering, §4.3's "pipeline is the concatenation of
// all actions across the matching RuntimeActionSets").
func matchPipeline(compiled *runtime.CompiledConfig, host hostabi.Host) ([]*runtime.RuntimeAction, bool) {
	authority, _ := host.RequestHeader(":authority")
	entries := compiled.Index.Lookup(authority)
	if len(entries) == 0 {
		return nil, false
	}

	provider := executor.NewRouteAttributeProvider(host)
	var pipeline []*runtime.RuntimeAction
	matched := false
	for _, raw := range entries {
		ras, ok := raw.(*runtime.RuntimeActionSet)
		if !ok {
			continue
		}
		if !evalRoutePredicates(compiled.Env, provider, ras.RoutePredicates) {
			continue
		}
		matched = true
		pipeline = append(pipeline, ras.Actions...)
	}
	return pipeline, matched
}

func evalRoutePredicates(env *expr.Env, provider expr.AttributeProvider, progs []cel.Program) bool {
	for _, p := range progs {
		v, err := env.Eval(p, provider, nil, nil)
		if err != nil {
			return false
		}
		b, ok := v.(types.Bool)
		if !ok || !bool(b) {
			return false
		}
	}
	return true
}
