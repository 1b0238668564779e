// Package runtime compiles a validated filterapi.Config into the runtime
// representation the request executor drives: predicates and data
// expressions pre-parsed to CEL programs, service references resolved to
// concrete filterapi.Service records, RuntimeActionSets registered into an
// index.Index.
//
// Grounded on the teacher's internal/filterapi/runtimefc package (compiling
// config-time CEL programs into a parallel "runtime" struct, field by
// field) and original_source/src/runtime_action.rs (RuntimeAction's
// Auth/RateLimit split and the adjacent-action merge pass).
package runtime

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/kuadrant/wasm-policy-shim/internal/expr"
	"github.com/kuadrant/wasm-policy-shim/internal/filterapi"
	"github.com/kuadrant/wasm-policy-shim/internal/index"
)

// Phase is the earliest HTTP lifecycle point at which an action's data can
// resolve (spec §4.3 "Phase gating").
type Phase int

const (
	PhaseRequestHeaders Phase = iota
	PhaseRequestBody
	PhaseResponseHeaders
	PhaseResponseBody
)

func (p Phase) String() string {
	switch p {
	case PhaseRequestHeaders:
		return "RequestHeaders"
	case PhaseRequestBody:
		return "RequestBody"
	case PhaseResponseHeaders:
		return "ResponseHeaders"
	case PhaseResponseBody:
		return "ResponseBody"
	default:
		return "Unknown"
	}
}

// DataBuilder is one compiled data entry: either a CEL program that
// produces the value, or a static key/value pair.
type DataBuilder struct {
	Key        string
	Expression cel.Program // nil for static entries
	Static     string      // only meaningful when Expression == nil
}

// ConditionalDataBlock is a compiled {predicates, data} pair (spec §3
// Action.conditional_data).
type ConditionalDataBlock struct {
	Predicates []cel.Program
	Data       []DataBuilder
}

// ActionKind distinguishes the RuntimeAction tagged variant (spec §3).
type ActionKind int

const (
	ActionKindAuth ActionKind = iota
	ActionKindRateLimitStandard
	ActionKindRateLimitCheckAndReport
)

// RuntimeAction is the compiled form of a filterapi.Action.
type RuntimeAction struct {
	Kind       ActionKind
	Name       string // "<action_set>.actions[i]", for logging
	Service    *filterapi.Service
	Scope      string // standard rate-limit and auth actions
	CheckScope string // check-and-report only
	ReportScope string // check-and-report only

	Predicates      []cel.Program
	ConditionalData []ConditionalDataBlock
	Data            []DataBuilder

	// Phase is the earliest phase at which this action's Check/standard
	// gRPC call can dispatch. ReportPhase is only meaningful for
	// ActionKindRateLimitCheckAndReport: the earliest phase at which its
	// Report call (always response-side) can dispatch.
	Phase       Phase
	ReportPhase Phase
}

// KnownDataKey identifies a RateLimitAction data item that configures the
// call itself rather than becoming a descriptor entry (spec §12.1 /
// original_source/src/kuadrant/pipeline/tasks/ratelimit.rs's
// KNOWN_ATTRIBUTES): "ratelimit.hits_addend" overrides the call's
// hits_addend (Report derives its addend this way per spec §4.5; Check
// always hardcodes 1 regardless), "ratelimit.domain" overrides the
// scope/domain sent on the wire.
type KnownDataKey string

const (
	KnownDataKeyHitsAddend KnownDataKey = "ratelimit.hits_addend"
	KnownDataKeyDomain     KnownDataKey = "ratelimit.domain"
)

// IsKnownDataKey reports whether key configures the call itself instead of
// becoming a descriptor entry.
func IsKnownDataKey(key string) bool {
	return key == string(KnownDataKeyHitsAddend) || key == string(KnownDataKeyDomain)
}

// RuntimeActionSet is the compiled form of a filterapi.ActionSet.
type RuntimeActionSet struct {
	Name               string
	RoutePredicates    []cel.Program
	Actions            []*RuntimeAction
}

// CompiledConfig is package runtime's output: a hostname index over
// compiled action sets, plus the resolved service table actions reference.
type CompiledConfig struct {
	Index         *index.Index
	Services      map[string]filterapi.Service
	UUID          string
	Env           *expr.Env
	Observability *filterapi.Observability
}

// ConfigError accumulates every compile-time problem found so a single
// config load reports all of them at once (spec §7 category 1).
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }

// CompileConfig compiles every ActionSet's route predicates and every
// Action's predicates/data expressions into CEL programs via env, resolves
// service references, detects the Kuadrant check-and-report shape, and
// runs MergeAdjacentRateLimitActions as the final pass. Any error rejects
// the entire configuration per spec §4.2/§6.
func CompileConfig(cfg *filterapi.Config, env *expr.Env) (*CompiledConfig, []error) {
	var errs []error
	idx := index.New()

	for i, as := range cfg.ActionSets {
		ras, asErrs := compileActionSet(cfg, as, i, env)
		errs = append(errs, asErrs...)
		if ras == nil {
			continue
		}
		ras.Actions = MergeAdjacentRateLimitActions(ras.Actions)

		hostnames := as.RouteRuleConditions.Hostnames
		if len(hostnames) == 0 {
			idx.Insert("", ras)
			continue
		}
		for _, h := range hostnames {
			idx.Insert(h, ras)
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return &CompiledConfig{Index: idx, Services: cfg.Services, UUID: cfg.UUID, Env: env, Observability: cfg.Observability}, nil
}

func compileActionSet(cfg *filterapi.Config, as filterapi.ActionSet, i int, env *expr.Env) (*RuntimeActionSet, []error) {
	var errs []error
	path := fmt.Sprintf("action_sets[%d] (%s)", i, as.Name)

	routePreds, perr := compilePredicates(path+".route_rule_conditions.predicates", as.RouteRuleConditions.Predicates, env)
	errs = append(errs, perr...)

	ras := &RuntimeActionSet{Name: as.Name, RoutePredicates: routePreds}

	for j, act := range as.Actions {
		ra, aerrs := compileAction(cfg, act, fmt.Sprintf("%s.actions[%d]", path, j), env)
		errs = append(errs, aerrs...)
		if ra != nil {
			ras.Actions = append(ras.Actions, ra)
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return ras, nil
}

func compileAction(cfg *filterapi.Config, act filterapi.Action, name string, env *expr.Env) (*RuntimeAction, []error) {
	var errs []error

	svc, ok := cfg.Services[act.Service]
	if !ok {
		return nil, []error{&ConfigError{Path: name, Err: fmt.Errorf("unresolved service reference %q", act.Service)}}
	}

	kind := ActionKindAuth
	switch svc.Kind {
	case filterapi.ServiceKindAuth:
		kind = ActionKindAuth
	case filterapi.ServiceKindRateLimit:
		if act.CheckScope != "" && act.ReportScope != "" {
			kind = ActionKindRateLimitCheckAndReport
		} else {
			kind = ActionKindRateLimitStandard
		}
	default:
		return nil, []error{&ConfigError{Path: name, Err: fmt.Errorf("service %q has unknown kind %q", act.Service, svc.Kind)}}
	}

	preds, perr := compilePredicates(name+".predicates", act.Predicates, env)
	errs = append(errs, perr...)

	data, derr := compileDataItems(name+".data", act.Data, env)
	errs = append(errs, derr...)

	var blocks []ConditionalDataBlock
	for k, cd := range act.ConditionalData {
		blockPath := fmt.Sprintf("%s.conditional_data[%d]", name, k)
		bp, berrs := compilePredicates(blockPath+".predicates", cd.Predicates, env)
		errs = append(errs, berrs...)
		bd, derrs := compileDataItems(blockPath+".data", cd.Data, env)
		errs = append(errs, derrs...)
		blocks = append(blocks, ConditionalDataBlock{Predicates: bp, Data: bd})
	}

	if len(errs) > 0 {
		return nil, errs
	}

	svcCopy := svc
	if svcCopy.Name == "" {
		svcCopy.Name = act.Service
	}
	ra := &RuntimeAction{
		Kind:            kind,
		Name:            name,
		Service:         &svcCopy,
		Scope:           act.Scope,
		CheckScope:      act.CheckScope,
		ReportScope:     act.ReportScope,
		Predicates:      preds,
		ConditionalData: blocks,
		Data:            data,
		Phase:           inferCheckPhase(act),
	}
	if kind == ActionKindRateLimitCheckAndReport {
		ra.ReportPhase = inferReportPhase(act)
	}
	return ra, nil
}

func compilePredicates(path string, exprs []string, env *expr.Env) ([]cel.Program, []error) {
	var errs []error
	var out []cel.Program
	for i, e := range exprs {
		prog, err := env.Compile(e)
		if err != nil {
			errs = append(errs, &ConfigError{Path: fmt.Sprintf("%s[%d]", path, i), Err: err})
			continue
		}
		out = append(out, prog)
	}
	return out, errs
}

func compileDataItems(path string, items []filterapi.DataItem, env *expr.Env) ([]DataBuilder, []error) {
	var errs []error
	var out []DataBuilder
	for i, item := range items {
		switch {
		case item.Expression != nil:
			prog, err := env.Compile(item.Expression.Value)
			if err != nil {
				errs = append(errs, &ConfigError{Path: fmt.Sprintf("%s[%d].expression", path, i), Err: err})
				continue
			}
			out = append(out, DataBuilder{Key: item.Expression.Key, Expression: prog})
		case item.Static != nil:
			out = append(out, DataBuilder{Key: item.Static.Key, Static: item.Static.Value})
		}
	}
	return out, errs
}

// inferCheckPhase tags an action with the earliest phase its Check (or
// standard rate-limit/auth) call's predicates and descriptor data can
// resolve (spec §4.3 "Phase gating"). Data items keyed
// "ratelimit.hits_addend"/"ratelimit.domain" (original_source/src/kuadrant/
// pipeline/tasks/ratelimit.rs's KNOWN_ATTRIBUTES) do not count here, so
// they never push the Check phase later than the action's own descriptor
// data requires. The Check call still evaluates them when it dispatches:
// it ignores hits_addend (always sending 1), and a ratelimit.domain value
// that resolves replaces the call's scope while one that cannot resolve
// yet is dropped.
func inferCheckPhase(act filterapi.Action) Phase {
	phase := PhaseRequestHeaders
	bump := func(exprStr string) {
		phase = maxPhase(phase, phaseForExpr(exprStr))
	}
	for _, p := range act.Predicates {
		bump(p)
	}
	for _, d := range act.Data {
		if d.Expression != nil && !isReportOnlyExpressionKey(d.Expression.Key) {
			bump(d.Expression.Value)
		}
	}
	for _, cd := range act.ConditionalData {
		for _, p := range cd.Predicates {
			bump(p)
		}
		for _, d := range cd.Data {
			if d.Expression != nil && !isReportOnlyExpressionKey(d.Expression.Key) {
				bump(d.Expression.Value)
			}
		}
	}
	return phase
}

// inferReportPhase tags a check-and-report action's Report call, which
// spec §4.5 always drives from response phase regardless of what its
// descriptor data needs — floor of PhaseResponseHeaders, bumped to
// PhaseResponseBody when any data item (including the
// "ratelimit.hits_addend" override) reads the response body.
func inferReportPhase(act filterapi.Action) Phase {
	phase := PhaseResponseHeaders
	bump := func(exprStr string) {
		phase = maxPhase(phase, phaseForExpr(exprStr))
	}
	for _, d := range act.Data {
		if d.Expression != nil {
			bump(d.Expression.Value)
		}
	}
	for _, cd := range act.ConditionalData {
		for _, d := range cd.Data {
			if d.Expression != nil {
				bump(d.Expression.Value)
			}
		}
	}
	return phase
}

func isReportOnlyExpressionKey(key string) bool { return IsKnownDataKey(key) }

func phaseForExpr(exprStr string) Phase {
	switch {
	case requiresResponseBody(exprStr):
		return PhaseResponseBody
	case requiresResponseHeaders(exprStr):
		return PhaseResponseHeaders
	case requiresRequestBody(exprStr):
		return PhaseRequestBody
	default:
		return PhaseRequestHeaders
	}
}

func maxPhase(a, b Phase) Phase {
	if b > a {
		return b
	}
	return a
}

func requiresRequestBody(e string) bool {
	return containsAny(e, "requestBodyJSON(", "request.body")
}

func requiresResponseHeaders(e string) bool {
	return containsAny(e, "response.")
}

func requiresResponseBody(e string) bool {
	return containsAny(e, "responseBodyJSON(", "response.body")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if indexOfSubstr(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOfSubstr(s, sub string) int {
	n, m := len(s), len(sub)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}

// MergeAdjacentRateLimitActions combines consecutive RateLimitActions in
// the same RuntimeActionSet that target the same {service, scope} into a
// single descriptor batch issuing one gRPC call instead of one per action,
// per spec §12.1 / original_source/src/ratelimit_action.rs's
// RateLimitAction::merge (which extends one action's conditional_data_sets
// with the other's, never flattening the two actions' predicates together).
// Only standard-kind rate-limit actions (not check-and-report, which have
// distinct check/report scopes) are merge candidates.
//
// A merged action's own Predicates/Data are left empty — each constituent
// action's predicates stay scoped to only that action's own data, as one
// ConditionalDataBlock per constituent (via ownBlocks), so a falsy
// predicate on one merged-in action suppresses only its own descriptor
// entries rather than the whole batch's.
func MergeAdjacentRateLimitActions(actions []*RuntimeAction) []*RuntimeAction {
	if len(actions) < 2 {
		return actions
	}
	out := make([]*RuntimeAction, 0, len(actions))
	for _, a := range actions {
		if n := len(out); n > 0 {
			prev := out[n-1]
			if canMerge(prev, a) {
				merged := *prev
				merged.Predicates = nil
				merged.Data = nil
				merged.ConditionalData = append(ownBlocks(prev), ownBlocks(a)...)
				merged.Phase = maxPhase(prev.Phase, a.Phase)
				merged.Name = prev.Name + "+" + a.Name
				out[n-1] = &merged
				continue
			}
		}
		out = append(out, a)
	}
	return out
}

// ownBlocks converts one not-yet-merged action's own predicate-gated data
// into ConditionalDataBlocks scoped to exactly that action: its top-level
// Data gated by its top-level Predicates, and each of its own
// ConditionalData blocks gated by its top-level Predicates AND'd with that
// block's own predicates. Calling this on an action that is itself already
// a merge result is a no-op beyond re-flattening, since a merged action's
// Predicates is always empty.
func ownBlocks(a *RuntimeAction) []ConditionalDataBlock {
	var blocks []ConditionalDataBlock
	if len(a.Data) > 0 {
		blocks = append(blocks, ConditionalDataBlock{Predicates: a.Predicates, Data: a.Data})
	}
	for _, cd := range a.ConditionalData {
		preds := cd.Predicates
		if len(a.Predicates) > 0 {
			preds = append(append([]cel.Program{}, a.Predicates...), cd.Predicates...)
		}
		blocks = append(blocks, ConditionalDataBlock{Predicates: preds, Data: cd.Data})
	}
	return blocks
}

func canMerge(a, b *RuntimeAction) bool {
	return a.Kind == ActionKindRateLimitStandard &&
		b.Kind == ActionKindRateLimitStandard &&
		a.Service.Name == b.Service.Name &&
		a.Scope == b.Scope
}
