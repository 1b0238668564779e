// Package executor drives one HTTP transaction's policy pipeline: the
// single-threaded cooperative state machine of spec §4.3, implemented as
// plain methods (OnRequestHeaders, OnRequestBody, OnResponseHeaders,
// OnResponseBody, and the gRPC response callbacks) that all funnel through
// Advance, the one place the cursor moves and gRPC calls get dispatched.
// Cancel drops an outstanding call without advancing.
//
// Grounded on the teacher's internal/extproc/processor.go (one struct per
// transaction, driven by a handful of lifecycle methods, holding exactly
// the mutable state that transaction needs) and
// original_source/src/operation_dispatcher.rs (the pipeline cursor /
// pending-call / phase-gate shape this package reproduces in Go).
package executor

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/kuadrant/wasm-policy-shim/internal/expr"
	"github.com/kuadrant/wasm-policy-shim/internal/filterapi"
	"github.com/kuadrant/wasm-policy-shim/internal/hostabi"
	"github.com/kuadrant/wasm-policy-shim/internal/metrics"
	"github.com/kuadrant/wasm-policy-shim/internal/runtime"
	"github.com/kuadrant/wasm-policy-shim/internal/service"
)

const (
	authServiceName        = "envoy.service.auth.v3.Authorization"
	authCheckMethod        = "Check"
	rateLimitServiceName   = "envoy.service.ratelimit.v3.RateLimitService"
	shouldRateLimitMethod  = "ShouldRateLimit"
	checkRateLimitMethod   = "CheckRateLimit"
	reportMethod           = "Report"
)

// Signal tells the embedding cmd/wasmshim context what to return to the
// host from the lifecycle callback that just drove Advance.
type Signal int

const (
	// SignalContinue means no call is outstanding and no later-phase action
	// is blocking progress — the host should proceed normally.
	SignalContinue Signal = iota
	// SignalPause means a gRPC call is in flight, or a direct response has
	// just been queued via host.SendHttpResponse — the host should return
	// Pause and wait for Executor to call the matching Resume*.
	SignalPause
)

// OutcomeKind is the executor's disposition at the moment it is asked.
type OutcomeKind int

const (
	OutcomePending OutcomeKind = iota
	OutcomeContinue
	OutcomeDirectResponse
)

// Outcome is spec §3's RequestExecutor.outcome.
type Outcome struct {
	Kind    OutcomeKind
	Status  uint32
	Headers [][2]string
	Body    string
}

type pendingKind int

const (
	pendingAuth pendingKind = iota
	pendingRateLimitStandard
	pendingRateLimitCheck
	pendingRateLimitReport
)

type pendingCall struct {
	token      uint32
	actionName string
	kind       pendingKind
}

// Executor is spec §3's RequestExecutor: one instance per HTTP transaction.
type Executor struct {
	host       hostabi.Host
	env        *expr.Env
	metrics    *metrics.Counters
	svcMetrics *metrics.ServiceCounters
	log        *slog.Logger

	pipeline []*runtime.RuntimeAction
	cursor   int

	// reportActions accumulates check-and-report actions whose Check call
	// allowed the request; their Report call is driven from a separate
	// cursor once the main pipeline is exhausted, per spec §4.3's
	// description of the Report call as response-phase and independent.
	reportActions []*runtime.RuntimeAction
	reportCursor  int

	currentPhase runtime.Phase
	requestBody  []byte
	responseBody []byte

	pending *pendingCall

	authContext      map[string]any
	ratelimitContext map[string]string

	outcome Outcome
}

// New builds an Executor for one transaction. matched records whether any
// RuntimeActionSet's hostname+route predicates accepted this request (spec
// §4.6 hits/misses), independent of whether any individual action within
// the resulting pipeline goes on to fire.
func New(host hostabi.Host, env *expr.Env, m *metrics.Counters, sm *metrics.ServiceCounters, log *slog.Logger, pipeline []*runtime.RuntimeAction, matched bool) *Executor {
	if matched {
		m.Hits()
	} else {
		m.Misses()
	}
	return &Executor{
		host:             host,
		env:              env,
		metrics:          m,
		svcMetrics:       sm,
		log:              log,
		pipeline:         pipeline,
		authContext:      make(map[string]any),
		ratelimitContext: make(map[string]string),
	}
}

// NewRouteAttributeProvider returns an expr.AttributeProvider backed only
// by host state (no auth/ratelimit context yet), for evaluating an action
// set's route predicates before a transaction's real Executor exists —
// route matching happens once, up front, to decide which action sets'
// pipelines to run.
func NewRouteAttributeProvider(host hostabi.Host) expr.AttributeProvider {
	return &Executor{host: host}
}

func (e *Executor) Outcome() Outcome { return e.outcome }

// Signal reports what the caller's lifecycle method should return to the
// host.
func (e *Executor) Signal() Signal {
	if e.outcome.Kind == OutcomeDirectResponse || e.pending != nil {
		return SignalPause
	}
	return SignalContinue
}

// NeedsRequestBody reports whether any not-yet-evaluated action in the
// pipeline requires request-body data, so the caller can ask the host to
// buffer it (spec §9 "Body buffering is phase-sensitive").
func (e *Executor) NeedsRequestBody() bool {
	for _, a := range e.pipeline[e.cursor:] {
		if a.Phase == runtime.PhaseRequestBody {
			return true
		}
	}
	return false
}

// NeedsResponseBody reports the response-side equivalent of
// NeedsRequestBody, including as-yet-undispatched check-and-report Report
// calls.
func (e *Executor) NeedsResponseBody() bool {
	for _, a := range e.pipeline[e.cursor:] {
		if a.Phase == runtime.PhaseResponseBody {
			return true
		}
		if a.Kind == runtime.ActionKindRateLimitCheckAndReport && a.ReportPhase == runtime.PhaseResponseBody {
			return true
		}
	}
	for _, a := range e.reportActions[e.reportCursor:] {
		if a.ReportPhase == runtime.PhaseResponseBody {
			return true
		}
	}
	return false
}

func (e *Executor) OnRequestHeaders() Signal {
	e.currentPhase = runtime.PhaseRequestHeaders
	e.Advance()
	return e.Signal()
}

func (e *Executor) OnRequestBody(body []byte) Signal {
	e.currentPhase = runtime.PhaseRequestBody
	e.requestBody = body
	e.Advance()
	return e.Signal()
}

func (e *Executor) OnResponseHeaders() Signal {
	e.currentPhase = runtime.PhaseResponseHeaders
	e.Advance()
	return e.Signal()
}

func (e *Executor) OnResponseBody(body []byte) Signal {
	e.currentPhase = runtime.PhaseResponseBody
	e.responseBody = body
	e.Advance()
	return e.Signal()
}

// Cancel cancels any outstanding gRPC call without emitting further side
// effects, per spec §4.3 "Cancellation". cmd/wasmshim calls it from
// OnHttpStreamDone.
func (e *Executor) Cancel() {
	if e.pending == nil {
		return
	}
	if err := e.host.CancelGrpcCall(e.pending.token); err != nil {
		e.log.Warn("cancelling pending call", "action", e.pending.actionName, "error", err)
	}
	e.pending = nil
}

// Advance is the one place the state machine transitions (spec §4.3): it
// walks the pipeline cursor, then the report cursor, dispatching calls and
// skipping/advancing past actions whose predicates don't hold, stopping the
// moment something needs to wait (a later phase, a gRPC response, or a
// terminal outcome).
func (e *Executor) Advance() {
	for {
		if e.outcome.Kind != OutcomePending || e.pending != nil {
			return
		}

		if e.cursor < len(e.pipeline) {
			act := e.pipeline[e.cursor]
			if act.Phase > e.currentPhase {
				return
			}
			if !e.evalPredicates(act.Predicates) {
				e.cursor++
				continue
			}

			var parked bool
			switch act.Kind {
			case runtime.ActionKindAuth:
				parked = e.dispatchAuth(act)
			case runtime.ActionKindRateLimitStandard:
				parked = e.dispatchRateLimitStandard(act)
			case runtime.ActionKindRateLimitCheckAndReport:
				parked = e.dispatchCheck(act)
			}
			if parked {
				return
			}
			continue
		}

		if e.reportCursor < len(e.reportActions) {
			act := e.reportActions[e.reportCursor]
			if act.ReportPhase > e.currentPhase {
				return
			}
			if e.dispatchReport(act) {
				return
			}
			continue
		}

		e.finish()
		return
	}
}

func (e *Executor) finish() {
	e.outcome = Outcome{Kind: OutcomeContinue}
	e.metrics.Allowed()
}

func (e *Executor) denyDirectResponse(status uint32, headers [][2]string, body string) {
	e.outcome = Outcome{Kind: OutcomeDirectResponse, Status: status, Headers: headers, Body: body}
	e.metrics.Denied()
	e.host.SendHttpResponse(status, headers, []byte(body))
}

// handleFailure routes a transport failure through the target service's
// failure_mode (spec §4.5/§7 category 3). Returns whether the caller should
// stop advancing this cycle (true for deny, which is terminal; false for
// allow, which has already moved the cursor past the failed action).
func (e *Executor) handleFailure(act *runtime.RuntimeAction) bool {
	e.metrics.Errors()
	e.svcMetrics.ReportError(act.Service.Name)
	if act.Service.FailureMode == filterapi.FailureModeDeny {
		e.denyDirectResponse(503, nil, "")
		return true
	}
	e.svcMetrics.ReportAllowedOnFailure(act.Service.Name)
	e.cursor++
	return false
}

func (e *Executor) evalPredicates(progs []cel.Program) bool {
	for _, p := range progs {
		v, err := e.env.Eval(p, e, e.requestBody, e.responseBody)
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

type evaluatedData struct {
	entries        [][2]string
	domainOverride string
	hitsAddend     uint32
	hitsAddendSet  bool
}

func (e *Executor) evalData(act *runtime.RuntimeAction) evaluatedData {
	var out evaluatedData
	apply := func(list []runtime.DataBuilder) {
		for _, d := range list {
			val, ok := e.evalDataBuilder(d)
			if !ok {
				continue
			}
			switch d.Key {
			case string(runtime.KnownDataKeyDomain):
				out.domainOverride = val
			case string(runtime.KnownDataKeyHitsAddend):
				if n, err := strconv.ParseUint(val, 10, 32); err == nil {
					out.hitsAddend = uint32(n)
					out.hitsAddendSet = true
				}
			default:
				out.entries = append(out.entries, [2]string{d.Key, val})
			}
		}
	}
	apply(act.Data)
	for _, block := range act.ConditionalData {
		if e.evalPredicates(block.Predicates) {
			apply(block.Data)
		}
	}
	return out
}

func (e *Executor) evalDataBuilder(d runtime.DataBuilder) (string, bool) {
	if d.Expression == nil {
		return d.Static, true
	}
	v, err := e.env.Eval(d.Expression, e, e.requestBody, e.responseBody)
	if err != nil {
		return "", false
	}
	s, ok, err := expr.Coerce(v)
	if err != nil || !ok {
		return "", false
	}
	return s, true
}

func (e *Executor) dispatchAuth(act *runtime.RuntimeAction) bool {
	attrs := e.buildRequestAttrs()
	req := service.BuildCheckRequest(attrs)
	msg, err := service.Marshal(req)
	if err != nil {
		e.log.Error("marshaling check request", "action", act.Name, "error", err)
		return e.handleFailure(act)
	}
	token, err := e.host.DispatchGrpcCall(act.Service.Endpoint, authServiceName, authCheckMethod, nil, msg, act.Service.TimeoutMs, e.onGrpcResponse(act, pendingAuth))
	if err != nil {
		e.log.Warn("dispatching check call", "action", act.Name, "error", err)
		return e.handleFailure(act)
	}
	e.pending = &pendingCall{token: token, actionName: act.Name, kind: pendingAuth}
	return true
}

func (e *Executor) dispatchRateLimitStandard(act *runtime.RuntimeAction) bool {
	data := e.evalData(act)
	if len(data.entries) == 0 {
		e.cursor++
		return false
	}
	domain := act.Scope
	if data.domainOverride != "" {
		domain = data.domainOverride
	}
	req := service.BuildShouldRateLimitRequest(domain, []service.Descriptor{{Entries: data.entries}})
	msg, err := service.Marshal(req)
	if err != nil {
		e.log.Error("marshaling rate limit request", "action", act.Name, "error", err)
		return e.handleFailure(act)
	}
	token, err := e.host.DispatchGrpcCall(act.Service.Endpoint, rateLimitServiceName, shouldRateLimitMethod, nil, msg, act.Service.TimeoutMs, e.onGrpcResponse(act, pendingRateLimitStandard))
	if err != nil {
		e.log.Warn("dispatching rate limit call", "action", act.Name, "error", err)
		return e.handleFailure(act)
	}
	e.pending = &pendingCall{token: token, actionName: act.Name, kind: pendingRateLimitStandard}
	return true
}

func (e *Executor) dispatchCheck(act *runtime.RuntimeAction) bool {
	data := e.evalData(act)
	if len(data.entries) == 0 {
		e.cursor++
		return false
	}
	domain := act.CheckScope
	if data.domainOverride != "" {
		domain = data.domainOverride
	}
	req := service.BuildCheckRateLimitRequest(domain, []service.Descriptor{{Entries: data.entries}})
	msg, err := service.Marshal(req)
	if err != nil {
		e.log.Error("marshaling check-rate-limit request", "action", act.Name, "error", err)
		return e.handleFailure(act)
	}
	token, err := e.host.DispatchGrpcCall(act.Service.Endpoint, rateLimitServiceName, checkRateLimitMethod, nil, msg, act.Service.TimeoutMs, e.onGrpcResponse(act, pendingRateLimitCheck))
	if err != nil {
		e.log.Warn("dispatching check-rate-limit call", "action", act.Name, "error", err)
		return e.handleFailure(act)
	}
	e.pending = &pendingCall{token: token, actionName: act.Name, kind: pendingRateLimitCheck}
	return true
}

func (e *Executor) dispatchReport(act *runtime.RuntimeAction) bool {
	data := e.evalData(act)
	if len(data.entries) == 0 {
		e.reportCursor++
		return false
	}
	domain := act.ReportScope
	if data.domainOverride != "" {
		domain = data.domainOverride
	}
	hitsAddend := uint32(1)
	if data.hitsAddendSet {
		hitsAddend = data.hitsAddend
	}
	req := service.BuildReportRequest(domain, []service.Descriptor{{Entries: data.entries}}, hitsAddend)
	msg, err := service.Marshal(req)
	if err != nil {
		e.log.Error("marshaling report request", "action", act.Name, "error", err)
		e.reportCursor++ // a Report call never short-circuits; drop and move on.
		e.metrics.Errors()
		e.svcMetrics.ReportError(act.Service.Name)
		return false
	}
	token, err := e.host.DispatchGrpcCall(act.Service.Endpoint, rateLimitServiceName, reportMethod, nil, msg, act.Service.TimeoutMs, e.onGrpcResponseReport(act))
	if err != nil {
		e.log.Warn("dispatching report call", "action", act.Name, "error", err)
		e.reportCursor++
		e.metrics.Errors()
		e.svcMetrics.ReportError(act.Service.Name)
		return false
	}
	e.pending = &pendingCall{token: token, actionName: act.Name, kind: pendingRateLimitReport}
	return true
}

// onGrpcResponse builds the callback for a call that participates in the
// main pipeline cursor (auth, standard rate-limit, check-rate-limit).
func (e *Executor) onGrpcResponse(act *runtime.RuntimeAction, kind pendingKind) hostabi.GrpcResponseFunc {
	return func(resp *hostabi.GrpcResponse, err error) {
		e.pending = nil
		if err != nil {
			e.log.Warn("grpc call failed", "action", act.Name, "service", act.Service.Name, "error", err)
			e.handleFailure(act)
		} else {
			e.integrate(act, kind, resp)
		}
		e.Advance()
		e.resumeIfIdle()
	}
}

// onGrpcResponseReport builds the callback for a Report call, which drives
// the independent reportCursor and never short-circuits (spec §4.5).
func (e *Executor) onGrpcResponseReport(act *runtime.RuntimeAction) hostabi.GrpcResponseFunc {
	return func(resp *hostabi.GrpcResponse, err error) {
		e.pending = nil
		e.reportCursor++
		if err != nil {
			e.log.Warn("report call failed", "action", act.Name, "service", act.Service.Name, "error", err)
			e.metrics.Errors()
			e.svcMetrics.ReportError(act.Service.Name)
		} else if outcome, derr := service.DecodeRateLimitResponse(resp.Message); derr == nil {
			e.mergeRatelimitContext(outcome.ResponseHeaders)
			e.svcMetrics.ReportOK(act.Service.Name)
		} else {
			e.log.Warn("decoding report response", "action", act.Name, "error", derr)
			e.metrics.Errors()
			e.svcMetrics.ReportError(act.Service.Name)
		}
		e.Advance()
		e.resumeIfIdle()
	}
}

func (e *Executor) resumeIfIdle() {
	if e.pending != nil {
		return
	}
	if e.currentPhase >= runtime.PhaseResponseHeaders {
		e.host.ResumeResponse()
	} else {
		e.host.ResumeRequest()
	}
}

func (e *Executor) integrate(act *runtime.RuntimeAction, kind pendingKind, resp *hostabi.GrpcResponse) {
	switch kind {
	case pendingAuth:
		e.integrateAuth(act, resp)
	case pendingRateLimitStandard:
		e.integrateRateLimit(act, resp, false)
	case pendingRateLimitCheck:
		e.integrateRateLimit(act, resp, true)
	}
}

func (e *Executor) integrateAuth(act *runtime.RuntimeAction, resp *hostabi.GrpcResponse) {
	outcome, err := service.DecodeCheckResponse(resp.Message)
	if err != nil {
		e.log.Warn("decoding check response", "action", act.Name, "error", err)
		e.handleFailure(act)
		return
	}
	if !outcome.Allowed {
		e.svcMetrics.ReportRejected(act.Service.Name)
		e.denyDirectResponse(outcome.DeniedStatus, outcome.DeniedHeaders, outcome.DeniedBody)
		return
	}
	e.svcMetrics.ReportOK(act.Service.Name)
	for _, h := range outcome.ResponseHeaders {
		e.host.SetRequestHeader(h[0], h[1])
	}
	mergeAuthContext(e.authContext, outcome.DynamicMetadata)
	e.cursor++
}

func (e *Executor) integrateRateLimit(act *runtime.RuntimeAction, resp *hostabi.GrpcResponse, isCheck bool) {
	outcome, err := service.DecodeRateLimitResponse(resp.Message)
	if err != nil {
		e.log.Warn("decoding rate limit response", "action", act.Name, "error", err)
		e.handleFailure(act)
		return
	}
	if outcome.Unknown {
		e.log.Warn("rate limit response carried an unrecognized overall code", "action", act.Name)
		e.handleFailure(act)
		return
	}
	e.mergeRatelimitContext(outcome.ResponseHeaders)
	if outcome.OverLimit {
		e.svcMetrics.ReportRejected(act.Service.Name)
		e.denyDirectResponse(429, outcome.ResponseHeaders, "")
		return
	}
	e.svcMetrics.ReportOK(act.Service.Name)
	for _, h := range outcome.ResponseHeaders {
		e.host.AddResponseHeader(h[0], h[1])
	}
	if isCheck {
		e.reportActions = append(e.reportActions, act)
	}
	e.cursor++
}

func (e *Executor) mergeRatelimitContext(headers [][2]string) {
	for _, h := range headers {
		e.ratelimitContext[h[0]] = h[1]
	}
}

// mergeAuthContext implements spec §3's write-once invariant: existing keys
// are never overwritten, but a later Check response may add new ones, and
// nested maps merge recursively so two actions each contributing part of
// "identity" both land in auth.identity.*.
func mergeAuthContext(dst, src map[string]any) {
	for k, v := range src {
		existing, ok := dst[k]
		if !ok {
			dst[k] = v
			continue
		}
		existingMap, ok1 := existing.(map[string]any)
		newMap, ok2 := v.(map[string]any)
		if ok1 && ok2 {
			mergeAuthContext(existingMap, newMap)
		}
	}
}

func (e *Executor) buildRequestAttrs() service.RequestAttrs {
	headers := make(map[string]string)
	for _, h := range e.host.RequestHeaders() {
		headers[h[0]] = h[1]
	}
	method, _ := e.host.RequestHeader(":method")
	path, _ := e.host.RequestHeader(":path")
	host, _ := e.host.RequestHeader(":authority")
	scheme, _ := e.host.RequestHeader(":scheme")
	return service.RequestAttrs{
		Method:             method,
		Path:               path,
		Host:               host,
		Scheme:             scheme,
		Protocol:           e.propertyString([]string{"request", "protocol"}),
		Headers:            headers,
		SourceAddress:      e.propertyString([]string{"source", "address"}),
		DestinationAddress: e.propertyString([]string{"destination", "address"}),
		Time:               time.Now(),
	}
}

func (e *Executor) propertyString(path []string) string {
	b, ok := e.host.Property(path)
	if !ok {
		return ""
	}
	return string(b)
}
