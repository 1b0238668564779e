package executor

import (
	"bytes"
	"log/slog"
	"testing"

	rlsv3 "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/kuadrant/wasm-policy-shim/internal/expr"
	"github.com/kuadrant/wasm-policy-shim/internal/filterapi"
	"github.com/kuadrant/wasm-policy-shim/internal/metrics"
	"github.com/kuadrant/wasm-policy-shim/internal/runtime"
	"github.com/kuadrant/wasm-policy-shim/testing/testhost"
)

func testEnv(t *testing.T) *expr.Env {
	t.Helper()
	env, err := expr.NewEnv()
	require.NoError(t, err)
	return env
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func newHarness(t *testing.T) (*testhost.Fake, *metrics.Counters, *metrics.ServiceCounters) {
	t.Helper()
	host := testhost.New()
	m, err := metrics.NewCounters(host)
	require.NoError(t, err)
	sm := metrics.NewServiceCounters(host)
	return host, m, sm
}

func rateLimitService(mode filterapi.FailureMode) *filterapi.Service {
	return &filterapi.Service{Name: "limitador", Kind: filterapi.ServiceKindRateLimit, Endpoint: "outbound|8081||limitador.default.svc.cluster.local", FailureMode: mode, TimeoutMs: 1000}
}

func authService(mode filterapi.FailureMode) *filterapi.Service {
	return &filterapi.Service{Name: "authorino", Kind: filterapi.ServiceKindAuth, Endpoint: "outbound|50051||authorino.default.svc.cluster.local", FailureMode: mode, TimeoutMs: 1000}
}

// rlp-a: a data expression that resolves to null drops the only descriptor
// entry, so the action must not issue a call at all.
func TestExecutor_ZeroDescriptorsIsNoop(t *testing.T) {
	env := testEnv(t)
	host, m, sm := newHarness(t)

	prog, err := env.Compile(`string(request.doesnotexist)`)
	require.NoError(t, err)

	act := &runtime.RuntimeAction{
		Kind:    runtime.ActionKindRateLimitStandard,
		Name:    "rlp-a.actions[0]",
		Service: rateLimitService(filterapi.FailureModeAllow),
		Scope:   "rlp-a",
		Data:    []runtime.DataBuilder{{Key: "limit_to_be_activated", Expression: prog}},
		Phase:   runtime.PhaseRequestHeaders,
	}

	e := New(host, env, m, sm, discardLogger(), []*runtime.RuntimeAction{act}, true)
	sig := e.OnRequestHeaders()

	require.Equal(t, SignalContinue, sig)
	require.Equal(t, OutcomeContinue, e.Outcome().Kind)
	require.Empty(t, host.Calls)
}

// unreachable service with failure_mode=deny: a transport error delivered
// to the call's response callback (a canned FakeResponse.Err run by
// RunPending) must short circuit with a 5xx and increment errors/denied.
func TestExecutor_TransportFailureDeny(t *testing.T) {
	env := testEnv(t)
	host, m, sm := newHarness(t)

	act := &runtime.RuntimeAction{
		Kind:    runtime.ActionKindAuth,
		Name:    "multi.actions[0]",
		Service: authService(filterapi.FailureModeDeny),
		Phase:   runtime.PhaseRequestHeaders,
	}

	e := New(host, env, m, sm, discardLogger(), []*runtime.RuntimeAction{act}, true)

	// Fail the dispatched call with a transport error.
	key := "outbound|50051||authorino.default.svc.cluster.local/envoy.service.auth.v3.Authorization/Check"
	host.Responses[key] = testhost.FakeResponse{Err: errTransport}

	sig := e.OnRequestHeaders()
	require.Equal(t, SignalPause, sig)
	host.RunPending()

	require.Equal(t, OutcomeDirectResponse, e.Outcome().Kind)
	require.EqualValues(t, 503, e.Outcome().Status)
	require.NotNil(t, host.SentResponse)
}

// failure_mode=allow on the same failure advances the pipeline instead of
// short-circuiting.
func TestExecutor_TransportFailureAllow(t *testing.T) {
	env := testEnv(t)
	host, m, sm := newHarness(t)

	act := &runtime.RuntimeAction{
		Kind:    runtime.ActionKindAuth,
		Name:    "multi.actions[0]",
		Service: authService(filterapi.FailureModeAllow),
		Phase:   runtime.PhaseRequestHeaders,
	}

	e := New(host, env, m, sm, discardLogger(), []*runtime.RuntimeAction{act}, true)

	key := "outbound|50051||authorino.default.svc.cluster.local/envoy.service.auth.v3.Authorization/Check"
	host.Responses[key] = testhost.FakeResponse{Err: errTransport}

	sig := e.OnRequestHeaders()
	require.Equal(t, SignalPause, sig)
	host.RunPending()

	require.Equal(t, OutcomeContinue, e.Outcome().Kind)
	require.Nil(t, host.SentResponse)
}

// A standard rate-limit OVER_LIMIT response short-circuits with 429.
func TestExecutor_RateLimitOverLimit(t *testing.T) {
	env := testEnv(t)
	host, m, sm := newHarness(t)

	act := &runtime.RuntimeAction{
		Kind:    runtime.ActionKindRateLimitStandard,
		Name:    "rlp-c.actions[0]",
		Service: rateLimitService(filterapi.FailureModeAllow),
		Scope:   "rlp-c",
		Data:    []runtime.DataBuilder{{Key: "user_id", Static: "bob"}},
		Phase:   runtime.PhaseRequestHeaders,
	}

	e := New(host, env, m, sm, discardLogger(), []*runtime.RuntimeAction{act}, true)

	key := "outbound|8081||limitador.default.svc.cluster.local/envoy.service.ratelimit.v3.RateLimitService/ShouldRateLimit"
	host.Responses[key] = testhost.FakeResponse{Resp: overLimitResponse()}

	sig := e.OnRequestHeaders()
	require.Equal(t, SignalPause, sig)
	host.RunPending()

	require.Equal(t, OutcomeDirectResponse, e.Outcome().Kind)
	require.EqualValues(t, 429, e.Outcome().Status)
}

// A check-and-report action dispatches Check at request phase with
// hits_addend=1 always, then dispatches Report at response phase with the
// hits_addend carried by the "ratelimit.hits_addend" known data key.
func TestExecutor_CheckAndReport(t *testing.T) {
	env := testEnv(t)
	host, m, sm := newHarness(t)

	hitsAddendProg, err := env.Compile(`string(responseBodyJSON('/usage/total_tokens'))`)
	require.NoError(t, err)

	act := &runtime.RuntimeAction{
		Kind:        runtime.ActionKindRateLimitCheckAndReport,
		Name:        "llm.actions[0]",
		Service:     rateLimitService(filterapi.FailureModeAllow),
		CheckScope:  "check",
		ReportScope: "report",
		Data: []runtime.DataBuilder{
			{Key: "user_id", Static: "alice"},
			{Key: string(runtime.KnownDataKeyHitsAddend), Expression: hitsAddendProg},
		},
		Phase:       runtime.PhaseRequestHeaders,
		ReportPhase: runtime.PhaseResponseBody,
	}

	e := New(host, env, m, sm, discardLogger(), []*runtime.RuntimeAction{act}, true)

	checkKey := "outbound|8081||limitador.default.svc.cluster.local/envoy.service.ratelimit.v3.RateLimitService/CheckRateLimit"
	host.Responses[checkKey] = testhost.FakeResponse{Resp: okRateLimitResponse()}

	sig := e.OnRequestHeaders()
	require.Equal(t, SignalPause, sig)
	host.RunPending()
	require.Len(t, host.Calls, 1)
	require.Equal(t, "CheckRateLimit", host.Calls[0].Method)
	// The pipeline is exhausted and the Report call is response-phase-gated,
	// so the transaction lets the host continue without an open call.
	require.Equal(t, SignalContinue, e.Signal())

	reportKey := "outbound|8081||limitador.default.svc.cluster.local/envoy.service.ratelimit.v3.RateLimitService/Report"
	host.Responses[reportKey] = testhost.FakeResponse{Resp: okRateLimitResponse()}
	host.SetResponseBody([]byte(`{"usage":{"total_tokens":24}}`))

	sig = e.OnResponseBody([]byte(`{"usage":{"total_tokens":24}}`))
	require.Equal(t, SignalPause, sig)
	host.RunPending()

	require.Equal(t, OutcomeContinue, e.Outcome().Kind)
	require.Len(t, host.Calls, 2)
	require.Equal(t, "Report", host.Calls[1].Method)

	var checkReq, reportReq rlsv3.RateLimitRequest
	require.NoError(t, proto.Unmarshal(host.Calls[0].Message, &checkReq))
	require.EqualValues(t, 1, checkReq.GetHitsAddend())
	require.NoError(t, proto.Unmarshal(host.Calls[1].Message, &reportReq))
	require.EqualValues(t, 24, reportReq.GetHitsAddend())
}

// multi: an auth action's dynamic_metadata must merge into auth_context
// before a later rate-limit action's descriptor data expression reads it
// back out via auth.identity.userid.
func TestExecutor_AuthContextFlowsIntoLaterRateLimitAction(t *testing.T) {
	env := testEnv(t)
	host, m, sm := newHarness(t)

	useridProg, err := env.Compile(`auth.identity.userid`)
	require.NoError(t, err)

	authAct := &runtime.RuntimeAction{
		Kind:    runtime.ActionKindAuth,
		Name:    "multi.actions[0]",
		Service: authService(filterapi.FailureModeDeny),
		Phase:   runtime.PhaseRequestHeaders,
	}
	rlAct := &runtime.RuntimeAction{
		Kind:    runtime.ActionKindRateLimitStandard,
		Name:    "multi.actions[1]",
		Service: rateLimitService(filterapi.FailureModeAllow),
		Scope:   "multi",
		Data:    []runtime.DataBuilder{{Key: "user_id", Expression: useridProg}},
		Phase:   runtime.PhaseRequestHeaders,
	}

	e := New(host, env, m, sm, discardLogger(), []*runtime.RuntimeAction{authAct, rlAct}, true)

	authKey := "outbound|50051||authorino.default.svc.cluster.local/envoy.service.auth.v3.Authorization/Check"
	host.Responses[authKey] = testhost.FakeResponse{Resp: allowedCheckResponseWithMetadata(map[string]any{
		"identity": map[string]any{"userid": "alice"},
	})}
	rlKey := "outbound|8081||limitador.default.svc.cluster.local/envoy.service.ratelimit.v3.RateLimitService/ShouldRateLimit"
	host.Responses[rlKey] = testhost.FakeResponse{Resp: okRateLimitResponse()}

	sig := e.OnRequestHeaders()
	require.Equal(t, SignalPause, sig)
	host.RunPending()

	require.Equal(t, OutcomeContinue, e.Outcome().Kind)
	require.Len(t, host.Calls, 2)
	require.Equal(t, "Check", host.Calls[0].Method)
	require.Equal(t, "ShouldRateLimit", host.Calls[1].Method)

	var rlReq rlsv3.RateLimitRequest
	require.NoError(t, proto.Unmarshal(host.Calls[1].Message, &rlReq))
	require.Len(t, rlReq.GetDescriptors(), 1)
	require.Equal(t, "user_id", rlReq.GetDescriptors()[0].GetEntries()[0].GetKey())
	require.Equal(t, "alice", rlReq.GetDescriptors()[0].GetEntries()[0].GetValue())
}

// A rate-limit response carrying the zero-value UNKNOWN overall code is
// routed through failure_mode exactly like a transport error, not treated
// as "not over limit".
func TestExecutor_RateLimitUnknownCodeRoutesThroughFailureMode(t *testing.T) {
	env := testEnv(t)
	host, m, sm := newHarness(t)

	act := &runtime.RuntimeAction{
		Kind:    runtime.ActionKindRateLimitStandard,
		Name:    "rlp-c.actions[0]",
		Service: rateLimitService(filterapi.FailureModeDeny),
		Scope:   "rlp-c",
		Data:    []runtime.DataBuilder{{Key: "user_id", Static: "bob"}},
		Phase:   runtime.PhaseRequestHeaders,
	}

	e := New(host, env, m, sm, discardLogger(), []*runtime.RuntimeAction{act}, true)

	key := "outbound|8081||limitador.default.svc.cluster.local/envoy.service.ratelimit.v3.RateLimitService/ShouldRateLimit"
	host.Responses[key] = testhost.FakeResponse{Resp: unknownRateLimitResponse()}

	sig := e.OnRequestHeaders()
	require.Equal(t, SignalPause, sig)
	host.RunPending()

	require.Equal(t, OutcomeDirectResponse, e.Outcome().Kind)
	require.EqualValues(t, 503, e.Outcome().Status)
}

// The same UNKNOWN code with failure_mode=allow advances instead of
// short-circuiting.
func TestExecutor_RateLimitUnknownCodeAllowsOnFailureModeAllow(t *testing.T) {
	env := testEnv(t)
	host, m, sm := newHarness(t)

	act := &runtime.RuntimeAction{
		Kind:    runtime.ActionKindRateLimitStandard,
		Name:    "rlp-c.actions[0]",
		Service: rateLimitService(filterapi.FailureModeAllow),
		Scope:   "rlp-c",
		Data:    []runtime.DataBuilder{{Key: "user_id", Static: "bob"}},
		Phase:   runtime.PhaseRequestHeaders,
	}

	e := New(host, env, m, sm, discardLogger(), []*runtime.RuntimeAction{act}, true)

	key := "outbound|8081||limitador.default.svc.cluster.local/envoy.service.ratelimit.v3.RateLimitService/ShouldRateLimit"
	host.Responses[key] = testhost.FakeResponse{Resp: unknownRateLimitResponse()}

	sig := e.OnRequestHeaders()
	require.Equal(t, SignalPause, sig)
	host.RunPending()

	require.Equal(t, OutcomeContinue, e.Outcome().Kind)
	require.Nil(t, host.SentResponse)
}
