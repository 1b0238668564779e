// Package hostabi is the seam between the policy engine (executor, expr,
// service) and the embedding Proxy-Wasm host: the thin interface over
// exactly the hostcalls spec §6 lists as consumed (attribute/header reads,
// header mutation, body buffering, gRPC dispatch/cancel, log, stats).
//
// Grounded on the teacher's Server/processor split (internal/extproc/server.go
// vs processor.go): transport lives on one side of the interface, policy
// logic on the other. proxywasmHost (proxywasm.go) implements Host over
// github.com/tetratelabs/proxy-wasm-go-sdk; testing/testhost.Fake implements
// it in memory so internal/executor and internal/expr are unit-testable
// without a running Envoy.
package hostabi

// LogLevel mirrors proxywasm/types.LogLevel as this package's own type, so
// the Host interface and its callers do not depend on the SDK's types;
// proxywasmHost.Log maps each level to the matching proxywasm log call.
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelCritical
)

// CounterID identifies a counter metric defined with DefineCounter.
type CounterID uint32

// GrpcResponse is what the host hands back to a dispatched call's
// callback: the gRPC status code, any response headers/trailers the
// callee set (merged, since this module never distinguishes them), and the
// raw serialized response message bytes.
type GrpcResponse struct {
	StatusCode int32
	Headers    [][2]string
	Message    []byte
}

// GrpcResponseFunc is invoked exactly once for a dispatched call, either
// with a non-nil resp or a non-nil err (transport failure / timeout), never
// both. Bound to the token DispatchGrpcCall returned; the host routes the
// underlying callback by construction (the Proxy-Wasm ABI ties a callback
// closure to the context that dispatched it), so Host implementations do
// not need a separate token->callback table. Executor keeps the token in
// its pendingCall only so Cancel can pass it to CancelGrpcCall; a non-nil
// pendingCall is what keeps it from dispatching a second call.
type GrpcResponseFunc func(resp *GrpcResponse, err error)

// Host is every hostcall the executor, expr, and service packages need.
type Host interface {
	// RequestHeader returns a request header's value and whether it was
	// present. Header names are ASCII-lowercased by the host per the
	// Proxy-Wasm ABI convention.
	RequestHeader(name string) (string, bool)
	RequestHeaders() [][2]string
	ResponseHeader(name string) (string, bool)
	ResponseHeaders() [][2]string

	SetRequestHeader(name, value string)
	RemoveRequestHeader(name string)
	AddResponseHeader(name, value string)

	// RequestBody/ResponseBody return up to maxBytes of the buffered body
	// starting at offset 0. Callers (executor) are responsible for having
	// asked the host to buffer in the first place (spec §9 "Body buffering
	// is phase-sensitive" — not this interface's concern).
	RequestBody(maxBytes int) ([]byte, error)
	ResponseBody(maxBytes int) ([]byte, error)

	// Property resolves a dot-path host property (source/destination/
	// connection metadata, dynamic metadata under
	// metadata.filter_metadata...). Returns ok=false on a miss, never an
	// error — spec §4.4 "Lookup misses return the CEL null value".
	Property(path []string) ([]byte, bool)

	// SendHttpResponse short-circuits the transaction with a direct
	// response (spec §4.3 DirectResponse). proxywasmHost passes a gRPC
	// status of -1 ("not a gRPC transaction") to proxywasm.SendHttpResponse.
	SendHttpResponse(status uint32, headers [][2]string, body []byte)
	// ResumeRequest/ResumeResponse un-pause a transaction parked waiting
	// for a later phase or a gRPC response (spec §4.3 Awaiting/Continue).
	ResumeRequest()
	ResumeResponse()

	// DispatchGrpcCall issues a gRPC call to a named cluster/service/method
	// and returns the host-assigned token. onResponse fires exactly once.
	// The Proxy-Wasm ABI this module targets has no native gRPC callout
	// hostcall; proxywasmHost synthesizes one over DispatchHttpCall.
	DispatchGrpcCall(cluster, service, method string, initialMetadata [][2]string, message []byte, timeoutMillis uint32, onResponse GrpcResponseFunc) (token uint32, err error)
	// CancelGrpcCall cancels an outstanding call (spec §4.3 Cancellation).
	// proxywasmHost has no hostcall to back this with either; it records
	// the token so a response arriving after cancellation is dropped.
	CancelGrpcCall(token uint32) error

	DefineCounter(name string) (CounterID, error)
	IncrementCounter(id CounterID, offset int64) error

	Log(level LogLevel, msg string)
}
