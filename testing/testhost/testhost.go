// Package testhost is an in-memory fake of hostabi.Host, grounded on the
// teacher's hand-rolled mocks in internal/extproc/mocks_test.go: no
// generated mocking framework, just a plain struct recording calls and
// returning configured results, so internal/executor and internal/expr are
// unit-testable without a running Envoy or Wasm runtime.
package testhost

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kuadrant/wasm-policy-shim/internal/hostabi"
)

// DispatchedCall records one DispatchGrpcCall invocation for test
// assertions.
type DispatchedCall struct {
	Token    uint32
	Cluster  string
	Service  string
	Method   string
	Message  []byte
	Timeout  uint32
	Callback hostabi.GrpcResponseFunc
}

// Fake implements hostabi.Host entirely in memory.
type Fake struct {
	RequestHeadersList  [][2]string
	ResponseHeadersList [][2]string
	Properties          map[string][]byte

	requestBody  []byte
	responseBody []byte

	// Responses, if set, maps "cluster/service/method" to a canned
	// response/error pair that DispatchGrpcCall stages for delivery by
	// RunPending. When a call's key isn't present, the dispatch is left
	// pending in Calls for the test to resolve by hand (calling the
	// recorded Callback).
	Responses map[string]FakeResponse

	Calls []*DispatchedCall

	Counters map[string]hostabi.CounterID

	SentResponse *SentResponse
	Resumes      []string // "request" or "response", in call order
	Cancelled    []uint32
	Logs         []LogEntry

	nextToken uint32
	// pendingDeliveries holds canned-response callbacks staged by
	// DispatchGrpcCall, invoked only when the test calls RunPending — a
	// real host never calls back synchronously within the dispatching
	// call, and callers of Executor rely on that (Executor sets its
	// pendingCall bookkeeping only after DispatchGrpcCall returns).
	pendingDeliveries []func()
}

// FakeResponse is a canned DispatchGrpcCall outcome.
type FakeResponse struct {
	Resp *hostabi.GrpcResponse
	Err  error
}

// SentResponse records a SendHttpResponse call.
type SentResponse struct {
	Status  uint32
	Headers [][2]string
	Body    []byte
}

// LogEntry records a Log call.
type LogEntry struct {
	Level hostabi.LogLevel
	Msg   string
}

// New returns an empty Fake ready for use.
func New() *Fake {
	return &Fake{
		Properties: make(map[string][]byte),
		Responses:  make(map[string]FakeResponse),
		Counters:   make(map[string]hostabi.CounterID),
	}
}

// SetRequestBody/SetResponseBody stage the bytes RequestBody/ResponseBody
// will return, simulating the host having buffered a phase's body.
func (f *Fake) SetRequestBody(b []byte)  { f.requestBody = b }
func (f *Fake) SetResponseBody(b []byte) { f.responseBody = b }

// SetProperty stages a Property lookup result, keyed the same way
// PropertyKey joins a path.
func (f *Fake) SetProperty(path []string, value string) {
	f.Properties[PropertyKey(path)] = []byte(value)
}

// PropertyKey is the map key Fake uses for a Property path; exported so
// tests can call SetProperty/assert against the same join logic Property
// uses.
func PropertyKey(path []string) string { return strings.Join(path, ".") }

var _ hostabi.Host = (*Fake)(nil)

func (f *Fake) RequestHeader(name string) (string, bool) {
	return lookupHeader(f.RequestHeadersList, name)
}

func (f *Fake) RequestHeaders() [][2]string { return f.RequestHeadersList }

func (f *Fake) ResponseHeader(name string) (string, bool) {
	return lookupHeader(f.ResponseHeadersList, name)
}

func (f *Fake) ResponseHeaders() [][2]string { return f.ResponseHeadersList }

func (f *Fake) SetRequestHeader(name, value string) {
	f.RequestHeadersList = setHeader(f.RequestHeadersList, name, value)
}

func (f *Fake) RemoveRequestHeader(name string) {
	f.RequestHeadersList = removeHeader(f.RequestHeadersList, name)
}

func (f *Fake) AddResponseHeader(name, value string) {
	f.ResponseHeadersList = append(f.ResponseHeadersList, [2]string{name, value})
}

func (f *Fake) RequestBody(maxBytes int) ([]byte, error) {
	return clampBytes(f.requestBody, maxBytes), nil
}

func (f *Fake) ResponseBody(maxBytes int) ([]byte, error) {
	return clampBytes(f.responseBody, maxBytes), nil
}

func (f *Fake) Property(path []string) ([]byte, bool) {
	v, ok := f.Properties[PropertyKey(path)]
	return v, ok
}

func (f *Fake) SendHttpResponse(status uint32, headers [][2]string, body []byte) {
	f.SentResponse = &SentResponse{Status: status, Headers: headers, Body: body}
}

func (f *Fake) ResumeRequest()  { f.Resumes = append(f.Resumes, "request") }
func (f *Fake) ResumeResponse() { f.Resumes = append(f.Resumes, "response") }

func (f *Fake) DispatchGrpcCall(cluster, service, method string, initialMetadata [][2]string, message []byte, timeoutMillis uint32, onResponse hostabi.GrpcResponseFunc) (uint32, error) {
	f.nextToken++
	token := f.nextToken
	call := &DispatchedCall{
		Token:    token,
		Cluster:  cluster,
		Service:  service,
		Method:   method,
		Message:  message,
		Timeout:  timeoutMillis,
		Callback: onResponse,
	}
	f.Calls = append(f.Calls, call)

	key := fmt.Sprintf("%s/%s/%s", cluster, service, method)
	if canned, ok := f.Responses[key]; ok {
		resp, err := canned.Resp, canned.Err
		f.pendingDeliveries = append(f.pendingDeliveries, func() { onResponse(resp, err) })
	}
	return token, nil
}

// RunPending delivers every staged canned response in FIFO order, including
// any further ones staged by the calls those deliveries themselves
// trigger. Call this after a lifecycle method that should see a canned
// gRPC response.
func (f *Fake) RunPending() {
	for len(f.pendingDeliveries) > 0 {
		next := f.pendingDeliveries[0]
		f.pendingDeliveries = f.pendingDeliveries[1:]
		next()
	}
}

func (f *Fake) CancelGrpcCall(token uint32) error {
	f.Cancelled = append(f.Cancelled, token)
	return nil
}

func (f *Fake) DefineCounter(name string) (hostabi.CounterID, error) {
	if id, ok := f.Counters[name]; ok {
		return id, nil
	}
	id := hostabi.CounterID(len(f.Counters) + 1)
	f.Counters[name] = id
	return id, nil
}

func (f *Fake) IncrementCounter(hostabi.CounterID, int64) error { return nil }

func (f *Fake) Log(level hostabi.LogLevel, msg string) {
	f.Logs = append(f.Logs, LogEntry{Level: level, Msg: msg})
}

// LastCall returns the most recently dispatched call, or nil.
func (f *Fake) LastCall() *DispatchedCall {
	if len(f.Calls) == 0 {
		return nil
	}
	return f.Calls[len(f.Calls)-1]
}

// CounterNames returns the names of every counter defined so far, sorted,
// for deterministic test assertions.
func (f *Fake) CounterNames() []string {
	names := make([]string, 0, len(f.Counters))
	for name := range f.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupHeader(headers [][2]string, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h[0], name) {
			return h[1], true
		}
	}
	return "", false
}

func setHeader(headers [][2]string, name, value string) [][2]string {
	for i, h := range headers {
		if strings.EqualFold(h[0], name) {
			headers[i][1] = value
			return headers
		}
	}
	return append(headers, [2]string{name, value})
}

func removeHeader(headers [][2]string, name string) [][2]string {
	out := headers[:0]
	for _, h := range headers {
		if !strings.EqualFold(h[0], name) {
			out = append(out, h)
		}
	}
	return out
}

func clampBytes(b []byte, maxBytes int) []byte {
	if maxBytes <= 0 || maxBytes >= len(b) {
		return b
	}
	return b[:maxBytes]
}
