package hostabi

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/tetratelabs/proxy-wasm-go-sdk/proxywasm"
)

// proxywasmHost implements Host over the real Proxy-Wasm ABI, via
// github.com/tetratelabs/proxy-wasm-go-sdk. Grounded on
// other_examples/blaisewang-proxy-wasm-go-sdk__main.go (header/body/dispatch
// hostcall shapes) and ctyano-authorization-envoy__main.go (property/log
// conventions). The SDK exposes no gRPC callout ABI at all, only
// DispatchHttpCall — DispatchGrpcCall below frames a gRPC unary call as an
// HTTP/2 POST (application/grpc content type, length-prefixed message) over
// that hostcall, the same length-prefixing
// wudi-gateway/internal/proxy/protocol/grpcweb/framing.go uses for gRPC-Web.
type proxywasmHost struct{}

// NewProxyWasmHost returns the Host implementation cmd/wasmshim wires into
// every root and per-request context.
func NewProxyWasmHost() Host { return proxywasmHost{} }

func (proxywasmHost) RequestHeader(name string) (string, bool) {
	v, err := proxywasm.GetHttpRequestHeader(name)
	if err != nil {
		return "", false
	}
	return v, true
}

func (proxywasmHost) RequestHeaders() [][2]string {
	hs, err := proxywasm.GetHttpRequestHeaders()
	if err != nil {
		return nil
	}
	return hs
}

func (proxywasmHost) ResponseHeader(name string) (string, bool) {
	v, err := proxywasm.GetHttpResponseHeader(name)
	if err != nil {
		return "", false
	}
	return v, true
}

func (proxywasmHost) ResponseHeaders() [][2]string {
	hs, err := proxywasm.GetHttpResponseHeaders()
	if err != nil {
		return nil
	}
	return hs
}

func (proxywasmHost) SetRequestHeader(name, value string) {
	_ = proxywasm.ReplaceHttpRequestHeader(name, value)
}

func (proxywasmHost) RemoveRequestHeader(name string) {
	_ = proxywasm.RemoveHttpRequestHeader(name)
}

func (proxywasmHost) AddResponseHeader(name, value string) {
	_ = proxywasm.AddHttpResponseHeader(name, value)
}

func (proxywasmHost) RequestBody(maxBytes int) ([]byte, error) {
	return proxywasm.GetHttpRequestBody(0, maxBytes)
}

func (proxywasmHost) ResponseBody(maxBytes int) ([]byte, error) {
	return proxywasm.GetHttpResponseBody(0, maxBytes)
}

func (proxywasmHost) Property(path []string) ([]byte, bool) {
	v, err := proxywasm.GetProperty(path)
	if err != nil || v == nil {
		return nil, false
	}
	return v, true
}

func (proxywasmHost) SendHttpResponse(status uint32, headers [][2]string, body []byte) {
	if err := proxywasm.SendHttpResponse(status, headers, body, -1); err != nil {
		proxywasm.LogErrorf("hostabi: SendHttpResponse(%d) failed: %v", status, err)
	}
}

func (proxywasmHost) ResumeRequest()  { _ = proxywasm.ResumeHttpRequest() }
func (proxywasmHost) ResumeResponse() { _ = proxywasm.ResumeHttpResponse() }

// grpcFrameHeaderSize is the 1-byte compression-flag + 4-byte big-endian
// length prefix every gRPC message frame carries on the wire, HTTP/2 or
// HTTP/1.1-bridged alike.
const grpcFrameHeaderSize = 5

const (
	grpcStatusTrailer = "grpc-status"
)

func encodeGrpcFrame(message []byte) []byte {
	frame := make([]byte, grpcFrameHeaderSize+len(message))
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(message)))
	copy(frame[grpcFrameHeaderSize:], message)
	return frame
}

func decodeGrpcFrame(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, nil
	}
	if len(body) < grpcFrameHeaderSize {
		return nil, fmt.Errorf("grpc frame shorter than the %d-byte header", grpcFrameHeaderSize)
	}
	length := binary.BigEndian.Uint32(body[1:5])
	if int(length) > len(body)-grpcFrameHeaderSize {
		return nil, fmt.Errorf("grpc frame declares length %d past end of body", length)
	}
	return body[grpcFrameHeaderSize : grpcFrameHeaderSize+int(length)], nil
}

func grpcStatusOf(trailers, headers [][2]string) int32 {
	for _, kv := range trailers {
		if kv[0] == grpcStatusTrailer {
			if n, err := strconv.Atoi(kv[1]); err == nil {
				return int32(n)
			}
		}
	}
	// Some HTTP/1.1 gRPC bridges surface grpc-status among the response
	// headers rather than as a real HTTP trailer.
	for _, kv := range headers {
		if kv[0] == grpcStatusTrailer {
			if n, err := strconv.Atoi(kv[1]); err == nil {
				return int32(n)
			}
		}
	}
	return 0
}

// canceledGrpcCalls tracks tokens CancelGrpcCall was asked to cancel, so a
// callout whose response arrives after cancellation is dropped instead of
// delivered. proxy-wasm-go-sdk v0.24.0 has no callout-cancellation hostcall
// at all — only DispatchHttpCall/GetHttpCallResponse* exist — so this is the
// only way "cancel" can mean anything: a Wasm VM's callbacks all run on a
// single-threaded host event loop, so a plain map needs no locking.
var canceledGrpcCalls = map[uint32]bool{}

// DispatchGrpcCall issues a unary gRPC call as an HTTP/2 POST over
// DispatchHttpCall: ":path" is "/service/method" and the body is the
// standard length-prefixed gRPC message frame. cluster must name an Envoy
// cluster configured for HTTP/2 upstream connections to the gRPC backend.
func (proxywasmHost) DispatchGrpcCall(cluster, service, method string, initialMetadata [][2]string, message []byte, timeoutMillis uint32, onResponse GrpcResponseFunc) (uint32, error) {
	headers := append([][2]string{
		{":method", "POST"},
		{":path", "/" + service + "/" + method},
		{":authority", cluster},
		{"content-type", "application/grpc"},
		{"te", "trailers"},
	}, initialMetadata...)

	var token uint32
	calloutID, err := proxywasm.DispatchHttpCall(cluster, headers, encodeGrpcFrame(message), nil, timeoutMillis,
		func(_, bodySize, _ int) {
			if canceledGrpcCalls[token] {
				delete(canceledGrpcCalls, token)
				return
			}
			onResponse(decodeGrpcResponse(bodySize))
		})
	if err != nil {
		return 0, fmt.Errorf("dispatching grpc call to %s/%s.%s: %w", cluster, service, method, err)
	}
	token = calloutID
	return token, nil
}

func decodeGrpcResponse(bodySize int) (*GrpcResponse, error) {
	trailers, err := proxywasm.GetHttpCallResponseTrailers()
	if err != nil {
		return nil, fmt.Errorf("reading grpc response trailers: %w", err)
	}
	headers, err := proxywasm.GetHttpCallResponseHeaders()
	if err != nil {
		return nil, fmt.Errorf("reading grpc response headers: %w", err)
	}
	raw, err := proxywasm.GetHttpCallResponseBody(0, bodySize)
	if err != nil {
		return nil, fmt.Errorf("reading grpc response body: %w", err)
	}
	message, err := decodeGrpcFrame(raw)
	if err != nil {
		return nil, err
	}
	return &GrpcResponse{StatusCode: grpcStatusOf(trailers, headers), Headers: headers, Message: message}, nil
}

// CancelGrpcCall records token as canceled (see canceledGrpcCalls); there is
// no underlying hostcall to undo the outstanding DispatchHttpCall with.
func (proxywasmHost) CancelGrpcCall(token uint32) error {
	canceledGrpcCalls[token] = true
	return nil
}

// DefineCounter wraps proxywasm.DefineCounterMetric, which panics rather
// than returning an error on a host failure; the recover here keeps that
// failure inside Host's normal (value, error) contract.
func (proxywasmHost) DefineCounter(name string) (id CounterID, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("defining counter %q: %v", name, r)
		}
	}()
	return CounterID(proxywasm.DefineCounterMetric(name)), nil
}

// IncrementCounter calls Increment on the MetricCounter handle DefineCounter
// returned — CounterID is that same uint32 handle, not a separate ID this
// package re-resolves. proxywasm.MetricCounter.Increment panics on a host
// failure, recovered into the usual error return.
func (proxywasmHost) IncrementCounter(id CounterID, offset int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("incrementing counter %d: %v", id, r)
		}
	}()
	proxywasm.MetricCounter(id).Increment(uint64(offset))
	return nil
}

func (proxywasmHost) Log(level LogLevel, msg string) {
	switch level {
	case LogLevelTrace:
		proxywasm.LogTrace(msg)
	case LogLevelDebug:
		proxywasm.LogDebug(msg)
	case LogLevelInfo:
		proxywasm.LogInfo(msg)
	case LogLevelWarn:
		proxywasm.LogWarn(msg)
	case LogLevelError:
		proxywasm.LogError(msg)
	case LogLevelCritical:
		proxywasm.LogCritical(msg)
	}
}
