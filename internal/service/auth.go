// Package service builds and decodes the gRPC messages spec §4.5/§6
// requires to be "bit-exact" with the published Envoy/Kuadrant proto
// schemas: envoy.service.auth.v3.Authorization/Check and the rate-limit
// variants (ratelimit.go). This package never touches a hostcall itself —
// internal/hostabi dispatches the marshaled bytes — mirroring the
// teacher's split between "build a typed request struct"
// (translator.RequestBody) and "the processor dispatches it"
// (internal/extproc/processor.go).
package service

import (
	"fmt"
	"net"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// RequestAttrs is the subset of request metadata the auth client needs to
// populate an AttributeContext (spec §4.5: "method, path, headers, host,
// scheme, source.address, destination.address, time").
type RequestAttrs struct {
	Method              string
	Path                string
	Host                string
	Scheme              string
	Protocol            string
	Headers             map[string]string
	SourceAddress       string
	DestinationAddress  string
	Time                time.Time
}

// BuildCheckRequest builds an envoy.service.auth.v3.CheckRequest carrying a
// populated AttributeContext, per spec §4.5.
func BuildCheckRequest(a RequestAttrs) *authv3.CheckRequest {
	ts := timestamppb.New(a.Time)
	return &authv3.CheckRequest{
		Attributes: &authv3.AttributeContext{
			Source:      &authv3.AttributeContext_Peer{Address: socketAddress(a.SourceAddress)},
			Destination: &authv3.AttributeContext_Peer{Address: socketAddress(a.DestinationAddress)},
			Request: &authv3.AttributeContext_Request{
				Time: ts,
				Http: &authv3.AttributeContext_HttpRequest{
					Method:   a.Method,
					Path:     a.Path,
					Host:     a.Host,
					Scheme:   a.Scheme,
					Protocol: a.Protocol,
					Headers:  a.Headers,
				},
			},
		},
	}
}

func socketAddress(hostport string) *corev3.Address {
	if hostport == "" {
		return nil
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		host, portStr = hostport, "0"
	}
	var port uint32
	fmt.Sscanf(portStr, "%d", &port)
	return &corev3.Address{
		Address: &corev3.Address_SocketAddress{
			SocketAddress: &corev3.SocketAddress{
				Address: host,
				PortSpecifier: &corev3.SocketAddress_PortValue{PortValue: port},
			},
		},
	}
}

// Marshal serializes a built request message for hostabi.Host.DispatchGrpcCall.
func Marshal(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

// CheckOutcome is the decoded, policy-relevant shape of a CheckResponse:
// either an allow (with dynamic metadata to merge into auth_context and
// response headers to inject) or a deny (with the status/headers/body to
// short-circuit the transaction with), per spec §4.5's OkHttpResponse /
// DeniedHttpResponse split.
type CheckOutcome struct {
	Allowed bool

	// Allow fields.
	DynamicMetadata map[string]any
	ResponseHeaders [][2]string

	// Deny fields.
	DeniedStatus  uint32
	DeniedHeaders [][2]string
	DeniedBody    string
}

// DecodeCheckResponse unmarshals and interprets a CheckResponse per spec
// §4.5: "OK — merge dynamic_metadata and response-header mutations...
// Denied with HTTP status — short-circuit with that status/headers/body."
func DecodeCheckResponse(raw []byte) (*CheckOutcome, error) {
	var resp authv3.CheckResponse
	if err := proto.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling CheckResponse: %w", err)
	}

	if denied := resp.GetDeniedResponse(); denied != nil {
		status := uint32(403)
		if hs := denied.GetStatus(); hs != nil {
			status = uint32(hs.GetCode())
		}
		return &CheckOutcome{
			Allowed:       false,
			DeniedStatus:  status,
			DeniedHeaders: headerOptionsToPairs(denied.GetHeaders()),
			DeniedBody:    denied.GetBody(),
		}, nil
	}

	if !grpcStatusOK(resp.GetStatus()) {
		// A server that denies without populating DeniedHttpResponse still
		// carries a non-OK gRPC status: fall back on that rather than the
		// oneof-absent default of allowed.
		return &CheckOutcome{Allowed: false, DeniedStatus: 403}, nil
	}

	ok := resp.GetOkResponse()
	out := &CheckOutcome{Allowed: true}
	if ok != nil {
		out.ResponseHeaders = headerOptionsToPairs(ok.GetHeaders())
	}
	// dynamic_metadata lives on the CheckResponse itself, not on the
	// ok_response oneof member, per original_source's auth task
	// (response.dynamic_metadata, read regardless of allow/deny).
	if md := resp.GetDynamicMetadata(); md != nil {
		out.DynamicMetadata = md.AsMap()
	}
	return out, nil
}

func headerOptionsToPairs(opts []*corev3.HeaderValueOption) [][2]string {
	out := make([][2]string, 0, len(opts))
	for _, o := range opts {
		hv := o.GetHeader()
		if hv == nil {
			continue
		}
		v := hv.GetValue()
		if v == "" && len(hv.GetRawValue()) > 0 {
			v = string(hv.GetRawValue())
		}
		out = append(out, [2]string{hv.GetKey(), v})
	}
	return out
}

// grpcStatusOK reports whether a CheckResponse's status is absent or OK;
// DecodeCheckResponse treats any other status as the authorization
// service's denial (403).
func grpcStatusOK(st *statuspb.Status) bool {
	return st == nil || st.GetCode() == 0
}
