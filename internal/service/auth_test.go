package service

import (
	"testing"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/stretchr/testify/require"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestBuildCheckRequest_PopulatesAttributeContext(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	req := BuildCheckRequest(RequestAttrs{
		Method:             "GET",
		Path:               "/v1/chat/completions",
		Host:               "api.example.com",
		Scheme:             "https",
		Protocol:           "HTTP/1.1",
		Headers:            map[string]string{"authorization": "Bearer x"},
		SourceAddress:      "10.0.0.1:54321",
		DestinationAddress: "10.0.0.2:8080",
		Time:               now,
	})

	http := req.GetAttributes().GetRequest().GetHttp()
	require.Equal(t, "GET", http.GetMethod())
	require.Equal(t, "/v1/chat/completions", http.GetPath())
	require.Equal(t, "api.example.com", http.GetHost())
	require.Equal(t, "https", http.GetScheme())
	require.Equal(t, "Bearer x", http.GetHeaders()["authorization"])

	require.Equal(t, "10.0.0.1", req.GetAttributes().GetSource().GetAddress().GetSocketAddress().GetAddress())
	require.EqualValues(t, 54321, req.GetAttributes().GetSource().GetAddress().GetSocketAddress().GetPortValue())
	require.Equal(t, "10.0.0.2", req.GetAttributes().GetDestination().GetAddress().GetSocketAddress().GetAddress())
}

func TestBuildCheckRequest_EmptyAddressOmitsSocketAddress(t *testing.T) {
	req := BuildCheckRequest(RequestAttrs{Method: "GET"})
	require.Nil(t, req.GetAttributes().GetSource().GetAddress())
}

func TestDecodeCheckResponse_Allowed(t *testing.T) {
	md, err := structpb.NewStruct(map[string]any{"group": "gold"})
	require.NoError(t, err)

	resp := &authv3.CheckResponse{
		Status: &statuspb.Status{Code: 0},
		HttpResponse: &authv3.CheckResponse_OkResponse{
			OkResponse: &authv3.OkHttpResponse{
				Headers: []*corev3.HeaderValueOption{
					{Header: &corev3.HeaderValue{Key: "x-auth-user", Value: "alice"}},
				},
			},
		},
		DynamicMetadata: md,
	}
	raw, err := proto.Marshal(resp)
	require.NoError(t, err)

	out, err := DecodeCheckResponse(raw)
	require.NoError(t, err)
	require.True(t, out.Allowed)
	require.Equal(t, "gold", out.DynamicMetadata["group"])
	require.Contains(t, out.ResponseHeaders, [2]string{"x-auth-user", "alice"})
}

func TestDecodeCheckResponse_Denied(t *testing.T) {
	resp := &authv3.CheckResponse{
		HttpResponse: &authv3.CheckResponse_DeniedResponse{
			DeniedResponse: &authv3.DeniedHttpResponse{
				Status: &typev3.HttpStatus{Code: typev3.StatusCode_Unauthorized},
				Body:   "denied",
			},
		},
	}
	raw, err := proto.Marshal(resp)
	require.NoError(t, err)

	out, err := DecodeCheckResponse(raw)
	require.NoError(t, err)
	require.False(t, out.Allowed)
	require.EqualValues(t, 401, out.DeniedStatus)
	require.Equal(t, "denied", out.DeniedBody)
}
