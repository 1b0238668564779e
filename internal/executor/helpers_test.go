package executor

import (
	"errors"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	rlsv3 "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kuadrant/wasm-policy-shim/internal/hostabi"
)

var errTransport = errors.New("upstream connect error or disconnect/reset before headers")

func overLimitResponse() *hostabi.GrpcResponse {
	b, err := proto.Marshal(&rlsv3.RateLimitResponse{OverallCode: rlsv3.RateLimitResponse_OVER_LIMIT})
	if err != nil {
		panic(err)
	}
	return &hostabi.GrpcResponse{StatusCode: 0, Message: b}
}

func okRateLimitResponse() *hostabi.GrpcResponse {
	b, err := proto.Marshal(&rlsv3.RateLimitResponse{OverallCode: rlsv3.RateLimitResponse_OK})
	if err != nil {
		panic(err)
	}
	return &hostabi.GrpcResponse{StatusCode: 0, Message: b}
}

func unknownRateLimitResponse() *hostabi.GrpcResponse {
	b, err := proto.Marshal(&rlsv3.RateLimitResponse{})
	if err != nil {
		panic(err)
	}
	return &hostabi.GrpcResponse{StatusCode: 0, Message: b}
}

// allowedCheckResponseWithMetadata builds an OK CheckResponse whose
// dynamic_metadata carries the given top-level fields, for tests driving
// mergeAuthContext through a real Check round trip.
func allowedCheckResponseWithMetadata(fields map[string]any) *hostabi.GrpcResponse {
	md, err := structpb.NewStruct(fields)
	if err != nil {
		panic(err)
	}
	b, err := proto.Marshal(&authv3.CheckResponse{
		HttpResponse:    &authv3.CheckResponse_OkResponse{OkResponse: &authv3.OkHttpResponse{}},
		DynamicMetadata: md,
	})
	if err != nil {
		panic(err)
	}
	return &hostabi.GrpcResponse{StatusCode: 0, Message: b}
}
