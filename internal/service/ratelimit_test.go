package service

import (
	"testing"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	rlsv3 "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func TestBuildShouldRateLimitRequest_HitsAddendAlwaysOne(t *testing.T) {
	req := BuildShouldRateLimitRequest("rlp-c", []Descriptor{{Entries: [][2]string{{"user_id", "bob"}}}})
	require.Equal(t, "rlp-c", req.GetDomain())
	require.EqualValues(t, 1, req.GetHitsAddend())
	require.Len(t, req.GetDescriptors(), 1)
	require.Equal(t, "user_id", req.GetDescriptors()[0].GetEntries()[0].GetKey())
	require.Equal(t, "bob", req.GetDescriptors()[0].GetEntries()[0].GetValue())
}

func TestBuildCheckRateLimitRequest_HitsAddendAlwaysOne(t *testing.T) {
	req := BuildCheckRateLimitRequest("check", []Descriptor{{Entries: [][2]string{{"user_id", "alice"}}}})
	require.Equal(t, "check", req.GetDomain())
	require.EqualValues(t, 1, req.GetHitsAddend())
}

func TestBuildReportRequest_CarriesSuppliedHitsAddend(t *testing.T) {
	req := BuildReportRequest("report", []Descriptor{{Entries: [][2]string{{"user_id", "alice"}}}}, 24)
	require.Equal(t, "report", req.GetDomain())
	require.EqualValues(t, 24, req.GetHitsAddend())
}

func TestDecodeRateLimitResponse_OverLimit(t *testing.T) {
	raw, err := proto.Marshal(&rlsv3.RateLimitResponse{OverallCode: rlsv3.RateLimitResponse_OVER_LIMIT})
	require.NoError(t, err)

	out, err := DecodeRateLimitResponse(raw)
	require.NoError(t, err)
	require.True(t, out.OverLimit)
}

func TestDecodeRateLimitResponse_OKCarriesResponseHeaders(t *testing.T) {
	raw, err := proto.Marshal(&rlsv3.RateLimitResponse{
		OverallCode: rlsv3.RateLimitResponse_OK,
		ResponseHeadersToAdd: []*corev3.HeaderValue{
			{Key: "x-ratelimit-remaining", Value: "9"},
		},
	})
	require.NoError(t, err)

	out, err := DecodeRateLimitResponse(raw)
	require.NoError(t, err)
	require.False(t, out.OverLimit)
	require.Contains(t, out.ResponseHeaders, [2]string{"x-ratelimit-remaining", "9"})
}

func TestDecodeRateLimitResponse_UnknownCodeIsNeitherOKNorOverLimit(t *testing.T) {
	raw, err := proto.Marshal(&rlsv3.RateLimitResponse{})
	require.NoError(t, err)

	out, err := DecodeRateLimitResponse(raw)
	require.NoError(t, err)
	require.True(t, out.Unknown)
	require.False(t, out.OverLimit)
}
