package service

import (
	"fmt"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	rlcommonv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/common/ratelimit/v3"
	rlsv3 "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	"google.golang.org/protobuf/proto"
)

// Descriptor is one data-item-derived entry set (spec §4.4/§4.5): a flat
// list of key/value pairs a RateLimitAction's data builders produced after
// coercion and drop-rule application.
type Descriptor struct {
	Entries [][2]string
}

// BuildShouldRateLimitRequest builds an
// envoy.service.ratelimit.v3.RateLimitRequest with hits_addend=1, per spec
// §4.5 "standard" rate-limit client.
func BuildShouldRateLimitRequest(domain string, descriptors []Descriptor) *rlsv3.RateLimitRequest {
	return &rlsv3.RateLimitRequest{
		Domain:      domain,
		Descriptors: toProtoDescriptors(descriptors),
		HitsAddend:  1,
	}
}

// BuildCheckRateLimitRequest builds the Kuadrant check-and-report Check
// call (spec §4.5: "hits_addend = 1, scope = check_scope"). Kuadrant's
// CheckRateLimit/Report RPCs are wire-compatible extensions of the Envoy
// RateLimitService — they accept the same RateLimitRequest/RateLimitResponse
// messages under new method names rather than a distinct message schema,
// so this reuses rlsv3.RateLimitRequest instead of a hand-rolled type.
func BuildCheckRateLimitRequest(checkScope string, descriptors []Descriptor) *rlsv3.RateLimitRequest {
	return &rlsv3.RateLimitRequest{
		Domain:      checkScope,
		Descriptors: toProtoDescriptors(descriptors),
		HitsAddend:  1,
	}
}

// BuildReportRequest builds the Kuadrant Report call (spec §4.5:
// "hits_addend = value from report-data expression (typically
// total_tokens), scope = report_scope").
func BuildReportRequest(reportScope string, descriptors []Descriptor, hitsAddend uint32) *rlsv3.RateLimitRequest {
	return &rlsv3.RateLimitRequest{
		Domain:      reportScope,
		Descriptors: toProtoDescriptors(descriptors),
		HitsAddend:  hitsAddend,
	}
}

func toProtoDescriptors(descriptors []Descriptor) []*rlcommonv3.RateLimitDescriptor {
	out := make([]*rlcommonv3.RateLimitDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		entries := make([]*rlcommonv3.RateLimitDescriptor_Entry, 0, len(d.Entries))
		for _, kv := range d.Entries {
			entries = append(entries, &rlcommonv3.RateLimitDescriptor_Entry{Key: kv[0], Value: kv[1]})
		}
		out = append(out, &rlcommonv3.RateLimitDescriptor{Entries: entries})
	}
	return out
}

// RateLimitOutcome is the decoded, policy-relevant shape of a
// RateLimitResponse: whether the call is OK, OVER_LIMIT, or carries a code
// this client does not recognize as either (Unknown — the zero-value
// UNKNOWN code or any other code besides OK/OVER_LIMIT), plus any response
// headers to surface under ratelimit.* (spec §4.4 attribute table) or
// inject upstream.
type RateLimitOutcome struct {
	OverLimit       bool
	Unknown         bool
	ResponseHeaders [][2]string
}

// DecodeRateLimitResponse unmarshals and interprets a RateLimitResponse per
// spec §4.5: "OVER_LIMIT → short-circuit 429; OK → continue". A code that is
// neither — including the zero-value UNKNOWN a malformed or unreachable
// backend response decodes to — is reported as Unknown rather than treated
// as "not over limit"; the caller routes that through the same
// failure_mode handling as a transport error.
func DecodeRateLimitResponse(raw []byte) (*RateLimitOutcome, error) {
	var resp rlsv3.RateLimitResponse
	if err := proto.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling RateLimitResponse: %w", err)
	}
	switch resp.GetOverallCode() {
	case rlsv3.RateLimitResponse_OVER_LIMIT:
		return &RateLimitOutcome{OverLimit: true, ResponseHeaders: headerValuesToPairs(resp.GetResponseHeadersToAdd())}, nil
	case rlsv3.RateLimitResponse_OK:
		return &RateLimitOutcome{ResponseHeaders: headerValuesToPairs(resp.GetResponseHeadersToAdd())}, nil
	default:
		return &RateLimitOutcome{Unknown: true}, nil
	}
}

func headerValuesToPairs(hvs []*corev3.HeaderValue) [][2]string {
	out := make([][2]string, 0, len(hvs))
	for _, hv := range hvs {
		v := hv.GetValue()
		if v == "" && len(hv.GetRawValue()) > 0 {
			v = string(hv.GetRawValue())
		}
		out = append(out, [2]string{hv.GetKey(), v})
	}
	return out
}
