package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitPath(t *testing.T) {
	require.Equal(t, []string{"request", "headers"}, SplitPath("request.headers"))
	require.Equal(t,
		[]string{"metadata", "filter_metadata", "envoy.filters.http.header_to_metadata", "key"},
		SplitPath(`metadata.filter_metadata.envoy\.filters\.http\.header_to_metadata.key`))
	require.Nil(t, SplitPath(""))
}

func TestJoinPathRoundTrip(t *testing.T) {
	segs := []string{"metadata", "filter_metadata", "envoy.filters.http.header_to_metadata", "key"}
	joined := JoinPath(segs)
	require.Equal(t, segs, SplitPath(joined))
}
