package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveBodyPointer(t *testing.T) {
	body := []byte(`{"usage":{"total_tokens":24},"choices":[{"text":"hi"}]}`)

	v, err := ResolveBodyPointer(body, "/usage/total_tokens")
	require.NoError(t, err)
	require.Equal(t, float64(24), v)

	v, err = ResolveBodyPointer(body, "/choices/0/text")
	require.NoError(t, err)
	require.Equal(t, "hi", v)

	_, err = ResolveBodyPointer(body, "/missing/path")
	require.Error(t, err)

	_, err = ResolveBodyPointer([]byte("not json"), "/a")
	require.Error(t, err)
}
