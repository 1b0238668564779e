package expr

import (
	"testing"

	"github.com/google/cel-go/common/types"
	"github.com/stretchr/testify/require"
)

func TestCoerce_scalars(t *testing.T) {
	s, ok, err := Coerce(types.String("bob"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "bob", s)

	s, ok, err = Coerce(types.Int(42))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "42", s)

	s, ok, _ = Coerce(types.Bool(true))
	require.True(t, ok)
	require.Equal(t, "true", s)

	s, ok, _ = Coerce(types.Bool(false))
	require.True(t, ok)
	require.Equal(t, "false", s)

	_, ok, err = Coerce(types.NullValue)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCoerce_list(t *testing.T) {
	l := types.NewDynamicList(types.DefaultTypeAdapter, []string{"a", "b"})
	s, ok, err := Coerce(l)
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `["a","b"]`, s)
}

func TestCoerce_map(t *testing.T) {
	m := types.NewDynamicMap(types.DefaultTypeAdapter, map[string]string{"k": "v"})
	s, ok, err := Coerce(m)
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"k":"v"}`, s)
}
