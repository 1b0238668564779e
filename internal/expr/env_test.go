package expr

import (
	"testing"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a minimal AttributeProvider backed by a flat map keyed by
// the joined dotted path, used to exercise Env without depending on
// package executor.
type fakeProvider struct {
	leaves     map[string]ref.Val
	containers map[string]bool
}

func (f *fakeProvider) IsContainer(path []string) bool {
	return f.containers[JoinPath(path)]
}

func (f *fakeProvider) ResolveAttribute(path []string) (ref.Val, error) {
	if v, ok := f.leaves[JoinPath(path)]; ok {
		return v, nil
	}
	return types.NullValue, nil
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		leaves: map[string]ref.Val{
			"request.method":          types.String("GET"),
			"request.url_path":        types.String("/get"),
			"request.headers.my-header": types.String("v"),
			"auth.identity.userid":     types.String("alice"),
		},
		containers: map[string]bool{
			"request.headers":  true,
			"auth.identity":    true,
		},
	}
}

func TestEnv_attributeResolution(t *testing.T) {
	env, err := NewEnv()
	require.NoError(t, err)

	prog, err := env.Compile(`request.method == 'GET' && request.headers['my-header'] == 'v'`)
	require.NoError(t, err)

	out, err := env.Eval(prog, newFakeProvider(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, types.True, out)
}

func TestEnv_missingAttributeIsNull(t *testing.T) {
	env, err := NewEnv()
	require.NoError(t, err)

	prog, err := env.Compile(`request.unknown_path == null`)
	require.NoError(t, err)

	out, err := env.Eval(prog, newFakeProvider(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, types.True, out)
}

func TestEnv_requestBodyJSON(t *testing.T) {
	env, err := NewEnv()
	require.NoError(t, err)

	prog, err := env.Compile(`requestBodyJSON('/usage/total_tokens')`)
	require.NoError(t, err)

	out, err := env.Eval(prog, newFakeProvider(), []byte(`{"usage":{"total_tokens":24}}`), nil)
	require.NoError(t, err)
	require.Equal(t, float64(24), out.Value())
}

func TestEnv_requestBodyJSON_malformed(t *testing.T) {
	env, err := NewEnv()
	require.NoError(t, err)

	prog, err := env.Compile(`requestBodyJSON('/a')`)
	require.NoError(t, err)

	_, err = env.Eval(prog, newFakeProvider(), []byte(`not json`), nil)
	require.Error(t, err)
}

func TestEnv_matchesGlob(t *testing.T) {
	env, err := NewEnv()
	require.NoError(t, err)

	prog, err := env.Compile(`matches(request.url_path, '/get*')`)
	require.NoError(t, err)

	out, err := env.Eval(prog, newFakeProvider(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, types.True, out)
}

func TestEnv_stringExtensions(t *testing.T) {
	env, err := NewEnv()
	require.NoError(t, err)

	prog, err := env.Compile(`'hello'.upperAscii() == 'HELLO' && 'abc'.charAt(1) == 'b'`)
	require.NoError(t, err)

	out, err := env.Eval(prog, newFakeProvider(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, types.True, out)
}

func TestEnv_authContextAvailableToLaterExpression(t *testing.T) {
	env, err := NewEnv()
	require.NoError(t, err)

	prog, err := env.Compile(`auth.identity.userid`)
	require.NoError(t, err)

	out, err := env.Eval(prog, newFakeProvider(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, "alice", out.Value())
}
