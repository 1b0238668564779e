package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStringCharAt(t *testing.T) {
	v, err := stringCharAt("abc", 1)
	require.NoError(t, err)
	require.Equal(t, "b", v)

	_, err = stringCharAt("abc", 10)
	require.Error(t, err)
}

func TestStringIndexOf(t *testing.T) {
	idx, err := stringIndexOf("hello mellow", "")
	require.NoError(t, err)
	require.Equal(t, int64(0), idx)

	idx, _ = stringIndexOf("hello mellow", "ello")
	require.Equal(t, int64(1), idx)

	idx, _ = stringIndexOf("hello mellow", "jello")
	require.Equal(t, int64(-1), idx)

	idx, _ = stringIndexOf("hello mellow", "", 2)
	require.Equal(t, int64(2), idx)

	idx, _ = stringIndexOf("hello mellow", "ello", 20)
	require.Equal(t, int64(-1), idx)
}

func TestStringLastIndexOf(t *testing.T) {
	idx, _ := stringLastIndexOf("hello mellow", "")
	require.Equal(t, int64(12), idx)

	idx, _ = stringLastIndexOf("hello mellow", "ello")
	require.Equal(t, int64(7), idx)

	idx, _ = stringLastIndexOf("hello mellow", "ello", 6)
	require.Equal(t, int64(1), idx)

	idx, _ = stringLastIndexOf("hello mellow", "ello", 20)
	require.Equal(t, int64(-1), idx)
}

func TestListJoin(t *testing.T) {
	require.Equal(t, "hellomellow", listJoin([]string{"hello", "mellow"}))
	require.Equal(t, "", listJoin(nil))
	require.Equal(t, "hello mellow", listJoin([]string{"hello", "mellow"}, " "))
}

func TestStringCase(t *testing.T) {
	require.Equal(t, "tacocat", stringLowerASCII("TacoCat"))
	require.Equal(t, "tacocÆt xii", stringLowerASCII("TacoCÆt Xii"))
	require.Equal(t, "TACOCAT", stringUpperASCII("TacoCat"))
}

func TestStringTrim(t *testing.T) {
	require.Equal(t, "trim", stringTrim("  \ttrim\n    "))
}

func TestStringReplace(t *testing.T) {
	require.Equal(t, "wello wello", stringReplace("hello hello", "he", "we"))
	require.Equal(t, "wello wello", stringReplace("hello hello", "he", "we", -1))
	require.Equal(t, "wello hello", stringReplace("hello hello", "he", "we", 1))
	require.Equal(t, "hello hello", stringReplace("hello hello", "he", "we", 0))
	require.Equal(t, "ello ello", stringReplace("hello hello", "h", ""))
}

func TestStringSplit(t *testing.T) {
	require.Equal(t, []string{"hello", "hello", "hello"}, stringSplit("hello hello hello", " "))
	require.Equal(t, []string{}, stringSplit("hello hello hello", " ", 0))
	require.Equal(t, []string{"hello hello hello"}, stringSplit("hello hello hello", " ", 1))
	require.Equal(t, []string{"hello", "hello hello"}, stringSplit("hello hello hello", " ", 2))
}

func TestStringSubstring(t *testing.T) {
	v, err := stringSubstring("tacocat", 4)
	require.NoError(t, err)
	require.Equal(t, "cat", v)

	v, err = stringSubstring("tacocat", 0, 4)
	require.NoError(t, err)
	require.Equal(t, "taco", v)
}

func TestQueryMapDecode(t *testing.T) {
	m := queryMapDecode("a=1&b=2", false)
	require.Equal(t, "1", m["a"])
	require.Equal(t, "2", m["b"])

	m = queryMapDecode("a=1&a=2", true)
	require.Equal(t, []any{"1", "2"}, m["a"])

	m = queryMapDecode("a=1&a=2", false)
	require.Equal(t, "2", m["a"])
}
