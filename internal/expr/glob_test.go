package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"???", "...", true},
		{"...", "???", false},
		{"...", "...", true},
		{`\.\.\.`, "...", true},
		{"the_asterisk_is_the_\\*_character", "the_asterisk_is_the_*_character", true},
		{"the_asterisk_is_the_\\*_character", "the_asterisk_is_the_?_character", false},
		{"midpoint_*_not_important", "midpoint_0000_not_important", true},
		{"anything_goes_after_*", "anything_goes_after_", true},
		{"*_anything_goes_before", "_anything_goes_before", true},
		{"*_anything_goes_before", "sa786dn _anything_goes_before", true},
		{"the_question_mark_can_work_as_a_?_character", "the_question_mark_can_work_as_a_?_character", true},
		{"the_question_mark_can_work_as_a_?_character", "the_question_mark_can_work_as_a_??_character", false},
		{"match_one_of_more_+", "match_one_of_more_123", true},
		{"match_one_of_more_+.", "match_one_of_more_.", false},
	}
	for _, c := range cases {
		got, err := MatchGlob(c.pattern, c.s)
		require.NoError(t, err)
		require.Equalf(t, c.want, got, "pattern=%q s=%q", c.pattern, c.s)
	}
}

func TestMatchGlob_cached(t *testing.T) {
	_, err := MatchGlob("a*b", "axxxb")
	require.NoError(t, err)
	v, ok := globCache.Load("a*b")
	require.True(t, ok)
	require.NotNil(t, v)
}
