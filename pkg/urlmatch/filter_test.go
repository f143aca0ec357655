package urlmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/reqgate/pkg/api"
)

func TestCompile_EmptyMatchesEverything(t *testing.T) {
	f, err := Compile(nil)
	require.NoError(t, err)

	assert.True(t, f.Empty())
	assert.True(t, f.Matches(mustURL(t, "https://example.com/")))
	assert.True(t, f.Matches(mustURL(t, "http://anything.at.all/x?y=z")))
}

func TestCompile_NilFilterMatchesEverything(t *testing.T) {
	var f *Filter
	assert.True(t, f.Matches(mustURL(t, "https://example.com/")))
}

func TestCompile_AnyMemberMatches(t *testing.T) {
	f, err := Compile([]string{
		"https://a.com/*",
		"https://b.com/*",
	})
	require.NoError(t, err)

	assert.True(t, f.Matches(mustURL(t, "https://a.com/x")))
	assert.True(t, f.Matches(mustURL(t, "https://b.com/y")))
	assert.False(t, f.Matches(mustURL(t, "https://c.com/z")))
}

func TestCompile_BadPatternAbortsWhole(t *testing.T) {
	_, err := Compile([]string{"https://good.com/*", "not a pattern"})
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrInvalidPattern)
}

func TestMustCompile_PanicsOnBadPattern(t *testing.T) {
	assert.Panics(t, func() { MustCompile([]string{"bad"}) })
}
