package rescache

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalURLSortsQueryParams(t *testing.T) {
	a, err := url.Parse("https://api.example.com/widgets?b=2&a=1")
	require.NoError(t, err)
	b, err := url.Parse("https://api.example.com/widgets?a=1&b=2")
	require.NoError(t, err)

	assert.Equal(t, canonicalURL(a), canonicalURL(b))
}

func TestChildURLAppendsSegmentAndDropsQuery(t *testing.T) {
	base, err := url.Parse("https://api.example.com/widgets?x=1")
	require.NoError(t, err)

	child := childURL(base, "42")
	assert.Equal(t, "/widgets/42", child.Path)
	assert.Empty(t, child.RawQuery)
}

func TestChildURLTrimsSlashes(t *testing.T) {
	base, err := url.Parse("https://api.example.com/widgets/")
	require.NoError(t, err)

	child := childURL(base, "/42")
	assert.Equal(t, "/widgets/42", child.Path)
}

func TestRelativeURLResolvesAgainstBase(t *testing.T) {
	base, err := url.Parse("https://api.example.com/widgets/42")
	require.NoError(t, err)

	rel, err := relativeURL(base, "../gadgets/7")
	require.NoError(t, err)
	assert.Equal(t, "/gadgets/7", rel.Path)

	abs, err := relativeURL(base, "https://other.example.com/z")
	require.NoError(t, err)
	assert.Equal(t, "other.example.com", abs.Host)
}

func TestWithParamURLSetAndRemove(t *testing.T) {
	base, err := url.Parse("https://api.example.com/widgets")
	require.NoError(t, err)

	withPage := withParamURL(base, "page", "2", true)
	assert.Equal(t, "page=2", withPage.RawQuery)

	withTwo := withParamURL(withPage, "sort", "name", true)
	assert.Equal(t, "page=2&sort=name", withTwo.RawQuery)

	removed := withParamURL(withTwo, "page", "", false)
	assert.Equal(t, "sort=name", removed.RawQuery)
}

func TestCanonicalURLHandlesRepeatedKeys(t *testing.T) {
	a, err := url.Parse("https://api.example.com/x?tag=b&tag=a")
	require.NoError(t, err)
	b, err := url.Parse("https://api.example.com/x?tag=a&tag=b")
	require.NoError(t, err)

	assert.Equal(t, canonicalURL(a), canonicalURL(b))
}

func TestCanonicalURLEncodesSpecialCharacters(t *testing.T) {
	u, err := url.Parse("https://api.example.com/search?q=" + url.QueryEscape("hello world/&"))
	require.NoError(t, err)

	canon := canonicalURL(u)
	assert.Contains(t, canon, "q=hello")
	parsed, err := url.Parse(canon)
	require.NoError(t, err)
	assert.Equal(t, "hello world/&", parsed.Query().Get("q"))
}
