package redirect

import (
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternProvider(t *testing.T) {
	p, err := NewPatternProvider([]Pattern{
		{Match: "/blog/*", Target: "/articles", PreserveSuffix: true},
		{Match: "/old-shop/**", Target: "/shop"},
		{Match: "/legacy/*", State: Gone},
	})
	require.NoError(t, err)

	cases := []struct {
		uri    string
		target string
		state  State
		found  bool
	}{
		{"https://example.com/blog/My-Post", "/articles/My-Post", Active, true},
		{"https://example.com/BLOG/post?page=2", "/articles/post?page=2", Active, true},
		{"https://example.com/old-shop/a/b/c", "/shop", Active, true},
		{"https://example.com/legacy/thing", "", Gone, true},
		{"https://example.com/blog/a/b", "", "", false},
		{"https://example.com/about", "", "", false},
	}
	for _, c := range cases {
		rule, err := p.TryResolve(mustURL(t, c.uri))
		require.NoError(t, err)
		if !c.found {
			assert.Nil(t, rule, c.uri)
			continue
		}
		require.NotNil(t, rule, c.uri)
		assert.Equal(t, c.target, rule.NewTarget, c.uri)
		assert.Equal(t, c.state, rule.State, c.uri)
	}
}

func TestPatternProviderSiteBase(t *testing.T) {
	p, err := NewPatternProvider([]Pattern{
		{Match: "/old/*", Target: "/new", PreserveSuffix: true},
	}, "https://example.com/blog")
	require.NoError(t, err)

	rule, err := p.TryResolve(mustURL(t, "https://example.com/blog/old/post?x=1"))
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "/old/post?x=1", rule.OldPath)
	assert.Equal(t, "/new/post?x=1", rule.NewTarget)

	rule, err = p.TryResolve(mustURL(t, "https://example.com/old/post"))
	require.NoError(t, err)
	assert.Nil(t, rule)

	_, err = NewPatternProvider(nil, "not-absolute")
	assert.Error(t, err)
}

func TestPatternProviderRejectsBadPatterns(t *testing.T) {
	_, err := NewPatternProvider([]Pattern{{Match: "a/*", Target: "/b"}})
	assert.ErrorIs(t, err, ErrInvalidRule)
	_, err = NewPatternProvider([]Pattern{{Match: "/a/*"}})
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestPatternReplaceKeepsOldOnError(t *testing.T) {
	p, err := NewPatternProvider([]Pattern{{Match: "/a", Target: "/b"}})
	require.NoError(t, err)
	require.Error(t, p.Replace([]Pattern{{Match: "no-slash", Target: "/c"}}))
	rule, _ := p.TryResolve(mustURL(t, "https://example.com/a"))
	require.NotNil(t, rule)
	assert.Equal(t, "/b", rule.NewTarget)
}

func TestSlugProvider(t *testing.T) {
	p := NewSlugProvider([]string{
		"/blog/hello-world/",
		"/docs/install",
		"/docs/faq",
		"/support/faq",
	})

	rule, err := p.TryResolve(mustURL(t, "https://example.com/2019/Hello-World.html"))
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "/blog/hello-world/", rule.NewTarget)

	rule, _ = p.TryResolve(mustURL(t, "https://example.com/old/install/"))
	require.NotNil(t, rule)
	assert.Equal(t, "/docs/install", rule.NewTarget)

	// ambiguous
	rule, _ = p.TryResolve(mustURL(t, "https://example.com/faq"))
	assert.Nil(t, rule)

	rule, _ = p.TryResolve(mustURL(t, "https://example.com/"))
	assert.Nil(t, rule)
}

type countingProvider struct {
	calls int
	fail  bool
}

func (c *countingProvider) Name() string { return "counting" }

func (c *countingProvider) TryResolve(uri *url.URL) (*Rule, error) {
	c.calls++
	if c.fail {
		return nil, fmt.Errorf("unavailable")
	}
	if uri.Path == "/hit" {
		return &Rule{OldPath: "/hit", NewTarget: "/target"}, nil
	}
	return nil, nil
}

func TestCachedProviderMemoizes(t *testing.T) {
	next := &countingProvider{}
	p, err := NewCachedProvider(next, time.Minute, 100)
	require.NoError(t, err)
	defer p.Close()

	for _, path := range []string{"/hit", "/miss"} {
		uri := mustURL(t, "https://example.com"+path)
		first, err := p.TryResolve(uri)
		require.NoError(t, err)
		p.cache.Wait()
		second, err := p.TryResolve(uri)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
	assert.Equal(t, 2, next.calls)
	assert.Equal(t, "counting", p.Name())
}

func TestCachedProviderDoesNotCacheErrors(t *testing.T) {
	next := &countingProvider{fail: true}
	p, err := NewCachedProvider(next, time.Minute, 100)
	require.NoError(t, err)
	defer p.Close()

	uri := mustURL(t, "https://example.com/hit")
	_, err = p.TryResolve(uri)
	require.Error(t, err)
	p.cache.Wait()
	next.fail = false
	rule, err := p.TryResolve(uri)
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, 2, next.calls)
}
