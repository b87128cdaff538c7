package redirect

import (
	"net/url"
	"path"
	"strings"

	referer "github.com/always-cache/always-redirect/pkg/referer-normalizer"
)

// SlugProvider redirects requests whose last path segment uniquely identifies
// one of the known live URLs, e.g. `/2019/my-post` -> `/blog/my-post/`.
type SlugProvider struct {
	index map[string]string
}

// NewSlugProvider indexes the given live URLs by slug.
// Slugs shared by several URLs are ambiguous and never match.
func NewSlugProvider(liveURLs []string) *SlugProvider {
	index := make(map[string]string, len(liveURLs))
	ambiguous := make(map[string]bool)
	for _, u := range liveURLs {
		s := slug(u)
		if s == "" || ambiguous[s] {
			continue
		}
		if existing, ok := index[s]; ok && existing != u {
			delete(index, s)
			ambiguous[s] = true
			continue
		}
		index[s] = u
	}
	return &SlugProvider{index: index}
}

func (p *SlugProvider) Name() string {
	return "slug"
}

func (p *SlugProvider) TryResolve(uri *url.URL) (*Rule, error) {
	target, ok := p.index[slug(uri.Path)]
	if !ok {
		return nil, nil
	}
	return &Rule{
		OldPath:   referer.PathAndQuery(uri),
		NewTarget: target,
		State:     Active,
	}, nil
}

// slug returns the lowercased last segment of a path, without extension.
func slug(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		return ""
	}
	base := path.Base(p)
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return strings.ToLower(base)
}
