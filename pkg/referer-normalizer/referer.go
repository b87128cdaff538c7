// Package referer turns Referer header values into paths comparable with request paths.
package referer

import (
	"errors"
	"net/url"
	"strings"
)

var errNotAbsolute = errors.New("site base URL must be absolute")

// Normalizer strips the site base URL from same-site referers.
type Normalizer struct {
	base     *url.URL
	basePath string
}

// NewNormalizer creates a normalizer for the site at siteBaseURL.
// The base must be an absolute URL; its path, if any, is the mount point of the site.
func NewNormalizer(siteBaseURL string) (*Normalizer, error) {
	base, err := url.Parse(strings.TrimSpace(siteBaseURL))
	if err != nil {
		return nil, err
	}
	if !base.IsAbs() || base.Host == "" {
		return nil, &url.Error{Op: "parse", URL: siteBaseURL, Err: errNotAbsolute}
	}
	return &Normalizer{
		base:     base,
		basePath: strings.TrimSuffix(base.EscapedPath(), "/"),
	}, nil
}

// Normalize returns the path-and-query of a same-site referer, relative to the site base.
// Relative referers are treated as same-site. Cross-site referers, and same-site
// ones outside the base path, are returned as the absolute URL.
// Absent or unparseable referers give the empty string.
func (n *Normalizer) Normalize(referer string) string {
	referer = strings.TrimSpace(referer)
	if referer == "" {
		return ""
	}
	u, err := url.Parse(referer)
	if err != nil {
		return ""
	}
	if !u.IsAbs() {
		if u.Host != "" || !strings.HasPrefix(u.Path, "/") {
			return ""
		}
		if n == nil {
			return PathAndQuery(u)
		}
		u.Fragment = ""
		u.RawFragment = ""
		if p, ok := n.relative(PathAndQuery(u)); ok {
			return p
		}
		return n.base.ResolveReference(u).String()
	}
	if u.Host == "" {
		return ""
	}
	u.Fragment = ""
	u.RawFragment = ""
	if n == nil || !sameSite(u, n.base) {
		return u.String()
	}
	p, ok := n.relative(PathAndQuery(u))
	if !ok {
		return u.String()
	}
	return p
}

// SitePath returns the path-and-query of a request URL relative to the site base path,
// the same form Normalize gives same-site referers.
// It reports false if the path is outside the base path.
func (n *Normalizer) SitePath(u *url.URL) (string, bool) {
	if n == nil {
		return PathAndQuery(u), true
	}
	return n.relative(PathAndQuery(u))
}

// Location turns a site-relative target into a path a client can follow,
// by putting the base path back in front. Absolute URLs are returned as they are.
func (n *Normalizer) Location(target string) string {
	if n == nil || n.basePath == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return target
	}
	return n.basePath + target
}

func (n *Normalizer) relative(p string) (string, bool) {
	if n.basePath == "" {
		return p, true
	}
	if !hasPathPrefix(p, n.basePath) {
		return "", false
	}
	p = p[len(n.basePath):]
	if p == "" || strings.HasPrefix(p, "?") {
		p = "/" + p
	}
	return p, true
}

// Normalize is a convenience for one-off calls. An invalid site base
// leaves same-site detection off, so only relative referers become paths.
func Normalize(refererURL, siteBaseURL string) string {
	n, err := NewNormalizer(siteBaseURL)
	if err != nil {
		n = nil
	}
	return n.Normalize(refererURL)
}

// PathAndQuery returns the escaped path of u followed by its query, if any.
func PathAndQuery(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

// sameSite compares host and port, treating the scheme default ports as equal.
// http and https on the same host are the same site.
func sameSite(a, b *url.URL) bool {
	return strings.EqualFold(a.Hostname(), b.Hostname()) && effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	port := u.Port()
	if (port == "80" && strings.EqualFold(u.Scheme, "http")) ||
		(port == "443" && strings.EqualFold(u.Scheme, "https")) {
		return ""
	}
	return port
}

func hasPathPrefix(p, prefix string) bool {
	if len(p) < len(prefix) || !strings.EqualFold(p[:len(prefix)], prefix) {
		return false
	}
	rest := p[len(prefix):]
	return rest == "" || rest[0] == '/' || rest[0] == '?'
}
