package redirect

import (
	"fmt"
	"net/url"
	"strings"

	referer "github.com/always-cache/always-redirect/pkg/referer-normalizer"

	"github.com/gobwas/glob"
	"go.uber.org/atomic"
)

// Pattern is a glob-based rule, e.g. `/blog/*` -> `/articles`.
type Pattern struct {
	Match  string `yaml:"match"`
	Target string `yaml:"target"`
	State  State  `yaml:"state"`
	// Append the part of the path after the literal prefix of Match to Target.
	PreserveSuffix bool `yaml:"preserveSuffix"`
}

type compiledPattern struct {
	pattern Pattern
	glob    glob.Glob
	prefix  string
}

// PatternProvider matches request paths against an ordered list of glob patterns.
// The first matching pattern wins. Matching ignores case and the query string.
//
// With a site base URL, patterns match the path relative to the base path,
// like static rules do, and URIs outside the site never match.
type PatternProvider struct {
	patterns *atomic.Pointer[[]compiledPattern]
	site     *referer.Normalizer
}

func NewPatternProvider(patterns []Pattern, siteBaseURL ...string) (*PatternProvider, error) {
	p := &PatternProvider{
		patterns: atomic.NewPointer(&[]compiledPattern{}),
	}
	if len(siteBaseURL) == 1 && siteBaseURL[0] != "" {
		site, err := referer.NewNormalizer(siteBaseURL[0])
		if err != nil {
			return nil, err
		}
		p.site = site
	}
	if err := p.Replace(patterns); err != nil {
		return nil, err
	}
	return p, nil
}

// Replace compiles and swaps in a new pattern list.
// On error the old list stays in effect.
func (p *PatternProvider) Replace(patterns []Pattern) error {
	compiled := make([]compiledPattern, 0, len(patterns))
	for _, pat := range patterns {
		state, err := ParseState(string(pat.State))
		if err != nil {
			return err
		}
		pat.State = state
		if !strings.HasPrefix(pat.Match, "/") {
			return fmt.Errorf("%w: pattern %q must start with /", ErrInvalidRule, pat.Match)
		}
		if pat.State == Active && pat.Target == "" {
			return fmt.Errorf("%w: pattern %q has no target", ErrInvalidRule, pat.Match)
		}
		lower := strings.ToLower(pat.Match)
		g, err := glob.Compile(lower, '/')
		if err != nil {
			return fmt.Errorf("%w: pattern %q: %v", ErrInvalidRule, pat.Match, err)
		}
		compiled = append(compiled, compiledPattern{
			pattern: pat,
			glob:    g,
			prefix:  literalPrefix(lower),
		})
	}
	p.patterns.Store(&compiled)
	return nil
}

func (p *PatternProvider) Name() string {
	return "pattern"
}

func (p *PatternProvider) TryResolve(uri *url.URL) (*Rule, error) {
	oldPath, ok := p.site.SitePath(uri)
	if !ok {
		return nil, nil
	}
	path := uri.Path
	if p.site != nil {
		sitePath, err := url.Parse(oldPath)
		if err != nil {
			return nil, err
		}
		path = sitePath.Path
	}
	lower := strings.ToLower(path)
	for _, cp := range *p.patterns.Load() {
		if !cp.glob.Match(lower) {
			continue
		}
		rule := &Rule{
			OldPath: oldPath,
			State:   cp.pattern.State,
		}
		if rule.State == Active {
			rule.NewTarget = cp.target(path, lower, uri.RawQuery)
		}
		return rule, nil
	}
	return nil, nil
}

func (cp compiledPattern) target(path, lower, rawQuery string) string {
	if !cp.pattern.PreserveSuffix {
		return cp.pattern.Target
	}
	// keep the original casing of the suffix when lowercasing did not change the length
	suffix := lower[len(cp.prefix):]
	if len(path) == len(lower) {
		suffix = path[len(cp.prefix):]
	}
	target := cp.pattern.Target
	if suffix != "" {
		target = strings.TrimSuffix(target, "/") + "/" + strings.TrimPrefix(suffix, "/")
	}
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// literalPrefix returns the part of a glob before its first special character.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, `*?[{\`); i >= 0 {
		return pattern[:i]
	}
	return pattern
}
