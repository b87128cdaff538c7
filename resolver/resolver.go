package resolver

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/always-cache/always-redirect/miss"
	referer "github.com/always-cache/always-redirect/pkg/referer-normalizer"
	"github.com/always-cache/always-redirect/redirect"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Kind is the outcome of resolving a not-found request.
type Kind int

const (
	// NotFound leaves the 404 as is.
	NotFound Kind = iota
	// Redirect sends the client permanently to Verdict.Target.
	Redirect
	// Gone answers 410.
	Gone
)

func (k Kind) String() string {
	switch k {
	case Redirect:
		return "redirect"
	case Gone:
		return "gone"
	}
	return "not-found"
}

// Verdict is the result for one request. It is never stored.
type Verdict struct {
	Kind   Kind
	Target string
	// Source names where the rule came from: "static", a provider name, or empty.
	Source string
}

// LoopPolicy selects what a redirect target is compared with before redirecting.
type LoopPolicy int

const (
	// LoopBoth guards against the referer and the requested path.
	LoopBoth LoopPolicy = iota
	// LoopReferer only guards against redirecting back to the referer.
	LoopReferer
	// LoopSelf only guards against redirecting to the requested path itself.
	LoopSelf
)

func (p LoopPolicy) String() string {
	switch p {
	case LoopReferer:
		return "referer"
	case LoopSelf:
		return "self"
	}
	return "both"
}

func ParseLoopPolicy(s string) (LoopPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "both":
		return LoopBoth, nil
	case "referer", "referrer":
		return LoopReferer, nil
	case "self":
		return LoopSelf, nil
	}
	return LoopBoth, fmt.Errorf("unknown loop policy %q", s)
}

// RuleStore is where rules are looked up. *redirect.Store implements it.
type RuleStore interface {
	FindExact(path string) (redirect.Rule, bool, error)
	FindViaProviders(uri *url.URL) (redirect.Rule, string, bool)
}

type Config struct {
	// Rule lookup.
	Store RuleStore
	// Where misses are recorded. Misses are dropped if nil.
	Recorder miss.Recorder
	// Absolute base URL of the site, used to build provider URIs and
	// to recognize same-site redirect targets.
	SiteBaseURL string
	LoopPolicy  LoopPolicy
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Resolver decides what to do with a not-found request.
// It holds no per-request state and is safe for concurrent use.
type Resolver struct {
	store      RuleStore
	recorder   miss.Recorder
	base       string
	normalizer *referer.Normalizer
	loopPolicy LoopPolicy
	log        zerolog.Logger
}

func New(config Config) (*Resolver, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("rule store is required")
	}
	normalizer, err := referer.NewNormalizer(config.SiteBaseURL)
	if err != nil {
		return nil, fmt.Errorf("site base url: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = &log.Logger
	}
	recorder := config.Recorder
	if recorder == nil {
		recorder = miss.Nop{}
	}
	return &Resolver{
		store:      config.Store,
		recorder:   recorder,
		base:       strings.TrimSuffix(config.SiteBaseURL, "/"),
		normalizer: normalizer,
		loopPolicy: config.LoopPolicy,
		log:        logger.With().Str("component", "resolver").Logger(),
	}, nil
}

// NormalizeReferer turns a Referer header value into a path comparable with request paths.
func (r *Resolver) NormalizeReferer(refererURL string) string {
	return r.normalizer.Normalize(refererURL)
}

// RequestPath returns the path-and-query of a request relative to the site base URL,
// which is the form Resolve, rules and referers use.
// It reports false for requests outside the site.
func (r *Resolver) RequestPath(u *url.URL) (string, bool) {
	return r.normalizer.SitePath(u)
}

// Location returns where to send the client for a redirect target.
// Site-relative targets get the base path of the site in front.
func (r *Resolver) Location(target string) string {
	return r.normalizer.Location(target)
}

// Resolve returns the verdict for a not-found request.
// requestedPath is the path-and-query of the request relative to the site base
// (see RequestPath), refererPath the normalized referer (empty if none).
// Misses are recorded exactly once per call.
func (r *Resolver) Resolve(requestedPath, refererPath string) Verdict {
	if requestedPath == "" {
		return Verdict{Kind: NotFound}
	}
	log := r.log.With().Str("path", requestedPath).Logger()

	rule, source, found := r.find(requestedPath)
	if !found {
		log.Trace().Msg("No rule found")
		r.recordMiss(requestedPath, refererPath)
		return Verdict{Kind: NotFound}
	}

	if rule.State == redirect.Gone {
		return Verdict{Kind: Gone, Source: source}
	}

	if r.loops(rule.NewTarget, requestedPath, refererPath) {
		log.Debug().Str("target", rule.NewTarget).Str("referer", refererPath).Str("loop", r.loopPolicy.String()).
			Msg("Not redirecting, target would loop")
		return Verdict{Kind: NotFound, Source: source}
	}

	return Verdict{Kind: Redirect, Target: rule.NewTarget, Source: source}
}

// find looks up a static rule first, then asks the providers.
// A failing store lookup counts as no static rule.
func (r *Resolver) find(requestedPath string) (redirect.Rule, string, bool) {
	rule, ok, err := r.findExact(requestedPath)
	if err != nil {
		r.log.Warn().Err(err).Str("path", requestedPath).Msg("Static rule lookup failed")
	} else if ok {
		return rule, "static", true
	}
	uri, err := url.Parse(r.base + requestedPath)
	if err != nil {
		r.log.Debug().Err(err).Str("path", requestedPath).Msg("Could not build provider uri")
		return redirect.Rule{}, "", false
	}
	return r.store.FindViaProviders(uri)
}

func (r *Resolver) findExact(path string) (rule redirect.Rule, ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("store panic: %v", p)
		}
	}()
	return r.store.FindExact(path)
}

// loops reports whether redirecting to target would send the client back
// to the referer or to the requested path, depending on the loop policy.
func (r *Resolver) loops(target, requestedPath, refererPath string) bool {
	key := r.compareKey(target)
	if key == "" {
		return false
	}
	if r.loopPolicy != LoopSelf && refererPath != "" && key == r.compareKey(refererPath) {
		return true
	}
	if r.loopPolicy != LoopReferer && key == r.compareKey(requestedPath) {
		return true
	}
	return false
}

// compareKey maps same-site absolute URLs to site paths, then
// compares like rule keys do. Paths are already site-relative.
func (r *Resolver) compareKey(s string) string {
	if !strings.HasPrefix(s, "/") || strings.HasPrefix(s, "//") {
		if n := r.normalizer.Normalize(s); n != "" {
			s = n
		}
	}
	return redirect.NormalizeKey(s)
}

// recordMiss reports a miss without letting a recorder failure affect the verdict.
func (r *Resolver) recordMiss(path, refererPath string) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("error", p).Str("path", path).Msg("Panic recording miss")
		}
	}()
	if err := r.recorder.Record(path, refererPath); err != nil {
		r.log.Warn().Err(err).Str("path", path).Msg("Could not record miss")
	}
}
