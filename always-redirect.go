package alwaysredirect

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	bypass "github.com/always-cache/always-redirect/pkg/bypass-gate"
	extfilter "github.com/always-cache/always-redirect/pkg/extension-filter"
	tee "github.com/always-cache/always-redirect/pkg/response-writer-tee"
	"github.com/always-cache/always-redirect/resolver"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Resolver decides what to do with a not-found request. *resolver.Resolver implements it.
type Resolver interface {
	Resolve(requestedPath, refererPath string) resolver.Verdict
	NormalizeReferer(refererURL string) string
	// RequestPath maps a request URL into the path space of rules and referers.
	// It reports false for requests outside the site.
	RequestPath(u *url.URL) (string, bool)
	// Location maps a redirect target back to a URL the client can follow.
	Location(target string) string
}

// OriginChecker tells whether a request originates from the serving machine.
// *bypass.OriginChecker implements it.
type OriginChecker interface {
	IsLocal(ctx context.Context, remoteAddr, host string) bool
}

type Config struct {
	// Decides redirects for not-found responses.
	Resolver Resolver
	// Resource file types that are never redirected.
	// Nothing is filtered if nil.
	Filter *extfilter.Filter
	// When to pass not-found responses through untouched.
	BypassPolicy bypass.Policy
	// Used with the RemoteOnly policy. Requests are treated as remote if nil.
	OriginChecker OriginChecker
	// Query parameter marking a request as an internal re-dispatch of an error page.
	// Such requests are never resolved again.
	ReentryMarker string
	// Upper bound for the origin lookup of the bypass gate.
	// Defaults to 100ms.
	LookupTimeout time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type AlwaysRedirect struct {
	resolver      Resolver
	filter        *extfilter.Filter
	policy        bypass.Policy
	checker       OriginChecker
	reentryMarker string
	lookupTimeout time.Duration
	log           zerolog.Logger
}

// CreateRedirector initializes the always-redirect instance.
func CreateRedirector(config Config) *AlwaysRedirect {
	logger := config.Logger
	if logger == nil {
		logger = &log.Logger
	}
	a := &AlwaysRedirect{
		resolver:      config.Resolver,
		filter:        config.Filter,
		policy:        config.BypassPolicy,
		checker:       config.OriginChecker,
		reentryMarker: config.ReentryMarker,
		lookupTimeout: config.LookupTimeout,
		log:           logger.With().Str("component", "redirector").Logger(),
	}
	if a.lookupTimeout <= 0 {
		a.lookupTimeout = 100 * time.Millisecond
	}
	return a
}

// Middleware wraps next so that its not-found responses are resolved.
func (a *AlwaysRedirect) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs := tee.NewResponseSaver(w, http.StatusNotFound)
		next.ServeHTTP(rs, r)
		if !rs.Held() {
			rs.Finish()
			return
		}
		a.handleNotFound(w, r, rs)
	})
}

func (a *AlwaysRedirect) handleNotFound(w http.ResponseWriter, r *http.Request, rs *tee.ResponseSaver) {
	defer func() {
		if p := recover(); p != nil {
			a.log.Error().Interface("error", p).Str("url", r.URL.String()).Msg("Panic handling not found response")
			a.replay(rs)
		}
	}()

	if reason := a.passThroughReason(r); reason != "" {
		a.log.Trace().Str("url", r.URL.String()).Str("reason", reason).Msg("Passing not found response through")
		a.replay(rs)
		return
	}

	requested, ok := a.resolver.RequestPath(r.URL)
	if !ok {
		a.log.Trace().Str("url", r.URL.String()).Str("reason", "outside site").Msg("Passing not found response through")
		a.replay(rs)
		return
	}
	refererPath := a.resolver.NormalizeReferer(r.Header.Get("Referer"))
	verdict := a.resolver.Resolve(requested, refererPath)
	a.logRequest(r, verdict)

	switch verdict.Kind {
	case resolver.Redirect:
		http.Redirect(w, r, a.resolver.Location(verdict.Target), http.StatusMovedPermanently)
	case resolver.Gone:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusGone)
		w.Write([]byte(http.StatusText(http.StatusGone)))
	default:
		a.replay(rs)
	}
}

// passThroughReason returns why the not-found response is left alone, or "" if it should be resolved.
func (a *AlwaysRedirect) passThroughReason(r *http.Request) string {
	if a.resolver == nil {
		return "no resolver"
	}
	if a.reentryMarker != "" && r.URL.Query().Has(a.reentryMarker) {
		return "reentry"
	}
	if bypass.ShouldBypass(a.policy, a.isLocalOrigin(r)) {
		return "bypass"
	}
	if a.filter.IsResourceExtension(r.URL.Path) {
		return "resource"
	}
	return ""
}

func (a *AlwaysRedirect) isLocalOrigin(r *http.Request) bool {
	if a.policy != bypass.RemoteOnly || a.checker == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.lookupTimeout)
	defer cancel()
	return a.checker.IsLocal(ctx, r.RemoteAddr, r.Host)
}

func (a *AlwaysRedirect) replay(rs *tee.ResponseSaver) {
	if err := rs.Replay(); err != nil {
		a.log.Debug().Err(err).Msg("Could not write not found response to client")
	}
}

func (a *AlwaysRedirect) logRequest(r *http.Request, v resolver.Verdict) {
	a.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("verdict", v.Kind.String()).
		Str("target", v.Target).
		Str("source", v.Source).
		Msg("Handled not found response")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}

// NewOriginProxy returns a reverse proxy to the origin server.
// originHost overrides the Host header and the TLS server name,
// e.g. if the origin URL is just an IP address.
func NewOriginProxy(originURL url.URL, originHost string) *httputil.ReverseProxy {
	host := originURL.Host
	hostHeader := host
	transport := http.DefaultTransport
	if originHost != "" {
		hostHeader = originHost
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return &httputil.ReverseProxy{
		Director:  createDirector(originURL.Scheme, host, hostHeader),
		Transport: transport,
	}
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
		// the forwarded headers of an upstream proxy are not passed on to the origin
		req.Header.Del("X-Forwarded-Proto")
		req.Header.Del("X-Forwarded-Host")
	}
}
