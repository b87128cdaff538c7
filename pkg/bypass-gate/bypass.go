package bypass

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Policy governs when not-found handling is skipped.
type Policy int

const (
	// Always handle, never bypass.
	Always Policy = iota
	// Bypass only requests from the local machine, e.g. during development.
	RemoteOnly
	// Never handle, bypass everything.
	Never
)

func (p Policy) String() string {
	switch p {
	case Always:
		return "always"
	case RemoteOnly:
		return "remote-only"
	case Never:
		return "never"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy parses a policy name, ignoring case, hyphens and underscores.
func ParsePolicy(s string) (Policy, error) {
	name := strings.NewReplacer("-", "", "_", "").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch name {
	case "", "always", "on":
		return Always, nil
	case "remoteonly":
		return RemoteOnly, nil
	case "never", "off":
		return Never, nil
	}
	return Always, fmt.Errorf("unknown bypass policy %q", s)
}

// ShouldBypass reports whether handling should be skipped for a request.
func ShouldBypass(policy Policy, isLocalOrigin bool) bool {
	switch policy {
	case Never:
		return true
	case RemoteOnly:
		return isLocalOrigin
	}
	return false
}

// Resolver looks up the addresses of a host. *net.Resolver implements it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type CheckerConfig struct {
	// Resolver for the serving host. net.DefaultResolver is used if nil.
	Resolver Resolver
	// How long resolved addresses are reused. Zero disables caching.
	CacheTTL time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// OriginChecker decides whether a request comes from the machine serving it.
type OriginChecker struct {
	resolver Resolver
	ttl      time.Duration
	cache    *ristretto.Cache[string, []net.IP]
	log      zerolog.Logger
}

func NewOriginChecker(config CheckerConfig) (*OriginChecker, error) {
	logger := config.Logger
	if logger == nil {
		logger = &log.Logger
	}
	c := &OriginChecker{
		resolver: config.Resolver,
		ttl:      config.CacheTTL,
		log:      logger.With().Str("component", "bypass").Logger(),
	}
	if c.resolver == nil {
		c.resolver = net.DefaultResolver
	}
	if c.ttl > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, []net.IP]{
			NumCounters:        1000,
			MaxCost:            100,
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, err
		}
		c.cache = cache
	}
	return c, nil
}

// IsLocal reports whether remoteAddr is the loopback address or one of the addresses of host.
// Any parse or lookup failure means not local, so the request is handled normally.
func (c *OriginChecker) IsLocal(ctx context.Context, remoteAddr, host string) bool {
	remote := parseIP(remoteAddr)
	if remote == nil {
		return false
	}
	if remote.IsLoopback() {
		return true
	}
	addrs, err := c.hostAddrs(ctx, stripPort(host))
	if err != nil {
		c.log.Debug().Err(err).Str("host", host).Msg("Could not resolve serving host")
		return false
	}
	for _, addr := range addrs {
		if addr.Equal(remote) {
			return true
		}
	}
	return false
}

func (c *OriginChecker) hostAddrs(ctx context.Context, host string) ([]net.IP, error) {
	if host == "" {
		return nil, fmt.Errorf("no host")
	}
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	key := strings.ToLower(host)
	if c.cache != nil {
		if addrs, ok := c.cache.Get(key); ok {
			return addrs, nil
		}
	}
	ipAddrs, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	addrs := make([]net.IP, 0, len(ipAddrs))
	for _, a := range ipAddrs {
		addrs = append(addrs, a.IP)
	}
	if c.cache != nil {
		c.cache.SetWithTTL(key, addrs, 1, c.ttl)
	}
	return addrs, nil
}

func (c *OriginChecker) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}

// parseIP parses the IP of a `host:port` or bare address.
func parseIP(addr string) net.IP {
	return net.ParseIP(stripPort(addr))
}

func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return strings.Trim(hostport, "[]")
}
