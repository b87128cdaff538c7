package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	bypass "github.com/always-cache/always-redirect/pkg/bypass-gate"
	extfilter "github.com/always-cache/always-redirect/pkg/extension-filter"
	"github.com/always-cache/always-redirect/resolver"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. ALWAYS_REDIRECT_SITEBASEURL or ALWAYS_REDIRECT_REDIS_ADDR.
const EnvPrefix = "ALWAYS_REDIRECT"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	// Address to listen on.
	Listen string `mapstructure:"listen"`
	// URL of the origin server. Origins with paths are not supported.
	Origin string `mapstructure:"origin"`
	// Hostname to use for origin requests and TLS negotiation.
	OriginHost string `mapstructure:"originHost"`
	// Public absolute URL of the site.
	SiteBaseURL  string `mapstructure:"siteBaseUrl"`
	BypassPolicy string `mapstructure:"bypassPolicy"`
	LoopPolicy   string `mapstructure:"loopPolicy"`
	// Resource file types whose 404s are never redirected.
	IgnoredExtensions         []string `mapstructure:"ignoredExtensions"`
	ExtensionsCaseInsensitive bool     `mapstructure:"extensionsCaseInsensitive"`
	// YAML rule file, watched for changes.
	RulesFile string `mapstructure:"rulesFile"`
	// SQLite database with rules and misses. Use "memory" for an in-memory database.
	SQLite        string        `mapstructure:"sqlite"`
	Redis         Redis         `mapstructure:"redis"`
	ReentryMarker string        `mapstructure:"reentryMarker"`
	LookupTimeout time.Duration `mapstructure:"lookupTimeout"`
	// How long provider results are cached. Zero disables the cache.
	ProviderCacheTTL time.Duration `mapstructure:"providerCacheTtl"`
	// Live URLs the slug provider redirects to.
	SlugURLs []string `mapstructure:"slugUrls"`
}

// Redis configures miss counting in Redis. It is disabled if Addr is empty.
type Redis struct {
	Addr   string `mapstructure:"addr"`
	Prefix string `mapstructure:"prefix"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("origin", "")
	v.SetDefault("originHost", "")
	v.SetDefault("siteBaseUrl", "")
	v.SetDefault("bypassPolicy", bypass.Always.String())
	v.SetDefault("loopPolicy", resolver.LoopBoth.String())
	v.SetDefault("ignoredExtensions", extfilter.DefaultExtensions)
	v.SetDefault("extensionsCaseInsensitive", true)
	v.SetDefault("rulesFile", "")
	v.SetDefault("sqlite", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.prefix", "always-redirect:misses")
	v.SetDefault("reentryMarker", "")
	v.SetDefault("lookupTimeout", 100*time.Millisecond)
	v.SetDefault("providerCacheTtl", 5*time.Minute)
	v.SetDefault("slugUrls", []string{})
}

// New returns a viper instance with defaults and environment overrides set up.
// Flags can be bound to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file into v and returns the validated config.
func Load(v *viper.Viper, path string) (Config, error) {
	var c Config
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return c, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Validate checks the config values that can be checked without connecting anywhere.
// Settings only serve needs are checked by ValidateServe.
func (c Config) Validate() error {
	if c.SiteBaseURL != "" {
		if err := c.validateSiteBaseURL(); err != nil {
			return err
		}
	}
	if c.Origin != "" {
		origin, err := url.Parse(c.Origin)
		if err != nil || !origin.IsAbs() || origin.Host == "" {
			return fmt.Errorf("%w: origin %q must be an absolute url", ErrInvalidConfig, c.Origin)
		}
	}
	if _, err := bypass.ParsePolicy(c.BypassPolicy); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := resolver.ParseLoopPolicy(c.LoopPolicy); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.LookupTimeout < 0 || c.ProviderCacheTTL < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	return nil
}

// ValidateServe checks the settings required to proxy and resolve requests.
func (c Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := c.validateSiteBaseURL(); err != nil {
		return err
	}
	if c.Origin == "" {
		return fmt.Errorf("%w: please specify origin", ErrInvalidConfig)
	}
	return nil
}

func (c Config) validateSiteBaseURL() error {
	base, err := url.Parse(c.SiteBaseURL)
	if err != nil || !base.IsAbs() || base.Host == "" {
		return fmt.Errorf("%w: siteBaseUrl %q must be an absolute url", ErrInvalidConfig, c.SiteBaseURL)
	}
	return nil
}

func (c Config) Bypass() bypass.Policy {
	p, _ := bypass.ParsePolicy(c.BypassPolicy)
	return p
}

func (c Config) Loop() resolver.LoopPolicy {
	p, _ := resolver.ParseLoopPolicy(c.LoopPolicy)
	return p
}

// SQLiteFilename returns the database filename to open, or "" if SQLite is disabled.
func (c Config) SQLiteFilename() string {
	if c.SQLite == "memory" {
		return "file::memory:?cache=shared"
	}
	return c.SQLite
}
