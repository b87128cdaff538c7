package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	alwaysredirect "github.com/always-cache/always-redirect"
	"github.com/always-cache/always-redirect/config"
	"github.com/always-cache/always-redirect/miss"
	bypass "github.com/always-cache/always-redirect/pkg/bypass-gate"
	extfilter "github.com/always-cache/always-redirect/pkg/extension-filter"
	"github.com/always-cache/always-redirect/redirect"
	"github.com/always-cache/always-redirect/resolver"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const adminPrefix = "/.always-redirect"

func newServeCmd(v *viper.Viper, loadConfig func() (config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Proxy the origin and redirect its 404s",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, c)
		},
	}
	cmd.Flags().String("listen", ":8080", "Address to listen on")
	cmd.Flags().String("origin", "", "Origin URL to proxy to")
	cmd.Flags().String("origin-host", "", "Hostname of origin")
	cmd.Flags().String("rules", "", "YAML rule file (watched for changes)")
	bindFlag(v, "listen", cmd.Flags().Lookup("listen"))
	bindFlag(v, "origin", cmd.Flags().Lookup("origin"))
	bindFlag(v, "originHost", cmd.Flags().Lookup("origin-host"))
	bindFlag(v, "rulesFile", cmd.Flags().Lookup("rules"))
	return cmd
}

// app holds everything serve wires together.
type app struct {
	store    *redirect.Store
	reloader *reloader
	handler  http.Handler
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Error during shutdown")
		}
	}
}

func serve(ctx context.Context, c config.Config) error {
	if err := c.ValidateServe(); err != nil {
		return err
	}
	originURL, err := url.Parse(c.Origin)
	if err != nil {
		return fmt.Errorf("could not parse origin url: %w", err)
	}
	a, err := newApp(c, alwaysredirect.NewOriginProxy(*originURL, c.OriginHost))
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.reloader.Reload(); err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	if a.reloader.watcher != nil {
		if err := a.reloader.watcher.Start(ctx); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:              c.Listen,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	log.Info().Msgf("Proxying %v to %s (with hostname '%s')", c.Listen, c.Origin, c.OriginHost)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newApp builds the rule store, the resolver and the router in front of next.
func newApp(c config.Config, next http.Handler) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.closeAll()
		}
	}()

	var db *redirect.SQLiteRules
	recorders := miss.Multi{miss.NewLogRecorder(&log.Logger)}
	if filename := c.SQLiteFilename(); filename != "" {
		rules, err := redirect.NewSQLiteRules(filename)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rules.Close)
		db = &rules
		sqliteMisses, err := miss.NewSQLiteRecorderDB(rules.DB(), rules.WriteMutex())
		if err != nil {
			return nil, err
		}
		recorders = append(recorders, sqliteMisses)
	}
	if c.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: c.Redis.Addr})
		a.closers = append(a.closers, client.Close)
		recorders = append(recorders, miss.NewRedisRecorder(client, c.Redis.Prefix, c.LookupTimeout))
	}

	sources, err := newRuleSources(c, db)
	if err != nil {
		return nil, err
	}
	for _, cp := range sources.caches {
		a.closers = append(a.closers, func() error {
			cp.Close()
			return nil
		})
	}
	a.store = redirect.NewStore(&log.Logger, sources.providers...)
	a.reloader, err = newReloader(a.store, sources, &log.Logger)
	if err != nil {
		return nil, err
	}

	res, err := resolver.New(resolver.Config{
		Store:       a.store,
		Recorder:    recorders,
		SiteBaseURL: c.SiteBaseURL,
		LoopPolicy:  c.Loop(),
		Logger:      &log.Logger,
	})
	if err != nil {
		return nil, err
	}

	checker, err := bypass.NewOriginChecker(bypass.CheckerConfig{
		CacheTTL: time.Minute,
		Logger:   &log.Logger,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		checker.Close()
		return nil
	})

	redirector := alwaysredirect.CreateRedirector(alwaysredirect.Config{
		Resolver:      res,
		Filter:        extfilter.New(c.IgnoredExtensions, c.ExtensionsCaseInsensitive),
		BypassPolicy:  c.Bypass(),
		OriginChecker: checker,
		ReentryMarker: c.ReentryMarker,
		LookupTimeout: c.LookupTimeout,
		Logger:        &log.Logger,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	// admin routes check the peer address, so RealIP must not apply to them
	r.Route(adminPrefix, func(r chi.Router) {
		r.Use(localOnly)
		r.Get("/rules", a.handleRules)
		r.Post("/reload", a.handleReload)
	})
	// the bypass gate checks the peer address too, so the redirector runs
	// before RealIP and only the origin sees the forwarded client address
	r.Group(func(r chi.Router) {
		r.Use(redirector.Middleware)
		r.Use(middleware.RealIP)
		r.Handle("/*", next)
	})
	a.handler = r

	ok = true
	return a, nil
}

func (a *app) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// localOnly rejects admin requests that do not come from the loopback interface.
func localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type rulesResponse struct {
	Version uint64          `json:"version"`
	Count   int             `json:"count"`
	Rules   []redirect.Rule `json:"rules"`
}

func (a *app) handleRules(w http.ResponseWriter, r *http.Request) {
	t := a.store.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rulesResponse{
		Version: t.Version(),
		Count:   t.Len(),
		Rules:   t.Rules(),
	})
}

func (a *app) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := a.reloader.Reload(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	a.handleRules(w, r)
}
