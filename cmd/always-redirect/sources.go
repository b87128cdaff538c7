package main

import (
	"fmt"

	"github.com/always-cache/always-redirect/config"
	"github.com/always-cache/always-redirect/redirect"

	"github.com/rs/zerolog"
)

// ruleSources builds rule tables from SQLite and the rule file,
// and feeds the file's patterns to the pattern provider.
type ruleSources struct {
	db        *redirect.SQLiteRules
	rulesFile string
	patterns  *redirect.PatternProvider
	providers []redirect.Provider
	// provider caches, cleared whenever the rules change
	caches []*redirect.CachedProvider
}

func newRuleSources(c config.Config, db *redirect.SQLiteRules) (*ruleSources, error) {
	patterns, err := redirect.NewPatternProvider(nil, c.SiteBaseURL)
	if err != nil {
		return nil, err
	}
	s := &ruleSources{
		db:        db,
		rulesFile: c.RulesFile,
		patterns:  patterns,
	}
	chain := []redirect.Provider{patterns}
	if len(c.SlugURLs) > 0 {
		chain = append(chain, redirect.NewSlugProvider(c.SlugURLs))
	}
	for _, p := range chain {
		if c.ProviderCacheTTL <= 0 {
			s.providers = append(s.providers, p)
			continue
		}
		cached, err := redirect.NewCachedProvider(p, c.ProviderCacheTTL, 0)
		if err != nil {
			return nil, fmt.Errorf("creating provider cache: %w", err)
		}
		s.caches = append(s.caches, cached)
		s.providers = append(s.providers, cached)
	}
	return s, nil
}

// Load builds a table from all sources. Rules from the file override rules from SQLite.
func (s *ruleSources) Load() (*redirect.Table, error) {
	var lists [][]redirect.Rule
	if s.db != nil {
		rules, err := s.db.All()
		if err != nil {
			return nil, err
		}
		lists = append(lists, rules)
	}
	var patterns []redirect.Pattern
	if s.rulesFile != "" {
		f, err := redirect.LoadRulesFile(s.rulesFile)
		if err != nil {
			return nil, err
		}
		lists = append(lists, f.Rules)
		patterns = f.Patterns
	}
	table, err := redirect.NewTable(redirect.Merge(lists...))
	if err != nil {
		return nil, err
	}
	if err := s.patterns.Replace(patterns); err != nil {
		return nil, err
	}
	for _, c := range s.caches {
		c.Clear()
	}
	return table, nil
}

// reloader publishes fresh tables, through the file watcher if there is a rule file.
type reloader struct {
	store   *redirect.Store
	sources *ruleSources
	watcher *redirect.Watcher
}

func newReloader(store *redirect.Store, sources *ruleSources, logger *zerolog.Logger) (*reloader, error) {
	r := &reloader{store: store, sources: sources}
	if sources.rulesFile != "" {
		w, err := redirect.NewWatcher(redirect.WatcherConfig{
			Filename: sources.rulesFile,
			Store:    store,
			Load:     sources.Load,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		r.watcher = w
	}
	return r, nil
}

func (r *reloader) Reload() error {
	if r.watcher != nil {
		return r.watcher.Reload()
	}
	t, err := r.sources.Load()
	if err != nil {
		return err
	}
	r.store.Publish(t)
	return nil
}
