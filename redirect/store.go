package redirect

import (
	"fmt"
	"net/url"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// Provider computes rules dynamically for requests that have no static rule.
//
// Implementations must be safe for concurrent use!
type Provider interface {
	// Name identifies the provider in logs and verdicts.
	Name() string
	// TryResolve returns the rule for the given absolute URI, or nil if there is none.
	TryResolve(uri *url.URL) (*Rule, error)
}

// Store serves lookups from the current rule snapshot and the provider chain.
// Readers never lock: the snapshot is swapped atomically by Publish.
type Store struct {
	table     *atomic.Pointer[Table]
	providers []Provider
	log       zerolog.Logger
}

// NewStore creates a store with an empty table.
// The providers are consulted in the given order.
func NewStore(logger *zerolog.Logger, providers ...Provider) *Store {
	if logger == nil {
		logger = &log.Logger
	}
	return &Store{
		table:     atomic.NewPointer(EmptyTable()),
		providers: providers,
		log:       logger.With().Str("component", "store").Logger(),
	}
}

// Publish makes t the current snapshot.
func (s *Store) Publish(t *Table) {
	if t == nil {
		t = EmptyTable()
	}
	s.table.Store(t)
	s.log.Info().Uint64("version", t.Version()).Int("rules", t.Len()).Msg("Published rule table")
}

// Snapshot returns the current table.
func (s *Store) Snapshot() *Table {
	return s.table.Load()
}

// FindExact looks up a static rule in the current snapshot.
func (s *Store) FindExact(path string) (Rule, bool, error) {
	rule, ok := s.table.Load().Lookup(path)
	return rule, ok, nil
}

// FindViaProviders asks each provider in turn and returns the first match
// along with the name of the provider that produced it.
// A failing provider counts as no match.
func (s *Store) FindViaProviders(uri *url.URL) (Rule, string, bool) {
	for _, p := range s.providers {
		rule, err := s.try(p, uri)
		if err != nil {
			s.log.Warn().Err(err).Str("provider", p.Name()).Str("uri", uri.String()).Msg("Provider failed")
			continue
		}
		if rule != nil {
			s.log.Trace().Str("provider", p.Name()).Str("uri", uri.String()).Msg("Provider matched")
			return *rule, p.Name(), true
		}
	}
	return Rule{}, "", false
}

func (s *Store) try(p Provider, uri *url.URL) (rule *Rule, err error) {
	defer func() {
		if r := recover(); r != nil {
			rule, err = nil, fmt.Errorf("provider panic: %v", r)
		}
	}()
	rule, err = p.TryResolve(uri)
	if err != nil || rule == nil {
		return nil, err
	}
	validated, err := rule.validate()
	if err != nil {
		return nil, err
	}
	return &validated, nil
}
