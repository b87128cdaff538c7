package redirect

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/atomic"
)

var (
	ErrInvalidRule   = errors.New("invalid redirect rule")
	ErrDuplicateRule = errors.New("duplicate redirect rule")
)

// State is the lifecycle state of a rule.
type State string

const (
	// Active rules redirect to their target.
	Active State = "active"
	// Gone rules mark a resource as permanently removed.
	Gone State = "gone"
)

// ParseState parses a state name. The empty string is Active.
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(Active):
		return Active, nil
	case string(Gone):
		return Gone, nil
	}
	return "", fmt.Errorf("%w: unknown state %q", ErrInvalidRule, s)
}

// Rule maps an old path-and-query to a new target.
type Rule struct {
	OldPath   string `yaml:"old" json:"old"`
	NewTarget string `yaml:"new" json:"new,omitempty"`
	State     State  `yaml:"state" json:"state"`
}

// NormalizeKey returns the lookup key for a path-and-query.
// Path and query are unescaped and lowercased, so `/Caf%C3%A9` and `/café` share a key.
// Parts that fail to unescape are kept as they are.
func NormalizeKey(pathAndQuery string) string {
	p, q, hasQuery := strings.Cut(strings.TrimSpace(pathAndQuery), "?")
	if u, err := url.PathUnescape(p); err == nil {
		p = u
	}
	if hasQuery {
		if u, err := url.QueryUnescape(q); err == nil {
			q = u
		}
		p += "?" + q
	}
	return strings.ToLower(p)
}

func (r Rule) validate() (Rule, error) {
	state, err := ParseState(string(r.State))
	if err != nil {
		return r, err
	}
	r.State = state
	r.OldPath = strings.TrimSpace(r.OldPath)
	r.NewTarget = strings.TrimSpace(r.NewTarget)
	if r.OldPath == "" || !strings.HasPrefix(r.OldPath, "/") {
		return r, fmt.Errorf("%w: old path %q must start with /", ErrInvalidRule, r.OldPath)
	}
	if r.State == Active && r.NewTarget == "" {
		return r, fmt.Errorf("%w: active rule for %q has no target", ErrInvalidRule, r.OldPath)
	}
	return r, nil
}

var tableVersion = atomic.NewUint64(0)

// Table is an immutable snapshot of the static rules.
// It is never modified after NewTable returns.
type Table struct {
	version uint64
	rules   map[string]Rule
}

// NewTable validates the rules and builds a snapshot from them.
func NewTable(rules []Rule) (*Table, error) {
	t := &Table{
		rules: make(map[string]Rule, len(rules)),
	}
	for _, rule := range rules {
		rule, err := rule.validate()
		if err != nil {
			return nil, err
		}
		key := NormalizeKey(rule.OldPath)
		if _, dup := t.rules[key]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRule, rule.OldPath)
		}
		t.rules[key] = rule
	}
	t.version = tableVersion.Inc()
	return t, nil
}

// EmptyTable returns a table without rules.
func EmptyTable() *Table {
	t, _ := NewTable(nil)
	return t
}

// Lookup finds the rule for the given path-and-query, ignoring case.
func (t *Table) Lookup(path string) (Rule, bool) {
	rule, ok := t.rules[NormalizeKey(path)]
	return rule, ok
}

// Version identifies the snapshot. Later tables have higher versions.
func (t *Table) Version() uint64 {
	return t.version
}

func (t *Table) Len() int {
	return len(t.rules)
}

// Rules returns a copy of the rules, ordered by old path.
func (t *Table) Rules() []Rule {
	rules := make([]Rule, 0, len(t.rules))
	for _, rule := range t.rules {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool {
		return NormalizeKey(rules[i].OldPath) < NormalizeKey(rules[j].OldPath)
	})
	return rules
}

// Merge combines rule lists. Later lists override earlier ones for the same key.
func Merge(lists ...[]Rule) []Rule {
	order := make([]string, 0)
	byKey := make(map[string]Rule)
	for _, list := range lists {
		for _, rule := range list {
			key := NormalizeKey(rule.OldPath)
			if _, ok := byKey[key]; !ok {
				order = append(order, key)
			}
			byKey[key] = rule
		}
	}
	merged := make([]Rule, 0, len(order))
	for _, key := range order {
		merged = append(merged, byKey[key])
	}
	return merged
}
