package cache

import (
	"strings"
	"time"
)

const (
	NetworkTTL    = 60 * time.Second
	WriteTTL      = 30 * time.Second
	ReadTTL       = 1800 * time.Second
	DefaultTTL    = 10 * time.Second
	categoryOther = "default"
)

// Rule maps name fragments to a TTL. Rules are checked in order and the
// first rule with a matching fragment wins.
type Rule struct {
	Category  string
	Fragments []string
	TTL       time.Duration
}

// DefaultRules returns the built-in naming categories: network calls,
// mutating operations, then static reads and analysis.
func DefaultRules() []Rule {
	return []Rule{
		{Category: "network", Fragments: []string{"fetch", "api", "network", "http", "git_fetch"}, TTL: NetworkTTL},
		{Category: "write", Fragments: []string{"write", "modify", "update", "create"}, TTL: WriteTTL},
		{Category: "read", Fragments: []string{"read", "parse", "analyze"}, TTL: ReadTTL},
	}
}

// Policy picks a TTL for a hook from its identifier.
type Policy struct {
	Rules    []Rule
	Fallback time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Rules: DefaultRules(), Fallback: DefaultTTL}
}

// TTLFor returns the TTL and category for hookID.
func (p Policy) TTLFor(hookID string) (time.Duration, string) {
	name := normalizeName(hookID)
	for _, r := range p.Rules {
		for _, f := range r.Fragments {
			f = normalizeName(f)
			if f != "" && strings.Contains(name, f) {
				return r.TTL, r.Category
			}
		}
	}
	if p.Fallback <= 0 {
		return DefaultTTL, categoryOther
	}
	return p.Fallback, categoryOther
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_", ".", "_").Replace(s)
}
