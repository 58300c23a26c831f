package decide

import (
	"fmt"
	"sync"
)

// ScopeOptions configures the default crawl scope.
type ScopeOptions struct {
	Seeds              []string
	MaxHops            int
	MaxTransHops       int
	MaxSpeculativeHops int
	MaxPathRepetitions int
	AcceptPatterns     []string
	RejectPatterns     []string
	AllowedDomains     []string
	BlockedDomains     []string
}

// Scope is the assembled default chain plus a handle on its seed rule.
type Scope struct {
	*Sequence
	seeds *SURTPrefix

	mu       sync.Mutex
	seedURLs []string
}

// AddSeed widens the scope with a new seed.
func (s *Scope) AddSeed(seed string) {
	s.seeds.AddSeed(seed)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.seedURLs {
		if existing == seed {
			return
		}
	}
	s.seedURLs = append(s.seedURLs, seed)
}

// Seeds returns every seed the scope was built or widened with.
func (s *Scope) Seeds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seedURLs...)
}

// NewScope assembles the default chain:
//
//	reject all
//	accept seed SURT prefixes and allowed domains
//	accept configured patterns
//	reject too many hops
//	accept transclusions
//	reject configured patterns and blocked domains
//	reject pathological paths
//	accept prerequisites
//	reject non-http schemes
func NewScope(opts ScopeOptions) (*Scope, error) {
	seeds := NewSURTPrefix(Accept, opts.Seeds...)
	rules := []Rule{RejectAll(), seeds}
	if allowed := NewDomain(Accept, opts.AllowedDomains); allowed != nil {
		rules = append(rules, allowed)
	}
	if len(opts.AcceptPatterns) > 0 {
		accept, err := NewRegex(Accept, false, opts.AcceptPatterns...)
		if err != nil {
			return nil, fmt.Errorf("accept patterns: %w", err)
		}
		rules = append(rules, accept)
	}
	if opts.MaxHops > 0 {
		rules = append(rules, TooManyHops{Max: opts.MaxHops})
	}
	rules = append(rules, Transclusion{MaxTransHops: opts.MaxTransHops, MaxSpeculativeHops: opts.MaxSpeculativeHops})
	if len(opts.RejectPatterns) > 0 {
		reject, err := NewRegex(Reject, false, opts.RejectPatterns...)
		if err != nil {
			return nil, fmt.Errorf("reject patterns: %w", err)
		}
		rules = append(rules, reject)
	}
	if blocked := NewDomain(Reject, opts.BlockedDomains); blocked != nil {
		rules = append(rules, blocked)
	}
	rules = append(rules,
		PathologicalPath{MaxRepetitions: opts.MaxPathRepetitions},
		PrerequisiteAccept{},
		SchemeNotIn{Allowed: []string{"http", "https"}},
	)
	return &Scope{
		Sequence: NewSequence(rules...),
		seeds:    seeds,
		seedURLs: append([]string(nil), opts.Seeds...),
	}, nil
}
