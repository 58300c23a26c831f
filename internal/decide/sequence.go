package decide

import (
	"sync/atomic"

	"github.com/JakeFAU/continuous-crawler/internal/crawler"
)

// Sequence evaluates rules in order.
type Sequence struct {
	rules   []Rule
	skipped atomic.Int64
}

// NewSequence builds a Sequence over rules.
func NewSequence(rules ...Rule) *Sequence {
	return &Sequence{rules: rules}
}

// Decide returns the running verdict after all rules, PASS if none decided.
func (s *Sequence) Decide(cu *crawler.CrawlURI) Decision {
	result := Pass
	for _, rule := range s.rules {
		if single, ok := rule.(SingleDecider); ok && single.OnlyDecision() == result {
			s.skipped.Add(1)
			continue
		}
		if verdict := rule.Decide(cu); verdict != Pass {
			result = verdict
		}
	}
	return result
}

// Accepts evaluates the chain at the top level, where PASS means ACCEPT.
func (s *Sequence) Accepts(cu *crawler.CrawlURI) bool {
	return s.Decide(cu) != Reject
}

// Len returns the number of direct rules.
func (s *Sequence) Len() int {
	return len(s.rules)
}

// Skipped returns how many rule invocations were short-circuited.
func (s *Sequence) Skipped() int64 {
	return s.skipped.Load()
}
