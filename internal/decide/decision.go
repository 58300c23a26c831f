// Package decide evaluates decision chains over discovered links.
//
// A chain is an ordered list of rules. Each rule returns ACCEPT, REJECT or
// PASS; the running verdict starts at PASS and every non-PASS result
// overwrites it, so later rules override earlier ones. A final PASS accepts.
// A Sequence is itself a Rule, so chains nest.
package decide

import "github.com/JakeFAU/continuous-crawler/internal/crawler"

// Decision is a rule verdict.
type Decision int

// Verdicts.
const (
	Pass Decision = iota
	Accept
	Reject
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "ACCEPT"
	case Reject:
		return "REJECT"
	default:
		return "PASS"
	}
}

// Rule decides over one CrawlURI.
type Rule interface {
	Decide(cu *crawler.CrawlURI) Decision
}

// SingleDecider is implemented by rules that can only ever produce one
// non-PASS verdict. A Sequence skips such a rule when its only verdict
// already equals the running verdict.
type SingleDecider interface {
	OnlyDecision() Decision
}

// RuleFunc adapts a function to Rule.
type RuleFunc func(cu *crawler.CrawlURI) Decision

// Decide implements Rule.
func (f RuleFunc) Decide(cu *crawler.CrawlURI) Decision {
	return f(cu)
}
