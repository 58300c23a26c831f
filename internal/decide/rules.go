package decide

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/JakeFAU/continuous-crawler/internal/crawler"
)

// Always returns the same decision for every URI.
type Always struct {
	Decision Decision
}

// AcceptAll accepts everything.
func AcceptAll() Always { return Always{Decision: Accept} }

// RejectAll rejects everything.
func RejectAll() Always { return Always{Decision: Reject} }

// Decide implements Rule.
func (a Always) Decide(*crawler.CrawlURI) Decision { return a.Decision }

// OnlyDecision implements SingleDecider.
func (a Always) OnlyDecision() Decision { return a.Decision }

// Regex applies Decision when the URL matches any pattern (or, with Invert,
// matches none).
type Regex struct {
	patterns []*regexp.Regexp
	decision Decision
	invert   bool
}

// NewRegex compiles patterns into a Regex rule.
func NewRegex(decision Decision, invert bool, patterns ...string) (*Regex, error) {
	r := &Regex{decision: decision, invert: invert}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile rule pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// Decide implements Rule.
func (r *Regex) Decide(cu *crawler.CrawlURI) Decision {
	matched := false
	for _, re := range r.patterns {
		if re.MatchString(cu.URL) {
			matched = true
			break
		}
	}
	if matched != r.invert {
		return r.decision
	}
	return Pass
}

// OnlyDecision implements SingleDecider.
func (r *Regex) OnlyDecision() Decision { return r.decision }

// TooManyHops rejects URIs further than Max hops from a seed.
type TooManyHops struct {
	Max int
}

// Decide implements Rule.
func (r TooManyHops) Decide(cu *crawler.CrawlURI) Decision {
	if cu.HopCount() > r.Max {
		return Reject
	}
	return Pass
}

// OnlyDecision implements SingleDecider.
func (TooManyHops) OnlyDecision() Decision { return Reject }

// Transclusion accepts URIs reached by a short run of non-link hops
// (embeds, redirects, speculative) after the last navigational link, so
// page requisites of in-scope pages are fetched.
type Transclusion struct {
	MaxTransHops       int
	MaxSpeculativeHops int
}

// Decide implements Rule.
func (r Transclusion) Decide(cu *crawler.CrawlURI) Decision {
	path := cu.PathFromSeed
	if path == "" {
		return Pass
	}
	trans, spec := 0, 0
	for i := len(path) - 1; i >= 0; i-- {
		hop := crawler.HopType(path[i])
		if hop == crawler.HopLink {
			break
		}
		trans++
		if hop == crawler.HopSpeculative {
			spec++
		}
	}
	if trans == 0 || trans > r.MaxTransHops || spec > r.MaxSpeculativeHops {
		return Pass
	}
	return Accept
}

// OnlyDecision implements SingleDecider.
func (Transclusion) OnlyDecision() Decision { return Accept }

// PrerequisiteAccept accepts prerequisites of in-scope URIs.
type PrerequisiteAccept struct{}

// Decide implements Rule.
func (PrerequisiteAccept) Decide(cu *crawler.CrawlURI) Decision {
	if cu.LastHop() == crawler.HopPrerequisite {
		return Accept
	}
	return Pass
}

// OnlyDecision implements SingleDecider.
func (PrerequisiteAccept) OnlyDecision() Decision { return Accept }

// PathologicalPath rejects URLs whose path repeats one segment more than
// MaxRepetitions times in a row (calendar and symlink traps).
type PathologicalPath struct {
	MaxRepetitions int
}

// Decide implements Rule.
func (r PathologicalPath) Decide(cu *crawler.CrawlURI) Decision {
	if r.MaxRepetitions <= 0 {
		return Pass
	}
	path := cu.URL
	if i := strings.Index(path, "://"); i >= 0 {
		path = path[i+3:]
	}
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	segments := strings.Split(path, "/")
	run := 1
	for i := 2; i < len(segments); i++ {
		if segments[i] != "" && segments[i] == segments[i-1] {
			run++
			if run > r.MaxRepetitions {
				return Reject
			}
			continue
		}
		run = 1
	}
	return Pass
}

// OnlyDecision implements SingleDecider.
func (PathologicalPath) OnlyDecision() Decision { return Reject }

// SchemeNotIn rejects URIs whose scheme is outside the allowed set.
type SchemeNotIn struct {
	Allowed []string
}

// Decide implements Rule.
func (r SchemeNotIn) Decide(cu *crawler.CrawlURI) Decision {
	scheme, _, found := strings.Cut(cu.URL, ":")
	if !found {
		return Reject
	}
	for _, allowed := range r.Allowed {
		if strings.EqualFold(scheme, allowed) {
			return Pass
		}
	}
	return Reject
}

// OnlyDecision implements SingleDecider.
func (SchemeNotIn) OnlyDecision() Decision { return Reject }
