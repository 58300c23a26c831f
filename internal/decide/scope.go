package decide

import (
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/continuous-crawler/internal/crawler"
)

// SURTPrefix applies Decision to URIs whose SURT key falls under a known
// prefix. Prefixes are usually derived from seeds, which may arrive while
// the crawl runs, so the rule is safe for concurrent use.
type SURTPrefix struct {
	mu       sync.RWMutex
	prefixes []string
	decision Decision
}

// NewSURTPrefix builds a rule with the given decision and seeds.
func NewSURTPrefix(decision Decision, seeds ...string) *SURTPrefix {
	r := &SURTPrefix{decision: decision}
	for _, s := range seeds {
		r.AddSeed(s)
	}
	return r
}

// AddSeed derives a prefix from a seed URL, with the scheme dropped so http
// and https share scope. A root seed scopes its host and all subdomains;
// a deeper seed scopes its directory.
func (r *SURTPrefix) AddSeed(seed string) bool {
	key, err := crawler.SURTKey(seed)
	if err != nil {
		return false
	}
	prefix := stripScheme(key)
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		prefix = prefix[:i+1]
	}
	prefix = strings.TrimSuffix(prefix, ")/")
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.prefixes {
		if strings.HasPrefix(prefix, existing) {
			return false
		}
	}
	r.prefixes = append(r.prefixes, prefix)
	sort.Strings(r.prefixes)
	return true
}

// Prefixes returns a copy of the current prefixes.
func (r *SURTPrefix) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.prefixes))
	copy(out, r.prefixes)
	return out
}

// Decide implements Rule.
func (r *SURTPrefix) Decide(cu *crawler.CrawlURI) Decision {
	key, err := crawler.SURTKey(cu.URL)
	if err != nil {
		return Pass
	}
	key = stripScheme(key)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, prefix := range r.prefixes {
		if strings.HasPrefix(key, prefix) {
			return r.decision
		}
	}
	return Pass
}

// OnlyDecision implements SingleDecider.
func (r *SURTPrefix) OnlyDecision() Decision { return r.decision }

func stripScheme(key string) string {
	if i := strings.Index(key, "://"); i >= 0 {
		return key[i+3:]
	}
	return key
}

// Domain applies Decision to hosts matching configured patterns. A pattern
// is an exact host ("example.org") or a suffix wildcard ("*.example.org" or
// ".example.org"), which also matches the bare suffix.
type Domain struct {
	exact    map[string]struct{}
	suffixes []string
	decision Decision
}

// NewDomain builds a Domain rule. It returns nil when no usable pattern was given.
func NewDomain(decision Decision, patterns []string) *Domain {
	matcher := &Domain{
		exact:    make(map[string]struct{}),
		decision: decision,
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			matcher.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			matcher.addSuffix(strings.TrimPrefix(value, "."))
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (d *Domain) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range d.suffixes {
		if existing == suffix {
			return
		}
	}
	d.suffixes = append(d.suffixes, suffix)
}

// Matches reports whether host matches a pattern.
func (d *Domain) Matches(host string) bool {
	if d == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := d.exact[host]; exact {
		return true
	}
	for _, suffix := range d.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// Decide implements Rule.
func (d *Domain) Decide(cu *crawler.CrawlURI) Decision {
	if d.Matches(crawler.Host(cu.URL)) {
		return d.decision
	}
	return Pass
}

// OnlyDecision implements SingleDecider.
func (d *Domain) OnlyDecision() Decision { return d.decision }
