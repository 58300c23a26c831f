package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// SURTKey returns the canonical, host-first, case-sensitive key of rawURL.
//
//	http://www.Example.org:8080/A/b?q=1  ->  http://(org,example,www,:8080)/A/b?q=1
//
// Scheme and host are lowercased since they are case-insensitive; the path
// and query keep their case.
func SURTKey(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("surt parse: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("surt %q: missing host", rawURL)
	}
	var b strings.Builder
	b.WriteString(strings.ToLower(u.Scheme))
	b.WriteString("://(")
	b.WriteString(surtAuthority(u))
	b.WriteString(")")
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	b.WriteString(path)
	if u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}
	return b.String(), nil
}

// QueueKey assigns rawURL to a work queue. It is a pure function of the
// address: the reversed host plus any explicit port.
func QueueKey(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("queue key parse: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("queue key %q: missing host", rawURL)
	}
	return surtAuthority(u), nil
}

func surtAuthority(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	labels := strings.Split(host, ".")
	if !isIPv4(host) && !strings.Contains(host, ":") {
		for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
			labels[i], labels[j] = labels[j], labels[i]
		}
	} else {
		labels = []string{host}
	}
	out := strings.Join(labels, ",") + ","
	if port := u.Port(); port != "" {
		out += ":" + port
	}
	return out
}

func isIPv4(host string) bool {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}
