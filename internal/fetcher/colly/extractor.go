package collyfetcher

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/continuous-crawler/internal/crawler"
)

// linkSources maps selectors to the attribute holding the address and the
// hop type of what is found there.
var linkSources = []struct {
	selector string
	attr     string
	hop      crawler.HopType
}{
	{"a[href]", "href", crawler.HopLink},
	{"area[href]", "href", crawler.HopLink},
	{"link[href]", "href", crawler.HopEmbed},
	{"img[src]", "src", crawler.HopEmbed},
	{"script[src]", "src", crawler.HopEmbed},
	{"iframe[src]", "src", crawler.HopEmbed},
	{"frame[src]", "src", crawler.HopEmbed},
}

// Extractor finds outlinks in HTML responses.
type Extractor struct{}

// NewExtractor returns an Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract returns absolute, fragment-free outlinks in document order. Non
// HTML responses yield nothing. <link rel=alternate|canonical|next|prev>
// counts as a navigational link rather than an embed.
func (e *Extractor) Extract(resp crawler.FetchResponse) ([]crawler.Link, error) {
	if !isHTML(resp) {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(resp.URL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}

	seen := make(map[string]struct{})
	var links []crawler.Link
	for _, src := range linkSources {
		doc.Find(src.selector).Each(func(_ int, s *goquery.Selection) {
			raw, _ := s.Attr(src.attr)
			abs, ok := resolve(base, raw)
			if !ok {
				return
			}
			hop := src.hop
			if goquery.NodeName(s) == "link" && navigationalRel(s.AttrOr("rel", "")) {
				hop = crawler.HopLink
			}
			if _, dup := seen[abs]; dup {
				return
			}
			seen[abs] = struct{}{}
			links = append(links, crawler.Link{URL: abs, Hop: hop})
		})
	}
	return links, nil
}

func isHTML(resp crawler.FetchResponse) bool {
	if len(resp.Body) == 0 {
		return false
	}
	ct := strings.ToLower(resp.Headers.Get("Content-Type"))
	if ct == "" {
		return true
	}
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func resolve(base *url.URL, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return "", false
	}
	ref, err := base.Parse(raw)
	if err != nil {
		return "", false
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", false
	}
	ref.Fragment = ""
	ref.RawFragment = ""
	return ref.String(), true
}

func navigationalRel(rel string) bool {
	for _, r := range strings.Fields(strings.ToLower(rel)) {
		switch r {
		case "alternate", "canonical", "next", "prev":
			return true
		}
	}
	return false
}
