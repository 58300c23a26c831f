package crawler

import (
	"fmt"
	"mime"
	"regexp"
	"strings"
)

// DefaultMaxSizeToDigest bounds bodies that are digested.
const DefaultMaxSizeToDigest = 1 << 20

// ContentDigester computes the digest used for unchanged-content detection.
// Only text/* bodies up to MaxSize are digested. When Strip is set, every
// match is removed before hashing so volatile markup does not defeat dedup.
type ContentDigester struct {
	hasher  Hasher
	strip   *regexp.Regexp
	maxSize int
}

// NewContentDigester builds a digester. An empty stripPattern disables stripping.
func NewContentDigester(hasher Hasher, stripPattern string, maxSize int) (*ContentDigester, error) {
	if hasher == nil {
		return nil, fmt.Errorf("content digester: hasher is required")
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSizeToDigest
	}
	d := &ContentDigester{hasher: hasher, maxSize: maxSize}
	if stripPattern != "" {
		re, err := regexp.Compile(stripPattern)
		if err != nil {
			return nil, fmt.Errorf("compile strip pattern: %w", err)
		}
		d.strip = re
	}
	return d, nil
}

// Digest returns the body digest, or ok=false when the response is not
// eligible for digesting.
func (d *ContentDigester) Digest(resp FetchResponse) (string, bool, error) {
	if !isTextContent(resp.Headers.Get("Content-Type")) {
		return "", false, nil
	}
	if len(resp.Body) > d.maxSize {
		return "", false, nil
	}
	body := resp.Body
	if d.strip != nil {
		body = d.strip.ReplaceAll(body, nil)
	}
	sum, err := d.hasher.Hash(body)
	if err != nil {
		return "", false, fmt.Errorf("digest body: %w", err)
	}
	return sum, true, nil
}

func isTextContent(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return strings.HasPrefix(mediaType, "text/")
}
