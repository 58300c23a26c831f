package history

import (
	"net/http"

	"github.com/JakeFAU/continuous-crawler/internal/crawler"
)

// Key returns the store key for a unit: its case-sensitive SURT form.
func Key(cu *crawler.CrawlURI) (string, error) {
	return crawler.SURTKey(cu.URL)
}

// ShouldStore reports whether a unit's outcome is persisted. Only units that
// got a server response qualify; a 304 keeps the prior record untouched.
func ShouldStore(cu *crawler.CrawlURI) bool {
	return cu.IsSuccess() && cu.FetchStatus != http.StatusNotModified
}

// LoadPolicy decides which units consult history before fetch.
type LoadPolicy struct {
	// SkipPrerequisites leaves robots.txt and other prerequisites alone.
	SkipPrerequisites bool
}

// ShouldLoad reports whether history is loaded for cu. Default true.
func (p LoadPolicy) ShouldLoad(cu *crawler.CrawlURI) bool {
	if p.SkipPrerequisites && cu.LastHop() == crawler.HopPrerequisite {
		return false
	}
	return true
}

// RecordFor captures the storable metadata of a fetched unit.
func RecordFor(cu *crawler.CrawlURI) Record {
	rec := Record{
		Digest:          cu.ContentDigest,
		ReferenceLength: cu.ContentLength,
		Status:          cu.FetchStatus,
	}
	if cu.Response != nil && cu.Response.Headers != nil {
		rec.ETag = cu.Response.Headers.Get("ETag")
		rec.LastModified = cu.Response.Headers.Get("Last-Modified")
	}
	return rec
}

// ConditionalHeaders builds validators for a conditional fetch.
func ConditionalHeaders(rec *Record) http.Header {
	if rec == nil {
		return nil
	}
	h := http.Header{}
	if rec.ETag != "" {
		h.Set("If-None-Match", rec.ETag)
	}
	if rec.LastModified != "" {
		h.Set("If-Modified-Since", rec.LastModified)
	}
	if len(h) == 0 {
		return nil
	}
	return h
}
