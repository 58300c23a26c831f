// Package feed holds what the seed feeds share: the Seeder they hand URLs
// to and the message format they accept.
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/JakeFAU/continuous-crawler/internal/frontier"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Seeder admits a seed into the crawl.
type Seeder interface {
	Seed(ctx context.Context, rawURL string) frontier.Disposition
}

// SeederFunc adapts a function to Seeder.
type SeederFunc func(ctx context.Context, rawURL string) frontier.Disposition

// Seed calls f.
func (f SeederFunc) Seed(ctx context.Context, rawURL string) frontier.Disposition {
	return f(ctx, rawURL)
}

type seedMessage struct {
	URL string `json:"url"`
}

// ParseSeed extracts the URL from a message body: either a bare URL or a
// JSON object {"url": "..."}.
func ParseSeed(value []byte) (string, error) {
	value = bytes.TrimSpace(value)
	if len(value) == 0 {
		return "", errors.New("empty message")
	}
	if value[0] == '{' {
		var m seedMessage
		if err := json.Unmarshal(value, &m); err != nil {
			return "", fmt.Errorf("decode seed json: %w", err)
		}
		value = []byte(strings.TrimSpace(m.URL))
		if len(value) == 0 {
			return "", errors.New("seed json has no url")
		}
	}
	return string(value), nil
}
