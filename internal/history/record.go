// Package history persists last-seen fetch metadata per canonical URI key in
// the "uri_history" namespace of a BadgerDB environment. The worker pipeline
// loads a record before fetch for conditional requests and unchanged-content
// detection, and stores a fresh record after every successful fetch.
package history

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/JakeFAU/continuous-crawler/internal/crawler"
)

// Namespace is the named database holding URI history.
const Namespace = "uri_history"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is one history entry.
type Record = crawler.FetchHistory

// ErrMalformedLine is returned when a log line cannot be parsed.
var ErrMalformedLine = errors.New("malformed history line")

// EncodeRecord serializes a record for storage.
func EncodeRecord(rec Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return data, nil
}

// DecodeRecord parses a stored record.
func DecodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// FormatLine renders one log line: `<key> <base64(record)>`, no newline.
func FormatLine(key string, rec Record) (string, error) {
	data, err := EncodeRecord(rec)
	if err != nil {
		return "", err
	}
	return key + " " + base64.StdEncoding.EncodeToString(data), nil
}

// ParseLine parses a log line. The line must hold exactly two
// space-separated fields.
func ParseLine(line string) (string, Record, error) {
	parts := strings.Split(strings.TrimRight(line, "\r\n"), " ")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", Record{}, fmt.Errorf("%w: want 2 fields, got %d", ErrMalformedLine, len(parts))
	}
	data, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", Record{}, fmt.Errorf("%w: base64: %v", ErrMalformedLine, err)
	}
	rec, err := DecodeRecord(data)
	if err != nil {
		return "", Record{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	return parts[0], rec, nil
}
