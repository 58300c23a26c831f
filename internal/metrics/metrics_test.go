package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	ObserveFetch("https://init.example/a", "OK", 10)
	assert.InDelta(t, 1, testutil.ToFloat64(crawlerFetchesTotal.WithLabelValues("init.example", "OK")), 0)
	assert.InDelta(t, 10, testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("init.example")), 0)
}

func TestFrontierHelpers(t *testing.T) {
	ObserveSchedule("test-queued")
	ObserveSchedule("test-queued")
	ObserveReturn("test-retried")
	SetFrontierGauges(7, 2, 3)

	assert.InDelta(t, 2, testutil.ToFloat64(frontierScheduledTotal.WithLabelValues("test-queued")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(frontierReturnedTotal.WithLabelValues("test-retried")), 0)
	assert.InDelta(t, 7, testutil.ToFloat64(frontierQueuedUnits), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(frontierInFlightUnits), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(frontierQueues), 0)
}

func TestCheckpointAndHistoryHelpers(t *testing.T) {
	before := testutil.ToFloat64(checkpointsTotal.WithLabelValues("failure"))
	ObserveCheckpoint(errors.New("disk full"), time.Second)
	assert.InDelta(t, before+1, testutil.ToFloat64(checkpointsTotal.WithLabelValues("failure")), 0)

	records := testutil.ToFloat64(historyFlushedRecords)
	ObserveHistoryFlush(5, nil)
	ObserveHistoryFlush(3, errors.New("write failed"))
	assert.InDelta(t, records+5, testutil.ToFloat64(historyFlushedRecords), 0)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
