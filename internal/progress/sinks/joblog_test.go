package sinks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/continuous-crawler/internal/progress"
)

func TestJobLogSinkAppendsLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "job.log")
	sink, err := NewJobLogSink(path)
	require.NoError(t, err)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)
	runID := progress.UUIDToBytes(uuid.New())
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: ts, Level: progress.LevelInfo, Kind: progress.KindNotice, Message: "Job launched"},
		{RunID: runID, TS: ts, Level: progress.LevelWarning, Kind: progress.KindNotice, Message: "Can't pause\nwhile NASCENT"},
	}))
	require.NoError(t, sink.Close(context.Background()))
	require.NoError(t, sink.Close(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Equal(t, []string{
		"2026-03-01T12:00:00.0000005Z INFO Job launched",
		"2026-03-01T12:00:00.0000005Z WARNING Can't pause while NASCENT",
	}, lines)

	// Reopening appends rather than truncating.
	again, err := NewJobLogSink(path)
	require.NoError(t, err)
	require.NoError(t, again.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: ts, Level: progress.LevelInfo, Kind: progress.KindNotice, Message: "Job launched"},
	}))
	require.NoError(t, again.Close(context.Background()))

	n, err := CountMessages(path, "Job launched")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestJobLogSinkRejectsWritesAfterClose(t *testing.T) {
	t.Parallel()

	sink, err := NewJobLogSink(filepath.Join(t.TempDir(), "job.log"))
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	err = sink.Consume(context.Background(), []progress.Event{{Message: "late"}})
	require.Error(t, err)
}

func TestParseLine(t *testing.T) {
	t.Parallel()

	line, err := ParseLine("2026-03-01T12:00:00Z SEVERE Can't relaunch running job\n")
	require.NoError(t, err)
	require.Equal(t, progress.LevelSevere, line.Level)
	require.Equal(t, "Can't relaunch running job", line.Message)
	require.Equal(t, 2026, line.TS.Year())

	for _, bad := range []string{"", "garbage", "notatime INFO hi", "2026-03-01T12:00:00Z FINE hi"} {
		_, err := ParseLine(bad)
		require.Error(t, err, bad)
	}
}

func TestScanJobLogSkipsMalformed(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		"2026-03-01T12:00:00Z INFO Job launched",
		"not a line",
		"",
		"2026-03-01T12:00:01Z INFO Crawl running",
	}, "\n")
	var got []string
	require.NoError(t, ScanJobLog(strings.NewReader(input), func(l LogLine) {
		got = append(got, l.Message)
	}))
	require.Equal(t, []string{"Job launched", "Crawl running"}, got)
}

func TestCountMessagesMissingFile(t *testing.T) {
	t.Parallel()

	n, err := CountMessages(filepath.Join(t.TempDir(), "absent.log"), "Job launched")
	require.NoError(t, err)
	require.Zero(t, n)
}
