package sinks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/continuous-crawler/internal/progress"
)

// JobLogSink appends events to the human-readable job log, one line per
// event in the form "<RFC3339Nano time> <LEVEL> <message>".
type JobLogSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
}

// NewJobLogSink opens (or creates) the job log at path in append mode.
func NewJobLogSink(path string) (*JobLogSink, error) {
	if path == "" {
		return nil, errors.New("job log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create job log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open job log: %w", err)
	}
	return &JobLogSink{f: f, w: bufio.NewWriter(f), path: path}, nil
}

// Path returns the file the sink writes to.
func (s *JobLogSink) Path() string {
	return s.path
}

// Consume writes and syncs the batch.
func (s *JobLogSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("job log closed")
	}
	for _, evt := range batch {
		if _, err := s.w.WriteString(FormatLine(evt)); err != nil {
			return fmt.Errorf("write job log: %w", err)
		}
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush job log: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (s *JobLogSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	s.f = nil
	if err := errors.Join(flushErr, closeErr); err != nil {
		return fmt.Errorf("close job log: %w", err)
	}
	return nil
}

// FormatLine renders one job log line, newline included. Embedded newlines
// in the message are flattened so each event stays on one line.
func FormatLine(evt progress.Event) string {
	msg := strings.ReplaceAll(evt.Message, "\n", " ")
	return fmt.Sprintf("%s %s %s\n", evt.TS.UTC().Format(time.RFC3339Nano), evt.Level, msg)
}

// LogLine is one parsed job log line.
type LogLine struct {
	TS      time.Time
	Level   progress.Level
	Message string
}

// ParseLine parses a line written by FormatLine.
func ParseLine(line string) (LogLine, error) {
	parts := strings.SplitN(strings.TrimRight(line, "\r\n"), " ", 3)
	if len(parts) < 3 {
		return LogLine{}, fmt.Errorf("malformed job log line %q", line)
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return LogLine{}, fmt.Errorf("parse job log time: %w", err)
	}
	level, err := progress.ParseLevel(parts[1])
	if err != nil {
		return LogLine{}, err
	}
	return LogLine{TS: ts, Level: level, Message: parts[2]}, nil
}

// ScanJobLog calls fn for each well-formed line of r; malformed lines are
// skipped.
func ScanJobLog(r io.Reader, fn func(LogLine)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line, err := ParseLine(scanner.Text())
		if err != nil {
			continue
		}
		fn(line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan job log: %w", err)
	}
	return nil
}

// CountMessages counts lines of the job log at path whose message starts
// with prefix. A missing file counts zero.
func CountMessages(path, prefix string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open job log: %w", err)
	}
	defer f.Close()
	n := 0
	err = ScanJobLog(f, func(line LogLine) {
		if strings.HasPrefix(line.Message, prefix) {
			n++
		}
	})
	return n, err
}
