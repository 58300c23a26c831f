package kafkafeed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/continuous-crawler/internal/feed"
	"github.com/JakeFAU/continuous-crawler/internal/frontier"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	fetchErr  error
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	err := r.fetchErr
	r.mu.Unlock()
	if err != nil {
		return kafka.Message{}, err
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type recordingSeeder struct {
	mu   sync.Mutex
	urls []string
}

func (s *recordingSeeder) Seed(_ context.Context, rawURL string) frontier.Disposition {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, rawURL)
	return frontier.Queued
}

func (s *recordingSeeder) URLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...)
}

func TestFeedSchedulesSeedsAndCommits(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{messages: []kafka.Message{
		{Offset: 1, Value: []byte("https://example.com/\n")},
		{Offset: 2, Value: []byte(`{"url":"https://example.org/start"}`)},
		{Offset: 3, Value: []byte(`{"url":""}`)},
		{Offset: 4, Value: []byte("   ")},
		{Offset: 5, Value: []byte(`{not json`)},
	}}
	seeder := &recordingSeeder{}
	f := NewWithReader(reader, seeder, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.Committed()) == 5 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"https://example.com/", "https://example.org/start"}, seeder.URLs())
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, reader.Committed())
	assert.True(t, reader.closed)
}

func TestFeedReturnsReaderErrors(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{fetchErr: errors.New("broker unreachable")}
	f := NewWithReader(reader, feed.SeederFunc(func(context.Context, string) frontier.Disposition {
		return frontier.Queued
	}), nil)

	err := f.Run(context.Background())
	require.ErrorContains(t, err, "broker unreachable")
	assert.True(t, reader.closed)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Topic: "seeds"}, &recordingSeeder{}, nil)
	require.Error(t, err)
	_, err = New(Config{Brokers: []string{"localhost:9092"}}, &recordingSeeder{}, nil)
	require.Error(t, err)
}
