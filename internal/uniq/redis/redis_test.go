package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu   sync.Mutex
	keys map[string]time.Duration
	err  error
}

func (s *fakeStore) SetNX(_ context.Context, key string, _ string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if s.keys == nil {
		s.keys = make(map[string]time.Duration)
	}
	if _, ok := s.keys[key]; ok {
		return false, nil
	}
	s.keys[key] = ttl
	return true, nil
}

func TestFilterAddUsesPrefixAndTTL(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	f := NewWithStore(store, "job1:", time.Hour)

	fresh, err := f.Add(context.Background(), "http://(com,example,)/")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = f.Add(context.Background(), "http://(com,example,)/")
	require.NoError(t, err)
	assert.False(t, fresh)

	assert.Equal(t, time.Hour, store.keys["job1:http://(com,example,)/"])
}

func TestFilterDefaultPrefix(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	f := NewWithStore(store, "", 0)
	_, err := f.Add(context.Background(), "k")
	require.NoError(t, err)
	assert.Contains(t, store.keys, "crawler:seen:k")
}

func TestFilterAddWrapsErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	f := NewWithStore(&fakeStore{err: boom}, "p:", 0)
	_, err := f.Add(context.Background(), "k")
	require.ErrorIs(t, err, boom)
}

func TestCloseWithoutClient(t *testing.T) {
	t.Parallel()

	require.NoError(t, NewWithStore(&fakeStore{}, "", 0).Close())
}
