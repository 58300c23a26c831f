package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterAdd(t *testing.T) {
	t.Parallel()

	f := New()
	fresh, err := f.Add(context.Background(), "http://(com,example,)/")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = f.Add(context.Background(), "http://(com,example,)/")
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, 1, f.Len())
}

func TestFilterConcurrentAddsAdmitOnce(t *testing.T) {
	t.Parallel()

	f := New()
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := f.Add(context.Background(), "same")
			if ok {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fresh)
}

func TestFilterKeysAndLoad(t *testing.T) {
	t.Parallel()

	src := New()
	for i := 3; i > 0; i-- {
		_, err := src.Add(context.Background(), fmt.Sprintf("k%d", i))
		require.NoError(t, err)
	}
	keys := src.Keys()
	assert.Equal(t, []string{"k1", "k2", "k3"}, keys)

	dst := New()
	dst.Load(keys)
	assert.True(t, dst.Contains("k2"))
	fresh, err := dst.Add(context.Background(), "k3")
	require.NoError(t, err)
	assert.False(t, fresh)
}
