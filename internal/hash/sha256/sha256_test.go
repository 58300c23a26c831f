package sha256

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(got, Prefix))
	// 32 bytes -> 52 unpadded base32 characters.
	require.Len(t, strings.TrimPrefix(got, Prefix), 52)

	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, got, again)

	other, err := h.Hash([]byte("hello world!"))
	require.NoError(t, err)
	require.NotEqual(t, got, other)
}
