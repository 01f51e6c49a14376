package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torrhive/harvester/internal/archive/memory"
)

func TestPutObjectStoresCopy(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	payload := []byte("hello")

	uri, err := store.PutObject(context.Background(), "a/b.txt", "text/plain", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://a/b.txt", uri)

	payload[0] = 'X'
	data, ok := store.Get("a/b.txt")
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data)
	require.Equal(t, 1, store.Len())
}
