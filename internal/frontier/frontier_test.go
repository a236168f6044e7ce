package frontier

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrontier_PushDeduplicatesAndKeepsFIFO(t *testing.T) {
	t.Parallel()

	f := New()
	require.True(t, f.Push("https://docs.example.com/a", 0))
	require.True(t, f.Push("https://docs.example.com/b", 1))
	require.False(t, f.Push("https://docs.example.com/a", 2))
	require.Equal(t, 2, f.Len())
	require.Equal(t, 2, f.Accepted())

	item, ok := f.Pop()
	require.True(t, ok)
	require.Equal(t, Item{URL: "https://docs.example.com/a", Depth: 0, Discovery: 0}, item)

	// Popped URLs stay seen.
	require.False(t, f.Push("https://docs.example.com/a", 0))

	item, ok = f.Pop()
	require.True(t, ok)
	require.Equal(t, Item{URL: "https://docs.example.com/b", Depth: 1, Discovery: 1}, item)

	_, ok = f.Pop()
	require.False(t, ok)
	require.Equal(t, 0, f.Len())

	require.True(t, f.Push("https://docs.example.com/c", 1))
	item, ok = f.Pop()
	require.True(t, ok)
	require.Equal(t, 2, item.Discovery)
}

func TestFrontier_MarkSeen(t *testing.T) {
	t.Parallel()

	f := New()
	f.MarkSeen("https://docs.example.com/redirected")
	require.True(t, f.Seen("https://docs.example.com/redirected"))
	require.False(t, f.Push("https://docs.example.com/redirected", 0))
	require.Equal(t, 0, f.Len())
	require.False(t, f.Seen("https://docs.example.com/other"))
}

func TestFrontier_ManyURLsNeverDropped(t *testing.T) {
	t.Parallel()

	f := New()
	const n = 20000
	for i := range n {
		require.True(t, f.Push(fmt.Sprintf("https://docs.example.com/p/%d", i), 1))
	}
	require.Equal(t, n, f.Len())
}
