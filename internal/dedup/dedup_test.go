package dedup

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_Seen(t *testing.T) {
	c, err := New(10, nil)
	require.NoError(t, err)

	assert.False(t, c.Seen(Key("s1", "e1")))
	assert.True(t, c.Seen(Key("s1", "e1")))
	// same event under another subscription is a distinct key
	assert.False(t, c.Seen(Key("s2", "e1")))
	assert.Equal(t, 2, c.Len())

	_, ok := c.FirstSeen(Key("s1", "e1"))
	assert.True(t, ok)
}

func TestCache_EvictionForgetsOldest(t *testing.T) {
	var evictions atomic.Int32
	c, err := New(2, func() { evictions.Add(1) })
	require.NoError(t, err)

	assert.False(t, c.Seen("a"))
	assert.False(t, c.Seen("b"))
	// a lookup must not refresh "a"
	assert.True(t, c.Seen("a"))
	assert.False(t, c.Seen("c"))

	assert.Equal(t, int32(1), evictions.Load())
	assert.Equal(t, 2, c.Len())

	// "a" was the oldest insertion and is gone: a re-send is accepted as new
	assert.False(t, c.Seen("a"))
	assert.True(t, c.Seen("c"))
}

func TestCache_Purge(t *testing.T) {
	c, err := New(4, nil)
	require.NoError(t, err)

	c.Seen("a")
	c.Seen("b")
	c.Purge()
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Seen("a"))
}

func TestCache_InvalidSize(t *testing.T) {
	_, err := New(0, nil)
	assert.Error(t, err)
}

func TestCache_ConcurrentSeenAcceptsOnce(t *testing.T) {
	c, err := New(100, nil)
	require.NoError(t, err)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("same") {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
}
