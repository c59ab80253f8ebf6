package pbd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferReleasesExactlyOnce(t *testing.T) {
	released := 0
	c := &Buffer{b: []byte("abc"), release: func() { released++ }}

	c.Discard()
	c.Discard()
	c.Discard()

	assert.Equal(t, 1, released)
}

func TestBufferDiscardHookRunsAfterRelease(t *testing.T) {
	var order []string
	c := &Buffer{
		b:         []byte("abc"),
		release:   func() { order = append(order, "release") },
		onDiscard: func() { order = append(order, "hook") },
	}
	c.Discard()
	assert.Equal(t, []string{"release", "hook"}, order)
}

func TestWrapBytes(t *testing.T) {
	p := []byte("hello")
	c := WrapBytes(p)
	assert.Equal(t, p, c.Bytes())
	assert.Equal(t, 5, c.Len())
	assert.False(t, c.Direct())
	c.Discard() // no-op release
}

func TestHeapAllocator(t *testing.T) {
	c, err := HeapAllocator(128)
	require.NoError(t, err)
	assert.Equal(t, 128, c.Len())
	assert.False(t, c.Direct())
	c.Discard()
}

func TestDirectAllocator(t *testing.T) {
	c, err := DirectAllocator(4096)
	require.NoError(t, err)
	require.GreaterOrEqual(t, c.Len(), 4096)
	if mmapSupported {
		assert.True(t, c.Direct())
	}

	// The region has to be writable and readable.
	for i := 0; i < 4096; i++ {
		c.Bytes()[i] = byte(i)
	}
	assert.Equal(t, byte(255), c.Bytes()[255])
	c.Discard()
}
