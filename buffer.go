package pbd

import (
	"sync"

	"go.uber.org/zap"
)

// An Allocator produces a *Buffer with room for at least min bytes. Poll
// uses it to obtain destination storage when a record has to be
// decompressed before it can be handed to the caller.
type Allocator func(min int) (*Buffer, error)

// Buffer is the unit of exchange between a *Deque and its caller: a byte
// region paired with an exactly-once release of whatever backs it (heap
// memory, an anonymous map, or a slice of a mapped segment file).
//
// A Buffer returned by Poll must be discarded when the caller is done with
// it; until then the owning segment cannot be deleted. Discarding a Buffer
// twice is a caller bug: it is logged at error level, and the underlying
// release still happens only once.
type Buffer struct {
	b      []byte
	direct bool

	mu        sync.Mutex
	discarded bool
	release   func()
	onDiscard func()
	log       *zap.Logger
}

// WrapBytes wraps p in a heap-backed *Buffer whose release is a no-op.
func WrapBytes(p []byte) *Buffer {
	return &Buffer{b: p}
}

// HeapAllocator is an Allocator returning plain heap-backed buffers.
func HeapAllocator(min int) (*Buffer, error) {
	return &Buffer{b: make([]byte, min)}, nil
}

// DirectAllocator is an Allocator returning buffers whose storage lives
// outside the Go heap, in an anonymous private map. Direct buffers have an
// obtainable native address, which is what makes them eligible for block
// compression on offer.
//
// On platforms without mmap support this falls back to heap buffers.
func DirectAllocator(min int) (*Buffer, error) {
	b, free, err := allocNative(min)
	if err != nil {
		return HeapAllocator(min)
	}
	return &Buffer{b: b, direct: true, release: free}, nil
}

// Bytes returns the byte region the Buffer wraps.
func (c *Buffer) Bytes() []byte { return c.b }

// Len returns the length of the wrapped region.
func (c *Buffer) Len() int { return len(c.b) }

// Direct reports whether the region's native address is obtainable, i.e.
// whether it is backed by off-heap or mapped memory.
func (c *Buffer) Direct() bool { return c.direct }

// Discard releases the storage backing the Buffer. For buffers returned by
// Poll it additionally lets the owning segment check whether it has been
// fully drained and can be deleted.
//
// Discard may be called from any goroutine, at any time, including after
// the deque has been closed; in that case it only releases storage.
func (c *Buffer) Discard() {
	c.mu.Lock()
	if c.discarded {
		c.mu.Unlock()
		c.logger().Error("avoided double discard of pbd buffer")
		return
	}
	c.discarded = true
	c.mu.Unlock()

	if c.release != nil {
		c.release()
	}
	if c.onDiscard != nil {
		c.onDiscard()
	}
}

func (c *Buffer) logger() *zap.Logger {
	if c.log != nil {
		return c.log
	}
	return zap.L()
}

// shrink bounds the visible region to its first n bytes. Used after a
// decompression that did not fill the whole allocation.
func (c *Buffer) shrink(n int) {
	if n < len(c.b) {
		c.b = c.b[:n]
	}
}
