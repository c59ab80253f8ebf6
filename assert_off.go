//go:build !pbddebug

package pbd

// assertionsEnabled gates the count-consistency walk in Deque.assertions.
// Build with -tags pbddebug to turn it on.
const assertionsEnabled = false
