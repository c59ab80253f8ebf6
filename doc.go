// Package pbd provides a persistent binary deque: a durable, double-ended
// queue of opaque byte records backed by a directory of segment files.
//
// Records offered to a *Deque are appended to the current tail segment.
// Segments grow to a maximum size of 64 megabytes, after which a new segment
// is created. Records are polled from the front of the deque; a segment is
// deleted once every record in it has been polled and every buffer returned
// by Poll has been discarded. Push prepends records by creating new segments
// in front of the current head.
//
// Every segment file is named
//
//	<nonce>.<id>.pbd
//
// where nonce is the caller-supplied prefix passed to New, and id is a
// signed decimal segment number. Segment ids are dense: on reopen, a gap in
// the id sequence is treated as data loss, and New returns an error.
//
// A deque rediscovers its contents purely by scanning its directory, so a
// process restart looks like:
//
//	d, err := pbd.New("overflow", "/var/lib/export.d")
//	if err != nil {
//		...
//	}
//
//	err = d.ParseAndTruncate(truncator)
//
// where truncator is a caller-supplied classifier that replays each record
// and decides where the known-good tail boundary lies. This is how torn
// writes from a crash are trimmed away.
//
// Two interchangeable segment backends exist: one using regular file I/O,
// and one using memory-mapped files. Both produce byte-identical files. The
// backend is selected with the MemoryMapped option, or process-wide through
// the PBD_USE_MMAP environment variable.
//
// A *Deque is safe for concurrent use; every operation takes an exclusive
// lock, so at most one goroutine is inside the deque at a time.
package pbd
