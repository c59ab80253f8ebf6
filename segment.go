package pbd

import (
	"encoding/binary"
	"strconv"
	"strings"
	"sync/atomic"
)

const (
	// ChunkSize sets the size limit of a single segment: its record
	// frames may take up to ChunkSize - 4 bytes, so a full segment file,
	// with its 8-byte header, is ChunkSize + 4 bytes. Once the active
	// segment cannot take another record, a new segment is started.
	ChunkSize = 64 * 1024 * 1024

	// segmentHeaderBytes is the fixed header at the start of every
	// segment file: an int32 entry count followed by an int32 total of
	// uncompressed payload bytes.
	segmentHeaderBytes = 8

	countOffset = 0
	sizeOffset  = 4

	// objectHeaderBytes is the per-record frame header: an int32 stored
	// length followed by an int32 flags word.
	objectHeaderBytes = 8

	noFlags        = 0
	flagCompressed = 1 << 0

	// segmentCapacity is the frame-byte budget of a single segment.
	segmentCapacity = ChunkSize - 4
)

// MaxObjectSize is the largest single payload that can be offered to, or
// pushed onto, a deque. Larger records cannot fit in a segment even when it
// is empty.
const MaxObjectSize = segmentCapacity - objectHeaderBytes

const segmentExt = "pbd"

// A segment is one backing file holding a contiguous run of records. The
// deque is the only mutator; a segment never outlives its deque.
//
// Two implementations exist: fileSegment (regular I/O) and mmapSegment
// (memory-mapped). They produce byte-identical files.
type segment interface {
	// open opens or creates the backing file. Opening for write creates
	// the file with a zeroed header. Opening for read parses the header.
	open(forWrite bool) error

	// reopenForAppend reopens a closed segment for further appends,
	// keeping its existing records.
	reopenForAppend() error

	// close flushes the header if it was modified, and releases the file
	// handle.
	close() error

	// sync forces written data, including the current header, to stable
	// storage.
	sync() error

	// offer appends a record, compressing it first when compress is
	// true. It reports false when the record does not fit in the
	// remaining space.
	offer(c *Buffer, compress bool) (bool, error)

	// offerDeferred appends a record whose payload is produced by ds
	// writing directly into segment-provided space. It returns the
	// number of payload bytes written, or a negative value when the
	// record does not fit.
	offerDeferred(ds DeferredSerializer) (int, error)

	// poll reads the record at the current read index, obtaining
	// destination storage from alloc when the record must be
	// decompressed.
	poll(alloc Allocator) (*Buffer, error)

	hasMoreEntries() bool
	isEmpty() bool
	isClosed() bool
	isBeingPolled() bool

	// compactConsumed rewrites the file so that already-polled records
	// are dropped from its front, making read progress durable across a
	// close/reopen cycle. It is a no-op for an unread segment, or one
	// with outstanding poll buffers.
	compactConsumed() error

	// closeAndDelete closes the segment, skipping the header flush, and
	// unlinks the backing file.
	closeAndDelete() error

	file() string
	segmentID() int64
	numEntries() int
	readIndex() int
	uncompressedBytesToRead() int64
}

// DeferredSerializer produces a record payload directly into space provided
// by the segment, avoiding an intermediate copy.
type DeferredSerializer interface {
	// SerializedSize returns an upper bound on the payload size.
	SerializedSize() (int, error)

	// Serialize writes the payload into p and returns the number of
	// bytes written.
	Serialize(p []byte) (int, error)
}

// segmentState carries the bookkeeping shared by both segment backends.
type segmentState struct {
	id   int64
	path string

	entries    int32 // records written
	readIdx    int32 // next record to poll
	totalBytes int64 // uncompressed payload bytes written (header size field)
	readBytes  int64 // uncompressed payload bytes consumed by poll

	frameBytes int64 // on-disk frame bytes, excluding the segment header

	opened   bool
	writable bool
	dirty    bool // header out of date on disk

	polls atomic.Int32 // outstanding buffers handed out by poll
}

func (s *segmentState) segmentID() int64 { return s.id }

func (s *segmentState) file() string { return s.path }

func (s *segmentState) numEntries() int { return int(s.entries) }

func (s *segmentState) readIndex() int { return int(s.readIdx) }

func (s *segmentState) isClosed() bool { return !s.opened }

func (s *segmentState) hasMoreEntries() bool {
	return s.readIdx < s.entries
}

func (s *segmentState) isBeingPolled() bool {
	return s.polls.Load() > 0
}

// isEmpty reports whether every record has been polled and every buffer
// handed out by poll has been discarded. Only such a segment may be
// deleted.
func (s *segmentState) isEmpty() bool {
	return !s.hasMoreEntries() && !s.isBeingPolled()
}

func (s *segmentState) uncompressedBytesToRead() int64 {
	return s.totalBytes - s.readBytes
}

// remaining returns the number of frame bytes still available for appends.
func (s *segmentState) remaining() int64 {
	return segmentCapacity - s.frameBytes
}

func (s *segmentState) noteAppend(storedLen, uncompressedLen int) {
	s.entries++
	s.totalBytes += int64(uncompressedLen)
	s.frameBytes += int64(objectHeaderBytes + storedLen)
	s.dirty = true
}

func (s *segmentState) notePoll(uncompressedLen int) {
	s.readIdx++
	s.readBytes += int64(uncompressedLen)
	s.polls.Add(1)
}

func putSegmentHeader(b []byte, entries, size int32) {
	binary.LittleEndian.PutUint32(b[countOffset:], uint32(entries))
	binary.LittleEndian.PutUint32(b[sizeOffset:], uint32(size))
}

func parseSegmentHeader(b []byte) (entries, size int32) {
	entries = int32(binary.LittleEndian.Uint32(b[countOffset:]))
	size = int32(binary.LittleEndian.Uint32(b[sizeOffset:]))
	return entries, size
}

func putObjectHeader(b []byte, storedLen, flags int32) {
	binary.LittleEndian.PutUint32(b[0:], uint32(storedLen))
	binary.LittleEndian.PutUint32(b[4:], uint32(flags))
}

func parseObjectHeader(b []byte) (storedLen, flags int32) {
	storedLen = int32(binary.LittleEndian.Uint32(b[0:]))
	flags = int32(binary.LittleEndian.Uint32(b[4:]))
	return storedLen, flags
}

// segmentFileName formats the basename of a segment file: <nonce>.<id>.pbd.
func segmentFileName(nonce string, id int64) string {
	return nonce + "." + strconv.FormatInt(id, 10) + "." + segmentExt
}

// parseSegmentFileName splits a file basename into its nonce and segment
// id. The nonce itself may contain dots, so the name is split from the
// right: the last component must be the "pbd" extension, the second-to-last
// is the id, and everything before is the nonce.
func parseSegmentFileName(name string) (nonce string, id int64, ok bool) {
	parts := strings.Split(name, ".")
	if len(parts) < 3 {
		return "", 0, false
	}
	if parts[len(parts)-1] != segmentExt {
		return "", 0, false
	}
	id, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return strings.Join(parts[:len(parts)-2], "."), id, true
}
