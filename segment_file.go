package pbd

import (
	"os"

	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"
)

// fileSegment is the regular-I/O segment backend. Frames are assembled in a
// reusable scratch buffer and written with positioned writes, so the tail
// segment can be polled while it is still being appended to. The header is
// flushed lazily, on close or sync.
type fileSegment struct {
	segmentState

	f        *os.File
	writeOff int64
	readOff  int64

	frameBuf    []byte
	compressBuf []byte
}

func newFileSegment(id int64, path string) *fileSegment {
	return &fileSegment{segmentState: segmentState{id: id, path: path}}
}

func (s *fileSegment) open(forWrite bool) error {
	if s.opened {
		return errors.Errorf("segment %d is already open", s.id)
	}

	if forWrite {
		f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
		if err != nil {
			return errors.Wrap(err, "create segment file")
		}
		var hdr [segmentHeaderBytes]byte
		if _, err := f.WriteAt(hdr[:], 0); err != nil {
			f.Close()
			return errors.Wrap(err, "write segment header")
		}
		s.f = f
		s.entries = 0
		s.totalBytes = 0
		s.frameBytes = 0
		s.readIdx = 0
		s.readBytes = 0
		s.writeOff = segmentHeaderBytes
		s.readOff = segmentHeaderBytes
		s.opened = true
		s.writable = true
		s.dirty = false
		return nil
	}

	f, err := os.OpenFile(s.path, os.O_RDWR, 0666)
	if err != nil {
		return errors.Wrap(err, "open segment file")
	}
	var hdr [segmentHeaderBytes]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		f.Close()
		return errors.Wrap(err, "read segment header")
	}
	entries, size := parseSegmentHeader(hdr[:])
	s.f = f
	s.entries = entries
	s.totalBytes = int64(size)
	if s.readOff == 0 {
		s.readOff = segmentHeaderBytes
	}
	s.opened = true
	s.writable = false
	return nil
}

func (s *fileSegment) reopenForAppend() error {
	if s.opened {
		if s.writable {
			return nil
		}
		return errors.Errorf("segment %d is open for reading", s.id)
	}
	f, err := os.OpenFile(s.path, os.O_RDWR, 0666)
	if err != nil {
		return errors.Wrap(err, "open segment file")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrap(err, "stat segment file")
	}
	s.f = f
	s.writeOff = fi.Size()
	s.frameBytes = fi.Size() - segmentHeaderBytes
	if s.readOff == 0 {
		s.readOff = segmentHeaderBytes
	}
	s.opened = true
	s.writable = true
	s.dirty = false
	return nil
}

func (s *fileSegment) writeHeader() error {
	var hdr [segmentHeaderBytes]byte
	putSegmentHeader(hdr[:], s.entries, int32(s.totalBytes))
	if _, err := s.f.WriteAt(hdr[:], 0); err != nil {
		return errors.Wrap(err, "write segment header")
	}
	s.dirty = false
	return nil
}

func (s *fileSegment) close() error {
	if !s.opened {
		return nil
	}
	if s.dirty {
		if err := s.writeHeader(); err != nil {
			return err
		}
	}
	err := s.f.Close()
	s.f = nil
	s.opened = false
	s.writable = false
	return errors.Wrap(err, "close segment file")
}

func (s *fileSegment) sync() error {
	if !s.opened {
		return nil
	}
	if s.dirty {
		if err := s.writeHeader(); err != nil {
			return err
		}
	}
	return errors.Wrap(s.f.Sync(), "fsync segment")
}

func (s *fileSegment) offer(c *Buffer, compress bool) (bool, error) {
	if !s.opened || !s.writable {
		return false, errors.Errorf("segment %d is not open for writing", s.id)
	}

	data := c.Bytes()
	stored := data
	flags := int32(noFlags)
	if compress {
		s.compressBuf = s2.EncodeSnappy(s.compressBuf[:0], data)
		stored = s.compressBuf
		flags = flagCompressed
	}

	needed := objectHeaderBytes + len(stored)
	if int64(needed) > s.remaining() {
		return false, nil
	}

	if cap(s.frameBuf) < needed {
		s.frameBuf = make([]byte, needed)
	}
	frame := s.frameBuf[:needed]
	putObjectHeader(frame, int32(len(stored)), flags)
	copy(frame[objectHeaderBytes:], stored)

	if _, err := s.f.WriteAt(frame, s.writeOff); err != nil {
		return false, errors.Wrap(err, "append record")
	}
	s.writeOff += int64(needed)
	s.noteAppend(len(stored), len(data))
	return true, nil
}

func (s *fileSegment) offerDeferred(ds DeferredSerializer) (int, error) {
	if !s.opened || !s.writable {
		return 0, errors.Errorf("segment %d is not open for writing", s.id)
	}

	size, err := ds.SerializedSize()
	if err != nil {
		return 0, errors.Wrap(err, "serialized size")
	}
	needed := objectHeaderBytes + size
	if int64(needed) > s.remaining() {
		return -1, nil
	}

	if cap(s.frameBuf) < needed {
		s.frameBuf = make([]byte, needed)
	}
	frame := s.frameBuf[:needed]
	n, err := ds.Serialize(frame[objectHeaderBytes : objectHeaderBytes+size])
	if err != nil {
		return 0, errors.Wrap(err, "serialize record")
	}
	putObjectHeader(frame, int32(n), noFlags)

	if _, err := s.f.WriteAt(frame[:objectHeaderBytes+n], s.writeOff); err != nil {
		return 0, errors.Wrap(err, "append record")
	}
	s.writeOff += int64(objectHeaderBytes + n)
	s.noteAppend(n, n)
	return n, nil
}

func (s *fileSegment) poll(alloc Allocator) (*Buffer, error) {
	if !s.opened {
		return nil, errors.Errorf("segment %d is not open", s.id)
	}
	if !s.hasMoreEntries() {
		return nil, nil
	}

	var hdr [objectHeaderBytes]byte
	if _, err := s.f.ReadAt(hdr[:], s.readOff); err != nil {
		return nil, errors.Wrap(err, "read record header")
	}
	storedLen, flags := parseObjectHeader(hdr[:])

	payload := make([]byte, storedLen)
	if _, err := s.f.ReadAt(payload, s.readOff+objectHeaderBytes); err != nil {
		return nil, errors.Wrap(err, "read record payload")
	}

	res, uncompressed, err := inflateRecord(payload, flags, alloc)
	if err != nil {
		return nil, err
	}

	s.readOff += int64(objectHeaderBytes) + int64(storedLen)
	s.notePoll(uncompressed)
	chainPollRelease(res, &s.segmentState)
	return res, nil
}

func (s *fileSegment) compactConsumed() error {
	if s.readIdx == 0 || s.isBeingPolled() {
		return nil
	}
	wasClosed := !s.opened
	if wasClosed {
		if err := s.open(false); err != nil {
			return err
		}
	}

	end := s.writeOff
	if !s.writable {
		fi, err := s.f.Stat()
		if err != nil {
			return errors.Wrap(err, "stat segment file")
		}
		end = fi.Size()
	}

	remaining := make([]byte, end-s.readOff)
	if len(remaining) > 0 {
		if _, err := s.f.ReadAt(remaining, s.readOff); err != nil {
			return errors.Wrap(err, "read unconsumed records")
		}
		if _, err := s.f.WriteAt(remaining, segmentHeaderBytes); err != nil {
			return errors.Wrap(err, "rewrite unconsumed records")
		}
	}

	s.entries -= s.readIdx
	s.totalBytes -= s.readBytes
	s.readIdx = 0
	s.readBytes = 0
	s.readOff = segmentHeaderBytes
	s.writeOff = segmentHeaderBytes + int64(len(remaining))
	s.frameBytes = int64(len(remaining))
	if err := s.writeHeader(); err != nil {
		return err
	}
	if err := s.f.Truncate(s.writeOff); err != nil {
		return errors.Wrap(err, "shrink segment file")
	}

	if wasClosed {
		return s.close()
	}
	return nil
}

func (s *fileSegment) closeAndDelete() error {
	if s.opened {
		s.f.Close()
		s.f = nil
		s.opened = false
		s.writable = false
	}
	return errors.Wrap(os.Remove(s.path), "delete segment file")
}

// inflateRecord turns a stored payload into the Buffer handed to the
// caller, decompressing via alloc-provided storage when the compressed flag
// is set. The second return value is the uncompressed payload length.
func inflateRecord(payload []byte, flags int32, alloc Allocator) (*Buffer, int, error) {
	if flags&flagCompressed == 0 {
		return &Buffer{b: payload}, len(payload), nil
	}

	n, err := s2.DecodedLen(payload)
	if err != nil {
		return nil, 0, errors.Wrap(err, "decoded length")
	}
	out, err := alloc(n)
	if err != nil {
		return nil, 0, errors.Wrap(err, "allocate poll buffer")
	}
	if _, err := s2.Decode(out.Bytes()[:n], payload); err != nil {
		out.Discard()
		return nil, 0, errors.Wrap(err, "decompress record")
	}
	out.shrink(n)
	return out, n, nil
}

// chainPollRelease arranges for the segment's outstanding-poll count to
// drop when the buffer is discarded, after its storage release runs.
func chainPollRelease(c *Buffer, st *segmentState) {
	release := c.release
	c.release = func() {
		if release != nil {
			release()
		}
		st.polls.Add(-1)
	}
}
