package pbd

import (
	"os"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"
)

// writeMapBytes is the length an mmapSegment maps for writing: the segment
// header plus the full frame budget. The file is shrunk back to its real
// extent on close.
const writeMapBytes = segmentHeaderBytes + segmentCapacity

// mapRef shares a mapped region between a segment and the poll buffers
// sliced out of it. The region is unmapped when the last holder releases
// it, so a buffer stays valid after its segment was closed.
type mapRef struct {
	mu   sync.Mutex
	data []byte
	refs int
}

func newMapRef(data []byte) *mapRef {
	return &mapRef{data: data, refs: 1}
}

func (r *mapRef) retain() {
	r.mu.Lock()
	r.refs++
	r.mu.Unlock()
}

func (r *mapRef) release() {
	r.mu.Lock()
	r.refs--
	last := r.refs == 0
	r.mu.Unlock()
	if last {
		_ = unmapFile(r.data)
	}
}

// mmapSegment is the memory-mapped segment backend. Appends advance a
// cursor within the map; polls of uncompressed records return slices into
// the map, pinned by a mapRef so the mapping survives until the last such
// buffer is discarded.
//
// Unlike fileSegment, the header in the map is kept current on every
// append; it costs two stores.
type mmapSegment struct {
	segmentState

	f        *os.File
	ref      *mapRef
	writeOff int64
	readOff  int64

	compressBuf []byte
}

func newMmapSegment(id int64, path string) *mmapSegment {
	return &mmapSegment{segmentState: segmentState{id: id, path: path}}
}

func (s *mmapSegment) open(forWrite bool) error {
	if s.opened {
		return errors.Errorf("segment %d is already open", s.id)
	}

	if forWrite {
		f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
		if err != nil {
			return errors.Wrap(err, "create segment file")
		}
		if err := f.Truncate(writeMapBytes); err != nil {
			f.Close()
			return errors.Wrap(err, "grow segment file")
		}
		m, err := mapFile(f, writeMapBytes)
		if err != nil {
			f.Close()
			return err
		}
		putSegmentHeader(m, 0, 0)
		s.f = f
		s.ref = newMapRef(m)
		s.entries = 0
		s.totalBytes = 0
		s.frameBytes = 0
		s.readIdx = 0
		s.readBytes = 0
		s.writeOff = segmentHeaderBytes
		s.readOff = segmentHeaderBytes
		s.opened = true
		s.writable = true
		return nil
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
	if fi.Size() < segmentHeaderBytes {
		f.Close()
		return errors.Errorf("segment file %s is shorter than its header", s.path)
	}
	m, err := mapFile(f, int(fi.Size()))
	if err != nil {
		f.Close()
		return err
	}
	entries, size := parseSegmentHeader(m)
	s.f = f
	s.ref = newMapRef(m)
	s.entries = entries
	s.totalBytes = int64(size)
	s.writeOff = fi.Size()
	if s.readOff == 0 {
		s.readOff = segmentHeaderBytes
	}
	s.opened = true
	s.writable = false
	return nil
}

func (s *mmapSegment) reopenForAppend() error {
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
	extent := fi.Size()
	if err := f.Truncate(writeMapBytes); err != nil {
		f.Close()
		return errors.Wrap(err, "grow segment file")
	}
	m, err := mapFile(f, writeMapBytes)
	if err != nil {
		f.Close()
		return err
	}
	s.f = f
	s.ref = newMapRef(m)
	s.writeOff = extent
	s.frameBytes = extent - segmentHeaderBytes
	if s.readOff == 0 {
		s.readOff = segmentHeaderBytes
	}
	s.opened = true
	s.writable = true
	return nil
}

func (s *mmapSegment) close() error {
	if !s.opened {
		return nil
	}
	var firstErr error
	if s.writable {
		if err := syncMap(s.ref.data); err != nil {
			firstErr = err
		}
	}
	size := s.writeOff
	s.ref.release()
	s.ref = nil
	if s.writable {
		if err := s.f.Truncate(size); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "shrink segment file")
		}
	}
	if err := s.f.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "close segment file")
	}
	s.f = nil
	s.opened = false
	s.writable = false
	return firstErr
}

func (s *mmapSegment) sync() error {
	if !s.opened {
		return nil
	}
	return syncMap(s.ref.data)
}

func (s *mmapSegment) offer(c *Buffer, compress bool) (bool, error) {
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

	m := s.ref.data
	putObjectHeader(m[s.writeOff:], int32(len(stored)), flags)
	copy(m[s.writeOff+objectHeaderBytes:], stored)
	s.writeOff += int64(needed)
	s.noteAppend(len(stored), len(data))
	putSegmentHeader(m, s.entries, int32(s.totalBytes))
	s.dirty = false
	return true, nil
}

func (s *mmapSegment) offerDeferred(ds DeferredSerializer) (int, error) {
	if !s.opened || !s.writable {
		return 0, errors.Errorf("segment %d is not open for writing", s.id)
	}

	size, err := ds.SerializedSize()
	if err != nil {
		return 0, errors.Wrap(err, "serialized size")
	}
	if int64(objectHeaderBytes+size) > s.remaining() {
		return -1, nil
	}

	m := s.ref.data
	n, err := ds.Serialize(m[s.writeOff+objectHeaderBytes : s.writeOff+objectHeaderBytes+int64(size)])
	if err != nil {
		return 0, errors.Wrap(err, "serialize record")
	}
	putObjectHeader(m[s.writeOff:], int32(n), noFlags)
	s.writeOff += int64(objectHeaderBytes + n)
	s.noteAppend(n, n)
	putSegmentHeader(m, s.entries, int32(s.totalBytes))
	s.dirty = false
	return n, nil
}

func (s *mmapSegment) poll(alloc Allocator) (*Buffer, error) {
	if !s.opened {
		return nil, errors.Errorf("segment %d is not open", s.id)
	}
	if !s.hasMoreEntries() {
		return nil, nil
	}

	m := s.ref.data
	storedLen, flags := parseObjectHeader(m[s.readOff:])
	payload := m[s.readOff+objectHeaderBytes : s.readOff+objectHeaderBytes+int64(storedLen)]

	var res *Buffer
	uncompressed := int(storedLen)
	if flags&flagCompressed != 0 {
		var err error
		res, uncompressed, err = inflateRecord(payload, flags, alloc)
		if err != nil {
			return nil, err
		}
	} else {
		ref := s.ref
		ref.retain()
		res = &Buffer{b: payload, direct: true, release: ref.release}
	}

	s.readOff += int64(objectHeaderBytes) + int64(storedLen)
	s.notePoll(uncompressed)
	chainPollRelease(res, &s.segmentState)
	return res, nil
}

func (s *mmapSegment) compactConsumed() error {
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
		end = int64(len(s.ref.data))
	}

	m := s.ref.data
	copy(m[segmentHeaderBytes:], m[s.readOff:end])

	s.entries -= s.readIdx
	s.totalBytes -= s.readBytes
	s.readIdx = 0
	s.readBytes = 0
	s.writeOff = segmentHeaderBytes + (end - s.readOff)
	s.readOff = segmentHeaderBytes
	s.frameBytes = s.writeOff - segmentHeaderBytes
	putSegmentHeader(m, s.entries, int32(s.totalBytes))
	if err := syncMap(m); err != nil {
		return err
	}
	if !s.writable {
		// A writable segment is shrunk on close; a read-mode one has
		// to be shrunk here. The mapping stays larger than the file,
		// but nothing past the new extent is ever addressed.
		if err := s.f.Truncate(s.writeOff); err != nil {
			return errors.Wrap(err, "shrink segment file")
		}
	}

	if wasClosed {
		return s.close()
	}
	return nil
}

func (s *mmapSegment) closeAndDelete() error {
	if s.opened {
		s.ref.release()
		s.ref = nil
		s.f.Close()
		s.f = nil
		s.opened = false
		s.writable = false
	}
	return errors.Wrap(os.Remove(s.path), "delete segment file")
}
