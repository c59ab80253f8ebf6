package pbd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"go.nesv.ca/pbd/metrics"
)

var (
	// ErrClosed is returned by operations attempted after Close or
	// CloseAndDelete.
	ErrClosed = errors.New("pbd: deque is closed")

	// ErrTooBig is returned when a single record cannot fit in an empty
	// segment. See MaxObjectSize.
	ErrTooBig = errors.Errorf("pbd: maximum object size is %d bytes", MaxObjectSize)

	errNilLogger    = errors.New("pbd: nil logger")
	errNilCollector = errors.New("pbd: nil metrics collector")
)

// Deque is a persistent, double-ended queue of opaque binary records,
// backed by segment files in a single directory. See the package
// documentation for the on-disk layout and lifecycle.
type Deque struct {
	nonce string
	dir   string

	log     *zap.Logger
	metrics metrics.Collector

	deleteEmpty bool
	mapped      bool

	initializedFromExisting bool

	mu       sync.Mutex
	segments []segment // ordered front to back; the last one is the write segment
	closed   atomic.Bool
	numObjs  atomic.Int64
}

// New opens the deque identified by nonce in the given directory, creating
// it if no matching segment files exist. Existing segments are discovered
// by scanning the directory; a gap in their id sequence is reported as an
// error. A fresh, empty write segment is always appended at the tail.
//
// The directory is assumed to be owned by this deque instance for the
// lifetime of the process. Two deques over the same (nonce, directory) pair
// are undefined behaviour.
func New(nonce, dir string, options ...Option) (*Deque, error) {
	d := &Deque{
		nonce:       nonce,
		dir:         dir,
		log:         zap.NewNop(),
		metrics:     metrics.Nop{},
		deleteEmpty: true,
		mapped:      envMapped(),
	}
	for _, option := range options {
		if err := option(d); err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}

	if err := checkDirPerms(dir); err != nil {
		return nil, errors.Wrapf(err, "%s is not usable", dir)
	}
	if err := d.scan(); err != nil {
		return nil, err
	}

	writeID := int64(0)
	if len(d.segments) > 0 {
		writeID = d.segments[len(d.segments)-1].segmentID() + 1
	}
	if err := d.appendWriteSegment(writeID); err != nil {
		return nil, err
	}
	d.assertions()
	return d, nil
}

func envMapped() bool {
	v := os.Getenv("PBD_USE_MMAP")
	if v == "" {
		return false
	}
	on, err := strconv.ParseBool(v)
	return err == nil && on && mmapSupported
}

func (d *Deque) newSegment(id int64) segment {
	path := filepath.Join(d.dir, segmentFileName(d.nonce, id))
	if d.mapped {
		return newMmapSegment(id, path)
	}
	return newFileSegment(id, path)
}

// scan walks the deque's directory, reopening every segment file carrying
// our nonce. Files of exactly 4 bytes are abandoned creations and are
// removed silently.
func (d *Deque) scan() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return errors.Wrap(err, "list directory")
	}

	var found []segment
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		nonce, id, ok := parseSegmentFileName(ent.Name())
		if !ok || nonce != d.nonce {
			continue
		}

		info, err := ent.Info()
		if err != nil {
			return errors.Wrap(err, "stat segment file")
		}
		full := filepath.Join(d.dir, ent.Name())
		if info.Size() == 4 {
			// A header that never received its size field: the
			// file was abandoned mid-creation.
			if err := os.Remove(full); err != nil {
				return errors.Wrap(err, "remove abandoned segment")
			}
			continue
		}

		s := d.newSegment(id)
		if err := s.open(false); err != nil {
			return errors.Wrapf(err, "reopen segment %d", id)
		}
		d.initializedFromExisting = true

		if d.deleteEmpty && s.numEntries() == 0 {
			d.log.Info("deleting empty pbd segment",
				zap.String("nonce", d.nonce),
				zap.String("file", ent.Name()))
			if err := s.closeAndDelete(); err != nil {
				return errors.Wrapf(err, "delete empty segment %d", id)
			}
			continue
		}

		d.numObjs.Add(int64(s.numEntries()))
		if err := s.close(); err != nil {
			return errors.Wrapf(err, "close segment %d", id)
		}
		found = append(found, s)
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].segmentID() < found[j].segmentID()
	})
	for i := 1; i < len(found); i++ {
		prev, cur := found[i-1].segmentID(), found[i].segmentID()
		if prev+1 != cur {
			return errors.Errorf(
				"missing %s pbd segments between %d and %d in directory %s: the segment files found were inconsistent",
				d.nonce, prev, cur, d.dir)
		}
	}
	d.segments = found
	return nil
}

func (d *Deque) appendWriteSegment(id int64) error {
	s := d.newSegment(id)
	if err := s.open(true); err != nil {
		return errors.Wrapf(err, "create write segment %d", id)
	}
	d.metrics.SegmentCreated()
	d.segments = append(d.segments, s)
	return nil
}

// Offer appends a record at the tail, compressing it when its buffer is
// directly addressable. It is shorthand for OfferCompress(c, true).
func (d *Deque) Offer(c *Buffer) error {
	return d.OfferCompress(c, true)
}

// OfferCompress appends a record at the tail. Compression is applied only
// when allowCompression is true and the buffer's native address is
// obtainable; heap-backed buffers are always stored raw.
func (d *Deque) OfferCompress(c *Buffer, allowCompression bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assertions()
	if d.closed.Load() {
		return ErrClosed
	}

	tail := d.segments[len(d.segments)-1]
	compress := allowCompression && c.Direct()
	ok, err := tail.offer(c, compress)
	if err != nil {
		return errors.Wrap(err, "offer")
	}
	if !ok {
		tail, err = d.addSegment(tail)
		if err != nil {
			return err
		}
		ok, err = tail.offer(c, compress)
		if err != nil {
			return errors.Wrap(err, "offer")
		}
		if !ok {
			// A fresh segment has the full frame budget, so the
			// only way this record does not fit is its size.
			return ErrTooBig
		}
	}

	d.numObjs.Add(1)
	d.metrics.OfferedObject(c.Len())
	d.metrics.SetQueueDepth(int(d.numObjs.Load()))
	d.assertions()
	return nil
}

// OfferDeferred appends a record whose payload is produced by ds directly
// into segment-provided space. It returns the number of payload bytes
// written.
func (d *Deque) OfferDeferred(ds DeferredSerializer) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assertions()
	if d.closed.Load() {
		return 0, ErrClosed
	}

	tail := d.segments[len(d.segments)-1]
	written, err := tail.offerDeferred(ds)
	if err != nil {
		return 0, errors.Wrap(err, "offer deferred")
	}
	if written < 0 {
		tail, err = d.addSegment(tail)
		if err != nil {
			return 0, err
		}
		written, err = tail.offerDeferred(ds)
		if err != nil {
			return 0, errors.Wrap(err, "offer deferred")
		}
		if written < 0 {
			return 0, ErrTooBig
		}
	}

	d.numObjs.Add(1)
	d.metrics.OfferedObject(written)
	d.metrics.SetQueueDepth(int(d.numObjs.Load()))
	d.assertions()
	return written, nil
}

// addSegment rotates the tail: a drained tail is deleted outright, a new
// write segment with the next id is created, and the previous tail is
// closed unless a poll buffer still points into it. Keeping finished
// segments closed bounds the open file-descriptor count.
func (d *Deque) addSegment(tail segment) (segment, error) {
	if tail.isEmpty() {
		d.segments = d.segments[:len(d.segments)-1]
		if err := tail.closeAndDelete(); err != nil {
			return nil, errors.Wrap(err, "delete drained tail")
		}
		d.metrics.SegmentDeleted()
	}

	nextID := tail.segmentID() + 1
	next := d.newSegment(nextID)
	if err := next.open(true); err != nil {
		return nil, errors.Wrapf(err, "create segment %d", nextID)
	}
	d.metrics.SegmentCreated()

	if n := len(d.segments); n > 0 {
		if last := d.segments[n-1]; !last.isBeingPolled() {
			if err := last.close(); err != nil {
				return nil, errors.Wrap(err, "close previous tail")
			}
		}
	}
	d.segments = append(d.segments, next)
	return next, nil
}

// Push atomically prepends records at the head of the deque, preserving
// their order. The records are partitioned into segment-sized batches and
// written uncompressed into new segments created in front of the current
// front segment. The tail write segment is unchanged.
func (d *Deque) Push(objects []*Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assertions()
	if d.closed.Load() {
		return ErrClosed
	}
	if len(objects) == 0 {
		return nil
	}

	// Partition the records greedily into batches that each fit in a
	// single segment.
	var batches [][]*Buffer
	var batch []*Buffer
	available := int64(segmentCapacity)
	for _, c := range objects {
		needed := int64(objectHeaderBytes + c.Len())
		if available-needed < 0 {
			if needed > segmentCapacity {
				return ErrTooBig
			}
			batches = append(batches, batch)
			batch = nil
			available = segmentCapacity
		}
		available -= needed
		batch = append(batch, c)
	}
	batches = append(batches, batch)

	nextID := int64(0)
	if len(d.segments) > 0 {
		nextID = d.segments[0].segmentID() - 1
	}

	// Batches are written last to first: ids count down, so the first
	// batch ends up at the front of the deque.
	pushedBytes := 0
	for i := len(batches) - 1; i >= 0; i-- {
		batch := batches[i]
		s := d.newSegment(nextID)
		if err := s.open(true); err != nil {
			return errors.Wrapf(err, "create segment %d", nextID)
		}
		d.metrics.SegmentCreated()
		nextID--

		for _, c := range batch {
			ok, err := s.offer(c, false)
			if err != nil {
				return errors.Wrap(err, "push")
			}
			if !ok {
				return errors.New("pbd: failed to push object")
			}
			d.numObjs.Add(1)
			pushedBytes += c.Len()
		}

		// Pushed segments are read-only; close them now so poll
		// reopens them on demand. The check mirrors the write path:
		// only a segment that ends up as the sole segment of the
		// deque is left open for writing.
		if len(d.segments) > 0 {
			if err := s.close(); err != nil {
				return errors.Wrapf(err, "close pushed segment %d", s.segmentID())
			}
		}
		d.segments = append([]segment{s}, d.segments...)
	}

	d.metrics.PushedObjects(len(objects), pushedBytes)
	d.metrics.SetQueueDepth(int(d.numObjs.Load()))
	d.assertions()
	return nil
}

// Poll returns the front-most unread record, or (nil, nil) when the deque
// holds none. Compressed records are decompressed into storage obtained
// from alloc. The returned buffer must be discarded exactly once; the
// discard is what allows a fully-consumed segment to be deleted.
func (d *Deque) Poll(alloc Allocator) (*Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assertions()
	if d.closed.Load() {
		return nil, ErrClosed
	}

	var (
		res   *Buffer
		owner segment
	)
	for _, s := range d.segments {
		if s.isClosed() {
			if err := s.open(false); err != nil {
				return nil, errors.Wrapf(err, "reopen segment %d", s.segmentID())
			}
		}
		if s.hasMoreEntries() {
			var err error
			res, err = s.poll(alloc)
			if err != nil {
				return nil, err
			}
			owner = s
			break
		}
	}
	if res == nil {
		return nil, nil
	}

	d.numObjs.Add(-1)
	d.metrics.PolledObject(res.Len())
	d.metrics.SetQueueDepth(int(d.numObjs.Load()))
	d.assertions()

	res.log = d.log
	res.onDiscard = d.discardHook(owner)
	return res, nil
}

// discardHook runs when a polled buffer is discarded: once the owning
// segment is fully drained, and it is not the write segment, it is removed
// from the deque and its file deleted. After the deque is closed the hook
// does nothing; the buffer's storage release already happened.
func (d *Deque) discardHook(s segment) func() {
	return func() {
		if d.closed.Load() {
			return
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed.Load() || !s.isEmpty() {
			return
		}
		if n := len(d.segments); n > 0 && d.segments[n-1] == s {
			// Never delete the write segment.
			return
		}
		for i, cur := range d.segments {
			if cur == s {
				d.segments = append(d.segments[:i], d.segments[i+1:]...)
				if err := s.closeAndDelete(); err != nil {
					d.log.Error("closing and deleting pbd segment",
						zap.String("file", s.file()),
						zap.Error(err))
				}
				d.metrics.SegmentDeleted()
				return
			}
		}
	}
}

// Sync forces every open segment's written data to stable storage.
func (d *Deque) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return ErrClosed
	}
	for _, s := range d.segments {
		if s.isClosed() {
			continue
		}
		if err := s.sync(); err != nil {
			return errors.Wrapf(err, "sync segment %d", s.segmentID())
		}
	}
	return nil
}

// Close closes every segment, leaving all files in place. Read progress is
// made durable: records already polled and discarded will not reappear
// when the deque is reconstructed over the same directory. A segment that
// still has a Poll buffer outstanding is left as it is, so its polled records
// reappear on reconstruction. Buffers already handed out by Poll stay valid
// until discarded.
func (d *Deque) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return nil
	}
	d.closed.Store(true)
	for _, s := range d.segments {
		if err := s.compactConsumed(); err != nil {
			return errors.Wrapf(err, "compact segment %d", s.segmentID())
		}
		if err := s.close(); err != nil {
			return errors.Wrapf(err, "close segment %d", s.segmentID())
		}
	}
	return nil
}

// CloseAndDelete closes every segment and deletes its backing file.
func (d *Deque) CloseAndDelete() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return nil
	}
	d.closed.Store(true)
	for _, s := range d.segments {
		if err := s.closeAndDelete(); err != nil {
			return errors.Wrapf(err, "delete segment %d", s.segmentID())
		}
		d.metrics.SegmentDeleted()
	}
	return nil
}

// IsEmpty reports whether no segment holds an unread record. Closed
// segments are briefly opened to consult their headers.
func (d *Deque) IsEmpty() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assertions()
	if d.closed.Load() {
		return false, ErrClosed
	}

	for _, s := range d.segments {
		wasClosed := s.isClosed()
		if wasClosed {
			if err := s.open(false); err != nil {
				return false, errors.Wrapf(err, "reopen segment %d", s.segmentID())
			}
		}
		more := s.hasMoreEntries()
		if wasClosed {
			if err := s.close(); err != nil {
				return false, errors.Wrapf(err, "close segment %d", s.segmentID())
			}
		}
		if more {
			return false, nil
		}
	}
	return true, nil
}

// SizeInBytes returns the sum of uncompressed payload bytes of all unread
// records. It is not a substitute for IsEmpty: after a crash the byte total
// can diverge from the object count.
func (d *Deque) SizeInBytes() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assertions()

	var size int64
	for _, s := range d.segments {
		wasClosed := s.isClosed()
		if wasClosed {
			if err := s.open(false); err != nil {
				return 0, errors.Wrapf(err, "reopen segment %d", s.segmentID())
			}
		}
		size += s.uncompressedBytesToRead()
		if wasClosed {
			if err := s.close(); err != nil {
				return 0, errors.Wrapf(err, "close segment %d", s.segmentID())
			}
		}
	}
	return size, nil
}

// NumObjects returns the number of unread records across all segments. It
// may be read without synchronization, with no ordering guarantees against
// concurrent operations.
func (d *Deque) NumObjects() int {
	return int(d.numObjs.Load())
}

// InitializedFromExistingFiles reports whether New found segment files from
// a previous incarnation of this deque.
func (d *Deque) InitializedFromExistingFiles() bool {
	return d.initializedFromExisting
}

// assertions verifies that the unread-record counter matches the sum
// derived from segment headers. It only runs in builds with the pbddebug
// tag.
func (d *Deque) assertions() {
	if !assertionsEnabled || d.closed.Load() {
		return
	}
	var n int64
	for _, s := range d.segments {
		wasClosed := s.isClosed()
		if wasClosed {
			if err := s.open(false); err != nil {
				panic(err)
			}
		}
		n += int64(s.numEntries() - s.readIndex())
		if wasClosed {
			_ = s.close()
		}
	}
	if objs := d.numObjs.Load(); n != objs {
		panic(fmt.Sprintf("pbd: unread record count diverged: %d != %d", n, objs))
	}
}

// ParseAndTruncate replays every record front to back, handing each to the
// truncator. At the first record the truncator rejects, the containing
// segment is rewritten in place up to the boundary, every later segment is
// deleted, and a fresh write segment is appended. When the truncator keeps
// everything the deque is left untouched.
//
// The boundary rewrite happens in place and is not atomic against a crash.
func (d *Deque) ParseAndTruncate(t Truncator) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assertions()
	if d.closed.Load() {
		return ErrClosed
	}
	if len(d.segments) == 0 {
		d.log.Debug("pbd has no finished segments", zap.String("nonce", d.nonce))
		return nil
	}

	scratch, err := DirectAllocator(512 * 1024)
	if err != nil {
		return errors.Wrap(err, "allocate decompression buffer")
	}
	defer func() { scratch.Discard() }()

	var lastKept *int64
	for _, s := range d.segments {
		stop, err := d.truncateSegment(s, t, &scratch, &lastKept)
		if err != nil {
			// The scan may have closed the write segment already;
			// give it its append mapping back so the deque stays
			// usable after a failed recovery pass.
			d.reopenTail()
			return err
		}
		if stop {
			break
		}
	}
	if lastKept == nil {
		// The truncator kept every record. The scan closed every
		// segment on its way through, so reopen the tail for appends.
		tail := d.segments[len(d.segments)-1]
		if err := tail.reopenForAppend(); err != nil {
			return errors.Wrapf(err, "reopen write segment %d", tail.segmentID())
		}
		d.assertions()
		return nil
	}

	// Delete everything strictly past the truncation point, walking
	// backward from the tail.
	for i := len(d.segments) - 1; i >= 0; i-- {
		s := d.segments[i]
		if s.segmentID() <= *lastKept {
			break
		}
		d.numObjs.Add(-int64(s.numEntries() - s.readIndex()))
		d.segments = d.segments[:i]
		if err := s.closeAndDelete(); err != nil {
			return errors.Wrapf(err, "delete truncated segment %d", s.segmentID())
		}
		d.metrics.SegmentDeleted()
	}

	newID := int64(0)
	if len(d.segments) > 0 {
		newID = d.segments[len(d.segments)-1].segmentID() + 1
	}
	if err := d.appendWriteSegment(newID); err != nil {
		return err
	}
	d.metrics.SetQueueDepth(int(d.numObjs.Load()))
	d.assertions()
	return nil
}

func (d *Deque) reopenTail() {
	if len(d.segments) == 0 {
		return
	}
	tail := d.segments[len(d.segments)-1]
	if !tail.isClosed() {
		return
	}
	if err := tail.reopenForAppend(); err != nil {
		d.log.Error("reopening pbd write segment",
			zap.Int64("segment", tail.segmentID()),
			zap.Error(err))
	}
}

// truncateSegment replays one segment's records against the truncator,
// rewriting the file in place if the truncation boundary falls inside it.
// It reports true when scanning should stop, with *lastKept holding the id
// of the last surviving segment.
func (d *Deque) truncateSegment(s segment, t Truncator, scratch **Buffer, lastKept **int64) (bool, error) {
	// Close the segment before mapping its file: this flushes the header
	// of a segment still open for writing, and means a rewrite below
	// cannot race the segment's own view of its counts. Poll reopens
	// closed segments on demand.
	if !s.isClosed() {
		if err := s.close(); err != nil {
			return false, errors.Wrapf(err, "close segment %d", s.segmentID())
		}
	}

	f, err := os.OpenFile(s.file(), os.O_RDWR, 0666)
	if err != nil {
		return false, errors.Wrap(err, "open segment file")
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return false, errors.Wrap(err, "stat segment file")
	}
	m, err := mapFile(f, int(fi.Size()))
	if err != nil {
		return false, err
	}
	defer func() { _ = unmapFile(m) }()

	num, _ := parseSegmentHeader(m)
	d.log.Debug("parsing pbd segment",
		zap.String("nonce", d.nonce),
		zap.Int64("segment", s.segmentID()),
		zap.Int32("objects", num))

	pos := int64(segmentHeaderBytes)
	valid := int32(0)
	for i := int32(0); i < num; i++ {
		if pos+objectHeaderBytes > int64(len(m)) {
			return false, errors.Errorf("segment %d is truncated mid-frame", s.segmentID())
		}
		storedLen, flags := parseObjectHeader(m[pos:])
		frameStart := pos
		pos += objectHeaderBytes + int64(storedLen)
		if pos > int64(len(m)) {
			return false, errors.Errorf("segment %d is truncated mid-record", s.segmentID())
		}
		payload := m[frameStart+objectHeaderBytes : pos]

		record := payload
		uncompressed := int(storedLen)
		if flags&flagCompressed != 0 {
			uncompressed, err = s2.DecodedLen(payload)
			if err != nil {
				return false, errors.Wrap(err, "decoded length")
			}
			if (*scratch).Len() < uncompressed {
				(*scratch).Discard()
				*scratch, err = DirectAllocator(uncompressed)
				if err != nil {
					return false, errors.Wrap(err, "grow decompression buffer")
				}
			}
			record, err = s2.Decode((*scratch).Bytes()[:uncompressed], payload)
			if err != nil {
				return false, errors.Wrap(err, "decompress record")
			}
		}

		resp, err := t.Parse(record)
		if err != nil {
			return false, err
		}
		if resp == nil {
			valid += int32(uncompressed)
			continue
		}

		switch resp.status {
		case statusFullTruncate:
			if i == 0 {
				// The whole segment goes; mark the previous
				// one as the survivor and let the caller's
				// deletion pass remove this file.
				id := s.segmentID() - 1
				*lastKept = &id
			} else {
				d.numObjs.Add(-int64(num - i))
				putSegmentHeader(m, i, valid)
				if err := syncMap(m); err != nil {
					return false, err
				}
				if err := f.Truncate(frameStart); err != nil {
					return false, errors.Wrap(err, "truncate segment file")
				}
			}

		case statusPartialTruncate:
			out := m[frameStart+objectHeaderBytes:]
			n, err := resp.write(out)
			if err != nil {
				return false, errors.Wrap(err, "write replacement record")
			}
			if n < 1 || n > len(out) {
				return false, errors.Errorf("replacement record length %d does not fit the remaining frame space", n)
			}
			putObjectHeader(m[frameStart:], int32(n), noFlags)
			valid += int32(n)
			d.numObjs.Add(-int64(num - i - 1))
			putSegmentHeader(m, i+1, valid)
			if err := syncMap(m); err != nil {
				return false, err
			}
			if err := f.Truncate(frameStart + objectHeaderBytes + int64(n)); err != nil {
				return false, errors.Wrap(err, "truncate segment file")
			}
		}

		if *lastKept == nil {
			id := s.segmentID()
			*lastKept = &id
		}
		return true, nil
	}
	return false, nil
}
