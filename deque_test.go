package pbd

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type backendCase struct {
	name string
	opts []Option
}

func backendCases(t *testing.T) []backendCase {
	t.Helper()
	cases := []backendCase{{name: "file"}}
	if mmapSupported {
		cases = append(cases, backendCase{name: "mmap", opts: []Option{MemoryMapped(true)}})
	}
	return cases
}

func pbdFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, ent := range entries {
		if strings.HasSuffix(ent.Name(), ".pbd") {
			names = append(names, ent.Name())
		}
	}
	return names
}

func mustPoll(t *testing.T, d *Deque) *Buffer {
	t.Helper()
	c, err := d.Poll(HeapAllocator)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}

func TestOfferPollDiscard(t *testing.T) {
	for _, bc := range backendCases(t) {
		t.Run(bc.name, func(t *testing.T) {
			dir := t.TempDir()
			d, err := New("overflow", dir, bc.opts...)
			require.NoError(t, err)
			defer d.Close()

			payloads := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
			for _, p := range payloads {
				require.NoError(t, d.Offer(WrapBytes(p)))
			}
			assert.Equal(t, 3, d.NumObjects())

			for _, want := range payloads {
				c := mustPoll(t, d)
				assert.Equal(t, want, c.Bytes())
				c.Discard()
			}

			c, err := d.Poll(HeapAllocator)
			require.NoError(t, err)
			assert.Nil(t, c)
			assert.Equal(t, 0, d.NumObjects())
			assert.Len(t, pbdFiles(t, dir), 1)
		})
	}
}

func TestRotationAcrossSegments(t *testing.T) {
	const n = 10000

	dir := t.TempDir()
	d, err := New("overflow", dir)
	require.NoError(t, err)
	defer d.Close()

	payload := make([]byte, 8192)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint64(payload, uint64(i))
		require.NoError(t, d.Offer(WrapBytes(payload)))
	}
	require.Greater(t, len(pbdFiles(t, dir)), 1)
	require.Equal(t, n, d.NumObjects())

	for i := 0; i < n; i++ {
		c := mustPoll(t, d)
		require.Len(t, c.Bytes(), 8192)
		require.Equal(t, uint64(i), binary.LittleEndian.Uint64(c.Bytes()))
		c.Discard()
	}
	c, err := d.Poll(HeapAllocator)
	require.NoError(t, err)
	require.Nil(t, c)
}

func TestReopen(t *testing.T) {
	for _, bc := range backendCases(t) {
		t.Run(bc.name, func(t *testing.T) {
			dir := t.TempDir()

			// The nonce carries dots on purpose; the filename parser
			// has to reassemble it.
			d, err := New("export.site.0", dir, bc.opts...)
			require.NoError(t, err)
			assert.False(t, d.InitializedFromExistingFiles())

			payloads := [][]byte{
				[]byte("one"), []byte("two"), []byte("three"), []byte("four"), []byte("five"),
			}
			for _, p := range payloads {
				require.NoError(t, d.Offer(WrapBytes(p)))
			}
			require.NoError(t, d.Close())

			d, err = New("export.site.0", dir, bc.opts...)
			require.NoError(t, err)
			defer d.Close()
			assert.True(t, d.InitializedFromExistingFiles())
			assert.Equal(t, len(payloads), d.NumObjects())

			for _, want := range payloads {
				c := mustPoll(t, d)
				assert.Equal(t, want, c.Bytes())
				c.Discard()
			}
		})
	}
}

func TestReopenAfterPartialPoll(t *testing.T) {
	for _, bc := range backendCases(t) {
		t.Run(bc.name, func(t *testing.T) {
			dir := t.TempDir()
			d, err := New("overflow", dir, bc.opts...)
			require.NoError(t, err)

			for _, p := range []string{"aaa", "bbb", "ccc"} {
				require.NoError(t, d.Offer(WrapBytes([]byte(p))))
			}
			c := mustPoll(t, d)
			assert.Equal(t, []byte("aaa"), c.Bytes())
			c.Discard()
			require.NoError(t, d.Close())

			d, err = New("overflow", dir, bc.opts...)
			require.NoError(t, err)
			defer d.Close()
			assert.Equal(t, 2, d.NumObjects())

			c = mustPoll(t, d)
			assert.Equal(t, []byte("bbb"), c.Bytes())
			c.Discard()
			c = mustPoll(t, d)
			assert.Equal(t, []byte("ccc"), c.Bytes())
			c.Discard()
		})
	}
}

func TestMissingSegmentDetected(t *testing.T) {
	dir := t.TempDir()

	for i := 0; i < 3; i++ {
		d, err := New("overflow", dir)
		require.NoError(t, err)
		require.NoError(t, d.Offer(WrapBytes([]byte{byte(i)})))
		require.NoError(t, d.Close())
	}
	require.Len(t, pbdFiles(t, dir), 3)

	require.NoError(t, os.Remove(filepath.Join(dir, "overflow.1.pbd")))

	_, err := New("overflow", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing overflow pbd segments between 0 and 2")
}

func TestEmptySegmentsRemovedOnOpen(t *testing.T) {
	dir := t.TempDir()

	d, err := New("overflow", dir)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.Len(t, pbdFiles(t, dir), 1)

	d, err = New("overflow", dir)
	require.NoError(t, err)
	assert.True(t, d.InitializedFromExistingFiles())
	assert.Equal(t, 0, d.NumObjects())
	assert.Len(t, pbdFiles(t, dir), 1)
	require.NoError(t, d.Close())
}

func TestKeepEmptySegmentsOnOpen(t *testing.T) {
	dir := t.TempDir()

	d, err := New("overflow", dir)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d, err = New("overflow", dir, KeepEmpty())
	require.NoError(t, err)
	assert.Len(t, pbdFiles(t, dir), 2)
	require.NoError(t, d.Close())
}

func TestAbandonedFileRemovedOnOpen(t *testing.T) {
	dir := t.TempDir()
	abandoned := filepath.Join(dir, "overflow.7.pbd")
	require.NoError(t, os.WriteFile(abandoned, make([]byte, 4), 0666))

	d, err := New("overflow", dir)
	require.NoError(t, err)
	defer d.Close()

	_, err = os.Stat(abandoned)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, d.InitializedFromExistingFiles())
}

func TestUnrelatedFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0666))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.0.pbd"), []byte("not ours, wrong nonce"), 0666))

	d, err := New("overflow", dir)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, 0, d.NumObjects())
	assert.False(t, d.InitializedFromExistingFiles())
}

func TestMaxObjectSize(t *testing.T) {
	dir := t.TempDir()
	d, err := New("overflow", dir)
	require.NoError(t, err)
	defer d.CloseAndDelete()

	require.NoError(t, d.Offer(WrapBytes(make([]byte, MaxObjectSize))))

	err = d.Offer(WrapBytes(make([]byte, MaxObjectSize+1)))
	require.ErrorIs(t, err, ErrTooBig)

	err = d.Push([]*Buffer{WrapBytes(make([]byte, MaxObjectSize+1))})
	require.ErrorIs(t, err, ErrTooBig)
}

func TestPushOrdering(t *testing.T) {
	for _, bc := range backendCases(t) {
		t.Run(bc.name, func(t *testing.T) {
			dir := t.TempDir()
			d, err := New("overflow", dir, bc.opts...)
			require.NoError(t, err)
			defer d.Close()

			require.NoError(t, d.Offer(WrapBytes([]byte("R"))))
			require.NoError(t, d.Push([]*Buffer{WrapBytes([]byte("P")), WrapBytes([]byte("Q"))}))
			assert.Equal(t, 3, d.NumObjects())

			for _, want := range []string{"P", "Q", "R"} {
				c := mustPoll(t, d)
				assert.Equal(t, []byte(want), c.Bytes())
				c.Discard()
			}
		})
	}
}

func TestDrainedSegmentDeleted(t *testing.T) {
	for _, bc := range backendCases(t) {
		t.Run(bc.name, func(t *testing.T) {
			dir := t.TempDir()
			d, err := New("overflow", dir, bc.opts...)
			require.NoError(t, err)
			defer d.Close()

			require.NoError(t, d.Offer(WrapBytes([]byte("R"))))
			require.NoError(t, d.Push([]*Buffer{WrapBytes([]byte("P"))}))
			require.Len(t, pbdFiles(t, dir), 2)

			c := mustPoll(t, d)
			assert.Equal(t, []byte("P"), c.Bytes())
			// The pushed segment is drained but pinned until the
			// buffer is discarded.
			assert.Len(t, pbdFiles(t, dir), 2)
			c.Discard()
			assert.Len(t, pbdFiles(t, dir), 1)
		})
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	for _, bc := range backendCases(t) {
		t.Run(bc.name, func(t *testing.T) {
			dir := t.TempDir()
			d, err := New("overflow", dir, bc.opts...)
			require.NoError(t, err)

			payload := bytes.Repeat([]byte("abcdefgh"), 512)

			direct, err := DirectAllocator(len(payload))
			require.NoError(t, err)
			copy(direct.Bytes(), payload)
			require.NoError(t, d.Offer(direct))
			direct.Discard()

			require.NoError(t, d.Offer(WrapBytes(payload)))

			size, err := d.SizeInBytes()
			require.NoError(t, err)
			assert.Equal(t, int64(2*len(payload)), size)
			require.NoError(t, d.Close())

			// Survive a reopen, and decompress through both
			// allocator flavours.
			d, err = New("overflow", dir, bc.opts...)
			require.NoError(t, err)
			defer d.Close()

			c, err := d.Poll(DirectAllocator)
			require.NoError(t, err)
			require.NotNil(t, c)
			assert.Equal(t, payload, c.Bytes())
			c.Discard()

			c = mustPoll(t, d)
			assert.Equal(t, payload, c.Bytes())
			c.Discard()
		})
	}
}

func TestCompressionShrinksStoredBytes(t *testing.T) {
	if !mmapSupported {
		t.Skip("direct buffers unavailable")
	}
	dir := t.TempDir()
	d, err := New("overflow", dir)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("abcdefgh"), 512)
	direct, err := DirectAllocator(len(payload))
	require.NoError(t, err)
	copy(direct.Bytes(), payload)
	require.NoError(t, d.Offer(direct))
	direct.Discard()
	require.NoError(t, d.Close())

	fi, err := os.Stat(filepath.Join(dir, "overflow.0.pbd"))
	require.NoError(t, err)
	assert.Less(t, fi.Size(), int64(segmentHeaderBytes+objectHeaderBytes+len(payload)))
}

type testSerializer struct {
	data []byte
}

func (s testSerializer) SerializedSize() (int, error) { return len(s.data), nil }

func (s testSerializer) Serialize(p []byte) (int, error) { return copy(p, s.data), nil }

func TestOfferDeferred(t *testing.T) {
	for _, bc := range backendCases(t) {
		t.Run(bc.name, func(t *testing.T) {
			dir := t.TempDir()
			d, err := New("overflow", dir, bc.opts...)
			require.NoError(t, err)
			defer d.Close()

			n, err := d.OfferDeferred(testSerializer{data: []byte("hello")})
			require.NoError(t, err)
			assert.Equal(t, 5, n)

			c := mustPoll(t, d)
			assert.Equal(t, []byte("hello"), c.Bytes())
			c.Discard()
		})
	}
}

func TestIsEmptyAndSizeInBytes(t *testing.T) {
	dir := t.TempDir()
	d, err := New("overflow", dir)
	require.NoError(t, err)

	empty, err := d.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, d.Offer(WrapBytes([]byte("abcd"))))
	empty, err = d.IsEmpty()
	require.NoError(t, err)
	assert.False(t, empty)

	size, err := d.SizeInBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(4), size)

	require.NoError(t, d.Close())
	_, err = d.IsEmpty()
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, d.Offer(WrapBytes([]byte("x"))), ErrClosed)
	_, err = d.Poll(HeapAllocator)
	require.ErrorIs(t, err, ErrClosed)
}

func TestCloseAndDelete(t *testing.T) {
	dir := t.TempDir()
	d, err := New("overflow", dir)
	require.NoError(t, err)
	require.NoError(t, d.Offer(WrapBytes([]byte("abcd"))))
	require.NoError(t, d.CloseAndDelete())
	assert.Empty(t, pbdFiles(t, dir))
}

func TestDiscardAfterClose(t *testing.T) {
	for _, bc := range backendCases(t) {
		t.Run(bc.name, func(t *testing.T) {
			dir := t.TempDir()
			d, err := New("overflow", dir, bc.opts...)
			require.NoError(t, err)

			require.NoError(t, d.Offer(WrapBytes([]byte("abcd"))))
			c := mustPoll(t, d)
			require.NoError(t, d.Close())

			// Only releases storage; the deque is gone.
			c.Discard()
			assert.Len(t, pbdFiles(t, dir), 1)
		})
	}
}

func TestDoubleDiscardLoggedOnce(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)

	dir := t.TempDir()
	d, err := New("overflow", dir, Logger(zap.New(core)))
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Offer(WrapBytes([]byte("abcd"))))
	c := mustPoll(t, d)
	c.Discard()
	c.Discard()

	assert.Equal(t, 1, logs.FilterMessage("avoided double discard of pbd buffer").Len())
	assert.Equal(t, 0, d.NumObjects())
}

func TestNumObjectsConsistency(t *testing.T) {
	dir := t.TempDir()
	d, err := New("overflow", dir)
	require.NoError(t, err)
	defer d.Close()

	offered, polled := 0, 0
	for i := 0; i < 100; i++ {
		require.NoError(t, d.Offer(WrapBytes([]byte{byte(i)})))
		offered++
		require.Equal(t, offered-polled, d.NumObjects())

		if i%3 == 0 {
			c := mustPoll(t, d)
			c.Discard()
			polled++
			require.Equal(t, offered-polled, d.NumObjects())
		}
	}

	size, err := d.SizeInBytes()
	require.NoError(t, err)
	require.Equal(t, int64(offered-polled), size)
}

func keepAll(record []byte) (*TruncatorResponse, error) { return nil, nil }

func TestParseAndTruncateKeepsEverything(t *testing.T) {
	for _, bc := range backendCases(t) {
		t.Run(bc.name, func(t *testing.T) {
			dir := t.TempDir()
			d, err := New("overflow", dir, bc.opts...)
			require.NoError(t, err)
			defer d.Close()

			for i := 0; i < 5; i++ {
				require.NoError(t, d.Offer(WrapBytes([]byte{byte('0' + i)})))
			}
			require.NoError(t, d.ParseAndTruncate(TruncatorFunc(keepAll)))
			assert.Equal(t, 5, d.NumObjects())

			// The write segment has to survive a no-op recovery.
			require.NoError(t, d.Offer(WrapBytes([]byte("x"))))
			assert.Equal(t, 6, d.NumObjects())

			for _, want := range []string{"0", "1", "2", "3", "4", "x"} {
				c := mustPoll(t, d)
				assert.Equal(t, []byte(want), c.Bytes())
				c.Discard()
			}
		})
	}
}

func TestParseAndTruncateFull(t *testing.T) {
	for _, bc := range backendCases(t) {
		t.Run(bc.name, func(t *testing.T) {
			dir := t.TempDir()
			d, err := New("overflow", dir, bc.opts...)
			require.NoError(t, err)
			defer d.Close()

			var payloads [][]byte
			for i := 0; i < 10; i++ {
				p := []byte{byte('0' + i), 0xaa, 0xbb}
				payloads = append(payloads, p)
				require.NoError(t, d.Offer(WrapBytes(p)))
			}

			err = d.ParseAndTruncate(TruncatorFunc(func(record []byte) (*TruncatorResponse, error) {
				if record[0] == '5' {
					return FullTruncate(), nil
				}
				return nil, nil
			}))
			require.NoError(t, err)
			assert.Equal(t, 5, d.NumObjects())

			require.NoError(t, d.Offer(WrapBytes([]byte("X"))))

			for _, want := range payloads[:5] {
				c := mustPoll(t, d)
				assert.Equal(t, want, c.Bytes())
				c.Discard()
			}
			c := mustPoll(t, d)
			assert.Equal(t, []byte("X"), c.Bytes())
			c.Discard()
		})
	}
}

func TestParseAndTruncateRewritesHeader(t *testing.T) {
	dir := t.TempDir()
	d, err := New("overflow", dir)
	require.NoError(t, err)
	defer d.Close()

	var kept int64
	for i := 0; i < 10; i++ {
		p := []byte{byte('0' + i), 0xaa, 0xbb}
		require.NoError(t, d.Offer(WrapBytes(p)))
		if i < 5 {
			kept += int64(len(p))
		}
	}

	err = d.ParseAndTruncate(TruncatorFunc(func(record []byte) (*TruncatorResponse, error) {
		if record[0] == '5' {
			return FullTruncate(), nil
		}
		return nil, nil
	}))
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "overflow.0.pbd"))
	require.NoError(t, err)
	entries, size := parseSegmentHeader(raw)
	assert.Equal(t, int32(5), entries)
	assert.Equal(t, int32(kept), size)
	assert.Equal(t, segmentHeaderBytes+5*objectHeaderBytes+int(kept), len(raw))
}

func TestParseAndTruncatePartial(t *testing.T) {
	for _, bc := range backendCases(t) {
		t.Run(bc.name, func(t *testing.T) {
			dir := t.TempDir()
			d, err := New("overflow", dir, bc.opts...)
			require.NoError(t, err)
			defer d.Close()

			for _, p := range []string{"aaa", "bbb", "ccc"} {
				require.NoError(t, d.Offer(WrapBytes([]byte(p))))
			}

			err = d.ParseAndTruncate(TruncatorFunc(func(record []byte) (*TruncatorResponse, error) {
				if record[0] == 'b' {
					return PartialTruncateBytes([]byte("zz")), nil
				}
				return nil, nil
			}))
			require.NoError(t, err)
			assert.Equal(t, 2, d.NumObjects())

			c := mustPoll(t, d)
			assert.Equal(t, []byte("aaa"), c.Bytes())
			c.Discard()
			c = mustPoll(t, d)
			assert.Equal(t, []byte("zz"), c.Bytes())
			c.Discard()

			c, err = d.Poll(HeapAllocator)
			require.NoError(t, err)
			assert.Nil(t, c)
		})
	}
}

func TestParseAndTruncateDeletesWholeSegment(t *testing.T) {
	dir := t.TempDir()
	d, err := New("overflow", dir)
	require.NoError(t, err)
	defer d.Close()

	// A pushed segment in front of the write segment; rejecting its
	// first record drops both it and everything after it.
	require.NoError(t, d.Offer(WrapBytes([]byte("R"))))
	require.NoError(t, d.Push([]*Buffer{WrapBytes([]byte("P"))}))
	require.Equal(t, 2, d.NumObjects())

	err = d.ParseAndTruncate(TruncatorFunc(func(record []byte) (*TruncatorResponse, error) {
		if record[0] == 'P' {
			return FullTruncate(), nil
		}
		return nil, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, 0, d.NumObjects())

	c, err := d.Poll(HeapAllocator)
	require.NoError(t, err)
	assert.Nil(t, c)

	require.NoError(t, d.Offer(WrapBytes([]byte("Y"))))
	c = mustPoll(t, d)
	assert.Equal(t, []byte("Y"), c.Bytes())
	c.Discard()
}

func TestParseAndTruncatePropagatesTruncatorError(t *testing.T) {
	dir := t.TempDir()
	d, err := New("overflow", dir)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Offer(WrapBytes([]byte("r"))))

	boom := errors.New("torn record")
	err = d.ParseAndTruncate(TruncatorFunc(func(record []byte) (*TruncatorResponse, error) {
		return nil, boom
	}))
	require.ErrorIs(t, err, boom)

	// The deque has to stay usable after a failed recovery pass.
	require.NoError(t, d.Offer(WrapBytes([]byte("s"))))
}

func TestReopenSurvivesTruncation(t *testing.T) {
	dir := t.TempDir()
	d, err := New("overflow", dir)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, d.Offer(WrapBytes([]byte{byte('0' + i)})))
	}
	err = d.ParseAndTruncate(TruncatorFunc(func(record []byte) (*TruncatorResponse, error) {
		if record[0] == '2' {
			return FullTruncate(), nil
		}
		return nil, nil
	}))
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d, err = New("overflow", dir)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, 2, d.NumObjects())
	for _, want := range []string{"0", "1"} {
		c := mustPoll(t, d)
		assert.Equal(t, []byte(want), c.Bytes())
		c.Discard()
	}
}

func TestSyncAfterCloseFails(t *testing.T) {
	dir := t.TempDir()
	d, err := New("overflow", dir)
	require.NoError(t, err)
	require.NoError(t, d.Offer(WrapBytes([]byte("abcd"))))
	require.NoError(t, d.Sync())
	require.NoError(t, d.Close())
	require.ErrorIs(t, d.Sync(), ErrClosed)
}

func TestUnusableDirectory(t *testing.T) {
	_, err := New("overflow", filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not usable")

	file := filepath.Join(t.TempDir(), "plain-file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0666))
	_, err = New("overflow", file)
	require.Error(t, err)
}

func TestPollStaysOrderedAcrossReopenCycles(t *testing.T) {
	dir := t.TempDir()
	var want []string
	for cycle := 0; cycle < 3; cycle++ {
		d, err := New("overflow", dir)
		require.NoError(t, err)
		p := string(rune('a' + cycle))
		want = append(want, p)
		require.NoError(t, d.Offer(WrapBytes([]byte(p))))
		require.NoError(t, d.Close())
	}

	d, err := New("overflow", dir)
	require.NoError(t, err)
	defer d.Close()
	require.Equal(t, len(want), d.NumObjects())
	for _, w := range want {
		c := mustPoll(t, d)
		assert.Equal(t, []byte(w), c.Bytes())
		c.Discard()
	}

	// Polls keep draining front to back, so the discard path must have
	// deleted every finished segment along the way.
	assert.Len(t, pbdFiles(t, dir), 1)
}
