package cachestore

import (
	"bytes"
	"testing"
	"time"

	"github.com/abbycin/junkfs/internal/clock"
	"github.com/abbycin/junkfs/internal/filestore"
	"github.com/abbycin/junkfs/internal/mempool"
)

func newTestStore(t *testing.T) (*Store, *mempool.Pool, *filestore.Store, *clock.SimulatedClock) {
	t.Helper()
	pool := mempool.New(64 * mempool.PageSize)
	files, err := filestore.Open(t.TempDir(), 8)
	if err != nil {
		t.Fatalf("filestore.Open: %v", err)
	}
	sc := clock.NewSimulatedClock(time.Unix(0, 0))
	return New(1, pool, files, sc), pool, files, sc
}

func TestWriteReadRoundTrip(t *testing.T) {
	cs, _, _, _ := newTestStore(t)
	n, err := cs.Write(0, []byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 bytes written, got %d", n)
	}

	buf := make([]byte, 5)
	n, err = cs.Read(0, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 5 || string(buf) != "hello" {
		t.Fatalf("unexpected read: %q (n=%d)", buf, n)
	}
}

func TestOverwriteCoalescesSamePage(t *testing.T) {
	cs, _, _, _ := newTestStore(t)
	page := bytes.Repeat([]byte{1}, PageSize)
	if _, err := cs.Write(0, page); err != nil {
		t.Fatalf("Write 1: %v", err)
	}
	pageAlt := bytes.Repeat([]byte{2}, PageSize)
	if _, err := cs.Write(0, pageAlt); err != nil {
		t.Fatalf("Write 2: %v", err)
	}
	if len(cs.entries) != 1 {
		t.Fatalf("expected exactly one cache entry after overwrite, got %d", len(cs.entries))
	}

	buf := make([]byte, PageSize)
	if _, err := cs.Read(0, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, pageAlt) {
		t.Fatalf("expected overwritten content")
	}
}

func TestFlushWritesThroughAndFreesPages(t *testing.T) {
	cs, pool, files, _ := newTestStore(t)
	before := pool.Free()
	if _, err := cs.Write(0, []byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if pool.Free() != before-1 {
		t.Fatalf("expected one page allocated")
	}
	if err := cs.Flush(true); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if pool.Free() != before {
		t.Fatalf("expected page returned to pool after flush")
	}

	buf := make([]byte, 3)
	if _, err := files.ReadAt(1, 0, buf); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "abc" {
		t.Fatalf("expected flushed content on disk, got %q", buf)
	}
}

func TestShouldFlushOnByteThreshold(t *testing.T) {
	// The pool must be large enough to hold FlushBytes worth of dirty pages
	// without triggering an internal flush-on-exhaustion first, which would
	// reset the dirty counter before the threshold is observed.
	pool := mempool.New(FlushBytes + PageSize)
	files, err := filestore.Open(t.TempDir(), 8)
	if err != nil {
		t.Fatalf("filestore.Open: %v", err)
	}
	sc := clock.NewSimulatedClock(time.Unix(0, 0))
	cs := New(1, pool, files, sc)

	if cs.ShouldFlush() {
		t.Fatalf("expected no flush needed when clean")
	}
	big := make([]byte, PageSize)
	for i := 0; i < FlushBytes/PageSize+1; i++ {
		if _, err := cs.Write(int64(i)*PageSize, big); err != nil {
			t.Fatalf("Write #%d: %v", i, err)
		}
	}
	if !cs.ShouldFlush() {
		t.Fatalf("expected ShouldFlush true once dirty bytes exceed threshold")
	}
}

func TestShouldFlushOnIdleInterval(t *testing.T) {
	cs, _, _, sc := newTestStore(t)
	if _, err := cs.Write(0, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if cs.ShouldFlush() {
		t.Fatalf("expected no flush immediately after write")
	}
	sc.AdvanceTime(FlushInterval + time.Millisecond)
	if !cs.ShouldFlush() {
		t.Fatalf("expected ShouldFlush true after idle interval elapses")
	}
}

func TestLargeAlignedWriteBypassesPool(t *testing.T) {
	cs, pool, files, _ := newTestStore(t)
	before := pool.Free()
	data := bytes.Repeat([]byte{7}, LargeWriteThreshold)
	n, err := cs.Write(0, data)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(data) {
		t.Fatalf("expected full write, got %d", n)
	}
	if pool.Free() != before {
		t.Fatalf("expected bypass to skip pool pages entirely")
	}
	buf := make([]byte, len(data))
	if _, err := files.ReadAt(1, 0, buf); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("expected bypass write to land on disk directly")
	}
}

func TestClearBeyondDropsTrailingEntries(t *testing.T) {
	cs, pool, _, _ := newTestStore(t)
	if _, err := cs.Write(0, bytes.Repeat([]byte{1}, PageSize)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := cs.Write(PageSize, bytes.Repeat([]byte{2}, PageSize)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	before := pool.Free()
	cs.ClearBeyond(PageSize)
	if pool.Free() != before+1 {
		t.Fatalf("expected one page freed by ClearBeyond")
	}
	if len(cs.entries) != 1 {
		t.Fatalf("expected one entry remaining, got %d", len(cs.entries))
	}
}
