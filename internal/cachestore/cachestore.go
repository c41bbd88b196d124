// Package cachestore implements the per-inode write buffer described in
// spec.md §4.5: a page-coalescing cache of dirty ranges backed by
// internal/mempool pages, with a large-write bypass and read merge-with-
// backing. It is grounded on gcsproxy.MutableContent's dirty-tracking
// design (a dirty threshold plus a "make writable" pattern), restructured
// so that a CacheEntry owns a pool page index rather than a full copy of
// the byte range — MutableContent owned the whole lease; CacheStore owns
// only the dirtied pages.
package cachestore

import (
	"time"

	"github.com/abbycin/junkfs/internal/clock"
	"github.com/abbycin/junkfs/internal/filestore"
	"github.com/abbycin/junkfs/internal/fserrors"
	"github.com/abbycin/junkfs/internal/mempool"
)

const (
	// PageSize matches internal/mempool's page size.
	PageSize = mempool.PageSize

	// FlushBytes is the dirty-byte threshold that triggers a background
	// flush (spec.md §4.5).
	FlushBytes = 64 << 20

	// FlushInterval is the max idle time before a dirty cache is flushed.
	FlushInterval = 200 * time.Millisecond

	// LargeWriteThreshold is the minimum page-aligned write size that
	// qualifies for the direct bypass path.
	LargeWriteThreshold = 256 << 10

	maxPoolRetries = 5
)

// CacheEntry is one buffered, page-sized write: fileOff is the absolute
// file offset, page is the index into the shared mempool.Pool, size is the
// number of valid bytes starting at the page's base (≤ PageSize).
type CacheEntry struct {
	fileOff int64
	page    uint64
	size    int
}

// Store is the per-inode write buffer. It is not internally safe for
// concurrent use across its own methods: spec.md §4.5 requires the caller
// (internal/handle) to wrap each inode's Store in its own mutex so that
// writes to one inode never block writes to another.
type Store struct {
	ino   uint64
	pool  *mempool.Pool
	files *filestore.Store
	clock clock.Clock

	entries  []CacheEntry
	byOffset map[int64]int // page-aligned file offset -> index into entries

	dirtyBytes int
	lastWrite  time.Time
}

// New creates a Store for ino, backed by pool for staging bytes and files
// for the flush target.
func New(ino uint64, pool *mempool.Pool, files *filestore.Store, clk clock.Clock) *Store {
	return &Store{
		ino:      ino,
		pool:     pool,
		files:    files,
		clock:    clk,
		byOffset: make(map[int64]int),
	}
}

func pageAlign(off int64) int64 { return off - off%PageSize }

// Write buffers bytes at off, splitting on page boundaries and coalescing
// full-page overwrites in place. Returns the number of bytes accepted; a
// short return (less than len(bytes)) signals pool exhaustion after a
// synchronous flush-and-retry, which the caller (spec.md §7) treats as
// back-pressure.
func (s *Store) Write(off int64, bytes []byte) (int, error) {
	if len(bytes) >= LargeWriteThreshold && off%PageSize == 0 && int64(len(bytes))%PageSize == 0 {
		if n, ok, err := s.tryLargeWrite(off, bytes); err != nil {
			return 0, err
		} else if ok {
			return n, nil
		}
	}

	written := 0
	for written < len(bytes) {
		pageOff := pageAlign(off)
		inPage := int(off - pageOff)
		n := PageSize - inPage
		if n > len(bytes)-written {
			n = len(bytes) - written
		}

		if err := s.writePage(pageOff, inPage, bytes[written:written+n]); err != nil {
			return written, nil
		}

		written += n
		off += int64(n)
	}
	s.lastWrite = s.clock.Now()
	return written, nil
}

// writePage copies chunk into the page at pageOff, reusing an existing
// entry's page when one is already buffered for pageOff, or allocating a
// fresh page (flushing once and retrying on exhaustion).
func (s *Store) writePage(pageOff int64, inPageOff int, chunk []byte) error {
	if idx, ok := s.byOffset[pageOff]; ok {
		e := &s.entries[idx]
		buf := s.pool.Page(e.page)
		s.fillFromBacking(buf, pageOff, e.size, inPageOff)
		copy(buf[inPageOff:], chunk)
		if end := inPageOff + len(chunk); end > e.size {
			e.size = end
		}
		return nil
	}

	page, ok := s.pool.Alloc()
	if !ok {
		s.flushLocked(false)
		for i := 0; i < maxPoolRetries && !ok; i++ {
			page, ok = s.pool.Alloc()
			if ok {
				break
			}
			time.Sleep(time.Millisecond)
		}
		if !ok {
			return fserrors.New("cachestore.writePage", fserrors.KindBusy)
		}
	}

	buf := s.pool.Page(page)
	s.fillFromBacking(buf, pageOff, 0, inPageOff)
	copy(buf[inPageOff:], chunk)
	s.entries = append(s.entries, CacheEntry{fileOff: pageOff, page: page, size: inPageOff + len(chunk)})
	s.byOffset[pageOff] = len(s.entries) - 1
	s.dirtyBytes += len(chunk)
	return nil
}

// fillFromBacking copies the backing file's bytes for [from, to) of the page
// at pageOff into buf, zero-filling whatever the file does not supply, so an
// entry's bytes from the page base up to its size always hold file content.
func (s *Store) fillFromBacking(buf []byte, pageOff int64, from, to int) {
	if from >= to {
		return
	}
	n, _ := s.files.ReadAt(s.ino, pageOff+int64(from), buf[from:to])
	for i := from + n; i < to; i++ {
		buf[i] = 0
	}
}

// tryLargeWrite implements the ≥256KiB aligned bypass: flush pending
// entries, then write directly to the backing file, skipping pool pages
// entirely. ok=false means the flush or the direct write failed, and the
// caller must fall back to the page path.
func (s *Store) tryLargeWrite(off int64, data []byte) (int, bool, error) {
	if err := s.Flush(false); err != nil {
		return 0, false, nil
	}
	err := s.files.WriteEntries(s.ino, []filestore.Entry{{Off: off, Data: data}}, false)
	if err != nil {
		return 0, false, nil
	}
	s.lastWrite = s.clock.Now()
	return len(data), true, nil
}

// Read fills buf starting at off: first from the backing data file
// (zero-padding short reads), then overlays any buffered dirty entry that
// intersects the requested range. Entry order does not matter for
// correctness because the write path guarantees at most one entry per
// page (spec.md §4.5 read algorithm).
func (s *Store) Read(off int64, buf []byte) (int, error) {
	n, err := s.files.ReadAt(s.ino, off, buf)
	if err != nil {
		return 0, err
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}

	reqEnd := off + int64(len(buf))
	for _, e := range s.entries {
		entryEnd := e.fileOff + int64(e.size)
		if entryEnd <= off || e.fileOff >= reqEnd {
			continue
		}
		page := s.pool.Page(e.page)[:e.size]

		start := e.fileOff
		pStart := 0
		if start < off {
			pStart = int(off - start)
			start = off
		}
		end := entryEnd
		if end > reqEnd {
			end = reqEnd
		}
		copy(buf[start-off:end-off], page[pStart:pStart+int(end-start)])
	}

	if len(buf) > n {
		return len(buf), nil
	}
	return n, nil
}

// ShouldFlush reports whether the dirty threshold or idle interval has
// been exceeded, per spec.md §4.5's trigger conditions.
func (s *Store) ShouldFlush() bool {
	if s.dirtyBytes == 0 {
		return false
	}
	if s.dirtyBytes >= FlushBytes {
		return true
	}
	return s.clock.Now().Sub(s.lastWrite) >= FlushInterval
}

// DirtyBytes reports the current buffered dirty byte count.
func (s *Store) DirtyBytes() int { return s.dirtyBytes }

// Flush drains buffered entries to the backing file via
// filestore.WriteEntries, then returns every page to the pool regardless
// of outcome — a failing flush loses the dirty data, which spec.md §4.5
// documents as acceptable behavior the outer layer logs and may act on.
func (s *Store) Flush(sync bool) error {
	return s.flushLocked(sync)
}

func (s *Store) flushLocked(sync bool) error {
	if len(s.entries) == 0 {
		return nil
	}
	entries := s.entries
	s.entries = nil
	s.byOffset = make(map[int64]int)
	s.dirtyBytes = 0

	fsEntries := make([]filestore.Entry, len(entries))
	for i, e := range entries {
		fsEntries[i] = filestore.Entry{Off: e.fileOff, Data: s.pool.Page(e.page)[:e.size]}
	}

	err := s.files.WriteEntries(s.ino, fsEntries, sync)

	for _, e := range entries {
		s.pool.FreePage(e.page)
	}

	return err
}

// Clear discards all buffered entries without flushing them, freeing their
// pool pages. Used when a displaced/orphaned inode's cache can no longer
// be written back (e.g. its data file is about to be unlinked).
func (s *Store) Clear() {
	for _, e := range s.entries {
		s.pool.FreePage(e.page)
	}
	s.entries = nil
	s.byOffset = make(map[int64]int)
	s.dirtyBytes = 0
}

// ClearBeyond drops (and frees the pool pages of) every buffered entry at
// or past newLen, used on truncate-shrink so stale cached pages beyond the
// new length are never written back (spec.md §4.6 flush_open_file_handles).
func (s *Store) ClearBeyond(newLen int64) {
	kept := s.entries[:0]
	newByOffset := make(map[int64]int)
	for _, e := range s.entries {
		if e.fileOff >= newLen {
			s.pool.FreePage(e.page)
			s.dirtyBytes -= e.size
			continue
		}
		if end := e.fileOff + int64(e.size); end > newLen {
			e.size = int(newLen - e.fileOff)
		}
		newByOffset[e.fileOff] = len(kept)
		kept = append(kept, e)
	}
	s.entries = kept
	s.byOffset = newByOffset
}
