// Package mempool implements the fixed-capacity 4 KiB page slab that backs
// every CacheStore's dirty write buffer. Pages are referenced by integer
// index rather than raw pointer (see SPEC_FULL.md §9 on the raw-pointer
// redesign); CacheStore copies bytes into and out of a page through Page,
// and hands page slices to FileStore when it flushes.
package mempool

import (
	"fmt"
	"sync"

	"github.com/abbycin/junkfs/internal/bitmap"
)

// PageSize is the fixed size of one pool page.
const PageSize = 4096

// Pool is a process-wide slab of PageSize-byte pages with O(1) alloc/free
// via a bitmap. It is constructed once per Fs and injected into the
// CacheStores it serves, never referenced through a package-level global.
type Pool struct {
	mu     sync.Mutex
	buf    []byte
	used   *bitmap.BitMap64
	cursor uint64
}

// New allocates a pool of at least capBytes, rounded up to a whole number
// of pages.
func New(capBytes uint64) *Pool {
	pages := (capBytes + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}
	return &Pool{
		buf:  make([]byte, pages*PageSize),
		used: bitmap.New(pages),
	}
}

// Capacity returns the total number of pages in the pool.
func (p *Pool) Capacity() uint64 {
	return p.used.Cap
}

// Free returns the number of pages currently unallocated.
func (p *Pool) Free() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var free uint64
	for i := uint64(0); i < p.used.Cap; i++ {
		if !p.used.Test(i) {
			free++
		}
	}
	return free
}

// Alloc reserves one page and returns its index, or ok=false if the pool is
// full. The caller backs off and retries per spec.md §5.
func (p *Pool) Alloc() (idx uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, found := p.used.FindZeroFrom(p.cursor)
	if !found {
		return 0, false
	}
	p.used.Set(i)
	p.cursor = i + 1
	if p.cursor >= p.used.Cap {
		p.cursor = 0
	}
	return i, true
}

// FreePage releases a page back to the pool. Freeing an already-free page
// (a double free) is a programming error and panics, matching the source's
// assertion that a freed page must currently be allocated.
func (p *Pool) FreePage(idx uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx >= p.used.Cap {
		panic(fmt.Sprintf("mempool: page index %d out of range (cap %d)", idx, p.used.Cap))
	}
	if !p.used.Clear(idx) {
		panic(fmt.Sprintf("mempool: double free of page %d", idx))
	}
}

// Page returns the byte slice backing page idx. Valid only while the page
// is allocated to the caller.
func (p *Pool) Page(idx uint64) []byte {
	start := idx * PageSize
	return p.buf[start : start+PageSize]
}

// Destroy releases the pool's backing slab. Called once at filesystem
// shutdown (spec.md §4.2); a Pool must not be used afterward.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = nil
}
