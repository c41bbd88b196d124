// Package handle implements the Fs handle layer from spec.md §4.6: file
// and directory handle tables, per-inode CacheStore ownership and
// refcounting, unlink-while-open bookkeeping, the background write-back
// thread, and orderly shutdown. It is grounded directly on gcsfuse's
// fs/fs.go fileSystem struct — sharded maps guarded by a documented lock
// order, the unlockAndMaybeDisposeOfInode idiom (here
// releaseFileHandle/finalizeIfOrphan), and fs/garbage_collect.go's
// context-cancelled background-goroutine shape, reused here for the
// write-back loop instead of stale-object garbage collection.
package handle

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abbycin/junkfs/internal/cachestore"
	"github.com/abbycin/junkfs/internal/clock"
	"github.com/abbycin/junkfs/internal/codec"
	"github.com/abbycin/junkfs/internal/filestore"
	"github.com/abbycin/junkfs/internal/fserrors"
	"github.com/abbycin/junkfs/internal/mempool"
	"github.com/abbycin/junkfs/internal/meta"
)

// shardCount is the number of shards used for the fh- and ino-keyed maps
// (spec.md §4.6: "a power of two, e.g. 64, to avoid a single global lock").
const shardCount = 64

// Default tuning for the background write-back thread (spec.md §4.6 and
// §5). All are overridable through Options for tests.
const (
	DefaultWritebackInterval   = 50 * time.Millisecond
	DefaultMetaCommitInterval  = time.Second
	DefaultMetaCommitThreshold = 4096
)

// DirEntry is one entry of a directory snapshot handed to a DirHandle.
type DirEntry struct {
	Name string
	Ino  uint64
	Kind codec.Kind
}

// cacheHolder pairs a per-inode CacheStore with the mutex spec.md §4.5
// requires the caller to supply, since CacheStore is not internally safe
// for concurrent use.
type cacheHolder struct {
	mu    sync.Mutex
	store *cachestore.Store
}

type fileHandle struct {
	fh    uint64
	ino   uint64
	cache *cacheHolder
}

type dirHandle struct {
	fh      uint64
	ino     uint64
	entries []DirEntry
	cursor  int
}

type inodeShard struct {
	mu     sync.Mutex
	caches map[uint64]*cacheHolder
	refs   map[uint64]int
}

type handleShard struct {
	mu    sync.Mutex
	files map[uint64]*fileHandle
	dirs  map[uint64]*dirHandle
}

// Options tunes the background write-back thread; zero values take the
// package defaults.
type Options struct {
	WritebackInterval   time.Duration
	MetaCommitInterval  time.Duration
	MetaCommitThreshold int
	Clock               clock.Clock
	Logger              *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.WritebackInterval <= 0 {
		o.WritebackInterval = DefaultWritebackInterval
	}
	if o.MetaCommitInterval <= 0 {
		o.MetaCommitInterval = DefaultMetaCommitInterval
	}
	if o.MetaCommitThreshold <= 0 {
		o.MetaCommitThreshold = DefaultMetaCommitThreshold
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Fs is the handle layer binding opened files and directories to the
// metadata engine, the per-inode caches, and the data file store. One Fs is
// constructed per mount (spec.md §9: no process-wide singletons) and is
// safe for concurrent use by every FUSE worker thread.
//
// LOCK ORDERING: handleShard -> inodeShard -> cacheHolder. Never acquire an
// inodeShard's mutex while already holding a cacheHolder's, and never call
// back into Meta while holding either.
type Fs struct {
	meta   *meta.Meta
	files  *filestore.Store
	pool   *mempool.Pool
	clock  clock.Clock
	logger *slog.Logger

	opt Options

	nextFh       atomic.Uint64
	handleShards []*handleShard
	inodeShards  []*inodeShard

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New constructs an Fs over the given metadata engine, data file store, and
// page pool, and starts its background write-back thread.
func New(m *meta.Meta, files *filestore.Store, pool *mempool.Pool, opt Options) *Fs {
	opt = opt.withDefaults()
	fs := &Fs{
		meta:   m,
		files:  files,
		pool:   pool,
		clock:  opt.Clock,
		logger: opt.Logger,
		opt:    opt,
	}
	fs.handleShards = make([]*handleShard, shardCount)
	fs.inodeShards = make([]*inodeShard, shardCount)
	for i := range fs.handleShards {
		fs.handleShards[i] = &handleShard{files: make(map[uint64]*fileHandle), dirs: make(map[uint64]*dirHandle)}
		fs.inodeShards[i] = &inodeShard{caches: make(map[uint64]*cacheHolder), refs: make(map[uint64]int)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	fs.cancel = cancel
	fs.wg.Add(1)
	go fs.writebackLoop(ctx)

	return fs
}

func (fs *Fs) handleShardFor(fh uint64) *handleShard { return fs.handleShards[fh%shardCount] }
func (fs *Fs) inodeShardFor(ino uint64) *inodeShard   { return fs.inodeShards[ino%shardCount] }

func (fs *Fs) allocFh() uint64 { return fs.nextFh.Add(1) }

// ---- per-inode cache lifecycle -----------------------------------------

// acquireCache increments ino's reference count and returns its shared
// CacheStore holder, creating one on first reference (spec.md §4.6
// new_file_handle). The increment and the cache lookup/creation happen
// under the same inodeShard lock as releaseRef's decrement-and-remove, so a
// concurrent OpenFile can never observe (and reuse) a cacheHolder that
// releaseRef is in the middle of retiring: either this call's increment is
// visible before releaseRef reads the refcount (the handle stays alive), or
// it runs after releaseRef has already dropped the entry and this call
// allocates a fresh one.
func (fs *Fs) acquireCache(ino uint64) *cacheHolder {
	sh := fs.inodeShardFor(ino)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.refs[ino]++
	if c, ok := sh.caches[ino]; ok {
		return c
	}
	c := &cacheHolder{store: cachestore.New(ino, fs.pool, fs.files, fs.clock)}
	sh.caches[ino] = c
	return c
}

// releaseRef drops one reference to ino. If the count reaches zero, the
// cacheHolder is removed from the map in the same critical section and
// returned to the caller for finalization outside the lock (see
// acquireCache for why this must be atomic with the increment).
func (fs *Fs) releaseRef(ino uint64) (c *cacheHolder, last bool) {
	sh := fs.inodeShardFor(ino)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.refs[ino]--
	if sh.refs[ino] > 0 {
		return nil, false
	}
	delete(sh.refs, ino)
	c = sh.caches[ino]
	delete(sh.caches, ino)
	return c, true
}

// refCount reports the current number of live file handles referencing ino,
// used by Unlink/Rename to decide whether a target must be orphaned rather
// than finalized outright.
func (fs *Fs) refCount(ino uint64) int {
	sh := fs.inodeShardFor(ino)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.refs[ino]
}

// finalizeIfOrphan flushes ino's now-retired cache (already removed from
// the inode shard by releaseRef) and — if unlink left it orphaned —
// finishes the delete (spec.md §4.6 remove_file_handle).
func (fs *Fs) finalizeIfOrphan(ino uint64, c *cacheHolder) error {
	var flushErr error
	if c != nil {
		c.mu.Lock()
		flushErr = c.store.Flush(true)
		c.mu.Unlock()
		if flushErr != nil {
			fs.logger.Error("handle: final flush failed", "ino", ino, "error", flushErr)
		}
	}

	if fs.meta.IsOrphan(ino) {
		if err := fs.meta.FinalizeUnlink(ino); err != nil {
			return err
		}
		if err := fs.files.Unlink(ino); err != nil {
			return err
		}
	}
	return flushErr
}

// ---- file handles -------------------------------------------------------

// OpenFile allocates a new file handle bound to ino's shared CacheStore and
// increments ino's reference count.
func (fs *Fs) OpenFile(ino uint64) uint64 {
	cache := fs.acquireCache(ino)
	fh := fs.allocFh()
	sh := fs.handleShardFor(fh)
	sh.mu.Lock()
	sh.files[fh] = &fileHandle{fh: fh, ino: ino, cache: cache}
	sh.mu.Unlock()
	return fh
}

func (fs *Fs) lookupFileHandle(fh uint64) (*fileHandle, bool) {
	sh := fs.handleShardFor(fh)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	f, ok := sh.files[fh]
	return f, ok
}

// ReleaseFile drops fh, decrements its inode's refcount, and finalizes the
// inode if this was the last handle (spec.md §4.6 remove_file_handle).
func (fs *Fs) ReleaseFile(fh uint64) error {
	sh := fs.handleShardFor(fh)
	sh.mu.Lock()
	f, ok := sh.files[fh]
	if ok {
		delete(sh.files, fh)
	}
	sh.mu.Unlock()
	if !ok {
		return fserrors.New("handle.ReleaseFile", fserrors.KindNotFound)
	}

	if c, last := fs.releaseRef(f.ino); last {
		return fs.finalizeIfOrphan(f.ino, c)
	}
	return nil
}

// WriteFile buffers data at off through fh's CacheStore and updates the
// inode's length/mtime via Meta on success.
func (fs *Fs) WriteFile(fh uint64, off int64, data []byte) (int, error) {
	f, ok := fs.lookupFileHandle(fh)
	if !ok {
		return 0, fserrors.New("handle.WriteFile", fserrors.KindNotFound)
	}
	f.cache.mu.Lock()
	n, err := f.cache.store.Write(off, data)
	f.cache.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := fs.meta.UpdateInodeAfterWrite(f.ino, uint64(off)+uint64(n)); err != nil {
			return n, err
		}
	}
	return n, nil
}

// ReadFile fills buf at off through fh's CacheStore.
func (fs *Fs) ReadFile(fh uint64, off int64, buf []byte) (int, error) {
	f, ok := fs.lookupFileHandle(fh)
	if !ok {
		return 0, fserrors.New("handle.ReadFile", fserrors.KindNotFound)
	}
	f.cache.mu.Lock()
	defer f.cache.mu.Unlock()
	return f.cache.store.Read(off, buf)
}

// FsyncFile flushes fh's cache with sync=true and fsyncs the backing file.
func (fs *Fs) FsyncFile(fh uint64, datasync bool) error {
	f, ok := fs.lookupFileHandle(fh)
	if !ok {
		return fserrors.New("handle.FsyncFile", fserrors.KindNotFound)
	}
	f.cache.mu.Lock()
	err := f.cache.store.Flush(true)
	f.cache.mu.Unlock()
	if err != nil {
		return err
	}
	return fs.files.Fsync(f.ino, datasync)
}

// FlushFile flushes fh's cache without forcing an fsync (the FUSE `flush`
// op, issued on every close(2), as distinct from `fsync`).
func (fs *Fs) FlushFile(fh uint64) error {
	f, ok := fs.lookupFileHandle(fh)
	if !ok {
		return fserrors.New("handle.FlushFile", fserrors.KindNotFound)
	}
	f.cache.mu.Lock()
	defer f.cache.mu.Unlock()
	return f.cache.store.Flush(false)
}

// FlushOpenFileHandles walks every live handle on ino and drops cached
// pages at or past newLen, so a truncate-shrink can never have its stale
// tail written back after FileStore.SetLen (spec.md §4.6).
func (fs *Fs) FlushOpenFileHandles(ino uint64, newLen int64) {
	sh := fs.inodeShardFor(ino)
	sh.mu.Lock()
	c, ok := sh.caches[ino]
	sh.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.store.ClearBeyond(newLen)
	c.mu.Unlock()
}

// ---- directory handles ---------------------------------------------------

// OpenDir allocates a directory handle over a fixed snapshot of entries.
func (fs *Fs) OpenDir(ino uint64, entries []DirEntry) uint64 {
	fh := fs.allocFh()
	sh := fs.handleShardFor(fh)
	sh.mu.Lock()
	sh.dirs[fh] = &dirHandle{fh: fh, ino: ino, entries: entries}
	sh.mu.Unlock()
	return fh
}

// ReadDir returns the next entry for fh, advancing its cursor by one, or
// ok=false once the snapshot is exhausted.
func (fs *Fs) ReadDir(fh uint64) (DirEntry, bool) {
	sh := fs.handleShardFor(fh)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	d, ok := sh.dirs[fh]
	if !ok || d.cursor >= len(d.entries) {
		return DirEntry{}, false
	}
	e := d.entries[d.cursor]
	d.cursor++
	return e, true
}

// ReleaseDir drops fh.
func (fs *Fs) ReleaseDir(fh uint64) error {
	sh := fs.handleShardFor(fh)
	sh.mu.Lock()
	_, ok := sh.dirs[fh]
	delete(sh.dirs, fh)
	sh.mu.Unlock()
	if !ok {
		return fserrors.New("handle.ReleaseDir", fserrors.KindNotFound)
	}
	return nil
}

// ---- unlink / rename with open-handle awareness --------------------------

// Unlink removes (parent, name). If the target is a file with live open
// handles, the inode is kept (via Meta.UnlinkKeepInode) and added to the
// orphan set instead of being freed outright (spec.md §4.6).
func (fs *Fs) Unlink(parent uint64, name string) (*codec.Inode, error) {
	target, err := fs.meta.Lookup(parent, name)
	if err != nil {
		return nil, err
	}

	if target.Kind != codec.KindDir && fs.refCount(target.Ino) > 0 {
		return fs.meta.UnlinkKeepInode(parent, name)
	}

	in, err := fs.meta.Unlink(parent, name)
	if err != nil {
		return nil, err
	}
	if in.Kind != codec.KindDir && in.Links == 0 {
		if err := fs.files.Unlink(in.Ino); err != nil {
			return nil, err
		}
	}
	return in, nil
}

// Rename moves (oldParent, oldName) to (newParent, newName), preserving a
// displaced target's data for any handle still open on it (spec.md §4.6).
func (fs *Fs) Rename(oldParent uint64, oldName string, newParent uint64, newName string) error {
	displaced, derr := fs.meta.Lookup(newParent, newName)
	haveDisplaced := derr == nil

	keptOpen := false
	policy := func(ino uint64) bool {
		keptOpen = fs.refCount(ino) > 0
		return keptOpen
	}

	if err := fs.meta.RenameWithUnlink(oldParent, oldName, newParent, newName, policy); err != nil {
		return err
	}

	if haveDisplaced && displaced.Kind != codec.KindDir && !keptOpen {
		if err := fs.files.Unlink(displaced.Ino); err != nil {
			return err
		}
	}
	return nil
}

// ---- background write-back thread ----------------------------------------

func (fs *Fs) writebackLoop(ctx context.Context) {
	defer fs.wg.Done()
	ticker := time.NewTicker(fs.opt.WritebackInterval)
	defer ticker.Stop()

	lastCommit := fs.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fs.flushDueCaches()
			if err := fs.meta.FlushDirtyInodes(); err != nil {
				fs.logger.Error("handle: flush dirty inodes failed", "error", err)
			}
			due := fs.clock.Now().Sub(lastCommit) >= fs.opt.MetaCommitInterval
			over := fs.meta.PendingLen() >= fs.opt.MetaCommitThreshold
			if due || over {
				if err := fs.meta.CommitPending(); err != nil {
					fs.logger.Error("handle: commit pending failed", "error", err)
				}
				lastCommit = fs.clock.Now()
			}
		}
	}
}

// flushDueCaches scans every live per-inode cache and flushes those whose
// ShouldFlush trigger has fired (spec.md §4.5 triggers, §4.6 write-back
// thread).
func (fs *Fs) flushDueCaches() {
	for _, sh := range fs.inodeShards {
		sh.mu.Lock()
		due := make([]*cacheHolder, 0, len(sh.caches))
		for _, c := range sh.caches {
			due = append(due, c)
		}
		sh.mu.Unlock()

		for _, c := range due {
			c.mu.Lock()
			if c.store.ShouldFlush() {
				if err := c.store.Flush(false); err != nil {
					fs.logger.Error("handle: background flush failed", "error", err)
				}
			}
			c.mu.Unlock()
		}
	}
}

// FlushAllCaches forces every live per-inode cache to flush, regardless of
// its ShouldFlush trigger. fuseedge's write retry loop calls this between
// attempts when a write returns short under MemPool exhaustion (spec.md
// §4.7), since flushing is the only thing that can free pool pages back up.
func (fs *Fs) FlushAllCaches() {
	for _, sh := range fs.inodeShards {
		sh.mu.Lock()
		caches := make([]*cacheHolder, 0, len(sh.caches))
		for _, c := range sh.caches {
			caches = append(caches, c)
		}
		sh.mu.Unlock()

		for _, c := range caches {
			c.mu.Lock()
			if err := c.store.Flush(false); err != nil {
				fs.logger.Error("handle: forced flush failed", "error", err)
			}
			c.mu.Unlock()
		}
	}
}

// Shutdown is idempotent: it stops the write-back thread, flushes every
// cache synchronously, finalizes whatever orphans remain, and closes the
// metadata store and page pool (spec.md §4.6 shutdown).
func (fs *Fs) Shutdown() error {
	var err error
	fs.stopOnce.Do(func() {
		fs.cancel()
		fs.wg.Wait()

		for _, sh := range fs.inodeShards {
			sh.mu.Lock()
			caches := make([]*cacheHolder, 0, len(sh.caches))
			for _, c := range sh.caches {
				caches = append(caches, c)
			}
			sh.mu.Unlock()
			for _, c := range caches {
				c.mu.Lock()
				if ferr := c.store.Flush(true); ferr != nil {
					fs.logger.Error("handle: shutdown flush failed", "error", ferr)
				}
				c.mu.Unlock()
			}
		}

		if ferr := fs.meta.FlushDirtyInodes(); ferr != nil {
			fs.logger.Error("handle: shutdown flush dirty inodes failed", "error", ferr)
		}
		if cerr := fs.meta.CommitPending(); cerr != nil {
			fs.logger.Error("handle: shutdown commit pending failed", "error", cerr)
		}

		for _, ino := range fs.meta.Orphans() {
			if ferr := fs.meta.FinalizeUnlink(ino); ferr != nil {
				fs.logger.Error("handle: shutdown finalize orphan failed", "ino", ino, "error", ferr)
				continue
			}
			if ferr := fs.files.Unlink(ino); ferr != nil {
				fs.logger.Error("handle: shutdown unlink orphan data file failed", "ino", ino, "error", ferr)
			}
		}
		if cerr := fs.meta.CommitPending(); cerr != nil {
			fs.logger.Error("handle: shutdown final commit failed", "error", cerr)
		}

		if serr := fs.meta.Sync(); serr != nil {
			fs.logger.Error("handle: shutdown sync failed", "error", serr)
		}
		if pl := fs.meta.PendingLen(); pl > 0 {
			fs.logger.Error("handle: shutdown observed non-zero pending after sync", "pending", pl)
		}
		if cerr := fs.meta.Close(); cerr != nil {
			err = cerr
		}
		fs.pool.Destroy()
	})
	return err
}

// Meta exposes the underlying metadata engine so the FUSE edge can call
// lookup/mknod/attribute operations that do not need handle-table state.
func (fs *Fs) Meta() *meta.Meta { return fs.meta }

// Files exposes the underlying data file store for the same reason (e.g.
// setattr's truncate calls FileStore.SetLen, and symlink targets are written
// and read through it directly).
func (fs *Fs) Files() *filestore.Store { return fs.files }
