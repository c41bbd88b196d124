// Package meta implements the metadata engine described in spec.md §4.3:
// inodes, dentries, a lazily-built per-directory index, an LRU dentry
// cache, and a staged-pending/batch-commit pipeline over internal/kvstore.
// It is grounded on gcsfuse's fs/inode lookup-count bookkeeping and
// gcsproxy's staged-dirty-before-commit model, adapted from a single
// in-process object graph to a two-phase stage/commit pipeline over a
// transactional KV store.
package meta

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/abbycin/junkfs/internal/bitmap"
	"github.com/abbycin/junkfs/internal/clock"
	"github.com/abbycin/junkfs/internal/codec"
	"github.com/abbycin/junkfs/internal/fserrors"
	"github.com/abbycin/junkfs/internal/inomap"
	"github.com/abbycin/junkfs/internal/kvstore"
	"github.com/abbycin/junkfs/internal/lru"
)

const (
	dentryCacheCapacity = 8192

	metaCommitBatchEntries = 256
	metaCommitBatchBytes   = 4 << 20
)

// dentryResult is the DentryCache's value type: a resolved ino, or a
// recorded absence so repeated failed lookups skip the KV round trip.
type dentryResult struct {
	ino     uint64
	present bool
}

// dirState is one entry of the lazily-populated directory index: parent ino
// to name→ino, built by an ordered KV scan overlaid with pending writes.
type dirState struct {
	loaded  bool
	entries map[string]uint64
}

type cachedInode struct {
	inode *codec.Inode
	dirty bool
}

// Meta is the metadata engine. All exported methods are safe for concurrent
// use; lock ordering follows the gcsfuse convention of narrowest-scope-first
// (state, then pending, then dentry cache, then dir index, then inode cache,
// then dirty set, then orphan set) to avoid deadlock across the handle
// layer's concurrent FUSE operations.
type Meta struct {
	kv     *kvstore.Store
	clock  clock.Clock
	logger *slog.Logger

	strict         bool
	enableInoReuse bool

	stateMu sync.RWMutex
	sb      codec.SuperBlock
	imap    *inomap.InoMap

	pending *pendingSet

	dentryMu    sync.Mutex
	dentryCache *lru.Cache[string, dentryResult]

	dirMu    sync.Mutex
	dirIndex map[uint64]*dirState

	inodeMu sync.RWMutex
	inodes  map[uint64]*cachedInode

	dirtyMu sync.Mutex
	dirty   map[uint64]struct{}

	orphanMu    sync.Mutex
	orphans     map[uint64]struct{}
	pendingFree []uint64
}

// Options configures Format/Load beyond what the superblock records.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func newMeta(kv *kvstore.Store, opt Options) *Meta {
	opt = opt.withDefaults()
	return &Meta{
		kv:             kv,
		clock:          opt.Clock,
		logger:         opt.Logger,
		strict:         envBool("JUNK_STRICT_INVARIANT"),
		enableInoReuse: envBoolDefault("JUNK_ENABLE_INO_REUSE", true),
		pending:        newPendingSet(),
		dentryCache:    lru.New[string, dentryResult](dentryCacheCapacity, nil),
		dirIndex:       make(map[uint64]*dirState),
		inodes:         make(map[uint64]*cachedInode),
		dirty:          make(map[uint64]struct{}),
		orphans:        make(map[uint64]struct{}),
	}
}

func envBool(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return v == "1" || v == "true"
}

func envBoolDefault(name string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true"
}

const rootIno = 1

// Format creates a fresh filesystem: superblock, ino 0 reserved, ino 1
// allocated as the root directory, all committed in one KV transaction
// (spec.md §4.3 format).
func Format(kv *kvstore.Store, totalInodes, groupSize uint64, dataRoot string, opt Options) (*Meta, error) {
	m := newMeta(kv, opt)

	imap, err := inomap.New(totalInodes, groupSize)
	if err != nil {
		return nil, fmt.Errorf("meta.Format: %w", err)
	}
	imap.Reserve(0)
	imap.Reserve(rootIno)
	m.imap = imap
	m.sb = codec.SuperBlock{Version: 1, TotalInodes: totalInodes, GroupSize: groupSize, DataRoot: dataRoot}

	now := m.clock.Now().UnixNano()
	root := &codec.Inode{
		Ino: rootIno, Parent: rootIno, Kind: codec.KindDir,
		Mode: 0o755, Uid: 0, Gid: 0,
		Atime: now, Mtime: now, Ctime: now,
		Length: 0, Links: 2,
	}

	rootGid, _ := m.split(rootIno)
	err = kv.Batch(func(tx *kvstore.Tx) error {
		if err := tx.Upsert(superBlockKey, codec.EncodeSuperBlock(&m.sb)); err != nil {
			return err
		}
		if err := tx.Upsert(inodeKey(rootIno), codec.EncodeInode(root)); err != nil {
			return err
		}
		if err := tx.Upsert(summaryKey, codec.EncodeBitMap64(imap.Summary())); err != nil {
			return err
		}
		group, err := m.groupAt(rootGid)
		if err != nil {
			return err
		}
		return tx.Upsert(groupKey(rootGid), codec.EncodeBitMap64(group))
	})
	if err != nil {
		return nil, fmt.Errorf("meta.Format: commit: %w", err)
	}

	m.inodes[rootIno] = &cachedInode{inode: root}
	return m, nil
}

// groupAt returns the in-memory group bitmap for gid; it must already be
// loaded (true during Format, which eagerly creates every group via
// inomap.New).
func (m *Meta) groupAt(gid uint64) (*bitmap.BitMap64, error) {
	g := m.imap.Group(gid)
	if g == nil {
		return nil, fmt.Errorf("meta: group %d not loaded during format", gid)
	}
	return g, nil
}

func (m *Meta) split(ino uint64) (gid, bit uint64) {
	return ino / m.sb.GroupSize, ino % m.sb.GroupSize
}

// Load opens an existing filesystem: reads the superblock, loads (and if
// necessary repairs) the InoMap summary, and returns a ready Meta (spec.md
// §4.3 load_fs, Testable Property 7).
func Load(kv *kvstore.Store, opt Options) (*Meta, error) {
	m := newMeta(kv, opt)

	raw, err := kv.Get(superBlockKey)
	if err != nil {
		return nil, fserrors.Wrap("meta.Load", fserrors.KindCorruption, err)
	}
	sb, err := codec.DecodeSuperBlock(raw)
	if err != nil {
		return nil, fserrors.Wrap("meta.Load", fserrors.KindCorruption, err)
	}
	if sb.Version != 1 {
		return nil, fserrors.New("meta.Load", fserrors.KindCorruption)
	}
	m.sb = *sb

	summaryRaw, err := kv.Get(summaryKey)
	var summary *bitmap.BitMap64
	if err != nil {
		groupCount := (sb.TotalInodes + sb.GroupSize - 1) / sb.GroupSize
		summary = bitmap.New(groupCount)
		m.logger.Warn("imap_sum missing or unreadable, rebuilding from group scan", "error", err)
	} else {
		summary, err = codec.DecodeBitMap64(summaryRaw)
		if err != nil {
			groupCount := (sb.TotalInodes + sb.GroupSize - 1) / sb.GroupSize
			summary = bitmap.New(groupCount)
			m.logger.Warn("imap_sum corrupt, rebuilding from group scan", "error", err)
		}
	}

	m.imap = inomap.FromSummary(sb.TotalInodes, sb.GroupSize, summary)
	if err != nil {
		if repairErr := m.imap.RepairSummary(m.loadGroup); repairErr != nil {
			return nil, fmt.Errorf("meta.Load: repair summary: %w", repairErr)
		}
	}

	return m, nil
}

// loadGroup is the inomap.GroupLoader backing AllocPlan/FreePlan/
// RepairSummary: it checks pending writes first, then the committed KV
// value, and finally falls back to an all-free bitmap for a group that has
// never been touched (never persisted).
func (m *Meta) loadGroup(gid uint64) (*bitmap.BitMap64, error) {
	key := groupKey(gid)
	if val, isPut, isDel := m.pending.get(key); isPut {
		return codec.DecodeBitMap64(val)
	} else if isDel {
		return bitmap.New(m.groupCap(gid)), nil
	}

	raw, err := m.kv.Get(key)
	if err != nil {
		return bitmap.New(m.groupCap(gid)), nil
	}
	return codec.DecodeBitMap64(raw)
}

func (m *Meta) groupCap(gid uint64) uint64 {
	start := gid * m.sb.GroupSize
	end := m.sb.TotalInodes
	if start+m.sb.GroupSize < end {
		end = start + m.sb.GroupSize
	}
	if end < start {
		return 0
	}
	return end - start
}

// Close releases the underlying KV store. Callers should CommitPending and
// Sync first.
func (m *Meta) Close() error {
	return m.kv.Close()
}

// Sync flushes the underlying KV store to stable storage.
func (m *Meta) Sync() error {
	return m.kv.Sync()
}

// PendingLen reports the number of staged (uncommitted) KV operations, used
// by the write-back thread to decide whether META_COMMIT_THRESHOLD has been
// exceeded.
func (m *Meta) PendingLen() int { return m.pending.len() }

// DataRoot returns the data file store path recorded in the superblock at
// mkfs time, so the mount command knows where to open the FileStore.
func (m *Meta) DataRoot() string { return m.sb.DataRoot }

// ---- lookup / dir index -----------------------------------------------

// lookupIno resolves (parent, name) to an ino, consulting pending writes,
// the dentry LRU, and the lazily-built directory index, in that order.
func (m *Meta) lookupIno(parent uint64, name string) (uint64, bool, error) {
	key := dentryKey(parent, name)

	if val, isPut, isDel := m.pending.get(key); isPut {
		d, err := codec.DecodeDentry(val)
		if err != nil {
			return 0, false, fserrors.Wrap("meta.lookupIno", fserrors.KindCorruption, err)
		}
		return d.Ino, true, nil
	} else if isDel {
		return 0, false, nil
	}

	m.dentryMu.Lock()
	if r, ok := m.dentryCache.Get(key); ok {
		m.dentryMu.Unlock()
		return r.ino, r.present, nil
	}
	m.dentryMu.Unlock()

	ino, found, err := m.lookupViaDirIndex(parent, name)
	if err != nil {
		return 0, false, err
	}

	m.dentryMu.Lock()
	m.dentryCache.Put(key, dentryResult{ino: ino, present: found})
	m.dentryMu.Unlock()
	return ino, found, nil
}

// Lookup resolves (parent, name) to its inode, the FUSE edge's analogue of
// the `lookup` op and the handle layer's way of deciding, before an unlink
// or rename, whether the target currently has open handles.
func (m *Meta) Lookup(parent uint64, name string) (*codec.Inode, error) {
	ino, found, err := m.lookupIno(parent, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fserrors.New("meta.Lookup", fserrors.KindNotFound)
	}
	return m.GetInode(ino)
}

// DirEntry is one (name, ino) pair in a directory listing.
type DirEntry struct {
	Name string
	Ino  uint64
}

// ListDir returns a snapshot of every entry in parent's directory, for the
// FUSE edge to hand to the handle layer when a directory is opened.
func (m *Meta) ListDir(parent uint64) ([]DirEntry, error) {
	ds, err := m.ensureDirLoaded(parent)
	if err != nil {
		return nil, err
	}
	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	out := make([]DirEntry, 0, len(ds.entries))
	for name, ino := range ds.entries {
		out = append(out, DirEntry{Name: name, Ino: ino})
	}
	return out, nil
}

func (m *Meta) lookupViaDirIndex(parent uint64, name string) (uint64, bool, error) {
	ds, err := m.ensureDirLoaded(parent)
	if err != nil {
		return 0, false, err
	}
	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	ino, ok := ds.entries[name]
	return ino, ok, nil
}

// ensureDirLoaded builds the directory index for parent on first use, via
// an ordered KV prefix scan overlaid with currently staged puts/dels.
func (m *Meta) ensureDirLoaded(parent uint64) (*dirState, error) {
	m.dirMu.Lock()
	if ds, ok := m.dirIndex[parent]; ok && ds.loaded {
		m.dirMu.Unlock()
		return ds, nil
	}
	m.dirMu.Unlock()

	entries := make(map[string]uint64)
	prefix := dentryPrefix(parent)
	err := m.kv.ScanPrefix(prefix, func(key string, val []byte) bool {
		d, derr := codec.DecodeDentry(val)
		if derr != nil {
			return true
		}
		entries[strings.TrimPrefix(key, prefix)] = d.Ino
		return true
	})
	if err != nil {
		return nil, fserrors.Wrap("meta.ensureDirLoaded", fserrors.KindCorruption, err)
	}

	puts, dels := m.pending.overlayPrefix(prefix)
	for k, v := range puts {
		d, derr := codec.DecodeDentry(v)
		if derr == nil {
			entries[strings.TrimPrefix(k, prefix)] = d.Ino
		}
	}
	for k := range dels {
		delete(entries, strings.TrimPrefix(k, prefix))
	}

	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	ds := &dirState{loaded: true, entries: entries}
	m.dirIndex[parent] = ds
	return ds, nil
}

func (m *Meta) invalidateDentry(parent uint64, name string) {
	m.dentryMu.Lock()
	m.dentryCache.Remove(dentryKey(parent, name))
	m.dentryMu.Unlock()
}

func (m *Meta) setDirEntry(parent uint64, name string, ino uint64) {
	m.dirMu.Lock()
	if ds, ok := m.dirIndex[parent]; ok && ds.loaded {
		ds.entries[name] = ino
	}
	m.dirMu.Unlock()
	m.invalidateDentry(parent, name)
}

func (m *Meta) clearDirEntry(parent uint64, name string) {
	m.dirMu.Lock()
	if ds, ok := m.dirIndex[parent]; ok && ds.loaded {
		delete(ds.entries, name)
	}
	m.dirMu.Unlock()
	m.invalidateDentry(parent, name)
}

func (m *Meta) dirIsEmpty(parent uint64) (bool, error) {
	ds, err := m.ensureDirLoaded(parent)
	if err != nil {
		return false, err
	}
	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	return len(ds.entries) == 0, nil
}

// ---- inode cache --------------------------------------------------------

// GetInode resolves ino, consulting the inode cache, pending writes, and
// finally the committed KV store.
func (m *Meta) GetInode(ino uint64) (*codec.Inode, error) {
	m.inodeMu.RLock()
	if ci, ok := m.inodes[ino]; ok {
		in := *ci.inode
		m.inodeMu.RUnlock()
		return &in, nil
	}
	m.inodeMu.RUnlock()

	key := inodeKey(ino)
	if val, isPut, isDel := m.pending.get(key); isPut {
		in, err := codec.DecodeInode(val)
		if err != nil {
			return nil, fserrors.Wrap("meta.GetInode", fserrors.KindCorruption, err)
		}
		m.cacheInode(in, false)
		return in, nil
	} else if isDel {
		return nil, fserrors.New("meta.GetInode", fserrors.KindNotFound)
	}

	raw, err := m.kv.Get(key)
	if err != nil {
		return nil, fserrors.New("meta.GetInode", fserrors.KindNotFound)
	}
	in, err := codec.DecodeInode(raw)
	if err != nil {
		return nil, fserrors.Wrap("meta.GetInode", fserrors.KindCorruption, err)
	}
	m.cacheInode(in, false)
	return in, nil
}

func (m *Meta) cacheInode(in *codec.Inode, dirty bool) {
	m.inodeMu.Lock()
	m.inodes[in.Ino] = &cachedInode{inode: in, dirty: dirty}
	m.inodeMu.Unlock()
}

func (m *Meta) evictInode(ino uint64) {
	m.inodeMu.Lock()
	delete(m.inodes, ino)
	m.inodeMu.Unlock()
}

func (m *Meta) markDirty(ino uint64) {
	m.dirtyMu.Lock()
	m.dirty[ino] = struct{}{}
	m.dirtyMu.Unlock()
}

// ---- mutations ------------------------------------------------------

// Mknod creates a new dentry+inode under parent. kind/mode/uid/gid follow
// POSIX creat/mkdir/symlink semantics; links starts at 2 for a directory
// (self plus the parent's reference) and 1 otherwise.
func (m *Meta) Mknod(parent uint64, name string, kind codec.Kind, mode, uid, gid uint32) (*codec.Inode, error) {
	if _, found, err := m.lookupIno(parent, name); err != nil {
		return nil, err
	} else if found {
		return nil, fserrors.New("meta.Mknod", fserrors.KindExists)
	}

	parentInode, err := m.GetInode(parent)
	if err != nil {
		return nil, err
	}
	if parentInode.Kind != codec.KindDir {
		return nil, fserrors.New("meta.Mknod", fserrors.KindNotDir)
	}

	m.stateMu.Lock()
	plan, err := m.imap.AllocPlan(m.loadGroup)
	if err != nil {
		m.stateMu.Unlock()
		return nil, fserrors.Wrap("meta.Mknod", fserrors.KindCorruption, err)
	}
	if plan == nil {
		m.stateMu.Unlock()
		return nil, fserrors.New("meta.Mknod", fserrors.KindBusy)
	}
	if m.strict {
		if _, ok := m.inodes[plan.Ino]; ok {
			panic(fmt.Sprintf("meta: strict invariant violated: allocated ino %d has a live inode record", plan.Ino))
		}
	}
	m.pending.put(groupKey(plan.Gid), codec.EncodeBitMap64(plan.Group()))
	m.pending.put(summaryKey, codec.EncodeBitMap64(plan.Summary()))
	m.imap.ApplyAlloc(plan)
	m.stateMu.Unlock()

	now := m.clock.Now().UnixNano()
	links := uint32(1)
	if kind == codec.KindDir {
		links = 2
	}
	in := &codec.Inode{
		Ino: plan.Ino, Parent: parent, Kind: kind,
		Mode: mode, Uid: uid, Gid: gid,
		Atime: now, Mtime: now, Ctime: now,
		Length: 0, Links: links,
	}
	m.pending.put(inodeKey(in.Ino), codec.EncodeInode(in))
	m.pending.put(dentryKey(parent, name), codec.EncodeDentry(&codec.Dentry{Ino: in.Ino}))
	m.cacheInode(in, false)
	m.setDirEntry(parent, name, in.Ino)

	if kind == codec.KindDir {
		parentInode.Links++
		parentInode.Ctime = now
		m.cacheInode(parentInode, true)
		m.markDirty(parent)
	}

	out := *in
	return &out, nil
}

// Unlink removes (parent, name). Directories must be empty. A file whose
// link count stays positive after this unlink keeps its inode; otherwise
// the inode is staged for deletion and its ino queued in pending_free.
func (m *Meta) Unlink(parent uint64, name string) (*codec.Inode, error) {
	ino, found, err := m.lookupIno(parent, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fserrors.New("meta.Unlink", fserrors.KindNotFound)
	}
	in, err := m.GetInode(ino)
	if err != nil {
		return nil, err
	}

	if in.Kind == codec.KindDir {
		empty, err := m.dirIsEmpty(ino)
		if err != nil {
			return nil, err
		}
		if !empty {
			return nil, fserrors.New("meta.Unlink", fserrors.KindNotEmpty)
		}
		if parentInode, perr := m.GetInode(parent); perr == nil {
			parentInode.Links--
			parentInode.Ctime = m.clock.Now().UnixNano()
			m.cacheInode(parentInode, true)
			m.markDirty(parent)
		}
		return m.stageFinalUnlink(parent, name, in)
	}

	if in.Links > 1 {
		m.pending.del(dentryKey(parent, name))
		m.clearDirEntry(parent, name)
		in.Links--
		in.Ctime = m.clock.Now().UnixNano()
		m.pending.put(inodeKey(ino), codec.EncodeInode(in))
		m.cacheInode(in, false)
		out := *in
		return &out, nil
	}

	return m.stageFinalUnlink(parent, name, in)
}

// stageFinalUnlink stages the dentry+inode delete and enqueues ino for slot
// reuse, returning a copy of in with Links set to 0.
func (m *Meta) stageFinalUnlink(parent uint64, name string, in *codec.Inode) (*codec.Inode, error) {
	m.pending.del(dentryKey(parent, name))
	m.clearDirEntry(parent, name)
	m.pending.del(inodeKey(in.Ino))
	m.evictInode(in.Ino)
	m.enqueuePendingFree(in.Ino)

	out := *in
	out.Links = 0
	return &out, nil
}

func (m *Meta) enqueuePendingFree(ino uint64) {
	m.orphanMu.Lock()
	m.pendingFree = append(m.pendingFree, ino)
	m.orphanMu.Unlock()
}

// UnlinkKeepInode removes the dentry and zeroes the inode's link count but
// does not free its slot; used when open file handles still reference ino.
// ino is added to the orphan set; the caller (internal/handle) eventually
// calls FinalizeUnlink once the last handle is released.
func (m *Meta) UnlinkKeepInode(parent uint64, name string) (*codec.Inode, error) {
	ino, found, err := m.lookupIno(parent, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fserrors.New("meta.UnlinkKeepInode", fserrors.KindNotFound)
	}
	in, err := m.GetInode(ino)
	if err != nil {
		return nil, err
	}

	m.pending.del(dentryKey(parent, name))
	m.clearDirEntry(parent, name)
	in.Links = 0
	in.Ctime = m.clock.Now().UnixNano()
	m.pending.put(inodeKey(ino), codec.EncodeInode(in))
	m.cacheInode(in, false)

	m.orphanMu.Lock()
	m.orphans[ino] = struct{}{}
	m.orphanMu.Unlock()

	out := *in
	return &out, nil
}

// FinalizeUnlink idempotently finishes an orphaned ino once its last handle
// has closed: it re-checks Links==0, stages the inode delete, and enqueues
// the slot for reuse.
func (m *Meta) FinalizeUnlink(ino uint64) error {
	m.orphanMu.Lock()
	_, isOrphan := m.orphans[ino]
	delete(m.orphans, ino)
	m.orphanMu.Unlock()
	if !isOrphan {
		return nil
	}

	in, err := m.GetInode(ino)
	if err != nil {
		// Already finalized by a racing caller.
		return nil
	}
	if in.Links != 0 {
		return fserrors.New("meta.FinalizeUnlink", fserrors.KindInvalid)
	}

	m.pending.del(inodeKey(ino))
	m.evictInode(ino)
	m.enqueuePendingFree(ino)
	return nil
}

// IsOrphan reports whether ino is currently in the orphan set.
func (m *Meta) IsOrphan(ino uint64) bool {
	m.orphanMu.Lock()
	defer m.orphanMu.Unlock()
	_, ok := m.orphans[ino]
	return ok
}

// Orphans returns a snapshot of every ino currently in the orphan set, used
// by the handle layer at shutdown to finalize whatever no FUSE release ever
// arrived for.
func (m *Meta) Orphans() []uint64 {
	m.orphanMu.Lock()
	defer m.orphanMu.Unlock()
	out := make([]uint64, 0, len(m.orphans))
	for ino := range m.orphans {
		out = append(out, ino)
	}
	return out
}

// Link adds a new name for an existing (non-directory) inode.
func (m *Meta) Link(ino, newParent uint64, newName string) (*codec.Inode, error) {
	in, err := m.GetInode(ino)
	if err != nil {
		return nil, err
	}
	if in.Kind == codec.KindDir {
		return nil, fserrors.New("meta.Link", fserrors.KindPerm)
	}
	if _, found, err := m.lookupIno(newParent, newName); err != nil {
		return nil, err
	} else if found {
		return nil, fserrors.New("meta.Link", fserrors.KindExists)
	}

	in.Links++
	in.Ctime = m.clock.Now().UnixNano()
	m.pending.put(inodeKey(ino), codec.EncodeInode(in))
	m.pending.put(dentryKey(newParent, newName), codec.EncodeDentry(&codec.Dentry{Ino: ino}))
	m.cacheInode(in, false)
	m.setDirEntry(newParent, newName, ino)

	out := *in
	return &out, nil
}

// DisplacedPolicy decides, for a rename that would overwrite an existing
// target, whether the displaced inode must be kept alive as an orphan
// (an open file handle still references it) or can be finalized outright.
// The handle layer supplies this based on its live refcounts.
type DisplacedPolicy func(ino uint64) (keepAsOrphan bool)

// RenameWithUnlink moves (oldParent, oldName) to (newParent, newName). If a
// dentry already occupies the destination, policy decides whether its
// inode is orphaned (handle layer has open references) or unlinked outright.
func (m *Meta) RenameWithUnlink(oldParent uint64, oldName string, newParent uint64, newName string, policy DisplacedPolicy) error {
	srcIno, found, err := m.lookupIno(oldParent, oldName)
	if err != nil {
		return err
	}
	if !found {
		return fserrors.New("meta.Rename", fserrors.KindNotFound)
	}
	srcInode, err := m.GetInode(srcIno)
	if err != nil {
		return err
	}

	if dstIno, found, err := m.lookupIno(newParent, newName); err != nil {
		return err
	} else if found {
		dstInode, err := m.GetInode(dstIno)
		if err != nil {
			return err
		}
		if dstInode.Kind == codec.KindDir {
			empty, err := m.dirIsEmpty(dstIno)
			if err != nil {
				return err
			}
			if !empty {
				return fserrors.New("meta.Rename", fserrors.KindNotEmpty)
			}
		}
		if policy(dstIno) {
			m.pending.del(dentryKey(newParent, newName))
			m.clearDirEntry(newParent, newName)
			dstInode.Links = 0
			dstInode.Ctime = m.clock.Now().UnixNano()
			m.pending.put(inodeKey(dstIno), codec.EncodeInode(dstInode))
			m.cacheInode(dstInode, false)
			m.orphanMu.Lock()
			m.orphans[dstIno] = struct{}{}
			m.orphanMu.Unlock()
		} else {
			if _, err := m.stageFinalUnlink(newParent, newName, dstInode); err != nil {
				return err
			}
		}
	}

	m.pending.del(dentryKey(oldParent, oldName))
	m.clearDirEntry(oldParent, oldName)
	m.pending.put(dentryKey(newParent, newName), codec.EncodeDentry(&codec.Dentry{Ino: srcIno}))
	m.setDirEntry(newParent, newName, srcIno)

	if oldParent != newParent && srcInode.Kind == codec.KindDir {
		srcInode.Parent = newParent
		srcInode.Ctime = m.clock.Now().UnixNano()
		m.pending.put(inodeKey(srcIno), codec.EncodeInode(srcInode))
		m.cacheInode(srcInode, false)
	}

	return nil
}

// UpdateInodeAfterWrite bumps mtime/ctime and grows length if endOff
// extends past the current length, then marks ino dirty for the next
// FlushDirtyInodes (spec.md data flow: edge → handle → ... →
// Meta.update_inode_after_write → dirty set).
func (m *Meta) UpdateInodeAfterWrite(ino uint64, endOff uint64) error {
	return m.updateInodeLength(ino, endOff, false)
}

// SetInodeLength sets ino's length to exactly size, used by the setattr
// truncate path (spec.md §4.7) where the new length can be smaller than the
// current one — unlike UpdateInodeAfterWrite, which only ever grows.
func (m *Meta) SetInodeLength(ino uint64, size uint64) error {
	return m.updateInodeLength(ino, size, true)
}

func (m *Meta) updateInodeLength(ino uint64, length uint64, force bool) error {
	m.inodeMu.Lock()
	ci, ok := m.inodes[ino]
	if !ok {
		m.inodeMu.Unlock()
		in, err := m.GetInode(ino)
		if err != nil {
			return err
		}
		ci = &cachedInode{inode: in}
		m.inodeMu.Lock()
		m.inodes[ino] = ci
	}
	now := m.clock.Now().UnixNano()
	ci.inode.Mtime = now
	ci.inode.Ctime = now
	if force || length > ci.inode.Length {
		ci.inode.Length = length
	}
	ci.dirty = true
	m.inodeMu.Unlock()

	m.markDirty(ino)
	return nil
}

// FlushDirtyInodes drains the dirty set and stages each inode's current
// in-memory value as a pending KV put. A concurrent UpdateInodeAfterWrite
// racing with this call re-marks its ino dirty, so it is safely restaged
// on the next round rather than lost.
func (m *Meta) FlushDirtyInodes() error {
	m.dirtyMu.Lock()
	if len(m.dirty) == 0 {
		m.dirtyMu.Unlock()
		return nil
	}
	inos := make([]uint64, 0, len(m.dirty))
	for ino := range m.dirty {
		inos = append(inos, ino)
	}
	for _, ino := range inos {
		delete(m.dirty, ino)
	}
	m.dirtyMu.Unlock()

	m.inodeMu.RLock()
	for _, ino := range inos {
		ci, ok := m.inodes[ino]
		if !ok {
			continue
		}
		m.pending.put(inodeKey(ino), codec.EncodeInode(ci.inode))
	}
	m.inodeMu.RUnlock()
	return nil
}

// CommitPending repeatedly takes a bounded batch of staged operations and
// commits it in one KV transaction, halving the batch size and retrying on
// failure (spec.md §4.3 commit_pending), then drains pending_free.
func (m *Meta) CommitPending() error {
	maxN := metaCommitBatchEntries
	for {
		batch := m.pending.takeBatch(maxN, metaCommitBatchBytes)
		if len(batch) == 0 {
			break
		}
		err := m.kv.Batch(func(tx *kvstore.Tx) error {
			for _, op := range batch {
				if op.isDelete {
					if err := tx.Del(op.key); err != nil {
						return err
					}
				} else if err := tx.Upsert(op.key, op.val); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			m.pending.restore(batch)
			maxN /= 2
			if maxN < 1 {
				return fserrors.Wrap("meta.CommitPending", fserrors.KindCorruption, err)
			}
			continue
		}
		for _, op := range batch {
			m.kv.InvalidateCache(op.key)
		}
	}
	return m.ApplyPendingFrees()
}

// ApplyPendingFrees frees the slot for every pending_free ino whose inode
// key has no remaining pending put/del, which is the serialization fence
// preventing ino reuse while its old record is still visible to readers
// (spec.md §4.3, invariant 1). With JUNK_ENABLE_INO_REUSE disabled, slots
// are simply dropped from the queue without being returned to the InoMap.
func (m *Meta) ApplyPendingFrees() error {
	m.orphanMu.Lock()
	pending := m.pendingFree
	m.pendingFree = nil
	m.orphanMu.Unlock()

	var retained []uint64
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	for _, ino := range pending {
		if m.pending.has(inodeKey(ino)) {
			retained = append(retained, ino)
			continue
		}
		if !m.enableInoReuse {
			continue
		}
		plan, err := m.imap.FreePlan(ino, m.loadGroup)
		if err != nil {
			return fserrors.Wrap("meta.ApplyPendingFrees", fserrors.KindCorruption, err)
		}
		if plan == nil {
			continue
		}
		m.pending.put(groupKey(plan.Gid), codec.EncodeBitMap64(plan.Group()))
		m.pending.put(summaryKey, codec.EncodeBitMap64(plan.Summary()))
		m.imap.ApplyFree(plan)
	}

	m.orphanMu.Lock()
	m.pendingFree = append(m.pendingFree, retained...)
	m.orphanMu.Unlock()
	return nil
}

// CheckInvariants validates the InoMap's structural invariants; called
// directly by tests. Panics on violation.
func (m *Meta) CheckInvariants() {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	m.imap.Check()
}
