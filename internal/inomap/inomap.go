// Package inomap implements the segmented inode allocator described in
// spec.md §4.1: a summary bitmap with one bit per group, and lazily loaded
// per-group bitmaps of GroupSize bits each. Allocation and freeing are
// two-phase: a Plan is computed against a snapshot without mutating live
// state, the caller stages the plan's serialized bytes into the pending KV
// writes, and only then is the plan applied to in-memory state. This is
// what lets junkfs recover a consistent summary after a crash between
// staging and commit (see Meta.Load / Testable Property 7).
package inomap

import (
	"fmt"

	"github.com/abbycin/junkfs/internal/bitmap"
)

// GroupLoader loads the persisted bitmap for group gid, used the first time
// a group is touched after a fresh Load.
type GroupLoader func(gid uint64) (*bitmap.BitMap64, error)

// AllocPlan is the result of planning an allocation: the chosen ino and the
// bitmap mutations the caller must stage before calling Apply.
type AllocPlan struct {
	Ino           uint64
	Gid           uint64
	group         *bitmap.BitMap64
	summary       *bitmap.BitMap64
	groupCursor   uint64
	summaryCursor uint64
}

// Group returns the group bitmap the plan would install.
func (p *AllocPlan) Group() *bitmap.BitMap64 { return p.group }

// Summary returns the summary bitmap the plan would install.
func (p *AllocPlan) Summary() *bitmap.BitMap64 { return p.summary }

// FreePlan is the result of planning a free: the bitmap mutations the
// caller must stage before calling ApplyFree.
type FreePlan struct {
	Gid           uint64
	group         *bitmap.BitMap64
	summary       *bitmap.BitMap64
	groupCursor   uint64
	summaryCursor uint64
}

func (p *FreePlan) Group() *bitmap.BitMap64   { return p.group }
func (p *FreePlan) Summary() *bitmap.BitMap64 { return p.summary }

// InoMap is the segmented inode allocator. It is not safe for concurrent
// use; callers serialize access through Meta's state mutex.
type InoMap struct {
	totalInodes uint64
	groupSize   uint64
	groupCount  uint64

	summary *bitmap.BitMap64
	groups  []*bitmap.BitMap64 // nil entries are not yet loaded

	summaryCursor uint64
	groupCursor   []uint64
}

// New creates a fresh InoMap with every group unallocated (used by
// mkfs/Format). groupSize must be a positive multiple of 64.
func New(totalInodes, groupSize uint64) (*InoMap, error) {
	if totalInodes == 0 {
		return nil, fmt.Errorf("inomap: totalInodes must be > 0")
	}
	if groupSize == 0 || groupSize%64 != 0 {
		return nil, fmt.Errorf("inomap: groupSize must be a positive multiple of 64")
	}
	groupCount := ceilDiv(totalInodes, groupSize)
	summary := bitmap.New(groupCount)
	for gid := uint64(0); gid < groupCount; gid++ {
		summary.Set(gid)
	}
	groups := make([]*bitmap.BitMap64, groupCount)
	for gid := range groups {
		groups[gid] = bitmap.New(groupCap(totalInodes, groupSize, uint64(gid)))
	}
	return &InoMap{
		totalInodes: totalInodes,
		groupSize:   groupSize,
		groupCount:  groupCount,
		summary:     summary,
		groups:      groups,
		groupCursor: make([]uint64, groupCount),
	}, nil
}

// FromSummary reconstructs an InoMap from a persisted summary bitmap,
// leaving every group unloaded until first touched. Used by Meta.Load.
func FromSummary(totalInodes, groupSize uint64, summary *bitmap.BitMap64) *InoMap {
	groupCount := ceilDiv(totalInodes, groupSize)
	return &InoMap{
		totalInodes: totalInodes,
		groupSize:   groupSize,
		groupCount:  groupCount,
		summary:     summary,
		groups:      make([]*bitmap.BitMap64, groupCount),
		groupCursor: make([]uint64, groupCount),
	}
}

func ceilDiv(a, b uint64) uint64 { return (a + b - 1) / b }

func groupCap(totalInodes, groupSize, gid uint64) uint64 {
	start := gid * groupSize
	end := totalInodes
	if start+groupSize < end {
		end = start + groupSize
	}
	if end < start {
		return 0
	}
	return end - start
}

// GroupCount returns the number of groups.
func (m *InoMap) GroupCount() uint64 { return m.groupCount }

// GroupSize returns the configured group size in bits.
func (m *InoMap) GroupSize() uint64 { return m.groupSize }

// Summary returns the live summary bitmap. Callers must not mutate it.
func (m *InoMap) Summary() *bitmap.BitMap64 { return m.summary }

// Group returns the in-memory bitmap for gid if it is already loaded, used
// by Format to persist the groups it touches via Reserve before any commit
// loop exists to stage them. Returns nil if the group has not been loaded.
func (m *InoMap) Group(gid uint64) *bitmap.BitMap64 {
	if gid >= m.groupCount {
		return nil
	}
	return m.groups[gid]
}

// ReplaceSummary installs a freshly rebuilt summary (used after a repair
// scan on Load) and resets the summary cursor.
func (m *InoMap) ReplaceSummary(summary *bitmap.BitMap64) {
	m.summary = summary
	m.summaryCursor = 0
}

// Reserve marks ino as allocated without going through the plan/apply
// protocol; used only when priming a freshly created InoMap with
// already-known reservations (ino 0, ino 1 = root) during Format.
func (m *InoMap) Reserve(ino uint64) {
	if ino >= m.totalInodes {
		return
	}
	gid, bit := m.split(ino)
	g := m.groups[gid]
	if g == nil {
		return
	}
	wasFull := g.Full()
	if g.Set(bit) && !wasFull && g.Full() {
		m.summary.Clear(gid)
	}
}

func (m *InoMap) split(ino uint64) (gid, bit uint64) {
	return ino / m.groupSize, ino % m.groupSize
}

func (m *InoMap) ensureGroup(gid uint64, loader GroupLoader) error {
	if m.groups[gid] != nil {
		return nil
	}
	g, err := loader(gid)
	if err != nil {
		return err
	}
	m.groups[gid] = g
	return nil
}

// AllocPlan finds a free ino without mutating live state. Returns a nil
// plan (no error) if the filesystem has no free inodes.
func (m *InoMap) AllocPlan(loader GroupLoader) (*AllocPlan, error) {
	if m.groupCount == 0 || m.summary.IsEmpty() {
		return nil, nil
	}
	summary := m.summary.Clone()
	startGid := m.summaryCursor
	for i := uint64(0); i < m.groupCount; i++ {
		gid, found := summary.FindOneFrom(startGid)
		if !found {
			return nil, nil
		}
		if err := m.ensureGroup(gid, loader); err != nil {
			return nil, err
		}
		group := m.groups[gid]
		gcap := group.Cap
		if gcap == 0 {
			summary.Clear(gid)
			startGid = nextGid(gid, m.groupCount)
			continue
		}
		start := m.groupCursor[gid]
		if start >= gcap {
			start = 0
		}
		bit, found := group.FindZeroFrom(start)
		if !found {
			summary.Clear(gid)
			startGid = nextGid(gid, m.groupCount)
			continue
		}
		newGroup := group.Clone()
		newGroup.Set(bit)
		if newGroup.Full() {
			summary.Clear(gid)
		}
		groupCursor := bit + 1
		if groupCursor >= gcap {
			groupCursor = 0
		}
		summaryCursor := nextGid(gid, m.groupCount)
		return &AllocPlan{
			Ino:           gid*m.groupSize + bit,
			Gid:           gid,
			group:         newGroup,
			summary:       summary,
			groupCursor:   groupCursor,
			summaryCursor: summaryCursor,
		}, nil
	}
	return nil, nil
}

func nextGid(gid, groupCount uint64) uint64 {
	if gid+1 >= groupCount {
		return 0
	}
	return gid + 1
}

// ApplyAlloc commits a previously computed AllocPlan to in-memory state.
// Callers must have already staged Group()/Summary() into pending KV
// writes so a crash between staging and this call is recoverable.
func (m *InoMap) ApplyAlloc(p *AllocPlan) {
	m.groups[p.Gid] = p.group
	m.summary = p.summary
	m.groupCursor[p.Gid] = p.groupCursor
	m.summaryCursor = p.summaryCursor
}

// FreePlan computes the bitmap mutations to free ino, without mutating
// live state. Returns a nil plan if ino is out of range, reserved (0), or
// already free.
func (m *InoMap) FreePlan(ino uint64, loader GroupLoader) (*FreePlan, error) {
	if ino == 0 || ino >= m.totalInodes {
		return nil, nil
	}
	gid, bit := m.split(ino)
	if err := m.ensureGroup(gid, loader); err != nil {
		return nil, err
	}
	group := m.groups[gid]
	if !group.Test(bit) {
		return nil, nil
	}
	wasFull := group.Full()
	newGroup := group.Clone()
	newGroup.Clear(bit)
	newSummary := m.summary.Clone()
	if wasFull {
		newSummary.Set(gid)
	}
	return &FreePlan{
		Gid:           gid,
		group:         newGroup,
		summary:       newSummary,
		groupCursor:   bit,
		summaryCursor: gid,
	}, nil
}

// ApplyFree commits a previously computed FreePlan to in-memory state.
func (m *InoMap) ApplyFree(p *FreePlan) {
	m.groups[p.Gid] = p.group
	m.summary = p.summary
	m.groupCursor[p.Gid] = p.groupCursor
	m.summaryCursor = p.summaryCursor
}

// RepairSummary recomputes the summary bitmap from a full scan of all
// groups, loading any group not yet in memory. Used by Meta.Load when the
// persisted imap_sum key is missing or corrupt (Testable Property 7).
func (m *InoMap) RepairSummary(loader GroupLoader) error {
	summary := bitmap.New(m.groupCount)
	for gid := uint64(0); gid < m.groupCount; gid++ {
		if err := m.ensureGroup(gid, loader); err != nil {
			return err
		}
		if !m.groups[gid].Full() {
			summary.Set(gid)
		}
	}
	m.ReplaceSummary(summary)
	return nil
}

// Check validates the InoMap's structural invariants; panics on violation.
// Used only under strict-invariant mode / tests.
func (m *InoMap) Check() {
	if m.summary.Cap != m.groupCount {
		panic(fmt.Sprintf("inomap: summary cap %d != group count %d", m.summary.Cap, m.groupCount))
	}
	for gid, g := range m.groups {
		if g == nil {
			continue
		}
		wantCap := groupCap(m.totalInodes, m.groupSize, uint64(gid))
		if g.Cap != wantCap {
			panic(fmt.Sprintf("inomap: group %d cap %d != expected %d", gid, g.Cap, wantCap))
		}
		if m.summary.Test(uint64(gid)) == g.Full() {
			panic(fmt.Sprintf("inomap: summary bit for group %d inconsistent with group fullness", gid))
		}
	}
}
