package inomap

import (
	"testing"

	"github.com/abbycin/junkfs/internal/bitmap"
)

func noLoad(gid uint64) (*bitmap.BitMap64, error) {
	panic("loader should not be called when groups are already in memory")
}

func TestAllocPlanApplyAdvancesCursor(t *testing.T) {
	m, err := New(256, 64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Reserve(0)
	m.Reserve(1)

	plan, err := m.AllocPlan(noLoad)
	if err != nil {
		t.Fatalf("AllocPlan: %v", err)
	}
	if plan == nil {
		t.Fatalf("expected a plan")
	}
	if plan.Ino == 0 || plan.Ino == 1 {
		t.Fatalf("allocated a reserved ino: %d", plan.Ino)
	}
	m.ApplyAlloc(plan)
	if !m.groups[plan.Gid].Test(plan.Ino % m.groupSize) {
		t.Fatalf("expected bit to be set after apply")
	}
}

func TestAllocExhaustion(t *testing.T) {
	m, err := New(64, 64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var allocated []uint64
	for {
		plan, err := m.AllocPlan(noLoad)
		if err != nil {
			t.Fatalf("AllocPlan: %v", err)
		}
		if plan == nil {
			break
		}
		m.ApplyAlloc(plan)
		allocated = append(allocated, plan.Ino)
	}
	if len(allocated) != 64 {
		t.Fatalf("expected to allocate 64 inos, got %d", len(allocated))
	}
	if !m.Summary().IsEmpty() {
		t.Fatalf("expected summary to be fully cleared once exhausted")
	}
}

func TestFreePlanRestoresSummaryBit(t *testing.T) {
	m, err := New(64, 64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var last uint64
	for {
		plan, err := m.AllocPlan(noLoad)
		if err != nil {
			t.Fatalf("AllocPlan: %v", err)
		}
		if plan == nil {
			break
		}
		last = plan.Ino
		m.ApplyAlloc(plan)
	}
	if !m.Summary().IsEmpty() {
		t.Fatalf("expected exhausted summary")
	}

	fp, err := m.FreePlan(last, noLoad)
	if err != nil {
		t.Fatalf("FreePlan: %v", err)
	}
	if fp == nil {
		t.Fatalf("expected a free plan")
	}
	m.ApplyFree(fp)
	if m.Summary().IsEmpty() {
		t.Fatalf("expected summary bit restored after free")
	}

	plan, err := m.AllocPlan(noLoad)
	if err != nil {
		t.Fatalf("AllocPlan: %v", err)
	}
	if plan == nil || plan.Ino != last {
		t.Fatalf("expected to reallocate the freed ino %d, got %+v", last, plan)
	}
}

func TestFreeReservedInoIsNoop(t *testing.T) {
	m, err := New(64, 64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fp, err := m.FreePlan(0, noLoad)
	if err != nil {
		t.Fatalf("FreePlan: %v", err)
	}
	if fp != nil {
		t.Fatalf("expected freeing ino 0 to be a no-op")
	}
}

func TestRepairSummaryFromGroupScan(t *testing.T) {
	m, err := New(256, 64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 70; i++ {
		plan, err := m.AllocPlan(noLoad)
		if err != nil || plan == nil {
			t.Fatalf("AllocPlan #%d: %v", i, err)
		}
		m.ApplyAlloc(plan)
	}
	want := m.Summary().Clone()

	// Simulate a missing imap_sum: rebuild from a from-summary InoMap that
	// must load every group via the loader.
	fresh := FromSummary(256, 64, bitmap.New(m.groupCount))
	groups := m.groups
	err = fresh.RepairSummary(func(gid uint64) (*bitmap.BitMap64, error) {
		return groups[gid].Clone(), nil
	})
	if err != nil {
		t.Fatalf("RepairSummary: %v", err)
	}
	for gid := uint64(0); gid < m.groupCount; gid++ {
		if fresh.Summary().Test(gid) != want.Test(gid) {
			t.Fatalf("summary bit %d mismatch after repair", gid)
		}
	}
}

func TestCheckInvariants(t *testing.T) {
	m, err := New(128, 64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Check()
}
