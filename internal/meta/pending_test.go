package meta

import (
	"fmt"
	"testing"
)

func TestTakeBatchOrdersAcrossTiers(t *testing.T) {
	p := newPendingSet()

	// Stage more inode puts than the batch cap, plus dentry puts that would
	// sort ahead under plain map iteration. A subset-then-sort bug (take N
	// arbitrary ops, then sort only those) could smuggle a dentry op into
	// this batch while inode ops are still left behind unselected.
	for i := 0; i < 5; i++ {
		p.put(fmt.Sprintf("i_%02d", i), []byte("inode"))
	}
	for i := 0; i < 10; i++ {
		p.put(fmt.Sprintf("d_%02d", i), []byte("dentry"))
	}

	batch := p.takeBatch(3, 0)
	if len(batch) != 3 {
		t.Fatalf("expected batch of 3, got %d", len(batch))
	}
	for _, op := range batch {
		if keyPriority(op.key) != 0 {
			t.Fatalf("expected only tier-0 (inode) keys while tier-0 still has unselected entries, got %q", op.key)
		}
	}
}

func TestTakeBatchRespectsByteCap(t *testing.T) {
	p := newPendingSet()
	p.put("i_1", make([]byte, 10))
	p.put("i_2", make([]byte, 10))
	p.put("i_3", make([]byte, 10))

	batch := p.takeBatch(100, 15)
	if len(batch) != 1 {
		t.Fatalf("expected byte cap to stop after 1 op, got %d", len(batch))
	}

	rest := p.takeBatch(100, 0)
	if len(rest) != 2 {
		t.Fatalf("expected remaining 2 ops still staged, got %d", len(rest))
	}
}

func TestTakeBatchLeavesRemainderStaged(t *testing.T) {
	p := newPendingSet()
	p.put("i_1", []byte("a"))
	p.del("d_1")

	first := p.takeBatch(1, 0)
	if len(first) != 1 || first[0].key != "i_1" {
		t.Fatalf("expected inode op taken first, got %+v", first)
	}
	if p.len() != 1 {
		t.Fatalf("expected one op left staged, got %d", p.len())
	}

	second := p.takeBatch(1, 0)
	if len(second) != 1 || second[0].key != "d_1" || !second[0].isDelete {
		t.Fatalf("expected dentry delete taken second, got %+v", second)
	}
	if p.len() != 0 {
		t.Fatalf("expected pendingSet drained, got %d", p.len())
	}
}

func TestRestoreRestagesOps(t *testing.T) {
	p := newPendingSet()
	p.put("i_1", []byte("a"))
	p.del("d_1")

	taken := p.takeBatch(10, 0)
	if p.len() != 0 {
		t.Fatalf("expected pendingSet drained after takeBatch, got %d", p.len())
	}

	p.restore(taken)
	if p.len() != 2 {
		t.Fatalf("expected restore to re-stage both ops, got %d", p.len())
	}
	if v, isPut, _ := p.get("i_1"); !isPut || string(v) != "a" {
		t.Fatalf("expected i_1 restored as put \"a\", got %q isPut=%v", v, isPut)
	}
	if _, _, isDel := p.get("d_1"); !isDel {
		t.Fatalf("expected d_1 restored as delete")
	}
}
