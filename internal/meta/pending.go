package meta

import (
	"strings"
	"sync"
)

// pendingSet stages KV puts/deletes that have not yet reached a committed
// bbolt transaction (spec.md §4.3's "staged mutations"). Every mutating Meta
// operation writes here first; CommitPending drains it in priority order.
type pendingSet struct {
	mu   sync.Mutex
	puts map[string][]byte
	dels map[string]struct{}
}

func newPendingSet() *pendingSet {
	return &pendingSet{
		puts: make(map[string][]byte),
		dels: make(map[string]struct{}),
	}
}

// put stages key=val, clearing any pending delete for the same key.
func (p *pendingSet) put(key string, val []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.dels, key)
	p.puts[key] = val
}

// del stages a delete, clearing any pending put for the same key.
func (p *pendingSet) del(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.puts, key)
	p.dels[key] = struct{}{}
}

// get returns a staged value for key, if any, distinguishing "staged as a
// put" from "staged as a delete" so callers can short-circuit lookups.
func (p *pendingSet) get(key string) (val []byte, isPut bool, isDel bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.puts[key]; ok {
		return v, true, false
	}
	if _, ok := p.dels[key]; ok {
		return nil, false, true
	}
	return nil, false, false
}

// has reports whether key is staged, regardless of put/delete.
func (p *pendingSet) has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.puts[key]; ok {
		return true
	}
	_, ok := p.dels[key]
	return ok
}

// overlayPrefix returns copies of the staged puts/deletes whose key starts
// with prefix, used to overlay a freshly scanned directory index.
func (p *pendingSet) overlayPrefix(prefix string) (puts map[string][]byte, dels map[string]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	puts = make(map[string][]byte)
	dels = make(map[string]struct{})
	for k, v := range p.puts {
		if strings.HasPrefix(k, prefix) {
			puts[k] = v
		}
	}
	for k := range p.dels {
		if strings.HasPrefix(k, prefix) {
			dels[k] = struct{}{}
		}
	}
	return puts, dels
}

// len reports the combined count of staged puts and deletes.
func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.puts) + len(p.dels)
}

// pendingOp is one staged mutation pulled out for a commit batch.
type pendingOp struct {
	key      string
	val      []byte
	isDelete bool
}

// keyPriority orders puts so inodes commit before the dentries that
// reference them (spec.md §4.3 invariant 1; "inode < other < dentry").
func keyPriority(key string) int {
	switch {
	case len(key) >= 2 && key[:2] == "i_":
		return 0
	case key == summaryKey, (len(key) >= 5 && key[:5] == "imap_"):
		return 1
	case len(key) >= 2 && key[:2] == "d_":
		return 2
	default:
		return 1
	}
}

// takeBatch removes up to maxN staged operations, stopping earlier once the
// accumulated value size reaches maxBytes (maxBytes <= 0 means no byte
// limit). Every staged op is bucketed by keyPriority first and the batch is
// filled tier by tier (inode puts/deletes, then imap, then dentry): if the
// cap is reached partway through a tier, the batch stops there rather than
// reaching into a later tier. A single takeBatch call can therefore never
// commit a dentry op while leaving the inode op it references for a later,
// independently-committed transaction — the ordering invariant holds across
// batch boundaries, not just within one batch's own slice.
func (p *pendingSet) takeBatch(maxN int, maxBytes int) []pendingOp {
	p.mu.Lock()
	defer p.mu.Unlock()

	var tiers [3][]pendingOp
	for k, v := range p.puts {
		t := keyPriority(k)
		tiers[t] = append(tiers[t], pendingOp{key: k, val: v})
	}
	for k := range p.dels {
		t := keyPriority(k)
		tiers[t] = append(tiers[t], pendingOp{key: k, isDelete: true})
	}

	var ops []pendingOp
	bytes := 0
	fits := func(extra int) bool {
		return maxBytes <= 0 || bytes == 0 || bytes+extra <= maxBytes
	}
fill:
	for _, tier := range tiers {
		for _, op := range tier {
			extra := len(op.val)
			if op.isDelete {
				extra = len(op.key)
			}
			if len(ops) >= maxN || !fits(extra) {
				break fill
			}
			ops = append(ops, op)
			bytes += extra
		}
	}

	for _, op := range ops {
		if op.isDelete {
			delete(p.dels, op.key)
		} else {
			delete(p.puts, op.key)
		}
	}
	return ops
}

// restore re-stages ops that were taken from a batch but failed to commit.
func (p *pendingSet) restore(ops []pendingOp) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, op := range ops {
		if op.isDelete {
			p.dels[op.key] = struct{}{}
		} else {
			p.puts[op.key] = op.val
		}
	}
}
