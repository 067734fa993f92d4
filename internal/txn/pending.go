package txn

import (
	"sort"

	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

// pendingSet is an insertion-ordered map of a transaction's uncommitted
// writes, keyed by logical key bytes. Later writes to the same key replace
// earlier ones in place without disturbing iteration order, matching
// tinySQL's WriteSet bookkeeping (mvcc.go TxContext.WriteSet) generalized
// from per-table row-id sets to a single flat key space.
type pendingSet struct {
	order []string
	byKey map[string]core.Delta
}

func newPendingSet() *pendingSet {
	return &pendingSet{byKey: make(map[string]core.Delta)}
}

func (p *pendingSet) put(d core.Delta) {
	k := rawKeyString(d.Key)
	if _, exists := p.byKey[k]; !exists {
		p.order = append(p.order, k)
	}
	p.byKey[k] = d
}

func (p *pendingSet) get(k key.EncodedKey) (core.Delta, bool) {
	d, ok := p.byKey[rawKeyString(k)]
	return d, ok
}

func (p *pendingSet) len() int { return len(p.order) }

// sortedDeltas returns every pending delta sorted by key, the order the
// multi-version store expects for a deterministic commit.
func (p *pendingSet) sortedDeltas() []core.Delta {
	out := make([]core.Delta, 0, len(p.order))
	for _, k := range p.order {
		out = append(out, p.byKey[k])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Compare(out[j].Key) < 0 })
	return out
}

// writeKeySet returns the set of logical keys this pending set will write,
// for commit-history bookkeeping.
func (p *pendingSet) writeKeySet() map[string]bool {
	out := make(map[string]bool, len(p.order))
	for _, k := range p.order {
		out[k] = true
	}
	return out
}

// readSet tracks a CommandTxn's point reads and scanned ranges for the
// commit-time conflict check.
type readSet struct {
	points map[string]bool
	ranges []kindRange
}

func newReadSet() *readSet {
	return &readSet{points: make(map[string]bool)}
}

func (r *readSet) recordPoint(k key.EncodedKey) {
	r.points[rawKeyString(k)] = true
}

func (r *readSet) recordRange(kind key.KeyKind, start, end key.EncodedKey) {
	r.ranges = append(r.ranges, kindRange{kind: kind, start: start, end: end})
}

// touched reports whether the transaction has observed anything yet.
func (r *readSet) touched() bool {
	return len(r.points) > 0 || len(r.ranges) > 0
}
