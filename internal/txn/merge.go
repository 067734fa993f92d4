package txn

import (
	"sort"

	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
	"github.com/reifydb/reifydb/internal/multi"
)

// MergeScanner implements the two-finger merge of a CommandTxn's own
// pending writes against the store's committed scan: at each step it
// compares the next pending key against the next committed key and yields
// whichever sorts first, preferring the pending side on a tie so a
// transaction always sees its own uncommitted writes.
type MergeScanner struct {
	pending     []core.Delta // already filtered to the scan's [start,end) and sorted
	pendingIdx  int
	committed   *multi.Scanner
	haveCommit  bool
	nextCommit  core.MultiVersionEntry
	reverse     bool
}

func newMergeScanner(kind key.KeyKind, start, end key.EncodedKey, asOf core.CommitVersion, pending *pendingSet, committed *multi.Scanner, reverse bool) *MergeScanner {
	var inRange []core.Delta
	for _, k := range pending.order {
		d := pending.byKey[k]
		if d.Key.Kind() != kind {
			continue
		}
		if !start.IsEmpty() && d.Key.Compare(start) < 0 {
			continue
		}
		if !end.IsEmpty() && d.Key.Compare(end) >= 0 {
			continue
		}
		inRange = append(inRange, d)
	}
	if reverse {
		sort.Slice(inRange, func(i, j int) bool { return inRange[i].Key.Compare(inRange[j].Key) > 0 })
	} else {
		sort.Slice(inRange, func(i, j int) bool { return inRange[i].Key.Compare(inRange[j].Key) < 0 })
	}
	return &MergeScanner{pending: inRange, committed: committed, reverse: reverse}
}

func (m *MergeScanner) fillCommit() error {
	if m.haveCommit {
		return nil
	}
	for {
		e, ok, err := m.committed.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		// Skip committed entries shadowed by a pending write; the
		// pending branch below will surface (or hide, if unset) them.
		m.nextCommit = e
		m.haveCommit = true
		return nil
	}
}

func before(reverse bool, a, b key.EncodedKey) bool {
	if reverse {
		return a.Compare(b) > 0
	}
	return a.Compare(b) < 0
}

// Next returns the next merged (key, values) pair, or ok=false when both
// sides are exhausted. Entries whose pending delta is an Unset are
// skipped, not returned as tombstones, since callers only want live rows.
func (m *MergeScanner) Next() (core.MultiVersionEntry, bool, error) {
	for {
		if err := m.fillCommit(); err != nil {
			return core.MultiVersionEntry{}, false, err
		}
		havePending := m.pendingIdx < len(m.pending)

		switch {
		case !havePending && !m.haveCommit:
			return core.MultiVersionEntry{}, false, nil

		case havePending && (!m.haveCommit || before(m.reverse, m.pending[m.pendingIdx].Key, m.nextCommit.Key) || m.pending[m.pendingIdx].Key.Equal(m.nextCommit.Key)):
			d := m.pending[m.pendingIdx]
			m.pendingIdx++
			if m.haveCommit && d.Key.Equal(m.nextCommit.Key) {
				m.haveCommit = false // pending shadows the committed version
			}
			if d.Kind == core.DeltaUnset {
				continue
			}
			return core.MultiVersionEntry{Key: d.Key, Values: d.Values}, true, nil

		default:
			e := m.nextCommit
			m.haveCommit = false
			return e, true, nil
		}
	}
}
