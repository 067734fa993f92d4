package txn

import (
	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
	"github.com/reifydb/reifydb/internal/multi"
)

// QueryTxn is a read-only transaction pinned to a fixed snapshot version.
// It never participates in conflict checking and never blocks a
// CommandTxn's commit.
type QueryTxn struct {
	mgr         *Manager
	snapshot    core.CommitVersion
	readStarted bool
	closed      bool
}

// Version returns the snapshot version this transaction reads as of.
func (q *QueryTxn) Version() core.CommitVersion { return q.snapshot }

// ReadAsOfVersion retargets this transaction to read as of v, inclusive: a
// time-travel read against any still-retained historical version. Only
// legal before the first read; once a read has observed the current
// snapshot, moving it would tear the transaction's view.
func (q *QueryTxn) ReadAsOfVersion(v core.CommitVersion) error {
	if q.readStarted {
		return core.NewInvalidArgument("txn: ReadAsOfVersion after the transaction's first read")
	}
	q.mgr.oracle.acquireSnapshot(v)
	q.mgr.oracle.releaseSnapshot(q.snapshot)
	q.snapshot = v
	return nil
}

func (q *QueryTxn) Get(kind key.KeyKind, k key.EncodedKey) (core.Values, bool, error) {
	q.readStarted = true
	return q.mgr.store.Get(kind, k, q.snapshot)
}

func (q *QueryTxn) ContainsKey(kind key.KeyKind, k key.EncodedKey) (bool, error) {
	q.readStarted = true
	return q.mgr.store.Contains(kind, k, q.snapshot)
}

// Range returns a forward scanner over [start, end) as of this
// transaction's snapshot.
func (q *QueryTxn) Range(kind key.KeyKind, start, end key.EncodedKey) *multi.Scanner {
	q.readStarted = true
	return q.mgr.store.Range(kind, start, end, q.snapshot)
}

// RangeRev returns a reverse scanner over [start, end) as of this
// transaction's snapshot.
func (q *QueryTxn) RangeRev(kind key.KeyKind, start, end key.EncodedKey) *multi.Scanner {
	q.readStarted = true
	return q.mgr.store.RangeRev(kind, start, end, q.snapshot)
}

// RangeStream iterates every visible entry in [start, end), invoking fn
// per entry. Iteration stops at the first error fn returns, which is then
// returned verbatim.
func (q *QueryTxn) RangeStream(kind key.KeyKind, start, end key.EncodedKey, fn func(core.MultiVersionEntry) error) error {
	scanner := q.Range(kind, start, end)
	for {
		e, ok, err := scanner.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// Close releases the transaction's hold on its snapshot, allowing the
// manager to eventually prune commit history older than it.
func (q *QueryTxn) Close() {
	if q.closed {
		return
	}
	q.closed = true
	q.mgr.oracle.releaseSnapshot(q.snapshot)
}
