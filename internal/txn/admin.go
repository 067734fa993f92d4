package txn

import (
	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/event"
	"github.com/reifydb/reifydb/internal/key"
)

// AdminTxn is a read-write transaction for internal subsystems: CDC
// consumer checkpoints, flow operator state, and stats bookkeeping. Each
// of these writes a private keyspace (partitioned by key.KeyKind) that no
// CommandTxn ever touches, so AdminTxn skips the serializable read-set
// check entirely rather than paying for a conflict scan that can never
// fire. Modeled as its own type, per the original system's distinct
// command/admin transaction kinds, rather than a CommandTxn with a mode
// flag.
type AdminTxn struct {
	mgr      *Manager
	snapshot core.CommitVersion
	pending  *pendingSet

	committed bool
	commitVer core.CommitVersion
	closed    bool
}

func (a *AdminTxn) Version() core.CommitVersion {
	if a.committed {
		return a.commitVer
	}
	return a.snapshot
}

func (a *AdminTxn) Get(kind key.KeyKind, k key.EncodedKey) (core.Values, bool, error) {
	if d, ok := a.pending.get(k); ok {
		if d.Kind == core.DeltaUnset {
			return core.Values{}, false, nil
		}
		return d.Values, true, nil
	}
	return a.mgr.store.Get(kind, k, a.snapshot)
}

func (a *AdminTxn) Set(k key.EncodedKey, values core.Values) {
	a.pending.put(core.Set(k, values))
}

func (a *AdminTxn) Remove(kind key.KeyKind, k key.EncodedKey) error {
	var prior core.Values
	if d, ok := a.pending.get(k); ok {
		prior = d.Values
	} else {
		v, ok, err := a.mgr.store.Get(kind, k, a.snapshot)
		if err != nil {
			return err
		}
		if ok {
			prior = v
		}
	}
	a.pending.put(core.Unset(k, prior))
	return nil
}

// Drop stages a retention policy for k. Commit only queues it against the
// store's deferred sweep; the historical versions it names are not removed
// until a later watermark-bounded DropBefore (or a forced
// FlushDropWorker) call converges past the policy.
func (a *AdminTxn) Drop(k key.EncodedKey, policy core.RetentionPolicy) {
	a.pending.put(core.DropWith(k, policy))
}

func (a *AdminTxn) Range(kind key.KeyKind, start, end key.EncodedKey) *MergeScanner {
	committed := a.mgr.store.Range(kind, start, end, a.snapshot)
	return newMergeScanner(kind, start, end, a.snapshot, a.pending, committed, false)
}

// PendingWrites returns the transaction's currently staged deltas, sorted
// by key. Used by the flow coordinator to pull a worker's staged writes
// out of its scratch transaction without committing it, so they can be
// merged into one outer AdminTxn and committed together.
func (a *AdminTxn) PendingWrites() []core.Delta {
	return a.pending.sortedDeltas()
}

// Merge stages every delta in deltas directly, as if each had been built
// by this transaction's own Set/Remove/Drop calls. Used to fold another
// transaction's PendingWrites into this one before a single combined
// Commit.
func (a *AdminTxn) Merge(deltas []core.Delta) {
	for _, d := range deltas {
		a.pending.put(d)
	}
}

func (a *AdminTxn) Commit() error {
	if a.pending.len() == 0 {
		a.committed = true
		a.commitVer = 0
		a.Close()
		return nil
	}

	a.mgr.commitMu.Lock()
	defer a.mgr.commitMu.Unlock()

	version := a.mgr.oracle.beginCommit()
	deltas := a.pending.sortedDeltas()
	if err := a.mgr.store.Commit(deltas, version); err != nil {
		a.mgr.oracle.abortCommit(version)
		a.Close()
		return err
	}
	a.mgr.oracle.doneCommit(version)
	a.committed = true
	a.commitVer = version
	a.Close()

	if a.mgr.bus != nil {
		event.Publish(a.mgr.bus, event.PostCommitEvent{Version: version, Deltas: deltas})
	}
	return nil
}

func (a *AdminTxn) Rollback() {
	a.pending = newPendingSet()
	a.Close()
}

func (a *AdminTxn) Close() {
	if a.closed {
		return
	}
	a.closed = true
	a.mgr.oracle.releaseSnapshot(a.snapshot)
}
