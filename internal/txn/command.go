package txn

import (
	"github.com/sirupsen/logrus"

	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/event"
	"github.com/reifydb/reifydb/internal/key"
)

// CommandTxn is a read-write transaction with optimistic, serializable
// conflict detection at commit time: if any other transaction committed a
// write to a key this transaction read (point or via a scanned range)
// since this transaction's snapshot was taken, Commit fails with
// core.KindSerializationConflict and the caller must retry.
type CommandTxn struct {
	mgr      *Manager
	snapshot core.CommitVersion
	pending  *pendingSet
	reads    *readSet

	committed   bool
	commitVer   core.CommitVersion
	closed      bool
}

func (c *CommandTxn) Version() core.CommitVersion {
	if c.committed {
		return c.commitVer
	}
	return c.snapshot
}

// ReadAsOfVersionExclusive retargets this transaction's reads to versions
// strictly below v: a time-travel command whose snapshot becomes v-1.
// Only legal before the transaction's first read or write; afterwards the
// original snapshot is already observable and moving it would tear the
// transaction's view. The commit-time conflict window still runs from the
// retargeted snapshot, so a time-traveled command conflicts with anything
// committed since v-1 the same way an ordinary one would.
func (c *CommandTxn) ReadAsOfVersionExclusive(v core.CommitVersion) error {
	if v == 0 {
		return core.NewInvalidArgument("txn: exclusive read bound must be positive")
	}
	if c.reads.touched() || c.pending.len() > 0 {
		return core.NewInvalidArgument("txn: ReadAsOfVersionExclusive after the transaction's first read or write")
	}
	c.mgr.oracle.acquireSnapshot(v - 1)
	c.mgr.oracle.releaseSnapshot(c.snapshot)
	c.snapshot = v - 1
	return nil
}

// Get returns c's own pending write for k if one exists, otherwise reads
// the committed store as of the transaction's snapshot and records the
// read for the commit-time conflict check.
func (c *CommandTxn) Get(kind key.KeyKind, k key.EncodedKey) (core.Values, bool, error) {
	if d, ok := c.pending.get(k); ok {
		if d.Kind == core.DeltaUnset {
			return core.Values{}, false, nil
		}
		return d.Values, true, nil
	}
	c.reads.recordPoint(k)
	return c.mgr.store.Get(kind, k, c.snapshot)
}

func (c *CommandTxn) ContainsKey(kind key.KeyKind, k key.EncodedKey) (bool, error) {
	if d, ok := c.pending.get(k); ok {
		return d.Kind != core.DeltaUnset, nil
	}
	c.reads.recordPoint(k)
	return c.mgr.store.Contains(kind, k, c.snapshot)
}

// Set stages a write, visible to this transaction's own subsequent reads
// immediately but invisible to every other transaction until Commit.
func (c *CommandTxn) Set(k key.EncodedKey, values core.Values) {
	c.pending.put(core.Set(k, values))
}

// Remove stages a delete. The prior value is captured (from the
// transaction's own pending writes if present, else the committed store)
// so the CDC producer can build a Remove diff without re-reading after
// commit.
func (c *CommandTxn) Remove(kind key.KeyKind, k key.EncodedKey) error {
	var prior core.Values
	if d, ok := c.pending.get(k); ok {
		prior = d.Values
	} else {
		c.reads.recordPoint(k)
		v, ok, err := c.mgr.store.Get(kind, k, c.snapshot)
		if err != nil {
			return err
		}
		if ok {
			prior = v
		}
	}
	c.pending.put(core.Unset(k, prior))
	return nil
}

// Range returns a merged view of this transaction's own pending writes
// and the committed store as of its snapshot, and records the scan for
// the commit-time conflict check (a phantom write anywhere in range fails
// this transaction's next commit attempt).
func (c *CommandTxn) Range(kind key.KeyKind, start, end key.EncodedKey) *MergeScanner {
	c.reads.recordRange(kind, start, end)
	committed := c.mgr.store.Range(kind, start, end, c.snapshot)
	return newMergeScanner(kind, start, end, c.snapshot, c.pending, committed, false)
}

// RangeRev is Range in descending key order.
func (c *CommandTxn) RangeRev(kind key.KeyKind, start, end key.EncodedKey) *MergeScanner {
	c.reads.recordRange(kind, start, end)
	committed := c.mgr.store.RangeRev(kind, start, end, c.snapshot)
	return newMergeScanner(kind, start, end, c.snapshot, c.pending, committed, true)
}

// RangeStream iterates the merged view of pending and committed entries
// in [start, end), invoking fn per entry. Iteration stops at the first
// error fn returns, which is then returned verbatim.
func (c *CommandTxn) RangeStream(kind key.KeyKind, start, end key.EncodedKey, fn func(core.MultiVersionEntry) error) error {
	scanner := c.Range(kind, start, end)
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

// PendingWrites returns the transaction's currently staged deltas, sorted
// by key. Intended for introspection and tests, not for use in the commit
// path itself.
func (c *CommandTxn) PendingWrites() []core.Delta {
	return c.pending.sortedDeltas()
}

// Commit validates the read set against every commit since this
// transaction's snapshot, then applies the pending writes atomically at a
// freshly reserved version. On conflict, the transaction is left rolled
// back; the caller should Close it and retry with a new transaction.
func (c *CommandTxn) Commit() error {
	if c.pending.len() == 0 {
		// Nothing to write: no version is allocated, no event fires, and
		// Version() reports 0 ("no commit") from here on.
		c.committed = true
		c.commitVer = 0
		c.Close()
		return nil
	}

	c.mgr.commitMu.Lock()
	defer c.mgr.commitMu.Unlock()

	version := c.mgr.oracle.beginCommit()
	if c.mgr.conflictsSince(c.snapshot, c.reads.points, c.reads.ranges) {
		c.mgr.oracle.abortCommit(version)
		c.Close()
		logrus.WithFields(logrus.Fields{"snapshot": uint64(c.snapshot), "attempted": uint64(version)}).
			Debug("txn: serialization conflict, caller should retry")
		return core.NewSerializationConflict("txn: read set conflicts with a commit since this transaction's snapshot")
	}

	deltas := c.pending.sortedDeltas()
	if err := c.mgr.store.Commit(deltas, version); err != nil {
		c.mgr.oracle.abortCommit(version)
		c.Close()
		return err
	}

	c.mgr.recordCommit(version, c.pending.writeKeySet(), c.reads.ranges)
	c.mgr.oracle.doneCommit(version)
	c.committed = true
	c.commitVer = version
	c.Close()

	if c.mgr.bus != nil {
		event.Publish(c.mgr.bus, event.PostCommitEvent{Version: version, Deltas: deltas})
	}
	return nil
}

// Rollback discards every pending write without touching the store.
func (c *CommandTxn) Rollback() {
	c.pending = newPendingSet()
	c.Close()
}

// Close releases the transaction's hold on its snapshot. Safe to call
// more than once, and automatically called by Commit/Rollback.
func (c *CommandTxn) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.mgr.oracle.releaseSnapshot(c.snapshot)
}
