// Package txn implements the transaction manager: a monotonic version
// oracle, three transaction flavors (QueryTxn, CommandTxn, AdminTxn) and
// the commit-time conflict check that gives CommandTxn serializable
// isolation. Grounded in tinySQL's MVCCManager (internal/storage/mvcc.go):
// its nextTxID/nextTimestamp atomics and activeTxs/commitLog bookkeeping
// are generalized here into a single monotonic version sequence shared by
// every transaction, since the multi-version store (unlike tinySQL's
// per-row XMin/XMax pairs) identifies visibility purely by version number.
package txn

import (
	"sync"

	"github.com/reifydb/reifydb/internal/core"
)

// oracle hands out strictly increasing commit versions and tracks which
// ones are still mid-commit, so readers never observe a version whose
// writes have only partially landed.
type oracle struct {
	mu          sync.Mutex
	next        uint64
	inProgress  map[core.CommitVersion]bool
	lastDone    core.CommitVersion
	activeCount map[core.CommitVersion]int
}

func newOracle(startAfter core.CommitVersion) *oracle {
	return &oracle{
		next:        uint64(startAfter) + 1,
		inProgress:  make(map[core.CommitVersion]bool),
		lastDone:    startAfter,
		activeCount: make(map[core.CommitVersion]int),
	}
}

// snapshot returns the latest fully-done version, the version every new
// transaction reads as of, and registers it as an active snapshot so
// pruneHistory knows not to discard commit records newer readers still
// need for conflict checks.
func (o *oracle) snapshot() core.CommitVersion {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := o.lastDone
	o.activeCount[v]++
	return v
}

// acquireSnapshot registers an explicit hold on v. Used by time-travel
// reads that retarget an open transaction from the snapshot it latched at
// begin to an older version; the retargeted version needs the same
// hold so pruneHistory never discards commit records it still depends on.
func (o *oracle) acquireSnapshot(v core.CommitVersion) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.activeCount[v]++
}

// releaseSnapshot unregisters a transaction's hold on a snapshot version
// once it commits, rolls back, or otherwise closes.
func (o *oracle) releaseSnapshot(v core.CommitVersion) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.activeCount[v]--
	if o.activeCount[v] <= 0 {
		delete(o.activeCount, v)
	}
}

// minActiveSnapshot reports the oldest snapshot version any live
// transaction still depends on, or lastDone if none are active.
func (o *oracle) minActiveSnapshot() core.CommitVersion {
	o.mu.Lock()
	defer o.mu.Unlock()
	min := o.lastDone
	for v := range o.activeCount {
		if v < min {
			min = v
		}
	}
	return min
}

// beginCommit reserves the next version for a commit in progress. It only
// allocates the version; callers (CommandTxn.Commit, AdminTxn.Commit) are
// responsible for holding Manager.commitMu across this call through their
// matching doneCommit/abortCommit so reservation order and physical
// store.Commit order stay in lockstep.
func (o *oracle) beginCommit() core.CommitVersion {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := core.CommitVersion(o.next)
	o.next++
	o.inProgress[v] = true
	return v
}

// doneCommit marks a reserved version as fully committed, advancing
// lastDone only once every lower in-progress version has also completed,
// so lastDone never skips ahead of a commit still in flight.
func (o *oracle) doneCommit(v core.CommitVersion) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inProgress, v)
	for {
		next := o.lastDone + 1
		if o.inProgress[next] {
			break
		}
		if uint64(next) >= o.next {
			break
		}
		o.lastDone = next
	}
}

// abortCommit releases a reserved version without ever making it visible.
// Later versions may still complete; doneCommit's scan treats an aborted
// version the same as a completed one once it is no longer inProgress,
// since the oracle only needs to know no reader will ever ask for it.
func (o *oracle) abortCommit(v core.CommitVersion) {
	o.doneCommit(v)
}
