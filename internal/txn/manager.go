package txn

import (
	"sync"

	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/event"
	"github.com/reifydb/reifydb/internal/key"
	"github.com/reifydb/reifydb/internal/multi"
)

// commitRecord is a retained log of one CommandTxn commit's write set,
// used to detect serialization conflicts against transactions whose
// snapshot predates it. Kept only until the oldest active snapshot has
// moved past its version.
type commitRecord struct {
	version core.CommitVersion
	writes  map[string]bool // logical key string -> written
	ranges  []kindRange     // ranges scanned by the writer, for phantom protection on future readers (symmetry not required: only the writer's point writes matter to conflict checks against readers' read sets)
}

type kindRange struct {
	kind       key.KeyKind
	start, end key.EncodedKey
}

// Manager owns the oracle and the commit history, and is the sole
// construction point for every transaction flavor.
type Manager struct {
	store  *multi.Store
	bus    *event.Bus
	oracle *oracle

	// commitMu serializes the entire reserve -> conflict-check ->
	// store.Commit -> doneCommit sequence across every CommandTxn and
	// AdminTxn sharing this Manager. The oracle's own mutex only
	// protects version allocation; without commitMu two commits can
	// reserve versions v1 < v2 and still race their physical
	// store.Commit calls in either order, which the store's strictly
	// increasing version check then punishes by spuriously aborting
	// whichever one lands second. Holding commitMu across the whole
	// sequence guarantees physical commits land in reservation order.
	commitMu sync.Mutex

	mu      sync.Mutex
	history []commitRecord
}

// NewManager constructs a transaction manager over store, starting the
// version sequence just after store's last committed version so a
// restarted process resumes where it left off.
func NewManager(store *multi.Store, bus *event.Bus) *Manager {
	return &Manager{
		store:  store,
		bus:    bus,
		oracle: newOracle(store.LastCommittedVersion()),
	}
}

// BeginQuery starts a read-only transaction pinned to the latest fully
// committed snapshot.
func (m *Manager) BeginQuery() *QueryTxn {
	snap := m.oracle.snapshot()
	return &QueryTxn{mgr: m, snapshot: snap}
}

// BeginCommand starts a read-write transaction subject to serializable
// conflict checking at commit time.
func (m *Manager) BeginCommand() *CommandTxn {
	snap := m.oracle.snapshot()
	return &CommandTxn{
		mgr:      m,
		snapshot: snap,
		pending:  newPendingSet(),
		reads:    newReadSet(),
	}
}

// BeginAdmin starts a read-write transaction for internal subsystems (CDC
// checkpoints, flow state, stats) that write their own private keyspaces
// and therefore never conflict with user CommandTxns or each other by
// construction; AdminTxn skips the read-set conflict check entirely.
func (m *Manager) BeginAdmin() *AdminTxn {
	snap := m.oracle.snapshot()
	return &AdminTxn{mgr: m, snapshot: snap, pending: newPendingSet()}
}

// recordCommit appends a commit's write set to the history and prunes
// entries no active snapshot can still need.
func (m *Manager) recordCommit(version core.CommitVersion, writes map[string]bool, ranges []kindRange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, commitRecord{version: version, writes: writes, ranges: ranges})
	m.pruneHistoryLocked()
}

func (m *Manager) pruneHistoryLocked() {
	min := m.oracle.minActiveSnapshot()
	i := 0
	for i < len(m.history) && m.history[i].version <= min {
		i++
	}
	if i > 0 {
		m.history = append([]commitRecord(nil), m.history[i:]...)
	}
}

// conflictsSince reports whether any commit with version in
// (snapshot, exclusive upper) touched a key in readKeys or overlapped a
// scanned range.
func (m *Manager) conflictsSince(snapshot core.CommitVersion, readKeys map[string]bool, readRanges []kindRange) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.history {
		if rec.version <= snapshot {
			continue
		}
		for k := range readKeys {
			if rec.writes[k] {
				return true
			}
		}
		for k := range rec.writes {
			for _, rr := range readRanges {
				if rangeContainsKeyString(rr, k) {
					return true
				}
			}
		}
	}
	return false
}

// rawKeyString is the map-key form used throughout this package: the raw
// encoded-key bytes reinterpreted as a string, not a display encoding.
func rawKeyString(k key.EncodedKey) string { return string(k.Bytes()) }

func rangeContainsKeyString(rr kindRange, keyStr string) bool {
	k := key.Raw([]byte(keyStr))
	if k.Kind() != rr.kind {
		return false
	}
	if !rr.start.IsEmpty() && k.Compare(rr.start) < 0 {
		return false
	}
	if !rr.end.IsEmpty() && k.Compare(rr.end) >= 0 {
		return false
	}
	return true
}
