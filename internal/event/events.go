package event

import (
	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

// MultiVersionCommitEvent fires once per successful multi-version store
// commit, before the transaction manager's own PostCommitEvent. It carries
// the raw deltas so the CDC producer can diff them without re-reading the
// store.
type MultiVersionCommitEvent struct {
	Version     core.CommitVersion
	TimestampMs int64
	Deltas      []core.Delta
}

// PostCommitEvent fires once a transaction's commit has been durably
// recorded by the transaction manager, after the oracle marks the commit
// done. It carries the same deltas MultiVersionCommitEvent does; consumers
// that need a stable version to read-as-of, or that want the commit's
// deltas without also handling store-internal commits the manager never
// sees (e.g. none today, but the two events are published from different
// layers), subscribe here rather than to MultiVersionCommitEvent.
type PostCommitEvent struct {
	Version core.CommitVersion
	Deltas  []core.Delta
}

// CdcStatsRecordedEvent fires after the CDC producer persists a Cdc record
// for a commit.
type CdcStatsRecordedEvent struct {
	Version core.CommitVersion
	Changes int
}

// CdcStatsDroppedEvent fires after a cleanup sweep deletes durable Cdc
// records below the watermark; Count is how many it deleted.
type CdcStatsDroppedEvent struct {
	UpToVersion core.CommitVersion
	Count       int
}

// StatsProcessed fires once the stats accumulator has merged a commit's
// StorageStatsDelta into its running totals.
type StatsProcessed struct {
	Version core.CommitVersion
	Kind    key.KeyKind
}

// FlowBatchAppliedEvent fires once the flow coordinator has run a flow's
// instruction through its worker and folded the result into a pending
// commit, whether that commit happens immediately (backfill) or later,
// alongside the triggering CDC (live consumption).
type FlowBatchAppliedEvent struct {
	FlowID    uint64
	ToVersion core.CommitVersion
	Diffs     int
}
