// Package stats implements atomic, per-transaction accumulation of
// storage statistics, merged into a process-wide running total at commit
// so no observer ever sees a partially-applied delta.
//
// What: three maps of signed counters: one per tier, one per (tier, kind,
// object id) bucket, and one per object for the CDC log. There is no
// separate (tier, kind) map; such a total is the sum of that kind's
// buckets. Current counts track live rows; historical counts
// track versions retained behind the latest (the move-to-historical
// pattern RecordWrite(pre) implements); CDC counts track the durable
// change log's own footprint.
// How: grounded in tinySQL's internal/storage/bufferpool.go Stats struct
// (a mutex-guarded counters block updated in place and read back via a
// snapshot method), generalized from one flat struct to the three-map
// model and from byte/row gauges to signed accumulating deltas.
package stats

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

// Tier names the physical placement a kind resolved to, mirroring
// backend.Tiered's "hot"/"warm"/"cold" placement strings without this
// package importing backend (which would create an import cycle with
// multi, which backend.Tiered sits beneath).
type Tier string

// ObjectId names one logical entity a delta is attributed to: a table, a
// view, or a system kind's own keyspace. Absent a richer catalog, the
// object id defaults to the key.KeyKind's name; callers with real catalog
// ids (e.g. per-source-table ids) should use RecordObject directly.
type ObjectId string

// TierOf resolves which tier a key.KeyKind accumulates under. Assignable
// so the accumulator can be wired to the same Placement policy as the
// tiered backend without a direct dependency on it.
type TierOf func(key.KeyKind) Tier

// DefaultTierOf mirrors backend.DefaultPlacement so an Accumulator
// constructed without an explicit TierOf still partitions sensibly.
func DefaultTierOf(kind key.KeyKind) Tier {
	switch kind {
	case key.KindRow, key.KindIndex:
		return "hot"
	case key.KindCDC, key.KindFlow, key.KindFlowState:
		return "warm"
	case key.KindCatalog, key.KindStats, key.KindSystem:
		return "cold"
	default:
		return "hot"
	}
}

// MultiStorageStats is one (tier, kind, object) bucket's running totals,
// as returned by ScanTier.
type MultiStorageStats struct {
	Tier     Tier
	Kind     key.KeyKind
	Object   ObjectId
	Current  core.StorageStatsDelta
}

// String renders byte counters in human-readable form for logging,
// matching go-humanize's use elsewhere in the pack for operator-facing
// size output.
func (s MultiStorageStats) String() string {
	return fmt.Sprintf("%s/%s/%s: rows=%d (%s keys, %s values), historical=%d",
		s.Tier, s.Kind, s.Object,
		s.Current.CurrentCount,
		humanize.Bytes(uint64(max64(s.Current.CurrentKeyBytes, 0))),
		humanize.Bytes(uint64(max64(s.Current.CurrentValueBytes, 0))),
		s.Current.HistoricalCount)
}

// CdcStats is one object's accumulated CDC log footprint.
type CdcStats struct {
	Object     ObjectId
	Count      int64
	KeyBytes   int64
	ValueBytes int64
}

func (s CdcStats) String() string {
	return fmt.Sprintf("%s: %d records, %s", s.Object, s.Count,
		humanize.Bytes(uint64(max64(s.KeyBytes+s.ValueBytes, 0))))
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

type bucketKey struct {
	tier   Tier
	kind   key.KeyKind
	object ObjectId
}

// Accumulator is the process-wide stats singleton: callers never
// construct their own, they are handed the one built at engine startup and
// passed by reference to every subsystem that records deltas (multi.Store,
// cdc.Producer), replacing the original's global mutable counters.
type Accumulator struct {
	tierOf TierOf

	mu      sync.Mutex
	byTier  map[Tier]*core.StorageStatsDelta
	buckets map[bucketKey]*core.StorageStatsDelta
	cdc     map[ObjectId]*CdcStats
}

// New constructs an empty Accumulator. tierOf may be nil to use
// DefaultTierOf.
func New(tierOf TierOf) *Accumulator {
	if tierOf == nil {
		tierOf = DefaultTierOf
	}
	return &Accumulator{
		tierOf:  tierOf,
		byTier:  make(map[Tier]*core.StorageStatsDelta),
		buckets: make(map[bucketKey]*core.StorageStatsDelta),
		cdc:     make(map[ObjectId]*CdcStats),
	}
}

// Record merges delta into the tier total and the (tier, kind, object)
// bucket it is attributed to, with the object id defaulting to
// the kind's own name. Satisfies multi.StatsRecorder so multi.Store can
// call it directly at the end of a successful Commit without this package
// importing multi (multi already declares the interface locally to avoid
// the reverse dependency).
func (a *Accumulator) Record(kind key.KeyKind, delta core.StorageStatsDelta) {
	a.RecordObject(kind, ObjectId(kind.String()), delta)
}

// RecordObject is Record with an explicit object id, for callers (a
// catalog-aware wiring layer) that know which table or view a kind's
// delta belongs to rather than attributing it to the whole kind.
func (a *Accumulator) RecordObject(kind key.KeyKind, object ObjectId, delta core.StorageStatsDelta) {
	tier := a.tierOf(kind)
	a.mu.Lock()
	defer a.mu.Unlock()

	if cur, ok := a.byTier[tier]; ok {
		cur.Add(delta)
	} else {
		cp := delta
		a.byTier[tier] = &cp
	}

	bk := bucketKey{tier: tier, kind: kind, object: object}
	if cur, ok := a.buckets[bk]; ok {
		cur.Add(delta)
	} else {
		cp := delta
		a.buckets[bk] = &cp
	}
}

// RecordWrite implements the move-to-historical pattern: a fresh Set with
// no prior value only increments current counters; a Set that overwrote
// pre moves pre's bytes from current into historical instead of dropping
// them, since the old version is still retained until GC.
func (a *Accumulator) RecordWrite(kind key.KeyKind, keyLen int, newLen int, pre *core.Values) {
	d := core.StorageStatsDelta{CurrentCount: 1, CurrentKeyBytes: int64(keyLen), CurrentValueBytes: int64(newLen)}
	if pre != nil {
		d.HistoricalCount++
		d.HistoricalKeyBytes += int64(keyLen)
		d.HistoricalValueBytes += int64(pre.Len())
	}
	a.Record(kind, d)
}

// RecordDelete accounts for a tombstone: the live row disappears from
// current counters and, if it had a prior value, that value's bytes move
// to historical.
func (a *Accumulator) RecordDelete(kind key.KeyKind, keyLen int, pre *core.Values) {
	d := core.StorageStatsDelta{CurrentCount: -1, CurrentKeyBytes: -int64(keyLen)}
	if pre != nil {
		d.CurrentValueBytes = -int64(pre.Len())
		d.HistoricalCount++
		d.HistoricalKeyBytes += int64(keyLen)
		d.HistoricalValueBytes += int64(pre.Len())
	}
	a.Record(kind, d)
}

// RecordDrop accounts for a retention sweep removing historical versions
// outright: totals are subtracted directly (not negated per-entry) to
// avoid rounding error across many small deltas.
func (a *Accumulator) RecordDrop(kind key.KeyKind, totalKeyBytes, totalValueBytes int64, count int64) {
	a.Record(kind, core.StorageStatsDelta{
		HistoricalCount:      -count,
		HistoricalKeyBytes:   -totalKeyBytes,
		HistoricalValueBytes: -totalValueBytes,
	})
}

// RecordCdc accounts for one persisted Cdc record's footprint, called by
// cdc.Producer (via its locally-declared CdcStatsRecorder interface, which
// spells the object id as a plain string) after a successful persist.
func (a *Accumulator) RecordCdc(object string, keyBytes, valueBytes int64, count int64) {
	a.recordCdc(ObjectId(object), keyBytes, valueBytes, count)
}

func (a *Accumulator) recordCdc(object ObjectId, keyBytes, valueBytes int64, count int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.cdc[object]
	if !ok {
		cur = &CdcStats{Object: object}
		a.cdc[object] = cur
	}
	cur.Count += count
	cur.KeyBytes += keyBytes
	cur.ValueBytes += valueBytes
}

// RecordCdcDropped accounts for a GC sweep removing durable CDC records,
// mirroring RecordDrop's direct-subtraction approach.
func (a *Accumulator) RecordCdcDropped(object string, keyBytes, valueBytes int64, count int64) {
	a.recordCdc(ObjectId(object), -keyBytes, -valueBytes, -count)
}

// ScanTier returns every MultiStorageStats bucket currently attributed to
// tier, sorted by object id for deterministic output.
func (a *Accumulator) ScanTier(tier Tier) []MultiStorageStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []MultiStorageStats
	for bk, d := range a.buckets {
		if bk.tier != tier {
			continue
		}
		out = append(out, MultiStorageStats{Tier: bk.tier, Kind: bk.kind, Object: bk.object, Current: *d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Object < out[j].Object })
	return out
}

// Tiers returns every tier with at least one recorded bucket, sorted.
func (a *Accumulator) Tiers() []Tier {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Tier, 0, len(a.byTier))
	for t := range a.byTier {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TierTotals returns tier's aggregate delta across every kind and object.
func (a *Accumulator) TierTotals(tier Tier) core.StorageStatsDelta {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d, ok := a.byTier[tier]; ok {
		return *d
	}
	return core.StorageStatsDelta{}
}

// ScanAll returns every object's accumulated CDC footprint, sorted by
// object id.
func (a *Accumulator) ScanAll() []CdcStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]CdcStats, 0, len(a.cdc))
	for _, s := range a.cdc {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Object < out[j].Object })
	return out
}
