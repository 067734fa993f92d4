package multi

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reifydb/reifydb/internal/backend"
	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/event"
	"github.com/reifydb/reifydb/internal/key"
)

// StatsRecorder receives per-kind stats deltas as commits land. It is
// satisfied by stats.Accumulator; declared locally so multi never imports
// the stats package.
type StatsRecorder interface {
	Record(kind key.KeyKind, delta core.StorageStatsDelta)
}

// DropRecorder is an optional capability of a StatsRecorder: implementing
// it lets a retention sweep subtract its removed totals directly, avoiding
// rounding error from synthesizing a per-entry negative Record call.
// stats.Accumulator implements it.
type DropRecorder interface {
	RecordDrop(kind key.KeyKind, totalKeyBytes, totalValueBytes int64, count int64)
}

// Store is the multi-version store. One Store instance serves every
// key.KeyKind; commits across kinds still share a single version sequence
// because the oracle (owned by the transaction manager) is the sole source
// of commit versions — Store only enforces that versions arrive in
// strictly increasing order.
type Store struct {
	backend backend.Backend
	bus     *event.Bus
	stats   StatsRecorder

	mu          sync.Mutex
	lastVersion atomic.Uint64
	policies    map[key.KeyKind]core.RetentionPolicy
	seenKinds   map[key.KeyKind]bool
	keyPolicies map[string]core.RetentionPolicy
}

// New constructs a Store over the given backend. bus and stats may be nil
// (tests commonly run without either wired up).
func New(b backend.Backend, bus *event.Bus, stats StatsRecorder) *Store {
	return &Store{
		backend:     b,
		bus:         bus,
		stats:       stats,
		policies:    make(map[key.KeyKind]core.RetentionPolicy),
		seenKinds:   make(map[key.KeyKind]bool),
		keyPolicies: make(map[string]core.RetentionPolicy),
	}
}

// SetRetentionPolicy overrides the drop_before retention policy for kind.
// Absent an override, KeepLatest applies.
func (s *Store) SetRetentionPolicy(kind key.KeyKind, policy core.RetentionPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[kind] = policy
}

func (s *Store) retentionFor(kind key.KeyKind) core.RetentionPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.policies[kind]; ok {
		return p
	}
	return core.KeepLatest()
}

// LastCommittedVersion returns the highest version successfully committed,
// or zero if none yet.
func (s *Store) LastCommittedVersion() core.CommitVersion {
	return core.CommitVersion(s.lastVersion.Load())
}

// Get returns the value visible for logical key k as of asOf, following
// the version chain to the latest commit not newer than asOf.
func (s *Store) Get(kind key.KeyKind, k key.EncodedKey, asOf core.CommitVersion) (core.Values, bool, error) {
	lo, _ := logicalPrefixBounds(k)
	hi := physicalKey(k, asOf+1)
	page, err := s.backend.RangeRevNext(kind, lo, hi, backend.Cursor{}, 1)
	if err != nil {
		return core.Values{}, false, err
	}
	if len(page.Entries) == 0 || page.Entries[0].Tombstone {
		return core.Values{}, false, nil
	}
	return page.Entries[0].Values, true, nil
}

// Contains is Get without materializing the value.
func (s *Store) Contains(kind key.KeyKind, k key.EncodedKey, asOf core.CommitVersion) (bool, error) {
	_, ok, err := s.Get(kind, k, asOf)
	return ok, err
}

// GetPreviousVersion returns the entry for k at the version immediately
// preceding before, used by the CDC producer to compute a diff against the
// prior row image.
func (s *Store) GetPreviousVersion(kind key.KeyKind, k key.EncodedKey, before core.CommitVersion) (core.MultiVersionEntry, bool, error) {
	lo, _ := logicalPrefixBounds(k)
	hi := physicalKey(k, before)
	page, err := s.backend.RangeRevNext(kind, lo, hi, backend.Cursor{}, 1)
	if err != nil {
		return core.MultiVersionEntry{}, false, err
	}
	if len(page.Entries) == 0 {
		return core.MultiVersionEntry{}, false, nil
	}
	e := page.Entries[0]
	_, version := splitPhysical(e.Key)
	return core.MultiVersionEntry{Key: k, Version: version, Values: e.Values, Tombstone: e.Tombstone}, true, nil
}

// Commit applies deltas, grouped by key.KeyKind extracted from each
// delta's key, at the given version; the Set/Unset entries of every kind
// go to the backend in one atomic SetBatch call. version must be
// strictly greater than every previously committed version
// (core.NewVersionOutOfOrder otherwise). Set/Unset deltas land as new
// physical versions; Remove deletes a kind-internal key outright with no
// version history; Drop queues the delta's retention policy against its
// logical key so the next watermark-bounded sweep (DropBefore, or a forced
// FlushDropWorker call) applies it — Commit itself never deletes historical
// versions a Drop delta names.
//
// On success, publishes event.MultiVersionCommitEvent carrying the
// original deltas so the CDC producer can diff them without a second
// store read.
func (s *Store) Commit(deltas []core.Delta, version core.CommitVersion) error {
	if len(deltas) == 0 {
		return nil
	}
	if uint64(version) <= s.lastVersion.Load() {
		return core.NewVersionOutOfOrder("multi: commit version must exceed last committed version")
	}

	byKind := make(map[key.KeyKind][]backend.Entry)
	var pendingDrops []core.Delta
	var pendingRemoves []core.Delta
	statsDeltas := make(map[key.KeyKind]*core.StorageStatsDelta)

	for _, d := range deltas {
		kind := d.Key.Kind()
		sd := statsDeltas[kind]
		if sd == nil {
			sd = &core.StorageStatsDelta{}
			statsDeltas[kind] = sd
		}
		switch d.Kind {
		case core.DeltaSet:
			byKind[kind] = append(byKind[kind], backend.Entry{Key: physicalKey(d.Key, version), Values: d.Values})
			sd.CurrentCount++
			sd.CurrentKeyBytes += int64(d.Key.Len())
			sd.CurrentValueBytes += int64(d.Values.Len())
		case core.DeltaUnset:
			byKind[kind] = append(byKind[kind], backend.Entry{Key: physicalKey(d.Key, version), Tombstone: true})
			sd.CurrentCount--
			sd.HistoricalCount++
			sd.HistoricalKeyBytes += int64(d.Key.Len())
			sd.HistoricalValueBytes += int64(d.Values.Len())
		case core.DeltaRemove:
			pendingRemoves = append(pendingRemoves, d)
		case core.DeltaDrop:
			pendingDrops = append(pendingDrops, d)
		}
	}

	s.mu.Lock()
	for kind := range byKind {
		s.seenKinds[kind] = true
	}
	s.mu.Unlock()

	// byKind spans every kind this commit touches in one call, so the
	// backend — not a per-kind loop here — owns the atomicity: either
	// every entry in every kind lands, or (on error) none does.
	if len(byKind) > 0 {
		if err := s.backend.SetBatch(byKind); err != nil {
			return err
		}
	}
	for _, d := range pendingRemoves {
		if err := s.backend.Delete(d.Key.Kind(), d.Key); err != nil {
			return err
		}
	}
	if len(pendingDrops) > 0 {
		s.mu.Lock()
		for _, d := range pendingDrops {
			policy := core.RetentionPolicy{UpToVersion: d.UpToVersion, KeepLastVersions: d.KeepLastVersions}
			s.keyPolicies[rawKeyString(d.Key)] = policy
			s.seenKinds[d.Key.Kind()] = true
		}
		s.mu.Unlock()
	}

	// The version oracle only advances once every backend write above
	// has actually succeeded, so a failed commit never leaves
	// LastCommittedVersion ahead of what was durably written. Callers
	// serialize Commit (the transaction manager holds its commit mutex
	// across this whole call), so the load-then-CAS here only needs to
	// guard against a version already rejected by the check at the top
	// of Commit racing back in, not genuine concurrent commits.
	for {
		last := s.lastVersion.Load()
		if uint64(version) <= last {
			return core.NewVersionOutOfOrder("multi: commit version must exceed last committed version")
		}
		if s.lastVersion.CompareAndSwap(last, uint64(version)) {
			break
		}
	}

	if s.stats != nil {
		for kind, sd := range statsDeltas {
			s.stats.Record(kind, *sd)
			if s.bus != nil {
				event.Publish(s.bus, event.StatsProcessed{Version: version, Kind: kind})
			}
		}
	}
	if s.bus != nil {
		event.Publish(s.bus, event.MultiVersionCommitEvent{Version: version, TimestampMs: time.Now().UnixMilli(), Deltas: deltas})
	}
	return nil
}

// rawKeyString is the map-key form used to index keyPolicies: the logical
// key's raw encoded bytes reinterpreted as a string, not a display
// encoding.
func rawKeyString(k key.EncodedKey) string { return string(k.Bytes()) }

// survivingVersions computes which physical entries in a single logical
// key's chain (already sorted ascending by version) survive a retention
// sweep up to watermark.
func survivingVersions(entries []backend.Entry, policy core.RetentionPolicy, watermark core.CommitVersion) map[string]bool {
	keep := make(map[string]bool, len(entries))
	if len(entries) == 0 {
		return keep
	}

	type versioned struct {
		e       backend.Entry
		version core.CommitVersion
	}
	chain := make([]versioned, 0, len(entries))
	for _, e := range entries {
		_, v := splitPhysical(e.Key)
		chain = append(chain, versioned{e: e, version: v})
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i].version < chain[j].version })

	// Always keep the latest version at or before the watermark, and
	// anything strictly after it (not yet visible to the sweep).
	lastIdx := -1
	for i, c := range chain {
		if c.version <= watermark {
			lastIdx = i
		} else {
			keep[c.e.Key.String()] = true
		}
	}
	if lastIdx < 0 {
		return keep
	}
	keep[chain[lastIdx].e.Key.String()] = true

	if policy.KeepLastVersions != nil {
		n := *policy.KeepLastVersions
		for i := lastIdx; i >= 0 && i > lastIdx-n; i-- {
			keep[chain[i].e.Key.String()] = true
		}
	}
	if policy.UpToVersion != nil {
		for i := 0; i <= lastIdx; i++ {
			if chain[i].version >= *policy.UpToVersion {
				keep[chain[i].e.Key.String()] = true
			}
		}
	}
	return keep
}
