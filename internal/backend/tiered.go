package backend

import (
	"sort"

	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

// backendPartition groups the slice of a multi-instance SetBatch's entries
// that resolve to one particular underlying Backend.
type backendPartition struct {
	backend Backend
	batch   map[key.KeyKind][]Entry
}

// Placement decides which tier a key.KeyKind lives in. The multi-version
// store itself is tier-agnostic; Tiered is the only thing that knows the
// hot/warm/cold split exists.
type Placement func(kind key.KeyKind) string

// DefaultPlacement keeps hot, frequently point-read kinds in memory,
// routes CDC and flow state (written once, read sequentially) to the warm
// bbolt tier, and sends catalog/stats data needing durable relational
// queries to the cold sqlite tier.
func DefaultPlacement(kind key.KeyKind) string {
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

// Tiered dispatches per-kind operations across a hot (memory), warm
// (bbolt) and cold (sqlite) Backend according to a Placement function.
// Grounded in tinySQL's ModeHybrid buffer-pool idea (storage_backend.go,
// bufferpool.go) of routing data across a fast and slow store by policy,
// generalized here to a three-way static placement instead of an LRU.
type Tiered struct {
	hot, warm, cold Backend
	placement       Placement
}

// NewTiered builds a Tiered backend. warm and cold may be nil; a kind
// placed on a nil tier is served by hot instead.
func NewTiered(hot, warm, cold Backend, placement Placement) *Tiered {
	if placement == nil {
		placement = DefaultPlacement
	}
	return &Tiered{hot: hot, warm: warm, cold: cold, placement: placement}
}

func (t *Tiered) backendFor(kind key.KeyKind) (Backend, error) {
	switch t.placement(kind) {
	case "hot":
		return t.hot, nil
	case "warm":
		if t.warm == nil {
			return t.hot, nil
		}
		return t.warm, nil
	case "cold":
		if t.cold == nil {
			return t.hot, nil
		}
		return t.cold, nil
	default:
		return nil, core.NewInvalidArgument("backend: placement returned unknown tier for " + kind.String())
	}
}

func (t *Tiered) EnsureTable(kind key.KeyKind) error {
	b, err := t.backendFor(kind)
	if err != nil {
		return err
	}
	return b.EnsureTable(kind)
}

func (t *Tiered) ClearTable(kind key.KeyKind) error {
	b, err := t.backendFor(kind)
	if err != nil {
		return err
	}
	return b.ClearTable(kind)
}

func (t *Tiered) Get(kind key.KeyKind, k key.EncodedKey) (core.Values, bool, error) {
	b, err := t.backendFor(kind)
	if err != nil {
		return core.Values{}, false, err
	}
	return b.Get(kind, k)
}

func (t *Tiered) Contains(kind key.KeyKind, k key.EncodedKey) (bool, error) {
	b, err := t.backendFor(kind)
	if err != nil {
		return false, err
	}
	return b.Contains(kind, k)
}

// SetBatch partitions batch by the underlying Backend instance each kind
// resolves to (hot/warm/cold collapse to the same partition wherever
// Placement or a nil tier routes them to one shared instance) and applies
// each partition with that backend's own SetBatch, which is atomic within
// itself (see Memory, SQLite, Bolt). When everything in batch lands on a
// single underlying instance — the common case, and the only case pure
// in-memory or single-tier configurations ever produce — that one call is
// the whole commit and is exactly as atomic as the instance itself.
//
// When a batch genuinely spans more than one instance (e.g. a flow commit
// writing key.KindRow, placed hot, alongside key.KindFlowState, placed
// warm), there is no shared transaction across independent storage
// engines to make the whole commit atomic the way a single instance can.
// Tiered instead applies the partitions in a deterministic order and, if
// a later partition fails, compensates by deleting every key already
// written by the earlier, successful partitions — a best-effort
// rollback, not a two-phase commit. This is sound specifically because
// every key a commit ever passes to SetBatch is a fresh physical key
// (logical key plus a strictly-increasing version, see
// internal/multi/physical.go): the store never overwrites an existing
// physical key, so "undo a partition" is always "delete the keys this
// partition just added", never "restore a prior value". Callers that
// need true cross-instance atomicity should keep every kind touched by
// one commit on the same tier (or run single-backend, not Tiered) — the
// same limitation the memory backend documents for cross-table
// atomicity.
func (t *Tiered) SetBatch(batch map[key.KeyKind][]Entry) error {
	if len(batch) == 0 {
		return nil
	}

	kinds := make([]key.KeyKind, 0, len(batch))
	for kind := range batch {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	var partitions []backendPartition
	index := make(map[Backend]int)
	for _, kind := range kinds {
		b, err := t.backendFor(kind)
		if err != nil {
			return err
		}
		i, ok := index[b]
		if !ok {
			i = len(partitions)
			index[b] = i
			partitions = append(partitions, backendPartition{backend: b, batch: make(map[key.KeyKind][]Entry)})
		}
		partitions[i].batch[kind] = batch[kind]
	}

	if len(partitions) == 1 {
		return partitions[0].backend.SetBatch(partitions[0].batch)
	}

	for i, p := range partitions {
		if err := p.backend.SetBatch(p.batch); err != nil {
			t.compensate(partitions[:i])
			return err
		}
	}
	return nil
}

// compensate best-effort rolls back every partition already applied by a
// failed multi-instance SetBatch, by deleting the keys each one wrote.
// Errors deleting during compensation are not returned: the original
// SetBatch error is what the caller needs to see, and a key left behind
// by a failed compensation is still a fresh, never-read physical key at
// a version the commit never published (lastVersion in multi.Store only
// advances after Commit's SetBatch call returns), so it cannot be
// observed by any reader.
func (t *Tiered) compensate(applied []backendPartition) {
	for _, p := range applied {
		for kind, entries := range p.batch {
			for _, e := range entries {
				_ = p.backend.Delete(kind, e.Key)
			}
		}
	}
}

func (t *Tiered) Delete(kind key.KeyKind, k key.EncodedKey) error {
	b, err := t.backendFor(kind)
	if err != nil {
		return err
	}
	return b.Delete(kind, k)
}

func (t *Tiered) RangeNext(kind key.KeyKind, start, end key.EncodedKey, cursor Cursor, limit int) (RangeBatch, error) {
	b, err := t.backendFor(kind)
	if err != nil {
		return RangeBatch{}, err
	}
	return b.RangeNext(kind, start, end, cursor, limit)
}

func (t *Tiered) RangeRevNext(kind key.KeyKind, start, end key.EncodedKey, cursor Cursor, limit int) (RangeBatch, error) {
	b, err := t.backendFor(kind)
	if err != nil {
		return RangeBatch{}, err
	}
	return b.RangeRevNext(kind, start, end, cursor, limit)
}

func (t *Tiered) Stats() []Stats {
	var out []Stats
	seen := make(map[Backend]bool)
	for _, b := range []Backend{t.hot, t.warm, t.cold} {
		if b == nil || seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b.Stats()...)
	}
	return out
}

func (t *Tiered) Close() error {
	var firstErr error
	seen := make(map[Backend]bool)
	for _, b := range []Backend{t.hot, t.warm, t.cold} {
		if b == nil || seen[b] {
			continue
		}
		seen[b] = true
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
