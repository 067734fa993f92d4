package flow

import (
	"encoding/binary"

	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

// RowNumber is a stable, monotonically assigned identity for an
// operator's output row, used by the join operator to decide
// Insert vs. Update and to retract prior output by prefix.
type RowNumber uint64

// High tag bytes keep this provider's own state out of the way of
// whatever small sequential tags the owning node's operator (Join,
// Aggregate, Window, ...) uses for its own per-node state, since both
// share one (flow, node) keyspace.
const (
	rownumSubCounter byte = 0xf0
	rownumSubMapping byte = 0xf1
)

// RowNumberProvider persists, per node, a monotonic counter and a mapping
// from an arbitrary EncodedKey to the RowNumber assigned to it the first
// time it was seen. Used by the join operator for output row identity.
type RowNumberProvider struct {
	ctx *OpContext
}

func newRowNumberProvider(ctx *OpContext) *RowNumberProvider {
	return &RowNumberProvider{ctx: ctx}
}

func counterKey() key.EncodedKey { return key.Raw([]byte{rownumSubCounter}) }

func mappingKey(k key.EncodedKey) key.EncodedKey {
	return key.Raw(append([]byte{rownumSubMapping}, k.Bytes()...))
}

// GetOrCreate returns the RowNumber mapped to k, assigning and persisting
// the next counter value if k has never been seen by this node before.
// isNew distinguishes "this output row number is brand new" (drives an
// Insert downstream) from "already existed" (drives an Update).
func (r *RowNumberProvider) GetOrCreate(k key.EncodedKey) (RowNumber, bool, error) {
	if v, ok, err := r.ctx.Get(mappingKey(k)); err != nil {
		return 0, false, err
	} else if ok {
		return RowNumber(decodeUint64(v)), false, nil
	}

	cur, ok, err := r.ctx.Get(counterKey())
	if err != nil {
		return 0, false, err
	}
	next := uint64(1)
	if ok {
		next = decodeUint64(cur) + 1
	}
	r.ctx.Set(counterKey(), encodeUint64(next))
	r.ctx.Set(mappingKey(k), encodeUint64(next))
	return RowNumber(next), true, nil
}

// Lookup returns the RowNumber mapped to k without assigning one.
func (r *RowNumberProvider) Lookup(k key.EncodedKey) (RowNumber, bool, error) {
	v, ok, err := r.ctx.Get(mappingKey(k))
	if err != nil || !ok {
		return 0, false, err
	}
	return RowNumber(decodeUint64(v)), true, nil
}

// Remove deletes the single mapping for k, if any. The counter is never
// rolled back.
func (r *RowNumberProvider) Remove(k key.EncodedKey) error {
	return r.ctx.Remove(mappingKey(k))
}

// RemoveByPrefix deletes every mapping whose key starts with prefix,
// freeing row numbers for rows retracted because a parent join input was
// removed. The counter itself is never rolled back: row numbers are never
// reused once assigned.
func (r *RowNumberProvider) RemoveByPrefix(prefix key.EncodedKey) error {
	scoped := key.Raw(append([]byte{rownumSubMapping}, prefix.Bytes()...))
	scanner := r.ctx.RangeLocal(scoped)
	var stale []key.EncodedKey
	for {
		e, ok, err := scanner.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		stale = append(stale, e.Key)
	}
	for _, k := range stale {
		if err := r.ctx.txn.Remove(key.KindFlowState, k); err != nil {
			return err
		}
	}
	return nil
}

func encodeUint64(v uint64) core.Values {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return core.NewValues(buf[:])
}

func decodeUint64(v core.Values) uint64 {
	b := v.Bytes()
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
