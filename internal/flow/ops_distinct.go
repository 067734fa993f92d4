package flow

import (
	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

// Distinct suppresses duplicate row images: a row already seen from any
// source diff keeps a single output row alive via a reference count, only
// emitting Insert on the first copy and Remove once the last copy
// retracts. It is built directly on Aggregate (grouping by the row's own
// bytes) and distinctAccumulator (a refcount that also carries the row
// bytes along so Render can hand them straight back), so Distinct costs
// nothing beyond the accumulator machinery Aggregate already provides.
type Distinct struct{}

func (Distinct) Apply(ctx *OpContext, in FlowChange) (FlowChange, error) {
	agg := Aggregate{By: rowIdentity, Acc: distinctAccumulator{}}
	return agg.Apply(ctx, in)
}

// rowIdentity groups a row by its own encoded bytes: two rows with
// identical content land in the same distinct-count bucket regardless of
// which source key produced them.
func rowIdentity(row core.Values) key.EncodedKey {
	return key.Raw(append([]byte(nil), row.Bytes()...))
}

// distinctAccumulator is a refcount accumulator whose encoded state is
// [8-byte big-endian count][row bytes, captured on the first Add]. Render
// hands back the captured row bytes rather than the count itself, unlike
// CountAccumulator, so the group's output row is the distinct value, not
// its multiplicity.
type distinctAccumulator struct{}

func (distinctAccumulator) Add(state []byte, row core.Values) []byte {
	count := decodeUint64Bytes(state)
	if count == 0 {
		return append(encodeUint64Bytes(1), row.Bytes()...)
	}
	out := encodeUint64Bytes(count + 1)
	return append(out, state[8:]...)
}

func (distinctAccumulator) Subtract(state []byte, _ core.Values) []byte {
	count := decodeUint64Bytes(state)
	if count == 0 {
		return state
	}
	out := encodeUint64Bytes(count - 1)
	if len(state) > 8 {
		out = append(out, state[8:]...)
	}
	return out
}

func (distinctAccumulator) Render(state []byte) (core.Values, bool) {
	count := decodeUint64Bytes(state)
	if count == 0 || len(state) <= 8 {
		return core.Values{}, false
	}
	return core.NewValues(append([]byte(nil), state[8:]...)), true
}
