package flow

import (
	"encoding/binary"

	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

// Accumulator folds one row's contribution into a running per-group
// state and can remove it again, and renders the group's current output
// row. Implementations must be commutative: Add then Subtract of the same
// row must return the accumulator to its prior encoded state.
type Accumulator interface {
	Add(state []byte, row core.Values) []byte
	Subtract(state []byte, row core.Values) []byte
	// Render produces the output row for the group's current state, and
	// reports whether the group has any members left (false means the
	// group's output row should be retracted).
	Render(state []byte) (core.Values, bool)
}

// GroupKeyFunc extracts the grouping key from a row.
type GroupKeyFunc func(core.Values) key.EncodedKey

const (
	aggSubState byte = 1
	aggSubRowNo byte = 2
)

// Aggregate groups incoming rows by By and folds each group's members
// through Acc, emitting Insert/Update/Remove for the group's output row
// as its membership changes. Per-group state is the accumulator's own
// byte-encoded running total, persisted under this node's state prefix.
type Aggregate struct {
	By  GroupKeyFunc
	Acc Accumulator
}

func aggStateKey(group key.EncodedKey) key.EncodedKey {
	return key.Raw(append([]byte{aggSubState}, group.Bytes()...))
}

func aggRowKey(group key.EncodedKey) key.EncodedKey {
	return key.Raw(append([]byte{aggSubRowNo}, group.Bytes()...))
}

func (a Aggregate) Apply(ctx *OpContext, in FlowChange) (FlowChange, error) {
	out := FlowChange{Origin: in.Origin}
	touched := map[string]key.EncodedKey{}
	for _, d := range in.Diffs {
		if d.Pre.Len() > 0 {
			g := a.By(d.Pre)
			touched[string(g.Bytes())] = g
		}
		if d.Post.Len() > 0 {
			g := a.By(d.Post)
			touched[string(g.Bytes())] = g
		}
	}

	for _, d := range in.Diffs {
		if d.Pre.Len() > 0 {
			g := a.By(d.Pre)
			if err := a.applyDelta(ctx, g, func(st []byte) []byte { return a.Acc.Subtract(st, d.Pre) }); err != nil {
				return FlowChange{}, err
			}
		}
		if d.Post.Len() > 0 {
			g := a.By(d.Post)
			if err := a.applyDelta(ctx, g, func(st []byte) []byte { return a.Acc.Add(st, d.Post) }); err != nil {
				return FlowChange{}, err
			}
		}
	}

	for _, g := range touched {
		diff, err := a.renderGroup(ctx, g)
		if err != nil {
			return FlowChange{}, err
		}
		if diff != nil {
			out.Diffs = append(out.Diffs, *diff)
		}
	}
	return out, nil
}

func (a Aggregate) applyDelta(ctx *OpContext, group key.EncodedKey, f func([]byte) []byte) error {
	cur, _, err := ctx.Get(aggStateKey(group))
	if err != nil {
		return err
	}
	next := f(cur.Bytes())
	ctx.Set(aggStateKey(group), core.NewValues(next))
	return nil
}

// renderGroup compares the group's prior output row (the last rendered
// row, stored under aggRowKey alongside the accumulator state) against its
// freshly rendered row and returns the diff to propagate, or nil if
// nothing changed downstream.
func (a Aggregate) renderGroup(ctx *OpContext, group key.EncodedKey) (*RowDiff, error) {
	st, _, err := ctx.Get(aggStateKey(group))
	if err != nil {
		return nil, err
	}
	rendered, alive := a.Acc.Render(st.Bytes())

	prevRow, hadPrev, err := ctx.Get(aggRowKey(group))
	if err != nil {
		return nil, err
	}

	switch {
	case !alive && !hadPrev:
		return nil, nil
	case !alive && hadPrev:
		if err := ctx.Remove(aggRowKey(group)); err != nil {
			return nil, err
		}
		if err := ctx.Remove(aggStateKey(group)); err != nil {
			return nil, err
		}
		return &RowDiff{Key: group, Pre: prevRow}, nil
	case alive && !hadPrev:
		ctx.Set(aggRowKey(group), rendered)
		return &RowDiff{Key: group, Post: rendered}, nil
	default:
		ctx.Set(aggRowKey(group), rendered)
		return &RowDiff{Key: group, Pre: prevRow, Post: rendered}, nil
	}
}

// CountAccumulator is the simplest Accumulator: a running row count
// encoded as a big-endian uint64, rendered as that same 8-byte count.
type CountAccumulator struct{}

func (CountAccumulator) Add(state []byte, _ core.Values) []byte {
	return encodeUint64Bytes(decodeUint64Bytes(state) + 1)
}

func (CountAccumulator) Subtract(state []byte, _ core.Values) []byte {
	c := decodeUint64Bytes(state)
	if c == 0 {
		return state
	}
	return encodeUint64Bytes(c - 1)
}

func (CountAccumulator) Render(state []byte) (core.Values, bool) {
	c := decodeUint64Bytes(state)
	return core.NewValues(encodeUint64Bytes(c)), c > 0
}

func encodeUint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64Bytes(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
