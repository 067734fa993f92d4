package flow

import (
	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

// Merge unions the outputs of several upstream nodes into one stream.
// Each diff is re-keyed under the id of the node that produced it, so two
// inputs emitting the same key never collide in downstream state; beyond
// the re-keying the diffs pass through untouched. Stateless.
type Merge struct{}

func (Merge) Apply(_ *OpContext, in FlowChange) (FlowChange, error) {
	out := FlowChange{Origin: in.Origin, Diffs: make([]RowDiff, len(in.Diffs))}
	for i, d := range in.Diffs {
		b := localBuilder().AppendUint64(uint64(in.Origin)).AppendBytesEscaped(d.Key.Bytes())
		out.Diffs[i] = RowDiff{Key: finishLocal(b), Pre: d.Pre, Post: d.Post}
	}
	return out, nil
}

const (
	applySubRow   byte = 1 // [input key escaped][index be32] -> produced row
	applySubCount byte = 2 // [input key escaped] -> number of produced rows
)

// Apply expands each input row through Fn, a table function producing any
// number of output rows per input row. What each input key produced is
// persisted alongside a per-key count, so an update or retraction of the
// input row retracts exactly the rows it previously produced before the
// new expansion (if any) is emitted.
type Apply struct {
	Fn func(core.Values) []core.Values
}

func applyRowKey(inputKey key.EncodedKey, index uint32) key.EncodedKey {
	b := localBuilder().AppendByte(applySubRow).AppendBytesEscaped(inputKey.Bytes()).AppendUint32(index)
	return finishLocal(b)
}

func applyCountKey(inputKey key.EncodedKey) key.EncodedKey {
	return finishLocal(localBuilder().AppendByte(applySubCount).AppendBytesEscaped(inputKey.Bytes()))
}

func (a Apply) Apply(ctx *OpContext, in FlowChange) (FlowChange, error) {
	out := FlowChange{Origin: in.Origin}
	for _, d := range in.Diffs {
		if d.Pre.Len() > 0 {
			if err := a.retract(ctx, d.Key, &out); err != nil {
				return FlowChange{}, err
			}
		}
		if d.Post.Len() == 0 {
			continue
		}
		rows := a.Fn(d.Post)
		for i, r := range rows {
			ctx.Set(applyRowKey(d.Key, uint32(i)), r)
			out.Diffs = append(out.Diffs, RowDiff{Key: applyRowKey(d.Key, uint32(i)), Post: r})
		}
		if len(rows) > 0 {
			ctx.Set(applyCountKey(d.Key), core.NewValues(encodeUint64Bytes(uint64(len(rows)))))
		}
	}
	return out, nil
}

// retract removes and re-emits as deletions every row inputKey previously
// produced.
func (a Apply) retract(ctx *OpContext, inputKey key.EncodedKey, out *FlowChange) error {
	cntVal, had, err := ctx.Get(applyCountKey(inputKey))
	if err != nil || !had {
		return err
	}
	count := decodeUint64Bytes(cntVal.Bytes())
	for i := uint64(0); i < count; i++ {
		rk := applyRowKey(inputKey, uint32(i))
		prior, ok, err := ctx.Get(rk)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := ctx.Remove(rk); err != nil {
			return err
		}
		out.Diffs = append(out.Diffs, RowDiff{Key: rk, Pre: prior})
	}
	return ctx.Remove(applyCountKey(inputKey))
}
