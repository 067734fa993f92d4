package flow

import (
	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

const (
	sortSubPos byte = 1 // [row key escaped] -> last assigned output key bytes
)

// Sort re-keys every row so downstream consumers see rows ordered by
// SortKey: a row's output key is its sort key followed by its own key,
// which both orders rows and keeps equal sort keys stable. The mapping
// from a row's key to its last assigned output key is persisted so an
// update or delete retracts the row from its old position even when the
// update changed the sort key itself.
type Sort struct {
	SortKey func(core.Values) key.EncodedKey
}

func sortPosKey(rowKey key.EncodedKey) key.EncodedKey {
	return finishLocal(localBuilder().AppendByte(sortSubPos).AppendBytesEscaped(rowKey.Bytes()))
}

func sortOutputKey(sortKey, rowKey key.EncodedKey) key.EncodedKey {
	b := localBuilder().AppendBytesEscaped(sortKey.Bytes()).AppendBytesEscaped(rowKey.Bytes())
	return finishLocal(b)
}

func (s Sort) Apply(ctx *OpContext, in FlowChange) (FlowChange, error) {
	out := FlowChange{Origin: in.Origin}
	for _, d := range in.Diffs {
		posKey := sortPosKey(d.Key)
		priorPos, had, err := ctx.Get(posKey)
		if err != nil {
			return FlowChange{}, err
		}
		var oldOut key.EncodedKey
		if had {
			oldOut = key.Raw(append([]byte(nil), priorPos.Bytes()...))
		}

		if d.Post.Len() == 0 {
			if had {
				if err := ctx.Remove(posKey); err != nil {
					return FlowChange{}, err
				}
				out.Diffs = append(out.Diffs, RowDiff{Key: oldOut, Pre: d.Pre})
			}
			continue
		}

		newOut := sortOutputKey(s.SortKey(d.Post), d.Key)
		ctx.Set(posKey, core.NewValues(newOut.Bytes()))
		switch {
		case !had:
			out.Diffs = append(out.Diffs, RowDiff{Key: newOut, Post: d.Post})
		case oldOut.Equal(newOut):
			out.Diffs = append(out.Diffs, RowDiff{Key: newOut, Pre: d.Pre, Post: d.Post})
		default:
			// The sort key moved: the row leaves its old position and
			// reappears at the new one as two separate diffs, since a
			// downstream Take or Sink keys its state by position.
			out.Diffs = append(out.Diffs, RowDiff{Key: oldOut, Pre: d.Pre})
			out.Diffs = append(out.Diffs, RowDiff{Key: newOut, Post: d.Post})
		}
	}
	return out, nil
}

const (
	takeSubRow byte = 1 // [row key escaped] -> (row key, image), every live input row
	takeSubOut byte = 2 // [row key escaped] -> (row key, image), current top-N members
)

// Take keeps only the first N rows of its input in key order, typically
// downstream of a Sort whose output keys embed the sort position. Every
// live input row is buffered in state; each Apply folds the incoming
// diffs into that buffer and re-derives the top-N membership with a
// single bounded prefix scan, emitting only the membership changes. A row
// falling out of the top N because a smaller-keyed row arrived is
// retracted even though nothing about the row itself changed.
type Take struct {
	N int
}

func takeRowKey(rowKey key.EncodedKey) key.EncodedKey {
	return finishLocal(localBuilder().AppendByte(takeSubRow).AppendBytesEscaped(rowKey.Bytes()))
}

func takeOutKey(rowKey key.EncodedKey) key.EncodedKey {
	return finishLocal(localBuilder().AppendByte(takeSubOut).AppendBytesEscaped(rowKey.Bytes()))
}

func (t Take) Apply(ctx *OpContext, in FlowChange) (FlowChange, error) {
	for _, d := range in.Diffs {
		if d.Post.Len() == 0 {
			if err := ctx.Remove(takeRowKey(d.Key)); err != nil {
				return FlowChange{}, err
			}
			continue
		}
		ctx.Set(takeRowKey(d.Key), encodeBucketEntry(d.Key, d.Post))
	}

	desired, err := t.topN(ctx)
	if err != nil {
		return FlowChange{}, err
	}

	current, err := t.members(ctx)
	if err != nil {
		return FlowChange{}, err
	}

	out := FlowChange{Origin: in.Origin}
	for _, m := range desired {
		ks := string(m.rowKey.Bytes())
		prev, wasMember := current[ks]
		ctx.Set(takeOutKey(m.rowKey), encodeBucketEntry(m.rowKey, m.value))
		switch {
		case !wasMember:
			out.Diffs = append(out.Diffs, RowDiff{Key: m.rowKey, Post: m.value})
		case string(prev.Bytes()) != string(m.value.Bytes()):
			out.Diffs = append(out.Diffs, RowDiff{Key: m.rowKey, Pre: prev, Post: m.value})
		}
		delete(current, ks)
	}
	for ks, prev := range current {
		rk := key.Raw([]byte(ks))
		if err := ctx.Remove(takeOutKey(rk)); err != nil {
			return FlowChange{}, err
		}
		out.Diffs = append(out.Diffs, RowDiff{Key: rk, Pre: prev})
	}
	return out, nil
}

// topN scans the buffered input rows in key order and stops after N.
func (t Take) topN(ctx *OpContext) ([]matchedRow, error) {
	scanner := ctx.RangeLocal(key.Raw([]byte{takeSubRow}))
	var out []matchedRow
	for len(out) < t.N {
		e, ok, err := scanner.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		rk, val := decodeBucketEntry(e.Values)
		out = append(out, matchedRow{rowKey: rk, value: val})
	}
	return out, nil
}

// members returns the currently persisted top-N membership keyed by raw
// row-key bytes.
func (t Take) members(ctx *OpContext) (map[string]core.Values, error) {
	scanner := ctx.RangeLocal(key.Raw([]byte{takeSubOut}))
	out := make(map[string]core.Values)
	for {
		e, ok, err := scanner.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		rk, val := decodeBucketEntry(e.Values)
		out[string(rk.Bytes())] = val
	}
}
