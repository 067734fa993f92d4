package flow

import (
	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

// WindowKind selects how Window assigns a row to a window id.
type WindowKind uint8

const (
	// WindowCount assigns rows to fixed-size tumbling windows by a
	// per-group running row count: window id = count / Size.
	WindowCount WindowKind = iota + 1
	// WindowTime assigns rows to fixed-size tumbling windows by
	// TimeOf(row) / Size.
	WindowTime
)

const (
	winSubCount byte = 1 // [group escaped] -> running row count, WindowCount only
	winSubState byte = 2 // [group escaped][windowID be64] -> accumulator state
	winSubRow   byte = 3 // [group escaped][windowID be64] -> last rendered window row
)

// Window groups incoming rows into fixed-size, non-overlapping (tumbling)
// windows per group, folding each window's members through Acc exactly
// like Aggregate does per group. Window has no slide setting: every
// window is tumbling, and overlapping (sliding) windows are not supported.
type Window struct {
	Kind   WindowKind
	By     GroupKeyFunc
	Size   uint64
	TimeOf func(core.Values) int64 // required when Kind == WindowTime
	Acc    Accumulator
}

func winCountKey(group key.EncodedKey) key.EncodedKey {
	return finishLocal(localBuilder().AppendByte(winSubCount).AppendBytesEscaped(group.Bytes()))
}

func winStateKey(group key.EncodedKey, windowID uint64) key.EncodedKey {
	return finishLocal(localBuilder().AppendByte(winSubState).AppendBytesEscaped(group.Bytes()).AppendUint64(windowID))
}

func winRowKey(group key.EncodedKey, windowID uint64) key.EncodedKey {
	return finishLocal(localBuilder().AppendByte(winSubRow).AppendBytesEscaped(group.Bytes()).AppendUint64(windowID))
}

// windowOutputKey derives a stable output identity for a (group, window)
// pair so repeated updates to the same window replace, rather than
// duplicate, its prior output row.
func windowOutputKey(group key.EncodedKey, windowID uint64) key.EncodedKey {
	return finishLocal(localBuilder().AppendByte(4).AppendBytesEscaped(group.Bytes()).AppendUint64(windowID))
}

func (w Window) windowID(ctx *OpContext, group key.EncodedKey, row core.Values) (uint64, error) {
	if w.Kind == WindowTime {
		return uint64(w.TimeOf(row)) / w.Size, nil
	}
	cur, _, err := ctx.Get(winCountKey(group))
	if err != nil {
		return 0, err
	}
	n := decodeUint64Bytes(cur.Bytes())
	ctx.Set(winCountKey(group), core.NewValues(encodeUint64Bytes(n+1)))
	return n / w.Size, nil
}

func (w Window) Apply(ctx *OpContext, in FlowChange) (FlowChange, error) {
	out := FlowChange{Origin: in.Origin}
	type touchedWindow struct {
		group    key.EncodedKey
		windowID uint64
	}
	var touched []touchedWindow

	for _, d := range in.Diffs {
		if d.Post.Len() == 0 {
			// Retractions of a window's inputs aren't supported: a
			// tumbling window's membership is fixed by arrival order,
			// so there's nothing well-defined to subtract.
			continue
		}
		group := w.By(d.Post)
		wid, err := w.windowID(ctx, group, d.Post)
		if err != nil {
			return FlowChange{}, err
		}
		st, _, err := ctx.Get(winStateKey(group, wid))
		if err != nil {
			return FlowChange{}, err
		}
		ctx.Set(winStateKey(group, wid), core.NewValues(w.Acc.Add(st.Bytes(), d.Post)))
		touched = append(touched, touchedWindow{group: group, windowID: wid})
	}

	seen := map[string]bool{}
	for _, t := range touched {
		id := string(t.group.Bytes()) + ":" + string(encodeUint64Bytes(t.windowID))
		if seen[id] {
			continue
		}
		seen[id] = true

		st, _, err := ctx.Get(winStateKey(t.group, t.windowID))
		if err != nil {
			return FlowChange{}, err
		}
		rendered, alive := w.Acc.Render(st.Bytes())
		if !alive {
			continue
		}
		outKey := windowOutputKey(t.group, t.windowID)
		prior, had, err := ctx.Get(winRowKey(t.group, t.windowID))
		if err != nil {
			return FlowChange{}, err
		}
		ctx.Set(winRowKey(t.group, t.windowID), rendered)
		if had {
			out.Diffs = append(out.Diffs, RowDiff{Key: outKey, Pre: prior, Post: rendered})
		} else {
			out.Diffs = append(out.Diffs, RowDiff{Key: outKey, Post: rendered})
		}
	}
	return out, nil
}
