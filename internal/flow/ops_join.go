package flow

import (
	"encoding/binary"

	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
)

const (
	joinSubBucket byte = 2 // [side][joinKey escaped][rowKey escaped] -> encoded (rowKey, value) pair
	joinSubPair   byte = 5 // [leftRowKey escaped][rightRowKey escaped] -> row-number identity, see pairIdentity
	joinSubRow    byte = 6 // [pair identity] -> encoded (RowNumber, value) pair, see payloadKey
)

const (
	joinSideLeft  byte = 1
	joinSideRight byte = 2
)

// Join implements Inner and Left joins keyed by a join column extracted
// from each side independently. It stores every live row from both sides
// (so a late-arriving row on one side can be matched against everything
// already seen on the other), indexed by join key so a match lookup is a
// single prefix scan. Output row identity is assigned through the node's
// RowNumberProvider, keyed by the pairing of the two matched rows' own
// keys: the same (left row, right row) pairing always maps to the same
// RowNumber until it is retracted, at which point the mapping is freed
// and a later pairing — even one reusing the same join column value with
// a different row — gets a fresh number.
//
// Kind must be OpInnerJoin, OpNaturalJoin or OpLeftJoin. A natural join
// behaves exactly like an inner join here: the "shared columns" both
// sides match on are whatever LeftKey and RightKey project, since this
// core never interprets row bytes itself. A Left join additionally emits
// an unmatched row (right side filled with Unmatched) the moment a left
// row arrives with no right-side match, and retracts it the moment a real
// match appears.
type Join struct {
	Kind      OperatorKind
	LeftNode  FlowNodeId
	RightNode FlowNodeId
	LeftKey   GroupKeyFunc
	RightKey  GroupKeyFunc
	Combine   func(left, right core.Values) core.Values
	Unmatched core.Values
}

func (j Join) Apply(ctx *OpContext, in FlowChange) (FlowChange, error) {
	switch in.Origin {
	case j.LeftNode:
		return j.applySide(ctx, in, joinSideLeft)
	case j.RightNode:
		return j.applySide(ctx, in, joinSideRight)
	default:
		return FlowChange{}, nil
	}
}

func bucketKey(side byte, joinKey, rowKey key.EncodedKey) key.EncodedKey {
	b := localBuilder().AppendByte(joinSubBucket).AppendByte(side).AppendBytesEscaped(joinKey.Bytes()).AppendBytesEscaped(rowKey.Bytes())
	return finishLocal(b)
}

func bucketPrefix(side byte, joinKey key.EncodedKey) key.EncodedKey {
	b := localBuilder().AppendByte(joinSubBucket).AppendByte(side).AppendBytesEscaped(joinKey.Bytes())
	return finishLocal(b)
}

// encodeBucketEntry packs a row's own key alongside its value so a bucket
// prefix scan can recover both without decoding the physical state key.
func encodeBucketEntry(rowKey key.EncodedKey, value core.Values) core.Values {
	rk := rowKey.Bytes()
	out := make([]byte, 4+len(rk)+len(value.Bytes()))
	binary.BigEndian.PutUint32(out[:4], uint32(len(rk)))
	copy(out[4:], rk)
	copy(out[4+len(rk):], value.Bytes())
	return core.NewValues(out)
}

func decodeBucketEntry(v core.Values) (key.EncodedKey, core.Values) {
	b := v.Bytes()
	if len(b) < 4 {
		return key.EncodedKey{}, core.Values{}
	}
	n := binary.BigEndian.Uint32(b[:4])
	if uint32(len(b)) < 4+n {
		return key.EncodedKey{}, core.Values{}
	}
	rk := append([]byte(nil), b[4:4+n]...)
	val := append([]byte(nil), b[4+n:]...)
	return key.Raw(rk), core.NewValues(val)
}

type matchedRow struct {
	rowKey key.EncodedKey
	value  core.Values
}

func (j Join) scanBucket(ctx *OpContext, side byte, joinKey key.EncodedKey) ([]matchedRow, error) {
	scanner := ctx.RangeLocal(bucketPrefix(side, joinKey))
	var out []matchedRow
	for {
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

// pairIdentity builds the RowNumberProvider key for a (left row, right
// row) combination. The left segment is written first and escaped with a
// terminator, so a prefix built from the left segment alone
// (pairLeftPrefix) safely bounds every pairing with that left row
// regardless of which right row it matched.
func pairIdentity(leftRowKey, rightRowKey key.EncodedKey) key.EncodedKey {
	b := localBuilder().AppendByte(joinSubPair).AppendBytesEscaped(leftRowKey.Bytes()).AppendBytesEscaped(rightRowKey.Bytes())
	return finishLocal(b)
}

func pairLeftPrefix(leftRowKey key.EncodedKey) key.EncodedKey {
	b := localBuilder().AppendByte(joinSubPair).AppendBytesEscaped(leftRowKey.Bytes())
	return finishLocal(b)
}

// payloadKey namespaces the combined row payload (and its RowNumber,
// packed alongside so a prefix sweep can recover both without a second
// lookup) under an identity already produced by pairIdentity.
func payloadKey(identity key.EncodedKey) key.EncodedKey {
	b := localBuilder().AppendByte(joinSubRow).AppendRaw(identity.Bytes())
	return finishLocal(b)
}

func payloadPrefixForLeft(leftRowKey key.EncodedKey) key.EncodedKey {
	b := localBuilder().AppendByte(joinSubRow).AppendRaw(pairLeftPrefix(leftRowKey).Bytes())
	return finishLocal(b)
}

func encodePayload(num RowNumber, value core.Values) core.Values {
	vb := value.Bytes()
	out := make([]byte, 8+len(vb))
	binary.BigEndian.PutUint64(out[:8], uint64(num))
	copy(out[8:], vb)
	return core.NewValues(out)
}

func decodePayload(v core.Values) (RowNumber, core.Values) {
	b := v.Bytes()
	if len(b) < 8 {
		return 0, core.Values{}
	}
	return RowNumber(binary.BigEndian.Uint64(b[:8])), core.NewValues(append([]byte(nil), b[8:]...))
}

func outputKey(num RowNumber) key.EncodedKey {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(num))
	return key.Raw(buf[:])
}

func (j Join) leftRight(side byte, ownRowKey key.EncodedKey, ownValue core.Values, m matchedRow) (leftKey, rightKey key.EncodedKey, leftVal, rightVal core.Values) {
	if side == joinSideLeft {
		return ownRowKey, m.rowKey, ownValue, m.value
	}
	return m.rowKey, ownRowKey, m.value, ownValue
}

// applySide processes a diff that arrived on `side` against whatever the
// opposite side has already indexed under the same join key value.
func (j Join) applySide(ctx *OpContext, in FlowChange, side byte) (FlowChange, error) {
	ownKeyFn := j.LeftKey
	if side == joinSideRight {
		ownKeyFn = j.RightKey
	}
	otherSide := joinSideRight
	if side == joinSideRight {
		otherSide = joinSideLeft
	}

	out := FlowChange{Origin: in.Origin}

	for _, d := range in.Diffs {
		if d.Pre.Len() > 0 {
			jk := ownKeyFn(d.Pre)
			if err := ctx.Remove(bucketKey(side, jk, d.Key)); err != nil {
				return FlowChange{}, err
			}
			if side == joinSideLeft {
				// One prefix sweep retracts every pairing (a real
				// match or the unmatched placeholder) this left row
				// was party to, freeing their row numbers so a later,
				// different left row reusing the same join value gets
				// fresh ones.
				if err := j.retractAllForLeft(ctx, d.Key, &out); err != nil {
					return FlowChange{}, err
				}
			} else {
				matches, err := j.scanBucket(ctx, otherSide, jk)
				if err != nil {
					return FlowChange{}, err
				}
				for _, m := range matches {
					lk, rk, _, _ := j.leftRight(side, d.Key, d.Pre, m)
					if err := j.retractPair(ctx, lk, rk, &out); err != nil {
						return FlowChange{}, err
					}
				}
			}
		}
		if d.Post.Len() > 0 {
			jk := ownKeyFn(d.Post)
			ctx.Set(bucketKey(side, jk, d.Key), encodeBucketEntry(d.Key, d.Post))

			matches, err := j.scanBucket(ctx, otherSide, jk)
			if err != nil {
				return FlowChange{}, err
			}
			if len(matches) == 0 {
				if j.Kind == OpLeftJoin && side == joinSideLeft {
					if err := j.emitPair(ctx, d.Key, key.EncodedKey{}, d.Post, j.Unmatched, &out); err != nil {
						return FlowChange{}, err
					}
				}
				continue
			}
			for _, m := range matches {
				lk, rk, lv, rv := j.leftRight(side, d.Key, d.Post, m)
				if j.Kind == OpLeftJoin && side == joinSideRight {
					// lk's unmatched placeholder, if any, was staged
					// under pairIdentity(lk, empty); this right row is
					// its first real match, so the placeholder must be
					// retracted before the real pairing is emitted.
					// retractPair no-ops when no placeholder exists.
					if err := j.retractPair(ctx, lk, key.EncodedKey{}, &out); err != nil {
						return FlowChange{}, err
					}
				}
				if err := j.emitPair(ctx, lk, rk, lv, rv, &out); err != nil {
					return FlowChange{}, err
				}
			}
		}
	}
	return out, nil
}

// emitPair assigns (or reuses) lk/rk's RowNumber and stages its combined
// row, emitting an Insert the first time the pairing is seen and an
// Update thereafter.
func (j Join) emitPair(ctx *OpContext, leftKey, rightKey key.EncodedKey, left, right core.Values, out *FlowChange) error {
	identity := pairIdentity(leftKey, rightKey)
	num, isNew, err := ctx.RowNumbers().GetOrCreate(identity)
	if err != nil {
		return err
	}
	combined := j.Combine(left, right)
	pk := payloadKey(identity)

	var prior core.Values
	if !isNew {
		raw, had, err := ctx.Get(pk)
		if err != nil {
			return err
		}
		if had {
			_, prior = decodePayload(raw)
		}
	}
	ctx.Set(pk, encodePayload(num, combined))

	ok := outputKey(num)
	if isNew {
		out.Diffs = append(out.Diffs, RowDiff{Key: ok, Post: combined})
	} else {
		out.Diffs = append(out.Diffs, RowDiff{Key: ok, Pre: prior, Post: combined})
	}
	return nil
}

// retractPair removes a single known (leftKey, rightKey) pairing: its
// row-number mapping and staged payload, emitting the retraction diff
// keyed by the RowNumber it is freeing.
func (j Join) retractPair(ctx *OpContext, leftKey, rightKey key.EncodedKey, out *FlowChange) error {
	identity := pairIdentity(leftKey, rightKey)
	pk := payloadKey(identity)
	raw, had, err := ctx.Get(pk)
	if err != nil || !had {
		return err
	}
	num, prior := decodePayload(raw)
	if err := ctx.Remove(pk); err != nil {
		return err
	}
	if err := ctx.RowNumbers().Remove(identity); err != nil {
		return err
	}
	out.Diffs = append(out.Diffs, RowDiff{Key: outputKey(num), Pre: prior})
	return nil
}

// retractAllForLeft retracts every pairing currently staged for
// leftRowKey — real matches and, for a Left join, the unmatched
// placeholder — in one prefix sweep over the payload namespace, then
// frees the corresponding row-number mappings in a second prefix sweep.
// Grounded on rownum.go's RemoveByPrefix, which this mirrors for the
// payload side since the payload also needs decoding per entry to build
// the retraction diffs RemoveByPrefix alone cannot produce.
func (j Join) retractAllForLeft(ctx *OpContext, leftRowKey key.EncodedKey, out *FlowChange) error {
	scanner := ctx.RangeLocal(payloadPrefixForLeft(leftRowKey))
	var stale []key.EncodedKey
	for {
		e, ok, err := scanner.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		num, prior := decodePayload(e.Values)
		out.Diffs = append(out.Diffs, RowDiff{Key: outputKey(num), Pre: prior})
		stale = append(stale, e.Key)
	}
	for _, k := range stale {
		if err := ctx.txn.Remove(key.KindFlowState, k); err != nil {
			return err
		}
	}
	return ctx.RowNumbers().RemoveByPrefix(pairLeftPrefix(leftRowKey))
}
