package flow

import (
	"github.com/reifydb/reifydb/internal/core"
	"github.com/reifydb/reifydb/internal/key"
	"github.com/reifydb/reifydb/internal/txn"
)

// Operator is the contract every node in a FlowDag implements: consume an
// incoming change and produce the change to propagate downstream.
// Stateless operators (filter, map, extend) ignore ctx entirely; stateful
// ones (aggregate, join, distinct) read and write their own state through
// it.
type Operator interface {
	Apply(ctx *OpContext, in FlowChange) (FlowChange, error)
}

// OpContext exposes a node's reserved key-prefix inside the multi-version
// store: a point-lookup, prefix-scan, set and remove, all automatically
// namespaced by (flow id, node id) so two nodes (or two flows) can never
// collide. Backed by a single AdminTxn shared by every node a worker
// touches in one batch: a single transaction opened once per worker batch
// that stages all writes; nothing here commits.
type OpContext struct {
	txn    *txn.AdminTxn
	flowID FlowId
	nodeID FlowNodeId
	rowNum *RowNumberProvider
}

func newOpContext(tx *txn.AdminTxn, flowID FlowId, nodeID FlowNodeId) *OpContext {
	c := &OpContext{txn: tx, flowID: flowID, nodeID: nodeID}
	c.rowNum = newRowNumberProvider(c)
	return c
}

// stateKey namespaces a node-local key under this context's (flow, node)
// prefix inside key.KindFlowState.
func (c *OpContext) stateKey(local key.EncodedKey) key.EncodedKey {
	b := key.NewBuilder(key.KindFlowState).AppendUint64(uint64(c.flowID)).AppendUint64(uint64(c.nodeID))
	b.AppendRaw(local.Bytes())
	return b.Build()
}

func (c *OpContext) statePrefixBounds() (key.EncodedKey, key.EncodedKey) {
	lo := key.NewBuilder(key.KindFlowState).AppendUint64(uint64(c.flowID)).AppendUint64(uint64(c.nodeID)).Build()
	hi := key.NewBuilder(key.KindFlowState).AppendUint64(uint64(c.flowID)).AppendUint64(uint64(c.nodeID) + 1).Build()
	return lo, hi
}

// Get reads a node-local state entry.
func (c *OpContext) Get(local key.EncodedKey) (core.Values, bool, error) {
	return c.txn.Get(key.KindFlowState, c.stateKey(local))
}

// Set writes a node-local state entry.
func (c *OpContext) Set(local key.EncodedKey, values core.Values) {
	c.txn.Set(c.stateKey(local), values)
}

// Remove deletes a node-local state entry.
func (c *OpContext) Remove(local key.EncodedKey) error {
	return c.txn.Remove(key.KindFlowState, c.stateKey(local))
}

// RangeLocal scans every state entry with the given node-local prefix.
// Callers pass a local (unnamespaced) key; Next() yields keys still
// namespaced, so callers needing the local suffix back should keep their
// own bookkeeping rather than re-deriving it.
func (c *OpContext) RangeLocal(prefix key.EncodedKey) *txn.MergeScanner {
	lo := c.stateKey(prefix)
	hiBuilder := key.NewBuilder(key.KindFlowState).AppendUint64(uint64(c.flowID)).AppendUint64(uint64(c.nodeID))
	hiBuilder.AppendRaw(prefixUpperBound(prefix.Bytes()))
	return c.txn.Range(key.KindFlowState, lo, hiBuilder.Build())
}

// RowNumbers returns the row-number provider scoped to this node.
func (c *OpContext) RowNumbers() *RowNumberProvider { return c.rowNum }

// ViewKey namespaces a view-local row key under this flow's dedicated
// sub-partition of key.KindRow, so distinct materialized views (and the
// rows a user writes directly) never collide.
func (c *OpContext) ViewKey(local key.EncodedKey) key.EncodedKey {
	b := key.NewBuilder(key.KindRow).AppendByte(viewRowMarker).AppendUint64(uint64(c.flowID))
	b.AppendRaw(local.Bytes())
	return b.Build()
}

// SetView writes values at a materialized view's row key, as part of the
// same staged transaction as everything else this batch is doing; the
// caller (the coordinator) commits it all atomically alongside the CDC
// acknowledgment that triggered it.
func (c *OpContext) SetView(local key.EncodedKey, values core.Values) {
	c.txn.Set(c.ViewKey(local), values)
}

// RemoveView deletes a materialized view's row key.
func (c *OpContext) RemoveView(local key.EncodedKey) error {
	return c.txn.Remove(key.KindRow, c.ViewKey(local))
}

// viewRowMarker distinguishes flow-maintained view rows from ordinary
// user row data inside the shared key.KindRow partition.
const viewRowMarker byte = 0xfe

// ViewRowBounds returns the [lo, hi) key range holding every materialized
// view row the given flow maintains, for callers reading a view back out
// of the store.
func ViewRowBounds(id FlowId) (key.EncodedKey, key.EncodedKey) {
	lo := key.NewBuilder(key.KindRow).AppendByte(viewRowMarker).AppendUint64(uint64(id)).Build()
	hi := key.NewBuilder(key.KindRow).AppendByte(viewRowMarker).AppendUint64(uint64(id) + 1).Build()
	return lo, hi
}

// prefixUpperBound returns the smallest byte string that sorts strictly
// after every string with prefix p, by incrementing the last byte that
// isn't already 0xff and truncating anything after it. A prefix of all
// 0xff bytes has no finite upper bound in the same length, so this
// returns p itself extended by one 0xff byte, still correct since every
// real key is shorter than the backend's max key length.
func prefixUpperBound(p []byte) []byte {
	out := append([]byte(nil), p...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return append(out, 0xff)
}
