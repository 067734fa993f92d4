package flow

import (
	"fmt"

	"github.com/reifydb/reifydb/internal/txn"
)

// Identity is the Operator a source node carries: it has no upstream
// inputs inside the DAG (its input is the raw CDC-derived FlowChange the
// coordinator hands to Propagate), so Apply is a pass-through that exists
// only so every FlowNode, source or not, satisfies the same Operator
// contract.
type Identity struct{}

func (Identity) Apply(_ *OpContext, in FlowChange) (FlowChange, error) { return in, nil }

// Propagate runs change through nodeID's operator and recursively feeds
// the result to every downstream node, in the order dag.Downstream
// returns them. tx is the single transaction shared by every node this
// call touches; nothing here commits it. Used both for a live CDC-driven
// source injection (nodeID is a source node) and, identically, for each
// step of the recursive fan-out that follows.
func Propagate(tx *txn.AdminTxn, flowID FlowId, dag *FlowDag, nodeID FlowNodeId, change FlowChange) error {
	node := dag.Node(nodeID)
	if node == nil {
		return fmt.Errorf("flow: propagate: unknown node %d", nodeID)
	}

	ctx := newOpContext(tx, flowID, nodeID)
	out, err := node.Op.Apply(ctx, change)
	if err != nil {
		return fmt.Errorf("flow: node %d (%s): %w", nodeID, node.Kind, err)
	}
	out.Origin = nodeID
	if out.Empty() {
		return nil
	}

	for _, downstreamID := range dag.Downstream(nodeID) {
		if err := Propagate(tx, flowID, dag, downstreamID, out); err != nil {
			return err
		}
	}
	return nil
}
