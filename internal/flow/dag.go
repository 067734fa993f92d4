// Package flow implements incremental view maintenance: a DAG of operators
// that turns a stream of row-level CDC changes into materialized,
// continuously-updated view output.
// What: FlowDag is the arena of operator nodes for one flow (one
// materialized view definition); FlowChange is the unit of data that
// flows along its edges; Operator implementations (filter, map, join,
// aggregate, ...) consume and produce FlowChanges, using per-node state
// routed through the multi-version store; a worker pool (see
// coordinator.go) drives propagation one CDC batch at a time.
// How: grounded in tinySQL's internal/storage/concurrency.go WorkerPool
// (fixed goroutine pool over a bounded channel, NumCPU-scaled sizing) for
// the coordinator's worker pool. Backfill runs only when called; no
// scheduler drives it.
package flow

import (
	"fmt"

	"github.com/reifydb/reifydb/internal/key"
)

// FlowId identifies one materialized view's flow within the engine.
type FlowId uint64

// FlowNodeId identifies one operator node within a single flow's DAG.
// Stable and externally visible: row-number and join-state bookkeeping is
// keyed by (FlowId, FlowNodeId) so a redeployed flow with the same node
// ids resumes its state instead of starting cold.
type FlowNodeId uint64

// OperatorKind tags which concrete Operator a FlowNode wraps. Modeled as
// a tagged enum rather than relying on a Go type switch over Operator,
// since the coordinator needs to know a node's kind (e.g. to recognize a
// Sink) without importing every operator's concrete type.
type OperatorKind uint8

const (
	OpSource OperatorKind = iota + 1
	OpSourceView
	OpFilter
	OpMap
	OpExtend
	OpAggregate
	OpInnerJoin
	OpLeftJoin
	OpNaturalJoin
	OpSort
	OpTake
	OpWindow
	OpDistinct
	OpMerge
	OpApply
	OpSink
)

func (k OperatorKind) String() string {
	switch k {
	case OpSource:
		return "source"
	case OpSourceView:
		return "source_view"
	case OpFilter:
		return "filter"
	case OpMap:
		return "map"
	case OpExtend:
		return "extend"
	case OpAggregate:
		return "aggregate"
	case OpInnerJoin:
		return "inner_join"
	case OpLeftJoin:
		return "left_join"
	case OpNaturalJoin:
		return "natural_join"
	case OpSort:
		return "sort"
	case OpTake:
		return "take"
	case OpWindow:
		return "window"
	case OpDistinct:
		return "distinct"
	case OpMerge:
		return "merge"
	case OpApply:
		return "apply"
	case OpSink:
		return "sink"
	default:
		return fmt.Sprintf("OperatorKind(%d)", k)
	}
}

// FlowNode is one operator instance inside a FlowDag.
type FlowNode struct {
	ID     FlowNodeId
	Kind   OperatorKind
	Op     Operator
	Inputs []FlowNodeId
}

// FlowDag is the arena of nodes for one flow, plus the source-node set
// that tells the coordinator which CDC primitives feed it.
type FlowDag struct {
	ID      FlowId
	nodes   map[FlowNodeId]*FlowNode
	order   []FlowNodeId // insertion order, used to make iteration deterministic
	sources map[FlowNodeId]bool

	// downstream maps a node to every node that lists it as an input,
	// i.e. the forward edges used by propagation.
	downstream map[FlowNodeId][]FlowNodeId

	// sourceKinds records which CDC primitive feeds each source node,
	// so the coordinator can tell which flows a given commit's changes
	// are even relevant to without inspecting every flow's DAG.
	sourceKinds map[FlowNodeId]key.KeyKind
}

// NewFlowDag constructs an empty DAG for id.
func NewFlowDag(id FlowId) *FlowDag {
	return &FlowDag{
		ID:          id,
		nodes:       make(map[FlowNodeId]*FlowNode),
		sources:     make(map[FlowNodeId]bool),
		downstream:  make(map[FlowNodeId][]FlowNodeId),
		sourceKinds: make(map[FlowNodeId]key.KeyKind),
	}
}

// AddNode registers a node. inputs must already exist in the DAG; a node
// with no inputs is treated as a source (a CDC entry point).
func (d *FlowDag) AddNode(id FlowNodeId, kind OperatorKind, op Operator, inputs ...FlowNodeId) error {
	if _, exists := d.nodes[id]; exists {
		return fmt.Errorf("flow: node %d already registered", id)
	}
	for _, in := range inputs {
		if _, ok := d.nodes[in]; !ok {
			return fmt.Errorf("flow: node %d references unknown input %d", id, in)
		}
	}
	d.nodes[id] = &FlowNode{ID: id, Kind: kind, Op: op, Inputs: append([]FlowNodeId(nil), inputs...)}
	d.order = append(d.order, id)
	if len(inputs) == 0 {
		d.sources[id] = true
	}
	for _, in := range inputs {
		d.downstream[in] = append(d.downstream[in], id)
	}
	return nil
}

// AddSource registers a source node (no inputs) tagged with the CDC
// primitive kind it consumes. Equivalent to AddNode(id, OpSource, op)
// followed by recording kind, except AddNode already treats any
// zero-input node as a source; this additionally records which primitive
// feeds it so the coordinator can route CDC changes to it.
func (d *FlowDag) AddSource(id FlowNodeId, kind key.KeyKind, op Operator) error {
	if err := d.AddNode(id, OpSource, op); err != nil {
		return err
	}
	d.sourceKinds[id] = kind
	return nil
}

// AddViewSource registers a source node fed by another flow's
// materialized view rather than a base table. The routing mechanics are
// identical to AddSource (view rows live in the same CDC stream as any
// other committed write); the distinct kind only records provenance.
func (d *FlowDag) AddViewSource(id FlowNodeId, kind key.KeyKind, op Operator) error {
	if err := d.AddNode(id, OpSourceView, op); err != nil {
		return err
	}
	d.sourceKinds[id] = kind
	return nil
}

// SourcesForKind returns every source node tagged with kind, in insertion
// order.
func (d *FlowDag) SourcesForKind(kind key.KeyKind) []FlowNodeId {
	var out []FlowNodeId
	for _, id := range d.order {
		if d.sources[id] && d.sourceKinds[id] == kind {
			out = append(out, id)
		}
	}
	return out
}

// Sources returns every node with no inputs, in insertion order.
func (d *FlowDag) Sources() []FlowNodeId {
	var out []FlowNodeId
	for _, id := range d.order {
		if d.sources[id] {
			out = append(out, id)
		}
	}
	return out
}

// Node returns the node registered under id, or nil if not found.
func (d *FlowDag) Node(id FlowNodeId) *FlowNode { return d.nodes[id] }

// Downstream returns the nodes that consume id's output, in the order
// they were added.
func (d *FlowDag) Downstream(id FlowNodeId) []FlowNodeId { return d.downstream[id] }
